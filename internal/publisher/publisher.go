// Package publisher 模拟多个签名者发布随机游走价格，用于本地开发和端到端测试
package publisher

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/datapackage"
	"github.com/chenxilol/pricehub/pkg/topic"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoSigners = errors.New("publisher needs at least one private key")

// Config 发布器配置
type Config struct {
	DataServiceID string
	ContentType   string
	PrivateKeys   []string
	Interval      time.Duration
	Prices        map[string]float64
	Volatility    float64
}

type signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// Publisher 周期性地为每个 (feed, signer) 签名并发布数据包
type Publisher struct {
	cfg       Config
	transport bus.Transport
	clock     clock.Clock
	signers   []signer
	feeds     []string
	prices    map[string]float64
	rng       *rand.Rand
	logger    *slog.Logger
}

// New 解析私钥并创建发布器，transport 通常是 pool.Pool
func New(transport bus.Transport, cfg Config, clk clock.Clock) (*Publisher, error) {
	if len(cfg.PrivateKeys) == 0 {
		return nil, ErrNoSigners
	}
	if clk == nil {
		clk = clock.New()
	}

	p := &Publisher{
		cfg:       cfg,
		transport: transport,
		clock:     clk,
		prices:    make(map[string]float64, len(cfg.Prices)),
		rng:       rand.New(rand.NewPCG(uint64(clk.Now().UnixNano()), 0x5eed)),
		logger:    slog.Default().With("component", "feed-publisher"),
	}
	for _, hexKey := range cfg.PrivateKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		p.signers = append(p.signers, signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()})
	}
	for feed, price := range cfg.Prices {
		p.feeds = append(p.feeds, feed)
		p.prices[feed] = price
	}
	sort.Strings(p.feeds)
	return p, nil
}

// Addresses 返回签名者地址，用于配置聚合器的授权签名者
func (p *Publisher) Addresses() []string {
	out := make([]string, 0, len(p.signers))
	for _, s := range p.signers {
		out = append(out, s.address)
	}
	return out
}

// Run 按 Interval 发布，直到 ctx 结束
func (p *Publisher) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			ts := now.Truncate(p.cfg.Interval).UnixMilli()
			if err := p.PublishOnce(ctx, ts); err != nil {
				p.logger.Error("failed to publish packages", "timestamp", ts, "error", err)
			}
		}
	}
}

// PublishOnce 推进随机游走并以 timestamp 发布一轮数据包
func (p *Publisher) PublishOnce(ctx context.Context, timestamp int64) error {
	payloads := make([]bus.Payload, 0, len(p.feeds)*len(p.signers))
	for _, feed := range p.feeds {
		p.prices[feed] *= 1 + p.cfg.Volatility*p.rng.NormFloat64()

		for _, s := range p.signers {
			// 每个签名者的报价有少量偏差
			value := p.prices[feed] * (1 + p.cfg.Volatility*0.1*p.rng.NormFloat64())
			pkg := &datapackage.SignedPackage{
				DataPackageID:         feed,
				DataPoints:            []datapackage.DataPoint{{DataFeedID: feed, Value: value}},
				TimestampMilliseconds: timestamp,
				DataServiceID:         p.cfg.DataServiceID,
			}
			if err := datapackage.Sign(pkg, s.key); err != nil {
				return err
			}
			payloads = append(payloads, bus.Payload{
				Topic: topic.EncodeDataPackage(topic.DataPackageTopic{
					DataServiceID: p.cfg.DataServiceID,
					DataPackageID: feed,
					NodeAddress:   s.address,
				}),
				Data: pkg,
			})
		}
	}

	if err := p.transport.Publish(ctx, payloads, p.cfg.ContentType); err != nil {
		return err
	}
	p.logger.Debug("published packages", "timestamp", timestamp, "packages", len(payloads))
	return nil
}
