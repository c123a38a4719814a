// Package gateway 通过 HTTP 从网关拉取最新数据包，作为订阅中断时的降级数据源
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chenxilol/pricehub/internal/utils"
	"github.com/chenxilol/pricehub/pkg/datapackage"

	"go.uber.org/multierr"
)

var (
	ErrNoGateway       = errors.New("no gateway returned valid data packages")
	ErrNotEnoughSigner = errors.New("not enough unique signers")
)

// maxBodyBytes 单次响应的最大长度
const maxBodyBytes = 8 << 20

// Config 网关配置
type Config struct {
	// 按顺序尝试的网关地址
	URLs           []string      `mapstructure:"urls"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Request 描述需要拉取和校验的数据包
type Request struct {
	DataServiceID      string
	DataPackageIDs     []string
	UniqueSignersCount int
	AuthorizedSigners  []string
	// 为 true 时签名者不足的 feed 被跳过，否则整个响应无效
	IgnoreMissingFeeds bool
}

// Fetcher 网关拉取器
type Fetcher struct {
	cfg      Config
	req      Request
	client   *http.Client
	verifier *datapackage.Verifier
	signers  map[string]struct{}
	logger   *slog.Logger
}

// New 创建拉取器，verifier 为 nil 时使用独立缓存
func New(cfg Config, req Request, verifier *datapackage.Verifier) (*Fetcher, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("%w: no gateway urls configured", ErrNoGateway)
	}
	if verifier == nil {
		v, err := datapackage.NewVerifier(datapackage.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	signers := make(map[string]struct{}, len(req.AuthorizedSigners))
	for _, s := range req.AuthorizedSigners {
		normalized, err := datapackage.NormalizeAddress(s)
		if err != nil {
			return nil, err
		}
		signers[normalized] = struct{}{}
	}

	return &Fetcher{
		cfg:      cfg,
		req:      req,
		client:   &http.Client{Timeout: cfg.Timeout},
		verifier: verifier,
		signers:  signers,
		logger:   slog.Default().With("component", "gateway-fallback"),
	}, nil
}

// Fetch 依次尝试每个网关，返回第一个通过校验的响应
func (f *Fetcher) Fetch(ctx context.Context) (datapackage.Response, error) {
	var errs error
	for _, base := range f.cfg.URLs {
		var resp datapackage.Response
		err := utils.RetryWithBackoff(ctx, "fetch data packages from "+base, f.cfg.MaxRetries, f.cfg.InitialBackoff, f.cfg.MaxBackoff, func() error {
			raw, err := f.request(ctx, base)
			if err != nil {
				return err
			}
			resp, err = f.verify(raw)
			return err
		})
		if err == nil {
			f.logger.Debug("fetched data packages", "gateway", base, "data_package_ids", resp.FeedIDs())
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		f.logger.Warn("gateway failed", "gateway", base, "error", err)
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", base, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrNoGateway, errs)
}

// LatestURL 返回最新数据包的地址
func LatestURL(base, dataServiceID string) string {
	return strings.TrimRight(base, "/") + "/data-packages/latest/" + url.PathEscape(dataServiceID)
}

func (f *Fetcher) request(ctx context.Context, base string) (map[string][]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, LatestURL(base, f.req.DataServiceID), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var raw map[string][]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

// verify 校验签名，每个 feed 至少需要 UniqueSignersCount 个不同的授权签名者，
// 然后选出最接近中位数的数据包
func (f *Fetcher) verify(raw map[string][]any) (datapackage.Response, error) {
	out := make(datapackage.Response, len(f.req.DataPackageIDs))

	for _, feedID := range f.req.DataPackageIDs {
		seen := make(map[string]struct{})
		var valid []datapackage.SignedPackage

		for _, item := range raw[feedID] {
			pkg, err := datapackage.ParsePlain(item)
			if err != nil {
				f.logger.Debug("skipping invalid package", "data_package_id", feedID, "error", err)
				continue
			}
			if pkg.DataPackageID != feedID {
				continue
			}
			signer, err := f.verifier.Recover(pkg)
			if err != nil {
				f.logger.Debug("skipping package with invalid signature", "data_package_id", feedID, "error", err)
				continue
			}
			address := signer.Hex()
			if _, ok := f.signers[address]; !ok {
				continue
			}
			if _, dup := seen[address]; dup {
				continue
			}
			seen[address] = struct{}{}
			pkg.SignerAddress = address
			valid = append(valid, *pkg)
		}

		if len(valid) < f.req.UniqueSignersCount {
			if f.req.IgnoreMissingFeeds {
				continue
			}
			return nil, fmt.Errorf("%w: data_package_id=%s got=%d expected=%d",
				ErrNotEnoughSigner, feedID, len(valid), f.req.UniqueSignersCount)
		}

		picked, err := datapackage.PickClosestToMedian(valid, f.req.UniqueSignersCount)
		if err != nil {
			return nil, err
		}
		out[feedID] = picked
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no feed has enough signers", ErrNotEnoughSigner)
	}
	return out, nil
}
