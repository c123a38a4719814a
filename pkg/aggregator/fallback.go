package aggregator

import (
	"context"
	"time"

	"github.com/chenxilol/pricehub/internal/metrics"
	"github.com/chenxilol/pricehub/pkg/datapackage"

	"github.com/benbjohnson/clock"
)

// FetchFunc 降级模式下拉取最新数据包。
// 返回的数据包不会被再次校验签名，实现方需要自行校验
type FetchFunc func(ctx context.Context) (datapackage.Response, error)

type fallback struct {
	fetch    FetchFunc
	maxDelay time.Duration
	ticker   *clock.Ticker
	inFlight bool
}

// EnableFallback 每隔 interval 检查一次，任意 feed 超过 maxDelay 未发布时调用 fetch。
// 再次调用会替换之前的设置
func (a *Aggregator) EnableFallback(fetch FetchFunc, maxDelay, interval time.Duration) {
	_ = a.call(context.Background(), func() {
		a.stopFallback()
		a.fallback = &fallback{
			fetch:    fetch,
			maxDelay: maxDelay,
			ticker:   a.clock.Ticker(interval),
		}
		a.logger.Info("enabled fallback mode", "interval", interval, "max_delay_between_publishes", maxDelay)
	})
}

// DisableFallback 停止降级检查，进行中的拉取结果会被丢弃
func (a *Aggregator) DisableFallback() {
	_ = a.call(context.Background(), func() {
		a.stopFallback()
	})
}

func (a *Aggregator) stopFallback() {
	if a.fallback == nil {
		return
	}
	a.fallback.ticker.Stop()
	a.fallback = nil
}

func (a *Aggregator) checkFallback() {
	fb := a.fallback
	if fb.inFlight || !a.state.IsStale(fb.maxDelay) {
		return
	}

	a.logger.Warn("fallback triggered", "now", a.clock.Now().UnixMilli(), "last_published", a.state.String())
	fb.inFlight = true

	go func() {
		resp, err := fb.fetch(a.ctx)
		a.post(func() {
			fb.inFlight = false
			if a.fallback != fb {
				return
			}
			if err != nil {
				metrics.FallbackFailed()
				a.logger.Error("fallback fetch has failed", "error", err)
				return
			}
			a.publishFallback(resp)
		})
	}()
}

// publishFallback 发布拉取到的数据包。只保留已配置且与第一个 feed 时间戳相同的 feed，
// 保证同一批次的时间戳一致
func (a *Aggregator) publishFallback(resp datapackage.Response) {
	timestamp, ok := resp.Timestamp()
	if !ok {
		a.logger.Debug("fallback returned no packages")
		return
	}
	a.logger.Debug("received packages from fallback", "timestamp", timestamp)

	batch := make(datapackage.Response, len(resp))
	for feedID, pkgs := range resp {
		if _, ok := a.feeds[feedID]; !ok || len(pkgs) == 0 {
			continue
		}
		if pkgs[0].TimestampMilliseconds != timestamp {
			a.logger.Warn("omitting fallback package with different timestamp",
				"data_package_id", feedID, "timestamp", pkgs[0].TimestampMilliseconds, "expected", timestamp)
			continue
		}
		batch[feedID] = pkgs
	}

	if batch = a.state.FilterNewer(batch); len(batch) == 0 {
		return
	}
	a.deliver(batch, timestamp, metrics.SourceFallback)
}
