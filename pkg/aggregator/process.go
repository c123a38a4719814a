package aggregator

import (
	"fmt"
	"strings"

	"github.com/chenxilol/pricehub/internal/metrics"
	"github.com/chenxilol/pricehub/pkg/datapackage"
	"github.com/chenxilol/pricehub/pkg/topic"
)

// handleMessage 处理一条传输层消息
func (a *Aggregator) handleMessage(t string, payload any, err error) {
	metrics.PackageReceived()
	a.handleCircuitBreaker()

	if err != nil {
		metrics.PackageRejected(metrics.ReasonTransport)
		a.logger.Error("failed to process new package", "topic", t, "error", err)
		return
	}

	pkg, err := datapackage.ParsePlain(payload)
	if err != nil {
		metrics.PackageRejected(metrics.ReasonSchema)
		a.logger.Warn("failed to process new package", "topic", t, "error", err)
		return
	}
	feedID := pkg.DataPackageID
	timestamp := pkg.TimestampMilliseconds

	// 在签名恢复之前拒绝，节省 CPU
	if _, ok := a.feeds[feedID]; !ok {
		metrics.PackageRejected(metrics.ReasonUnknownFeed)
		a.logger.Debug("received package with unexpected id", "data_package_id", feedID, "expected_ids", a.cfg.DataPackageIDs)
		return
	}

	signer, err := a.verifier.Recover(pkg)
	if err != nil {
		a.reportVerificationError(fmt.Errorf("recover signer data_package_id=%s timestamp=%d: %w", feedID, timestamp, err))
		return
	}
	signerAddress := signer.Hex()

	if _, ok := a.signers[signerAddress]; !ok {
		a.reportVerificationError(fmt.Errorf("%w: signer=%s expected_signers=%v data_package_id=%s timestamp=%d",
			ErrUnauthorizedSigner, signerAddress, a.cfg.AuthorizedSigners, feedID, timestamp))
		return
	}

	if expected := topic.DecodeDataPackage(t).NodeAddress; !strings.EqualFold(expected, signerAddress) {
		a.reportVerificationError(fmt.Errorf("%w: signer=%s topic=%s data_package_id=%s timestamp=%d",
			ErrSignerMismatch, signerAddress, t, feedID, timestamp))
		return
	}
	pkg.SignerAddress = signerAddress

	if !a.state.IsNewer(feedID, timestamp) {
		metrics.PackageRejected(metrics.ReasonStale)
		last, _ := a.state.LastPublished(feedID)
		a.logger.Debug("package was rejected because it is not newer than last published",
			"data_package_id", feedID, "timestamp", timestamp, "last_published", last)
		return
	}

	entry, ok := a.buffer[timestamp]
	if !ok {
		// 新时间戳到达时清理过期记录，未达到发布条件的时间戳不会一直留在缓冲区
		a.sweep()
		entry = make(datapackage.Response)
		a.buffer[timestamp] = entry
	}

	for _, buffered := range entry[feedID] {
		if buffered.SignerAddress == signerAddress {
			metrics.PackageRejected(metrics.ReasonDuplicate)
			a.logger.Debug("package was rejected because already have package from signer",
				"signer", signerAddress, "timestamp", timestamp, "data_package_id", feedID)
			return
		}
	}

	a.logger.Debug("received and verified data package", "signer", signerAddress, "timestamp", timestamp, "data_package_id", feedID)
	entry[feedID] = append(entry[feedID], *pkg)

	if a.canPublishInstantly(entry) {
		a.logger.Debug("got packages from all signers, will try to publish instantly", "timestamp", timestamp)
		a.publish(timestamp)
		return
	}

	if _, scheduled := a.scheduled[timestamp]; !scheduled && a.canSchedulePublish(entry) {
		a.logger.Debug("got packages from enough authorized signers, scheduled publish",
			"timestamp", timestamp, "wait", a.cfg.WaitForOtherSigners)
		a.scheduled[timestamp] = a.clock.Now()
		a.clock.AfterFunc(a.cfg.WaitForOtherSigners, func() {
			a.post(func() {
				a.publish(timestamp)
			})
		})
	}
}

// canPublishInstantly 每个 feed 都已收到全部授权签名者的数据包
func (a *Aggregator) canPublishInstantly(entry datapackage.Response) bool {
	for _, feedID := range a.cfg.DataPackageIDs {
		if len(entry[feedID]) != len(a.signers) {
			return false
		}
	}
	return true
}

// canSchedulePublish 任意(IgnoreMissingFeeds)或全部 feed 满足最少签名者数量
func (a *Aggregator) canSchedulePublish(entry datapackage.Response) bool {
	enough := func(feedID string) bool {
		return len(entry[feedID]) >= a.cfg.MinimalOffChainSignersCount
	}

	if a.cfg.IgnoreMissingFeeds {
		for _, feedID := range a.cfg.DataPackageIDs {
			if enough(feedID) {
				return true
			}
		}
		return false
	}

	for _, feedID := range a.cfg.DataPackageIDs {
		if !enough(feedID) {
			return false
		}
	}
	return true
}

// publish 发布某个时间戳下已满足条件的 feed，然后清理缓冲区
func (a *Aggregator) publish(timestamp int64) {
	entry, ok := a.buffer[timestamp]
	if !ok {
		a.logger.Warn("no packages available", "timestamp", timestamp)
		return
	}

	batch := make(datapackage.Response, len(entry))
	for feedID, pkgs := range entry {
		if len(pkgs) < a.cfg.MinimalOffChainSignersCount {
			a.logger.Debug("omitting data package id because not enough packages received",
				"data_package_id", feedID, "received", len(pkgs), "expected", a.cfg.MinimalOffChainSignersCount)
			continue
		}

		picked, err := datapackage.PickClosestToMedian(pkgs, a.cfg.UniqueSignersCount)
		if err != nil {
			a.logger.Debug("omitting data package id", "data_package_id", feedID, "error", err)
			continue
		}
		batch[feedID] = picked
	}

	if batch = a.state.FilterNewer(batch); len(batch) > 0 {
		a.deliver(batch, timestamp, metrics.SourcePrimary)
	}

	a.prune(timestamp)
}

// prune 移除已发布的 feed 并清理过期记录
func (a *Aggregator) prune(timestamp int64) {
	if entry, ok := a.buffer[timestamp]; ok {
		a.buffer[timestamp] = a.state.FilterNewer(entry)
	}
	a.sweep()
}

// sweep 移除过期的时间戳和过期的计划发布记录
func (a *Aggregator) sweep() {
	now := a.clock.Now()
	cutoff := now.Add(-MaxPackageStaleness).UnixMilli()
	for ts := range a.buffer {
		if ts <= cutoff {
			delete(a.buffer, ts)
		}
	}

	for ts, at := range a.scheduled {
		if now.Sub(at) > ScheduledPublishTTL {
			delete(a.scheduled, ts)
		}
	}
}

func (a *Aggregator) reportVerificationError(err error) {
	metrics.PackageRejected(metrics.ReasonSignature)
	a.onError(err)
}

// handleCircuitBreaker 熔断时取消订阅所有主题，保留处理函数以便降级模式继续发布
func (a *Aggregator) handleCircuitBreaker() {
	if a.breaker == nil {
		return
	}
	a.breaker.RecordEvent()
	if !a.breaker.ShouldBreak() || a.breakerInFlight {
		return
	}

	a.breakerInFlight = true
	metrics.BreakerTripped()
	a.logger.Error("rate limits crossed, will unsubscribe from pub/sub")

	go func() {
		if err := a.transport.Unsubscribe(a.ctx, a.topics); err != nil {
			a.logger.Error("failed to unsubscribe", "error", err)
		}
		a.post(func() {
			a.breakerInFlight = false
		})
	}()
}
