package aggregator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chenxilol/pricehub/pkg/breaker"
	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/bus/memory"
	"github.com/chenxilol/pricehub/pkg/codec"
	"github.com/chenxilol/pricehub/pkg/datapackage"
	"github.com/chenxilol/pricehub/pkg/pool"
	"github.com/chenxilol/pricehub/pkg/topic"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	serviceID = "redstone-main-demo"
	baseMs    = int64(1_700_000_000_000)
	wait      = 500 * time.Millisecond
)

type signer struct {
	key     *ecdsa.PrivateKey
	address string
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

type harness struct {
	t       *testing.T
	agg     *Aggregator
	broker  *memory.Broker
	pub     *memory.Conn
	clock   *clock.Mock
	signers []signer
	batches chan datapackage.Response
	errs    chan error
}

func newHarness(t *testing.T, feeds []string, signerCount int, mutate func(*Config)) *harness {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(baseMs))

	h := &harness{
		t:       t,
		broker:  memory.NewBroker(),
		clock:   mock,
		batches: make(chan datapackage.Response, 16),
		errs:    make(chan error, 16),
	}
	for i := 0; i < signerCount; i++ {
		h.signers = append(h.signers, newSigner(t))
	}

	cfg := Config{
		DataServiceID:               serviceID,
		DataPackageIDs:              feeds,
		UniqueSignersCount:          2,
		MinimalOffChainSignersCount: 2,
		WaitForOtherSigners:         wait,
	}
	for _, s := range h.signers {
		cfg.AuthorizedSigners = append(cfg.AuthorizedSigners, s.address)
	}
	if mutate != nil {
		mutate(&cfg)
	}

	transport := pool.New(h.broker.Factory(), pool.Config{TopicsPerConnection: topic.CountPerConnection()})
	agg, err := New(transport, cfg,
		WithClock(mock),
		WithErrorHandler(func(err error) { h.errs <- err }),
	)
	require.NoError(t, err)
	h.agg = agg
	h.pub = h.broker.Connect()

	t.Cleanup(func() {
		agg.Stop()
		h.pub.Stop()
	})
	return h
}

func (h *harness) subscribe() {
	h.t.Helper()
	require.NoError(h.t, h.agg.Subscribe(context.Background(), func(batch datapackage.Response) {
		h.batches <- batch
	}))
}

// send 由 s 签名并发布到 topicSigner 的主题上
func (h *harness) send(s signer, topicSigner signer, feed string, value float64, ts int64) {
	h.t.Helper()
	pkg := &datapackage.SignedPackage{
		DataPackageID:         feed,
		DataPoints:            []datapackage.DataPoint{{DataFeedID: feed, Value: value}},
		TimestampMilliseconds: ts,
	}
	require.NoError(h.t, datapackage.Sign(pkg, s.key))
	h.publish(topicSigner, feed, pkg)
}

func (h *harness) publish(topicSigner signer, feed string, data any) {
	h.t.Helper()
	t := topic.EncodeDataPackage(topic.DataPackageTopic{
		DataServiceID: serviceID,
		DataPackageID: feed,
		NodeAddress:   topicSigner.address,
	})
	require.NoError(h.t, h.pub.Publish(context.Background(), []bus.Payload{{Topic: t, Data: data}}, codec.DeflateJSON))
}

func (h *harness) inspect(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.agg.call(context.Background(), fn))
}

func (h *harness) buffered(ts int64, feed string) int {
	var n int
	h.inspect(func() {
		n = len(h.agg.buffer[ts][feed])
	})
	return n
}

func (h *harness) waitBuffered(ts int64, feed string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.buffered(ts, feed) == n }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) waitScheduled(ts int64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		var ok bool
		h.inspect(func() { _, ok = h.agg.scheduled[ts] })
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) nextBatch() datapackage.Response {
	h.t.Helper()
	select {
	case batch := <-h.batches:
		// 等待发布记录更新
		h.inspect(func() {})
		return batch
	case <-time.After(2 * time.Second):
		h.t.Fatal("timeout waiting for published batch")
	}
	return nil
}

func (h *harness) assertNoBatch() {
	h.t.Helper()
	select {
	case batch := <-h.batches:
		h.t.Fatalf("unexpected batch %v", batch.FeedIDs())
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) nextError() error {
	h.t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("timeout waiting for verification error")
	}
	return nil
}

func signersOf(pkgs []datapackage.SignedPackage) []string {
	out := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, p.SignerAddress)
	}
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	valid := Config{
		DataServiceID:               serviceID,
		DataPackageIDs:              []string{"ETH"},
		UniqueSignersCount:          2,
		MinimalOffChainSignersCount: 2,
		AuthorizedSigners: []string{
			"0x8BB8F32Df04c8b654987DAaeD53D6B6091e3B774",
			"0xdEB22f54738d54976C4c0fe5ce6d408E40d88499",
		},
	}

	cases := map[string]func(c *Config){
		"no signers":             func(c *Config) { c.AuthorizedSigners = nil },
		"too few signers":        func(c *Config) { c.UniqueSignersCount = 3; c.MinimalOffChainSignersCount = 3 },
		"minimal below quorum":   func(c *Config) { c.MinimalOffChainSignersCount = 1 },
		"invalid signer address": func(c *Config) { c.AuthorizedSigners = append(c.AuthorizedSigners, "nope") },
		"no feeds":               func(c *Config) { c.DataPackageIDs = nil },
		"no service":             func(c *Config) { c.DataServiceID = "" },
		"duplicate signer": func(c *Config) {
			c.AuthorizedSigners = append(c.AuthorizedSigners, strings.ToLower(c.AuthorizedSigners[0]))
			c.UniqueSignersCount = 3
			c.MinimalOffChainSignersCount = 3
		},
	}

	broker := memory.NewBroker()
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			cfg.AuthorizedSigners = append([]string(nil), valid.AuthorizedSigners...)
			mutate(&cfg)
			_, err := New(broker.Connect(), cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	agg, err := New(broker.Connect(), valid)
	require.NoError(t, err)
	agg.Stop()
}

func TestTopics(t *testing.T) {
	h := newHarness(t, []string{"BTC", "ETH"}, 3, nil)

	topics := h.agg.Topics()
	require.Len(t, topics, 6)
	assert.Equal(t, "data-package/"+serviceID+"/BTC/"+h.signers[0].address, topics[0])
	assert.Equal(t, "data-package/"+serviceID+"/ETH/"+h.signers[2].address, topics[5])
}

func TestTopicsKeepConfiguredSignerAddress(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, func(c *Config) {
		for i, address := range c.AuthorizedSigners {
			c.AuthorizedSigners[i] = strings.ToLower(address)
		}
	})
	for i := range h.signers {
		h.signers[i].address = strings.ToLower(h.signers[i].address)
	}
	assert.Equal(t, "data-package/"+serviceID+"/ETH/"+h.signers[0].address, h.agg.Topics()[0])

	h.subscribe()
	a, b := h.signers[0], h.signers[1]
	h.send(a, a, "ETH", 100, baseMs)
	h.send(b, b, "ETH", 101, baseMs)

	batch := h.nextBatch()
	assert.Len(t, batch["ETH"], 2)
	assert.Equal(t, baseMs, h.agg.LastPublished()["ETH"])
}

func TestInitialPublishState(t *testing.T) {
	h := newHarness(t, []string{"BTC", "ETH"}, 2, nil)

	want := baseMs - MaxPackageStaleness.Milliseconds()
	assert.Equal(t, map[string]int64{"BTC": want, "ETH": want}, h.agg.LastPublished())
}

func TestDeferredPublish(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 3, nil)
	h.subscribe()
	a, b := h.signers[0], h.signers[1]

	h.send(a, a, "ETH", 100, baseMs)
	h.send(b, b, "ETH", 101, baseMs)
	h.waitScheduled(baseMs)
	h.assertNoBatch()

	h.clock.Add(wait)

	batch := h.nextBatch()
	assert.Equal(t, []string{"ETH"}, batch.FeedIDs())
	assert.ElementsMatch(t, []string{a.address, b.address}, signersOf(batch["ETH"]))
	assert.Equal(t, baseMs, h.agg.LastPublished()["ETH"])
}

func TestInstantPublishSupersedesScheduledPublish(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 3, nil)
	h.subscribe()
	a, b, c := h.signers[0], h.signers[1], h.signers[2]

	h.send(a, a, "ETH", 100, baseMs)
	h.send(b, b, "ETH", 101, baseMs)
	h.waitScheduled(baseMs)

	h.send(c, c, "ETH", 150, baseMs)

	// 中位数为 101，最接近的两个是 B 和 A
	batch := h.nextBatch()
	require.Len(t, batch["ETH"], 2)
	assert.Equal(t, []string{b.address, a.address}, signersOf(batch["ETH"]))

	// 计划中的发布触发后不会产生新批次
	h.clock.Add(wait)
	h.assertNoBatch()
	assert.Equal(t, baseMs, h.agg.LastPublished()["ETH"])
}

func TestIgnoreMissingFeeds(t *testing.T) {
	h := newHarness(t, []string{"BTC", "ETH"}, 3, func(c *Config) { c.IgnoreMissingFeeds = true })
	h.subscribe()
	a, b := h.signers[0], h.signers[1]

	h.send(a, a, "BTC", 65000, baseMs)
	h.send(b, b, "BTC", 65001, baseMs)
	h.send(a, a, "ETH", 3000, baseMs)
	h.waitScheduled(baseMs)

	h.clock.Add(wait)

	batch := h.nextBatch()
	assert.Equal(t, []string{"BTC"}, batch.FeedIDs())
	for _, pkg := range batch["BTC"] {
		assert.Equal(t, baseMs, pkg.TimestampMilliseconds)
	}

	last := h.agg.LastPublished()
	assert.Equal(t, baseMs, last["BTC"])
	assert.Equal(t, baseMs-MaxPackageStaleness.Milliseconds(), last["ETH"])

	// ETH 仍保留在缓冲区中
	assert.Equal(t, 1, h.buffered(baseMs, "ETH"))
	assert.Equal(t, 0, h.buffered(baseMs, "BTC"))
}

func TestAllFeedsRequiredWithoutIgnoreMissingFeeds(t *testing.T) {
	h := newHarness(t, []string{"BTC", "ETH"}, 3, nil)
	h.subscribe()
	a, b := h.signers[0], h.signers[1]

	h.send(a, a, "BTC", 65000, baseMs)
	h.send(b, b, "BTC", 65001, baseMs)
	h.send(a, a, "ETH", 3000, baseMs)
	h.waitBuffered(baseMs, "ETH", 1)

	h.inspect(func() {
		assert.Empty(t, h.agg.scheduled)
	})

	h.send(b, b, "ETH", 3001, baseMs)
	h.waitScheduled(baseMs)
	h.clock.Add(wait)

	batch := h.nextBatch()
	assert.Equal(t, []string{"BTC", "ETH"}, batch.FeedIDs())
}

func TestRejectsStalePackages(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 3, nil)
	h.subscribe()
	a, b, c := h.signers[0], h.signers[1], h.signers[2]

	stale := baseMs - MaxPackageStaleness.Milliseconds()
	h.send(a, a, "ETH", 100, stale)
	h.send(a, a, "ETH", 100, baseMs)
	h.waitBuffered(baseMs, "ETH", 1)
	assert.Equal(t, 0, h.buffered(stale, "ETH"))

	h.send(b, b, "ETH", 100, baseMs)
	h.send(c, c, "ETH", 100, baseMs)
	h.nextBatch()

	// 已发布的时间戳不再接受
	h.send(a, a, "ETH", 100, baseMs)
	h.send(a, a, "ETH", 100, baseMs+1000)
	h.waitBuffered(baseMs+1000, "ETH", 1)
	assert.Equal(t, 0, h.buffered(baseMs, "ETH"))
}

func TestRejectsDuplicateSigner(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 3, nil)
	h.subscribe()
	a, b := h.signers[0], h.signers[1]

	h.send(a, a, "ETH", 100, baseMs)
	h.send(a, a, "ETH", 200, baseMs)
	h.send(b, b, "ETH", 101, baseMs)
	h.waitBuffered(baseMs, "ETH", 2)

	h.inspect(func() {
		pkgs := h.agg.buffer[baseMs]["ETH"]
		assert.Equal(t, []string{a.address, b.address}, signersOf(pkgs))
		assert.Equal(t, 100.0, pkgs[0].Value())
	})
}

func TestUnauthorizedSignerIsReported(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.subscribe()
	a := h.signers[0]
	outsider := newSigner(t)

	h.send(outsider, a, "ETH", 100, baseMs)
	assert.ErrorIs(t, h.nextError(), ErrUnauthorizedSigner)
	assert.Equal(t, 0, h.buffered(baseMs, "ETH"))
}

func TestSignerMustMatchTopic(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.subscribe()
	a, b := h.signers[0], h.signers[1]

	h.send(b, a, "ETH", 100, baseMs)
	assert.ErrorIs(t, h.nextError(), ErrSignerMismatch)
}

func TestInvalidPayloadsAreDropped(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.subscribe()
	a := h.signers[0]

	h.publish(a, "ETH", map[string]any{"foo": 1})
	h.broker.Inject(h.agg.Topics()[0], codec.DeflateJSON, []byte("garbage"))
	h.send(a, a, "BTC", 1, baseMs)
	h.send(a, a, "ETH", 100, baseMs)
	h.waitBuffered(baseMs, "ETH", 1)

	select {
	case err := <-h.errs:
		t.Fatalf("unexpected verification error %v", err)
	default:
	}
	assert.Equal(t, 0, h.buffered(baseMs, "BTC"))
}

func TestSubscribeTwiceIsNoop(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.subscribe()

	var second atomic.Int32
	require.NoError(t, h.agg.Subscribe(context.Background(), func(datapackage.Response) {
		second.Add(1)
	}))

	a, b := h.signers[0], h.signers[1]
	h.send(a, a, "ETH", 100, baseMs)
	h.send(b, b, "ETH", 100, baseMs)

	h.nextBatch()
	assert.Zero(t, second.Load())
	assert.Equal(t, 1, h.broker.CreatedConnections()-1, "topics subscribed once")
}

func TestSubscribeFailure(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.broker.FailSubscribe(errors.New("not authorized"))

	err := h.agg.Subscribe(context.Background(), func(datapackage.Response) {})
	assert.ErrorIs(t, err, bus.ErrSubscribeFailed)
}

func TestSubscribeFailureToleratedWithFallback(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.broker.FailSubscribe(errors.New("not authorized"))

	h.agg.EnableFallback(func(context.Context) (datapackage.Response, error) {
		return nil, errors.New("unused")
	}, time.Minute, time.Second)

	assert.NoError(t, h.agg.Subscribe(context.Background(), func(datapackage.Response) {}))
}

func TestCircuitBreakerUnsubscribes(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 3, nil)
	h.agg.EnableCircuitBreaker(breaker.NewRateLimit(time.Minute, 2, breaker.WithClock(h.clock)))
	h.subscribe()
	require.Equal(t, 2, h.broker.ActiveConnections())

	a := h.signers[0]
	for i := int64(0); i < 3; i++ {
		h.send(a, a, "ETH", 100, baseMs+i)
	}

	// 只剩下测试用的发布连接
	require.Eventually(t, func() bool { return h.broker.ActiveConnections() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.inspect(func() {
		assert.NotNil(t, h.agg.handler, "handler kept for fallback")
	})
}

func TestFallbackPublishesWhenStale(t *testing.T) {
	h := newHarness(t, []string{"ETH", "BTC"}, 2, nil)
	h.subscribe()
	a := h.signers[0]

	fetched := baseMs + 5000
	var calls atomic.Int32
	h.agg.EnableFallback(func(context.Context) (datapackage.Response, error) {
		calls.Add(1)
		return datapackage.Response{
			"BTC":  {{DataPackageID: "BTC", TimestampMilliseconds: fetched, SignerAddress: a.address}},
			"DOGE": {{DataPackageID: "DOGE", TimestampMilliseconds: fetched}},
			"ETH":  {{DataPackageID: "ETH", TimestampMilliseconds: fetched - 1000}},
		}, nil
	}, 30*time.Second, 10*time.Second)

	h.clock.Add(10 * time.Second)

	batch := h.nextBatch()
	assert.Equal(t, []string{"BTC"}, batch.FeedIDs(), "other timestamps and unknown feeds are dropped")
	assert.Equal(t, fetched, h.agg.LastPublished()["BTC"])
	assert.Equal(t, int32(1), calls.Load())

	// ETH 仍然过期，继续触发降级；BTC 已是最新，不会重复发布
	h.clock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	h.assertNoBatch()
}

func TestFallbackNotTriggeredWhenFresh(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.subscribe()
	a, b := h.signers[0], h.signers[1]

	var calls atomic.Int32
	h.agg.EnableFallback(func(context.Context) (datapackage.Response, error) {
		calls.Add(1)
		return nil, nil
	}, 30*time.Second, 10*time.Second)

	h.send(a, a, "ETH", 100, baseMs)
	h.send(b, b, "ETH", 100, baseMs)
	h.nextBatch()

	h.clock.Add(10 * time.Second)
	h.clock.Add(10 * time.Second)
	h.inspect(func() {})
	assert.Zero(t, calls.Load())
}

func TestFallbackFailureKeepsTimer(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.subscribe()

	var calls atomic.Int32
	h.agg.EnableFallback(func(context.Context) (datapackage.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("gateway down")
		}
		return datapackage.Response{
			"ETH": {{DataPackageID: "ETH", TimestampMilliseconds: baseMs}},
		}, nil
	}, 30*time.Second, 10*time.Second)

	h.clock.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		var idle bool
		h.inspect(func() { idle = h.agg.fallback != nil && !h.agg.fallback.inFlight })
		return calls.Load() == 1 && idle
	}, 2*time.Second, 5*time.Millisecond)

	h.clock.Add(10 * time.Second)
	batch := h.nextBatch()
	assert.Equal(t, []string{"ETH"}, batch.FeedIDs())
}

func TestDisableFallback(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)

	var calls atomic.Int32
	h.agg.EnableFallback(func(context.Context) (datapackage.Response, error) {
		calls.Add(1)
		return nil, nil
	}, time.Second, 10*time.Second)
	h.agg.DisableFallback()

	h.clock.Add(30 * time.Second)
	h.inspect(func() {
		assert.Nil(t, h.agg.fallback)
	})
	assert.Zero(t, calls.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.subscribe()
	require.NoError(t, h.agg.Unsubscribe(context.Background()))
	assert.Equal(t, 1, h.broker.ActiveConnections())

	// 降级拉取到的数据在没有处理函数时被跳过，发布记录不变
	h.inspect(func() {
		h.agg.publishFallback(datapackage.Response{
			"ETH": {{DataPackageID: "ETH", TimestampMilliseconds: baseMs}},
		})
	})
	h.assertNoBatch()
	assert.Equal(t, baseMs-MaxPackageStaleness.Milliseconds(), h.agg.LastPublished()["ETH"])
}

func TestStop(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)
	h.subscribe()

	h.agg.Stop()
	h.agg.Stop()

	assert.Equal(t, 1, h.broker.ActiveConnections())
	err := h.agg.Subscribe(context.Background(), func(datapackage.Response) {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPruneDropsStaleBuckets(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 3, nil)
	h.subscribe()
	a := h.signers[0]

	h.send(a, a, "ETH", 100, baseMs)
	h.waitBuffered(baseMs, "ETH", 1)

	h.clock.Add(MaxPackageStaleness + time.Second)
	h.inspect(func() {
		h.agg.scheduled[baseMs] = h.clock.Now().Add(-ScheduledPublishTTL - time.Second)
		h.agg.prune(baseMs + 1)
		assert.NotContains(t, h.agg.buffer, baseMs)
		assert.Empty(t, h.agg.scheduled)
	})
}

func TestStaleBucketsDroppedWithoutPublish(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 3, nil)
	h.subscribe()
	a := h.signers[0]

	h.send(a, a, "ETH", 100, baseMs)
	h.waitBuffered(baseMs, "ETH", 1)

	h.clock.Add(MaxPackageStaleness + time.Second)
	next := h.clock.Now().UnixMilli()
	h.send(a, a, "ETH", 101, next)
	h.waitBuffered(next, "ETH", 1)

	h.inspect(func() {
		assert.NotContains(t, h.agg.buffer, baseMs)
		assert.Len(t, h.agg.buffer, 1)
	})
	h.assertNoBatch()
}

func TestHandlerMayUnsubscribe(t *testing.T) {
	h := newHarness(t, []string{"ETH"}, 2, nil)

	unsubscribed := make(chan error, 1)
	require.NoError(t, h.agg.Subscribe(context.Background(), func(datapackage.Response) {
		unsubscribed <- h.agg.Unsubscribe(context.Background())
	}))

	a, b := h.signers[0], h.signers[1]
	h.send(a, a, "ETH", 100, baseMs)
	h.send(b, b, "ETH", 101, baseMs)

	select {
	case err := <-unsubscribed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe called from handler did not return")
	}
	assert.Equal(t, 1, h.broker.ActiveConnections())
	h.inspect(func() {
		assert.Nil(t, h.agg.handler)
	})
}
