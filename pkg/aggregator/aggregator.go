// Package aggregator 聚合多个签名者分别发布的数据包，
// 在满足签名者数量要求后按时间戳整体发布
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chenxilol/pricehub/internal/metrics"
	"github.com/chenxilol/pricehub/pkg/breaker"
	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/datapackage"
	"github.com/chenxilol/pricehub/pkg/feedstate"
	"github.com/chenxilol/pricehub/pkg/topic"

	"github.com/benbjohnson/clock"
)

// eventBuffer 事件队列长度
const eventBuffer = 1024

var (
	ErrStopped            = errors.New("aggregator is stopped")
	ErrUnauthorizedSigner = errors.New("data package signed by unauthorized signer")
	ErrSignerMismatch     = errors.New("data package signer does not match topic")
)

// Handler 接收发布的批次，批次中所有 feed 的时间戳相同。
// 在独立的分发 goroutine 中按发布顺序调用，可以在其中调用 Subscribe 或 Unsubscribe；
// 处理过慢会阻塞后续批次
type Handler func(datapackage.Response)

// ErrorHandler 接收签名校验失败
type ErrorHandler func(error)

// Option 聚合器选项
type Option func(*Aggregator)

// WithClock 替换时钟，用于测试
func WithClock(clk clock.Clock) Option {
	return func(a *Aggregator) {
		a.clock = clk
	}
}

// WithErrorHandler 设置签名校验失败的处理函数，默认记录错误日志
func WithErrorHandler(h ErrorHandler) Option {
	return func(a *Aggregator) {
		a.onError = h
	}
}

// WithVerifier 共享签名恢复缓存
func WithVerifier(v *datapackage.Verifier) Option {
	return func(a *Aggregator) {
		a.verifier = v
	}
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// Aggregator 数据包聚合器。所有状态只在事件循环 goroutine 中访问，
// 传输回调、定时器和公开方法都以闭包的形式投递到循环中执行
type Aggregator struct {
	cfg       Config
	transport bus.Transport
	clock     clock.Clock
	logger    *slog.Logger
	verifier  *datapackage.Verifier
	onError   ErrorHandler

	topics  []string
	feeds   map[string]struct{}
	signers map[string]struct{}
	state   *feedstate.State

	events     chan func()
	deliveries chan delivery
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once

	// 以下字段只在事件循环中访问
	handler         Handler
	subscribeCalled bool
	buffer          map[int64]datapackage.Response
	scheduled       map[int64]time.Time
	breaker         breaker.Breaker
	breakerInFlight bool
	fallback        *fallback
}

// New 校验配置并启动事件循环。transport 通常是 pool.Pool
func New(transport bus.Transport, cfg Config, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		cfg:        cfg,
		transport:  transport,
		clock:      clock.New(),
		logger:     slog.Default(),
		feeds:      make(map[string]struct{}, len(cfg.DataPackageIDs)),
		signers:    make(map[string]struct{}, len(cfg.AuthorizedSigners)),
		events:     make(chan func(), eventBuffer),
		deliveries: make(chan delivery, eventBuffer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		buffer:     make(map[int64]datapackage.Response),
		scheduled:  make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "data-packages-subscriber")

	if a.verifier == nil {
		verifier, err := datapackage.NewVerifier(datapackage.DefaultCacheSize)
		if err != nil {
			cancel()
			return nil, err
		}
		a.verifier = verifier
	}
	if a.onError == nil {
		a.onError = func(err error) {
			a.logger.Error("failed to verify data package", "error", err)
		}
	}

	for _, signer := range cfg.AuthorizedSigners {
		normalized, _ := datapackage.NormalizeAddress(signer)
		a.signers[normalized] = struct{}{}
	}
	// 主题使用配置中的签名者地址原文，主题区分大小写
	for _, feed := range cfg.DataPackageIDs {
		a.feeds[feed] = struct{}{}
		for _, signer := range cfg.AuthorizedSigners {
			a.topics = append(a.topics, topic.EncodeDataPackage(topic.DataPackageTopic{
				DataServiceID: cfg.DataServiceID,
				DataPackageID: feed,
				NodeAddress:   signer,
			}))
		}
	}

	start := a.clock.Now().Add(-MaxPackageStaleness).UnixMilli()
	a.state = feedstate.New(cfg.DataPackageIDs, start, a.clock)

	go a.run()
	go a.dispatch()
	return a, nil
}

// Topics 返回订阅的主题，每个 (feed, signer) 一个
func (a *Aggregator) Topics() []string {
	return append([]string(nil), a.topics...)
}

// LastPublished 返回每个 feed 最后发布的时间戳
func (a *Aggregator) LastPublished() map[string]int64 {
	return a.state.Snapshot()
}

// Subscribe 注册处理函数并订阅所有主题，每个实例只能成功调用一次，重复调用只记录警告。
// 启用降级模式时订阅失败会被容忍
func (a *Aggregator) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return bus.ErrNoMessageHandler
	}

	var already bool
	if err := a.call(ctx, func() {
		if a.subscribeCalled {
			already = true
			return
		}
		a.subscribeCalled = true
		a.handler = handler
	}); err != nil {
		return err
	}
	if already {
		a.logger.Warn("tried to subscribe twice using same subscriber, aborted this action")
		return nil
	}

	err := a.transport.Subscribe(ctx, a.topics, a.onMessage)
	if err == nil {
		a.logger.Info("successfully subscribed to topics", "topics", len(a.topics))
		return nil
	}

	var fallbackEnabled bool
	if callErr := a.call(ctx, func() {
		fallbackEnabled = a.fallback != nil
		if !fallbackEnabled {
			a.subscribeCalled = false
			a.handler = nil
		}
	}); callErr != nil {
		return callErr
	}
	if fallbackEnabled {
		a.logger.Warn("failed to subscribe to topics, continuing because fallback is enabled", "error", err)
		return nil
	}
	return fmt.Errorf("subscribe to data package topics: %w", err)
}

// Unsubscribe 取消所有主题的订阅并移除处理函数。取消订阅失败只记录日志
func (a *Aggregator) Unsubscribe(ctx context.Context) error {
	if err := a.call(ctx, func() {
		a.handler = nil
	}); err != nil {
		return err
	}

	if err := a.transport.Unsubscribe(ctx, a.topics); err != nil {
		a.logger.Error("failed to unsubscribe", "error", err)
	}
	return nil
}

// Stop 立即停止事件循环和底层连接，不等待进行中的操作
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		a.transport.Stop()
		a.logger.Info("data packages subscriber stopped")
	})
}

// EnableCircuitBreaker 每条消息都会计入熔断器，熔断时取消所有主题的订阅
func (a *Aggregator) EnableCircuitBreaker(b breaker.Breaker) {
	_ = a.call(context.Background(), func() {
		a.breaker = b
	})
}

func (a *Aggregator) run() {
	defer close(a.done)
	for {
		var tick <-chan time.Time
		if a.fallback != nil {
			tick = a.fallback.ticker.C
		}

		select {
		case <-a.ctx.Done():
			a.stopFallback()
			return
		case fn := <-a.events:
			fn()
		case <-tick:
			a.checkFallback()
		}
	}
}

// post 将 fn 投递到事件循环，聚合器停止后返回 false
func (a *Aggregator) post(fn func()) bool {
	select {
	case a.events <- fn:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// call 在事件循环中执行 fn 并等待其完成
func (a *Aggregator) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case a.events <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return ErrStopped
	}
}

// onMessage 传输层回调，可能在任意 goroutine 中被调用
func (a *Aggregator) onMessage(t string, payload any, err error) {
	a.post(func() {
		a.handleMessage(t, payload, err)
	})
}

// deliver 调用处理函数并推进发布记录
func (a *Aggregator) deliver(batch datapackage.Response, timestamp int64, source string) {
	latency := a.clock.Now().UnixMilli() - timestamp
	feedIDs := batch.FeedIDs()

	if a.handler == nil {
		a.logger.Warn("handler is not registered, have already unsubscribed?", "timestamp", timestamp)
		return
	}

	a.logger.Info("publishing packages",
		"source", source,
		"timestamp", timestamp,
		"latency_ms", latency,
		"data_package_ids", feedIDs,
	)

	a.state.Update(feedIDs, timestamp)
	metrics.BatchPublished(source, len(feedIDs), float64(latency))

	select {
	case a.deliveries <- delivery{handler: a.handler, batch: batch}:
	case <-a.ctx.Done():
	}
}

type delivery struct {
	handler Handler
	batch   datapackage.Response
}

// dispatch 按发布顺序调用处理函数，使处理函数可以回调聚合器的公开方法
func (a *Aggregator) dispatch() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case d := <-a.deliveries:
			a.invokeHandler(d)
		}
	}
}

func (a *Aggregator) invokeHandler(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("handler panicked", "panic", r)
			metrics.RecordCriticalError("aggregator_handler_panic")
		}
	}()
	d.handler(d.batch)
}
