// Package breaker 提供基于滑动窗口的限流熔断器
package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Breaker 统计窗口内记录的事件数，超过阈值时 ShouldBreak 返回 true
type Breaker interface {
	RecordEvent()
	ShouldBreak() bool
}

// RateLimit 滑动窗口熔断器
type RateLimit struct {
	mu        sync.Mutex
	clock     clock.Clock
	window    time.Duration
	maxEvents int
	events    []time.Time // 按时间递增
}

// Option 熔断器选项
type Option func(*RateLimit)

// WithClock 替换时钟，用于测试
func WithClock(clk clock.Clock) Option {
	return func(r *RateLimit) {
		r.clock = clk
	}
}

// NewRateLimit 创建熔断器：window 时间内事件数超过 maxEvents 即熔断
func NewRateLimit(window time.Duration, maxEvents int, opts ...Option) *RateLimit {
	r := &RateLimit{
		clock:     clock.New(),
		window:    window,
		maxEvents: maxEvents,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordEvent 记录一次事件
func (r *RateLimit) RecordEvent() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.evict(now)
	r.events = append(r.events, now)

	// 只需要知道是否超过阈值，多余的记录可以丢弃
	if len(r.events) > r.maxEvents+1 {
		r.events = append(r.events[:0], r.events[len(r.events)-r.maxEvents-1:]...)
	}
}

// ShouldBreak 窗口内事件数是否超过阈值
func (r *RateLimit) ShouldBreak() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evict(r.clock.Now())
	return len(r.events) > r.maxEvents
}

// Count 返回窗口内的事件数，最多为阈值加一
func (r *RateLimit) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evict(r.clock.Now())
	return len(r.events)
}

func (r *RateLimit) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.events) && !r.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.events = append(r.events[:0], r.events[i:]...)
	}
}

var _ Breaker = (*RateLimit)(nil)
