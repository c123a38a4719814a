// Package pool 将大量主题和发布请求分摊到多个容量受限的传输连接上
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chenxilol/pricehub/internal/metrics"
	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/topic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultPublishLimit 单个连接每秒允许的最大请求数
const DefaultPublishLimit = 100

var ErrStopped = errors.New("connection pool is stopped")

// Config 连接池配置
type Config struct {
	// 每个订阅连接承载的最大主题数
	TopicsPerConnection int `mapstructure:"topics_per_connection"`
	// 每个发布连接单次承载的最大消息数
	PublishLimit int `mapstructure:"publish_limit"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		TopicsPerConnection: topic.CountPerConnection(),
		PublishLimit:        DefaultPublishLimit,
	}
}

type subscription struct {
	conn   bus.Transport
	topics []string
}

// Pool 连接池。订阅/取消订阅与发布是两个互不阻塞的串行域；
// Stop 不等待进行中的操作，由代数计数让这些操作放弃结果
type Pool struct {
	factory bus.Factory
	cfg     Config
	logger  *slog.Logger

	subscribeSem *semaphore.Weighted
	publishSem   *semaphore.Weighted

	mu          sync.Mutex
	subscribers []*subscription
	publishers  []bus.Transport
	generation  uint64
}

// New 创建连接池，连接在首次需要时才建立
func New(factory bus.Factory, cfg Config) *Pool {
	if cfg.TopicsPerConnection <= 0 {
		cfg.TopicsPerConnection = topic.CountPerConnection()
	}
	if cfg.PublishLimit <= 0 {
		cfg.PublishLimit = DefaultPublishLimit
	}
	return &Pool{
		factory:      factory,
		cfg:          cfg,
		logger:       slog.Default().With("component", "multi-pubsub-pool"),
		subscribeSem: semaphore.NewWeighted(1),
		publishSem:   semaphore.NewWeighted(1),
	}
}

// Subscribe 先填满已有连接的剩余容量，不够时再创建新连接，
// 所有连接共享同一个 onMessage
func (p *Pool) Subscribe(ctx context.Context, topics []string, onMessage bus.MessageHandler) error {
	if onMessage == nil {
		return bus.ErrNoMessageHandler
	}
	if err := p.subscribeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.subscribeSem.Release(1)

	gen := p.currentGeneration()
	remaining := append([]string(nil), topics...)

	for len(remaining) > 0 {
		free, ok := p.freeSubscriptions(gen)
		if !ok {
			return ErrStopped
		}

		if len(free) == 0 {
			conn, err := p.factory(ctx)
			if err != nil {
				return fmt.Errorf("create subscribe connection: %w", err)
			}
			if !p.addSubscriber(gen, conn) {
				conn.Stop()
				return ErrStopped
			}
			continue
		}

		for _, s := range free {
			if len(remaining) == 0 {
				break
			}
			n := min(p.cfg.TopicsPerConnection-p.topicCount(s), len(remaining))
			batch := remaining[:n]
			if err := s.conn.Subscribe(ctx, batch, onMessage); err != nil {
				return err
			}

			p.mu.Lock()
			s.topics = append(s.topics, batch...)
			p.mu.Unlock()
			remaining = remaining[n:]
		}
	}

	p.logger.Info("subscribed to topics", "topics", len(topics), "connections", p.SubscriberCount())
	return nil
}

// Unsubscribe 从每个连接上取消匹配的主题，没有剩余主题的连接会被关闭。
// 未订阅的主题直接忽略；失败的连接保持原样并汇总错误
func (p *Pool) Unsubscribe(ctx context.Context, topics []string) error {
	if err := p.subscribeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.subscribeSem.Release(1)

	wanted := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		wanted[t] = struct{}{}
	}

	p.mu.Lock()
	gen := p.generation
	subs := append([]*subscription(nil), p.subscribers...)
	p.mu.Unlock()

	var errs error
	kept := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		var matched, remaining []string
		for _, t := range s.topics {
			if _, ok := wanted[t]; ok {
				matched = append(matched, t)
			} else {
				remaining = append(remaining, t)
			}
		}

		if len(matched) > 0 {
			if err := s.conn.Unsubscribe(ctx, matched); err != nil {
				errs = multierr.Append(errs, err)
				kept = append(kept, s)
				continue
			}
		}

		if len(remaining) > 0 {
			p.mu.Lock()
			s.topics = remaining
			p.mu.Unlock()
			kept = append(kept, s)
		} else {
			s.conn.Stop()
		}
	}

	p.mu.Lock()
	if p.generation == gen {
		p.subscribers = kept
		metrics.SetPoolConnections(metrics.RoleSubscribe, len(kept))
	}
	p.mu.Unlock()

	return errs
}

// Publish 按 PublishLimit 切分消息，每块使用一个专用发布连接并发发送，
// 所有块完成后返回。发布连接只增不减
func (p *Pool) Publish(ctx context.Context, payloads []bus.Payload, contentType string) error {
	if len(payloads) == 0 {
		return nil
	}

	publishers, err := p.ensurePublishers(ctx, (len(payloads)+p.cfg.PublishLimit-1)/p.cfg.PublishLimit)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for i, part := range chunk(payloads, p.cfg.PublishLimit) {
		conn := publishers[i]
		g.Go(func() error {
			return conn.Publish(ctx, part, contentType)
		})
	}
	return g.Wait()
}

// ensurePublishers 保证至少有 needed 个发布连接，返回前 needed 个
func (p *Pool) ensurePublishers(ctx context.Context, needed int) ([]bus.Transport, error) {
	if err := p.publishSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.publishSem.Release(1)

	p.mu.Lock()
	gen := p.generation
	have := len(p.publishers)
	p.mu.Unlock()

	for i := have; i < needed; i++ {
		conn, err := p.factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("create publish connection: %w", err)
		}
		if !p.addPublisher(gen, conn) {
			conn.Stop()
			return nil, ErrStopped
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen || len(p.publishers) < needed {
		return nil, ErrStopped
	}
	return append([]bus.Transport(nil), p.publishers[:needed]...), nil
}

// Stop 关闭所有连接并清空状态，不等待进行中的操作
func (p *Pool) Stop() {
	p.mu.Lock()
	subs := p.subscribers
	pubs := p.publishers
	p.subscribers = nil
	p.publishers = nil
	p.generation++
	p.mu.Unlock()

	for _, s := range subs {
		s.conn.Stop()
	}
	for _, conn := range pubs {
		conn.Stop()
	}

	metrics.SetPoolConnections(metrics.RoleSubscribe, 0)
	metrics.SetPoolConnections(metrics.RolePublish, 0)
	p.logger.Info("connection pool stopped", "subscribe_connections", len(subs), "publish_connections", len(pubs))
}

// SubscriberTopics 返回每个订阅连接上的主题
func (p *Pool) SubscriberTopics() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		out = append(out, append([]string(nil), s.topics...))
	}
	return out
}

// SubscriberCount 返回订阅连接数
func (p *Pool) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// PublisherCount 返回发布连接数
func (p *Pool) PublisherCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.publishers)
}

func (p *Pool) currentGeneration() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *Pool) freeSubscriptions(gen uint64) ([]*subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen {
		return nil, false
	}
	var free []*subscription
	for _, s := range p.subscribers {
		if len(s.topics) < p.cfg.TopicsPerConnection {
			free = append(free, s)
		}
	}
	return free, true
}

func (p *Pool) topicCount(s *subscription) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(s.topics)
}

func (p *Pool) addSubscriber(gen uint64, conn bus.Transport) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen {
		return false
	}
	p.subscribers = append(p.subscribers, &subscription{conn: conn})
	metrics.SetPoolConnections(metrics.RoleSubscribe, len(p.subscribers))
	return true
}

func (p *Pool) addPublisher(gen uint64, conn bus.Transport) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != gen {
		return false
	}
	p.publishers = append(p.publishers, conn)
	metrics.SetPoolConnections(metrics.RolePublish, len(p.publishers))
	return true
}

func chunk(payloads []bus.Payload, size int) [][]bus.Payload {
	chunks := make([][]bus.Payload, 0, (len(payloads)+size-1)/size)
	for i := 0; i < len(payloads); i += size {
		chunks = append(chunks, payloads[i:min(i+size, len(payloads))])
	}
	return chunks
}

var _ bus.Transport = (*Pool)(nil)
