// Package memory 提供进程内的传输实现，适用于单节点模式和测试
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/codec"
	"github.com/chenxilol/pricehub/pkg/topic"
)

// deliveryBuffer 单个连接待投递消息的缓冲大小
const deliveryBuffer = 256

// Broker 进程内的消息代理，同一个 Broker 创建的连接之间互通
type Broker struct {
	mu           sync.Mutex
	conns        map[*Conn]struct{}
	created      int
	subscribeErr error
	publishErr   error
}

// NewBroker 创建一个新的进程内代理
func NewBroker() *Broker {
	return &Broker{conns: make(map[*Conn]struct{})}
}

// Factory 返回用于连接池的连接工厂
func (b *Broker) Factory() bus.Factory {
	return func(_ context.Context) (bus.Transport, error) {
		return b.Connect(), nil
	}
}

// Connect 创建一个新连接
func (b *Broker) Connect() *Conn {
	c := &Conn{
		broker: b,
		topics: make(map[string]struct{}),
		queue:  make(chan delivery, deliveryBuffer),
		done:   make(chan struct{}),
	}
	go c.deliverLoop()

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.created++
	b.mu.Unlock()
	return c
}

// FailSubscribe 之后的订阅请求都返回 err，传入 nil 恢复正常
func (b *Broker) FailSubscribe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeErr = err
}

// FailPublish 之后的发布请求都返回 err，传入 nil 恢复正常
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// ActiveConnections 返回未关闭的连接数
func (b *Broker) ActiveConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// CreatedConnections 返回累计创建的连接数
func (b *Broker) CreatedConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// Subscriptions 返回每个活跃连接订阅的主题数
func (b *Broker) Subscriptions() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make([]int, 0, len(b.conns))
	for c := range b.conns {
		c.mu.Lock()
		counts = append(counts, len(c.topics))
		c.mu.Unlock()
	}
	return counts
}

// Inject 直接向匹配的订阅者投递原始数据，用于模拟对端发布
func (b *Broker) Inject(t string, contentType string, data []byte) {
	for _, c := range b.matching(t) {
		c.enqueue(delivery{topic: t, contentType: contentType, data: data})
	}
}

func (b *Broker) matching(t string) []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []*Conn
	for c := range b.conns {
		if c.matches(t) {
			matched = append(matched, c)
		}
	}
	return matched
}

func (b *Broker) remove(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

type delivery struct {
	topic       string
	contentType string
	data        []byte
}

// Conn 进程内连接，消息按发布顺序异步投递
type Conn struct {
	broker  *Broker
	mu      sync.Mutex
	closed  bool
	topics  map[string]struct{}
	handler bus.MessageHandler
	queue   chan delivery
	done    chan struct{}
}

// Publish 实现Transport.Publish
func (c *Conn) Publish(_ context.Context, payloads []bus.Payload, contentType string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return bus.ErrBusClosed
	}

	c.broker.mu.Lock()
	failure := c.broker.publishErr
	c.broker.mu.Unlock()
	if failure != nil {
		return fmt.Errorf("%w: %v", bus.ErrPublishFailed, failure)
	}

	serializer, err := codec.Lookup(contentType)
	if err != nil {
		return err
	}

	for _, payload := range payloads {
		if payload.Topic == "" {
			return bus.ErrTopicEmpty
		}
		data, err := serializer.Serialize(payload.Data)
		if err != nil {
			return fmt.Errorf("serialize payload topic=%s: %w", payload.Topic, err)
		}
		c.broker.Inject(payload.Topic, contentType, data)
	}
	return nil
}

// Subscribe 实现Transport.Subscribe
func (c *Conn) Subscribe(_ context.Context, topics []string, onMessage bus.MessageHandler) error {
	if onMessage == nil {
		return bus.ErrNoMessageHandler
	}

	c.broker.mu.Lock()
	failure := c.broker.subscribeErr
	c.broker.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return bus.ErrBusClosed
	}
	if failure != nil {
		return fmt.Errorf("%w: %v", bus.ErrSubscribeFailed, failure)
	}
	for _, t := range topics {
		if t == "" {
			return bus.ErrTopicEmpty
		}
	}

	c.handler = onMessage
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	return nil
}

// Unsubscribe 实现Transport.Unsubscribe
func (c *Conn) Unsubscribe(_ context.Context, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range topics {
		delete(c.topics, t)
	}
	return nil
}

// Stop 实现Transport.Stop
func (c *Conn) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.topics = make(map[string]struct{})
	c.mu.Unlock()

	c.broker.remove(c)
	close(c.done)
}

// Topics 返回当前订阅的主题
func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	return topics
}

func (c *Conn) matches(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter := range c.topics {
		if topic.Match(filter, t) {
			return true
		}
	}
	return false
}

func (c *Conn) enqueue(d delivery) {
	select {
	case c.queue <- d:
	case <-c.done:
	default:
		slog.Warn("memory transport queue full, message dropped", "topic", d.topic)
	}
}

func (c *Conn) deliverLoop() {
	for {
		select {
		case <-c.done:
			return
		case d := <-c.queue:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler == nil {
				continue
			}

			serializer, err := codec.Lookup(d.contentType)
			if err != nil {
				handler(d.topic, nil, fmt.Errorf("error occurred when tried to parse message: %w", err))
				continue
			}
			value, err := serializer.Deserialize(d.data)
			if err != nil {
				handler(d.topic, nil, fmt.Errorf("error occurred when tried to parse message: %w", err))
				continue
			}
			handler(d.topic, value, nil)
		}
	}
}

var _ bus.Transport = (*Conn)(nil)
