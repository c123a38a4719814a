package nats

import (
	"context"
	"fmt"

	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/codec"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
)

// Publish 实现Transport.Publish，批量写入后统一flush
func (n *NatsBus) Publish(ctx context.Context, payloads []bus.Payload, contentType string) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return bus.ErrBusClosed
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
			n.IncPublishErrors()
			return fmt.Errorf("serialize payload topic=%s: %w", payload.Topic, err)
		}

		msg := nats.NewMsg(SubjectFromTopic(payload.Topic))
		msg.Header.Set(ContentTypeHeader, contentType)
		msg.Data = data

		if err := n.conn.PublishMsg(msg); err != nil {
			n.IncPublishErrors()
			return fmt.Errorf("%w: %v", bus.ErrPublishFailed, err)
		}
	}

	// 等待服务端确认整批消息
	flushCtx, cancel := context.WithTimeout(ctx, n.cfg.OpTimeout)
	defer cancel()
	if err := n.conn.FlushWithContext(flushCtx); err != nil {
		n.IncPublishErrors()
		return fmt.Errorf("%w: flush: %v", bus.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe 实现Transport.Subscribe，失败时回滚本次调用已订阅的主题
func (n *NatsBus) Subscribe(ctx context.Context, topics []string, onMessage bus.MessageHandler) error {
	if onMessage == nil {
		return bus.ErrNoMessageHandler
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return bus.ErrBusClosed
	}

	// 所有主题共享一个回调，后注册的覆盖先前的
	n.handler.Store(&onMessage)

	subscribed := make([]string, 0, len(topics))
	for _, batch := range bus.Batches(topics, bus.TopicsBatchLimit) {
		for _, topic := range batch {
			if topic == "" {
				n.rollback(subscribed)
				return bus.ErrTopicEmpty
			}
			if _, exists := n.subs[topic]; exists {
				continue
			}

			sub, err := n.conn.Subscribe(SubjectFromTopic(topic), n.dispatch)
			if err != nil {
				n.IncSubscribeErrors()
				n.rollback(subscribed)
				return fmt.Errorf("%w: topic=%s: %v", bus.ErrSubscribeFailed, topic, err)
			}
			n.subs[topic] = sub
			subscribed = append(subscribed, topic)
		}

		flushCtx, cancel := context.WithTimeout(ctx, n.cfg.OpTimeout)
		err := n.conn.FlushWithContext(flushCtx)
		cancel()
		if err != nil {
			n.IncSubscribeErrors()
			n.rollback(subscribed)
			return fmt.Errorf("%w: flush: %v", bus.ErrSubscribeFailed, err)
		}
	}

	n.logger.Debug("subscribed to nats topics", "count", len(subscribed))
	return nil
}

// rollback 调用方必须持有写锁
func (n *NatsBus) rollback(topics []string) {
	for _, topic := range topics {
		if sub, exists := n.subs[topic]; exists {
			if err := sub.Unsubscribe(); err != nil {
				n.logger.Error("failed to roll back subscription", "topic", topic, "error", err)
			}
			delete(n.subs, topic)
		}
	}
}

// dispatch 反序列化消息并交给当前回调
func (n *NatsBus) dispatch(msg *nats.Msg) {
	handlerPtr := n.handler.Load()
	if handlerPtr == nil {
		return
	}
	handler := *handlerPtr
	topic := TopicFromSubject(msg.Subject)

	contentType := msg.Header.Get(ContentTypeHeader)
	if contentType == "" {
		contentType = n.cfg.DefaultContentType
	}

	serializer, err := codec.Lookup(contentType)
	if err != nil {
		n.IncSubscribeErrors()
		handler(topic, nil, fmt.Errorf("error occurred when tried to parse message: %w", err))
		return
	}

	value, err := serializer.Deserialize(msg.Data)
	if err != nil {
		n.IncSubscribeErrors()
		handler(topic, nil, fmt.Errorf("error occurred when tried to parse message: %w", err))
		return
	}

	handler(topic, value, nil)
}

// Unsubscribe 实现Transport.Unsubscribe，未订阅的主题直接忽略
func (n *NatsBus) Unsubscribe(_ context.Context, topics []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}

	var errs error
	for _, topic := range topics {
		if topic == "" {
			errs = multierr.Append(errs, bus.ErrTopicEmpty)
			continue
		}
		sub, exists := n.subs[topic]
		if !exists {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unsubscribe topic=%s: %w", topic, err))
			continue
		}
		delete(n.subs, topic)
	}
	return errs
}
