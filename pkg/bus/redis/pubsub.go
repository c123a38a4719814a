package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/codec"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// Publish 实现Transport.Publish，整批消息通过一个pipeline发送
func (r *RedisBus) Publish(ctx context.Context, payloads []bus.Payload, contentType string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return bus.ErrBusClosed
	}
	r.mu.Unlock()

	serializer, err := codec.Lookup(contentType)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	pipe := r.client.Pipeline()
	for _, payload := range payloads {
		if payload.Topic == "" {
			return bus.ErrTopicEmpty
		}

		data, err := serializer.Serialize(payload.Data)
		if err != nil {
			r.IncPublishErrors()
			return fmt.Errorf("serialize payload topic=%s: %w", payload.Topic, err)
		}

		msgData, err := bus.NewMessage(contentType, data).Marshal()
		if err != nil {
			r.IncPublishErrors()
			return fmt.Errorf("%w: %v", bus.ErrPublishFailed, err)
		}

		pipe.Publish(publishCtx, r.formatKey(payload.Topic), msgData)
	}

	// 没有订阅者也是正常的，PUBLISH的返回值不做检查
	if _, err := pipe.Exec(publishCtx); err != nil {
		r.IncPublishErrors()
		return fmt.Errorf("%w: %v", bus.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe 实现Transport.Subscribe，失败时回滚本次调用已订阅的主题
func (r *RedisBus) Subscribe(ctx context.Context, topics []string, onMessage bus.MessageHandler) error {
	if onMessage == nil {
		return bus.ErrNoMessageHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return bus.ErrBusClosed
	}

	r.handler.Store(&onMessage)

	if r.pubsub == nil {
		// 接收循环的生命周期跟随连接而不是本次调用
		r.pubsub = r.client.Subscribe(context.Background())
		go r.receiveLoop(r.pubsub)
	}

	subscribed := make([]string, 0, len(topics))
	for _, batch := range bus.Batches(topics, bus.TopicsBatchLimit) {
		var channels, patterns []string
		for _, t := range batch {
			if t == "" {
				r.rollback(ctx, subscribed)
				return bus.ErrTopicEmpty
			}
			if _, exists := r.patterns[t]; exists {
				continue
			}
			name, isPattern := r.channelFor(t)
			if isPattern {
				patterns = append(patterns, name)
			} else {
				channels = append(channels, name)
			}
			r.patterns[t] = isPattern
			subscribed = append(subscribed, t)
		}

		var err error
		if len(channels) > 0 {
			err = multierr.Append(err, r.pubsub.Subscribe(ctx, channels...))
		}
		if len(patterns) > 0 {
			err = multierr.Append(err, r.pubsub.PSubscribe(ctx, patterns...))
		}
		if err != nil {
			r.IncSubscribeErrors()
			r.rollback(ctx, subscribed)
			return fmt.Errorf("%w: %v", bus.ErrSubscribeFailed, err)
		}
	}

	r.logger.Debug("subscribed to redis channels", "count", len(subscribed))
	return nil
}

// Unsubscribe 实现Transport.Unsubscribe，未订阅的主题直接忽略
func (r *RedisBus) Unsubscribe(ctx context.Context, topics []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.pubsub == nil {
		return nil
	}
	return r.unsubscribeLocked(ctx, topics)
}

func (r *RedisBus) rollback(ctx context.Context, topics []string) {
	if err := r.unsubscribeLocked(ctx, topics); err != nil {
		r.logger.Error("failed to roll back subscription", "error", err)
	}
}

// unsubscribeLocked 调用方必须持有锁
func (r *RedisBus) unsubscribeLocked(ctx context.Context, topics []string) error {
	var channels, patterns []string
	for _, t := range topics {
		isPattern, exists := r.patterns[t]
		if !exists {
			continue
		}
		name, _ := r.channelFor(t)
		if isPattern {
			patterns = append(patterns, name)
		} else {
			channels = append(channels, name)
		}
		delete(r.patterns, t)
	}

	// 参数为空时 UNSUBSCRIBE 会取消全部订阅，必须跳过
	var err error
	for _, batch := range bus.Batches(channels, bus.TopicsBatchLimit) {
		err = multierr.Append(err, r.pubsub.Unsubscribe(ctx, batch...))
	}
	for _, batch := range bus.Batches(patterns, bus.TopicsBatchLimit) {
		err = multierr.Append(err, r.pubsub.PUnsubscribe(ctx, batch...))
	}
	return err
}

// receiveLoop 读取频道消息直到pubsub被关闭
func (r *RedisBus) receiveLoop(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		handlerPtr := r.handler.Load()
		if handlerPtr == nil {
			continue
		}
		r.dispatch(*handlerPtr, msg)
	}
	r.logger.Debug("redis receive loop finished")
}

func (r *RedisBus) dispatch(handler bus.MessageHandler, msg *redis.Message) {
	t := strings.TrimPrefix(msg.Channel, r.cfg.KeyPrefix)

	envelope, err := bus.UnmarshalMessage([]byte(msg.Payload))
	if err != nil {
		r.IncSubscribeErrors()
		handler(t, nil, fmt.Errorf("error occurred when tried to parse message: %w", err))
		return
	}
	r.ObserveSubscribeLatency(envelope.Latency())

	serializer, err := codec.Lookup(envelope.ContentType)
	if err != nil {
		r.IncSubscribeErrors()
		handler(t, nil, fmt.Errorf("error occurred when tried to parse message: %w", err))
		return
	}

	value, err := serializer.Deserialize(envelope.Data)
	if err != nil {
		r.IncSubscribeErrors()
		handler(t, nil, fmt.Errorf("error occurred when tried to parse message: %w", err))
		return
	}

	handler(t, value, nil)
}
