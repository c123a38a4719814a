// Package bus 定义发布/订阅传输层的抽象
package bus

import (
	"context"
	"errors"
)

// 定义错误类型
var (
	ErrTopicEmpty       = errors.New("topic cannot be empty")
	ErrBusClosed        = errors.New("message bus is closed")
	ErrPublishFailed    = errors.New("publish message failed")
	ErrSubscribeFailed  = errors.New("subscribe to topics failed")
	ErrNoMessageHandler = errors.New("message handler cannot be nil")
)

// TopicsBatchLimit 单次订阅/取消订阅请求中的最大主题数
const TopicsBatchLimit = 8

// Payload 待发布的单条消息
type Payload struct {
	// Topic 已编码的主题，见 pkg/topic
	Topic string
	// Data 可被序列化器处理的任意值
	Data any
}

// MessageHandler 接收反序列化后的消息；解析失败时 payload 为 nil 且 err 非空
type MessageHandler func(topic string, payload any, err error)

// Transport 单个逻辑连接上的发布订阅能力
type Transport interface {
	// Publish 以一个批次发布多条消息
	Publish(ctx context.Context, payloads []Payload, contentType string) error

	// Subscribe 订阅一组主题，连接上所有主题共享同一个 handler，后注册的覆盖先前的
	Subscribe(ctx context.Context, topics []string, onMessage MessageHandler) error

	// Unsubscribe 取消订阅，未订阅的主题不会返回错误
	Unsubscribe(ctx context.Context, topics []string) error

	// Stop 释放连接，可重复调用
	Stop()
}

// Factory 创建新的传输连接
type Factory func(ctx context.Context) (Transport, error)

// Batches 将主题切分为不超过 size 的批次
func Batches(topics []string, size int) [][]string {
	if size <= 0 {
		size = TopicsBatchLimit
	}
	batches := make([][]string, 0, (len(topics)+size-1)/size)
	for i := 0; i < len(topics); i += size {
		end := min(i+size, len(topics))
		batches = append(batches, topics[i:end])
	}
	return batches
}
