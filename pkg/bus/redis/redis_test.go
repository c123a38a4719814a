package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/codec"

	"github.com/alicebob/miniredis/v2"
)

// setupTestRedis 创建一个miniredis服务器实例用于测试
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisBus) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("无法启动miniredis: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Addrs = []string{s.Addr()}
	cfg.OpTimeout = 200 * time.Millisecond

	rb, err := New(cfg)
	if err != nil {
		s.Close()
		t.Fatalf("无法创建RedisBus: %v", err)
	}

	return s, rb
}

type received struct {
	topic   string
	payload any
	err     error
}

func collect() (bus.MessageHandler, <-chan received) {
	ch := make(chan received, 16)
	return func(topic string, payload any, err error) {
		ch <- received{topic: topic, payload: payload, err: err}
	}, ch
}

func waitMessage(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("等待消息超时")
	}
	return received{}
}

// waitSubscribers 等待miniredis确认订阅生效
func waitSubscribers(t *testing.T, s *miniredis.Miniredis, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.PubSubNumSub(channel)[channel] > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("频道 %s 没有订阅者", channel)
}

func waitPatterns(t *testing.T, s *miniredis.Miniredis, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.PubSubNumPat() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("模式订阅数量不足 %d", n)
}

// TestRedisBus_PublishSubscribe 测试基本的发布订阅功能
func TestRedisBus_PublishSubscribe(t *testing.T) {
	s, rb := setupTestRedis(t)
	defer s.Close()
	defer rb.Stop()

	ctx := context.Background()
	topic := "data-package/svc/ETH/0xabc"
	handler, ch := collect()

	if err := rb.Subscribe(ctx, []string{topic}, handler); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitSubscribers(t, s, rb.formatKey(topic))

	payload := map[string]any{"dataPackageId": "ETH"}
	if err := rb.Publish(ctx, []bus.Payload{{Topic: topic, Data: payload}}, codec.DeflateJSON); err != nil {
		t.Fatalf("发布失败: %v", err)
	}

	msg := waitMessage(t, ch)
	if msg.err != nil {
		t.Fatalf("收到错误: %v", msg.err)
	}
	if msg.topic != topic {
		t.Errorf("期望主题 %s，但得到 %s", topic, msg.topic)
	}
	got, ok := msg.payload.(map[string]any)
	if !ok || got["dataPackageId"] != "ETH" {
		t.Errorf("负载不正确: %v", msg.payload)
	}
}

// TestRedisBus_WildcardSubscribe 测试通配符主题使用模式订阅
func TestRedisBus_WildcardSubscribe(t *testing.T) {
	s, rb := setupTestRedis(t)
	defer s.Close()
	defer rb.Stop()

	ctx := context.Background()
	handler, ch := collect()

	if err := rb.Subscribe(ctx, []string{"data-package/svc/+/0xabc"}, handler); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitPatterns(t, s, 1)

	topic := "data-package/svc/BTC/0xabc"
	if err := rb.Publish(ctx, []bus.Payload{{Topic: topic, Data: "x"}}, codec.JSON); err != nil {
		t.Fatalf("发布失败: %v", err)
	}

	msg := waitMessage(t, ch)
	if msg.topic != topic {
		t.Errorf("期望主题 %s，但得到 %s", topic, msg.topic)
	}
}

// TestRedisBus_UndecodableMessage 无法解析的消息以错误形式交给处理函数
func TestRedisBus_UndecodableMessage(t *testing.T) {
	s, rb := setupTestRedis(t)
	defer s.Close()
	defer rb.Stop()

	ctx := context.Background()
	topic := "broken"
	handler, ch := collect()

	if err := rb.Subscribe(ctx, []string{topic}, handler); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitSubscribers(t, s, rb.formatKey(topic))

	s.Publish(rb.formatKey(topic), "not-an-envelope")

	msg := waitMessage(t, ch)
	if msg.err == nil {
		t.Fatal("期望解析错误")
	}
	if msg.payload != nil {
		t.Errorf("出错时负载应为nil，得到 %v", msg.payload)
	}
}

// TestRedisBus_Unsubscribe 测试取消订阅
func TestRedisBus_Unsubscribe(t *testing.T) {
	s, rb := setupTestRedis(t)
	defer s.Close()
	defer rb.Stop()

	ctx := context.Background()
	handler, _ := collect()

	// 尚未订阅过任何主题
	if err := rb.Unsubscribe(ctx, []string{"unknown"}); err != nil {
		t.Errorf("取消未知主题不应报错: %v", err)
	}

	if err := rb.Subscribe(ctx, []string{"a", "b"}, handler); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitSubscribers(t, s, rb.formatKey("b"))

	if err := rb.Unsubscribe(ctx, []string{"a", "unknown"}); err != nil {
		t.Fatalf("取消订阅失败: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.PubSubNumSub(rb.formatKey("a"))[rb.formatKey("a")] > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := s.PubSubNumSub(rb.formatKey("a"))[rb.formatKey("a")]; n != 0 {
		t.Errorf("频道a仍有 %d 个订阅者", n)
	}
	if n := s.PubSubNumSub(rb.formatKey("b"))[rb.formatKey("b")]; n != 1 {
		t.Errorf("频道b应保留订阅，得到 %d", n)
	}
}

// TestRedisBus_EmptyTopic 测试空主题
func TestRedisBus_EmptyTopic(t *testing.T) {
	s, rb := setupTestRedis(t)
	defer s.Close()
	defer rb.Stop()

	ctx := context.Background()
	err := rb.Publish(ctx, []bus.Payload{{Topic: "", Data: 1}}, codec.JSON)
	if err != bus.ErrTopicEmpty {
		t.Errorf("期望错误 %v，但得到 %v", bus.ErrTopicEmpty, err)
	}

	handler, _ := collect()
	err = rb.Subscribe(ctx, []string{""}, handler)
	if err != bus.ErrTopicEmpty {
		t.Errorf("期望错误 %v，但得到 %v", bus.ErrTopicEmpty, err)
	}
}

// TestRedisBus_PublishFailed 服务器不可用时返回发布失败
func TestRedisBus_PublishFailed(t *testing.T) {
	s, rb := setupTestRedis(t)
	defer rb.Stop()

	rb.cfg.OpTimeout = 10 * time.Millisecond
	s.Close()

	err := rb.Publish(context.Background(), []bus.Payload{{Topic: "t", Data: 1}}, codec.JSON)
	if !errors.Is(err, bus.ErrPublishFailed) {
		t.Errorf("期望错误 %v，但得到 %v", bus.ErrPublishFailed, err)
	}
}

// TestRedisBus_Stop 测试关闭后的行为
func TestRedisBus_Stop(t *testing.T) {
	s, rb := setupTestRedis(t)
	defer s.Close()

	rb.Stop()
	rb.Stop()

	err := rb.Publish(context.Background(), []bus.Payload{{Topic: "t", Data: 1}}, codec.JSON)
	if err != bus.ErrBusClosed {
		t.Errorf("期望错误 %v，但得到 %v", bus.ErrBusClosed, err)
	}
	handler, _ := collect()
	if err := rb.Subscribe(context.Background(), []string{"t"}, handler); err != bus.ErrBusClosed {
		t.Errorf("期望错误 %v，但得到 %v", bus.ErrBusClosed, err)
	}
}

func TestChannelFor(t *testing.T) {
	rb := &RedisBus{cfg: Config{KeyPrefix: "p:"}}

	name, isPattern := rb.channelFor("data-package/svc/BTC/0xabc")
	if isPattern || name != "p:data-package/svc/BTC/0xabc" {
		t.Errorf("unexpected channel %q pattern=%v", name, isPattern)
	}

	name, isPattern = rb.channelFor("data-package/svc/+/0x*")
	if !isPattern || name != `p:data-package/svc/*/0x\*` {
		t.Errorf("unexpected pattern %q pattern=%v", name, isPattern)
	}
}
