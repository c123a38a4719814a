// Package nats 提供基于NATS的传输连接实现
package nats

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/codec"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ContentTypeHeader 消息头中携带内容类型的键
const ContentTypeHeader = "Content-Type"

// Config NATS连接配置选项
type Config struct {
	// 连接地址，例如 nats://localhost:4222
	URLs []string `mapstructure:"urls"`

	// 连接名称前缀，每个连接会追加一个uuid
	Name string `mapstructure:"name"`

	// 重连等待时间
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`

	// 最大重连次数，-1表示无限重连
	MaxReconnects int `mapstructure:"max_reconnects"`

	// 连接超时
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// 发布和订阅确认的超时(flush)
	OpTimeout time.Duration `mapstructure:"op_timeout"`

	// 消息头缺失内容类型时使用的默认值
	DefaultContentType string `mapstructure:"default_content_type"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		URLs:               []string{nats.DefaultURL},
		Name:               "pricehub",
		ReconnectWait:      2 * time.Second,
		MaxReconnects:      -1, // 无限重连
		ConnectTimeout:     10 * time.Second,
		OpTimeout:          2 * time.Second,
		DefaultContentType: codec.DeflateJSON,
	}
}

// NatsBus 基于NATS的单个传输连接
type NatsBus struct {
	conn       *nats.Conn
	cfg        Config
	mu         sync.RWMutex
	closed     bool
	subs       map[string]*nats.Subscription
	handler    atomic.Pointer[bus.MessageHandler]
	reconnects uint64 // 重连次数统计
	logger     *slog.Logger
}

// New 创建一个新的NATS连接
func New(cfg Config) (*NatsBus, error) {
	name := cfg.Name + "-" + uuid.NewString()
	nb := &NatsBus{
		cfg:    cfg,
		subs:   make(map[string]*nats.Subscription),
		logger: slog.Default().With("component", "nats-transport", "name", name),
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nb.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			atomic.AddUint64(&nb.reconnects, 1)
			nb.IncReconnects()
			nb.logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			nb.logger.Info("nats connection closed")
		}),
	}

	// 多个URL时NATS客户端会自动尝试其中任意一个
	serverURL := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		serverURL = strings.Join(cfg.URLs, ",")
	}

	nc, err := nats.Connect(serverURL, opts...)
	if err != nil {
		return nil, err
	}
	nb.conn = nc

	nb.logger.Info("connected to nats", "urls", cfg.URLs)
	return nb, nil
}

// Factory 返回用于连接池的连接工厂
func Factory(cfg Config) bus.Factory {
	return func(_ context.Context) (bus.Transport, error) {
		return New(cfg)
	}
}

// GetReconnectCount 获取重连次数
func (n *NatsBus) GetReconnectCount() uint64 {
	return atomic.LoadUint64(&n.reconnects)
}

// Stop 取消所有订阅并关闭连接，可重复调用
func (n *NatsBus) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	for topic, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Debug("failed to unsubscribe on stop", "topic", topic, "error", err)
		}
	}
	n.subs = make(map[string]*nats.Subscription)

	n.conn.Close()
}

// SubjectFromTopic 将 / 分隔的主题映射为NATS subject
// 段内的 . 和 * 被转义，通配符 + 和 # 映射为 * 和 >
func SubjectFromTopic(topic string) string {
	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		switch segment {
		case "+":
			segments[i] = "*"
		case "#":
			segments[i] = ">"
		default:
			segments[i] = subjectEscaper.Replace(segment)
		}
	}
	return strings.Join(segments, ".")
}

// TopicFromSubject 是 SubjectFromTopic 的逆操作
func TopicFromSubject(subject string) string {
	tokens := strings.Split(subject, ".")
	for i, token := range tokens {
		switch token {
		case "*":
			tokens[i] = "+"
		case ">":
			tokens[i] = "#"
		default:
			tokens[i] = subjectUnescaper.Replace(token)
		}
	}
	return strings.Join(tokens, "/")
}

var (
	subjectEscaper   = strings.NewReplacer(".", "%2E", "*", "%2A")
	subjectUnescaper = strings.NewReplacer("%2E", ".", "%2A", "*")
)

// 确保NatsBus实现了Transport接口
var _ bus.Transport = (*NatsBus)(nil)
