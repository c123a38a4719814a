// Package redis 提供基于Redis Pub/Sub的传输连接实现
package redis

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/topic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config Redis连接配置选项
type Config struct {
	// 连接地址 (单机模式、集群模式或哨兵模式)
	Addrs []string `mapstructure:"addrs"`

	// 密码，如果需要的话
	Password string `mapstructure:"password"`

	// 数据库编号 (仅单机模式和哨兵模式有效)
	DB int `mapstructure:"db"`

	// 哨兵模式的主节点名称
	MasterName string `mapstructure:"master_name"`

	// 连接池大小
	PoolSize int `mapstructure:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `mapstructure:"min_idle_conns"`

	// 连接超时时间
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// 读取超时时间
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// 写入超时时间
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// 最大重试次数
	MaxRetries int `mapstructure:"max_retries"`

	// 发布超时
	OpTimeout time.Duration `mapstructure:"op_timeout"`

	// 频道前缀
	KeyPrefix string `mapstructure:"key_prefix"`

	// 模式: single(单机), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`
}

func DefaultConfig() Config {
	return Config{
		Addrs:        []string{"localhost:6379"},
		Password:     "",
		DB:           0,
		MasterName:   "",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
		OpTimeout:    500 * time.Millisecond,
		KeyPrefix:    "pricehub:",
		Mode:         "single", // 默认单机模式
	}
}

// RedisBus 基于Redis Pub/Sub的单个传输连接
type RedisBus struct {
	client     redis.UniversalClient // 通用客户端接口，兼容单机、哨兵和集群模式
	cfg        Config
	mu         sync.Mutex
	closed     bool
	pubsub     *redis.PubSub    // 首次订阅时创建
	patterns   map[string]bool  // 主题 -> 是否为模式订阅
	handler    atomic.Pointer[bus.MessageHandler]
	reconnects uint64 // 重试次数统计
	logger     *slog.Logger
}

// RetryHook 用于统计重试次数的钩子
type RetryHook struct {
	bus *RedisBus
}

func (rh *RetryHook) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil && rh.bus != nil {
			rh.bus.IncReconnects()
			rh.bus.logger.Warn("redis dial failed", "addr", addr, "reconnects", rh.bus.GetReconnectCount(), "error", err)
		}
		return conn, err
	}
}

func (rh *RetryHook) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		return hook(ctx, cmd)
	}
}

func (rh *RetryHook) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		return hook(ctx, cmds)
	}
}

func New(cfg Config) (*RedisBus, error) {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}

	clientName := "pricehub-" + uuid.NewString()
	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		ClientName:   clientName,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.Mode == "sentinel" {
		opts.MasterName = cfg.MasterName
	}

	rb := &RedisBus{
		client:   redis.NewUniversalClient(opts),
		cfg:      cfg,
		patterns: make(map[string]bool),
		logger:   slog.Default().With("component", "redis-transport", "name", clientName),
	}
	rb.client.AddHook(&RetryHook{bus: rb})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := rb.client.Ping(ctx).Err(); err != nil {
		rb.client.Close()
		rb.logger.Error("failed to connect to redis", "error", err)
		return nil, err
	}

	rb.logger.Info("connected to redis", "addrs", cfg.Addrs, "mode", cfg.Mode)
	return rb, nil
}

// Factory 返回用于连接池的连接工厂
func Factory(cfg Config) bus.Factory {
	return func(_ context.Context) (bus.Transport, error) {
		return New(cfg)
	}
}

func (r *RedisBus) formatKey(t string) string {
	return r.cfg.KeyPrefix + t
}

// channelFor 返回主题对应的频道名，带通配符的主题转换为glob模式
func (r *RedisBus) channelFor(t string) (string, bool) {
	if !topic.HasWildcard(t) {
		return r.formatKey(t), false
	}

	segments := strings.Split(t, "/")
	for i, segment := range segments {
		if topic.IsWildcard(segment) {
			segments[i] = "*"
			continue
		}
		segments[i] = globEscaper.Replace(segment)
	}
	return globEscaper.Replace(r.cfg.KeyPrefix) + strings.Join(segments, "/"), true
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// Stop 关闭订阅和Redis连接，可重复调用
func (r *RedisBus) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			r.logger.Debug("failed to close pubsub", "error", err)
		}
		r.pubsub = nil
	}
	r.patterns = make(map[string]bool)

	if err := r.client.Close(); err != nil {
		r.logger.Debug("failed to close redis client", "error", err)
	}
}

var _ bus.Transport = (*RedisBus)(nil)
