// Package stream 通过 websocket 将聚合器发布的批次推送给下游消费者
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chenxilol/pricehub/internal/metrics"
	"github.com/chenxilol/pricehub/pkg/auth"
	"github.com/chenxilol/pricehub/pkg/datapackage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config 推送端点配置
type Config struct {
	ReadTimeout      time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	ReadBufferSize   int           `mapstructure:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size" json:"write_buffer_size"`
	MessageBufferCap int           `mapstructure:"message_buffer_cap" json:"message_buffer_cap"`
	AllowAnonymous   bool          `mapstructure:"allow_anonymous" json:"allow_anonymous"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ReadTimeout:      time.Minute,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadBufferSize:   4 << 10, // 4KB
		WriteBufferSize:  4 << 10, // 4KB
		MessageBufferCap: 64,
		AllowAnonymous:   true,
	}
}

// Hub 管理推送连接
type Hub struct {
	cfg      Config
	authn    auth.Authenticator
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub 创建 Hub，authn 为 nil 时不校验令牌
func NewHub(cfg Config, authn auth.Authenticator) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:   cfg,
		authn: authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		logger:  slog.Default().With("component", "feed-stream"),
		clients: make(map[string]*Client),
	}
}

// ServeHTTP 认证并升级连接
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err, "remoteAddr", r.RemoteAddr)
		metrics.RecordError()
		return
	}

	id := uuid.New().String()
	if claims != nil && claims.UserID != "" {
		id = claims.UserID + "-" + id[:8]
	}

	client := newClient(h.ctx, id, conn, h.cfg, claims, h.unregister)
	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()
	metrics.ClientConnected()

	// 连接可能在注册前就已断开
	if client.ctx.Err() != nil {
		h.unregister(id)
		return
	}

	h.logger.Info("client connected", "client", id, "authenticated", claims != nil)
}

func (h *Hub) authenticate(w http.ResponseWriter, r *http.Request) (*auth.TokenClaims, bool) {
	if h.authn == nil {
		return nil, true
	}

	token := extractToken(r)
	if token == "" {
		if h.cfg.AllowAnonymous {
			return nil, true
		}
		h.logger.Warn("websocket connection attempt without token", "remoteAddr", r.RemoteAddr)
		http.Error(w, "Unauthorized: Token required", http.StatusUnauthorized)
		metrics.RecordAuthFailure()
		return nil, false
	}

	claims, err := h.authn.Authenticate(r.Context(), token)
	if err != nil {
		h.logger.Warn("websocket authentication failed", "error", err, "remoteAddr", r.RemoteAddr)
		http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
		metrics.RecordAuthFailure()
		return nil, false
	}
	if !auth.HasPermission(claims, auth.PermReadFeeds) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		metrics.RecordAuthFailure()
		return nil, false
	}

	metrics.RecordAuthSuccess()
	return claims, true
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	_, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		metrics.ClientDisconnected()
	}
}

// Publish 推送一个批次，客户端只收到其有权限且已选择的 feed。
// 不会阻塞：发送队列已满的客户端丢弃该批次
func (h *Hub) Publish(batch datapackage.Response) {
	timestamp, ok := batch.Timestamp()
	if !ok {
		return
	}

	full, err := encode(Message{Type: TypeBatch, Timestamp: timestamp, Packages: batch})
	if err != nil {
		h.logger.Error("failed to encode batch", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		data := full
		if c.filtered() {
			if data = h.encodeFor(c, batch, timestamp); data == nil {
				continue
			}
		}
		if err := c.Send(data); err != nil {
			h.logger.Warn("dropping batch for client", "client", c.ID(), "error", err)
			metrics.RecordError()
		}
	}
}

func (h *Hub) encodeFor(c *Client, batch datapackage.Response, timestamp int64) []byte {
	subset := make(datapackage.Response, len(batch))
	for feedID, pkgs := range batch {
		if c.wants(feedID) {
			subset[feedID] = pkgs
		}
	}
	if len(subset) == 0 {
		return nil
	}
	data, err := encode(Message{Type: TypeBatch, Timestamp: timestamp, Packages: subset})
	if err != nil {
		return nil
	}
	return data
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close 断开所有连接
func (h *Hub) Close() {
	h.cancel()

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}
