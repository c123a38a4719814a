package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/chenxilol/pricehub/internal/metrics"
	"github.com/chenxilol/pricehub/pkg/auth"

	"github.com/gorilla/websocket"
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// WSConn websocket 连接抽象
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
	SetReadLimit(int64)
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetPongHandler(func(string) error)
	Close() error
}

// Client 单个推送连接
type Client struct {
	id      string
	conn    WSConn
	out     chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     Config
	claims  *auth.TokenClaims
	onClose func(string)
	closed  sync.Once
	logger  *slog.Logger

	mu    sync.RWMutex
	feeds []string // 客户端选择的 feed，为空表示全部
}

func newClient(ctx context.Context, id string, conn WSConn, cfg Config, claims *auth.TokenClaims, onClose func(string)) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		id:      id,
		conn:    conn,
		out:     make(chan []byte, cfg.MessageBufferCap),
		ctx:     clientCtx,
		cancel:  cancel,
		cfg:     cfg,
		claims:  claims,
		onClose: onClose,
		logger:  slog.Default().With("component", "feed-stream", "client", id),
	}

	go c.readLoop()
	go c.writeLoop()
	return c
}

// ID 客户端标识
func (c *Client) ID() string {
	return c.id
}

// Claims 认证声明，匿名连接为 nil
func (c *Client) Claims() *auth.TokenClaims {
	return c.claims
}

// Send 非阻塞地排队一条消息
func (c *Client) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClientClosed
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.ctx.Done():
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

// wants 客户端是否应收到该 feed
func (c *Client) wants(feedID string) bool {
	if !auth.AllowsFeed(c.claims, feedID) {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.feeds) == 0 || slices.Contains(c.feeds, feedID)
}

func (c *Client) filtered() bool {
	if c.claims != nil && len(c.claims.Feeds) > 0 {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.feeds) > 0
}

func (c *Client) readLoop() {
	defer c.shutdown()

	c.conn.SetReadLimit(int64(c.cfg.ReadBufferSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if msgType != websocket.TextMessage {
			continue
		}
		c.handleRequest(data)
	}
}

func (c *Client) handleRequest(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(Message{Type: TypeError, Error: "invalid request"})
		return
	}

	switch req.Action {
	case ActionSubscribe:
		for _, feed := range req.Feeds {
			if !auth.AllowsFeed(c.claims, feed) {
				c.reply(Message{Type: TypeError, Error: auth.ErrPermissionDenied.Error() + ": " + feed})
				return
			}
		}
		c.mu.Lock()
		c.feeds = slices.Clone(req.Feeds)
		c.mu.Unlock()
		c.reply(Message{Type: TypeSubscribed, Feeds: req.Feeds})
	case ActionPing:
		c.reply(Message{Type: ActionPing})
	default:
		c.reply(Message{Type: TypeError, Error: "unknown action: " + req.Action})
	}
}

func (c *Client) reply(m Message) {
	data, err := encode(m)
	if err != nil {
		return
	}
	if err := c.Send(data); err != nil {
		c.logger.Debug("reply dropped", "error", err)
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ping.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return

		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Info("write failed", "error", err)
				return
			}
			metrics.MessageSent()

		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *Client) shutdown() {
	c.closed.Do(func() {
		c.cancel()
		if c.onClose != nil {
			c.onClose(c.id)
		}
		_ = c.conn.Close()
		c.logger.Info("client disconnected")
	})
}

// Close 关闭连接
func (c *Client) Close() {
	c.shutdown()
}
