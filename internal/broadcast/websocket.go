package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinytelemetry/aiemu/internal/logger"
	"go.uber.org/zap"
)

// ErrConnClosed is returned by WSConn.Send once the connection is closed.
var ErrConnClosed = errors.New("broadcast: connection closed")

// WSConfig tunes a WebSocket subscriber connection.
type WSConfig struct {
	OutboxSize     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

const (
	defaultOutboxSize     = 256
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultMaxMessageSize = 4096
)

func (c WSConfig) withDefaults() WSConfig {
	if c.OutboxSize <= 0 {
		c.OutboxSize = defaultOutboxSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// pongWait must exceed the ping interval so one late pong is tolerated.
func (c WSConfig) pongWait() time.Duration {
	return c.PingInterval * 2
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The live viewer is served from other origins during local development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSConn adapts a WebSocket to Conn. Messages go through a bounded outbox
// drained by WritePump, which is the only writer of data frames.
type WSConn struct {
	ws     *websocket.Conn
	cfg    WSConfig
	outbox chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConn wraps an upgraded connection.
func NewWSConn(ws *websocket.Conn, cfg WSConfig) *WSConn {
	cfg = cfg.withDefaults()
	return &WSConn{
		ws:     ws,
		cfg:    cfg,
		outbox: make(chan []byte, cfg.OutboxSize),
		done:   make(chan struct{}),
	}
}

// Send queues msg without blocking. A full outbox reports ErrBackpressure.
func (c *WSConn) Send(_ context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.outbox <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrBackpressure
	}
}

// Close sends a close frame and tears down the connection.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// WritePump delivers queued messages and keepalive pings until the
// connection closes or a write fails.
func (c *WSConn) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// ReadPump discards client messages and returns when the peer goes away or
// stops answering pings.
func (c *WSConn) ReadPump() error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return err
		}
	}
}

// IsUpgradeRequest reports whether r asks for a WebSocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// ServeWS upgrades the request, subscribes the connection to b and blocks
// until the client disconnects, then unsubscribes it.
func ServeWS(b *Broadcaster, w http.ResponseWriter, r *http.Request, cfg WSConfig, log *zap.Logger) error {
	log = logger.OrNop(log)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	conn := NewWSConn(ws, cfg)
	sub := b.Subscribe(conn)
	if sub.State() != StateOpen {
		return ErrClosed
	}
	log.Info("live client connected", zap.String("subscriber", sub.ID()), zap.String("remote", r.RemoteAddr))

	go conn.WritePump()
	err = conn.ReadPump()
	b.Unsubscribe(sub)

	log.Info("live client disconnected", zap.String("subscriber", sub.ID()), zap.String("remote", r.RemoteAddr))
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return err
	}
	return nil
}
