package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
	"github.com/dgnsrekt/courier-realtime/internal/hub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Send buffer size per client.
	sendBufferSize = 256
)

// Client is a websocket connection registered with the hub.
type Client struct {
	conn     *websocket.Conn
	id       string
	identity auth.Identity
	send     chan []byte
	limiter  *rate.Limiter
	logger   *zap.Logger

	done        chan struct{}
	closeOnce   sync.Once
	closed      atomic.Bool
	closeCode   int
	closeReason string
}

// Compile-time interface verification
var _ hub.Conn = (*Client)(nil)

func newClient(conn *websocket.Conn, id string, identity auth.Identity, limiter *rate.Limiter, logger *zap.Logger) *Client {
	return &Client{
		conn:     conn,
		id:       id,
		identity: identity,
		send:     make(chan []byte, sendBufferSize),
		limiter:  limiter,
		logger:   logger.With(zap.String("connID", id)),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string              { return c.id }
func (c *Client) Identity() auth.Identity { return c.identity }
func (c *Client) Alive() bool             { return !c.closed.Load() }

// Send queues msg for the write pump without blocking.
func (c *Client) Send(msg []byte) error {
	if c.closed.Load() {
		return hub.ErrConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return hub.ErrSendBufferFull
	}
}

// Close asks the write pump to send a close frame and drop the connection.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.closed.Store(true)
		close(c.done)
	})
}

// readPump reads messages until the connection fails, then unregisters.
func (c *Client) readPump(ctx context.Context, h *Handler) {
	defer func() {
		c.Close(websocket.CloseNormalClosure, "")
		if err := h.hub.Unregister(ctx, c); err != nil {
			c.logger.Debug("unregister failed", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Inbound handling stops as soon as the client is closed.
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-msgCtx.Done():
		}
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(msgCtx); err != nil {
				return
			}
		}
		h.handleMessage(msgCtx, c, message)
	}
}

// writePump writes queued messages and pings, and sends the close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}
