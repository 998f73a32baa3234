// Package ws adapts gorilla websocket connections to the hub and implements
// the client message protocol.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
	"github.com/dgnsrekt/courier-realtime/internal/envelope"
	"github.com/dgnsrekt/courier-realtime/internal/hub"
	"github.com/dgnsrekt/courier-realtime/internal/topics"
)

// Hub is the part of the broadcast hub the websocket layer drives.
type Hub interface {
	Register(ctx context.Context, conn hub.Conn, initial []string) error
	Unregister(ctx context.Context, conn hub.Conn) error
	Subscribe(ctx context.Context, conn hub.Conn, topic string) error
	Unsubscribe(ctx context.Context, conn hub.Conn, topic string) error
	Topics(ctx context.Context, conn hub.Conn) ([]string, error)
	PublishDistributed(ctx context.Context, topic string, env envelope.Envelope) error
}

// Options tunes the websocket handler.
type Options struct {
	// AllowedOrigins restricts the Origin header; empty allows any origin.
	AllowedOrigins []string
	// InboundRate limits client messages per second; zero disables limiting.
	InboundRate  float64
	InboundBurst int
	// Now overrides the clock used for envelope timestamps.
	Now func() time.Time
}

// Handler upgrades authenticated requests to hub connections.
type Handler struct {
	ctx      context.Context
	hub      Hub
	auth     auth.Authenticator
	logger   *zap.Logger
	upgrader websocket.Upgrader
	opts     Options
	now      func() time.Time
}

// NewHandler creates a websocket handler. ctx bounds the lifetime of every
// connection it accepts.
func NewHandler(ctx context.Context, h Hub, a auth.Authenticator, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	handler := &Handler{
		ctx:    ctx,
		hub:    h,
		auth:   a,
		logger: logger,
		opts:   opts,
		now:    now,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     handler.checkOrigin,
	}
	return handler
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP handles GET /ws. Authentication failures are reported after the
// upgrade with a policy-violation close frame so browsers can read the reason.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := auth.CredentialFromRequest(r)
	identity, authErr := h.auth.Authenticate(r.Context(), credential)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	if authErr != nil {
		h.logger.Info("rejecting websocket connection",
			zap.String("credential", auth.MaskCredential(credential)),
			zap.String("remote", r.RemoteAddr),
			zap.Error(authErr))
		reason := "authentication failed"
		if errors.Is(authErr, auth.ErrMissingCredential) {
			reason = "missing credential"
		}
		msg := websocket.FormatCloseMessage(hub.ClosePolicyViolation, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	var limiter *rate.Limiter
	if h.opts.InboundRate > 0 {
		burst := h.opts.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.opts.InboundRate), burst)
	}

	client := newClient(conn, uuid.New().String(), identity, limiter, h.logger)
	if err := h.hub.Register(h.ctx, client, topics.DefaultTopics(identity)); err != nil {
		h.logger.Warn("hub rejected connection", zap.String("connID", client.ID()), zap.Error(err))
		msg := websocket.FormatCloseMessage(hub.CloseInternalError, "server unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	// Register skips topics it cannot subscribe, so report what it kept.
	channels, err := h.hub.Topics(h.ctx, client)
	if err != nil {
		h.logger.Warn("listing connection topics failed", zap.String("connID", client.ID()), zap.Error(err))
	}
	if channels == nil {
		channels = []string{}
	}
	connected, err := envelope.New(envelope.TypeConnected, "", ConnectedData{
		ConnectionID: client.ID(),
		Role:         string(identity.Role),
		UserID:       identity.UserID,
		Channels:     channels,
	}, h.now())
	if err == nil {
		h.send(client, connected)
	}

	h.logger.Debug("websocket connected",
		zap.String("connID", client.ID()),
		zap.String("identity", identity.String()))

	go client.writePump()
	go client.readPump(h.ctx, h)
}

// handleMessage processes one inbound client message.
func (h *Handler) handleMessage(ctx context.Context, c *Client, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		c.logger.Debug("malformed client message", zap.Error(err))
		h.send(c, envelope.Error("malformed message", "", h.now()))
		return
	}

	switch env.Type() {
	case envelope.TypePing:
		h.reply(c, envelope.TypePong, "", nil)

	case envelope.TypeSubscribe:
		topic := env.Channel()
		if topic == "" {
			h.send(c, envelope.Error("channel required", env.Type(), h.now()))
			return
		}
		err := h.hub.Subscribe(ctx, c, topic)
		switch {
		case errors.Is(err, hub.ErrNotAuthorized):
			c.logger.Debug("ignoring unauthorized subscribe", zap.String("topic", topic))
		case err != nil:
			c.logger.Debug("subscribe failed", zap.String("topic", topic), zap.Error(err))
		default:
			h.reply(c, envelope.TypeSubscribed, topic, channelData(topic))
		}

	case envelope.TypeUnsubscribe:
		topic := env.Channel()
		if topic == "" {
			h.send(c, envelope.Error("channel required", env.Type(), h.now()))
			return
		}
		if err := h.hub.Unsubscribe(ctx, c, topic); err != nil {
			c.logger.Debug("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		h.reply(c, envelope.TypeUnsubscribed, topic, channelData(topic))

	case envelope.TypeDriverLocationUpdate, envelope.TypeDeliveryStatusUpdate:
		if !mayPublish(c.identity.Role, env.Type()) {
			c.logger.Debug("ignoring update from unauthorized role",
				zap.String("type", string(env.Type())),
				zap.String("role", string(c.identity.Role)))
			h.send(c, envelope.Error("not permitted", env.Type(), h.now()))
			return
		}
		var pubs []Publication
		if env.Type() == envelope.TypeDriverLocationUpdate {
			pubs, err = locationPublications(c.identity, env, h.now())
		} else {
			pubs, err = statusPublications(c.identity, env, h.now())
		}
		if err != nil {
			h.send(c, envelope.Error("invalid "+string(env.Type())+": "+err.Error(), env.Type(), h.now()))
			return
		}
		h.publish(ctx, c, pubs)

	default:
		h.send(c, envelope.Error("unsupported message type", env.Type(), h.now()))
	}
}

func (h *Handler) publish(ctx context.Context, c *Client, pubs []Publication) {
	for _, p := range pubs {
		if err := h.hub.PublishDistributed(ctx, p.Topic, p.Envelope); err != nil {
			c.logger.Warn("publish failed", zap.String("topic", p.Topic), zap.Error(err))
		}
	}
}

func (h *Handler) reply(c *Client, t envelope.Type, channel string, data any) {
	env, err := envelope.New(t, channel, data, h.now())
	if err != nil {
		c.logger.Error("build reply", zap.Error(err))
		return
	}
	h.send(c, env)
}

func (h *Handler) send(c *Client, env envelope.Envelope) {
	b, err := env.Marshal()
	if err != nil {
		c.logger.Error("encode envelope", zap.Error(err))
		return
	}
	if err := c.Send(b); err != nil {
		c.logger.Debug("reply dropped", zap.Error(err))
	}
}
