// Package hub fans envelopes out to subscribed connections. All registry state
// is owned by a single loop goroutine; callers talk to it through commands.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
	"github.com/dgnsrekt/courier-realtime/internal/broker"
	"github.com/dgnsrekt/courier-realtime/internal/envelope"
	"github.com/dgnsrekt/courier-realtime/internal/metrics"
	"github.com/dgnsrekt/courier-realtime/internal/topics"
)

const commandBuffer = 256

type opKind int

const (
	opConnect opKind = iota
	opDisconnect
	opSubscribe
	opUnsubscribe
	opPublishLocal
	opPublishRemote
	opStats
	opTopics
)

type command struct {
	kind    opKind
	conn    Conn
	connID  string
	topics  []string
	topic   string
	payload []byte
	reply   chan result
}

type result struct {
	n      int
	err    error
	stats  Stats
	topics []string
}

// Authorizer decides whether an identity may subscribe to a topic.
type Authorizer func(id auth.Identity, topic string) bool

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics attaches Prometheus meters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithInstanceID overrides the generated instance id.
func WithInstanceID(id string) Option {
	return func(h *Hub) {
		if id != "" {
			h.instanceID = id
		}
	}
}

// WithPrefixes overrides the topic prefixes relayed through the broker.
func WithPrefixes(prefixes []string) Option {
	return func(h *Hub) { h.prefixes = append([]string(nil), prefixes...) }
}

// WithAuthorizer overrides the subscription policy.
func WithAuthorizer(a Authorizer) Option {
	return func(h *Hub) {
		if a != nil {
			h.authorize = a
		}
	}
}

// Hub is the broadcast hub. The zero value is not usable; construct with New.
type Hub struct {
	broker     broker.Broker
	logger     *zap.Logger
	metrics    *metrics.Metrics
	instanceID string
	prefixes   []string
	authorize  Authorizer

	cmds    chan command
	done    chan struct{}
	started sync.Once
	reg     *registry
}

// New creates a hub. A nil broker makes distributed publishes local only.
func New(b broker.Broker, opts ...Option) *Hub {
	h := &Hub{
		broker:     b,
		logger:     zap.NewNop(),
		instanceID: uuid.New().String(),
		prefixes:   topics.Prefixes,
		authorize:  topics.AuthorizeSubscribe,
		cmds:       make(chan command, commandBuffer),
		done:       make(chan struct{}),
		reg:        newRegistry(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("instance", h.instanceID))
	return h
}

// InstanceID identifies this hub among server processes.
func (h *Hub) InstanceID() string { return h.instanceID }

// Run subscribes to the broker and processes commands until ctx is cancelled.
// Every registered connection is closed with CloseGoingAway on shutdown.
func (h *Hub) Run(ctx context.Context) error {
	first := false
	h.started.Do(func() { first = true })
	if !first {
		return errors.New("hub already running")
	}
	defer close(h.done)

	if h.broker != nil {
		if err := h.broker.Subscribe(ctx, h.prefixes, h.onBrokerMessage); err != nil {
			return fmt.Errorf("subscribe hub to broker: %w", err)
		}
	}
	h.logger.Info("hub started", zap.Bool("distributed", h.broker != nil))

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case cmd := <-h.cmds:
			h.handle(cmd)
		}
	}
}

func (h *Hub) handle(cmd command) {
	var res result
	switch cmd.kind {
	case opConnect:
		res.n, res.err = h.connect(cmd.conn, cmd.topics)
	case opDisconnect:
		h.disconnect(cmd.connID, "")
	case opSubscribe:
		res.err = h.subscribe(cmd.connID, cmd.topic)
	case opUnsubscribe:
		if h.reg.unsubscribe(cmd.connID, cmd.topic) {
			h.metrics.SubscriptionsChanged(-1)
		}
	case opPublishLocal, opPublishRemote:
		res.n = h.deliver(cmd.topic, cmd.payload)
	case opStats:
		res.stats = h.reg.stats()
		res.stats.Instance = h.instanceID
	case opTopics:
		res.topics = h.reg.topicsOf(cmd.connID)
	}
	if cmd.reply != nil {
		cmd.reply <- res
	}
}

func (h *Hub) connect(conn Conn, initial []string) (int, error) {
	id := conn.Identity()
	if h.reg.add(conn) {
		h.metrics.ConnectionOpened(string(id.Role))
		h.logger.Debug("connection registered",
			zap.String("connID", conn.ID()),
			zap.String("identity", id.String()))
	}

	added := 0
	for _, topic := range initial {
		if err := h.subscribe(conn.ID(), topic); err != nil {
			h.logger.Debug("skipping initial topic",
				zap.String("connID", conn.ID()),
				zap.String("topic", topic),
				zap.Error(err))
			continue
		}
		added++
	}
	return added, nil
}

func (h *Hub) subscribe(connID, topic string) error {
	m, ok := h.reg.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	if !h.authorize(m.conn.Identity(), topic) {
		return ErrNotAuthorized
	}
	added, err := h.reg.subscribe(connID, topic)
	if err != nil {
		return err
	}
	if added {
		h.metrics.SubscriptionsChanged(1)
	}
	return nil
}

// disconnect removes a connection. A non-empty reason also closes it.
func (h *Hub) disconnect(connID string, reason string) {
	conn, subs, ok := h.reg.remove(connID)
	if !ok {
		return
	}
	h.metrics.SubscriptionsChanged(-subs)
	h.metrics.ConnectionClosed(string(conn.Identity().Role))
	h.logger.Debug("connection unregistered",
		zap.String("connID", connID),
		zap.Int("subscriptions", subs))
	if reason != "" {
		conn.Close(CloseTryAgainLater, reason)
	}
}

// deliver sends payload to every live subscriber of topic. A failed send
// evicts that connection only.
func (h *Hub) deliver(topic string, payload []byte) int {
	delivered := 0
	for _, c := range h.reg.subscribers(topic) {
		if !c.Alive() {
			h.metrics.Delivery("skipped", 1)
			continue
		}
		if err := c.Send(payload); err != nil {
			h.metrics.Delivery("failed", 1)
			h.logger.Warn("evicting connection after failed send",
				zap.String("connID", c.ID()),
				zap.String("topic", topic),
				zap.Error(err))
			reason := "connection closed"
			if errors.Is(err, ErrSendBufferFull) {
				reason = "slow consumer"
			}
			h.disconnect(c.ID(), reason)
			continue
		}
		delivered++
	}
	h.metrics.Delivery("delivered", delivered)
	return delivered
}

func (h *Hub) shutdown() {
	conns := h.reg.all()
	h.logger.Info("hub shutting down", zap.Int("connections", len(conns)))
	for _, c := range conns {
		_, subs, _ := h.reg.remove(c.ID())
		h.metrics.SubscriptionsChanged(-subs)
		h.metrics.ConnectionClosed(string(c.Identity().Role))
		c.Close(CloseGoingAway, "server shutting down")
	}
}

// onBrokerMessage delivers a broker message to local subscribers.
func (h *Hub) onBrokerMessage(ctx context.Context, topic string, env envelope.Envelope) {
	payload, err := env.Marshal()
	if err != nil {
		h.logger.Warn("dropping unencodable broker envelope", zap.String("topic", topic), zap.Error(err))
		return
	}
	select {
	case h.cmds <- command{kind: opPublishRemote, topic: topic, payload: payload}:
	case <-h.done:
	case <-ctx.Done():
	}
}

// call sends cmd to the loop and waits for its result.
func (h *Hub) call(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case h.cmds <- cmd:
	case <-h.done:
		return result{}, ErrHubStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-h.done:
		// The loop may have answered just before stopping.
		select {
		case res := <-cmd.reply:
			return res, nil
		default:
			return result{}, ErrHubStopped
		}
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Register adds conn and subscribes it to the given topics. Registering the
// same connection again only adds topics it does not already have. Topics the
// identity may not receive are skipped.
func (h *Hub) Register(ctx context.Context, conn Conn, initial []string) error {
	res, err := h.call(ctx, command{kind: opConnect, conn: conn, topics: append([]string(nil), initial...)})
	if err != nil {
		return err
	}
	return res.err
}

// Unregister removes conn and all of its subscriptions. Unknown connections
// are ignored.
func (h *Hub) Unregister(ctx context.Context, conn Conn) error {
	_, err := h.call(ctx, command{kind: opDisconnect, connID: conn.ID()})
	return err
}

// Subscribe adds one topic to a registered connection.
func (h *Hub) Subscribe(ctx context.Context, conn Conn, topic string) error {
	res, err := h.call(ctx, command{kind: opSubscribe, connID: conn.ID(), topic: topic})
	if err != nil {
		return err
	}
	return res.err
}

// Unsubscribe removes one topic from a connection. Missing subscriptions are ignored.
func (h *Hub) Unsubscribe(ctx context.Context, conn Conn, topic string) error {
	_, err := h.call(ctx, command{kind: opUnsubscribe, connID: conn.ID(), topic: topic})
	return err
}

// Topics returns the sorted topics conn is subscribed to.
func (h *Hub) Topics(ctx context.Context, conn Conn) ([]string, error) {
	res, err := h.call(ctx, command{kind: opTopics, connID: conn.ID()})
	if err != nil {
		return nil, err
	}
	return res.topics, nil
}

// PublishLocal delivers env to this process's subscribers of topic and returns
// the number of connections it was handed to.
func (h *Hub) PublishLocal(ctx context.Context, topic string, env envelope.Envelope) (int, error) {
	payload, err := env.Marshal()
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}
	res, err := h.call(ctx, command{kind: opPublishLocal, topic: topic, payload: payload})
	if err != nil {
		return 0, err
	}
	return res.n, nil
}

// PublishDistributed delivers env to subscribers of topic in every process.
// Local subscribers receive it when the broker echoes it back. Without a
// broker it is a local publish. If the broker rejects the message, local
// subscribers still receive it and the broker error is returned.
func (h *Hub) PublishDistributed(ctx context.Context, topic string, env envelope.Envelope) error {
	if !h.knownTopic(topic) {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if h.broker == nil {
		_, err := h.PublishLocal(ctx, topic, env)
		return err
	}
	if err := h.broker.Publish(ctx, topic, env); err != nil {
		h.logger.Warn("broker publish failed, delivering locally only",
			zap.String("topic", topic),
			zap.Error(err))
		if _, lerr := h.PublishLocal(ctx, topic, env); lerr != nil {
			return errors.Join(fmt.Errorf("%w: %w", ErrBrokerPublish, err), lerr)
		}
		return fmt.Errorf("%w: %w", ErrBrokerPublish, err)
	}
	return nil
}

// Stats returns connection and subscription counts.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	res, err := h.call(ctx, command{kind: opStats})
	if err != nil {
		return Stats{}, err
	}
	return res.stats, nil
}

func (h *Hub) knownTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for _, p := range h.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}
