package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/envelope"
	"github.com/dgnsrekt/courier-realtime/internal/metrics"
)

// redisClient is the subset of *redis.Client the broker uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisOptions configures the Redis broker.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	Namespace   string // prepended to every channel, e.g. "courier:"
	Compression string // CompressionNone or CompressionZstd
	Origin      string // instance id stamped on published frames
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Redis relays envelopes over Redis pub/sub. Each topic maps to the channel
// Namespace+topic; subscriptions use one pattern per prefix.
type Redis struct {
	client    redisClient
	codec     *Codec
	namespace string
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return NewRedisWithClient(client, opts)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redisClient, opts RedisOptions) (*Redis, error) {
	codec, err := NewCodec(opts.Origin, opts.Compression)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:    client,
		codec:     codec,
		namespace: opts.Namespace,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// Compile-time interface verification
var _ Broker = (*Redis)(nil)

// Publish implements Broker.
func (r *Redis) Publish(ctx context.Context, topic string, env envelope.Envelope) error {
	if r.isClosed() {
		return ErrClosed
	}
	payload, err := r.codec.Encode(topic, env)
	if err != nil {
		r.metrics.Broker("out", "error")
		return err
	}
	if err := r.client.Publish(ctx, r.channelName(topic), payload).Err(); err != nil {
		r.metrics.Broker("out", "error")
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	r.metrics.Broker("out", "ok")
	return nil
}

// Subscribe implements Broker.
func (r *Redis) Subscribe(ctx context.Context, prefixes []string, h Handler) error {
	if r.isClosed() {
		return ErrClosed
	}
	ps := r.client.PSubscribe(ctx, r.patterns(prefixes)...)

	// Wait for the subscription confirmation so no publish is missed after return.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to broker: %w", err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	go r.consume(ctx, ps, h)

	r.logger.Info("broker subscription live",
		zap.String("namespace", r.namespace),
		zap.Strings("prefixes", prefixes))
	return nil
}

func (r *Redis) consume(ctx context.Context, ps *redis.PubSub, h Handler) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = ps.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, topic, env, err := r.codec.Decode([]byte(msg.Payload))
			if err != nil {
				r.metrics.Broker("in", "error")
				r.logger.Warn("dropping undecodable broker message",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			if want := strings.TrimPrefix(msg.Channel, r.namespace); want != topic {
				r.metrics.Broker("in", "error")
				r.logger.Warn("broker frame topic does not match channel",
					zap.String("channel", msg.Channel),
					zap.String("topic", topic))
				continue
			}
			r.metrics.Broker("in", "ok")
			h(ctx, topic, env)
		}
	}
}

// Close implements Broker.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	r.codec.Close()
	return r.client.Close()
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Redis) channelName(topic string) string {
	return r.namespace + topic
}

func (r *Redis) patterns(prefixes []string) []string {
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = escapePattern(r.namespace+p) + "*"
	}
	return out
}

// escapePattern escapes Redis glob metacharacters in a literal prefix.
func escapePattern(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
