package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/envelope"
)

const memorySubscriberBuffer = 256

// Memory is an in-process broker. Hubs sharing one Memory behave like server
// processes sharing one external broker; it backs single-node deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
	logger *zap.Logger
}

type memoryMessage struct {
	topic string
	env   envelope.Envelope
}

type memorySub struct {
	prefixes []string
	ch       chan memoryMessage
	done     chan struct{}
}

// NewMemory creates an in-process broker.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		subs:   make(map[*memorySub]struct{}),
		logger: logger,
	}
}

// Compile-time interface verification
var _ Broker = (*Memory)(nil)

// Publish implements Broker. It blocks while a subscriber's buffer is full.
func (m *Memory) Publish(ctx context.Context, topic string, env envelope.Envelope) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		if hasAnyPrefix(topic, s.prefixes) {
			subs = append(subs, s)
		}
	}
	m.mu.RUnlock()

	msg := memoryMessage{topic: topic, env: env}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Broker.
func (m *Memory) Subscribe(ctx context.Context, prefixes []string, h Handler) error {
	s := &memorySub{
		prefixes: append([]string(nil), prefixes...),
		ch:       make(chan memoryMessage, memorySubscriberBuffer),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer m.remove(s)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case msg := <-s.ch:
				h(ctx, msg.topic, msg.env)
			}
		}
	}()

	m.logger.Debug("memory broker subscription started", zap.Strings("prefixes", prefixes))
	return nil
}

func (m *Memory) remove(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s]; ok {
		delete(m.subs, s)
		close(s.done)
	}
}

// Close implements Broker. Subscriptions stop delivering.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.subs {
		delete(m.subs, s)
		close(s.done)
	}
	return nil
}
