// Package broker bridges hubs running in different server processes through an
// external publish/subscribe system.
package broker

import (
	"context"
	"errors"

	"github.com/dgnsrekt/courier-realtime/internal/envelope"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Handler receives every message published on a subscribed prefix, including
// messages published by the local process.
type Handler func(ctx context.Context, topic string, env envelope.Envelope)

// Broker relays envelopes between server processes. Delivery is at-least-once
// with no ordering guarantee across topics.
type Broker interface {
	// Publish sends env on topic to every subscribed process.
	Publish(ctx context.Context, topic string, env envelope.Envelope) error

	// Subscribe registers h for every topic starting with one of prefixes.
	// It returns once the subscription is live; delivery continues until ctx
	// is cancelled or the broker is closed.
	Subscribe(ctx context.Context, prefixes []string, h Handler) error

	Close() error
}

func hasAnyPrefix(topic string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(topic) >= len(p) && topic[:len(p)] == p {
			return true
		}
	}
	return false
}
