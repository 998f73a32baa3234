package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the mutation an operation performs on the server.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindCreate, KindUpdate, KindDelete:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, s)
	}
}

// Priority orders pending operations; higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidOperation, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidOperation, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Origin identifies who queued an operation.
type Origin struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}

// Operation is a queued client mutation awaiting delivery to the server.
type Operation struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Entity        string          `json:"entity"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    int64           `json:"enqueuedAt"` // unix millis
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	Priority      Priority        `json:"priority"`
	Origin        Origin          `json:"origin"`
	NextAttemptAt int64           `json:"nextAttemptAt,omitempty"` // unix millis
	LastError     string          `json:"lastError,omitempty"`
}

// Ready reports whether the operation may be attempted at now.
func (o Operation) Ready(now time.Time) bool {
	return o.NextAttemptAt <= now.UnixMilli()
}

// Enqueued returns the enqueue time.
func (o Operation) Enqueued() time.Time {
	return time.UnixMilli(o.EnqueuedAt)
}

// clone returns a copy that shares no memory with o.
func (o Operation) clone() Operation {
	o.Payload = append(json.RawMessage(nil), o.Payload...)
	return o
}

// before is the pending order: priority desc, enqueue time asc, id asc.
func before(a, b Operation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.EnqueuedAt != b.EnqueuedAt {
		return a.EnqueuedAt < b.EnqueuedAt
	}
	return a.ID < b.ID
}
