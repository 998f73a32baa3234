package syncengine

import (
	"encoding/json"
	"fmt"
)

// OutcomeKind classifies one attempt at delivering an operation.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomePermanent
	OutcomeConflict
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	case OutcomeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the server's answer to one attempt.
type Outcome struct {
	Kind OutcomeKind
	// Data is the server's copy of the entity on success or conflict.
	Data json.RawMessage
	// ServerUpdatedAt is the server entity's timestamp in unix millis, set on conflict.
	ServerUpdatedAt int64
	// Status is the HTTP status, when there was one.
	Status int
	Err    error
}

// Success builds a success outcome.
func Success(data json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Data: data}
}

// Retryable builds a retryable failure wrapping ErrRetryable.
func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: fmt.Errorf("%w: %w", ErrRetryable, err)}
}

// Permanent builds a permanent failure wrapping ErrPermanent.
func Permanent(err error) Outcome {
	return Outcome{Kind: OutcomePermanent, Err: fmt.Errorf("%w: %w", ErrPermanent, err)}
}

// Conflict builds a conflict outcome carrying the server's value.
func Conflict(data json.RawMessage, serverUpdatedAt int64) Outcome {
	return Outcome{Kind: OutcomeConflict, Data: data, ServerUpdatedAt: serverUpdatedAt, Err: ErrConflict}
}
