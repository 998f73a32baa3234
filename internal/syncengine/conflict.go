package syncengine

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/courier-realtime/internal/queue"
)

// Policy decides who wins a conflict. One policy applies to every entity.
type Policy string

const (
	PolicyClientWins    Policy = "client-wins"
	PolicyServerWins    Policy = "server-wins"
	PolicyTimestampWins Policy = "timestamp-wins"
)

// ParsePolicy converts a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyClientWins, PolicyServerWins, PolicyTimestampWins:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q (must be client-wins, server-wins or timestamp-wins)", s)
	}
}

// Resolution is the result of applying a Policy to a conflict.
type Resolution int

const (
	// KeepServer accepts the server's value as the operation's result.
	KeepServer Resolution = iota
	// ForceClient resends the client's value with the force flag.
	ForceClient
)

func (r Resolution) String() string {
	if r == ForceClient {
		return "client"
	}
	return "server"
}

// Resolve applies policy to a conflict between op and the server's value.
// Under timestamp-wins a tie goes to the server.
func Resolve(policy Policy, op queue.Operation, serverUpdatedAt int64) Resolution {
	switch policy {
	case PolicyClientWins:
		return ForceClient
	case PolicyTimestampWins:
		if ClientTimestamp(op) > serverUpdatedAt {
			return ForceClient
		}
		return KeepServer
	default:
		return KeepServer
	}
}

// ClientTimestamp is the payload's numeric updatedAt (unix millis) when
// present, otherwise the enqueue time.
func ClientTimestamp(op queue.Operation) int64 {
	var body struct {
		UpdatedAt *json.Number `json:"updatedAt"`
	}
	if err := json.Unmarshal(op.Payload, &body); err == nil && body.UpdatedAt != nil {
		if ts, err := body.UpdatedAt.Int64(); err == nil {
			return ts
		}
	}
	return op.EnqueuedAt
}
