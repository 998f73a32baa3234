package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/courier-realtime/internal/queue"
)

// FormatFailureMessage creates the body for an operation that will never sync.
func FormatFailureMessage(op queue.Operation, err error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Operation: %s\n", op.ID))
	sb.WriteString(fmt.Sprintf("Change: %s %s\n", op.Kind, op.Entity))
	sb.WriteString(fmt.Sprintf("Priority: %s\n", op.Priority))
	if op.Origin.Role != "" {
		sb.WriteString(fmt.Sprintf("Origin: %s %s\n", op.Origin.Role, op.Origin.ID))
	}
	sb.WriteString(fmt.Sprintf("Queued: %s\n", op.Enqueued().UTC().Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Attempts: %d", op.RetryCount+1))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}

// FormatDegradedMessage creates the body for a queue that lost its store.
func FormatDegradedMessage(ev queue.DegradedEvent) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Reason: %s\n", ev.Reason))
	sb.WriteString(fmt.Sprintf("At: %s\n", ev.At.UTC().Format(time.RFC3339)))
	sb.WriteString("Queued changes are kept in memory only until the store recovers.")

	if ev.Err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", ev.Err))
	}

	return sb.String()
}
