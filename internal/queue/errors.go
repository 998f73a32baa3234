package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation id is not queued.
	ErrNotFound = errors.New("operation not found")

	// ErrCorruptStore is returned by stores whose contents cannot be decoded.
	ErrCorruptStore = errors.New("corrupt queue store")

	// ErrInvalidOperation is returned by Enqueue for unusable arguments.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrStoreClosed is returned by a store after Close.
	ErrStoreClosed = errors.New("queue store closed")
)

// CorruptRecordsError is returned by Store.Load alongside the records it could
// decode. Keys are the ids to pass to Store.Delete to discard the bad records.
type CorruptRecordsError struct {
	Keys []string
	Errs []error
}

func (e *CorruptRecordsError) Error() string {
	return fmt.Sprintf("%s: %d undecodable record(s): %v", ErrCorruptStore, len(e.Keys), errors.Join(e.Errs...))
}

func (e *CorruptRecordsError) Unwrap() error { return ErrCorruptStore }

func (e *CorruptRecordsError) add(key string, err error) {
	e.Keys = append(e.Keys, key)
	e.Errs = append(e.Errs, err)
}

// result returns e, or nil when no record was bad.
func (e *CorruptRecordsError) result() error {
	if len(e.Keys) == 0 {
		return nil
	}
	return e
}
