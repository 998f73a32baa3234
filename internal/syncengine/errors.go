package syncengine

import "errors"

var (
	// ErrRetryable marks failures worth another attempt: network errors,
	// timeouts, throttling and server errors.
	ErrRetryable = errors.New("retryable sync failure")

	// ErrPermanent marks failures that will never succeed, including an
	// operation that ran out of retries.
	ErrPermanent = errors.New("permanent sync failure")

	// ErrConflict marks a server-side conflict. Conflicts are resolved by
	// policy and only surface wrapped in ErrRetryable when resolution fails.
	ErrConflict = errors.New("sync conflict")

	// ErrDrainInProgress is returned by Drain while another drain runs.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrOffline is returned by Drain while the engine is offline.
	ErrOffline = errors.New("sync engine offline")
)
