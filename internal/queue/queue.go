// Package queue holds client mutations made while offline until the sync
// engine delivers them. The in-memory queue is authoritative; a Store mirrors
// it so operations survive restarts.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/metrics"
)

// DefaultMaxRetries applies when Config.MaxRetries is zero.
const DefaultMaxRetries = 5

// DegradedEvent reports that the queue lost its durable store and is running
// memory-only.
type DegradedEvent struct {
	Reason string
	Err    error
	At     time.Time
}

// Config configures a Queue.
type Config struct {
	MaxRetries int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
	// OnDegraded is called, without the queue lock held, each time the queue
	// enters degraded mode.
	OnDegraded func(DegradedEvent)
}

type entry struct {
	op       Operation
	inFlight bool
}

// Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	ops      map[string]*entry
	store    Store
	degraded bool
	entropy  *ulid.MonotonicEntropy

	// storeMu serializes store writes so a Persist snapshot cannot rewrite a
	// record deleted after it was taken.
	storeMu sync.Mutex
	// restored is false until the store's contents have been loaded.
	restored bool
	// tombstones are ids whose store delete is still owed.
	tombstones map[string]struct{}

	maxRetries int
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	onDegraded func(DegradedEvent)
}

// Open restores a queue from store. A nil store, or one that cannot be read,
// yields an empty queue in degraded mode; the only error is ctx's.
func Open(ctx context.Context, store Store, cfg Config) (*Queue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := &Queue{
		ops:        make(map[string]*entry),
		tombstones: make(map[string]struct{}),
		store:      store,
		entropy:    ulid.Monotonic(rand.Reader, 0),
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		onDegraded: cfg.OnDegraded,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.now == nil {
		q.now = time.Now
	}

	if store == nil {
		q.degrade("no durable store", nil)
		return q, nil
	}

	ops, err := store.Load(ctx)
	var corrupt *CorruptRecordsError
	if err != nil && !errors.As(err, &corrupt) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.degrade("restore failed", err)
		return q, nil
	}
	q.merge(ops, corrupt)
	q.logger.Info("queue restored", zap.Int("operations", len(ops)))

	if corrupt != nil {
		q.degrade("corrupt records discarded", corrupt)
		if err := q.Persist(ctx); err != nil {
			q.logger.Warn("discarding corrupt queue records failed", zap.Error(err))
		}
	}
	return q, nil
}

// merge adds loaded operations that are not already queued or removed, and
// marks corrupt records for deletion.
func (q *Queue) merge(ops []Operation, corrupt *CorruptRecordsError) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if corrupt != nil {
		for _, key := range corrupt.Keys {
			q.tombstones[key] = struct{}{}
		}
	}
	added := 0
	for _, op := range ops {
		if _, ok := q.ops[op.ID]; ok {
			continue
		}
		if _, ok := q.tombstones[op.ID]; ok {
			continue
		}
		q.ops[op.ID] = &entry{op: op.clone()}
		added++
	}
	q.restored = true
	return added
}

// degrade records the transition to memory-only mode.
func (q *Queue) degrade(reason string, err error) {
	q.mu.Lock()
	already := q.degraded
	q.degraded = true
	q.mu.Unlock()
	if already {
		return
	}

	q.logger.Warn("queue degraded to memory-only", zap.String("reason", reason), zap.Error(err))
	q.metrics.Degraded()
	if q.onDegraded != nil {
		q.onDegraded(DegradedEvent{Reason: reason, Err: err, At: q.now()})
	}
}

// Degraded reports whether the queue is running without a working store.
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// Enqueue adds an operation and returns its id. The operation is kept even if
// the durable write fails.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, entity string, payload json.RawMessage, priority Priority, origin Origin) (string, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return "", err
	}
	if entity == "" {
		return "", fmt.Errorf("%w: empty entity", ErrInvalidOperation)
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: priority %d", ErrInvalidOperation, int(priority))
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	} else if !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOperation)
	}

	now := q.now()
	q.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("generate operation id: %w", err)
	}
	op := Operation{
		ID:         id.String(),
		Kind:       kind,
		Entity:     entity,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: now.UnixMilli(),
		MaxRetries: q.maxRetries,
		Priority:   priority,
		Origin:     origin,
	}
	q.ops[op.ID] = &entry{op: op}
	q.mu.Unlock()

	q.save(ctx, op)
	q.logger.Debug("operation enqueued",
		zap.String("opID", op.ID),
		zap.String("kind", string(kind)),
		zap.String("entity", entity),
		zap.Stringer("priority", priority))
	return op.ID, nil
}

func (q *Queue) save(ctx context.Context, op Operation) {
	if q.store == nil {
		return
	}
	q.storeMu.Lock()
	defer q.storeMu.Unlock()
	// A concurrent Remove wins.
	q.mu.Lock()
	_, queued := q.ops[op.ID]
	q.mu.Unlock()
	if !queued {
		return
	}
	if err := q.store.Save(ctx, op); err != nil {
		q.degrade("write failed", err)
	}
}

// Remove deletes an operation. Removing an unknown id is not an error. A
// failed store delete is retried by Persist, so a removed operation is never
// restored.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	q.mu.Lock()
	_, ok := q.ops[id]
	delete(q.ops, id)
	// Before the store is loaded it may hold ids memory has never seen.
	owed := q.store != nil && (ok || !q.restored)
	q.mu.Unlock()

	if !owed {
		return nil
	}
	if err := q.store.Delete(ctx, id); err != nil {
		q.mu.Lock()
		q.tombstones[id] = struct{}{}
		q.mu.Unlock()
		q.degrade("delete failed", err)
	}
	return nil
}

// Get returns a copy of an operation.
func (q *Queue) Get(id string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.ops[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.op.clone(), nil
}

// Len returns the number of queued operations, in flight or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// ListPending yields operations that are not in flight, highest priority
// first, then oldest first. Each range takes a fresh snapshot.
func (q *Queue) ListPending() iter.Seq[Operation] {
	return func(yield func(Operation) bool) {
		for _, op := range q.snapshot(func(*entry) bool { return true }) {
			if !yield(op) {
				return
			}
		}
	}
}

func (q *Queue) snapshot(keep func(*entry) bool) []Operation {
	q.mu.Lock()
	ops := make([]Operation, 0, len(q.ops))
	for _, e := range q.ops {
		if !e.inFlight && keep(e) {
			ops = append(ops, e.op.clone())
		}
	}
	q.mu.Unlock()

	slices.SortFunc(ops, func(a, b Operation) int {
		switch {
		case before(a, b):
			return -1
		case before(b, a):
			return 1
		default:
			return 0
		}
	})
	return ops
}

// Claim marks up to limit ready operations in flight and returns them in
// pending order.
func (q *Queue) Claim(now time.Time, limit int) []Operation {
	ready := q.snapshot(func(e *entry) bool { return e.op.Ready(now) })

	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, 0, min(limit, len(ready)))
	for _, op := range ready {
		if len(out) == limit {
			break
		}
		e, ok := q.ops[op.ID]
		if !ok || e.inFlight {
			continue
		}
		e.inFlight = true
		out = append(out, op)
	}
	return out
}

// Reschedule returns an in-flight operation to pending with op's retry state.
func (q *Queue) Reschedule(ctx context.Context, op Operation) error {
	q.mu.Lock()
	e, ok := q.ops[op.ID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, op.ID)
	}
	e.op.RetryCount = op.RetryCount
	e.op.NextAttemptAt = op.NextAttemptAt
	e.op.LastError = op.LastError
	e.inFlight = false
	updated := e.op.clone()
	q.mu.Unlock()

	q.save(ctx, updated)
	return nil
}

// Release returns an in-flight operation to pending unchanged.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.ops[id]; ok {
		e.inFlight = false
	}
}

// Persist brings the store in line with the queue: it loads the store if the
// initial restore failed, replays owed deletes and writes every queued
// operation. Only a fully successful persist leaves degraded mode.
func (q *Queue) Persist(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	q.mu.Lock()
	restored := q.restored
	q.mu.Unlock()
	if !restored {
		loaded, err := q.store.Load(ctx)
		var corrupt *CorruptRecordsError
		if err != nil && !errors.As(err, &corrupt) {
			q.degrade("restore failed", err)
			return fmt.Errorf("restore queue store: %w", err)
		}
		if added := q.merge(loaded, corrupt); added > 0 {
			q.logger.Info("late queue restore", zap.Int("operations", added))
		}
	}

	q.mu.Lock()
	owed := make([]string, 0, len(q.tombstones))
	for id := range q.tombstones {
		owed = append(owed, id)
	}
	q.mu.Unlock()
	for _, id := range owed {
		if err := q.store.Delete(ctx, id); err != nil {
			q.degrade("delete failed", err)
			return fmt.Errorf("delete %s: %w", id, err)
		}
		q.mu.Lock()
		delete(q.tombstones, id)
		q.mu.Unlock()
	}

	q.mu.Lock()
	ops := make([]Operation, 0, len(q.ops))
	for _, e := range q.ops {
		ops = append(ops, e.op.clone())
	}
	q.mu.Unlock()

	for _, op := range ops {
		if err := q.store.Save(ctx, op); err != nil {
			q.degrade("persist failed", err)
			return fmt.Errorf("persist %s: %w", op.ID, err)
		}
	}

	q.mu.Lock()
	recovered := q.degraded
	q.degraded = false
	q.mu.Unlock()
	if recovered {
		q.logger.Info("queue store recovered", zap.Int("operations", len(ops)))
	}
	return nil
}

// Close persists the queue and releases the store.
func (q *Queue) Close(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	perr := q.Persist(ctx)
	if err := q.store.Close(); err != nil {
		return fmt.Errorf("close queue store: %w", err)
	}
	return perr
}
