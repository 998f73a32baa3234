// Package syncengine drains the offline queue to the server with retry,
// exponential backoff and conflict resolution.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/metrics"
	"github.com/dgnsrekt/courier-realtime/internal/queue"
)

// Defaults for zero Config fields.
const (
	DefaultBatchSize = 10
	DefaultBaseDelay = time.Second
	DefaultInterval  = 30 * time.Second
)

// maxBackoffShift keeps the backoff multiplication from overflowing.
const maxBackoffShift = 30

// Queue is the part of the offline queue the engine drives.
type Queue interface {
	Claim(now time.Time, limit int) []queue.Operation
	Reschedule(ctx context.Context, op queue.Operation) error
	Release(id string)
	Remove(ctx context.Context, id string) error
}

// EventKind identifies an engine event.
type EventKind int

const (
	EventSucceeded EventKind = iota
	EventRetrying
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventSucceeded:
		return "succeeded"
	case EventRetrying:
		return "retrying"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports what happened to one operation.
type Event struct {
	Kind EventKind
	Op   queue.Operation
	// Data is the server's value on success, including a conflict the server won.
	Data json.RawMessage
	// Resolved is set when a conflict was resolved on the way to success.
	Resolved    bool
	Err         error
	NextAttempt time.Time
}

// Notifier is told about operations that failed for good.
type Notifier interface {
	NotifyFailure(ctx context.Context, op queue.Operation, err error) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, op queue.Operation, err error) error

func (f NotifierFunc) NotifyFailure(ctx context.Context, op queue.Operation, err error) error {
	return f(ctx, op, err)
}

// Config configures an Engine.
type Config struct {
	BatchSize int
	// Concurrency bounds in-flight requests within a batch; defaults to BatchSize.
	Concurrency int
	BaseDelay   time.Duration
	// Interval is the period of background drains in Run.
	Interval time.Duration
	Policy   Policy
	// Online is the initial connectivity state.
	Online bool

	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier
	// OnEvent is called from the drain's worker goroutines, possibly
	// concurrently, and must be safe for concurrent use.
	OnEvent func(Event)
	Now     func() time.Time
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Attempted int
	Succeeded int
	Retried   int
	Failed    int
	Released  int
	Conflicts int
	Duration  time.Duration
}

type disposition int

const (
	dispSucceeded disposition = iota
	dispRetried
	dispFailed
	dispReleased
)

// Engine drains a Queue through a Transport. Only one drain runs at a time.
type Engine struct {
	queue     Queue
	transport Transport
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	drainMu sync.Mutex

	mu          sync.Mutex
	online      bool
	cancelDrain context.CancelFunc

	wake chan struct{}
}

// New creates an engine.
func New(q Queue, t Transport, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.BatchSize
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyServerWins
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		queue:     q,
		transport: t,
		cfg:       cfg,
		logger:    logger,
		now:       now,
		online:    cfg.Online,
		wake:      make(chan struct{}, 1),
	}
}

// Backoff returns the delay before the retry-th retry: base * 2^(retry-1).
func Backoff(base time.Duration, retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	shift := retry - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << shift
}

// Online reports the current connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline updates connectivity. Going offline cancels a running drain;
// coming online wakes Run to drain immediately.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	if !online && e.cancelDrain != nil {
		e.cancelDrain()
	}
	e.mu.Unlock()

	if was == online {
		return
	}
	e.logger.Info("connectivity changed", zap.Bool("online", online))
	if online {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// Run drains on every interval tick and whenever the engine comes online,
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.tryDrain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tryDrain(ctx)
		case <-e.wake:
			e.tryDrain(ctx)
		}
	}
}

func (e *Engine) tryDrain(ctx context.Context) {
	res, err := e.Drain(ctx)
	switch {
	case errors.Is(err, ErrOffline), errors.Is(err, ErrDrainInProgress):
		return
	case err != nil:
		e.logger.Warn("drain failed", zap.Error(err))
	case res.Attempted > 0:
		e.logger.Info("drain complete",
			zap.Int("attempted", res.Attempted),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
			zap.Int("released", res.Released),
			zap.Duration("duration", res.Duration))
	}
}

// Drain delivers every ready operation, batch by batch, until none is ready,
// the engine goes offline, or ctx is cancelled.
func (e *Engine) Drain(ctx context.Context) (res DrainResult, err error) {
	if !e.drainMu.TryLock() {
		return res, ErrDrainInProgress
	}
	defer e.drainMu.Unlock()

	drainCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if !e.online {
		e.mu.Unlock()
		return res, ErrOffline
	}
	e.cancelDrain = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancelDrain = nil
		e.mu.Unlock()
	}()

	start := e.now()
	defer func() {
		res.Duration = e.now().Sub(start)
		e.cfg.Metrics.ObserveDrain(res.Duration.Seconds())
	}()

	for drainCtx.Err() == nil {
		batch := e.queue.Claim(e.now(), e.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}
		e.runBatch(drainCtx, batch, &res)
	}

	return res, ctx.Err()
}

// runBatch attempts every operation in batch concurrently. A panic while
// handling one operation only affects that operation.
func (e *Engine) runBatch(ctx context.Context, batch []queue.Operation, res *DrainResult) {
	disps := make([]disposition, len(batch))
	conflicts := make([]bool, len(batch))

	p := pool.New().WithMaxGoroutines(e.cfg.Concurrency)
	for i, op := range batch {
		p.Go(func() {
			var pc panics.Catcher
			pc.Try(func() { disps[i], conflicts[i] = e.process(ctx, op) })
			if r := pc.Recovered(); r != nil {
				e.logger.Error("operation handler panicked",
					zap.String("opID", op.ID),
					zap.String("panic", fmt.Sprint(r.Value)))
				disps[i] = e.retry(ctx, op, Retryable(r.AsError()).Err)
			}
		})
	}
	p.Wait()

	res.Attempted += len(batch)
	for i, d := range disps {
		switch d {
		case dispSucceeded:
			res.Succeeded++
		case dispRetried:
			res.Retried++
		case dispFailed:
			res.Failed++
		case dispReleased:
			res.Released++
		}
		if conflicts[i] {
			res.Conflicts++
		}
	}
}

// process runs one operation to its next state. It reports whether a
// conflict was encountered.
func (e *Engine) process(ctx context.Context, op queue.Operation) (disposition, bool) {
	out := e.transport.Send(ctx, op, false)
	if interrupted(ctx, out) {
		return e.release(op), false
	}
	if out.Kind != OutcomeConflict {
		return e.settle(ctx, op, out, false), false
	}

	e.cfg.Metrics.SyncOutcome("conflict")
	resolution := Resolve(e.cfg.Policy, op, out.ServerUpdatedAt)
	e.logger.Debug("conflict resolved",
		zap.String("opID", op.ID),
		zap.String("policy", string(e.cfg.Policy)),
		zap.Stringer("winner", resolution))
	if resolution == KeepServer {
		return e.succeed(ctx, op, out.Data, true), true
	}

	out = e.transport.Send(ctx, op, true)
	if interrupted(ctx, out) {
		return e.release(op), true
	}
	if out.Kind == OutcomeConflict {
		return e.retry(ctx, op, fmt.Errorf("%w: %w: forced write rejected", ErrRetryable, ErrConflict)), true
	}
	return e.settle(ctx, op, out, true), true
}

func (e *Engine) settle(ctx context.Context, op queue.Operation, out Outcome, resolved bool) disposition {
	switch out.Kind {
	case OutcomeSuccess:
		return e.succeed(ctx, op, out.Data, resolved)
	case OutcomePermanent:
		return e.fail(ctx, op, out.Err)
	default:
		return e.retry(ctx, op, out.Err)
	}
}

// interrupted reports whether an attempt failed only because the drain was
// cancelled. Definite answers from the server are still applied.
func interrupted(ctx context.Context, out Outcome) bool {
	return ctx.Err() != nil && out.Kind == OutcomeRetryable
}

// release returns an operation interrupted by going offline. No retry is counted.
func (e *Engine) release(op queue.Operation) disposition {
	e.queue.Release(op.ID)
	e.cfg.Metrics.SyncOutcome("released")
	e.logger.Debug("operation released", zap.String("opID", op.ID))
	return dispReleased
}

func (e *Engine) succeed(ctx context.Context, op queue.Operation, data json.RawMessage, resolved bool) disposition {
	if err := e.queue.Remove(context.WithoutCancel(ctx), op.ID); err != nil {
		e.logger.Warn("remove synced operation", zap.String("opID", op.ID), zap.Error(err))
	}
	e.cfg.Metrics.SyncOutcome("succeeded")
	e.logger.Debug("operation synced", zap.String("opID", op.ID), zap.Bool("conflictResolved", resolved))
	e.emit(Event{Kind: EventSucceeded, Op: op, Data: data, Resolved: resolved})
	return dispSucceeded
}

func (e *Engine) fail(ctx context.Context, op queue.Operation, cause error) disposition {
	ctx = context.WithoutCancel(ctx)
	if err := e.queue.Remove(ctx, op.ID); err != nil {
		e.logger.Warn("remove failed operation", zap.String("opID", op.ID), zap.Error(err))
	}
	e.cfg.Metrics.SyncOutcome("failed")
	e.logger.Warn("operation failed permanently",
		zap.String("opID", op.ID),
		zap.String("entity", op.Entity),
		zap.Int("retries", op.RetryCount),
		zap.Error(cause))
	e.emit(Event{Kind: EventFailed, Op: op, Err: cause})

	if e.cfg.Notifier != nil {
		if err := e.cfg.Notifier.NotifyFailure(ctx, op, cause); err != nil {
			e.logger.Warn("failure notification not sent", zap.String("opID", op.ID), zap.Error(err))
		}
	}
	return dispFailed
}

func (e *Engine) retry(ctx context.Context, op queue.Operation, cause error) disposition {
	op.RetryCount++
	if cause != nil {
		op.LastError = cause.Error()
	}
	if op.RetryCount >= op.MaxRetries {
		return e.fail(ctx, op, fmt.Errorf("%w: retries exhausted after %d attempts: %w", ErrPermanent, op.RetryCount, cause))
	}

	next := e.now().Add(Backoff(e.cfg.BaseDelay, op.RetryCount))
	op.NextAttemptAt = next.UnixMilli()
	if err := e.queue.Reschedule(context.WithoutCancel(ctx), op); err != nil {
		e.logger.Warn("reschedule operation", zap.String("opID", op.ID), zap.Error(err))
	}
	e.cfg.Metrics.SyncOutcome("retrying")
	e.logger.Debug("operation rescheduled",
		zap.String("opID", op.ID),
		zap.Int("retry", op.RetryCount),
		zap.Time("nextAttempt", next),
		zap.Error(cause))
	e.emit(Event{Kind: EventRetrying, Op: op, Err: cause, NextAttempt: next})
	return dispRetried
}

func (e *Engine) emit(ev Event) {
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(ev)
	}
}
