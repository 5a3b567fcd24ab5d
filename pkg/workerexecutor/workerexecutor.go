// Package workerexecutor drives one worker instance through its lifecycle:
// Loading, Replaying, Running, Suspended, Terminated. It owns the
// single-threaded invocation guarantee (at most one invocation runs at a
// time) and the commit-threshold/idle-suspend/interrupt policies around a
// durablectx.Ctx; the actual guest call and host-function bodies are
// supplied by the caller.
package workerexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/durable-wasm/pkg/apierr"
	"github.com/cuemby/durable-wasm/pkg/durablectx"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/metrics"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/rs/zerolog"
)

// InterruptError is returned from Invoke when a pending interrupt is
// delivered at a suspension point; the guest cannot catch it.
type InterruptError struct {
	Kind types.InterruptKind
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("workerexecutor: worker interrupted (%s)", e.Kind)
}

// Executor is one worker's lifecycle state machine.
type Executor struct {
	worker          types.WorkerId
	commitThreshold int
	suspendAfter    time.Duration
	logger          zerolog.Logger

	mu             sync.Mutex
	status         types.WorkerStatus
	dctx           *durablectx.Ctx
	opsSinceCommit int
	lastActivity   time.Time
	pending        *types.InterruptKind
}

// New constructs an Executor in the Loading state. Call BeginReplay once the
// worker's oplog has been read to move it into Replaying or Running.
func New(worker types.WorkerId, commitThreshold int, suspendAfter time.Duration) *Executor {
	return &Executor{
		worker:          worker,
		commitThreshold: commitThreshold,
		suspendAfter:    suspendAfter,
		logger:          log.WithWorkerID(worker.ComponentID, worker.WorkerName),
		status:          types.WorkerLoading,
		lastActivity:    time.Now(),
	}
}

// BeginReplay transitions a Loading worker into Replaying, or directly into
// Running when entries is empty (nothing to reproduce).
func (e *Executor) BeginReplay(appender durablectx.OplogAppender, entries []types.OplogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != types.WorkerLoading {
		return fmt.Errorf("workerexecutor: cannot begin replay from status %s", e.status)
	}
	if len(entries) == 0 {
		e.dctx = durablectx.NewLive(e.worker, appender)
		e.status = types.WorkerRunning
		return nil
	}
	e.dctx = durablectx.NewReplay(e.worker, appender, entries)
	e.status = types.WorkerReplaying
	return nil
}

// Status returns the worker's current lifecycle state.
func (e *Executor) Status() types.WorkerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Ctx returns the Ctx host functions should mediate calls through. Valid
// once BeginReplay has run.
func (e *Executor) Ctx() *durablectx.Ctx {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dctx
}

// Invoke runs one guest invocation. Holding the Executor's lock for the
// duration of fn is what enforces the single-threaded, at-most-one-
// invocation-at-a-time guarantee: a concurrent caller blocks here rather
// than racing the guest.
func (e *Executor) Invoke(ctx context.Context, fn func(ctx context.Context, dctx *durablectx.Ctx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == types.WorkerTerminated {
		return apierr.NotFound("worker %s/%s is terminated", e.worker.ComponentID, e.worker.WorkerName)
	}
	if e.status == types.WorkerSuspended {
		return fmt.Errorf("workerexecutor: worker %s/%s is suspended, reload before invoking", e.worker.ComponentID, e.worker.WorkerName)
	}
	if err := e.deliverPendingInterruptLocked(); err != nil {
		return err
	}

	wasReplaying := e.status == types.WorkerReplaying
	e.lastActivity = time.Now()

	timer := metrics.NewTimer()
	err := fn(ctx, e.dctx)
	if wasReplaying {
		timer.ObserveDuration(metrics.WorkerReplayDuration)
	} else {
		timer.ObserveDuration(metrics.WorkerInvocationDuration)
	}
	if err != nil {
		return err
	}

	if e.status == types.WorkerReplaying && e.dctx.Exhausted() {
		e.dctx.PromoteToLive()
		e.status = types.WorkerRunning
	}
	if e.status == types.WorkerRunning {
		e.opsSinceCommit++
	}

	return e.deliverPendingInterruptLocked()
}

// CommitDue reports whether the operation count since the last commit has
// reached max_operations_before_commit, resetting the counter if so.
func (e *Executor) CommitDue() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.commitThreshold <= 0 || e.opsSinceCommit < e.commitThreshold {
		return false
	}
	e.opsSinceCommit = 0
	return true
}

// RequestInterrupt marks kind pending; it is delivered the next time Invoke
// reaches a suspension point rather than interrupting the guest mid-call.
func (e *Executor) RequestInterrupt(kind types.InterruptKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := kind
	e.pending = &k
}

func (e *Executor) deliverPendingInterruptLocked() error {
	if e.pending == nil {
		return nil
	}
	kind := *e.pending
	e.pending = nil
	switch kind {
	case types.InterruptSuspend:
		e.status = types.WorkerSuspended
	default:
		e.status = types.WorkerTerminated
	}
	e.logger.Info().Str("interrupt", string(kind)).Str("status", string(e.status)).Msg("delivered pending interrupt")
	return &InterruptError{Kind: kind}
}

// SuspendIfIdle suspends the worker when it has been Running longer than
// suspendAfter without activity, returning whether it suspended.
func (e *Executor) SuspendIfIdle(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != types.WorkerRunning {
		return false
	}
	if e.suspendAfter <= 0 || now.Sub(e.lastActivity) < e.suspendAfter {
		return false
	}
	e.status = types.WorkerSuspended
	return true
}

// Terminate unconditionally moves the worker to Terminated, e.g. on
// explicit delete.
func (e *Executor) Terminate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = types.WorkerTerminated
	e.logger.Info().Msg("worker terminated")
}
