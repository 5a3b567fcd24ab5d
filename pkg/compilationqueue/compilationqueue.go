// Package compilationqueue runs asynchronous, idempotent, content-addressed
// compilation of component binaries into native artifacts. Enqueue is
// non-blocking and deduplicating: a (component_id, version) pair already
// in-flight or completed is never re-added. The queue is bounded; overflow
// coalesces onto pending tasks instead of growing without limit.
package compilationqueue

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/durable-wasm/pkg/apierr"
	"github.com/cuemby/durable-wasm/pkg/blobstore"
	"github.com/cuemby/durable-wasm/pkg/componentrepo"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/metrics"
	"github.com/cuemby/durable-wasm/pkg/objectstorekeys"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/rs/zerolog"
)

// Engine compiles a component binary into a native artifact. The WASM
// engine itself is an external collaborator; this package only sequences
// around it.
type Engine interface {
	Compile(ctx context.Context, binary []byte) ([]byte, error)
}

// task identifies one (component, version) compile unit.
type task struct {
	componentID string
	version     uint64
	attempt     int
}

func (t task) key() string { return fmt.Sprintf("%s@%d", t.componentID, t.version) }

// Queue is the bounded, deduplicating, per-component single-flight
// compilation queue.
type Queue struct {
	repo    componentrepo.Repo
	blobs   blobstore.Store
	engine  Engine
	retry   types.RetryConfig
	workers int
	logger  zerolog.Logger

	mu        sync.Mutex
	inflight  map[string]bool
	completed map[string]bool

	tasks  chan task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Queue with the given worker-pool size and bounded capacity.
func New(repo componentrepo.Repo, blobs blobstore.Store, engine Engine, workers, capacity int, retry types.RetryConfig) *Queue {
	return &Queue{
		repo:      repo,
		blobs:     blobs,
		engine:    engine,
		retry:     retry,
		workers:   workers,
		logger:    log.WithComponent("compilationqueue"),
		inflight:  make(map[string]bool),
		completed: make(map[string]bool),
		tasks:     make(chan task, capacity),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker()
	}
}

// Stop signals the worker pool to exit and waits for every worker to return.
// Tasks still waiting in the queue are not processed.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}

// Enqueue adds (componentID, version) to the queue. It is a no-op if the
// pair is already in-flight or has already completed successfully. If the
// bounded channel is full, Enqueue still returns at once: the task waits in
// its own goroutine for a free slot and is not counted by Depth, which
// reports the channel length only.
func (q *Queue) Enqueue(componentID string, version uint64) error {
	t := task{componentID: componentID, version: version}
	key := t.key()

	q.mu.Lock()
	if q.inflight[key] || q.completed[key] {
		q.mu.Unlock()
		return nil
	}
	q.inflight[key] = true
	q.mu.Unlock()

	select {
	case q.tasks <- t:
		metrics.CompilationQueueDepth.Set(float64(len(q.tasks)))
	default:
		// Bounded queue is full; the task stays marked in-flight, so later
		// enqueues of the same pair coalesce onto it, and it is handed to
		// the queue once a slot frees up instead of being lost or rejected.
		go func() {
			select {
			case q.tasks <- t:
			case <-q.stopCh:
			}
		}()
	}
	return nil
}

// Depth reports the number of tasks currently queued, satisfying
// metrics.QueueSource.
func (q *Queue) Depth() int { return len(q.tasks) }

func (q *Queue) runWorker() {
	defer q.wg.Done()
	for {
		select {
		case t := <-q.tasks:
			q.process(t)
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) process(t task) {
	key := t.key()
	logger := log.WithComponentID(t.componentID)
	timer := metrics.NewTimer()

	err := q.compile(t)

	q.mu.Lock()
	delete(q.inflight, key)
	if err == nil {
		q.completed[key] = true
	}
	q.mu.Unlock()

	timer.ObserveDuration(metrics.CompilationDuration)
	if err == nil {
		metrics.CompilationsTotal.WithLabelValues("success").Inc()
	} else {
		metrics.CompilationsTotal.WithLabelValues("failure").Inc()
	}

	if err == nil {
		logger.Info().Uint64("version", t.version).Msg("compilation completed")
		return
	}

	if t.attempt+1 >= q.retry.MaxAttempts {
		logger.Error().Err(err).Uint64("version", t.version).Msg("compilation failed permanently")
		return
	}

	next := t
	next.attempt++
	delay := backoff(q.retry, next.attempt)
	logger.Warn().Err(err).Uint64("version", t.version).Dur("retry_in", delay).Msg("compilation failed, retrying")

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case <-time.After(delay):
		case <-q.stopCh:
			return
		}
		q.mu.Lock()
		q.inflight[key] = true
		q.mu.Unlock()
		select {
		case q.tasks <- next:
		case <-q.stopCh:
		}
	}()
}

func (q *Queue) compile(t task) error {
	ctx := context.Background()

	component, err := q.repo.GetByVersion(ownerForCompile(q, t.componentID), t.componentID, t.version)
	if err != nil {
		return err
	}
	if component.ProtectedKey == "" {
		return apierr.NotFound("component %s version %d has no protected binary", t.componentID, t.version)
	}

	binary, err := q.blobs.Get(ctx, component.ProtectedKey)
	if err != nil {
		return fmt.Errorf("download protected binary: %w", err)
	}

	artifact, err := q.engine.Compile(ctx, binary)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	artifactKey := objectstorekeys.Protected(t.componentID, t.version) + ":compiled"
	if err := q.blobs.Put(ctx, artifactKey, bytes.NewReader(artifact)); err != nil {
		return fmt.Errorf("upload compiled artifact: %w", err)
	}

	return nil
}

// ownerForCompile resolves the namespace a component belongs to so the
// queue's repo calls can be made without the enqueuing caller threading an
// Owner value through the channel.
func ownerForCompile(q *Queue, componentID string) types.ComponentOwner {
	ns, err := q.repo.GetNamespace(componentID)
	if err != nil {
		return types.ComponentOwner{}
	}
	account, project := splitNamespace(ns)
	return types.ComponentOwner{AccountIDValue: account, ProjectID: project}
}

func splitNamespace(ns string) (account, project string) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '/' {
			return ns[:i], ns[i+1:]
		}
	}
	return ns, ""
}

func backoff(retry types.RetryConfig, attempt int) time.Duration {
	delay := retry.MinDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * retry.Multiplier)
	}
	if delay > retry.MaxDelay {
		delay = retry.MaxDelay
	}
	return delay
}
