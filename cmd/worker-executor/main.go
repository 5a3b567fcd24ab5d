// Command worker-executor runs the durable worker runtime core: per-worker
// lifecycle state machines (pkg/workerexecutor), their oplog
// (pkg/oplogstore), host-call mediation (pkg/durablectx), memory admission
// (pkg/workeradmission), and shared RDBMS pooling (pkg/rdbmspool) —
// spec.md §4.4, §4.6, §4.7. The actual guest invocation path (loading a
// WASM module and calling into it) belongs to the wire transport this
// repository excludes; this binary wires and serves everything around it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/durable-wasm/pkg/blobstore"
	"github.com/cuemby/durable-wasm/pkg/config"
	"github.com/cuemby/durable-wasm/pkg/durablectx"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/metrics"
	"github.com/cuemby/durable-wasm/pkg/oplogstore"
	"github.com/cuemby/durable-wasm/pkg/rdbmspool"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/cuemby/durable-wasm/pkg/workeradmission"
	"github.com/cuemby/durable-wasm/pkg/workerexecutor"
)

// registry owns the live Executor for every worker this process is
// currently hosting, keyed the same way workeradmission.Cache keys its
// entries.
type registry struct {
	mu        sync.Mutex
	executors map[types.WorkerId]*workerexecutor.Executor
	oplog     *oplogstore.Store
	admission *workeradmission.Cache
	cfg       config.Config
}

func newRegistry(cfg config.Config, oplog *oplogstore.Store, admission *workeradmission.Cache) *registry {
	return &registry{
		executors: make(map[types.WorkerId]*workerexecutor.Executor),
		oplog:     oplog,
		admission: admission,
		cfg:       cfg,
	}
}

// acquire loads (or returns the already-loaded) Executor for worker,
// replaying its recorded oplog before handing it back.
func (r *registry) acquire(ctx context.Context, worker types.WorkerId) (*workerexecutor.Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if exec, ok := r.executors[worker]; ok {
		r.admission.Touch(worker, exec.Status())
		return exec, nil
	}

	if err := r.admission.Acquire(ctx, worker); err != nil {
		return nil, err
	}

	entries, err := r.oplog.Entries(ctx, worker)
	if err != nil {
		return nil, err
	}

	exec := workerexecutor.New(worker, r.cfg.Oplog.MaxOperationsBeforeCommit, r.cfg.Suspend.SuspendAfter)
	if err := exec.BeginReplay(r.oplog, entries); err != nil {
		return nil, err
	}
	r.executors[worker] = exec
	r.admission.Touch(worker, exec.Status())
	return exec, nil
}

func (r *registry) release(worker types.WorkerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, worker)
	r.admission.Release(worker)
}

// sweepIdle suspends workers idle past suspend_after and evicts any the
// admission cache has dropped underneath the registry.
func (r *registry) sweepIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for worker, exec := range r.executors {
		if exec.SuspendIfIdle(now) {
			r.admission.Touch(worker, exec.Status())
		}
	}
	for _, worker := range r.admission.SweepIdle() {
		if exec, ok := r.executors[worker]; ok {
			exec.RequestInterrupt(types.InterruptSuspend)
		}
	}
}

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("worker-executor")

	cold, err := openBlobStore(cfg.BlobStorage)
	if err != nil {
		logger.Fatal().Err(err).Msg("open cold blob store for oplog archiver")
	}
	defer cold.Close()

	oplog, err := oplogstore.NewBoltStore(cfg.IndexedStorage.Path, cold, cfg.Oplog.ArchiveInterval)
	if err != nil {
		logger.Fatal().Err(err).Msg("open oplog store")
	}
	defer oplog.Close()
	oplog.Start()

	admission := workeradmission.New(0, cfg.Memory, cfg.ActiveWorkers, constantEstimator(64*1024*1024))

	rdbms := rdbmspool.NewManager(cfg.Rdbms.Query.QueryBatch, cfg.Rdbms.Pool.EvictionTTL, cfg.Rdbms.Pool.EvictionPeriod)
	rdbms.Start()
	defer rdbms.Stop()

	reg := newRegistry(cfg, oplog, admission)

	idleTicker := time.NewTicker(30 * time.Second)
	defer idleTicker.Stop()
	idleStop := make(chan struct{})
	go func() {
		for {
			select {
			case <-idleTicker.C:
				reg.sweepIdle(time.Now())
			case <-idleStop:
				return
			}
		}
	}()

	collector := metrics.NewCollector(nil, nil, nil, admission)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	addr := fmt.Sprintf("%s:%d", cfg.HTTPAddress, cfg.HTTPPort)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()
	logger.Info().Str("addr", addr).Msg("worker executor listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	close(idleStop)
	server.Shutdown(context.Background())
}

func openBlobStore(cfg config.BlobStorage) (blobstore.Store, error) {
	if cfg.Driver == "s3" {
		return blobstore.NewS3Store(context.Background(), blobstore.S3Config{
			Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint,
		})
	}
	return blobstore.NewBoltStore(cfg.Path)
}

// constantEstimator is a placeholder for the real per-component memory
// estimate, which requires inspecting a compiled module's memory maximum —
// out of scope without a WASM runtime in this repository.
type constantEstimator uint64

func (c constantEstimator) EstimateBytes(worker types.WorkerId) uint64 { return uint64(c) }

var _ durablectx.OplogAppender = (*oplogstore.Store)(nil)
