// Package workeradmission bounds the set of workers a process holds live in
// memory. Admission is governed by a total-memory budget rather than a raw
// worker count: each worker reports an estimated working set, and the cache
// refuses new admissions once the budget is exhausted, retrying with backoff
// or evicting according to the configured policy.
package workeradmission

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/durable-wasm/pkg/apierr"
	"github.com/cuemby/durable-wasm/pkg/config"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/metrics"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"
)

// Estimator reports a worker's current working-set size in bytes. The
// executor supplies the real implementation; it is whatever the worker's
// linear memory plus host-side bookkeeping currently occupies.
type Estimator interface {
	EstimateBytes(worker types.WorkerId) uint64
}

type entry struct {
	worker     types.WorkerId
	status     types.WorkerStatus
	bytes      uint64
	lastTouch  time.Time
}

// Cache is the active-worker admission cache. One Cache is shared by all
// workers hosted by a single worker-executor process.
type Cache struct {
	mu         sync.Mutex
	entries    map[types.WorkerId]*entry
	budget     uint64
	estimator  Estimator
	cfg        config.MemoryConfig
	dropPolicy string
	ttl        time.Duration
	logger     zerolog.Logger
}

// New builds a Cache sized to systemBytes × MemoryConfig.WorkerMemoryRatio.
// Pass 0 for systemBytes to detect it via the host's reported total memory.
func New(systemBytes uint64, memCfg config.MemoryConfig, activeCfg config.ActiveWorkersConfig, estimator Estimator) *Cache {
	if systemBytes == 0 {
		systemBytes = memory.TotalMemory()
	}
	if memCfg.SystemMemoryOverride > 0 {
		systemBytes = uint64(memCfg.SystemMemoryOverride)
	}
	ratio := memCfg.WorkerMemoryRatio
	if ratio <= 0 {
		ratio = 1
	}
	dropPolicy := activeCfg.DropWhenFull
	if dropPolicy == "" {
		dropPolicy = "oldest"
	}
	return &Cache{
		entries:    make(map[types.WorkerId]*entry),
		budget:     uint64(float64(systemBytes) * ratio),
		estimator:  estimator,
		cfg:        memCfg,
		dropPolicy: dropPolicy,
		ttl:        activeCfg.TTL,
		logger:     log.WithComponent("workeradmission"),
	}
}

// Acquire admits worker into the cache, evicting or retrying as needed to
// stay within budget. Returns apierr.LimitExceeded if the policy is "reject"
// and no room can be freed, or if retries are exhausted under "oldest".
func (c *Cache) Acquire(ctx context.Context, worker types.WorkerId) error {
	estimate := uint64(float64(c.estimator.EstimateBytes(worker)) * c.coefficient())

	delay := c.cfg.AcquireRetryDelay
	retry := c.cfg.OomRetryConfig
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}

	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if c.tryAdmit(worker, estimate) {
			return nil
		}
		if c.dropPolicy == "reject" {
			return apierr.LimitExceeded("active worker cache is full")
		}
		for c.evictOldest() {
			if c.tryAdmit(worker, estimate) {
				return nil
			}
		}
		if attempt+1 >= retry.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = nextDelay(delay, retry)
	}
	return apierr.LimitExceeded("no room for worker %s/%s after %d attempts", worker.ComponentID, worker.WorkerName, retry.MaxAttempts)
}

func (c *Cache) coefficient() float64 {
	if c.cfg.WorkerEstimateCoefficient <= 0 {
		return 1
	}
	return c.cfg.WorkerEstimateCoefficient
}

func (c *Cache) tryAdmit(worker types.WorkerId, estimate uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[worker]; ok {
		e.lastTouch = time.Now()
		return true
	}

	if c.usedLocked()+estimate > c.budget {
		return false
	}
	c.entries[worker] = &entry{worker: worker, status: types.WorkerLoading, bytes: estimate, lastTouch: time.Now()}
	metrics.WorkersActiveTotal.WithLabelValues(string(types.WorkerLoading)).Inc()
	return true
}

func (c *Cache) usedLocked() uint64 {
	var used uint64
	for _, e := range c.entries {
		used += e.bytes
	}
	return used
}

// evictOldest drops the least-recently-touched worker to make room for a
// pending admission. Reports whether anything was evicted.
func (c *Cache) evictOldest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var oldest *entry
	for _, e := range c.entries {
		if oldest == nil || e.lastTouch.Before(oldest.lastTouch) {
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	delete(c.entries, oldest.worker)
	metrics.WorkersActiveTotal.WithLabelValues(string(oldest.status)).Dec()
	metrics.WorkersEvictedTotal.Inc()
	c.logger.Debug().Str("component_id", oldest.worker.ComponentID).Str("worker_name", oldest.worker.WorkerName).Msg("evicted worker to admit a new one")
	return true
}

// Release removes worker from the cache unconditionally, e.g. on explicit
// delete or terminal exit.
func (c *Cache) Release(worker types.WorkerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[worker]
	if !ok {
		return
	}
	delete(c.entries, worker)
	metrics.WorkersActiveTotal.WithLabelValues(string(e.status)).Dec()
}

// Touch updates a worker's status and resets its idle clock, keeping it safe
// from both TTL sweep and LRU eviction while active.
func (c *Cache) Touch(worker types.WorkerId, status types.WorkerStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[worker]
	if !ok {
		return
	}
	if e.status != status {
		metrics.WorkersActiveTotal.WithLabelValues(string(e.status)).Dec()
		metrics.WorkersActiveTotal.WithLabelValues(string(status)).Inc()
		e.status = status
	}
	e.lastTouch = time.Now()
}

// SweepIdle returns every Running worker untouched for longer than the
// configured TTL. It does not change their status or remove them; the
// caller drives each one through its own suspend path.
func (c *Cache) SweepIdle() []types.WorkerId {
	if c.ttl <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	var idle []types.WorkerId
	for _, e := range c.entries {
		if e.status == types.WorkerRunning && e.lastTouch.Before(cutoff) {
			idle = append(idle, e.worker)
		}
	}
	return idle
}

// CountByStatus satisfies metrics.WorkerSource.
func (c *Cache) CountByStatus() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range c.entries {
		counts[string(e.status)]++
	}
	return counts
}

// Len reports the number of workers currently admitted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func nextDelay(current time.Duration, retry config.RetryConfig) time.Duration {
	next := time.Duration(float64(current) * retry.Multiplier)
	if retry.MaxDelay > 0 && next > retry.MaxDelay {
		next = retry.MaxDelay
	}
	if next <= 0 {
		next = current
	}
	return next
}
