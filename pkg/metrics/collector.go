package metrics

import "time"

// ComponentSource is the subset of componentrepo.Repo the collector needs.
// Defined here (rather than imported) so this package has no dependency on
// the storage layer; any repo implementation that satisfies this interface
// can be collected from.
type ComponentSource interface {
	CountByType() (map[string]int, error)
	CountVersions() (int, error)
	CountPlugins() (int, error)
}

// QueueSource is the subset of compilationqueue.Queue the collector needs.
type QueueSource interface {
	Depth() int
}

// ShardSource is the subset of shardmanager.Manager the collector needs.
type ShardSource interface {
	IsLeader() bool
	PeerCount() int
	AppliedIndex() uint64
	PodCount() int
	ShardsPerPod() map[string]int
}

// WorkerSource is the subset of workeradmission.Cache the collector needs.
type WorkerSource interface {
	CountByStatus() map[string]int
}

// Collector periodically snapshots repo/queue/shard/worker state into the
// package-level gauges. Any source left nil is skipped, so a process that
// only runs a subset of the four services can still collect what it has.
type Collector struct {
	components ComponentSource
	queue      QueueSource
	shards     ShardSource
	workers    WorkerSource
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector. Pass nil for any source not
// relevant to the process being instrumented.
func NewCollector(components ComponentSource, queue QueueSource, shards ShardSource, workers WorkerSource) *Collector {
	return &Collector{
		components: components,
		queue:      queue,
		shards:     shards,
		workers:    workers,
		interval:   15 * time.Second,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics on a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectComponentMetrics()
	c.collectQueueMetrics()
	c.collectShardMetrics()
	c.collectWorkerMetrics()
}

func (c *Collector) collectComponentMetrics() {
	if c.components == nil {
		return
	}
	if byType, err := c.components.CountByType(); err == nil {
		for typ, count := range byType {
			ComponentsTotal.WithLabelValues(typ).Set(float64(count))
		}
	}
	if versions, err := c.components.CountVersions(); err == nil {
		ComponentVersionsTotal.Set(float64(versions))
	}
	if plugins, err := c.components.CountPlugins(); err == nil {
		PluginsTotal.Set(float64(plugins))
	}
}

func (c *Collector) collectQueueMetrics() {
	if c.queue == nil {
		return
	}
	CompilationQueueDepth.Set(float64(c.queue.Depth()))
}

func (c *Collector) collectShardMetrics() {
	if c.shards == nil {
		return
	}
	if c.shards.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftPeers.Set(float64(c.shards.PeerCount()))
	RaftAppliedIndex.Set(float64(c.shards.AppliedIndex()))
	PodsTotal.Set(float64(c.shards.PodCount()))
	for pod, count := range c.shards.ShardsPerPod() {
		ShardsAssignedTotal.WithLabelValues(pod).Set(float64(count))
	}
}

func (c *Collector) collectWorkerMetrics() {
	if c.workers == nil {
		return
	}
	for status, count := range c.workers.CountByStatus() {
		WorkersActiveTotal.WithLabelValues(status).Set(float64(count))
	}
}
