package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Component repo metrics
	ComponentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durable_components_total",
			Help: "Total number of components by type",
		},
		[]string{"type"},
	)

	ComponentVersionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_component_versions_total",
			Help: "Total number of component versions across all components",
		},
	)

	PluginsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_plugins_total",
			Help: "Total number of registered plugins",
		},
	)

	// Compilation queue metrics
	CompilationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_compilation_queue_depth",
			Help: "Number of compilation tasks currently queued",
		},
	)

	CompilationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_compilations_total",
			Help: "Total number of compilation attempts by outcome",
		},
		[]string{"outcome"},
	)

	CompilationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durable_compilation_duration_seconds",
			Help:    "Time taken to compile a component in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Shard manager / Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_shardmanager_raft_is_leader",
			Help: "Whether this shard manager node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_shardmanager_raft_peers_total",
			Help: "Total number of Raft peers in the shard manager cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_shardmanager_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	PodsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_shardmanager_pods_total",
			Help: "Total number of executor pods registered with the shard manager",
		},
	)

	ShardsAssignedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durable_shardmanager_shards_assigned_total",
			Help: "Number of shards currently assigned to each pod",
		},
		[]string{"pod"},
	)

	ShardMovesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_shardmanager_shard_moves_total",
			Help: "Total number of shard reassignments performed during rebalancing",
		},
	)

	AssignmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durable_shardmanager_assignment_duration_seconds",
			Help:    "Time taken to compute and commit a shard assignment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker executor metrics
	WorkersActiveTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durable_workers_active_total",
			Help: "Number of workers currently held in the active-worker cache by status",
		},
		[]string{"status"},
	)

	WorkersEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_workers_evicted_total",
			Help: "Total number of workers evicted from the active-worker cache",
		},
	)

	WorkerInvocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durable_worker_invocation_duration_seconds",
			Help:    "Time taken to run one worker invocation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durable_worker_replay_duration_seconds",
			Help:    "Time taken to replay a worker's oplog on load in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Oplog store metrics
	OplogAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_oplog_appends_total",
			Help: "Total number of oplog entries appended",
		},
	)

	OplogArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_oplog_archived_total",
			Help: "Total number of oplog entries moved from the hot layer to cold archive",
		},
	)

	OplogArchiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "durable_oplog_archive_duration_seconds",
			Help:    "Time taken for one archival sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RDBMS pool metrics
	RdbmsPoolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durable_rdbms_pools_total",
			Help: "Number of live RDBMS connection pools by dialect",
		},
		[]string{"dialect"},
	)

	RdbmsAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durable_rdbms_acquire_duration_seconds",
			Help:    "Time taken to acquire a pooled connection in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dialect"},
	)

	RdbmsBreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_rdbms_breaker_trips_total",
			Help: "Total number of times the RDBMS circuit breaker opened",
		},
		[]string{"dialect"},
	)

	// Plugin pipeline metrics
	PluginApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durable_plugin_apply_duration_seconds",
			Help:    "Time taken to apply one plugin in the transform pipeline in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	PluginBreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_plugin_transformer_breaker_trips_total",
			Help: "Total number of times the component-transformer circuit breaker opened",
		},
	)
)

func init() {
	prometheus.MustRegister(ComponentsTotal)
	prometheus.MustRegister(ComponentVersionsTotal)
	prometheus.MustRegister(PluginsTotal)

	prometheus.MustRegister(CompilationQueueDepth)
	prometheus.MustRegister(CompilationsTotal)
	prometheus.MustRegister(CompilationDuration)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(PodsTotal)
	prometheus.MustRegister(ShardsAssignedTotal)
	prometheus.MustRegister(ShardMovesTotal)
	prometheus.MustRegister(AssignmentDuration)

	prometheus.MustRegister(WorkersActiveTotal)
	prometheus.MustRegister(WorkersEvictedTotal)
	prometheus.MustRegister(WorkerInvocationDuration)
	prometheus.MustRegister(WorkerReplayDuration)

	prometheus.MustRegister(OplogAppendsTotal)
	prometheus.MustRegister(OplogArchivedTotal)
	prometheus.MustRegister(OplogArchiveDuration)

	prometheus.MustRegister(RdbmsPoolsTotal)
	prometheus.MustRegister(RdbmsAcquireDuration)
	prometheus.MustRegister(RdbmsBreakerTrips)

	prometheus.MustRegister(PluginApplyDuration)
	prometheus.MustRegister(PluginBreakerTrips)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
