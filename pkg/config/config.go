// Package config loads the single YAML configuration file shared by the
// component service, compilation queue, shard manager, and worker executor
// binaries. Each process loads the whole file and reads only the sections
// it needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceMode selects between an in-process implementation and a networked
// one for a dependency a binary can either host locally or call remotely.
type ServiceMode string

const (
	ModeGrpc        ServiceMode = "grpc"
	ModeSingleShard ServiceMode = "single_shard"
	ModeLocal       ServiceMode = "local"
	ModeDisabled    ServiceMode = "disabled"
	ModeEnabled     ServiceMode = "enabled"
)

// KeyValueStorage configures the indexed-KV backend shared by the
// component repo and the oplog hot layer.
type KeyValueStorage struct {
	Driver string `yaml:"driver"` // "bbolt" is the only driver today
	Path   string `yaml:"path"`
}

// BlobStorage configures the content-addressed blob backend.
type BlobStorage struct {
	Driver string `yaml:"driver"` // "bbolt" or "s3"
	Path   string `yaml:"path"`   // bbolt driver only

	// S3 driver fields.
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Limits bounds the resources a single worker executor process will commit
// to concurrent invocation handling.
type Limits struct {
	MaxActiveWorkers                  int `yaml:"max_active_workers"`
	InvocationResultBroadcastCapacity int `yaml:"invocation_result_broadcast_capacity"`
	MaxConcurrentStreams              int `yaml:"max_concurrent_streams"`
	FuelToBorrow                      int `yaml:"fuel_to_borrow"`
	EpochInterval                     time.Duration `yaml:"epoch_interval"`
	EpochTicks                        int `yaml:"epoch_ticks"`
	MaxOplogQueryPageSize             int `yaml:"max_oplog_query_pages_size"`
}

// OplogConfig configures the layered oplog store.
type OplogConfig struct {
	MaxOperationsBeforeCommit int           `yaml:"max_operations_before_commit"`
	MaxPayloadSize            int           `yaml:"max_payload_size"`
	IndexedStorageLayers      int           `yaml:"indexed_storage_layers"`
	BlobStorageLayers         int           `yaml:"blob_storage_layers"`
	EntryCountLimit           int           `yaml:"entry_count_limit"`
	ArchiveInterval           time.Duration `yaml:"archive_interval"`
}

// SuspendConfig configures idle-worker suspension.
type SuspendConfig struct {
	SuspendAfter time.Duration `yaml:"suspend_after"`
}

// SchedulerConfig configures the compilation queue's dispatch loop.
type SchedulerConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ActiveWorkersConfig configures the worker-admission cache.
type ActiveWorkersConfig struct {
	DropWhenFull string        `yaml:"drop_when_full"` // "oldest" or "reject"
	TTL          time.Duration `yaml:"ttl"`
}

// RetryConfig mirrors types.RetryConfig in YAML-tagged form.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter"`
}

// MemoryConfig configures the worker-admission memory budget.
type MemoryConfig struct {
	SystemMemoryOverride     int64       `yaml:"system_memory_override"`
	WorkerMemoryRatio        float64     `yaml:"worker_memory_ratio"`
	WorkerEstimateCoefficient float64    `yaml:"worker_estimate_coefficient"`
	AcquireRetryDelay        time.Duration `yaml:"acquire_retry_delay"`
	OomRetryConfig           RetryConfig `yaml:"oom_retry_config"`
}

// RdbmsPoolConfig bounds one RDBMS dialect's connection pool.
type RdbmsPoolConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	EvictionTTL    time.Duration `yaml:"eviction_ttl"`
	EvictionPeriod time.Duration `yaml:"eviction_period"`
}

// RdbmsQueryConfig bounds a single query's batching behavior.
type RdbmsQueryConfig struct {
	QueryBatch int `yaml:"query_batch"`
}

// RdbmsConfig configures the shared RDBMS pool.
type RdbmsConfig struct {
	Pool  RdbmsPoolConfig  `yaml:"pool"`
	Query RdbmsQueryConfig `yaml:"query"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	KeyValueStorage KeyValueStorage `yaml:"key_value_storage"`
	IndexedStorage  KeyValueStorage `yaml:"indexed_storage"`
	BlobStorage     BlobStorage     `yaml:"blob_storage"`

	Limits Limits `yaml:"limits"`

	CompiledComponentService ServiceMode `yaml:"compiled_component_service"`
	ShardManagerService      ServiceMode `yaml:"shard_manager_service"`
	PluginService            ServiceMode `yaml:"plugin_service"`

	Oplog   OplogConfig   `yaml:"oplog"`
	Suspend SuspendConfig `yaml:"suspend"`

	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	ActiveWorkers ActiveWorkersConfig `yaml:"active_workers"`
	Memory        MemoryConfig        `yaml:"memory"`
	Rdbms         RdbmsConfig         `yaml:"rdbms"`

	GrpcAddress string `yaml:"grpc_address"`
	Port        int    `yaml:"port"`
	HTTPAddress string `yaml:"http_address"`
	HTTPPort    int    `yaml:"http_port"`
}

// Default returns the configuration used when no file is supplied, sized
// the way a single-node development deployment would run.
func Default() Config {
	return Config{
		KeyValueStorage: KeyValueStorage{Driver: "bbolt", Path: "data/components.db"},
		IndexedStorage:  KeyValueStorage{Driver: "bbolt", Path: "data/oplog.db"},
		BlobStorage:     BlobStorage{Driver: "bbolt", Path: "data/blobs.db"},
		Limits: Limits{
			MaxActiveWorkers:                  1024,
			InvocationResultBroadcastCapacity: 1024,
			MaxConcurrentStreams:              128,
			FuelToBorrow:                      10_000_000,
			EpochInterval:                     10 * time.Millisecond,
			EpochTicks:                        1,
			MaxOplogQueryPageSize:             100,
		},
		CompiledComponentService: ModeEnabled,
		ShardManagerService:      ModeSingleShard,
		PluginService:            ModeLocal,
		Oplog: OplogConfig{
			MaxOperationsBeforeCommit: 1,
			MaxPayloadSize:            64 * 1024,
			IndexedStorageLayers:      1,
			BlobStorageLayers:         1,
			EntryCountLimit:           100_000,
			ArchiveInterval:           time.Hour,
		},
		Suspend: SuspendConfig{SuspendAfter: 10 * time.Minute},
		Scheduler: SchedulerConfig{RefreshInterval: time.Second},
		ActiveWorkers: ActiveWorkersConfig{
			DropWhenFull: "oldest",
			TTL:          5 * time.Minute,
		},
		Memory: MemoryConfig{
			WorkerMemoryRatio:        0.8,
			WorkerEstimateCoefficient: 1.1,
			AcquireRetryDelay:        100 * time.Millisecond,
			OomRetryConfig: RetryConfig{
				MaxAttempts: 5,
				MinDelay:    100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
				Multiplier:  2.0,
				Jitter:      true,
			},
		},
		Rdbms: RdbmsConfig{
			Pool:  RdbmsPoolConfig{MaxConnections: 10, EvictionTTL: 10 * time.Minute, EvictionPeriod: time.Minute},
			Query: RdbmsQueryConfig{QueryBatch: 100},
		},
		GrpcAddress: "0.0.0.0",
		Port:        9090,
		HTTPAddress: "0.0.0.0",
		HTTPPort:    9091,
	}
}

// Load reads and parses the YAML config file at path, starting from
// Default() so a partial file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}
