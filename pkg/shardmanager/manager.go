package shardmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/durable-wasm/pkg/apierr"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/metrics"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// HealthProber checks whether a pod is still reachable. The executor-to-
// executor RPC itself is out of scope; only the retry/eviction policy
// around it lives here.
type HealthProber interface {
	Probe(ctx context.Context, pod types.Pod) error
}

// Config configures a Manager's local raft node.
type Config struct {
	NodeID     string
	BindAddr   string
	DataDir    string
	ShardCount uint32
	Retry      types.RetryConfig
}

// Manager replicates pod membership and shard assignment via raft and
// resolves worker ids to the pod that currently owns their shard.
type Manager struct {
	nodeID     string
	bindAddr   string
	dataDir    string
	shardCount uint32
	retry      types.RetryConfig

	raft   *raft.Raft
	fsm    *FSM
	logger zerolog.Logger
}

// New builds a Manager. Call Bootstrap (first node) or join the cluster via
// AddVoter on an existing leader before routing traffic.
func New(cfg Config) (*Manager, error) {
	if cfg.ShardCount == 0 {
		cfg.ShardCount = 1024
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return &Manager{
		nodeID:     cfg.NodeID,
		bindAddr:   cfg.BindAddr,
		dataDir:    cfg.DataDir,
		shardCount: cfg.ShardCount,
		retry:      cfg.Retry,
		fsm:        NewFSM(cfg.ShardCount),
		logger:     log.WithComponent("shardmanager"),
	}, nil
}

// Bootstrap initializes a new single-node raft cluster rooted at this pod.
func (m *Manager) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	return future.Error()
}

// AddVoter adds a new shard-manager pod to the raft cluster. Must be called
// against the current leader.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft.State() != raft.Leader {
		return apierr.BadRequest("AddVoter must be called against the leader")
	}
	return m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// RemoveServer removes a pod from the raft cluster's voter set.
func (m *Manager) RemoveServer(nodeID string) error {
	return m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// Shutdown stops the raft node.
func (m *Manager) Shutdown() error {
	return m.raft.Shutdown().Error()
}

func (m *Manager) apply(op string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	future := m.raft.Apply(cmd, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply %s: %w", op, err)
	}
	if result := future.Response(); result != nil {
		if err, ok := result.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// RegisterPod adds pod to the cluster's membership and rebalances shards.
func (m *Manager) RegisterPod(pod types.Pod) error {
	if err := m.apply(opRegisterPod, pod); err != nil {
		return err
	}
	return m.rebalance()
}

// UnregisterPod removes a pod and rebalances its shards onto the remaining
// pods.
func (m *Manager) UnregisterPod(name string) error {
	if err := m.apply(opUnregisterPod, name); err != nil {
		return err
	}
	return m.rebalance()
}

func (m *Manager) rebalance() error {
	pods, assignment := m.fsm.snapshotState()
	names := make([]string, 0, len(pods))
	for name := range pods {
		names = append(names, name)
	}
	next := computeAssignment(m.shardCount, names, assignment)
	metrics.ShardMovesTotal.Add(float64(countMoves(assignment, next)))
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AssignmentDuration)
	return m.apply(opSetAssignment, next)
}

func countMoves(previous, next map[types.ShardID]string) int {
	moves := 0
	for shard, pod := range next {
		if previous[shard] != pod {
			moves++
		}
	}
	return moves
}

// Resolve maps a worker id to the pod currently owning its shard.
func (m *Manager) Resolve(worker types.WorkerId) (types.Pod, error) {
	shard := ShardOf(worker, m.shardCount)
	pods, assignment := m.fsm.snapshotState()
	name, ok := assignment[shard]
	if !ok {
		return types.Pod{}, apierr.NotFound("no pod assigned to shard %d", shard)
	}
	pod, ok := pods[name]
	if !ok {
		return types.Pod{}, apierr.NotFound("assigned pod %s is no longer registered", name)
	}
	return pod, nil
}

// ShardOf computes the deterministic shard id for a worker.
func ShardOf(worker types.WorkerId, shardCount uint32) types.ShardID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(worker.ComponentID + "/" + worker.WorkerName))
	return types.ShardID(h.Sum32() % shardCount)
}

// ProbeAndEvict health-checks every registered pod with the manager's retry
// policy, removing any pod that fails every attempt.
func (m *Manager) ProbeAndEvict(ctx context.Context, prober HealthProber) {
	pods, _ := m.fsm.snapshotState()
	for _, pod := range pods {
		if m.probeWithRetry(ctx, prober, pod) {
			continue
		}
		m.logger.Warn().Str("pod", pod.Name).Msg("pod failed health probe, evicting")
		if err := m.UnregisterPod(pod.Name); err != nil {
			m.logger.Error().Err(err).Str("pod", pod.Name).Msg("failed to evict unhealthy pod")
		}
	}
}

func (m *Manager) probeWithRetry(ctx context.Context, prober HealthProber, pod types.Pod) bool {
	delay := m.retry.MinDelay
	for attempt := 0; attempt < m.retry.MaxAttempts; attempt++ {
		if err := prober.Probe(ctx, pod); err == nil {
			return true
		}
		if attempt+1 >= m.retry.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
		delay = time.Duration(float64(delay) * m.retry.Multiplier)
		if delay > m.retry.MaxDelay {
			delay = m.retry.MaxDelay
		}
	}
	return false
}

// IsLeader reports whether this node currently holds raft leadership.
func (m *Manager) IsLeader() bool { return m.raft.State() == raft.Leader }

// LeaderAddr returns the current leader's raft transport address.
func (m *Manager) LeaderAddr() string {
	return string(m.raft.Leader())
}

// PeerCount returns the number of voters in the raft configuration.
func (m *Manager) PeerCount() int {
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// AppliedIndex returns the raft log index most recently applied to the FSM.
func (m *Manager) AppliedIndex() uint64 { return m.raft.AppliedIndex() }

// PodCount satisfies metrics.ShardSource.
func (m *Manager) PodCount() int {
	pods, _ := m.fsm.snapshotState()
	return len(pods)
}

// ShardsPerPod satisfies metrics.ShardSource.
func (m *Manager) ShardsPerPod() map[string]int {
	_, assignment := m.fsm.snapshotState()
	counts := make(map[string]int)
	for _, pod := range assignment {
		counts[pod]++
	}
	return counts
}
