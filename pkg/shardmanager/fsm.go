// Package shardmanager maintains the set of executor pods and the total
// ShardId -> Pod assignment function, replicated via Raft so every pod
// agrees on the same routing table. Membership changes (registration,
// deregistration, health-probe failure) trigger a minimal-move rebalance.
package shardmanager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/hashicorp/raft"
)

// Command is one state-change operation replicated through the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opRegisterPod   = "register_pod"
	opUnregisterPod = "unregister_pod"
	opSetAssignment = "set_assignment"
)

// FSM replicates pod membership and shard assignment across the raft
// cluster. All mutation happens through Apply, called by raft once a log
// entry commits.
type FSM struct {
	mu         sync.RWMutex
	shardCount uint32
	pods       map[string]types.Pod
	assignment map[types.ShardID]string
}

// NewFSM builds an FSM with no pods and an empty assignment table.
func NewFSM(shardCount uint32) *FSM {
	return &FSM{
		shardCount: shardCount,
		pods:       make(map[string]types.Pod),
		assignment: make(map[types.ShardID]string),
	}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opRegisterPod:
		var pod types.Pod
		if err := json.Unmarshal(cmd.Data, &pod); err != nil {
			return err
		}
		f.pods[pod.Name] = pod
		return nil

	case opUnregisterPod:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		delete(f.pods, name)
		for shard, pod := range f.assignment {
			if pod == name {
				delete(f.assignment, shard)
			}
		}
		return nil

	case opSetAssignment:
		var assignment map[types.ShardID]string
		if err := json.Unmarshal(cmd.Data, &assignment); err != nil {
			return err
		}
		f.assignment = assignment
		return nil

	default:
		return fmt.Errorf("unknown shard manager command: %s", cmd.Op)
	}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pods := make(map[string]types.Pod, len(f.pods))
	for k, v := range f.pods {
		pods[k] = v
	}
	assignment := make(map[types.ShardID]string, len(f.assignment))
	for k, v := range f.assignment {
		assignment[k] = v
	}

	return &fsmSnapshot{Pods: pods, Assignment: assignment}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pods = snap.Pods
	f.assignment = snap.Assignment
	if f.pods == nil {
		f.pods = make(map[string]types.Pod)
	}
	if f.assignment == nil {
		f.assignment = make(map[types.ShardID]string)
	}
	return nil
}

func (f *FSM) snapshotState() (pods map[string]types.Pod, assignment map[types.ShardID]string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pods = make(map[string]types.Pod, len(f.pods))
	for k, v := range f.pods {
		pods[k] = v
	}
	assignment = make(map[types.ShardID]string, len(f.assignment))
	for k, v := range f.assignment {
		assignment[k] = v
	}
	return pods, assignment
}

type fsmSnapshot struct {
	Pods       map[string]types.Pod
	Assignment map[types.ShardID]string
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
