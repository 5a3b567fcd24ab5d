package shardmanager

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyCommand(t *testing.T, f *FSM, op string, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: cmd})
}

func TestFSMRegisterAndUnregisterPod(t *testing.T) {
	f := NewFSM(10)

	result := applyCommand(t, f, opRegisterPod, types.Pod{Name: "pod-a", Address: "10.0.0.1:8080"})
	assert.Nil(t, result)

	pods, _ := f.snapshotState()
	require.Contains(t, pods, "pod-a")

	result = applyCommand(t, f, opUnregisterPod, "pod-a")
	assert.Nil(t, result)

	pods, _ = f.snapshotState()
	assert.NotContains(t, pods, "pod-a")
}

func TestFSMUnregisterClearsAssignment(t *testing.T) {
	f := NewFSM(4)
	applyCommand(t, f, opRegisterPod, types.Pod{Name: "pod-a"})
	applyCommand(t, f, opSetAssignment, map[types.ShardID]string{0: "pod-a", 1: "pod-a"})

	applyCommand(t, f, opUnregisterPod, "pod-a")

	_, assignment := f.snapshotState()
	assert.Empty(t, assignment)
}

func TestFSMSnapshotRoundTrip(t *testing.T) {
	f := NewFSM(4)
	applyCommand(t, f, opRegisterPod, types.Pod{Name: "pod-a", Address: "10.0.0.1:8080"})
	applyCommand(t, f, opSetAssignment, map[types.ShardID]string{0: "pod-a"})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	fsmSnap := snap.(*fsmSnapshot)

	restored := NewFSM(4)
	restored.pods = fsmSnap.Pods
	restored.assignment = fsmSnap.Assignment

	pods, assignment := restored.snapshotState()
	assert.Contains(t, pods, "pod-a")
	assert.Equal(t, "pod-a", assignment[types.ShardID(0)])
}

func TestFSMApplyUnknownCommandReturnsError(t *testing.T) {
	result := applyCommand(t, NewFSM(4), "nonsense", "x")
	err, ok := result.(error)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown shard manager command")
}
