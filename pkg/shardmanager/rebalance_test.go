package shardmanager

import (
	"testing"

	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestComputeAssignmentDistributesEvenly(t *testing.T) {
	assignment := computeAssignment(10, []string{"pod-a", "pod-b"}, nil)
	assert.Len(t, assignment, 10)

	counts := map[string]int{}
	for _, pod := range assignment {
		counts[pod]++
	}
	assert.Equal(t, 5, counts["pod-a"])
	assert.Equal(t, 5, counts["pod-b"])
}

func TestComputeAssignmentHandlesRemainder(t *testing.T) {
	assignment := computeAssignment(10, []string{"pod-a", "pod-b", "pod-c"}, nil)
	counts := map[string]int{}
	for _, pod := range assignment {
		counts[pod]++
	}
	total := 0
	for _, c := range counts {
		total += c
		assert.LessOrEqual(t, c, 4)
		assert.GreaterOrEqual(t, c, 3)
	}
	assert.Equal(t, 10, total)
}

func TestComputeAssignmentMinimisesMovesOnPodAddition(t *testing.T) {
	previous := computeAssignment(10, []string{"pod-a", "pod-b"}, nil)

	next := computeAssignment(10, []string{"pod-a", "pod-b", "pod-c"}, previous)

	unchanged := 0
	for shard, pod := range previous {
		if next[shard] == pod {
			unchanged++
		}
	}
	// Adding a third pod should only move shards onto it, never churn
	// shards that were already balanced between the first two.
	assert.GreaterOrEqual(t, unchanged, 6)
}

func TestComputeAssignmentReassignsShardsOfRemovedPod(t *testing.T) {
	previous := computeAssignment(10, []string{"pod-a", "pod-b"}, nil)

	next := computeAssignment(10, []string{"pod-a"}, previous)

	for shard := types.ShardID(0); shard < 10; shard++ {
		assert.Equal(t, "pod-a", next[shard])
	}
}

func TestComputeAssignmentEmptyWithNoPods(t *testing.T) {
	assignment := computeAssignment(10, nil, nil)
	assert.Empty(t, assignment)
}
