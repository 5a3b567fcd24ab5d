package shardmanager

import (
	"sort"

	"github.com/cuemby/durable-wasm/pkg/types"
)

// computeAssignment produces a new ShardId -> pod name assignment that
// minimises moves relative to previous: shards already on a pod that still
// has capacity stay put; only the shards that must move (their pod is gone,
// or their pod is over its target share) are handed to an under-capacity
// pod. With zero pods, the assignment is empty.
func computeAssignment(shardCount uint32, pods []string, previous map[types.ShardID]string) map[types.ShardID]string {
	next := make(map[types.ShardID]string, shardCount)
	if len(pods) == 0 {
		return next
	}

	sorted := make([]string, len(pods))
	copy(sorted, pods)
	sort.Strings(sorted)

	capacity := make(map[string]int, len(sorted))
	base := int(shardCount) / len(sorted)
	remainder := int(shardCount) % len(sorted)
	for i, name := range sorted {
		c := base
		if i < remainder {
			c++
		}
		capacity[name] = c
	}

	live := make(map[string]bool, len(sorted))
	for _, name := range sorted {
		live[name] = true
	}

	assigned := make(map[string]int, len(sorted))
	var unassigned []types.ShardID

	for shard := types.ShardID(0); shard < types.ShardID(shardCount); shard++ {
		pod, ok := previous[shard]
		if ok && live[pod] && assigned[pod] < capacity[pod] {
			next[shard] = pod
			assigned[pod]++
			continue
		}
		unassigned = append(unassigned, shard)
	}

	podIdx := 0
	for _, shard := range unassigned {
		for podIdx < len(sorted) && assigned[sorted[podIdx]] >= capacity[sorted[podIdx]] {
			podIdx++
		}
		if podIdx >= len(sorted) {
			break
		}
		pod := sorted[podIdx]
		next[shard] = pod
		assigned[pod]++
	}

	return next
}
