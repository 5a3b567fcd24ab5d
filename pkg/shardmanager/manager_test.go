package shardmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestShardOfIsDeterministic(t *testing.T) {
	worker := types.WorkerId{ComponentID: "comp-1", WorkerName: "worker-1"}
	a := ShardOf(worker, 1024)
	b := ShardOf(worker, 1024)
	assert.Equal(t, a, b)
	assert.Less(t, uint32(a), uint32(1024))
}

func TestShardOfDistributesAcrossWorkers(t *testing.T) {
	seen := make(map[types.ShardID]bool)
	for i := 0; i < 200; i++ {
		w := types.WorkerId{ComponentID: "comp-1", WorkerName: "worker-" + string(rune('a'+i%26)) + string(rune('0'+i/26))}
		seen[ShardOf(w, 32)] = true
	}
	assert.Greater(t, len(seen), 1)
}

type flakyProber struct {
	failures int
	calls    int
}

func (p *flakyProber) Probe(ctx context.Context, pod types.Pod) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("unreachable")
	}
	return nil
}

func TestProbeWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	m := &Manager{retry: types.RetryConfig{MaxAttempts: 5, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}}
	prober := &flakyProber{failures: 2}

	ok := m.probeWithRetry(context.Background(), prober, types.Pod{Name: "pod-a"})
	assert.True(t, ok)
	assert.Equal(t, 3, prober.calls)
}

func TestProbeWithRetryExhaustsAttempts(t *testing.T) {
	m := &Manager{retry: types.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}}
	prober := &flakyProber{failures: 100}

	ok := m.probeWithRetry(context.Background(), prober, types.Pod{Name: "pod-a"})
	assert.False(t, ok)
	assert.Equal(t, 3, prober.calls)
}
