package compilationqueue

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/durable-wasm/pkg/blobstore"
	"github.com/cuemby/durable-wasm/pkg/componentrepo"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	failN  int // fail the first failN calls
	result []byte
}

func (f *fakeEngine) Compile(ctx context.Context, binary []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return nil, errors.New("engine unavailable")
	}
	if f.result != nil {
		return f.result, nil
	}
	return append([]byte("compiled:"), binary...), nil
}

func (f *fakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestQueue(t *testing.T, engine Engine, retry types.RetryConfig) (*Queue, componentrepo.Repo, blobstore.Store) {
	t.Helper()
	repo, err := componentrepo.NewBoltRepo(filepath.Join(t.TempDir(), "components.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	blobs, err := blobstore.NewBoltStore(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	q := New(repo, blobs, engine, 2, 16, retry)
	return q, repo, blobs
}

func seedComponent(t *testing.T, repo componentrepo.Repo, blobs blobstore.Store, owner types.ComponentOwner, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := repo.Create(owner, types.Component{ComponentID: id, Name: id, Type: types.ComponentDurable})
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, "protected-"+id, bytes.NewReader([]byte("binary-bytes"))))
	require.NoError(t, repo.Activate(owner, id, 0, "user-"+id, "protected-"+id, types.ComponentMetadata{}))
}

func TestEnqueueCompilesAndCompletes(t *testing.T) {
	owner := types.ComponentOwner{AccountIDValue: "acct", ProjectID: "proj"}
	engine := &fakeEngine{}
	retry := types.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	q, repo, blobs := newTestQueue(t, engine, retry)
	seedComponent(t, repo, blobs, owner, "comp-1")

	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue("comp-1", 0))

	require.Eventually(t, func() bool {
		return engine.Calls() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueueDeduplicatesInFlight(t *testing.T) {
	owner := types.ComponentOwner{AccountIDValue: "acct", ProjectID: "proj"}
	engine := &fakeEngine{}
	retry := types.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	q, repo, blobs := newTestQueue(t, engine, retry)
	seedComponent(t, repo, blobs, owner, "comp-1")

	require.NoError(t, q.Enqueue("comp-1", 0))
	require.NoError(t, q.Enqueue("comp-1", 0)) // no-op: already in-flight
	assert.Equal(t, 1, q.Depth())

	q.Start()
	defer q.Stop()
	require.Eventually(t, func() bool { return engine.Calls() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueSkipsAlreadyCompleted(t *testing.T) {
	owner := types.ComponentOwner{AccountIDValue: "acct", ProjectID: "proj"}
	engine := &fakeEngine{}
	retry := types.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	q, repo, blobs := newTestQueue(t, engine, retry)
	seedComponent(t, repo, blobs, owner, "comp-1")

	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue("comp-1", 0))
	require.Eventually(t, func() bool { return engine.Calls() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Enqueue("comp-1", 0))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, engine.Calls())
}

func TestRetriesOnFailureThenSucceeds(t *testing.T) {
	owner := types.ComponentOwner{AccountIDValue: "acct", ProjectID: "proj"}
	engine := &fakeEngine{failN: 2}
	retry := types.RetryConfig{MaxAttempts: 5, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	q, repo, blobs := newTestQueue(t, engine, retry)
	seedComponent(t, repo, blobs, owner, "comp-1")

	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue("comp-1", 0))
	require.Eventually(t, func() bool { return engine.Calls() >= 3 }, time.Second, 5*time.Millisecond)
}
