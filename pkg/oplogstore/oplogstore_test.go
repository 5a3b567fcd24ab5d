package oplogstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/durable-wasm/pkg/blobstore"
	"github.com/cuemby/durable-wasm/pkg/types"
	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, archiveInterval time.Duration) *Store {
	t.Helper()
	cold, err := blobstore.NewBoltStore(filepath.Join(t.TempDir(), "cold.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cold.Close() })

	store, err := NewBoltStore(filepath.Join(t.TempDir(), "hot.db"), cold, archiveInterval)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testWorker() types.WorkerId {
	return types.WorkerId{ComponentID: "comp-1", WorkerName: "worker-1"}
}

func TestAppendAssignsSequentialIndices(t *testing.T) {
	store := newTestStore(t, time.Hour)
	worker := testWorker()

	i0, err := store.Append(context.Background(), worker, types.OplogEntry{Kind: types.OplogEntryHostCall, CallName: "a", Timestamp: time.Now()})
	require.NoError(t, err)
	i1, err := store.Append(context.Background(), worker, types.OplogEntry{Kind: types.OplogEntryHostCall, CallName: "b", Timestamp: time.Now()})
	require.NoError(t, err)

	require.Equal(t, uint64(0), i0)
	require.Equal(t, uint64(1), i1)
}

func TestEntriesReturnsInOrder(t *testing.T) {
	store := newTestStore(t, time.Hour)
	worker := testWorker()
	for i := 0; i < 5; i++ {
		_, err := store.Append(context.Background(), worker, types.OplogEntry{Kind: types.OplogEntryHostCall, CallName: "call", Timestamp: time.Now()})
		require.NoError(t, err)
	}

	entries, err := store.Entries(context.Background(), worker)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		require.Equal(t, uint64(i), e.Index)
	}
}

func TestEntriesIsolatedPerWorker(t *testing.T) {
	store := newTestStore(t, time.Hour)
	a := types.WorkerId{ComponentID: "comp-1", WorkerName: "a"}
	b := types.WorkerId{ComponentID: "comp-1", WorkerName: "ab"}

	_, err := store.Append(context.Background(), a, types.OplogEntry{Kind: types.OplogEntryHostCall, CallName: "x", Timestamp: time.Now()})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), b, types.OplogEntry{Kind: types.OplogEntryHostCall, CallName: "y", Timestamp: time.Now()})
	require.NoError(t, err)

	entriesA, err := store.Entries(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, entriesA, 1)
	require.Equal(t, "x", entriesA[0].CallName)

	entriesB, err := store.Entries(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, entriesB, 1)
	require.Equal(t, "y", entriesB[0].CallName)
}

func TestArchiveMovesOldEntriesToColdLayerTransparently(t *testing.T) {
	store := newTestStore(t, time.Hour)
	worker := testWorker()

	old := time.Now().Add(-time.Hour)
	_, err := store.Append(context.Background(), worker, types.OplogEntry{Kind: types.OplogEntryHostCall, CallName: "old-1", Timestamp: old})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), worker, types.OplogEntry{Kind: types.OplogEntryHostCall, CallName: "old-2", Timestamp: old})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), worker, types.OplogEntry{Kind: types.OplogEntryHostCall, CallName: "new", Timestamp: time.Now()})
	require.NoError(t, err)

	cutoff := time.Now().Add(-30 * time.Minute)
	require.NoError(t, store.Archive(context.Background(), worker, cutoff))

	entries, err := store.Entries(context.Background(), worker)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "old-1", entries[0].CallName)
	require.Equal(t, "old-2", entries[1].CallName)
	require.Equal(t, "new", entries[2].CallName)

	var meta workerMeta
	require.NoError(t, store.db.View(func(tx *bolt.Tx) error {
		m, err := store.loadMeta(tx, worker)
		meta = m
		return err
	}))
	require.Len(t, meta.ArchiveChunks, 1)
	require.Equal(t, uint64(2), meta.ArchivedUpTo)
}

func TestArchiveNoOpWhenNothingIsOldEnough(t *testing.T) {
	store := newTestStore(t, time.Hour)
	worker := testWorker()

	_, err := store.Append(context.Background(), worker, types.OplogEntry{Kind: types.OplogEntryHostCall, CallName: "fresh", Timestamp: time.Now()})
	require.NoError(t, err)

	require.NoError(t, store.Archive(context.Background(), worker, time.Now().Add(-time.Hour)))

	entries, err := store.Entries(context.Background(), worker)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
