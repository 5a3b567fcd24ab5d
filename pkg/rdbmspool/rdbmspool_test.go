package rdbmspool

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	cols   []string
	data   []Row
	idx    int
	closed bool
}

func (r *fakeRows) Columns() ([]string, error) { return r.cols, nil }
func (r *fakeRows) Next() bool                 { return r.idx < len(r.data) }
func (r *fakeRows) Values() (Row, error) {
	v := r.data[r.idx]
	r.idx++
	return v, nil
}
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     { r.closed = true }

type fakeDB struct {
	execCalls []string
	rows      *fakeRows
	closed    bool
}

func (d *fakeDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	d.execCalls = append(d.execCalls, query)
	return nil
}
func (d *fakeDB) Query(ctx context.Context, query string, args ...interface{}) (rawRows, error) {
	return d.rows, nil
}
func (d *fakeDB) Close() { d.closed = true }

func testWorker(name string) types.WorkerId {
	return types.WorkerId{ComponentID: "comp-1", WorkerName: name}
}

func newTestManager(t *testing.T, evictionTTL, evictionPeriod time.Duration) (*Manager, map[Key]*fakeDB) {
	t.Helper()
	handles := make(map[Key]*fakeDB)
	m := NewManager(2, evictionTTL, evictionPeriod)
	m.dialer = func(ctx context.Context, key Key) (db, error) {
		handle := &fakeDB{}
		handles[key] = handle
		return handle, nil
	}
	return m, handles
}

func TestAcquireCachesOnePoolPerKey(t *testing.T) {
	m, handles := newTestManager(t, time.Minute, time.Hour)
	key := Key{Dialect: DialectPgx, URL: "postgres://db-a"}

	p1, err := m.Acquire(context.Background(), testWorker("w1"), key)
	require.NoError(t, err)
	p2, err := m.Acquire(context.Background(), testWorker("w2"), key)
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Len(t, handles, 1)
	assert.Equal(t, 1, m.Count())
}

func TestAcquireDialsSeparatelyPerKey(t *testing.T) {
	m, handles := newTestManager(t, time.Minute, time.Hour)

	_, err := m.Acquire(context.Background(), testWorker("w1"), Key{Dialect: DialectPgx, URL: "postgres://db-a"})
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), testWorker("w1"), Key{Dialect: DialectLibPQ, URL: "postgres://db-b"})
	require.NoError(t, err)

	assert.Len(t, handles, 2)
	assert.Equal(t, 2, m.Count())
}

func TestExecuteDelegatesToUnderlyingDB(t *testing.T) {
	m, handles := newTestManager(t, time.Minute, time.Hour)
	key := Key{Dialect: DialectPgx, URL: "postgres://db-a"}
	pool, err := m.Acquire(context.Background(), testWorker("w1"), key)
	require.NoError(t, err)

	require.NoError(t, pool.Execute(context.Background(), "DELETE FROM x WHERE id = $1", 1))
	assert.Equal(t, []string{"DELETE FROM x WHERE id = $1"}, handles[key].execCalls)
}

func TestQueryBuffersFirstChunkEagerlyAndChunksByBatch(t *testing.T) {
	m, handles := newTestManager(t, time.Minute, time.Hour)
	key := Key{Dialect: DialectPgx, URL: "postgres://db-a"}
	pool, err := m.Acquire(context.Background(), testWorker("w1"), key)
	require.NoError(t, err)

	handles[key].rows = &fakeRows{
		cols: []string{"id", "name"},
		data: []Row{{1, "a"}, {2, "b"}, {3, "c"}},
	}

	rs, err := pool.Query(context.Background(), "SELECT id, name FROM x")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, rs.Columns())

	chunk1, ok, err := rs.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, chunk1, 2)

	chunk2, ok, err := rs.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, chunk2, 1)

	_, ok, err = rs.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseLeavesPoolAliveUntilSweep(t *testing.T) {
	m, handles := newTestManager(t, time.Hour, time.Hour)
	key := Key{Dialect: DialectPgx, URL: "postgres://db-a"}
	_, err := m.Acquire(context.Background(), testWorker("w1"), key)
	require.NoError(t, err)

	m.Release(testWorker("w1"), key)
	m.sweep()

	assert.Equal(t, 1, m.Count())
	assert.False(t, handles[key].closed)
}

func TestSweepEvictsPoolPastTTL(t *testing.T) {
	m, handles := newTestManager(t, time.Millisecond, time.Hour)
	key := Key{Dialect: DialectPgx, URL: "postgres://db-a"}
	_, err := m.Acquire(context.Background(), testWorker("w1"), key)
	require.NoError(t, err)

	m.Release(testWorker("w1"), key)
	time.Sleep(5 * time.Millisecond)
	m.sweep()

	assert.Equal(t, 0, m.Count())
	assert.True(t, handles[key].closed)
}

func TestSweepKeepsPoolWithActiveWorkers(t *testing.T) {
	m, handles := newTestManager(t, time.Millisecond, time.Hour)
	key := Key{Dialect: DialectPgx, URL: "postgres://db-a"}
	_, err := m.Acquire(context.Background(), testWorker("w1"), key)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	m.sweep()

	assert.Equal(t, 1, m.Count())
	assert.False(t, handles[key].closed)
}
