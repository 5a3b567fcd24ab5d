package blobstore

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blobs.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "comp#1:user", bytes.NewReader([]byte("wasm bytes"))))

	got, err := s.Get(ctx, "comp#1:user")
	require.NoError(t, err)
	assert.Equal(t, []byte("wasm bytes"), got)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("v"))))

	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("v"))))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("v1"))))
	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("v2"))))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}
