// Package blobstore defines the content-addressed binary store used for
// component binaries and initial-file contents. Two drivers are provided:
// a bbolt-backed driver for single-node deployments and tests, and an
// S3-compatible driver for clustered deployments.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("blobstore: key not found")

// Store is the interface every driver implements. Keys are opaque byte
// strings produced by objectstorekeys or a content hash; the store itself
// assigns them no structure.
type Store interface {
	// Put writes data under key, replacing any existing value.
	Put(ctx context.Context, key string, data io.Reader) error

	// Get returns the full contents stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a key that does not exist is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key has a stored value.
	Exists(ctx context.Context, key string) (bool, error)

	Close() error
}
