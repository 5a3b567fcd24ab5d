// Package oplogstore persists each worker's append-only operation log across
// two layers: a hot indexed-KV layer for entries still likely to be read
// (replay, recent history) and a cold blob layer a background archiver moves
// entries into once they age past the configured interval. Reads fall
// through the cold layer before the hot layer, preserving index order.
package oplogstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/durable-wasm/pkg/blobstore"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/types"
	bolt "go.etcd.io/bbolt"
	"github.com/rs/zerolog"
)

var (
	bucketEntries = []byte("oplog_entries")
	bucketMeta    = []byte("oplog_meta")
)

// workerMeta tracks one worker's append cursor and the ordered list of cold
// archive chunks that precede its remaining hot entries.
type workerMeta struct {
	NextIndex     uint64   `json:"next_index"`
	ArchivedUpTo  uint64   `json:"archived_up_to"`
	ArchiveChunks []string `json:"archive_chunks"`
}

// Store is the layered oplog. The indexed_storage_layers/blob_storage_layers
// configuration knobs describe physical sharding a deployment may add later;
// this implementation models the hot/cold distinction itself with one bbolt
// database and one blobstore.Store.
type Store struct {
	db              *bolt.DB
	cold            blobstore.Store
	archiveInterval time.Duration
	logger          zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewBoltStore opens (creating if needed) the hot layer at path, backed by
// cold for archived chunks.
func NewBoltStore(path string, cold blobstore.Store, archiveInterval time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open oplog store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create oplog buckets: %w", err)
	}
	return &Store{
		db:              db,
		cold:            cold,
		archiveInterval: archiveInterval,
		logger:          log.WithComponent("oplogstore"),
	}, nil
}

func workerKey(worker types.WorkerId) []byte {
	return []byte(worker.ComponentID + "/" + worker.WorkerName)
}

func entryKey(worker types.WorkerId, index uint64) []byte {
	key := append(workerKey(worker), ':')
	idx := make([]byte, 8)
	binary.BigEndian.PutUint64(idx, index)
	return append(key, idx...)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *Store) loadMeta(tx *bolt.Tx, worker types.WorkerId) (workerMeta, error) {
	raw := tx.Bucket(bucketMeta).Get(workerKey(worker))
	if raw == nil {
		return workerMeta{}, nil
	}
	var m workerMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return workerMeta{}, fmt.Errorf("decode oplog meta: %w", err)
	}
	return m, nil
}

func (s *Store) saveMeta(tx *bolt.Tx, worker types.WorkerId, m workerMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode oplog meta: %w", err)
	}
	return tx.Bucket(bucketMeta).Put(workerKey(worker), data)
}

// Append writes entry to the hot layer under worker's next sequence index
// and returns that index. Satisfies durablectx.OplogAppender.
func (s *Store) Append(ctx context.Context, worker types.WorkerId, entry types.OplogEntry) (uint64, error) {
	var index uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta, err := s.loadMeta(tx, worker)
		if err != nil {
			return err
		}
		index = meta.NextIndex
		entry.Index = index
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode oplog entry: %w", err)
		}
		if err := tx.Bucket(bucketEntries).Put(entryKey(worker, index), data); err != nil {
			return err
		}
		meta.NextIndex = index + 1
		return s.saveMeta(tx, worker, meta)
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// Entries returns every entry recorded for worker in ascending index order,
// reading cold archive chunks before the remaining hot entries.
func (s *Store) Entries(ctx context.Context, worker types.WorkerId) ([]types.OplogEntry, error) {
	var meta workerMeta
	if err := s.db.View(func(tx *bolt.Tx) error {
		m, err := s.loadMeta(tx, worker)
		meta = m
		return err
	}); err != nil {
		return nil, err
	}

	var entries []types.OplogEntry
	for _, chunkKey := range meta.ArchiveChunks {
		data, err := s.cold.Get(ctx, chunkKey)
		if err != nil {
			return nil, fmt.Errorf("read archived oplog chunk %s: %w", chunkKey, err)
		}
		var chunk []types.OplogEntry
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, fmt.Errorf("decode archived oplog chunk %s: %w", chunkKey, err)
		}
		entries = append(entries, chunk...)
	}

	prefix := append(workerKey(worker), ':')
	if err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry types.OplogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode oplog entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries, nil
}

// Archive moves every entry for worker timestamped at or before cutoff from
// the hot layer into a single new cold archive chunk, preserving order.
func (s *Store) Archive(ctx context.Context, worker types.WorkerId, cutoff time.Time) error {
	var toArchive []types.OplogEntry
	var keysToDelete [][]byte

	if err := s.db.View(func(tx *bolt.Tx) error {
		prefix := append(workerKey(worker), ':')
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry types.OplogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode oplog entry: %w", err)
			}
			if entry.Timestamp.After(cutoff) {
				break
			}
			toArchive = append(toArchive, entry)
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	if len(toArchive) == 0 {
		return nil
	}

	data, err := json.Marshal(toArchive)
	if err != nil {
		return fmt.Errorf("encode archive chunk: %w", err)
	}
	chunkKey := fmt.Sprintf("oplog-archive:%s:%d-%d", string(workerKey(worker)), toArchive[0].Index, toArchive[len(toArchive)-1].Index)
	if err := s.cold.Put(ctx, chunkKey, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload archive chunk: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, k := range keysToDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		meta, err := s.loadMeta(tx, worker)
		if err != nil {
			return err
		}
		meta.ArchivedUpTo = toArchive[len(toArchive)-1].Index + 1
		meta.ArchiveChunks = append(meta.ArchiveChunks, chunkKey)
		return s.saveMeta(tx, worker, meta)
	})
}

func (s *Store) listWorkers() ([]types.WorkerId, error) {
	var workers []types.WorkerId
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			parts := strings.SplitN(string(k), "/", 2)
			if len(parts) != 2 {
				return nil
			}
			workers = append(workers, types.WorkerId{ComponentID: parts[0], WorkerName: parts[1]})
			return nil
		})
	})
	return workers, err
}

// Start runs the background archiver, sweeping every known worker's hot
// entries into cold storage once per archiveInterval.
func (s *Store) Start() {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	go s.run(stopCh)
}

// Stop halts the background archiver if running.
func (s *Store) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
}

func (s *Store) run(stopCh chan struct{}) {
	if s.archiveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.archiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.archiveAll()
		case <-stopCh:
			return
		}
	}
}

func (s *Store) archiveAll() {
	workers, err := s.listWorkers()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list workers for archive sweep")
		return
	}
	cutoff := time.Now().Add(-s.archiveInterval)
	for _, worker := range workers {
		if err := s.Archive(context.Background(), worker, cutoff); err != nil {
			s.logger.Error().Err(err).Str("component_id", worker.ComponentID).Str("worker_name", worker.WorkerName).Msg("failed to archive oplog entries")
		}
	}
}

// Close stops the archiver and closes the hot layer.
func (s *Store) Close() error {
	s.Stop()
	return s.db.Close()
}
