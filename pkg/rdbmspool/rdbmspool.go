// Package rdbmspool caches one connection pool per (dialect, URL) pair and
// shares it across every worker that opens it. A pool survives its last
// worker closing it until swept by a TTL-driven eviction pass, since another
// worker opening the same database moments later should not pay to redial.
package rdbmspool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/durable-wasm/pkg/apierr"
	"github.com/cuemby/durable-wasm/pkg/log"
	"github.com/cuemby/durable-wasm/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// Dialect selects which driver a Key resolves to.
type Dialect string

const (
	// DialectPgx dials through jackc/pgx's connection pool.
	DialectPgx Dialect = "pgx"
	// DialectLibPQ dials through database/sql using the lib/pq driver.
	DialectLibPQ Dialect = "lib_pq"
)

// Key identifies one cached pool.
type Key struct {
	Dialect Dialect
	URL     string
}

// Row is one result row, ordered to match ResultSet.Columns.
type Row []interface{}

// rawRows abstracts the cursor either driver produces so ResultSet does not
// need to know which one is underneath.
type rawRows interface {
	Columns() ([]string, error)
	Next() bool
	Values() (Row, error)
	Err() error
	Close()
}

type pgxRows struct{ rows pgx.Rows }

func (r pgxRows) Columns() ([]string, error) {
	fds := r.rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, f := range fds {
		cols[i] = f.Name
	}
	return cols, nil
}
func (r pgxRows) Next() bool { return r.rows.Next() }
func (r pgxRows) Values() (Row, error) {
	vals, err := r.rows.Values()
	if err != nil {
		return nil, err
	}
	return Row(vals), nil
}
func (r pgxRows) Err() error { return r.rows.Err() }
func (r pgxRows) Close()     { r.rows.Close() }

type sqlRows struct {
	rows *sql.Rows
	cols []string
}

func (r *sqlRows) Columns() ([]string, error) {
	if r.cols == nil {
		cols, err := r.rows.Columns()
		if err != nil {
			return nil, err
		}
		r.cols = cols
	}
	return r.cols, nil
}
func (r *sqlRows) Next() bool { return r.rows.Next() }
func (r *sqlRows) Values() (Row, error) {
	cols, err := r.Columns()
	if err != nil {
		return nil, err
	}
	vals := make(Row, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}
func (r *sqlRows) Err() error { return r.rows.Err() }
func (r *sqlRows) Close()     { r.rows.Close() }

// db is the dialect-independent handle a Pool drives.
type db interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	Query(ctx context.Context, query string, args ...interface{}) (rawRows, error)
	Close()
}

type pgxDB struct{ pool *pgxpool.Pool }

func (d *pgxDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := d.pool.Exec(ctx, query, args...)
	return err
}
func (d *pgxDB) Query(ctx context.Context, query string, args ...interface{}) (rawRows, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows: rows}, nil
}
func (d *pgxDB) Close() { d.pool.Close() }

type sqlDB struct{ conn *sql.DB }

func (d *sqlDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := d.conn.ExecContext(ctx, query, args...)
	return err
}
func (d *sqlDB) Query(ctx context.Context, query string, args ...interface{}) (rawRows, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}
func (d *sqlDB) Close() { d.conn.Close() }

func dial(ctx context.Context, key Key) (db, error) {
	switch key.Dialect {
	case DialectPgx:
		pool, err := pgxpool.New(ctx, key.URL)
		if err != nil {
			return nil, fmt.Errorf("dial pgx pool: %w", err)
		}
		return &pgxDB{pool: pool}, nil
	case DialectLibPQ:
		conn, err := sql.Open("postgres", key.URL)
		if err != nil {
			return nil, fmt.Errorf("open lib/pq connection: %w", err)
		}
		return &sqlDB{conn: conn}, nil
	default:
		return nil, apierr.BadRequest(fmt.Sprintf("unknown rdbms dialect %q", key.Dialect))
	}
}

// ResultSet streams query rows lazily, chunked by query_batch. The first
// chunk is fetched eagerly at construction so Columns is populated
// synchronously, matching the get_columns-then-get_next contract.
type ResultSet struct {
	columns []string
	rows    rawRows
	batch   int

	mu        sync.Mutex
	exhausted bool
	buffered  []Row
}

func newResultSet(rows rawRows, batch int) (*ResultSet, error) {
	if batch <= 0 {
		batch = 1
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	rs := &ResultSet{columns: cols, rows: rows, batch: batch}
	first, _, err := rs.fetch()
	if err != nil {
		rows.Close()
		return nil, err
	}
	rs.buffered = first
	return rs, nil
}

// Columns returns the result's column names.
func (rs *ResultSet) Columns() []string { return rs.columns }

// Next returns the next chunk of up to query_batch rows. ok is false once
// every row has been consumed.
func (rs *ResultSet) Next(ctx context.Context) ([]Row, bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.buffered != nil {
		chunk := rs.buffered
		rs.buffered = nil
		return chunk, true, nil
	}
	return rs.fetch()
}

func (rs *ResultSet) fetch() ([]Row, bool, error) {
	if rs.exhausted {
		return nil, false, nil
	}
	chunk := make([]Row, 0, rs.batch)
	for len(chunk) < rs.batch && rs.rows.Next() {
		vals, err := rs.rows.Values()
		if err != nil {
			return nil, false, err
		}
		chunk = append(chunk, vals)
	}
	if err := rs.rows.Err(); err != nil {
		return nil, false, err
	}
	if len(chunk) < rs.batch {
		rs.exhausted = true
		rs.rows.Close()
	}
	if len(chunk) == 0 {
		return nil, false, nil
	}
	return chunk, true, nil
}

// Close releases the underlying cursor. Safe to call after exhaustion.
func (rs *ResultSet) Close() {
	if !rs.exhausted {
		rs.rows.Close()
	}
}

// Pool is one cached (dialect, URL) connection pool shared by every worker
// that has opened it.
type Pool struct {
	key     Key
	db      db
	breaker *gobreaker.CircuitBreaker
	batch   int

	mu        sync.Mutex
	workers   map[types.WorkerId]bool
	emptiedAt time.Time
}

func newPool(key Key, handle db, batch int) *Pool {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rdbms:" + string(key.Dialect),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
	})
	return &Pool{key: key, db: handle, breaker: breaker, batch: batch, workers: make(map[types.WorkerId]bool)}
}

func (p *Pool) addWorker(worker types.WorkerId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[worker] = true
	p.emptiedAt = time.Time{}
}

func (p *Pool) removeWorker(worker types.WorkerId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, worker)
	if len(p.workers) == 0 {
		p.emptiedAt = time.Now()
	}
}

// idleSince reports whether the pool currently has no workers, and since
// when.
func (p *Pool) idleSince() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) > 0 {
		return time.Time{}, false
	}
	return p.emptiedAt, true
}

// Execute runs a single statement through the pool's circuit breaker.
func (p *Pool) Execute(ctx context.Context, query string, args ...interface{}) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.db.Exec(ctx, query, args...)
	})
	return err
}

// Query runs query and returns a lazily-chunked ResultSet.
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*ResultSet, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		rows, err := p.db.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		return newResultSet(rows, p.batch)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ResultSet), nil
}

func (p *Pool) close() { p.db.Close() }

// Manager caches one Pool per Key and sweeps idle pools past their TTL.
type Manager struct {
	mu             sync.Mutex
	pools          map[Key]*Pool
	queryBatch     int
	evictionTTL    time.Duration
	evictionPeriod time.Duration
	dialer         func(ctx context.Context, key Key) (db, error)
	logger         zerolog.Logger
	stopCh         chan struct{}
	dialGroup      singleflight.Group
}

// NewManager builds a Manager. queryBatch sizes every pool's ResultSet
// chunking; evictionTTL/evictionPeriod bound how long an idle pool survives
// and how often the sweep runs.
func NewManager(queryBatch int, evictionTTL, evictionPeriod time.Duration) *Manager {
	return &Manager{
		pools:          make(map[Key]*Pool),
		queryBatch:     queryBatch,
		evictionTTL:    evictionTTL,
		evictionPeriod: evictionPeriod,
		dialer:         dial,
		logger:         log.WithComponent("rdbmspool"),
	}
}

// Acquire returns the pool for key, dialing a new connection if none is
// cached yet, and adds worker to its worker-set. The manager lock is held
// only to check and, on a miss, insert into the cache — the dial itself
// runs unlocked so a slow connect to one key never stalls Acquire calls
// for any other key. Concurrent Acquire calls for the same key collapse
// onto a single dial via singleflight.
func (m *Manager) Acquire(ctx context.Context, worker types.WorkerId, key Key) (*Pool, error) {
	m.mu.Lock()
	if pool, ok := m.pools[key]; ok {
		m.mu.Unlock()
		pool.addWorker(worker)
		return pool, nil
	}
	m.mu.Unlock()

	dialKey := string(key.Dialect) + "|" + key.URL
	result, err, _ := m.dialGroup.Do(dialKey, func() (interface{}, error) {
		m.mu.Lock()
		if pool, ok := m.pools[key]; ok {
			m.mu.Unlock()
			return pool, nil
		}
		m.mu.Unlock()

		handle, err := m.dialer(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("dial rdbms pool %s: %w", key.URL, err)
		}
		pool := newPool(key, handle, m.queryBatch)

		m.mu.Lock()
		if existing, ok := m.pools[key]; ok {
			m.mu.Unlock()
			pool.close()
			return existing, nil
		}
		m.pools[key] = pool
		m.mu.Unlock()
		return pool, nil
	})
	if err != nil {
		return nil, err
	}

	pool := result.(*Pool)
	pool.addWorker(worker)
	return pool, nil
}

// Release removes worker from key's pool worker-set. The pool stays alive
// until TTL-evicted by the sweep.
func (m *Manager) Release(worker types.WorkerId, key Key) {
	m.mu.Lock()
	pool, ok := m.pools[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	pool.removeWorker(worker)
}

// Start runs the background TTL sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	m.stopCh = stopCh
	m.mu.Unlock()
	go m.run(stopCh)
}

// Stop halts the background sweep if running.
func (m *Manager) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	m.stopCh = nil
	m.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
}

func (m *Manager) run(stopCh chan struct{}) {
	if m.evictionPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(m.evictionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, pool := range m.pools {
		emptiedAt, idle := pool.idleSince()
		if !idle || time.Since(emptiedAt) < m.evictionTTL {
			continue
		}
		pool.close()
		delete(m.pools, key)
		m.logger.Info().Str("url", key.URL).Str("dialect", string(key.Dialect)).Msg("evicted idle rdbms pool")
	}
}

// Count reports the number of cached pools.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}
