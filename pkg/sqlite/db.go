// Package sqlite implements the host database for the flexsync subscription
// store: a SQLite file with snapshot reads, a single-writer transaction
// discipline, and a monotonically increasing database version.
package sqlite

import (
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/flexsync/pkg/types"
)

// DB is a handle to one subscription store database. It is safe for use
// from multiple goroutines: reads take snapshots that do not block the
// writer, and writes are serialized through an internal write lock so at
// most one write transaction is in flight.
type DB struct {
	sqldb *sql.DB
	log   *zap.Logger

	// writeMu is the process-wide write lock. Held from BeginWrite until
	// the transaction commits or rolls back.
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used for database-level events. The default
// discards all output.
func WithLogger(log *zap.Logger) Option {
	return func(d *DB) {
		d.log = log
	}
}

// Open opens or creates the database at cfg.Path and ensures the meta
// table exists. The subscription tables themselves are created lazily by
// the store on first access.
func Open(cfg types.Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// WAL keeps snapshot reads from blocking the writer. The pragmas ride
	// on the DSN so every pooled connection gets them.
	dsn := "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.Path, err)
	}

	if _, err := sqldb.Exec(createMeta); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("creating meta table: %w", err)
	}
	if _, err := sqldb.Exec(
		"INSERT OR IGNORE INTO flx_meta (id, db_version) VALUES (0, 0)",
	); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("seeding meta table: %w", err)
	}

	d := &DB{
		sqldb: sqldb,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close releases the underlying database. Close is idempotent. Operations
// after Close return ErrStoreClosed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.sqldb.Close()
}

// Closed reports whether Close has been called.
func (d *DB) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *DB) checkOpen() error {
	if d.Closed() {
		return types.ErrStoreClosed
	}
	return nil
}

// Version returns the latest committed database version. A fresh database
// starts at 0; every committed write transaction advances it by one.
func (d *DB) Version() (int64, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	var v int64
	err := d.sqldb.QueryRow("SELECT db_version FROM flx_meta WHERE id = 0").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("reading database version: %w", err)
	}
	return v, nil
}

// ReadTx is a snapshot read transaction.
type ReadTx struct {
	tx      *sql.Tx
	version int64
}

// BeginRead opens a snapshot read transaction. The caller must End it.
func (d *DB) BeginRead() (*ReadTx, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := d.sqldb.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	var v int64
	if err := tx.QueryRow("SELECT db_version FROM flx_meta WHERE id = 0").Scan(&v); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("reading snapshot version: %w", err)
	}
	return &ReadTx{tx: tx, version: v}, nil
}

// End closes the read transaction. End is idempotent.
func (r *ReadTx) End() error {
	if r.tx == nil {
		return nil
	}
	err := r.tx.Rollback()
	r.tx = nil
	if err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

// Version is the database version this snapshot sees.
func (r *ReadTx) Version() int64 {
	return r.version
}

// Query runs a query inside the snapshot.
func (r *ReadTx) Query(query string, args ...any) (*sql.Rows, error) {
	return r.tx.Query(query, args...)
}

// QueryRow runs a single-row query inside the snapshot.
func (r *ReadTx) QueryRow(query string, args ...any) *sql.Row {
	return r.tx.QueryRow(query, args...)
}

// View runs fn inside a snapshot read transaction.
func (d *DB) View(fn func(*ReadTx) error) error {
	r, err := d.BeginRead()
	if err != nil {
		return err
	}
	defer r.End()
	return fn(r)
}

// WriteTx is the single in-flight write transaction. It holds the database
// write lock from BeginWrite until Commit or Rollback.
type WriteTx struct {
	d       *DB
	tx      *sql.Tx
	version int64
	done    bool
}

// BeginWrite acquires the write lock and opens a write transaction. The
// database version is advanced inside the transaction, so WriteTx.Version
// is the version the transaction will commit as; Rollback discards the
// bump along with everything else.
func (d *DB) BeginWrite() (*WriteTx, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	d.writeMu.Lock()
	tx, err := d.sqldb.Begin()
	if err != nil {
		d.writeMu.Unlock()
		return nil, fmt.Errorf("beginning write transaction: %w", err)
	}
	var v int64
	err = tx.QueryRow(
		"UPDATE flx_meta SET db_version = db_version + 1 WHERE id = 0 RETURNING db_version",
	).Scan(&v)
	if err != nil {
		tx.Rollback()
		d.writeMu.Unlock()
		return nil, fmt.Errorf("advancing database version: %w", err)
	}
	return &WriteTx{d: d, tx: tx, version: v}, nil
}

// Version is the database version this transaction will commit as.
func (w *WriteTx) Version() int64 {
	return w.version
}

// Exec runs a statement inside the write transaction.
func (w *WriteTx) Exec(query string, args ...any) (sql.Result, error) {
	return w.tx.Exec(query, args...)
}

// Query runs a query inside the write transaction.
func (w *WriteTx) Query(query string, args ...any) (*sql.Rows, error) {
	return w.tx.Query(query, args...)
}

// QueryRow runs a single-row query inside the write transaction.
func (w *WriteTx) QueryRow(query string, args ...any) *sql.Row {
	return w.tx.QueryRow(query, args...)
}

// Commit commits the transaction and releases the write lock.
func (w *WriteTx) Commit() error {
	if w.done {
		return fmt.Errorf("commit: %w", types.ErrNotMutable)
	}
	w.done = true
	err := w.tx.Commit()
	w.d.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("committing write transaction: %w", err)
	}
	w.d.log.Debug("write transaction committed", zap.Int64("db_version", w.version))
	return nil
}

// Rollback discards the transaction and releases the write lock. Rollback
// after Commit (or a second Rollback) is a no-op, so it is safe to defer.
func (w *WriteTx) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	err := w.tx.Rollback()
	w.d.writeMu.Unlock()
	if err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rolling back write transaction: %w", err)
	}
	return nil
}

// Update runs fn inside a write transaction, committing when fn succeeds
// and rolling back when it fails.
func (d *DB) Update(fn func(*WriteTx) error) error {
	w, err := d.BeginWrite()
	if err != nil {
		return err
	}
	defer w.Rollback()
	if err := fn(w); err != nil {
		return err
	}
	return w.Commit()
}
