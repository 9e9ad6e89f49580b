// Package store provides the embedded SQLite local store backing the
// offline cache: cached items, the pending-write queue, sync checkpoints and
// the per-scope aggregate status.
//
// The database runs in embedded mode (CGO-free driver) with WAL so the
// foreground process and the background sync worker can each hold their own
// handle to the same file. There is deliberately no process-wide singleton:
// callers construct a Store, and tests get an isolated file per case.
//
// Every mutation is a single transaction, so a write either lands durably or
// not at all. Any storage-engine failure surfaces as ErrStorageUnavailable.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection for one database file.
type Store struct {
	conn   *sql.DB
	path   string
	closed bool
}

// Open creates a store at the given path, creating parent directories and
// the schema as needed. The caller must Close when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "farmsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, unavailable("create database directory", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, unavailable("open database", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, unavailable("ping database", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	// WAL lets the background worker read while the foreground writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, unavailable("enable WAL mode", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, unavailable("set busy timeout", err)
	}

	if err := st.initSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// Path returns the database file location.
func (st *Store) Path() string { return st.path }

// Close checkpoints the WAL and closes the connection. Close is idempotent;
// the handle stays set, so later calls hit the driver's closed-database
// error, which every query path wraps as ErrStorageUnavailable.
func (st *Store) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	if _, err := st.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := st.conn.Close(); err != nil {
		return unavailable("close database", err)
	}
	return nil
}

// initSchema creates all tables and indexes. Idempotent.
func (st *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cached_items (
		scope TEXT NOT NULL,
		tbl TEXT NOT NULL,
		key TEXT NOT NULL,
		payload TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'synced',
		local_version INTEGER NOT NULL DEFAULT 1,
		server_version INTEGER,
		sync_error TEXT,
		optimistic_id TEXT,
		PRIMARY KEY (scope, tbl, key)
	);

	CREATE TABLE IF NOT EXISTS pending_writes (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		tbl TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_checkpoints (
		scope TEXT NOT NULL,
		tbl TEXT NOT NULL,
		last_synced_at TEXT NOT NULL,
		record_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scope, tbl)
	);

	CREATE TABLE IF NOT EXISTS farm_sync_status (
		scope TEXT PRIMARY KEY,
		last_full_sync TEXT,
		pending_changes INTEGER NOT NULL DEFAULT 0,
		is_syncing INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_items_scope_status
	    ON cached_items(scope, sync_status);
	CREATE INDEX IF NOT EXISTS idx_items_scope_table
	    ON cached_items(scope, tbl);

	-- FIFO drain order: created_at with the UUIDv7 id as tiebreak.
	CREATE INDEX IF NOT EXISTS idx_pending_scope_created
	    ON pending_writes(scope, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_pending_scope_table
	    ON pending_writes(scope, tbl);
	`

	if _, err := st.conn.ExecContext(ctx, schema); err != nil {
		return unavailable("initialize schema", err)
	}
	return nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (st *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

// unavailable wraps a storage-engine failure so callers can detect it with
// errors.Is(err, ErrStorageUnavailable).
func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrStorageUnavailable, err)
}

// Timestamps are stored as RFC3339Nano strings; sub-second precision keeps
// queue ordering stable under rapid enqueues.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Fall back for rows written by tools using plain RFC3339.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
