package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCheckpoint fetches the incremental-sync cursor for one (scope, table)
// pair. Returns ErrNotFound if the table has never synced.
func (st *Store) GetCheckpoint(ctx context.Context, scope, table string) (*Checkpoint, error) {
	var cp Checkpoint
	var lastSyncedAt string

	err := st.conn.QueryRowContext(ctx, `
		SELECT scope, tbl, last_synced_at, record_count
		FROM sync_checkpoints
		WHERE scope = ? AND tbl = ?`,
		scope, table).Scan(&cp.Scope, &cp.Table, &lastSyncedAt, &cp.RecordCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s/%s: %w", scope, table, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get checkpoint", err)
	}

	cp.LastSyncedAt = parseTime(lastSyncedAt)
	return &cp, nil
}

// PutCheckpoint upserts a checkpoint, enforcing the stale-write guard in
// SQL: an update whose last_synced_at is not strictly after the stored value
// leaves the row untouched. Returns whether the write was applied, so the
// tracker can log rejected out-of-order callbacks.
//
// RFC3339Nano strings in UTC compare lexicographically in time order, which
// is what makes the guard expressible as a plain WHERE clause.
func (st *Store) PutCheckpoint(ctx context.Context, cp *Checkpoint) (bool, error) {
	if cp.Scope == "" || cp.Table == "" {
		return false, fmt.Errorf("checkpoint: scope and table are required")
	}
	if cp.LastSyncedAt.IsZero() {
		return false, fmt.Errorf("checkpoint %s/%s: last_synced_at is required", cp.Scope, cp.Table)
	}

	res, err := st.conn.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (scope, tbl, last_synced_at, record_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, tbl) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			record_count = excluded.record_count
		WHERE excluded.last_synced_at > sync_checkpoints.last_synced_at`,
		cp.Scope, cp.Table, formatTime(cp.LastSyncedAt), cp.RecordCount)
	if err != nil {
		return false, unavailable("put checkpoint", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("put checkpoint", err)
	}
	return n > 0, nil
}

// DeleteCheckpoint drops the cursor, forcing the next sync of this table to
// be a full fetch.
func (st *Store) DeleteCheckpoint(ctx context.Context, scope, table string) error {
	_, err := st.conn.ExecContext(ctx,
		`DELETE FROM sync_checkpoints WHERE scope = ? AND tbl = ?`,
		scope, table)
	if err != nil {
		return unavailable("delete checkpoint", err)
	}
	return nil
}
