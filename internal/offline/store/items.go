package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetItem fetches one cached item. Returns ErrNotFound if absent. Never
// touches the network.
func (st *Store) GetItem(ctx context.Context, scope, table, key string) (*Item, error) {
	row := st.conn.QueryRowContext(ctx, `
		SELECT scope, tbl, key, payload, last_updated, sync_status,
		       local_version, server_version, sync_error, optimistic_id
		FROM cached_items
		WHERE scope = ? AND tbl = ? AND key = ?`,
		scope, table, key)

	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s/%s/%s: %w", scope, table, key, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get item", err)
	}
	return it, nil
}

// PutItem upserts a cached item. Overwrites are permitted; last-writer-wins
// at this layer, conflict semantics live in the cache package.
func (st *Store) PutItem(ctx context.Context, it *Item) error {
	if err := it.Validate(); err != nil {
		return err
	}

	_, err := st.conn.ExecContext(ctx, `
		INSERT INTO cached_items (
			scope, tbl, key, payload, last_updated, sync_status,
			local_version, server_version, sync_error, optimistic_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, tbl, key) DO UPDATE SET
			payload = excluded.payload,
			last_updated = excluded.last_updated,
			sync_status = excluded.sync_status,
			local_version = excluded.local_version,
			server_version = excluded.server_version,
			sync_error = excluded.sync_error,
			optimistic_id = excluded.optimistic_id`,
		it.Scope, it.Table, it.Key, string(it.Payload),
		formatTime(it.LastUpdated), string(it.SyncStatus),
		it.LocalVersion, int64PtrToNull(it.ServerVersion),
		emptyToNull(it.SyncError), emptyToNull(it.OptimisticID))
	if err != nil {
		return unavailable("put item", err)
	}
	return nil
}

// DeleteItem removes a cached item. Idempotent.
func (st *Store) DeleteItem(ctx context.Context, scope, table, key string) error {
	_, err := st.conn.ExecContext(ctx,
		`DELETE FROM cached_items WHERE scope = ? AND tbl = ? AND key = ?`,
		scope, table, key)
	if err != nil {
		return unavailable("delete item", err)
	}
	return nil
}

// ItemsByStatus lists a scope's items in the given sync state, most recently
// updated first. This is the indexed listing behind "all conflicts for farm X".
func (st *Store) ItemsByStatus(ctx context.Context, scope string, status Status) ([]*Item, error) {
	rows, err := st.conn.QueryContext(ctx, `
		SELECT scope, tbl, key, payload, last_updated, sync_status,
		       local_version, server_version, sync_error, optimistic_id
		FROM cached_items
		WHERE scope = ? AND sync_status = ?
		ORDER BY last_updated DESC`,
		scope, string(status))
	if err != nil {
		return nil, unavailable("query items by status", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ItemsByTable lists all cached items for one table within a scope.
func (st *Store) ItemsByTable(ctx context.Context, scope, table string) ([]*Item, error) {
	rows, err := st.conn.QueryContext(ctx, `
		SELECT scope, tbl, key, payload, last_updated, sync_status,
		       local_version, server_version, sync_error, optimistic_id
		FROM cached_items
		WHERE scope = ? AND tbl = ?
		ORDER BY key ASC`,
		scope, table)
	if err != nil {
		return nil, unavailable("query items by table", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// SetItemSyncState updates only the sync metadata of an item, leaving the
// payload untouched. A nil serverVersion keeps the stored value.
func (st *Store) SetItemSyncState(ctx context.Context, scope, table, key string, status Status, serverVersion *int64, syncErr string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid sync status %q", status)
	}
	if syncErr != "" && status != StatusError {
		return fmt.Errorf("sync error message requires status %q, got %q", StatusError, status)
	}

	res, err := st.conn.ExecContext(ctx, `
		UPDATE cached_items
		SET sync_status = ?,
		    server_version = COALESCE(?, server_version),
		    sync_error = ?
		WHERE scope = ? AND tbl = ? AND key = ?`,
		string(status), int64PtrToNull(serverVersion), emptyToNull(syncErr),
		scope, table, key)
	if err != nil {
		return unavailable("set item sync state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("set item sync state", err)
	}
	if n == 0 {
		return fmt.Errorf("item %s/%s/%s: %w", scope, table, key, ErrNotFound)
	}
	return nil
}

// RekeyItem moves an item from a client-assigned optimistic key to the
// server's canonical key and clears the optimistic marker. Both the item row
// and any queued writes keep their payloads; only the key changes.
func (st *Store) RekeyItem(ctx context.Context, scope, table, oldKey, newKey string) error {
	return st.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE cached_items
			SET key = ?, optimistic_id = NULL
			WHERE scope = ? AND tbl = ? AND key = ?`,
			newKey, scope, table, oldKey)
		if err != nil {
			return unavailable("rekey item", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("rekey item", err)
		}
		if n == 0 {
			return fmt.Errorf("item %s/%s/%s: %w", scope, table, oldKey, ErrNotFound)
		}
		return nil
	})
}

// CountItemsByStatus returns how many items in the scope carry the status.
func (st *Store) CountItemsByStatus(ctx context.Context, scope string, status Status) (int, error) {
	var n int
	err := st.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cached_items WHERE scope = ? AND sync_status = ?`,
		scope, string(status)).Scan(&n)
	if err != nil {
		return 0, unavailable("count items by status", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var payload, lastUpdated, status string
	var serverVersion sql.NullInt64
	var syncErr, optimisticID sql.NullString

	err := row.Scan(&it.Scope, &it.Table, &it.Key, &payload, &lastUpdated,
		&status, &it.LocalVersion, &serverVersion, &syncErr, &optimisticID)
	if err != nil {
		return nil, err
	}

	it.Payload = []byte(payload)
	it.LastUpdated = parseTime(lastUpdated)
	it.SyncStatus = Status(status)
	if serverVersion.Valid {
		v := serverVersion.Int64
		it.ServerVersion = &v
	}
	it.SyncError = syncErr.String
	it.OptimisticID = optimisticID.String
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, unavailable("scan item", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate items", err)
	}
	return items, nil
}

func int64PtrToNull(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func emptyToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
