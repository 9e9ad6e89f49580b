package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// FarmSyncStatus assembles the aggregate view for one scope. The pending
// counter comes from the stored row (maintained with the queue); conflict
// and error counts are live COUNTs over cached items so the UI can always
// see work awaiting manual resolution.
func (st *Store) FarmSyncStatus(ctx context.Context, scope string) (*FarmSyncStatus, error) {
	status := &FarmSyncStatus{Scope: scope}

	var lastFullSync sql.NullString
	var isSyncing int
	err := st.conn.QueryRowContext(ctx, `
		SELECT last_full_sync, pending_changes, is_syncing
		FROM farm_sync_status
		WHERE scope = ?`,
		scope).Scan(&lastFullSync, &status.PendingChanges, &isSyncing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("read sync status", err)
	}
	status.LastFullSync = nullStringToTime(lastFullSync)
	status.IsSyncing = isSyncing != 0

	if status.Conflicts, err = st.CountItemsByStatus(ctx, scope, StatusConflict); err != nil {
		return nil, err
	}
	if status.Errors, err = st.CountItemsByStatus(ctx, scope, StatusError); err != nil {
		return nil, err
	}
	return status, nil
}

// SetSyncing flips the is_syncing flag for a scope.
func (st *Store) SetSyncing(ctx context.Context, scope string, syncing bool) error {
	flag := 0
	if syncing {
		flag = 1
	}
	_, err := st.conn.ExecContext(ctx, `
		INSERT INTO farm_sync_status (scope, is_syncing)
		VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET is_syncing = excluded.is_syncing`,
		scope, flag)
	if err != nil {
		return unavailable("set syncing flag", err)
	}
	return nil
}

// SetLastFullSync records when the scope last completed a full-table sync.
func (st *Store) SetLastFullSync(ctx context.Context, scope string, t time.Time) error {
	_, err := st.conn.ExecContext(ctx, `
		INSERT INTO farm_sync_status (scope, last_full_sync)
		VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET last_full_sync = excluded.last_full_sync`,
		scope, formatTime(t))
	if err != nil {
		return unavailable("set last full sync", err)
	}
	return nil
}
