package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnqueueWrite appends a mutation to the pending-write queue and bumps the
// scope's pending_changes counter in the same transaction, so the aggregate
// can never disagree with the queue.
func (st *Store) EnqueueWrite(ctx context.Context, w *PendingWrite) error {
	if w.ID == "" || w.Scope == "" || w.Table == "" {
		return fmt.Errorf("pending write: id, scope and table are required")
	}
	if !w.Op.Valid() {
		return fmt.Errorf("pending write %s: invalid operation %q", w.ID, w.Op)
	}

	return st.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_writes (id, scope, tbl, op, payload, created_at, retries, last_error)
			VALUES (?, ?, ?, ?, ?, ?, 0, NULL)`,
			w.ID, w.Scope, w.Table, string(w.Op), string(w.Payload),
			formatTime(w.CreatedAt))
		if err != nil {
			return unavailable("enqueue write", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO farm_sync_status (scope, pending_changes)
			VALUES (?, 1)
			ON CONFLICT(scope) DO UPDATE SET
				pending_changes = pending_changes + 1`,
			w.Scope)
		if err != nil {
			return unavailable("increment pending count", err)
		}
		return nil
	})
}

// PendingWrites returns all queued writes for a scope, oldest first. FIFO
// per table follows from the global ordering: within one table the rows keep
// their relative creation order.
func (st *Store) PendingWrites(ctx context.Context, scope string) ([]*PendingWrite, error) {
	rows, err := st.conn.QueryContext(ctx, `
		SELECT id, scope, tbl, op, payload, created_at, retries, last_error
		FROM pending_writes
		WHERE scope = ?
		ORDER BY created_at ASC, id ASC`,
		scope)
	if err != nil {
		return nil, unavailable("query pending writes", err)
	}
	defer rows.Close()

	return scanWrites(rows)
}

// GetWrite fetches one queued write by ID. Returns ErrNotFound if absent.
func (st *Store) GetWrite(ctx context.Context, writeID string) (*PendingWrite, error) {
	row := st.conn.QueryRowContext(ctx, `
		SELECT id, scope, tbl, op, payload, created_at, retries, last_error
		FROM pending_writes
		WHERE id = ?`,
		writeID)

	w, err := scanWrite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending write %s: %w", writeID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get pending write", err)
	}
	return w, nil
}

// RemoveWrite deletes a queued write after the remote store confirmed it,
// decrementing the scope's pending_changes counter atomically. Removing an
// already-removed write is an error: it would corrupt the counter.
func (st *Store) RemoveWrite(ctx context.Context, writeID string) error {
	return st.inTx(ctx, func(tx *sql.Tx) error {
		var scope string
		err := tx.QueryRowContext(ctx,
			`SELECT scope FROM pending_writes WHERE id = ?`, writeID).Scan(&scope)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pending write %s: %w", writeID, ErrNotFound)
		}
		if err != nil {
			return unavailable("look up pending write", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_writes WHERE id = ?`, writeID); err != nil {
			return unavailable("remove pending write", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE farm_sync_status
			SET pending_changes = MAX(pending_changes - 1, 0)
			WHERE scope = ?`,
			scope)
		if err != nil {
			return unavailable("decrement pending count", err)
		}
		return nil
	})
}

// RecordWriteFailure increments the retry counter and stores the error
// message on a queued write. The item stays queued; giving up is the
// coordinator's decision, never the queue's. Returns the new retry count.
func (st *Store) RecordWriteFailure(ctx context.Context, writeID, errMsg string) (int, error) {
	var retries int
	err := st.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_writes
			SET retries = retries + 1, last_error = ?
			WHERE id = ?`,
			errMsg, writeID)
		if err != nil {
			return unavailable("record write failure", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("record write failure", err)
		}
		if n == 0 {
			return fmt.Errorf("pending write %s: %w", writeID, ErrNotFound)
		}

		err = tx.QueryRowContext(ctx,
			`SELECT retries FROM pending_writes WHERE id = ?`, writeID).Scan(&retries)
		if err != nil {
			return unavailable("read retry count", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return retries, nil
}

// PendingCount returns the stored pending_changes counter for a scope.
func (st *Store) PendingCount(ctx context.Context, scope string) (int, error) {
	var n int
	err := st.conn.QueryRowContext(ctx,
		`SELECT pending_changes FROM farm_sync_status WHERE scope = ?`,
		scope).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("read pending count", err)
	}
	return n, nil
}

func scanWrite(row rowScanner) (*PendingWrite, error) {
	var w PendingWrite
	var payload, createdAt, op string
	var lastError sql.NullString

	err := row.Scan(&w.ID, &w.Scope, &w.Table, &op, &payload,
		&createdAt, &w.Retries, &lastError)
	if err != nil {
		return nil, err
	}

	w.Op = Operation(op)
	w.Payload = []byte(payload)
	w.CreatedAt = parseTime(createdAt)
	w.LastError = lastError.String
	return &w, nil
}

func scanWrites(rows *sql.Rows) ([]*PendingWrite, error) {
	var writes []*PendingWrite
	for rows.Next() {
		w, err := scanWrite(rows)
		if err != nil {
			return nil, unavailable("scan pending write", err)
		}
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate pending writes", err)
	}
	return writes, nil
}
