// Package checkpoint tracks per-table incremental sync cursors, so a scope
// can resync deltas instead of refetching whole tables.
package checkpoint

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/grazelabs/farmsync/internal/offline/store"
)

// Tracker reads and advances sync checkpoints. Checkpoints only move
// forward: a write carrying an earlier timestamp than the stored cursor is
// ignored, which protects against out-of-order background-sync callbacks.
type Tracker struct {
	st  *store.Store
	log *log.Logger
}

// New creates a tracker over the given store. If logger is nil, a default
// logger writing to stderr is used.
func New(st *store.Store, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[checkpoint] ", log.LstdFlags)
	}
	return &Tracker{st: st, log: logger}
}

// Get returns the checkpoint for one (scope, table) pair, or
// store.ErrNotFound if the table has never completed a sync.
func (t *Tracker) Get(ctx context.Context, scope, table string) (*store.Checkpoint, error) {
	return t.st.GetCheckpoint(ctx, scope, table)
}

// Update advances the checkpoint. Stale writes (lastSyncedAt not strictly
// after the stored cursor) are logged and silently dropped; they are an
// expected artifact of overlapping background callbacks, not an error.
func (t *Tracker) Update(ctx context.Context, scope, table string, lastSyncedAt time.Time, recordCount int) error {
	// A recount lower than the stored one can signal data loss upstream;
	// worth a log line before the row is replaced.
	if prev, err := t.st.GetCheckpoint(ctx, scope, table); err == nil && recordCount < prev.RecordCount {
		t.log.Printf("WARNING: record count for %s/%s dropped from %d to %d",
			scope, table, prev.RecordCount, recordCount)
	}

	applied, err := t.st.PutCheckpoint(ctx, &store.Checkpoint{
		Scope:        scope,
		Table:        table,
		LastSyncedAt: lastSyncedAt,
		RecordCount:  recordCount,
	})
	if err != nil {
		return err
	}
	if !applied {
		t.log.Printf("Ignored stale checkpoint write for %s/%s at %s",
			scope, table, lastSyncedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// NeedsFullSync reports whether the table should fall back to a full fetch:
// either no checkpoint exists yet, or the stored one is older than maxAge.
func (t *Tracker) NeedsFullSync(ctx context.Context, scope, table string, maxAge time.Duration) (bool, error) {
	cp, err := t.st.GetCheckpoint(ctx, scope, table)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return cp.Age(time.Now()) > maxAge, nil
}

// Reset drops the cursor so the next sync of the table is a full fetch.
func (t *Tracker) Reset(ctx context.Context, scope, table string) error {
	return t.st.DeleteCheckpoint(ctx, scope, table)
}
