// Package cache is the read/write surface over the local store: reads serve
// from cache with a staleness signal, writes land optimistically and join the
// pending queue, and incoming server records pass through conflict detection
// before they overwrite local state.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/grazelabs/farmsync/internal/farm"
	"github.com/grazelabs/farmsync/internal/offline/checkpoint"
	"github.com/grazelabs/farmsync/internal/offline/queue"
	"github.com/grazelabs/farmsync/internal/offline/store"
	"github.com/grazelabs/farmsync/internal/remote"
)

// DefaultStaleAfter is how old a table's checkpoint may be before reads of
// that table report stale data.
const DefaultStaleAfter = 15 * time.Minute

// RefreshFunc is invoked (on its own goroutine, never blocking the read) when
// a read serves stale data, so the caller can kick a background resync.
type RefreshFunc func(scope, table string)

// Manager coordinates cached reads, optimistic writes and the application of
// server records to the local store.
type Manager struct {
	st         *store.Store
	q          *queue.Queue
	cp         *checkpoint.Tracker
	log        *log.Logger
	staleAfter time.Duration
	refresh    RefreshFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// WithRefreshFunc sets the hook fired when a read serves stale data.
func WithRefreshFunc(fn RefreshFunc) Option {
	return func(m *Manager) { m.refresh = fn }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

// New creates a manager over the given store.
func New(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		st:         st,
		log:        log.New(os.Stderr, "[cache] ", log.LstdFlags),
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.q = queue.New(st, m.log)
	m.cp = checkpoint.New(st, m.log)
	return m
}

// Queue exposes the pending-write queue sharing this manager's store.
func (m *Manager) Queue() *queue.Queue { return m.q }

// Checkpoints exposes the checkpoint tracker sharing this manager's store.
func (m *Manager) Checkpoints() *checkpoint.Tracker { return m.cp }

// ReadThrough returns one cached item plus a staleness flag. Stale means the
// table's checkpoint is missing or older than the configured threshold; the
// data is still returned, and the refresh hook (if any) is fired without
// blocking. A missing item returns store.ErrNotFound.
func (m *Manager) ReadThrough(ctx context.Context, scope, table, key string) (*store.Item, bool, error) {
	it, err := m.st.GetItem(ctx, scope, table, key)
	if err != nil {
		return nil, false, err
	}

	stale, err := m.cp.NeedsFullSync(ctx, scope, table, m.staleAfter)
	if err != nil {
		return nil, false, err
	}
	if stale && m.refresh != nil {
		go m.refresh(scope, table)
	}
	return it, stale, nil
}

// ReadTable returns every cached item of one table plus the staleness flag.
func (m *Manager) ReadTable(ctx context.Context, scope, table string) ([]*store.Item, bool, error) {
	items, err := m.st.ItemsByTable(ctx, scope, table)
	if err != nil {
		return nil, false, err
	}
	stale, err := m.cp.NeedsFullSync(ctx, scope, table, m.staleAfter)
	if err != nil {
		return nil, false, err
	}
	if stale && m.refresh != nil {
		go m.refresh(scope, table)
	}
	return items, stale, nil
}

// OptimisticWrite applies a mutation locally and queues it for replay. The
// cached item is visible immediately with status pending; the returned write
// ID identifies the queue entry and the returned local version is the one
// now recorded on the row. Deletes remove the cached row right away and
// report the version that was removed.
func (m *Manager) OptimisticWrite(ctx context.Context, scope string, op store.Operation, p farm.Payload) (string, int64, error) {
	if !op.Valid() {
		return "", 0, fmt.Errorf("invalid operation %q", op)
	}
	data, err := farm.Encode(p)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode payload: %w", err)
	}

	var localVersion int64

	switch op {
	case store.OpDelete:
		prev, err := m.st.GetItem(ctx, scope, p.Table(), p.Key())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", 0, err
		}
		if prev != nil {
			localVersion = prev.LocalVersion
		}
		if err := m.st.DeleteItem(ctx, scope, p.Table(), p.Key()); err != nil {
			return "", 0, err
		}

	case store.OpInsert:
		localVersion = 1
		it := &store.Item{
			Scope:        scope,
			Table:        p.Table(),
			Key:          p.Key(),
			Payload:      data,
			LastUpdated:  time.Now(),
			SyncStatus:   store.StatusPending,
			LocalVersion: localVersion,
			OptimisticID: p.Key(),
		}
		if err := m.st.PutItem(ctx, it); err != nil {
			return "", 0, err
		}

	case store.OpUpdate:
		prev, err := m.st.GetItem(ctx, scope, p.Table(), p.Key())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", 0, err
		}
		it := &store.Item{
			Scope:        scope,
			Table:        p.Table(),
			Key:          p.Key(),
			Payload:      data,
			LastUpdated:  time.Now(),
			SyncStatus:   store.StatusPending,
			LocalVersion: 1,
		}
		if prev != nil {
			if !validTransition(prev.SyncStatus, store.StatusPending) {
				return "", 0, fmt.Errorf("cannot write %s/%s/%s while %s", scope, p.Table(), p.Key(), prev.SyncStatus)
			}
			it.LocalVersion = prev.LocalVersion + 1
			it.ServerVersion = prev.ServerVersion
			it.OptimisticID = prev.OptimisticID
		}
		if err := m.st.PutItem(ctx, it); err != nil {
			return "", 0, err
		}
		localVersion = it.LocalVersion
	}

	writeID, err := m.q.Enqueue(ctx, scope, op, p)
	if err != nil {
		return "", 0, err
	}
	return writeID, localVersion, nil
}

// ConfirmWrite marks an item synced after the server accepted its pending
// write, recording the confirmed server version. When the server assigned a
// canonical ID to an optimistic record, the item is rekeyed first.
func (m *Manager) ConfirmWrite(ctx context.Context, scope, table, key string, result *remote.ApplyResult) error {
	if result.CanonicalID != "" && result.CanonicalID != key {
		if err := m.st.RekeyItem(ctx, scope, table, key, result.CanonicalID); err != nil {
			return err
		}
		key = result.CanonicalID
	}
	return m.transition(ctx, scope, table, key, store.StatusSynced, &result.ServerVersion, "")
}

// MarkConflict flags an item for manual resolution after the server reported
// a newer version underneath its pending write.
func (m *Manager) MarkConflict(ctx context.Context, scope, table, key string, serverVersion int64) error {
	return m.transition(ctx, scope, table, key, store.StatusConflict, &serverVersion, "")
}

// MarkError records a non-conflict replay failure on the item.
func (m *Manager) MarkError(ctx context.Context, scope, table, key, reason string) error {
	return m.transition(ctx, scope, table, key, store.StatusError, nil, reason)
}

// Resolve clears a conflict after the caller has reconciled the record and
// re-submitted it with an updated basis. Only conflict resolves to synced.
func (m *Manager) Resolve(ctx context.Context, scope, table, key string) error {
	return m.transition(ctx, scope, table, key, store.StatusSynced, nil, "")
}

// Retry returns an errored record to pending so its queued write replays on
// the next drain. Only errored records can be retried; the queue entry
// itself never left the store.
func (m *Manager) Retry(ctx context.Context, scope, table, key string) error {
	it, err := m.st.GetItem(ctx, scope, table, key)
	if err != nil {
		return err
	}
	if it.SyncStatus != store.StatusError {
		return fmt.Errorf("retry needs status %s, %s/%s/%s is %s",
			store.StatusError, scope, table, key, it.SyncStatus)
	}
	return m.st.SetItemSyncState(ctx, scope, table, key, store.StatusPending, nil, "")
}

// Item fetches one cached item without the staleness bookkeeping of
// ReadThrough.
func (m *Manager) Item(ctx context.Context, scope, table, key string) (*store.Item, error) {
	return m.st.GetItem(ctx, scope, table, key)
}

// transition enforces the status state machine before persisting.
func (m *Manager) transition(ctx context.Context, scope, table, key string, to store.Status, serverVersion *int64, syncError string) error {
	it, err := m.st.GetItem(ctx, scope, table, key)
	if err != nil {
		return err
	}
	if !validTransition(it.SyncStatus, to) {
		return fmt.Errorf("invalid sync transition %s -> %s for %s/%s/%s", it.SyncStatus, to, scope, table, key)
	}
	return m.st.SetItemSyncState(ctx, scope, table, key, to, serverVersion, syncError)
}

// validTransition is the status state machine. Synced items can only go
// pending (a new local write); pending items resolve to any terminal state;
// conflict clears only through synced; errored items retry or succeed.
func validTransition(from, to store.Status) bool {
	if from == to {
		return true
	}
	switch from {
	case store.StatusSynced:
		return to == store.StatusPending
	case store.StatusPending:
		return to == store.StatusSynced || to == store.StatusConflict || to == store.StatusError
	case store.StatusConflict:
		return to == store.StatusSynced || to == store.StatusPending
	case store.StatusError:
		return to == store.StatusSynced || to == store.StatusPending
	}
	return false
}

// DetectConflict reports whether an incoming server version collides with a
// local pending write: the item must be pending, must have synced at least
// once, and the server must be strictly ahead of the last confirmed basis.
func DetectConflict(it *store.Item, incomingServerVersion int64) bool {
	if it == nil || it.SyncStatus != store.StatusPending {
		return false
	}
	if it.ServerVersion == nil {
		return false
	}
	return incomingServerVersion > *it.ServerVersion
}

// ApplyServerRecord folds one pulled record into the cache. Records colliding
// with a pending write flag a conflict and keep the local payload; everything
// else overwrites as synced. Remote deletions drop the cached row unless a
// pending write exists, which turns into a conflict instead.
func (m *Manager) ApplyServerRecord(ctx context.Context, scope, table string, rec *remote.Record) error {
	it, err := m.st.GetItem(ctx, scope, table, rec.Key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if DetectConflict(it, rec.ServerVersion) {
		m.log.Printf("Conflict on %s/%s/%s: server at v%d, local basis v%d",
			scope, table, rec.Key, rec.ServerVersion, *it.ServerVersion)
		return m.st.SetItemSyncState(ctx, scope, table, rec.Key, store.StatusConflict, &rec.ServerVersion, "")
	}

	// A pending write shadows non-conflicting server state until it drains.
	if it != nil && it.SyncStatus == store.StatusPending {
		return nil
	}

	if rec.Deleted {
		return m.st.DeleteItem(ctx, scope, table, rec.Key)
	}

	v := rec.ServerVersion
	return m.st.PutItem(ctx, &store.Item{
		Scope:         scope,
		Table:         table,
		Key:           rec.Key,
		Payload:       rec.Payload,
		LastUpdated:   rec.UpdatedAt,
		SyncStatus:    store.StatusSynced,
		LocalVersion:  1,
		ServerVersion: &v,
	})
}

// Status returns the aggregate sync status for one scope.
func (m *Manager) Status(ctx context.Context, scope string) (*store.FarmSyncStatus, error) {
	return m.st.FarmSyncStatus(ctx, scope)
}

// SetSyncing flips the scope's is_syncing flag for status surfaces.
func (m *Manager) SetSyncing(ctx context.Context, scope string, syncing bool) error {
	return m.st.SetSyncing(ctx, scope, syncing)
}

// SetLastFullSync records when the scope last completed a full-table sync.
func (m *Manager) SetLastFullSync(ctx context.Context, scope string, t time.Time) error {
	return m.st.SetLastFullSync(ctx, scope, t)
}

// PendingCount returns the live queue length for one scope.
func (m *Manager) PendingCount(ctx context.Context, scope string) (int, error) {
	return m.q.PendingCount(ctx, scope)
}
