package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStorageUnavailable wraps every storage-engine failure (corrupt database,
// quota exceeded, closed handle). Callers must treat it as being fully
// offline with no cache, never as a crash condition.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// Status is the sync state of a cached item. Transitions are validated one
// layer up (cache package); the store persists whatever it is handed.
type Status string

const (
	// StatusSynced means the local copy matches the last confirmed server state.
	StatusSynced Status = "synced"
	// StatusPending means a local write has not been confirmed by the server.
	StatusPending Status = "pending"
	// StatusConflict means a newer server version landed under a pending write.
	StatusConflict Status = "conflict"
	// StatusError means the last replay attempt failed for a non-conflict reason.
	StatusError Status = "error"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusConflict, StatusError:
		return true
	}
	return false
}

// Operation is the kind of mutation a pending write replays.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Item wraps one cached domain record with its sync metadata. The payload is
// opaque JSON; the farm package decodes it per table.
type Item struct {
	Scope        string
	Table        string
	Key          string
	Payload      json.RawMessage
	LastUpdated  time.Time
	SyncStatus   Status
	LocalVersion int64

	// ServerVersion is the last server version this item was confirmed
	// against, nil if the record has never synced.
	ServerVersion *int64

	// SyncError is set only while SyncStatus is StatusError.
	SyncError string

	// OptimisticID is the client-assigned identifier for records created
	// offline, cleared once the server returns a canonical key.
	OptimisticID string
}

// Validate checks the invariants the store refuses to persist without.
func (it *Item) Validate() error {
	if it.Scope == "" || it.Table == "" || it.Key == "" {
		return fmt.Errorf("item: scope, table and key are required")
	}
	if !it.SyncStatus.Valid() {
		return fmt.Errorf("item %s/%s/%s: invalid sync status %q", it.Scope, it.Table, it.Key, it.SyncStatus)
	}
	if it.SyncError != "" && it.SyncStatus != StatusError {
		return fmt.Errorf("item %s/%s/%s: sync_error set but status is %q", it.Scope, it.Table, it.Key, it.SyncStatus)
	}
	return nil
}

// PendingWrite is one queued mutation awaiting replay against the remote
// store. IDs are UUIDv7 so creation order is recoverable from the ID alone.
type PendingWrite struct {
	ID        string
	Scope     string
	Table     string
	Op        Operation
	Payload   json.RawMessage
	CreatedAt time.Time
	Retries   int
	LastError string
}

// Checkpoint marks how far incremental sync has progressed for one table
// within one scope. Checkpoints only move forward in time.
type Checkpoint struct {
	Scope        string
	Table        string
	LastSyncedAt time.Time
	RecordCount  int
}

// Age returns how long ago the checkpoint was taken.
func (c *Checkpoint) Age(now time.Time) time.Duration {
	return now.Sub(c.LastSyncedAt)
}

// FarmSyncStatus is the per-scope aggregate view used by status surfaces.
// PendingChanges is maintained transactionally with every enqueue/remove;
// Conflicts and Errors are live counts over cached items so they can never
// drift from the truth.
type FarmSyncStatus struct {
	Scope          string
	LastFullSync   *time.Time
	PendingChanges int
	Conflicts      int
	Errors         int
	IsSyncing      bool
}
