// Package remote defines the boundary to the authoritative farm store: the
// Remote interface the sync coordinator drains against, the result and record
// types crossing it, and the error taxonomy callers branch on.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/grazelabs/farmsync/internal/offline/store"
)

// ErrOffline means the remote could not be reached at all. The coordinator
// treats it as catastrophic for the current batch: abort, leave everything
// pending, try again on the next wake.
var ErrOffline = errors.New("remote unreachable")

// ConflictError means the server holds a newer version of the record than the
// one the write was based on. The write must not be retried blindly; the item
// is flagged for manual resolution.
type ConflictError struct {
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: server at version %d", e.ServerVersion)
}

// ValidationError means the server rejected the payload as malformed or
// violating a server-side rule. Retrying the same bytes can never succeed,
// so the write waits out further drains until someone intervenes.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rejected by server: %s", e.Reason)
}

// ApplyResult is the server's confirmation of one applied write.
type ApplyResult struct {
	// ServerVersion is the version the record holds after the write.
	ServerVersion int64 `json:"server_version"`

	// CanonicalID is set when the server assigned a permanent key to a
	// record created offline under an optimistic ID.
	CanonicalID string `json:"canonical_id,omitempty"`
}

// Record is one row returned by an incremental or full pull.
type Record struct {
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	ServerVersion int64           `json:"server_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Deleted       bool            `json:"deleted"`
}

// PullResult carries one pull response plus the server-side cursor the next
// incremental pull should resume from.
type PullResult struct {
	Records  []Record  `json:"records"`
	SyncedAt time.Time `json:"synced_at"`
	Total    int       `json:"total"`
}

// Remote is the authoritative store. Implementations must be safe for
// concurrent use: the coordinator drains tables in parallel.
type Remote interface {
	// Ping reports reachability. Returns ErrOffline when the store cannot
	// be reached.
	Ping(ctx context.Context) error

	// Apply replays one queued write. The write ID doubles as an
	// idempotency key, so re-applying a write the server already confirmed
	// returns the original result instead of duplicating the mutation.
	Apply(ctx context.Context, w *store.PendingWrite) (*ApplyResult, error)

	// Pull fetches records for one table. With full set, every record is
	// returned; otherwise only rows changed since the given cursor.
	Pull(ctx context.Context, scope, table string, since time.Time, full bool) (*PullResult, error)
}
