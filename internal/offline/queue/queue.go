// Package queue provides the durable pending-write queue: mutations that
// could not be confirmed against the remote store, waiting for replay.
//
// Ordering is FIFO per table. Write IDs are UUIDv7, which double as
// idempotency keys for the remote store and encode creation time plus a
// random suffix, so queue order can be approximately recovered from the IDs
// alone when debugging after the fact.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/grazelabs/farmsync/internal/farm"
	"github.com/grazelabs/farmsync/internal/offline/store"
)

// Queue appends, lists and retires pending writes. It enforces no retry
// ceiling itself; surfacing exhausted items is the coordinator's call.
type Queue struct {
	st  *store.Store
	log *log.Logger
}

// New creates a queue over the given store. If logger is nil, a default
// logger writing to stderr is used.
func New(st *store.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{st: st, log: logger}
}

// Enqueue validates and appends a typed payload, returning the new write ID.
// The scope's pending counter moves in the same transaction as the insert.
func (q *Queue) Enqueue(ctx context.Context, scope string, op store.Operation, p farm.Payload) (string, error) {
	data, err := farm.Encode(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate write id: %w", err)
	}

	w := &store.PendingWrite{
		ID:        id.String(),
		Scope:     scope,
		Table:     p.Table(),
		Op:        op,
		Payload:   data,
		CreatedAt: time.Now(),
	}
	if err := q.st.EnqueueWrite(ctx, w); err != nil {
		return "", err
	}

	q.log.Printf("Enqueued %s on %s/%s (write %s)", op, scope, p.Table(), w.ID)
	return w.ID, nil
}

// DequeueAll returns every queued write for a scope, oldest first. The rows
// stay queued; callers Remove each one only after the remote confirms it.
func (q *Queue) DequeueAll(ctx context.Context, scope string) ([]*store.PendingWrite, error) {
	return q.st.PendingWrites(ctx, scope)
}

// Remove retires a confirmed write and decrements the pending counter.
func (q *Queue) Remove(ctx context.Context, writeID string) error {
	if err := q.st.RemoveWrite(ctx, writeID); err != nil {
		return err
	}
	q.log.Printf("Removed confirmed write %s", writeID)
	return nil
}

// RecordFailure bumps the retry counter and stores the error message on a
// queued write without removing it. Returns the new retry count.
func (q *Queue) RecordFailure(ctx context.Context, writeID, errMsg string) (int, error) {
	retries, err := q.st.RecordWriteFailure(ctx, writeID, errMsg)
	if err != nil {
		return 0, err
	}
	q.log.Printf("Write %s failed (retry %d): %s", writeID, retries, errMsg)
	return retries, nil
}

// PendingCount returns the live queue length for a scope.
func (q *Queue) PendingCount(ctx context.Context, scope string) (int, error) {
	return q.st.PendingCount(ctx, scope)
}

// WriteTime recovers the approximate creation time embedded in a UUIDv7
// write ID. Returns false for IDs of any other version.
func WriteTime(writeID string) (time.Time, bool) {
	id, err := uuid.Parse(writeID)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec), true
}
