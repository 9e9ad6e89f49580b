package queue

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grazelabs/farmsync/internal/farm"
	"github.com/grazelabs/farmsync/internal/offline/store"
)

func setupTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return New(st, log.New(os.Stderr, "[test] ", 0)), st
}

func testAnimal(id string) *farm.Animal {
	return &farm.Animal{ID: id, TagNo: "T-" + id}
}

func TestEnqueueDequeue(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "farm-1", store.OpInsert, testAnimal("a-1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id2, err := q.Enqueue(ctx, "farm-1", store.OpUpdate, testAnimal("a-1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	writes, err := q.DequeueAll(ctx, "farm-1")
	if err != nil {
		t.Fatalf("DequeueAll failed: %v", err)
	}
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(writes))
	}
	if writes[0].ID != id1 || writes[1].ID != id2 {
		t.Errorf("FIFO order violated: got %s then %s", writes[0].ID, writes[1].ID)
	}
	if writes[0].Op != store.OpInsert || writes[1].Op != store.OpUpdate {
		t.Errorf("operations wrong: %s, %s", writes[0].Op, writes[1].Op)
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	q, _ := setupTestQueue(t)

	// Missing tag number fails domain validation before anything is queued.
	_, err := q.Enqueue(context.Background(), "farm-1", store.OpInsert, &farm.Animal{ID: "a-1"})
	if err == nil {
		t.Fatal("expected validation error")
	}

	count, _ := q.PendingCount(context.Background(), "farm-1")
	if count != 0 {
		t.Errorf("invalid payload reached the queue: count=%d", count)
	}
}

func TestQueuedPayloadDecodes(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	rec := &farm.MilkingRecord{
		ID:       "m-1",
		AnimalID: "a-1",
		Session:  "morning",
		Liters:   12.5,
		MilkedAt: time.Date(2025, 6, 1, 6, 30, 0, 0, time.UTC),
	}
	if _, err := q.Enqueue(ctx, "farm-1", store.OpInsert, rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	writes, err := q.DequeueAll(ctx, "farm-1")
	if err != nil {
		t.Fatalf("DequeueAll failed: %v", err)
	}

	decoded, err := farm.Decode(writes[0].Table, writes[0].Payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got, ok := decoded.(*farm.MilkingRecord)
	if !ok {
		t.Fatalf("expected *farm.MilkingRecord, got %T", decoded)
	}
	if got.Liters != 12.5 || got.Session != "morning" {
		t.Errorf("payload round trip lost data: %+v", got)
	}
}

func TestWriteIDEncodesCreationTime(t *testing.T) {
	q, _ := setupTestQueue(t)

	before := time.Now().Add(-time.Second)
	id, err := q.Enqueue(context.Background(), "farm-1", store.OpInsert, testAnimal("a-1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	after := time.Now().Add(time.Second)

	ts, ok := WriteTime(id)
	if !ok {
		t.Fatalf("WriteTime could not parse %s", id)
	}
	if ts.Before(before) || ts.After(after) {
		t.Errorf("recovered time %v outside [%v, %v]", ts, before, after)
	}

	if _, ok := WriteTime("not-a-uuid"); ok {
		t.Error("WriteTime accepted garbage")
	}
}

func TestRemoveAndFailureBookkeeping(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "farm-1", store.OpInsert, testAnimal("a-1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	retries, err := q.RecordFailure(ctx, id, "connection refused")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if retries != 1 {
		t.Errorf("expected 1 retry, got %d", retries)
	}

	// Failure must not shrink the queue.
	count, _ := q.PendingCount(ctx, "farm-1")
	if count != 1 {
		t.Errorf("expected 1 pending after failure, got %d", count)
	}

	if err := q.Remove(ctx, id); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	count, _ = q.PendingCount(ctx, "farm-1")
	if count != 0 {
		t.Errorf("expected 0 pending after remove, got %d", count)
	}
}
