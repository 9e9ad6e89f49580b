package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/grazelabs/farmsync/internal/farm"
	"github.com/grazelabs/farmsync/internal/offline/store"
	"github.com/grazelabs/farmsync/internal/remote"
)

func setupTestManager(t *testing.T, opts ...Option) (*Manager, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	return New(st, opts...), st
}

func testAnimal(id string) *farm.Animal {
	return &farm.Animal{ID: id, TagNo: "T-" + id}
}

func TestOptimisticInsertVisibleImmediately(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	writeID, version, err := m.OptimisticWrite(ctx, "farm-1", store.OpInsert, testAnimal("a-1"))
	if err != nil {
		t.Fatalf("OptimisticWrite failed: %v", err)
	}
	if writeID == "" {
		t.Fatal("expected a write ID")
	}
	if version != 1 {
		t.Errorf("expected local version 1 for a fresh insert, got %d", version)
	}

	it, err := st.GetItem(ctx, "farm-1", farm.TableAnimals, "a-1")
	if err != nil {
		t.Fatalf("item not cached: %v", err)
	}
	if it.SyncStatus != store.StatusPending {
		t.Errorf("expected pending, got %s", it.SyncStatus)
	}
	if it.LocalVersion != 1 || it.OptimisticID != "a-1" {
		t.Errorf("unexpected metadata: version=%d optimistic=%q", it.LocalVersion, it.OptimisticID)
	}

	count, _ := m.PendingCount(ctx, "farm-1")
	if count != 1 {
		t.Errorf("expected 1 pending write, got %d", count)
	}
}

func TestOptimisticUpdateBumpsLocalVersion(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	seedSynced(t, st, "farm-1", "a-1", 4)

	_, version, err := m.OptimisticWrite(ctx, "farm-1", store.OpUpdate, testAnimal("a-1"))
	if err != nil {
		t.Fatalf("OptimisticWrite failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected returned local version 2, got %d", version)
	}

	it, err := st.GetItem(ctx, "farm-1", farm.TableAnimals, "a-1")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if it.LocalVersion != 2 {
		t.Errorf("expected local version 2, got %d", it.LocalVersion)
	}
	if it.SyncStatus != store.StatusPending {
		t.Errorf("expected pending, got %s", it.SyncStatus)
	}
	if it.ServerVersion == nil || *it.ServerVersion != 4 {
		t.Error("server version basis lost on update")
	}
}

func TestOptimisticDeleteRemovesRow(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	seedSynced(t, st, "farm-1", "a-1", 1)

	if _, _, err := m.OptimisticWrite(ctx, "farm-1", store.OpDelete, testAnimal("a-1")); err != nil {
		t.Fatalf("OptimisticWrite failed: %v", err)
	}
	if _, err := st.GetItem(ctx, "farm-1", farm.TableAnimals, "a-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected row gone, got %v", err)
	}
	count, _ := m.PendingCount(ctx, "farm-1")
	if count != 1 {
		t.Errorf("delete not queued: count=%d", count)
	}
}

func TestReadThroughStaleFiresRefresh(t *testing.T) {
	var mu sync.Mutex
	var refreshed []string
	done := make(chan struct{}, 1)

	m, st := setupTestManager(t,
		WithStaleAfter(time.Minute),
		WithRefreshFunc(func(scope, table string) {
			mu.Lock()
			refreshed = append(refreshed, scope+"/"+table)
			mu.Unlock()
			done <- struct{}{}
		}))
	ctx := context.Background()

	seedSynced(t, st, "farm-1", "a-1", 1)

	// No checkpoint at all: read succeeds but reports stale.
	it, stale, err := m.ReadThrough(ctx, "farm-1", farm.TableAnimals, "a-1")
	if err != nil {
		t.Fatalf("ReadThrough failed: %v", err)
	}
	if it == nil || !stale {
		t.Fatalf("expected stale hit, got item=%v stale=%v", it, stale)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh hook never fired")
	}
	mu.Lock()
	if len(refreshed) == 0 || refreshed[0] != "farm-1/"+farm.TableAnimals {
		t.Errorf("unexpected refresh calls: %v", refreshed)
	}
	mu.Unlock()

	// Fresh checkpoint: same read is no longer stale.
	if err := m.Checkpoints().Update(ctx, "farm-1", farm.TableAnimals, time.Now(), 1); err != nil {
		t.Fatalf("checkpoint update failed: %v", err)
	}
	_, stale, err = m.ReadThrough(ctx, "farm-1", farm.TableAnimals, "a-1")
	if err != nil {
		t.Fatalf("ReadThrough failed: %v", err)
	}
	if stale {
		t.Error("fresh checkpoint still reported stale")
	}
}

func TestConfirmWriteRekeysOptimisticRecord(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	if _, _, err := m.OptimisticWrite(ctx, "farm-1", store.OpInsert, testAnimal("tmp-1")); err != nil {
		t.Fatalf("OptimisticWrite failed: %v", err)
	}

	err := m.ConfirmWrite(ctx, "farm-1", farm.TableAnimals, "tmp-1",
		&remote.ApplyResult{ServerVersion: 1, CanonicalID: "srv-42"})
	if err != nil {
		t.Fatalf("ConfirmWrite failed: %v", err)
	}

	if _, err := st.GetItem(ctx, "farm-1", farm.TableAnimals, "tmp-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("optimistic key still present after rekey")
	}
	it, err := st.GetItem(ctx, "farm-1", farm.TableAnimals, "srv-42")
	if err != nil {
		t.Fatalf("canonical key missing: %v", err)
	}
	if it.SyncStatus != store.StatusSynced || it.OptimisticID != "" {
		t.Errorf("unexpected state after confirm: status=%s optimistic=%q", it.SyncStatus, it.OptimisticID)
	}
	if it.ServerVersion == nil || *it.ServerVersion != 1 {
		t.Error("server version not recorded")
	}
}

func TestDetectConflict(t *testing.T) {
	basis := int64(3)
	pending := &store.Item{SyncStatus: store.StatusPending, ServerVersion: &basis}

	if DetectConflict(pending, 3) {
		t.Error("same version must not conflict")
	}
	if !DetectConflict(pending, 4) {
		t.Error("newer server version under a pending write must conflict")
	}
	if DetectConflict(&store.Item{SyncStatus: store.StatusSynced, ServerVersion: &basis}, 4) {
		t.Error("synced items never conflict")
	}
	if DetectConflict(&store.Item{SyncStatus: store.StatusPending}, 4) {
		t.Error("never-synced records have no basis to conflict against")
	}
	if DetectConflict(nil, 4) {
		t.Error("missing items never conflict")
	}
}

func TestApplyServerRecordConflictKeepsLocalPayload(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	seedSynced(t, st, "farm-1", "a-1", 3)
	if _, _, err := m.OptimisticWrite(ctx, "farm-1", store.OpUpdate, testAnimal("a-1")); err != nil {
		t.Fatalf("OptimisticWrite failed: %v", err)
	}

	err := m.ApplyServerRecord(ctx, "farm-1", farm.TableAnimals, &remote.Record{
		Key:           "a-1",
		Payload:       []byte(`{"id":"a-1","tag_no":"REMOTE"}`),
		ServerVersion: 4,
		UpdatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("ApplyServerRecord failed: %v", err)
	}

	it, err := st.GetItem(ctx, "farm-1", farm.TableAnimals, "a-1")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if it.SyncStatus != store.StatusConflict {
		t.Fatalf("expected conflict, got %s", it.SyncStatus)
	}
	// The local edit must survive for manual resolution.
	if string(it.Payload) == `{"id":"a-1","tag_no":"REMOTE"}` {
		t.Error("server payload overwrote the pending local edit")
	}
	if it.ServerVersion == nil || *it.ServerVersion != 4 {
		t.Error("conflicting server version not recorded")
	}
}

func TestApplyServerRecordOverwritesSynced(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	seedSynced(t, st, "farm-1", "a-1", 3)

	err := m.ApplyServerRecord(ctx, "farm-1", farm.TableAnimals, &remote.Record{
		Key:           "a-1",
		Payload:       []byte(`{"id":"a-1","tag_no":"REMOTE"}`),
		ServerVersion: 4,
		UpdatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("ApplyServerRecord failed: %v", err)
	}

	it, _ := st.GetItem(ctx, "farm-1", farm.TableAnimals, "a-1")
	if string(it.Payload) != `{"id":"a-1","tag_no":"REMOTE"}` {
		t.Error("synced item not refreshed from server")
	}
	if it.SyncStatus != store.StatusSynced || *it.ServerVersion != 4 {
		t.Errorf("unexpected state: %s v%v", it.SyncStatus, it.ServerVersion)
	}
}

func TestApplyServerRecordDeletion(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	seedSynced(t, st, "farm-1", "a-1", 3)

	err := m.ApplyServerRecord(ctx, "farm-1", farm.TableAnimals, &remote.Record{
		Key: "a-1", ServerVersion: 4, Deleted: true, UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("ApplyServerRecord failed: %v", err)
	}
	if _, err := st.GetItem(ctx, "farm-1", farm.TableAnimals, "a-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("remotely deleted row still cached")
	}
}

func TestResolveOnlyFromConflict(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	seedSynced(t, st, "farm-1", "a-1", 3)

	// Synced items have nothing to resolve.
	if err := m.Resolve(ctx, "farm-1", farm.TableAnimals, "a-1"); err != nil {
		t.Error("resolve of a synced item should be a no-op transition")
	}

	v := int64(4)
	if err := st.PutItem(ctx, &store.Item{
		Scope: "farm-1", Table: farm.TableAnimals, Key: "a-2",
		Payload: []byte(`{}`), LastUpdated: time.Now(),
		SyncStatus: store.StatusConflict, LocalVersion: 2, ServerVersion: &v,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := m.Resolve(ctx, "farm-1", farm.TableAnimals, "a-2"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	it, _ := st.GetItem(ctx, "farm-1", farm.TableAnimals, "a-2")
	if it.SyncStatus != store.StatusSynced {
		t.Errorf("expected synced after resolve, got %s", it.SyncStatus)
	}
}

func TestMarkErrorRequiresPending(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	seedSynced(t, st, "farm-1", "a-1", 1)

	if err := m.MarkError(ctx, "farm-1", farm.TableAnimals, "a-1", "boom"); err == nil {
		t.Error("synced -> error must be rejected")
	}

	if _, _, err := m.OptimisticWrite(ctx, "farm-1", store.OpUpdate, testAnimal("a-1")); err != nil {
		t.Fatalf("OptimisticWrite failed: %v", err)
	}
	if err := m.MarkError(ctx, "farm-1", farm.TableAnimals, "a-1", "boom"); err != nil {
		t.Fatalf("MarkError failed: %v", err)
	}

	it, _ := st.GetItem(ctx, "farm-1", farm.TableAnimals, "a-1")
	if it.SyncStatus != store.StatusError || it.SyncError != "boom" {
		t.Errorf("unexpected state: %s %q", it.SyncStatus, it.SyncError)
	}
}

func TestRetryReturnsErroredItemToPending(t *testing.T) {
	m, st := setupTestManager(t)
	ctx := context.Background()

	seedSynced(t, st, "farm-1", "a-1", 1)

	// Only errored records can be retried.
	if err := m.Retry(ctx, "farm-1", farm.TableAnimals, "a-1"); err == nil {
		t.Error("retry of a synced item must be rejected")
	}

	if _, _, err := m.OptimisticWrite(ctx, "farm-1", store.OpUpdate, testAnimal("a-1")); err != nil {
		t.Fatalf("OptimisticWrite failed: %v", err)
	}
	if err := m.MarkError(ctx, "farm-1", farm.TableAnimals, "a-1", "rejected upstream"); err != nil {
		t.Fatalf("MarkError failed: %v", err)
	}

	if err := m.Retry(ctx, "farm-1", farm.TableAnimals, "a-1"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	it, err := m.Item(ctx, "farm-1", farm.TableAnimals, "a-1")
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if it.SyncStatus != store.StatusPending {
		t.Errorf("expected pending after retry, got %s", it.SyncStatus)
	}
	if it.SyncError != "" {
		t.Errorf("sync error not cleared on retry: %q", it.SyncError)
	}
}

// seedSynced puts one synced animal row with the given server version.
func seedSynced(t *testing.T, st *store.Store, scope, key string, serverVersion int64) {
	t.Helper()
	v := serverVersion
	err := st.PutItem(context.Background(), &store.Item{
		Scope:         scope,
		Table:         farm.TableAnimals,
		Key:           key,
		Payload:       []byte(`{"id":"` + key + `","tag_no":"T-` + key + `"}`),
		LastUpdated:   time.Now(),
		SyncStatus:    store.StatusSynced,
		LocalVersion:  1,
		ServerVersion: &v,
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}
