package snapshot

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grazelabs/farmsync/internal/farm"
	"github.com/grazelabs/farmsync/internal/offline/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestExportImportRoundTrip(t *testing.T) {
	src := setupTestStore(t)
	dst := setupTestStore(t)
	ctx := context.Background()

	v := int64(3)
	seed := []*store.Item{
		{
			Scope: "farm-1", Table: farm.TableAnimals, Key: "a-1",
			Payload: []byte(`{"id":"a-1","tag_no":"T-1"}`), LastUpdated: time.Now(),
			SyncStatus: store.StatusSynced, LocalVersion: 1, ServerVersion: &v,
		},
		{
			Scope: "farm-1", Table: farm.TableMilkingRecords, Key: "m-1",
			Payload: []byte(`{"id":"m-1","animal_id":"a-1","session":"morning","liters":10}`),
			LastUpdated: time.Now(), SyncStatus: store.StatusPending, LocalVersion: 2,
		},
	}
	for _, it := range seed {
		if err := src.PutItem(ctx, it); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	var buf bytes.Buffer
	exported, err := Export(ctx, src, "farm-1", &buf)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if exported.Records != 2 {
		t.Fatalf("expected 2 exported records, got %d", exported.Records)
	}
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Errorf("expected 2 JSONL lines, got %d", got)
	}

	imported, err := Import(ctx, dst, "farm-1", &buf)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imported.Records != 2 || imported.Skipped != 0 {
		t.Errorf("unexpected import result: %+v", imported)
	}

	it, err := dst.GetItem(ctx, "farm-1", farm.TableAnimals, "a-1")
	if err != nil {
		t.Fatalf("imported item missing: %v", err)
	}
	if it.ServerVersion == nil || *it.ServerVersion != 3 {
		t.Error("server version lost in round trip")
	}

	// A pending item arrives synced: this device holds no queue entry for it.
	m, err := dst.GetItem(ctx, "farm-1", farm.TableMilkingRecords, "m-1")
	if err != nil {
		t.Fatalf("imported item missing: %v", err)
	}
	if m.SyncStatus != store.StatusSynced {
		t.Errorf("pending status survived import: %s", m.SyncStatus)
	}
}

func TestImportSkipsUnknownTables(t *testing.T) {
	dst := setupTestStore(t)

	input := `{"table":"animals","key":"a-1","payload":{"id":"a-1","tag_no":"T-1"},"last_updated":"2025-06-01T00:00:00Z","sync_status":"synced","local_version":1}
{"table":"tractors","key":"t-1","payload":{},"last_updated":"2025-06-01T00:00:00Z","sync_status":"synced","local_version":1}
`
	result, err := Import(context.Background(), dst, "farm-1", strings.NewReader(input))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Records != 1 || result.Skipped != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestImportRejectsMalformedLine(t *testing.T) {
	dst := setupTestStore(t)

	if _, err := Import(context.Background(), dst, "farm-1", strings.NewReader("{not json}\n")); err == nil {
		t.Error("expected error for malformed JSONL")
	}
}
