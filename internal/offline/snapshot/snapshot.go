// Package snapshot exports and imports the local cache as JSONL, one record
// per line. Snapshots move a farm's offline data between devices and back it
// up before risky operations; they carry cached items only, never the
// pending-write queue, which belongs to the device that made the writes.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/grazelabs/farmsync/internal/farm"
	"github.com/grazelabs/farmsync/internal/offline/store"
)

// line is the wire form of one exported item.
type line struct {
	Table         string          `json:"table"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	LastUpdated   time.Time       `json:"last_updated"`
	SyncStatus    string          `json:"sync_status"`
	LocalVersion  int64           `json:"local_version"`
	ServerVersion *int64          `json:"server_version,omitempty"`
}

// Result summarizes an import or export.
type Result struct {
	Records int
	Skipped int
}

// Export writes every cached item of the scope to w as JSONL.
func Export(ctx context.Context, st *store.Store, scope string, w io.Writer) (*Result, error) {
	result := &Result{}
	enc := json.NewEncoder(w)

	for _, table := range farm.KnownTables() {
		items, err := st.ItemsByTable(ctx, scope, table)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", table, err)
		}
		for _, it := range items {
			err := enc.Encode(line{
				Table:         it.Table,
				Key:           it.Key,
				Payload:       it.Payload,
				LastUpdated:   it.LastUpdated,
				SyncStatus:    string(it.SyncStatus),
				LocalVersion:  it.LocalVersion,
				ServerVersion: it.ServerVersion,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s/%s: %w", it.Table, it.Key, err)
			}
			result.Records++
		}
	}
	return result, nil
}

// Import reads JSONL from r into the scope. Pending and conflicted statuses
// are downgraded to synced on the way in; the importing device has no queue
// entry backing them. Lines for unknown tables are skipped and counted.
func Import(ctx context.Context, st *store.Store, scope string, r io.Reader) (*Result, error) {
	result := &Result{}
	known := make(map[string]bool)
	for _, t := range farm.KnownTables() {
		known[t] = true
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		var ln line
		if err := json.Unmarshal(data, &ln); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if !known[ln.Table] {
			result.Skipped++
			continue
		}

		err := st.PutItem(ctx, &store.Item{
			Scope:         scope,
			Table:         ln.Table,
			Key:           ln.Key,
			Payload:       ln.Payload,
			LastUpdated:   ln.LastUpdated,
			SyncStatus:    store.StatusSynced,
			LocalVersion:  ln.LocalVersion,
			ServerVersion: ln.ServerVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to import line %d (%s/%s): %w", lineNum, ln.Table, ln.Key, err)
		}
		result.Records++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return result, nil
}
