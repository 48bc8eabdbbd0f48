package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/yshimada/llmrouter/internal/logging"
)

// SnapshotPath returns the registry snapshot location inside a data dir.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "model_registry.json")
}

// persistedSnapshot is the on-disk registry state.
type persistedSnapshot struct {
	Version    int          `json:"version"`
	LastScanAt time.Time    `json:"last_scan"`
	Entries    []ModelEntry `json:"entries"`
}

// persistSnapshot writes the current table atomically via a temp file.
func (r *Registry) persistSnapshot() error {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()

	entries := make([]ModelEntry, 0, len(snap.entries))
	for _, e := range snap.entries {
		entries = append(entries, e)
	}
	sortEntries(entries)

	file := persistedSnapshot{
		Version:    1,
		LastScanAt: snap.lastScanAt,
		Entries:    entries,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.snapshotPath), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmpPath := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, r.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	L_debug("registry: snapshot persisted", "path", r.snapshotPath, "entries", len(entries))
	return nil
}

// LoadSnapshot seeds the table from the last persisted state. The table
// is marked stale until the first refresh completes; cloud entries from
// the current config take precedence over persisted ones.
func (r *Registry) LoadSnapshot() error {
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("registry: no snapshot, starting empty", "path", r.snapshotPath)
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var file persistedSnapshot
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	entries := make(map[string]ModelEntry, len(file.Entries))
	for _, e := range file.Entries {
		if e.ID == "" || e.Provider == "" {
			continue
		}
		entries[e.Ref()] = e
	}
	for _, e := range r.cloudEntries {
		entries[e.Ref()] = e
	}

	r.mu.Lock()
	r.snapshot = &tableSnapshot{entries: entries, lastScanAt: file.LastScanAt, stale: true}
	r.mu.Unlock()

	L_info("registry: snapshot loaded", "path", r.snapshotPath, "entries", len(entries), "lastScan", file.LastScanAt.Format(time.RFC3339))
	return nil
}
