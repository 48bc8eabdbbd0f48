package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yshimada/llmrouter/internal/logging"
)

// FallbackOverride is the operator-edited priority file. When present in
// the data directory it replaces the config's fallback.chain.
type FallbackOverride struct {
	Priority  []string `json:"priority"`
	UpdatedAt string   `json:"updated_at"`
}

// FallbackOverridePath returns the override file location inside a data dir.
func FallbackOverridePath(dataDir string) string {
	return filepath.Join(dataDir, "fallback_priority.json")
}

// LoadFallbackOverride reads the override file. A missing or unparseable
// file yields nil (the config chain stays in effect).
func LoadFallbackOverride(path string) *FallbackOverride {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.L_warn("config: cannot read fallback override", "path", path, "error", err)
		}
		return nil
	}

	var override FallbackOverride
	if err := json.Unmarshal(data, &override); err != nil {
		logging.L_warn("config: malformed fallback override ignored", "path", path, "error", err)
		return nil
	}
	if len(override.Priority) == 0 {
		return nil
	}
	return &override
}

// SaveFallbackOverride writes the override atomically via a temp file.
func SaveFallbackOverride(path string, priority []string) error {
	for i, ref := range priority {
		if !ValidModelRef(ref) {
			return fmt.Errorf("fallback override: malformed model reference %q at %d", ref, i)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	override := FallbackOverride{
		Priority:  priority,
		UpdatedAt: time.Now().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(override, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fallback override: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	logging.L_debug("config: saved fallback override", "path", path, "priority", len(priority))
	return nil
}

// EffectiveChain returns the fallback chain after applying any operator
// override found in the data directory.
func (c *Config) EffectiveChain(dataDir string) []string {
	if override := LoadFallbackOverride(FallbackOverridePath(dataDir)); override != nil {
		logging.L_info("config: fallback chain overridden", "priority", override.Priority)
		return override.Priority
	}
	return c.Fallback.Chain
}
