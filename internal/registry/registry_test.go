package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yshimada/llmrouter/internal/config"
	"github.com/yshimada/llmrouter/internal/scanner"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Models: config.ModelsConfig{
			Local: config.LocalModelConfig{Model: "qwen3-4b"},
			Cloud: config.CloudModelConfig{Provider: "anthropic", Model: "claude-sonnet"},
		},
		Fallback: config.FallbackConfig{Chain: []string{"local:qwen3-4b", "cloud:claude-sonnet"}},
		Cost: config.CostConfig{
			Pricing: map[string]config.ModelPricing{
				"claude-sonnet": {Input: 3.0, Output: 15.0},
			},
			FXRate: 1.0,
		},
		Scanner: config.ScannerConfig{CacheTTL: 300, ProbeTimeoutSeconds: 3},
	}
	return cfg
}

func fakeRuntime(t *testing.T, modelIDs ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[`))
		for i, id := range modelIDs {
			if i > 0 {
				w.Write([]byte(","))
			}
			w.Write([]byte(`{"id":"` + id + `","max_context_length":32768}`))
		}
		w.Write([]byte(`]}`))
	}))
}

func newTestRegistry(t *testing.T, srv *httptest.Server) *Registry {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	r := New(testConfig(), filepath.Join(t.TempDir(), "model_registry.json"))
	var targets []scanner.RuntimeDescriptor
	if srv != nil {
		targets = []scanner.RuntimeDescriptor{{Kind: scanner.KindLMStudio, BaseURL: srv.URL}}
	}
	r.SetTargets(targets)
	return r
}

func TestRefreshPopulatesTable(t *testing.T) {
	srv := fakeRuntime(t, "qwen3-4b", "llava-vision")
	defer srv.Close()

	r := newTestRegistry(t, srv)
	diff := r.Refresh(context.Background())

	if len(diff.Added) != 2 {
		t.Errorf("added = %d (cloud entry is seeded at construction)", len(diff.Added))
	}

	all := r.ListAll()
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3 (2 local + 1 cloud)", len(all))
	}

	// Invariants: local entries carry a runtime ref, cloud entries carry pricing
	for _, e := range r.ListLocal() {
		if e.RuntimeRef == nil {
			t.Errorf("local entry %s has nil runtimeRef", e.Ref())
		}
		if !e.Pricing.IsZero() {
			t.Errorf("local entry %s has pricing", e.Ref())
		}
	}
	for _, e := range r.ListCloud() {
		if e.RuntimeRef != nil {
			t.Errorf("cloud entry %s has runtimeRef", e.Ref())
		}
		if e.Pricing.IsZero() {
			t.Errorf("cloud entry %s has zero pricing", e.Ref())
		}
	}
}

func TestLookupAliases(t *testing.T) {
	srv := fakeRuntime(t, "other-model", "qwen3-4b")
	defer srv.Close()

	r := newTestRegistry(t, srv)
	r.Refresh(context.Background())

	local := r.Lookup("local")
	if local == nil || local.ID != "qwen3-4b" {
		t.Errorf("local alias should prefer configured id, got %+v", local)
	}

	cloud := r.Lookup("cloud")
	if cloud == nil || cloud.Ref() != "anthropic:claude-sonnet" {
		t.Errorf("cloud alias = %+v", cloud)
	}
	claude := r.Lookup("claude")
	if claude == nil || claude.Ref() != cloud.Ref() {
		t.Errorf("claude alias = %+v", claude)
	}

	direct := r.Lookup("local:other-model")
	if direct == nil || direct.ID != "other-model" {
		t.Errorf("direct ref = %+v", direct)
	}

	if r.Lookup("local:nonexistent") != nil {
		t.Error("lookup of unknown ref should return nil")
	}
}

func TestRefreshDiffRemovals(t *testing.T) {
	srv := fakeRuntime(t, "qwen3-4b")
	r := newTestRegistry(t, srv)
	r.Refresh(context.Background())
	srv.Close() // runtime goes away

	diff := r.Refresh(context.Background())
	if len(diff.Removed) != 1 || diff.Removed[0].ID != "qwen3-4b" {
		t.Errorf("removed = %+v", diff.Removed)
	}
	if len(r.ListLocal()) != 0 {
		t.Errorf("local entries remain after runtime vanished: %v", r.ListLocal())
	}
	// Cloud entry survives runtime loss
	if len(r.ListCloud()) != 1 {
		t.Errorf("cloud entries = %d", len(r.ListCloud()))
	}
}

func TestObserverReceivesDiff(t *testing.T) {
	srv := fakeRuntime(t, "qwen3-4b")
	defer srv.Close()

	r := newTestRegistry(t, srv)
	id, ch := r.Subscribe()
	defer r.Unsubscribe(id)

	r.Refresh(context.Background())

	select {
	case diff := <-ch:
		if len(diff.Added) == 0 {
			t.Errorf("diff has no additions: %+v", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("observer not notified")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	srv := fakeRuntime(t, "qwen3-4b")
	defer srv.Close()

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	path := filepath.Join(t.TempDir(), "model_registry.json")

	r := New(testConfig(), path)
	r.SetTargets([]scanner.RuntimeDescriptor{{Kind: scanner.KindLMStudio, BaseURL: srv.URL}})
	r.Refresh(context.Background())

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	// A fresh registry loads the snapshot and is stale until refreshed
	r2 := New(testConfig(), path)
	if err := r2.LoadSnapshot(); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got := r2.Lookup("local:qwen3-4b"); got == nil {
		t.Error("persisted local entry not restored")
	}
	if _, valid := r2.LastScanAt(); valid {
		t.Error("restored table should be stale until first refresh")
	}
}

func TestStaleDetection(t *testing.T) {
	fresh := &tableSnapshot{lastScanAt: time.Now()}
	if fresh.isStale(300 * time.Second) {
		t.Error("freshly-scanned table reported stale")
	}

	// Restored from a persisted snapshot: stale until the first refresh
	// even when the recorded scan time is recent.
	restored := &tableSnapshot{lastScanAt: time.Now(), stale: true}
	if !restored.isStale(300 * time.Second) {
		t.Error("restored table not reported stale")
	}

	expired := &tableSnapshot{lastScanAt: time.Now().Add(-10 * time.Minute)}
	if !expired.isStale(300 * time.Second) {
		t.Error("expired table not reported stale")
	}

	empty := &tableSnapshot{}
	if !empty.isStale(300 * time.Second) {
		t.Error("never-scanned table not reported stale")
	}
}

func TestCloudAliasWithoutConfiguredModel(t *testing.T) {
	srv := fakeRuntime(t, "qwen3-4b")
	defer srv.Close()

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	cfg := testConfig()
	cfg.Models.Cloud.Model = "" // provider named, model left to the stock table

	r := New(cfg, filepath.Join(t.TempDir(), "model_registry.json"))
	r.SetTargets([]scanner.RuntimeDescriptor{{Kind: scanner.KindLMStudio, BaseURL: srv.URL}})
	r.Refresh(context.Background())

	cloud := r.Lookup("cloud")
	if cloud == nil {
		t.Fatal("cloud alias did not resolve")
	}
	if cloud.Ref() != "anthropic:"+defaultCloudModels["anthropic"] {
		t.Errorf("cloud alias = %s", cloud.Ref())
	}
	claude := r.Lookup("claude")
	if claude == nil || claude.Ref() != cloud.Ref() {
		t.Errorf("claude alias = %+v", claude)
	}
}

func TestDetectCloudEntriesRequiresCredential(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("MOONSHOT_API_KEY", "")

	entries := DetectCloudEntries(testConfig())
	if len(entries) != 0 {
		t.Errorf("entries without credentials = %v", entries)
	}

	t.Setenv("OPENAI_API_KEY", "sk-test1234567890abcdef")
	entries = DetectCloudEntries(testConfig())
	if len(entries) != 1 || entries[0].Provider != "openai" {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].Pricing.IsZero() {
		t.Error("cloud entry missing pricing")
	}
}
