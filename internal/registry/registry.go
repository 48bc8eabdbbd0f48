// Package registry maintains the authoritative table of available models,
// merging runtime probe results with configured cloud providers.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/yshimada/llmrouter/internal/config"
	. "github.com/yshimada/llmrouter/internal/logging"
	"github.com/yshimada/llmrouter/internal/scanner"
)

// ProviderLocal marks locally-hosted entries.
const ProviderLocal = "local"

// ModelEntry is one loadable model, local or cloud.
type ModelEntry struct {
	ID            string                     `json:"id"`
	DisplayName   string                     `json:"displayName"`
	RuntimeRef    *scanner.RuntimeDescriptor `json:"runtimeRef,omitempty"` // nil for cloud models
	Provider      string                     `json:"provider"`             // local, anthropic, openai, google, openrouter, moonshot
	Capabilities  []string                   `json:"capabilities"`
	ContextTokens int                        `json:"contextTokens"`
	Pricing       config.ModelPricing        `json:"pricing"` // zero for local
}

// Ref returns the canonical "provider:id" reference.
func (e ModelEntry) Ref() string {
	return e.Provider + ":" + e.ID
}

// IsLocal reports whether the entry lives on a local runtime.
func (e ModelEntry) IsLocal() bool {
	return e.Provider == ProviderLocal
}

// HasCapability reports whether the entry carries a capability tag.
func (e ModelEntry) HasCapability(cap string) bool {
	return scanner.HasCapability(e.Capabilities, cap)
}

// ChangeSet describes one refresh's diff, delivered to observers.
type ChangeSet struct {
	Added   []ModelEntry
	Removed []ModelEntry
	Updated []ModelEntry
}

// Empty reports whether the refresh changed nothing.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// tableSnapshot is the immutable state swapped atomically on refresh.
type tableSnapshot struct {
	entries    map[string]ModelEntry // keyed by Ref()
	lastScanAt time.Time
	stale      bool
}

// isStale reports whether the snapshot should be served with a warning:
// either it predates the last refresh (restored from disk, or no scan has
// run yet) or the last scan has aged past the TTL.
func (s *tableSnapshot) isStale(ttl time.Duration) bool {
	if s.stale || s.lastScanAt.IsZero() {
		return true
	}
	return ttl > 0 && time.Since(s.lastScanAt) > ttl
}

// Registry is the process-wide model table.
type Registry struct {
	scanner      *scanner.Scanner
	descriptors  []scanner.RuntimeDescriptor
	probeTimeout time.Duration
	ttl          time.Duration

	preferredLocalID string
	defaultCloudRef  string
	cloudEntries     []ModelEntry

	snapshotPath string

	mu       sync.RWMutex
	snapshot *tableSnapshot

	obsMu      sync.Mutex
	observers  map[int]chan ChangeSet
	nextObsID  int
	refreshMu  sync.Mutex // serializes refreshes
	cronRunner *cron.Cron
}

// New builds a registry from the configuration. The table starts empty
// (or from a persisted snapshot via LoadSnapshot) and stale until the
// first refresh.
func New(cfg *config.Config, snapshotPath string) *Registry {
	descriptors := scanner.DefaultTargets()
	if ep := cfg.Models.Local.Endpoint; ep != "" {
		found := false
		for _, d := range descriptors {
			if strings.EqualFold(strings.TrimSuffix(d.BaseURL, "/"), strings.TrimSuffix(ep, "/")) {
				found = true
				break
			}
		}
		if !found {
			descriptors = append([]scanner.RuntimeDescriptor{{Kind: scanner.KindGenericOpenAI, BaseURL: ep}}, descriptors...)
		}
	}

	r := &Registry{
		scanner:          scanner.New(cfg.Scanner.AllowedHosts),
		descriptors:      descriptors,
		probeTimeout:     time.Duration(cfg.Scanner.ProbeTimeoutSeconds) * time.Second,
		ttl:              time.Duration(cfg.Scanner.CacheTTL) * time.Second,
		preferredLocalID: cfg.Models.Local.Model,
		defaultCloudRef:  defaultCloudRef(cfg),
		cloudEntries:     DetectCloudEntries(cfg),
		snapshotPath:     snapshotPath,
		snapshot:         &tableSnapshot{entries: map[string]ModelEntry{}, stale: true},
		observers:        make(map[int]chan ChangeSet),
	}

	// Cloud entries are static per config; seed them immediately so cloud
	// routing works before the first local scan completes.
	seeded := make(map[string]ModelEntry, len(r.cloudEntries))
	for _, e := range r.cloudEntries {
		seeded[e.Ref()] = e
	}
	r.snapshot = &tableSnapshot{entries: seeded, stale: true}

	return r
}

func defaultCloudRef(cfg *config.Config) string {
	provider := cfg.Models.Cloud.Provider
	if provider == "" {
		return ""
	}
	model := cfg.Models.Cloud.Model
	if model == "" {
		// Stay in step with DetectCloudEntries, which seeds the stock
		// model when the config names only the provider.
		model = defaultCloudModels[provider]
	}
	if model == "" {
		return ""
	}
	return provider + ":" + model
}

// SetTargets replaces the scan target list. Used when the operator
// configures explicit runtimes instead of the stock port table.
func (r *Registry) SetTargets(descriptors []scanner.RuntimeDescriptor) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	r.descriptors = descriptors
}

// Refresh probes all runtimes, merges results with the cloud entries,
// swaps the table atomically and notifies observers with the diff.
func (r *Registry) Refresh(ctx context.Context) ChangeSet {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	started := time.Now()
	results := r.scanner.ProbeAll(ctx, r.descriptors, r.probeTimeout)

	entries := make(map[string]ModelEntry)
	for _, e := range r.cloudEntries {
		entries[e.Ref()] = e
	}

	reachable := 0
	for _, res := range results {
		if !res.Reachable {
			continue
		}
		reachable++
		desc := res.Descriptor
		for _, m := range res.Models {
			entry := ModelEntry{
				ID:            m.ID,
				DisplayName:   m.DisplayName,
				RuntimeRef:    &desc,
				Provider:      ProviderLocal,
				Capabilities:  m.Capabilities,
				ContextTokens: m.ContextTokens,
			}
			entries[entry.Ref()] = entry
		}
	}

	r.mu.Lock()
	old := r.snapshot
	diff := diffTables(old.entries, entries)
	r.snapshot = &tableSnapshot{entries: entries, lastScanAt: time.Now(), stale: false}
	r.mu.Unlock()

	L_info("registry: refreshed",
		"runtimes", reachable,
		"models", len(entries),
		"added", len(diff.Added),
		"removed", len(diff.Removed),
		"updated", len(diff.Updated),
		"elapsed", time.Since(started).Round(time.Millisecond))

	if !diff.Empty() {
		r.notify(diff)
	}

	if r.snapshotPath != "" {
		if err := r.persistSnapshot(); err != nil {
			L_warn("registry: snapshot persist failed", "path", r.snapshotPath, "error", err)
		}
	}

	return diff
}

func diffTables(old, current map[string]ModelEntry) ChangeSet {
	var diff ChangeSet
	for ref, entry := range current {
		prev, ok := old[ref]
		if !ok {
			diff.Added = append(diff.Added, entry)
			continue
		}
		if entryChanged(prev, entry) {
			diff.Updated = append(diff.Updated, entry)
		}
	}
	for ref, entry := range old {
		if _, ok := current[ref]; !ok {
			diff.Removed = append(diff.Removed, entry)
		}
	}
	sortEntries(diff.Added)
	sortEntries(diff.Removed)
	sortEntries(diff.Updated)
	return diff
}

func entryChanged(a, b ModelEntry) bool {
	if a.DisplayName != b.DisplayName || a.ContextTokens != b.ContextTokens {
		return true
	}
	if len(a.Capabilities) != len(b.Capabilities) {
		return true
	}
	aRuntime := a.RuntimeRef != nil
	bRuntime := b.RuntimeRef != nil
	if aRuntime != bRuntime {
		return true
	}
	if aRuntime && a.RuntimeRef.BaseURL != b.RuntimeRef.BaseURL {
		return true
	}
	return false
}

func sortEntries(entries []ModelEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ref() < entries[j].Ref() })
}

// current returns the live snapshot, warning once per read when stale.
func (r *Registry) current() *tableSnapshot {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()

	if snap.isStale(r.ttl) {
		L_warn("registry: table is stale", "lastScanAt", snap.lastScanAt.Format(time.RFC3339), "ttl", r.ttl)
	}
	return snap
}

// Lookup resolves a model reference: "provider:id", "local" (first
// reachable local entry, preferring the configured id), or "cloud" /
// "claude" (the configured default cloud entry). Returns nil when the
// reference does not resolve.
func (r *Registry) Lookup(ref string) *ModelEntry {
	snap := r.current()

	switch ref {
	case "local":
		return r.lookupLocal(snap)
	case "cloud", "claude":
		if r.defaultCloudRef == "" {
			return nil
		}
		if entry, ok := snap.entries[r.defaultCloudRef]; ok {
			return &entry
		}
		return nil
	}

	if entry, ok := snap.entries[ref]; ok {
		return &entry
	}
	return nil
}

func (r *Registry) lookupLocal(snap *tableSnapshot) *ModelEntry {
	var first *ModelEntry
	refs := make([]string, 0, len(snap.entries))
	for ref := range snap.entries {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		entry := snap.entries[ref]
		if !entry.IsLocal() {
			continue
		}
		if r.preferredLocalID != "" && entry.ID == r.preferredLocalID {
			return &entry
		}
		if first == nil {
			e := entry
			first = &e
		}
	}
	return first
}

// ListAll returns every entry, sorted by reference.
func (r *Registry) ListAll() []ModelEntry {
	snap := r.current()
	entries := make([]ModelEntry, 0, len(snap.entries))
	for _, e := range snap.entries {
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries
}

// ListLocal returns the locally-hosted entries.
func (r *Registry) ListLocal() []ModelEntry {
	var out []ModelEntry
	for _, e := range r.ListAll() {
		if e.IsLocal() {
			out = append(out, e)
		}
	}
	return out
}

// ListCloud returns the cloud entries.
func (r *Registry) ListCloud() []ModelEntry {
	var out []ModelEntry
	for _, e := range r.ListAll() {
		if !e.IsLocal() {
			out = append(out, e)
		}
	}
	return out
}

// LastScanAt returns the time of the last completed refresh and whether
// the table is still within its TTL.
func (r *Registry) LastScanAt() (time.Time, bool) {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()
	if snap.stale || snap.lastScanAt.IsZero() {
		return snap.lastScanAt, false
	}
	return snap.lastScanAt, time.Since(snap.lastScanAt) <= r.ttl
}

// Subscribe registers a change observer. The returned channel is buffered;
// a slow observer misses diffs rather than blocking a refresh.
func (r *Registry) Subscribe() (int, <-chan ChangeSet) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()

	id := r.nextObsID
	r.nextObsID++
	ch := make(chan ChangeSet, 4)
	r.observers[id] = ch
	return id, ch
}

// Unsubscribe removes an observer and closes its channel.
func (r *Registry) Unsubscribe(id int) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	if ch, ok := r.observers[id]; ok {
		delete(r.observers, id)
		close(ch)
	}
}

func (r *Registry) notify(diff ChangeSet) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	for id, ch := range r.observers {
		select {
		case ch <- diff:
		default:
			L_warn("registry: observer not keeping up, dropping diff", "observer", id)
		}
	}
}

// StartRefreshLoop refreshes the table every TTL interval until Stop.
func (r *Registry) StartRefreshLoop() error {
	if r.cronRunner != nil {
		return fmt.Errorf("refresh loop already running")
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %ds", int(r.ttl.Seconds()))
	if _, err := c.AddFunc(spec, func() {
		if IsShuttingDown() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.ttl)
		defer cancel()
		r.Refresh(ctx)
	}); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	c.Start()
	r.cronRunner = c
	L_info("registry: refresh loop started", "interval", r.ttl)
	return nil
}

// Stop halts the refresh loop.
func (r *Registry) Stop() {
	if r.cronRunner != nil {
		r.cronRunner.Stop()
		r.cronRunner = nil
	}
}
