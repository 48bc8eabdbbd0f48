// Package scanner discovers local LLM runtimes and the models they host.
package scanner

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	. "github.com/yshimada/llmrouter/internal/logging"
)

// Kind identifies a runtime dialect.
type Kind string

const (
	KindLMStudio      Kind = "lmstudio"
	KindOllama        Kind = "ollama"
	KindLlamaCpp      Kind = "llamacpp"
	KindKoboldCpp     Kind = "koboldcpp"
	KindJan           Kind = "jan"
	KindGPT4All       Kind = "gpt4all"
	KindVLLM          Kind = "vllm"
	KindGenericOpenAI Kind = "generic-openai"
)

// Diagnostic categorizes why a probe failed.
type Diagnostic string

const (
	DiagNone              Diagnostic = ""
	DiagConnectionRefused Diagnostic = "connection-refused"
	DiagTimeout           Diagnostic = "timeout"
	DiagBadResponse       Diagnostic = "bad-response"
)

// RuntimeDescriptor identifies one local LLM endpoint.
type RuntimeDescriptor struct {
	Kind         Kind      `json:"kind"`
	BaseURL      string    `json:"baseURL"`
	Reachable    bool      `json:"reachable"`
	LastProbedAt time.Time `json:"lastProbedAt"`
}

// DiscoveredModel is a model stub reported by a runtime's list endpoint.
type DiscoveredModel struct {
	ID            string   `json:"id"`
	DisplayName   string   `json:"displayName"`
	Capabilities  []string `json:"capabilities"`
	ContextTokens int      `json:"contextTokens,omitempty"`
}

// ProbeResult is the outcome of one liveness probe. Probes never mutate
// shared state; they return pure values consumed by the registry.
type ProbeResult struct {
	Descriptor RuntimeDescriptor `json:"descriptor"`
	Reachable  bool              `json:"reachable"`
	Models     []DiscoveredModel `json:"models"`
	ProbedAt   time.Time         `json:"probedAt"`
	Diagnostic Diagnostic        `json:"diagnostic,omitempty"`
}

// maxInFlight bounds parallel probes; they sit on the refresh critical path.
const maxInFlight = 8

// DefaultTargets returns the well-known local runtime endpoints. Each
// runtime ships with a conventional default port.
func DefaultTargets() []RuntimeDescriptor {
	targets := []struct {
		kind Kind
		port int
	}{
		{KindLMStudio, 1234},
		{KindOllama, 11434},
		{KindLlamaCpp, 8080},
		{KindKoboldCpp, 5001},
		{KindJan, 1337},
		{KindGPT4All, 4891},
		{KindGenericOpenAI, 5000},
		{KindVLLM, 8888},
	}

	descriptors := make([]RuntimeDescriptor, 0, len(targets))
	for _, t := range targets {
		descriptors = append(descriptors, RuntimeDescriptor{
			Kind:    t.kind,
			BaseURL: fmt.Sprintf("http://localhost:%d", t.port),
		})
	}
	return descriptors
}

// loopbackHosts are always permitted as runtime endpoints. Anything else
// must be explicitly allow-listed or the descriptor is never probed; this
// keeps the registry from being poisoned into request forgery.
var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// HostAllowed reports whether baseURL points at loopback or an
// allow-listed host.
func HostAllowed(baseURL string, allowedHosts []string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	if loopbackHosts[strings.ToLower(host)] {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	for _, allowed := range allowedHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}

// Scanner probes local runtimes.
type Scanner struct {
	allowedHosts []string
}

// New creates a scanner. allowedHosts extends the loopback set with
// LAN-hosted runtimes the operator trusts.
func New(allowedHosts []string) *Scanner {
	return &Scanner{allowedHosts: allowedHosts}
}

// Probe performs one HTTP call against the kind-specific list-models
// endpoint and normalizes the response.
func (s *Scanner) Probe(ctx context.Context, kind Kind, baseURL string, timeout time.Duration) ProbeResult {
	now := time.Now()
	result := ProbeResult{
		Descriptor: RuntimeDescriptor{Kind: kind, BaseURL: baseURL, LastProbedAt: now},
		ProbedAt:   now,
	}

	if !HostAllowed(baseURL, s.allowedHosts) {
		L_warn("scanner: endpoint host not allow-listed, refusing to probe", "kind", kind, "baseURL", baseURL)
		result.Diagnostic = DiagBadResponse
		return result
	}

	models, diag := detectorFor(kind).listModels(ctx, baseURL, timeout)
	result.Diagnostic = diag
	if diag != DiagNone {
		L_debug("scanner: probe failed", "kind", kind, "baseURL", baseURL, "diagnostic", diag)
		return result
	}

	for i := range models {
		models[i].Capabilities = inferCapabilities(models[i].ID)
	}

	result.Reachable = true
	result.Descriptor.Reachable = true
	result.Models = models
	L_debug("scanner: probe ok", "kind", kind, "baseURL", baseURL, "models", len(models))
	return result
}

// ProbeAll probes all descriptors in parallel, bounded to maxInFlight.
// Results are returned in input order.
func (s *Scanner) ProbeAll(ctx context.Context, descriptors []RuntimeDescriptor, perProbeTimeout time.Duration) []ProbeResult {
	results := make([]ProbeResult, len(descriptors))
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup

	for i, desc := range descriptors {
		wg.Add(1)
		go func(i int, desc RuntimeDescriptor) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = s.Probe(ctx, desc.Kind, desc.BaseURL, perProbeTimeout)
		}(i, desc)
	}

	wg.Wait()
	return results
}
