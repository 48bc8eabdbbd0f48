package scanner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[{"name":"qwen3-4b","details":{"parameter_size":"4B"}},{"name":"llava:13b"}]}`))
	}))
}

func fakeLMStudio(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"qwen3-4b","max_context_length":32768},{"id":"gemma-vision-2b"}]}`))
	}))
}

func TestProbeOllama(t *testing.T) {
	srv := fakeOllama(t)
	defer srv.Close()

	s := New(nil)
	result := s.Probe(context.Background(), KindOllama, srv.URL, 3*time.Second)

	if !result.Reachable {
		t.Fatalf("not reachable: %s", result.Diagnostic)
	}
	if len(result.Models) != 2 {
		t.Fatalf("models = %d", len(result.Models))
	}
	if result.Models[0].ID != "qwen3-4b" {
		t.Errorf("id = %q", result.Models[0].ID)
	}
	if result.Models[0].DisplayName != "qwen3-4b (4B)" {
		t.Errorf("display = %q", result.Models[0].DisplayName)
	}
	if !HasCapability(result.Models[1].Capabilities, CapVision) {
		t.Errorf("llava should be tagged vision: %v", result.Models[1].Capabilities)
	}
}

func TestProbeOpenAIDialect(t *testing.T) {
	srv := fakeLMStudio(t)
	defer srv.Close()

	s := New(nil)
	result := s.Probe(context.Background(), KindLMStudio, srv.URL, 3*time.Second)

	if !result.Reachable {
		t.Fatalf("not reachable: %s", result.Diagnostic)
	}
	if len(result.Models) != 2 {
		t.Fatalf("models = %d", len(result.Models))
	}
	if result.Models[0].ContextTokens != 32768 {
		t.Errorf("contextTokens = %d", result.Models[0].ContextTokens)
	}
	if !HasCapability(result.Models[1].Capabilities, CapVision) {
		t.Errorf("vision model not tagged: %v", result.Models[1].Capabilities)
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	s := New(nil)
	// Nothing listens on this port
	result := s.Probe(context.Background(), KindOllama, "http://127.0.0.1:1", 2*time.Second)

	if result.Reachable {
		t.Fatal("expected unreachable")
	}
	if result.Diagnostic != DiagConnectionRefused {
		t.Errorf("diagnostic = %s", result.Diagnostic)
	}
}

func TestProbeBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	s := New(nil)
	result := s.Probe(context.Background(), KindLMStudio, srv.URL, 2*time.Second)

	if result.Reachable {
		t.Fatal("expected unreachable")
	}
	if result.Diagnostic != DiagBadResponse {
		t.Errorf("diagnostic = %s", result.Diagnostic)
	}
}

func TestProbeRefusesNonAllowListedHost(t *testing.T) {
	s := New(nil)
	result := s.Probe(context.Background(), KindOllama, "http://10.0.0.5:11434", time.Second)
	if result.Reachable {
		t.Fatal("probe should refuse non-loopback host")
	}
}

func TestHostAllowed(t *testing.T) {
	cases := []struct {
		url     string
		allowed []string
		want    bool
	}{
		{"http://localhost:1234", nil, true},
		{"http://127.0.0.1:11434", nil, true},
		{"http://[::1]:8080", nil, true},
		{"http://10.0.0.5:11434", nil, false},
		{"http://10.0.0.5:11434", []string{"10.0.0.5"}, true},
		{"http://gpu-box.lan:11434", []string{"gpu-box.lan"}, true},
		{"http://evil.example:80", []string{"gpu-box.lan"}, false},
		{"not a url", nil, false},
	}
	for _, tc := range cases {
		if got := HostAllowed(tc.url, tc.allowed); got != tc.want {
			t.Errorf("HostAllowed(%q, %v) = %v, want %v", tc.url, tc.allowed, got, tc.want)
		}
	}
}

func TestProbeAllPreservesOrder(t *testing.T) {
	ollama := fakeOllama(t)
	defer ollama.Close()
	lmstudio := fakeLMStudio(t)
	defer lmstudio.Close()

	descriptors := []RuntimeDescriptor{
		{Kind: KindLMStudio, BaseURL: lmstudio.URL},
		{Kind: KindOllama, BaseURL: "http://127.0.0.1:1"},
		{Kind: KindOllama, BaseURL: ollama.URL},
	}

	s := New(nil)
	results := s.ProbeAll(context.Background(), descriptors, 3*time.Second)

	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if !results[0].Reachable || results[0].Descriptor.Kind != KindLMStudio {
		t.Errorf("result 0: %+v", results[0])
	}
	if results[1].Reachable {
		t.Errorf("result 1 should be unreachable")
	}
	if !results[2].Reachable || len(results[2].Models) != 2 {
		t.Errorf("result 2: %+v", results[2])
	}
}

func TestDefaultTargets(t *testing.T) {
	targets := DefaultTargets()
	if len(targets) != 8 {
		t.Fatalf("targets = %d", len(targets))
	}
	byKind := make(map[Kind]string)
	for _, d := range targets {
		byKind[d.Kind] = d.BaseURL
	}
	if byKind[KindOllama] != "http://localhost:11434" {
		t.Errorf("ollama url = %q", byKind[KindOllama])
	}
	if byKind[KindLMStudio] != "http://localhost:1234" {
		t.Errorf("lmstudio url = %q", byKind[KindLMStudio])
	}
}
