package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/yshimada/llmrouter/internal/config"
	"github.com/yshimada/llmrouter/internal/llm"
	"github.com/yshimada/llmrouter/internal/registry"
	"github.com/yshimada/llmrouter/internal/scanner"
)

func testConfig() *config.Config {
	return &config.Config{
		Models: config.ModelsConfig{
			Local: config.LocalModelConfig{Model: "qwen3-4b"},
			Cloud: config.CloudModelConfig{Provider: "anthropic", Model: "claude-sonnet"},
		},
		Fallback: config.FallbackConfig{
			Chain:      []string{"local:qwen3-4b", "anthropic:claude-sonnet"},
			MaxRetries: 3,
		},
		Cost: config.CostConfig{
			Pricing: map[string]config.ModelPricing{
				"claude-sonnet": {Input: 3.0, Output: 15.0},
			},
			FXRate: 1.0,
		},
		Scanner: config.ScannerConfig{CacheTTL: 300, ProbeTimeoutSeconds: 3},
	}
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
			w.Write([]byte(`{"id":"` + id + `"}`))
		}
		w.Write([]byte(`]}`))
	}))
}

func testRegistry(t *testing.T, cfg *config.Config) *registry.Registry {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	srv := fakeRuntime(t, "qwen3-4b")
	t.Cleanup(srv.Close)

	reg := registry.New(cfg, filepath.Join(t.TempDir(), "model_registry.json"))
	reg.SetTargets([]scanner.RuntimeDescriptor{{Kind: scanner.KindLMStudio, BaseURL: srv.URL}})
	reg.Refresh(context.Background())
	return reg
}

// fakeProvider replays a scripted sequence of results, sticking at the
// last one once the script runs out.
type fakeProvider struct {
	ref    string
	script []func() (*llm.Response, error)
	calls  int
}

func (f *fakeProvider) Name() string                                 { return f.ref }
func (f *fakeProvider) Kind() string                                 { return "fake" }
func (f *fakeProvider) ModelRef() string                             { return f.ref }
func (f *fakeProvider) CountTokens(text string) int                  { return len(text) / 4 }
func (f *fakeProvider) ValidateCredentials(ctx context.Context) bool { return true }

func (f *fakeProvider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	return f.script[i]()
}

func ok(text, ref string) func() (*llm.Response, error) {
	return func() (*llm.Response, error) {
		return &llm.Response{Text: text, ModelRef: ref, TokensIn: 10, TokensOut: 20, Cost: 0.01}, nil
	}
}

func fail(err error) func() (*llm.Response, error) {
	return func() (*llm.Response, error) { return nil, err }
}

func scriptedExecutor(t *testing.T, reg *registry.Registry, providers map[string]*fakeProvider) (*Executor, *[]time.Duration) {
	t.Helper()
	e := NewWithProviderFactory(reg, func(entry registry.ModelEntry, cloudRef config.ModelPricing, cfg *config.Config) (llm.Provider, error) {
		p, found := providers[entry.Ref()]
		if !found {
			return nil, errors.New("no credentials")
		}
		return p, nil
	})
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestLocalFailureFallsBackToCloud(t *testing.T) {
	cfg := testConfig()
	reg := testRegistry(t, cfg)

	serverErr := &llm.APIError{Provider: "lmstudio", StatusCode: 500, Message: "boom"}
	providers := map[string]*fakeProvider{
		"local:qwen3-4b":          {ref: "local:qwen3-4b", script: []func() (*llm.Response, error){fail(serverErr)}},
		"anthropic:claude-sonnet": {ref: "anthropic:claude-sonnet", script: []func() (*llm.Response, error){ok("answer", "anthropic:claude-sonnet")}},
	}
	e, _ := scriptedExecutor(t, reg, providers)

	out, err := e.Execute(context.Background(), cfg, "local:qwen3-4b", llm.Request{Input: "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ModelRef != "anthropic:claude-sonnet" {
		t.Errorf("answered by %s, want cloud", out.ModelRef)
	}
	if !out.FellBack {
		t.Error("FellBack = false, want true")
	}
	if !out.CostWarning {
		t.Error("CostWarning = false, want true (local preference ended on cloud)")
	}
	if providers["local:qwen3-4b"].calls != 3 {
		t.Errorf("local attempts = %d, want 3 (retries exhausted)", providers["local:qwen3-4b"].calls)
	}

	var transient, success int
	for _, a := range out.Attempts {
		switch a.Outcome {
		case AttemptTransientFailure:
			transient++
		case AttemptSuccess:
			success++
		}
	}
	if transient != 3 || success != 1 {
		t.Errorf("attempts: %d transient + %d success, want 3 + 1", transient, success)
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	cfg := testConfig()
	reg := testRegistry(t, cfg)

	rateLimited := &llm.APIError{Provider: "anthropic", StatusCode: 429, Message: "slow down", RetryAfter: 2 * time.Second}
	providers := map[string]*fakeProvider{
		"anthropic:claude-sonnet": {ref: "anthropic:claude-sonnet", script: []func() (*llm.Response, error){
			fail(rateLimited),
			ok("answer", "anthropic:claude-sonnet"),
		}},
	}
	e, slept := scriptedExecutor(t, reg, providers)

	out, err := e.Execute(context.Background(), cfg, "anthropic:claude-sonnet", llm.Request{Input: "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ModelRef != "anthropic:claude-sonnet" {
		t.Errorf("answered by %s", out.ModelRef)
	}
	if len(*slept) != 1 || (*slept)[0] != 2*time.Second {
		t.Errorf("slept %v, want exactly the server's 2s Retry-After", *slept)
	}
}

func TestTerminalErrorSkipsRetries(t *testing.T) {
	cfg := testConfig()
	reg := testRegistry(t, cfg)

	authErr := &llm.APIError{Provider: "anthropic", StatusCode: 401, Message: "bad key"}
	providers := map[string]*fakeProvider{
		"local:qwen3-4b":          {ref: "local:qwen3-4b", script: []func() (*llm.Response, error){ok("answer", "local:qwen3-4b")}},
		"anthropic:claude-sonnet": {ref: "anthropic:claude-sonnet", script: []func() (*llm.Response, error){fail(authErr)}},
	}
	e, slept := scriptedExecutor(t, reg, providers)

	out, err := e.Execute(context.Background(), cfg, "anthropic:claude-sonnet", llm.Request{Input: "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if providers["anthropic:claude-sonnet"].calls != 1 {
		t.Errorf("auth failure retried %d times, want 1 attempt", providers["anthropic:claude-sonnet"].calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no backoff on terminal errors", *slept)
	}
	if out.ModelRef != "local:qwen3-4b" {
		t.Errorf("answered by %s, want the next chain entry", out.ModelRef)
	}
}

func TestMalformedResponseRetriedOnce(t *testing.T) {
	cfg := testConfig()
	reg := testRegistry(t, cfg)

	malformed := &llm.MalformedResponseError{Provider: "lmstudio", Err: errors.New("bad json")}
	providers := map[string]*fakeProvider{
		"local:qwen3-4b": {ref: "local:qwen3-4b", script: []func() (*llm.Response, error){
			fail(malformed),
			ok("answer", "local:qwen3-4b"),
		}},
		"anthropic:claude-sonnet": {ref: "anthropic:claude-sonnet", script: []func() (*llm.Response, error){ok("cloud", "anthropic:claude-sonnet")}},
	}
	e, _ := scriptedExecutor(t, reg, providers)

	out, err := e.Execute(context.Background(), cfg, "local:qwen3-4b", llm.Request{Input: "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ModelRef != "local:qwen3-4b" {
		t.Errorf("answered by %s, want local after one malformed retry", out.ModelRef)
	}
}

func TestMalformedResponseTerminalOnSecondHit(t *testing.T) {
	cfg := testConfig()
	reg := testRegistry(t, cfg)

	malformed := &llm.MalformedResponseError{Provider: "lmstudio", Err: errors.New("bad json")}
	providers := map[string]*fakeProvider{
		"local:qwen3-4b":          {ref: "local:qwen3-4b", script: []func() (*llm.Response, error){fail(malformed)}},
		"anthropic:claude-sonnet": {ref: "anthropic:claude-sonnet", script: []func() (*llm.Response, error){ok("cloud", "anthropic:claude-sonnet")}},
	}
	e, _ := scriptedExecutor(t, reg, providers)

	out, err := e.Execute(context.Background(), cfg, "local:qwen3-4b", llm.Request{Input: "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if providers["local:qwen3-4b"].calls != 2 {
		t.Errorf("malformed retried %d times, want exactly 2 attempts", providers["local:qwen3-4b"].calls)
	}
	if out.ModelRef != "anthropic:claude-sonnet" {
		t.Errorf("answered by %s, want fallback to cloud", out.ModelRef)
	}
}

func TestAllBackendsFailed(t *testing.T) {
	cfg := testConfig()
	reg := testRegistry(t, cfg)

	serverErr := &llm.APIError{Provider: "lmstudio", StatusCode: 500, Message: "boom"}
	authErr := &llm.APIError{Provider: "anthropic", StatusCode: 403, Message: "forbidden"}
	providers := map[string]*fakeProvider{
		"local:qwen3-4b":          {ref: "local:qwen3-4b", script: []func() (*llm.Response, error){fail(serverErr)}},
		"anthropic:claude-sonnet": {ref: "anthropic:claude-sonnet", script: []func() (*llm.Response, error){fail(authErr)}},
	}
	e, _ := scriptedExecutor(t, reg, providers)

	_, err := e.Execute(context.Background(), cfg, "local:qwen3-4b", llm.Request{Input: "hello"})
	if err == nil {
		t.Fatal("Execute succeeded, want error")
	}
	var allFailed *AllBackendsFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("error type = %T, want AllBackendsFailedError", err)
	}
	if len(allFailed.Errors) != 2 {
		t.Errorf("aggregated %d errors, want 2 (one per backend)", len(allFailed.Errors))
	}
	// Both backends appear in the attempt log, in try order.
	if len(allFailed.Attempts) == 0 || allFailed.Attempts[0].ModelRef != "local:qwen3-4b" {
		t.Errorf("first attempt = %+v, want the preferred backend", allFailed.Attempts)
	}
	last := allFailed.Attempts[len(allFailed.Attempts)-1]
	if last.ModelRef != "anthropic:claude-sonnet" {
		t.Errorf("last attempt against %s, want the cloud backend", last.ModelRef)
	}
}

func TestUnresolvedPreferredSkipped(t *testing.T) {
	cfg := testConfig()
	reg := testRegistry(t, cfg)

	providers := map[string]*fakeProvider{
		"local:qwen3-4b":          {ref: "local:qwen3-4b", script: []func() (*llm.Response, error){ok("answer", "local:qwen3-4b")}},
		"anthropic:claude-sonnet": {ref: "anthropic:claude-sonnet", script: []func() (*llm.Response, error){ok("cloud", "anthropic:claude-sonnet")}},
	}
	e, _ := scriptedExecutor(t, reg, providers)

	out, err := e.Execute(context.Background(), cfg, "local:gone-model", llm.Request{Input: "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ModelRef != "local:qwen3-4b" {
		t.Errorf("answered by %s, want the chain primary", out.ModelRef)
	}
	if len(out.Attempts) == 0 || out.Attempts[0].Outcome != AttemptSkipped {
		t.Errorf("attempts = %+v, want a leading skipped record for the unresolved ref", out.Attempts)
	}
}

func TestEmptyRegistry(t *testing.T) {
	cfg := testConfig()
	// No credential, no reachable runtime: the registry stays empty.
	t.Setenv("ANTHROPIC_API_KEY", "")
	reg := registry.New(cfg, filepath.Join(t.TempDir(), "model_registry.json"))
	reg.SetTargets(nil)
	reg.Refresh(context.Background())

	e := New(reg)
	_, err := e.Execute(context.Background(), cfg, "local", llm.Request{Input: "hello"})
	var noBackends ErrNoBackends
	if !errors.As(err, &noBackends) {
		t.Fatalf("error = %v, want ErrNoBackends", err)
	}
}

func TestBackoffGrowsWithJitter(t *testing.T) {
	for attempt := 0; attempt < 6; attempt++ {
		d := retryDelay(attempt, 0)
		base := baseRetryDelay << uint(attempt)
		if base > maxRetryDelay {
			base = maxRetryDelay
		}
		lo := time.Duration(float64(base) * (1 - jitterFraction))
		hi := time.Duration(float64(base) * (1 + jitterFraction))
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
		}
	}
	if d := retryDelay(0, 5*time.Second); d != 5*time.Second {
		t.Errorf("Retry-After override = %v, want 5s", d)
	}
}
