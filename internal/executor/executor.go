// Package executor runs requests against the fallback chain.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/yshimada/llmrouter/internal/config"
	"github.com/yshimada/llmrouter/internal/llm"
	. "github.com/yshimada/llmrouter/internal/logging"
	"github.com/yshimada/llmrouter/internal/registry"
)

const (
	defaultMaxRetries = 3
	baseRetryDelay    = 1 * time.Second
	maxRetryDelay     = 30 * time.Second
	jitterFraction    = 0.25
)

// AttemptOutcome classifies one attempt record.
type AttemptOutcome string

const (
	AttemptSuccess          AttemptOutcome = "success"
	AttemptTransientFailure AttemptOutcome = "transient-failure"
	AttemptTerminalFailure  AttemptOutcome = "terminal-failure"
	AttemptSkipped          AttemptOutcome = "skipped"
)

// AttemptRecord describes one attempt against one backend. The full
// list is returned with every outcome, success or failure, so callers
// can see exactly what happened.
type AttemptRecord struct {
	ModelRef  string         `json:"modelRef"`
	StartedAt time.Time      `json:"startedAt"`
	Elapsed   time.Duration  `json:"elapsed"`
	Outcome   AttemptOutcome `json:"outcome"`
	ErrorKind llm.ErrorKind  `json:"errorKind,omitempty"`
	Error     string         `json:"error,omitempty"`
	TokensIn  int            `json:"tokensIn,omitempty"`
	TokensOut int            `json:"tokensOut,omitempty"`
	Cost      float64        `json:"cost,omitempty"`
}

// Outcome is a completed execution.
type Outcome struct {
	ModelRef    string          `json:"modelRef"` // backend that answered
	Response    *llm.Response   `json:"response"`
	Attempts    []AttemptRecord `json:"attempts"`
	FellBack    bool            `json:"fellBack"`    // answered by a non-preferred backend
	CostWarning bool            `json:"costWarning"` // local preference ended up on a paid cloud model
}

// ErrNoBackends is returned when the chain resolves to nothing.
type ErrNoBackends struct{}

func (ErrNoBackends) Error() string { return "no backends available" }

// AllBackendsFailedError aggregates every backend's final error.
type AllBackendsFailedError struct {
	Attempts []AttemptRecord
	Errors   []error
}

func (e *AllBackendsFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("all backends failed: %s", strings.Join(parts, "; "))
}

// providerFactory builds the Provider for a registry entry. Swappable
// for tests.
type providerFactory func(entry registry.ModelEntry, cloudRef config.ModelPricing, cfg *config.Config) (llm.Provider, error)

// Executor walks the fallback chain with per-backend retries.
type Executor struct {
	reg      *registry.Registry
	provider providerFactory
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds an executor over the registry.
func New(reg *registry.Registry) *Executor {
	return &Executor{
		reg:      reg,
		provider: llm.New,
		sleep:    sleepCtx,
	}
}

// NewWithProviderFactory is the test seam.
func NewWithProviderFactory(reg *registry.Registry, factory providerFactory) *Executor {
	return &Executor{reg: reg, provider: factory, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute tries the preferred backend first, then the rest of the chain
// in order. Each backend gets up to maxRetries attempts on transient
// failures before the executor moves on.
func (e *Executor) Execute(ctx context.Context, cfg *config.Config, preferredRef string, req llm.Request) (*Outcome, error) {
	candidates, skipped := e.resolveTryOrder(cfg, preferredRef)
	if len(candidates) == 0 {
		if len(e.reg.ListAll()) == 0 {
			return nil, ErrNoBackends{}
		}
		return nil, &AllBackendsFailedError{
			Attempts: skipped,
			Errors:   []error{fmt.Errorf("no chain entry resolved to an available model")},
		}
	}

	maxRetries := cfg.Fallback.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	preferredLocal := false
	if preferred := e.reg.Lookup(preferredRef); preferred != nil {
		preferredLocal = preferred.IsLocal()
	}

	attempts := append([]AttemptRecord(nil), skipped...)
	var failures []error

	for i, entry := range candidates {
		provider, err := e.provider(entry, e.cloudReference(), cfg)
		if err != nil {
			L_warn("executor: skipping backend", "model", entry.Ref(), "error", err)
			attempts = append(attempts, AttemptRecord{
				ModelRef:  entry.Ref(),
				StartedAt: time.Now(),
				Outcome:   AttemptSkipped,
				Error:     err.Error(),
			})
			failures = append(failures, fmt.Errorf("%s: %w", entry.Ref(), err))
			continue
		}

		resp, records, err := e.tryBackend(ctx, provider, entry, req, maxRetries)
		attempts = append(attempts, records...)

		if err == nil {
			fellBack := i > 0
			costWarning := preferredLocal && !entry.IsLocal() && hasFailure(attempts)
			if costWarning {
				L_warn("executor: local preference answered by paid cloud model",
					"model", entry.Ref(), "cost", resp.Cost)
			}
			return &Outcome{
				ModelRef:    entry.Ref(),
				Response:    resp,
				Attempts:    attempts,
				FellBack:    fellBack,
				CostWarning: costWarning,
			}, nil
		}

		failures = append(failures, fmt.Errorf("%s: %w", entry.Ref(), err))
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &AllBackendsFailedError{Attempts: attempts, Errors: failures}
}

// resolveTryOrder builds [preferred] ++ (chain \ preferred), resolving
// aliases and dropping duplicates. Unresolvable refs are recorded as
// skipped attempts rather than silently dropped.
func (e *Executor) resolveTryOrder(cfg *config.Config, preferredRef string) ([]registry.ModelEntry, []AttemptRecord) {
	var (
		order   []registry.ModelEntry
		skipped []AttemptRecord
		seen    = map[string]bool{}
	)

	add := func(ref string) {
		entry := e.reg.Lookup(ref)
		if entry == nil {
			L_warn("executor: chain entry not available, skipping", "ref", ref)
			skipped = append(skipped, AttemptRecord{
				ModelRef:  ref,
				StartedAt: time.Now(),
				Outcome:   AttemptSkipped,
				Error:     "model not available",
			})
			return
		}
		if seen[entry.Ref()] {
			return
		}
		seen[entry.Ref()] = true
		order = append(order, *entry)
	}

	if preferredRef != "" {
		add(preferredRef)
	}
	for _, ref := range cfg.Fallback.Chain {
		add(ref)
	}
	return order, skipped
}

// tryBackend runs the retry loop for one backend. A malformed response
// is retried once; transient errors retry with exponential backoff up
// to maxRetries; terminal errors abort immediately.
func (e *Executor) tryBackend(ctx context.Context, provider llm.Provider, entry registry.ModelEntry, req llm.Request, maxRetries int) (*llm.Response, []AttemptRecord, error) {
	var (
		records       []AttemptRecord
		lastErr       error
		malformedSeen bool
	)

	for attempt := 0; attempt < maxRetries; attempt++ {
		started := time.Now()
		resp, err := provider.Generate(ctx, req)
		elapsed := time.Since(started)

		if err == nil {
			records = append(records, AttemptRecord{
				ModelRef:  entry.Ref(),
				StartedAt: started,
				Elapsed:   elapsed,
				Outcome:   AttemptSuccess,
				TokensIn:  resp.TokensIn,
				TokensOut: resp.TokensOut,
				Cost:      resp.Cost,
			})
			return resp, records, nil
		}

		lastErr = err
		kind := llm.Classify(err)

		retryable := llm.IsRetryable(kind)
		if kind == llm.ErrKindMalformedResponse && !malformedSeen {
			malformedSeen = true
			retryable = true
		}

		outcome := AttemptTransientFailure
		if !retryable {
			outcome = AttemptTerminalFailure
		}
		records = append(records, AttemptRecord{
			ModelRef:  entry.Ref(),
			StartedAt: started,
			Elapsed:   elapsed,
			Outcome:   outcome,
			ErrorKind: kind,
			Error:     err.Error(),
		})

		if !retryable {
			L_warn("executor: terminal failure, moving to next backend",
				"model", entry.Ref(), "kind", kind, "error", err)
			return nil, records, err
		}
		if attempt == maxRetries-1 {
			break
		}

		delay := retryDelay(attempt, llm.RetryAfter(err))
		L_debug("executor: transient failure, retrying",
			"model", entry.Ref(), "kind", kind, "attempt", attempt+1, "delay", delay)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return nil, records, sleepErr
		}
	}

	L_warn("executor: retries exhausted", "model", entry.Ref(), "error", lastErr)
	return nil, records, lastErr
}

// retryDelay is exponential backoff with jitter, overridden by a
// server-advertised Retry-After.
func retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := baseRetryDelay << uint(attempt)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// +/- 25% to avoid thundering herds
	jitter := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (e *Executor) cloudReference() config.ModelPricing {
	if cloud := e.reg.Lookup("cloud"); cloud != nil {
		return cloud.Pricing
	}
	return config.ModelPricing{}
}

func hasFailure(attempts []AttemptRecord) bool {
	for _, a := range attempts {
		if a.Outcome == AttemptTransientFailure || a.Outcome == AttemptTerminalFailure {
			return true
		}
	}
	return false
}
