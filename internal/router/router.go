// Package router ties triage, execution and persistence together.
package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/yshimada/llmrouter/internal/config"
	"github.com/yshimada/llmrouter/internal/executor"
	"github.com/yshimada/llmrouter/internal/llm"
	. "github.com/yshimada/llmrouter/internal/logging"
	"github.com/yshimada/llmrouter/internal/registry"
	"github.com/yshimada/llmrouter/internal/store"
	"github.com/yshimada/llmrouter/internal/triage"
)

// maxConcurrent bounds in-flight requests. Requests beyond the limit
// fail immediately rather than queueing.
const maxConcurrent = 16

// ErrEmptyInput rejects blank queries before any backend is touched.
var ErrEmptyInput = errors.New("input text is empty")

// ErrBusy is returned when the concurrency limit is reached.
var ErrBusy = errors.New("router is at capacity, try again shortly")

// interruptedStub is stored when a request dies mid-flight, so the
// conversation records that something was asked.
const interruptedStub = "(interrupted)"

// failedStub is stored when every backend failed.
const failedStub = "(no response: all backends failed)"

// Request is one routed query.
type Request struct {
	Input          string      `json:"input"`
	Images         []llm.Image `json:"images,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"` // empty starts a new conversation
	Topic          string      `json:"topic,omitempty"`
	ForceModelRef  string      `json:"forceModelRef,omitempty"`
	System         string      `json:"system,omitempty"`
}

// Result is a completed routed query.
type Result struct {
	Text           string                   `json:"text"`
	ModelRef       string                   `json:"modelRef"`
	ConversationID string                   `json:"conversationId"`
	Decision       triage.Decision          `json:"decision"`
	Attempts       []executor.AttemptRecord `json:"attempts"`
	FellBack       bool                     `json:"fellBack"`
	CostWarning    bool                     `json:"costWarning"`
	TokensIn       int                      `json:"tokensIn"`
	TokensOut      int                      `json:"tokensOut"`
	Cost           float64                  `json:"cost"`
	SavedCost      float64                  `json:"savedCost"`
}

// Router is the public facade. One instance serves the HTTP API and
// the CLI alike.
type Router struct {
	cfg   atomic.Pointer[config.Config]
	reg   *registry.Registry
	eng   *triage.Engine
	exec  *executor.Executor
	store *store.Store
	stats Stats

	slots   chan struct{}
	watcher *config.Watcher
}

// New wires a router over its collaborators. store may be nil (routing
// still works, nothing is persisted).
func New(cfg *config.Config, reg *registry.Registry, st *store.Store) *Router {
	r := &Router{
		reg:   reg,
		eng:   triage.New(reg),
		exec:  executor.New(reg),
		store: st,
		slots: make(chan struct{}, maxConcurrent),
	}
	r.cfg.Store(applyChainOverride(cfg))
	return r
}

// applyChainOverride folds the operator's persisted priority override
// into the fallback chain.
func applyChainOverride(cfg *config.Config) *config.Config {
	dataDir := filepath.Dir(cfg.Database.Path)
	if chain := cfg.EffectiveChain(dataDir); len(chain) > 0 {
		cfg.Fallback.Chain = chain
	}
	return cfg
}

// Config returns the current config snapshot. In-flight requests keep
// the snapshot they started with.
func (r *Router) Config() *config.Config {
	return r.cfg.Load()
}

// Registry exposes the model registry.
func (r *Router) Registry() *registry.Registry {
	return r.reg
}

// Store exposes the conversation store (may be nil).
func (r *Router) Store() *store.Store {
	return r.store
}

// Route runs one query end to end: triage, execution, persistence.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, ErrEmptyInput
	}

	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	default:
		L_warn("router: at capacity, rejecting request")
		return nil, ErrBusy
	}

	cfg := r.cfg.Load()
	r.stats.requestStarted()

	conversationID := r.persistUserTurn(req)

	decision, err := r.eng.Decide(ctx, cfg, triage.Input{
		Text:      req.Input,
		HasImages: len(req.Images) > 0,
		ForcedRef: req.ForceModelRef,
	})
	if err != nil {
		return nil, err
	}

	L_info("router: decision", "preferred", decision.PreferredRef,
		"origin", decision.Origin, "confidence", decision.Confidence, "reason", decision.Reason)

	outcome, err := r.exec.Execute(ctx, cfg, decision.PreferredRef, llm.Request{
		Input:  req.Input,
		System: req.System,
		Images: req.Images,
	})
	if err != nil {
		r.persistFailureStub(conversationID, ctx.Err() != nil)
		return nil, err
	}

	r.persistAssistantTurn(conversationID, outcome)
	r.stats.recordOutcome(r.reg, outcome, len(req.Images) > 0)

	return &Result{
		Text:           outcome.Response.Text,
		ModelRef:       outcome.ModelRef,
		ConversationID: conversationID,
		Decision:       decision,
		Attempts:       outcome.Attempts,
		FellBack:       outcome.FellBack,
		CostWarning:    outcome.CostWarning,
		TokensIn:       outcome.Response.TokensIn,
		TokensOut:      outcome.Response.TokensOut,
		Cost:           outcome.Response.Cost,
		SavedCost:      outcome.Response.SavedCost,
	}, nil
}

// persistUserTurn stores the user message before execution. Store
// failures never fail the request.
func (r *Router) persistUserTurn(req Request) string {
	if r.store == nil {
		return req.ConversationID
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := r.store.CreateConversation("", req.Topic)
		if err != nil {
			L_warn("router: failed to create conversation", "error", err)
			return ""
		}
		conversationID = conv.ID
	}

	if _, err := r.store.AppendMessage(conversationID, store.RoleUser, req.Input, ""); err != nil {
		L_warn("router: failed to persist user message", "conversation", conversationID, "error", err)
	}
	return conversationID
}

func (r *Router) persistAssistantTurn(conversationID string, outcome *executor.Outcome) {
	if r.store == nil || conversationID == "" {
		return
	}
	if _, err := r.store.AppendMessage(conversationID, store.RoleAssistant, outcome.Response.Text, outcome.ModelRef); err != nil {
		L_warn("router: failed to persist assistant message", "conversation", conversationID, "error", err)
	}
}

// persistFailureStub records a system note so the conversation shows
// the question was asked but never answered.
func (r *Router) persistFailureStub(conversationID string, interrupted bool) {
	if r.store == nil || conversationID == "" {
		return
	}
	stub := failedStub
	if interrupted {
		stub = interruptedStub
	}
	if _, err := r.store.AppendMessage(conversationID, store.RoleSystem, stub, ""); err != nil {
		L_warn("router: failed to persist failure stub", "conversation", conversationID, "error", err)
	}
}

// ReloadConfig re-reads the config file and swaps it in atomically.
// In-flight requests finish on the snapshot they started with.
func (r *Router) ReloadConfig() error {
	current := r.cfg.Load()
	cfg, err := config.Load(current.Path())
	if err != nil {
		return err
	}
	r.cfg.Store(applyChainOverride(cfg))
	L_info("router: config reloaded", "path", cfg.Path())
	return nil
}

// Start launches the background refresh loop and the config watcher.
func (r *Router) Start() error {
	if err := r.reg.StartRefreshLoop(); err != nil {
		return err
	}

	cfg := r.cfg.Load()
	watcher, err := config.NewWatcher(cfg.Path(), func(next *config.Config) {
		r.cfg.Store(applyChainOverride(next))
		L_info("router: config reloaded on file change", "path", next.Path())
	})
	if err != nil {
		L_warn("router: config watcher unavailable", "error", err)
		return nil
	}
	r.watcher = watcher
	return nil
}

// Stop shuts down the background machinery.
func (r *Router) Stop() {
	r.reg.Stop()
	if r.watcher != nil {
		r.watcher.Close()
	}
}
