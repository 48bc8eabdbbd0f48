// Package triage decides which backend a request should prefer.
package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yshimada/llmrouter/internal/config"
	. "github.com/yshimada/llmrouter/internal/logging"
	"github.com/yshimada/llmrouter/internal/registry"
	"github.com/yshimada/llmrouter/internal/scanner"
	"github.com/yshimada/llmrouter/internal/tokens"
)

// Origin records which triage stage produced a decision.
type Origin string

const (
	OriginForced     Origin = "forced"
	OriginHardRule   Origin = "hard-rule"
	OriginClassifier Origin = "classifier"
	OriginDefault    Origin = "default"
)

// Decision is the triage outcome handed to the executor. PreferredRef is
// a preference, not a guarantee: the fallback chain still applies.
type Decision struct {
	PreferredRef string  `json:"preferredRef"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
	Origin       Origin  `json:"origin"`
}

// Input is one request to triage.
type Input struct {
	Text      string
	HasImages bool
	ForcedRef string // non-empty skips every other stage
}

// ContextTooLargeError is returned when the input does not fit any
// candidate model's context window.
type ContextTooLargeError struct {
	Tokens int
	Window int
}

func (e *ContextTooLargeError) Error() string {
	return fmt.Sprintf("input of ~%d tokens exceeds the largest available context window (%d)", e.Tokens, e.Window)
}

// replyBuffer reserves room for the model's answer when checking context
// fit.
const replyBuffer = 1024

// Engine runs the triage pipeline. Stages run in a fixed order: forced
// model, vision, hard rules, soft classifier, confidence upgrade,
// default. The first stage that produces a decision wins.
type Engine struct {
	reg      *registry.Registry
	classify ClassifyFunc
}

// New builds an engine whose soft classifier delegates to a model from
// the registry.
func New(reg *registry.Registry) *Engine {
	e := &Engine{reg: reg}
	e.classify = e.modelClassify
	return e
}

// NewWithClassifier is the test seam: it swaps the classifier call.
func NewWithClassifier(reg *registry.Registry, classify ClassifyFunc) *Engine {
	return &Engine{reg: reg, classify: classify}
}

// Decide runs the pipeline for one input.
func (e *Engine) Decide(ctx context.Context, cfg *config.Config, in Input) (Decision, error) {
	d := e.decide(ctx, cfg, in)
	return e.checkContext(cfg, in.Text, d)
}

func (e *Engine) decide(ctx context.Context, cfg *config.Config, in Input) Decision {
	if in.ForcedRef != "" {
		return Decision{
			PreferredRef: in.ForcedRef,
			Confidence:   1.0,
			Reason:       "model forced by request",
			Origin:       OriginForced,
		}
	}

	if in.HasImages {
		if d, ok := e.visionDecision(); ok {
			return d
		}
	}

	if d, ok := matchHardRules(cfg.Routing.HardRules, in.Text); ok {
		return d
	}

	if cfg.Routing.IntelligentRouting.Enabled {
		if d, ok := e.classifierDecision(ctx, cfg, in.Text); ok {
			return e.upgradeConfidence(cfg, d)
		}
	}

	return e.defaultDecision(cfg)
}

// visionDecision prefers a vision-capable local model, then the default
// cloud model (the major cloud providers all accept images). It is an
// implicit hard rule, so decisions carry the hard-rule origin.
func (e *Engine) visionDecision() (Decision, bool) {
	for _, entry := range e.reg.ListLocal() {
		if entry.HasCapability(scanner.CapVision) {
			return Decision{
				PreferredRef: entry.Ref(),
				Confidence:   1.0,
				Reason:       "image input requires a vision-capable model",
				Origin:       OriginHardRule,
			}, true
		}
	}
	if cloud := e.reg.Lookup("cloud"); cloud != nil {
		return Decision{
			PreferredRef: cloud.Ref(),
			Confidence:   1.0,
			Reason:       "image input requires a vision-capable model",
			Origin:       OriginHardRule,
		}, true
	}
	return Decision{}, false
}

// matchHardRules evaluates rules in declaration order. Trigger matching
// is a case-sensitive substring test; an empty trigger list matches
// everything.
func matchHardRules(rules []config.HardRule, text string) (Decision, bool) {
	for _, rule := range rules {
		if !ruleMatches(rule, text) {
			continue
		}
		reason := rule.Reason
		if reason == "" {
			reason = "matched routing rule"
		}
		return Decision{
			PreferredRef: rule.Model,
			Confidence:   1.0,
			Reason:       reason,
			Origin:       OriginHardRule,
		}, true
	}
	return Decision{}, false
}

func ruleMatches(rule config.HardRule, text string) bool {
	if len(rule.Triggers) == 0 {
		return true
	}
	for _, trigger := range rule.Triggers {
		if trigger != "" && strings.Contains(text, trigger) {
			return true
		}
	}
	return false
}

// upgradeConfidence re-routes a low-confidence local preference to the
// default cloud model, keeping the classifier's reason and origin.
func (e *Engine) upgradeConfidence(cfg *config.Config, d Decision) Decision {
	threshold := cfg.Routing.IntelligentRouting.ConfidenceThreshold
	if threshold <= 0 {
		return d
	}
	if d.Confidence >= threshold {
		return d
	}

	entry := e.reg.Lookup(d.PreferredRef)
	if entry == nil || !entry.IsLocal() {
		return d
	}
	cloud := e.reg.Lookup("cloud")
	if cloud == nil {
		return d
	}

	L_debug("triage: confidence below threshold, preferring cloud",
		"confidence", d.Confidence, "threshold", threshold, "was", d.PreferredRef)

	d.PreferredRef = cloud.Ref()
	return d
}

func (e *Engine) defaultDecision(cfg *config.Config) Decision {
	ref := "local"
	if len(cfg.Fallback.Chain) > 0 {
		ref = cfg.Fallback.Chain[0]
	}
	return Decision{
		PreferredRef: ref,
		Confidence:   0.5,
		Reason:       "no routing rule matched",
		Origin:       OriginDefault,
	}
}

// checkContext verifies the input fits the preferred model's context
// window. When it does not, the chain is searched for a model with a
// large enough window; if none exists the request is rejected.
func (e *Engine) checkContext(cfg *config.Config, text string, d Decision) (Decision, error) {
	entry := e.reg.Lookup(d.PreferredRef)
	if entry == nil || tokens.FitsContext(text, entry.ContextTokens, replyBuffer) {
		return d, nil
	}

	largest := entry.ContextTokens
	for _, ref := range cfg.Fallback.Chain {
		candidate := e.reg.Lookup(ref)
		if candidate == nil || candidate.Ref() == entry.Ref() {
			continue
		}
		if candidate.ContextTokens > largest {
			largest = candidate.ContextTokens
		}
		if tokens.FitsContext(text, candidate.ContextTokens, replyBuffer) {
			L_info("triage: input exceeds preferred context window, rerouting",
				"from", d.PreferredRef, "to", candidate.Ref(), "window", entry.ContextTokens)
			d.PreferredRef = candidate.Ref()
			d.Reason = d.Reason + "; rerouted to a larger context window"
			return d, nil
		}
	}

	return Decision{}, &ContextTooLargeError{
		Tokens: tokens.EstimateWithMargin(text),
		Window: largest,
	}
}

// classifierDecision delegates the routing choice to a model. Any
// failure falls through to the default stage.
func (e *Engine) classifierDecision(ctx context.Context, cfg *config.Config, text string) (Decision, bool) {
	timeout := time.Duration(cfg.Routing.IntelligentRouting.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := cfg.Routing.IntelligentRouting.TriagePrompt
	if prompt == "" {
		prompt = defaultTriagePrompt
	}
	prompt = strings.ReplaceAll(prompt, "{input}", text)

	raw, err := e.classify(ctx, cfg, prompt)
	if err != nil {
		L_warn("triage: classifier failed, using default routing", "error", err)
		return Decision{}, false
	}

	d, ok := parseClassifierOutput(raw, e.reg)
	if !ok {
		L_warn("triage: classifier output unusable", "output", truncate(raw, 200))
		return Decision{}, false
	}
	return d, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
