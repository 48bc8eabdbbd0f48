package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/yshimada/llmrouter/internal/config"
	"github.com/yshimada/llmrouter/internal/llm"
	. "github.com/yshimada/llmrouter/internal/logging"
	"github.com/yshimada/llmrouter/internal/registry"
)

// ClassifyFunc sends a triage prompt to a classifier model and returns
// its raw text output.
type ClassifyFunc func(ctx context.Context, cfg *config.Config, prompt string) (string, error)

// defaultTriagePrompt asks for a strict JSON verdict. Small local models
// frequently wrap the JSON in prose anyway, so parsing tolerates that.
const defaultTriagePrompt = `You are a request router. Decide whether the following user request needs a large cloud model or can be handled by a small local model.

Respond with JSON only, in this exact shape:
{"model": "local" or "cloud", "confidence": 0.0-1.0, "reason": "one short sentence"}

User request:
{input}`

// classifierMaxTokens caps the verdict length.
const classifierMaxTokens = 256

// modelClassify sends the prompt to the configured classifier model
// (default: the preferred local model).
func (e *Engine) modelClassify(ctx context.Context, cfg *config.Config, prompt string) (string, error) {
	ref := cfg.Routing.IntelligentRouting.ClassifierModel
	if ref == "" {
		ref = "local"
	}

	entry := e.reg.Lookup(ref)
	if entry == nil {
		return "", fmt.Errorf("classifier model %q not available", ref)
	}

	var cloudRef config.ModelPricing
	if cloud := e.reg.Lookup("cloud"); cloud != nil {
		cloudRef = cloud.Pricing
	}

	provider, err := llm.New(*entry, cloudRef, cfg)
	if err != nil {
		return "", fmt.Errorf("classifier: %w", err)
	}

	resp, err := provider.Generate(ctx, llm.Request{Input: prompt, MaxTokens: classifierMaxTokens})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

var jsonObjectRe = regexp.MustCompile(`\{[^{}]*\}`)

type classifierVerdict struct {
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// parseClassifierOutput extracts the verdict from raw model output.
// Strict JSON first; if that fails, a keyword heuristic over the text
// (small models often answer in prose).
func parseClassifierOutput(raw string, reg *registry.Registry) (Decision, bool) {
	if match := jsonObjectRe.FindString(raw); match != "" {
		var v classifierVerdict
		if err := json.Unmarshal([]byte(match), &v); err == nil && v.Model != "" {
			if ref, ok := resolveVerdictModel(v.Model, reg); ok {
				confidence := v.Confidence
				if confidence <= 0 || confidence > 1 {
					confidence = 0.8
				}
				reason := v.Reason
				if reason == "" {
					reason = "classifier verdict"
				}
				return Decision{
					PreferredRef: ref,
					Confidence:   confidence,
					Reason:       reason,
					Origin:       OriginClassifier,
				}, true
			}
		}
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "cloud") || strings.Contains(lower, "complex"):
		if ref, ok := resolveVerdictModel("cloud", reg); ok {
			return Decision{
				PreferredRef: ref,
				Confidence:   0.8,
				Reason:       "classifier indicated a complex request",
				Origin:       OriginClassifier,
			}, true
		}
	case strings.Contains(lower, "local") || strings.Contains(lower, "simple"):
		if ref, ok := resolveVerdictModel("local", reg); ok {
			return Decision{
				PreferredRef: ref,
				Confidence:   0.8,
				Reason:       "classifier indicated a simple request",
				Origin:       OriginClassifier,
			}, true
		}
	}

	return Decision{}, false
}

// resolveVerdictModel maps a classifier's model token ("local", "cloud",
// or a full ref) onto a registry entry.
func resolveVerdictModel(token string, reg *registry.Registry) (string, bool) {
	token = strings.TrimSpace(strings.ToLower(token))
	switch {
	case strings.Contains(token, "cloud") || strings.Contains(token, "complex"):
		token = "cloud"
	case strings.Contains(token, "local") || strings.Contains(token, "simple"):
		token = "local"
	}

	entry := reg.Lookup(token)
	if entry == nil {
		L_debug("triage: classifier named an unknown model", "model", token)
		return "", false
	}
	return entry.Ref(), true
}
