package registry

import (
	"github.com/yshimada/llmrouter/internal/config"
	. "github.com/yshimada/llmrouter/internal/logging"
)

// defaultCloudModels maps each provider to the model used when the config
// names the provider but no model, or when only a credential is present.
var defaultCloudModels = map[string]string{
	"anthropic":  "claude-sonnet-4-5",
	"openai":     "gpt-4o-mini",
	"google":     "gemini-2.0-flash",
	"openrouter": "openrouter/auto",
	"moonshot":   "kimi-k2",
}

// defaultCloudPricing is the fallback USD-per-million pricing used when the
// config has no entry for a cloud model. Cloud entries must never carry
// zero pricing or the savings statistic degenerates.
var defaultCloudPricing = map[string]config.ModelPricing{
	"anthropic":  {Input: 3.0, Output: 15.0},
	"openai":     {Input: 0.15, Output: 0.6},
	"google":     {Input: 0.1, Output: 0.4},
	"openrouter": {Input: 1.0, Output: 3.0},
	"moonshot":   {Input: 0.6, Output: 2.5},
}

// defaultCloudContext is a conservative context window per provider.
var defaultCloudContext = map[string]int{
	"anthropic":  200000,
	"openai":     128000,
	"google":     1000000,
	"openrouter": 128000,
	"moonshot":   128000,
}

// DetectCloudEntries builds cloud model entries for every provider with a
// credential in the environment. The configured default provider uses the
// configured model id; other credentialed providers get their stock model.
func DetectCloudEntries(cfg *config.Config) []ModelEntry {
	var entries []ModelEntry

	for _, provider := range config.KnownProviders {
		if config.APIKeyFor(provider) == "" {
			continue
		}

		modelID := defaultCloudModels[provider]
		if cfg.Models.Cloud.Provider == provider && cfg.Models.Cloud.Model != "" {
			modelID = cfg.Models.Cloud.Model
		}

		pricing := cfg.PricingFor(modelID)
		if pricing.IsZero() {
			pricing = defaultCloudPricing[provider]
			L_debug("registry: using stock pricing for cloud model", "provider", provider, "model", modelID)
		}

		caps := []string{"text", "tools"}
		if provider == "anthropic" || provider == "openai" || provider == "google" {
			caps = append(caps, "vision")
		}

		entries = append(entries, ModelEntry{
			ID:            modelID,
			DisplayName:   modelID,
			Provider:      provider,
			Capabilities:  caps,
			ContextTokens: defaultCloudContext[provider],
			Pricing:       pricing,
		})
		L_info("registry: cloud provider available", "provider", provider, "model", modelID)
	}

	return entries
}
