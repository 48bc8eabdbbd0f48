package llm

import (
	"fmt"
	"time"

	"github.com/yshimada/llmrouter/internal/config"
	"github.com/yshimada/llmrouter/internal/registry"
	"github.com/yshimada/llmrouter/internal/scanner"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	moonshotBaseURL   = "https://api.moonshot.ai/v1"

	localRequestTimeout = 120 * time.Second
)

// New builds the Provider for a registry entry. cloudReference is the
// pricing of the default cloud model, used to compute savings when the
// entry is local.
func New(entry registry.ModelEntry, cloudReference config.ModelPricing, cfg *config.Config) (Provider, error) {
	fx := 1.0
	if cfg != nil && cfg.Cost.FXRate > 0 {
		fx = cfg.Cost.FXRate
	}

	if entry.IsLocal() {
		if entry.RuntimeRef == nil {
			return nil, fmt.Errorf("local model %s has no runtime", entry.ID)
		}
		pricer := Pricer{CloudReference: cloudReference, FXRate: fx, Local: true}

		if entry.RuntimeRef.Kind == scanner.KindOllama {
			return newOllamaProvider(string(entry.RuntimeRef.Kind), entry.RuntimeRef.BaseURL,
				entry.ID, entry.Ref(), localRequestTimeout, pricer), nil
		}
		return newOpenAIProvider(openAIOptions{
			Name:     string(entry.RuntimeRef.Kind),
			BaseURL:  entry.RuntimeRef.BaseURL,
			Model:    entry.ID,
			ModelRef: entry.Ref(),
			Local:    true,
			Timeout:  localRequestTimeout,
			Pricer:   pricer,
		}), nil
	}

	pricer := Pricer{Pricing: entry.Pricing, FXRate: fx}
	apiKey := config.APIKeyFor(entry.Provider)

	switch entry.Provider {
	case "anthropic":
		return newAnthropicProvider(entry.Provider, apiKey, entry.ID, entry.Ref(), pricer)
	case "google":
		return newGoogleProvider(entry.Provider, apiKey, entry.ID, entry.Ref(), pricer)
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("openai API key not configured")
		}
		return newOpenAIProvider(openAIOptions{
			Name:     entry.Provider,
			APIKey:   apiKey,
			Model:    entry.ID,
			ModelRef: entry.Ref(),
			Pricer:   pricer,
		}), nil
	case "openrouter":
		if apiKey == "" {
			return nil, fmt.Errorf("openrouter API key not configured")
		}
		return newOpenAIProvider(openAIOptions{
			Name:     entry.Provider,
			BaseURL:  openRouterBaseURL,
			APIKey:   apiKey,
			Model:    entry.ID,
			ModelRef: entry.Ref(),
			Pricer:   pricer,
		}), nil
	case "moonshot":
		if apiKey == "" {
			return nil, fmt.Errorf("moonshot API key not configured")
		}
		return newOpenAIProvider(openAIOptions{
			Name:     entry.Provider,
			BaseURL:  moonshotBaseURL,
			APIKey:   apiKey,
			Model:    entry.ID,
			ModelRef: entry.Ref(),
			Pricer:   pricer,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", entry.Provider)
	}
}
