package llm

import (
	"context"

	"github.com/yshimada/llmrouter/internal/tokens"
)

// Image is a multimodal payload attached to a request.
type Image struct {
	MimeType string `json:"mimeType"` // "image/jpeg", "image/png", ...
	Data     string `json:"data"`     // base64-encoded
}

// Request is the provider-agnostic generation request.
type Request struct {
	Input     string
	System    string
	Images    []Image
	MaxTokens int // 0 = provider default
}

// Response is the unified response shape returned to the executor.
type Response struct {
	Text      string  `json:"text"`
	ModelRef  string  `json:"modelRef"`
	TokensIn  int     `json:"tokensIn"`
	TokensOut int     `json:"tokensOut"`
	Cost      float64 `json:"cost"`      // FX-adjusted; zero for local backends
	SavedCost float64 `json:"savedCost"` // would-have-been cloud cost for local backends
}

// Provider is the unified interface for one backend model.
// Implementations: openAIProvider, anthropicProvider, googleProvider,
// ollamaProvider.
type Provider interface {
	// Identity
	Name() string     // instance name (e.g. "lmstudio", "anthropic")
	Kind() string     // provider kind (e.g. "openai", "anthropic", "ollama", "google")
	ModelRef() string // canonical "provider:id" reference

	// Generate sends one request and returns the full response.
	Generate(ctx context.Context, req Request) (*Response, error)

	// CountTokens estimates the token count of a text for this backend.
	CountTokens(text string) int

	// ValidateCredentials reports whether the provider has usable
	// credentials. Local backends always validate.
	ValidateCredentials(ctx context.Context) bool
}

// ErrUnavailable is returned when a backend cannot accept requests.
type ErrUnavailable struct {
	Provider string
	Reason   string
}

func (e ErrUnavailable) Error() string {
	if e.Reason != "" {
		return e.Provider + " is unavailable: " + e.Reason
	}
	return e.Provider + " is unavailable"
}

// countTokens is the shared estimator used by all adapters.
func countTokens(text string) int {
	return tokens.Estimate(text)
}
