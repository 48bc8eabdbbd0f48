package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"
)

// detector speaks one runtime's list-models dialect.
type detector interface {
	listModels(ctx context.Context, baseURL string, timeout time.Duration) ([]DiscoveredModel, Diagnostic)
}

// detectorFor returns the dialect adapter for a runtime kind. Everything
// except Ollama speaks the OpenAI /v1/models shape.
func detectorFor(kind Kind) detector {
	if kind == KindOllama {
		return ollamaDetector{}
	}
	return openAIDetector{}
}

// classifyTransportError maps an HTTP client error onto a probe diagnostic.
func classifyTransportError(err error) Diagnostic {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return DiagTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DiagTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return DiagConnectionRefused
	}
	// DNS failures and resets count as refused for probe purposes
	return DiagConnectionRefused
}

func fetchJSON(ctx context.Context, url string, timeout time.Duration, out interface{}) Diagnostic {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return DiagBadResponse
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return DiagBadResponse
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return DiagBadResponse
	}
	return DiagNone
}

// ollamaDetector speaks the native Ollama /api/tags dialect.
type ollamaDetector struct{}

type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Model   string `json:"model"`
		Details struct {
			Family        string `json:"family"`
			ParameterSize string `json:"parameter_size"`
		} `json:"details"`
	} `json:"models"`
}

func (ollamaDetector) listModels(ctx context.Context, baseURL string, timeout time.Duration) ([]DiscoveredModel, Diagnostic) {
	var tags ollamaTagsResponse
	url := strings.TrimSuffix(baseURL, "/") + "/api/tags"
	if diag := fetchJSON(ctx, url, timeout, &tags); diag != DiagNone {
		return nil, diag
	}

	models := make([]DiscoveredModel, 0, len(tags.Models))
	for _, m := range tags.Models {
		id := m.Name
		if id == "" {
			id = m.Model
		}
		if id == "" {
			continue
		}
		display := id
		if m.Details.ParameterSize != "" {
			display = id + " (" + m.Details.ParameterSize + ")"
		}
		models = append(models, DiscoveredModel{ID: id, DisplayName: display})
	}
	return models, DiagNone
}

// openAIDetector speaks the OpenAI-compatible /v1/models dialect used by
// LM Studio, llama.cpp, KoboldCpp, Jan, GPT4All, vLLM and most others.
type openAIDetector struct{}

type openAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
		// Context window field names vary between servers
		ContextLength    *int `json:"context_length"`
		MaxContextLength *int `json:"max_context_length"`
		MaxModelLen      *int `json:"max_model_len"`
	} `json:"data"`
}

func (openAIDetector) listModels(ctx context.Context, baseURL string, timeout time.Duration) ([]DiscoveredModel, Diagnostic) {
	var list openAIModelsResponse
	url := strings.TrimSuffix(baseURL, "/") + "/v1/models"
	if diag := fetchJSON(ctx, url, timeout, &list); diag != DiagNone {
		return nil, diag
	}

	models := make([]DiscoveredModel, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID == "" {
			continue
		}
		contextTokens := 0
		switch {
		case m.ContextLength != nil && *m.ContextLength > 0:
			contextTokens = *m.ContextLength
		case m.MaxContextLength != nil && *m.MaxContextLength > 0:
			contextTokens = *m.MaxContextLength
		case m.MaxModelLen != nil && *m.MaxModelLen > 0:
			contextTokens = *m.MaxModelLen
		}
		models = append(models, DiscoveredModel{
			ID:            m.ID,
			DisplayName:   m.ID,
			ContextTokens: contextTokens,
		})
	}
	return models, DiagNone
}
