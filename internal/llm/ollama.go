package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/yshimada/llmrouter/internal/logging"
)

// ollamaProvider speaks Ollama's native /api/chat endpoint. Ollama also
// exposes an OpenAI-compatible surface, but the native API reports exact
// token counts (prompt_eval_count / eval_count) which the compat layer
// omits.
type ollamaProvider struct {
	name     string
	baseURL  string
	model    string
	modelRef string
	client   *http.Client
	pricer   Pricer
}

func newOllamaProvider(name, baseURL, model, modelRef string, timeout time.Duration, pricer Pricer) *ollamaProvider {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	L_debug("ollama adapter created", "name", name, "model", model, "baseURL", baseURL)

	return &ollamaProvider{
		name:     name,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		model:    model,
		modelRef: modelRef,
		client:   &http.Client{Timeout: timeout},
		pricer:   pricer,
	}
}

func (p *ollamaProvider) Name() string     { return p.name }
func (p *ollamaProvider) Kind() string     { return "ollama" }
func (p *ollamaProvider) ModelRef() string { return p.modelRef }

func (p *ollamaProvider) CountTokens(text string) int {
	return countTokens(text)
}

func (p *ollamaProvider) ValidateCredentials(ctx context.Context) bool {
	return true
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64, no data-URL prefix
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (p *ollamaProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	messages := make([]ollamaChatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: req.System})
	}
	user := ollamaChatMessage{Role: "user", Content: req.Input}
	for _, img := range req.Images {
		user.Images = append(user.Images, img.Data)
	}
	messages = append(messages, user)

	chatReq := ollamaChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   false,
	}
	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	L_debug("ollama: sending request", "name", p.name, "model", p.model, "inputChars", len(req.Input), "images", len(req.Images))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", p.name, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(raw)
		var errResp ollamaChatResponse
		if jsonErr := json.Unmarshal(raw, &errResp); jsonErr == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return nil, &APIError{Provider: p.name, StatusCode: httpResp.StatusCode, Message: msg}
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return nil, &MalformedResponseError{Provider: p.name, Err: err}
	}
	if chatResp.Message.Content == "" {
		return nil, &MalformedResponseError{Provider: p.name, Err: fmt.Errorf("response has no message content")}
	}

	tokensIn := chatResp.PromptEvalCount
	tokensOut := chatResp.EvalCount
	if tokensIn == 0 {
		tokensIn = countTokens(req.Input)
	}
	if tokensOut == 0 {
		tokensOut = countTokens(chatResp.Message.Content)
	}

	cost, saved := p.pricer.Price(tokensIn, tokensOut)

	L_info("llm: request completed", "provider", p.name, "model", p.model,
		"tokensIn", tokensIn, "tokensOut", tokensOut,
		"duration", time.Since(started).Round(time.Millisecond))

	return &Response{
		Text:      chatResp.Message.Content,
		ModelRef:  p.modelRef,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
		SavedCost: saved,
	}, nil
}
