package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	. "github.com/yshimada/llmrouter/internal/logging"
)

// openAIProvider speaks the OpenAI chat-completions dialect. One adapter
// covers OpenAI, OpenRouter, Moonshot and every local runtime that
// exposes /v1/chat/completions (LM Studio, llama.cpp, vLLM, ...).
type openAIProvider struct {
	name     string
	client   *openai.Client
	model    string
	modelRef string
	apiKey   string
	local    bool
	pricer   Pricer
}

// openAIOptions configures the adapter.
type openAIOptions struct {
	Name     string
	BaseURL  string // empty = api.openai.com
	APIKey   string
	Model    string
	ModelRef string
	Local    bool
	Timeout  time.Duration
	Pricer   Pricer
}

func newOpenAIProvider(opts openAIOptions) *openAIProvider {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = "not-needed" // local servers accept any bearer token
	}

	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		baseURL := opts.BaseURL
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		cfg.BaseURL = baseURL
	}
	if opts.Timeout > 0 {
		if hc, ok := cfg.HTTPClient.(*http.Client); ok {
			hc.Timeout = opts.Timeout
		}
	}

	L_debug("openai adapter created", "name", opts.Name, "model", opts.Model, "baseURL", opts.BaseURL, "local", opts.Local)

	return &openAIProvider{
		name:     opts.Name,
		client:   openai.NewClientWithConfig(cfg),
		model:    opts.Model,
		modelRef: opts.ModelRef,
		apiKey:   opts.APIKey,
		local:    opts.Local,
		pricer:   opts.Pricer,
	}
}

func (p *openAIProvider) Name() string     { return p.name }
func (p *openAIProvider) Kind() string     { return "openai" }
func (p *openAIProvider) ModelRef() string { return p.modelRef }

func (p *openAIProvider) CountTokens(text string) int {
	return countTokens(text)
}

func (p *openAIProvider) ValidateCredentials(ctx context.Context) bool {
	if p.local {
		return true
	}
	return p.apiKey != ""
}

func (p *openAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, p.userMessage(req))

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	L_debug("openai: sending request", "name", p.name, "model", p.model, "inputChars", len(req.Input), "images", len(req.Images))

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &MalformedResponseError{Provider: p.name, Err: fmt.Errorf("response has no generation text")}
	}

	text := resp.Choices[0].Message.Content
	tokensIn := resp.Usage.PromptTokens
	tokensOut := resp.Usage.CompletionTokens
	if tokensIn == 0 {
		tokensIn = countTokens(req.Input)
	}
	if tokensOut == 0 {
		tokensOut = countTokens(text)
	}

	cost, saved := p.pricer.Price(tokensIn, tokensOut)

	L_info("llm: request completed", "provider", p.name, "model", p.model,
		"tokensIn", tokensIn, "tokensOut", tokensOut,
		"duration", time.Since(started).Round(time.Millisecond))

	return &Response{
		Text:      text,
		ModelRef:  p.modelRef,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
		SavedCost: saved,
	}, nil
}

func (p *openAIProvider) userMessage(req Request) openai.ChatCompletionMessage {
	if len(req.Images) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Input,
		}
	}

	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: req.Input},
	}
	for _, img := range req.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
			},
		})
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

// wrapError converts SDK error types into the structured APIError the
// retry policy understands.
func (p *openAIProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			Provider:   p.name,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{
			Provider:   p.name,
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
		}
	}
	return fmt.Errorf("%s request failed: %w", p.name, err)
}
