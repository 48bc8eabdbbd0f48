package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	. "github.com/yshimada/llmrouter/internal/logging"
)

// defaultAnthropicMaxTokens caps output when the request does not set one.
const defaultAnthropicMaxTokens = 4096

// anthropicProvider speaks Anthropic's Messages API via the official SDK.
type anthropicProvider struct {
	name     string
	client   *anthropic.Client
	model    string
	modelRef string
	apiKey   string
	pricer   Pricer
}

func newAnthropicProvider(name, apiKey, model, modelRef string, pricer Pricer) (*anthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	L_debug("anthropic adapter created", "name", name, "model", model)

	return &anthropicProvider{
		name:     name,
		client:   &client,
		model:    model,
		modelRef: modelRef,
		apiKey:   apiKey,
		pricer:   pricer,
	}, nil
}

func (p *anthropicProvider) Name() string     { return p.name }
func (p *anthropicProvider) Kind() string     { return "anthropic" }
func (p *anthropicProvider) ModelRef() string { return p.modelRef }

func (p *anthropicProvider) CountTokens(text string) int {
	return countTokens(text)
}

func (p *anthropicProvider) ValidateCredentials(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *anthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	var blocks []anthropic.ContentBlockParamUnion
	if req.Input != "" {
		blocks = append(blocks, anthropic.NewTextBlock(req.Input))
	}
	for _, img := range req.Images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Data))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	L_debug("anthropic: sending request", "name", p.name, "model", p.model, "inputChars", len(req.Input), "images", len(req.Images))

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, &MalformedResponseError{Provider: p.name, Err: fmt.Errorf("response has no text block")}
	}

	tokensIn := int(message.Usage.InputTokens)
	tokensOut := int(message.Usage.OutputTokens)
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

// wrapError lifts SDK errors into APIError so the retry policy sees the
// status code and any Retry-After hint. Errors without a structured form
// (transport failures, cancellation) are redacted and re-wrapped; the
// message-pattern classifier handles those downstream.
func (p *anthropicProvider) wrapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		wrapped := &APIError{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Message:    err.Error(),
		}
		if apierr.Response != nil {
			wrapped.RetryAfter = parseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return wrapped
	}
	return fmt.Errorf("%s request failed: %s", p.name, Redact(err.Error()))
}
