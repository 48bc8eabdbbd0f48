package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	. "github.com/yshimada/llmrouter/internal/logging"
)

const googleBaseURL = "https://generativelanguage.googleapis.com"

// googleProvider speaks the Gemini generateContent API directly. The
// official SDK pulls in a large dependency tree for what is a single
// JSON POST, so we talk to the endpoint ourselves.
type googleProvider struct {
	name     string
	baseURL  string
	apiKey   string
	model    string
	modelRef string
	client   *http.Client
	pricer   Pricer
}

func newGoogleProvider(name, apiKey, model, modelRef string, pricer Pricer) (*googleProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key not configured")
	}

	L_debug("google adapter created", "name", name, "model", model)

	return &googleProvider{
		name:     name,
		baseURL:  googleBaseURL,
		apiKey:   apiKey,
		model:    model,
		modelRef: modelRef,
		client:   &http.Client{Timeout: 120 * time.Second},
		pricer:   pricer,
	}, nil
}

func (p *googleProvider) Name() string     { return p.name }
func (p *googleProvider) Kind() string     { return "google" }
func (p *googleProvider) ModelRef() string { return p.modelRef }

func (p *googleProvider) CountTokens(text string) int {
	return countTokens(text)
}

func (p *googleProvider) ValidateCredentials(ctx context.Context) bool {
	return p.apiKey != ""
}

type googlePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *googleInlineData `json:"inline_data,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerateRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenCfg   `json:"generationConfig,omitempty"`
}

type googleGenCfg struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type googleGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *googleProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	parts := []googlePart{}
	if req.Input != "" {
		parts = append(parts, googlePart{Text: req.Input})
	}
	for _, img := range req.Images {
		parts = append(parts, googlePart{InlineData: &googleInlineData{
			MimeType: img.MimeType,
			Data:     img.Data,
		}})
	}

	body := googleGenerateRequest{
		Contents: []googleContent{{Role: "user", Parts: parts}},
	}
	if req.System != "" {
		body.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &googleGenCfg{MaxOutputTokens: req.MaxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)

	L_debug("google: sending request", "name", p.name, "model", p.model, "inputChars", len(req.Input), "images", len(req.Images))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("google: build request: %w", err)
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
		return nil, p.statusError(httpResp, raw)
	}

	var genResp googleGenerateResponse
	if err := json.Unmarshal(raw, &genResp); err != nil {
		return nil, &MalformedResponseError{Provider: p.name, Err: err}
	}

	if len(genResp.Candidates) == 0 {
		return nil, &MalformedResponseError{Provider: p.name, Err: fmt.Errorf("response has no candidates")}
	}

	var text strings.Builder
	for _, part := range genResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return nil, &MalformedResponseError{Provider: p.name, Err: fmt.Errorf("candidate has no text")}
	}

	tokensIn := genResp.UsageMetadata.PromptTokenCount
	tokensOut := genResp.UsageMetadata.CandidatesTokenCount
	if tokensIn == 0 {
		tokensIn = countTokens(req.Input)
	}
	if tokensOut == 0 {
		tokensOut = countTokens(text.String())
	}

	cost, saved := p.pricer.Price(tokensIn, tokensOut)

	L_info("llm: request completed", "provider", p.name, "model", p.model,
		"tokensIn", tokensIn, "tokensOut", tokensOut,
		"duration", time.Since(started).Round(time.Millisecond))

	return &Response{
		Text:      text.String(),
		ModelRef:  p.modelRef,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
		SavedCost: saved,
	}, nil
}

// statusError builds an APIError from a non-2xx response, honoring the
// Retry-After header when the server is rate limiting.
func (p *googleProvider) statusError(resp *http.Response, raw []byte) error {
	msg := string(raw)
	var genResp googleGenerateResponse
	if err := json.Unmarshal(raw, &genResp); err == nil && genResp.Error != nil {
		msg = genResp.Error.Message
	}

	apiErr := &APIError{
		Provider:   p.name,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return apiErr
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
