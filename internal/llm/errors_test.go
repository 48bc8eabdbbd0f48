package llm

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func TestClassifyStructured(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrKindUnknown},
		{"deadline", context.DeadlineExceeded, ErrKindDeadlineExceeded},
		{"canceled", context.Canceled, ErrKindDeadlineExceeded},
		{"malformed", &MalformedResponseError{Provider: "lmstudio", Err: errors.New("bad json")}, ErrKindMalformedResponse},
		{"auth 401", &APIError{Provider: "openai", StatusCode: 401, Message: "bad key"}, ErrKindAuth},
		{"auth 403", &APIError{Provider: "openai", StatusCode: 403, Message: "forbidden"}, ErrKindAuth},
		{"rate limit", &APIError{Provider: "anthropic", StatusCode: 429, Message: "slow down"}, ErrKindRateLimited},
		{"server error", &APIError{Provider: "lmstudio", StatusCode: 500, Message: "boom"}, ErrKindServerError},
		{"bad request", &APIError{Provider: "openai", StatusCode: 400, Message: "invalid field"}, ErrKindBadRequest},
		{"model 404", &APIError{Provider: "ollama", StatusCode: 404, Message: "model not found"}, ErrKindModelNotLoaded},
		{"context overflow 400", &APIError{Provider: "openai", StatusCode: 400, Message: "maximum context length exceeded"}, ErrKindContextTooLarge},
		{"refused", syscall.ECONNREFUSED, ErrKindConnectionRefused},
		{"wrapped refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), ErrKindConnectionRefused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyMessagePatterns(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"the context size has been exceeded", ErrKindContextTooLarge},
		{"Error: no model loaded in LM Studio", ErrKindModelNotLoaded},
		{"429 Too Many Requests", ErrKindRateLimited},
		{"invalid API key provided", ErrKindAuth},
		{"request timed out after 30s", ErrKindTimeout},
		{"dial tcp: connection refused", ErrKindConnectionRefused},
		{"something inexplicable", ErrKindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(errors.New(tt.msg)); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorKind{
		ErrKindConnectionRefused, ErrKindDNSFailure, ErrKindTimeout,
		ErrKindServerError, ErrKindRateLimited,
	}
	for _, kind := range retryable {
		if !IsRetryable(kind) {
			t.Errorf("IsRetryable(%v) = false, want true", kind)
		}
	}

	terminal := []ErrorKind{
		ErrKindAuth, ErrKindBadRequest, ErrKindContextTooLarge,
		ErrKindModelNotLoaded, ErrKindDeadlineExceeded, ErrKindUnknown,
		ErrKindMalformedResponse,
	}
	for _, kind := range terminal {
		if IsRetryable(kind) {
			t.Errorf("IsRetryable(%v) = true, want false", kind)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	err := &APIError{Provider: "anthropic", StatusCode: 429, Message: "rate limited", RetryAfter: 2 * time.Second}
	if got := RetryAfter(err); got != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s", got)
	}
	if got := RetryAfter(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfter(plain) = %v, want 0", got)
	}
	wrapped := fmt.Errorf("attempt failed: %w", err)
	if got := RetryAfter(wrapped); got != 2*time.Second {
		t.Errorf("RetryAfter(wrapped) = %v, want 2s", got)
	}
}

func TestAPIErrorRedactsMessage(t *testing.T) {
	err := &APIError{Provider: "anthropic", StatusCode: 401, Message: "invalid key sk-ant-REDACTED"}
	msg := err.Error()
	if contains := "secretsecretsecret"; len(msg) > 0 && containsAny(msg, contains) {
		t.Errorf("error message leaked the key: %q", msg)
	}
	if !containsAny(msg, "[redacted]") {
		t.Errorf("expected redaction marker in %q", msg)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Errorf("parseRetryAfter(2) = %v, want 2s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(empty) = %v, want 0", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Errorf("parseRetryAfter(garbage) = %v, want 0", got)
	}
}
