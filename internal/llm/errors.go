// Package llm provides backend adapters and error classification.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/yshimada/llmrouter/internal/logging"
)

// ErrorKind categorizes backend failures for retry and fallback decisions.
type ErrorKind string

const (
	ErrKindUnknown           ErrorKind = "unknown"
	ErrKindConnectionRefused ErrorKind = "connection-refused"
	ErrKindDNSFailure        ErrorKind = "dns-failure"
	ErrKindTimeout           ErrorKind = "tcp-timeout"
	ErrKindServerError       ErrorKind = "http-5xx"
	ErrKindRateLimited       ErrorKind = "http-429"
	ErrKindBadRequest        ErrorKind = "http-4xx"
	ErrKindAuth              ErrorKind = "auth"
	ErrKindMalformedResponse ErrorKind = "malformed-response"
	ErrKindModelNotLoaded    ErrorKind = "model-not-loaded"
	ErrKindContextTooLarge   ErrorKind = "context-too-large"
	ErrKindDeadlineExceeded  ErrorKind = "deadline-exceeded"
)

// APIError is a provider HTTP failure with enough structure to drive the
// retry policy. Message text is redacted before it can reach a log line.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration // from Retry-After on 429 responses, 0 if absent
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, logging.Redact(e.Message))
}

// MalformedResponseError marks a 2xx response whose body could not be
// decoded into a generation. Transient on the first attempt only.
type MalformedResponseError struct {
	Provider string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s returned an unparseable response: %v", e.Provider, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// Classify maps an error onto an ErrorKind. Structured errors (APIError,
// net errors, context cancellation) are classified directly; everything
// else falls back to message-pattern matching because providers disagree
// wildly about error shapes.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrKindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrKindDeadlineExceeded
	}

	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return ErrKindMalformedResponse
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, apiErr.Message)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrKindDNSFailure
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrKindConnectionRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindTimeout
	}

	return classifyMessage(err.Error())
}

func classifyStatus(status int, msg string) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrKindAuth
	case status == 429:
		return ErrKindRateLimited
	case status >= 500:
		return ErrKindServerError
	case status == 404 && containsAny(msg, "model"):
		return ErrKindModelNotLoaded
	case status >= 400:
		if IsContextOverflowMessage(msg) {
			return ErrKindContextTooLarge
		}
		if IsModelNotLoadedMessage(msg) {
			return ErrKindModelNotLoaded
		}
		return ErrKindBadRequest
	default:
		return classifyMessage(msg)
	}
}

func classifyMessage(msg string) ErrorKind {
	switch {
	case IsContextOverflowMessage(msg):
		return ErrKindContextTooLarge
	case IsModelNotLoadedMessage(msg):
		return ErrKindModelNotLoaded
	case IsRateLimitMessage(msg):
		return ErrKindRateLimited
	case IsAuthMessage(msg):
		return ErrKindAuth
	case IsTimeoutMessage(msg):
		return ErrKindTimeout
	case isConnectionMessage(msg):
		return ErrKindConnectionRefused
	default:
		return ErrKindUnknown
	}
}

// IsRetryable reports whether a kind permits another attempt against the
// same backend. Malformed responses are handled separately (retryable on
// the first attempt only, see the executor's retry loop).
func IsRetryable(kind ErrorKind) bool {
	switch kind {
	case ErrKindConnectionRefused, ErrKindDNSFailure, ErrKindTimeout,
		ErrKindServerError, ErrKindRateLimited:
		return true
	default:
		return false
	}
}

// RetryAfter extracts the server-advertised retry delay, or 0.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsContextOverflowMessage checks if an error message indicates the
// prompt exceeded the model's context window. Patterns cover LM Studio,
// OpenAI, Anthropic, Ollama and the usual suspects.
func IsContextOverflowMessage(msg string) bool {
	return containsAny(msg,
		"context size has been exceeded",
		"context_length_exceeded",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
		"request_too_large",
		"exceeds model context window",
		"context overflow",
		"exceeded model token limit",
	)
}

// IsModelNotLoadedMessage checks if a message indicates the requested
// model is not loaded or does not exist on the runtime.
func IsModelNotLoadedMessage(msg string) bool {
	return containsAny(msg,
		"model not found",
		"no model loaded",
		"model is not loaded",
		"model_not_found",
		"unknown model",
		"failed to load model",
	)
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	return containsAny(msg,
		"429",
		"rate_limit",
		"rate limit",
		"too many requests",
		"quota exceeded",
		"exceeded your current quota",
		"resource_exhausted",
	)
}

// IsAuthMessage checks if a message indicates authentication failure.
func IsAuthMessage(msg string) bool {
	return containsAny(msg,
		"401",
		"403",
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"unauthorized",
		"forbidden",
		"access denied",
		"authentication",
		"no api key found",
		"invalid credentials",
	)
}

// IsTimeoutMessage checks if a message indicates a timeout.
func IsTimeoutMessage(msg string) bool {
	return containsAny(msg,
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection reset",
	)
}

func isConnectionMessage(msg string) bool {
	return containsAny(msg,
		"connection refused",
		"no such host",
		"network is unreachable",
		"broken pipe",
	)
}

func containsAny(msg string, patterns ...string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
