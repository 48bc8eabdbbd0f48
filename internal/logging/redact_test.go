package logging

import (
	"strings"
	"testing"
)

func TestRedactAnthropicKey(t *testing.T) {
	in := "request failed: invalid api key sk-ant-REDACTED"
	out := Redact(in)
	if strings.Contains(out, "sk-ant-api03") {
		t.Errorf("anthropic key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker, got %s", out)
	}
	if !strings.Contains(out, "request failed") {
		t.Errorf("surrounding text lost: %s", out)
	}
}

func TestRedactOpenAIKey(t *testing.T) {
	out := Redact("auth header was sk-proj1234567890abcdefgh")
	if strings.Contains(out, "sk-proj1234567890") {
		t.Errorf("openai key leaked: %s", out)
	}
}

func TestRedactBearerHeader(t *testing.T) {
	out := Redact("Authorization: Bearer abc123def456ghi789")
	if strings.Contains(out, "abc123def456") {
		t.Errorf("bearer token leaked: %s", out)
	}
	if !strings.Contains(out, "Bearer ") {
		t.Errorf("header name should survive: %s", out)
	}
}

func TestRedactQueryParam(t *testing.T) {
	out := Redact("POST https://generativelanguage.googleapis.com/v1beta/models/gemini:generateContent?key=AIzaSyD12345678901234567890")
	if strings.Contains(out, "AIzaSyD") {
		t.Errorf("google key leaked: %s", out)
	}
	if !strings.Contains(out, "generateContent") {
		t.Errorf("URL path lost: %s", out)
	}
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	in := "connection refused to http://localhost:11434"
	if out := Redact(in); out != in {
		t.Errorf("plain text modified: %s", out)
	}
}

func TestRedactKeyvals(t *testing.T) {
	kv := RedactKeyvals([]interface{}{"provider", "anthropic", "apiKey", "sk-ant-secret", "model", "claude"})
	if kv[3] != "[REDACTED]" {
		t.Errorf("apiKey value not redacted: %v", kv[3])
	}
	if kv[1] != "anthropic" || kv[5] != "claude" {
		t.Errorf("non-secret values modified: %v", kv)
	}
}
