package logging

import (
	"regexp"
	"strings"
)

// Patterns for credentials that must never appear in logs or diagnostics.
// Covers Anthropic (sk-ant-...), OpenAI/OpenRouter/Moonshot (sk-...),
// Google (AIza...), bearer headers, and key=value style query params.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._-]{8,}`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|key|token)=)[A-Za-z0-9._-]{8,}`),
}

// Redact masks credentials embedded in a diagnostic string.
// The shape of the surrounding text is preserved so error messages
// stay readable.
func Redact(s string) string {
	if s == "" {
		return s
	}
	out := s
	for _, re := range redactPatterns {
		out = re.ReplaceAllStringFunc(out, func(m string) string {
			sub := re.FindStringSubmatch(m)
			if len(sub) > 1 {
				// Keep the prefix capture (header/param name), mask the rest
				return sub[1] + "[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return out
}

// RedactKeyvals masks credential values in a structured key-value list.
// Keys containing "key", "token" or "secret" have their values replaced.
func RedactKeyvals(keyvals []interface{}) []interface{} {
	out := make([]interface{}, len(keyvals))
	copy(out, keyvals)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(key)
		if strings.Contains(lower, "key") || strings.Contains(lower, "token") || strings.Contains(lower, "secret") {
			out[i+1] = "[REDACTED]"
		}
	}
	return out
}
