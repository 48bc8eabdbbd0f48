package scanner

import "strings"

// Capability names used on model entries.
const (
	CapText      = "text"
	CapVision    = "vision"
	CapReasoning = "reasoning"
	CapTools     = "tools"
)

// inferCapabilities guesses capabilities from a model id. Runtime list
// endpoints rarely carry capability metadata, so id substrings are the
// best signal available.
func inferCapabilities(modelID string) []string {
	caps := []string{CapText}
	lower := strings.ToLower(modelID)

	if strings.Contains(lower, "vision") ||
		strings.Contains(lower, "-vl") ||
		strings.Contains(lower, "llava") ||
		strings.Contains(lower, "pixtral") {
		caps = append(caps, CapVision)
	}

	if strings.Contains(lower, "-r1") ||
		strings.Contains(lower, "qwq") ||
		strings.Contains(lower, "reason") ||
		strings.Contains(lower, "think") {
		caps = append(caps, CapReasoning)
	}

	if strings.Contains(lower, "tool") ||
		strings.Contains(lower, "instruct") {
		caps = append(caps, CapTools)
	}

	return caps
}

// HasCapability reports whether a capability list contains cap.
func HasCapability(caps []string, cap string) bool {
	for _, c := range caps {
		if c == cap {
			return true
		}
	}
	return false
}
