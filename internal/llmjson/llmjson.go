// Package llmjson extracts JSON payloads from model output that may be
// wrapped in markdown fences or surrounded by prose.
package llmjson

import "strings"

// StripFences removes a surrounding markdown code fence, if present.
func StripFences(raw string) string {
	candidate := strings.TrimSpace(raw)
	if !strings.HasPrefix(candidate, "```") {
		return candidate
	}
	candidate = strings.TrimPrefix(candidate, "```json")
	candidate = strings.TrimPrefix(candidate, "```JSON")
	candidate = strings.TrimPrefix(candidate, "```")
	candidate = strings.TrimSuffix(candidate, "```")
	return strings.TrimSpace(candidate)
}

// FirstObject returns the first balanced top-level JSON object embedded in
// raw, or "" when none is present.
func FirstObject(raw string) string {
	return firstBalanced(raw, '{', '}')
}

// FirstArray returns the first balanced top-level JSON array embedded in
// raw, or "" when none is present.
func FirstArray(raw string) string {
	return firstBalanced(raw, '[', ']')
}

func firstBalanced(raw string, open, close rune) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	start := -1
	depth := 0
	quote := rune(0)
	escaped := false

	for i, r := range runes {
		if escaped {
			escaped = false
			continue
		}
		if quote != 0 {
			if r == '\\' {
				escaped = true
				continue
			}
			if r == quote {
				quote = 0
			}
			continue
		}
		if r == '"' || r == '\'' {
			quote = r
			continue
		}
		if r == open {
			if depth == 0 {
				start = i
			}
			depth++
			continue
		}
		if r == close {
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				return string(runes[start : i+1])
			}
		}
	}
	return ""
}
