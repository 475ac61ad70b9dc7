package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotJSON indicates the model output could not be reduced to a valid
// JSON payload by any stripping rule.
var ErrNotJSON = errors.New("response is not valid JSON")

// jsonStripRules are tried in order until one yields a parseable payload.
// Each rule handles one code-fence shape the models are known to emit:
// a closed ```json block, an unterminated opening fence, and a bare
// trailing fence.
var jsonStripRules = []func(string) (string, bool){
	func(s string) (string, bool) {
		if strings.HasPrefix(s, "```json") && strings.HasSuffix(s, "```") {
			return strings.TrimSuffix(strings.TrimPrefix(s, "```json"), "```"), true
		}
		return s, false
	},
	func(s string) (string, bool) {
		if strings.HasPrefix(s, "```json") {
			return strings.TrimPrefix(s, "```json"), true
		}
		return s, false
	},
	func(s string) (string, bool) {
		if strings.HasSuffix(s, "```") {
			return strings.TrimSuffix(s, "```"), true
		}
		return s, false
	},
}

// ExtractJSON normalizes raw model output into a valid JSON payload.
// It first tries the text as-is, then applies the stripping rules in order,
// re-validating after each. Returns ErrNotJSON when no rule applies.
func ExtractJSON(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrNotJSON
	}
	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}
	for _, rule := range jsonStripRules {
		stripped, applied := rule(candidate)
		if !applied {
			continue
		}
		stripped = strings.TrimSpace(stripped)
		if json.Valid([]byte(stripped)) {
			return stripped, nil
		}
	}
	return "", ErrNotJSON
}

// ExtractSQL strips an optional ```sql code fence from raw model output and
// trims whitespace. Returns "" when the model produced no content.
func ExtractSQL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "```sql") {
		body := strings.TrimPrefix(trimmed, "```sql")
		if idx := strings.Index(body, "```"); idx >= 0 {
			body = body[:idx]
		}
		return strings.TrimSpace(body)
	}
	if strings.HasPrefix(trimmed, "```") {
		body := strings.TrimPrefix(trimmed, "```")
		body = strings.TrimSuffix(body, "```")
		return strings.TrimSpace(body)
	}
	return trimmed
}
