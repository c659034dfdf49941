package judge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// verdictSchema is the strict shape expected from the oracle.
const verdictSchema = `{
	"type": "object",
	"required": ["winnerIndex", "reason"],
	"properties": {
		"winnerIndex": {"type": "integer", "minimum": 0},
		"reason": {"type": "string", "minLength": 1}
	}
}`

var compiledVerdictSchema = mustCompileSchema(verdictSchema)

func mustCompileSchema(schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal verdict schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("verdict.json", doc); err != nil {
		panic(fmt.Sprintf("add verdict schema resource: %v", err))
	}
	schema, err := c.Compile("verdict.json")
	if err != nil {
		panic(fmt.Sprintf("compile verdict schema: %v", err))
	}
	return schema
}

// ParseVerdict parses the raw oracle output in two stages: a strict parse of
// the whole response, then a best-effort extraction of the first well-formed
// JSON object (models often wrap the verdict in prose or a fenced block).
// candidateCount bounds winnerIndex. A fully failed parse is returned as an
// error and handled by the caller as a judge failure.
func ParseVerdict(raw string, candidateCount int) (*Verdict, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty judge response")
	}

	// Stage 1: the response is the verdict object.
	if v, err := decodeVerdict(trimmed, candidateCount); err == nil {
		v.Raw = raw
		return v, nil
	}

	// Stage 2: salvage the first well-formed object from the response.
	extracted := extractJSON(trimmed)
	if extracted == "" {
		return nil, fmt.Errorf("judge response contains no parseable JSON object")
	}
	v, err := decodeVerdict(extracted, candidateCount)
	if err != nil {
		return nil, fmt.Errorf("salvaged judge JSON is not a valid verdict: %w", err)
	}
	v.Raw = raw
	return v, nil
}

func decodeVerdict(jsonStr string, candidateCount int) (*Verdict, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiledVerdictSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if v.WinnerIndex < 0 || v.WinnerIndex >= candidateCount {
		return nil, fmt.Errorf("winnerIndex %d out of range for %d candidates", v.WinnerIndex, candidateCount)
	}
	return &v, nil
}

// extractJSON finds a JSON object in the response text.
func extractJSON(text string) string {
	// 1. Try fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		// Skip optional newline after ```json
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Try generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Try raw JSON: find first { and match closing.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

// isJSON checks if a string is valid JSON.
func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the string.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
