// Package modelout parses structured values out of model completions.
//
// Models wrap JSON in prose and code fences often enough that strict
// unmarshaling is useless. ParseJSON applies a fixed, documented set of
// fallback rules and either returns a valid value or an explicit
// ErrParse; it never guesses silently.
//
// Fallback rules, in order:
//  1. Strict unmarshal of the whole completion.
//  2. Strip markdown code fences (``` or ```json) and retry.
//  3. Extract the first balanced JSON object or array and retry.
package modelout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrParse indicates the completion held no usable JSON value.
var ErrParse = errors.New("modelout: no parseable JSON in completion")

// ParseJSON extracts a JSON value from a model completion into v.
func ParseJSON(completion string, v any) error {
	trimmed := strings.TrimSpace(completion)
	if trimmed == "" {
		return fmt.Errorf("%w: empty completion", ErrParse)
	}

	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	if stripped := stripFences(trimmed); stripped != trimmed {
		if err := json.Unmarshal([]byte(stripped), v); err == nil {
			return nil
		}
		trimmed = stripped
	}

	if candidate, ok := firstBalanced(trimmed); ok {
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		}
	}

	return ErrParse
}

// stripFences removes a leading/trailing markdown code fence pair.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := s[3:]
	// Drop an optional language tag on the opening fence line.
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

// firstBalanced returns the first balanced {...} or [...] in s, respecting
// JSON string quoting.
func firstBalanced(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}

	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
