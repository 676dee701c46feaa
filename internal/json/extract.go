// Package json pulls JSON objects out of free-form model replies.
//
// Models often wrap JSON in prose or markdown fences. Extraction strips a
// fence, tries the whole reply, then falls back to the span between the
// first '{' and the last '}'. Arrays and unbalanced braces are not handled.
package json

import (
	"encoding/json"
	"fmt"
	"strings"
)

func extractJSON(response string) (string, error) {
	response = StripCodeFence(response)

	if json.Valid([]byte(response)) && strings.HasPrefix(response, "{") {
		return response, nil
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start != -1 && end > start {
		candidate := response[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	preview := response
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return "", fmt.Errorf("failed to extract valid JSON from response: %q", preview)
}

// StripCodeFence removes a surrounding markdown fence such as ```json or
// ```sql. Text without a fence is returned trimmed.
func StripCodeFence(response string) string {
	trimmed := strings.TrimSpace(response)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	// Drop the language tag, if any.
	if nl := strings.IndexByte(trimmed, '\n'); nl != -1 && !strings.ContainsAny(trimmed[:nl], "{ ") {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// ExtractJSONFromResponse extracts the JSON object in response and decodes it into T.
func ExtractJSONFromResponse[T any](response string) (T, error) {
	var result T
	jsonStr, err := extractJSON(response)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return result, nil
}

// ExtractJSON returns the raw JSON object found in response.
func ExtractJSON(response string) (string, error) {
	return extractJSON(response)
}
