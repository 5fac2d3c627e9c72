package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Veraticus/esg-flow/internal/common"
)

// JSONPreviewLength bounds the raw text quoted in a parse failure.
const JSONPreviewLength = 200

var codeFence = regexp.MustCompile("(?i)```(?:json)?\\n?")

// ParseJSON decodes a model response into T. Code fences are stripped and,
// when the cleaned text is not already valid JSON, the span from the first
// "{" to the last "}" is decoded instead. Failures are *common.LLMError values
// quoting at most JSONPreviewLength characters of raw.
func ParseJSON[T any](raw string) (T, error) {
	var zero T

	if strings.TrimSpace(raw) == "" {
		return zero, &common.LLMError{
			Message: "LLM returned empty response",
			Kind:    common.KindServerFault,
			Err:     common.ErrEmptyResponse,
		}
	}

	cleaned := strings.TrimSpace(codeFence.ReplaceAllString(raw, ""))
	if !json.Valid([]byte(cleaned)) {
		cleaned = objectSpan(cleaned)
	}

	var v T
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return zero, &common.LLMError{
			Message: fmt.Sprintf("Invalid JSON response from LLM. Response preview: %s...", common.Preview(raw, JSONPreviewLength)),
			Kind:    common.KindServerFault,
			Err:     fmt.Errorf("%w: %w", common.ErrInvalidJSON, err),
		}
	}
	return v, nil
}

// objectSpan returns the greedy "{...}" span of s, or s when there is none.
func objectSpan(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
