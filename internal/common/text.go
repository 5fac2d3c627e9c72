package common

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxTextLength bounds text handed to an LLM for analysis.
const DefaultMaxTextLength = 20000

var (
	controlChars  = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	unsafeNameChr = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// SanitizeText removes NUL and control characters (newlines and tabs are kept),
// truncates to maxLength runes and trims surrounding whitespace.
func SanitizeText(text string, maxLength int) string {
	if text == "" {
		return ""
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxTextLength
	}

	sanitized := controlChars.ReplaceAllString(text, "")
	if utf8.RuneCountInString(sanitized) > maxLength {
		sanitized = string([]rune(sanitized)[:maxLength])
	}

	return strings.TrimSpace(sanitized)
}

// SanitizeFileName strips path components and unsafe characters.
func SanitizeFileName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "file"
	}

	sanitized := strings.ReplaceAll(name, "..", "")
	sanitized = strings.NewReplacer("/", "_", `\`, "_").Replace(sanitized)
	sanitized = unsafeNameChr.ReplaceAllString(sanitized, "_")
	if len(sanitized) > 255 {
		sanitized = sanitized[:255]
	}

	sanitized = strings.TrimSpace(sanitized)
	if sanitized == "" {
		return "file"
	}
	return sanitized
}

// TruncateText shortens text to maxLength runes, ending with "..." when cut.
func TruncateText(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	keep := max(0, maxLength-3)
	return string(runes[:keep]) + "..."
}

// Preview returns at most n runes of text, for log and error payloads.
func Preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
