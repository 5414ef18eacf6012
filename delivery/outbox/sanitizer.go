package outbox

import (
	"regexp"
	"strings"
)

// Error messages are stored in the last_error column and echoed in logs, so
// they are redacted and length-bounded first (CWE-209).
const maxErrorLength = 512

const errorTruncatedSuffix = "... (truncated)"

const redactedValue = "[REDACTED]"

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	{
		// credentials embedded in connection URLs
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedValue,
	},
	{
		// JWT-shaped tokens
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pass|pwd|token|api[_-]?key|access[_-]?token|refresh[_-]?token)=)([^&\s]+)`),
		replacement: `$1` + redactedValue,
	},
}

func sanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessageForStorage(err.Error())
}

// SanitizeErrorMessageForStorage redacts sensitive values and enforces a
// bounded length.
func SanitizeErrorMessageForStorage(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, matcher := range redactions {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	return truncateError(redacted, maxErrorLength, errorTruncatedSuffix)
}

func truncateError(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffixRunes)]) + suffix
}
