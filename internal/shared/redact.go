package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing and subject-identifying patterns in
// log/event/error strings before they leave the process.
var secretPatterns = []*regexp.Regexp{
	// API keys and auth tokens (long values after key-like prefixes).
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Phone numbers: international or local, 7+ digits with separators.
	regexp.MustCompile(`\+?[0-9][0-9 ()\-]{5,}[0-9]`),
	// Tokens shaped like UUIDs after auth-related prefixes.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing and subject-identifying patterns in the
// input string with [REDACTED]. Telemetry payloads are uploaded verbatim;
// this applies only to what the daemon logs locally.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactKeyed returns a redacted value when the key name suggests the value
// is sensitive (message bodies, numbers, credentials), else the value.
func RedactKeyed(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"body", "message", "content", "number", "address", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
