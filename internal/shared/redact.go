package shared

import (
	"regexp"
	"strings"
)

// Redacted is the placeholder written in place of secret values.
const Redacted = "[REDACTED]"

// secretRules pair a match pattern with a replacement template that keeps
// the key-like prefix and drops the value.
type secretRule struct {
	pattern *regexp.Regexp
	replace string
}

var secretRules = []secretRule{
	// key-value assignments: api_key=..., secret_key: "...", auth_token=...
	{
		pattern: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)(\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{16,}"?`),
		replace: "${1}${2}" + Redacted,
	},
	// Authorization headers
	{
		pattern: regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
		replace: "${1}" + Redacted,
	},
	// uuid-shaped tokens after auth-related prefixes
	{
		pattern: regexp.MustCompile(`(?i)(token|secret)(\s*[:=]\s*)"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`),
		replace: "${1}${2}" + Redacted,
	},
}

// Redact scrubs secret-bearing substrings from a value bound for the audit
// trail, a log line, or an error message.
func Redact(v string) string {
	if v == "" {
		return v
	}
	for _, rule := range secretRules {
		v = rule.pattern.ReplaceAllString(v, rule.replace)
	}
	return v
}

var sensitiveKeyTokens = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential",
}

// SensitiveKey reports whether a config or log attribute key names a secret.
// The whole value is dropped for such keys; pattern matching on the value is
// not trusted to catch everything.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
