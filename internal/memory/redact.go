package memory

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// redactionPatterns matches secret-shaped substrings before content ever
// reaches disk: bearer tokens, key=value pairs with sensitive names, JWTs,
// cloud/SaaS-prefixed keys, connection strings with embedded credentials,
// and PEM private-key blocks. Matching is idempotent: running redact twice
// over already-redacted text is a no-op.
var redactionPatterns = []*regexp.Regexp{
	// Authorization: Bearer <token>
	regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/=-]{8,}`),
	// key=value / key: value for sensitive-looking names.
	regexp.MustCompile(`(?i)\b([\w.-]*(?:secret|token|password|passwd|api[_-]?key|access[_-]?key|private[_-]?key)[\w.-]*)\s*[:=]\s*["']?[A-Za-z0-9._~+/=-]{4,}["']?`),
	// JWTs: header.payload.signature, each base64url.
	regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
	// Common cloud/SaaS key prefixes.
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
	// Connection strings with embedded user:pass@host credentials.
	regexp.MustCompile(`\b([a-z][a-z0-9+.-]*://)[^\s/:@]+:[^\s/@]+@`),
	// PEM private-key blocks.
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
}

// Redact scrubs secret-shaped content out of text, replacing each match
// with a fixed placeholder so downstream consumers (search snippets,
// summaries) never see the raw value.
func Redact(text string) string {
	out := text
	for i, re := range redactionPatterns {
		switch i {
		case 0: // bearer <token> -> bearer [REDACTED]
			out = re.ReplaceAllString(out, "$1 "+redactedPlaceholder)
		case 1: // key=value -> key=[REDACTED]
			out = re.ReplaceAllString(out, "$1="+redactedPlaceholder)
		case 7: // scheme://user:pass@ -> scheme://[REDACTED]@
			out = re.ReplaceAllString(out, "$1"+redactedPlaceholder+"@")
		default:
			out = re.ReplaceAllString(out, redactedPlaceholder)
		}
	}
	return out
}
