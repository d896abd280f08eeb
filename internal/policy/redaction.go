package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactCaller masks a caller identifier such as "4:+14255550123" for logs, keeping the
// identifier prefix and the last four digits.
func RedactCaller(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	prefix := ""
	if i := strings.LastIndex(id, ":"); i >= 0 {
		prefix, id = id[:i+1], id[i+1:]
	}
	if len(id) <= 4 {
		return prefix + "****"
	}
	return prefix + strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}

// RedactSecret keeps only enough of a credential to tell keys apart.
func RedactSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "****"
	}
}
