package logging

import (
	"regexp"
)

// RedactedText replaces sensitive values in logged strings.
const RedactedText = "[REDACTED]"

var (
	// password=xxx, pwd=xxx, pass=xxx until the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@host inside a URL-style DSN
	dsnCredsPattern = regexp.MustCompile(`://[^:/?#]+:[^@]+@[^/\s]+`)

	// bearer tokens (three base64url segments)
	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)
)

// SanitizeTarget redacts credentials from a connection target before it
// is logged or surfaced in an error message.
func SanitizeTarget(target string) string {
	if target == "" {
		return ""
	}
	s := passwordPattern.ReplaceAllString(target, "${1}="+RedactedText)
	return dsnCredsPattern.ReplaceAllString(s, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError redacts credential material from an error message. Engine
// driver errors can echo the DSN, so every error that crosses back to the
// gateway passes through here.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	s := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	return dsnCredsPattern.ReplaceAllString(s, "://"+RedactedText+"@"+RedactedText)
}
