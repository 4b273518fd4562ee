package errclass

import (
	"regexp"
	"strings"
)

// Patterns shared by categorization and redaction. Connection-string
// schemes and private IPv4 ranges count as connection-class evidence and
// must never survive into user-visible text.
var (
	schemeURLPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"']+`)
	privateIPPattern = regexp.MustCompile(`\b(?:10\.\d{1,3}\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3}|172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}|127\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
	longTokenPattern  = regexp.MustCompile(`\b[A-Za-z0-9_-]{16,}\b`)
	filePathPattern   = regexp.MustCompile(`(?:/[\w.-]+){2,}`)
	stackFramePattern = regexp.MustCompile(`(?m)^\s*(?:at\s+\S+.*|goroutine\s+\d+.*|\S+\.go:\d+.*)$`)
	digitPattern      = regexp.MustCompile(`\d`)
)

func containsPrivateIP(msg string) bool {
	return privateIPPattern.MatchString(msg)
}

func containsConnectionScheme(msg string) bool {
	return schemeURLPattern.MatchString(msg)
}

// Redact strips connection strings, opaque tokens, private addresses,
// filesystem paths and stack frames from text that is about to be logged
// or echoed. The unredacted original stays only in the structured log.
func Redact(text string) string {
	if text == "" {
		return text
	}
	out := schemeURLPattern.ReplaceAllString(text, "[REDACTED_URL]")
	out = privateIPPattern.ReplaceAllString(out, "[REDACTED_IP]")
	out = stackFramePattern.ReplaceAllString(out, "[REDACTED_FRAME]")
	out = filePathPattern.ReplaceAllString(out, "[REDACTED_PATH]")
	// Only tokens that carry at least one digit are treated as opaque
	// credentials; plain long words stay readable.
	out = longTokenPattern.ReplaceAllStringFunc(out, func(tok string) string {
		if digitPattern.MatchString(tok) {
			return "[REDACTED_TOKEN]"
		}
		return tok
	})
	return strings.TrimSpace(out)
}
