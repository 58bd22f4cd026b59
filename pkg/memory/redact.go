package memory

import "regexp"

// Secrets and contact details never reach disk in clear text: every
// memory body is passed through Redact before insert.
var redactionPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`), "[REDACTED_PHONE]"},
}

// Redact replaces emails, API keys and phone numbers with typed
// placeholders.
func Redact(text string) string {
	for _, p := range redactionPatterns {
		text = p.pattern.ReplaceAllString(text, p.replacement)
	}
	return text
}
