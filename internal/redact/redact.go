// Package redact removes credentials and other sensitive fragments from
// strings before they are logged or stored as user-visible error summaries.
// Provider errors routinely echo request URLs, which may carry API keys or
// signed-URL signatures.
package redact

import (
	"regexp"
	"strings"
)

// Constants for redaction placeholders
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_TOKEN]"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Rules are applied in order; later rules see the output of earlier ones.
var rules = []rule{
	{
		re:   regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		repl: "[REDACTED_JWT]",
	},
	{
		re:   regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`),
		repl: "${1}" + RedactedTokenPlaceholder,
	},
	{
		re: regexp.MustCompile(
			`(?i)([?&](?:x-goog-signature|x-goog-credential|x-amz-signature|x-amz-credential|signature|sig|token|key|api_key)=)[^&\s"']+`,
		),
		repl: "${1}" + RedactionPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(?i)\b(postgres(?:ql)?|mysql|redis|amqp)://[^@\s/]+@`),
		repl: "${1}://" + RedactedCredentialPlaceholder + "@",
	},
	{
		re:   regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`),
		repl: RedactedKeyPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
		repl: RedactedKeyPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|passwd|token)(\s*[=:]\s*["']?)[^\s"'&,\[]{4,}`),
		repl: "${1}${2}" + RedactionPlaceholder,
	},
	{
		re:   regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`),
		repl: "[STACK_TRACE_REDACTED]",
	},
	{
		re:   regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		repl: "[REDACTED_EMAIL]",
	},
	{
		re:   regexp.MustCompile(`(^|[\s"'(=])((?:/[\w.-]+){2,})`),
		repl: "${1}" + RedactedPathPlaceholder,
	},
}

// String redacts sensitive information from the input string
func String(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, r := range rules {
		result = r.re.ReplaceAllString(result, r.repl)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output
func Error(err error) string {
	if err == nil {
		return ""
	}

	return String(err.Error())
}

// Summary returns a redacted, single-line form of err no longer than max
// runes, suitable for showing to the task owner.
func Summary(err error, max int) string {
	s := strings.Join(strings.Fields(Error(err)), " ")
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
