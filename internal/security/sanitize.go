package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxInboundRunes is the hard cap applied to inbound message text.
const maxInboundRunes = 4000

// maxURLLen is the longest URL passed through untouched.
const maxURLLen = 120

var urlPattern = regexp.MustCompile(`https?://\S+`)

// SanitizeResult carries the cleaned text plus the list of issues found,
// recorded on the stored message's metadata.
type SanitizeResult struct {
	Text   string
	Issues []string
}

// Sanitize normalizes untrusted inbound text before it reaches storage or
// the planner. Control characters other than newline and tab are stripped,
// overlong text is truncated, and suspiciously long URLs are redacted.
func Sanitize(text string) SanitizeResult {
	var res SanitizeResult

	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
	if cleaned != text {
		res.Issues = append(res.Issues, "control_chars_stripped")
	}

	if utf8.RuneCountInString(cleaned) > maxInboundRunes {
		runes := []rune(cleaned)
		cleaned = string(runes[:maxInboundRunes])
		res.Issues = append(res.Issues, fmt.Sprintf("truncated_to_%d", maxInboundRunes))
	}

	redacted := urlPattern.ReplaceAllStringFunc(cleaned, func(u string) string {
		if len(u) > maxURLLen {
			return "[redacted_url]"
		}
		return u
	})
	if redacted != cleaned {
		res.Issues = append(res.Issues, "long_url_redacted")
	}

	res.Text = redacted
	return res
}
