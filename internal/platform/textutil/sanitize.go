package textutil

import (
	"html"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

func policy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText strips markup from free text, collapses whitespace and truncates the result to
// maxRunes runes. A non-positive maxRunes disables truncation. The result is stored and
// served as JSON, so the entities the policy escapes are decoded again.
func PlainText(value string, maxRunes int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := strings.Join(strings.Fields(html.UnescapeString(policy().Sanitize(value))), " ")
	if maxRunes > 0 && utf8.RuneCountInString(cleaned) > maxRunes {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return cleaned
}

// UpperToken trims a vocabulary token and upper-cases it with Unicode aware casing, so
// "paid", " Paid " and "PAID" compare equal.
func UpperToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return cases.Upper(language.Und).String(value)
}
