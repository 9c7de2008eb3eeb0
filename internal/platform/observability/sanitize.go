package observability

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	defaultStringLimit = 256
	redacted           = "REDACTED"
)

// Query parameters that gateway callbacks and token flows use for credentials.
var sensitiveQueryKeys = []string{"access_token", "client_secret", "code", "key", "signature", "token"}

// sanitizeString drops control characters except whitespace and caps the rune count so
// client supplied values cannot forge log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(cleaned) <= limit {
		return cleaned
	}
	return string([]rune(cleaned)[:limit])
}

func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

func SanitizeMethod(method string) string {
	return strings.ToUpper(sanitizeString(method, 10))
}

// SanitizeUserID caps staff uids, which are opaque Firebase ids.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}

// SanitizeURL drops user info and redacts credential carrying query parameters.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.User = nil
	if clean.RawQuery != "" {
		query := clean.Query()
		for key := range query {
			if isSensitiveQueryKey(key) {
				query.Set(key, redacted)
			}
		}
		clean.RawQuery = query.Encode()
	}
	return sanitizeString(clean.String(), 512)
}

func isSensitiveQueryKey(key string) bool {
	for _, candidate := range sensitiveQueryKeys {
		if strings.EqualFold(key, candidate) {
			return true
		}
	}
	return false
}
