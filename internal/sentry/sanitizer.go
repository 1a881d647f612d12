package sentry

import (
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"
)

const redacted = "[REDACTED]"

// SensitivePatterns match values that must not reach error monitoring
var SensitivePatterns = struct {
	Secret     *regexp.Regexp
	Token      *regexp.Regexp
	UUID       *regexp.Regexp
	Hex        *regexp.Regexp
	Base64Blob *regexp.Regexp
	Email      *regexp.Regexp
	HomeDir    *regexp.Regexp
}{
	Secret:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|key|salt|note|title)[:=]\s*['"]?([^'"\s]+)['"]?`),
	Token:      regexp.MustCompile(`(?i)(token|x-access-token|bearer)[:=]?\s*['"]?([a-zA-Z0-9._-]+)['"]?`),
	UUID:       regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`),
	Hex:        regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
	Base64Blob: regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`),
	Email:      regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	HomeDir:    regexp.MustCompile(`(/home/[^/\s]+|/Users/[^/\s]+|[A-Za-z]:\\Users\\[^\\\s]+)`),
}

// SensitiveFields are map keys whose values are always dropped
var SensitiveFields = []string{
	"password", "passwd", "pwd", "secret", "key", "salt",
	"token", "bearer", "auth", "session",
	"note", "title", "content", "prompt", "payload", "body",
	"account", "bucket", "verification", "cipher",
	"email", "user",
}

// SanitizeValue redacts secrets, account ids, ciphertext and personal paths
// from a free-form string
func SanitizeValue(value string) string {
	if value == "" {
		return value
	}
	value = SensitivePatterns.Secret.ReplaceAllString(value, "${1}: "+redacted)
	value = SensitivePatterns.Token.ReplaceAllString(value, "${1}: "+redacted)
	value = SensitivePatterns.UUID.ReplaceAllString(value, "[ID]")
	value = SensitivePatterns.Hex.ReplaceAllString(value, "[HEX]")
	value = SensitivePatterns.Base64Blob.ReplaceAllString(value, "[BLOB]")
	value = SensitivePatterns.Email.ReplaceAllString(value, "[EMAIL]")
	value = SensitivePatterns.HomeDir.ReplaceAllString(value, "[USER_HOME]")
	return value
}

func isSensitiveField(name string) bool {
	name = strings.ToLower(name)
	for _, field := range SensitiveFields {
		if strings.Contains(name, field) {
			return true
		}
	}
	return false
}

func sanitizeMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	sanitized := make(map[string]interface{}, len(data))
	for key, value := range data {
		switch {
		case isSensitiveField(key):
			sanitized[key] = redacted
		case isString(value):
			sanitized[key] = SanitizeValue(value.(string))
		default:
			sanitized[key] = value
		}
	}
	return sanitized
}

func isString(v interface{}) bool {
	_, ok := v.(string)
	return ok
}

func sanitizeEvent(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}

	event.Message = SanitizeValue(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = SanitizeValue(event.Exception[i].Value)
	}
	for key, value := range event.Tags {
		if isSensitiveField(key) {
			event.Tags[key] = redacted
		} else {
			event.Tags[key] = SanitizeValue(value)
		}
	}
	for key, ctx := range event.Contexts {
		event.Contexts[key] = sanitizeMap(ctx)
	}
	event.Extra = sanitizeMap(event.Extra)
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Request != nil {
		event.Request.URL = SanitizeValue(event.Request.URL)
		event.Request.QueryString = ""
		event.Request.Data = ""
		event.Request.Cookies = ""
		for key := range event.Request.Headers {
			if isSensitiveField(key) || strings.EqualFold(key, "cookie") {
				event.Request.Headers[key] = redacted
			}
		}
	}
	return event
}

func sanitizeBreadcrumb(breadcrumb *sentry.Breadcrumb) *sentry.Breadcrumb {
	if breadcrumb == nil {
		return nil
	}
	breadcrumb.Message = SanitizeValue(breadcrumb.Message)
	breadcrumb.Category = SanitizeValue(breadcrumb.Category)
	breadcrumb.Data = sanitizeMap(breadcrumb.Data)
	return breadcrumb
}
