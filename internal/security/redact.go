package security

import (
	"net/url"
	"strings"
)

// RedactURL removes credentials and secret-looking query parameters from a
// URL for safe logging. The fragment is dropped.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""

	return parsed.String()
}

// RedactToken keeps the last four characters of a secret.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "[REDACTED]"
	}
	return "[REDACTED]..." + token[len(token)-4:]
}

// sensitiveParamPatterns are query parameter names that likely contain secrets
var sensitiveParamPatterns = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"auth",
	"bearer",
	"credential",
	"key",
	"session",
	"sid",
	"email",
	"consent",
	"euconsent",
	"private",
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values, len(params))

	for key, values := range params {
		keyLower := strings.ToLower(key)
		shouldRedact := false

		for _, pattern := range sensitiveParamPatterns {
			if strings.Contains(keyLower, pattern) {
				shouldRedact = true
				break
			}
		}

		if shouldRedact {
			redacted[key] = []string{"[REDACTED]"}
		} else {
			redacted[key] = values
		}
	}

	return redacted
}
