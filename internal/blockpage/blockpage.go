// Package blockpage recognises the error pages sites serve when they refuse
// an automated fetch, so a failed page load can say why it failed.
package blockpage

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// maxScanLen caps how much of a body is matched against the patterns.
// Patterns avoid unbounded .* so scanning stays linear.
const maxScanLen = 64 * 1024

// Kind is the broad reason a site refused a request.
type Kind string

// Block kinds.
const (
	KindRateLimit  Kind = "rate_limit"
	KindDenied     Kind = "access_denied"
	KindChallenge  Kind = "challenge"
	KindGeoBlocked Kind = "geo_blocked"
)

// Block describes a recognised refusal.
type Block struct {
	Code        string
	Kind        Kind
	RetryAfter  time.Duration // zero when retrying will not help
	Description string
}

// Error renders the block as a page load failure message.
func (b *Block) Error() string {
	msg := fmt.Sprintf("site refused the request (%s: %s)", b.Code, b.Description)
	if b.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", b.RetryAfter)
	}
	return msg
}

type signature struct {
	re    *regexp.Regexp
	block Block
}

func cloudflareCode(code string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}` + code)
}

// signatures are checked in order; the CDN codes come before the generic
// phrases because they carry a more precise retry hint.
var signatures = []signature{
	{cloudflareCode("1015"), Block{"CF_1015", KindRateLimit, time.Minute, "Cloudflare rate limit"}},
	{cloudflareCode("1020"), Block{"CF_1020", KindDenied, 30 * time.Second, "Cloudflare firewall rule"}},
	{cloudflareCode("100[6-8]"), Block{"CF_1006", KindDenied, 30 * time.Second, "Cloudflare banned the client"}},
	{cloudflareCode("1009"), Block{"CF_1009", KindGeoBlocked, 0, "Cloudflare country block"}},
	{cloudflareCode("1010"), Block{"CF_1010", KindDenied, 30 * time.Second, "Cloudflare browser signature rejected"}},
	{regexp.MustCompile(`(?i)too\s{1,5}many\s{1,5}requests`), Block{"TOO_MANY_REQUESTS", KindRateLimit, 10 * time.Second, "too many requests"}},
	{regexp.MustCompile(`(?i)rate\s{0,3}limit`), Block{"RATE_LIMITED", KindRateLimit, 10 * time.Second, "rate limited"}},
	{regexp.MustCompile(`(?i)access\s{1,5}denied`), Block{"ACCESS_DENIED", KindDenied, 5 * time.Second, "access denied"}},
	{regexp.MustCompile(`(?i)you\s{1,5}(have\s{1,5}been\s{1,5})?blocked`), Block{"BLOCKED", KindDenied, 15 * time.Second, "client blocked"}},
	{regexp.MustCompile(`(?i)(h?captcha|recaptcha|turnstile|challenge-platform)`), Block{"CHALLENGE", KindChallenge, 0, "interactive challenge required"}},
}

// Detect inspects a failed response. It returns nil when status is not an
// error status or nothing recognisable is found.
func Detect(status int, header http.Header, body string) *Block {
	if status < http.StatusBadRequest {
		return nil
	}
	if len(body) > maxScanLen {
		body = body[:maxScanLen]
	}

	for _, s := range signatures {
		if s.re.MatchString(body) {
			b := s.block
			return &b
		}
	}

	switch status {
	case http.StatusTooManyRequests:
		return &Block{"HTTP_429", KindRateLimit, retryAfter(header, time.Minute), "HTTP 429 Too Many Requests"}
	case http.StatusServiceUnavailable:
		return &Block{"HTTP_503", KindRateLimit, retryAfter(header, 30*time.Second), "HTTP 503 Service Unavailable"}
	case http.StatusForbidden:
		if strings.Contains(strings.ToLower(body), "cloudflare") || strings.EqualFold(header.Get("Server"), "cloudflare") {
			return &Block{"CF_403", KindDenied, 30 * time.Second, "Cloudflare 403 Forbidden"}
		}
	}
	return nil
}

// retryAfter reads a Retry-After header in seconds, falling back to def.
func retryAfter(header http.Header, def time.Duration) time.Duration {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return def
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs > 0 {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d.Round(time.Second)
		}
	}
	return def
}
