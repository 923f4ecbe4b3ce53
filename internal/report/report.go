// Package report forwards user bug reports about a page to an issue
// tracker.
package report

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/metrics"
)

// Report limits.
const (
	MaxReasonLength    = 2000
	MaxUserAgentLength = 512
	MaxURLLength       = 8192
)

// Validation errors.
var (
	ErrReasonRequired = errors.New("reason is required")
	ErrReasonTooLong  = fmt.Errorf("reason exceeds %d characters", MaxReasonLength)
	ErrReportURL      = errors.New("report url must be an http(s) URL")
)

// Report is a user's complaint about a page.
type Report struct {
	Reason    string `json:"reason"`
	URL       string `json:"url"`
	UserAgent string `json:"userAgent,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Validate checks the report and trims its fields in place.
func (r *Report) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	r.URL = strings.TrimSpace(r.URL)
	r.UserAgent = strings.TrimSpace(r.UserAgent)

	if r.Reason == "" {
		return ErrReasonRequired
	}
	if utf8.RuneCountInString(r.Reason) > MaxReasonLength {
		return ErrReasonTooLong
	}
	if len(r.URL) > MaxURLLength {
		return ErrReportURL
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrReportURL
	}
	if len(r.UserAgent) > MaxUserAgentLength {
		r.UserAgent = r.UserAgent[:MaxUserAgentLength]
	}
	return nil
}

// Hostname returns the reported page's host.
func (r *Report) Hostname() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Relay delivers reports.
type Relay interface {
	Relay(ctx context.Context, r Report) error
}

// Noop drops every report. Used when no tracker is configured.
type Noop struct{}

// Relay logs and discards r.
func (Noop) Relay(_ context.Context, r Report) error {
	metrics.RecordReport("dropped")
	log.Debug().
		Str("hostname", r.Hostname()).
		Msg("No report tracker configured, dropping report")
	return nil
}
