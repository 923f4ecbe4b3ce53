package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/metrics"
	"github.com/cookiesweep/cookiesweep/internal/security"
	"github.com/cookiesweep/cookiesweep/internal/types"
	"github.com/cookiesweep/cookiesweep/pkg/version"
)

// TrackerConfig configures an IssueTracker.
type TrackerConfig struct {
	URL     string
	Token   string
	Labels  []string
	Timeout time.Duration

	// Retries on network errors and 5xx responses.
	RetryCount int
	RetryWait  time.Duration
}

// Issue is the payload filed with the tracker.
type Issue struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// IssueTracker files reports as issues over HTTP.
type IssueTracker struct {
	client *resty.Client
	url    string
	labels []string
}

// NewIssueTracker creates an IssueTracker posting to cfg.URL.
func NewIssueTracker(cfg TrackerConfig) *IssueTracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(10*cfg.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("User-Agent", version.UserAgent).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	log.Info().
		Str("url", security.RedactURL(cfg.URL)).
		Bool("authenticated", cfg.Token != "").
		Strs("labels", cfg.Labels).
		Msg("Report relay configured")

	return &IssueTracker{
		client: client,
		url:    cfg.URL,
		labels: append([]string(nil), cfg.Labels...),
	}
}

// Relay files r as an issue. The report is validated first.
func (t *IssueTracker) Relay(ctx context.Context, r Report) error {
	if err := r.Validate(); err != nil {
		metrics.RecordReport("invalid")
		return err
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(t.issue(r)).
		Post(t.url)
	if err != nil {
		metrics.RecordReport("failed")
		return fmt.Errorf("relay report: %w", err)
	}
	if resp.IsError() {
		metrics.RecordReport("failed")
		return fmt.Errorf("%w: status %d", types.ErrReportRejected, resp.StatusCode())
	}

	metrics.RecordReport("relayed")
	log.Info().
		Str("hostname", r.Hostname()).
		Int("status", resp.StatusCode()).
		Msg("Report relayed")
	return nil
}

func (t *IssueTracker) issue(r Report) Issue {
	var b strings.Builder
	fmt.Fprintf(&b, "**URL:** %s\n\n", r.URL)
	fmt.Fprintf(&b, "**Reason:**\n\n%s\n\n", r.Reason)
	if r.UserAgent != "" {
		fmt.Fprintf(&b, "**User agent:** %s\n", r.UserAgent)
	}
	v := r.Version
	if v == "" {
		v = version.Version
	}
	fmt.Fprintf(&b, "**Version:** %s\n", v)

	host := r.Hostname()
	return Issue{
		Title:  "Report: " + host,
		Body:   b.String(),
		Labels: t.labels,
	}
}
