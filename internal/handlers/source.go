package handlers

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cookiesweep/cookiesweep/internal/blockpage"
	"github.com/cookiesweep/cookiesweep/internal/browser"
	"github.com/cookiesweep/cookiesweep/internal/security"
	"github.com/cookiesweep/cookiesweep/internal/types"
	"github.com/cookiesweep/cookiesweep/pkg/version"
)

const (
	maxRedirects        = 5
	defaultFetchTimeout = 30 * time.Second
)

// Source is a loaded page: its markup and the URL it ended up at.
type Source struct {
	HTML string
	URL  string
}

// Fetcher loads a page's static HTML.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Source, error)
}

// Renderer loads a page through a headless browser so script-inserted
// content is present. *browser.Pool satisfies it.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (*browser.RenderResult, error)
}

// HTTPFetcher fetches pages with a plain HTTP GET. Every hop of a redirect
// chain is checked against internal targets.
type HTTPFetcher struct {
	client   *resty.Client
	validate func(ctx context.Context, rawURL string) error
}

// NewHTTPFetcher creates a fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration, resolver security.Resolver) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	f := &HTTPFetcher{
		validate: func(ctx context.Context, rawURL string) error {
			return security.ValidateURL(ctx, rawURL, resolver)
		},
	}
	f.client = resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", version.UserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5").
		SetRedirectPolicy(
			resty.FlexibleRedirectPolicy(maxRedirects),
			resty.RedirectPolicyFunc(func(req *http.Request, _ []*http.Request) error {
				return f.validate(req.Context(), req.URL.String())
			}),
		)
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Source, error) {
	if err := f.validate(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if status := resp.StatusCode(); status >= http.StatusBadRequest {
		// Error pages are small; only the head is needed to classify them
		head, _ := io.ReadAll(io.LimitReader(body, 64*1024))
		if block := blockpage.Detect(status, resp.Header(), string(head)); block != nil {
			return nil, block
		}
		return nil, fmt.Errorf("unexpected status code: %d", status)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err == nil && !strings.Contains(mediaType, "html") && !strings.HasPrefix(mediaType, "text/") {
			return nil, fmt.Errorf("unsupported content type: %s", mediaType)
		}
	}

	data, err := io.ReadAll(io.LimitReader(body, types.MaxHTMLLength+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}
	if len(data) > types.MaxHTMLLength {
		return nil, fmt.Errorf("page exceeds maximum size of %d bytes", types.MaxHTMLLength)
	}

	finalURL := rawURL
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}
	return &Source{HTML: string(data), URL: finalURL}, nil
}
