package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/security"
	"github.com/cookiesweep/cookiesweep/internal/types"
)

// settleTimeout bounds the wait for the network to go quiet after load.
// Consent managers usually inject their banner shortly after load.
const settleTimeout = 3 * time.Second

// RenderResult is a rendered document.
type RenderResult struct {
	HTML     string
	FinalURL string
	Title    string
	Duration time.Duration
}

// Render loads rawURL in a pooled browser and returns the document after
// scripts have run. The URL must already have been validated.
func (p *Pool) Render(ctx context.Context, rawURL string) (*RenderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.RenderTimeout)
	defer cancel()

	start := time.Now()
	browser, err := p.Acquire(ctx)
	if err != nil {
		return nil, types.NewPageError("render", "", err)
	}
	defer p.Release(browser)

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, types.NewPageError("render", "", fmt.Errorf("create page: %w", err))
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing render page")
		}
	}()
	page = page.Context(ctx)

	if err := page.Navigate(rawURL); err != nil {
		return nil, types.NewPageError("render", "", fmt.Errorf("navigate: %w", err))
	}
	if err := page.WaitLoad(); err != nil {
		return nil, types.NewPageError("render", "", fmt.Errorf("wait load: %w", err))
	}
	settle(page)

	html, err := page.HTML()
	if err != nil {
		return nil, types.NewPageError("render", "", fmt.Errorf("read html: %w", err))
	}

	result := &RenderResult{HTML: html, FinalURL: rawURL, Duration: time.Since(start)}
	if info, err := page.Info(); err == nil {
		result.FinalURL = info.URL
		result.Title = info.Title
	}

	log.Debug().
		Str("url", security.RedactURL(rawURL)).
		Str("final_url", security.RedactURL(result.FinalURL)).
		Int("html_bytes", len(html)).
		Dur("duration", result.Duration).
		Msg("Page rendered")

	return result, nil
}

// settle waits briefly for late network activity; a timeout is not an
// error.
func settle(page *rod.Page) {
	p := page.Timeout(settleTimeout)
	defer p.CancelTimeout()
	p.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)()
}
