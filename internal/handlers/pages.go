package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/consent"
	"github.com/cookiesweep/cookiesweep/internal/dom"
	"github.com/cookiesweep/cookiesweep/internal/security"
	"github.com/cookiesweep/cookiesweep/internal/session"
	"github.com/cookiesweep/cookiesweep/internal/types"
)

// handlePageOpen creates a page session from supplied HTML, a plain fetch
// or a browser render, and starts its watcher. Content already present is
// cleaned immediately, the way a content script cleans a loaded page.
func (h *Handler) handlePageOpen(r *http.Request, req *types.Request) types.Response {
	ctx := r.Context()

	src, err := h.loadSource(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("url", security.RedactURL(req.URL)).Msg("Failed to load page source")
		return errorResponse(types.NewPageError("open", req.Page, err).Error())
	}

	doc, err := dom.ParseString(src.HTML, dom.Options{
		URL:      src.URL,
		Referrer: req.Referrer,
		InFrame:  req.InFrame,
		Viewport: h.viewport(req),
	})
	if err != nil {
		return errorResponse(types.NewPageError("open", req.Page, err).Error())
	}

	watcher := consent.NewWatcher(doc, h.state.Data(ctx), h.config.EngineOptions())
	watcher.SetEnabled(h.state.HostnameState(watcher.Hostname()).Enabled)

	page, err := h.pages.Create(req.Page, src.URL, doc, watcher)
	if err != nil {
		return errorResponse(err.Error())
	}
	h.stats.RecordPageOpened(page.Hostname)

	// The page is already visible to other requests; the callback is
	// installed under its lock so no batch runs without it.
	var started bool
	_ = page.Do(func() error {
		watcher.OnCount(func(n int) {
			page.SetBadge(n)
			h.stats.RecordBadge(page.Hostname, n)
		})
		if started = watcher.Start(); started {
			watcher.ForceClean()
		}
		return nil
	})

	resp := pageResponse("Page opened", page)
	count := page.Info().Hidden
	resp.Count = &count
	if started {
		resp.Fixes = h.recordFixes(page)
	}
	return resp
}

// loadSource returns the page markup for page.open.
func (h *Handler) loadSource(ctx context.Context, req *types.Request) (*Source, error) {
	switch {
	case req.HTML != "":
		return &Source{HTML: req.HTML, URL: req.URL}, nil
	case req.URL == "":
		return nil, types.ErrPageSource
	case req.Render:
		if h.renderer == nil {
			return nil, types.ErrRenderDisabled
		}
		if err := security.ValidateURL(ctx, req.URL, h.resolver); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
		}
		result, err := h.renderer.Render(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		return &Source{HTML: result.HTML, URL: result.FinalURL}, nil
	default:
		return h.fetcher.Fetch(ctx, req.URL)
	}
}

// viewport builds the page viewport from the request, falling back to the
// configured height.
func (h *Handler) viewport(req *types.Request) dom.Viewport {
	height := req.ViewportHeight
	if height <= 0 {
		height = h.config.ViewportHeight
	}
	return dom.Viewport{ScrollY: float64(req.ScrollY), Height: float64(height)}
}

// handlePageInsert appends a fragment to the page and delivers the
// resulting mutation batch to the watcher.
func (h *Handler) handlePageInsert(_ *http.Request, req *types.Request) types.Response {
	if req.Fragment == "" {
		return errorResponse("fragment is required")
	}
	return h.withPage(req, func(page *session.Page) types.Response {
		var rounds int
		err := page.Do(func() error {
			if req.ScrollY > 0 || req.ViewportHeight > 0 {
				page.Doc.SetViewport(h.viewport(req))
			}
			parent := page.Doc.Body()
			if req.Selector != "" {
				n, err := page.Doc.QuerySelector(req.Selector)
				if err != nil {
					return err
				}
				parent = n
			}
			if parent == nil {
				return types.ErrNoInsertPoint
			}
			if _, err := page.Doc.InsertHTML(parent, req.Fragment); err != nil {
				return err
			}
			rounds = page.Doc.Flush()
			return nil
		})
		if err != nil {
			return errorResponse(types.NewPageError("insert", page.ID, err).Error())
		}

		resp := pageResponse("Fragment inserted", page)
		count := resp.Page.Hidden
		resp.Count = &count
		if rounds > 0 && page.Watcher.State() == consent.StateObserving {
			resp.Fixes = h.recordFixes(page)
		}
		return resp
	})
}

// handlePageContent returns the page's current markup.
func (h *Handler) handlePageContent(_ *http.Request, req *types.Request) types.Response {
	return h.withPage(req, func(page *session.Page) types.Response {
		var markup string
		err := page.Do(func() error {
			var err error
			markup, err = page.Doc.HTML()
			return err
		})
		if err != nil {
			return errorResponse(types.NewPageError("content", page.ID, err).Error())
		}
		resp := pageResponse("Page content retrieved", page)
		resp.HTML = markup
		return resp
	})
}

func (h *Handler) handlePageClose(_ *http.Request, req *types.Request) types.Response {
	if req.Page == "" {
		return errorResponse(types.ErrPageRequired.Error())
	}
	if err := h.pages.Destroy(req.Page); err != nil {
		if errors.Is(err, types.ErrPageNotFound) {
			return pageErrorResponse(req.Page, err)
		}
		return errorResponse(types.NewPageError("close", req.Page, err).Error())
	}
	return okResponse("Page closed")
}

// handlePagesList lists open pages, oldest first.
func (h *Handler) handlePagesList(_ *http.Request, _ *types.Request) types.Response {
	pages := h.pages.List()
	infos := make([]types.PageInfo, 0, len(pages))
	for _, page := range pages {
		infos = append(infos, page.Info())
	}
	resp := okResponse("Page list retrieved")
	resp.Pages = infos
	count := len(infos)
	resp.Count = &count
	return resp
}
