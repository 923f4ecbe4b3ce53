package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/consent"
	"github.com/cookiesweep/cookiesweep/internal/report"
	"github.com/cookiesweep/cookiesweep/internal/session"
	"github.com/cookiesweep/cookiesweep/internal/types"
	"github.com/cookiesweep/cookiesweep/pkg/version"
)

// handleGetData returns the cached ruleset. It never fails: a ruleset that
// could not be fetched is returned empty.
func (h *Handler) handleGetData(r *http.Request, _ *types.Request) types.Response {
	resp := okResponse("Ruleset retrieved")
	resp.Data = h.state.Data(r.Context())
	return resp
}

func (h *Handler) handleRefreshData(r *http.Request, _ *types.Request) types.Response {
	if err := h.state.Refresh(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Ruleset refresh failed")
		resp := errorResponse("Failed to refresh ruleset: " + err.Error())
		resp.Data = h.state.Data(r.Context())
		return resp
	}
	resp := okResponse("Ruleset refreshed")
	resp.Data = h.state.Data(r.Context())
	return resp
}

// hostnameFor resolves the hostname a state command targets: the explicit
// hostname, else the hostname of the referenced page.
func (h *Handler) hostnameFor(req *types.Request) (string, error) {
	if req.Hostname != "" {
		if host := consent.NormalizeHostname(req.Hostname); host != "" {
			return host, nil
		}
		return "", types.ErrHostnameRequired
	}
	if req.Page != "" {
		page, err := h.pages.Get(req.Page)
		if err != nil {
			return "", err
		}
		if page.Hostname != "" {
			return page.Hostname, nil
		}
	}
	return "", types.ErrHostnameRequired
}

func (h *Handler) handleGetHostnameState(_ *http.Request, req *types.Request) types.Response {
	host, err := h.hostnameFor(req)
	if err != nil {
		return pageErrorResponse(req.Page, err)
	}
	st := h.state.HostnameState(host)

	resp := okResponse("Hostname state retrieved")
	resp.HostnameState = &types.HostnameState{Hostname: host, Enabled: st.Enabled}
	return resp
}

// handleSetHostnameState stores the flag and applies it to every open page
// of that host. Enabling starts observation and cleans the current
// content; disabling stops observation and leaves existing marks alone.
func (h *Handler) handleSetHostnameState(_ *http.Request, req *types.Request) types.Response {
	host, err := h.hostnameFor(req)
	if err != nil {
		return pageErrorResponse(req.Page, err)
	}
	if req.Enabled == nil {
		return errorResponse(types.ErrEnabledRequired.Error())
	}
	enabled := *req.Enabled

	persistErr := h.state.SetHostnameState(host, enabled)
	if persistErr != nil && !errors.Is(persistErr, types.ErrStatePersist) {
		return errorResponse(persistErr.Error())
	}

	for _, page := range h.pages.List() {
		if page.Hostname != host || page.Watcher == nil {
			continue
		}
		_ = page.Do(func() error {
			page.Watcher.SetEnabled(enabled)
			if !enabled {
				page.Watcher.Stop()
				return nil
			}
			if page.Watcher.Start() {
				page.Watcher.ForceClean()
			}
			return nil
		})
	}

	log.Info().Str("hostname", host).Bool("enabled", enabled).Msg("Hostname state updated")

	resp := okResponse("Hostname state updated")
	if persistErr != nil {
		resp = errorResponse(persistErr.Error())
	}
	resp.HostnameState = &types.HostnameState{Hostname: host, Enabled: enabled}
	return resp
}

// withPage looks up the referenced page and runs fn on it.
func (h *Handler) withPage(req *types.Request, fn func(*session.Page) types.Response) types.Response {
	if req.Page == "" {
		return errorResponse(types.ErrPageRequired.Error())
	}
	page, err := h.pages.Get(req.Page)
	if err != nil {
		return pageErrorResponse(req.Page, err)
	}
	return fn(page)
}

func (h *Handler) handleEnableIcon(_ *http.Request, req *types.Request) types.Response {
	return h.withPage(req, func(page *session.Page) types.Response {
		page.SetIconEnabled(true)
		return pageResponse("Icon enabled", page)
	})
}

func (h *Handler) handleDisableIcon(_ *http.Request, req *types.Request) types.Response {
	return h.withPage(req, func(page *session.Page) types.Response {
		page.SetIconEnabled(false)
		return pageResponse("Icon disabled", page)
	})
}

func (h *Handler) handleEnablePopup(_ *http.Request, req *types.Request) types.Response {
	return h.withPage(req, func(page *session.Page) types.Response {
		page.SetPopupEnabled(true)
		return pageResponse("Popup enabled", page)
	})
}

func (h *Handler) handleSetBadge(_ *http.Request, req *types.Request) types.Response {
	if req.Count == nil {
		return errorResponse(types.ErrCountRequired.Error())
	}
	return h.withPage(req, func(page *session.Page) types.Response {
		page.SetBadge(*req.Count)
		h.stats.RecordBadge(page.Hostname, *req.Count)
		resp := pageResponse("Badge updated", page)
		resp.Count = req.Count
		return resp
	})
}

// handleRun re-applies the page's cached removables.
func (h *Handler) handleRun(_ *http.Request, req *types.Request) types.Response {
	return h.withPage(req, func(page *session.Page) types.Response {
		var hidden int
		_ = page.Do(func() error {
			hidden = page.Watcher.Run()
			return nil
		})
		h.stats.RecordRun(page.Hostname)
		fixes := h.recordFixes(page)

		resp := pageResponse("Run completed", page)
		resp.Count = &hidden
		resp.Fixes = fixes
		return resp
	})
}

// handleRestore undoes every mark on the page.
func (h *Handler) handleRestore(_ *http.Request, req *types.Request) types.Response {
	return h.withPage(req, func(page *session.Page) types.Response {
		_ = page.Do(func() error {
			page.Watcher.Restore()
			return nil
		})
		h.stats.RecordRestore(page.Hostname)
		return pageResponse("Page restored", page)
	})
}

// handleReport relays a bug report. The URL defaults to the referenced
// page's URL.
func (h *Handler) handleReport(r *http.Request, req *types.Request) types.Response {
	rep := report.Report{
		Reason:    req.Reason,
		URL:       req.URL,
		UserAgent: req.UserAgent,
		Version:   version.Version,
	}
	if rep.URL == "" && req.Page != "" {
		page, err := h.pages.Get(req.Page)
		if err != nil {
			return pageErrorResponse(req.Page, err)
		}
		rep.URL = page.URL
	}
	if rep.UserAgent == "" {
		rep.UserAgent = r.UserAgent()
	}

	if err := h.reports.Relay(r.Context(), rep); err != nil {
		log.Warn().Err(err).Str("hostname", rep.Hostname()).Msg("Report relay failed")
		return errorResponse("Failed to submit report: " + err.Error())
	}
	return okResponse("Report submitted")
}

func (h *Handler) recordFixes(page *session.Page) *types.FixSummary {
	var summary types.FixSummary
	_ = page.Do(func() error {
		f := page.Watcher.LastFixes()
		summary = types.FixSummary{
			BackdropsHidden: f.BackdropsHidden,
			Applied:         f.Applied,
			Failed:          f.Failed,
			Unlocked:        f.Unlocked,
			Errors:          f.Errors,
		}
		return nil
	})
	h.stats.RecordFixes(page.Hostname, summary.Applied, summary.Failed)
	return &summary
}

func pageResponse(message string, page *session.Page) types.Response {
	info := page.Info()
	resp := okResponse(message)
	resp.Page = &info
	return resp
}

func pageErrorResponse(id string, err error) types.Response {
	switch {
	case errors.Is(err, types.ErrPageNotFound):
		return errorResponse("Page not found: " + id)
	default:
		return errorResponse(err.Error())
	}
}
