// Package handlers implements the HTTP message endpoint: the background
// commands of the consent engine and the page session commands that drive
// it.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/config"
	"github.com/cookiesweep/cookiesweep/internal/metrics"
	"github.com/cookiesweep/cookiesweep/internal/report"
	"github.com/cookiesweep/cookiesweep/internal/security"
	"github.com/cookiesweep/cookiesweep/internal/session"
	"github.com/cookiesweep/cookiesweep/internal/state"
	"github.com/cookiesweep/cookiesweep/internal/stats"
	"github.com/cookiesweep/cookiesweep/internal/types"
	"github.com/cookiesweep/cookiesweep/pkg/version"
)

// maxBodySize bounds a request body. It leaves room for the largest HTML
// payload plus JSON escaping.
const maxBodySize = 2*types.MaxHTMLLength + 64*1024

// Deps are the collaborators a Handler dispatches to.
type Deps struct {
	Config  *config.Config
	State   *state.Cache
	Pages   *session.Manager
	Stats   *stats.Manager
	Reports report.Relay

	// Renderer is nil when rendering is disabled.
	Renderer Renderer
	// Fetcher defaults to an HTTP fetcher bounded by Config.FetchTimeout.
	Fetcher Fetcher
	// Resolver is used for URL validation. Defaults to net.DefaultResolver.
	Resolver security.Resolver
}

// Handler serves the message endpoint.
type Handler struct {
	config   *config.Config
	state    *state.Cache
	pages    *session.Manager
	stats    *stats.Manager
	reports  report.Relay
	renderer Renderer
	fetcher  Fetcher
	resolver security.Resolver
}

// New creates a Handler.
func New(d Deps) *Handler {
	h := &Handler{
		config:   d.Config,
		state:    d.State,
		pages:    d.Pages,
		stats:    d.Stats,
		reports:  d.Reports,
		renderer: d.Renderer,
		fetcher:  d.Fetcher,
		resolver: d.Resolver,
	}
	if h.reports == nil {
		h.reports = report.Noop{}
	}
	if h.stats == nil {
		h.stats = stats.NewManager()
	}
	if h.fetcher == nil {
		h.fetcher = NewHTTPFetcher(d.Config.FetchTimeout, d.Resolver)
	}
	return h
}

// HandleHealth reports that the service is up.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "cookiesweep is ready",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// HandleStats returns per-host counters, most recently active first.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Host statistics retrieved",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Hosts:     h.stats.All(),
		Hostnames: h.hostnameStates(),
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// hostnameStates lists the stored per-host flags sorted by hostname.
func (h *Handler) hostnameStates() []types.HostnameState {
	if h.state == nil {
		return nil
	}
	hosts := h.state.Hosts()
	out := make([]types.HostnameState, 0, len(hosts))
	for host, st := range hosts {
		out = append(out, types.HostnameState{Hostname: host, Enabled: st.Enabled})
	}
	slices.SortFunc(out, func(a, b types.HostnameState) int {
		return strings.Compare(a.Hostname, b.Hostname)
	})
	return out
}

// HandleAPI decodes a command and dispatches it.
func (h *Handler) HandleAPI(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeError(w, "Failed to read request", startTime)
		return
	}

	var req types.Request
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeError(w, "Invalid JSON request", startTime)
		return
	}

	if err := req.Validate(); err != nil {
		log.Warn().Err(err).Msg("Request validation failed")
		metrics.RecordRequest("invalid", types.StatusError, time.Since(startTime))
		h.writeError(w, err.Error(), startTime)
		return
	}

	log.Debug().
		Str("cmd", req.Cmd).
		Str("page", req.Page).
		Str("url", security.RedactURL(req.URL)).
		Msg("Request received")

	resp := h.routeCommand(r, &req)
	resp.StartTime = startTime.UnixMilli()
	resp.EndTime = time.Now().UnixMilli()
	resp.Version = version.Full()

	metrics.RecordRequest(req.Cmd, resp.Status, time.Since(startTime))
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// HandleMethodNotAllowed handles requests with unsupported HTTP methods.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", time.Now())
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusNotFound, "Not found", time.Now())
}

// writeError writes an error envelope with HTTP 200. Command failures are
// reported in the body so clients handle a single response shape.
func (h *Handler) writeError(w http.ResponseWriter, message string, startTime time.Time) {
	h.writeErrorWithStatus(w, http.StatusOK, message, startTime)
}

// writeErrorWithStatus writes an error envelope with a specific status code.
func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	resp := types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse encodes into a pooled buffer first so an encoding
// failure never leaves a partial response.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp any) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	_, _ = w.Write(buf.Bytes())
}
