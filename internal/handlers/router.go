package handlers

import (
	"fmt"
	"net/http"

	"github.com/cookiesweep/cookiesweep/internal/types"
)

// commandFunc executes one command and returns the envelope to send. The
// timing and version fields are filled in by the caller.
type commandFunc func(h *Handler, r *http.Request, req *types.Request) types.Response

// commandHandlers maps every command accepted by Request.Validate to its
// implementation.
var commandHandlers = map[string]commandFunc{
	types.CmdGetData:          (*Handler).handleGetData,
	types.CmdRefreshData:      (*Handler).handleRefreshData,
	types.CmdGetHostnameState: (*Handler).handleGetHostnameState,
	types.CmdSetHostnameState: (*Handler).handleSetHostnameState,
	types.CmdEnableIcon:       (*Handler).handleEnableIcon,
	types.CmdDisableIcon:      (*Handler).handleDisableIcon,
	types.CmdEnablePopup:      (*Handler).handleEnablePopup,
	types.CmdSetBadge:         (*Handler).handleSetBadge,
	types.CmdRun:              (*Handler).handleRun,
	types.CmdRestore:          (*Handler).handleRestore,
	types.CmdReport:           (*Handler).handleReport,
	types.CmdPageOpen:         (*Handler).handlePageOpen,
	types.CmdPageInsert:       (*Handler).handlePageInsert,
	types.CmdPageContent:      (*Handler).handlePageContent,
	types.CmdPageClose:        (*Handler).handlePageClose,
	types.CmdPagesList:        (*Handler).handlePagesList,
}

// Router returns the HTTP routes: POST /v1 for commands, GET /health and
// GET /stats. Anything else gets an error envelope.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1", h.allow(http.MethodPost, h.HandleAPI))
	mux.HandleFunc("/health", h.allow(http.MethodGet, h.HandleHealth))
	mux.HandleFunc("/stats", h.allow(http.MethodGet, h.HandleStats))
	mux.HandleFunc("/", h.HandleNotFound)
	return mux
}

func (h *Handler) allow(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			h.HandleMethodNotAllowed(w, r)
			return
		}
		next(w, r)
	}
}

// routeCommand dispatches req to its command handler.
func (h *Handler) routeCommand(r *http.Request, req *types.Request) types.Response {
	fn, ok := commandHandlers[req.Cmd]
	if !ok {
		return errorResponse(fmt.Sprintf("Unknown command: %q", req.Cmd))
	}
	return fn(h, r, req)
}

func okResponse(message string) types.Response {
	return types.Response{Status: types.StatusOK, Message: message}
}

func errorResponse(message string) types.Response {
	return types.Response{Status: types.StatusError, Message: message}
}
