// Package middleware provides the HTTP middleware shared by the API and
// metrics servers.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// Recovery turns a handler panic into a 500 envelope and logs the stack.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Error().
				Interface("error", rec).
				Str("stack", string(debug.Stack())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("Panic recovered")

			writeErrorResponse(w, http.StatusInternalServerError, "Internal server error", startTime)
		}()
		next.ServeHTTP(w, r)
	})
}
