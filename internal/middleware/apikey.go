package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/cookiesweep/cookiesweep/internal/config"
)

// openPaths never require a key so probes and scrapers keep working.
var openPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// APIKey rejects requests without the configured key when key auth is
// enabled. The key is read from X-API-Key or an Authorization bearer token.
func APIKey(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.APIKeyEnabled {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := openPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			if subtle.ConstantTimeCompare([]byte(requestKey(r)), []byte(cfg.APIKey)) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "Invalid or missing API key", time.Now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
