package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/security"
)

// maskIP keeps the network part of a client address: /24 for IPv4 and /48
// for IPv6.
func maskIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return "[redacted]"
	}
	ip = ip.Unmap()

	bits := 48
	if ip.Is4() {
		bits = 24
	}
	prefix, err := ip.Prefix(bits)
	if err != nil {
		return "[redacted]"
	}
	return prefix.String()
}

// responseWriter records the status code written by the handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging logs one line per request with the client IP masked and the URL
// redacted. Health probes log at debug.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		var event *zerolog.Event
		switch {
		case wrapped.statusCode >= http.StatusInternalServerError:
			event = log.Warn()
		case r.URL.Path == "/health":
			event = log.Debug()
		default:
			event = log.Info()
		}

		event.
			Str("method", r.Method).
			Str("path", security.RedactURL(r.URL.RequestURI())).
			Str("remote_addr", maskIP(r.RemoteAddr)).
			Int("status", wrapped.statusCode).
			Int("bytes", wrapped.bytes).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}
