package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// timeoutWriter drops handler writes once the deadline response has been
// sent.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	timedOut    bool
	wroteHeader bool
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return len(b), nil
	}
	tw.wroteHeader = true
	return tw.ResponseWriter.Write(b)
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return make(http.Header)
	}
	return tw.ResponseWriter.Header()
}

// expire sends the 504 envelope unless the handler already started its
// response, then discards everything that follows.
func (tw *timeoutWriter) expire(startTime time.Time) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	if !tw.wroteHeader {
		writeErrorResponse(tw.ResponseWriter, http.StatusGatewayTimeout, "Request timeout", startTime)
	}
	tw.timedOut = true
}

// Timeout bounds request handling to timeout. The handler keeps running
// after the deadline and should watch its context; its late writes are
// discarded.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}
			done := make(chan struct{})
			panicCh := make(chan any, 1)

			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicCh <- p
					}
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case p := <-panicCh:
				panic(p)
			case <-done:
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					tw.expire(startTime)
				}
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					tw.expire(startTime)
				}
			}
		})
	}
}
