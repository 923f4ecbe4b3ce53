package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cookiesweep/cookiesweep/internal/config"
	"github.com/cookiesweep/cookiesweep/internal/types"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
})

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) types.Response {
	t.Helper()
	var resp types.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error envelope: %v", err)
	}
	return resp
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Error("Expected Content-Type application/json")
	}
	resp := decodeEnvelope(t, w)
	if resp.Status != types.StatusError || resp.Message != "Internal server error" {
		t.Errorf("Unexpected envelope: %+v", resp)
	}
	if resp.Version == "" || resp.StartTime == 0 || resp.EndTime < resp.StartTime {
		t.Errorf("Envelope missing timing or version: %+v", resp)
	}
}

func TestRecoveryMiddlewareNoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	Recovery(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("Expected 200 ok, got %d %q", w.Code, w.Body.String())
	}
}

func TestLoggingMiddlewareCapturesStatus(t *testing.T) {
	var rw *responseWriter
	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw, _ = w.(*responseWriter)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1?token=secret", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if rw == nil {
		t.Fatal("Expected handler to receive the wrapped writer")
	}
	if rw.statusCode != http.StatusNotFound || rw.bytes != len("missing") {
		t.Errorf("Wrapped writer recorded %d/%d", rw.statusCode, rw.bytes)
	}
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"192.168.1.42:5555", "192.168.1.0/24"},
		{"10.0.0.7", "10.0.0.0/24"},
		{"[2001:db8:abcd:12::1]:443", "2001:db8:abcd::/48"},
		{"[::ffff:203.0.113.9]:80", "203.0.113.0/24"},
		{"not-an-ip", "[redacted]"},
	}
	for _, tt := range tests {
		if got := maskIP(tt.in); got != tt.want {
			t.Errorf("maskIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		origins    []string
		origin     string
		wantOrigin string
	}{
		{"allowed origin echoed", []string{"https://app.example.com"}, "https://app.example.com", "https://app.example.com"},
		{"other origin rejected", []string{"https://app.example.com"}, "https://evil.example.net", ""},
		{"no config rejects", nil, "https://app.example.com", ""},
		{"wildcard", []string{"*"}, "https://any.example.org", "*"},
		{"same origin request", []string{"https://app.example.com"}, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			CORS(tt.origins)(okHandler).ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if w.Code != http.StatusOK {
				t.Errorf("Expected request to reach handler, got %d", w.Code)
			}
		})
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	called := false
	handler := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("OPTIONS", "/v1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if called {
		t.Error("Preflight should not reach the handler")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key") {
		t.Errorf("Allow-Headers = %q, want X-API-Key", w.Header().Get("Access-Control-Allow-Headers"))
	}
	if w.Header().Get("Access-Control-Max-Age") != "600" {
		t.Errorf("Max-Age = %q", w.Header().Get("Access-Control-Max-Age"))
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestChainMiddleware(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mark("first"), mark("second"), mark("third"))(okHandler)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"first", "second", "third"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestTimeoutMiddlewarePassesThrough(t *testing.T) {
	w := httptest.NewRecorder()
	Timeout(time.Second)(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("Expected 200 ok, got %d %q", w.Code, w.Body.String())
	}
}

func TestTimeoutMiddlewareTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		<-release
		w.Write([]byte("late"))
	})

	w := httptest.NewRecorder()
	Timeout(20*time.Millisecond)(slow).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("Expected status 504, got %d", w.Code)
	}
	if resp := decodeEnvelope(t, w); resp.Message != "Request timeout" {
		t.Errorf("Message = %q, want Request timeout", resp.Message)
	}
}

func TestTimeoutWriterDiscardsAfterExpire(t *testing.T) {
	rec := httptest.NewRecorder()
	tw := &timeoutWriter{ResponseWriter: rec}
	tw.expire(time.Now())

	if n, err := tw.Write([]byte("late")); err != nil || n != 4 {
		t.Errorf("Write() after expire = %d, %v", n, err)
	}
	tw.WriteHeader(http.StatusTeapot)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("Expected 504 to stick, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "late") {
		t.Error("Late write should be discarded")
	}
}

func TestTimeoutMiddlewarePropagatesPanic(t *testing.T) {
	handler := Recovery(Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(3, false)
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if !rl.Allow("203.0.113.1") {
			t.Fatalf("Request %d should be allowed", i+1)
		}
	}
	if rl.Allow("203.0.113.1") {
		t.Error("Fourth request should be blocked")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("A different IP should have its own bucket")
	}
	if rl.Clients() != 2 {
		t.Errorf("Clients() = %d, want 2", rl.Clients())
	}
}

func TestRateLimiterHandler(t *testing.T) {
	rl := NewRateLimiter(1, false)
	defer rl.Close()
	handler := rl.Handler(okHandler)

	req := httptest.NewRequest("POST", "/v1", nil)
	req.RemoteAddr = "198.51.100.7:1234"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("First request status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}
}

func TestRateLimiterCleanupIdle(t *testing.T) {
	rl := NewRateLimiter(10, false)
	defer rl.Close()

	rl.Allow("192.0.2.1")
	rl.cleanupIdle(time.Now().Add(time.Hour))

	if rl.Clients() != 0 {
		t.Errorf("Clients() = %d after cleanup, want 0", rl.Clients())
	}
	rl.Close()
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.10:5000", nil, false, "192.0.2.10"},
		{"forwarded ignored without trust", "192.0.2.10:5000", map[string]string{"X-Forwarded-For": "203.0.113.5"}, false, "192.0.2.10"},
		{"forwarded first hop", "192.0.2.10:5000", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, true, "203.0.113.5"},
		{"real ip", "192.0.2.10:5000", map[string]string{"X-Real-IP": "203.0.113.6"}, true, "203.0.113.6"},
		{"mapped ipv6", "[::ffff:192.0.2.11]:80", nil, false, "192.0.2.11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	const key = "0123456789abcdef-test-key"
	enabled := &config.Config{APIKeyEnabled: true, APIKey: key}

	tests := []struct {
		name    string
		cfg     *config.Config
		path    string
		headers map[string]string
		want    int
	}{
		{"disabled", &config.Config{}, "/v1", nil, http.StatusOK},
		{"header key", enabled, "/v1", map[string]string{"X-API-Key": key}, http.StatusOK},
		{"bearer key", enabled, "/v1", map[string]string{"Authorization": "Bearer " + key}, http.StatusOK},
		{"wrong key", enabled, "/v1", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"missing key", enabled, "/v1", nil, http.StatusUnauthorized},
		{"query param ignored", enabled, "/v1?api_key=" + key, nil, http.StatusUnauthorized},
		{"health open", enabled, "/health", nil, http.StatusOK},
		{"metrics open", enabled, "/metrics", nil, http.StatusOK},
		{"empty configured key", &config.Config{APIKeyEnabled: true}, "/v1", map[string]string{"X-API-Key": "anything"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			APIKey(tt.cfg)(okHandler).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
