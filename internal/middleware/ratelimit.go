package middleware

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxClients bounds the number of tracked client limiters.
const maxClients = 10000

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*client
	limit      rate.Limit
	burst      int
	retryAfter string
	idle       time.Duration // entries unused for this long are dropped
	trustProxy bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMinute per client IP, with bursts of the
// same size. trustProxy makes X-Forwarded-For and X-Real-IP authoritative;
// enable it only behind a reverse proxy.
func NewRateLimiter(requestsPerMinute int, trustProxy bool) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	wait := int(math.Ceil(60 / float64(requestsPerMinute)))
	if wait < 1 {
		wait = 1
	}

	rl := &RateLimiter{
		clients:    make(map[string]*client),
		limit:      rate.Limit(float64(requestsPerMinute) / 60),
		burst:      requestsPerMinute,
		retryAfter: strconv.Itoa(wait),
		idle:       10 * time.Minute,
		trustProxy: trustProxy,
		stopCh:     make(chan struct{}),
	}

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		rl.cleanupRoutine()
	}()

	return rl
}

// Allow reports whether a request from ip may proceed now.
func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= maxClients {
			rl.evictOldest()
		}
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Handler returns the rate limiting middleware.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		if !rl.Allow(getClientIP(r, rl.trustProxy)) {
			w.Header().Set("Retry-After", rl.retryAfter)
			writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", startTime)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupIdle(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanupIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idle {
			delete(rl.clients, ip)
		}
	}
}

// evictOldest drops the least recently seen client. Caller holds rl.mu.
func (rl *RateLimiter) evictOldest() {
	var (
		oldestIP   string
		oldestSeen time.Time
	)
	for ip, c := range rl.clients {
		if oldestIP == "" || c.lastSeen.Before(oldestSeen) {
			oldestIP = ip
			oldestSeen = c.lastSeen
		}
	}
	if oldestIP != "" {
		delete(rl.clients, oldestIP)
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.stopCh)
		rl.wg.Wait()
	})
}

// normalizeIP returns the canonical form of ipStr, folding IPv4-mapped
// IPv6 addresses to IPv4. Unparseable input is returned trimmed.
func normalizeIP(ipStr string) string {
	ipStr = strings.TrimSpace(ipStr)
	if ipStr == "" {
		return ""
	}
	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		return ipStr
	}
	return ip.Unmap().String()
}

// getClientIP returns the client address. Forwarding headers are only
// consulted when trustProxy is set.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
		if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return normalizeIP(host)
}
