package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/karatworks/api/internal/platform/httpx"
)

// ipLimiter grants a fixed number of requests per window, keyed by caller.
// Buckets reset lazily when their window lapses.
type ipLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]bucket
}

type bucket struct {
	used    int
	resetAt time.Time
}

func newIPLimiter(limit int, window time.Duration, clock func() time.Time) *ipLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &ipLimiter{limit: limit, window: window, clock: clock, buckets: make(map[string]bucket)}
}

// take consumes one slot for the key and reports whether it was available.
func (l *ipLimiter) take(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		l.buckets[key] = bucket{used: 1, resetAt: now.Add(l.window)}
		l.dropStaleLocked(now)
		return true
	}
	if b.used >= l.limit {
		return false
	}
	b.used++
	l.buckets[key] = b
	return true
}

func (l *ipLimiter) dropStaleLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}

// RateLimitMiddleware rejects requests with 429 once a client exhausts its
// per-window budget. Clients are keyed by remote IP.
func RateLimitMiddleware(limit int, window time.Duration) func(http.Handler) http.Handler {
	limiter := newIPLimiter(limit, window, nil)
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.take(clientKey(r)) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
