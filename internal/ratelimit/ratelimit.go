// Package ratelimit provides Redis-backed per-client request limiting for the
// proxy and admin endpoints. When Redis is unavailable (nil store), all rate
// limits are disabled — requests pass. This ensures the service degrades
// gracefully in dev/test environments without Redis.
//
// This is request-count limiting per client IP, a coarse abuse guard in front
// of the per-credential token accounting done by the tokenlimit package.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Store is the minimal interface required for rate limiting.
// In production this is implemented by go-redis; in tests by an in-memory map.
type Store interface {
	// Incr atomically increments a counter key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL on a key (only if TTL not already set by the incr).
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining time-to-live on a key. Returns 0 or negative if expired/missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Config holds the per-surface request limits.
type Config struct {
	// Proxy endpoints: chat completions and messages.
	ProxyRate   int
	ProxyWindow time.Duration

	// Admin endpoints: login and key management.
	AdminRate   int
	AdminWindow time.Duration
}

// DefaultConfig returns the production request limits.
//
//	Proxy: 300 requests per minute per IP
//	Admin: 30 requests per minute per IP
func DefaultConfig() Config {
	return Config{
		ProxyRate:   300,
		ProxyWindow: time.Minute,
		AdminRate:   30,
		AdminWindow: time.Minute,
	}
}

// Limiter performs rate limit checks against a Store.
type Limiter struct {
	store Store
	cfg   Config
}

// New creates a Limiter backed by the given Store.
// If store is nil, the Limiter is a no-op that always allows requests.
func New(store Store, cfg Config) *Limiter {
	return &Limiter{store: store, cfg: cfg}
}

// CheckProxy enforces the proxy request limit for the given client IP.
// Returns (allowed, retryAfterSecs).
func (l *Limiter) CheckProxy(ctx context.Context, ip string) (bool, int) {
	return l.check(ctx, fmt.Sprintf("rl:proxy:%s", ip), l.cfg.ProxyRate, int(l.cfg.ProxyWindow.Seconds()))
}

// CheckAdmin enforces the admin request limit for the given client IP.
func (l *Limiter) CheckAdmin(ctx context.Context, ip string) (bool, int) {
	return l.check(ctx, fmt.Sprintf("rl:admin:%s", ip), l.cfg.AdminRate, int(l.cfg.AdminWindow.Seconds()))
}

// check is the generic increment-and-check against a Redis key.
// Returns (allowed, retryAfterSecs). If store is nil, always returns (true, 0).
func (l *Limiter) check(ctx context.Context, key string, max int, ttlSecs int) (bool, int) {
	if l.store == nil || max <= 0 {
		return true, 0
	}

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		// Redis error — fail open (allow request, don't block on infra issues)
		return true, 0
	}

	if count == 1 {
		l.store.Expire(ctx, key, time.Duration(ttlSecs)*time.Second)
	}

	if count > int64(max) {
		ttl, _ := l.store.TTL(ctx, key)
		retry := int(ttl.Seconds())
		if retry < 1 {
			retry = ttlSecs
		}
		return false, retry
	}

	return true, 0
}

// ClientIP extracts the real client IP from a request, handling reverse proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

// check function type so both middlewares share one wrapper.
type checkFunc func(ctx context.Context, ip string) (bool, int)

// ProxyMiddleware rejects requests over the proxy limit with 429.
func (l *Limiter) ProxyMiddleware(next http.Handler) http.Handler {
	return l.middleware(next, l.CheckProxy)
}

// AdminMiddleware rejects requests over the admin limit with 429.
func (l *Limiter) AdminMiddleware(next http.Handler) http.Handler {
	return l.middleware(next, l.CheckAdmin)
}

func (l *Limiter) middleware(next http.Handler, check checkFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := check(r.Context(), ClientIP(r))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":{"type":"rate_limit_error","message":"too many requests, retry after %d seconds"}}`, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}
