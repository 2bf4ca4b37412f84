package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]time.Duration
	failing bool
}

func newMemStore() *memStore {
	return &memStore{counts: make(map[string]int64), ttls: make(map[string]time.Duration)}
}

func (m *memStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, errors.New("connection refused")
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[key], nil
}

func TestCheckProxyWithinLimit(t *testing.T) {
	l := New(newMemStore(), Config{ProxyRate: 3, ProxyWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if allowed, _ := l.CheckProxy(ctx, "10.0.0.1"); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	allowed, retry := l.CheckProxy(ctx, "10.0.0.1")
	if allowed {
		t.Fatal("request over limit should be rejected")
	}
	if retry < 1 {
		t.Errorf("retry-after = %d, want >= 1", retry)
	}
}

func TestLimitsArePerIP(t *testing.T) {
	l := New(newMemStore(), Config{ProxyRate: 1, ProxyWindow: time.Minute})
	ctx := context.Background()

	l.CheckProxy(ctx, "10.0.0.1")
	if allowed, _ := l.CheckProxy(ctx, "10.0.0.2"); !allowed {
		t.Error("a different IP must have its own counter")
	}
}

func TestNilStoreFailsOpen(t *testing.T) {
	l := New(nil, DefaultConfig())
	for i := 0; i < 1000; i++ {
		if allowed, _ := l.CheckProxy(context.Background(), "10.0.0.1"); !allowed {
			t.Fatal("nil store must always allow")
		}
	}
}

func TestRedisErrorFailsOpen(t *testing.T) {
	st := newMemStore()
	st.failing = true
	l := New(st, Config{ProxyRate: 1, ProxyWindow: time.Minute})

	for i := 0; i < 10; i++ {
		if allowed, _ := l.CheckProxy(context.Background(), "10.0.0.1"); !allowed {
			t.Fatal("store errors must fail open")
		}
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name string
		hdr  map[string]string
		addr string
		want string
	}{
		{"x-forwarded-for first hop", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "9.9.9.9:1234", "1.2.3.4"},
		{"x-real-ip", map[string]string{"X-Real-IP": "4.3.2.1"}, "9.9.9.9:1234", "4.3.2.1"},
		{"remote addr", nil, "9.9.9.9:1234", "9.9.9.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.addr
			for k, v := range tc.hdr {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tc.want {
				t.Errorf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProxyMiddlewareRejectsWith429(t *testing.T) {
	l := New(newMemStore(), Config{ProxyRate: 1, ProxyWindow: time.Minute})
	h := l.ProxyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		r.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i+1, w.Code, want)
		}
		if want == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Error("429 response missing Retry-After header")
		}
	}
}
