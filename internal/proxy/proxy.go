// Package proxy is the request dispatcher: it authenticates the tenant key,
// admits the request against the rolling token budget, forwards it upstream
// over a pooled connection, meters the response, and settles the charge.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yourflock/perch/internal/credcache"
	"github.com/yourflock/perch/internal/credential"
	"github.com/yourflock/perch/internal/metrics"
	"github.com/yourflock/perch/internal/sse"
	"github.com/yourflock/perch/internal/store"
	"github.com/yourflock/perch/internal/tokenlimit"
	"github.com/yourflock/perch/internal/upstream"
)

// Config holds dispatcher tunables.
type Config struct {
	// ChunkSize is the streaming read size (bytes).
	ChunkSize int
	// RequestTimeout caps non-streaming upstream calls.
	RequestTimeout time.Duration
	// StreamTimeout caps streaming upstream calls.
	StreamTimeout time.Duration
	// MaxBodyBytes caps inbound request bodies.
	MaxBodyBytes int64
	// MaxResponseBytes caps buffered (non-streaming) upstream responses.
	MaxResponseBytes int64
	// UpstreamAPIKey, when set, replaces the tenant key on forwarded
	// requests. Tenant keys never leave the proxy.
	UpstreamAPIKey string
}

// DefaultConfig returns the production dispatcher settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        16 << 10,
		RequestTimeout:   30 * time.Second,
		StreamTimeout:    300 * time.Second,
		MaxBodyBytes:     10 << 20,
		MaxResponseBytes: 64 << 20,
	}
}

// Proxy dispatches chat-completion requests to the upstream.
type Proxy struct {
	store   store.Store
	cache   *credcache.Cache
	limiter *tokenlimit.Limiter
	pool    *upstream.Pool
	cfg     Config
	log     *slog.Logger
}

// New wires a dispatcher from its collaborators.
func New(st store.Store, cache *credcache.Cache, limiter *tokenlimit.Limiter, pool *upstream.Pool, cfg Config, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultConfig().StreamTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultConfig().MaxResponseBytes
	}
	return &Proxy{store: st, cache: cache, limiter: limiter, pool: pool, cfg: cfg, log: log}
}

// Routes mounts the proxy surface.
func (p *Proxy) Routes(r chi.Router) {
	r.Post("/v1/chat/completions", p.handleChat)
	r.Post("/v1/messages", p.handleChat)
	r.Get("/stats", p.handleStats)
	r.Get("/health", p.handleHealth)
}

// chatRequest is the subset of both chat-completion dialects the dispatcher
// needs; the full body is forwarded untouched.
type chatRequest struct {
	Model     string               `json:"model"`
	Messages  []credential.Message `json:"messages"`
	System    json.RawMessage      `json:"system,omitempty"`
	MaxTokens int64                `json:"max_tokens"`
	Stream    bool                 `json:"stream"`
}

// systemText flattens the system prompt for estimation; Anthropic allows a
// plain string or an array of blocks, and raw length is close enough for
// the chars/4 heuristic either way.
func (cr *chatRequest) systemText() string {
	if len(cr.System) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(cr.System, &s); err == nil {
		return s
	}
	return string(cr.System)
}

// clientKey extracts the tenant key from Authorization (Bearer, scheme
// case-insensitive) or x-api-key.
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// lookup resolves a tenant key through the cache, falling back to the store
// and populating positive or negative entries accordingly.
func (p *Proxy) lookup(ctx context.Context, key string) (*credential.Record, error) {
	if rec, ok := p.cache.Get(key); ok {
		if rec == nil {
			return nil, errUnauthorized
		}
		metrics.CacheHits.Inc()
		return rec, nil
	}
	metrics.CacheMisses.Inc()

	rec, err := p.store.Find(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		p.cache.SetNegative(key)
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, err
	}
	p.cache.Set(rec)
	return rec, nil
}

func (p *Proxy) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := clientKey(r)
	if key == "" {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body unreadable or too large")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "missing model")
		return
	}

	rec, err := p.lookup(ctx, key)
	if err != nil {
		status := errorStatus(err)
		if status >= 500 {
			p.log.Error("credential lookup failed", "error", err)
			writeError(w, status, "credential store unavailable")
			return
		}
		writeError(w, status, "invalid API key")
		return
	}
	if rec.IsExpired(time.Now()) {
		writeError(w, http.StatusUnauthorized, "API key expired")
		return
	}
	if !rec.AllowsModel(req.Model) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("model %q not permitted for this key", req.Model))
		return
	}

	estimate := credential.EstimateTokens(req.Messages, req.systemText(), req.MaxTokens)
	adm, err := p.limiter.Admit(rec, req.Model, estimate)
	if err != nil {
		var rl *tokenlimit.RateLimitedError
		if errors.As(err, &rl) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(rl.RetryAfter), 10))
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, errorStatus(err), "admission failed")
		return
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		p.limiter.Cancel(adm)
		p.log.Warn("pool acquire failed", "error", err)
		writeError(w, errorStatus(err), "no upstream capacity")
		return
	}

	p.forward(w, r, conn, adm, req.Stream, body)
}

// forward owns the request from acquisition on: every exit path releases
// the connection and settles the admission exactly once.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, conn *upstream.Conn, adm *tokenlimit.Admission, streaming bool, body []byte) {
	timeout := p.cfg.RequestTimeout
	if streaming {
		timeout = p.cfg.StreamTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	ureq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.pool.BaseURL()+r.URL.Path, bytes.NewReader(body))
	if err != nil {
		p.settle(r.Context(), adm, 0)
		p.pool.Release(conn, true)
		writeError(w, http.StatusInternalServerError, "building upstream request")
		return
	}
	copyUpstreamHeaders(ureq, r, p.cfg.UpstreamAPIKey)

	resp, err := conn.Do(ureq)
	if err != nil {
		// A client-side cancel is not the connection's fault.
		clientGone := r.Context().Err() != nil
		p.settle(r.Context(), adm, 0)
		p.pool.Release(conn, clientGone)
		metrics.UpstreamErrors.Inc()
		if clientGone {
			return
		}
		p.log.Warn("upstream transport error", "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "upstream timed out")
			return
		}
		writeError(w, http.StatusBadGateway, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	if isEventStream(resp) {
		p.relayStream(w, r, conn, adm, resp)
		return
	}
	p.relayBuffered(w, r, conn, adm, resp)
}

// relayBuffered handles the non-streaming path: buffer, extract usage,
// charge, pass the upstream response through byte-for-byte.
func (p *Proxy) relayBuffered(w http.ResponseWriter, r *http.Request, conn *upstream.Conn, adm *tokenlimit.Admission, resp *http.Response) {
	// Read one byte past the cap so an over-limit body is detected rather
	// than silently truncated under the upstream's Content-Length.
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxResponseBytes+1))
	if err != nil {
		p.settle(r.Context(), adm, 0)
		p.pool.Release(conn, false)
		metrics.UpstreamErrors.Inc()
		writeError(w, http.StatusBadGateway, "upstream response truncated")
		return
	}
	if int64(len(data)) > p.cfg.MaxResponseBytes {
		p.settle(r.Context(), adm, 0)
		p.pool.Release(conn, true)
		metrics.UpstreamErrors.Inc()
		writeError(w, http.StatusBadGateway, "upstream response exceeds size limit")
		return
	}

	actual := int64(0)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		actual = adm.Estimate()
		if usage, ok := extractUsage(data); ok {
			actual = usage
		}
	} else {
		metrics.UpstreamErrors.Inc()
	}
	p.settle(r.Context(), adm, actual)
	p.pool.Release(conn, true)

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	w.Write(data)
}

// relayStream handles the SSE path: forward while metering, then charge
// what the meter saw (or the estimate if usage never appeared).
func (p *Proxy) relayStream(w http.ResponseWriter, r *http.Request, conn *upstream.Conn, adm *tokenlimit.Admission, resp *http.Response) {
	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	var meter sse.Meter
	_, fwdErr := sse.Forward(w, resp.Body, p.cfg.ChunkSize, &meter)

	actual, ok := meter.Usage()
	if !ok {
		// Upstream never reported usage; the admitted estimate stands.
		actual = adm.Estimate()
	}
	p.settle(r.Context(), adm, actual)

	healthy := fwdErr == nil || r.Context().Err() != nil
	p.pool.Release(conn, healthy)
	if fwdErr != nil && r.Context().Err() == nil {
		metrics.UpstreamErrors.Inc()
		p.log.Warn("stream ended early", "error", fwdErr, "charged", actual)
	}
}

// settle charges the admission and invalidates the cache entry so the next
// read observes the new usage. Charging is best-effort once the response is
// committed; failures are logged, not surfaced.
func (p *Proxy) settle(ctx context.Context, adm *tokenlimit.Admission, actual int64) {
	// The request context may already be cancelled; the charge must still
	// land.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.limiter.Charge(cctx, adm, actual); err != nil {
		p.log.Error("usage charge failed", "key", adm.Key(), "tokens", actual, "error", err)
	} else if actual > 0 {
		metrics.TokensCharged.Add(float64(actual))
	}
	p.cache.Invalidate(adm.Key())
}

func (p *Proxy) handleStats(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if key == "" {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return
	}
	rec, err := p.lookup(r.Context(), key)
	if err != nil {
		writeError(w, errorStatus(err), "invalid API key")
		return
	}
	st := rec.StatsAt(time.Now())

	out := map[string]any{
		"is_expired": st.IsExpired,
		"current_usage": map[string]int64{
			"tokens_used_in_current_window": st.CurrentWindowTokens,
			"remaining_tokens":              st.RemainingTokens,
		},
		"total_lifetime_tokens": st.TotalLifetimeTokens,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// retryAfterSeconds rounds up so clients never retry early. Zero hints
// still advertise one second.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// forwardedHeaders is the allowlist of client headers passed upstream.
// Tenant Authorization/x-api-key values are always stripped.
var forwardedHeaders = []string{
	"Content-Type",
	"Accept",
	"Anthropic-Version",
	"Anthropic-Beta",
	"OpenAI-Beta",
	"OpenAI-Organization",
}

func copyUpstreamHeaders(ureq *http.Request, r *http.Request, upstreamKey string) {
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			ureq.Header.Set(h, v)
		}
	}
	if ureq.Header.Get("Content-Type") == "" {
		ureq.Header.Set("Content-Type", "application/json")
	}
	if upstreamKey != "" {
		if ureq.URL.Path == "/v1/messages" {
			ureq.Header.Set("x-api-key", upstreamKey)
		} else {
			ureq.Header.Set("Authorization", "Bearer "+upstreamKey)
		}
	}
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

// usageEnvelope matches both dialects' usage reporting.
type usageEnvelope struct {
	Usage *struct {
		TotalTokens  int64 `json:"total_tokens"`
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// extractUsage pulls the authoritative token count out of a buffered JSON
// response body.
func extractUsage(data []byte) (int64, bool) {
	var env usageEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Usage == nil {
		return 0, false
	}
	if env.Usage.TotalTokens > 0 {
		return env.Usage.TotalTokens, true
	}
	if n := env.Usage.InputTokens + env.Usage.OutputTokens; n > 0 {
		return n, true
	}
	return 0, false
}
