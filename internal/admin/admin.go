package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourflock/perch/internal/credcache"
	"github.com/yourflock/perch/internal/credential"
	"github.com/yourflock/perch/internal/store"
)

// Config carries the admin surface settings.
type Config struct {
	// TokenSecret signs admin session JWTs.
	TokenSecret string

	// PasswordHash is the bcrypt hash of the operator password. Login is
	// disabled when empty.
	PasswordHash string
}

// Handler serves login and key CRUD. Mutations write through the
// fallback-controlled store and invalidate the credential cache so the
// request path never serves a stale or deleted key past one TTL.
type Handler struct {
	store        store.Admin
	cache        *credcache.Cache
	log          *slog.Logger
	secret       []byte
	passwordHash []byte
}

// New builds the admin handler. cache may be nil.
func New(st store.Admin, cache *credcache.Cache, cfg Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:        st,
		cache:        cache,
		log:          log,
		secret:       []byte(cfg.TokenSecret),
		passwordHash: []byte(cfg.PasswordHash),
	}
}

// Routes mounts the admin API under /admin/api.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/admin/api", func(r chi.Router) {
		r.Post("/login", h.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/keys", h.handleList)
			r.Post("/keys", h.handleCreate)
			r.Get("/keys/{key}", h.handleGet)
			r.Delete("/keys/{key}", h.handleDelete)
		})
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if len(h.passwordHash) == 0 {
		writeError(w, http.StatusServiceUnavailable, "login_disabled", "Admin login is not configured")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)); err != nil {
		h.log.Warn("admin login rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid password")
		return
	}
	token, err := generateToken(h.secret)
	if err != nil {
		h.log.Error("failed to sign admin token", "error", err)
		writeError(w, http.StatusInternalServerError, "token_error", "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
	})
}

// keyView is the admin representation of a credential: usage is derived,
// windows stay internal.
type keyView struct {
	Key                 string           `json:"key"`
	Name                string           `json:"name"`
	Model               string           `json:"model,omitempty"`
	TokenLimitPer5h     int64            `json:"token_limit_per_5h"`
	ExpiryDate          time.Time        `json:"expiry_date"`
	CreatedAt           time.Time        `json:"created_at"`
	LastUsed            time.Time        `json:"last_used,omitempty"`
	TotalLifetimeTokens int64            `json:"total_lifetime_tokens"`
	CurrentUsage        credential.Stats `json:"current_usage"`
}

func viewOf(rec *credential.Record, now time.Time) keyView {
	return keyView{
		Key:                 rec.Key,
		Name:                rec.Name,
		Model:               rec.Model,
		TokenLimitPer5h:     rec.TokenLimitPer5h,
		ExpiryDate:          rec.ExpiryDate,
		CreatedAt:           rec.CreatedAt,
		LastUsed:            rec.LastUsed,
		TotalLifetimeTokens: rec.TotalLifetimeTokens,
		CurrentUsage:        rec.StatsAt(now),
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.List(r.Context())
	if err != nil {
		h.log.Error("failed to list keys", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Credential store unavailable")
		return
	}
	now := time.Now()
	views := make([]keyView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views, "count": len(views)})
}

type createRequest struct {
	Name            string `json:"name"`
	Model           string `json:"model,omitempty"`
	TokenLimitPer5h int64  `json:"token_limit_per_5h"`
	ExpiresInDays   int    `json:"expires_in_days,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if req.TokenLimitPer5h <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "token_limit_per_5h must be positive")
		return
	}
	key, err := newTenantKey()
	if err != nil {
		h.log.Error("failed to generate tenant key", "error", err)
		writeError(w, http.StatusInternalServerError, "key_error", "Failed to generate key")
		return
	}

	now := time.Now()
	rec := &credential.Record{
		Key:             key,
		Name:            req.Name,
		Model:           req.Model,
		TokenLimitPer5h: req.TokenLimitPer5h,
		CreatedAt:       now,
	}
	if req.ExpiresInDays > 0 {
		rec.ExpiryDate = now.AddDate(0, 0, req.ExpiresInDays)
	}

	if err := h.store.Put(r.Context(), rec); err != nil {
		h.log.Error("failed to store key", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Credential store unavailable")
		return
	}
	h.log.Info("admin created key", "name", req.Name, "limit", req.TokenLimitPer5h)
	writeJSON(w, http.StatusCreated, viewOf(rec, now))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, err := h.store.Find(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Key not found")
			return
		}
		h.log.Error("failed to load key", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Credential store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec, time.Now()))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.store.Delete(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Key not found")
			return
		}
		h.log.Error("failed to delete key", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Credential store unavailable")
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(key)
	}
	h.log.Info("admin deleted key")
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
