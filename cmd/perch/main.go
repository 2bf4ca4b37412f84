// main.go — perch entrypoint.
//
// Wires storage (Postgres primary, file fallback), the credential cache,
// the rolling-window token limiter, the upstream connection pool, and the
// HTTP surface (proxy, admin API, /stats, /health, /metrics) behind a chi
// router, then serves until SIGINT/SIGTERM.
//
// Exit codes: 0 clean shutdown, 1 fatal startup error, 2 port bind failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yourflock/perch/internal/admin"
	"github.com/yourflock/perch/internal/config"
	"github.com/yourflock/perch/internal/credcache"
	"github.com/yourflock/perch/internal/logger"
	"github.com/yourflock/perch/internal/metrics"
	"github.com/yourflock/perch/internal/proxy"
	"github.com/yourflock/perch/internal/ratelimit"
	"github.com/yourflock/perch/internal/store"
	"github.com/yourflock/perch/internal/store/filestore"
	"github.com/yourflock/perch/internal/store/pgstore"
	"github.com/yourflock/perch/internal/tokenlimit"
	"github.com/yourflock/perch/internal/upstream"
	"github.com/yourflock/perch/pkg/telemetry"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	exitFatal = 1
	exitBind  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	log := logger.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return exitFatal
	}

	if err := telemetry.InitSentry(cfg.SentryDSN, version); err != nil {
		log.Error("sentry init failed", "error", err)
		return exitFatal
	}
	defer telemetry.Flush()

	st, err := openStore(cfg, log)
	if err != nil {
		log.Error("storage init failed", "error", err)
		return exitFatal
	}
	defer st.Close()

	cacheCfg := credcache.DefaultConfig()
	cacheCfg.Enabled = cfg.CacheEnabled
	cacheCfg.TTL = cfg.CacheTTL
	cache := credcache.New(cacheCfg)

	limiter := tokenlimit.New(st, log)

	poolCfg := upstream.DefaultConfig()
	poolCfg.MinConnections = cfg.PoolMinConnections
	poolCfg.MaxConnections = cfg.PoolMaxConnections
	poolCfg.AcquireTimeout = cfg.PoolAcquireTimeout
	pool, err := upstream.New(cfg.UpstreamBaseURL, poolCfg, log)
	if err != nil {
		log.Error("upstream pool init failed", "error", err)
		return exitFatal
	}
	defer pool.Close()

	stopGauges := startPoolGauges(pool)
	defer stopGauges()

	rl := newRequestLimiter(cfg, log)

	pcfg := proxy.DefaultConfig()
	pcfg.ChunkSize = cfg.StreamChunkSize
	pcfg.UpstreamAPIKey = cfg.UpstreamAPIKey
	px := proxy.New(st, cache, limiter, pool, pcfg, log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(telemetry.PanicRecoveryMiddleware)
	r.Use(metrics.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(rl.ProxyMiddleware)
		px.Routes(r)
	})
	if cfg.AdminPasswordHash != "" {
		adm := admin.New(st, cache, admin.Config{
			TokenSecret:  cfg.AdminTokenSecret,
			PasswordHash: cfg.AdminPasswordHash,
		}, log)
		r.Group(func(r chi.Router) {
			r.Use(rl.AdminMiddleware)
			adm.Routes(r)
		})
	}
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		log.Error("port bind failed", "addr", srv.Addr, "error", err)
		return exitBind
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	log.Info("perch listening", "addr", srv.Addr, "version", version,
		"upstream", cfg.UpstreamBaseURL, "storage_sql", cfg.UseSQL())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			telemetry.CaptureError(err, map[string]string{"operation": "serve"})
			return exitFatal
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown drain incomplete", "error", err)
	}
	return 0
}

// openStore builds the storage stack: Postgres primary behind the file
// fallback when a DSN is configured, plain file store otherwise.
func openStore(cfg *config.Config, log *slog.Logger) (store.Admin, error) {
	fs := filestore.New(cfg.DataFile, log)

	var st store.Admin
	if cfg.UseSQL() {
		pg, err := pgstore.New(cfg.DatabaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		fbCfg := store.DefaultFallbackConfig()
		fbCfg.Enabled = cfg.FallbackEnabled
		fbCfg.RetryInterval = cfg.FallbackRetry
		st = store.NewFallback(pg, fs, fbCfg, log)
	} else {
		st = fs
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	return st, nil
}

// newRequestLimiter builds the per-IP request limiter. Without Redis it
// fails open and every request is admitted.
func newRequestLimiter(cfg *config.Config, log *slog.Logger) *ratelimit.Limiter {
	if cfg.RedisAddr == "" {
		log.Info("REDIS_ADDR not set, per-IP rate limiting disabled")
		return ratelimit.New(nil, ratelimit.DefaultConfig())
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	return ratelimit.New(ratelimit.NewRedisStore(client), ratelimit.DefaultConfig())
}

// startPoolGauges exports pool occupancy to Prometheus every 10 seconds.
func startPoolGauges(pool *upstream.Pool) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				st := pool.Stats()
				metrics.PoolConnections.WithLabelValues("active").Set(float64(st.Active))
				metrics.PoolConnections.WithLabelValues("idle").Set(float64(st.Idle))
				metrics.PoolConnections.WithLabelValues("waiting").Set(float64(st.Waiting))
			}
		}
	}()
	return func() { close(stop) }
}
