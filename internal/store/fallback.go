package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourflock/perch/internal/credential"
	"github.com/yourflock/perch/internal/metrics"
)

// FallbackConfig tunes the primary/fallback controller.
type FallbackConfig struct {
	// Enabled turns the controller on. When false the primary is used
	// unconditionally and its errors surface as-is.
	Enabled bool

	// RetryInterval is how often the reconnect probe checks the primary
	// while in fallback mode.
	RetryInterval time.Duration

	// MaxRetries bounds the number of reconnect probes; 0 means unbounded.
	MaxRetries int

	// FailureThreshold is the number of consecutive Unavailable errors,
	// within FailureWindow, that triggers demotion.
	FailureThreshold int

	// FailureWindow is the span in which the failure streak must occur.
	FailureWindow time.Duration

	// Verbose logs every probe attempt, not just transitions.
	Verbose bool
}

// DefaultFallbackConfig returns the production fallback settings:
// demote after 3 consecutive failures inside 10 s, probe every 60 s.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Enabled:          true,
		RetryInterval:    60 * time.Second,
		FailureThreshold: 3,
		FailureWindow:    10 * time.Second,
	}
}

// fallback controller states.
const (
	statePrimary int32 = iota
	stateFallback
)

// Fallback routes reads and writes to a primary (Postgres) backend and
// demotes to a secondary (file) backend after a streak of Unavailable
// errors. While demoted, a background probe rechecks the primary and
// promotes back once it answers and no fallback write is in flight.
//
// Writes made while demoted are durable only in the file backend; there is
// no re-sync on promotion. The transition is logged at error level so
// operators can reconcile.
type Fallback struct {
	cfg       FallbackConfig
	primary   Admin
	secondary Admin
	log       *slog.Logger

	state int32 // statePrimary | stateFallback

	mu           sync.Mutex
	failures     int
	firstFailure time.Time

	fallbackWrites atomic.Int64 // in-flight writes against the secondary

	probeStarted atomic.Bool
	stopProbe    chan struct{}
	probeDone    chan struct{}
}

// NewFallback wraps primary and secondary under the controller. secondary
// may be nil, which disables demotion regardless of cfg.Enabled.
func NewFallback(primary, secondary Admin, cfg FallbackConfig, log *slog.Logger) *Fallback {
	if log == nil {
		log = slog.Default()
	}
	if secondary == nil {
		cfg.Enabled = false
	}
	return &Fallback{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		log:       log,
		stopProbe: make(chan struct{}),
		probeDone: make(chan struct{}),
	}
}

// InFallback reports whether the controller is currently demoted.
func (f *Fallback) InFallback() bool {
	return atomic.LoadInt32(&f.state) == stateFallback
}

// current returns the backend all operations should hit right now.
func (f *Fallback) current() Admin {
	if f.InFallback() {
		return f.secondary
	}
	return f.primary
}

// observe updates the failure streak from a primary-side result and demotes
// when the threshold is crossed. Non-Unavailable errors reset the streak:
// a reachable backend returning NotFound is healthy.
func (f *Fallback) observe(err error) {
	if !f.cfg.Enabled || f.InFallback() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil || !errors.Is(err, ErrUnavailable) {
		f.failures = 0
		return
	}

	now := time.Now()
	if f.failures == 0 || now.Sub(f.firstFailure) > f.cfg.FailureWindow {
		f.failures = 1
		f.firstFailure = now
		return
	}
	f.failures++
	if f.failures < f.cfg.FailureThreshold {
		return
	}

	f.failures = 0
	atomic.StoreInt32(&f.state, stateFallback)
	metrics.StorageFallback.Set(1)
	f.log.Error("storage demoted to file fallback",
		"consecutive_failures", f.cfg.FailureThreshold,
		"retry_interval", f.cfg.RetryInterval)
	f.startProbe()
}

// startProbe launches the reconnect loop exactly once.
func (f *Fallback) startProbe() {
	if f.probeStarted.CompareAndSwap(false, true) {
		go f.probeLoop()
	}
}

// probeLoop rechecks the primary while demoted and promotes on success.
// It keeps running for the life of the controller so repeated outages keep
// being probed; Close stops it.
func (f *Fallback) probeLoop() {
	defer close(f.probeDone)
	ticker := time.NewTicker(f.cfg.RetryInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-f.stopProbe:
			return
		case <-ticker.C:
		}
		if !f.InFallback() {
			continue
		}
		if f.cfg.MaxRetries > 0 && attempts >= f.cfg.MaxRetries {
			continue
		}
		attempts++

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := f.primary.Initialize(ctx)
		cancel()
		if err != nil {
			if f.cfg.Verbose {
				f.log.Warn("primary storage probe failed", "attempt", attempts, "error", err)
			}
			continue
		}
		if n := f.fallbackWrites.Load(); n > 0 {
			if f.cfg.Verbose {
				f.log.Info("primary healthy but fallback writes in flight", "in_flight", n)
			}
			continue
		}
		atomic.StoreInt32(&f.state, statePrimary)
		metrics.StorageFallback.Set(0)
		attempts = 0
		f.log.Warn("storage promoted back to primary; fallback-era writes were not re-synced")
	}
}

// Initialize prepares whichever backends are configured. The secondary is
// initialised eagerly so demotion never races file creation.
func (f *Fallback) Initialize(ctx context.Context) error {
	var secErr error
	if f.secondary != nil {
		secErr = f.secondary.Initialize(ctx)
	}
	err := f.primary.Initialize(ctx)
	f.observe(err)
	if err == nil {
		return nil
	}
	if f.cfg.Enabled && secErr == nil {
		// Primary down at boot: start demoted rather than failing startup.
		atomic.StoreInt32(&f.state, stateFallback)
		metrics.StorageFallback.Set(1)
		f.startProbe()
		f.log.Error("primary storage unavailable at init, starting in fallback", "error", err)
		return nil
	}
	return err
}

func (f *Fallback) Find(ctx context.Context, key string) (*credential.Record, error) {
	if f.InFallback() {
		return f.secondary.Find(ctx, key)
	}
	rec, err := f.primary.Find(ctx, key)
	f.observe(err)
	if err != nil && errors.Is(err, ErrUnavailable) && f.InFallback() {
		return f.secondary.Find(ctx, key)
	}
	return rec, err
}

func (f *Fallback) UpdateUsage(ctx context.Context, key string, tokens int64, model string, now time.Time) error {
	if f.InFallback() {
		f.fallbackWrites.Add(1)
		defer f.fallbackWrites.Add(-1)
		return f.secondary.UpdateUsage(ctx, key, tokens, model, now)
	}
	err := f.primary.UpdateUsage(ctx, key, tokens, model, now)
	f.observe(err)
	if err != nil && errors.Is(err, ErrUnavailable) && f.InFallback() {
		f.fallbackWrites.Add(1)
		defer f.fallbackWrites.Add(-1)
		return f.secondary.UpdateUsage(ctx, key, tokens, model, now)
	}
	return err
}

func (f *Fallback) Stats(ctx context.Context, key string) (*credential.Stats, error) {
	if f.InFallback() {
		return f.secondary.Stats(ctx, key)
	}
	st, err := f.primary.Stats(ctx, key)
	f.observe(err)
	if err != nil && errors.Is(err, ErrUnavailable) && f.InFallback() {
		return f.secondary.Stats(ctx, key)
	}
	return st, err
}

func (f *Fallback) Put(ctx context.Context, rec *credential.Record) error {
	if f.InFallback() {
		f.fallbackWrites.Add(1)
		defer f.fallbackWrites.Add(-1)
		return f.secondary.Put(ctx, rec)
	}
	err := f.primary.Put(ctx, rec)
	f.observe(err)
	return err
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	if f.InFallback() {
		f.fallbackWrites.Add(1)
		defer f.fallbackWrites.Add(-1)
		return f.secondary.Delete(ctx, key)
	}
	err := f.primary.Delete(ctx, key)
	f.observe(err)
	return err
}

func (f *Fallback) List(ctx context.Context) ([]*credential.Record, error) {
	if f.InFallback() {
		return f.secondary.List(ctx)
	}
	recs, err := f.primary.List(ctx)
	f.observe(err)
	return recs, err
}

// Close stops the probe loop and closes both backends.
func (f *Fallback) Close() error {
	close(f.stopProbe)
	if f.probeStarted.Load() {
		<-f.probeDone
	}
	err := f.primary.Close()
	if f.secondary != nil {
		if serr := f.secondary.Close(); err == nil {
			err = serr
		}
	}
	return err
}
