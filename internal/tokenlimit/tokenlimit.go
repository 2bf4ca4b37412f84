// Package tokenlimit enforces the per-credential rolling 5-hour token budget.
//
// A request is admitted against an estimate, reserving that many tokens until
// the response completes and the actual count is charged. Admit and charge
// for the same key serialise on a per-key mutex; different keys proceed in
// parallel. Between admit and charge a key may exceed its limit by at most
// the reserved estimate.
package tokenlimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yourflock/perch/internal/credential"
	"github.com/yourflock/perch/internal/store"
)

// ErrRateLimited marks rejections; match with errors.Is.
var ErrRateLimited = errors.New("rate limited")

// RateLimitedError carries the retry hint alongside the sentinel.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("token budget exhausted, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// Admission is a one-request reservation. It must be settled exactly once,
// by Charge or Cancel; later settlements are no-ops.
type Admission struct {
	key      string
	model    string
	estimate int64
	settled  bool
}

// Estimate returns the token count reserved at admission.
func (a *Admission) Estimate() int64 { return a.estimate }

// Key returns the credential key the admission belongs to.
func (a *Admission) Key() string { return a.key }

type keyState struct {
	mu       sync.Mutex
	reserved int64 // sum of unsettled admission estimates
	buckets  bucketCache
}

// Limiter admits requests against credential budgets and settles usage into
// the backing store.
type Limiter struct {
	store store.Store
	log   *slog.Logger

	mu   sync.Mutex
	keys map[string]*keyState

	now func() time.Time // test hook
}

// New builds a Limiter writing settled usage through st.
func New(st store.Store, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		store: st,
		log:   log,
		keys:  make(map[string]*keyState),
		now:   time.Now,
	}
}

func (l *Limiter) keyState(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.keys[key]
	if !ok {
		ks = &keyState{}
		l.keys[key] = ks
	}
	return ks
}

// Admit decides whether a request estimated at estimate tokens fits within
// rec's rolling-window budget, counting reservations already held by in-flight
// requests on the same key. On success the estimate is reserved and an
// Admission returned; on rejection the error is a *RateLimitedError whose
// RetryAfter says when the oldest window will age out.
func (l *Limiter) Admit(rec *credential.Record, model string, estimate int64) (*Admission, error) {
	now := l.now()
	ks := l.keyState(rec.Key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	used := rec.UsedInWindow(now)
	if used+ks.reserved+estimate > rec.TokenLimitPer5h {
		retry := time.Duration(0)
		if oldest, ok := rec.OldestWindowStart(now); ok {
			if d := oldest.Add(credential.WindowDuration).Sub(now); d > 0 {
				retry = d
			}
		}
		l.log.Debug("admission rejected",
			"key_name", rec.Name,
			"used", used,
			"reserved", ks.reserved,
			"estimate", estimate,
			"limit", rec.TokenLimitPer5h,
			"retry_after", retry)
		return nil, &RateLimitedError{RetryAfter: retry}
	}

	ks.reserved += estimate
	return &Admission{key: rec.Key, model: model, estimate: estimate}, nil
}

// Charge settles an admission with the actual token count and persists it.
// actual replaces the estimate entirely; it may be smaller (the difference is
// simply credited back) or zero (failed upstream call, nothing to record).
// Charging an already-settled admission is a no-op.
func (l *Limiter) Charge(ctx context.Context, adm *Admission, actual int64) error {
	now := l.now()
	ks := l.keyState(adm.key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if adm.settled {
		return nil
	}
	adm.settled = true
	ks.reserved -= adm.estimate

	if actual <= 0 {
		return nil
	}
	ks.buckets.add(actual, now)
	if err := l.store.UpdateUsage(ctx, adm.key, actual, adm.model, now); err != nil {
		return fmt.Errorf("charge %d tokens: %w", actual, err)
	}
	return nil
}

// Cancel releases an admission without recording usage. Used when the request
// fails before any upstream tokens were consumed.
func (l *Limiter) Cancel(adm *Admission) {
	ks := l.keyState(adm.key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if adm.settled {
		return
	}
	adm.settled = true
	ks.reserved -= adm.estimate
}

// Reserved returns the tokens currently reserved by in-flight admissions for
// key. Exposed for the stats endpoint.
func (l *Limiter) Reserved(key string) int64 {
	l.mu.Lock()
	ks, ok := l.keys[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.reserved
}

// WindowTotal returns the bucket cache's running total for key: the tokens
// this process has charged within the rolling window. The store remains
// authoritative; this is the cheap local view.
func (l *Limiter) WindowTotal(key string) int64 {
	l.mu.Lock()
	ks, ok := l.keys[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.buckets.purge(l.now())
	return ks.buckets.total
}
