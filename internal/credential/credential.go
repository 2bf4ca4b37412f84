// Package credential defines the tenant credential record: the per-key
// limits, rolling usage windows, and lifecycle timestamps that every other
// proxy subsystem operates on. Records are created by the admin surface,
// mutated only by the usage meter, and never deleted on the request path.
package credential

import (
	"time"
)

// WindowDuration is the rolling span over which token usage is summed.
const WindowDuration = 5 * time.Hour

// BucketSize is the resolution of the rolling-window cache. 60 buckets of
// 5 minutes cover the full 5-hour window.
const BucketSize = 5 * time.Minute

// UsageWindow is one stored accounting window: tokens accumulated since
// WindowStart. Windows older than WindowDuration are purged on every touch.
type UsageWindow struct {
	WindowStart time.Time `json:"window_start"`
	TokensUsed  int64     `json:"tokens_used"`
}

// Bucket is a fixed 5-minute slot of the rolling-window cache.
type Bucket struct {
	Timestamp time.Time `json:"timestamp"`
	Tokens    int64     `json:"tokens"`
}

// WindowCache is the optional bucketed amortisation of the window list.
// Invariant: RunningTotal equals the sum of Tokens over buckets whose
// Timestamp is within the last WindowDuration.
type WindowCache struct {
	Buckets      []Bucket  `json:"buckets"`
	RunningTotal int64     `json:"running_total"`
	LastUpdated  time.Time `json:"last_updated"`
	WindowMs     int64     `json:"window_duration_ms"`
	BucketMs     int64     `json:"bucket_size_ms"`
}

// Record is a tenant API key with its limits and usage state.
// The storage backend owns persistence; everything else holds snapshots.
type Record struct {
	Key                 string        `json:"key"`
	Name                string        `json:"name"`
	Model               string        `json:"model,omitempty"`
	TokenLimitPer5h     int64         `json:"token_limit_per_5h"`
	ExpiryDate          time.Time     `json:"expiry_date"`
	CreatedAt           time.Time     `json:"created_at"`
	LastUsed            time.Time     `json:"last_used"`
	TotalLifetimeTokens int64         `json:"total_lifetime_tokens"`
	UsageWindows        []UsageWindow `json:"usage_windows,omitempty"`
	WindowCache         *WindowCache  `json:"rolling_window_cache,omitempty"`
}

// IsExpired reports whether the key's absolute expiry has passed.
func (r *Record) IsExpired(now time.Time) bool {
	return !r.ExpiryDate.IsZero() && !r.ExpiryDate.After(now)
}

// AllowsModel reports whether the requested model is permitted. An empty
// override on the record allows any model.
func (r *Record) AllowsModel(model string) bool {
	return r.Model == "" || model == "" || r.Model == model
}

// UsedInWindow sums tokens over windows that start within WindowDuration
// before now. Expired windows are ignored, not removed; PruneWindows does
// the removal.
func (r *Record) UsedInWindow(now time.Time) int64 {
	cutoff := now.Add(-WindowDuration)
	var used int64
	for _, w := range r.UsageWindows {
		if !w.WindowStart.Before(cutoff) {
			used += w.TokensUsed
		}
	}
	return used
}

// OldestWindowStart returns the start of the oldest non-expired window and
// true, or the zero time and false when no live window exists.
func (r *Record) OldestWindowStart(now time.Time) (time.Time, bool) {
	cutoff := now.Add(-WindowDuration)
	var oldest time.Time
	found := false
	for _, w := range r.UsageWindows {
		if w.WindowStart.Before(cutoff) {
			continue
		}
		if !found || w.WindowStart.Before(oldest) {
			oldest = w.WindowStart
			found = true
		}
	}
	return oldest, found
}

// PruneWindows drops windows that have aged out of the rolling span.
// Returns the number of windows removed.
func (r *Record) PruneWindows(now time.Time) int {
	cutoff := now.Add(-WindowDuration)
	kept := r.UsageWindows[:0]
	for _, w := range r.UsageWindows {
		if !w.WindowStart.Before(cutoff) {
			kept = append(kept, w)
		}
	}
	removed := len(r.UsageWindows) - len(kept)
	r.UsageWindows = kept
	if len(r.UsageWindows) == 0 {
		r.UsageWindows = nil
	}
	return removed
}

// RecordUsage folds tokens into the window list: the most recent live
// window absorbs the charge, otherwise a new window anchored at now is
// appended. Expired windows are pruned first. A zero charge only prunes.
func (r *Record) RecordUsage(tokens int64, now time.Time) {
	r.PruneWindows(now)
	if tokens == 0 {
		return
	}
	if n := len(r.UsageWindows); n > 0 {
		r.UsageWindows[n-1].TokensUsed += tokens
	} else {
		r.UsageWindows = append(r.UsageWindows, UsageWindow{WindowStart: now, TokensUsed: tokens})
	}
	r.TotalLifetimeTokens += tokens
	r.LastUsed = now
}

// Clone returns a deep copy so cache snapshots never alias store state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if len(r.UsageWindows) > 0 {
		cp.UsageWindows = make([]UsageWindow, len(r.UsageWindows))
		copy(cp.UsageWindows, r.UsageWindows)
	}
	if r.WindowCache != nil {
		wc := *r.WindowCache
		if len(r.WindowCache.Buckets) > 0 {
			wc.Buckets = make([]Bucket, len(r.WindowCache.Buckets))
			copy(wc.Buckets, r.WindowCache.Buckets)
		}
		cp.WindowCache = &wc
	}
	return &cp
}

// Stats is the derived usage view served by GET /stats.
type Stats struct {
	CurrentWindowTokens int64 `json:"tokens_used_in_current_window"`
	RemainingTokens     int64 `json:"remaining_tokens"`
	IsExpired           bool  `json:"is_expired"`
	TotalLifetimeTokens int64 `json:"total_lifetime_tokens"`
}

// StatsAt derives the usage view for the record at time now.
func (r *Record) StatsAt(now time.Time) Stats {
	used := r.UsedInWindow(now)
	remaining := r.TokenLimitPer5h - used
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		CurrentWindowTokens: used,
		RemainingTokens:     remaining,
		IsExpired:           r.IsExpired(now),
		TotalLifetimeTokens: r.TotalLifetimeTokens,
	}
}
