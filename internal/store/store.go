// Package store defines the credential storage contract shared by the file
// and Postgres backends, plus the fallback controller that switches between
// them on health events. Callers hold a Store and never care which backend
// is live.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yourflock/perch/internal/credential"
)

// Sentinel errors shared by every backend. Wrap with %w so callers can use
// errors.Is across the fallback boundary.
var (
	// ErrNotFound means the key does not exist in the backend.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable means the backend is unreachable. The fallback
	// controller counts these toward demotion.
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrConflict means an optimistic concurrency check failed. The
	// Postgres backend retries these internally before surfacing.
	ErrConflict = errors.New("store: concurrent update conflict")
)

// Store is the uniform capability set over credential persistence.
type Store interface {
	// Initialize prepares the backend (opens the DB, ensures the file
	// exists). Idempotent; calling it twice is indistinguishable from once.
	Initialize(ctx context.Context) error

	// Find returns a snapshot of the record for key, or ErrNotFound.
	Find(ctx context.Context, key string) (*credential.Record, error)

	// UpdateUsage atomically folds a usage increment into the record's
	// windows and lifetime totals. tokens may be zero (prune only).
	UpdateUsage(ctx context.Context, key string, tokens int64, model string, now time.Time) error

	// Stats returns the derived usage view for key, or ErrNotFound.
	Stats(ctx context.Context, key string) (*credential.Stats, error)

	// Close releases backend resources.
	Close() error
}

// Admin extends Store with the mutations the admin CRUD surface needs.
// Both backends implement it; the request path never calls these.
type Admin interface {
	Store

	// Put creates or replaces a record.
	Put(ctx context.Context, rec *credential.Record) error

	// Delete removes a record and its windows. ErrNotFound if absent.
	Delete(ctx context.Context, key string) error

	// List returns snapshots of all records.
	List(ctx context.Context) ([]*credential.Record, error)
}
