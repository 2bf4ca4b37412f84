// fixtures.go — credential fixtures for store-backed tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/yourflock/perch/internal/credential"
	"github.com/yourflock/perch/internal/store"
)

// NewRecord returns an unexpired credential with a unique key and the given
// rolling-window limit.
func NewRecord(t *testing.T, name string, limit int64) *credential.Record {
	t.Helper()
	now := time.Now()
	return &credential.Record{
		Key:             fmt.Sprintf("pk_test_%s_%d", t.Name(), now.UnixNano()),
		Name:            name,
		TokenLimitPer5h: limit,
		ExpiryDate:      now.Add(24 * time.Hour),
		CreatedAt:       now,
	}
}

// SeedRecord writes a fresh credential into the store and returns it.
// The record is removed again at test cleanup.
func SeedRecord(t *testing.T, st store.Admin, name string, limit int64) *credential.Record {
	t.Helper()
	rec := NewRecord(t, name, limit)
	if err := st.Put(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	t.Cleanup(func() { st.Delete(context.Background(), rec.Key) })
	return rec
}
