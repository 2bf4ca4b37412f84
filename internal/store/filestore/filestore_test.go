package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yourflock/perch/internal/credential"
	"github.com/yourflock/perch/internal/store"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs := New(filepath.Join(t.TempDir(), "keys.json"), nil)
	if err := fs.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return fs
}

func testRecord(key string) *credential.Record {
	return &credential.Record{
		Key:             key,
		Name:            "test " + key,
		TokenLimitPer5h: 10000,
		ExpiryDate:      time.Now().Add(24 * time.Hour),
		CreatedAt:       time.Now(),
	}
}

func TestInitializeIdempotent(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()
	if err := fs.Put(ctx, testRecord("pk_1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// A second Initialize must not wipe existing data.
	if err := fs.Initialize(ctx); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if _, err := fs.Find(ctx, "pk_1"); err != nil {
		t.Errorf("record lost after re-initialize: %v", err)
	}
}

func TestFindNotFound(t *testing.T) {
	fs := newTestStore(t)
	_, err := fs.Find(context.Background(), "absent")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestPutFindDelete(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	if err := fs.Put(ctx, testRecord("pk_a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := fs.Find(ctx, "pk_a")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.Name != "test pk_a" || rec.TokenLimitPer5h != 10000 {
		t.Errorf("unexpected record: %+v", rec)
	}

	if err := fs.Delete(ctx, "pk_a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := fs.Find(ctx, "pk_a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("want ErrNotFound after delete, got %v", err)
	}
	if err := fs.Delete(ctx, "pk_a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("double delete should be ErrNotFound, got %v", err)
	}
}

func TestUpdateUsagePersists(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()
	fs.Put(ctx, testRecord("pk_u"))

	now := time.Now()
	if err := fs.UpdateUsage(ctx, "pk_u", 842, "gpt-4o", now); err != nil {
		t.Fatalf("update usage: %v", err)
	}

	// Reopen from disk to prove durability, not just in-memory state.
	reopened := New(fs.path, nil)
	rec, err := reopened.Find(ctx, "pk_u")
	if err != nil {
		t.Fatalf("find after reopen: %v", err)
	}
	if got := rec.UsedInWindow(now); got != 842 {
		t.Errorf("usage after reopen = %d, want 842", got)
	}
	if rec.TotalLifetimeTokens != 842 {
		t.Errorf("lifetime tokens = %d, want 842", rec.TotalLifetimeTokens)
	}
}

func TestUpdateUsageUnknownKey(t *testing.T) {
	fs := newTestStore(t)
	err := fs.UpdateUsage(context.Background(), "absent", 10, "", time.Now())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()
	fs.Put(ctx, testRecord("pk_s"))
	fs.UpdateUsage(ctx, "pk_s", 842, "", time.Now())

	st, err := fs.Stats(ctx, "pk_s")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.CurrentWindowTokens != 842 || st.RemainingTokens != 9158 {
		t.Errorf("stats = %+v, want current=842 remaining=9158", st)
	}
}

func TestDocumentShape(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()
	fs.Put(ctx, testRecord("pk_doc"))

	data, err := os.ReadFile(fs.path)
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("document is not valid JSON: %v", err)
	}
	if len(doc.Keys) != 1 {
		t.Fatalf("want 1 key in document, got %d", len(doc.Keys))
	}
	if doc.Keys[0]["key"] != "pk_doc" {
		t.Errorf("unexpected key entry: %v", doc.Keys[0])
	}
}

func TestNoTmpOrLockLeftBehind(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()
	fs.Put(ctx, testRecord("pk_t"))
	fs.UpdateUsage(ctx, "pk_t", 5, "", time.Now())

	if _, err := os.Stat(fs.path + ".tmp"); !os.IsNotExist(err) {
		t.Error(".tmp file left behind after write")
	}
	if _, err := os.Stat(fs.path + ".lock"); !os.IsNotExist(err) {
		t.Error(".lock directory left behind after write")
	}
}

func TestLockReleasedOnError(t *testing.T) {
	fs := newTestStore(t)
	// A failing mutation (unknown key) must still release the lock.
	fs.UpdateUsage(context.Background(), "absent", 1, "", time.Now())
	if _, err := os.Stat(fs.path + ".lock"); !os.IsNotExist(err) {
		t.Fatal(".lock directory left behind after failed mutation")
	}
	// And the next writer must proceed.
	if err := fs.Put(context.Background(), testRecord("pk_after")); err != nil {
		t.Errorf("put after failed mutation: %v", err)
	}
}

func TestLockContention(t *testing.T) {
	fs := newTestStore(t)
	// Hold the lock externally; a mutation should give up with Unavailable.
	lockDir := fs.path + ".lock"
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		t.Fatalf("mkdir lock: %v", err)
	}
	defer os.Remove(lockDir)

	start := time.Now()
	err := fs.Put(context.Background(), testRecord("pk_c"))
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("want ErrUnavailable while lock held, got %v", err)
	}
	// 10 attempts at 50 ms back-off ≈ 500 ms of retrying.
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("gave up too fast: %v", elapsed)
	}
}

func TestConcurrentWriters(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()
	fs.Put(ctx, testRecord("pk_con"))

	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := fs.UpdateUsage(ctx, "pk_con", 10, "", time.Now()); err != nil {
					t.Errorf("concurrent update: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	rec, err := fs.Find(ctx, "pk_con")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.TotalLifetimeTokens != writers*perWriter*10 {
		t.Errorf("lifetime tokens = %d, want %d", rec.TotalLifetimeTokens, writers*perWriter*10)
	}
}
