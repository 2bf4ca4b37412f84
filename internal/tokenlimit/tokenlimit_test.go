package tokenlimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yourflock/perch/internal/credential"
	"github.com/yourflock/perch/internal/store"
)

// memStore records UpdateUsage calls against in-memory records.
type memStore struct {
	mu   sync.Mutex
	recs map[string]*credential.Record
	errs int
	fail bool
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*credential.Record)}
}

func (m *memStore) put(rec *credential.Record) { m.recs[rec.Key] = rec }

func (m *memStore) Initialize(ctx context.Context) error { return nil }

func (m *memStore) Find(ctx context.Context, key string) (*credential.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memStore) UpdateUsage(ctx context.Context, key string, tokens int64, model string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		m.errs++
		return store.ErrUnavailable
	}
	rec, ok := m.recs[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.RecordUsage(tokens, now)
	return nil
}

func (m *memStore) Stats(ctx context.Context, key string) (*credential.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	st := rec.StatsAt(time.Now())
	return &st, nil
}

func (m *memStore) Close() error { return nil }

func testLimiter(st store.Store) (*Limiter, *time.Time) {
	l := New(st, nil)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestColdAdmitAndCharge(t *testing.T) {
	st := newMemStore()
	st.put(&credential.Record{Key: "pk_1", TokenLimitPer5h: 10000})
	l, now := testLimiter(st)
	ctx := context.Background()

	rec, _ := st.Find(ctx, "pk_1")
	adm, err := l.Admit(rec, "gpt-4o", 1053)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if l.Reserved("pk_1") != 1053 {
		t.Errorf("reserved = %d, want 1053", l.Reserved("pk_1"))
	}

	if err := l.Charge(ctx, adm, 842); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if l.Reserved("pk_1") != 0 {
		t.Errorf("reserved after charge = %d, want 0", l.Reserved("pk_1"))
	}

	got, _ := st.Find(ctx, "pk_1")
	if used := got.UsedInWindow(*now); used != 842 {
		t.Errorf("window usage = %d, want 842 (actual replaces estimate)", used)
	}
	if len(got.UsageWindows) != 1 {
		t.Errorf("want one window, got %d", len(got.UsageWindows))
	}
}

func TestRejectOverLimitWithRetryAfter(t *testing.T) {
	st := newMemStore()
	now0 := time.Now()
	st.put(&credential.Record{
		Key:             "pk_1",
		TokenLimitPer5h: 10000,
		UsageWindows: []credential.UsageWindow{
			{WindowStart: now0.Add(-time.Hour), TokensUsed: 9500},
		},
	})
	l, now := testLimiter(st)
	*now = now0

	rec, _ := st.Find(context.Background(), "pk_1")
	_, err := l.Admit(rec, "", 800)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}

	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatal("error is not a *RateLimitedError")
	}
	// Oldest window started 1 h ago; it ages out of the 5 h window in ~4 h.
	if rl.RetryAfter < 3*time.Hour+59*time.Minute || rl.RetryAfter > 4*time.Hour {
		t.Errorf("retry-after = %v, want ~4h", rl.RetryAfter)
	}

	// No state was touched by the rejection.
	got, _ := st.Find(context.Background(), "pk_1")
	if len(got.UsageWindows) != 1 {
		t.Errorf("rejection appended a window: %+v", got.UsageWindows)
	}
	if l.Reserved("pk_1") != 0 {
		t.Errorf("rejection left a reservation: %d", l.Reserved("pk_1"))
	}
}

func TestExpiredWindowsDoNotCount(t *testing.T) {
	st := newMemStore()
	now0 := time.Now()
	st.put(&credential.Record{
		Key:             "pk_1",
		TokenLimitPer5h: 10000,
		UsageWindows: []credential.UsageWindow{
			{WindowStart: now0.Add(-6 * time.Hour), TokensUsed: 12000},
			{WindowStart: now0.Add(-time.Hour), TokensUsed: 3000},
		},
	})
	l, now := testLimiter(st)
	*now = now0
	ctx := context.Background()

	rec, _ := st.Find(ctx, "pk_1")
	adm, err := l.Admit(rec, "", 1000)
	if err != nil {
		t.Fatalf("admit should ignore the 6h-old window: %v", err)
	}
	if err := l.Charge(ctx, adm, 1000); err != nil {
		t.Fatalf("charge: %v", err)
	}

	got, _ := st.Find(ctx, "pk_1")
	if used := got.UsedInWindow(*now); used != 4000 {
		t.Errorf("window usage = %d, want 4000", used)
	}
	for _, w := range got.UsageWindows {
		if w.WindowStart.Before(now.Add(-credential.WindowDuration)) {
			t.Errorf("expired window survived: %+v", w)
		}
	}
}

func TestZeroChargeReleasesReservation(t *testing.T) {
	st := newMemStore()
	st.put(&credential.Record{Key: "pk_1", TokenLimitPer5h: 10000})
	l, now := testLimiter(st)
	ctx := context.Background()

	rec, _ := st.Find(ctx, "pk_1")
	adm, err := l.Admit(rec, "", 500)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := l.Charge(ctx, adm, 0); err != nil {
		t.Fatalf("zero charge: %v", err)
	}

	if l.Reserved("pk_1") != 0 {
		t.Errorf("reserved = %d after zero charge", l.Reserved("pk_1"))
	}
	got, _ := st.Find(ctx, "pk_1")
	if used := got.UsedInWindow(*now); used != 0 {
		t.Errorf("zero charge recorded usage: %d", used)
	}
}

func TestCancelReleasesWithoutPersisting(t *testing.T) {
	st := newMemStore()
	st.put(&credential.Record{Key: "pk_1", TokenLimitPer5h: 10000})
	l, _ := testLimiter(st)

	rec, _ := st.Find(context.Background(), "pk_1")
	adm, _ := l.Admit(rec, "", 500)
	l.Cancel(adm)
	if l.Reserved("pk_1") != 0 {
		t.Errorf("reserved = %d after cancel", l.Reserved("pk_1"))
	}
	// A later charge of a cancelled admission must be a no-op.
	if err := l.Charge(context.Background(), adm, 999); err != nil {
		t.Fatalf("charge after cancel: %v", err)
	}
	got, _ := st.Find(context.Background(), "pk_1")
	if used := got.UsedInWindow(time.Now()); used != 0 {
		t.Errorf("cancelled admission was charged: %d", used)
	}
}

func TestDoubleChargeIsNoOp(t *testing.T) {
	st := newMemStore()
	st.put(&credential.Record{Key: "pk_1", TokenLimitPer5h: 10000})
	l, now := testLimiter(st)
	ctx := context.Background()

	rec, _ := st.Find(ctx, "pk_1")
	adm, _ := l.Admit(rec, "", 100)
	l.Charge(ctx, adm, 50)
	l.Charge(ctx, adm, 50)

	got, _ := st.Find(ctx, "pk_1")
	if used := got.UsedInWindow(*now); used != 50 {
		t.Errorf("double charge recorded %d tokens, want 50", used)
	}
}

func TestReservationsCountAgainstConcurrentAdmits(t *testing.T) {
	st := newMemStore()
	st.put(&credential.Record{Key: "pk_1", TokenLimitPer5h: 1000})
	l, _ := testLimiter(st)

	rec, _ := st.Find(context.Background(), "pk_1")
	adm1, err := l.Admit(rec, "", 600)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	// The store still shows zero usage, but 600 is reserved.
	if _, err := l.Admit(rec, "", 600); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second admit should see the outstanding reservation, got %v", err)
	}
	l.Cancel(adm1)
	if _, err := l.Admit(rec, "", 600); err != nil {
		t.Errorf("admit after cancel: %v", err)
	}
}

func TestKeysAdmitIndependently(t *testing.T) {
	st := newMemStore()
	st.put(&credential.Record{Key: "pk_a", TokenLimitPer5h: 100})
	st.put(&credential.Record{Key: "pk_b", TokenLimitPer5h: 100})
	l, _ := testLimiter(st)

	recA, _ := st.Find(context.Background(), "pk_a")
	recB, _ := st.Find(context.Background(), "pk_b")
	if _, err := l.Admit(recA, "", 100); err != nil {
		t.Fatalf("admit a: %v", err)
	}
	if _, err := l.Admit(recB, "", 100); err != nil {
		t.Errorf("a full reservation on pk_a blocked pk_b: %v", err)
	}
}

func TestChargeSurfacesStoreErrors(t *testing.T) {
	st := newMemStore()
	st.put(&credential.Record{Key: "pk_1", TokenLimitPer5h: 10000})
	l, _ := testLimiter(st)
	ctx := context.Background()

	rec, _ := st.Find(ctx, "pk_1")
	adm, _ := l.Admit(rec, "", 100)
	st.fail = true
	if err := l.Charge(ctx, adm, 100); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("want ErrUnavailable from store, got %v", err)
	}
	// The reservation is released even when persistence fails.
	if l.Reserved("pk_1") != 0 {
		t.Errorf("reserved = %d after failed charge", l.Reserved("pk_1"))
	}
}

func TestBucketCacheInvariant(t *testing.T) {
	st := newMemStore()
	st.put(&credential.Record{Key: "pk_1", TokenLimitPer5h: 1 << 40})
	l, now := testLimiter(st)
	ctx := context.Background()

	rec, _ := st.Find(ctx, "pk_1")
	charge := func(tokens int64) {
		adm, err := l.Admit(rec, "", tokens)
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if err := l.Charge(ctx, adm, tokens); err != nil {
			t.Fatalf("charge: %v", err)
		}
	}

	charge(100)
	*now = now.Add(10 * time.Minute)
	charge(200)
	*now = now.Add(10 * time.Minute)
	charge(300)
	if got := l.WindowTotal("pk_1"); got != 600 {
		t.Errorf("running total = %d, want 600", got)
	}

	// Advance until the first two charges age out of the 5 h window.
	*now = now.Add(credential.WindowDuration - 15*time.Minute)
	if got := l.WindowTotal("pk_1"); got != 300 {
		t.Errorf("running total after expiry = %d, want 300", got)
	}

	*now = now.Add(credential.WindowDuration)
	if got := l.WindowTotal("pk_1"); got != 0 {
		t.Errorf("running total after full expiry = %d, want 0", got)
	}
}

func TestConcurrentAdmitsBoundedByReservations(t *testing.T) {
	st := newMemStore()
	st.put(&credential.Record{Key: "pk_1", TokenLimitPer5h: 1000})
	l := New(st, nil)
	ctx := context.Background()

	// All 20 goroutines race at admit with the same zero-usage snapshot;
	// reservations must cap the winners at limit/estimate = 10.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var admissions []*Admission
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, _ := st.Find(ctx, "pk_1")
			adm, err := l.Admit(rec, "", 100)
			if err != nil {
				return
			}
			mu.Lock()
			admissions = append(admissions, adm)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(admissions) > 10 {
		t.Fatalf("%d admissions granted, reservations allow at most 10", len(admissions))
	}
	if got := l.Reserved("pk_1"); got != int64(len(admissions))*100 {
		t.Errorf("reserved = %d, want %d", got, len(admissions)*100)
	}

	for _, adm := range admissions {
		if err := l.Charge(ctx, adm, 100); err != nil {
			t.Fatalf("charge: %v", err)
		}
	}
	rec, _ := st.Find(ctx, "pk_1")
	if used := rec.UsedInWindow(time.Now()); used > 1000 {
		t.Errorf("usage %d exceeds the limit after all charges settled", used)
	}
	if l.Reserved("pk_1") != 0 {
		t.Errorf("reserved = %d after all settled", l.Reserved("pk_1"))
	}
}
