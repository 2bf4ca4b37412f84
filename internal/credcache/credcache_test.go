package credcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yourflock/perch/internal/credential"
)

func testCache(cfg Config) (*Cache, *time.Time) {
	c := New(cfg)
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func rec(key string) *credential.Record {
	return &credential.Record{Key: key, Name: "n-" + key, TokenLimitPer5h: 1000}
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := testCache(DefaultConfig())

	if _, ok := c.Get("pk_1"); ok {
		t.Fatal("empty cache should miss")
	}
	c.Set(rec("pk_1"))
	got, ok := c.Get("pk_1")
	if !ok || got == nil {
		t.Fatal("expected hit after Set")
	}
	if got.Name != "n-pk_1" {
		t.Errorf("got %+v", got)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit 1 miss", st)
	}
}

func TestReturnedRecordIsACopy(t *testing.T) {
	c, _ := testCache(DefaultConfig())
	c.Set(rec("pk_1"))

	first, _ := c.Get("pk_1")
	first.TokenLimitPer5h = 1

	second, _ := c.Get("pk_1")
	if second.TokenLimitPer5h != 1000 {
		t.Error("mutating a returned record leaked into the cache")
	}
}

func TestPositiveTTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 60 * time.Second
	c, now := testCache(cfg)

	c.Set(rec("pk_1"))
	*now = now.Add(59 * time.Second)
	if _, ok := c.Get("pk_1"); !ok {
		t.Fatal("entry expired before its TTL")
	}
	*now = now.Add(2 * time.Second)
	if _, ok := c.Get("pk_1"); ok {
		t.Fatal("entry survived past its TTL")
	}
}

func TestNegativeCaching(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NegativeTTL = 5 * time.Second
	c, now := testCache(cfg)

	c.SetNegative("pk_absent")
	got, ok := c.Get("pk_absent")
	if !ok || got != nil {
		t.Fatalf("want fresh negative hit (nil, true), got (%v, %v)", got, ok)
	}
	if st := c.Stats(); st.NegativeHits != 1 {
		t.Errorf("negative hits = %d, want 1", st.NegativeHits)
	}

	// Negative entries use the shorter TTL.
	*now = now.Add(6 * time.Second)
	if _, ok := c.Get("pk_absent"); ok {
		t.Fatal("negative entry survived past the negative TTL")
	}
}

func TestInvalidateHappensBeforeNextRead(t *testing.T) {
	c, _ := testCache(DefaultConfig())
	c.Set(rec("pk_1"))
	c.Invalidate("pk_1")
	if _, ok := c.Get("pk_1"); ok {
		t.Fatal("read after invalidation must miss and refresh from the store")
	}
}

func TestLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = shardCount // one entry per shard
	c, _ := testCache(cfg)

	// Overfill a single shard: keys hashing to the same shard displace
	// each other, oldest first.
	var inShard []string
	target := c.shardFor("seed")
	for i := 0; len(inShard) < 3; i++ {
		k := fmt.Sprintf("pk_%d", i)
		if c.shardFor(k) == target {
			inShard = append(inShard, k)
		}
	}
	c.Set(rec(inShard[0]))
	c.Set(rec(inShard[1])) // evicts [0]

	if _, ok := c.Get(inShard[0]); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get(inShard[1]); !ok {
		t.Error("newest entry should have survived")
	}
}

func TestLRUTouchOnGet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = shardCount * 2 // two entries per shard
	c, _ := testCache(cfg)

	target := c.shardFor("seed")
	var keys []string
	for i := 0; len(keys) < 3; i++ {
		k := fmt.Sprintf("pk_%d", i)
		if c.shardFor(k) == target {
			keys = append(keys, k)
		}
	}
	c.Set(rec(keys[0]))
	c.Set(rec(keys[1]))
	c.Get(keys[0])      // touch: [0] becomes most recent
	c.Set(rec(keys[2])) // evicts [1], the least recently used

	if _, ok := c.Get(keys[0]); !ok {
		t.Error("touched entry was evicted")
	}
	if _, ok := c.Get(keys[1]); ok {
		t.Error("least recently used entry survived eviction")
	}
}

func TestDisabledCacheIsInert(t *testing.T) {
	c, _ := testCache(Config{Enabled: false})
	c.Set(rec("pk_1"))
	c.SetNegative("pk_2")
	if _, ok := c.Get("pk_1"); ok {
		t.Error("disabled cache returned a hit")
	}
	if c.Len() != 0 {
		t.Errorf("disabled cache holds %d entries", c.Len())
	}
}

func TestPurge(t *testing.T) {
	c, _ := testCache(DefaultConfig())
	for i := 0; i < 50; i++ {
		c.Set(rec(fmt.Sprintf("pk_%d", i)))
	}
	c.Purge()
	if c.Len() != 0 {
		t.Errorf("cache holds %d entries after purge", c.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				k := fmt.Sprintf("pk_%d", j%20)
				switch j % 4 {
				case 0:
					c.Set(rec(k))
				case 1:
					c.Get(k)
				case 2:
					c.SetNegative(k + "_neg")
				case 3:
					c.Invalidate(k)
				}
			}
		}(i)
	}
	wg.Wait()
	// Sanity only; the race detector is the real assertion here.
	c.Stats()
}
