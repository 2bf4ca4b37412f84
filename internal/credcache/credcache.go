// Package credcache is a bounded in-process cache in front of the credential
// store. Entries carry a TTL and are evicted LRU-first; lookups that found
// nothing are cached too (negative entries, shorter TTL) so hot unknown keys
// do not storm the backend.
package credcache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourflock/perch/internal/credential"
)

const (
	// DefaultTTL is how long a positive entry stays fresh.
	DefaultTTL = 60 * time.Second
	// DefaultNegativeTTL is how long an absent-key entry stays fresh.
	DefaultNegativeTTL = 5 * time.Second
	// DefaultCapacity bounds the total entry count across all shards.
	DefaultCapacity = 10000

	shardCount = 16
)

// Config controls cache behaviour. The zero value disables the cache.
type Config struct {
	Enabled     bool
	TTL         time.Duration
	NegativeTTL time.Duration
	Capacity    int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		TTL:         DefaultTTL,
		NegativeTTL: DefaultNegativeTTL,
		Capacity:    DefaultCapacity,
	}
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	NegativeHits int64 `json:"negative_hits"`
	Entries      int   `json:"entries"`
}

type entry struct {
	key string
	// rec == nil marks a negative entry.
	rec       *credential.Record
	expiresAt time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently used
	cap   int
}

// Cache is a sharded TTL+LRU credential cache.
type Cache struct {
	cfg    Config
	shards [shardCount]*shard

	hits         atomic.Int64
	misses       atomic.Int64
	negativeHits atomic.Int64

	now func() time.Time // test hook
}

// New builds a cache from cfg. A disabled cache is valid: Get always
// misses and Set is a no-op, so callers need no branching.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	c := &Cache{cfg: cfg, now: time.Now}
	perShard := cfg.Capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			items: make(map[string]*list.Element),
			lru:   list.New(),
			cap:   perShard,
		}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached record for key. ok reports whether the cache held a
// fresh entry at all; a fresh negative entry yields (nil, true), telling the
// caller the key is known-absent without a backend round trip. Returned
// records are clones; callers may mutate them freely.
func (c *Cache) Get(key string) (rec *credential.Record, ok bool) {
	if !c.cfg.Enabled {
		return nil, false
	}
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	el, found := s.items[key]
	if !found {
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	ent := el.Value.(*entry)
	if now.After(ent.expiresAt) {
		s.lru.Remove(el)
		delete(s.items, key)
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	s.lru.MoveToFront(el)
	if ent.rec == nil {
		s.mu.Unlock()
		c.negativeHits.Add(1)
		return nil, true
	}
	cp := ent.rec.Clone()
	s.mu.Unlock()
	c.hits.Add(1)
	return cp, true
}

// Set caches a record under its key with the positive TTL.
func (c *Cache) Set(rec *credential.Record) {
	if !c.cfg.Enabled || rec == nil {
		return
	}
	c.put(rec.Key, rec.Clone(), c.cfg.TTL)
}

// SetNegative records that key resolved to nothing, with the shorter TTL.
func (c *Cache) SetNegative(key string) {
	if !c.cfg.Enabled {
		return
	}
	c.put(key, nil, c.cfg.NegativeTTL)
}

func (c *Cache) put(key string, rec *credential.Record, ttl time.Duration) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, found := s.items[key]; found {
		ent := el.Value.(*entry)
		ent.rec = rec
		ent.expiresAt = now.Add(ttl)
		s.lru.MoveToFront(el)
		return
	}
	if s.lru.Len() >= s.cap {
		oldest := s.lru.Back()
		if oldest != nil {
			s.lru.Remove(oldest)
			delete(s.items, oldest.Value.(*entry).key)
		}
	}
	s.items[key] = s.lru.PushFront(&entry{key: key, rec: rec, expiresAt: now.Add(ttl)})
}

// Invalidate drops the entry for key so the next read refreshes from the
// store. Called after every successful usage write.
func (c *Cache) Invalidate(key string) {
	if !c.cfg.Enabled {
		return
	}
	s := c.shardFor(key)
	s.mu.Lock()
	if el, found := s.items[key]; found {
		s.lru.Remove(el)
		delete(s.items, key)
	}
	s.mu.Unlock()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.lru.Init()
		s.mu.Unlock()
	}
}

// Len returns the current entry count, expired entries included.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		NegativeHits: c.negativeHits.Load(),
		Entries:      c.Len(),
	}
}
