package tokenlimit

import (
	"time"

	"github.com/yourflock/perch/internal/credential"
)

// bucketCache amortises window sums as fixed 5-minute buckets over the
// 5-hour window (60 live slots). Invariant: total equals the sum of tokens
// across buckets whose start is within the window.
type bucketCache struct {
	buckets []bucket
	total   int64
}

type bucket struct {
	start  time.Time
	tokens int64
}

func bucketStart(t time.Time) time.Time {
	return t.Truncate(credential.BucketSize)
}

// add charges tokens into the bucket for now, purging aged-out buckets first.
func (c *bucketCache) add(tokens int64, now time.Time) {
	c.purge(now)
	start := bucketStart(now)
	for i := range c.buckets {
		if c.buckets[i].start.Equal(start) {
			c.buckets[i].tokens += tokens
			c.total += tokens
			return
		}
	}
	c.buckets = append(c.buckets, bucket{start: start, tokens: tokens})
	c.total += tokens
}

// purge drops buckets that fell out of the rolling window and keeps total
// consistent with the survivors.
func (c *bucketCache) purge(now time.Time) {
	cutoff := now.Add(-credential.WindowDuration)
	kept := c.buckets[:0]
	for _, b := range c.buckets {
		if b.start.Before(cutoff) {
			c.total -= b.tokens
			continue
		}
		kept = append(kept, b)
	}
	c.buckets = kept
}
