// Package bufpool recycles the byte buffers used on the streaming hot path.
// Buffers come in fixed power-of-two tiers so one giant request cannot pin a
// huge allocation in the pool forever.
package bufpool

import "sync"

// Tier sizes in bytes. Get rounds the request up to the nearest tier;
// requests above the largest tier fall back to plain allocation.
var tiers = []int{4 << 10, 8 << 10, 16 << 10, 32 << 10, 64 << 10}

// DefaultChunkSize is the streaming read size when none is configured.
const DefaultChunkSize = 16 << 10

var pools = func() []*sync.Pool {
	ps := make([]*sync.Pool, len(tiers))
	for i, size := range tiers {
		size := size
		ps[i] = &sync.Pool{New: func() any {
			b := make([]byte, size)
			return &b
		}}
	}
	return ps
}()

// Get returns a buffer of at least size bytes, sliced to exactly size.
func Get(size int) []byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	for i, tier := range tiers {
		if size <= tier {
			return (*(pools[i].Get().(*[]byte)))[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a buffer for reuse. Buffers that did not come from a tier are
// dropped. Contents are zeroed so a recycled buffer can never leak another
// request's bytes.
func Put(b []byte) {
	c := cap(b)
	for i, tier := range tiers {
		if c == tier {
			b = b[:c]
			for j := range b {
				b[j] = 0
			}
			pools[i].Put(&b)
			return
		}
	}
}
