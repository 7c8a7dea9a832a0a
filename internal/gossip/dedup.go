package gossip

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// dedupCache guards against re-processing the same message_id twice and
// bounds epidemic propagation loops. A bloom filter short-circuits the
// common "definitely haven't seen this" case before consulting the
// authoritative timestamp map, mirroring the teacher's seenFilter +
// seenTimestamps pairing in mesh/gossip.go.
type dedupCache struct {
	mu         sync.Mutex
	filter     *bloom.BloomFilter
	timestamps map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{
		filter:     bloom.NewWithEstimates(100_000, 0.01),
		timestamps: make(map[string]time.Time),
	}
}

// seen reports whether id has already been processed.
func (d *dedupCache) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.filter.TestString(id) {
		return false
	}
	_, ok := d.timestamps[id]
	return ok
}

// mark records id as processed at the current time.
func (d *dedupCache) mark(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter.AddString(id)
	d.timestamps[id] = time.Now()
}

// evictOlderThan removes entries whose mark is older than maxAge. A
// bloom filter supports no deletion, so once the timestamp map empties
// out entirely the filter is reset to avoid an ever-growing false
// positive rate across the node's lifetime — the same quirk the
// teacher's own cleanup accepts.
func (d *dedupCache) evictOlderThan(maxAge time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, ts := range d.timestamps {
		if ts.Before(cutoff) {
			delete(d.timestamps, id)
		}
	}
	if len(d.timestamps) == 0 {
		d.filter = bloom.NewWithEstimates(100_000, 0.01)
	}
}
