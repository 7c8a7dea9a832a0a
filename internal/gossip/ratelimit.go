package gossip

import (
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// peerRateLimiter bounds how fast any single peer may push messages into
// this node, checked before any dedup/dispatch work for that peer's
// datagram (sec 7: a transient-abuse case is log-and-drop, same as a
// protocol violation).
type peerRateLimiter struct {
	bucket *limiter.TokenBucket
}

func newPeerRateLimiter(messagesPerSecond, burst int) *peerRateLimiter {
	backing := store.NewMemoryStore(time.Minute)
	bucket, _ := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(messagesPerSecond),
		Duration: time.Second,
		Burst:    int64(burst),
	}, backing)
	return &peerRateLimiter{bucket: bucket}
}

// allow reports whether peerID may send another message right now.
func (r *peerRateLimiter) allow(peerID string) bool {
	if r.bucket == nil {
		return true
	}
	return r.bucket.Allow(peerID)
}
