package dhtclient

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakers lazily creates one circuit breaker per contact address, so a
// contact that keeps timing out stops consuming a full request timeout
// on every call during its cooldown window. This is a fast-fail
// optimization over the wrapper's existing miss/false-on-failure
// contract (sec 7: "transient network: log, return a miss"), not a
// change to it.
type breakers struct {
	mu    sync.Mutex
	byKey map[string]*gobreaker.CircuitBreaker[any]
}

func newBreakers() *breakers {
	return &breakers{byKey: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (b *breakers) get(ip string, port int) *gobreaker.CircuitBreaker[any] {
	key := fmt.Sprintf("%s:%d", ip, port)

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byKey[key]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	b.byKey[key] = cb
	return cb
}
