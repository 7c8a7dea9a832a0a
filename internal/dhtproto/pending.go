package dhtproto

import "sync"

// pendingTable correlates outbound requests to their inbound replies by
// message id. Every entry is either resolved exactly once or times out
// exactly once; duplicate replies for an already-resolved id are
// silently dropped.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan Envelope
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan Envelope)}
}

// register creates a resolver channel for id before the request is sent.
func (p *pendingTable) register(id string) chan Envelope {
	ch := make(chan Envelope, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers reply to the waiter registered for its RequestID, if
// one is still pending. Returns false if there was no matching pending
// entry (already resolved, timed out, or never registered) — the caller
// should treat that as a duplicate/unsolicited reply and drop it.
func (p *pendingTable) resolve(requestID string, reply Envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiters[requestID]
	if ok {
		delete(p.waiters, requestID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply
	return true
}

// evict removes id's waiter without resolving it, used on timeout.
func (p *pendingTable) evict(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}
