package gossip

import "time"

// State is a peer's position in the SWIM failure-detector state machine.
type State int

const (
	Alive State = iota
	Suspect
	Dead
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// PeerEntry is the gossip protocol's view of one remote peer. Within one
// incarnation a peer moves Alive -> Suspect -> Dead, except that a
// Suspect peer returns to Alive when it answers with an ack addressed to
// this node. A Dead peer is revived only by a state-sync record carrying
// a higher incarnation (applyIncarnation).
type PeerEntry struct {
	ID          string
	IP          string
	Port        int
	State       State
	LastSeen    time.Time
	SuspectTime time.Time
	Incarnation int64
}

// newPeerEntry constructs a freshly-discovered peer: Alive, incarnation 0.
func newPeerEntry(id, ip string, port int) *PeerEntry {
	return &PeerEntry{
		ID:          id,
		IP:          ip,
		Port:        port,
		State:       Alive,
		LastSeen:    time.Now(),
		Incarnation: 0,
	}
}

// touch records inbound traffic from the peer, and recovers it from
// Suspect to Alive if addressedToUs is true (an ack directed at us).
func (p *PeerEntry) touch(addressedToUs bool) {
	p.LastSeen = time.Now()
	if p.State == Suspect && addressedToUs {
		p.State = Alive
	}
}

// markSuspect transitions Alive -> Suspect and starts the suspicion
// timer, on a cleanup-tick timeout or an incoming suspect message.
func (p *PeerEntry) markSuspect() {
	p.State = Suspect
	p.SuspectTime = time.Now()
}

// markDead transitions (Alive or Suspect) -> Dead.
func (p *PeerEntry) markDead() {
	p.State = Dead
}

// applyIncarnation merges a state-sync record with a strictly higher
// incarnation than the local one, which may reset the peer to Alive.
func (p *PeerEntry) applyIncarnation(incoming PeerEntry) bool {
	if incoming.Incarnation <= p.Incarnation {
		return false
	}
	p.Incarnation = incoming.Incarnation
	p.State = incoming.State
	p.LastSeen = time.Now()
	return true
}
