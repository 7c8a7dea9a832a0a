package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProtocol(t *testing.T, id string, cfg Config) *Protocol {
	t.Helper()
	p, err := New(id, "127.0.0.1", 0, cfg, nil)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.GossipInterval = 20 * time.Millisecond
	cfg.CleanupInterval = 30 * time.Millisecond
	cfg.SuspicionTimeout = 50 * time.Millisecond
	cfg.DeadTimeout = 100 * time.Millisecond
	return cfg
}

// S4 / property #7: a peer gone quiet transitions Alive -> Suspect ->
// Dead over the configured timeouts, and is never reset to Alive by
// the cleanup tick itself (only a directed ack or a higher-incarnation
// sync record can do that).
func TestFailureDetectionTransitionsThroughSuspectToDead(t *testing.T) {
	cfg := fastConfig()
	a := newTestProtocol(t, "node-a", cfg)
	b := newTestProtocol(t, "node-b", cfg)

	bAddr := b.LocalAddr()
	a.AddPeer("node-b", bAddr.IP.String(), bAddr.Port)
	b.Stop() // b never responds again: a's view of it must decay

	require.Eventually(t, func() bool {
		peers := a.ActivePeers()
		for _, p := range peers {
			if p.ID == "node-b" && p.State == Suspect {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		peers := a.ActivePeers()
		for _, p := range peers {
			if p.ID == "node-b" {
				return false // still present but should now be Dead, excluded from ActivePeers
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

// property #8: ping/ack round trip addressed at us recovers a Suspect
// peer back to Alive.
func TestPingAckRecoversSuspectPeer(t *testing.T) {
	cfg := fastConfig()
	a := newTestProtocol(t, "node-a", cfg)
	b := newTestProtocol(t, "node-b", cfg)

	aAddr := a.LocalAddr()
	bAddr := b.LocalAddr()
	a.AddPeer("node-b", bAddr.IP.String(), bAddr.Port)
	b.AddPeer("node-a", aAddr.IP.String(), aAddr.Port)

	a.mu.Lock()
	a.peers["node-b"].State = Suspect
	a.peers["node-b"].SuspectTime = time.Now()
	a.mu.Unlock()

	a.send(TypePing, map[string]any{}, bAddr)

	require.Eventually(t, func() bool {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.peers["node-b"].State == Alive
	}, time.Second, 5*time.Millisecond)
}

// property #4: a message delivered twice (simulating an epidemic
// re-arrival) only fires registered callbacks once.
func TestDedupFiresCallbackExactlyOnce(t *testing.T) {
	cfg := fastConfig()
	p := newTestProtocol(t, "node-a", cfg)

	var count int
	p.RegisterCallback(TypeActive, func(msg Message) { count++ })

	msg, err := p.buildMessage(TypeActive, map[string]any{"agent_id": "x"}, 3)
	require.NoError(t, err)
	msg.SenderID = "node-b" // messages from self are dropped before dedup

	addr := p.LocalAddr()
	p.ingest(msg, addr)
	p.ingest(msg, addr) // duplicate, same message id

	assert.Equal(t, 1, count)
}

// Config.DeterministicIDs opts a protocol into DeriveMessageID: two
// messages built with the same sender/timestamp/data collide on id,
// which NewMessageID's random UUIDs never would.
func TestDeterministicIDsConfigUsesDeriveMessageID(t *testing.T) {
	cfg := fastConfig()
	cfg.DeterministicIDs = true
	p := newTestProtocol(t, "node-a", cfg)

	data := map[string]any{"agent_id": "x"}
	msg1, err := p.buildMessage(TypeActive, data, 3)
	require.NoError(t, err)
	msg2, err := p.buildMessage(TypeActive, data, 3)
	require.NoError(t, err)

	assert.Equal(t, DeriveMessageID(msg1.SenderID, msg1.Timestamp, data), msg1.ID)
	assert.NotEqual(t, msg1.ID, msg2.ID, "distinct timestamps must still yield distinct ids")

	plain := newTestProtocol(t, "node-b", fastConfig())
	plainMsg, err := plain.buildMessage(TypeActive, data, 3)
	require.NoError(t, err)
	assert.NotEqual(t, DeriveMessageID(plainMsg.SenderID, plainMsg.Timestamp, data), plainMsg.ID,
		"without DeterministicIDs, ids are random UUIDs, not derived")
}

// property #5: TTL strictly decreases hop over hop and propagation
// halts once it would reach zero.
func TestPropagateMessageDecrementsTTLAndStopsAtOne(t *testing.T) {
	cfg := fastConfig()
	p := newTestProtocol(t, "node-a", cfg)
	b := newTestProtocol(t, "node-b", cfg)
	bAddr := b.LocalAddr()
	p.AddPeer("node-b", bAddr.IP.String(), bAddr.Port)

	received := make(chan int, 4)
	b.RegisterCallback(TypeActive, func(m Message) { received <- m.TTL })

	last, err := p.buildMessage(TypeActive, map[string]any{"agent_id": "last-hop"}, 1)
	require.NoError(t, err)
	p.propagateMessage(last) // TTL==1 must not be forwarded

	msg, err := p.buildMessage(TypeActive, map[string]any{"agent_id": "x"}, 2)
	require.NoError(t, err)
	p.propagateMessage(msg)

	select {
	case ttl := <-received:
		assert.Equal(t, 1, ttl, "forwarded copy carries TTL-1")
	case <-time.After(time.Second):
		t.Fatal("message with TTL 2 was not forwarded")
	}
	select {
	case ttl := <-received:
		t.Fatalf("unexpected extra delivery with TTL %d", ttl)
	case <-time.After(100 * time.Millisecond):
	}
}
