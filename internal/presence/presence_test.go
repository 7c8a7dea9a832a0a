package presence

import (
	"testing"
	"time"

	"github.com/nmxmxh/agentmesh/internal/gossip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, nodeID string) (*Service, *gossip.Protocol) {
	t.Helper()
	cfg := gossip.DefaultConfig()
	cfg.GossipInterval = 20 * time.Millisecond
	cfg.CleanupInterval = 30 * time.Millisecond
	proto, err := gossip.New(nodeID, "127.0.0.1", 0, cfg, nil)
	require.NoError(t, err)
	proto.Start()
	t.Cleanup(proto.Stop)
	return New(nodeID, proto, nil), proto
}

func link(a, b *gossip.Protocol, idA, idB string) {
	aAddr := a.LocalAddr()
	bAddr := b.LocalAddr()
	a.AddPeer(idB, bAddr.IP.String(), bAddr.Port)
	b.AddPeer(idA, aAddr.IP.String(), aAddr.Port)
}

// S3: registering an agent on node A propagates to node B via
// agent_active and lands in B's remote cache.
func TestGossipDiscoversRemoteAgent(t *testing.T) {
	svcA, protoA := newTestService(t, "node-a")
	svcB, protoB := newTestService(t, "node-b")
	link(protoA, protoB, "node-a", "node-b")

	var discovered string
	svcB.RegisterCallback(EventDiscovered, func(agentID string, p AgentPresence) {
		discovered = agentID
	})

	require.True(t, svcA.RegisterAgent("agent-1", []string{"translate"}))

	require.Eventually(t, func() bool {
		_, ok := svcB.remoteSnapshot("agent-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "agent-1", discovered)
}

// S5: unregistering a locally-hosted agent propagates agent_inactive
// and the remote cache entry is removed, requiring both agent_id and
// node_id to match.
func TestAgentInactiveRemovesRemoteEntry(t *testing.T) {
	svcA, protoA := newTestService(t, "node-a")
	svcB, protoB := newTestService(t, "node-b")
	link(protoA, protoB, "node-a", "node-b")

	require.True(t, svcA.RegisterAgent("agent-2", nil))
	require.Eventually(t, func() bool {
		_, ok := svcB.remoteSnapshot("agent-2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, svcA.UnregisterAgent("agent-2"))
	require.Eventually(t, func() bool {
		_, ok := svcB.remoteSnapshot("agent-2")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

// S6: querying an agent unknown to either cache returns false
// synchronously and, once a reply arrives via agent_info, populates the
// remote cache asynchronously.
func TestQueryUnknownAgentRepliesAsynchronously(t *testing.T) {
	svcA, protoA := newTestService(t, "node-a")
	svcB, protoB := newTestService(t, "node-b")

	// B registers before the nodes are linked, so its agent_active
	// announcement reaches no one and A can learn of agent-3 only through
	// the agent_query/agent_info exchange.
	require.True(t, svcB.RegisterAgent("agent-3", []string{"vision"}))
	link(protoA, protoB, "node-a", "node-b")

	_, found := svcA.QueryAgent("agent-3")
	assert.False(t, found)

	require.Eventually(t, func() bool {
		p, ok := svcA.remoteSnapshot("agent-3")
		return ok && p.AgentID == "agent-3"
	}, 2*time.Second, 10*time.Millisecond)
}

// property #6: presence monotonicity — an older last_updated timestamp
// delivered after a newer one must not overwrite the cached record. This
// drives the real merge guard in handleAgentActive by broadcasting two
// out-of-order agent_active messages over an actual gossip link, rather
// than re-implementing the comparison against a hand-populated map.
func TestRemoteCacheIsMonotonicOnLastUpdated(t *testing.T) {
	svcA, protoA := newTestService(t, "node-a")
	_, protoB := newTestService(t, "node-b")
	link(protoA, protoB, "node-a", "node-b")

	newer := AgentPresence{AgentID: "x", NodeID: "node-b", Status: StatusActive, LastUpdated: 200}
	older := AgentPresence{AgentID: "x", NodeID: "node-b", Status: StatusActive, LastUpdated: 100}

	require.NoError(t, protoB.Broadcast(gossip.TypeActive, activeData{Presence: newer}))
	require.Eventually(t, func() bool {
		p, ok := svcA.remoteSnapshot("x")
		return ok && p.LastUpdated == newer.LastUpdated
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, protoB.Broadcast(gossip.TypeActive, activeData{Presence: older}))
	assert.Never(t, func() bool {
		p, ok := svcA.remoteSnapshot("x")
		return ok && p.LastUpdated == older.LastUpdated
	}, 300*time.Millisecond, 10*time.Millisecond)
}

func (s *Service) remoteSnapshot(agentID string) (AgentPresence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.remote[agentID]
	return p, ok
}
