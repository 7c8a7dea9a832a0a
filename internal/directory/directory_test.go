package directory

import (
	"context"
	"testing"
	"time"

	"github.com/nmxmxh/agentmesh/internal/dht"
	"github.com/nmxmxh/agentmesh/internal/dhtclient"
	"github.com/nmxmxh/agentmesh/internal/dhtproto"
	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/nmxmxh/agentmesh/internal/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, name string) (*AgentDirectory, *dht.DHT, *dhtproto.Protocol) {
	t.Helper()
	id := nodeid.FromString(name)
	d := dht.New(id, "127.0.0.1", 0, nil)
	p, err := dhtproto.New(d, "127.0.0.1", 0, nil)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Stop)
	client := dhtclient.New(p, d.RoutingTable())
	return New(d, client, nil), d, p
}

// S1: DHT register then local find.
func TestRegisterThenLocalFind(t *testing.T) {
	dir, d, _ := newTestDirectory(t, "node-x")

	ok := dir.RegisterAgent("a1", map[string]any{"k": "v"})
	require.True(t, ok)

	metadata, found := dir.FindAgent("a1")
	require.True(t, found)
	assert.Equal(t, d.NodeID().String(), metadata["node_id"])
	assert.LessOrEqual(t, metadata["last_update"].(int64), time.Now().Unix())
}

// S2: DHT cross-node find via replication.
func TestCrossNodeFindViaReplication(t *testing.T) {
	dirA, dhtA, protoA := newTestDirectory(t, "node-a")
	dirB, dhtB, protoB := newTestDirectory(t, "node-b")
	_ = dirB

	// B adds A to its routing table via a ping handshake.
	clientB := dhtclient.New(protoB, dhtB.RoutingTable())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	contactA := contactFor(protoA)
	require.True(t, clientB.Ping(ctx, contactA))
	dhtB.RoutingTable().Add(contactA)

	// A learns about B the same way, so B ends up among A's closest
	// contacts for "agent:a2"'s replication fan-out.
	clientA := dhtclient.New(protoA, dhtA.RoutingTable())
	contactB := contactFor(protoB)
	require.True(t, clientA.Ping(ctx, contactB))
	dhtA.RoutingTable().Add(contactB)

	require.True(t, dirA.RegisterAgent("a2", map[string]any{"k": "v"}))

	// replicate() runs in a goroutine; give it a beat to land.
	require.Eventually(t, func() bool {
		_, ok := dhtB.FindAgent("a2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func contactFor(p *dhtproto.Protocol) routing.Contact {
	addr := p.LocalAddr()
	return routing.Contact{IP: addr.IP.String(), Port: addr.Port}
}
