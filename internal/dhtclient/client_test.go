package dhtclient

import (
	"context"
	"testing"
	"time"

	"github.com/nmxmxh/agentmesh/internal/dht"
	"github.com/nmxmxh/agentmesh/internal/dhtproto"
	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/nmxmxh/agentmesh/internal/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T, name string) (*dht.DHT, *dhtproto.Protocol, *Client) {
	t.Helper()
	id := nodeid.FromString(name)
	d := dht.New(id, "127.0.0.1", 0, nil)
	p, err := dhtproto.New(d, "127.0.0.1", 0, nil)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Stop)
	return d, p, New(p, d.RoutingTable())
}

func TestClientPingSucceeds(t *testing.T) {
	_, _, clientA := newNode(t, "a")
	_, protoB, _ := newNode(t, "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	contact := contactOf(t, protoB)
	assert.True(t, clientA.Ping(ctx, contact))
}

func TestClientStoreAndFindValue(t *testing.T) {
	_, _, clientA := newNode(t, "a")
	dhtB, protoB, _ := newNode(t, "b")
	_ = dhtB

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	contact := contactOf(t, protoB)

	ok := clientA.Store(ctx, "agent:1", map[string]any{"k": "v"}, contact)
	require.True(t, ok)

	value, _, err := clientA.FindValue(ctx, "agent:1", contact)
	require.NoError(t, err)
	require.NotNil(t, value)
}

func contactOf(t *testing.T, p *dhtproto.Protocol) routing.Contact {
	t.Helper()
	addr := p.LocalAddr()
	return routing.Contact{IP: addr.IP.String(), Port: addr.Port}
}
