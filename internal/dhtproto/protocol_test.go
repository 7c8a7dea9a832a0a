package dhtproto

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nmxmxh/agentmesh/internal/dht"
	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProtocol(t *testing.T, name string) (*Protocol, *dht.DHT) {
	t.Helper()
	id := nodeid.FromString(name)
	d := dht.New(id, "127.0.0.1", 0, nil)
	p, err := New(d, "127.0.0.1", 0, nil)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(p.Stop)
	return p, d
}

func TestPingRoundTrip(t *testing.T) {
	a, _ := newTestProtocol(t, "node-a")
	b, _ := newTestProtocol(t, "node-b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := a.SendAndWait(ctx, b.LocalAddr(), TypePing, PingData{})
	require.NoError(t, err)
	assert.Equal(t, TypePong, reply.Type)
}

func TestFindValueHitAndMiss(t *testing.T) {
	a, _ := newTestProtocol(t, "node-a")
	b, bDHT := newTestProtocol(t, "node-b")

	bDHT.Store("agent:x", map[string]any{"k": "v"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := a.SendAndWait(ctx, b.LocalAddr(), TypeFindValue, FindValueData{Key: "agent:x"})
	require.NoError(t, err)
	assert.Equal(t, TypeFoundValue, reply.Type)

	reply, err = a.SendAndWait(ctx, b.LocalAddr(), TypeFindValue, FindValueData{Key: "agent:missing"})
	require.NoError(t, err)
	assert.Equal(t, TypeFoundNodes, reply.Type)
}

func TestTimeoutEvictsPending(t *testing.T) {
	a, _ := newTestProtocol(t, "node-a")

	// A bound-but-unread socket: the request must time out rather than
	// hang indefinitely or succeed.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = a.SendAndWait(ctx, silent.LocalAddr().(*net.UDPAddr), TypePing, PingData{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	a.pending.mu.Lock()
	defer a.pending.mu.Unlock()
	assert.Empty(t, a.pending.waiters, "timed-out request must be evicted from the pending table")
}
