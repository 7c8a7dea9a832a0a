package facade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFacadeStartStopWiresBothOverlays(t *testing.T) {
	f := New(Config{Host: "127.0.0.1", DHTPort: 0, GossipPort: 0}, nil)
	require.NoError(t, f.Start())
	t.Cleanup(f.Stop)

	assert.NotNil(t, f.DHTAddr())
	assert.NotNil(t, f.GossipAddr())
	assert.NotEqual(t, f.DHTAddr().Port, f.GossipAddr().Port)

	ok, err := f.Directory.RegisterAgent("agent-1", map[string]any{"role": "translator"})
	require.NoError(t, err)
	require.True(t, ok)

	metadata, found, err := f.Directory.FindAgent("agent-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "translator", metadata["role"])
}

func TestFacadeKeepsConfiguredNodeID(t *testing.T) {
	f := New(Config{NodeID: "node-shared", Host: "127.0.0.1", DHTPort: 0, GossipPort: 0}, nil)
	require.NoError(t, f.Start())
	t.Cleanup(f.Stop)
	assert.Equal(t, "node-shared", f.NodeID())
}

func TestFacadeStopIsIdempotent(t *testing.T) {
	f := New(Config{Host: "127.0.0.1"}, nil)
	require.NoError(t, f.Start())
	f.Stop()
	assert.NotPanics(t, f.Stop)
}
