package dht

import (
	"testing"

	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterThenLocalFind(t *testing.T) {
	id := nodeid.FromString("node-x")
	d := New(id, "127.0.0.1", 9000, nil)

	ok := d.RegisterAgent("a1", map[string]any{"k": "v"})
	require.True(t, ok)

	metadata, found := d.FindAgent("a1")
	require.True(t, found)
	assert.Equal(t, "v", metadata["k"])
	assert.Equal(t, id.String(), metadata["node_id"])
	assert.NotNil(t, metadata["last_update"])
}

func TestFindAgentMissReturnsFalse(t *testing.T) {
	d := New(nodeid.Random(), "127.0.0.1", 9000, nil)
	_, found := d.FindAgent("nope")
	assert.False(t, found)
}

func TestCallbacksIsolateFailures(t *testing.T) {
	d := New(nodeid.Random(), "127.0.0.1", 9000, nil)

	var calledA, calledB bool
	d.RegisterCallback("registered", func(any) {
		calledA = true
		panic("boom")
	})
	d.RegisterCallback("registered", func(any) {
		calledB = true
	})

	assert.NotPanics(t, func() {
		d.TriggerCallbacks("registered", "a1")
	})
	assert.True(t, calledA)
	assert.True(t, calledB)
}

func TestEstimateNetworkSizeWithFewPeersIsOne(t *testing.T) {
	d := New(nodeid.Random(), "127.0.0.1", 9000, nil)
	assert.Equal(t, 1, d.EstimateNetworkSize())
}
