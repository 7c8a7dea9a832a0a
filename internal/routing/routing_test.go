package routing

import (
	"sort"
	"testing"
	"time"

	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKBucketLRUAndRefuseOnFull(t *testing.T) {
	b := NewKBucket(3)

	c1 := Contact{NodeID: nodeid.FromString("a"), IP: "10.0.0.1", Port: 1}
	c2 := Contact{NodeID: nodeid.FromString("b"), IP: "10.0.0.2", Port: 2}
	c3 := Contact{NodeID: nodeid.FromString("c"), IP: "10.0.0.3", Port: 3}
	c4 := Contact{NodeID: nodeid.FromString("d"), IP: "10.0.0.4", Port: 4}

	require.True(t, b.Add(c1))
	require.True(t, b.Add(c2))
	require.True(t, b.Add(c3))
	assert.Equal(t, 3, b.Len())

	assert.False(t, b.Add(c4))
	assert.Equal(t, 3, b.Len())
	nodes := b.Nodes()
	assert.Equal(t, c1.NodeID, nodes[0].NodeID, "head contact must be kept on refused insert")

	require.True(t, b.Add(c1))
	assert.Equal(t, 3, b.Len(), "re-insertion must not grow the bucket")
	nodes = b.Nodes()
	assert.Equal(t, c1.NodeID, nodes[len(nodes)-1].NodeID, "re-inserted contact moves to the tail")
}

func TestRoutingTableRefusesSelf(t *testing.T) {
	local := nodeid.FromString("self")
	rt := NewRoutingTable(local, 20)

	assert.False(t, rt.Add(Contact{NodeID: local, IP: "127.0.0.1", Port: 1}))
}

func TestRoutingTableClosestMatchesBruteForce(t *testing.T) {
	local := nodeid.FromString("self")
	rt := NewRoutingTable(local, 20)

	var all []Contact
	for i := 0; i < 200; i++ {
		c := Contact{
			NodeID:   nodeid.FromString(string(rune('a' + i%26)) + string(rune(i))),
			IP:       "10.0.0.1",
			Port:     i,
			LastSeen: time.Now(),
		}
		if rt.Add(c) {
			all = append(all, c)
		}
	}

	target := nodeid.FromString("agent:42")

	sort.Slice(all, func(i, j int) bool {
		di := target.Distance(all[i].NodeID)
		dj := target.Distance(all[j].NodeID)
		if cmp := di.Cmp(dj); cmp != 0 {
			return cmp < 0
		}
		return all[i].NodeID.Less(all[j].NodeID)
	})

	want := all
	if len(want) > 10 {
		want = want[:10]
	}

	got := rt.Closest(target, 10)

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].NodeID, got[i].NodeID)
	}
}
