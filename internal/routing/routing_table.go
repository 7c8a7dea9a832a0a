package routing

import (
	"sort"

	"github.com/nmxmxh/agentmesh/internal/nodeid"
)

// Bits is the width of a NodeID in bits (160), and also the number of
// buckets in a RoutingTable.
const Bits = nodeid.Size * 8

// RoutingTable is an array of Bits k-buckets indexed by the position of
// the highest set bit in the XOR distance from the local node.
//
// Bucket index follows original_source's convention
// (bits - distance.BitLen(), distance 0 -> bucket 0): closer nodes land
// in higher-indexed buckets. This is one of two equally valid
// conventions (the other being distance.BitLen()-1); what matters is
// that the table is internally consistent, which this implementation is.
type RoutingTable struct {
	localID nodeid.NodeID
	k       int
	buckets [Bits]*KBucket
}

// NewRoutingTable constructs a routing table for localID with k-bucket
// capacity k (DefaultK if k <= 0).
func NewRoutingTable(localID nodeid.NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	rt := &RoutingTable{localID: localID, k: k}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(k)
	}
	return rt
}

// LocalID returns the routing table's owning node identifier.
func (rt *RoutingTable) LocalID() nodeid.NodeID {
	return rt.localID
}

// Add inserts contact into the appropriate bucket. The local node is
// never inserted into its own table.
func (rt *RoutingTable) Add(c Contact) bool {
	if c.NodeID == rt.localID {
		return false
	}
	idx := rt.bucketIndex(c.NodeID)
	return rt.buckets[idx].Add(c)
}

// Closest returns up to count contacts ordered by ascending XOR distance
// to target, ties broken by byte-wise lexicographic NodeID order.
func (rt *RoutingTable) Closest(target nodeid.NodeID, count int) []Contact {
	idx := rt.bucketIndex(target)

	var collected []Contact
	collected = append(collected, rt.buckets[idx].Nodes()...)

	left, right := idx-1, idx+1
	for len(collected) < count && (left >= 0 || right < Bits) {
		if left >= 0 {
			collected = append(collected, rt.buckets[left].Nodes()...)
			left--
		}
		if right < Bits {
			collected = append(collected, rt.buckets[right].Nodes()...)
			right++
		}
	}

	sort.Slice(collected, func(i, j int) bool {
		di := target.Distance(collected[i].NodeID)
		dj := target.Distance(collected[j].NodeID)
		if c := di.Cmp(dj); c != 0 {
			return c < 0
		}
		return collected[i].NodeID.Less(collected[j].NodeID)
	})

	if len(collected) > count {
		collected = collected[:count]
	}
	return collected
}

// BucketSize returns the occupancy of the bucket at idx, used by the DHT
// layer's network-size estimator.
func (rt *RoutingTable) BucketSize(idx int) int {
	if idx < 0 || idx >= Bits {
		return 0
	}
	return rt.buckets[idx].Len()
}

func (rt *RoutingTable) bucketIndex(target nodeid.NodeID) int {
	distance := rt.localID.Distance(target)
	if distance.Sign() == 0 {
		return 0
	}
	idx := Bits - distance.BitLen()
	if idx < 0 {
		idx = 0
	}
	if idx >= Bits {
		idx = Bits - 1
	}
	return idx
}
