// Package routing implements the DHT k-bucket routing table: per-prefix
// contact lists and closest-node queries over the XOR distance metric.
package routing

import (
	"time"

	"github.com/nmxmxh/agentmesh/internal/nodeid"
)

// Contact is a remote node as known by the local routing table: an
// identity, an address, and liveness metadata. Two contacts are equal
// iff NodeID, IP, and Port all match.
type Contact struct {
	NodeID   nodeid.NodeID
	IP       string
	Port     int
	LastSeen time.Time
}

// Equal reports whether c and other refer to the same contact.
func (c Contact) Equal(other Contact) bool {
	return c.NodeID == other.NodeID && c.IP == other.IP && c.Port == other.Port
}

// IsActive reports whether c has been seen within staleThreshold.
func (c Contact) IsActive(staleThreshold time.Duration) bool {
	return time.Since(c.LastSeen) < staleThreshold
}
