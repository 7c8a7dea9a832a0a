// Package nodeid implements the 160-bit node identifiers used by the DHT
// overlay, their XOR distance metric, and string derivation.
package nodeid

import (
	"crypto/rand"
	"crypto/sha1"
	"math/big"
)

// Size is the width of a NodeID in bytes (160 bits).
const Size = 20

// NodeID is an opaque 160-bit identifier. The zero value is a valid
// NodeID (all-zero); it carries no special "self" meaning beyond whatever
// a RoutingTable chooses to enforce.
type NodeID [Size]byte

// Random generates a NodeID from a cryptographically random 160 bits.
func Random() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on a fixed-size buffer only fails if the OS
		// entropy source is unavailable; there is nothing a caller could
		// do differently, so panic rather than return a zero NodeID that
		// would silently collide with every other unseeded node.
		panic("nodeid: crypto/rand unavailable: " + err.Error())
	}
	return id
}

// FromString derives a NodeID from an arbitrary string by SHA-1 hashing
// its UTF-8 bytes. SHA-1 is a compatibility choice for interop with
// existing peers, not a security claim.
func FromString(s string) NodeID {
	sum := sha1.Sum([]byte(s))
	return NodeID(sum)
}

// Distance returns the XOR distance to other as a big-endian integer.
func (id NodeID) Distance(other NodeID) *big.Int {
	var xor [Size]byte
	for i := range xor {
		xor[i] = id[i] ^ other[i]
	}
	return new(big.Int).SetBytes(xor[:])
}

// Equal reports whether id and other are the same identifier.
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// IsZero reports whether id is the all-zero identifier.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Less reports whether id sorts before other in byte-wise lexicographic
// order, used to break distance ties in RoutingTable.Closest.
func (id NodeID) Less(other NodeID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// String renders the NodeID as lowercase hex.
func (id NodeID) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, Size*2)
	for i, b := range id {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}
