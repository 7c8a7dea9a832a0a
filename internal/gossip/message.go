// Package gossip implements the SWIM-style membership and dissemination
// overlay: the peer state machine, periodic gossip/cleanup loops,
// dedup cache, and TTL-bounded epidemic propagation.
package gossip

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Message types understood by the gossip protocol.
const (
	TypePing     = "ping"
	TypeAck      = "ack"
	TypeSync     = "sync"
	TypeState    = "state"
	TypeSuspect  = "suspect"
	TypeDead     = "dead"
	TypeActive   = "agent_active"
	TypeInactive = "agent_inactive"
	TypeQuery    = "agent_query"
	TypeInfo     = "agent_info"
)

// DefaultMaxTTL is the default hop budget for epidemic propagation.
const DefaultMaxTTL = 3

// Message is the gossip wire envelope:
// {"sender_id","type","data","timestamp","ttl","id"}.
type Message struct {
	SenderID  string          `json:"sender_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
	TTL       int             `json:"ttl"`
	ID        string          `json:"id"`
}

// NewMessageID returns a fresh, randomly-generated message id (the
// spec's sec 9 "UUID generated at send" alternative to a hash-of-fields
// derivation).
func NewMessageID() string {
	return uuid.NewString()
}

// DeriveMessageID computes a stable id from (senderID, timestamp, data),
// used by Protocol.buildMessage instead of NewMessageID when
// Config.DeterministicIDs is set, so the same logical message produces
// the same id across retransmission. Unlike the teacher's
// computeMessageID, which hashes a Go map's string representation (an
// order that is not guaranteed stable across runs), this canonicalizes
// data first by round-tripping it through encoding/json with sorted map
// keys.
func DeriveMessageID(senderID string, timestamp float64, data any) string {
	canonical, err := canonicalJSON(data)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", data))
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s:%f:", senderID, timestamp)
	h.Write(canonical)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func canonicalJSON(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalSorted(elem)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
