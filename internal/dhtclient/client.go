// Package dhtclient implements thin, typed, one-hop wrappers over the DHT
// wire protocol. No wrapper performs iterative multi-hop lookup:
// find_agent-style convergence is the directory layer's job, and even
// there it queries only the locally-closest contacts.
package dhtclient

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/nmxmxh/agentmesh/internal/dhtproto"
	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/nmxmxh/agentmesh/internal/routing"
)

// Client wraps a *dhtproto.Protocol with typed, circuit-broken
// one-hop operations and inserts any contacts learned from replies back
// into the routing table.
type Client struct {
	proto *dhtproto.Protocol
	table *routing.RoutingTable
	cb    *breakers
}

// New constructs a Client over proto, inserting discovered contacts into
// table.
func New(proto *dhtproto.Protocol, table *routing.RoutingTable) *Client {
	return &Client{proto: proto, table: table, cb: newBreakers()}
}

func addrOf(c routing.Contact) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.IP), Port: c.Port}
}

// Ping sends a liveness probe to contact, returning whether a pong was
// received before the circuit breaker or protocol timeout fired.
func (c *Client) Ping(ctx context.Context, contact routing.Contact) bool {
	_, err := c.call(ctx, contact, dhtproto.TypePing, dhtproto.PingData{})
	return err == nil
}

// FindNode asks contact for the nodes it knows closest to target,
// inserting every returned contact into the routing table.
func (c *Client) FindNode(ctx context.Context, target nodeid.NodeID, contact routing.Contact) ([]routing.Contact, error) {
	reply, err := c.call(ctx, contact, dhtproto.TypeFindNode, dhtproto.FindNodeData{TargetID: target.String()})
	if err != nil {
		return nil, err
	}

	var data dhtproto.FoundNodesData
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		return nil, err
	}
	return c.absorb(data.Nodes), nil
}

// FindValue asks contact for key. It returns (value, nil) on a hit, or
// (nil, contacts) on a miss, mirroring the wire protocol's
// found_value/found_nodes split.
func (c *Client) FindValue(ctx context.Context, key string, contact routing.Contact) (any, []routing.Contact, error) {
	reply, err := c.call(ctx, contact, dhtproto.TypeFindValue, dhtproto.FindValueData{Key: key})
	if err != nil {
		return nil, nil, err
	}

	switch reply.Type {
	case dhtproto.TypeFoundValue:
		var data dhtproto.FoundValueData
		if err := json.Unmarshal(reply.Data, &data); err != nil {
			return nil, nil, err
		}
		return data.Value, nil, nil
	case dhtproto.TypeFoundNodes:
		var data dhtproto.FoundNodesData
		if err := json.Unmarshal(reply.Data, &data); err != nil {
			return nil, nil, err
		}
		return nil, c.absorb(data.Nodes), nil
	default:
		return nil, nil, nil
	}
}

// Store asks contact to store key/value, returning whether it
// acknowledged.
func (c *Client) Store(ctx context.Context, key string, value any, contact routing.Contact) bool {
	reply, err := c.call(ctx, contact, dhtproto.TypeStore, dhtproto.StoreData{Key: key, Value: value})
	if err != nil {
		return false
	}
	var data dhtproto.PongData
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		return false
	}
	return data.Status == "ok"
}

func (c *Client) call(ctx context.Context, contact routing.Contact, msgType string, data any) (dhtproto.Envelope, error) {
	cb := c.cb.get(contact.IP, contact.Port)
	result, err := cb.Execute(func() (any, error) {
		return c.proto.SendAndWait(ctx, addrOf(contact), msgType, data)
	})
	if err != nil {
		return dhtproto.Envelope{}, err
	}
	return result.(dhtproto.Envelope), nil
}

// absorb re-derives each returned node's identity by re-hashing its wire
// id string (the source's own client does this: received contact ids are
// never trusted as already-valid NodeID encodings, matching the
// sender-id corner case in dhtproto) and inserts it into the routing
// table.
func (c *Client) absorb(refs []dhtproto.NodeRef) []routing.Contact {
	contacts := make([]routing.Contact, 0, len(refs))
	for _, ref := range refs {
		contact := routing.Contact{
			NodeID:   nodeid.FromString(ref.ID),
			IP:       ref.IP,
			Port:     ref.Port,
			LastSeen: time.Now(),
		}
		c.table.Add(contact)
		contacts = append(contacts, contact)
	}
	return contacts
}
