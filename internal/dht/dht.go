// Package dht implements the local-only core of the Kademlia overlay: a
// node's own identity, its routing table, a local key-value store, and
// callback fan-out. Network replication and lookup live one layer up, in
// the dhtclient and directory packages.
package dht

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/nmxmxh/agentmesh/internal/routing"
)

// AgentKey derives the DHT storage key for an agent record.
func AgentKey(agentID string) string {
	return "agent:" + agentID
}

// Callback is a registered handler for a DHT event. Errors and panics
// raised by one callback are isolated and must not prevent the remaining
// callbacks for the same event from running.
type Callback func(data any)

// DHT is the local Kademlia node: identity, routing table, data store,
// and callback registrations. Every method here is local-only; it never
// performs network I/O.
type DHT struct {
	mu sync.RWMutex

	self    routing.Contact
	nodeID  nodeid.NodeID
	table   *routing.RoutingTable
	store   map[string]any
	events  map[string][]Callback
	logger  *slog.Logger
}

// New constructs a DHT node bound to the given identity and address. If
// id is the zero NodeID, a random one is generated. A nil logger falls
// back to slog.Default().
func New(id nodeid.NodeID, ip string, port int, logger *slog.Logger) *DHT {
	if id.IsZero() {
		id = nodeid.Random()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DHT{
		self:   routing.Contact{NodeID: id, IP: ip, Port: port, LastSeen: time.Now()},
		nodeID: id,
		table:  routing.NewRoutingTable(id, routing.DefaultK),
		store:  make(map[string]any),
		events: make(map[string][]Callback),
		logger: logger.With("component", "dht", "node_id", id.String()),
	}
}

// NodeID returns the local node's identifier.
func (d *DHT) NodeID() nodeid.NodeID { return d.nodeID }

// Self returns the local node's own contact record.
func (d *DHT) Self() routing.Contact { return d.self }

// RoutingTable exposes the routing table for the protocol/client layers.
func (d *DHT) RoutingTable() *routing.RoutingTable { return d.table }

// Store writes value under key in the local data store.
func (d *DHT) Store(key string, value any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store[key] = value
	return true
}

// Lookup returns the value stored under key, if any. This is a
// local-only read; network fan-out is the caller's responsibility.
func (d *DHT) Lookup(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.store[key]
	return v, ok
}

// RegisterAgent stores metadata under AgentKey(agentID), stamping
// last_update, node_id, node_ip, and node_port into a copy of metadata
// so the caller's map is left untouched.
func (d *DHT) RegisterAgent(agentID string, metadata map[string]any) bool {
	stamped := make(map[string]any, len(metadata)+4)
	for k, v := range metadata {
		stamped[k] = v
	}
	stamped["last_update"] = time.Now().Unix()
	stamped["node_id"] = d.nodeID.String()
	stamped["node_ip"] = d.self.IP
	stamped["node_port"] = d.self.Port

	return d.Store(AgentKey(agentID), stamped)
}

// FindAgent looks up the agent record for agentID in the local store.
func (d *DHT) FindAgent(agentID string) (map[string]any, bool) {
	v, ok := d.Lookup(AgentKey(agentID))
	if !ok {
		return nil, false
	}
	metadata, ok := v.(map[string]any)
	return metadata, ok
}

// RegisterCallback registers fn to be invoked when eventType fires.
func (d *DHT) RegisterCallback(eventType string, fn Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[eventType] = append(d.events[eventType], fn)
}

// TriggerCallbacks fans data out to every handler registered for
// eventType. A panicking or erroring handler is isolated: it is logged
// and the remaining handlers still run.
func (d *DHT) TriggerCallbacks(eventType string, data any) {
	d.mu.RLock()
	handlers := append([]Callback(nil), d.events[eventType]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		d.safeInvoke(eventType, h, data)
	}
}

func (d *DHT) safeInvoke(eventType string, h Callback, data any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked", "event", eventType, "panic", fmt.Sprint(r))
		}
	}()
	h(data)
}
