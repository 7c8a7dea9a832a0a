// Package directory implements the DHT-backed agent directory: publish
// and discover agent records, replicated best-effort to the k=3 contacts
// closest to an agent's derived key.
package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nmxmxh/agentmesh/internal/dht"
	"github.com/nmxmxh/agentmesh/internal/dhtclient"
	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/nmxmxh/agentmesh/internal/routing"
)

// replicationFanout is the number of closest contacts an agent record is
// replicated to and searched across. Fixed at 3 per the original source's
// AgentDirectory, not configurable: the spec ties correctness properties
// (S2, S6) to this exact value.
const replicationFanout = 3

// EventType names the callback events AgentDirectory fires.
const (
	EventRegistered = "registered"
	EventUpdated    = "updated"
	EventDiscovered = "discovered"
)

// Callback is invoked with (agentID, metadata) for directory events.
type Callback func(agentID string, metadata map[string]any)

// AgentDirectory publishes and discovers agent records backed by a DHT
// node and its one-hop client.
type AgentDirectory struct {
	dht    *dht.DHT
	client *dhtclient.Client
	self   routing.Contact
	logger *slog.Logger

	mu        sync.RWMutex
	local     map[string]map[string]any
	callbacks map[string][]Callback
}

// New constructs an AgentDirectory over d, using client for network
// replication/search.
func New(d *dht.DHT, client *dhtclient.Client, logger *slog.Logger) *AgentDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentDirectory{
		dht:       d,
		client:    client,
		self:      d.Self(),
		logger:    logger.With("component", "directory", "node_id", d.NodeID().String()),
		local:     make(map[string]map[string]any),
		callbacks: make(map[string][]Callback),
	}
}

// RegisterCallback registers fn for eventType (one of the Event*
// constants).
func (a *AgentDirectory) RegisterCallback(eventType string, fn Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks[eventType] = append(a.callbacks[eventType], fn)
}

// RegisterAgent publishes agentID's metadata: stamps registration/update
// timestamps, writes to the local cache and local DHT store, fires
// "registered" callbacks, then asynchronously replicates to the 3
// contacts closest to the agent's key.
func (a *AgentDirectory) RegisterAgent(agentID string, metadata map[string]any) bool {
	now := time.Now().Unix()
	stamped := copyMetadata(metadata)
	stamped["registered_at"] = now
	stamped["last_updated"] = now

	if !a.dht.RegisterAgent(agentID, stamped) {
		return false
	}
	// dht.RegisterAgent stamps its own copy (node_id/node_ip/node_port/
	// last_update) into the local store; read that canonical record back
	// so the directory's cache matches exactly what FindAgent will later
	// return from either the cache or the DHT store.
	canonical, _ := a.dht.FindAgent(agentID)

	a.mu.Lock()
	a.local[agentID] = canonical
	a.mu.Unlock()

	a.fire(EventRegistered, agentID, canonical)
	go a.replicate(agentID, canonical)
	return true
}

// UpdateAgent updates agentID's metadata, preserving registered_at from
// the local cache if known, and replicates as RegisterAgent does.
func (a *AgentDirectory) UpdateAgent(agentID string, metadata map[string]any) bool {
	stamped := copyMetadata(metadata)
	stamped["last_updated"] = time.Now().Unix()

	a.mu.RLock()
	if existing, ok := a.local[agentID]; ok {
		if registeredAt, ok := existing["registered_at"]; ok {
			stamped["registered_at"] = registeredAt
		}
	}
	a.mu.RUnlock()

	if !a.dht.RegisterAgent(agentID, stamped) {
		return false
	}
	canonical, _ := a.dht.FindAgent(agentID)

	a.mu.Lock()
	a.local[agentID] = canonical
	a.mu.Unlock()

	a.fire(EventUpdated, agentID, canonical)
	go a.replicate(agentID, canonical)
	return true
}

// FindAgent resolves agentID: local cache, then local DHT store, then a
// network search across the 3 locally-closest contacts. No iterative
// deepening is performed.
func (a *AgentDirectory) FindAgent(agentID string) (map[string]any, bool) {
	a.mu.RLock()
	if cached, ok := a.local[agentID]; ok {
		a.mu.RUnlock()
		return cached, true
	}
	a.mu.RUnlock()

	if metadata, ok := a.dht.FindAgent(agentID); ok {
		a.cacheAndFire(agentID, metadata)
		return metadata, true
	}

	return a.searchNetwork(agentID)
}

// ListLocalAgents returns a snapshot of the local cache.
func (a *AgentDirectory) ListLocalAgents() map[string]map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]map[string]any, len(a.local))
	for k, v := range a.local {
		out[k] = v
	}
	return out
}

func (a *AgentDirectory) searchNetwork(agentID string) (map[string]any, bool) {
	key := dht.AgentKey(agentID)
	keyID := nodeid.FromString(key)
	contacts := a.dht.RoutingTable().Closest(keyID, replicationFanout)

	ctx, cancel := context.WithTimeout(context.Background(), dhtClientTimeout)
	defer cancel()

	for _, contact := range contacts {
		value, _, err := a.client.FindValue(ctx, key, contact)
		if err != nil {
			a.logger.Warn("error querying contact for agent", "contact", contact.IP, "agent_id", agentID, "error", err)
			continue
		}
		if value == nil {
			continue
		}
		metadata, ok := value.(map[string]any)
		if !ok {
			continue
		}
		a.cacheAndFire(agentID, metadata)
		return metadata, true
	}
	return nil, false
}

func (a *AgentDirectory) replicate(agentID string, metadata map[string]any) {
	key := dht.AgentKey(agentID)
	keyID := nodeid.FromString(key)
	contacts := a.dht.RoutingTable().Closest(keyID, replicationFanout)

	ctx, cancel := context.WithTimeout(context.Background(), dhtClientTimeout)
	defer cancel()

	for _, contact := range contacts {
		if (contact.IP == a.self.IP && contact.Port == a.self.Port) || contact.NodeID == a.dht.NodeID() {
			continue
		}
		if a.client.Store(ctx, key, metadata, contact) {
			a.logger.Info("replicated agent registration", "agent_id", agentID, "contact", contact.IP)
		}
	}
}

func (a *AgentDirectory) cacheAndFire(agentID string, metadata map[string]any) {
	a.mu.Lock()
	a.local[agentID] = metadata
	a.mu.Unlock()
	a.fire(EventDiscovered, agentID, metadata)
}

func (a *AgentDirectory) fire(eventType, agentID string, metadata map[string]any) {
	a.mu.RLock()
	handlers := append([]Callback(nil), a.callbacks[eventType]...)
	a.mu.RUnlock()

	for _, h := range handlers {
		a.safeInvoke(eventType, h, agentID, metadata)
	}
}

func (a *AgentDirectory) safeInvoke(eventType string, h Callback, agentID string, metadata map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("directory callback panicked", "event", eventType, "agent_id", agentID, "panic", r)
		}
	}()
	h(agentID, metadata)
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

const dhtClientTimeout = 5 * time.Second
