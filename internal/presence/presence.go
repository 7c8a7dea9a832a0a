// Package presence implements agent availability tracking on top of the
// gossip overlay: local agents hosted by this node, and a cache of
// remote agents learned about via agent_active/agent_inactive/agent_info
// messages.
package presence

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nmxmxh/agentmesh/internal/gossip"
)

// Status values for an AgentPresence record.
const (
	StatusActive = "active"
)

// AgentPresence is what the mesh knows about one agent: which node
// hosts it, what it can do, and when that was last confirmed.
type AgentPresence struct {
	AgentID      string   `json:"agent_id"`
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
	LastUpdated  float64  `json:"last_updated"`
	Status       string   `json:"status"`
}

func newPresence(agentID, nodeID string, capabilities []string) AgentPresence {
	return AgentPresence{
		AgentID:      agentID,
		NodeID:       nodeID,
		Capabilities: append([]string(nil), capabilities...),
		LastUpdated:  float64(time.Now().UnixNano()) / 1e9,
		Status:       StatusActive,
	}
}

func (p AgentPresence) hasCapability(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// EventCallback is invoked for agent_discovered, agent_updated, and
// agent_inactive events with the affected agent id and its presence
// snapshot (zero-valued for agent_inactive beyond AgentID/NodeID).
type EventCallback func(agentID string, presence AgentPresence)

// Event names accepted by RegisterCallback.
const (
	EventActive     = "agent_active"
	EventInactive   = "agent_inactive"
	EventUpdated    = "agent_updated"
	EventDiscovered = "agent_discovered"
)

// Service tracks this node's own agents and caches what it has learned
// about agents hosted elsewhere, propagating and answering queries over
// a gossip.Protocol.
type Service struct {
	nodeID string
	gossip *gossip.Protocol
	logger *slog.Logger

	mu      sync.RWMutex
	local   map[string]AgentPresence
	remote  map[string]AgentPresence

	cbMu      sync.RWMutex
	callbacks map[string][]EventCallback
}

// New wires a presence Service on top of an already-constructed gossip
// protocol, registering the application-level message handlers.
func New(nodeID string, proto *gossip.Protocol, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		nodeID:    nodeID,
		gossip:    proto,
		logger:    logger.With("component", "presence", "node_id", nodeID),
		local:     make(map[string]AgentPresence),
		remote:    make(map[string]AgentPresence),
		callbacks: make(map[string][]EventCallback),
	}
	proto.RegisterCallback(gossip.TypeActive, s.handleAgentActive)
	proto.RegisterCallback(gossip.TypeInactive, s.handleAgentInactive)
	proto.RegisterCallback(gossip.TypeQuery, s.handleAgentQuery)
	proto.RegisterCallback(gossip.TypeInfo, s.handleAgentInfo)
	return s
}

// RegisterCallback adds a listener for one of the Event* names.
func (s *Service) RegisterCallback(event string, cb EventCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks[event] = append(s.callbacks[event], cb)
}

func (s *Service) trigger(event, agentID string, presence AgentPresence) {
	s.cbMu.RLock()
	cbs := append([]EventCallback(nil), s.callbacks[event]...)
	s.cbMu.RUnlock()
	for _, cb := range cbs {
		s.safeInvoke(cb, agentID, presence)
	}
}

func (s *Service) safeInvoke(cb EventCallback, agentID string, presence AgentPresence) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("presence callback panicked", "agent_id", agentID, "panic", r)
		}
	}()
	cb(agentID, presence)
}

// RegisterAgent announces a locally-hosted agent as active, both caching
// it and broadcasting agent_active through the gossip protocol's sampled
// epidemic fan-out.
func (s *Service) RegisterAgent(agentID string, capabilities []string) bool {
	presence := newPresence(agentID, s.nodeID, capabilities)

	s.mu.Lock()
	s.local[agentID] = presence
	s.mu.Unlock()

	if err := s.broadcastAgentActive(presence); err != nil {
		s.logger.Error("failed to propagate agent_active", "agent_id", agentID, "error", err)
	}
	s.logger.Info("registered agent", "agent_id", agentID, "capabilities", capabilities)
	return true
}

// UnregisterAgent withdraws a locally-hosted agent and broadcasts
// agent_inactive. Reports false if the agent was not known locally.
func (s *Service) UnregisterAgent(agentID string) bool {
	s.mu.Lock()
	presence, ok := s.local[agentID]
	if ok {
		delete(s.local, agentID)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("agent not found for unregistration", "agent_id", agentID)
		return false
	}

	if err := s.broadcastAgentInactive(presence); err != nil {
		s.logger.Error("failed to propagate agent_inactive", "agent_id", agentID, "error", err)
	}
	s.logger.Info("unregistered agent", "agent_id", agentID)
	return true
}

// UpdateCapabilities replaces a locally-hosted agent's capability set
// and re-broadcasts agent_active with a fresh timestamp.
func (s *Service) UpdateCapabilities(agentID string, capabilities []string) bool {
	s.mu.Lock()
	presence, ok := s.local[agentID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("agent not found for update", "agent_id", agentID)
		return false
	}
	presence.Capabilities = append([]string(nil), capabilities...)
	presence.LastUpdated = float64(time.Now().UnixNano()) / 1e9
	s.local[agentID] = presence
	s.mu.Unlock()

	if err := s.broadcastAgentActive(presence); err != nil {
		s.logger.Error("failed to propagate capability update", "agent_id", agentID, "error", err)
	}
	return true
}

// QueryAgent checks the local and remote caches first. If absent from
// both, it broadcasts agent_query and returns (zero, false) — any reply
// lands asynchronously in the remote cache via agent_info.
func (s *Service) QueryAgent(agentID string) (AgentPresence, bool) {
	s.mu.RLock()
	if p, ok := s.local[agentID]; ok {
		s.mu.RUnlock()
		return p, true
	}
	if p, ok := s.remote[agentID]; ok {
		s.mu.RUnlock()
		return p, true
	}
	s.mu.RUnlock()

	if err := s.broadcastAgentQuery(agentID); err != nil {
		s.logger.Error("failed to propagate agent_query", "agent_id", agentID, "error", err)
	}
	return AgentPresence{}, false
}

// ListLocalAgents returns a snapshot of every agent hosted by this node.
func (s *Service) ListLocalAgents() map[string]AgentPresence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]AgentPresence, len(s.local))
	for k, v := range s.local {
		out[k] = v
	}
	return out
}

// ListRemoteAgents returns a snapshot of every agent cached from remote
// nodes.
func (s *Service) ListRemoteAgents() map[string]AgentPresence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]AgentPresence, len(s.remote))
	for k, v := range s.remote {
		out[k] = v
	}
	return out
}

// ListAllAgents merges local and remote snapshots, local entries
// taking precedence on any id collision.
func (s *Service) ListAllAgents() map[string]AgentPresence {
	out := s.ListRemoteAgents()
	for k, v := range s.ListLocalAgents() {
		out[k] = v
	}
	return out
}

// FindByCapability returns every known agent, local or remote, that
// advertises the given capability.
func (s *Service) FindByCapability(capability string) []AgentPresence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentPresence
	for _, p := range s.local {
		if p.hasCapability(capability) {
			out = append(out, p)
		}
	}
	for _, p := range s.remote {
		if p.hasCapability(capability) {
			out = append(out, p)
		}
	}
	return out
}

type activeData struct {
	Presence AgentPresence `json:"presence"`
}

func (s *Service) broadcastAgentActive(presence AgentPresence) error {
	return s.gossip.Broadcast(gossip.TypeActive, activeData{Presence: presence})
}

type inactiveData struct {
	AgentID string `json:"agent_id"`
	NodeID  string `json:"node_id"`
}

func (s *Service) broadcastAgentInactive(presence AgentPresence) error {
	return s.gossip.Broadcast(gossip.TypeInactive, inactiveData{AgentID: presence.AgentID, NodeID: presence.NodeID})
}

type queryData struct {
	AgentID   string `json:"agent_id"`
	Requester string `json:"requester"`
}

func (s *Service) broadcastAgentQuery(agentID string) error {
	return s.gossip.Broadcast(gossip.TypeQuery, queryData{AgentID: agentID, Requester: s.nodeID})
}

type infoData struct {
	Presence AgentPresence `json:"presence"`
	Target   string        `json:"target"`
}

func (s *Service) handleAgentActive(msg gossip.Message) {
	var data activeData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	presence := data.Presence
	if presence.AgentID == "" || presence.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	existing, isKnown := s.remote[presence.AgentID]
	isNew := !isKnown
	isUpdated := isKnown && presence.LastUpdated > existing.LastUpdated
	if isNew || isUpdated {
		s.remote[presence.AgentID] = presence
	}
	s.mu.Unlock()

	if isNew {
		s.trigger(EventDiscovered, presence.AgentID, presence)
		s.logger.Info("discovered remote agent", "agent_id", presence.AgentID, "node_id", presence.NodeID)
	} else if isUpdated {
		s.trigger(EventUpdated, presence.AgentID, presence)
		s.logger.Info("updated remote agent", "agent_id", presence.AgentID, "node_id", presence.NodeID)
	}
}

func (s *Service) handleAgentInactive(msg gossip.Message) {
	var data inactiveData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.AgentID == "" || data.NodeID == "" {
		return
	}

	s.mu.Lock()
	presence, ok := s.remote[data.AgentID]
	if ok && presence.NodeID == data.NodeID {
		delete(s.remote, data.AgentID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		s.trigger(EventInactive, data.AgentID, presence)
		s.logger.Info("remote agent inactive", "agent_id", data.AgentID, "node_id", data.NodeID)
	}
}

func (s *Service) handleAgentQuery(msg gossip.Message) {
	var data queryData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.AgentID == "" || data.Requester == "" || data.Requester == s.nodeID {
		return
	}

	s.mu.RLock()
	presence, ok := s.local[data.AgentID]
	if !ok {
		presence, ok = s.remote[data.AgentID]
	}
	s.mu.RUnlock()
	if !ok {
		return
	}

	s.sendAgentInfo(presence, data.Requester)
}

// sendAgentInfo replies directly to the requester, mirroring the
// source's point-to-point _send_agent_info rather than flooding the
// mesh with the answer. Silently does nothing if the requester is not
// a peer this node knows an address for.
func (s *Service) sendAgentInfo(presence AgentPresence, targetNode string) {
	if err := s.gossip.SendDirect(gossip.TypeInfo, infoData{Presence: presence, Target: targetNode}, targetNode); err != nil {
		s.logger.Debug("could not send agent_info, requester not a known peer", "target", targetNode, "error", err)
	}
}

func (s *Service) handleAgentInfo(msg gossip.Message) {
	var data infoData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	if data.Presence.AgentID == "" || data.Target != s.nodeID {
		return
	}
	presence := data.Presence
	if presence.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	existing, isKnown := s.remote[presence.AgentID]
	isNew := !isKnown
	isUpdated := isKnown && presence.LastUpdated > existing.LastUpdated
	if isNew || isUpdated {
		s.remote[presence.AgentID] = presence
	}
	s.mu.Unlock()

	if isNew {
		s.trigger(EventDiscovered, presence.AgentID, presence)
		s.logger.Info("discovered remote agent from query", "agent_id", presence.AgentID, "node_id", presence.NodeID)
	} else if isUpdated {
		s.trigger(EventUpdated, presence.AgentID, presence)
		s.logger.Info("updated remote agent from query", "agent_id", presence.AgentID, "node_id", presence.NodeID)
	}
}
