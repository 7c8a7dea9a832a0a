package presence

import (
	"log/slog"
	"net"
	"sync"

	"github.com/nmxmxh/agentmesh/internal/gossip"
)

// Seed identifies a bootstrap peer on the gossip overlay by its
// advertised node id and address.
type Seed struct {
	NodeID string
	Host   string
	Port   int
}

// GossipService wraps a gossip.Protocol and a presence Service into a
// single start/stop lifecycle with seed bootstrapping, mirroring the
// original source's GossipAgentDirectoryService.
type GossipService struct {
	mu      sync.Mutex
	running bool

	nodeID string
	host   string
	port   int
	seeds  []Seed
	logger *slog.Logger

	proto    *gossip.Protocol
	presence *Service
}

// NewGossipService constructs an unstarted GossipService.
func NewGossipService(nodeID, host string, port int, seeds []Seed, logger *slog.Logger) *GossipService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GossipService{
		nodeID: nodeID,
		host:   host,
		port:   port,
		seeds:  seeds,
		logger: logger.With("component", "presence.service", "node_id", nodeID),
	}
}

// Start binds the gossip UDP socket, begins its loops, wires a presence
// Service on top, and registers every configured seed as a peer.
func (g *GossipService) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	proto, err := gossip.New(g.nodeID, g.host, g.port, gossip.DefaultConfig(), g.logger)
	if err != nil {
		return err
	}
	proto.Start()

	g.proto = proto
	g.presence = New(g.nodeID, proto, g.logger)
	g.running = true

	for _, seed := range g.seeds {
		proto.AddPeer(seed.NodeID, seed.Host, seed.Port)
		g.logger.Info("added gossip seed", "peer", seed.NodeID, "host", seed.Host, "port", seed.Port)
	}
	g.logger.Info("gossip presence service started", "host", g.host, "port", proto.LocalAddr().Port)
	return nil
}

// Stop halts the gossip protocol's loops.
func (g *GossipService) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.proto.Stop()
	g.running = false
	g.logger.Info("gossip presence service stopped")
}

// RegisterAgent registers agentID as locally hosted, if running.
func (g *GossipService) RegisterAgent(agentID string, capabilities []string) (bool, error) {
	g.mu.Lock()
	running, p := g.running, g.presence
	g.mu.Unlock()
	if !running {
		return false, ErrNotRunning
	}
	return p.RegisterAgent(agentID, capabilities), nil
}

// UnregisterAgent withdraws a locally-hosted agentID, if running.
func (g *GossipService) UnregisterAgent(agentID string) (bool, error) {
	g.mu.Lock()
	running, p := g.running, g.presence
	g.mu.Unlock()
	if !running {
		return false, ErrNotRunning
	}
	return p.UnregisterAgent(agentID), nil
}

// UpdateAgent updates a locally-hosted agentID's capabilities, if
// running.
func (g *GossipService) UpdateAgent(agentID string, capabilities []string) (bool, error) {
	g.mu.Lock()
	running, p := g.running, g.presence
	g.mu.Unlock()
	if !running {
		return false, ErrNotRunning
	}
	return p.UpdateCapabilities(agentID, capabilities), nil
}

// QueryAgent looks up agentID locally/remotely, querying the network
// asynchronously on a cache miss.
func (g *GossipService) QueryAgent(agentID string) (AgentPresence, bool, error) {
	g.mu.Lock()
	running, p := g.running, g.presence
	g.mu.Unlock()
	if !running {
		return AgentPresence{}, false, ErrNotRunning
	}
	presence, ok := p.QueryAgent(agentID)
	return presence, ok, nil
}

// ListAgents returns every known agent, local and remote.
func (g *GossipService) ListAgents() map[string]AgentPresence {
	g.mu.Lock()
	p := g.presence
	g.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.ListAllAgents()
}

// FindByCapability returns every known agent advertising capability.
func (g *GossipService) FindByCapability(capability string) []AgentPresence {
	g.mu.Lock()
	p := g.presence
	g.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.FindByCapability(capability)
}

// RegisterCallback registers a listener for one of the Event* names.
func (g *GossipService) RegisterCallback(event string, cb EventCallback) {
	g.mu.Lock()
	p := g.presence
	g.mu.Unlock()
	if p != nil {
		p.RegisterCallback(event, cb)
	}
}

// AddPeer registers a peer on the running gossip overlay.
func (g *GossipService) AddPeer(nodeID, host string, port int) {
	g.mu.Lock()
	proto := g.proto
	g.mu.Unlock()
	if proto != nil {
		proto.AddPeer(nodeID, host, port)
	}
}

// LocalAddr returns the bound UDP address, valid only after Start.
func (g *GossipService) LocalAddr() *net.UDPAddr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proto == nil {
		return nil
	}
	return g.proto.LocalAddr()
}
