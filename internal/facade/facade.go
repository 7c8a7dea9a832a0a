package facade

import (
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/nmxmxh/agentmesh/internal/directory"
	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/nmxmxh/agentmesh/internal/presence"
)

// Facade starts and stops both overlays as one unit: a content-addressed
// DHT agent directory and a SWIM-style gossip presence tracker, sharing
// one logical node identity across two UDP sockets.
type Facade struct {
	mu      sync.Mutex
	running bool

	nodeID string
	logger *slog.Logger

	Directory *directory.Service
	Presence  *presence.GossipService
}

// New constructs an unstarted Facade from cfg. An empty cfg.NodeID gets
// a freshly-generated one, used to derive the DHT's 160-bit id
// (nodeid.FromString) and to identify this node directly on the gossip
// overlay.
func New(cfg Config, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.NodeID
	if id == "" {
		id = uuid.NewString()
	}
	logger = logger.With("node_id", id)

	dhtSeeds := make([]directory.Seed, 0, len(cfg.SeedNodes))
	gossipSeeds := make([]presence.Seed, 0, len(cfg.SeedNodes))
	for _, s := range cfg.SeedNodes {
		dhtSeeds = append(dhtSeeds, directory.Seed{Host: s.Host, Port: s.DHTPort})
		gossipSeeds = append(gossipSeeds, presence.Seed{NodeID: s.NodeID, Host: s.Host, Port: s.GossipPort})
	}

	dhtID := nodeid.FromString(id)
	return &Facade{
		nodeID:    id,
		logger:    logger,
		Directory: directory.NewServiceWithID(dhtID, cfg.Host, cfg.DHTPort, dhtSeeds, logger),
		Presence:  presence.NewGossipService(id, cfg.Host, cfg.GossipPort, gossipSeeds, logger),
	}
}

// NodeID returns the shared identity string for this node.
func (f *Facade) NodeID() string { return f.nodeID }

// Start brings up both overlays. If the DHT fails to bind, the gossip
// overlay is not started either; if gossip fails after the DHT came up,
// the DHT is torn back down so Start is all-or-nothing.
func (f *Facade) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	if err := f.Directory.Start(); err != nil {
		return err
	}
	if err := f.Presence.Start(); err != nil {
		f.Directory.Stop()
		return err
	}

	f.running = true
	f.logger.Info("facade started")
	return nil
}

// Stop halts both overlays.
func (f *Facade) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.Presence.Stop()
	f.Directory.Stop()
	f.running = false
	f.logger.Info("facade stopped")
}

// DHTAddr returns the bound DHT UDP address, valid only after Start.
func (f *Facade) DHTAddr() *net.UDPAddr { return f.Directory.LocalAddr() }

// GossipAddr returns the bound gossip UDP address, valid only after
// Start.
func (f *Facade) GossipAddr() *net.UDPAddr { return f.Presence.LocalAddr() }

// NetworkSizeEstimate returns the DHT overlay's regression-based estimate
// of total network population.
func (f *Facade) NetworkSizeEstimate() int { return f.Directory.NetworkSizeEstimate() }
