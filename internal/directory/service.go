package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nmxmxh/agentmesh/internal/dht"
	"github.com/nmxmxh/agentmesh/internal/dhtclient"
	"github.com/nmxmxh/agentmesh/internal/dhtproto"
	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/nmxmxh/agentmesh/internal/routing"
)

// statusLogInterval is how often Service logs its dht's estimated network
// size while running.
const statusLogInterval = 30 * time.Second

// Seed identifies a bootstrap contact by address alone; its NodeID is
// derived the same way the original source derives a bootstrap node's id
// (NodeID.FromString("host:port")).
type Seed struct {
	Host string
	Port int
}

// Service wraps a DHT node, its wire protocol, and an AgentDirectory into
// a single start/stop lifecycle, mirroring the original source's
// DHTAgentRegistryService.
type Service struct {
	mu        sync.Mutex
	running   bool
	dht       *dht.DHT
	proto     *dhtproto.Protocol
	client    *dhtclient.Client
	directory *AgentDirectory
	seeds     []Seed
	logger    *slog.Logger

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewService constructs an unstarted Service bound to host:port with the
// given bootstrap seeds and a freshly-generated node id.
func NewService(host string, port int, seeds []Seed, logger *slog.Logger) *Service {
	return NewServiceWithID(nodeid.NodeID{}, host, port, seeds, logger)
}

// NewServiceWithID is NewService with an explicit node id, used when a
// caller (the facade) needs the DHT identity to derive deterministically
// from a shared node identity across overlays.
func NewServiceWithID(id nodeid.NodeID, host string, port int, seeds []Seed, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	d := dht.New(id, host, port, logger)
	return &Service{
		dht:    d,
		seeds:  seeds,
		logger: logger.With("component", "directory.service"),
	}
}

// Start binds the UDP socket, begins serving, and bootstraps against the
// configured seeds.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	proto, err := dhtproto.New(s.dht, s.dht.Self().IP, s.dht.Self().Port, s.logger)
	if err != nil {
		return err
	}
	proto.Start()

	s.proto = proto
	s.client = dhtclient.New(proto, s.dht.RoutingTable())
	s.directory = New(s.dht, s.client, s.logger)
	s.running = true
	s.shutdown = make(chan struct{})

	s.bootstrap()
	s.wg.Add(1)
	go s.statusLoop()
	s.logger.Info("dht service started", "host", s.dht.Self().IP, "port", proto.LocalAddr().Port)
	return nil
}

// Stop halts the wire protocol and the status loop.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.shutdown)
	s.mu.Unlock()

	s.wg.Wait()
	s.proto.Stop()
	s.logger.Info("dht service stopped")
}

// statusLoop periodically logs the dht's regression-based estimate of
// total network population — the production consumer of
// DHT.EstimateNetworkSize.
func (s *Service) statusLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.logger.Info("dht status", "estimated_network_size", s.dht.EstimateNetworkSize())
		}
	}
}

// NetworkSizeEstimate exposes the dht's regression-based estimate of
// total network population, 0 if the service is not running.
func (s *Service) NetworkSizeEstimate() int {
	s.mu.Lock()
	running, d := s.running, s.dht
	s.mu.Unlock()
	if !running {
		return 0
	}
	return d.EstimateNetworkSize()
}

func (s *Service) bootstrap() {
	if len(s.seeds) == 0 {
		return
	}
	s.logger.Info("bootstrapping dht", "seed_count", len(s.seeds))

	for _, seed := range s.seeds {
		bootstrapID := nodeid.FromString(fmt.Sprintf("%s:%d", seed.Host, seed.Port))
		contact := routing.Contact{NodeID: bootstrapID, IP: seed.Host, Port: seed.Port}

		ctx, cancel := withBootstrapTimeout()
		alive := s.client.Ping(ctx, contact)
		cancel()
		if !alive {
			s.logger.Warn("bootstrap seed unreachable", "host", seed.Host, "port", seed.Port)
			continue
		}
		s.dht.RoutingTable().Add(contact)

		ctx, cancel = withBootstrapTimeout()
		discovered, err := s.client.FindNode(ctx, s.dht.NodeID(), contact)
		cancel()
		if err != nil {
			s.logger.Warn("bootstrap find_node failed", "host", seed.Host, "error", err)
			continue
		}
		s.logger.Info("discovered nodes from bootstrap", "count", len(discovered))
	}
}

func withBootstrapTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), dhtClientTimeout)
}

// RegisterAgent registers agentID if the service is running.
func (s *Service) RegisterAgent(agentID string, metadata map[string]any) (bool, error) {
	s.mu.Lock()
	running, d := s.running, s.directory
	s.mu.Unlock()
	if !running {
		s.logger.Error("cannot register agent, dht service not running", "agent_id", agentID)
		return false, ErrNotRunning
	}
	return d.RegisterAgent(agentID, metadata), nil
}

// UpdateAgent updates agentID if the service is running.
func (s *Service) UpdateAgent(agentID string, metadata map[string]any) (bool, error) {
	s.mu.Lock()
	running, d := s.running, s.directory
	s.mu.Unlock()
	if !running {
		return false, ErrNotRunning
	}
	return d.UpdateAgent(agentID, metadata), nil
}

// FindAgent finds agentID if the service is running.
func (s *Service) FindAgent(agentID string) (map[string]any, bool, error) {
	s.mu.Lock()
	running, d := s.running, s.directory
	s.mu.Unlock()
	if !running {
		return nil, false, ErrNotRunning
	}
	metadata, ok := d.FindAgent(agentID)
	return metadata, ok, nil
}

// ListAgents returns the locally-known agents.
func (s *Service) ListAgents() map[string]map[string]any {
	s.mu.Lock()
	d := s.directory
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.ListLocalAgents()
}

// LocalAddr returns the bound UDP address, valid only after Start.
func (s *Service) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proto == nil {
		return nil
	}
	return s.proto.LocalAddr()
}
