// Command agentnode runs one node of the agent mesh: a DHT-backed agent
// directory and a gossip-backed presence tracker, both reachable under
// one node identity.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nmxmxh/agentmesh/internal/facade"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var (
		nodeID     = flag.String("node-id", "", "node identity (generated if empty)")
		host       = flag.String("host", "127.0.0.1", "bind address for both overlays")
		dhtPort    = flag.Int("dht-port", 9000, "UDP port for the DHT overlay")
		gossipPort = flag.Int("gossip-port", 9001, "UDP port for the gossip overlay")
		seeds      = flag.String("seeds", "", "comma-separated node_id@host:dht_port:gossip_port seed list")
	)
	flag.Parse()

	seedNodes, err := parseSeeds(*seeds)
	if err != nil {
		logger.Error("invalid -seeds value", "error", err)
		os.Exit(1)
	}

	f := facade.New(facade.Config{
		NodeID:     *nodeID,
		Host:       *host,
		DHTPort:    *dhtPort,
		GossipPort: *gossipPort,
		SeedNodes:  seedNodes,
	}, logger)

	if err := f.Start(); err != nil {
		logger.Error("failed to start node", "error", err)
		os.Exit(1)
	}
	logger.Info("node started", "node_id", f.NodeID(), "dht_addr", f.DHTAddr(), "gossip_addr", f.GossipAddr(),
		"estimated_network_size", f.NetworkSizeEstimate())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	f.Stop()
}

// parseSeeds parses "id@host:dhtPort:gossipPort,id2@host2:dhtPort2:gossipPort2".
func parseSeeds(raw string) ([]facade.SeedNode, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var seeds []facade.SeedNode
	for _, entry := range strings.Split(raw, ",") {
		idAndAddr := strings.SplitN(entry, "@", 2)
		if len(idAndAddr) != 2 {
			return nil, &seedFormatError{entry}
		}
		parts := strings.Split(idAndAddr[1], ":")
		if len(parts) != 3 {
			return nil, &seedFormatError{entry}
		}
		dhtPort, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, &seedFormatError{entry}
		}
		gossipPort, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, &seedFormatError{entry}
		}
		seeds = append(seeds, facade.SeedNode{
			NodeID:     idAndAddr[0],
			Host:       parts[0],
			DHTPort:    dhtPort,
			GossipPort: gossipPort,
		})
	}
	return seeds, nil
}

type seedFormatError struct{ entry string }

func (e *seedFormatError) Error() string {
	return "malformed seed entry (want node_id@host:dht_port:gossip_port): " + e.entry
}
