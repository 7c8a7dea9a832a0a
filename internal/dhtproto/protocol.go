package dhtproto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nmxmxh/agentmesh/internal/dht"
	"github.com/nmxmxh/agentmesh/internal/nodeid"
	"github.com/nmxmxh/agentmesh/internal/routing"
)

// DefaultTimeout is the default wait for a matching reply.
const DefaultTimeout = 5 * time.Second

// Protocol binds a DHT node to a UDP socket and implements the wire
// handlers for ping/find_node/find_value/store.
type Protocol struct {
	dht    *dht.DHT
	conn   *net.UDPConn
	logger *slog.Logger

	pending *pendingTable
	timeout time.Duration

	wg       sync.WaitGroup
	shutdown chan struct{}
	running  bool
	mu       sync.Mutex
}

// New binds a UDP socket on ip:port for d's identity and returns an
// unstarted Protocol. Call Start to begin serving.
func New(d *dht.DHT, ip string, port int, logger *slog.Logger) (*Protocol, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dhtproto: listen %s:%d: %w", ip, port, err)
	}

	return &Protocol{
		dht:      d,
		conn:     conn,
		logger:   logger.With("component", "dhtproto", "node_id", d.NodeID().String()),
		pending:  newPendingTable(),
		timeout:  DefaultTimeout,
		shutdown: make(chan struct{}),
	}, nil
}

// Start launches the receive loop.
func (p *Protocol) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.receiveLoop()
}

// Stop closes the UDP socket and waits for the receive loop to exit. Any
// in-flight waiters observe cancellation by timing out on their own; no
// goroutine is leaked past Stop's return.
func (p *Protocol) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.shutdown)
	p.conn.Close()
	p.wg.Wait()
}

// LocalAddr returns the bound UDP address.
func (p *Protocol) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

func (p *Protocol) receiveLoop() {
	defer p.wg.Done()
	buf := make([]byte, 64*1024)

	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.shutdown:
				return
			default:
				p.logger.Warn("udp read error", "error", err)
				continue
			}
		}

		var env Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			p.logger.Debug("dropping malformed datagram", "from", addr.String(), "error", err)
			continue
		}
		p.handle(env, addr)
	}
}

func (p *Protocol) handle(env Envelope, addr *net.UDPAddr) {
	// The DHT corner case (spec sec 4.4, sec 9): sender_id strings are
	// always re-hashed to a NodeID on receipt, never trusted as an
	// already-valid identity encoding.
	senderID := nodeid.FromString(env.Sender)
	p.dht.RoutingTable().Add(routing.Contact{
		NodeID:   senderID,
		IP:       addr.IP.String(),
		Port:     addr.Port,
		LastSeen: time.Now(),
	})

	switch env.Type {
	case TypePing:
		p.handlePing(env, addr)
	case TypeFindNode:
		p.handleFindNode(env, addr)
	case TypeFindValue:
		p.handleFindValue(env, addr)
	case TypeStore:
		p.handleStore(env, addr)
	case TypePong, TypeFoundNodes, TypeFoundValue:
		p.handleReply(env)
	default:
		p.logger.Debug("dropping unknown message type", "type", env.Type, "from", addr.String())
	}
}

func (p *Protocol) handleReply(env Envelope) {
	var requestID string
	switch env.Type {
	case TypePong:
		var data PongData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		requestID = data.RequestID
	case TypeFoundNodes:
		var data FoundNodesData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		requestID = data.RequestID
	case TypeFoundValue:
		var data FoundValueData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		requestID = data.RequestID
	}
	if requestID == "" {
		return
	}
	p.pending.resolve(requestID, env)
}

func (p *Protocol) handlePing(env Envelope, addr *net.UDPAddr) {
	p.reply(addr, TypePong, PongData{RequestID: env.ID})
}

func (p *Protocol) handleFindNode(env Envelope, addr *net.UDPAddr) {
	var data FindNodeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		p.logger.Debug("malformed find_node", "error", err)
		return
	}
	target := parseNodeID(data.TargetID)
	contacts := p.dht.RoutingTable().Closest(target, maxNodes)
	p.reply(addr, TypeFoundNodes, FoundNodesData{RequestID: env.ID, Nodes: toNodeRefs(contacts)})
}

func (p *Protocol) handleFindValue(env Envelope, addr *net.UDPAddr) {
	var data FindValueData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		p.logger.Debug("malformed find_value", "error", err)
		return
	}

	if value, ok := p.dht.Lookup(data.Key); ok {
		p.reply(addr, TypeFoundValue, FoundValueData{RequestID: env.ID, Key: data.Key, Value: value})
		return
	}

	target := parseNodeID(data.Key)
	contacts := p.dht.RoutingTable().Closest(target, maxNodes)
	p.reply(addr, TypeFoundNodes, FoundNodesData{RequestID: env.ID, Nodes: toNodeRefs(contacts)})
}

func (p *Protocol) handleStore(env Envelope, addr *net.UDPAddr) {
	var data StoreData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		p.logger.Debug("malformed store", "error", err)
		return
	}
	p.dht.Store(data.Key, data.Value)
	p.reply(addr, TypePong, PongData{RequestID: env.ID, Status: "ok"})
}

func (p *Protocol) reply(addr *net.UDPAddr, msgType string, data any) {
	if err := p.send(addr, msgType, data, uuid.NewString()); err != nil {
		p.logger.Warn("failed to send reply", "type", msgType, "to", addr.String(), "error", err)
	}
}

// Send transmits msgType/data to addr under a fresh message id and
// returns that id. No pending waiter is registered, so any reply is
// dropped as unsolicited; use SendAndWait for request/response.
func (p *Protocol) Send(addr *net.UDPAddr, msgType string, data any) (string, error) {
	id := uuid.NewString()
	return id, p.send(addr, msgType, data, id)
}

// SendAndWait sends a request and blocks until a matching reply arrives,
// the context is cancelled, or the protocol's timeout elapses.
func (p *Protocol) SendAndWait(ctx context.Context, addr *net.UDPAddr, msgType string, data any) (Envelope, error) {
	id := uuid.NewString()
	waiter := p.pending.register(id)

	if err := p.send(addr, msgType, data, id); err != nil {
		p.pending.evict(id)
		return Envelope{}, fmt.Errorf("dhtproto: send %s: %w", msgType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	select {
	case reply := <-waiter:
		return reply, nil
	case <-ctx.Done():
		p.pending.evict(id)
		return Envelope{}, ctx.Err()
	}
}

func (p *Protocol) send(addr *net.UDPAddr, msgType string, data any, id string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:   msgType,
		Sender: p.dht.NodeID().String(),
		Data:   raw,
		ID:     id,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = p.conn.WriteToUDP(payload, addr)
	return err
}

func parseNodeID(s string) nodeid.NodeID {
	return nodeid.FromString(s)
}

func toNodeRefs(contacts []routing.Contact) []NodeRef {
	refs := make([]NodeRef, len(contacts))
	for i, c := range contacts {
		refs[i] = NodeRef{ID: c.NodeID.String(), IP: c.IP, Port: c.Port}
	}
	return refs
}
