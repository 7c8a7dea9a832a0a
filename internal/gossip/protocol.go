package gossip

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"
)

// Config tunes the gossip protocol's timing and propagation behavior.
type Config struct {
	GossipInterval     time.Duration
	CleanupInterval    time.Duration
	SuspicionTimeout   time.Duration
	DeadTimeout        time.Duration
	MaxTTL             int
	RateLimitPerSecond int
	RateLimitBurst     int

	// DeterministicIDs selects DeriveMessageID (a hash of sender,
	// timestamp, and data) over NewMessageID (a random UUID) for every
	// message this protocol sends, so a message retransmitted with the
	// same fields always carries the same id. Off by default.
	DeterministicIDs bool
}

// DefaultConfig returns the protocol's default timing, matching the
// source implementation's DEFAULT_* module constants.
func DefaultConfig() Config {
	return Config{
		GossipInterval:     5 * time.Second,
		CleanupInterval:    30 * time.Second,
		SuspicionTimeout:   10 * time.Second,
		DeadTimeout:        60 * time.Second,
		MaxTTL:             DefaultMaxTTL,
		RateLimitPerSecond: 50,
		RateLimitBurst:     100,
	}
}

// Callback is invoked once for every processed message of a registered
// type. A message whose id is already in the dedup cache (a re-propagated
// copy) is dropped before dispatch and does not fire callbacks again.
type Callback func(msg Message)

// Protocol is the SWIM-style membership/dissemination overlay: a UDP
// listener, a peer table, and the gossip/cleanup periodic loops.
type Protocol struct {
	selfID string
	conn   *net.UDPConn
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	peers map[string]*PeerEntry

	dedup   *dedupCache
	limiter *peerRateLimiter

	cbMu      sync.RWMutex
	callbacks map[string][]Callback

	runMu    sync.Mutex
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New binds a UDP socket for the gossip overlay. selfID identifies this
// node in every message this protocol sends.
func New(selfID, ip string, port int, cfg Config, logger *slog.Logger) (*Protocol, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("gossip: listen: %w", err)
	}
	return &Protocol{
		selfID:    selfID,
		conn:      conn,
		cfg:       cfg,
		logger:    logger.With("component", "gossip", "node_id", selfID),
		peers:     make(map[string]*PeerEntry),
		dedup:     newDedupCache(),
		limiter:   newPeerRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		callbacks: make(map[string][]Callback),
		shutdown:  make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (p *Protocol) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the receive loop plus the periodic gossip and cleanup
// loops.
func (p *Protocol) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.wg.Add(3)
	go p.receiveLoop()
	go p.gossipLoop()
	go p.cleanupLoop()
}

// Stop shuts down the listener and all loops, blocking until they exit.
func (p *Protocol) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	close(p.shutdown)
	p.conn.Close()
	p.runMu.Unlock()
	p.wg.Wait()
}

func (p *Protocol) isRunning() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.running
}

// RegisterCallback registers a handler invoked whenever a message of
// msgType passes the dedup check and is processed; duplicates seen again
// via propagation do not invoke it.
func (p *Protocol) RegisterCallback(msgType string, cb Callback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.callbacks[msgType] = append(p.callbacks[msgType], cb)
}

func (p *Protocol) triggerCallbacks(msg Message) {
	p.cbMu.RLock()
	cbs := append([]Callback(nil), p.callbacks[msg.Type]...)
	p.cbMu.RUnlock()
	for _, cb := range cbs {
		p.safeInvoke(cb, msg)
	}
}

func (p *Protocol) safeInvoke(cb Callback, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("gossip callback panicked", "type", msg.Type, "panic", r)
		}
	}()
	cb(msg)
}

// AddPeer seeds a peer into the table directly, used for bootstrap
// entries before any datagram has been exchanged.
func (p *Protocol) AddPeer(id, ip string, port int) {
	if id == p.selfID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[id]; !ok {
		p.peers[id] = newPeerEntry(id, ip, port)
	}
}

// ActivePeers returns a snapshot of every non-Dead peer.
func (p *Protocol) ActivePeers() []PeerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PeerEntry, 0, len(p.peers))
	for _, pe := range p.peers {
		if pe.State != Dead {
			out = append(out, *pe)
		}
	}
	return out
}

func (p *Protocol) receiveLoop() {
	defer p.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.shutdown:
				return
			default:
				p.logger.Error("gossip read error", "error", err)
				continue
			}
		}
		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			p.logger.Warn("dropping malformed gossip datagram", "addr", addr.String(), "error", err)
			continue
		}
		p.ingest(msg, addr)
	}
}

// ingest is the receive-side pipeline: rate limit, dedup, peer-table
// update, dispatch, callbacks, propagate — in that order, matching
// _process_message plus the rate-limit/dedup gate the source applies
// just before it.
func (p *Protocol) ingest(msg Message, addr *net.UDPAddr) {
	if msg.SenderID == "" || msg.SenderID == p.selfID {
		return
	}
	if !p.limiter.allow(msg.SenderID) {
		p.logger.Warn("rate limit exceeded, dropping message", "sender", msg.SenderID)
		return
	}
	if p.dedup.seen(msg.ID) {
		return
	}
	p.dedup.mark(msg.ID)
	p.processMessage(msg, addr)
}

func (p *Protocol) processMessage(msg Message, addr *net.UDPAddr) {
	p.updatePeer(msg.SenderID, addr.IP.String(), addr.Port, Alive)

	switch msg.Type {
	case TypePing:
		p.handlePing(msg, addr)
	case TypeAck:
		p.handleAck(msg)
	case TypeSync:
		p.handleSync(msg, addr)
	case TypeState:
		p.handleState(msg)
	case TypeSuspect:
		p.handleSuspect(msg)
	case TypeDead:
		p.handleDead(msg)
	}

	p.triggerCallbacks(msg)
	p.propagateMessage(msg)
}

// updatePeer mirrors _update_peer: last_seen always advances, but state
// only ever escalates here (never recovers from Suspect on a plain
// datagram — recovery comes only via handleAck for a directed ack).
func (p *Protocol) updatePeer(id, ip string, port int, state State) {
	if id == p.selfID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	pe, ok := p.peers[id]
	if !ok {
		pe = newPeerEntry(id, ip, port)
		p.peers[id] = pe
		p.logger.Info("new peer discovered", "peer", id, "addr", fmt.Sprintf("%s:%d", ip, port))
		return
	}
	pe.LastSeen = time.Now()
	if state == Dead || (state == Suspect && pe.State == Alive) {
		pe.State = state
	}
	if pe.IP != ip || pe.Port != port {
		pe.IP = ip
		pe.Port = port
	}
}

func (p *Protocol) send(msgType string, data any, addr *net.UDPAddr) {
	msg, err := p.buildMessage(msgType, data, DefaultMaxTTL)
	if err != nil {
		p.logger.Error("failed to build gossip message", "type", msgType, "error", err)
		return
	}
	p.sendRaw(msg, addr)
}

func (p *Protocol) buildMessage(msgType string, data any, ttl int) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	timestamp := float64(time.Now().UnixNano()) / 1e9
	id := NewMessageID()
	if p.cfg.DeterministicIDs {
		id = DeriveMessageID(p.selfID, timestamp, data)
	}
	return Message{
		SenderID:  p.selfID,
		Type:      msgType,
		Data:      raw,
		Timestamp: timestamp,
		TTL:       ttl,
		ID:        id,
	}, nil
}

func (p *Protocol) sendRaw(msg Message, addr *net.UDPAddr) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to encode gossip message", "error", err)
		return
	}
	if _, err := p.conn.WriteToUDP(encoded, addr); err != nil {
		p.logger.Error("error sending gossip message", "addr", addr.String(), "error", err)
	}
}

func (p *Protocol) handlePing(msg Message, addr *net.UDPAddr) {
	ack, err := p.buildMessage(TypeAck, map[string]any{"target": msg.SenderID}, DefaultMaxTTL)
	if err != nil {
		return
	}
	p.sendRaw(ack, addr)
}

func (p *Protocol) handleAck(msg Message) {
	var data struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	if data.Target != p.selfID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pe, ok := p.peers[msg.SenderID]; ok && pe.State == Suspect {
		pe.State = Alive
		p.logger.Info("peer is alive again", "peer", msg.SenderID)
	}
}

func (p *Protocol) handleSync(msg Message, addr *net.UDPAddr) {
	state, err := p.buildMessage(TypeState, map[string]any{"peers": p.peersState()}, DefaultMaxTTL)
	if err != nil {
		return
	}
	p.sendRaw(state, addr)
}

type wirePeerState struct {
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	State       State  `json:"state"`
	Incarnation int64  `json:"incarnation"`
}

func (p *Protocol) peersState() map[string]wirePeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]wirePeerState, len(p.peers))
	for id, pe := range p.peers {
		out[id] = wirePeerState{IP: pe.IP, Port: pe.Port, State: pe.State, Incarnation: pe.Incarnation}
	}
	return out
}

func (p *Protocol) handleState(msg Message) {
	var data struct {
		Peers map[string]wirePeerState `json:"peers"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, remote := range data.Peers {
		if id == p.selfID {
			continue
		}
		if pe, ok := p.peers[id]; ok {
			incoming := PeerEntry{
				ID: id, IP: remote.IP, Port: remote.Port,
				State: remote.State, Incarnation: remote.Incarnation,
			}
			if pe.applyIncarnation(incoming) {
				p.logger.Debug("updated peer state from sync", "peer", id)
			}
		} else if remote.IP != "" && remote.Port != 0 {
			p.peers[id] = &PeerEntry{
				ID: id, IP: remote.IP, Port: remote.Port,
				State: remote.State, Incarnation: remote.Incarnation,
				LastSeen: time.Now(),
			}
			p.logger.Info("added new peer from sync", "peer", id)
		}
	}
}

func (p *Protocol) handleSuspect(msg Message) {
	var data struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.PeerID == "" || data.PeerID == p.selfID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pe, ok := p.peers[data.PeerID]; ok && pe.State == Alive {
		pe.markSuspect()
		p.logger.Info("peer is suspected to be down", "peer", data.PeerID)
	}
}

func (p *Protocol) handleDead(msg Message) {
	var data struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.PeerID == "" || data.PeerID == p.selfID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pe, ok := p.peers[data.PeerID]; ok {
		pe.markDead()
		p.logger.Info("peer confirmed dead", "peer", data.PeerID)
	}
}

// propagateMessage forwards msg, TTL decremented by one, to a random
// sample of max(3, ceil(sqrt(live peer count))) live peers. A TTL of 1 or
// below is not propagated further.
func (p *Protocol) propagateMessage(msg Message) {
	if msg.TTL <= 1 {
		return
	}
	forwarded := msg
	forwarded.TTL = msg.TTL - 1

	live := p.livePeers()
	if len(live) == 0 {
		return
	}
	targetCount := len(live)
	if n := int(math.Max(3, math.Ceil(math.Sqrt(float64(len(live)))))); n < targetCount {
		targetCount = n
	}
	targets := sampleN(live, targetCount)
	for _, peer := range targets {
		p.sendRaw(forwarded, &net.UDPAddr{IP: net.ParseIP(peer.IP), Port: peer.Port})
	}
}

// propagateToAll forwards msg to every live peer, used for
// locally-originated suspect/dead announcements.
func (p *Protocol) propagateToAll(msg Message) {
	for _, peer := range p.livePeers() {
		p.sendRaw(msg, &net.UDPAddr{IP: net.ParseIP(peer.IP), Port: peer.Port})
	}
}

func (p *Protocol) livePeers() []PeerEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PeerEntry, 0, len(p.peers))
	for _, pe := range p.peers {
		if pe.State != Dead {
			out = append(out, *pe)
		}
	}
	return out
}

func sampleN(peers []PeerEntry, n int) []PeerEntry {
	if n >= len(peers) {
		return peers
	}
	idx := rand.Perm(len(peers))[:n]
	out := make([]PeerEntry, 0, n)
	for _, i := range idx {
		out = append(out, peers[i])
	}
	return out
}

// Broadcast sends an application-level message (agent_active,
// agent_inactive, agent_query, agent_info) into the mesh with a fresh
// id, marking it seen locally so a copy bounced back by a peer is
// treated as a duplicate rather than re-processed. The message is built
// with the configured max TTL and handed to propagateMessage, so it
// leaves this node with TTL one lower and reaches the same sampled set
// of live peers as a relayed message.
func (p *Protocol) Broadcast(msgType string, data any) error {
	if !p.isRunning() {
		return ErrNotRunning
	}
	msg, err := p.buildMessage(msgType, data, p.effectiveMaxTTL())
	if err != nil {
		return err
	}
	p.dedup.mark(msg.ID)
	p.propagateMessage(msg)
	return nil
}

// SendDirect sends an application-level message straight to one known
// peer by id instead of through the sampled fan-out — used for
// point-to-point replies such as agent_info, which the source addresses
// directly to the requester rather than flooding the mesh. The message
// carries DefaultMaxTTL, so the receiving peer's own pipeline relays it
// onward like any other message.
func (p *Protocol) SendDirect(msgType string, data any, peerID string) error {
	if !p.isRunning() {
		return ErrNotRunning
	}
	p.mu.RLock()
	peer, ok := p.peers[peerID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gossip: unknown peer %q", peerID)
	}
	p.send(msgType, data, &net.UDPAddr{IP: net.ParseIP(peer.IP), Port: peer.Port})
	return nil
}

func (p *Protocol) effectiveMaxTTL() int {
	if p.cfg.MaxTTL > 0 {
		return p.cfg.MaxTTL
	}
	return DefaultMaxTTL
}

func (p *Protocol) gossipLoop() {
	defer p.wg.Done()
	interval := p.cfg.GossipInterval
	if interval <= 0 {
		interval = DefaultConfig().GossipInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.gossipOnce()
		}
	}
}

func (p *Protocol) gossipOnce() {
	live := p.livePeers()
	if len(live) == 0 {
		return
	}
	peer := live[rand.Intn(len(live))]
	p.send(TypeSync, map[string]any{}, &net.UDPAddr{IP: net.ParseIP(peer.IP), Port: peer.Port})
}

func (p *Protocol) cleanupLoop() {
	defer p.wg.Done()
	interval := p.cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.checkPeers()
			p.dedup.evictOlderThan(2 * interval)
		}
	}
}

// checkPeers runs the SWIM failure-detector tick: dead peers past
// dead_timeout are forgotten, suspects past suspicion_timeout are
// confirmed dead and announced to every live peer, and alive peers
// gone quiet past suspicion_timeout are marked suspect, probed
// directly, and announced as suspect to every live peer.
func (p *Protocol) checkPeers() {
	suspicion := p.cfg.SuspicionTimeout
	dead := p.cfg.DeadTimeout
	if suspicion <= 0 {
		suspicion = DefaultConfig().SuspicionTimeout
	}
	if dead <= 0 {
		dead = DefaultConfig().DeadTimeout
	}
	now := time.Now()

	var toAnnounceDead, toAnnounceSuspect []string
	var pingTargets []PeerEntry

	p.mu.Lock()
	for id, pe := range p.peers {
		switch pe.State {
		case Dead:
			if now.Sub(pe.LastSeen) > dead {
				delete(p.peers, id)
				p.logger.Info("removed dead peer", "peer", id)
			}
		case Suspect:
			if !pe.SuspectTime.IsZero() && now.Sub(pe.SuspectTime) > suspicion {
				pe.markDead()
				p.logger.Info("peer timed out, marked as dead", "peer", id)
				toAnnounceDead = append(toAnnounceDead, id)
			}
		case Alive:
			if now.Sub(pe.LastSeen) > suspicion {
				pe.markSuspect()
				p.logger.Info("no recent contact, marking as suspect", "peer", id)
				pingTargets = append(pingTargets, *pe)
				toAnnounceSuspect = append(toAnnounceSuspect, id)
			}
		}
	}
	p.mu.Unlock()

	for _, id := range toAnnounceDead {
		msg, err := p.buildMessage(TypeDead, map[string]any{"peer_id": id}, DefaultMaxTTL)
		if err == nil {
			p.propagateToAll(msg)
		}
	}
	for _, peer := range pingTargets {
		p.send(TypePing, map[string]any{}, &net.UDPAddr{IP: net.ParseIP(peer.IP), Port: peer.Port})
	}
	for _, id := range toAnnounceSuspect {
		msg, err := p.buildMessage(TypeSuspect, map[string]any{"peer_id": id}, DefaultMaxTTL)
		if err == nil {
			p.propagateToAll(msg)
		}
	}
}
