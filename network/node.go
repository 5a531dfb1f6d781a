package network

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
)

// MessageHandler is called for each received message.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// FaultConfig declares the reserved byzantine-mode fault injection hook
// (§4.6, §9 Open Question): a set of outbound message types to silently
// drop. It is never dialed by the production path; tests may set it
// directly on a Node to exercise omission handling.
type FaultConfig struct {
	DropOutbound map[MsgType]bool
}

// Node listens for incoming peers and manages outgoing connections. It
// knows nothing about the trustchain message payloads it carries: callers
// register handlers per MsgType and decode the envelope's Payload
// themselves.
type Node struct {
	nodeID     string
	listenAddr string
	tlsConfig  *tls.Config // nil → plain TCP
	maxPeers   int
	log        log15.Logger

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[MsgType]MessageHandler
	faults   FaultConfig

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node that will listen on listenAddr.
// If tlsCfg is non-nil the listener and outgoing connections use TLS.
func NewNode(nodeID, listenAddr string, tlsCfg *tls.Config) *Node {
	return &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		log:        log15.New("pkg", "network", "node", nodeID),
		peers:      make(map[string]*Peer),
		handlers:   make(map[MsgType]MessageHandler),
		stopCh:     make(chan struct{}),
	}
}

// SetFaultConfig installs the omission test hook. Never called from the
// production wiring path.
func (n *Node) SetFaultConfig(fc FaultConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults = fc
}

// Handle registers a handler for msg type.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

// AddPeer dials addr, exchanges the Hello handshake, and registers the
// peer under id (the caller already knows who it's dialing, e.g. from
// config.SeedPeer).
func (n *Node) AddPeer(id, addr string) error {
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	if err := n.sendHello(peer); err != nil {
		peer.Close()
		return fmt.Errorf("hello handshake with %s: %w", addr, err)
	}
	n.mu.Lock()
	n.peers[id] = peer
	n.mu.Unlock()
	go n.readLoop(peer)
	return nil
}

func (n *Node) sendHello(peer *Peer) error {
	data, err := json.Marshal(Hello{ID: n.nodeID})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgHello, Payload: data})
}

// RemovePeer drops a peer from the table without closing the underlying
// connection (used when TransportLost is detected elsewhere).
func (n *Node) RemovePeer(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Peers returns a snapshot of every connected peer id.
func (n *Node) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

func (n *Node) dropped(typ MsgType) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.faults.DropOutbound[typ]
}

// send marshals v as the payload of a MsgType envelope and writes it to a
// single peer, honoring the omission fault hook.
func (n *Node) send(p *Peer, typ MsgType, v any) {
	if n.dropped(typ) {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		n.log.Error("marshal outbound message", "type", typ, "err", err)
		return
	}
	if err := p.Send(Message{Type: typ, Payload: data}); err != nil {
		n.log.Warn("send to peer failed", "peer", p.ID, "type", typ, "err", err)
	}
}

// Unicast sends v to a single named peer.
func (n *Node) Unicast(peerID string, typ MsgType, v any) {
	n.mu.RLock()
	p := n.peers[peerID]
	n.mu.RUnlock()
	if p == nil {
		n.log.Warn("unicast to unknown peer", "peer", peerID, "type", typ)
		return
	}
	n.send(p, typ, v)
}

// Multicast sends v to every connected peer.
func (n *Node) Multicast(typ MsgType, v any) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		n.send(p, typ, v)
	}
}

// PromoterCast sends v to exactly the named peer ids (the current promoter
// set), skipping ids with no live connection rather than failing.
func (n *Node) PromoterCast(peerIDs []string, typ MsgType, v any) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(peerIDs))
	for _, id := range peerIDs {
		if p, ok := n.peers[id]; ok {
			peers = append(peers, p)
		}
	}
	n.mu.RUnlock()
	for _, p := range peers {
		n.send(p, typ, v)
	}
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.log.Warn("accept error", "err", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			n.log.Warn("max peers reached, rejecting", "max", n.maxPeers, "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		go n.acceptHandshake(peer)
	}
}

// acceptHandshake completes the inbound half of the Hello exchange: read
// the caller's announced id, reply with our own, then register the peer
// under its real id instead of its ephemeral remote address.
func (n *Node) acceptHandshake(peer *Peer) {
	msg, err := peer.Receive()
	if err != nil || msg.Type != MsgHello {
		n.log.Warn("hello handshake failed", "remote", peer.Addr, "err", err)
		peer.Close()
		return
	}
	var hello Hello
	if err := json.Unmarshal(msg.Payload, &hello); err != nil || hello.ID == "" {
		n.log.Warn("malformed hello", "remote", peer.Addr, "err", err)
		peer.Close()
		return
	}
	if err := n.sendHello(peer); err != nil {
		n.log.Warn("hello reply failed", "remote", peer.Addr, "err", err)
		peer.Close()
		return
	}
	peer.ID = hello.ID
	n.mu.Lock()
	n.peers[peer.ID] = peer
	n.mu.Unlock()
	n.readLoop(peer)
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("readLoop panic", "peer", peer.ID, "recovered", r)
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return // TransportLost: peer removed above, in-flight instances unaffected
		}
		n.mu.RLock()
		h, ok := n.handlers[msg.Type]
		n.mu.RUnlock()
		if ok {
			h(peer, msg)
		}
	}
}
