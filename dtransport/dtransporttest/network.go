// Package dtransporttest provides an in-memory [dtransport.Transport]
// for tests.
//
// Delivery is synchronous and deterministic:
// a successful Send places a Data event on the remote host's queue
// before Send returns.
// Tests control backpressure, loss, and failures per peer.
package dtransporttest

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/gordian-engine/drift/dtransport"
)

// Sent is one payload accepted by the network.
type Sent struct {
	Channel uint8
	Data    []byte
}

// Network is a set of in-memory hosts that can connect to each other.
//
// The zero value is not usable; create one with [NewNetwork].
type Network struct {
	mu sync.Mutex

	hosts    map[dtransport.HostID]*host
	byPort   map[uint16]dtransport.HostID
	nextHost dtransport.HostID
	nextPort uint16
}

type host struct {
	id   dtransport.HostID
	port uint16
	cfg  dtransport.HostConfig

	events []dtransport.Event

	peers    map[dtransport.PeerID]*link
	nextPeer dtransport.PeerID
}

type link struct {
	remoteHost dtransport.HostID
	remotePeer dtransport.PeerID

	// When blocked, every send reports backpressure.
	blocked bool

	// When non-negative, this many more sends are accepted
	// before the link starts reporting backpressure.
	budget int

	// Forced failure code for sends, when non-zero.
	failWith dtransport.ErrorCode

	// Returns true for payloads that should be silently lost.
	drop func(channel uint8, b []byte) bool

	sent []Sent
}

var _ dtransport.Transport = (*Network)(nil)

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		hosts:    make(map[dtransport.HostID]*host),
		byPort:   make(map[uint16]dtransport.HostID),
		nextPort: 40000,
	}
}

// AddHost implements [dtransport.Transport].
// A zero port is replaced with a fresh one,
// so every host is addressable.
func (n *Network) AddHost(cfg dtransport.HostConfig) (dtransport.HostID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	port := cfg.Port
	if port == 0 {
		for {
			port = n.nextPort
			n.nextPort++
			if _, taken := n.byPort[port]; !taken {
				break
			}
		}
	} else if _, taken := n.byPort[port]; taken {
		return 0, fmt.Errorf("port %d already in use", port)
	}

	id := n.nextHost
	n.nextHost++

	n.hosts[id] = &host{
		id:    id,
		port:  port,
		cfg:   cfg,
		peers: make(map[dtransport.PeerID]*link),
	}
	n.byPort[port] = id
	return id, nil
}

// RemoveHost implements [dtransport.Transport].
// Remote ends of the host's peers observe a Disconnect event.
func (n *Network) RemoveHost(id dtransport.HostID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.hosts[id]
	if !ok {
		return dtransport.ErrorCodeWrongHost
	}

	for _, l := range h.peers {
		if rh, ok := n.hosts[l.remoteHost]; ok {
			delete(rh.peers, l.remotePeer)
			rh.events = append(rh.events, dtransport.Event{
				Type: dtransport.EventDisconnect,
				Peer: l.remotePeer,
			})
		}
	}

	delete(n.byPort, h.port)
	delete(n.hosts, id)
	return nil
}

// Port returns the port assigned to the host.
func (n *Network) Port(id dtransport.HostID) uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[id].port
}

// Addr returns a loopback address for the host.
func (n *Network) Addr(id dtransport.HostID) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), n.Port(id))
}

// Connect implements [dtransport.Transport].
// Connecting to a port with no host produces a Disconnect event
// with [dtransport.ErrorCodeTimeout] on the local host,
// as a real datagram substrate would after its handshake timed out.
func (n *Network) Connect(id dtransport.HostID, addr netip.AddrPort) (dtransport.PeerID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.hosts[id]
	if !ok {
		return 0, dtransport.ErrorCodeWrongHost
	}

	local := h.newPeer(&link{budget: -1})

	rid, ok := n.byPort[addr.Port()]
	if !ok {
		delete(h.peers, local)
		h.events = append(h.events, dtransport.Event{
			Type: dtransport.EventDisconnect,
			Peer: local,
			Err:  dtransport.ErrorCodeTimeout,
		})
		return local, nil
	}
	rh := n.hosts[rid]

	if rh.cfg.MaxConnections > 0 && len(rh.peers) >= rh.cfg.MaxConnections {
		delete(h.peers, local)
		h.events = append(h.events, dtransport.Event{
			Type: dtransport.EventDisconnect,
			Peer: local,
			Err:  dtransport.ErrorCodeRefused,
		})
		return local, nil
	}

	remote := rh.newPeer(&link{
		budget:     -1,
		remoteHost: id,
		remotePeer: local,
	})
	l := h.peers[local]
	l.remoteHost = rid
	l.remotePeer = remote

	rh.events = append(rh.events, dtransport.Event{Type: dtransport.EventConnect, Peer: remote})
	h.events = append(h.events, dtransport.Event{Type: dtransport.EventConnect, Peer: local})

	return local, nil
}

func (h *host) newPeer(l *link) dtransport.PeerID {
	// Reuse the lowest free ID, like a real connection table would,
	// so that servers see holes being filled.
	var id dtransport.PeerID
	for {
		if _, taken := h.peers[id]; !taken {
			break
		}
		id++
	}
	h.peers[id] = l
	return id
}

// Disconnect implements [dtransport.Transport].
func (n *Network) Disconnect(id dtransport.HostID, peer dtransport.PeerID) error {
	return n.disconnect(id, peer, dtransport.ErrorCodeOK)
}

// Timeout disconnects the peer as if the link had gone silent,
// reporting [dtransport.ErrorCodeTimeout] on both ends.
func (n *Network) Timeout(id dtransport.HostID, peer dtransport.PeerID) error {
	return n.disconnect(id, peer, dtransport.ErrorCodeTimeout)
}

// Fail disconnects the peer reporting code on both ends.
func (n *Network) Fail(id dtransport.HostID, peer dtransport.PeerID, code dtransport.ErrorCode) error {
	return n.disconnect(id, peer, code)
}

func (n *Network) disconnect(id dtransport.HostID, peer dtransport.PeerID, code dtransport.ErrorCode) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.hosts[id]
	if !ok {
		return dtransport.ErrorCodeWrongHost
	}
	l, ok := h.peers[peer]
	if !ok {
		return dtransport.ErrorCodeWrongConnection
	}

	delete(h.peers, peer)
	h.events = append(h.events, dtransport.Event{
		Type: dtransport.EventDisconnect, Peer: peer, Err: code,
	})

	if rh, ok := n.hosts[l.remoteHost]; ok {
		if _, ok := rh.peers[l.remotePeer]; ok {
			delete(rh.peers, l.remotePeer)
			rh.events = append(rh.events, dtransport.Event{
				Type: dtransport.EventDisconnect, Peer: l.remotePeer, Err: code,
			})
		}
	}
	return nil
}

// Send implements [dtransport.Transport].
func (n *Network) Send(id dtransport.HostID, peer dtransport.PeerID, channel uint8, b []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.hosts[id]
	if !ok {
		return dtransport.ErrorCodeWrongHost
	}
	l, ok := h.peers[peer]
	if !ok {
		return dtransport.ErrorCodeWrongConnection
	}
	if int(channel) >= len(h.cfg.Channels) {
		return dtransport.ErrorCodeWrongChannel
	}

	if l.failWith != dtransport.ErrorCodeOK {
		return l.failWith
	}
	if l.blocked || l.budget == 0 {
		return dtransport.ErrNoResources
	}
	if l.budget > 0 {
		l.budget--
	}

	cp := slices.Clone(b)
	l.sent = append(l.sent, Sent{Channel: channel, Data: cp})

	if l.drop != nil && l.drop(channel, cp) {
		return nil
	}

	if rh, ok := n.hosts[l.remoteHost]; ok {
		rh.events = append(rh.events, dtransport.Event{
			Type:    dtransport.EventData,
			Peer:    l.remotePeer,
			Channel: channel,
			Data:    slices.Clone(cp),
		})
	}
	return nil
}

// PollEvent implements [dtransport.Transport].
func (n *Network) PollEvent(id dtransport.HostID) dtransport.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.hosts[id]
	if !ok || len(h.events) == 0 {
		return dtransport.Event{Type: dtransport.EventNothing}
	}

	ev := h.events[0]
	h.events[0] = dtransport.Event{}
	h.events = h.events[1:]
	return ev
}

// PeerAddr implements [dtransport.Transport].
func (n *Network) PeerAddr(id dtransport.HostID, peer dtransport.PeerID) (netip.AddrPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.hosts[id]
	if !ok {
		return netip.AddrPort{}, dtransport.ErrorCodeWrongHost
	}
	l, ok := h.peers[peer]
	if !ok {
		return netip.AddrPort{}, dtransport.ErrorCodeWrongConnection
	}
	rh, ok := n.hosts[l.remoteHost]
	if !ok {
		return netip.AddrPort{}, dtransport.ErrorCodeWrongConnection
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), rh.port), nil
}

// Inject appends ev to host's event queue,
// for tests that need to deliver hand-crafted bytes.
func (n *Network) Inject(id dtransport.HostID, ev dtransport.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := n.hosts[id]
	h.events = append(h.events, ev)
}

// Pending reports how many events are queued on the host.
func (n *Network) Pending(id dtransport.HostID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.hosts[id].events)
}

func (n *Network) link(id dtransport.HostID, peer dtransport.PeerID) *link {
	h, ok := n.hosts[id]
	if !ok {
		panic(fmt.Errorf("BUG: no host %d", id))
	}
	l, ok := h.peers[peer]
	if !ok {
		panic(fmt.Errorf("BUG: no peer %d on host %d", peer, id))
	}
	return l
}

// SetBackpressure makes every send from the peer
// report [dtransport.ErrNoResources] while on is true.
func (n *Network) SetBackpressure(id dtransport.HostID, peer dtransport.PeerID, on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.link(id, peer).blocked = on
}

// SetSendBudget accepts budget more sends from the peer
// before reporting backpressure.
// A negative budget removes the limit.
func (n *Network) SetSendBudget(id dtransport.HostID, peer dtransport.PeerID, budget int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.link(id, peer).budget = budget
}

// SetSendFailure makes every send from the peer fail with code.
// Passing [dtransport.ErrorCodeOK] clears the failure.
func (n *Network) SetSendFailure(id dtransport.HostID, peer dtransport.PeerID, code dtransport.ErrorCode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.link(id, peer).failWith = code
}

// SetLoss installs a predicate selecting accepted payloads
// that are never delivered.
func (n *Network) SetLoss(id dtransport.HostID, peer dtransport.PeerID, drop func(channel uint8, b []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.link(id, peer).drop = drop
}

// SentLog returns copies of every payload the peer has had accepted, in order.
func (n *Network) SentLog(id dtransport.HostID, peer dtransport.PeerID) []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.link(id, peer).sent)
}
