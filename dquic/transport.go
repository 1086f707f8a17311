package dquic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/drift/dtransport"
	"github.com/quic-go/quic-go"
)

// Transport is a [dtransport.Transport] over QUIC.
//
// Unreliable channels travel as QUIC datagrams prefixed with the channel ID.
// Each reliable channel uses one unidirectional stream per direction,
// carrying length-prefixed messages in send order.
type Transport struct {
	log *slog.Logger
	cfg Config

	mu       sync.Mutex
	hosts    map[dtransport.HostID]*host
	nextHost dtransport.HostID
}

var _ dtransport.Transport = (*Transport)(nil)

// NewTransport returns a transport with no hosts.
// It panics if cfg is invalid.
func NewTransport(log *slog.Logger, cfg Config) *Transport {
	cfg = cfg.withDefaults()
	cfg.validate()

	return &Transport{
		log:   log,
		cfg:   cfg,
		hosts: make(map[dtransport.HostID]*host),
	}
}

type host struct {
	id  dtransport.HostID
	log *slog.Logger
	cfg dtransport.HostConfig

	ctx    context.Context
	cancel context.CancelFunc

	udp *net.UDPConn
	qt  *quic.Transport
	ln  *quic.Listener

	events    chan dtransport.Event
	sendQueue int

	mu    sync.Mutex
	peers map[dtransport.PeerID]*peer
	used  bitset.BitSet
}

// AddHost implements [dtransport.Transport].
func (t *Transport) AddHost(cfg dtransport.HostConfig) (dtransport.HostID, error) {
	udp, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(
		netip.AddrPortFrom(t.cfg.BindAddr, cfg.Port),
	))
	if err != nil {
		return 0, fmt.Errorf("failed to listen on UDP port %d: %w", cfg.Port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &host{
		cfg: cfg,

		ctx:    ctx,
		cancel: cancel,

		udp: udp,
		qt:  &quic.Transport{Conn: udp},

		events:    make(chan dtransport.Event, t.cfg.EventBuffer),
		sendQueue: t.cfg.SendQueue,
		peers:     make(map[dtransport.PeerID]*peer),
	}

	if len(t.cfg.TLS.Certificates) > 0 || t.cfg.TLS.GetCertificate != nil {
		h.ln, err = h.qt.Listen(tlsConfig(t.cfg.TLS), t.cfg.QUIC)
		if err != nil {
			cancel()
			_ = h.qt.Close()
			_ = udp.Close()
			return 0, fmt.Errorf("failed to start QUIC listener: %w", err)
		}
	}

	t.mu.Lock()
	h.id = t.nextHost
	t.nextHost++
	t.hosts[h.id] = h
	t.mu.Unlock()

	h.log = t.log.With("host", h.id, "port", h.port())
	if h.ln != nil {
		go t.acceptLoop(h)
	}
	return h.id, nil
}

func (h *host) port() uint16 {
	return h.udp.LocalAddr().(*net.UDPAddr).AddrPort().Port()
}

// Port reports the UDP port the host is bound to.
func (t *Transport) Port(id dtransport.HostID) uint16 {
	h := t.host(id)
	if h == nil {
		return 0
	}
	return h.port()
}

func (t *Transport) host(id dtransport.HostID) *host {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hosts[id]
}

// RemoveHost implements [dtransport.Transport].
func (t *Transport) RemoveHost(id dtransport.HostID) error {
	t.mu.Lock()
	h, ok := t.hosts[id]
	delete(t.hosts, id)
	t.mu.Unlock()
	if !ok {
		return dtransport.ErrorCodeWrongHost
	}

	h.cancel()

	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	clear(h.peers)
	h.mu.Unlock()

	for _, p := range peers {
		p.close(dtransport.ErrorCodeOK, "host removed")
	}

	var err error
	if h.ln != nil {
		err = errors.Join(err, h.ln.Close())
	}
	err = errors.Join(err, h.qt.Close(), h.udp.Close())
	if err != nil {
		h.log.Debug("Errors while closing host", "err", err)
	}
	return nil
}

func (t *Transport) acceptLoop(h *host) {
	for {
		qc, err := h.ln.Accept(h.ctx)
		if err != nil {
			if h.ctx.Err() == nil {
				h.log.Info("QUIC listener stopped", "err", err)
			}
			return
		}

		conn := t.wrap(qc)
		p, ok := h.addPeer(addrPortOf(qc.RemoteAddr()))
		if !ok {
			h.log.Info("Refusing connection; host is full", "remote", qc.RemoteAddr())
			_ = conn.CloseWithError(ApplicationErrorCode(dtransport.ErrorCodeRefused), "host full")
			continue
		}

		p.attach(conn)
		if !h.emit(dtransport.Event{Type: dtransport.EventConnect, Peer: p.id}) {
			return
		}
		p.start()
	}
}

func (t *Transport) wrap(qc quic.Connection) Conn {
	var c Conn = WrapConn(qc)
	if t.cfg.WrapConn != nil {
		c = t.cfg.WrapConn(c)
	}
	return c
}

// addPeer reserves the lowest free peer ID.
// It fails when the host is at its connection limit.
func (h *host) addPeer(remote netip.AddrPort) (*peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.MaxConnections > 0 && len(h.peers) >= h.cfg.MaxConnections {
		return nil, false
	}

	id, _ := h.used.NextClear(0)
	h.used.Set(id)

	p := newPeer(h, dtransport.PeerID(id), remote)
	h.peers[p.id] = p
	return p, true
}

// removePeer releases p's ID.
// It reports false if p was already removed.
func (h *host) removePeer(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.peers[p.id] != p {
		return false
	}
	delete(h.peers, p.id)
	h.used.Clear(uint(p.id))
	return true
}

func (h *host) peer(id dtransport.PeerID) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[id]
}

// emit queues ev, blocking while the queue is full.
// It reports false if the host was removed.
func (h *host) emit(ev dtransport.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Connect implements [dtransport.Transport].
func (t *Transport) Connect(id dtransport.HostID, addr netip.AddrPort) (dtransport.PeerID, error) {
	h := t.host(id)
	if h == nil {
		return 0, dtransport.ErrorCodeWrongHost
	}

	p, ok := h.addPeer(addr)
	if !ok {
		return 0, dtransport.ErrorCodeNoResources
	}

	go t.dial(h, p, addr)
	return p.id, nil
}

func (t *Transport) dial(h *host, p *peer, addr netip.AddrPort) {
	ctx, cancel := context.WithTimeout(p.ctx, t.cfg.DialTimeout)
	defer cancel()

	clientTLS := tlsConfig(t.cfg.TLS)
	qc, err := h.qt.Dial(ctx, net.UDPAddrFromAddrPort(addr), clientTLS, t.cfg.QUIC)
	if err != nil {
		if !h.removePeer(p) {
			// Disconnected locally while dialing.
			return
		}
		code := dialCode(err)
		h.log.Debug("Failed to dial", "addr", addr, "code", code, "err", err)
		h.emit(dtransport.Event{Type: dtransport.EventDisconnect, Peer: p.id, Err: code})
		return
	}

	if p.ctx.Err() != nil {
		_ = qc.CloseWithError(0, "disconnected while dialing")
		return
	}

	p.attach(t.wrap(qc))
	if h.emit(dtransport.Event{Type: dtransport.EventConnect, Peer: p.id}) {
		p.start()
	}
}

// Disconnect implements [dtransport.Transport].
func (t *Transport) Disconnect(id dtransport.HostID, peerID dtransport.PeerID) error {
	h := t.host(id)
	if h == nil {
		return dtransport.ErrorCodeWrongHost
	}
	p := h.peer(peerID)
	if p == nil || !h.removePeer(p) {
		return dtransport.ErrorCodeWrongConnection
	}

	p.close(dtransport.ErrorCodeOK, "disconnect")
	h.emit(dtransport.Event{Type: dtransport.EventDisconnect, Peer: peerID})
	return nil
}

// Send implements [dtransport.Transport].
func (t *Transport) Send(id dtransport.HostID, peerID dtransport.PeerID, channel uint8, b []byte) error {
	h := t.host(id)
	if h == nil {
		return dtransport.ErrorCodeWrongHost
	}
	if int(channel) >= len(h.cfg.Channels) {
		return dtransport.ErrorCodeWrongChannel
	}
	p := h.peer(peerID)
	if p == nil {
		return dtransport.ErrorCodeWrongConnection
	}

	if h.cfg.Channels[channel].IsReliable() {
		return p.sendReliable(channel, b)
	}
	return p.sendDatagram(channel, b)
}

// PollEvent implements [dtransport.Transport].
func (t *Transport) PollEvent(id dtransport.HostID) dtransport.Event {
	h := t.host(id)
	if h == nil {
		return dtransport.Event{}
	}
	select {
	case ev := <-h.events:
		return ev
	default:
		return dtransport.Event{}
	}
}

// PeerAddr implements [dtransport.Transport].
func (t *Transport) PeerAddr(id dtransport.HostID, peerID dtransport.PeerID) (netip.AddrPort, error) {
	h := t.host(id)
	if h == nil {
		return netip.AddrPort{}, dtransport.ErrorCodeWrongHost
	}
	p := h.peer(peerID)
	if p == nil {
		return netip.AddrPort{}, dtransport.ErrorCodeWrongConnection
	}
	return p.remote, nil
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}
