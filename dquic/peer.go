package dquic

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/gordian-engine/drift/dtransport"
	"github.com/quic-go/quic-go"
)

type outbound struct {
	channel uint8
	data    []byte
}

// peer is one connection on a host.
// Its goroutines start once the connection is established.
type peer struct {
	h      *host
	id     dtransport.PeerID
	remote netip.AddrPort

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn Conn

	out    chan outbound
	dgrams chan []byte
}

func newPeer(h *host, id dtransport.PeerID, remote netip.AddrPort) *peer {
	ctx, cancel := context.WithCancel(h.ctx)
	return &peer{
		h:      h,
		id:     id,
		remote: remote,

		ctx:    ctx,
		cancel: cancel,

		out:    make(chan outbound, h.sendQueue),
		dgrams: make(chan []byte, h.sendQueue),
	}
}

func (p *peer) attach(c Conn) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
}

func (p *peer) getConn() Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *peer) start() {
	c := p.getConn()
	go p.writeLoop(c)
	go p.datagramLoop(c)
	go p.acceptStreams(c)
	go p.watch(c)
}

// close tears the peer down without emitting an event.
func (p *peer) close(code dtransport.ErrorCode, msg string) {
	p.cancel()
	if c := p.getConn(); c != nil {
		_ = c.CloseWithError(ApplicationErrorCode(code), msg)
	}
}

// fail closes the peer for a protocol violation
// and reports it to the owner.
func (p *peer) fail(code dtransport.ErrorCode, msg string) {
	if !p.h.removePeer(p) {
		return
	}
	p.h.log.Warn("Closing peer", "peer", p.id, "code", code, "reason", msg)
	p.close(code, msg)
	p.h.emit(dtransport.Event{Type: dtransport.EventDisconnect, Peer: p.id, Err: code})
}

// watch reports the connection closing from the remote side or the network.
func (p *peer) watch(c Conn) {
	select {
	case <-c.Context().Done():
	case <-p.ctx.Done():
		return
	}

	if !p.h.removePeer(p) {
		return
	}
	p.cancel()

	code := closeCode(context.Cause(c.Context()))
	p.h.log.Debug("Peer disconnected", "peer", p.id, "code", code)
	p.h.emit(dtransport.Event{Type: dtransport.EventDisconnect, Peer: p.id, Err: code})
}

func (p *peer) sendReliable(channel uint8, b []byte) error {
	if p.getConn() == nil {
		return dtransport.ErrorCodeWrongConnection
	}
	if len(b) > MaxStreamMessage {
		return dtransport.ErrorCodeMessageTooLong
	}

	select {
	case <-p.ctx.Done():
		return dtransport.ErrorCodeWrongConnection
	default:
	}

	select {
	case p.out <- outbound{channel: channel, data: append([]byte(nil), b...)}:
		return nil
	default:
		return dtransport.ErrNoResources
	}
}

func (p *peer) sendDatagram(channel uint8, b []byte) error {
	if p.getConn() == nil {
		return dtransport.ErrorCodeWrongConnection
	}

	select {
	case <-p.ctx.Done():
		return dtransport.ErrorCodeWrongConnection
	default:
	}

	d := make([]byte, 1+len(b))
	d[0] = channel
	copy(d[1:], b)

	select {
	case p.dgrams <- d:
		return nil
	default:
		return dtransport.ErrNoResources
	}
}

// writeLoop owns the outgoing streams and datagrams of the connection.
func (p *peer) writeLoop(c Conn) {
	streams := make(map[uint8]*channelWriter)
	defer func() {
		for _, w := range streams {
			_ = w.s.Close()
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return

		case d := <-p.dgrams:
			if err := c.SendDatagram(d); err != nil {
				var tooLarge *quic.DatagramTooLargeError
				if errors.As(err, &tooLarge) {
					p.h.log.Warn(
						"Dropping oversized datagram",
						"size", len(d), "max", tooLarge.MaxDatagramPayloadSize,
					)
					continue
				}
				p.h.log.Debug("Failed to send datagram", "err", err)
				return
			}

		case ob := <-p.out:
			w := streams[ob.channel]
			if w == nil {
				var err error
				w, err = openChannelStream(p.ctx, c, ob.channel)
				if err != nil {
					p.h.log.Debug("Failed to start channel stream", "channel", ob.channel, "err", err)
					return
				}
				streams[ob.channel] = w
			}

			if err := w.writeMessage(ob.data); err != nil {
				p.h.log.Debug("Failed to write message", "channel", ob.channel, "err", err)
				return
			}
		}
	}
}

func (p *peer) datagramLoop(c Conn) {
	for {
		d, err := c.ReceiveDatagram(p.ctx)
		if err != nil {
			return
		}
		if len(d) == 0 || int(d[0]) >= len(p.h.cfg.Channels) || p.h.cfg.Channels[d[0]].IsReliable() {
			p.h.log.Debug("Dropping datagram for invalid channel", "peer", p.id, "size", len(d))
			continue
		}
		if !p.h.emit(dtransport.Event{
			Type:    dtransport.EventData,
			Peer:    p.id,
			Channel: d[0],
			Data:    d[1:],
		}) {
			return
		}
	}
}

func (p *peer) acceptStreams(c Conn) {
	for {
		s, err := c.AcceptUniStream(p.ctx)
		if err != nil {
			return
		}
		go p.readStream(s)
	}
}

// readStream delivers the messages of one reliable channel.
func (p *peer) readStream(s ReceiveStream) {
	r := newChannelReader(s)

	ch, err := r.readChannel()
	if err != nil {
		return
	}
	if int(ch) >= len(p.h.cfg.Channels) || !p.h.cfg.Channels[ch].IsReliable() {
		s.CancelRead(StreamErrorBadMessage)
		p.fail(dtransport.ErrorCodeWrongChannel, "stream for invalid channel")
		return
	}

	for {
		data, err := r.readMessage()
		if errors.Is(err, errMessageTooLong) {
			s.CancelRead(StreamErrorBadMessage)
			p.fail(dtransport.ErrorCodeMessageTooLong, "stream message too long")
			return
		}
		if err != nil {
			return
		}
		if !p.h.emit(dtransport.Event{
			Type:    dtransport.EventData,
			Peer:    p.id,
			Channel: ch,
			Data:    data,
		}) {
			return
		}
	}
}
