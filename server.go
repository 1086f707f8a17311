package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/drift/dchannel"
	"github.com/gordian-engine/drift/dcodec"
	"github.com/gordian-engine/drift/dmetrics"
	"github.com/gordian-engine/drift/dpubsub"
	"github.com/gordian-engine/drift/dtransport"
	"github.com/gordian-engine/drift/internal/dtrace"
)

// Server accepts connections on one transport host
// and keeps them in a table indexed by [dtransport.PeerID].
//
// The table is sparse: a disconnect leaves a hole
// that the transport may fill with a later connection.
// All methods must be called from the goroutine that calls Update.
type Server struct {
	log *slog.Logger

	cfg ServerConfig
	tr  dtransport.Transport

	host      dtransport.HostID
	listening bool

	conns []*Connection

	// Slots of conns holding a live connection,
	// and the subset of those that are ready.
	live  bitset.BitSet
	ready bitset.BitSet

	// Copied into each accepted connection.
	handlers *handlerTable

	metrics *dmetrics.Transport
	tracer  dtrace.Tracer
}

// NewServer returns a Server that is not yet listening.
// It panics if cfg is invalid.
func NewServer(log *slog.Logger, cfg ServerConfig) *Server {
	cfg = cfg.withDefaults()
	cfg.validate()

	return &Server{
		log: log,

		cfg: cfg,
		tr:  cfg.Transport,

		handlers: newHandlerTable(),

		metrics: cfg.Metrics,
		tracer:  dtrace.TracerFrom(cfg.TracerProvider),
	}
}

// Listen opens the server's transport host on port.
func (s *Server) Listen(port uint16) error {
	if s.listening {
		return errors.New("drift: server already listening")
	}

	id, err := s.tr.AddHost(dtransport.HostConfig{
		Port:           port,
		Channels:       qosList(s.cfg.Channels),
		MaxConnections: s.cfg.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("adding transport host on port %d: %w", port, err)
	}

	s.host = id
	s.listening = true
	s.log.Info("Listening", "port", port, "channels", len(s.cfg.Channels))
	return nil
}

// Host returns the server's transport host.
func (s *Server) Host() dtransport.HostID { return s.host }

// Update processes up to the configured number of transport events
// and then flushes every live connection.
func (s *Server) Update(now time.Time) {
	if !s.listening {
		return
	}

	for range s.cfg.MaxEventsPerUpdate {
		ev := s.tr.PollEvent(s.host)
		if ev.Type == dtransport.EventNothing {
			break
		}
		s.handleEvent(ev)
	}

	for i, ok := s.live.NextSet(0); ok; i, ok = s.live.NextSet(i + 1) {
		s.conns[i].flush(now)
	}
}

func (s *Server) handleEvent(ev dtransport.Event) {
	switch ev.Type {
	case dtransport.EventConnect:
		s.accept(ev)

	case dtransport.EventData:
		c := s.lookup(ev.Peer)
		if c == nil {
			s.log.Debug("Dropping data for unknown connection", "conn_id", ev.Peer)
			return
		}
		if ev.Err != dtransport.ErrorCodeOK {
			c.log.Warn("Dropping data event carrying an error", "err", ev.Err)
			return
		}
		c.handleData(ev.Channel, ev.Data)

	case dtransport.EventDisconnect:
		s.handleDisconnect(ev)
	}
}

func (s *Server) accept(ev dtransport.Event) {
	if ev.Err != dtransport.ErrorCodeOK {
		s.log.Warn("Transport reported failed inbound connection", "conn_id", ev.Peer, "err", ev.Err)
		return
	}

	_, span := s.tracer.Start(
		context.Background(), "drift.Server.accept",
		dtrace.WithAttributes(dtrace.PeerAttr(int(ev.Peer))),
	)
	defer span.End()

	if s.cfg.MaxConnections > 0 && s.live.Count() >= uint(s.cfg.MaxConnections) {
		err := fmt.Errorf("at connection limit %d", s.cfg.MaxConnections)
		dtrace.SpanError(span, err)
		s.log.Warn("Rejecting connection", "conn_id", ev.Peer, "err", err)
		if derr := s.tr.Disconnect(s.host, ev.Peer); derr != nil {
			s.log.Info("Failed to disconnect rejected peer", "conn_id", ev.Peer, "err", derr)
		}
		return
	}

	addr, err := s.tr.PeerAddr(s.host, ev.Peer)
	if err != nil {
		s.log.Info("Failed to look up peer address", "conn_id", ev.Peer, "err", err)
	}
	span.SetAttributes(dtrace.AddrPortAttr("addr", addr))

	idx := int(ev.Peer)
	if idx < 0 {
		panic(fmt.Errorf("BUG: transport produced negative peer ID %d", idx))
	}
	if idx >= len(s.conns) {
		s.conns = append(s.conns, make([]*Connection, idx+1-len(s.conns))...)
	}
	if old := s.conns[idx]; old != nil {
		// The transport reused the slot before we saw the disconnect.
		s.log.Warn("Replacing stale connection", "conn_id", idx)
		s.remove(old)
	}

	c := s.newConnection(ev.Peer, addr)
	s.conns[idx] = c
	s.live.Set(uint(idx))
	c.setState(StateConnected, nil)

	c.log.Info("Accepted connection", "addr", addr)
	if s.cfg.OnConnected != nil {
		s.cfg.OnConnected(c)
	}
}

func (s *Server) newConnection(peer dtransport.PeerID, addr netip.AddrPort) *Connection {
	c := &Connection{
		log: s.log.With("conn_id", int(peer)),

		tr:     s.tr,
		host:   s.host,
		peer:   peer,
		addr:   addr,
		server: s,

		channelCfgs: s.cfg.Channels,
		pool:        dchannel.NewPool(0, s.metrics),
		metrics:     s.metrics,

		handlers: s.handlers.clone(),

		maxEvents:    s.cfg.MaxEventsPerUpdate,
		maxMalformed: s.cfg.MaxMalformedFrames,

		changes: dpubsub.NewStream[StateChange](),

		tracer: s.tracer,
	}
	c.initChannels()
	return c
}

func (s *Server) handleDisconnect(ev dtransport.Event) {
	c := s.lookup(ev.Peer)
	if c == nil {
		return
	}

	_, span := s.tracer.Start(
		context.Background(), "drift.Server.disconnect",
		dtrace.WithAttributes(dtrace.PeerAttr(int(ev.Peer))),
	)
	defer span.End()

	if ev.Err != dtransport.ErrorCodeOK && ev.Err != dtransport.ErrorCodeTimeout {
		dtrace.SpanError(span, ev.Err)
		c.lastErr = ev.Err
		s.remove(c)
		c.log.Warn("Connection lost with error", "err", ev.Err)
		if s.cfg.OnDisconnectError != nil {
			s.cfg.OnDisconnectError(c, ev.Err)
		}
		return
	}

	c.lastErr = ev.Err
	c.teardown()
	c.setState(StateDisconnected, nil)
	c.log.Info("Connection closed", "reason", ev.Err)
	if s.cfg.OnDisconnected != nil {
		s.cfg.OnDisconnected(c)
	}
	s.remove(c)
}

// remove clears c's slot and tears it down.
func (s *Server) remove(c *Connection) {
	idx := uint(c.peer)
	if int(idx) < len(s.conns) && s.conns[idx] == c {
		s.conns[idx] = nil
		s.live.Clear(idx)
		s.ready.Clear(idx)
	}
	c.teardown()

	var err error
	if c.lastErr != dtransport.ErrorCodeOK && c.lastErr != dtransport.ErrorCodeTimeout {
		err = c.lastErr
	}
	c.setState(StateDisconnected, err)
}

func (s *Server) lookup(id dtransport.PeerID) *Connection {
	if id < 0 || int(id) >= len(s.conns) {
		return nil
	}
	return s.conns[id]
}

func (s *Server) markReady(id dtransport.PeerID, ready bool) {
	if s.lookup(id) == nil {
		return
	}
	if ready {
		s.ready.Set(uint(id))
	} else {
		s.ready.Clear(uint(id))
	}
}

func (s *Server) relayEnabled() bool { return s.cfg.Relay }

// relay forwards f from one connection to every other live connection.
func (s *Server) relay(from *Connection, channelID uint8, f dcodec.Frame) {
	for i, ok := s.live.NextSet(0); ok; i, ok = s.live.NextSet(i + 1) {
		to := s.conns[i]
		if to == from {
			continue
		}
		if err := to.Send(f.Type, f.Payload, channelID); err != nil {
			to.log.Debug("Failed to relay message", "from", from.peer, "msg_type", f.Type, "err", err)
			continue
		}
		s.metrics.RelayedFrames.Add(1)
	}
}

// RegisterHandler adds fn to the handlers for msgType.
// Connections accepted afterwards receive a copy of the table;
// existing connections are not affected.
func (s *Server) RegisterHandler(msgType uint16, fn Handler) HandlerID {
	return s.handlers.register(msgType, fn)
}

// UnregisterHandler removes one registration from the server's table.
func (s *Server) UnregisterHandler(msgType uint16, id HandlerID) bool {
	return s.handlers.unregister(msgType, id)
}

// Connection returns the live connection with the given ID, or nil.
func (s *Server) Connection(id dtransport.PeerID) *Connection {
	return s.lookup(id)
}

// Connections returns the live connections in ID order.
func (s *Server) Connections() []*Connection {
	out := make([]*Connection, 0, s.live.Count())
	for i, ok := s.live.NextSet(0); ok; i, ok = s.live.NextSet(i + 1) {
		out = append(out, s.conns[i])
	}
	return out
}

// NumConnections returns the number of live connections.
func (s *Server) NumConnections() int { return int(s.live.Count()) }

// SendTo sends a message to one connection.
func (s *Server) SendTo(id dtransport.PeerID, msgType uint16, payload []byte, channelID uint8) error {
	c := s.lookup(id)
	if c == nil {
		return fmt.Errorf("connection %d: %w", id, ErrUnknownConnection)
	}
	return c.Send(msgType, payload, channelID)
}

// SendToAll sends a message to every live connection.
// It attempts every connection and joins the errors.
func (s *Server) SendToAll(msgType uint16, payload []byte, channelID uint8) error {
	return s.sendToSet(&s.live, msgType, payload, channelID)
}

// SendToReady sends a message to every live connection that is ready.
func (s *Server) SendToReady(msgType uint16, payload []byte, channelID uint8) error {
	return s.sendToSet(&s.ready, msgType, payload, channelID)
}

func (s *Server) sendToSet(set *bitset.BitSet, msgType uint16, payload []byte, channelID uint8) error {
	var errs error
	for i, ok := set.NextSet(0); ok; i, ok = set.NextSet(i + 1) {
		if err := s.conns[i].Send(msgType, payload, channelID); err != nil {
			errs = errors.Join(errs, fmt.Errorf("connection %d: %w", i, err))
		}
	}
	return errs
}

// Disconnect asks the transport to close a connection.
// The connection is removed, and OnDisconnected called,
// when the transport reports the disconnect to Update.
func (s *Server) Disconnect(id dtransport.PeerID) error {
	if s.lookup(id) == nil {
		return fmt.Errorf("connection %d: %w", id, ErrUnknownConnection)
	}
	if err := s.tr.Disconnect(s.host, id); err != nil {
		return fmt.Errorf("disconnecting connection %d: %w", id, err)
	}
	return nil
}

// Close disconnects every connection without callbacks
// and releases the transport host.
func (s *Server) Close() error {
	if !s.listening {
		return ErrNotListening
	}

	var errs error
	for i, ok := s.live.NextSet(0); ok; i, ok = s.live.NextSet(i + 1) {
		c := s.conns[i]
		if err := s.tr.Disconnect(s.host, c.peer); err != nil {
			errs = errors.Join(errs, fmt.Errorf("disconnecting connection %d: %w", i, err))
		}
		s.remove(c)
	}

	if err := s.tr.RemoveHost(s.host); err != nil {
		errs = errors.Join(errs, fmt.Errorf("removing transport host: %w", err))
	}
	s.listening = false
	s.conns = nil
	return errs
}
