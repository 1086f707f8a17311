package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/golang/snappy"
	"github.com/gordian-engine/drift/dchannel"
	"github.com/gordian-engine/drift/dcodec"
	"github.com/gordian-engine/drift/dmetrics"
	"github.com/gordian-engine/drift/dpubsub"
	"github.com/gordian-engine/drift/dtransport"
	"github.com/gordian-engine/drift/internal/dtrace"
)

// Connection is one end of a link to a remote peer.
//
// Client connections are created with [NewConnection]
// and own a transport host;
// server-side connections are created by a [Server]
// and share the server's host.
//
// Except for [*Connection.StateChanges],
// a Connection must only be used from the goroutine that calls Update.
type Connection struct {
	log *slog.Logger

	tr      dtransport.Transport
	host    dtransport.HostID
	hasHost bool
	peer    dtransport.PeerID
	addr    netip.AddrPort

	// Back reference for server-side connections; nil for clients.
	server *Server

	state   ConnectionState
	lastErr dtransport.ErrorCode

	channelCfgs []dchannel.Config
	channels    []*dchannel.Channel
	pool        *dchannel.Pool
	metrics     *dmetrics.Transport

	handlers *handlerTable

	ready bool

	resolver      Resolver
	resolved      chan resolveResult
	cancelResolve context.CancelFunc
	remoteHost    string
	remotePort    uint16

	maxEvents    int
	maxMalformed int
	malformed    int

	// The next node to publish on.
	changes *dpubsub.Stream[StateChange]

	tracer      dtrace.Tracer
	connectSpan dtrace.Span

	onConnect    func(*Connection)
	onDisconnect func(*Connection, error)
	onError      func(*Connection, ConnectError)

	// Scratch for outgoing messages.
	w dcodec.Writer
}

// NewConnection returns a client connection in [StateNone].
// It panics if cfg is invalid.
func NewConnection(log *slog.Logger, cfg ConnectionConfig) *Connection {
	cfg = cfg.withDefaults()
	cfg.validate()

	return &Connection{
		log: log,

		tr: cfg.Transport,

		channelCfgs: cfg.Channels,
		pool:        dchannel.NewPool(0, cfg.Metrics),
		metrics:     cfg.Metrics,

		handlers: newHandlerTable(),

		resolver: cfg.Resolver,

		maxEvents:    cfg.MaxEventsPerUpdate,
		maxMalformed: cfg.MaxMalformedFrames,

		changes: dpubsub.NewStream[StateChange](),

		tracer: dtrace.TracerFrom(cfg.TracerProvider),

		onConnect:    cfg.OnConnect,
		onDisconnect: cfg.OnDisconnect,
		onError:      cfg.OnError,
	}
}

// Connect begins connecting to host:port.
//
// An IP literal moves straight to [StateResolved];
// anything else is resolved on a background goroutine bound to ctx,
// and the result is picked up by a later Update.
// The transport connect is issued from Update as well.
// Failures are reported through OnError and the state stream,
// not through the returned error,
// which only reports that the attempt could not start.
func (c *Connection) Connect(ctx context.Context, host string, port uint16) error {
	if c.server != nil {
		return errors.New("drift: cannot call Connect on a server-side connection")
	}

	switch c.state {
	case StateNone, StateDisconnected, StateFailed:
	default:
		return fmt.Errorf("cannot connect in state %s: %w", c.state, ErrAlreadyConnecting)
	}

	if !c.hasHost {
		id, err := c.tr.AddHost(dtransport.HostConfig{
			Channels:       qosList(c.channelCfgs),
			MaxConnections: 1,
		})
		if err != nil {
			return fmt.Errorf("adding transport host: %w", err)
		}
		c.host = id
		c.hasHost = true
	}
	c.initChannels()

	c.remoteHost = host
	c.remotePort = port
	c.lastErr = dtransport.ErrorCodeOK

	ctx, c.connectSpan = c.tracer.Start(
		ctx, "drift.Connection.Connect",
		dtrace.WithAttributes(dtrace.HostAttr(host)),
	)

	if ip, err := netip.ParseAddr(host); err == nil {
		c.addr = netip.AddrPortFrom(ip.Unmap(), port)
		c.setState(StateResolved, nil)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelResolve = cancel
	out := make(chan resolveResult, 1)
	c.resolved = out

	c.setState(StateResolving, nil)
	go resolve(ctx, c.resolver, c.tracer, host, out)
	return nil
}

// Update runs one tick:
// it picks up a finished name resolution,
// issues the transport connect once resolved,
// processes up to the configured number of transport events,
// and then flushes every channel if connected.
//
// Update is only meaningful for client connections;
// a [Server] drives the connections it accepted.
func (c *Connection) Update(now time.Time) {
	c.pollResolve()

	if c.state == StateResolved {
		c.beginTransportConnect()
	}

	if c.hasHost {
		for range c.maxEvents {
			ev := c.tr.PollEvent(c.host)
			if ev.Type == dtransport.EventNothing {
				break
			}
			c.handleEvent(ev)
		}
	}

	if c.state == StateConnected {
		c.flush(now)
	}
}

func (c *Connection) pollResolve() {
	if c.state != StateResolving {
		return
	}

	select {
	case res := <-c.resolved:
		c.cancelResolve()
		c.cancelResolve = nil
		c.resolved = nil

		if res.err != nil {
			c.fail(StageResolve, res.err)
			return
		}
		c.addr = netip.AddrPortFrom(pickAddr(res.addrs), c.remotePort)
		c.connectSpan.AddEvent("resolved", dtrace.WithAttributes(dtrace.AddrPortAttr("addr", c.addr)))
		c.setState(StateResolved, nil)
	default:
	}
}

func (c *Connection) beginTransportConnect() {
	peer, err := c.tr.Connect(c.host, c.addr)
	if err != nil {
		c.fail(StageTransport, err)
		return
	}
	c.peer = peer
	c.setState(StateConnecting, nil)
}

func (c *Connection) handleEvent(ev dtransport.Event) {
	switch ev.Type {
	case dtransport.EventConnect:
		if c.state != StateConnecting || ev.Peer != c.peer {
			c.log.Warn("Ignoring unexpected connect event", "state", c.state, "peer", ev.Peer)
			return
		}
		if ev.Err != dtransport.ErrorCodeOK {
			c.fail(StageTransport, ev.Err)
			return
		}
		c.connected()

	case dtransport.EventData:
		if c.state != StateConnected || ev.Peer != c.peer {
			c.log.Debug("Dropping data outside of connection", "state", c.state, "peer", ev.Peer)
			return
		}
		if ev.Err != dtransport.ErrorCodeOK {
			c.log.Warn("Dropping data event carrying an error", "err", ev.Err)
			return
		}
		c.handleData(ev.Channel, ev.Data)

	case dtransport.EventDisconnect:
		if ev.Peer != c.peer {
			return
		}
		switch c.state {
		case StateConnecting:
			code := ev.Err
			if code == dtransport.ErrorCodeOK {
				code = dtransport.ErrorCodeRefused
			}
			c.fail(StageTransport, code)
		case StateConnected:
			c.disconnected(ev.Err)
		}
	}
}

func (c *Connection) connected() {
	c.malformed = 0
	c.setState(StateConnected, nil)

	if c.connectSpan != nil {
		c.connectSpan.End()
		c.connectSpan = nil
	}

	c.log.Info("Connected", "addr", c.addr)
	if c.onConnect != nil {
		c.onConnect(c)
	}
}

// fail reports a failed connection attempt
// and leaves the connection Disconnected.
func (c *Connection) fail(stage ConnectStage, err error) {
	var code dtransport.ErrorCode
	if errors.As(err, &code) {
		c.lastErr = code
	} else if stage == StageResolve {
		c.lastErr = dtransport.ErrorCodeDNSFailure
	}

	ce := ConnectError{Stage: stage, Host: c.remoteHost, Err: err}

	if c.connectSpan != nil {
		dtrace.SpanError(c.connectSpan, ce)
		c.connectSpan.End()
		c.connectSpan = nil
	}

	c.setState(StateFailed, ce)
	c.log.Warn("Connection attempt failed", "stage", stage, "host", c.remoteHost, "err", err)
	if c.onError != nil {
		c.onError(c, ce)
	}

	c.teardown()
	c.setState(StateDisconnected, ce)
}

// disconnected tears down an established connection.
func (c *Connection) disconnected(code dtransport.ErrorCode) {
	c.lastErr = code
	var err error
	if code != dtransport.ErrorCodeOK {
		err = code
	}

	c.teardown()
	c.setState(StateDisconnected, err)

	if code == dtransport.ErrorCodeOK || code == dtransport.ErrorCodeTimeout {
		c.log.Info("Disconnected", "reason", code)
	} else {
		c.log.Warn("Disconnected with error", "err", code)
	}

	if c.onDisconnect != nil {
		c.onDisconnect(c, err)
	}
}

// teardown discards all per-link state.
func (c *Connection) teardown() {
	for _, ch := range c.channels {
		ch.Reset()
	}
	c.setReady(false)
	c.malformed = 0
}

// Disconnect closes the connection.
//
// For a client the connection is Disconnected when Disconnect returns
// and OnDisconnect has been called.
// For a server-side connection the request goes through the [Server],
// which removes the connection when the transport confirms.
func (c *Connection) Disconnect() error {
	if c.server != nil {
		return c.server.Disconnect(c.peer)
	}

	switch c.state {
	case StateResolving, StateResolved:
		if c.cancelResolve != nil {
			c.cancelResolve()
			c.cancelResolve = nil
		}
		if c.connectSpan != nil {
			c.connectSpan.End()
			c.connectSpan = nil
		}
		c.teardown()
		c.setState(StateDisconnected, nil)
		return nil

	case StateConnecting, StateConnected:
		err := c.tr.Disconnect(c.host, c.peer)
		if c.connectSpan != nil {
			c.connectSpan.End()
			c.connectSpan = nil
		}
		c.disconnected(dtransport.ErrorCodeOK)
		if err != nil {
			return fmt.Errorf("disconnecting transport peer: %w", err)
		}
		return nil

	default:
		return nil
	}
}

// Dispose disconnects and releases the transport host.
// The connection may be used again with Connect.
func (c *Connection) Dispose() error {
	err := c.Disconnect()
	if c.server == nil && c.hasHost {
		if rerr := c.tr.RemoveHost(c.host); rerr != nil {
			err = errors.Join(err, fmt.Errorf("removing transport host: %w", rerr))
		}
		c.hasHost = false
	}
	return err
}

func (c *Connection) setState(to ConnectionState, err error) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.changes.Publish(StateChange{From: from, To: to, Err: err})
	c.changes = c.changes.Next
}

func (c *Connection) setReady(ready bool) {
	c.ready = ready
	if c.server != nil {
		c.server.markReady(c.peer, ready)
	}
}

func (c *Connection) initChannels() {
	if c.channels != nil {
		return
	}
	out := peerSender{c: c}
	c.channels = make([]*dchannel.Channel, len(c.channelCfgs))
	for i, cc := range c.channelCfgs {
		c.channels[i] = dchannel.New(
			c.log.With("channel", i), cc, out, c.pool, c.metrics,
		)
	}
}

// peerSender adapts the connection's transport peer to a channel.
type peerSender struct {
	c *Connection
}

func (s peerSender) SendPacket(channel uint8, b []byte) error {
	return s.c.tr.Send(s.c.host, s.c.peer, channel, b)
}

func (c *Connection) flush(now time.Time) {
	for _, ch := range c.channels {
		ch.CheckInternalBuffer(now)
	}
}

// FlushChannels forces every channel to send what the transport will take,
// regardless of the channels' MaxDelay.
func (c *Connection) FlushChannels() {
	if c.state != StateConnected {
		return
	}
	for _, ch := range c.channels {
		ch.Flush()
	}
}

func (c *Connection) handleData(channelID uint8, data []byte) {
	if int(channelID) >= len(c.channels) {
		c.malformedData(
			fmt.Errorf("data on channel %d of %d: %w", channelID, len(c.channels), ErrInvalidChannel),
			len(data),
		)
		return
	}

	p := dcodec.NewFrameParser(data)
	for f, ok := p.Next(); ok; f, ok = p.Next() {
		c.handleFrame(channelID, f)
		if c.state != StateConnected {
			// A handler disconnected us.
			return
		}
	}
	if err := p.Err(); err != nil {
		c.malformedData(err, p.Discarded())
	}
}

func (c *Connection) handleFrame(channelID uint8, f dcodec.Frame) {
	c.metrics.FramesReceived.Add(1)

	switch f.Type {
	case MsgTypeFragment:
		ch := c.channels[channelID]
		var r dcodec.Reader
		r.Reset(f.Payload)
		done, err := ch.ReceiveFragment(&r)
		if err != nil {
			c.malformedData(err, len(f.Raw))
			return
		}
		if !done {
			return
		}
		inner, err := dcodec.ParseMessage(ch.Reassembled())
		if err != nil {
			c.malformedData(fmt.Errorf("reassembled message: %w", err), 0)
			return
		}
		c.handleInner(channelID, inner)

	case MsgTypeCompressed:
		raw, err := snappy.Decode(nil, f.Payload)
		if err != nil {
			c.malformedData(fmt.Errorf("decompressing message: %w", err), len(f.Raw))
			return
		}
		inner, err := dcodec.ParseMessage(raw)
		if err != nil {
			c.malformedData(fmt.Errorf("decompressed message: %w", err), 0)
			return
		}
		c.handleInner(channelID, inner)

	default:
		c.dispatch(channelID, f)
	}
}

// handleInner dispatches a message unwrapped from a fragment stream
// or a compressed block. Containers do not nest.
func (c *Connection) handleInner(channelID uint8, f dcodec.Frame) {
	if f.Type == MsgTypeFragment || f.Type == MsgTypeCompressed {
		c.malformedData(fmt.Errorf("nested container message type %d", f.Type), len(f.Raw))
		return
	}
	c.dispatch(channelID, f)
}

func (c *Connection) dispatch(channelID uint8, f dcodec.Frame) {
	internal := false
	switch f.Type {
	case MsgTypeReady:
		c.setReady(true)
		internal = true
	case MsgTypeNotReady:
		c.setReady(false)
		internal = true
	}

	hs := c.handlers.get(f.Type)
	if len(hs) == 0 {
		if internal {
			return
		}
		if c.server != nil && c.server.relayEnabled() {
			c.server.relay(c, channelID, f)
			return
		}
		c.metrics.UnhandledFrames.Add(1)
		c.log.Debug("No handler for message type", "msg_type", f.Type, "channel", channelID)
		return
	}

	for _, h := range hs {
		msg := &Message{
			Type:      f.Type,
			ChannelID: channelID,
			Conn:      c,
			Payload:   f.Payload,
		}
		msg.Reader.Reset(f.Payload)
		h.fn(msg)
	}
	c.metrics.FramesDispatched.Add(1)
}

// malformedData records data that could not be decoded.
// The rest of the receive buffer has already been discarded.
func (c *Connection) malformedData(err error, discarded int) {
	c.metrics.MalformedFrames.Add(1)
	c.malformed++

	c.log.Warn("Discarding malformed data", "discarded_bytes", discarded, "err", err)

	if c.maxMalformed > 0 && c.malformed > c.maxMalformed {
		c.log.Warn("Too many malformed frames; disconnecting", "count", c.malformed)
		if err := c.Disconnect(); err != nil {
			c.log.Info("Failed to disconnect after malformed frames", "err", err)
		}
	}
}

func (c *Connection) channel(id uint8) (*dchannel.Channel, error) {
	if c.channels == nil {
		return nil, ErrNotInitialized
	}
	if int(id) >= len(c.channels) {
		return nil, fmt.Errorf("channel %d of %d: %w", id, len(c.channels), ErrInvalidChannel)
	}
	if c.state != StateConnected {
		return nil, fmt.Errorf("connection is %s: %w", c.state, ErrNotConnected)
	}
	return c.channels[id], nil
}

// Send frames payload as a message of msgType and queues it on channelID.
//
// Payloads that do not fit one packet are fragmented
// if the channel allows it.
// A message dropped by an unreliable channel is not an error.
func (c *Connection) Send(msgType uint16, payload []byte, channelID uint8) error {
	ch, err := c.channel(channelID)
	if err != nil {
		return err
	}

	c.w.Reset()
	cfg := ch.Config()
	if dcodec.FrameHeaderSize+len(payload) > cfg.MaxPacketSize && cfg.QoS.AllowsFragmentation() {
		// The fragment stream delimits the message.
		// Unframed it may fit one packet, so fragment it regardless.
		c.w.WriteUint16(msgType)
		c.w.WriteBytes(payload)
		return c.sendFragmentedOn(ch, c.w.Bytes())
	}

	_ = c.w.BeginFrame(msgType)
	c.w.WriteBytes(payload)
	if err := c.w.FinishFrame(); err != nil {
		return fmt.Errorf("framing message type %d: %w", msgType, err)
	}
	return c.sendOn(ch, c.w.Bytes())
}

// SendWriter queues the complete frame held by w on channelID.
// w must contain exactly one frame finished with [*dcodec.Writer.FinishFrame].
func (c *Connection) SendWriter(w *dcodec.Writer, channelID uint8) error {
	ch, err := c.channel(channelID)
	if err != nil {
		return err
	}

	raw := w.Bytes()
	if _, rest, err := dcodec.ParseFrame(raw); err != nil || len(rest) != 0 {
		return fmt.Errorf("writer does not hold exactly one frame: %w", dcodec.ErrTruncatedFrame)
	}

	cfg := ch.Config()
	if len(raw) > cfg.MaxPacketSize && cfg.QoS.AllowsFragmentation() {
		return c.sendFragmentedOn(ch, dcodec.Unframe(raw))
	}
	return c.sendOn(ch, raw)
}

// SendCompressed sends payload as a snappy-compressed message.
// The receiver decompresses it and dispatches it as msgType.
func (c *Connection) SendCompressed(msgType uint16, payload []byte, channelID uint8) error {
	if _, err := c.channel(channelID); err != nil {
		return err
	}
	inner := dcodec.AppendMessage(make([]byte, 0, dcodec.MessageHeaderSize+len(payload)), msgType, payload)
	return c.Send(MsgTypeCompressed, snappy.Encode(nil, inner), channelID)
}

func (c *Connection) sendOn(ch *dchannel.Channel, b []byte) error {
	if _, err := ch.Send(b); err != nil {
		return fmt.Errorf("sending on channel %d: %w", ch.Config().ID, err)
	}
	return nil
}

// sendFragmentedOn sends the unframed message b as a fragment stream.
func (c *Connection) sendFragmentedOn(ch *dchannel.Channel, b []byte) error {
	if _, err := ch.SendFragmented(b); err != nil {
		return fmt.Errorf("sending fragment stream on channel %d: %w", ch.Config().ID, err)
	}
	return nil
}

// RegisterHandler adds fn to the handlers for msgType.
// Multiple handlers for one type run in registration order.
func (c *Connection) RegisterHandler(msgType uint16, fn Handler) HandlerID {
	return c.handlers.register(msgType, fn)
}

// UnregisterHandler removes the registration id,
// reporting whether it existed.
func (c *Connection) UnregisterHandler(msgType uint16, id HandlerID) bool {
	return c.handlers.unregister(msgType, id)
}

// StateChanges returns the stream node for the next state change.
// Readers may wait on it from any goroutine,
// or use [dpubsub.Drain] from the tick.
func (c *Connection) StateChanges() *dpubsub.Stream[StateChange] {
	return c.changes
}

func (c *Connection) State() ConnectionState { return c.state }

// LastError returns the transport error code of the last
// failed connect or disconnect.
func (c *Connection) LastError() dtransport.ErrorCode { return c.lastErr }

// ID returns the transport peer ID,
// which is also the connection's index in its server's table.
func (c *Connection) ID() dtransport.PeerID { return c.peer }

func (c *Connection) Addr() netip.AddrPort { return c.addr }

// Host returns the transport host the connection sends through.
func (c *Connection) Host() dtransport.HostID { return c.host }

// IsReady reports whether the peer has announced readiness
// with a [MsgTypeReady] message, or was marked ready with SetReady.
func (c *Connection) IsReady() bool { return c.ready }

// SetReady overrides the readiness flag.
func (c *Connection) SetReady(ready bool) { c.setReady(ready) }

// Server returns the server that accepted c, or nil for a client.
func (c *Connection) Server() *Server { return c.server }

// Metrics returns the counters c reports to.
func (c *Connection) Metrics() *dmetrics.Transport { return c.metrics }

// Channel returns the channel with the given ID,
// or nil if it does not exist or channels are not initialized.
func (c *Connection) Channel(id uint8) *dchannel.Channel {
	if int(id) >= len(c.channels) {
		return nil
	}
	return c.channels[id]
}

// NumChannels returns the size of the channel topology.
func (c *Connection) NumChannels() int { return len(c.channelCfgs) }
