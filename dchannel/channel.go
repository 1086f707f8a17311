package dchannel

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gammazero/deque"
	"github.com/gordian-engine/drift/dcodec"
	"github.com/gordian-engine/drift/dmetrics"
	"github.com/gordian-engine/drift/dtransport"
)

// MsgTypeFragment is the reserved message type of fragment frames.
const MsgTypeFragment uint16 = 17

const (
	fragmentMarkerMore uint8 = 0
	fragmentMarkerEnd  uint8 = 1
)

// PacketSender delivers one packet on a channel of a single peer.
// A connection implements it over its transport.
//
// Returning an error wrapping [dtransport.ErrNoResources]
// signals backpressure; the packet was not sent and may be retried.
// Any other error is permanent for that packet.
type PacketSender interface {
	SendPacket(channel uint8, b []byte) error
}

// Result describes what happened to a payload passed to [*Channel.Send].
type Result uint8

const (
	// The payload was appended to the current packet.
	ResultBuffered Result = iota

	// The payload was appended to a fresh packet
	// after the previous one was moved onto the pending queue.
	ResultQueued

	// The payload was discarded.
	// Only unreliable channels return this without an error.
	ResultDropped
)

func (r Result) String() string {
	switch r {
	case ResultBuffered:
		return "Buffered"
	case ResultQueued:
		return "Queued"
	case ResultDropped:
		return "Dropped"
	default:
		return fmt.Sprintf("Result(%d)", uint8(r))
	}
}

// FlushResult summarizes a call to [*Channel.Flush].
type FlushResult struct {
	// Packets handed to the transport successfully.
	Sent int

	// Packets still waiting in the pending queue.
	Pending int

	// Whether the transport pushed back during the flush.
	Backpressure bool
}

type sendOutcome uint8

const (
	outcomeSent sendOutcome = iota
	outcomeBackpressure
	outcomeFailed
)

// Channel packs outgoing payloads for one logical channel of a connection.
//
// Small payloads are coalesced into packets of up to MaxPacketSize bytes.
// On reliable channels, packets the transport cannot take right now
// wait in a bounded FIFO queue;
// when that queue fills, the channel is broken
// and rejects every send until the queue drains below half capacity.
// Payloads too large for one packet are fragmented
// on channels whose QoS allows it.
//
// A Channel is driven by its connection's tick and
// is not safe for concurrent use.
type Channel struct {
	log *slog.Logger

	cfg Config
	out PacketSender

	pool    *Pool
	metrics *dmetrics.Transport

	current *packet
	pending deque.Deque[*packet]

	broken bool

	lastFlush time.Time

	// Scratch for building fragment frames.
	fragW dcodec.Writer

	reassembly   []byte
	reassembling bool
}

// New returns a Channel sending through out.
//
// Zero fields of cfg are defaulted.
// New panics if the resulting configuration is invalid.
// A nil pool or metrics value is replaced by a private one.
func New(
	log *slog.Logger,
	cfg Config,
	out PacketSender,
	pool *Pool,
	m *dmetrics.Transport,
) *Channel {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("cannot create channel: %w", err))
	}
	if out == nil {
		panic(errors.New("BUG: dchannel.New requires a non-nil PacketSender"))
	}

	if m == nil {
		m = new(dmetrics.Transport)
	}
	if pool == nil {
		pool = NewPool(0, m)
	}

	c := &Channel{
		log: log,

		cfg: cfg,
		out: out,

		pool:    pool,
		metrics: m,
	}
	c.current = pool.get(cfg.MaxPacketSize)
	return c
}

// Config returns the effective configuration of c.
func (c *Channel) Config() Config { return c.cfg }

// Send submits payload for delivery.
//
// The returned error is one of [ErrEmptyPayload], [ErrPayloadTooLarge],
// [ErrFragmentationNotAllowed], or [ErrChannelOverflow].
// A dropped unreliable payload is reported through [ResultDropped]
// with a nil error.
func (c *Channel) Send(payload []byte) (Result, error) {
	n := len(payload)
	if n == 0 {
		return ResultDropped, ErrEmptyPayload
	}

	fragments := c.cfg.QoS.AllowsFragmentation()

	if n >= math.MaxUint16 && !fragments {
		return ResultDropped, fmt.Errorf(
			"payload of %d bytes on channel %d: %w", n, c.cfg.ID, ErrPayloadTooLarge,
		)
	}

	if c.broken {
		c.metrics.OverflowRejected.Add(1)
		return ResultDropped, ErrChannelOverflow
	}

	if n > c.cfg.MaxPacketSize {
		if !fragments {
			return ResultDropped, fmt.Errorf(
				"payload of %d bytes exceeds packet size %d on %s channel %d: %w",
				n, c.cfg.MaxPacketSize, c.cfg.QoS, c.cfg.ID, ErrFragmentationNotAllowed,
			)
		}
		return c.sendFragments(payload)
	}

	return c.sendBytes(payload)
}

// SendFragmented submits payload as a fragment stream
// even if it would fit in a single packet.
// The receiver only sees payload once the whole stream has arrived.
//
// It returns [ErrFragmentationNotAllowed] on channels whose QoS
// does not allow fragmentation, and otherwise the same errors as Send.
func (c *Channel) SendFragmented(payload []byte) (Result, error) {
	if len(payload) == 0 {
		return ResultDropped, ErrEmptyPayload
	}
	if !c.cfg.QoS.AllowsFragmentation() {
		return ResultDropped, fmt.Errorf(
			"fragment stream on %s channel %d: %w", c.cfg.QoS, c.cfg.ID, ErrFragmentationNotAllowed,
		)
	}
	if c.broken {
		c.metrics.OverflowRejected.Add(1)
		return ResultDropped, ErrChannelOverflow
	}
	return c.sendFragments(payload)
}

func (c *Channel) sendBytes(b []byte) (Result, error) {
	if c.current.hasSpace(len(b), c.cfg.MaxPacketSize) {
		c.current.add(b)
		return ResultBuffered, nil
	}

	if !c.cfg.QoS.IsReliable() {
		if c.sendToTransport(c.current) != outcomeSent {
			// The current packet was already discarded and counted;
			// the new payload goes with it.
			c.metrics.DroppedUnreliable.Add(1)
			return ResultDropped, nil
		}
		c.current.add(b)
		return ResultBuffered, nil
	}

	if c.pending.Len() == 0 {
		// Nothing is waiting, so the full packet may go out right away.
		res := ResultBuffered
		if c.sendToTransport(c.current) == outcomeBackpressure {
			c.queueCurrent()
			res = ResultQueued
		}
		c.current.add(b)
		return res, nil
	}

	if c.pending.Len() >= c.cfg.MaxPendingPackets {
		c.enterBroken()
		return ResultDropped, ErrChannelOverflow
	}

	// Other packets are already waiting;
	// sending this one now would reorder the stream.
	c.queueCurrent()
	c.current.add(b)
	return ResultQueued, nil
}

func (c *Channel) sendFragments(payload []byte) (Result, error) {
	if len(payload) > c.cfg.MaxFragmentedPayload {
		return ResultDropped, fmt.Errorf(
			"payload of %d bytes exceeds fragmented maximum %d on channel %d: %w",
			len(payload), c.cfg.MaxFragmentedPayload, c.cfg.ID, ErrPayloadTooLarge,
		)
	}

	chunk := c.cfg.MaxPacketSize - FragmentHeaderSize

	// With packets already waiting, every full packet of the stream is queued.
	// No two chunks share a packet and the end marker fits after the last,
	// which stays current, so the stream queues at most one packet per chunk.
	// Reject the stream whole rather than queue a prefix of it.
	if n := c.pending.Len(); n > 0 {
		need := (len(payload) + chunk - 1) / chunk
		if n+need > c.cfg.MaxPendingPackets {
			c.metrics.OverflowRejected.Add(1)
			return ResultDropped, fmt.Errorf(
				"fragment stream of %d packets with %d of %d pending on channel %d: %w",
				need, n, c.cfg.MaxPendingPackets, c.cfg.ID, ErrChannelOverflow,
			)
		}
	}

	// Once started, the stream is committed whole:
	// its packets may take the pending queue past MaxPendingPackets,
	// and the next ordinary send that needs a packet overflows instead.
	res := ResultBuffered
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))

		c.fragW.Reset()
		_ = c.fragW.BeginFrame(MsgTypeFragment)
		c.fragW.WriteUint8(fragmentMarkerMore)
		if err := c.fragW.WriteBytesAndSize(payload[off:end]); err != nil {
			panic(fmt.Errorf("BUG: fragment chunk of %d bytes rejected: %w", end-off, err))
		}
		if err := c.fragW.FinishFrame(); err != nil {
			panic(fmt.Errorf("BUG: fragment frame rejected: %w", err))
		}

		if c.appendBytes(c.fragW.Bytes()) == ResultQueued {
			res = ResultQueued
		}
		c.metrics.FragmentsSent.Add(1)
	}

	c.fragW.Reset()
	_ = c.fragW.BeginFrame(MsgTypeFragment)
	c.fragW.WriteUint8(fragmentMarkerEnd)
	_ = c.fragW.FinishFrame()

	if c.appendBytes(c.fragW.Bytes()) == ResultQueued {
		res = ResultQueued
	}
	return res, nil
}

// appendBytes adds b to a reliable channel without the pending limit.
func (c *Channel) appendBytes(b []byte) Result {
	if c.current.hasSpace(len(b), c.cfg.MaxPacketSize) {
		c.current.add(b)
		return ResultBuffered
	}
	if c.pending.Len() == 0 && c.sendToTransport(c.current) != outcomeBackpressure {
		c.current.add(b)
		return ResultBuffered
	}
	c.queueCurrent()
	c.current.add(b)
	return ResultQueued
}

// queueCurrent moves the current packet to the back of the pending queue
// and starts a fresh one.
func (c *Channel) queueCurrent() {
	c.pending.PushBack(c.current)
	c.metrics.Queued()
	c.current = c.pool.get(c.cfg.MaxPacketSize)
}

func (c *Channel) enterBroken() {
	if c.broken {
		return
	}
	c.broken = true
	c.metrics.Overflows.Add(1)
	c.log.Warn(
		"Reliable channel overflowed; rejecting sends until queue drains",
		"channel", c.cfg.ID,
		"pending", c.pending.Len(),
		"max_pending", c.cfg.MaxPendingPackets,
	)
}

func (c *Channel) maybeRecover() {
	if !c.broken || 2*c.pending.Len() >= c.cfg.MaxPendingPackets {
		return
	}
	c.broken = false
	c.log.Info(
		"Reliable channel recovered from overflow but data was lost",
		"channel", c.cfg.ID,
		"pending", c.pending.Len(),
	)
}

// sendToTransport hands p to the transport.
// Unless the outcome is backpressure, p is empty afterwards.
func (c *Channel) sendToTransport(p *packet) sendOutcome {
	if p.empty() {
		return outcomeSent
	}

	err := c.out.SendPacket(c.cfg.ID, p.buf)
	if err == nil {
		c.metrics.PacketSent(len(p.buf))
		p.reset()
		return outcomeSent
	}

	if errors.Is(err, dtransport.ErrNoResources) {
		if c.cfg.QoS.IsReliable() {
			return outcomeBackpressure
		}
		c.metrics.DroppedUnreliable.Add(int64(p.payloads))
		p.reset()
		return outcomeFailed
	}

	c.metrics.SendErrors.Add(1)
	c.log.Warn(
		"Transport failed to send packet; dropping it",
		"channel", c.cfg.ID,
		"size", len(p.buf),
		"err", err,
	)
	p.reset()
	return outcomeFailed
}

// Flush sends whatever the transport will take:
// the pending queue first, in order,
// then the current packet once the queue is empty.
func (c *Channel) Flush() FlushResult {
	var res FlushResult

	if !c.cfg.QoS.IsReliable() {
		if !c.current.empty() {
			if c.sendToTransport(c.current) == outcomeSent {
				res.Sent++
			}
		}
		return res
	}

	for c.pending.Len() > 0 {
		p := c.pending.PopFront()
		switch c.sendToTransport(p) {
		case outcomeBackpressure:
			c.pending.PushFront(p)
			res.Backpressure = true
		case outcomeSent:
			res.Sent++
			fallthrough
		default:
			c.metrics.Dequeued(1)
			c.pool.put(p)
		}
		if res.Backpressure {
			break
		}
		c.maybeRecover()
	}

	if c.pending.Len() == 0 && !c.current.empty() {
		switch c.sendToTransport(c.current) {
		case outcomeSent:
			res.Sent++
		case outcomeBackpressure:
			c.queueCurrent()
			res.Backpressure = true
		}
	}

	c.maybeRecover()
	res.Pending = c.pending.Len()
	return res
}

// CheckInternalBuffer is the per-tick flush.
// It flushes when packets are pending,
// or when the current packet has waited at least MaxDelay since the last flush.
func (c *Channel) CheckInternalBuffer(now time.Time) FlushResult {
	if c.pending.Len() == 0 &&
		(c.current.empty() || now.Sub(c.lastFlush) < c.cfg.MaxDelay) {
		return FlushResult{}
	}
	c.lastFlush = now
	return c.Flush()
}

// ReceiveFragment consumes the body of a fragment frame from r.
//
// It returns true when r held the end marker of a fragment stream;
// the reassembled bytes are then available from [*Channel.Reassembled]
// until the next call to ReceiveFragment.
func (c *Channel) ReceiveFragment(r *dcodec.Reader) (bool, error) {
	marker := r.ReadUint8()
	if err := r.Err(); err != nil {
		return false, fmt.Errorf("reading fragment marker: %w", err)
	}

	switch marker {
	case fragmentMarkerMore:
		if !c.reassembling {
			c.reassembly = c.reassembly[:0]
			c.reassembling = true
		}

		data := r.ReadBytesAndSize()
		if err := r.Err(); err != nil {
			c.abortReassembly()
			return false, fmt.Errorf("reading fragment body: %w", err)
		}

		if len(c.reassembly)+len(data) > c.cfg.MaxFragmentedPayload {
			c.abortReassembly()
			return false, fmt.Errorf(
				"reassembled payload would exceed %d bytes: %w",
				c.cfg.MaxFragmentedPayload, ErrPayloadTooLarge,
			)
		}

		c.reassembly = append(c.reassembly, data...)
		c.metrics.FragmentsReceived.Add(1)
		return false, nil

	case fragmentMarkerEnd:
		if !c.reassembling {
			return false, fmt.Errorf("end marker without fragments: %w", ErrBadFragment)
		}
		c.reassembling = false
		c.metrics.FragmentsCompleted.Add(1)
		return true, nil

	default:
		c.abortReassembly()
		return false, fmt.Errorf("unknown fragment marker %d: %w", marker, ErrBadFragment)
	}
}

func (c *Channel) abortReassembly() {
	c.reassembling = false
	c.reassembly = c.reassembly[:0]
}

// Reassembled returns the payload completed by the last
// successful end marker. The slice is reused by later fragments.
func (c *Channel) Reassembled() []byte {
	if c.reassembling {
		return nil
	}
	return c.reassembly
}

// IsReassembling reports whether a fragment stream is in progress.
func (c *Channel) IsReassembling() bool { return c.reassembling }

// IsBroken reports whether the channel is rejecting sends after an overflow.
func (c *Channel) IsBroken() bool { return c.broken }

// PendingCount returns the number of packets in the pending queue.
func (c *Channel) PendingCount() int { return c.pending.Len() }

// Buffered returns the number of bytes in the current packet.
func (c *Channel) Buffered() int { return len(c.current.buf) }

// Reset discards all buffered, pending, and partially reassembled data
// and clears the broken state.
func (c *Channel) Reset() {
	n := c.pending.Len()
	for c.pending.Len() > 0 {
		c.pool.put(c.pending.PopFront())
	}
	c.metrics.Dequeued(n)

	c.current.reset()
	c.broken = false
	c.abortReassembly()
	c.lastFlush = time.Time{}
}
