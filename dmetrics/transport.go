// Package dmetrics holds the counters shared by channels and connections.
//
// A [Transport] value is created by whoever owns a set of connections
// (typically a server, or a standalone client connection)
// and passed into the constructors of everything below it.
// There are no package-level counters:
// two servers in one process never alias each other's numbers.
package dmetrics

import "sync/atomic"

// Transport is the set of counters for one transport context.
// Counters may be read from any goroutine;
// they are written from the tick that owns the connections.
//
// Constructors that accept a *Transport allocate their own
// when given nil, so a nil value never reaches a counter.
type Transport struct {
	PacketsSent atomic.Int64
	BytesSent   atomic.Int64

	// Packets that could not be sent immediately
	// and were moved onto a reliable channel's pending queue.
	PacketsQueued atomic.Int64

	// Current number of packets sitting in pending queues.
	PendingPackets atomic.Int64

	// Times a reliable channel entered the broken state,
	// and sends rejected because of it.
	Overflows        atomic.Int64
	OverflowRejected atomic.Int64

	// Unreliable payloads dropped because the transport refused them.
	DroppedUnreliable atomic.Int64

	// Transport sends that failed with something other than backpressure.
	SendErrors atomic.Int64

	FragmentsSent      atomic.Int64
	FragmentsReceived  atomic.Int64
	FragmentsCompleted atomic.Int64

	FramesReceived   atomic.Int64
	FramesDispatched atomic.Int64
	MalformedFrames  atomic.Int64
	UnhandledFrames  atomic.Int64
	RelayedFrames    atomic.Int64

	// Packet buffers served from and returned to free lists.
	PoolHits   atomic.Int64
	PoolMisses atomic.Int64
}

// Snapshot is a point-in-time copy of a [Transport].
type Snapshot struct {
	PacketsSent, BytesSent int64

	PacketsQueued, PendingPackets int64

	Overflows, OverflowRejected int64

	DroppedUnreliable, SendErrors int64

	FragmentsSent, FragmentsReceived, FragmentsCompleted int64

	FramesReceived, FramesDispatched int64
	MalformedFrames, UnhandledFrames int64
	RelayedFrames                    int64

	PoolHits, PoolMisses int64
}

// Snapshot copies the current counter values.
func (t *Transport) Snapshot() Snapshot {
	return Snapshot{
		PacketsSent: t.PacketsSent.Load(),
		BytesSent:   t.BytesSent.Load(),

		PacketsQueued:  t.PacketsQueued.Load(),
		PendingPackets: t.PendingPackets.Load(),

		Overflows:        t.Overflows.Load(),
		OverflowRejected: t.OverflowRejected.Load(),

		DroppedUnreliable: t.DroppedUnreliable.Load(),
		SendErrors:        t.SendErrors.Load(),

		FragmentsSent:      t.FragmentsSent.Load(),
		FragmentsReceived:  t.FragmentsReceived.Load(),
		FragmentsCompleted: t.FragmentsCompleted.Load(),

		FramesReceived:   t.FramesReceived.Load(),
		FramesDispatched: t.FramesDispatched.Load(),
		MalformedFrames:  t.MalformedFrames.Load(),
		UnhandledFrames:  t.UnhandledFrames.Load(),
		RelayedFrames:    t.RelayedFrames.Load(),

		PoolHits:   t.PoolHits.Load(),
		PoolMisses: t.PoolMisses.Load(),
	}
}

// PacketSent records one packet of n bytes handed to the transport.
func (t *Transport) PacketSent(n int) {
	t.PacketsSent.Add(1)
	t.BytesSent.Add(int64(n))
}

// Queued records a packet entering a pending queue.
func (t *Transport) Queued() {
	t.PacketsQueued.Add(1)
	t.PendingPackets.Add(1)
}

// Dequeued records n packets leaving pending queues,
// whether they were sent or discarded.
func (t *Transport) Dequeued(n int) {
	t.PendingPackets.Add(-int64(n))
}
