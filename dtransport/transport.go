// Package dtransport defines the contract between the drift core
// and the unreliable datagram substrate underneath it.
//
// The core never blocks on the substrate.
// Sends either succeed, fail, or report backpressure with [ErrNoResources];
// inbound traffic and connection lifecycle changes are polled
// with [Transport.PollEvent] from the owner's tick.
package dtransport

import (
	"net/netip"
)

// HostID identifies a host (a local endpoint) within a [Transport].
type HostID int

// PeerID identifies a connection on a host.
// IDs are small, non-negative integers assigned by the transport,
// which lets the server index its connection table by PeerID directly.
type PeerID int

// Transport is the substrate the core drives.
//
// Implementations must be safe to call from a single tick goroutine
// while their own background goroutines (if any) produce events.
type Transport interface {
	// AddHost opens a local endpoint.
	AddHost(HostConfig) (HostID, error)

	// RemoveHost closes the endpoint and all of its peers.
	// No further events are produced for the host.
	RemoveHost(HostID) error

	// Connect begins connecting from host to addr.
	// It returns immediately;
	// the outcome is reported later through a Connect event
	// (or a Disconnect event carrying a non-zero error code).
	Connect(host HostID, addr netip.AddrPort) (PeerID, error)

	// Disconnect closes the peer.
	// A Disconnect event is produced on both ends.
	Disconnect(host HostID, peer PeerID) error

	// Send transmits b on the given channel.
	// Send does not retain b after returning.
	//
	// A full send queue is reported with an error matching [ErrNoResources],
	// which callers treat as backpressure rather than failure.
	Send(host HostID, peer PeerID, channel uint8, b []byte) error

	// PollEvent returns the next pending event for host,
	// or an event of type [EventNothing] when none is pending.
	PollEvent(host HostID) Event

	// PeerAddr reports the remote address of a peer.
	PeerAddr(host HostID, peer PeerID) (netip.AddrPort, error)
}

// HostConfig is the configuration passed to [Transport.AddHost].
type HostConfig struct {
	// The port to listen on.
	// Zero means the host only makes outgoing connections
	// (or listens on an ephemeral port, depending on the implementation).
	Port uint16

	// The channel topology.
	// Both ends of a connection must agree on it.
	Channels []QoS

	// Maximum simultaneous peers on the host; zero means no limit.
	MaxConnections int
}

// EventType is the kind of an [Event].
type EventType uint8

const (
	EventNothing EventType = iota
	EventConnect
	EventData
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventNothing:
		return "Nothing"
	case EventConnect:
		return "Connect"
	case EventData:
		return "Data"
	case EventDisconnect:
		return "Disconnect"
	default:
		return "EventType(" + itoa(int(t)) + ")"
	}
}

// Event is a single occurrence polled from a host.
type Event struct {
	Type EventType

	Peer    PeerID
	Channel uint8

	// Received bytes for a Data event.
	// Ownership passes to the caller.
	Data []byte

	// Zero for successful events.
	// Connect events with a non-zero code mean the connect failed.
	Err ErrorCode
}
