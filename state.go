package drift

import "fmt"

// ConnectionState is the lifecycle state of a [Connection].
//
// A client connection moves through
// None, Resolving, Resolved, Connecting, and Connected,
// and ends in Disconnected.
// A failed attempt passes through Failed on its way to Disconnected.
// Connections accepted by a [Server] start in Connected.
type ConnectionState uint8

const (
	StateNone ConnectionState = iota
	StateResolving
	StateResolved
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateResolving:
		return "Resolving"
	case StateResolved:
		return "Resolved"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", uint8(s))
	}
}

// StateChange is published on a connection's state stream
// for every transition.
type StateChange struct {
	From, To ConnectionState

	// Set when the transition was caused by an error,
	// such as a [ConnectError] or a transport error code.
	Err error
}
