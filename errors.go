package drift

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidChannel is returned when sending on a channel index
	// outside the connection's topology.
	ErrInvalidChannel = errors.New("drift: invalid channel")

	// ErrNotInitialized is returned when sending on a connection
	// whose channels have not been created yet.
	ErrNotInitialized = errors.New("drift: connection not initialized")

	// ErrNotConnected is returned when sending on a connection
	// that is not in [StateConnected].
	ErrNotConnected = errors.New("drift: not connected")

	// ErrAlreadyConnecting is returned from [*Connection.Connect]
	// when a connection attempt is in progress or established.
	ErrAlreadyConnecting = errors.New("drift: connection already in progress")

	// ErrUnknownConnection is returned by [Server] methods
	// given a connection ID with no live connection.
	ErrUnknownConnection = errors.New("drift: unknown connection")

	// ErrNotListening is returned by [Server] operations
	// that need the server's transport host.
	ErrNotListening = errors.New("drift: server not listening")

	// ErrDNSFailed and ErrConnectFailed classify a [ConnectError].
	ErrDNSFailed     = errors.New("drift: name resolution failed")
	ErrConnectFailed = errors.New("drift: transport connect failed")
)

// ConnectStage identifies where a connection attempt failed.
type ConnectStage uint8

const (
	StageResolve ConnectStage = iota
	StageTransport
)

func (s ConnectStage) String() string {
	switch s {
	case StageResolve:
		return "resolve"
	case StageTransport:
		return "transport"
	default:
		return fmt.Sprintf("ConnectStage(%d)", uint8(s))
	}
}

// ConnectError is reported through the OnError callback
// and the state change stream when a connection attempt fails.
//
// It matches [ErrDNSFailed] or [ErrConnectFailed] with errors.Is,
// depending on Stage, as well as the underlying error.
type ConnectError struct {
	Stage ConnectStage

	// The host name or address given to Connect.
	Host string

	Err error
}

func (e ConnectError) Error() string {
	return fmt.Sprintf("drift: connecting to %s failed during %s: %v", e.Host, e.Stage, e.Err)
}

func (e ConnectError) Unwrap() []error {
	if e.Stage == StageResolve {
		return []error{ErrDNSFailed, e.Err}
	}
	return []error{ErrConnectFailed, e.Err}
}
