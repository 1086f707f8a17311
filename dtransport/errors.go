package dtransport

import "strconv"

// ErrorCode is the opaque status a transport attaches to events and sends.
// The core only interprets [ErrorCodeOK], [ErrorCodeNoResources],
// and [ErrorCodeTimeout]; every other code is logged and surfaced as-is.
//
// ErrorCode implements error so that it can be returned directly
// and matched with errors.Is.
type ErrorCode uint8

const (
	ErrorCodeOK ErrorCode = iota
	ErrorCodeWrongHost
	ErrorCodeWrongConnection
	ErrorCodeWrongChannel
	ErrorCodeNoResources
	ErrorCodeBadMessage
	ErrorCodeTimeout
	ErrorCodeMessageTooLong
	ErrorCodeWrongOperation
	ErrorCodeVersionMismatch
	ErrorCodeDNSFailure
	ErrorCodeRefused
)

// ErrNoResources is the backpressure signal from [Transport.Send].
var ErrNoResources error = ErrorCodeNoResources

func (c ErrorCode) Error() string {
	return "transport: " + c.String()
}

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeOK:
		return "ok"
	case ErrorCodeWrongHost:
		return "wrong host"
	case ErrorCodeWrongConnection:
		return "wrong connection"
	case ErrorCodeWrongChannel:
		return "wrong channel"
	case ErrorCodeNoResources:
		return "no resources"
	case ErrorCodeBadMessage:
		return "bad message"
	case ErrorCodeTimeout:
		return "timeout"
	case ErrorCodeMessageTooLong:
		return "message too long"
	case ErrorCodeWrongOperation:
		return "wrong operation"
	case ErrorCodeVersionMismatch:
		return "version mismatch"
	case ErrorCodeDNSFailure:
		return "dns failure"
	case ErrorCodeRefused:
		return "refused"
	default:
		return "error code " + itoa(int(c))
	}
}

func itoa(i int) string { return strconv.Itoa(i) }
