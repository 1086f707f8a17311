package dquic

import (
	"context"
	"errors"

	"github.com/gordian-engine/drift/dtransport"
	"github.com/quic-go/quic-go"
)

// closeCode maps the reason a connection closed
// to the code reported in its Disconnect event.
func closeCode(err error) dtransport.ErrorCode {
	if err == nil {
		return dtransport.ErrorCodeOK
	}

	var idle *quic.IdleTimeoutError
	var hs *quic.HandshakeTimeoutError
	if errors.As(err, &idle) || errors.As(err, &hs) || errors.Is(err, context.DeadlineExceeded) {
		return dtransport.ErrorCodeTimeout
	}

	var app *quic.ApplicationError
	if errors.As(err, &app) {
		if app.ErrorCode < 256 {
			return dtransport.ErrorCode(app.ErrorCode)
		}
		return dtransport.ErrorCodeBadMessage
	}

	var ver *quic.VersionNegotiationError
	if errors.As(err, &ver) {
		return dtransport.ErrorCodeVersionMismatch
	}

	if errors.Is(err, context.Canceled) {
		return dtransport.ErrorCodeOK
	}
	return dtransport.ErrorCodeBadMessage
}

// dialCode maps a dial failure to the code reported in its Disconnect event.
func dialCode(err error) dtransport.ErrorCode {
	switch code := closeCode(err); code {
	case dtransport.ErrorCodeTimeout, dtransport.ErrorCodeVersionMismatch:
		return code
	default:
		return dtransport.ErrorCodeRefused
	}
}
