package dcodec

import (
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer is the sticky error on a [Reader]
	// that was asked for more bytes than it had remaining.
	ErrShortBuffer = errors.New("dcodec: short buffer")

	// ErrTruncatedFrame indicates a frame header declared
	// more bytes than were available in the receive buffer,
	// or declared a length too short to hold the message type.
	ErrTruncatedFrame = errors.New("dcodec: truncated frame")

	// ErrFrameTooLarge indicates a frame, string, or blob
	// exceeded the size its length prefix can describe
	// or the configured maximum for that field.
	ErrFrameTooLarge = errors.New("dcodec: frame too large")

	// ErrVarintOverflow indicates a packed varint that
	// does not fit the requested integer width.
	ErrVarintOverflow = errors.New("dcodec: packed varint overflow")

	// ErrInvalidString indicates a string field that was not valid UTF-8.
	ErrInvalidString = errors.New("dcodec: invalid utf-8 string")

	// ErrFrameOpen is returned from [*Writer.BeginFrame]
	// when a previous frame has not been finished.
	ErrFrameOpen = errors.New("dcodec: frame already open")

	// ErrNoFrame is returned from [*Writer.FinishFrame]
	// when no frame was begun.
	ErrNoFrame = errors.New("dcodec: no open frame")
)

// FrameError describes a malformed frame found while parsing a receive buffer.
// It unwraps to [ErrTruncatedFrame].
type FrameError struct {
	// Byte offset of the frame's length field within the receive buffer.
	Offset int

	// The length declared in the frame header.
	Declared int

	// How many bytes followed the length field.
	Remaining int
}

func (e FrameError) Error() string {
	return fmt.Sprintf(
		"dcodec: truncated frame at offset %d: declared %d bytes, %d remaining",
		e.Offset, e.Declared, e.Remaining,
	)
}

func (e FrameError) Unwrap() error {
	return ErrTruncatedFrame
}
