package dcodec

import (
	"encoding/binary"
	"math"
)

const (
	// FrameHeaderSize is the size of the length and message type fields.
	FrameHeaderSize = 4

	// MaxFramePayload is the largest payload whose frame length
	// (2 + payload) still fits the uint16 length field.
	MaxFramePayload = math.MaxUint16 - 2
)

// Frame is a single decoded message frame.
// Payload and Raw alias the receive buffer the frame was parsed from.
type Frame struct {
	Type uint16

	Payload []byte

	// The complete frame including its header,
	// which relays forward verbatim.
	Raw []byte
}

// ParseFrame decodes the frame at the start of b
// and returns it along with the bytes following it.
//
// If the header declares more bytes than b holds,
// or declares a length too short to contain the message type,
// the returned error is a [FrameError].
func ParseFrame(b []byte) (Frame, []byte, error) {
	return parseFrameAt(b, 0)
}

func parseFrameAt(b []byte, offset int) (Frame, []byte, error) {
	if len(b) < 2 {
		return Frame{}, nil, FrameError{Offset: offset, Declared: -1, Remaining: len(b)}
	}

	declared := int(binary.LittleEndian.Uint16(b))
	remaining := len(b) - 2
	if declared < 2 || declared > remaining {
		return Frame{}, nil, FrameError{Offset: offset, Declared: declared, Remaining: remaining}
	}

	end := 2 + declared
	return Frame{
		Type:    binary.LittleEndian.Uint16(b[2:4]),
		Payload: b[4:end],
		Raw:     b[:end],
	}, b[end:], nil
}

// FrameParser iterates the frames packed into a receive buffer.
//
//	p := dcodec.NewFrameParser(buf)
//	for f, ok := p.Next(); ok; f, ok = p.Next() {
//		// handle f
//	}
//	if err := p.Err(); err != nil {
//		// the rest of buf was discarded
//	}
//
// After a malformed frame, the length of the following frame is unknown,
// so the parser cannot resynchronize within the same buffer:
// Next returns false and the remaining bytes are left unread.
type FrameParser struct {
	b   []byte
	off int
	err error
}

// NewFrameParser returns a parser over b.
func NewFrameParser(b []byte) *FrameParser {
	return &FrameParser{b: b}
}

// Next returns the next frame, or false when the buffer
// is exhausted or a malformed frame was found.
func (p *FrameParser) Next() (Frame, bool) {
	if p.err != nil || p.off >= len(p.b) {
		return Frame{}, false
	}

	f, _, err := parseFrameAt(p.b[p.off:], p.off)
	if err != nil {
		p.err = err
		return Frame{}, false
	}
	p.off += len(f.Raw)
	return f, true
}

// Err returns the malformed-frame error that stopped iteration, if any.
func (p *FrameParser) Err() error { return p.err }

// Discarded reports how many trailing bytes were skipped
// because of a malformed frame.
func (p *FrameParser) Discarded() int {
	if p.err == nil {
		return 0
	}
	return len(p.b) - p.off
}

// MessageHeaderSize is the size of the message type field
// at the start of an unframed message.
const MessageHeaderSize = 2

// AppendMessage appends an unframed message to dst:
// the message type followed directly by payload, with no length field.
//
// Unframed messages travel inside containers that already delimit them,
// such as a fragment stream or a compressed block,
// so they are not limited by the frame length field.
func AppendMessage(dst []byte, msgType uint16, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, msgType)
	return append(dst, payload...)
}

// ParseMessage decodes an unframed message written by [AppendMessage].
// The returned Frame's Raw field is b.
func ParseMessage(b []byte) (Frame, error) {
	if len(b) < MessageHeaderSize {
		return Frame{}, FrameError{Offset: 0, Declared: -1, Remaining: len(b)}
	}
	return Frame{
		Type:    binary.LittleEndian.Uint16(b),
		Payload: b[MessageHeaderSize:],
		Raw:     b,
	}, nil
}

// Unframe returns the unframed form of a complete frame,
// which is the frame without its length field.
func Unframe(raw []byte) []byte {
	return raw[2:]
}
