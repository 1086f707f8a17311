package dquic

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gordian-engine/drift/dtransport"
	"github.com/quic-go/quic-go"
)

// StreamErrorCode is used for
// [ReceiveStream.CancelRead] and [SendStream.CancelWrite],
// to inform the peer of why the stream is canceled.
type StreamErrorCode uint64

// Reading side rejected the stream's channel header or a message length.
const StreamErrorBadMessage = StreamErrorCode(dtransport.ErrorCodeBadMessage)

// ReceiveStream is the read side of a unidirectional stream.
type ReceiveStream interface {
	Read([]byte) (int, error)
	CancelRead(StreamErrorCode)
}

// WrapReceiveStream wraps s into a ReceiveStreamAdapter,
// satisfying the [ReceiveStream] interface.
func WrapReceiveStream(s quic.ReceiveStream) ReceiveStreamAdapter {
	return ReceiveStreamAdapter{s: s}
}

// ReceiveStreamAdapter wraps a [quic.ReceiveStream]
// to satisfy the [ReceiveStream] interface.
// Use [WrapReceiveStream] to create an instance.
type ReceiveStreamAdapter struct {
	s quic.ReceiveStream
}

func (a ReceiveStreamAdapter) Read(p []byte) (int, error) {
	return a.s.Read(p)
}

func (a ReceiveStreamAdapter) CancelRead(code StreamErrorCode) {
	checkStreamCode(code)
	a.s.CancelRead(quic.StreamErrorCode(code))
}

// SendStream is the write side of a unidirectional stream.
type SendStream interface {
	Write([]byte) (int, error)
	CancelWrite(StreamErrorCode)

	Close() error
}

// WrapSendStream wraps s into a SendStreamAdapter,
// satisfying the [SendStream] interface.
func WrapSendStream(s quic.SendStream) SendStreamAdapter {
	return SendStreamAdapter{s: s}
}

// SendStreamAdapter wraps a [quic.SendStream]
// to satisfy the [SendStream] interface.
// Use [WrapSendStream] to create an instance.
type SendStreamAdapter struct {
	s quic.SendStream
}

func (a SendStreamAdapter) Write(p []byte) (int, error) {
	return a.s.Write(p)
}

func (a SendStreamAdapter) CancelWrite(code StreamErrorCode) {
	checkStreamCode(code)
	a.s.CancelWrite(quic.StreamErrorCode(code))
}

func (a SendStreamAdapter) Close() error {
	return a.s.Close()
}

func checkStreamCode(code StreamErrorCode) {
	if (code >> 62) > 0 {
		panic(fmt.Errorf(
			"BUG: stream error code must fit in 62 bits (got 0x%x)", code,
		))
	}
}

// A reliable channel travels on one unidirectional stream:
//
//	[channel u8] ([len u32 LE][message])*

var errMessageTooLong = errors.New("stream message too long")

// channelWriter writes the messages of one reliable channel.
type channelWriter struct {
	s   SendStream
	buf []byte
}

// openChannelStream opens a stream and writes its channel header.
func openChannelStream(ctx context.Context, c Conn, ch uint8) (*channelWriter, error) {
	s, err := c.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if _, err := s.Write([]byte{ch}); err != nil {
		return nil, fmt.Errorf("failed to write stream header: %w", err)
	}
	return &channelWriter{s: s}, nil
}

func (w *channelWriter) writeMessage(data []byte) error {
	w.buf = binary.LittleEndian.AppendUint32(w.buf[:0], uint32(len(data)))
	w.buf = append(w.buf, data...)
	_, err := w.s.Write(w.buf)
	return err
}

// channelReader reads the messages of one reliable channel.
type channelReader struct {
	s   ReceiveStream
	r   *bufio.Reader
	hdr [4]byte
}

func newChannelReader(s ReceiveStream) *channelReader {
	return &channelReader{s: s, r: bufio.NewReader(s)}
}

func (r *channelReader) readChannel() (uint8, error) {
	return r.r.ReadByte()
}

// readMessage returns a fresh slice holding the next message.
// Messages longer than [MaxStreamMessage] fail with errMessageTooLong.
func (r *channelReader) readMessage() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(r.hdr[:])
	if n > MaxStreamMessage {
		return nil, errMessageTooLong
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, err
	}
	return data, nil
}
