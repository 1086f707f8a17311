package dcodec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// MaxStringSize is the largest encoded string, in bytes,
// that may be written or read.
const MaxStringSize = 32 * 1024

// MaxBlobSize is the largest blob that fits a uint16 size prefix.
const MaxBlobSize = math.MaxUint16

// Writer accumulates an encoded message.
//
// The zero value is ready to use.
// Writer is not safe for concurrent use.
type Writer struct {
	buf []byte

	// Offset of the length field of the open frame,
	// or -1 when no frame is open.
	frameStart int
	inFrame    bool
}

// NewWriter returns a Writer with capacity for sz bytes
// before it needs to grow.
func NewWriter(sz int) *Writer {
	return &Writer{buf: make([]byte, 0, sz)}
}

// Reset discards any written bytes and any open frame,
// retaining the underlying storage.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.inFrame = false
}

// Bytes returns the written bytes.
// The slice aliases w's storage and is only valid until the next write.
func (w *Writer) Bytes() []byte { return w.buf }

// Len reports how many bytes have been written.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) WriteUint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) WriteInt8(v int8)     { w.buf = append(w.buf, byte(v)) }
func (w *Writer) WriteUint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) WriteInt16(v int16)   { w.WriteUint16(uint16(v)) }
func (w *Writer) WriteUint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) WriteInt32(v int32)   { w.WriteUint32(uint32(v)) }
func (w *Writer) WriteUint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) WriteInt64(v int64)   { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }
func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

// WritePackedUint32 writes v as a packed varint.
func (w *Writer) WritePackedUint32(v uint32) { w.buf = AppendPackedUint(w.buf, uint64(v)) }

// WritePackedUint64 writes v as a packed varint.
func (w *Writer) WritePackedUint64(v uint64) { w.buf = AppendPackedUint(w.buf, v) }

// WriteBytes writes b with no size prefix.
func (w *Writer) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }

// WriteBytesAndSize writes a uint16 size prefix followed by b.
// A nil or empty b is written as size zero.
func (w *Writer) WriteBytesAndSize(b []byte) error {
	if len(b) > MaxBlobSize {
		return fmt.Errorf("cannot write blob of %d bytes: %w", len(b), ErrFrameTooLarge)
	}
	w.WriteUint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

// WriteString writes a uint16 byte-length prefix followed by the UTF-8 bytes of s.
func (w *Writer) WriteString(s string) error {
	if len(s) > MaxStringSize {
		return fmt.Errorf(
			"cannot write string of %d bytes (max %d): %w",
			len(s), MaxStringSize, ErrFrameTooLarge,
		)
	}
	w.WriteUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// The wire carries single precision vectors;
// values are widened back to float64 on read.

func (w *Writer) WriteVec2(v mgl64.Vec2) {
	w.WriteFloat32(float32(v[0]))
	w.WriteFloat32(float32(v[1]))
}

func (w *Writer) WriteVec3(v mgl64.Vec3) {
	w.WriteFloat32(float32(v[0]))
	w.WriteFloat32(float32(v[1]))
	w.WriteFloat32(float32(v[2]))
}

func (w *Writer) WriteQuat(q mgl64.Quat) {
	w.WriteFloat32(float32(q.V[0]))
	w.WriteFloat32(float32(q.V[1]))
	w.WriteFloat32(float32(q.V[2]))
	w.WriteFloat32(float32(q.W))
}

// BeginFrame starts a message frame of the given type.
// The length field is reserved and backpatched by [*Writer.FinishFrame].
func (w *Writer) BeginFrame(msgType uint16) error {
	if w.inFrame {
		return ErrFrameOpen
	}
	w.inFrame = true
	w.frameStart = len(w.buf)
	w.buf = append(w.buf, 0, 0)
	w.WriteUint16(msgType)
	return nil
}

// FinishFrame backpatches the length of the open frame.
func (w *Writer) FinishFrame() error {
	if !w.inFrame {
		return ErrNoFrame
	}
	w.inFrame = false

	n := len(w.buf) - w.frameStart - 2
	if n > math.MaxUint16 {
		// Roll back the whole frame so the writer stays usable.
		w.buf = w.buf[:w.frameStart]
		return fmt.Errorf("frame body of %d bytes: %w", n, ErrFrameTooLarge)
	}
	binary.LittleEndian.PutUint16(w.buf[w.frameStart:], uint16(n))
	return nil
}

// AppendFrame appends a complete frame holding payload to dst.
func AppendFrame(dst []byte, msgType uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return dst, fmt.Errorf(
			"payload of %d bytes exceeds frame maximum %d: %w",
			len(payload), MaxFramePayload, ErrFrameTooLarge,
		)
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)+2))
	dst = binary.LittleEndian.AppendUint16(dst, msgType)
	return append(dst, payload...), nil
}
