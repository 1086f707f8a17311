package dcodec

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/go-gl/mathgl/mgl64"
)

// Reader decodes values from a byte slice.
//
// Errors are sticky: after the first failure,
// every subsequent read returns a zero value
// and [*Reader.Err] reports the first error.
// This lets message decoders read every field
// and check for an error once at the end.
type Reader struct {
	b   []byte
	pos int
	err error
}

// NewReader returns a Reader over b.
// The Reader does not copy b.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Reset points r at a new buffer and clears any error.
func (r *Reader) Reset(b []byte) {
	r.b = b
	r.pos = 0
	r.err = nil
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error { return r.err }

// Pos returns the number of bytes consumed.
func (r *Reader) Pos() int { return r.pos }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.b) - r.pos }

// Rest returns the unread bytes without consuming them.
func (r *Reader) Rest() []byte { return r.b[r.pos:] }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// take returns the next n bytes, or nil if r has failed or is short.
func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Len() < n {
		r.fail(fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, r.pos, r.Len(), ErrShortBuffer))
		return nil
	}
	b := r.b[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadInt8() int8 { return int8(r.ReadUint8()) }

func (r *Reader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) ReadInt16() int16 { return int16(r.ReadUint16()) }

func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadInt32() int32 { return int32(r.ReadUint32()) }

func (r *Reader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) ReadInt64() int64 { return int64(r.ReadUint64()) }

func (r *Reader) ReadFloat32() float32 { return math.Float32frombits(r.ReadUint32()) }
func (r *Reader) ReadFloat64() float64 { return math.Float64frombits(r.ReadUint64()) }

func (r *Reader) ReadBool() bool { return r.ReadUint8() != 0 }

// ReadPackedUint64 reads a packed varint.
func (r *Reader) ReadPackedUint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := ConsumePackedUint(r.b[r.pos:])
	if n == 0 {
		r.fail(fmt.Errorf("packed varint at offset %d: %w", r.pos, ErrShortBuffer))
		return 0
	}
	r.pos += n
	return v
}

// ReadPackedUint32 reads a packed varint
// and fails with [ErrVarintOverflow] if it does not fit in 32 bits.
func (r *Reader) ReadPackedUint32() uint32 {
	start := r.pos
	v := r.ReadPackedUint64()
	if v > math.MaxUint32 {
		r.fail(fmt.Errorf("packed varint at offset %d is %d: %w", start, v, ErrVarintOverflow))
		return 0
	}
	return uint32(v)
}

// ReadBytes reads exactly n bytes.
// The returned slice aliases the underlying buffer.
func (r *Reader) ReadBytes(n int) []byte { return r.take(n) }

// ReadBytesAndSize reads a uint16 size prefix and that many bytes.
// The returned slice aliases the underlying buffer.
func (r *Reader) ReadBytesAndSize() []byte {
	n := r.ReadUint16()
	if r.err != nil {
		return nil
	}
	return r.take(int(n))
}

// ReadString reads a string written by [*Writer.WriteString].
func (r *Reader) ReadString() string {
	n := int(r.ReadUint16())
	if r.err != nil {
		return ""
	}
	if n > MaxStringSize {
		r.fail(fmt.Errorf("string of %d bytes (max %d): %w", n, MaxStringSize, ErrFrameTooLarge))
		return ""
	}
	b := r.take(n)
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail(ErrInvalidString)
		return ""
	}
	return string(b)
}

func (r *Reader) ReadVec2() mgl64.Vec2 {
	return mgl64.Vec2{float64(r.ReadFloat32()), float64(r.ReadFloat32())}
}

func (r *Reader) ReadVec3() mgl64.Vec3 {
	return mgl64.Vec3{
		float64(r.ReadFloat32()),
		float64(r.ReadFloat32()),
		float64(r.ReadFloat32()),
	}
}

func (r *Reader) ReadQuat() mgl64.Quat {
	x := float64(r.ReadFloat32())
	y := float64(r.ReadFloat32())
	z := float64(r.ReadFloat32())
	w := float64(r.ReadFloat32())
	return mgl64.Quat{W: w, V: mgl64.Vec3{x, y, z}}
}
