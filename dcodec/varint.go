package dcodec

import "encoding/binary"

// PackedUintSize reports how many bytes v occupies as a packed varint.
func PackedUintSize(v uint64) int {
	switch {
	case v <= 240:
		return 1
	case v <= 2287:
		return 2
	case v <= 67823:
		return 3
	case v <= 0xFF_FFFF:
		return 4
	case v <= 0xFFFF_FFFF:
		return 5
	case v <= 0xFF_FFFF_FFFF:
		return 6
	case v <= 0xFFFF_FFFF_FFFF:
		return 7
	case v <= 0xFF_FFFF_FFFF_FFFF:
		return 8
	default:
		return 9
	}
}

// AppendPackedUint appends the packed varint encoding of v to dst.
func AppendPackedUint(dst []byte, v uint64) []byte {
	switch {
	case v <= 240:
		return append(dst, byte(v))
	case v <= 2287:
		v -= 240
		return append(dst, byte(v/256+241), byte(v%256))
	case v <= 67823:
		v -= 2288
		return append(dst, 249, byte(v/256), byte(v%256))
	}

	// The remaining classes are a marker byte
	// followed by the value in big endian,
	// using the fewest bytes that hold it.
	n := PackedUintSize(v) - 1
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], v)
	dst = append(dst, byte(250+n-3))
	return append(dst, tail[8-n:]...)
}

// ConsumePackedUint decodes a packed varint from the start of b.
// It returns the value and the number of bytes consumed.
// If b is too short, n is zero.
func ConsumePackedUint(b []byte) (v uint64, n int) {
	if len(b) == 0 {
		return 0, 0
	}

	a0 := b[0]
	switch {
	case a0 <= 240:
		return uint64(a0), 1
	case a0 <= 248:
		if len(b) < 2 {
			return 0, 0
		}
		return 240 + 256*uint64(a0-241) + uint64(b[1]), 2
	case a0 == 249:
		if len(b) < 3 {
			return 0, 0
		}
		return 2288 + 256*uint64(b[1]) + uint64(b[2]), 3
	}

	// 250 means 3 tail bytes, up through 255 meaning 8.
	tailLen := int(a0-250) + 3
	if len(b) < 1+tailLen {
		return 0, 0
	}
	for _, c := range b[1 : 1+tailLen] {
		v = v<<8 | uint64(c)
	}
	return v, 1 + tailLen
}
