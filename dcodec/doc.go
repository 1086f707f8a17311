// Package dcodec contains the binary encoding used on the wire.
//
// All fixed-width values are little endian.
// Compact identifiers use the "packed varint" scheme
// (the SQLite4 variable-length integer encoding),
// which stores values up to 240 in a single byte
// and grows to at most 9 bytes for a full uint64.
//
// A message frame is laid out as:
//
//	[uint16 length][uint16 message type][payload...]
//
// where length counts every byte after the length field itself,
// that is, 2 + len(payload).
// A single receive buffer may contain many frames back to back;
// use [FrameParser] to iterate them.
package dcodec
