package duskv

import "encoding/binary"

// Fixed-width little-endian helpers, in the serializeUintNN/
// deserializeUintNN shape used throughout the codebase, collected into a
// single file shared by the header, FSM metadata, KVBLK, SBLK and DB
// record codecs.

func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }

func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getUint64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }

func putUint16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func getUint16(b []byte) uint16    { return binary.LittleEndian.Uint16(b) }

// putUint32BE/getUint32BE and the 64-bit equivalents serialize numeric
// keys big-endian, so that byte-lexicographic comparison of the encoded
// key matches numeric order.
func putUint32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getUint32BE(b []byte) uint32    { return binary.BigEndian.Uint32(b) }

func putUint64BE(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
func getUint64BE(b []byte) uint64    { return binary.BigEndian.Uint64(b) }

// varint encodes/decodes the KVBLK slot index (off, len) pairs. A LEB128
// varint of up to 5 bytes covers offsets/lengths within one KVBLK (which
// is capped well under 2^32).
func varintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func putVarint(b []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		b[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	b[i] = byte(v)
	return i + 1
}

func getVarint(b []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, c := range b {
		if c < 0x80 {
			v |= uint64(c) << shift
			return v, i + 1
		}
		v |= uint64(c&0x7f) << shift
		shift += 7
	}
	return 0, 0
}

// fixedVarintWidth is the encoded width of the slot-table varints below:
// 5 groups of 7 bits cover offsets/lengths up to 2^35, comfortably above
// any block addressable with a 20-bit block power.
const fixedVarintWidth = 5

// putVarintFixed encodes v as exactly fixedVarintWidth bytes, so that a
// slot table entry occupies a deterministic byte range regardless of the
// magnitude of the value it holds (unlike a plain LEB128 varint, whose
// width changes with the value and would force the whole table to shift
// on every resize).
func putVarintFixed(b []byte, v uint64) {
	for i := 0; i < fixedVarintWidth; i++ {
		c := byte(v & 0x7f)
		v >>= 7
		if i < fixedVarintWidth-1 {
			c |= 0x80
		}
		b[i] = c
	}
}

func getVarintFixed(b []byte) uint64 {
	var v uint64
	var shift uint
	for i := 0; i < fixedVarintWidth; i++ {
		v |= uint64(b[i]&0x7f) << shift
		shift += 7
	}
	return v
}
