package duskv

import "github.com/bits-and-blooms/bitset"

// persistedBitmap is the FSM's on-disk allocation bitmap: bit i == 1 iff
// block i is allocated. The in-memory representation is a
// github.com/bits-and-blooms/bitset.BitSet (FlashLog's go.mod dependency,
// originally used there for a membership filter; here for the FSM's
// block-occupancy bitmap), kept in sync with the mmap'd bytes at bmoff by
// re-encoding the bitset's words on every mutation — the bitset library
// makes no guarantee about internal word layout surviving future
// versions, so duskv treats Bytes() as a snapshot to serialize rather
// than aliasing the mmap buffer directly.
type persistedBitmap struct {
	bs     *bitset.BitSet
	nbits  uint
	region []byte // the live mmap window backing this bitmap, bmlen bytes
}

func newPersistedBitmap(nbits uint) *persistedBitmap {
	return &persistedBitmap{bs: bitset.New(nbits), nbits: nbits}
}

// loadPersistedBitmap decodes a bitmap from its on-disk byte
// representation (nbits worth of bits, little-endian 64-bit words).
func loadPersistedBitmap(region []byte, nbits uint) *persistedBitmap {
	nwords := (nbits + 63) / 64
	words := make([]uint64, nwords)
	for i := range words {
		off := i * 8
		if off+8 <= len(region) {
			words[i] = getUint64(region[off : off+8])
		} else {
			// tail word only partially backed by the region; decode the
			// bytes that exist and leave the rest zero.
			var buf [8]byte
			copy(buf[:], region[off:])
			words[i] = getUint64(buf[:])
		}
	}
	return &persistedBitmap{bs: bitset.From(words), nbits: nbits, region: region}
}

func (pb *persistedBitmap) attach(region []byte) { pb.region = region }

// flush re-encodes the bitset's current words back into the mmap region.
func (pb *persistedBitmap) flush() {
	if pb.region == nil {
		return
	}
	words := pb.bs.Bytes()
	for i, w := range words {
		off := i * 8
		if off+8 <= len(pb.region) {
			putUint64(pb.region[off:off+8], w)
		}
	}
}

func (pb *persistedBitmap) test(i uint64) bool { return pb.bs.Test(uint(i)) }

func (pb *persistedBitmap) setRange(off, n uint64) {
	for i := uint64(0); i < n; i++ {
		pb.bs.Set(uint(off + i))
	}
	pb.flush()
}

func (pb *persistedBitmap) clearRange(off, n uint64) {
	for i := uint64(0); i < n; i++ {
		pb.bs.Clear(uint(off + i))
	}
	pb.flush()
}

// allBitsSet reports whether every bit in [off, off+n) is set.
func (pb *persistedBitmap) allBitsSet(off, n uint64) bool {
	for i := uint64(0); i < n; i++ {
		if !pb.bs.Test(uint(off + i)) {
			return false
		}
	}
	return true
}

// allBitsClear reports whether every bit in [off, off+n) is clear.
func (pb *persistedBitmap) allBitsClear(off, n uint64) bool {
	for i := uint64(0); i < n; i++ {
		if pb.bs.Test(uint(off + i)) {
			return false
		}
	}
	return true
}

// findNextSetBit scans forward from `from` (inclusive) for the next set
// bit, bounded by limit (exclusive). Returns (0, false) if none.
func (pb *persistedBitmap) findNextSetBit(from, limit uint64) (uint64, bool) {
	if from >= limit {
		return 0, false
	}
	pos, ok := pb.bs.NextSet(uint(from))
	if !ok || uint64(pos) >= limit {
		return 0, false
	}
	return uint64(pos), true
}

// findNextClearBit scans forward from `from` (inclusive) for the next
// clear bit, bounded by limit (exclusive).
func (pb *persistedBitmap) findNextClearBit(from, limit uint64) (uint64, bool) {
	if from >= limit {
		return 0, false
	}
	pos, ok := pb.bs.NextClear(uint(from))
	if !ok || uint64(pos) >= limit {
		return 0, false
	}
	return uint64(pos), true
}

// findPrevSetBit scans backward from `from` (inclusive) down to `floor`
// (inclusive) for the nearest set bit. Used by FSM.Deallocate to merge a
// freed run with its left neighbour, bounded by lfbkoff (the cached last
// free-block offset) to keep the scan bounded.
func (pb *persistedBitmap) findPrevSetBit(from, floor uint64) (uint64, bool) {
	if from < floor {
		return 0, false
	}
	for i := from; ; i-- {
		if pb.bs.Test(uint(i)) {
			return i, true
		}
		if i == floor {
			break
		}
	}
	return 0, false
}

// findPrevClearBit is the clear-bit analogue of findPrevSetBit.
func (pb *persistedBitmap) findPrevClearBit(from, floor uint64) (uint64, bool) {
	if from < floor {
		return 0, false
	}
	for i := from; ; i-- {
		if !pb.bs.Test(uint(i)) {
			return i, true
		}
		if i == floor {
			break
		}
	}
	return 0, false
}

// highestSetBit returns the index of the highest set bit in [0, limit),
// used by the tail-trim-on-close path to find the new file size.
func (pb *persistedBitmap) highestSetBit(limit uint64) (uint64, bool) {
	var found uint64
	var ok bool
	pos := uint(0)
	for {
		next, present := pb.bs.NextSet(pos)
		if !present || uint64(next) >= limit {
			break
		}
		found, ok = uint64(next), true
		pos = next + 1
	}
	return found, ok
}

func (pb *persistedBitmap) grow(newNBits uint) {
	pb.bs.Set(newNBits - 1)
	pb.bs.Clear(newNBits - 1)
	pb.nbits = newNBits
}
