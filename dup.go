package duskv

import "sort"

// idWidth returns the fixed byte width of the integer IDs packed into a
// duplicate-values slot under dup mode dm, or 0 if dup mode is off.
func (dm dupMode) idWidth() int {
	switch dm {
	case dupModeUint32:
		return 4
	case dupModeUint64:
		return 8
	default:
		return 0
	}
}

// encodeDupSet packs a sorted, deduplicated set of fixed-width ids as
// [count:u4][id_0][id_1]...
func encodeDupSet(dm dupMode, ids []uint64) []byte {
	w := dm.idWidth()
	buf := make([]byte, 4+len(ids)*w)
	putUint32(buf[:4], uint32(len(ids)))
	for i, id := range ids {
		off := 4 + i*w
		if w == 4 {
			putUint32(buf[off:off+4], uint32(id))
		} else {
			putUint64(buf[off:off+8], id)
		}
	}
	return buf
}

func decodeDupSet(dm dupMode, val []byte) []uint64 {
	if len(val) < 4 {
		return nil
	}
	w := dm.idWidth()
	n := int(getUint32(val[:4]))
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		off := 4 + i*w
		if off+w > len(val) {
			break
		}
		if w == 4 {
			ids = append(ids, uint64(getUint32(val[off:off+4])))
		} else {
			ids = append(ids, getUint64(val[off:off+8]))
		}
	}
	return ids
}

func dupIdFromBytes(dm dupMode, b []byte) (uint64, error) {
	w := dm.idWidth()
	if len(b) != w {
		return 0, ErrDupValueSize
	}
	if w == 4 {
		return uint64(getUint32BE(b)), nil
	}
	return getUint64BE(b), nil
}

// dupAdd inserts id into the sorted set stored at val, returning the
// re-encoded set and whether id was newly added (false if already
// present, matching the engine's dedup-on-insert contract).
func dupAdd(dm dupMode, val []byte, id uint64) ([]byte, bool) {
	ids := decodeDupSet(dm, val)
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return val, false
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return encodeDupSet(dm, ids), true
}

// dupRemove deletes id from the sorted set stored at val via binary
// search, returning the re-encoded set and whether id was present.
func dupRemove(dm dupMode, val []byte, id uint64) ([]byte, bool) {
	ids := decodeDupSet(dm, val)
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i >= len(ids) || ids[i] != id {
		return val, false
	}
	ids = append(ids[:i], ids[i+1:]...)
	return encodeDupSet(dm, ids), true
}

func dupNum(dm dupMode, val []byte) int {
	return len(decodeDupSet(dm, val))
}

func dupContains(dm dupMode, val []byte, id uint64) bool {
	ids := decodeDupSet(dm, val)
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	return i < len(ids) && ids[i] == id
}

// dupIter calls fn for every id in the set in ascending order, stopping
// early if fn returns false.
func dupIter(dm dupMode, val []byte, fn func(id uint64) bool) {
	for _, id := range decodeDupSet(dm, val) {
		if !fn(id) {
			return
		}
	}
}
