package duskv

import "bytes"

const (
	kvblkIdxNum    = 32
	kvblkSlotSz    = 2 * fixedVarintWidth
	kvblkIdxSz     = kvblkIdxNum * kvblkSlotSz
	kvblkHdrSz     = 1 + 2 // szpow, idxsz
	kvblkHeaderTot = kvblkHdrSz + kvblkIdxSz

	minSzPow = 9 // 512 B minimum KVBLK size
)

// kvSlot is one entry of a KVBLK's 32-entry slot index: off is measured
// from the end of the block (off==0 means the slot is free), len is the
// total byte length of the packed [keylen varint][key][value] payload.
type kvSlot struct {
	off uint64
	len uint64
}

// kvblk is a packed variable-length key/value block: up to 32 pairs
// stored in one FSM-allocated block with a fixed-position slot index at
// the head and pair payloads packed downward from the block's tail.
type kvblk struct {
	fsm  *FSM
	addr uint64 // byte offset of this block in the file
	szpow uint8
	slots [kvblkIdxNum]kvSlot
	zidx  int // lowest free persisted index, -1 if full
	maxoff uint64
}

func (kb *kvblk) blockSize() uint64 { return uint64(1) << kb.szpow }
func (kb *kvblk) capacity() uint64  { return kb.blockSize() - kvblkHeaderTot }

// createKvblk initializes a fresh, empty KVBLK at addr.
func createKvblk(fsm *FSM, addr uint64, szpow uint8) (*kvblk, error) {
	kb := &kvblk{fsm: fsm, addr: addr, szpow: szpow, zidx: 0}
	for i := range kb.slots {
		kb.slots[i] = kvSlot{}
	}
	if err := kb.flushHeader(); err != nil {
		return nil, err
	}
	return kb, nil
}

// atKvblk deserializes the header and slot table of the KVBLK at addr.
func atKvblk(fsm *FSM, addr uint64) (*kvblk, error) {
	m, release, err := fsm.AcquireData()
	if err != nil {
		return nil, err
	}
	defer release()

	if addr+kvblkHeaderTot > uint64(len(m.data)) {
		return nil, newErr("kvblk.at", ErrKindCorrupted, nil)
	}
	base := m.data[addr:]
	szpow := base[0]
	idxsz := getUint16(base[1:3])
	if int(idxsz) > kvblkIdxSz {
		return nil, newErr("kvblk.at", ErrKindCorrupted, nil)
	}

	kb := &kvblk{fsm: fsm, addr: addr, szpow: szpow, zidx: -1}
	tbl := base[kvblkHdrSz : kvblkHdrSz+kvblkIdxSz]
	for i := 0; i < kvblkIdxNum; i++ {
		off := getVarintFixed(tbl[i*kvblkSlotSz:])
		ln := getVarintFixed(tbl[i*kvblkSlotSz+fixedVarintWidth:])
		kb.slots[i] = kvSlot{off: off, len: ln}
		if off == 0 {
			if kb.zidx == -1 {
				kb.zidx = i
			}
		} else if off > kb.maxoff {
			kb.maxoff = off
		}
		if off > kb.blockSize() {
			return nil, newErr("kvblk.at", ErrKindCorrupted, nil)
		}
	}
	return kb, nil
}

func (kb *kvblk) flushHeader() error {
	m, release, err := kb.fsm.AcquireData()
	if err != nil {
		return err
	}
	defer release()

	if kb.addr+kvblkHeaderTot > uint64(len(m.data)) {
		return newErr("kvblk.flush", ErrKindOutOfBounds, nil)
	}
	base := m.data[kb.addr:]
	base[0] = kb.szpow
	putUint16(base[1:3], uint16(kvblkIdxSz))

	tbl := base[kvblkHdrSz : kvblkHdrSz+kvblkIdxSz]
	for i := 0; i < kvblkIdxNum; i++ {
		putVarintFixed(tbl[i*kvblkSlotSz:], kb.slots[i].off)
		putVarintFixed(tbl[i*kvblkSlotSz+fixedVarintWidth:], kb.slots[i].len)
	}
	return m.flush(int(kb.addr), int(kb.addr+kvblkHeaderTot))
}

// pairRange returns the file byte range [start, end) of the payload for
// persisted slot idx, for indexing into the data window.
func (kb *kvblk) pairRange(idx int) (start, end uint64) {
	s := kb.slots[idx]
	pairStart := kb.addr + kb.blockSize() - s.off
	return pairStart, pairStart + s.len
}

func splitPair(buf []byte) (key, val []byte) {
	kl, n := getVarint(buf)
	return buf[n : n+int(kl)], buf[n+int(kl):]
}

// PeekKey returns the raw key bytes for persisted slot idx, valid only
// while the returned release func has not been called.
func (kb *kvblk) PeekKey(idx int) ([]byte, func(), error) {
	if kb.slots[idx].off == 0 {
		return nil, nil, newErr("kvblk.peek_key", ErrKindOutOfBounds, nil)
	}
	m, release, err := kb.fsm.AcquireData()
	if err != nil {
		return nil, nil, err
	}
	start, end := kb.pairRange(idx)
	key, _ := splitPair(m.data[start:end])
	return key, release, nil
}

func (kb *kvblk) GetKey(idx int) ([]byte, error) {
	k, release, err := kb.PeekKey(idx)
	if err != nil {
		return nil, err
	}
	defer release()
	out := make([]byte, len(k))
	copy(out, k)
	return out, nil
}

func (kb *kvblk) GetVal(idx int) ([]byte, error) {
	if kb.slots[idx].off == 0 {
		return nil, newErr("kvblk.get_val", ErrKindOutOfBounds, nil)
	}
	m, release, err := kb.fsm.AcquireData()
	if err != nil {
		return nil, err
	}
	defer release()
	start, end := kb.pairRange(idx)
	_, val := splitPair(m.data[start:end])
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (kb *kvblk) GetKV(idx int) (key, val []byte, err error) {
	if kb.slots[idx].off == 0 {
		return nil, nil, newErr("kvblk.get_kv", ErrKindOutOfBounds, nil)
	}
	m, release, err := kb.fsm.AcquireData()
	if err != nil {
		return nil, nil, err
	}
	defer release()
	start, end := kb.pairRange(idx)
	k, v := splitPair(m.data[start:end])
	key = append([]byte(nil), k...)
	val = append([]byte(nil), v...)
	return key, val, nil
}

func pairSize(key, val []byte) uint64 {
	return uint64(varintSize(uint64(len(key))) + len(key) + len(val))
}

func (kb *kvblk) firstFreeSlot() int {
	for i := 0; i < kvblkIdxNum; i++ {
		if kb.slots[i].off == 0 {
			return i
		}
	}
	return -1
}

// Addkv inserts a new key/value pair, returning its persisted slot index.
// With all 32 slots in use it fails with ErrKvblockFull. If the pair
// region lacks room, compaction buys room by reclaiming fragmentation;
// if that isn't enough, the block is reallocated to the next power of
// two and the pair region is relocated.
func (kb *kvblk) Addkv(key, val []byte) (int, error) {
	if kb.zidx == -1 {
		return 0, ErrKvblockFull
	}
	need := pairSize(key, val)
	if need > kb.capacity() {
		return 0, ErrMaxKvSize
	}

	if kb.maxoff+need > kb.capacity() {
		if err := kb.compact(); err != nil {
			return 0, err
		}
	}
	if kb.maxoff+need > kb.capacity() {
		if err := kb.grow(); err != nil {
			return 0, err
		}
	}

	idx := kb.zidx
	if err := kb.writePairAt(idx, kb.maxoff+need, key, val); err != nil {
		return 0, err
	}
	kb.maxoff += need
	kb.zidx = kb.firstFreeSlot()
	if err := kb.flushHeader(); err != nil {
		return 0, err
	}
	return idx, nil
}

func (kb *kvblk) writePairAt(idx int, off uint64, key, val []byte) error {
	m, release, err := kb.fsm.AcquireData()
	if err != nil {
		return err
	}
	defer release()

	ln := pairSize(key, val)
	pairStart := kb.addr + kb.blockSize() - off
	buf := m.data[pairStart : pairStart+ln]
	n := putVarint(buf, uint64(len(key)))
	copy(buf[n:], key)
	copy(buf[n+len(key):], val)

	kb.slots[idx] = kvSlot{off: off, len: ln}
	return m.flush(int(pairStart), int(pairStart+ln))
}

// Updatekv overwrites the value (and optionally key) at persisted slot
// idx. In-place overwrite is used when the new pair is no larger than
// the old one; otherwise the slot is relocated via rmkv+addkv.
func (kb *kvblk) Updatekv(idx int, key, val []byte) error {
	if kb.slots[idx].off == 0 {
		return newErr("kvblk.updatekv", ErrKindOutOfBounds, nil)
	}
	old := kb.slots[idx]
	need := pairSize(key, val)

	if need <= old.len {
		if err := kb.writePairAt(idx, old.off, key, val); err != nil {
			return err
		}
		kb.slots[idx].len = need
		return kb.flushHeader()
	}

	if err := kb.Rmkv(idx); err != nil {
		return err
	}
	newIdx, err := kb.Addkv(key, val)
	if err != nil {
		return err
	}
	if newIdx != idx {
		kb.slots[idx], kb.slots[newIdx] = kb.slots[newIdx], kb.slots[idx]
		return kb.flushHeader()
	}
	return nil
}

// Rmkv frees persisted slot idx. When the block drops to at least half
// empty and shrinking by one power of two would still exceed the
// compacted data size, it is compacted and reallocated smaller.
func (kb *kvblk) Rmkv(idx int) error {
	if kb.slots[idx].off == 0 {
		return newErr("kvblk.rmkv", ErrKindOutOfBounds, nil)
	}
	removedOff := kb.slots[idx].off
	kb.slots[idx] = kvSlot{}
	if idx < kb.zidx || kb.zidx == -1 {
		kb.zidx = idx
	}

	if removedOff == kb.maxoff {
		kb.maxoff = kb.highestRemainingOff()
	}

	if err := kb.flushHeader(); err != nil {
		return err
	}

	return kb.maybeShrink()
}

func (kb *kvblk) highestRemainingOff() uint64 {
	var maxoff uint64
	for _, s := range kb.slots {
		if s.off > maxoff {
			maxoff = s.off
		}
	}
	return maxoff
}

func (kb *kvblk) usedSlots() int {
	n := 0
	for _, s := range kb.slots {
		if s.off != 0 {
			n++
		}
	}
	return n
}

func (kb *kvblk) compactedSize() uint64 {
	var sum uint64
	for _, s := range kb.slots {
		sum += s.len
	}
	return sum
}

// compact sorts the slot table by off ascending, walks in order
// assigning monotonically increasing compact offsets, and memmoves pairs
// into their new positions.
func (kb *kvblk) compact() error {
	type entry struct {
		idx int
		off uint64
		len uint64
	}
	var entries []entry
	for i, s := range kb.slots {
		if s.off != 0 {
			entries = append(entries, entry{idx: i, off: s.off, len: s.len})
		}
	}
	// non-allocating-in-spirit insertion sort; the slot table has at most
	// 32 entries so an O(n^2) sort is effectively free.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].off < entries[j-1].off; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	m, release, err := kb.fsm.AcquireData()
	if err != nil {
		return err
	}

	type move struct {
		newOff uint64
		oldOff uint64
		length uint64
	}
	var moves []move
	var compactOff uint64
	for _, e := range entries {
		compactOff += e.len
		moves = append(moves, move{newOff: compactOff, oldOff: e.off, length: e.len})
	}

	// apply from the lowest compact offset up so shrinking moves never
	// overlap a not-yet-relocated pair.
	for i, mv := range moves {
		oldStart := kb.addr + kb.blockSize() - mv.oldOff
		newStart := kb.addr + kb.blockSize() - mv.newOff
		if oldStart != newStart {
			copy(m.data[newStart:newStart+mv.length], m.data[oldStart:oldStart+mv.length])
		}
		kb.slots[entries[i].idx] = kvSlot{off: mv.newOff, len: mv.length}
	}
	release()

	kb.maxoff = compactOff
	kb.zidx = kb.firstFreeSlot()
	return kb.flushHeader()
}

// grow reallocates this block to the next power of two, relocating the
// pair region via memmove after the FSM hands back the new address.
func (kb *kvblk) grow() error {
	newPow := kb.szpow + 1
	return kb.reallocateTo(newPow)
}

func (kb *kvblk) maybeShrink() error {
	if kb.szpow <= minSzPow {
		return nil
	}
	if kb.usedSlots()*2 > kvblkIdxNum {
		return nil
	}
	if err := kb.compact(); err != nil {
		return err
	}
	shrunkCapacity := (uint64(1) << (kb.szpow - 1)) - kvblkHeaderTot
	if kb.compactedSize() > shrunkCapacity {
		return nil
	}
	return kb.reallocateTo(kb.szpow - 1)
}

// reallocateTo moves this KVBLK to a block of size 2^newPow, re-acquiring
// the data window immediately after the FSM reallocation completes and
// before the memmove, since the reallocation may have grown the mmap.
func (kb *kvblk) reallocateTo(newPow uint8) error {
	oldAddr, oldLen := kb.addr, kb.blockSize()
	newLen := uint64(1) << newPow

	newAddr, err := kb.fsm.Reallocate(oldAddr, oldLen, newLen)
	if err != nil {
		return err
	}

	m, release, err := kb.fsm.AcquireData()
	if err != nil {
		return err
	}
	defer release()

	// copy live pairs from their old tail-relative positions to the same
	// tail-relative positions in the new (larger or smaller) block.
	for _, s := range kb.slots {
		if s.off == 0 {
			continue
		}
		oldStart := oldAddr + oldLen - s.off
		newStart := newAddr + newLen - s.off
		copy(m.data[newStart:newStart+s.len], m.data[oldStart:oldStart+s.len])
	}

	kb.addr = newAddr
	kb.szpow = newPow
	return kb.flushHeader()
}

// containsKey reports whether persisted slot idx's key equals key.
func (kb *kvblk) containsKey(idx int, key []byte) (bool, error) {
	k, release, err := kb.PeekKey(idx)
	if err != nil {
		return false, err
	}
	defer release()
	return bytes.Equal(k, key), nil
}

func (kb *kvblk) deallocate() error {
	return kb.fsm.Deallocate(kb.addr, kb.blockSize())
}
