package duskv

import (
	"bytes"
	"math/bits"
	"math/rand"
)

const (
	sblkSize    = 256
	sblkPiNum   = 32
	sLevels     = 30
	maxLevel    = sLevels - 1
	sblkLkCap   = 64
	splitPivot  = 16

	flagFullLKey = 1 << 0
)

// sblk is one skip-list index node: a sorted permutation into exactly
// one KVBLK, plus forward pointers at every level it participates in.
type sblk struct {
	addr     uint64
	flags    uint8
	level    uint8
	lkl      uint8
	pnum     uint8
	p0       uint32 // level-0 back pointer, block-numbered
	kvblk    uint32 // KVBLK block number
	pi       [sblkPiNum]uint8
	n        [sLevels]uint32 // forward pointers, block-numbered
	lk       [sblkLkCap]byte
}

func (s *sblk) fullLKey() bool  { return s.flags&flagFullLKey != 0 }
func (s *sblk) setFullLKey(v bool) {
	if v {
		s.flags |= flagFullLKey
	} else {
		s.flags &^= flagFullLKey
	}
}

func blockNumToAddr(fsm *FSM, n uint32) uint64 {
	if n == 0 {
		return 0
	}
	return fsm.blockToByte(uint64(n))
}

func addrToBlockNum(fsm *FSM, addr uint64) uint32 {
	if addr == 0 {
		return 0
	}
	return uint32(fsm.byteToBlock(addr))
}

func serializeSblk(s *sblk, buf []byte) {
	buf[0] = s.flags
	buf[1] = s.level
	buf[2] = s.lkl
	buf[3] = s.pnum
	putUint32(buf[4:8], s.p0)
	putUint32(buf[8:12], s.kvblk)
	copy(buf[12:12+sblkPiNum], s.pi[:])
	base := 12 + sblkPiNum
	for i := 0; i < sLevels; i++ {
		putUint32(buf[base+i*4:base+i*4+4], s.n[i])
	}
	base += sLevels * 4
	copy(buf[base:base+sblkLkCap], s.lk[:])
}

func deserializeSblk(addr uint64, buf []byte) *sblk {
	s := &sblk{addr: addr}
	s.flags = buf[0]
	s.level = buf[1]
	s.lkl = buf[2]
	s.pnum = buf[3]
	s.p0 = getUint32(buf[4:8])
	s.kvblk = getUint32(buf[8:12])
	copy(s.pi[:], buf[12:12+sblkPiNum])
	base := 12 + sblkPiNum
	for i := 0; i < sLevels; i++ {
		s.n[i] = getUint32(buf[base+i*4 : base+i*4+4])
	}
	base += sLevels * 4
	copy(s.lk[:], buf[base:base+sblkLkCap])
	return s
}

func loadSblk(fsm *FSM, addr uint64) (*sblk, error) {
	m, release, err := fsm.AcquireData()
	if err != nil {
		return nil, err
	}
	defer release()
	if addr+sblkSize > uint64(len(m.data)) {
		return nil, newErr("sblk.load", ErrKindCorrupted, nil)
	}
	return deserializeSblk(addr, m.data[addr:addr+sblkSize]), nil
}

func (s *sblk) store(fsm *FSM) error {
	m, release, err := fsm.AcquireData()
	if err != nil {
		return err
	}
	defer release()
	if s.addr+sblkSize > uint64(len(m.data)) {
		return newErr("sblk.store", ErrKindOutOfBounds, nil)
	}
	buf := m.data[s.addr : s.addr+sblkSize]
	serializeSblk(s, buf)
	return m.flush(int(s.addr), int(s.addr+sblkSize))
}

// randomLevel draws the number of trailing 1-bits of a fresh random
// 32-bit value, clamped to maxLevel.
func randomLevel(rnd *rand.Rand) uint8 {
	v := rnd.Uint32()
	lvl := bits.TrailingZeros32(^v)
	if lvl > maxLevel {
		lvl = maxLevel
	}
	return uint8(lvl)
}

// nextLevel draws a connectivity-clamped level for a new node in db.
func (eng *Engine) nextLevel(db *DB) uint8 {
	eng.rndMu.Lock()
	lvl := randomLevel(eng.rnd)
	eng.rndMu.Unlock()
	return clampLevel(lvl, &db.lcnt)
}

// clampLevel re-clamps a drawn level so that level l > 0 is only used
// while level l-1 already has at least one node in this DB, keeping the
// skip list connected from the head down.
func clampLevel(lvl uint8, lcnt *[sLevels]uint32) uint8 {
	for lvl > 0 && lcnt[lvl-1] == 0 {
		lvl--
	}
	return lvl
}

// cmpKeys compares two already-encoded key byte strings. Byte-mode keys
// compare lexicographically; numeric-mode keys are pre-encoded
// big-endian by the caller, so lexicographic comparison of the encoded
// bytes already matches numeric order.
func cmpKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// lowKey returns the node's lowest stored key, loading its KVBLK if the
// cached prefix isn't authoritative.
func (s *sblk) lowKey(fsm *FSM) ([]byte, error) {
	if s.fullLKey() {
		return append([]byte(nil), s.lk[:s.lkl]...), nil
	}
	if s.pnum == 0 {
		return append([]byte(nil), s.lk[:s.lkl]...), nil
	}
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return nil, err
	}
	return kb.GetKey(int(s.pi[0]))
}

func (s *sblk) refreshLowKey(fsm *FSM) error {
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return err
	}
	if s.pnum == 0 {
		s.lkl = 0
		s.setFullLKey(true)
		return nil
	}
	k, err := kb.GetKey(int(s.pi[0]))
	if err != nil {
		return err
	}
	if len(k) <= sblkLkCap {
		copy(s.lk[:], k)
		s.lkl = uint8(len(k))
		s.setFullLKey(true)
	} else {
		copy(s.lk[:], k[:sblkLkCap])
		s.lkl = sblkLkCap
		s.setFullLKey(false)
	}
	return nil
}

// keyAt returns the key stored at persisted slot pi[idx].
func (s *sblk) keyAt(fsm *FSM, idx int) ([]byte, error) {
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return nil, err
	}
	return kb.GetKey(int(s.pi[idx]))
}

// findSlot returns the index in pi where key either already sits, or
// where it should be inserted (binary search under the DB comparator).
func (s *sblk) findSlot(fsm *FSM, key []byte) (idx int, found bool, err error) {
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return 0, false, err
	}
	lo, hi := 0, int(s.pnum)
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := kb.GetKey(int(s.pi[mid]))
		if err != nil {
			return 0, false, err
		}
		c := cmpKeys(k, key)
		if c == 0 {
			return mid, true, nil
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false, nil
}

// newSblkKvblkPair allocates a fresh (SBLK, KVBLK) node pair. The two
// allocations are made separately against the FSM rather than jointly,
// trading the single-allocation optimisation for simpler bookkeeping.
func newSblkKvblkPair(fsm *FSM) (*sblk, *kvblk, error) {
	sLen := roundUpBlk(sblkSize, fsm.blockSize())
	sAddr, _, err := fsm.Allocate(fsm.byteToBlock(sLen), 0, PageAligned)
	if err != nil {
		return nil, nil, err
	}
	kAddr, _, err := fsm.Allocate(fsm.byteToBlock(uint64(1)<<minSzPow), 0, FsmAllocFlags(0))
	if err != nil {
		fsm.Deallocate(sAddr, sLen)
		return nil, nil, err
	}
	kb, err := createKvblk(fsm, kAddr, minSzPow)
	if err != nil {
		fsm.Deallocate(sAddr, sLen)
		fsm.Deallocate(kAddr, uint64(1)<<minSzPow)
		return nil, nil, err
	}

	s := &sblk{addr: sAddr, kvblk: addrToBlockNum(fsm, kAddr)}
	s.setFullLKey(true)
	if err := s.store(fsm); err != nil {
		return nil, nil, err
	}
	return s, kb, nil
}

func (s *sblk) deallocate(fsm *FSM) error {
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err == nil {
		if derr := kb.deallocate(); derr != nil {
			return derr
		}
	}
	sLen := roundUpBlk(sblkSize, fsm.blockSize())
	return fsm.Deallocate(s.addr, sLen)
}
