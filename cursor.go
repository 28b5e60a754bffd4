package duskv

import "sync/atomic"

// CursorOp selects a cursor positioning operation.
type CursorOp int

const (
	CursorBeforeFirst CursorOp = iota
	CursorAfterLast
	CursorNext
	CursorPrev
	CursorEQ
	CursorGE
)

type cursorState int

const (
	cursorBeforeFirst cursorState = iota
	cursorAfterLast
	cursorPositioned
)

// Cursor walks one database's skip list in key order, forward or
// reverse, with in-place value update at the current position. Pairs
// cannot be deleted through a cursor.
type Cursor struct {
	db    *DB
	state cursorState

	nodeAddr uint64
	idx      int

	closed atomic.Bool
}

// CursorOpen creates a cursor on db, positioning it per op (one of
// CursorBeforeFirst, CursorAfterLast, CursorEQ, CursorGE).
func (db *DB) CursorOpen(op CursorOp, key []byte) (*Cursor, error) {
	if db.closed.Load() {
		return nil, ErrInvalidState
	}
	c := &Cursor{db: db}
	switch op {
	case CursorBeforeFirst, CursorAfterLast:
		if err := c.To(op); err != nil {
			return nil, err
		}
	case CursorEQ, CursorGE:
		if err := c.ToKey(op, key); err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidArgs
	}
	return c, nil
}

func (c *Cursor) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Cursor) checkOpen() error {
	if c.closed.Load() || c.db.closed.Load() {
		return ErrInvalidState
	}
	return nil
}

// To repositions the cursor per a sentinel or stepping operation
// (CursorBeforeFirst, CursorAfterLast, CursorNext, CursorPrev).
func (c *Cursor) To(op CursorOp) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	db := c.db
	db.rw.RLock()
	defer db.rw.RUnlock()

	switch op {
	case CursorBeforeFirst:
		c.state = cursorBeforeFirst
		c.nodeAddr, c.idx = 0, 0
		return nil
	case CursorAfterLast:
		c.state = cursorAfterLast
		c.nodeAddr, c.idx = 0, 0
		return nil
	case CursorNext:
		return c.advance(db)
	case CursorPrev:
		return c.retreat(db)
	default:
		return ErrInvalidArgs
	}
}

func (c *Cursor) advance(db *DB) error {
	fsm := db.eng.fsm

	if c.state == cursorAfterLast {
		return ErrNotFound
	}

	var nextAddr uint64
	if c.state == cursorBeforeFirst {
		nextAddr = blockNumToAddr(fsm, db.n[0])
	} else {
		s, err := loadSblk(fsm, c.nodeAddr)
		if err != nil {
			return err
		}
		if c.idx+1 < int(s.pnum) {
			c.idx++
			return nil
		}
		nextAddr = blockNumToAddr(fsm, s.n[0])
	}

	for nextAddr != 0 {
		s, err := loadSblk(fsm, nextAddr)
		if err != nil {
			return err
		}
		if s.pnum > 0 {
			c.state = cursorPositioned
			c.nodeAddr = nextAddr
			c.idx = 0
			return nil
		}
		nextAddr = blockNumToAddr(fsm, s.n[0])
	}
	c.state = cursorAfterLast
	return ErrNotFound
}

func (c *Cursor) retreat(db *DB) error {
	fsm := db.eng.fsm

	if c.state == cursorBeforeFirst {
		return ErrNotFound
	}

	if c.state == cursorPositioned {
		if c.idx > 0 {
			c.idx--
			return nil
		}
		s, err := loadSblk(fsm, c.nodeAddr)
		if err != nil {
			return err
		}
		return c.retreatFrom(db, blockNumToAddr(fsm, s.p0))
	}

	// cursorAfterLast: find the tail of the level-0 chain by walking
	// forward from the head, since no direct tail pointer is kept.
	addr := blockNumToAddr(fsm, db.n[0])
	if addr == 0 {
		c.state = cursorBeforeFirst
		return ErrNotFound
	}
	var last *sblk
	lastAddr := uint64(0)
	for addr != 0 {
		s, err := loadSblk(fsm, addr)
		if err != nil {
			return err
		}
		last, lastAddr = s, addr
		addr = blockNumToAddr(fsm, s.n[0])
	}
	if last == nil || last.pnum == 0 {
		c.state = cursorBeforeFirst
		return ErrNotFound
	}
	c.state = cursorPositioned
	c.nodeAddr = lastAddr
	c.idx = int(last.pnum) - 1
	return nil
}

func (c *Cursor) retreatFrom(db *DB, predAddr uint64) error {
	fsm := db.eng.fsm
	for predAddr != 0 {
		s, err := loadSblk(fsm, predAddr)
		if err != nil {
			return err
		}
		if s.pnum > 0 {
			c.state = cursorPositioned
			c.nodeAddr = predAddr
			c.idx = int(s.pnum) - 1
			return nil
		}
		predAddr = blockNumToAddr(fsm, s.p0)
	}
	c.state = cursorBeforeFirst
	return ErrNotFound
}

// ToKey positions the cursor at key (CursorEQ: exact match or
// ErrNotFound; CursorGE: key or its successor).
func (c *Cursor) ToKey(op CursorOp, key []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	db := c.db
	db.rw.RLock()
	defer db.rw.RUnlock()

	res, err := findBounds(db, key)
	if err != nil {
		return err
	}

	if res.found {
		c.state = cursorPositioned
		c.nodeAddr = res.foundAddr
		c.idx = res.slotIdx
		return nil
	}

	if op == CursorEQ {
		c.state = cursorBeforeFirst
		return ErrNotFound
	}

	lowerAddr := res.lowerAddr[0]
	if lowerAddr == 0 {
		c.state = cursorBeforeFirst
		return c.advance(db)
	}
	s, err := loadSblk(db.eng.fsm, lowerAddr)
	if err != nil {
		return err
	}
	if res.slotIdx < int(s.pnum) {
		c.state = cursorPositioned
		c.nodeAddr = lowerAddr
		c.idx = res.slotIdx
		return nil
	}
	c.nodeAddr = lowerAddr
	c.state = cursorPositioned
	c.idx = int(s.pnum) - 1
	return c.advance(db)
}

func (c *Cursor) currentSblk() (*sblk, error) {
	if c.state != cursorPositioned {
		return nil, ErrNotFound
	}
	return loadSblk(c.db.eng.fsm, c.nodeAddr)
}

// Get returns the key and value at the cursor's current position.
func (c *Cursor) Get() (key, val []byte, err error) {
	if err := c.checkOpen(); err != nil {
		return nil, nil, err
	}
	db := c.db
	db.rw.RLock()
	defer db.rw.RUnlock()

	s, err := c.currentSblk()
	if err != nil {
		return nil, nil, err
	}
	fsm := db.eng.fsm
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return nil, nil, err
	}
	return kb.GetKV(int(s.pi[c.idx]))
}

// Set overwrites the value at the cursor's current position.
func (c *Cursor) Set(val []byte, opflags OpFlags) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	db := c.db
	db.rw.Lock()
	defer db.rw.Unlock()

	s, err := c.currentSblk()
	if err != nil {
		return err
	}
	fsm := db.eng.fsm
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return err
	}
	persistedIdx := int(s.pi[c.idx])
	key, err := kb.GetKey(persistedIdx)
	if err != nil {
		return err
	}
	if err := kb.Updatekv(persistedIdx, key, val); err != nil {
		return err
	}
	if err := syncKvblkAddr(fsm, s, kb); err != nil {
		return err
	}
	return db.afterWrite(opflags)
}

func (c *Cursor) mutateDupValue(fn func(dm dupMode, val []byte) ([]byte, bool)) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	db := c.db
	db.rw.Lock()
	defer db.rw.Unlock()

	s, err := c.currentSblk()
	if err != nil {
		return false, err
	}
	fsm := db.eng.fsm
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return false, err
	}
	persistedIdx := int(s.pi[c.idx])
	key, val, err := kb.GetKV(persistedIdx)
	if err != nil {
		return false, err
	}
	newVal, changed := fn(db.dm, val)
	if !changed {
		return false, nil
	}
	if err := kb.Updatekv(persistedIdx, key, newVal); err != nil {
		return false, err
	}
	if err := syncKvblkAddr(fsm, s, kb); err != nil {
		return false, err
	}
	return true, nil
}

// DupAdd inserts id into the duplicate-values set at the cursor's
// current position, returning whether it was newly added.
func (c *Cursor) DupAdd(id uint64) (bool, error) {
	if c.db.dm == dupModeNone {
		return false, ErrIncompatibleDbMode
	}
	return c.mutateDupValue(func(dm dupMode, val []byte) ([]byte, bool) {
		return dupAdd(dm, val, id)
	})
}

// DupRemove removes id from the duplicate-values set at the cursor's
// current position, returning whether it was present.
func (c *Cursor) DupRemove(id uint64) (bool, error) {
	if c.db.dm == dupModeNone {
		return false, ErrIncompatibleDbMode
	}
	return c.mutateDupValue(func(dm dupMode, val []byte) ([]byte, bool) {
		return dupRemove(dm, val, id)
	})
}

// DupNum returns the cardinality of the duplicate-values set at the
// cursor's current position.
func (c *Cursor) DupNum() (int, error) {
	_, val, err := c.Get()
	if err != nil {
		return 0, err
	}
	return dupNum(c.db.dm, val), nil
}

// DupContains reports whether id is in the duplicate-values set at the
// cursor's current position.
func (c *Cursor) DupContains(id uint64) (bool, error) {
	_, val, err := c.Get()
	if err != nil {
		return false, err
	}
	return dupContains(c.db.dm, val, id), nil
}

// DupIter calls fn for every id in the duplicate-values set at the
// cursor's current position, ascending, until fn returns false.
func (c *Cursor) DupIter(fn func(id uint64) bool) error {
	_, val, err := c.Get()
	if err != nil {
		return err
	}
	dupIter(c.db.dm, val, fn)
	return nil
}
