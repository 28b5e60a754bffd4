package duskv

const maxPairSize = 256*1024*1024 - 1

// KeyUint32 big-endian encodes v for use as a key in a Uint32Keys DB.
func KeyUint32(v uint32) []byte {
	b := make([]byte, 4)
	putUint32BE(b, v)
	return b
}

// KeyUint64 big-endian encodes v for use as a key in a Uint64Keys DB.
func KeyUint64(v uint64) []byte {
	b := make([]byte, 8)
	putUint64BE(b, v)
	return b
}

func (db *DB) validateKey(key []byte) error {
	switch db.mode {
	case keyModeUint32:
		if len(key) != 4 {
			return ErrKeyNumValueSize
		}
	case keyModeUint64:
		if len(key) != 8 {
			return ErrKeyNumValueSize
		}
	}
	return nil
}

func validatePairSize(key, val []byte) error {
	if len(key) == 0 {
		return ErrInvalidArgs
	}
	if uint64(len(key))+uint64(len(val)) > maxPairSize {
		return ErrMaxKvSize
	}
	return nil
}

// syncKvblkAddr re-points s at kb's current address if a grow/shrink
// reallocation moved it, persisting the change.
func syncKvblkAddr(fsm *FSM, s *sblk, kb *kvblk) error {
	num := addrToBlockNum(fsm, kb.addr)
	if s.kvblk == num {
		return nil
	}
	s.kvblk = num
	return s.store(fsm)
}

// Put inserts or overwrites key with val. With NoOverwrite set, an
// existing key fails with ErrKeyExists instead of being overwritten.
func (db *DB) Put(key, val []byte, opflags OpFlags) error {
	if db.closed.Load() {
		return ErrInvalidState
	}
	if db.poisoned.Load() {
		return ErrCorrupted
	}
	if err := db.validateKey(key); err != nil {
		return err
	}
	if err := validatePairSize(key, val); err != nil {
		return err
	}

	db.rw.Lock()
	defer db.rw.Unlock()

	res, err := findBounds(db, key)
	if err != nil {
		return err
	}
	fsm := db.eng.fsm

	if res.found {
		if opflags&NoOverwrite != 0 {
			return ErrKeyExists
		}
		s, err := loadSblk(fsm, res.foundAddr)
		if err != nil {
			return err
		}
		kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
		if err != nil {
			return err
		}
		persistedIdx := int(s.pi[res.slotIdx])
		if err := kb.Updatekv(persistedIdx, key, val); err != nil {
			return err
		}
		if err := syncKvblkAddr(fsm, s, kb); err != nil {
			return err
		}
		return db.afterWrite(opflags)
	}

	lowerAddr := res.lowerAddr[0]
	if lowerAddr == 0 {
		if err := db.insertFirstNode(res, key, val); err != nil {
			return err
		}
		return db.afterWrite(opflags)
	}

	s, err := loadSblk(fsm, lowerAddr)
	if err != nil {
		return err
	}

	if int(s.pnum) < sblkPiNum {
		if err := db.insertIntoNode(s, res.slotIdx, key, val); err != nil {
			return err
		}
		return db.afterWrite(opflags)
	}

	if res.slotIdx == int(s.pnum) && res.upperAddr[0] != 0 {
		upper, err := loadSblk(fsm, res.upperAddr[0])
		if err != nil {
			return err
		}
		if int(upper.pnum) < sblkPiNum {
			if err := db.insertIntoNode(upper, 0, key, val); err != nil {
				return err
			}
			return db.afterWrite(opflags)
		}
	}

	if err := db.splitAndInsert(s, res, key, val); err != nil {
		return err
	}
	return db.afterWrite(opflags)
}

func (db *DB) afterWrite(opflags OpFlags) error {
	if opflags&SYNC != 0 {
		return db.eng.fsm.Sync(true)
	}
	return nil
}

// insertFirstNode handles the case where no node's lowest key sorts below
// key (the skip list is empty, or key precedes every stored key): a fresh
// node holding only (key, val) is spliced in directly after the DB head.
func (db *DB) insertFirstNode(res *searchResult, key, val []byte) error {
	fsm := db.eng.fsm
	s, kb, err := newSblkKvblkPair(fsm)
	if err != nil {
		return err
	}
	idx, err := kb.Addkv(key, val)
	if err != nil {
		return err
	}
	s.pi[0] = uint8(idx)
	s.pnum = 1
	if err := s.refreshLowKey(fsm); err != nil {
		return err
	}
	if err := s.store(fsm); err != nil {
		return err
	}

	nlvl := db.eng.nextLevel(db)
	return db.eng.spliceIn(db, res, s.addr, nlvl)
}

// insertIntoNode adds (key, val) into s at pi-position idx, which has
// spare room (pnum < 32).
func (db *DB) insertIntoNode(s *sblk, idx int, key, val []byte) error {
	fsm := db.eng.fsm
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return err
	}
	slot, err := kb.Addkv(key, val)
	if err != nil {
		return err
	}
	copy(s.pi[idx+1:int(s.pnum)+1], s.pi[idx:int(s.pnum)])
	s.pi[idx] = uint8(slot)
	s.pnum++
	if err := syncKvblkAddr(fsm, s, kb); err != nil {
		return err
	}
	if idx == 0 {
		if err := s.refreshLowKey(fsm); err != nil {
			return err
		}
	}
	return s.store(fsm)
}

// splitAndInsert splits the full node s at pivot 16 into (s, newS),
// then inserts (key, val) into whichever half it belongs to.
func (db *DB) splitAndInsert(s *sblk, res *searchResult, key, val []byte) error {
	fsm := db.eng.fsm
	oldKb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return err
	}

	newS, newKb, err := newSblkKvblkPair(fsm)
	if err != nil {
		return err
	}

	upperIdx := make([]uint8, 0, sblkPiNum-splitPivot)
	for i := splitPivot; i < sblkPiNum; i++ {
		k, v, err := oldKb.GetKV(int(s.pi[i]))
		if err != nil {
			return err
		}
		ni, err := newKb.Addkv(k, v)
		if err != nil {
			return err
		}
		upperIdx = append(upperIdx, uint8(ni))
	}
	for i := splitPivot; i < sblkPiNum; i++ {
		if err := oldKb.Rmkv(int(s.pi[i])); err != nil {
			return err
		}
		s.pi[i] = 0
	}
	s.pnum = splitPivot
	copy(newS.pi[:], upperIdx)
	newS.pnum = uint8(len(upperIdx))

	if err := syncKvblkAddr(fsm, s, oldKb); err != nil {
		return err
	}
	if err := syncKvblkAddr(fsm, newS, newKb); err != nil {
		return err
	}
	if err := newS.refreshLowKey(fsm); err != nil {
		return err
	}
	if err := s.store(fsm); err != nil {
		return err
	}
	if err := newS.store(fsm); err != nil {
		return err
	}

	newLow, err := newS.lowKey(fsm)
	if err != nil {
		return err
	}
	target, targetIsNew := s, false
	if cmpKeys(key, newLow) >= 0 {
		target, targetIsNew = newS, true
	}
	tidx, _, err := target.findSlot(fsm, key)
	if err != nil {
		return err
	}
	if targetIsNew {
		kb2, err := atKvblk(fsm, blockNumToAddr(fsm, target.kvblk))
		if err != nil {
			return err
		}
		slot, err := kb2.Addkv(key, val)
		if err != nil {
			return err
		}
		copy(target.pi[tidx+1:int(target.pnum)+1], target.pi[tidx:int(target.pnum)])
		target.pi[tidx] = uint8(slot)
		target.pnum++
		if err := syncKvblkAddr(fsm, target, kb2); err != nil {
			return err
		}
		if tidx == 0 {
			if err := target.refreshLowKey(fsm); err != nil {
				return err
			}
		}
	} else {
		if err := db.insertIntoNode(target, tidx, key, val); err != nil {
			return err
		}
	}
	if targetIsNew {
		if err := target.store(fsm); err != nil {
			return err
		}
	}

	nlvl := db.eng.nextLevel(db)
	return db.eng.spliceIn(db, res, newS.addr, nlvl)
}

// spliceIn links a freshly created node at newAddr into levels 0..nlvl,
// using res's pinned predecessors (0 meaning the DB head) for levels up
// to db.level and the DB head directly for any new top level.
func (eng *Engine) spliceIn(db *DB, res *searchResult, newAddr uint64, nlvl uint8) error {
	fsm := eng.fsm
	ns, err := loadSblk(fsm, newAddr)
	if err != nil {
		return err
	}
	newBlk := addrToBlockNum(fsm, newAddr)

	for l := 0; l <= int(nlvl); l++ {
		var predAddr uint64
		if l <= int(db.level) {
			predAddr = res.lowerAddr[l]
		}
		if predAddr == 0 {
			ns.n[l] = db.n[l]
			db.n[l] = newBlk
		} else {
			pred, err := loadSblk(fsm, predAddr)
			if err != nil {
				return err
			}
			ns.n[l] = pred.n[l]
			pred.n[l] = newBlk
			if err := pred.store(fsm); err != nil {
				return err
			}
		}
		db.lcnt[l]++
	}
	if nlvl > db.level {
		db.level = nlvl
	}
	ns.level = nlvl

	// maintain the level-0 back pointer chain
	p0Addr := uint64(0)
	if l0pred := res.lowerAddr[0]; l0pred != 0 {
		p0Addr = l0pred
	}
	ns.p0 = addrToBlockNum(fsm, p0Addr)
	if succAddr := blockNumToAddr(fsm, ns.n[0]); succAddr != 0 {
		succ, err := loadSblk(fsm, succAddr)
		if err != nil {
			return err
		}
		succ.p0 = newBlk
		if err := succ.store(fsm); err != nil {
			return err
		}
	}

	if err := ns.store(fsm); err != nil {
		return err
	}
	return db.store()
}

// Get returns the value stored at key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrInvalidState
	}
	if err := db.validateKey(key); err != nil {
		return nil, err
	}

	db.rw.RLock()
	defer db.rw.RUnlock()

	res, err := findBounds(db, key)
	if err != nil {
		return nil, err
	}
	if !res.found {
		return nil, ErrNotFound
	}
	fsm := db.eng.fsm
	s, err := loadSblk(fsm, res.foundAddr)
	if err != nil {
		return nil, err
	}
	kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
	if err != nil {
		return nil, err
	}
	return kb.GetVal(int(s.pi[res.slotIdx]))
}

// Del removes key, returning ErrNotFound if it wasn't present.
func (db *DB) Del(key []byte) error {
	if db.closed.Load() {
		return ErrInvalidState
	}
	if err := db.validateKey(key); err != nil {
		return err
	}

	db.rw.Lock()
	defer db.rw.Unlock()

	res, err := findBounds(db, key)
	if err != nil {
		return err
	}
	if !res.found {
		return ErrNotFound
	}
	fsm := db.eng.fsm
	s, err := loadSblk(fsm, res.foundAddr)
	if err != nil {
		return err
	}
	persistedIdx := int(s.pi[res.slotIdx])

	if s.pnum > 1 {
		kb, err := atKvblk(fsm, blockNumToAddr(fsm, s.kvblk))
		if err != nil {
			return err
		}
		if err := kb.Rmkv(persistedIdx); err != nil {
			return err
		}
		copy(s.pi[res.slotIdx:int(s.pnum)-1], s.pi[res.slotIdx+1:int(s.pnum)])
		s.pnum--
		if err := syncKvblkAddr(fsm, s, kb); err != nil {
			return err
		}
		if res.slotIdx == 0 {
			if err := s.refreshLowKey(fsm); err != nil {
				return err
			}
		}
		return s.store(fsm)
	}

	return db.eng.unlinkNode(db, s, res)
}

// unlinkNode removes s (whose last pair has just been identified for
// deletion) from every level it participates in and reclaims it.
func (eng *Engine) unlinkNode(db *DB, s *sblk, res *searchResult) error {
	fsm := eng.fsm
	for l := 0; l <= int(s.level); l++ {
		predAddr := res.lowerAddr[l]
		if predAddr == 0 {
			db.n[l] = s.n[l]
		} else {
			pred, err := loadSblk(fsm, predAddr)
			if err != nil {
				return err
			}
			pred.n[l] = s.n[l]
			if err := pred.store(fsm); err != nil {
				return err
			}
		}
		db.lcnt[l]--
	}

	if succAddr := blockNumToAddr(fsm, s.n[0]); succAddr != 0 {
		succ, err := loadSblk(fsm, succAddr)
		if err != nil {
			return err
		}
		succ.p0 = addrToBlockNum(fsm, res.lowerAddr[0])
		if err := succ.store(fsm); err != nil {
			return err
		}
	}

	if err := s.deallocate(fsm); err != nil {
		return err
	}

	for db.level > 0 && db.lcnt[db.level] == 0 {
		db.level--
	}
	return db.store()
}
