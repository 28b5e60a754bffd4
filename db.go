package duskv

const (
	dbMagic     = 0x64627265 // "dbre"
	dbRecordLen = 4 + 1 + 4 + 4 + 4 + sLevels*4 + sLevels*4 // 257
	dbBlockLen  = 320                                       // 5 blocks at block-power 6
)

func serializeDBRecord(db *DB, buf []byte) {
	putUint32(buf[0:4], dbMagic)
	buf[4] = byte(db.flags)
	putUint32(buf[5:9], db.id)
	putUint32(buf[9:13], db.nextDB)
	putUint32(buf[13:17], 0) // p0, unused by the head
	base := 17
	for i := 0; i < sLevels; i++ {
		putUint32(buf[base+i*4:base+i*4+4], db.n[i])
	}
	base += sLevels * 4
	for i := 0; i < sLevels; i++ {
		putUint32(buf[base+i*4:base+i*4+4], db.lcnt[i])
	}
}

func deserializeDBRecord(eng *Engine, addr uint64, buf []byte) (*DB, error) {
	if getUint32(buf[0:4]) != dbMagic {
		return nil, newErr("db.load", ErrKindInvalidFileMeta, nil)
	}
	db := &DB{eng: eng, addr: addr}
	db.flags = DBFlags(buf[4])
	db.id = getUint32(buf[5:9])
	db.nextDB = getUint32(buf[9:13])
	db.mode = db.flags.keyMode()
	db.dm = db.flags.dupMode()
	base := 17
	for i := 0; i < sLevels; i++ {
		db.n[i] = getUint32(buf[base+i*4 : base+i*4+4])
		if db.n[i] != 0 {
			db.level = uint8(i)
		}
	}
	base += sLevels * 4
	for i := 0; i < sLevels; i++ {
		db.lcnt[i] = getUint32(buf[base+i*4 : base+i*4+4])
	}
	return db, nil
}

func (db *DB) store() error {
	m, release, err := db.eng.fsm.AcquireData()
	if err != nil {
		return err
	}
	defer release()
	if db.addr+dbRecordLen > uint64(len(m.data)) {
		return newErr("db.store", ErrKindOutOfBounds, nil)
	}
	buf := m.data[db.addr : db.addr+dbRecordLen]
	serializeDBRecord(db, buf)
	return m.flush(int(db.addr), int(db.addr+dbRecordLen))
}

func loadDBRecord(eng *Engine, addr uint64) (*DB, error) {
	m, release, err := eng.fsm.AcquireData()
	if err != nil {
		return nil, err
	}
	defer release()
	if addr+dbRecordLen > uint64(len(m.data)) {
		return nil, newErr("db.load", ErrKindCorrupted, nil)
	}
	return deserializeDBRecord(eng, addr, m.data[addr:addr+dbRecordLen])
}

// DB opens (creating on first use) the database identified by opts.ID,
// checking that opts.Flags matches what was recorded at creation.
func (eng *Engine) DB(opts DBOpts) (*DB, error) {
	eng.rw.RLock()
	defer eng.rw.RUnlock()
	if eng.closed.Load() {
		return nil, newErr("engine.db", ErrKindInvalidState, nil)
	}

	eng.dbsMu.Lock()
	defer eng.dbsMu.Unlock()

	if db, ok := eng.dbs[opts.ID]; ok {
		if db.flags != opts.Flags {
			return nil, ErrIncompatibleDbMode
		}
		return db, nil
	}

	db, err := eng.findDBOnDisk(opts.ID)
	if err != nil {
		return nil, err
	}
	if db != nil {
		if db.flags != opts.Flags {
			return nil, ErrIncompatibleDbMode
		}
		eng.dbs[opts.ID] = db
		return db, nil
	}

	db, err = eng.createDB(opts)
	if err != nil {
		return nil, err
	}
	eng.dbs[opts.ID] = db
	return db, nil
}

func (eng *Engine) findDBOnDisk(id uint32) (*DB, error) {
	addr := eng.hdr.firstDBOff
	for addr != 0 {
		db, err := loadDBRecord(eng, addr)
		if err != nil {
			return nil, err
		}
		if db.id == id {
			return db, nil
		}
		addr = blockNumToAddr(eng.fsm, db.nextDB)
	}
	return nil, nil
}

func (eng *Engine) createDB(opts DBOpts) (*DB, error) {
	addr, _, err := eng.fsm.Allocate(eng.fsm.byteToBlock(dbBlockLen), 0, FsmAllocFlags(0))
	if err != nil {
		return nil, err
	}
	db := &DB{eng: eng, id: opts.ID, flags: opts.Flags, addr: addr}
	db.mode = opts.Flags.keyMode()
	db.dm = opts.Flags.dupMode()

	if err := db.store(); err != nil {
		return nil, err
	}

	if eng.hdr.firstDBOff == 0 {
		eng.hdr.firstDBOff = addr
	} else {
		last, err := loadDBRecord(eng, eng.hdr.firstDBOff)
		if err != nil {
			return nil, err
		}
		for last.nextDB != 0 {
			last, err = loadDBRecord(eng, blockNumToAddr(eng.fsm, last.nextDB))
			if err != nil {
				return nil, err
			}
		}
		last.nextDB = addrToBlockNum(eng.fsm, addr)
		if err := last.store(); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Destroy unlinks db from the registry and on-disk chain synchronously,
// then reclaims its SBLK/KVBLK chain on a background worker. Further
// calls against db fail with InvalidState immediately.
func (db *DB) Destroy() error {
	eng := db.eng
	eng.rw.Lock()
	defer eng.rw.Unlock()

	db.closed.Store(true)

	prevAddr := uint64(0)
	addr := eng.hdr.firstDBOff
	for addr != 0 {
		cur, err := loadDBRecord(eng, addr)
		if err != nil {
			return err
		}
		if cur.id == db.id {
			if prevAddr == 0 {
				eng.hdr.firstDBOff = blockNumToAddr(eng.fsm, cur.nextDB)
			} else {
				prev, err := loadDBRecord(eng, prevAddr)
				if err != nil {
					return err
				}
				prev.nextDB = cur.nextDB
				if err := prev.store(); err != nil {
					return err
				}
			}
			break
		}
		prevAddr = addr
		addr = blockNumToAddr(eng.fsm, cur.nextDB)
	}

	delete(eng.dbs, db.id)

	eng.wkMu.Lock()
	eng.wkCount++
	eng.wkMu.Unlock()

	headAddr := blockNumToAddr(eng.fsm, db.n[0])
	go func() {
		defer func() {
			eng.wkMu.Lock()
			eng.wkCount--
			eng.wkCond.Broadcast()
			eng.wkMu.Unlock()
		}()
		eng.reclaimChain(headAddr)
	}()

	dbLen := roundUpBlk(dbBlockLen, eng.fsm.blockSize())
	return eng.fsm.Deallocate(db.addr, dbLen)
}

// reclaimChain walks a level-0 SBLK chain deallocating every node and
// its KVBLK. Errors are reported through the engine's error handler
// rather than returned, since this runs detached from any caller.
func (eng *Engine) reclaimChain(addr uint64) {
	for addr != 0 {
		s, err := loadSblk(eng.fsm, addr)
		if err != nil {
			eng.reportErr(newErr("db.reclaim", ErrKindCorrupted, err))
			return
		}
		next := blockNumToAddr(eng.fsm, s.n[0])
		if err := s.deallocate(eng.fsm); err != nil {
			eng.reportErr(newErr("db.reclaim", ErrKindAlloc, err))
			return
		}
		addr = next
	}
}

// waitIdle blocks until no background worker (destroy reclamation) is
// in flight. Called with the engine write lock held.
func (eng *Engine) waitIdle() {
	eng.wkMu.Lock()
	for eng.wkCount > 0 {
		eng.wkCond.Wait()
	}
	eng.wkMu.Unlock()
}
