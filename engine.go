package duskv

import (
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Open opens (creating if absent) the database file at opts.Path and
// returns a ready Engine. The returned Engine must be closed with
// Close once the caller is done with it.
func Open(opts EngineOpts) (*Engine, error) {
	if opts.Path == "" {
		return nil, newErr("engine.open", ErrKindInvalidArgs, nil)
	}
	blockPower := opts.BlockPower
	if blockPower == 0 {
		blockPower = DefaultBlockPower
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	}
	log = log.With().Str("engine", opts.Path).Logger()

	file, err := openDBFile(opts.Path, opts.Flags)
	if err != nil {
		return nil, newErr("engine.open", ErrKindIoErrno, err)
	}

	sz, err := file.size()
	if err != nil {
		file.close()
		return nil, newErr("engine.open", ErrKindIoErrno, err)
	}
	isNew := sz == 0

	eng := &Engine{
		path:  opts.Path,
		flags: opts.Flags,
		log:   log,
		file:  file,
		dbs:   make(map[uint32]*DB),
		rnd:   rand.New(rand.NewSource(seedFor(opts.RandomSeed))),
		noTrimOnClose: opts.NoTrimOnClose,
	}
	eng.wkCond = sync.NewCond(&eng.wkMu)

	pool := newMmapPool(file.f)

	var fsmOpts fsmOpenOpts
	var hdr *fileHeader
	if isNew {
		fsmOpts = fsmOpenOpts{
			blockPower: blockPower,
			strict:     opts.Strict,
			readOnly:   opts.Flags&RDONLY != 0,
			isNew:      true,
			hdrlen:     hdrFixedPrefix,
		}
	} else {
		hdr, err = readFileHeader(file)
		if err != nil {
			file.close()
			return nil, err
		}
		fsmOpts = fsmOpenOpts{
			blockPower: BlockPower(hdr.blockPower),
			strict:     opts.Strict,
			readOnly:   opts.Flags&RDONLY != 0,
			isNew:      false,
			hdrlen:     uint64(hdr.hdrlen),
			bmoff:      hdr.fsmBitmapOff,
			bmlen:      hdr.fsmBitmapLen,
		}
	}

	fsm, err := openFSM(file, pool, fsmOpts, log)
	if err != nil {
		file.close()
		return nil, err
	}
	eng.fsm = fsm

	if isNew {
		eng.hdr = &fileHeader{
			magic:        fileMagic,
			blockPower:   uint8(fsm.blockPower),
			fsmBitmapOff: fsm.bmoff,
			fsmBitmapLen: fsm.bmlen,
			hdrlen:       uint32(fsm.hdrlen),
		}
		if err := eng.writeHeader(); err != nil {
			file.close()
			return nil, err
		}
	} else {
		if hdr.magic != fileMagic {
			file.close()
			return nil, ErrInvalidFileMeta
		}
		eng.hdr = hdr
		fsm.crzsum, fsm.crznum, fsm.crzvar = hdr.crzsum, hdr.crznum, hdr.crzvar
	}

	return eng, nil
}

func seedFor(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	return 1
}

// readFileHeader reads the fixed prefix directly from the file with a
// positional read, before any mmap window exists.
func readFileHeader(file *dbFile) (*fileHeader, error) {
	buf := make([]byte, hdrFixedPrefix)
	if _, err := file.f.ReadAt(buf, 0); err != nil {
		return nil, newErr("engine.open", ErrKindInvalidFileMeta, err)
	}
	h := &fileHeader{}
	h.magic = getUint32(buf[0:4])
	h.firstDBOff = getUint64(buf[4:12])
	h.blockPower = buf[12]
	h.fsmBitmapOff = getUint64(buf[13:21])
	h.fsmBitmapLen = getUint64(buf[21:29])
	h.crzsum = getUint64(buf[29:37])
	h.crznum = getUint32(buf[37:41])
	h.crzvar = getUint64(buf[41:49])
	h.hdrlen = getUint32(buf[81:85])
	return h, nil
}

// writeHeader persists the first-database-offset field of the fixed
// header prefix; the FSM owns the rest of the prefix via its own
// writeMeta.
func (eng *Engine) writeHeader() error {
	buf := make([]byte, 8)
	putUint64(buf, eng.hdr.firstDBOff)
	m, release, err := eng.fsm.pool.GetMmap(headerWindow)
	if err != nil {
		return err
	}
	defer release()
	copy(m.data[4:12], buf)
	return m.flush(4, 12)
}

// Sync flushes FSM metadata and requests an fsync (dataSync selects
// fdatasync over a full sync) of the underlying file.
func (eng *Engine) Sync(dataSync bool) error {
	eng.rw.RLock()
	defer eng.rw.RUnlock()
	if eng.closed.Load() {
		return ErrInvalidState
	}
	if err := eng.writeHeader(); err != nil {
		return err
	}
	return eng.fsm.Sync(dataSync)
}

// Close drains any in-flight background database-destroy workers,
// optionally trims the file's tail, flushes metadata, and releases the
// file lock.
func (eng *Engine) Close() error {
	eng.rw.Lock()
	defer eng.rw.Unlock()
	if eng.closed.Swap(true) {
		return nil
	}

	eng.waitIdle()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(eng.writeHeader())
	record(eng.fsm.Sync(true))

	if !eng.noTrimOnClose && eng.flags&RDONLY == 0 {
		record(eng.fsm.TrimTail())
	}

	record(eng.fsm.pool.closeAll())
	record(eng.file.unlock())
	record(eng.file.close())

	return firstErr
}

// Stats reports allocator introspection counters, useful for tests and
// operational dashboards.
type Stats struct {
	BlockPower    BlockPower
	BitmapLen     uint64
	MaxOffsetBlk  uint64
	AllocSum      uint64
	AllocCount    uint32
	AllocVar      uint64
	OpenDBs       int
	FreeTreeRuns  int
	DBLevel0Nodes map[uint32]uint32
}

func (eng *Engine) Stats() Stats {
	eng.rw.RLock()
	defer eng.rw.RUnlock()
	eng.dbsMu.Lock()
	defer eng.dbsMu.Unlock()

	level0 := make(map[uint32]uint32, len(eng.dbs))
	for id, db := range eng.dbs {
		level0[id] = db.lcnt[0]
	}

	st := Stats{
		BlockPower:    eng.fsm.blockPower,
		BitmapLen:     eng.fsm.bmlen,
		MaxOffsetBlk:  eng.fsm.maxOffBlk,
		AllocSum:      eng.fsm.crzsum,
		AllocCount:    eng.fsm.crznum,
		AllocVar:      eng.fsm.crzvar,
		OpenDBs:       len(eng.dbs),
		FreeTreeRuns:  eng.fsm.tree.len(),
		DBLevel0Nodes: level0,
	}
	eng.log.Debug().
		Int("open_dbs", st.OpenDBs).
		Int("free_tree_runs", st.FreeTreeRuns).
		Uint64("max_offset_blk", st.MaxOffsetBlk).
		Msg("stats snapshot")
	return st
}
