package duskv

import (
	"os"

	"github.com/rs/zerolog"
)

const (
	bitmapWindow = "fsm.bitmap"
	headerWindow = "fsm.header"
	dataWindow   = "fsm.data"
)

// FSM is the free-space manager: it hands out and reclaims block-aligned
// byte ranges within one file, persists allocation state in a bitmap, and
// maintains an in-memory free-run tree for fast best-fit search.
type FSM struct {
	file *dbFile
	pool *mmapPool
	log  zerolog.Logger

	blockPower BlockPower
	pageBlks   uint64

	hdrlen uint64

	bmoff uint64 // byte offset of the bitmap region
	bmlen uint64 // byte length of the bitmap region

	bitmap *persistedBitmap
	tree   *freeTree

	maxOffBlk uint64 // highest block address backed by the current file size
	lfbkoff   uint64 // cached low-water mark for left-merge scans

	crzsum uint64
	crznum uint32
	crzvar uint64

	strict   bool
	readOnly bool
}

type fsmOpenOpts struct {
	blockPower BlockPower
	strict     bool
	readOnly   bool
	isNew      bool
	hdrlen     uint64

	// bmoff/bmlen are read from the file's existing header (by a raw
	// pread, before any mmap window exists) and ignored when isNew.
	bmoff uint64
	bmlen uint64
}

func (fsm *FSM) blockSize() uint64 { return 1 << fsm.blockPower }

func (fsm *FSM) blockToByte(b uint64) uint64 { return b * fsm.blockSize() }
func (fsm *FSM) byteToBlock(o uint64) uint64 { return o / fsm.blockSize() }

func roundUpBlk(v, mult uint64) uint64 {
	if mult == 0 {
		return v
	}
	if r := v % mult; r != 0 {
		return v + (mult - r)
	}
	return v
}

// openFSM initializes the free-space manager for a new or existing file.
// On a new file it allocates the bitmap (one page minimum), marks the
// header and bitmap's own blocks allocated, and writes metadata. On an
// existing file it maps the header and bitmap windows at the offsets
// passed in opts and rebuilds the free tree by scanning the bitmap; it
// does not check the stored metadata itself.
func openFSM(file *dbFile, pool *mmapPool, opts fsmOpenOpts, log zerolog.Logger) (*FSM, error) {
	if opts.blockPower < MinBlockPower || opts.blockPower > MaxBlockPower {
		return nil, newErr("fsm.open", ErrKindInvalidBlockSize, nil)
	}

	pageSize := uint64(os.Getpagesize())
	blockSize := uint64(1) << opts.blockPower
	if blockSize > pageSize {
		return nil, newErr("fsm.open", ErrKindPlatformPage, nil)
	}

	fsm := &FSM{
		file:       file,
		pool:       pool,
		log:        log.With().Str("component", "fsm").Logger(),
		blockPower: opts.blockPower,
		pageBlks:   roundUpBlk(pageSize, blockSize) / blockSize,
		hdrlen:     opts.hdrlen,
		strict:     opts.strict,
		readOnly:   opts.readOnly,
		bmoff:      opts.bmoff,
		bmlen:      opts.bmlen,
	}

	if opts.isNew {
		if err := fsm.initNew(pageSize); err != nil {
			return nil, err
		}
		return fsm, nil
	}

	if err := fsm.openExisting(); err != nil {
		return nil, err
	}
	return fsm, nil
}

func (fsm *FSM) initNew(pageSize uint64) error {
	hdrBlocks := roundUpBlk(fsm.hdrlen, fsm.blockSize()) / fsm.blockSize()

	bmlen := pageSize // one page minimum
	bmoff := roundUpBlk(fsm.blockToByte(hdrBlocks), pageSize)

	totalSize := bmoff + bmlen
	if err := fsm.file.ensureSize(int64(totalSize)); err != nil {
		return newErr("fsm.open", ErrKindIoErrno, err)
	}

	if err := fsm.pool.AddMmap(headerWindow, 0, int(bmoff), !fsm.readOnly); err != nil {
		return newErr("fsm.open", ErrKindIoErrno, err)
	}
	if err := fsm.pool.AddMmap(bitmapWindow, int64(bmoff), int(bmlen), !fsm.readOnly); err != nil {
		return newErr("fsm.open", ErrKindIoErrno, err)
	}

	fsm.bmoff = bmoff
	fsm.bmlen = bmlen
	fsm.maxOffBlk = fsm.byteToBlock(totalSize)

	bmapping, _, err := fsm.pool.GetMmap(bitmapWindow)
	if err != nil {
		return err
	}
	nbits := bmlen * 8
	fsm.bitmap = newPersistedBitmap(uint(nbits))
	fsm.bitmap.attach(bmapping.data)

	fsm.tree = newFreeTree()

	if err := fsm.remapData(totalSize); err != nil {
		return err
	}

	// header + bitmap's own blocks are allocated up front.
	bmStartBlk := fsm.byteToBlock(bmoff)
	bmLenBlk := fsm.byteToBlock(roundUpBlk(bmlen, fsm.blockSize()))
	fsm.bitmap.setRange(0, bmStartBlk+bmLenBlk)

	// everything past the bitmap's own blocks, up to maxOffBlk, is free.
	if fsm.maxOffBlk > bmStartBlk+bmLenBlk {
		fsm.tree.insert(freeRun{offset: bmStartBlk + bmLenBlk, length: fsm.maxOffBlk - (bmStartBlk + bmLenBlk)})
	}

	fsm.log.Debug().Uint64("bmoff", bmoff).Uint64("bmlen", bmlen).Msg("fsm initialized")
	return nil
}

func (fsm *FSM) openExisting() error {
	sz, err := fsm.file.size()
	if err != nil {
		return newErr("fsm.open", ErrKindIoErrno, err)
	}
	fsm.maxOffBlk = fsm.byteToBlock(uint64(sz))

	if err := fsm.pool.AddMmap(headerWindow, 0, int(fsm.bmoff), !fsm.readOnly); err != nil {
		return newErr("fsm.open", ErrKindIoErrno, err)
	}
	if err := fsm.pool.AddMmap(bitmapWindow, int64(fsm.bmoff), int(fsm.bmlen), !fsm.readOnly); err != nil {
		return newErr("fsm.open", ErrKindIoErrno, err)
	}

	bmapping, _, err := fsm.pool.GetMmap(bitmapWindow)
	if err != nil {
		return err
	}
	fsm.bitmap = loadPersistedBitmap(bmapping.data, uint(fsm.bmlen*8))

	if err := fsm.remapData(uint64(sz)); err != nil {
		return err
	}

	fsm.rebuildTree()
	return nil
}

// remapData (re)installs the whole-file mmap window that KVBLK/SBLK code
// acquires for all block reads and writes outside the header and bitmap
// regions. It must be called after any operation that changes the file's
// size, immediately before releasing the lock that serialized the
// resize, so that stale windows are never dereferenced.
func (fsm *FSM) remapData(size uint64) error {
	if err := fsm.pool.RemoveMmap(dataWindow); err != nil {
		return newErr("fsm.remap", ErrKindIoErrno, err)
	}
	if err := fsm.pool.AddMmap(dataWindow, 0, int(size), !fsm.readOnly); err != nil {
		return newErr("fsm.remap", ErrKindIoErrno, err)
	}
	return nil
}

// AcquireData returns a scoped view of the whole-file data window. Callers
// must not retain the returned slice past calling release, and must
// re-acquire immediately after any call that may grow the file (Allocate
// past current size, EnsureSize, bitmap growth).
func (fsm *FSM) AcquireData() (mapping, func(), error) {
	return fsm.pool.GetMmap(dataWindow)
}

// rebuildTree scans the bitmap one bit at a time (all-zero bytes are not
// skipped in bulk) and reconstructs the free-run tree from the 0-runs it
// finds.
func (fsm *FSM) rebuildTree() {
	fsm.tree = newFreeTree()

	var runStart uint64
	inRun := false
	var i uint64
	for i = 0; i < fsm.maxOffBlk; i++ {
		set := fsm.bitmap.test(i)
		if !set && !inRun {
			runStart = i
			inRun = true
		} else if set && inRun {
			fsm.tree.insert(freeRun{offset: runStart, length: i - runStart})
			inRun = false
		}
	}
	if inRun {
		fsm.tree.insert(freeRun{offset: runStart, length: fsm.maxOffBlk - runStart})
	}
}

// Allocate finds and reserves a run of len blocks, honouring the flags
// described in FsmAllocFlags. offsetHint is used as a locality hint for
// unaligned allocation; it is ignored when PageAligned is set (which
// always searches from block 0, per the page-aligned search order).
func (fsm *FSM) Allocate(lenBlk uint64, offsetHint uint64, flags FsmAllocFlags) (uint64, uint64, error) {
	if fsm.readOnly {
		return 0, 0, newErr("fsm.allocate", ErrKindReadOnly, nil)
	}
	if lenBlk == 0 {
		return 0, 0, newErr("fsm.allocate", ErrKindInvalidArgs, nil)
	}

	if flags&PageAligned != 0 {
		return fsm.allocatePageAligned(lenBlk, flags)
	}
	return fsm.allocateUnaligned(lenBlk, offsetHint, flags)
}

func (fsm *FSM) allocatePageAligned(lenBlk uint64, flags FsmAllocFlags) (uint64, uint64, error) {
	fits := func(r freeRun) (uint64, bool) {
		noff := roundUpBlk(r.offset, fsm.pageBlks)
		if noff > fsm.maxOffBlk {
			return 0, false
		}
		if r.length < (noff-r.offset)+lenBlk {
			return 0, false
		}
		return noff, true
	}

	run, ok := fsm.tree.bestFitByLength(lenBlk + fsm.pageBlks)
	if !ok {
		run, ok = fsm.tree.bestFitByLength(lenBlk)
	}

	var noff uint64
	if ok {
		noff, ok = fits(run)
	}
	if !ok {
		run, ok = fsm.tree.scanAlignedFit(lenBlk, func(r freeRun) bool {
			_, fitsIt := fits(r)
			return fitsIt
		})
		if ok {
			noff, _ = fits(run)
		}
	}

	if !ok {
		if flags&NoExtend != 0 {
			return 0, 0, ErrNoFreeSpace
		}
		if err := fsm.growBitmap(); err != nil {
			return 0, 0, err
		}
		return fsm.allocatePageAligned(lenBlk, flags)
	}

	fsm.tree.remove(run)
	headSlack := noff - run.offset
	if headSlack > 0 {
		fsm.tree.insert(freeRun{offset: run.offset, length: headSlack})
	}
	tailSlack := run.length - headSlack - lenBlk
	if tailSlack > 0 {
		fsm.tree.insert(freeRun{offset: noff + lenBlk, length: tailSlack})
	}

	fsm.bitmap.setRange(noff, lenBlk)
	if flags&NoStats == 0 {
		fsm.recordAlloc(lenBlk)
	}
	return fsm.blockToByte(noff), lenBlk, nil
}

func (fsm *FSM) allocateUnaligned(lenBlk, hintBlk uint64, flags FsmAllocFlags) (uint64, uint64, error) {
	run, ok := fsm.tree.nearestByOffset(hintBlk, lenBlk)
	if !ok {
		if flags&NoExtend != 0 {
			return 0, 0, ErrNoFreeSpace
		}
		if err := fsm.growBitmap(); err != nil {
			return 0, 0, err
		}
		return fsm.allocateUnaligned(lenBlk, hintBlk, flags)
	}

	fsm.tree.remove(run)

	assignedLen := lenBlk
	remainder := run.length - lenBlk

	if flags&SolidAllocatedSpace != 0 {
		assignedLen = run.length
		remainder = 0
	} else if remainder > 0 && flags&NoOverallocate == 0 && fsm.shouldOverallocate(remainder) {
		assignedLen = run.length
		remainder = 0
	}

	if remainder > 0 {
		fsm.tree.insert(freeRun{offset: run.offset + assignedLen, length: remainder})
	}

	fsm.bitmap.setRange(run.offset, assignedLen)
	if flags&NoStats == 0 {
		fsm.recordAlloc(lenBlk)
	}
	return fsm.blockToByte(run.offset), assignedLen, nil
}

// shouldOverallocate implements the statistical heuristic: attach the
// whole run when the remainder is an outlier relative to the running
// mean/variance of past allocation requests -- (avg-remainder)^2 >
// 6*variance/count.
func (fsm *FSM) shouldOverallocate(remainder uint64) bool {
	if fsm.crznum == 0 {
		return false
	}
	avg := float64(fsm.crzsum) / float64(fsm.crznum)
	diff := avg - float64(remainder)
	variance := float64(fsm.crzvar) / float64(fsm.crznum)
	return diff*diff > 6*variance
}

func (fsm *FSM) recordAlloc(lenBlk uint64) {
	n := uint64(fsm.crznum)
	oldMean := float64(0)
	if n > 0 {
		oldMean = float64(fsm.crzsum) / float64(n)
	}
	fsm.crzsum += lenBlk
	fsm.crznum++
	newMean := float64(fsm.crzsum) / float64(fsm.crznum)
	d := float64(lenBlk) - oldMean
	fsm.crzvar += uint64(d * (float64(lenBlk) - newMean))

	if fsm.crznum > 65535 {
		fsm.crzsum, fsm.crznum, fsm.crzvar = lenBlk, 1, 0
	}
}

// Deallocate frees [offset, offset+len) and merges it with any
// left/right free neighbours found via bitmap scans.
func (fsm *FSM) Deallocate(offsetByte, lenByte uint64) error {
	if fsm.readOnly {
		return newErr("fsm.deallocate", ErrKindReadOnly, nil)
	}
	if offsetByte%fsm.blockSize() != 0 {
		return ErrRangeNotAligned
	}

	offBlk := fsm.byteToBlock(offsetByte)
	lenBlk := roundUpBlk(lenByte, fsm.blockSize()) / fsm.blockSize()

	if fsm.strict && !fsm.bitmap.allBitsSet(offBlk, lenBlk) {
		return ErrFsmSegmentation
	}

	fsm.bitmap.clearRange(offBlk, lenBlk)

	mergedOff, mergedLen := offBlk, lenBlk

	if mergedOff > 0 && !fsm.bitmap.test(mergedOff-1) {
		floor := fsm.lfbkoff
		if mergedOff-1 < floor {
			floor = 0
		}
		leftStart := uint64(0)
		if pos, ok := fsm.bitmap.findPrevSetBit(mergedOff-1, floor); ok {
			leftStart = pos + 1
		}
		leftLen := mergedOff - leftStart
		fsm.tree.remove(freeRun{offset: leftStart, length: leftLen})
		mergedOff = leftStart
		mergedLen += leftLen
	}

	if mergedOff+mergedLen < fsm.maxOffBlk && !fsm.bitmap.test(mergedOff+mergedLen) {
		rightEnd := fsm.maxOffBlk
		if pos, ok := fsm.bitmap.findNextSetBit(mergedOff+mergedLen, fsm.maxOffBlk); ok {
			rightEnd = pos
		}
		rightLen := rightEnd - (mergedOff + mergedLen)
		fsm.tree.remove(freeRun{offset: mergedOff + mergedLen, length: rightLen})
		mergedLen += rightLen
	}

	fsm.tree.insert(freeRun{offset: mergedOff, length: mergedLen})
	if mergedOff < fsm.lfbkoff {
		fsm.lfbkoff = mergedOff
	}
	return nil
}

// growBitmap doubles bmlen, preferring an in-place self-allocation; on
// NoFreeSpace it extends the file and relocates the bitmap past its old
// location, copying the old bits forward before releasing the old
// region.
func (fsm *FSM) growBitmap() error {
	newBmLen := fsm.bmlen * 2
	newBmLenBlk := fsm.byteToBlock(roundUpBlk(newBmLen, fsm.blockSize()))

	if off, assigned, err := fsm.Allocate(newBmLenBlk, 0, PageAligned|NoExtend|NoStats); err == nil {
		return fsm.relocateBitmap(off, assigned*fsm.blockSize())
	}

	oldMaxOffBlk := fsm.maxOffBlk

	pageSize := uint64(os.Getpagesize())
	newBmOff := roundUpBlk(8*fsm.bmlen*fsm.blockSize(), pageSize)
	newBmOffBlk := fsm.byteToBlock(newBmOff)
	totalSize := newBmOff + newBmLen
	if err := fsm.file.ensureSize(int64(totalSize)); err != nil {
		return newErr("fsm.grow", ErrKindIoErrno, err)
	}
	fsm.maxOffBlk = fsm.byteToBlock(totalSize)
	if err := fsm.remapData(totalSize); err != nil {
		return err
	}

	// register the newly addressable space with the free tree, excluding
	// the range about to become the new bitmap's own blocks (relocateBitmap
	// marks those allocated directly in the bitmap bits).
	if newBmOffBlk > oldMaxOffBlk {
		fsm.tree.insert(freeRun{offset: oldMaxOffBlk, length: newBmOffBlk - oldMaxOffBlk})
	}
	tailStart := newBmOffBlk + newBmLenBlk
	if fsm.maxOffBlk > tailStart {
		fsm.tree.insert(freeRun{offset: tailStart, length: fsm.maxOffBlk - tailStart})
	}

	return fsm.relocateBitmap(newBmOff, newBmLen)
}

func (fsm *FSM) relocateBitmap(newOff, newLen uint64) error {
	oldOff, oldLen := fsm.bmoff, fsm.bmlen
	oldBitmap := fsm.bitmap

	if err := fsm.pool.AddMmap(bitmapWindow+".new", int64(newOff), int(newLen), true); err != nil {
		return newErr("fsm.grow", ErrKindIoErrno, err)
	}
	newMapping, _, err := fsm.pool.GetMmap(bitmapWindow + ".new")
	if err != nil {
		return err
	}

	copy(newMapping.data, oldBitmap.region)

	newBitmap := loadPersistedBitmap(newMapping.data, uint(newLen*8))
	newOffBlk := fsm.byteToBlock(newOff)
	newLenBlk := fsm.byteToBlock(roundUpBlk(newLen, fsm.blockSize()))
	newBitmap.setRange(newOffBlk, newLenBlk)

	fsm.bitmap = newBitmap
	fsm.bmoff = newOff
	fsm.bmlen = newLen

	if err := fsm.pool.RemoveMmap(bitmapWindow); err != nil {
		fsm.log.Error().Err(err).Msg("failed unmapping old bitmap window")
	}
	if err := fsm.pool.AddMmap(bitmapWindow, int64(newOff), int(newLen), true); err != nil {
		return err
	}
	if err := fsm.pool.RemoveMmap(bitmapWindow + ".new"); err != nil {
		fsm.log.Error().Err(err).Msg("failed unmapping scratch bitmap window")
	}
	reattached, _, err := fsm.pool.GetMmap(bitmapWindow)
	if err != nil {
		return err
	}
	fsm.bitmap.attach(reattached.data)

	if err := fsm.Deallocate(fsm.blockToByte(fsm.byteToBlock(oldOff)), oldLen); err != nil {
		fsm.log.Error().Err(err).Msg("failed reclaiming old bitmap region")
	}

	fsm.log.Info().Uint64("old_bmlen", oldLen).Uint64("new_bmlen", newLen).Msg("bitmap grown")
	return nil
}

// Reallocate moves the block-aligned range [oldOffset, oldOffset+oldLen)
// to a fresh range of exactly newLen bytes, preferring a location near
// the old one, and frees the old range. Used by KVBLK grow/shrink.
func (fsm *FSM) Reallocate(oldOffset, oldLen, newLen uint64) (uint64, error) {
	hintBlk := fsm.byteToBlock(oldOffset)
	newLenBlk := fsm.byteToBlock(roundUpBlk(newLen, fsm.blockSize()))

	noffByte, _, err := fsm.Allocate(newLenBlk, hintBlk, NoOverallocate)
	if err != nil {
		return 0, err
	}
	if err := fsm.Deallocate(oldOffset, oldLen); err != nil {
		return 0, err
	}
	return noffByte, nil
}

// EnsureSize grows the backing file to at least sz bytes.
func (fsm *FSM) EnsureSize(sz uint64) error {
	if err := fsm.file.ensureSize(int64(sz)); err != nil {
		return newErr("fsm.ensure_size", ErrKindIoErrno, err)
	}
	if blk := fsm.byteToBlock(sz); blk > fsm.maxOffBlk {
		fsm.tree.insert(freeRun{offset: fsm.maxOffBlk, length: blk - fsm.maxOffBlk})
		fsm.maxOffBlk = blk
		if err := fsm.remapData(sz); err != nil {
			return err
		}
	}
	return nil
}

// TrimTail truncates the file just past the highest allocated block. The
// bitmap stays where it is: it is not moved to a lower free region first,
// so the file never shrinks below the end of the bitmap's own blocks.
func (fsm *FSM) TrimTail() error {
	if fsm.readOnly {
		return nil
	}

	highest, ok := fsm.bitmap.highestSetBit(fsm.maxOffBlk)
	if !ok {
		return nil
	}
	newSize := fsm.blockToByte(highest + 1)
	if newSize >= fsm.blockToByte(fsm.maxOffBlk) {
		return nil
	}
	if err := fsm.file.truncate(int64(newSize)); err != nil {
		return newErr("fsm.trim", ErrKindIoErrno, err)
	}
	fsm.maxOffBlk = fsm.byteToBlock(newSize)
	return fsm.remapData(newSize)
}

// WriteHdr copies buf into the caller-controlled tail of the header
// region, past the fixed FSM/engine prefix.
func (fsm *FSM) WriteHdr(off uint64, buf []byte) error {
	m, _, err := fsm.pool.GetMmap(headerWindow)
	if err != nil {
		return err
	}
	start := hdrFixedPrefix + off
	if start+uint64(len(buf)) > uint64(len(m.data)) {
		return newErr("fsm.writehdr", ErrKindOutOfBounds, nil)
	}
	copy(m.data[start:start+uint64(len(buf))], buf)
	return m.flush(int(start), int(start+uint64(len(buf))))
}

func (fsm *FSM) ReadHdr(off uint64, buf []byte) error {
	m, _, err := fsm.pool.GetMmap(headerWindow)
	if err != nil {
		return err
	}
	start := hdrFixedPrefix + off
	if start+uint64(len(buf)) > uint64(len(m.data)) {
		return newErr("fsm.readhdr", ErrKindOutOfBounds, nil)
	}
	copy(buf, m.data[start:start+uint64(len(buf))])
	return nil
}

// Sync writes FSM metadata into the header and requests an fsync.
func (fsm *FSM) Sync(dataSync bool) error {
	if err := fsm.writeMeta(); err != nil {
		return err
	}
	if err := fsm.pool.SyncMmap(headerWindow); err != nil {
		return newErr("fsm.sync", ErrKindIoErrno, err)
	}
	if err := fsm.pool.SyncMmap(bitmapWindow); err != nil {
		return newErr("fsm.sync", ErrKindIoErrno, err)
	}
	if dataSync {
		return fsm.file.fdatasync()
	}
	return fsm.file.sync()
}

func (fsm *FSM) writeMeta() error {
	m, _, err := fsm.pool.GetMmap(headerWindow)
	if err != nil {
		return err
	}
	buf := m.data
	if len(buf) < hdrFixedPrefix {
		return ErrInvalidFileMeta
	}
	putUint32(buf[0:4], fileMagic)
	// bytes [4:12) hold the first-database offset, owned by Engine.writeHeader.
	buf[12] = uint8(fsm.blockPower)
	putUint64(buf[13:21], fsm.bmoff)
	putUint64(buf[21:29], fsm.bmlen)
	putUint64(buf[29:37], fsm.crzsum)
	putUint32(buf[37:41], fsm.crznum)
	putUint64(buf[41:49], fsm.crzvar)
	// 32 reserved bytes at [49:81)
	putUint32(buf[81:85], uint32(fsm.hdrlen))
	return nil
}

// Clear discards the free-tree and bitmap state and reinitializes them.
func (fsm *FSM) Clear() error {
	bmStartBlk := fsm.byteToBlock(fsm.bmoff)
	bmLenBlk := fsm.byteToBlock(roundUpBlk(fsm.bmlen, fsm.blockSize()))

	fsm.bitmap.clearRange(0, fsm.maxOffBlk)
	fsm.bitmap.setRange(0, bmStartBlk+bmLenBlk)

	fsm.tree = newFreeTree()
	if fsm.maxOffBlk > bmStartBlk+bmLenBlk {
		fsm.tree.insert(freeRun{offset: bmStartBlk + bmLenBlk, length: fsm.maxOffBlk - (bmStartBlk + bmLenBlk)})
	}
	fsm.crzsum, fsm.crznum, fsm.crzvar = 0, 0, 0
	return nil
}

func (fsm *FSM) close() error {
	return nil
}
