package duskv

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// BlockPower is the FSM's block-size exponent: block size = 1 << BlockPower.
type BlockPower uint8

const (
	MinBlockPower BlockPower = 6
	MaxBlockPower BlockPower = 20

	DefaultBlockPower BlockPower = 6
)

// OpenFlags control Engine.Open behavior.
type OpenFlags uint32

const (
	RDONLY OpenFlags = 1 << iota
	TRUNC
	NOLOCKS
)

// OpFlags control individual Put/cursor-set calls.
type OpFlags uint32

const (
	NoOverwrite OpFlags = 1 << iota
	SYNC
	DupRemove
)

// DBFlags control database key/value semantics, fixed at creation time.
type DBFlags uint32

const (
	ByteKeyMode DBFlags = 0
	Uint32Keys  DBFlags = 1 << iota
	Uint64Keys
	DupUint32Vals
	DupUint64Vals
)

// keyMode derives the comparator family from DBFlags.
func (f DBFlags) keyMode() keyMode {
	switch {
	case f&Uint64Keys != 0:
		return keyModeUint64
	case f&Uint32Keys != 0:
		return keyModeUint32
	default:
		return keyModeBytes
	}
}

func (f DBFlags) dupMode() dupMode {
	switch {
	case f&DupUint32Vals != 0:
		return dupModeUint32
	case f&DupUint64Vals != 0:
		return dupModeUint64
	default:
		return dupModeNone
	}
}

type keyMode int

const (
	keyModeBytes keyMode = iota
	keyModeUint32
	keyModeUint64
)

type dupMode int

const (
	dupModeNone dupMode = iota
	dupModeUint32
	dupModeUint64
)

// FsmAllocFlags control FSM.Allocate behavior.
type FsmAllocFlags uint32

const (
	PageAligned FsmAllocFlags = 1 << iota
	NoOverallocate
	NoExtend
	NoStats
	SolidAllocatedSpace
)

// EngineOpts configures Engine.Open.
type EngineOpts struct {
	Path       string
	Flags      OpenFlags
	BlockPower BlockPower
	RandomSeed int64

	// Logger is used for structured diagnostics. Defaults to a console
	// writer at info level when nil.
	Logger *zerolog.Logger

	// Strict makes every FSM deallocate check that the freed range is
	// fully allocated in the bitmap, surfacing FsmSegmentation on
	// mismatch. Allocate performs no such check.
	Strict bool

	// NoTrimOnClose skips the tail-trim-on-close step.
	NoTrimOnClose bool
}

// DBOpts configures Engine.DB.
type DBOpts struct {
	ID    uint32
	Flags DBFlags
}

// Engine is the top-level handle for one open storage file.
type Engine struct {
	path  string
	flags OpenFlags
	log   zerolog.Logger

	file *dbFile
	fsm  *FSM

	rnd   *rand.Rand
	rndMu sync.Mutex

	// rw is the engine-wide reader-writer lock: read-held for every API
	// call, write-held only for Close and db Destroy drain.
	rw sync.RWMutex

	hdr *fileHeader

	dbsMu sync.Mutex
	dbs   map[uint32]*DB

	wkCount int64
	wkCond  *sync.Cond
	wkMu    sync.Mutex

	errHandler atomic.Value // func(*Error)

	closed    atomic.Bool
	poisoned  atomic.Bool
	noTrimOnClose bool
}

// fileHeader mirrors the on-disk fixed prefix written at the start of
// every database file.
type fileHeader struct {
	magic        uint32
	firstDBOff   uint64
	blockPower   uint8
	fsmBitmapOff uint64
	fsmBitmapLen uint64
	crzsum       uint64
	crznum       uint32
	crzvar       uint64
	hdrlen       uint32
}

const (
	fileMagic = 0x64757376 // "dusv"

	hdrFixedPrefix = 4 + 8 + 1 + 8 + 8 + 8 + 4 + 8 + 32 + 4
)

// DB is an open handle to one named key-value space. It also behaves as
// the head node of its skip list: level, n and lcnt mirror the layout of
// an sblk's own forward-pointer arrays.
type DB struct {
	eng *Engine

	id    uint32
	flags DBFlags

	addr   uint64 // block address of the DB record
	nextDB uint32 // on-disk next-database block number, 0 if last

	mode keyMode
	dm   dupMode

	level uint8
	n     [sLevels]uint32
	lcnt  [sLevels]uint32

	rw sync.RWMutex // per-database rwlock; acquired engine->db, never reverse

	closed   atomic.Bool
	poisoned atomic.Bool
}
