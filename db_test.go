package duskv

import (
	"path/filepath"
	"testing"
)

func TestPutGetDelRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}

	if err := db.Put([]byte("alpha"), []byte("1"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, err := db.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "1" {
		t.Fatalf("expected %q, got %q", "1", val)
	}

	if err := db.Del([]byte("alpha")); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := db.Get([]byte("alpha")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPutOverwriteLastWriteWins(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}

	if err := db.Put([]byte("k"), []byte("v1"), 0); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v2"), 0); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	val, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "v2" {
		t.Fatalf("expected last write to win (%q), got %q", "v2", val)
	}
}

func TestPutNoOverwriteRejectsExistingKey(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v1"), 0); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v2"), NoOverwrite); err != ErrKeyExists {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
}

func TestDelIsIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Del([]byte("k")); err != nil {
		t.Fatalf("first Del: %v", err)
	}
	if err := db.Del([]byte("k")); err != ErrNotFound {
		t.Fatalf("expected second Del to report ErrNotFound, got %v", err)
	}
}

func TestNumericKeyOrderingMatchesNumericValue(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1, Flags: Uint64Keys})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}

	vals := []uint64{65536, 1, 256}
	for _, v := range vals {
		if err := db.Put(KeyUint64(v), []byte("x"), 0); err != nil {
			t.Fatalf("Put(%d): %v", v, err)
		}
	}

	c, err := db.CursorOpen(CursorBeforeFirst, nil)
	if err != nil {
		t.Fatalf("CursorOpen: %v", err)
	}
	defer c.Close()

	want := []uint64{1, 256, 65536}
	for i, w := range want {
		if err := c.To(CursorNext); err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		key, _, err := c.Get()
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		got := getUint64BE(key)
		if got != w {
			t.Fatalf("position %d: expected %d, got %d", i, w, got)
		}
	}
	if err := c.To(CursorNext); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound past the last key, got %v", err)
	}
}

func TestRejectsWrongWidthNumericKey(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1, Flags: Uint32Keys})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if err := db.Put([]byte("short"), []byte("v"), 0); err != ErrKeyNumValueSize {
		t.Fatalf("expected ErrKeyNumValueSize, got %v", err)
	}
}

func TestNodeSplitsAfterCapacityExceeded(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1, Flags: Uint32Keys})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}

	const n = 33
	for i := uint32(0); i < n; i++ {
		if err := db.Put(KeyUint32(i), []byte("v"), 0); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	firstAddr := blockNumToAddr(eng.fsm, db.n[0])
	if firstAddr == 0 {
		t.Fatal("expected at least one node after inserts")
	}
	first, err := loadSblk(eng.fsm, firstAddr)
	if err != nil {
		t.Fatalf("loadSblk: %v", err)
	}
	secondAddr := blockNumToAddr(eng.fsm, first.n[0])
	if secondAddr == 0 {
		t.Fatal("expected a split to have produced a second node")
	}
	second, err := loadSblk(eng.fsm, secondAddr)
	if err != nil {
		t.Fatalf("loadSblk(second): %v", err)
	}

	total := int(first.pnum) + int(second.pnum)
	if total != n {
		t.Fatalf("expected %d total pairs across the split chain, got %d (%d+%d)", n, total, first.pnum, second.pnum)
	}
	if int(first.pnum) > sblkPiNum || int(second.pnum) > sblkPiNum {
		t.Fatalf("expected both halves within node capacity, got %d and %d", first.pnum, second.pnum)
	}
	if blockNumToAddr(eng.fsm, second.n[0]) != 0 {
		t.Fatal("expected only one split for exactly 33 sequential inserts")
	}

	// every key must still be reachable in ascending order after the split.
	c, err := db.CursorOpen(CursorBeforeFirst, nil)
	if err != nil {
		t.Fatalf("CursorOpen: %v", err)
	}
	defer c.Close()
	var prev uint32
	for i := 0; i < n; i++ {
		if err := c.To(CursorNext); err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		key, _, err := c.Get()
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		got := getUint32BE(key)
		if i > 0 && got <= prev {
			t.Fatalf("expected strictly ascending keys, got %d after %d", got, prev)
		}
		prev = got
	}
}

func TestDBDestroyReclaimsAndUnlinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "destroy.duskv")
	eng, err := Open(EngineOpts{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	db, err := eng.DB(DBOpts{ID: 7})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := db.Put([]byte("k2"), []byte("v"), 0); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState on a destroyed db, got %v", err)
	}

	// Close drains the background reclamation worker Destroy started
	// before it persists metadata, so the destroyed db's chain is fully
	// reclaimed by the time the file is reopened.
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	eng2, err := Open(EngineOpts{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer eng2.Close()

	db2, err := eng2.DB(DBOpts{ID: 7})
	if err != nil {
		t.Fatalf("recreating db 7: %v", err)
	}
	if _, err := db2.Get([]byte("k")); err != ErrNotFound {
		t.Fatalf("expected the recreated db to start empty, got %v", err)
	}
}
