package duskv

import "testing"

func TestCursorEQAndGE(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1, Flags: Uint32Keys})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	for _, v := range []uint32{10, 20, 30} {
		if err := db.Put(KeyUint32(v), []byte("v"), 0); err != nil {
			t.Fatalf("Put(%d): %v", v, err)
		}
	}

	c, err := db.CursorOpen(CursorEQ, KeyUint32(20))
	if err != nil {
		t.Fatalf("CursorOpen(EQ 20): %v", err)
	}
	key, _, err := c.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if getUint32BE(key) != 20 {
		t.Fatalf("expected EQ to land on 20, got %d", getUint32BE(key))
	}
	c.Close()

	if _, err := db.CursorOpen(CursorEQ, KeyUint32(15)); err != ErrNotFound {
		t.Fatalf("expected EQ on a missing key to report ErrNotFound, got %v", err)
	}

	c2, err := db.CursorOpen(CursorGE, KeyUint32(15))
	if err != nil {
		t.Fatalf("CursorOpen(GE 15): %v", err)
	}
	defer c2.Close()
	key2, _, err := c2.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if getUint32BE(key2) != 20 {
		t.Fatalf("expected GE 15 to land on its successor 20, got %d", getUint32BE(key2))
	}
}

func TestCursorPrevWalksBackwardFromAfterLast(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1, Flags: Uint32Keys})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	for _, v := range []uint32{1, 2, 3, 4, 5} {
		if err := db.Put(KeyUint32(v), []byte("v"), 0); err != nil {
			t.Fatalf("Put(%d): %v", v, err)
		}
	}

	c, err := db.CursorOpen(CursorAfterLast, nil)
	if err != nil {
		t.Fatalf("CursorOpen: %v", err)
	}
	defer c.Close()

	var seen []uint32
	for {
		if err := c.To(CursorPrev); err != nil {
			break
		}
		key, _, err := c.Get()
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		seen = append(seen, getUint32BE(key))
	}
	want := []uint32{5, 4, 3, 2, 1}
	if len(seen) != len(want) {
		t.Fatalf("expected %d keys walking backward, got %d (%v)", len(want), len(seen), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("position %d: expected %d, got %d", i, want[i], seen[i])
		}
	}
}

func TestCursorSetOverwritesValue(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("old"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c, err := db.CursorOpen(CursorEQ, []byte("k"))
	if err != nil {
		t.Fatalf("CursorOpen: %v", err)
	}
	defer c.Close()
	if err := c.Set([]byte("new"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "new" {
		t.Fatalf("expected %q after cursor Set, got %q", "new", val)
	}
}

func TestCursorDupValuesSet(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1, Flags: Uint32Keys | DupUint32Vals})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if err := db.Put(KeyUint32(42), nil, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c, err := db.CursorOpen(CursorEQ, KeyUint32(42))
	if err != nil {
		t.Fatalf("CursorOpen: %v", err)
	}
	defer c.Close()

	if _, err := c.DupAdd(7); err != nil {
		t.Fatalf("DupAdd(7): %v", err)
	}
	added, err := c.DupAdd(3)
	if err != nil {
		t.Fatalf("DupAdd(3): %v", err)
	}
	if !added {
		t.Fatal("expected DupAdd(3) to report added")
	}
	added, err = c.DupAdd(7)
	if err != nil {
		t.Fatalf("DupAdd(7) again: %v", err)
	}
	if added {
		t.Fatal("expected re-adding 7 to report not added")
	}

	n, err := c.DupNum()
	if err != nil {
		t.Fatalf("DupNum: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 duplicate ids, got %d", n)
	}
	ok, err := c.DupContains(3)
	if err != nil {
		t.Fatalf("DupContains: %v", err)
	}
	if !ok {
		t.Fatal("expected the set to contain 3")
	}

	var seen []uint64
	if err := c.DupIter(func(id uint64) bool {
		seen = append(seen, id)
		return true
	}); err != nil {
		t.Fatalf("DupIter: %v", err)
	}
	if len(seen) != 2 || seen[0] != 3 || seen[1] != 7 {
		t.Fatalf("expected ascending [3 7], got %v", seen)
	}

	removed, err := c.DupRemove(3)
	if err != nil {
		t.Fatalf("DupRemove: %v", err)
	}
	if !removed {
		t.Fatal("expected DupRemove(3) to report present")
	}
	n, err = c.DupNum()
	if err != nil {
		t.Fatalf("DupNum after remove: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining duplicate id, got %d", n)
	}
}

func TestCursorDupRejectedOnNonDupDB(t *testing.T) {
	eng := newTestEngine(t)
	db, err := eng.DB(DBOpts{ID: 1})
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c, err := db.CursorOpen(CursorEQ, []byte("k"))
	if err != nil {
		t.Fatalf("CursorOpen: %v", err)
	}
	defer c.Close()
	if _, err := c.DupAdd(1); err != ErrIncompatibleDbMode {
		t.Fatalf("expected ErrIncompatibleDbMode on a non-dup db, got %v", err)
	}
}
