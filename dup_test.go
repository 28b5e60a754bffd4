package duskv

import "testing"

func TestDupAddDedupAndOrder(t *testing.T) {
	var val []byte
	var added bool

	val, added = dupAdd(dupModeUint32, val, 42)
	if !added {
		t.Fatal("expected first add of 42 to report added")
	}
	val, added = dupAdd(dupModeUint32, val, 7)
	if !added {
		t.Fatal("expected add of 7 to report added")
	}
	val, added = dupAdd(dupModeUint32, val, 7)
	if added {
		t.Fatal("expected re-adding 7 to report not added")
	}

	if n := dupNum(dupModeUint32, val); n != 2 {
		t.Fatalf("expected 2 ids, got %d", n)
	}
	if !dupContains(dupModeUint32, val, 7) {
		t.Fatal("expected set to contain 7")
	}
	if !dupContains(dupModeUint32, val, 42) {
		t.Fatal("expected set to contain 42")
	}
	if dupContains(dupModeUint32, val, 99) {
		t.Fatal("expected set not to contain 99")
	}

	var seen []uint64
	dupIter(dupModeUint32, val, func(id uint64) bool {
		seen = append(seen, id)
		return true
	})
	if len(seen) != 2 || seen[0] != 7 || seen[1] != 42 {
		t.Fatalf("expected ascending [7 42], got %v", seen)
	}
}

func TestDupRemove(t *testing.T) {
	var val []byte
	val, _ = dupAdd(dupModeUint64, val, 1)
	val, _ = dupAdd(dupModeUint64, val, 2)
	val, _ = dupAdd(dupModeUint64, val, 3)

	val, removed := dupRemove(dupModeUint64, val, 2)
	if !removed {
		t.Fatal("expected removal of 2 to report present")
	}
	if dupContains(dupModeUint64, val, 2) {
		t.Fatal("expected 2 to be gone after removal")
	}
	if n := dupNum(dupModeUint64, val); n != 2 {
		t.Fatalf("expected 2 remaining ids, got %d", n)
	}

	_, removed = dupRemove(dupModeUint64, val, 2)
	if removed {
		t.Fatal("expected removing an absent id to report not present")
	}
}

func TestDupIterEarlyStop(t *testing.T) {
	var val []byte
	val, _ = dupAdd(dupModeUint32, val, 1)
	val, _ = dupAdd(dupModeUint32, val, 2)
	val, _ = dupAdd(dupModeUint32, val, 3)

	count := 0
	dupIter(dupModeUint32, val, func(id uint64) bool {
		count++
		return id != 2
	})
	if count != 2 {
		t.Fatalf("expected iteration to stop after the second id, got %d calls", count)
	}
}
