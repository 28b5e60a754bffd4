package duskv

import (
	"fmt"
	"testing"
)

func TestKvblkAddGetDel(t *testing.T) {
	eng := newTestEngine(t)
	addr, _, err := eng.fsm.Allocate(eng.fsm.byteToBlock(1<<minSzPow), 0, FsmAllocFlags(0))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	kb, err := createKvblk(eng.fsm, addr, minSzPow)
	if err != nil {
		t.Fatalf("createKvblk: %v", err)
	}

	idx, err := kb.Addkv([]byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("Addkv: %v", err)
	}
	val, err := kb.GetVal(idx)
	if err != nil {
		t.Fatalf("GetVal: %v", err)
	}
	if string(val) != "1" {
		t.Fatalf("expected %q, got %q", "1", val)
	}

	if err := kb.Updatekv(idx, []byte("a"), []byte("2")); err != nil {
		t.Fatalf("Updatekv: %v", err)
	}
	val, err = kb.GetVal(idx)
	if err != nil {
		t.Fatalf("GetVal after update: %v", err)
	}
	if string(val) != "2" {
		t.Fatalf("expected %q after update, got %q", "2", val)
	}

	if err := kb.Rmkv(idx); err != nil {
		t.Fatalf("Rmkv: %v", err)
	}
	if _, err := kb.GetVal(idx); err == nil {
		t.Fatal("expected error reading a removed slot")
	}
}

func TestKvblkCompactionAvoidsGrowth(t *testing.T) {
	eng := newTestEngine(t)
	addr, _, err := eng.fsm.Allocate(eng.fsm.byteToBlock(1<<minSzPow), 0, FsmAllocFlags(0))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	kb, err := createKvblk(eng.fsm, addr, minSzPow)
	if err != nil {
		t.Fatalf("createKvblk: %v", err)
	}

	// fill every slot with a small pair, then free every even slot and
	// reinsert the same number of pairs: compaction should reclaim the
	// fragmented space without growing the block.
	idxs := make([]int, 0, kvblkIdxNum)
	for i := 0; i < kvblkIdxNum; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		idx, err := kb.Addkv(key, []byte("v"))
		if err != nil {
			t.Fatalf("Addkv(%d): %v", i, err)
		}
		idxs = append(idxs, idx)
	}
	startPow := kb.szpow

	for i := 0; i < kvblkIdxNum; i += 2 {
		if err := kb.Rmkv(idxs[i]); err != nil {
			t.Fatalf("Rmkv(%d): %v", i, err)
		}
	}
	for i := 0; i < kvblkIdxNum/2; i++ {
		key := []byte(fmt.Sprintf("r%02d", i))
		if _, err := kb.Addkv(key, []byte("v")); err != nil {
			t.Fatalf("Addkv after free(%d): %v", i, err)
		}
	}

	if kb.szpow != startPow {
		t.Fatalf("expected compaction to avoid growth: szpow went from %d to %d", startPow, kb.szpow)
	}
}

func TestKvblkGrowsWhenCapacityExceeded(t *testing.T) {
	eng := newTestEngine(t)
	addr, _, err := eng.fsm.Allocate(eng.fsm.byteToBlock(1<<minSzPow), 0, FsmAllocFlags(0))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	kb, err := createKvblk(eng.fsm, addr, minSzPow)
	if err != nil {
		t.Fatalf("createKvblk: %v", err)
	}
	startPow := kb.szpow

	val := make([]byte, 10)
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		if _, err := kb.Addkv(key, val); err != nil {
			t.Fatalf("Addkv(%d): %v", i, err)
		}
	}
	if kb.szpow <= startPow {
		t.Fatalf("expected block to have grown past szpow %d, got %d", startPow, kb.szpow)
	}
}

func TestKvblkFullReturnsErrKvblockFull(t *testing.T) {
	eng := newTestEngine(t)
	addr, _, err := eng.fsm.Allocate(eng.fsm.byteToBlock(1<<minSzPow), 0, FsmAllocFlags(0))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	kb, err := createKvblk(eng.fsm, addr, minSzPow)
	if err != nil {
		t.Fatalf("createKvblk: %v", err)
	}

	for i := 0; i < kvblkIdxNum; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		if _, err := kb.Addkv(key, []byte("v")); err != nil {
			t.Fatalf("Addkv(%d): %v", i, err)
		}
	}
	if _, err := kb.Addkv([]byte("overflow"), []byte("v")); err != ErrKvblockFull {
		t.Fatalf("expected ErrKvblockFull once all 32 slots are used, got %v", err)
	}
}
