package duskv

import "testing"

func TestPersistedBitmapSetClearRange(t *testing.T) {
	pb := newPersistedBitmap(128)
	pb.setRange(10, 5)
	if !pb.allBitsSet(10, 5) {
		t.Fatal("expected bits [10,15) to be set")
	}
	if !pb.allBitsClear(0, 10) {
		t.Fatal("expected bits [0,10) to still be clear")
	}
	pb.clearRange(10, 5)
	if !pb.allBitsClear(10, 5) {
		t.Fatal("expected bits [10,15) to be clear again")
	}
}

func TestPersistedBitmapFindNextSetBit(t *testing.T) {
	pb := newPersistedBitmap(64)
	pb.setRange(20, 1)
	pos, ok := pb.findNextSetBit(0, 64)
	if !ok || pos != 20 {
		t.Fatalf("expected next set bit at 20, got (%d, %v)", pos, ok)
	}
	if _, ok := pb.findNextSetBit(21, 64); ok {
		t.Fatal("expected no set bit past 20")
	}
}

func TestPersistedBitmapFindPrevSetBit(t *testing.T) {
	pb := newPersistedBitmap(64)
	pb.setRange(5, 1)
	pos, ok := pb.findPrevSetBit(30, 0)
	if !ok || pos != 5 {
		t.Fatalf("expected prev set bit at 5, got (%d, %v)", pos, ok)
	}
}

func TestPersistedBitmapHighestSetBit(t *testing.T) {
	pb := newPersistedBitmap(64)
	pb.setRange(3, 1)
	pb.setRange(40, 1)
	pos, ok := pb.highestSetBit(64)
	if !ok || pos != 40 {
		t.Fatalf("expected highest set bit at 40, got (%d, %v)", pos, ok)
	}
}

func TestPersistedBitmapLoadRoundTrip(t *testing.T) {
	region := make([]byte, 16) // 128 bits
	pb := loadPersistedBitmap(region, 128)
	pb.setRange(0, 3)
	pb.setRange(64, 2)

	reloaded := loadPersistedBitmap(region, 128)
	if !reloaded.allBitsSet(0, 3) || !reloaded.allBitsSet(64, 2) {
		t.Fatal("expected bits set before reload to persist through the byte region")
	}
	if !reloaded.allBitsClear(3, 61) {
		t.Fatal("expected untouched bits to remain clear after reload")
	}
}
