package duskv

import "github.com/google/btree"

// freeRun is one entry in the in-memory free-run tree: a contiguous span
// of `length` free blocks starting at block `offset`. Kept as two plain
// uint64 fields compared by the ordering below rather than packed into a
// single 64-bit key, which is simpler to reason about without changing
// the resulting search order.
type freeRun struct {
	offset uint64
	length uint64
}

// freeRunLess orders the tree primary by length descending (so the
// smallest sufficient run is the nearest neighbour of a (minLen, ·) probe
// on the longer-runs side: best-fit by nearest neighbour in length) and
// secondary by offset descending.
func freeRunLess(a, b freeRun) bool {
	if a.length != b.length {
		return a.length > b.length
	}
	return a.offset > b.offset
}

// freeTree is the FSM's in-memory free-run tree, rebuilt from the bitmap
// on open and mutated on every allocate/deallocate. Backed by
// github.com/google/btree (referenced by several corpus manifests, e.g.
// moby-moby and solarisdb-solaris, as the ecosystem's standard in-memory
// ordered tree) rather than a hand-rolled balanced tree.
type freeTree struct {
	t *btree.BTreeG[freeRun]
}

func newFreeTree() *freeTree {
	return &freeTree{t: btree.NewG(32, freeRunLess)}
}

func (ft *freeTree) insert(r freeRun) {
	if r.length == 0 {
		return
	}
	ft.t.ReplaceOrInsert(r)
}

func (ft *freeTree) remove(r freeRun) {
	ft.t.Delete(r)
}

func (ft *freeTree) len() int { return ft.t.Len() }

// bestFitByLength returns the smallest free run with length >= minLen.
// Used by the page-aligned allocator's first probe.
func (ft *freeTree) bestFitByLength(minLen uint64) (freeRun, bool) {
	var found freeRun
	ok := false
	ft.t.DescendLessOrEqual(freeRun{length: minLen, offset: 0}, func(r freeRun) bool {
		if r.length >= minLen {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

// scanAlignedFit performs a full scan of the tree, keeping the run with
// the smallest offset that still admits an aligned fit. This is the
// last-resort fallback once the length-indexed probes come up empty.
func (ft *freeTree) scanAlignedFit(minLen uint64, fits func(r freeRun) bool) (freeRun, bool) {
	var best freeRun
	ok := false
	ft.t.Ascend(func(r freeRun) bool {
		if r.length < minLen {
			return true
		}
		if !fits(r) {
			return true
		}
		if !ok || r.offset < best.offset {
			best, ok = r, true
		}
		return true
	})
	return best, ok
}

// nearestByOffset returns, among the free runs of the smallest length
// >= minLen, the one whose offset is nearest to hint, examining both the
// lower and upper neighbour of the (hint, length) pivot in tree order and
// taking whichever is closer.
func (ft *freeTree) nearestByOffset(hint, minLen uint64) (freeRun, bool) {
	best, ok := ft.bestFitByLength(minLen)
	if !ok {
		return freeRun{}, false
	}
	pivot := freeRun{length: best.length, offset: hint}

	var upper freeRun
	hasUpper := false
	ft.t.AscendGreaterOrEqual(pivot, func(r freeRun) bool {
		if r.length == best.length {
			upper, hasUpper = r, true
		}
		return false
	})

	var lower freeRun
	hasLower := false
	ft.t.DescendLessOrEqual(pivot, func(r freeRun) bool {
		if r.length == best.length {
			lower, hasLower = r, true
		}
		return false
	})

	switch {
	case hasUpper && hasLower:
		du := absDiff(upper.offset, hint)
		dl := absDiff(lower.offset, hint)
		if du <= dl {
			return upper, true
		}
		return lower, true
	case hasUpper:
		return upper, true
	case hasLower:
		return lower, true
	default:
		return freeRun{}, false
	}
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
