package duskv

// searchResult pins the lower/upper neighbour at every level visited
// during a find_bounds walk, addressed as 0 for "the DB head itself".
type searchResult struct {
	lowerAddr [sLevels]uint64 // 0 means the DB head
	upperAddr [sLevels]uint64 // 0 means none (end of chain)
	found     bool
	foundAddr uint64
	slotIdx   int
}

// findBounds walks the skip list from the DB head downward, at each
// level advancing while the candidate's lowest key is strictly less
// than key, recording the last candidate under key as that level's
// lower and the first candidate not under key as upper. A key equal to
// some node's lowest key is reported found at slot 0 of that node (the
// level-0 upper); any other stored key lies in the final level-0 lower.
func findBounds(db *DB, key []byte) (*searchResult, error) {
	fsm := db.eng.fsm
	res := &searchResult{}

	curAddr := uint64(0) // 0 == DB head
	curNext := db.n

	for lvl := int(db.level); lvl >= 0; lvl-- {
		for {
			nextAddr := blockNumToAddr(fsm, curNext[lvl])
			if nextAddr == 0 {
				res.upperAddr[lvl] = 0
				break
			}
			cand, err := loadSblk(fsm, nextAddr)
			if err != nil {
				return nil, err
			}
			lk, err := cand.lowKey(fsm)
			if err != nil {
				return nil, err
			}
			c := cmpKeys(lk, key)
			if c < 0 {
				curAddr = nextAddr
				curNext = cand.n
				continue
			}
			if c == 0 {
				res.found, res.foundAddr = true, nextAddr
			}
			res.upperAddr[lvl] = nextAddr
			break
		}
		res.lowerAddr[lvl] = curAddr
	}
	if res.found {
		res.slotIdx = 0
		return res, nil
	}

	lowerAddr := res.lowerAddr[0]
	if lowerAddr == 0 {
		return res, nil
	}
	lower, err := loadSblk(fsm, lowerAddr)
	if err != nil {
		return nil, err
	}
	idx, found, err := lower.findSlot(fsm, key)
	if err != nil {
		return nil, err
	}
	res.slotIdx = idx
	if found {
		res.found = true
		res.foundAddr = lowerAddr
	}
	return res, nil
}
