package loam

import (
	"encoding/binary"
	"slices"
)

// Free table records are keyed by the big-endian id of the transaction
// that retired the pages, so the default byte order walks records oldest
// first. The value is a count followed by the sorted page numbers.

const freeKeySize = 8

func encodeFreeKey(buf []byte, id txnid) {
	binary.BigEndian.PutUint64(buf, uint64(id))
}

func decodeFreeKey(key []byte) txnid {
	if len(key) != freeKeySize {
		return 0
	}
	return txnid(binary.BigEndian.Uint64(key))
}

func encodeFreeRecord(buf []byte, pages []pgno) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pages)))
	for _, pg := range pages {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(pg))
	}
	return buf
}

func decodeFreeRecord(val []byte) ([]pgno, error) {
	if len(val) < 4 {
		return nil, NewError(ErrCorrupted)
	}
	count := int(binary.LittleEndian.Uint32(val))
	if len(val) < 4+count*4 {
		return nil, NewError(ErrCorrupted)
	}
	pages := make([]pgno, count)
	for i := 0; i < count; i++ {
		pages[i] = pgno(binary.LittleEndian.Uint32(val[4+i*4:]))
	}
	return pages, nil
}

// reuseFloor returns the newest retirement id whose pages are safe to
// reuse: nothing newer than the oldest reader snapshot, and nothing
// newer than the last steady meta, which crash recovery may roll back
// to. The floor is inclusive on purpose: record N holds the pages
// retired while creating snapshot N, which no snapshot at or above N
// can reference, so a reader pinned exactly at N does not block record
// N itself.
func (txn *Txn) reuseFloor() txnid {
	env := txn.env

	floor := txn.id - 1
	if sm := env.meta.Load().steadyMeta(); sm != nil && sm.txnID() < floor {
		floor = sm.txnID()
	}
	if o := env.lockFile.oldestReader(); o < floor {
		floor = o
	}
	return floor
}

// allocPages hands out count contiguous pages. Single pages come from
// the loose list, then the reclaimed pool, then free table refill;
// growing the file is the last resort and the only source for chains.
func (txn *Txn) allocPages(count int) (pgno, error) {
	if count <= 0 {
		return invalidPgno, NewError(ErrInvalid)
	}

	if count == 1 {
		if n := len(txn.loose); n > 0 {
			pg := txn.loose[n-1]
			txn.loose = txn.loose[:n-1]
			return pg, nil
		}
		if n := len(txn.reclaimed); n > 0 {
			pg := txn.reclaimed[n-1]
			txn.reclaimed = txn.reclaimed[:n-1]
			return pg, nil
		}
		if txn.parent == nil && !txn.gcBusy {
			if err := txn.refillReclaimed(); err != nil {
				return invalidPgno, err
			}
			if n := len(txn.reclaimed); n > 0 {
				pg := txn.reclaimed[n-1]
				txn.reclaimed = txn.reclaimed[:n-1]
				return pg, nil
			}
		}
	} else if txn.parent == nil {
		if pg, ok := txn.takeReclaimedRun(count); ok {
			return pg, nil
		}
		if !txn.gcBusy {
			if err := txn.refillReclaimed(); err != nil {
				return invalidPgno, err
			}
			if pg, ok := txn.takeReclaimedRun(count); ok {
				return pg, nil
			}
		}
	}

	return txn.growFile(count)
}

// growFile allocates past the current watermark, extending the file
// geometry up to its upper bound.
func (txn *Txn) growFile(count int) (pgno, error) {
	pg := txn.geo.Next
	next := uint64(pg) + uint64(count)
	if txn.geo.Upper != 0 && next > uint64(txn.geo.Upper) {
		return invalidPgno, NewError(ErrMapFull)
	}
	if next > uint64(maxPgno) {
		return invalidPgno, NewError(ErrMapFull)
	}
	txn.geo.Next = pgno(next)
	return pg, nil
}

// takeReclaimedRun extracts a contiguous ascending run of count pages
// from the sorted reclaimed pool.
func (txn *Txn) takeReclaimedRun(count int) (pgno, bool) {
	if len(txn.reclaimed) < count {
		return invalidPgno, false
	}
	slices.Sort(txn.reclaimed)

	runStart := 0
	for i := 1; i <= len(txn.reclaimed); i++ {
		if i < len(txn.reclaimed) && txn.reclaimed[i] == txn.reclaimed[i-1]+1 {
			continue
		}
		if i-runStart >= count {
			pg := txn.reclaimed[runStart]
			txn.reclaimed = append(txn.reclaimed[:runStart], txn.reclaimed[runStart+count:]...)
			return pg, true
		}
		runStart = i
	}
	return invalidPgno, false
}

// refillReclaimed pulls the oldest reclaimable record out of the free
// table into the pool. The deletion itself touches free table pages, so
// the pool is refilled under the gcBusy guard to stop the recursion.
func (txn *Txn) refillReclaimed() error {
	tr := &txn.trees[FreeTable]
	if tr.isEmpty() {
		return nil
	}

	floor := txn.reuseFloor()

	txn.gcBusy = true
	defer func() { txn.gcBusy = false }()

	c, err := txn.OpenCursor(FreeTable)
	if err != nil {
		return err
	}
	defer c.Close()

	key, val, err := c.Get(nil, nil, First)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}

	id := decodeFreeKey(key)
	if id == 0 || id > floor {
		return nil
	}

	pages, err := decodeFreeRecord(val)
	if err != nil {
		return err
	}
	if err := c.Del(0); err != nil {
		return err
	}

	txn.reclaimed = append(txn.reclaimed, pages...)
	txn.env.log.Debug("reclaimed free pages",
		"retiredAt", uint64(id), "count", len(pages), "floor", uint64(floor))
	return nil
}

// retirePage queues a page for the free table once this commit lands.
func (txn *Txn) retirePage(pg pgno) {
	txn.retired = append(txn.retired, pg)
	txn.pagesRetired++
}

// retireOverflow queues a whole overflow chain.
func (txn *Txn) retireOverflow(pg pgno, count uint32) {
	for i := uint32(0); i < count; i++ {
		txn.retired = append(txn.retired, pg+pgno(i))
	}
	txn.pagesRetired += uint64(count)
}

// maxGCIterations bounds the commit-time fixpoint: updating the free
// table retires pages, which changes the record being written.
const maxGCIterations = 64

// saveFreeTable folds this transaction's freed pages into the free
// table under the committing id, looping until the record stops
// changing.
func (txn *Txn) saveFreeTable() error {
	txn.gcBusy = true
	defer func() { txn.gcBusy = false }()

	c, err := txn.OpenCursor(FreeTable)
	if err != nil {
		return err
	}
	defer c.Close()

	var keyBuf [freeKeySize]byte
	encodeFreeKey(keyBuf[:], txn.id)

	var valBuf []byte
	written := -1

	for iter := 0; iter < maxGCIterations; iter++ {
		// Loose pages and unused pool leftovers have no committed
		// record anymore; they go back under this id.
		pending := txn.retired
		pending = append(pending, txn.loose...)
		txn.loose = txn.loose[:0]
		pending = append(pending, txn.reclaimed...)
		txn.reclaimed = txn.reclaimed[:0]
		txn.retired = pending

		if len(pending) == 0 {
			return nil
		}
		if len(pending) == written {
			return nil
		}

		slices.Sort(txn.retired)
		txn.retired = slices.Compact(txn.retired)

		valBuf = encodeFreeRecord(valBuf[:0], txn.retired)
		written = len(txn.retired)

		if err := c.Put(keyBuf[:], valBuf, Upsert); err != nil {
			return err
		}
	}
	return NewError(ErrProblem)
}

// maybeShrink trims file tail space past the watermark when nothing can
// still reference it. Every surviving meta slot caps how far the file
// may shrink.
func (txn *Txn) maybeShrink() {
	g := &txn.geo
	if g.ShrinkThresh == 0 || txn.env.lockFile.hasActiveReaders() {
		return
	}

	keep := g.Next
	mt := txn.env.meta.Load()
	for i := 0; i < NumMetas; i++ {
		if mt.metas[i] != nil && mt.metas[i].Geo.Next > keep {
			keep = mt.metas[i].Geo.Next
		}
	}

	if uint64(g.Now) < uint64(keep)+uint64(g.ShrinkThresh) {
		return
	}

	newNow := keep + pgno(g.GrowthStep)
	if newNow < g.Lower {
		newNow = g.Lower
	}
	newSize := alignToSysPageSize(int64(newNow) * int64(txn.pageSize))
	newNow = pgno(newSize / int64(txn.pageSize))
	if newNow >= g.Now {
		return
	}

	if err := txn.env.dataFile.Truncate(newSize); err != nil {
		return
	}
	g.Now = newNow
	txn.env.log.Debug("shrank data file", "pages", newNow)
}
