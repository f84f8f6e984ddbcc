package loam

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/loamdb/loam/internal/pagemap"
)

// txnSignature marks live transaction handles.
const txnSignature uint32 = 0x4C4F5458 // "LOTX"

// CmpFunc compares two keys or two duplicate values.
type CmpFunc func(a, b []byte) int

func reverseCmp(a, b []byte) int {
	return bytes.Compare(b, a)
}

// Global transaction caches, avoids sync.Pool.Put allocation overhead.
var (
	globalWriteTxnCache   []*Txn
	globalWriteTxnCacheMu sync.Mutex
	writeTxnCacheCap      = 64

	globalReadTxnCache   []*Txn
	globalReadTxnCacheMu sync.Mutex
	readTxnCacheCap      = 256
)

func getWriteTxnFromCache() *Txn {
	globalWriteTxnCacheMu.Lock()
	n := len(globalWriteTxnCache)
	if n > 0 {
		txn := globalWriteTxnCache[n-1]
		globalWriteTxnCache = globalWriteTxnCache[:n-1]
		globalWriteTxnCacheMu.Unlock()
		return txn
	}
	globalWriteTxnCacheMu.Unlock()
	return &Txn{}
}

func returnWriteTxnToCache(txn *Txn) {
	globalWriteTxnCacheMu.Lock()
	if len(globalWriteTxnCache) < writeTxnCacheCap {
		globalWriteTxnCache = append(globalWriteTxnCache, txn)
	}
	globalWriteTxnCacheMu.Unlock()
}

func getReadTxnFromCache() *Txn {
	globalReadTxnCacheMu.Lock()
	n := len(globalReadTxnCache)
	if n > 0 {
		txn := globalReadTxnCache[n-1]
		globalReadTxnCache = globalReadTxnCache[:n-1]
		globalReadTxnCacheMu.Unlock()
		return txn
	}
	globalReadTxnCacheMu.Unlock()
	return &Txn{}
}

func returnReadTxnToCache(txn *Txn) {
	globalReadTxnCacheMu.Lock()
	if len(globalReadTxnCache) < readTxnCacheCap {
		globalReadTxnCache = append(globalReadTxnCache, txn)
	}
	globalReadTxnCacheMu.Unlock()
}

// dirtyPage is a copied-on-write page owned by a write transaction.
// Overflow chains keep one buffer spanning several page slots, keyed by
// the first page number.
type dirtyPage struct {
	data []byte
	seq  uint64 // touch order, lowest spills first
}

// dirtyTracker maps page numbers to their in-transaction copies.
type dirtyTracker struct {
	pages pagemap.Map[*dirtyPage]
	seq   uint64
}

func (d *dirtyTracker) get(pn pgno) *dirtyPage {
	dp, _ := d.pages.Get(uint32(pn))
	return dp
}

func (d *dirtyTracker) put(pn pgno, data []byte) *dirtyPage {
	d.seq++
	dp := &dirtyPage{data: data, seq: d.seq}
	d.pages.Set(uint32(pn), dp)
	return dp
}

func (d *dirtyTracker) touch(pn pgno) {
	if dp, ok := d.pages.Get(uint32(pn)); ok {
		d.seq++
		dp.seq = d.seq
	}
}

func (d *dirtyTracker) delete(pn pgno) {
	d.pages.Delete(uint32(pn))
}

func (d *dirtyTracker) forEach(fn func(pgno, *dirtyPage)) {
	d.pages.ForEach(func(k uint32, dp *dirtyPage) {
		fn(pgno(k), dp)
	})
}

func (d *dirtyTracker) len() int {
	return d.pages.Len()
}

func (d *dirtyTracker) clear() {
	d.pages.Clear()
	d.seq = 0
}

// Txn is a transaction. Read transactions pin a snapshot through a
// reader slot; at most one write transaction is live per environment.
type Txn struct {
	signature uint32
	flags     TxnFlags
	env       *Env
	id        txnid
	parent    *Txn
	child     *Txn
	mu        sync.Mutex

	readerSlot int

	mmapData []byte
	pageSize uint32

	// Working copy of the committed state.
	geo          geometry
	pagesRetired uint64

	// Tree state per table handle, loaded lazily for named tables.
	trees       []tree
	treesLoaded *bitset.BitSet
	tablesDirty *bitset.BitSet

	// Cached comparators per table handle.
	cmps  []CmpFunc
	dcmps []CmpFunc

	// Write state.
	dirty       dirtyTracker
	dirtyLimit  int
	spilled     *bitset.BitSet
	loose       []pgno
	retired     []pgno
	reclaimed   []pgno
	gcBusy      bool
	forceSteady bool

	// Open cursors, invalidated on commit or abort.
	cursors       []*Cursor
	cachedCursors []*Cursor

	// Buffers owed to the global page cache on completion.
	pooledBuffers [][]byte

	// Scratch for node building.
	scratch []byte
}

func (txn *Txn) valid() bool {
	return txn != nil && txn.signature == txnSignature
}

// Env returns the transaction's environment.
func (txn *Txn) Env() *Env {
	return txn.env
}

// ID returns the transaction id.
func (txn *Txn) ID() uint64 {
	return uint64(txn.id)
}

// IsReadOnly reports whether this is a read transaction.
func (txn *Txn) IsReadOnly() bool {
	return txn.flags&TxnReadOnly != 0
}

// initTrees loads the core table trees from a decoded meta.
func (txn *Txn) initTrees(m *meta) {
	if cap(txn.trees) < CoreTables {
		txn.trees = make([]tree, CoreTables, CoreTables+8)
	} else {
		txn.trees = txn.trees[:CoreTables]
	}
	txn.trees[FreeTable] = m.FreeTable
	txn.trees[MainTable] = m.MainTable

	if txn.treesLoaded == nil {
		txn.treesLoaded = bitset.New(CoreTables)
	} else {
		txn.treesLoaded.ClearAll()
	}
	txn.treesLoaded.Set(uint(FreeTable))
	txn.treesLoaded.Set(uint(MainTable))

	txn.cmps = txn.cmps[:0]
	txn.dcmps = txn.dcmps[:0]
}

func (txn *Txn) resetWriteState() {
	txn.dirty.clear()
	if txn.spilled == nil {
		txn.spilled = bitset.New(1024)
	} else {
		txn.spilled.ClearAll()
	}
	if txn.tablesDirty == nil {
		txn.tablesDirty = bitset.New(64)
	} else {
		txn.tablesDirty.ClearAll()
	}
	txn.loose = txn.loose[:0]
	txn.retired = txn.retired[:0]
	txn.reclaimed = txn.reclaimed[:0]
	txn.gcBusy = false
	txn.forceSteady = false
	txn.child = nil
	if txn.scratch == nil {
		txn.scratch = make([]byte, 0, 4096)
	}
}

// treeFor returns the working tree for a table handle, re-reading the
// descriptor for handles opened in an earlier transaction.
func (txn *Txn) treeFor(t Table) (*tree, error) {
	if int(t) < len(txn.trees) && txn.treesLoaded != nil && txn.treesLoaded.Test(uint(t)) {
		return &txn.trees[t], nil
	}
	return txn.loadTree(t)
}

// cmpFor returns the key comparator for a table, caching it.
func (txn *Txn) cmpFor(t Table) CmpFunc {
	idx := int(t)
	if idx < len(txn.cmps) && txn.cmps[idx] != nil {
		return txn.cmps[idx]
	}
	for len(txn.cmps) <= idx {
		txn.cmps = append(txn.cmps, nil)
	}

	cmp := CmpFunc(bytes.Compare)
	txn.env.tablesMu.RLock()
	if idx < len(txn.env.tables) && txn.env.tables[idx] != nil {
		info := txn.env.tables[idx]
		switch {
		case info.cmp != nil:
			cmp = info.cmp
		case info.flags&ReverseKey != 0:
			cmp = reverseCmp
		}
	}
	txn.env.tablesMu.RUnlock()

	txn.cmps[idx] = cmp
	return cmp
}

// dupCmpFor returns the duplicate value comparator for a table.
func (txn *Txn) dupCmpFor(t Table) CmpFunc {
	idx := int(t)
	if idx < len(txn.dcmps) && txn.dcmps[idx] != nil {
		return txn.dcmps[idx]
	}
	for len(txn.dcmps) <= idx {
		txn.dcmps = append(txn.dcmps, nil)
	}

	cmp := CmpFunc(bytes.Compare)
	txn.env.tablesMu.RLock()
	if idx < len(txn.env.tables) && txn.env.tables[idx] != nil && txn.env.tables[idx].dcmp != nil {
		cmp = txn.env.tables[idx].dcmp
	}
	txn.env.tablesMu.RUnlock()

	txn.dcmps[idx] = cmp
	return cmp
}

// ============== Page views ==============

// pageBytes resolves a page number to its bytes for this transaction:
// the dirty copy if one exists, the parent's copy in a nested
// transaction, otherwise the mapped file.
func (txn *Txn) pageBytes(pg pgno) ([]byte, error) {
	if txn.flags&TxnReadOnly == 0 {
		if dp := txn.dirty.get(pg); dp != nil {
			return dp.data, nil
		}
		if txn.parent != nil {
			return txn.parent.pageBytes(pg)
		}
		if txn.spilled.Test(uint(pg)) {
			return txn.readSpilled(pg)
		}
	}

	ps := uint64(txn.pageSize)
	offset := uint64(pg) * ps
	end := offset + ps
	if end <= uint64(len(txn.mmapData)) {
		return txn.mmapData[offset:end], nil
	}

	// The environment mapping may be newer than the snapshot taken at
	// begin; fall through to it before giving up.
	return txn.env.getPageData(pg)
}

// readSpilled reads back a page this transaction spilled to disk.
func (txn *Txn) readSpilled(pg pgno) ([]byte, error) {
	buf := txn.env.getPageBuffer()
	off := int64(pg) * int64(txn.pageSize)
	if _, err := txn.env.dataFile.ReadAt(buf, off); err != nil {
		txn.pooledBuffers = append(txn.pooledBuffers, buf)
		return nil, WrapError(ErrPageNotFound, err)
	}
	txn.pooledBuffers = append(txn.pooledBuffers, buf)
	return buf, nil
}

// overflowValue returns a value stored on an overflow chain starting at
// pg. Chains are contiguous so the value is one slice.
func (txn *Txn) overflowValue(pg pgno, size uint32) ([]byte, error) {
	if txn.flags&TxnReadOnly == 0 {
		for t := txn; t != nil; t = t.parent {
			if dp := t.dirty.get(pg); dp != nil {
				if len(dp.data) < pageHeaderSize+int(size) {
					return nil, NewError(ErrCorrupted)
				}
				return dp.data[pageHeaderSize : pageHeaderSize+int(size)], nil
			}
		}
	}

	ps := uint64(txn.pageSize)
	start := uint64(pg)*ps + pageHeaderSize
	end := start + uint64(size)
	if end > uint64(len(txn.mmapData)) {
		data := txn.env.dataMap.Data()
		if end > uint64(len(data)) {
			return nil, NewError(ErrPageNotFound)
		}
		return data[start:end:end], nil
	}
	return txn.mmapData[start:end:end], nil
}

// leafValue resolves a leaf entry to its value bytes, following
// overflow chains and surfacing the first duplicate for dup entries.
// On non-DupSort tables a nodeSubTree entry is a named-table
// descriptor and its raw bytes are returned.
func (txn *Txn) leafValue(p *page, idx int, dupSort bool) ([]byte, error) {
	flags := nodeEntryFlagsFast(p, idx)
	if flags&nodeBig != 0 {
		return txn.overflowValue(nodeOverflowPgno(p, idx), nodeValSize(p, idx))
	}
	val := nodeValFast(p, idx)
	if !dupSort {
		return val, nil
	}
	if flags&nodeSubTree != 0 {
		return txn.subTreeFirstValue(val)
	}
	if flags&nodeSubPage != 0 {
		return subPageFirstValue(val)
	}
	return val, nil
}

// subPageFirstValue returns the first duplicate from an embedded
// sub-page. Sub-page entries store the duplicate as the node key.
func subPageFirstValue(data []byte) ([]byte, error) {
	if len(data) < pageHeaderSize {
		return nil, NewError(ErrCorrupted)
	}
	sp := page{Data: data}
	if sp.numEntries() == 0 {
		return nil, NewError(ErrNotFound)
	}
	if sp.isDupFixed() {
		sz := int(sp.dupFixedSize())
		if sz <= 0 || pageHeaderSize+sz > len(data) {
			return nil, NewError(ErrCorrupted)
		}
		return data[pageHeaderSize : pageHeaderSize+sz : pageHeaderSize+sz], nil
	}
	return nodeKey(&sp, 0), nil
}

// subTreeFirstValue descends a duplicate sub-tree to its smallest
// value. Sub-tree leaves store duplicates as node keys.
func (txn *Txn) subTreeFirstValue(treeData []byte) ([]byte, error) {
	if len(treeData) < treeDescSize {
		return nil, NewError(ErrCorrupted)
	}
	var sub tree
	sub.decode(treeData)
	if sub.isEmpty() {
		return nil, NewError(ErrNotFound)
	}

	pg := sub.Root
	for depth := 1; depth < int(sub.Depth); depth++ {
		data, err := txn.pageBytes(pg)
		if err != nil {
			return nil, err
		}
		pg = nodeFirstChildPgno(data)
	}

	data, err := txn.pageBytes(pg)
	if err != nil {
		return nil, err
	}
	if pageNumEntriesDirect(data) == 0 {
		return nil, NewError(ErrNotFound)
	}
	return nodeFirstKey(data), nil
}

// searchInPage binary-searches a page for key. Branch pages treat the
// first entry as the low fence, so the search starts at 1 and misses
// map to the preceding child.
func searchInPage(p *page, key []byte, cmp CmpFunc) (int, bool) {
	n := p.numEntries()
	if n == 0 {
		return 0, false
	}

	if p.isBranch() {
		if n == 1 {
			return 0, false
		}
		low, high := 1, n-1
		for low <= high {
			mid := int(uint(low+high) >> 1)
			c := cmp(key, nodeKeyFast(p, mid))
			if c < 0 {
				high = mid - 1
			} else if c > 0 {
				low = mid + 1
			} else {
				return mid, true
			}
		}
		return low - 1, false
	}

	low, high := 0, n-1
	for low <= high {
		mid := int(uint(low+high) >> 1)
		c := cmp(key, nodeKeyFast(p, mid))
		if c < 0 {
			high = mid - 1
		} else if c > 0 {
			low = mid + 1
		} else {
			return mid, true
		}
	}
	return low, false
}

// ============== Direct lookup ==============

// Get retrieves the value stored at key. For DupSort tables it returns
// the first duplicate.
func (txn *Txn) Get(t Table, key []byte) ([]byte, error) {
	if !txn.valid() {
		return nil, NewError(ErrBadTxn)
	}
	if t == FreeTable {
		return nil, NewError(ErrBadTable)
	}
	tr, err := txn.treeFor(t)
	if err != nil {
		return nil, err
	}
	if tr.isEmpty() {
		return nil, NewError(ErrNotFound)
	}

	cmp := txn.cmpFor(t)

	pg := tr.Root
	for {
		data, err := txn.pageBytes(pg)
		if err != nil {
			return nil, err
		}
		p := page{Data: data}
		idx, exact := searchInPage(&p, key, cmp)

		if p.isLeaf() {
			if !exact {
				return nil, NewError(ErrNotFound)
			}
			return txn.leafValue(&p, idx, tr.isDupSort())
		}
		pg = nodeChildPgnoFast(&p, idx)
	}
}

// Has reports whether key exists.
func (txn *Txn) Has(t Table, key []byte) (bool, error) {
	_, err := txn.Get(t, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// getCachedCursor keeps one cursor per table for Txn.Put/Del, avoiding
// open/close churn.
func (txn *Txn) getCachedCursor(t Table) (*Cursor, error) {
	idx := int(t)
	if idx >= len(txn.cachedCursors) {
		grown := make([]*Cursor, idx+1)
		copy(grown, txn.cachedCursors)
		txn.cachedCursors = grown
	}
	if c := txn.cachedCursors[idx]; c != nil && c.signature == cursorSignature {
		return c, nil
	}
	c, err := txn.OpenCursor(t)
	if err != nil {
		return nil, err
	}
	txn.cachedCursors[idx] = c
	return c, nil
}

// Put stores a key-value pair.
func (txn *Txn) Put(t Table, key, value []byte, flags PutFlags) error {
	if !txn.valid() {
		return NewError(ErrBadTxn)
	}
	if txn.IsReadOnly() {
		return NewError(ErrReadOnly)
	}
	if t == FreeTable {
		return NewError(ErrBadTable)
	}
	c, err := txn.getCachedCursor(t)
	if err != nil {
		return err
	}
	return c.Put(key, value, flags)
}

// PutRescue stores a key-value pair like Put, but skips records the engine
// cannot hold instead of failing the whole load: size-limit violations and
// NoOverwrite collisions return (false, nil). Meant for bulk imports of
// foreign data where a few bad records should not abort the transaction.
func (txn *Txn) PutRescue(t Table, key, value []byte, flags PutFlags) (bool, error) {
	err := txn.Put(t, key, value, flags)
	if err == nil {
		return true, nil
	}
	switch Code(err) {
	case ErrBadValSize, ErrKeyExist:
		return false, nil
	}
	return false, err
}

// Del deletes key. For DupSort tables a non-nil value deletes only that
// duplicate; a nil value deletes the key with all its duplicates.
func (txn *Txn) Del(t Table, key, value []byte) error {
	if !txn.valid() {
		return NewError(ErrBadTxn)
	}
	if txn.IsReadOnly() {
		return NewError(ErrReadOnly)
	}
	if t == FreeTable {
		return NewError(ErrBadTable)
	}
	c, err := txn.getCachedCursor(t)
	if err != nil {
		return err
	}

	if value != nil {
		if _, _, err := c.Get(key, value, GetBoth); err != nil {
			return err
		}
		return c.Del(0)
	}
	if _, _, err := c.Get(key, nil, Set); err != nil {
		return err
	}
	return c.Del(AllDups)
}

// Stat returns statistics for one table.
func (txn *Txn) Stat(t Table) (*Stat, error) {
	if !txn.valid() {
		return nil, NewError(ErrBadTxn)
	}
	tr, err := txn.treeFor(t)
	if err != nil {
		return nil, err
	}
	return &Stat{
		PageSize:      txn.pageSize,
		Depth:         uint32(tr.Depth),
		BranchPages:   uint64(tr.BranchPages),
		LeafPages:     uint64(tr.LeafPages),
		OverflowPages: uint64(tr.OverflowPages),
		Entries:       tr.Entries,
		ModTxnID:      uint64(tr.ModTxnID),
	}, nil
}

// ============== Copy-on-write ==============

// newPage allocates a fresh dirty page. count > 1 allocates a
// contiguous overflow chain tracked under its first page number.
func (txn *Txn) newPage(flags pageFlags, count int) (pgno, *page, error) {
	pg, err := txn.allocPages(count)
	if err != nil {
		return invalidPgno, nil, err
	}

	var buf []byte
	if count == 1 {
		buf = txn.env.getPageBuffer()
		clear(buf)
	} else {
		buf = make([]byte, int(txn.pageSize)*count)
	}

	p := &page{Data: buf}
	p.init(pg, flags, uint16(min(int(txn.pageSize), 0xFFFF)))
	p.setTxnID(txn.id)
	if count > 1 {
		p.setOverflowCount(uint32(count))
	}
	txn.dirty.put(pg, buf)
	txn.maybeSpill()
	return pg, p, nil
}

// touchPage makes a page writable in this transaction. Pages already
// dirtied here are reused in place; everything else is copied to a
// freshly allocated page and the old one retired.
func (txn *Txn) touchPage(pg pgno) (pgno, *page, error) {
	if dp := txn.dirty.get(pg); dp != nil {
		txn.dirty.touch(pg)
		return pg, &page{Data: dp.data}, nil
	}
	if txn.parent == nil && txn.spilled.Test(uint(pg)) {
		// Spilled pages already live at their final slot; pull them
		// back into memory under the same number.
		data, err := txn.readSpilled(pg)
		if err != nil {
			return invalidPgno, nil, err
		}
		txn.spilled.Clear(uint(pg))
		txn.dirty.put(pg, data)
		return pg, &page{Data: data}, nil
	}

	src, err := txn.pageBytes(pg)
	if err != nil {
		return invalidPgno, nil, err
	}

	newPg, err := txn.allocPages(1)
	if err != nil {
		return invalidPgno, nil, err
	}

	buf := txn.env.getPageBuffer()
	copy(buf, src)

	p := &page{Data: buf}
	p.setPageNo(newPg)
	p.setTxnID(txn.id)

	txn.dirty.put(newPg, buf)
	txn.retirePage(pg)
	txn.maybeSpill()
	return newPg, p, nil
}

// freeDirtyPage drops a page that was both allocated and emptied within
// this transaction, making it loose for immediate reuse.
func (txn *Txn) freeDirtyPage(pg pgno) {
	if dp := txn.dirty.get(pg); dp != nil {
		txn.dirty.delete(pg)
		if len(dp.data) == int(txn.pageSize) {
			txn.pooledBuffers = append(txn.pooledBuffers, dp.data)
		}
		txn.loose = append(txn.loose, pg)
		return
	}
	txn.retirePage(pg)
}

// maybeSpill flushes the coldest dirty pages to their file slots when
// the tracker outgrows the configured limit.
func (txn *Txn) maybeSpill() {
	if txn.dirtyLimit <= 0 || txn.dirty.len() <= txn.dirtyLimit || txn.parent != nil {
		return
	}

	type cold struct {
		pg pgno
		dp *dirtyPage
	}
	var coldest []cold
	cutoff := txn.dirty.seq - uint64(txn.dirty.len())/2
	txn.dirty.forEach(func(pg pgno, dp *dirtyPage) {
		if dp.seq <= cutoff && len(dp.data) == int(txn.pageSize) {
			coldest = append(coldest, cold{pg, dp})
		}
	})

	if len(coldest) == 0 {
		return
	}
	if !txn.ensureFileSize() {
		return
	}

	for _, c := range coldest {
		off := int64(c.pg) * int64(txn.pageSize)
		if _, err := txn.env.dataFile.WriteAt(c.dp.data, off); err != nil {
			return
		}
		txn.dirty.delete(c.pg)
		txn.spilled.Set(uint(c.pg))
		txn.pooledBuffers = append(txn.pooledBuffers, c.dp.data)
	}
	txn.env.log.Debug("spilled dirty pages", "count", len(coldest), "txnid", uint64(txn.id))
}

// ensureFileSize grows the data file and mapping to cover every
// allocated page.
func (txn *Txn) ensureFileSize() bool {
	if txn.geo.Next == 0 {
		return true
	}
	need := txn.geo.Next - 1
	if uint64(need+1)*uint64(txn.pageSize) <= uint64(len(txn.env.dataMap.Data())) {
		txn.mmapData = txn.env.dataMap.Data()
		return true
	}
	txn.env.mu.Lock()
	ok := txn.env.extendMmap(need, &txn.geo)
	txn.env.mu.Unlock()
	if ok {
		txn.mmapData = txn.env.dataMap.Data()
	}
	return ok
}

// ============== Commit and abort ==============

// writeDirtyPages flushes every dirty page to its slot in the data
// file.
func (txn *Txn) writeDirtyPages() error {
	if !txn.ensureFileSize() {
		return NewError(ErrMapFull)
	}

	var writeErr error
	txn.dirty.forEach(func(pg pgno, dp *dirtyPage) {
		if writeErr != nil {
			return
		}
		off := int64(pg) * int64(txn.pageSize)
		if _, err := txn.env.dataFile.WriteAt(dp.data, off); err != nil {
			writeErr = WrapError(ErrProblem, err)
			return
		}
		if len(dp.data) == int(txn.pageSize) {
			txn.pooledBuffers = append(txn.pooledBuffers, dp.data)
		}
	})
	return writeErr
}

// writeMeta publishes the commit into the oldest meta slot. The txnid
// is stamped in two phases so a torn write never yields a consistent
// but wrong meta.
func (txn *Txn) writeMeta(steady bool) error {
	mt := txn.env.meta.Load()
	recent := mt.recentMeta()
	idx := mt.nextMetaIndex()

	m := meta{
		TxnA:         txn.id,
		TxnB:         txn.id,
		Geo:          txn.geo,
		FreeTable:    txn.trees[FreeTable],
		MainTable:    txn.trees[MainTable],
		PagesRetired: txn.pagesRetired,
		BootID:       currentBootID(),
		DBID:         recent.DBID,
	}

	buf := txn.env.getPageBuffer()
	defer func() {
		txn.pooledBuffers = append(txn.pooledBuffers, buf)
	}()
	clear(buf)

	p := page{Data: buf}
	p.init(pgno(idx), pageMeta, uint16(min(int(txn.pageSize), 0xFFFF)))
	m.encode(buf[pageHeaderSize:], steady)

	// Phase one: a slot with txnB still zero is skipped by readers.
	binary.LittleEndian.PutUint64(buf[pageHeaderSize+metaOffTxnB:], 0)
	off := int64(idx) * int64(txn.pageSize)
	if _, err := txn.env.dataFile.WriteAt(buf, off); err != nil {
		return WrapError(ErrProblem, err)
	}

	// Phase two: stamping txnB makes the slot consistent.
	var tb [8]byte
	binary.LittleEndian.PutUint64(tb[:], uint64(txn.id))
	if _, err := txn.env.dataFile.WriteAt(tb[:], off+pageHeaderSize+metaOffTxnB); err != nil {
		return WrapError(ErrProblem, err)
	}

	if steady {
		if err := txn.env.dataFile.Sync(); err != nil {
			return WrapError(ErrProblem, err)
		}
		txn.env.unsyncedCommits.Store(0)
	} else {
		txn.env.unsyncedCommits.Add(1)
	}
	return nil
}

// Commit makes the transaction's changes visible, durable per the
// environment's durability mode.
func (txn *Txn) Commit() error {
	if !txn.valid() {
		return NewError(ErrBadTxn)
	}
	if txn.child != nil {
		txn.Abort()
		return NewError(ErrBadTxn)
	}

	if txn.IsReadOnly() {
		txn.Abort()
		return nil
	}

	if txn.parent != nil {
		return txn.commitChild()
	}

	env := txn.env

	// Fold named table descriptors into the main table before the trees
	// are frozen into the meta.
	if err := txn.persistTableTrees(); err != nil {
		txn.Abort()
		return err
	}

	// Fold the retired and reclaimed page accounting into the free
	// table. This dirties pages of its own and loops to a fixpoint.
	if err := txn.saveFreeTable(); err != nil {
		txn.Abort()
		return err
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.closeAllCursors()

	dirtyCount := txn.dirty.len()
	if err := txn.writeDirtyPages(); err != nil {
		txn.abortLocked()
		return err
	}
	txn.maybeShrink()

	steady := txn.forceSteady ||
		(env.cfg.Durability == Durable && txn.flags&TxnNoSync == 0)
	if !steady && env.cfg.Durability == Checkpoint && env.cfg.SyncThreshold > 0 &&
		env.unsyncedCommits.Load()+1 >= uint64(env.cfg.SyncThreshold) {
		steady = true
	}
	if steady {
		if err := env.dataFile.Sync(); err != nil {
			txn.abortLocked()
			return WrapError(ErrProblem, err)
		}
	} else if env.cfg.Durability == Async {
		env.dataMap.SyncAsync()
	}

	if err := txn.writeMeta(steady); err != nil {
		txn.abortLocked()
		return err
	}

	env.mu.RLock()
	err := env.reloadMeta()
	env.mu.RUnlock()
	if err != nil {
		txn.abortLocked()
		return err
	}

	env.log.Debug("commit", "txnid", uint64(txn.id),
		"dirty", dirtyCount, "steady", steady)

	txn.release()
	return nil
}

// commitChild folds a nested transaction into its parent.
func (txn *Txn) commitChild() error {
	parent := txn.parent

	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.closeAllCursors()

	txn.dirty.forEach(func(pg pgno, dp *dirtyPage) {
		if old := parent.dirty.get(pg); old != nil && len(old.data) == int(txn.pageSize) {
			parent.pooledBuffers = append(parent.pooledBuffers, old.data)
		}
		parent.dirty.put(pg, dp.data)
	})
	parent.loose = append(parent.loose, txn.loose...)
	parent.retired = append(parent.retired, txn.retired...)
	parent.geo = txn.geo
	parent.pagesRetired = txn.pagesRetired

	parent.trees = parent.trees[:0]
	parent.trees = append(parent.trees, txn.trees...)
	parent.treesLoaded = txn.treesLoaded.Clone()
	parent.tablesDirty.InPlaceUnion(txn.tablesDirty)

	parent.child = nil
	txn.signature = 0
	txn.env = nil
	txn.parent = nil
	txn.dirty.clear()
	returnWriteTxnToCache(txn)
	return nil
}

// persistTableTrees writes dirty named table descriptors back into the
// main table.
func (txn *Txn) persistTableTrees() error {
	if txn.tablesDirty == nil || txn.tablesDirty.Count() == 0 {
		return nil
	}

	c, err := txn.OpenCursor(MainTable)
	if err != nil {
		return err
	}
	defer c.Close()

	var desc [treeDescSize]byte
	for i, ok := txn.tablesDirty.NextSet(0); ok; i, ok = txn.tablesDirty.NextSet(i + 1) {
		if int(i) < CoreTables || int(i) >= len(txn.trees) {
			continue
		}
		txn.env.tablesMu.RLock()
		var name string
		if int(i) < len(txn.env.tables) && txn.env.tables[i] != nil {
			name = txn.env.tables[i].name
		}
		txn.env.tablesMu.RUnlock()
		if name == "" {
			continue
		}

		tr := &txn.trees[i]
		tr.ModTxnID = txn.id
		tr.encode(desc[:])
		if err := c.putTableDesc([]byte(name), desc[:]); err != nil {
			return err
		}
	}
	txn.tablesDirty.ClearAll()
	return nil
}

// Abort discards the transaction.
func (txn *Txn) Abort() {
	if !txn.valid() {
		return
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.abortLocked()
}

func (txn *Txn) abortLocked() {
	txn.closeAllCursors()

	if txn.parent != nil {
		// Nested abort: pages it allocated sat past the parent's
		// watermark and are simply forgotten.
		txn.dirty.forEach(func(pg pgno, dp *dirtyPage) {
			if len(dp.data) == int(txn.pageSize) {
				txn.pooledBuffers = append(txn.pooledBuffers, dp.data)
			}
		})
		txn.env.returnPageBuffers(txn.pooledBuffers)
		txn.pooledBuffers = txn.pooledBuffers[:0]
		txn.parent.child = nil
		txn.signature = 0
		txn.env = nil
		txn.parent = nil
		txn.dirty.clear()
		returnWriteTxnToCache(txn)
		return
	}

	if txn.IsReadOnly() {
		if txn.readerSlot >= 0 {
			txn.env.lockFile.releaseReaderSlot(txn.readerSlot)
			txn.readerSlot = -1
		}
		env := txn.env
		txn.signature = 0
		txn.env = nil
		txn.mmapData = nil
		env.txnWg.Done()
		returnReadTxnToCache(txn)
		return
	}

	txn.dirty.forEach(func(pg pgno, dp *dirtyPage) {
		if len(dp.data) == int(txn.pageSize) {
			txn.pooledBuffers = append(txn.pooledBuffers, dp.data)
		}
	})
	txn.dirty.clear()
	txn.release()
}

// release hands the writer role back and returns the transaction to
// its cache. Shared by commit and write-abort.
func (txn *Txn) release() {
	env := txn.env

	env.lockFile.unlockWriter()
	env.txnMu.Lock()
	env.writeTxn = nil
	env.txnCond.Broadcast()
	env.txnMu.Unlock()

	env.returnPageBuffers(txn.pooledBuffers)
	txn.pooledBuffers = txn.pooledBuffers[:0]

	txn.signature = 0
	txn.env = nil
	txn.parent = nil
	txn.mmapData = nil
	env.txnWg.Done()
	returnWriteTxnToCache(txn)
}

// beginChild starts a nested write transaction. Children allocate only
// past the parent's watermark, so an abort forgets their pages without
// touching the free table.
func (txn *Txn) beginChild(flags TxnFlags) (*Txn, error) {
	if !txn.valid() || txn.IsReadOnly() {
		return nil, NewError(ErrBadTxn)
	}
	if txn.child != nil {
		return nil, NewError(ErrNested)
	}

	child := getWriteTxnFromCache()
	child.signature = txnSignature
	child.flags = flags &^ TxnReadOnly
	child.env = txn.env
	child.id = txn.id
	child.parent = txn
	child.readerSlot = -1
	child.mmapData = txn.mmapData
	child.pageSize = txn.pageSize
	child.dirtyLimit = 0 // children never spill
	child.resetWriteState()
	child.geo = txn.geo
	child.pagesRetired = txn.pagesRetired

	child.trees = child.trees[:0]
	child.trees = append(child.trees, txn.trees...)
	if txn.treesLoaded != nil {
		child.treesLoaded = txn.treesLoaded.Clone()
	}
	child.tablesDirty.InPlaceUnion(txn.tablesDirty)

	txn.child = child
	return child, nil
}

// Reset releases a read transaction's snapshot while keeping the
// handle for Renew.
func (txn *Txn) Reset() {
	if !txn.valid() || !txn.IsReadOnly() {
		return
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.closeAllCursors()
	if txn.readerSlot >= 0 {
		txn.env.lockFile.releaseReaderSlot(txn.readerSlot)
		txn.readerSlot = -1
	}
}

// Renew re-pins a reset read transaction on the current snapshot.
func (txn *Txn) Renew() error {
	if !txn.valid() || !txn.IsReadOnly() {
		return NewError(ErrBadTxn)
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.readerSlot >= 0 {
		return NewError(ErrBadTxn) // not reset
	}

	env := txn.env
	env.mu.RLock()
	defer env.mu.RUnlock()
	if env.dataMap == nil {
		return NewError(ErrEnvClosed)
	}

	slotIdx, err := env.lockFile.acquireReaderSlot(cachedPID, 0)
	if err != nil {
		return WrapError(ErrReadersFull, err)
	}

	var m *meta
	for {
		m = env.meta.Load().recentMeta()
		if m == nil {
			env.lockFile.releaseReaderSlot(slotIdx)
			return NewError(ErrCorrupted)
		}
		env.lockFile.setReaderSnapshot(slotIdx, m.txnID(),
			uint32(m.Geo.Next), m.PagesRetired)
		if env.meta.Load().recentMeta().txnID() == m.txnID() {
			break
		}
	}

	txn.readerSlot = slotIdx
	txn.id = m.txnID()
	txn.mmapData = env.dataMap.Data()
	txn.pageSize = env.pageSize
	txn.geo = m.Geo
	txn.pagesRetired = m.PagesRetired
	txn.initTrees(m)
	return nil
}

// ============== Cursor tracking ==============

func (txn *Txn) registerCursor(c *Cursor) {
	txn.cursors = append(txn.cursors, c)
}

func (txn *Txn) removeCursor(c *Cursor) {
	n := len(txn.cursors)
	for i := 0; i < n; i++ {
		if txn.cursors[i] == c {
			txn.cursors[i] = txn.cursors[n-1]
			txn.cursors[n-1] = nil
			txn.cursors = txn.cursors[:n-1]
			break
		}
	}
}

func (txn *Txn) closeAllCursors() {
	for _, c := range txn.cursors {
		if c != nil {
			c.signature = 0
			c.txn = nil
		}
	}
	txn.cursors = txn.cursors[:0]
	for i := range txn.cachedCursors {
		txn.cachedCursors[i] = nil
	}
}
