package loam

import (
	"encoding/binary"
)

// maxValTotal bounds a single stored value. Leaf nodes record the full
// size in 32 bits, overflow runs included.
const maxValTotal = 1 << 30

// markDirty records that this cursor's tree changed in the current
// transaction. Sub-tree cursors update only their descriptor; the
// owning table is marked by the parent cursor.
func (c *Cursor) markDirty() {
	c.tree().ModTxnID = c.txn.id
	if c.sub == nil {
		c.txn.tablesDirty.Set(uint(c.table))
	}
}

// touchStack copies every page on the descent stack for writing, fixing
// up child pointers and the tree root as pages move.
func (c *Cursor) touchStack() error {
	for level := 0; level <= c.top; level++ {
		newPg, _, err := c.txn.touchPage(c.stack[level].pg)
		if err != nil {
			return err
		}
		if newPg == c.stack[level].pg {
			continue
		}
		if level == 0 {
			c.tree().Root = newPg
		} else {
			pp, err := c.page(level - 1)
			if err != nil {
				return err
			}
			off := pp.entryOffsetFast(c.stack[level-1].idx)
			binary.LittleEndian.PutUint32(pp.Data[int(off)+nodeOffUnion:], uint32(newPg))
		}
		c.stack[level].pg = newPg
	}
	c.root = c.tree().Root
	return nil
}

// touchTop re-dirties the leaf under the cursor. Allocations between a
// touch and a write may have spilled it back to the file.
func (c *Cursor) touchTop() (*page, error) {
	if _, _, err := c.txn.touchPage(c.stack[c.top].pg); err != nil {
		return nil, err
	}
	return c.page(c.top)
}

// put stores a key-value pair at the position selected by flags.
func (c *Cursor) put(key, value []byte, flags PutFlags) error {
	env := c.txn.env
	if len(key) == 0 || len(key) > env.MaxKeySize() {
		return NewError(ErrBadValSize)
	}

	tr := c.tree()
	dupSort := tr.isDupSort()
	if dupSort {
		// Duplicates are stored as sub-tree keys, so the key limit
		// applies to values too.
		if len(value) > env.MaxKeySize() {
			return NewError(ErrBadValSize)
		}
		if tr.isDupFixed() {
			if tr.DupFixedSize == 0 {
				if len(value) == 0 {
					return NewError(ErrBadValSize)
				}
				tr.DupFixedSize = uint32(len(value))
				c.markDirty()
			} else if len(value) != int(tr.DupFixedSize) {
				return NewError(ErrBadValSize)
			}
		}
	} else if len(value) > maxValTotal {
		return NewError(ErrBadValSize)
	}

	if flags&Current != 0 {
		return c.putCurrent(key, value)
	}

	var exact bool
	if flags&(Append|AppendDup) != 0 {
		e, err := c.positionForAppend(key)
		if err != nil {
			return err
		}
		exact = e
	} else {
		_, _, err := c.seek(key, false)
		if err == nil {
			exact = true
		} else if !IsNotFound(err) {
			return err
		}
	}

	if !exact {
		return c.insertNewKey(key, value)
	}

	if flags&NoOverwrite != 0 {
		return NewError(ErrKeyExist)
	}
	if dupSort {
		return c.putDup(key, value, flags)
	}
	if flags&Append != 0 {
		return NewError(ErrKeyExist)
	}
	return c.updateValue(key, value)
}

// positionForAppend descends to the rightmost leaf and checks the key
// sorts at or past the end of the table.
func (c *Cursor) positionForAppend(key []byte) (bool, error) {
	c.resetStack()
	tr := c.tree()
	if tr.Root == invalidPgno {
		c.state = cursorEOF
		return false, nil
	}
	if err := c.descend(1); err != nil {
		return false, err
	}
	p, err := c.page(c.top)
	if err != nil {
		return false, err
	}
	n := p.numEntries()
	if n == 0 {
		c.stack[c.top].idx = 0
		c.state = cursorEOF
		return false, nil
	}

	switch cmp := c.keyCmp()(key, nodeKeyFast(p, n-1)); {
	case cmp > 0:
		c.stack[c.top].idx = n
		c.state = cursorEOF
		return false, nil
	case cmp == 0:
		c.stack[c.top].idx = n - 1
		c.state = cursorPointing
		return true, nil
	default:
		return false, NewError(ErrKeyMismatch)
	}
}

// insertNewKey adds a key that is not yet in the tree. The stack sits
// at the insertion point left by seek.
func (c *Cursor) insertNewKey(key, value []byte) error {
	node, err := c.buildValueNode(key, value)
	if err != nil {
		return err
	}

	tr := c.tree()
	if tr.Root == invalidPgno || c.top < 0 {
		if err := c.createRoot(node); err != nil {
			return err
		}
	} else {
		split, err := c.insertAt(node)
		if err != nil {
			return err
		}
		if split {
			if _, _, err := c.seek(key, false); err != nil {
				return err
			}
		} else {
			c.state = cursorPointing
			c.afterDelete = false
			c.dup.reset()
		}
	}

	c.tree().Entries++
	c.markDirty()
	return nil
}

// buildValueNode serializes a leaf node for value, moving it to an
// overflow run when it cannot stay inline.
func (c *Cursor) buildValueNode(key, value []byte) ([]byte, error) {
	if len(value) > nodeMaxValInline(int(c.txn.pageSize)) {
		pg, err := c.allocOverflow(value)
		if err != nil {
			return nil, err
		}
		node := appendBigLeafNode(c.scratch[:0], key, uint32(len(value)), pg)
		c.scratch = node
		return node, nil
	}
	node := appendLeafNode(c.scratch[:0], key, value, 0)
	c.scratch = node
	return node, nil
}

// overflowChainLen returns the page count of an overflow run holding
// valSize bytes.
func (c *Cursor) overflowChainLen(valSize uint32) uint32 {
	ps := int(c.txn.pageSize)
	return uint32((pageHeaderSize + int(valSize) + ps - 1) / ps)
}

// allocOverflow writes value into a fresh overflow run and returns its
// first page.
func (c *Cursor) allocOverflow(value []byte) (pgno, error) {
	count := c.overflowChainLen(uint32(len(value)))
	pg, p, err := c.txn.newPage(pageOverflow, int(count))
	if err != nil {
		return invalidPgno, err
	}
	copy(p.Data[pageHeaderSize:], value)
	c.tree().OverflowPages += count
	return pg, nil
}

// dropOverflow releases the overflow run behind a replaced or deleted
// value.
func (c *Cursor) dropOverflow(pg pgno, valSize uint32) {
	count := c.overflowChainLen(valSize)
	txn := c.txn
	if dp := txn.dirty.get(pg); dp != nil {
		txn.dirty.delete(pg)
		if len(dp.data) == int(txn.pageSize) {
			txn.pooledBuffers = append(txn.pooledBuffers, dp.data)
		}
		for i := uint32(0); i < count; i++ {
			txn.loose = append(txn.loose, pg+pgno(i))
		}
	} else {
		txn.retireOverflow(pg, count)
	}
	c.tree().OverflowPages -= count
}

// createRoot starts the tree with a single leaf holding one node.
func (c *Cursor) createRoot(nodeData []byte) error {
	pg, p, err := c.txn.newPage(pageLeaf, 1)
	if err != nil {
		return err
	}
	if !p.insertEntry(0, nodeData) {
		return NewError(ErrPageFull)
	}

	tr := c.tree()
	tr.Root = pg
	tr.Depth = 1
	tr.LeafPages++

	c.top = 0
	c.root = pg
	c.stack[0] = cursorSlot{pg: pg, idx: 0}
	c.state = cursorPointing
	c.afterDelete = false
	c.dup.reset()
	return nil
}

// insertAt places nodeData at the stack's leaf position, splitting on
// the way up as needed. Reports whether a split ran, which invalidates
// the stack.
func (c *Cursor) insertAt(nodeData []byte) (bool, error) {
	if err := c.touchStack(); err != nil {
		return false, err
	}
	p, err := c.page(c.top)
	if err != nil {
		return false, err
	}
	if p.insertEntry(c.stack[c.top].idx, nodeData) {
		return false, nil
	}
	if err := c.splitInsert(c.top, nodeData); err != nil {
		return false, err
	}
	return true, nil
}

// splitInsert splits the page at level and inserts nodeData on the
// side its index falls on, then pushes the separator into the parent.
func (c *Cursor) splitInsert(level int, nodeData []byte) error {
	p, err := c.page(level)
	if err != nil {
		return err
	}
	insertIdx := c.stack[level].idx
	splitIdx := p.splitPoint(len(nodeData), insertIdx)
	if splitIdx <= 0 {
		return NewError(ErrPageFull)
	}

	isBranch := p.isBranch()
	pageKind := pageFlags(pageLeaf)
	if isBranch {
		pageKind = pageBranch
	}
	rightPg, right, err := c.txn.newPage(pageKind, 1)
	if err != nil {
		return err
	}
	if isBranch {
		c.tree().BranchPages++
	} else {
		c.tree().LeafPages++
	}

	// The allocation may have spilled pages on the stack; pull the
	// split page back before writing to it.
	if _, _, err := c.txn.touchPage(c.stack[level].pg); err != nil {
		return err
	}
	if p, err = c.page(level); err != nil {
		return err
	}

	n := p.numEntries()
	for i, j := splitIdx, 0; i < n; i, j = i+1, j+1 {
		off := p.entryOffsetFast(i)
		size := p.nodeSizeAtFast(i)
		if !right.insertEntry(j, p.Data[int(off):int(off)+size]) {
			return NewError(ErrPageFull)
		}
	}
	p.removeEntriesFrom(splitIdx)
	p.compact()

	if insertIdx < splitIdx {
		if !p.insertEntry(insertIdx, nodeData) {
			return NewError(ErrPageFull)
		}
	} else {
		if !right.insertEntry(insertIdx-splitIdx, nodeData) {
			return NewError(ErrPageFull)
		}
	}

	sep := nodeKeyFast(right, 0)
	return c.insertIntoParent(level, sep, rightPg)
}

// insertIntoParent links a freshly split-off right page under the
// parent branch, growing a new root at the top.
func (c *Cursor) insertIntoParent(level int, sep []byte, rightPg pgno) error {
	node := appendBranchNode(c.scratch[:0], sep, rightPg)
	c.scratch = node

	if level == 0 {
		return c.growRoot(node)
	}

	parent := level - 1
	pp, err := c.page(parent)
	if err != nil {
		return err
	}
	c.stack[parent].idx++
	if pp.insertEntry(c.stack[parent].idx, node) {
		return nil
	}
	return c.splitInsert(parent, node)
}

// growRoot replaces the root with a branch over the old root and the
// new right page. The old root key becomes the implicit low fence.
func (c *Cursor) growRoot(rightNode []byte) error {
	tr := c.tree()
	if int(tr.Depth)+1 > maxTreeDepth {
		return NewError(ErrCursorFull)
	}

	rootPg, root, err := c.txn.newPage(pageBranch, 1)
	if err != nil {
		return err
	}
	fence := appendBranchNode(nil, nil, tr.Root)
	if !root.insertEntry(0, fence) || !root.insertEntry(1, rightNode) {
		return NewError(ErrPageFull)
	}

	tr.Root = rootPg
	tr.Depth++
	tr.BranchPages++
	return nil
}

// replaceNodeAt swaps the node at (level, idx) for nodeData, splitting
// when the larger node no longer fits. Reports whether a split ran.
func (c *Cursor) replaceNodeAt(level, idx int, nodeData []byte) (bool, error) {
	p, err := c.page(level)
	if err != nil {
		return false, err
	}
	if p.updateEntry(idx, nodeData) {
		return false, nil
	}
	p.removeEntry(idx)
	p.compact()
	if p.insertEntry(idx, nodeData) {
		return false, nil
	}
	c.stack[level].idx = idx
	if err := c.splitInsert(level, nodeData); err != nil {
		return false, err
	}
	return true, nil
}

// updateValue overwrites the value at the cursor's exact position on a
// plain table.
func (c *Cursor) updateValue(key, value []byte) error {
	if err := c.touchStack(); err != nil {
		return err
	}
	p, err := c.page(c.top)
	if err != nil {
		return err
	}
	idx := c.stack[c.top].idx

	if nodeEntryFlagsFast(p, idx)&nodeBig != 0 {
		c.dropOverflow(nodeOverflowPgno(p, idx), nodeValSize(p, idx))
	}

	node, err := c.buildValueNode(key, value)
	if err != nil {
		return err
	}
	if _, err = c.touchTop(); err != nil {
		return err
	}
	split, err := c.replaceNodeAt(c.top, idx, node)
	if err != nil {
		return err
	}
	if split {
		if _, _, err := c.seek(key, false); err != nil {
			return err
		}
	}
	c.markDirty()
	return nil
}

// putCurrent overwrites the value under the cursor without moving it.
func (c *Cursor) putCurrent(key, value []byte) error {
	if c.state != cursorPointing || c.top < 0 {
		return NewError(ErrNotFound)
	}
	if err := c.refresh(); err != nil {
		return err
	}

	p, err := c.page(c.top)
	if err != nil {
		return err
	}
	idx := c.stack[c.top].idx
	if idx >= p.numEntries() {
		return NewError(ErrNotFound)
	}
	if key != nil && c.keyCmp()(key, nodeKeyFast(p, idx)) != 0 {
		return NewError(ErrKeyMismatch)
	}
	// The stored key moves if the leaf compacts during the update.
	curKey := append([]byte(nil), nodeKeyFast(p, idx)...)

	if !c.tree().isDupSort() {
		return c.updateValue(curKey, value)
	}

	// Replacing a duplicate must not change its sort position.
	cur, err := c.currentDupValue()
	if err != nil {
		return err
	}
	if c.txn.dupCmpFor(c.table)(value, cur) != 0 {
		return NewError(ErrIncompatible)
	}
	return nil
}

// ============== Duplicate insertion ==============

// putDup adds value to the duplicates of the key under the cursor.
func (c *Cursor) putDup(key, value []byte, flags PutFlags) error {
	if err := c.touchStack(); err != nil {
		return err
	}
	p, err := c.page(c.top)
	if err != nil {
		return err
	}
	idx := c.stack[c.top].idx
	nflags := nodeEntryFlagsFast(p, idx)

	switch {
	case nflags&nodeSubTree != 0:
		return c.putDupSubTree(idx, key, value, flags)
	case nflags&nodeSubPage != 0:
		return c.putDupSubPage(p, idx, key, value, flags)
	default:
		return c.putDupSingle(p, idx, key, value, flags)
	}
}

// finishDupPut restores the cursor to the freshly stored duplicate.
func (c *Cursor) finishDupPut(key, value []byte, split bool) error {
	if split {
		if _, _, err := c.seek(key, false); err != nil {
			return err
		}
	} else {
		c.dup.reset()
	}
	if _, _, err := c.seekDup(value, false); err != nil && !IsNotFound(err) {
		return err
	}
	c.state = cursorPointing
	c.afterDelete = false
	return nil
}

// putDupSingle grows a plain entry into a duplicate container.
func (c *Cursor) putDupSingle(p *page, idx int, key, value []byte, flags PutFlags) error {
	cur := nodeValFast(p, idx)
	dcmp := c.txn.dupCmpFor(c.table)

	cmp := dcmp(value, cur)
	if cmp == 0 {
		if flags&NoDupData != 0 {
			return NewError(ErrKeyExist)
		}
		node := appendLeafNode(c.scratch[:0], key, value, 0)
		c.scratch = node
		split, err := c.replaceNodeAt(c.top, idx, node)
		if err != nil {
			return err
		}
		c.markDirty()
		return c.finishDupPut(key, value, split)
	}
	if flags&AppendDup != 0 && cmp < 0 {
		return NewError(ErrKeyMismatch)
	}

	first, second := cur, value
	if cmp < 0 {
		first, second = value, cur
	}
	return c.storeDupSet(idx, key, value, [][]byte{first, second})
}

// putDupSubPage inserts value into an embedded sub-page, converting to
// a sub-tree once the node outgrows its page share.
func (c *Cursor) putDupSubPage(p *page, idx int, key, value []byte, flags PutFlags) error {
	val := nodeValFast(p, idx)
	sp := page{Data: val}
	count := sp.numEntries()
	dcmp := c.txn.dupCmpFor(c.table)

	var pos int
	var exact bool
	fixed := 0
	if sp.isDupFixed() {
		fixed = int(sp.dupFixedSize())
		if fixed <= 0 {
			return NewError(ErrCorrupted)
		}
		pos = count
		for i := 0; i < count; i++ {
			v := val[pageHeaderSize+i*fixed : pageHeaderSize+(i+1)*fixed]
			cv := dcmp(value, v)
			if cv == 0 {
				pos, exact = i, true
				break
			}
			if cv < 0 {
				pos = i
				break
			}
		}
	} else {
		pos, exact = searchInPage(&sp, value, dcmp)
	}

	if exact {
		if flags&NoDupData != 0 {
			return NewError(ErrKeyExist)
		}
		// Same duplicate already stored.
		c.dup.reset()
		if _, _, err := c.seekDup(value, false); err != nil {
			return err
		}
		return nil
	}
	if flags&AppendDup != 0 && pos != count {
		return NewError(ErrKeyMismatch)
	}

	values := make([][]byte, 0, count+1)
	for i := 0; i < count; i++ {
		var v []byte
		if fixed > 0 {
			v = val[pageHeaderSize+i*fixed : pageHeaderSize+(i+1)*fixed]
		} else {
			v = nodeKey(&sp, i)
		}
		values = append(values, v)
	}
	values = append(values[:pos], append([][]byte{value}, values[pos:]...)...)

	return c.storeDupSet(idx, key, value, values)
}

// storeDupSet rewrites the node at idx to hold the ordered duplicate
// values, as an embedded sub-page or a sub-tree when too large. Every
// call adds exactly one value to the set.
func (c *Cursor) storeDupSet(idx int, key, value []byte, values [][]byte) error {
	fixed := 0
	if c.tree().isDupFixed() {
		fixed = int(c.tree().DupFixedSize)
	}

	subSize := dupSubPageSize(values, fixed)
	if nodeCalcSize(len(key), subSize, false) > c.txn.env.subPageLimit() {
		return c.convertToDupTree(idx, key, value, values, fixed)
	}

	buf := getCompactBuffer(subSize)
	sub := buildDupSubPage(buf[:subSize], values, fixed)
	node := appendLeafNode(c.scratch[:0], key, sub, nodeSubPage)
	c.scratch = node
	returnCompactBuffer(buf)

	split, err := c.replaceNodeAt(c.top, idx, node)
	if err != nil {
		return err
	}
	c.tree().Entries++
	c.markDirty()
	return c.finishDupPut(key, value, split)
}

// dupSubPageSize returns the byte size of a sub-page holding values.
func dupSubPageSize(values [][]byte, fixed int) int {
	if fixed > 0 {
		return pageHeaderSize + len(values)*fixed
	}
	size := pageHeaderSize
	for _, v := range values {
		size += 2 + nodeHeaderSize + len(v)
	}
	return size
}

// buildDupSubPage serializes ordered duplicate values into buf as an
// embedded leaf page. Fixed-size values pack back to back with no
// entry table.
func buildDupSubPage(buf []byte, values [][]byte, fixed int) []byte {
	p := page{Data: buf}
	if fixed > 0 {
		p.init(0, pageLeaf|pageSub|pageDupFixed, uint16(len(buf)))
		p.setDupFixedSize(uint16(fixed))
		p.setLower(uint16(len(values) * 2))
		pos := pageHeaderSize
		for _, v := range values {
			copy(buf[pos:], v)
			pos += fixed
		}
		return buf
	}

	p.init(0, pageLeaf|pageSub, uint16(len(buf)))
	for i, v := range values {
		node := appendLeafNode(nil, v, nil, 0)
		p.insertEntry(i, node)
	}
	return buf
}

// convertToDupTree moves the duplicate set out of the leaf into its
// own tree, leaving a descriptor node behind.
func (c *Cursor) convertToDupTree(idx int, key, value []byte, values [][]byte, fixed int) error {
	// The set aliases the leaf that is about to be rewritten.
	owned := make([][]byte, len(values))
	for i, v := range values {
		owned[i] = append([]byte(nil), v...)
	}

	sub := tree{Root: invalidPgno}
	if fixed > 0 {
		sub.Flags = DupFixed
		sub.DupFixedSize = uint32(fixed)
	}

	s := c.subCursor(&sub)
	for _, v := range owned {
		if err := s.insertValue(v); err != nil {
			s.release()
			return err
		}
	}
	s.release()

	sub.ModTxnID = c.txn.id
	var desc [treeDescSize]byte
	sub.encode(desc[:])

	node := appendLeafNode(c.scratch[:0], key, desc[:], nodeSubTree)
	c.scratch = node
	// Building the sub-tree allocated pages, which may have spilled
	// the leaf; pull it back before rewriting it.
	if _, err := c.touchTop(); err != nil {
		return err
	}
	split, err := c.replaceNodeAt(c.top, idx, node)
	if err != nil {
		return err
	}
	c.tree().Entries++
	c.markDirty()
	return c.finishDupPut(key, value, split)
}

// putDupSubTree inserts value into the duplicate sub-tree behind the
// node at idx and writes the updated descriptor back in place.
func (c *Cursor) putDupSubTree(idx int, key, value []byte, flags PutFlags) error {
	p, err := c.page(c.top)
	if err != nil {
		return err
	}
	val := nodeValFast(p, idx)
	if len(val) < treeDescSize {
		return NewError(ErrCorrupted)
	}
	var sub tree
	sub.decode(val)

	s := c.subCursor(&sub)
	if flags&AppendDup != 0 {
		if k, _, err := s.last(); err == nil && s.subCmp(value, k) < 0 {
			s.release()
			return NewError(ErrKeyMismatch)
		}
	}
	inserted, err := s.insertValueChecked(value, flags)
	s.release()
	if err != nil {
		return err
	}
	if !inserted {
		c.dup.reset()
		_, _, err := c.seekDup(value, false)
		return err
	}

	sub.ModTxnID = c.txn.id
	var desc [treeDescSize]byte
	sub.encode(desc[:])

	// Sub-tree growth cannot spill the leaf's own buffer out from
	// under us, but it may spill the page; pull it back.
	if p, err = c.touchTop(); err != nil {
		return err
	}
	off := int(p.entryOffsetFast(idx))
	keySize := int(binary.LittleEndian.Uint16(p.Data[off:]))
	copy(p.Data[off+nodeHeaderSize+keySize:], desc[:])

	c.tree().Entries++
	c.markDirty()

	c.dup.reset()
	if _, _, err := c.seekDup(value, false); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// ============== Sub-tree cursors ==============

// subCursor clones this cursor onto a duplicate sub-tree. The clone
// shares the transaction but resolves its tree and comparator from the
// descriptor.
func (c *Cursor) subCursor(sub *tree) *Cursor {
	s := newCursorFromCache()
	s.signature = cursorSignature
	s.txn = c.txn
	s.table = c.table
	s.state = cursorUninitialized
	s.top = -1
	s.root = invalidPgno
	s.afterDelete = false
	s.dup.reset()
	s.sub = sub
	s.subCmp = c.txn.dupCmpFor(c.table)
	return s
}

func (s *Cursor) release() {
	returnCursorToCache(s)
}

// insertValue adds one key-only node to a sub-tree cursor, skipping
// values already present.
func (s *Cursor) insertValue(v []byte) error {
	_, err := s.insertValueChecked(v, 0)
	return err
}

// insertValueChecked is insertValue with NoDupData enforcement. It
// reports whether a node was actually added.
func (s *Cursor) insertValueChecked(v []byte, flags PutFlags) (bool, error) {
	_, _, err := s.seek(v, false)
	if err == nil {
		if flags&NoDupData != 0 {
			return false, NewError(ErrKeyExist)
		}
		return false, nil
	}
	if !IsNotFound(err) {
		return false, err
	}

	node := appendLeafNode(s.scratch[:0], v, nil, 0)
	s.scratch = node

	if s.tree().Root == invalidPgno || s.top < 0 {
		if err := s.createRoot(node); err != nil {
			return false, err
		}
	} else {
		if _, err := s.insertAt(node); err != nil {
			return false, err
		}
	}
	s.tree().Entries++
	s.markDirty()
	return true, nil
}

// ============== Reservation and descriptors ==============

// PutReserve stores key with a zeroed value of the given size and
// returns the in-place buffer for the caller to fill. The slice stays
// writable until the next operation that moves the page.
func (c *Cursor) PutReserve(key []byte, size int) ([]byte, error) {
	if !c.valid() {
		return nil, NewError(ErrBadSign)
	}
	if c.txn.IsReadOnly() {
		return nil, NewError(ErrReadOnly)
	}
	if c.tree().isDupSort() {
		return nil, NewError(ErrIncompatible)
	}
	if size < 0 || size > maxValTotal {
		return nil, NewError(ErrBadValSize)
	}

	if err := c.put(key, make([]byte, size), Upsert); err != nil {
		return nil, err
	}

	p, err := c.page(c.top)
	if err != nil {
		return nil, err
	}
	idx := c.stack[c.top].idx
	if nodeEntryFlagsFast(p, idx)&nodeBig != 0 {
		return c.txn.overflowValue(nodeOverflowPgno(p, idx), nodeValSize(p, idx))
	}
	return nodeValFast(p, idx), nil
}

// putTableDesc stores a named table descriptor in the main table. The
// descriptor node carries the sub-tree flag so it is never mistaken
// for plain data.
func (c *Cursor) putTableDesc(name, desc []byte) error {
	_, _, err := c.seek(name, false)
	if err == nil {
		if err := c.touchStack(); err != nil {
			return err
		}
		p, err := c.page(c.top)
		if err != nil {
			return err
		}
		idx := c.stack[c.top].idx
		if nodeEntryFlagsFast(p, idx)&nodeSubTree == 0 {
			return NewError(ErrIncompatible)
		}
		node := appendLeafNode(c.scratch[:0], name, desc, nodeSubTree)
		c.scratch = node
		if _, err := c.replaceNodeAt(c.top, idx, node); err != nil {
			return err
		}
		c.markDirty()
		return nil
	}
	if !IsNotFound(err) {
		return err
	}

	node := appendLeafNode(c.scratch[:0], name, desc, nodeSubTree)
	c.scratch = node
	if c.tree().Root == invalidPgno || c.top < 0 {
		if err := c.createRoot(node); err != nil {
			return err
		}
	} else if _, err := c.insertAt(node); err != nil {
		return err
	}
	c.tree().Entries++
	c.markDirty()
	return nil
}
