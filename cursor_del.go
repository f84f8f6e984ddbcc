package loam

// del removes the entry under the cursor. On DupSort tables a single
// duplicate goes unless AllDups asks for the whole key.
func (c *Cursor) del(flags DelFlags) error {
	if err := c.refresh(); err != nil {
		return err
	}
	if c.state != cursorPointing || c.top < 0 {
		return NewError(ErrNotFound)
	}
	if err := c.touchStack(); err != nil {
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

	if c.tree().isDupSort() && flags&AllDups == 0 && c.dup.active {
		return c.delDupValue(p, idx)
	}
	return c.delEntry(p, idx)
}

// delEntry removes the whole node at (top, idx), releasing any overflow
// run or duplicate sub-tree it owns, then repairs the cursor onto the
// successor key.
func (c *Cursor) delEntry(p *page, idx int) error {
	nflags := nodeEntryFlagsFast(p, idx)
	removed := uint64(1)
	switch {
	case nflags&nodeBig != 0:
		c.dropOverflow(nodeOverflowPgno(p, idx), nodeValSize(p, idx))
	case nflags&nodeSubTree != 0:
		val := nodeValFast(p, idx)
		if len(val) < treeDescSize {
			return NewError(ErrCorrupted)
		}
		var sub tree
		sub.decode(val)
		removed = sub.Entries
		if err := c.txn.freeSubTree(&sub); err != nil {
			return err
		}
	case nflags&nodeSubPage != 0:
		sp := page{Data: nodeValFast(p, idx)}
		removed = uint64(sp.numEntries())
	}

	delKey := append([]byte(nil), nodeKeyFast(p, idx)...)
	p.removeEntry(idx)

	tr := c.tree()
	if tr.Entries >= removed {
		tr.Entries -= removed
	} else {
		tr.Entries = 0
	}
	c.dup.reset()
	c.markDirty()

	if p.numEntries() > 0 {
		// The successor shifted under the cursor; the next move must
		// not skip it.
		c.afterDelete = true
		return nil
	}

	if err := c.freeEmptyPage(c.top); err != nil {
		return err
	}
	if c.tree().Root == invalidPgno {
		c.resetStack()
		c.state = cursorEOF
		return nil
	}
	if _, _, err := c.seek(delKey, true); err != nil {
		if IsNotFound(err) {
			c.state = cursorEOF
			return nil
		}
		return err
	}
	c.afterDelete = true
	return nil
}

// freeEmptyPage releases the emptied page at level and cascades the
// removal up the stack, collapsing the root when it degenerates to a
// single child.
func (c *Cursor) freeEmptyPage(level int) error {
	tr := c.tree()
	for {
		p, err := c.page(level)
		if err != nil {
			return err
		}
		if p.isBranch() {
			tr.BranchPages--
		} else {
			tr.LeafPages--
		}
		c.txn.freeDirtyPage(c.stack[level].pg)

		if level == 0 {
			tr.reset()
			return nil
		}
		level--
		pp, err := c.page(level)
		if err != nil {
			return err
		}
		pp.removeEntry(c.stack[level].idx)
		if pp.numEntries() > 0 {
			break
		}
	}

	for tr.Depth > 1 {
		data, err := c.txn.pageBytes(tr.Root)
		if err != nil {
			return err
		}
		p := page{Data: data}
		if !p.isBranch() || p.numEntries() != 1 {
			break
		}
		child := nodeChildPgnoFast(&p, 0)
		c.txn.freeDirtyPage(tr.Root)
		tr.BranchPages--
		tr.Root = child
		tr.Depth--
	}
	return nil
}

// freeSubTree releases every page of a duplicate sub-tree. The pages
// are counted in the descriptor, never in the owning table's stats.
func (txn *Txn) freeSubTree(sub *tree) error {
	if sub.Root == invalidPgno {
		return nil
	}
	var walk func(pg pgno, level uint16) error
	walk = func(pg pgno, level uint16) error {
		if level < sub.Depth {
			data, err := txn.pageBytes(pg)
			if err != nil {
				return err
			}
			p := page{Data: data}
			n := p.numEntries()
			for i := 0; i < n; i++ {
				if err := walk(nodeChildPgnoFast(&p, i), level+1); err != nil {
					return err
				}
			}
		}
		txn.freeDirtyPage(pg)
		return nil
	}
	return walk(sub.Root, 1)
}

// delDupValue removes only the duplicate the dup position points at.
func (c *Cursor) delDupValue(p *page, idx int) error {
	cur, err := c.currentDupValue()
	if err != nil {
		return err
	}
	cur = append([]byte(nil), cur...)

	nflags := nodeEntryFlagsFast(p, idx)
	switch {
	case nflags&nodeSubTree != 0:
		return c.delDupFromTree(p, idx, cur)
	case nflags&nodeSubPage != 0:
		return c.delDupFromSubPage(p, idx, cur)
	default:
		// A single plain value: the key goes with it.
		return c.delEntry(p, idx)
	}
}

// repositionAfterDupDelete points the cursor at the duplicate following
// the removed one, or parks it on the last remaining duplicate when the
// greatest one went.
func (c *Cursor) repositionAfterDupDelete(removed []byte) error {
	c.dup.reset()
	if _, _, err := c.seekDup(removed, true); err == nil {
		c.afterDelete = true
		return nil
	} else if !IsNotFound(err) {
		return err
	}
	if _, _, err := c.lastDup(); err != nil && !IsNotFound(err) {
		return err
	}
	c.afterDelete = false
	return nil
}

// delDupFromSubPage rewrites the embedded sub-page without the current
// duplicate, degrading to a plain value at one survivor.
func (c *Cursor) delDupFromSubPage(p *page, idx int, cur []byte) error {
	val := nodeValFast(p, idx)
	sp := page{Data: val}
	count := sp.numEntries()
	if count <= 1 {
		return c.delEntry(p, idx)
	}
	pos := c.dup.idx
	if pos < 0 || pos >= count {
		return NewError(ErrNotFound)
	}

	fixed := 0
	if sp.isDupFixed() {
		fixed = int(sp.dupFixedSize())
	}
	key := append([]byte(nil), nodeKeyFast(p, idx)...)

	values := make([][]byte, 0, count-1)
	for i := 0; i < count; i++ {
		if i == pos {
			continue
		}
		if fixed > 0 {
			values = append(values, val[pageHeaderSize+i*fixed:pageHeaderSize+(i+1)*fixed])
		} else {
			values = append(values, nodeKey(&sp, i))
		}
	}

	var node []byte
	if len(values) == 1 {
		node = appendLeafNode(c.scratch[:0], key, values[0], 0)
	} else {
		subSize := dupSubPageSize(values, fixed)
		buf := getCompactBuffer(subSize)
		sub := buildDupSubPage(buf[:subSize], values, fixed)
		node = appendLeafNode(c.scratch[:0], key, sub, nodeSubPage)
		returnCompactBuffer(buf)
	}
	c.scratch = node

	// The replacement is strictly smaller, so it lands in place.
	if _, err := c.replaceNodeAt(c.top, idx, node); err != nil {
		return err
	}

	tr := c.tree()
	if tr.Entries > 0 {
		tr.Entries--
	}
	c.markDirty()
	return c.repositionAfterDupDelete(cur)
}

// delDupFromTree removes cur from the duplicate sub-tree behind the
// node at idx, folding the tree back into a plain value once a single
// duplicate remains.
func (c *Cursor) delDupFromTree(p *page, idx int, cur []byte) error {
	val := nodeValFast(p, idx)
	if len(val) < treeDescSize {
		return NewError(ErrCorrupted)
	}
	var sub tree
	sub.decode(val)
	if sub.Entries <= 1 {
		return c.delEntry(p, idx)
	}
	key := append([]byte(nil), nodeKeyFast(p, idx)...)

	s := c.subCursor(&sub)
	if _, _, err := s.seek(cur, false); err != nil {
		s.release()
		return err
	}
	if err := s.touchStack(); err != nil {
		s.release()
		return err
	}
	sp, err := s.page(s.top)
	if err != nil {
		s.release()
		return err
	}
	err = s.delEntry(sp, s.stack[s.top].idx)
	s.release()
	if err != nil {
		return err
	}

	split := false
	if sub.Entries == 1 {
		var desc [treeDescSize]byte
		sub.encode(desc[:])
		survivor, err := c.txn.subTreeFirstValue(desc[:])
		if err != nil {
			return err
		}
		survivor = append([]byte(nil), survivor...)
		if err := c.txn.freeSubTree(&sub); err != nil {
			return err
		}

		node := appendLeafNode(c.scratch[:0], key, survivor, 0)
		c.scratch = node
		if _, err := c.touchTop(); err != nil {
			return err
		}
		split, err = c.replaceNodeAt(c.top, idx, node)
		if err != nil {
			return err
		}
	} else {
		sub.ModTxnID = c.txn.id
		var desc [treeDescSize]byte
		sub.encode(desc[:])
		if p, err = c.touchTop(); err != nil {
			return err
		}
		off := int(p.entryOffsetFast(idx))
		keySize := int(nodeKeySizeAt(p.Data[off:]))
		copy(p.Data[off+nodeHeaderSize+keySize:], desc[:])
	}

	tr := c.tree()
	if tr.Entries > 0 {
		tr.Entries--
	}
	c.markDirty()

	if split {
		if _, _, err := c.seek(key, false); err != nil {
			return err
		}
	}
	return c.repositionAfterDupDelete(cur)
}
