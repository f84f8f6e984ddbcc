package loam

// Table is a table handle, an index into the environment's table
// registry. Handles stay valid across transactions once opened.
type Table uint32

// tableInfo is the environment-wide registration of one table.
type tableInfo struct {
	name  string
	flags TableFlags
	cmp   CmpFunc
	dcmp  CmpFunc
}

// OpenTable opens a named table, creating it when the Create flag is
// set in a write transaction. An empty name opens the main table. The
// comparators are registered on first open and shared by every later
// handle; pass nil for byte-order comparison.
func (txn *Txn) OpenTable(name string, flags TableFlags, cmp, dcmp CmpFunc) (Table, error) {
	if !txn.valid() {
		return 0, NewError(ErrBadTxn)
	}
	if flags&^(persistedTableFlags|Create) != 0 {
		return 0, NewError(ErrInvalid)
	}
	if flags&DupFixed != 0 && flags&DupSort == 0 {
		return 0, NewError(ErrInvalid)
	}
	if name == "" {
		if flags&persistedTableFlags != 0 {
			return 0, NewError(ErrIncompatible)
		}
		return MainTable, nil
	}

	env := txn.env

	// Fast path: the handle already exists; make sure this transaction
	// has the tree loaded.
	env.tablesMu.RLock()
	t, known := env.tableByName[name]
	env.tablesMu.RUnlock()
	if known {
		tr, err := txn.treeFor(t)
		if err != nil {
			return 0, err
		}
		if tr.Flags != flags&persistedTableFlags {
			return 0, NewError(ErrIncompatible)
		}
		return t, nil
	}

	desc, found, err := txn.lookupTableDesc(name)
	if err != nil {
		return 0, err
	}
	if found {
		if desc.Flags != flags&persistedTableFlags {
			return 0, NewError(ErrIncompatible)
		}
	} else {
		if flags&Create == 0 {
			return 0, NewError(ErrNotFound)
		}
		if txn.IsReadOnly() {
			return 0, NewError(ErrReadOnly)
		}
		desc = tree{
			Flags:    flags & persistedTableFlags,
			Root:     invalidPgno,
			ModTxnID: txn.id,
		}
	}

	t, err = env.registerTable(name, flags&persistedTableFlags, cmp, dcmp)
	if err != nil {
		return 0, err
	}

	txn.installTree(t, desc)
	if !found {
		txn.tablesDirty.Set(uint(t))
	}
	return t, nil
}

// registerTable assigns a handle for name, reusing an existing slot
// when another goroutine raced the registration.
func (e *Env) registerTable(name string, flags TableFlags, cmp, dcmp CmpFunc) (Table, error) {
	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()

	if t, ok := e.tableByName[name]; ok {
		return t, nil
	}
	if len(e.tables) >= e.cfg.MaxTables+CoreTables {
		return 0, NewError(ErrTablesFull)
	}
	t := Table(len(e.tables))
	e.tables = append(e.tables, &tableInfo{name: name, flags: flags, cmp: cmp, dcmp: dcmp})
	e.tableByName[name] = t
	return t, nil
}

// installTree puts a decoded descriptor at handle t in this
// transaction's working state.
func (txn *Txn) installTree(t Table, desc tree) {
	for len(txn.trees) <= int(t) {
		txn.trees = append(txn.trees, tree{Root: invalidPgno})
	}
	txn.trees[t] = desc
	txn.treesLoaded.Set(uint(t))
}

// lookupTableDesc reads a named table descriptor out of the main table.
func (txn *Txn) lookupTableDesc(name string) (tree, bool, error) {
	var desc tree
	c, err := txn.OpenCursor(MainTable)
	if err != nil {
		return desc, false, err
	}
	defer c.Close()

	_, _, err = c.seek([]byte(name), false)
	if err != nil {
		if IsNotFound(err) {
			return desc, false, nil
		}
		return desc, false, err
	}

	p, err := c.page(c.top)
	if err != nil {
		return desc, false, err
	}
	idx := c.stack[c.top].idx
	if nodeEntryFlagsFast(p, idx)&nodeSubTree == 0 {
		return desc, false, NewError(ErrIncompatible)
	}
	val := nodeValFast(p, idx)
	if len(val) < treeDescSize {
		return desc, false, NewError(ErrCorrupted)
	}
	desc.decode(val)
	return desc, true, nil
}

// loadTree resolves a handle opened in an earlier transaction by
// re-reading its descriptor.
func (txn *Txn) loadTree(t Table) (*tree, error) {
	txn.env.tablesMu.RLock()
	var name string
	if int(t) < len(txn.env.tables) && txn.env.tables[t] != nil {
		name = txn.env.tables[t].name
	}
	txn.env.tablesMu.RUnlock()
	if name == "" {
		return nil, NewError(ErrBadTable)
	}

	desc, found, err := txn.lookupTableDesc(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewError(ErrBadTable)
	}
	txn.installTree(t, desc)
	return &txn.trees[t], nil
}

// TableFlagsOf returns the persisted flags of an open table.
func (txn *Txn) TableFlagsOf(t Table) (TableFlags, error) {
	if !txn.valid() {
		return 0, NewError(ErrBadTxn)
	}
	tr, err := txn.treeFor(t)
	if err != nil {
		return 0, err
	}
	return tr.Flags, nil
}

// ListTables returns the names of all named tables.
func (txn *Txn) ListTables() ([]string, error) {
	if !txn.valid() {
		return nil, NewError(ErrBadTxn)
	}

	c, err := txn.OpenCursor(MainTable)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var names []string
	k, _, err := c.Get(nil, nil, First)
	for err == nil {
		p, perr := c.page(c.top)
		if perr != nil {
			return nil, perr
		}
		if nodeEntryFlagsFast(p, c.stack[c.top].idx)&nodeSubTree != 0 {
			names = append(names, string(k))
		}
		k, _, err = c.Get(nil, nil, Next)
	}
	if !IsNotFound(err) {
		return nil, err
	}
	return names, nil
}

// Sequence reads the table's persistent sequence counter, adding
// increment first when it is non-zero.
func (txn *Txn) Sequence(t Table, increment uint64) (uint64, error) {
	if !txn.valid() {
		return 0, NewError(ErrBadTxn)
	}
	if increment > 0 && txn.IsReadOnly() {
		return 0, NewError(ErrReadOnly)
	}
	tr, err := txn.treeFor(t)
	if err != nil {
		return 0, err
	}

	if increment > 0 {
		next := tr.Sequence + increment
		if next < tr.Sequence {
			return 0, NewError(ErrInvalid)
		}
		tr.Sequence = next
		tr.ModTxnID = txn.id
		txn.tablesDirty.Set(uint(t))
	}
	return tr.Sequence, nil
}

// Drop empties a named table, deleting it entirely when del is set.
func (txn *Txn) Drop(t Table, del bool) error {
	if !txn.valid() {
		return NewError(ErrBadTxn)
	}
	if txn.IsReadOnly() {
		return NewError(ErrReadOnly)
	}
	if int(t) < CoreTables {
		return NewError(ErrInvalid)
	}
	tr, err := txn.treeFor(t)
	if err != nil {
		return err
	}

	if err := txn.dropTreePages(tr); err != nil {
		return err
	}
	tr.reset()
	tr.ModTxnID = txn.id

	if !del {
		txn.tablesDirty.Set(uint(t))
		return nil
	}

	txn.env.tablesMu.Lock()
	var name string
	if int(t) < len(txn.env.tables) && txn.env.tables[t] != nil {
		name = txn.env.tables[t].name
		delete(txn.env.tableByName, name)
		txn.env.tables[t] = nil
	}
	txn.env.tablesMu.Unlock()
	if name == "" {
		return NewError(ErrBadTable)
	}

	txn.treesLoaded.Clear(uint(t))
	txn.tablesDirty.Clear(uint(t))
	return txn.removeTableDesc(name)
}

// dropTreePages walks a table tree and releases every page it owns:
// branches, leaves, overflow runs, and duplicate sub-trees.
func (txn *Txn) dropTreePages(tr *tree) error {
	if tr.Root == invalidPgno {
		return nil
	}

	var walk func(pg pgno, level uint16) error
	walk = func(pg pgno, level uint16) error {
		data, err := txn.pageBytes(pg)
		if err != nil {
			return err
		}
		p := page{Data: data}
		n := p.numEntries()
		if level < tr.Depth {
			for i := 0; i < n; i++ {
				if err := walk(nodeChildPgnoFast(&p, i), level+1); err != nil {
					return err
				}
			}
		} else {
			for i := 0; i < n; i++ {
				flags := nodeEntryFlagsFast(&p, i)
				switch {
				case flags&nodeBig != 0:
					ps := int(txn.pageSize)
					size := int(nodeValSize(&p, i))
					count := uint32((pageHeaderSize + size + ps - 1) / ps)
					txn.retireOverflow(nodeOverflowPgno(&p, i), count)
				case flags&nodeSubTree != 0:
					var sub tree
					sub.decode(nodeValFast(&p, i))
					if err := txn.freeSubTree(&sub); err != nil {
						return err
					}
				}
			}
		}
		txn.freeDirtyPage(pg)
		return nil
	}
	return walk(tr.Root, 1)
}

// removeTableDesc deletes a table descriptor node from the main table.
// Descriptors carry the sub-tree node flag, so the generic delete path
// would try to free the table a second time.
func (txn *Txn) removeTableDesc(name string) error {
	c, err := txn.OpenCursor(MainTable)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, _, err := c.seek([]byte(name), false); err != nil {
		return err
	}
	if err := c.touchStack(); err != nil {
		return err
	}
	p, err := c.page(c.top)
	if err != nil {
		return err
	}
	idx := c.stack[c.top].idx
	p.removeEntry(idx)

	main := c.tree()
	if main.Entries > 0 {
		main.Entries--
	}
	c.markDirty()

	if p.numEntries() == 0 {
		return c.freeEmptyPage(c.top)
	}
	return nil
}
