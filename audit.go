package loam

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Audit verifies the allocation invariant of the transaction's view:
// every page below the allocation watermark is a meta page, reachable
// from exactly one tree position, recorded in the free table, or held
// in one of a write transaction's page pools. A page referenced twice
// or not at all fails the audit.
func (txn *Txn) Audit() error {
	if !txn.valid() {
		return NewError(ErrBadTxn)
	}

	watermark := uint(txn.geo.Next)
	seen := bitset.New(watermark)

	mark := func(pg pgno, count uint32, what string) error {
		for i := uint32(0); i < count; i++ {
			n := uint(pg) + uint(i)
			if n >= watermark {
				return WrapError(ErrCorrupted,
					fmt.Errorf("%s references page %d past watermark %d", what, n, watermark))
			}
			if seen.Test(n) {
				return WrapError(ErrCorrupted,
					fmt.Errorf("page %d referenced twice, second reference from %s", n, what))
			}
			seen.Set(n)
		}
		return nil
	}

	for i := 0; i < NumMetas; i++ {
		if err := mark(pgno(i), 1, "meta"); err != nil {
			return err
		}
	}

	var walkTree func(tr *tree, what string) error
	walkTree = func(tr *tree, what string) error {
		if tr.Root == invalidPgno {
			return nil
		}
		var walk func(pg pgno, level uint16) error
		walk = func(pg pgno, level uint16) error {
			if err := mark(pg, 1, what); err != nil {
				return err
			}
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
				return nil
			}

			for i := 0; i < n; i++ {
				flags := nodeEntryFlagsFast(&p, i)
				if flags&nodeBig != 0 {
					size := nodeValSize(&p, i)
					count := uint32((pageHeaderSize + int(size) + int(txn.pageSize) - 1) / int(txn.pageSize))
					if err := mark(nodeOverflowPgno(&p, i), count, what+" overflow"); err != nil {
						return err
					}
					continue
				}
				if flags&nodeSubTree != 0 {
					val := nodeValFast(&p, i)
					if len(val) < treeDescSize {
						return WrapError(ErrCorrupted,
							fmt.Errorf("%s holds a short sub-tree descriptor", what))
					}
					var sub tree
					sub.decode(val)
					if err := walkTree(&sub, what+" dup"); err != nil {
						return err
					}
				}
			}
			return nil
		}
		return walk(tr.Root, 1)
	}

	// The free table: its own pages plus every page run it records.
	freeTree, err := txn.treeFor(FreeTable)
	if err != nil {
		return err
	}
	if err := walkTree(freeTree, "free table"); err != nil {
		return err
	}
	if err := txn.auditFreeRecords(mark); err != nil {
		return err
	}

	// The main table, with named table descriptors expanded. A loaded
	// handle supersedes its stored descriptor, which goes stale between
	// modification and commit.
	mainTree, err := txn.treeFor(MainTable)
	if err != nil {
		return err
	}
	if err := walkTree(mainTree, "main table"); err != nil {
		return err
	}
	if err := txn.forEachTableDesc(func(name string, desc tree) error {
		if tr, ok := txn.loadedTableTree(name); ok {
			return walkTree(tr, "table "+name)
		}
		return walkTree(&desc, "table "+name)
	}); err != nil {
		return err
	}

	// A write transaction holds pages outside any tree.
	for _, pg := range txn.loose {
		if err := mark(pg, 1, "loose pool"); err != nil {
			return err
		}
	}
	for _, pg := range txn.retired {
		if err := mark(pg, 1, "retired set"); err != nil {
			return err
		}
	}
	for _, pg := range txn.reclaimed {
		if err := mark(pg, 1, "reclaimed pool"); err != nil {
			return err
		}
	}

	if got := uint(seen.Count()); got != watermark {
		return WrapError(ErrCorrupted,
			fmt.Errorf("%d of %d pages unaccounted for", watermark-got, watermark))
	}
	return nil
}

// auditFreeRecords marks every page recorded free, resolving overflow
// values through the regular leaf path.
func (txn *Txn) auditFreeRecords(mark func(pgno, uint32, string) error) error {
	tr, err := txn.treeFor(FreeTable)
	if err != nil {
		return err
	}
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
			return nil
		}

		for i := 0; i < n; i++ {
			val, err := txn.leafValue(&p, i, false)
			if err != nil {
				return err
			}
			pages, err := decodeFreeRecord(val)
			if err != nil {
				return err
			}
			for _, fp := range pages {
				if err := mark(fp, 1, "free record"); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(tr.Root, 1)
}

// loadedTableTree returns this transaction's working tree for a named
// table when the handle is loaded.
func (txn *Txn) loadedTableTree(name string) (*tree, bool) {
	txn.env.tablesMu.RLock()
	t, ok := txn.env.tableByName[name]
	txn.env.tablesMu.RUnlock()
	if !ok {
		return nil, false
	}
	if int(t) >= len(txn.trees) || txn.treesLoaded == nil || !txn.treesLoaded.Test(uint(t)) {
		return nil, false
	}
	return &txn.trees[t], true
}

// forEachTableDesc calls fn for every named table descriptor stored in
// the main table.
func (txn *Txn) forEachTableDesc(fn func(name string, desc tree) error) error {
	c, err := txn.OpenCursor(MainTable)
	if err != nil {
		return err
	}
	defer c.Close()

	for k, v, err := c.Get(nil, nil, First); ; k, v, err = c.Get(nil, nil, Next) {
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		p, perr := c.page(c.top)
		if perr != nil {
			return perr
		}
		if nodeEntryFlagsFast(p, c.stack[c.top].idx)&nodeSubTree == 0 {
			continue
		}
		if len(v) < treeDescSize {
			return WrapError(ErrCorrupted,
				fmt.Errorf("table %q holds a short descriptor", k))
		}
		var desc tree
		desc.decode(v)
		if err := fn(string(k), desc); err != nil {
			return err
		}
	}
}
