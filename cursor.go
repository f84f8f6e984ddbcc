package loam

import (
	"sync"
)

// CursorOp selects a Cursor.Get positioning operation.
type CursorOp uint

const (
	// First positions at the first key.
	First CursorOp = iota
	// FirstDup positions at the first duplicate of the current key.
	FirstDup
	// GetBoth positions at an exact key-value pair.
	GetBoth
	// GetBothRange positions at key with the first value >= the given one.
	GetBothRange
	// GetCurrent returns the key-value under the cursor.
	GetCurrent
	// GetMultiple returns the packed duplicates of the current key.
	// DupFixed tables only.
	GetMultiple
	// Last positions at the last key.
	Last
	// LastDup positions at the last duplicate of the current key.
	LastDup
	// Next moves to the next key-value.
	Next
	// NextDup moves to the next duplicate of the current key.
	NextDup
	// NextMultiple returns the next packed run of duplicates.
	NextMultiple
	// NextNoDup moves to the first value of the next key.
	NextNoDup
	// Prev moves to the previous key-value.
	Prev
	// PrevDup moves to the previous duplicate of the current key.
	PrevDup
	// PrevMultiple returns the preceding packed run of duplicates.
	PrevMultiple
	// PrevNoDup moves to the last value of the previous key.
	PrevNoDup
	// Set positions at the given key.
	Set
	// SetKey positions at the given key, returning the stored key.
	SetKey
	// SetRange positions at the first key >= the given one.
	SetRange
	// SetLowerbound positions at the first pair >= the given key-value.
	SetLowerbound
	// SetUpperbound positions at the first pair > the given key-value.
	SetUpperbound
)

// DelFlags modify Cursor.Del.
type DelFlags uint

const (
	// AllDups removes the key together with every duplicate it holds.
	AllDups DelFlags = 1 << 0
)

type cursorState uint8

const (
	cursorUninitialized cursorState = iota
	cursorPointing
	cursorEOF
)

const cursorSignature uint32 = 0x4C4F4352

// cursorSlot is one level of a descent: a page number and the entry
// index taken on it. Page data is resolved through the transaction on
// every access, so copy-on-write and remaps never leave the stack
// holding stale memory.
type cursorSlot struct {
	pg  pgno
	idx int
}

// dupCursor tracks the position inside the duplicates of the current
// key: an index into an embedded sub-page, or a second descent stack
// through a duplicate sub-tree.
type dupCursor struct {
	active bool
	isTree bool

	// Sub-tree position.
	tr    tree
	top   int
	stack [maxTreeDepth]cursorSlot

	// Sub-page position.
	idx   int
	count int
	fixed int
}

func (d *dupCursor) reset() {
	d.active = false
	d.isTree = false
	d.top = -1
	d.idx = 0
	d.count = 0
	d.fixed = 0
}

// Cursor navigates one table's tree.
type Cursor struct {
	signature uint32
	txn       *Txn
	table     Table
	state     cursorState

	top   int
	stack [maxTreeDepth]cursorSlot

	dup dupCursor

	// root pins the tree version this stack descended. Another cursor
	// rewriting the tree moves the root, which triggers a re-seek.
	root pgno

	afterDelete bool

	// Set on temporary cursors that operate inside a duplicate
	// sub-tree: the working tree and its comparator come from here
	// instead of the transaction's table state.
	sub    *tree
	subCmp CmpFunc

	scratch []byte
}

var (
	globalCursorCache   []*Cursor
	globalCursorCacheMu sync.Mutex
)

const cursorCacheCap = 256

func newCursorFromCache() *Cursor {
	globalCursorCacheMu.Lock()
	if n := len(globalCursorCache); n > 0 {
		c := globalCursorCache[n-1]
		globalCursorCache[n-1] = nil
		globalCursorCache = globalCursorCache[:n-1]
		globalCursorCacheMu.Unlock()
		return c
	}
	globalCursorCacheMu.Unlock()
	return &Cursor{}
}

func returnCursorToCache(c *Cursor) {
	c.signature = 0
	c.txn = nil
	c.state = cursorUninitialized
	c.top = -1
	c.sub = nil
	c.subCmp = nil
	c.dup.reset()

	globalCursorCacheMu.Lock()
	if len(globalCursorCache) < cursorCacheCap {
		globalCursorCache = append(globalCursorCache, c)
	}
	globalCursorCacheMu.Unlock()
}

// OpenCursor opens a cursor on a table. The cursor is only valid for
// the lifetime of the transaction.
func (txn *Txn) OpenCursor(t Table) (*Cursor, error) {
	if !txn.valid() {
		return nil, NewError(ErrBadTxn)
	}
	if _, err := txn.treeFor(t); err != nil {
		return nil, err
	}

	c := newCursorFromCache()
	c.signature = cursorSignature
	c.txn = txn
	c.table = t
	c.state = cursorUninitialized
	c.top = -1
	c.root = invalidPgno
	c.afterDelete = false
	c.sub = nil
	c.subCmp = nil
	c.dup.reset()

	txn.registerCursor(c)
	return c, nil
}

func (c *Cursor) valid() bool {
	return c != nil && c.signature == cursorSignature && c.txn != nil
}

// Txn returns the cursor's transaction.
func (c *Cursor) Txn() *Txn { return c.txn }

// Table returns the cursor's table handle.
func (c *Cursor) Table() Table { return c.table }

// Close releases the cursor. Closing an already closed cursor is a
// no-op.
func (c *Cursor) Close() {
	if c == nil || c.signature != cursorSignature {
		return
	}
	if c.txn != nil {
		c.txn.removeCursor(c)
	}
	returnCursorToCache(c)
}

// tree returns the working tree, resolved through the transaction each
// time because the slice may grow as tables open.
func (c *Cursor) tree() *tree {
	if c.sub != nil {
		return c.sub
	}
	return &c.txn.trees[c.table]
}

// keyCmp returns the comparator ordering this cursor's keys.
func (c *Cursor) keyCmp() CmpFunc {
	if c.sub != nil {
		return c.subCmp
	}
	return c.txn.cmpFor(c.table)
}

func (c *Cursor) isDupSort() bool {
	return c.tree().isDupSort()
}

// page resolves one stack level to a page view.
func (c *Cursor) page(level int) (*page, error) {
	data, err := c.txn.pageBytes(c.stack[level].pg)
	if err != nil {
		return nil, err
	}
	return &page{Data: data}, nil
}

// Get positions the cursor per op and returns the key-value there.
func (c *Cursor) Get(key, value []byte, op CursorOp) ([]byte, []byte, error) {
	if !c.valid() {
		return nil, nil, NewError(ErrBadSign)
	}

	switch op {
	case First:
		return c.first()
	case Last:
		return c.last()
	case Next:
		return c.next()
	case Prev:
		return c.prev()
	case GetCurrent:
		return c.getCurrent()
	case Set, SetKey:
		return c.seek(key, false)
	case SetRange:
		return c.seek(key, true)
	case FirstDup:
		return c.firstDup()
	case LastDup:
		return c.lastDup()
	case NextDup:
		return c.nextDup()
	case PrevDup:
		return c.prevDup()
	case NextNoDup:
		return c.nextNoDup()
	case PrevNoDup:
		return c.prevNoDup()
	case GetBoth:
		return c.getBoth(key, value, false)
	case GetBothRange:
		return c.getBoth(key, value, true)
	case SetLowerbound:
		return c.setLowerbound(key, value)
	case SetUpperbound:
		return c.setUpperbound(key, value)
	case GetMultiple:
		return c.getMultiple()
	case NextMultiple:
		return c.nextMultiple()
	case PrevMultiple:
		return c.prevMultiple()
	default:
		return nil, nil, NewError(ErrInvalid)
	}
}

// Put stores a key-value pair at the appropriate position.
func (c *Cursor) Put(key, value []byte, flags PutFlags) error {
	if !c.valid() {
		return NewError(ErrBadSign)
	}
	if c.txn.IsReadOnly() {
		return NewError(ErrReadOnly)
	}
	return c.put(key, value, flags)
}

// Del deletes the entry at the cursor position.
func (c *Cursor) Del(flags DelFlags) error {
	if !c.valid() {
		return NewError(ErrBadSign)
	}
	if c.txn.IsReadOnly() {
		return NewError(ErrReadOnly)
	}
	if c.state != cursorPointing {
		return NewError(ErrNotFound)
	}
	return c.del(flags)
}

// Count returns the number of duplicates stored at the current key.
func (c *Cursor) Count() (uint64, error) {
	if !c.valid() {
		return 0, NewError(ErrBadSign)
	}
	if c.state != cursorPointing {
		return 0, NewError(ErrNotFound)
	}
	if !c.isDupSort() {
		return 1, nil
	}

	p, err := c.page(c.top)
	if err != nil {
		return 0, err
	}
	idx := c.stack[c.top].idx
	if idx >= p.numEntries() {
		return 0, NewError(ErrNotFound)
	}
	flags := nodeEntryFlagsFast(p, idx)
	switch {
	case flags&nodeSubTree != 0:
		var sub tree
		sub.decode(nodeValFast(p, idx))
		return sub.Entries, nil
	case flags&nodeSubPage != 0:
		sp := page{Data: nodeValFast(p, idx)}
		return uint64(sp.numEntries()), nil
	default:
		return 1, nil
	}
}

// EOF reports whether the cursor moved past either end of the table.
func (c *Cursor) EOF() bool {
	return c.state == cursorEOF
}

// ============== Positioning ==============

func (c *Cursor) resetStack() {
	c.top = -1
	c.root = invalidPgno
	c.afterDelete = false
	c.dup.reset()
}

// refresh re-seeks the cursor when another cursor's copy-on-write moved
// the tree root from under this stack.
func (c *Cursor) refresh() error {
	if c.state != cursorPointing || c.top < 0 || c.sub != nil {
		return nil
	}
	if c.txn.IsReadOnly() || c.root == c.tree().Root {
		return nil
	}

	// Capture the position from the old stack, then re-descend. Old
	// pages stay readable in the map for the rest of the transaction.
	p, err := c.page(c.top)
	if err != nil {
		return err
	}
	idx := c.stack[c.top].idx
	if idx >= p.numEntries() {
		idx = p.numEntries() - 1
	}
	if idx < 0 {
		c.state = cursorEOF
		return nil
	}
	key := append([]byte(nil), nodeKeyFast(p, idx)...)

	var dupVal []byte
	if c.dup.active {
		if v, err := c.currentDupValue(); err == nil {
			dupVal = append([]byte(nil), v...)
		}
	}

	if _, _, err := c.seek(key, true); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if dupVal != nil {
		if _, _, err := c.seekDup(dupVal, true); err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}

// descend walks from the root to a leaf. pick < 0 takes the leftmost
// child at every level, pick > 0 the rightmost.
func (c *Cursor) descend(pick int) error {
	tr := c.tree()
	c.top = 0
	c.root = tr.Root
	c.stack[0].pg = tr.Root

	for {
		p, err := c.page(c.top)
		if err != nil {
			return err
		}
		n := p.numEntries()
		if n == 0 {
			c.stack[c.top].idx = 0
			return nil
		}

		idx := 0
		if pick > 0 {
			idx = n - 1
		}
		c.stack[c.top].idx = idx

		if p.isLeaf() {
			return nil
		}
		if c.top+1 >= maxTreeDepth {
			return NewError(ErrCursorFull)
		}
		child := nodeChildPgnoFast(p, idx)
		c.top++
		c.stack[c.top].pg = child
	}
}

func (c *Cursor) first() ([]byte, []byte, error) {
	c.resetStack()
	if c.tree().isEmpty() {
		c.state = cursorEOF
		return nil, nil, NewError(ErrNotFound)
	}
	if err := c.descend(-1); err != nil {
		return nil, nil, err
	}

	p, err := c.page(c.top)
	if err != nil {
		return nil, nil, err
	}
	if p.numEntries() == 0 {
		c.state = cursorEOF
		return nil, nil, NewError(ErrNotFound)
	}
	c.state = cursorPointing
	return c.getCurrent()
}

func (c *Cursor) last() ([]byte, []byte, error) {
	c.resetStack()
	if c.tree().isEmpty() {
		c.state = cursorEOF
		return nil, nil, NewError(ErrNotFound)
	}
	if err := c.descend(1); err != nil {
		return nil, nil, err
	}

	p, err := c.page(c.top)
	if err != nil {
		return nil, nil, err
	}
	if p.numEntries() == 0 {
		c.state = cursorEOF
		return nil, nil, NewError(ErrNotFound)
	}
	c.state = cursorPointing

	if c.isDupSort() {
		return c.lastDup()
	}
	return c.getCurrent()
}

// next advances to the next duplicate, or to the next key once the
// duplicates run out.
func (c *Cursor) next() ([]byte, []byte, error) {
	if c.state == cursorUninitialized {
		return c.first()
	}
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if err := c.refresh(); err != nil {
		return nil, nil, err
	}

	if c.afterDelete {
		// Deletion already shifted the successor under the cursor.
		c.afterDelete = false
		if k, v, err := c.getCurrent(); err == nil {
			return k, v, nil
		} else if !IsNotFound(err) {
			return nil, nil, err
		}
		return c.nextKey()
	}

	if c.dup.active {
		if k, v, err := c.nextDupStep(); err == nil {
			return k, v, nil
		} else if !IsNotFound(err) {
			return nil, nil, err
		}
	}
	c.dup.reset()

	return c.nextKey()
}

// nextKey moves to the first entry of the following key.
func (c *Cursor) nextKey() ([]byte, []byte, error) {
	savedTop := c.top
	savedStack := c.stack

	for c.top >= 0 {
		p, err := c.page(c.top)
		if err != nil {
			return nil, nil, err
		}
		if c.stack[c.top].idx+1 < p.numEntries() {
			c.stack[c.top].idx++
			if p.isBranch() {
				if err := c.descendCurrentLeft(); err != nil {
					return nil, nil, err
				}
			}
			return c.getCurrent()
		}
		c.top--
	}

	// Past the end. Stay on the last entry so Prev still works.
	c.top = savedTop
	c.stack = savedStack
	return nil, nil, NewError(ErrNotFound)
}

func (c *Cursor) prev() ([]byte, []byte, error) {
	if c.state == cursorUninitialized || c.state == cursorEOF {
		return c.last()
	}
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if err := c.refresh(); err != nil {
		return nil, nil, err
	}
	c.afterDelete = false

	if c.dup.active {
		if k, v, err := c.prevDupStep(); err == nil {
			return k, v, nil
		} else if !IsNotFound(err) {
			return nil, nil, err
		}
	}
	c.dup.reset()

	return c.prevKey(true)
}

// prevKey moves to the previous key, positioning at its last duplicate
// when toLastDup is set.
func (c *Cursor) prevKey(toLastDup bool) ([]byte, []byte, error) {
	for c.top >= 0 {
		if c.stack[c.top].idx > 0 {
			c.stack[c.top].idx--
			p, err := c.page(c.top)
			if err != nil {
				return nil, nil, err
			}
			if p.isBranch() {
				if err := c.descendCurrentRight(); err != nil {
					return nil, nil, err
				}
			}
			if toLastDup && c.isDupSort() {
				return c.lastDup()
			}
			return c.getCurrent()
		}
		c.top--
	}
	c.state = cursorEOF
	return nil, nil, NewError(ErrNotFound)
}

// descendCurrentLeft descends from the branch entry at the top of the
// stack to the leftmost leaf beneath it.
func (c *Cursor) descendCurrentLeft() error {
	for {
		p, err := c.page(c.top)
		if err != nil {
			return err
		}
		if p.isLeaf() {
			return nil
		}
		if c.top+1 >= maxTreeDepth {
			return NewError(ErrCursorFull)
		}
		child := nodeChildPgnoFast(p, c.stack[c.top].idx)
		c.top++
		c.stack[c.top] = cursorSlot{pg: child, idx: 0}
	}
}

// descendCurrentRight mirrors descendCurrentLeft toward the rightmost
// leaf.
func (c *Cursor) descendCurrentRight() error {
	for {
		p, err := c.page(c.top)
		if err != nil {
			return err
		}
		if p.isLeaf() {
			return nil
		}
		if c.top+1 >= maxTreeDepth {
			return NewError(ErrCursorFull)
		}
		child := nodeChildPgnoFast(p, c.stack[c.top].idx)
		c.top++
		c.stack[c.top].pg = child
		cp, err := c.page(c.top)
		if err != nil {
			return err
		}
		idx := cp.numEntries() - 1
		if idx < 0 {
			idx = 0
		}
		c.stack[c.top].idx = idx
	}
}

// seek positions the cursor at key, or at the first greater key when
// ranged. On a miss the stack is left at the insertion point, which
// put relies on.
func (c *Cursor) seek(key []byte, ranged bool) ([]byte, []byte, error) {
	c.resetStack()

	tr := c.tree()
	if tr.Root == invalidPgno {
		c.state = cursorEOF
		return nil, nil, NewError(ErrNotFound)
	}

	cmp := c.keyCmp()
	c.top = 0
	c.root = tr.Root
	c.stack[0].pg = tr.Root

	for {
		p, err := c.page(c.top)
		if err != nil {
			return nil, nil, err
		}
		idx, exact := searchInPage(p, key, cmp)
		c.stack[c.top].idx = idx

		if p.isLeaf() {
			if idx >= p.numEntries() {
				if ranged && p.numEntries() > 0 {
					c.state = cursorPointing
					c.stack[c.top].idx = p.numEntries() - 1
					c.dup.reset()
					return c.nextKey()
				}
				c.state = cursorEOF
				return nil, nil, NewError(ErrNotFound)
			}
			if exact || ranged {
				c.state = cursorPointing
				return c.getCurrent()
			}
			c.state = cursorEOF
			return nil, nil, NewError(ErrNotFound)
		}

		if c.top+1 >= maxTreeDepth {
			return nil, nil, NewError(ErrCursorFull)
		}
		child := nodeChildPgnoFast(p, idx)
		c.top++
		c.stack[c.top].pg = child
	}
}

// getCurrent returns the key-value under the cursor. For DupSort
// entries the value is the current duplicate, with the dup position
// initialized at the first duplicate on demand.
func (c *Cursor) getCurrent() ([]byte, []byte, error) {
	if c.state != cursorPointing || c.top < 0 {
		return nil, nil, NewError(ErrNotFound)
	}

	p, err := c.page(c.top)
	if err != nil {
		return nil, nil, err
	}
	idx := c.stack[c.top].idx
	if idx >= p.numEntries() {
		return nil, nil, NewError(ErrNotFound)
	}

	key := nodeKeyFast(p, idx)
	flags := nodeEntryFlagsFast(p, idx)

	if flags&nodeBig != 0 {
		val, err := c.txn.overflowValue(nodeOverflowPgno(p, idx), nodeValSize(p, idx))
		if err != nil {
			return nil, nil, err
		}
		return key, val, nil
	}

	if c.isDupSort() && flags&(nodeSubTree|nodeSubPage) != 0 {
		if !c.dup.active {
			if err := c.initDup(p, idx, false); err != nil {
				return nil, nil, err
			}
		}
		val, err := c.currentDupValue()
		if err != nil {
			return nil, nil, err
		}
		return key, val, nil
	}

	return key, nodeValFast(p, idx), nil
}

// ============== Duplicates ==============

// initDup loads the duplicate position for the entry at (p, idx),
// starting at the last duplicate when atEnd is set.
func (c *Cursor) initDup(p *page, idx int, atEnd bool) error {
	flags := nodeEntryFlagsFast(p, idx)
	val := nodeValFast(p, idx)

	c.dup.reset()
	c.dup.active = true

	if flags&nodeSubTree != 0 {
		if len(val) < treeDescSize {
			return NewError(ErrCorrupted)
		}
		c.dup.isTree = true
		c.dup.tr.decode(val)
		if c.dup.tr.Root == invalidPgno {
			return NewError(ErrCorrupted)
		}
		return c.dupDescend(atEnd)
	}

	if flags&nodeSubPage != 0 {
		if len(val) < pageHeaderSize {
			return NewError(ErrCorrupted)
		}
		sp := page{Data: val}
		c.dup.count = sp.numEntries()
		if sp.isDupFixed() {
			c.dup.fixed = int(sp.dupFixedSize())
		}
		if atEnd && c.dup.count > 0 {
			c.dup.idx = c.dup.count - 1
		}
		return nil
	}

	// Plain single value, no duplicate container yet.
	c.dup.count = 1
	return nil
}

// dupDescend walks the duplicate sub-tree to its first or last leaf
// entry.
func (c *Cursor) dupDescend(atEnd bool) error {
	c.dup.top = 0
	c.dup.stack[0].pg = c.dup.tr.Root

	for {
		data, err := c.txn.pageBytes(c.dup.stack[c.dup.top].pg)
		if err != nil {
			return err
		}
		p := page{Data: data}
		n := p.numEntries()
		idx := 0
		if atEnd && n > 0 {
			idx = n - 1
		}
		c.dup.stack[c.dup.top].idx = idx

		if p.isLeaf() {
			return nil
		}
		if c.dup.top+1 >= maxTreeDepth {
			return NewError(ErrCursorFull)
		}
		child := nodeChildPgnoFast(&p, idx)
		c.dup.top++
		c.dup.stack[c.dup.top].pg = child
	}
}

// currentDupValue returns the duplicate under the dup position.
// Sub-tree leaves and sub-page entries store duplicates as node keys;
// DupFixed sub-pages pack raw values back to back.
func (c *Cursor) currentDupValue() ([]byte, error) {
	if !c.dup.active {
		return nil, NewError(ErrNotFound)
	}

	if c.dup.isTree {
		data, err := c.txn.pageBytes(c.dup.stack[c.dup.top].pg)
		if err != nil {
			return nil, err
		}
		p := page{Data: data}
		idx := c.dup.stack[c.dup.top].idx
		if idx >= p.numEntries() {
			return nil, NewError(ErrNotFound)
		}
		return nodeKeyFast(&p, idx), nil
	}

	p, err := c.page(c.top)
	if err != nil {
		return nil, err
	}
	idx := c.stack[c.top].idx
	flags := nodeEntryFlagsFast(p, idx)
	val := nodeValFast(p, idx)

	if flags&nodeSubPage == 0 {
		return val, nil
	}

	sp := page{Data: val}
	if c.dup.idx >= sp.numEntries() {
		return nil, NewError(ErrNotFound)
	}
	if c.dup.fixed > 0 {
		start := pageHeaderSize + c.dup.idx*c.dup.fixed
		end := start + c.dup.fixed
		if end > len(val) {
			return nil, NewError(ErrCorrupted)
		}
		return val[start:end:end], nil
	}
	return nodeKey(&sp, c.dup.idx), nil
}

// nextDupStep advances within the current key's duplicates.
func (c *Cursor) nextDupStep() ([]byte, []byte, error) {
	if !c.dup.active {
		return nil, nil, NewError(ErrNotFound)
	}

	if c.dup.isTree {
		for c.dup.top >= 0 {
			data, err := c.txn.pageBytes(c.dup.stack[c.dup.top].pg)
			if err != nil {
				return nil, nil, err
			}
			p := page{Data: data}
			if c.dup.stack[c.dup.top].idx+1 < p.numEntries() {
				c.dup.stack[c.dup.top].idx++
				if p.isBranch() {
					if err := c.dupDescendBelowTop(false); err != nil {
						return nil, nil, err
					}
				}
				return c.getCurrent()
			}
			c.dup.top--
		}
		// Restore to the last leaf so the position stays usable.
		if err := c.dupDescend(true); err != nil {
			return nil, nil, err
		}
		return nil, nil, NewError(ErrNotFound)
	}

	if c.dup.idx+1 < c.dup.count {
		c.dup.idx++
		return c.getCurrent()
	}
	return nil, nil, NewError(ErrNotFound)
}

// prevDupStep steps backward within the current key's duplicates.
func (c *Cursor) prevDupStep() ([]byte, []byte, error) {
	if !c.dup.active {
		return nil, nil, NewError(ErrNotFound)
	}

	if c.dup.isTree {
		for c.dup.top >= 0 {
			if c.dup.stack[c.dup.top].idx > 0 {
				c.dup.stack[c.dup.top].idx--
				data, err := c.txn.pageBytes(c.dup.stack[c.dup.top].pg)
				if err != nil {
					return nil, nil, err
				}
				p := page{Data: data}
				if p.isBranch() {
					if err := c.dupDescendBelowTop(true); err != nil {
						return nil, nil, err
					}
				}
				return c.getCurrent()
			}
			c.dup.top--
		}
		if err := c.dupDescend(false); err != nil {
			return nil, nil, err
		}
		return nil, nil, NewError(ErrNotFound)
	}

	if c.dup.idx > 0 {
		c.dup.idx--
		return c.getCurrent()
	}
	return nil, nil, NewError(ErrNotFound)
}

// dupDescendBelowTop continues the dup descent below the current stack
// top after a lateral move on a branch level.
func (c *Cursor) dupDescendBelowTop(atEnd bool) error {
	for {
		data, err := c.txn.pageBytes(c.dup.stack[c.dup.top].pg)
		if err != nil {
			return err
		}
		p := page{Data: data}
		if p.isLeaf() {
			return nil
		}
		if c.dup.top+1 >= maxTreeDepth {
			return NewError(ErrCursorFull)
		}
		child := nodeChildPgnoFast(&p, c.dup.stack[c.dup.top].idx)

		cd, err := c.txn.pageBytes(child)
		if err != nil {
			return err
		}
		idx := 0
		if atEnd {
			if n := pageNumEntriesDirect(cd); n > 0 {
				idx = n - 1
			}
		}
		c.dup.top++
		c.dup.stack[c.dup.top] = cursorSlot{pg: child, idx: idx}
	}
}

func (c *Cursor) firstDup() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if !c.isDupSort() {
		return c.getCurrent()
	}
	p, err := c.page(c.top)
	if err != nil {
		return nil, nil, err
	}
	if err := c.initDup(p, c.stack[c.top].idx, false); err != nil {
		return nil, nil, err
	}
	return c.getCurrent()
}

func (c *Cursor) lastDup() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if !c.isDupSort() {
		return c.getCurrent()
	}
	p, err := c.page(c.top)
	if err != nil {
		return nil, nil, err
	}
	idx := c.stack[c.top].idx
	if idx >= p.numEntries() {
		return nil, nil, NewError(ErrNotFound)
	}
	if err := c.initDup(p, idx, true); err != nil {
		return nil, nil, err
	}
	return c.getCurrent()
}

func (c *Cursor) nextDup() ([]byte, []byte, error) {
	if c.state != cursorPointing || !c.isDupSort() {
		return nil, nil, NewError(ErrNotFound)
	}
	if c.afterDelete {
		c.afterDelete = false
		return c.getCurrent()
	}
	if !c.dup.active {
		if _, _, err := c.getCurrent(); err != nil {
			return nil, nil, err
		}
	}
	return c.nextDupStep()
}

func (c *Cursor) prevDup() ([]byte, []byte, error) {
	if c.state != cursorPointing || !c.isDupSort() {
		return nil, nil, NewError(ErrNotFound)
	}
	if !c.dup.active {
		return nil, nil, NewError(ErrNotFound)
	}
	return c.prevDupStep()
}

func (c *Cursor) nextNoDup() ([]byte, []byte, error) {
	if c.state == cursorUninitialized {
		return c.first()
	}
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if err := c.refresh(); err != nil {
		return nil, nil, err
	}
	c.afterDelete = false
	c.dup.reset()
	return c.nextKey()
}

func (c *Cursor) prevNoDup() ([]byte, []byte, error) {
	if c.state == cursorUninitialized || c.state == cursorEOF {
		return c.last()
	}
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if err := c.refresh(); err != nil {
		return nil, nil, err
	}
	c.afterDelete = false
	c.dup.reset()
	return c.prevKey(true)
}

// getBoth positions at an exact key and the duplicate matching value,
// or the first duplicate >= value when ranged.
func (c *Cursor) getBoth(key, value []byte, ranged bool) ([]byte, []byte, error) {
	if !c.isDupSort() {
		k, v, err := c.seek(key, false)
		if err != nil {
			return nil, nil, err
		}
		cmp := c.txn.dupCmpFor(c.table)(value, v)
		if cmp == 0 || (ranged && cmp < 0) {
			return k, v, nil
		}
		return nil, nil, NewError(ErrNotFound)
	}

	if _, _, err := c.seek(key, false); err != nil {
		return nil, nil, err
	}
	return c.seekDup(value, ranged)
}

// seekDup positions within the current key's duplicates at value, or
// the first duplicate >= value when ranged.
func (c *Cursor) seekDup(value []byte, ranged bool) ([]byte, []byte, error) {
	p, err := c.page(c.top)
	if err != nil {
		return nil, nil, err
	}
	idx := c.stack[c.top].idx
	if idx >= p.numEntries() {
		return nil, nil, NewError(ErrNotFound)
	}
	flags := nodeEntryFlagsFast(p, idx)
	dcmp := c.txn.dupCmpFor(c.table)

	if flags&nodeSubTree != 0 {
		if err := c.initDup(p, idx, false); err != nil {
			return nil, nil, err
		}
		c.dup.top = 0
		c.dup.stack[0].pg = c.dup.tr.Root
		for {
			data, err := c.txn.pageBytes(c.dup.stack[c.dup.top].pg)
			if err != nil {
				return nil, nil, err
			}
			sp := page{Data: data}
			i, exact := searchInPage(&sp, value, dcmp)
			c.dup.stack[c.dup.top].idx = i
			if sp.isLeaf() {
				if i >= sp.numEntries() || (!exact && !ranged) {
					return nil, nil, NewError(ErrNotFound)
				}
				return c.getCurrent()
			}
			if c.dup.top+1 >= maxTreeDepth {
				return nil, nil, NewError(ErrCursorFull)
			}
			child := nodeChildPgnoFast(&sp, i)
			c.dup.top++
			c.dup.stack[c.dup.top].pg = child
		}
	}

	if flags&nodeSubPage != 0 {
		if err := c.initDup(p, idx, false); err != nil {
			return nil, nil, err
		}
		val := nodeValFast(p, idx)

		if c.dup.fixed > 0 {
			for i := 0; i < c.dup.count; i++ {
				start := pageHeaderSize + i*c.dup.fixed
				end := start + c.dup.fixed
				if end > len(val) {
					return nil, nil, NewError(ErrCorrupted)
				}
				cmp := dcmp(value, val[start:end])
				if cmp == 0 || (ranged && cmp < 0) {
					c.dup.idx = i
					return c.getCurrent()
				}
			}
			return nil, nil, NewError(ErrNotFound)
		}

		sp := page{Data: val}
		i, exact := searchInPage(&sp, value, dcmp)
		if i >= c.dup.count || (!exact && !ranged) {
			return nil, nil, NewError(ErrNotFound)
		}
		c.dup.idx = i
		return c.getCurrent()
	}

	v := nodeValFast(p, idx)
	cmp := dcmp(value, v)
	if cmp == 0 || (ranged && cmp < 0) {
		c.dup.reset()
		c.dup.active = true
		c.dup.count = 1
		return nodeKeyFast(p, idx), v, nil
	}
	return nil, nil, NewError(ErrNotFound)
}

// ============== Bound searches ==============

// setLowerbound positions at the first pair >= (key, value). With a
// nil value or on a plain table this is SetRange.
func (c *Cursor) setLowerbound(key, value []byte) ([]byte, []byte, error) {
	k, v, err := c.seek(key, true)
	if err != nil {
		return nil, nil, err
	}
	if value == nil || !c.isDupSort() {
		return k, v, nil
	}
	if c.keyCmp()(k, key) != 0 {
		return k, v, nil
	}

	if k2, v2, err := c.seekDup(value, true); err == nil {
		return k2, v2, nil
	} else if !IsNotFound(err) {
		return nil, nil, err
	}
	c.dup.reset()
	return c.nextKey()
}

// setUpperbound positions at the first pair strictly greater than
// (key, value).
func (c *Cursor) setUpperbound(key, value []byte) ([]byte, []byte, error) {
	k, v, err := c.setLowerbound(key, value)
	if err != nil {
		return nil, nil, err
	}
	if c.keyCmp()(k, key) != 0 {
		return k, v, nil
	}
	if value != nil && c.isDupSort() {
		if c.txn.dupCmpFor(c.table)(v, value) != 0 {
			return k, v, nil
		}
		return c.next()
	}
	if value == nil && !c.isDupSort() {
		return c.next()
	}
	if value == nil {
		return c.nextNoDup()
	}
	if c.txn.dupCmpFor(c.table)(v, value) != 0 {
		return k, v, nil
	}
	return c.next()
}

// ============== Packed duplicate runs ==============

// getMultiple returns every remaining duplicate of the current key as
// one packed slice of fixed-size values. The dup position moves to the
// last duplicate. Only DupFixed sub-pages pack values contiguously.
func (c *Cursor) getMultiple() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if !c.tree().isDupFixed() {
		return nil, nil, NewError(ErrIncompatible)
	}

	p, err := c.page(c.top)
	if err != nil {
		return nil, nil, err
	}
	idx := c.stack[c.top].idx
	if idx >= p.numEntries() {
		return nil, nil, NewError(ErrNotFound)
	}
	flags := nodeEntryFlagsFast(p, idx)
	key := nodeKeyFast(p, idx)

	if flags&nodeSubTree != 0 {
		return nil, nil, NewError(ErrIncompatible)
	}
	if flags&nodeSubPage == 0 {
		// Single value, a run of one.
		c.dup.reset()
		return key, nodeValFast(p, idx), nil
	}

	if !c.dup.active {
		if err := c.initDup(p, idx, false); err != nil {
			return nil, nil, err
		}
	}
	if c.dup.fixed <= 0 {
		return nil, nil, NewError(ErrIncompatible)
	}
	val := nodeValFast(p, idx)
	start := pageHeaderSize + c.dup.idx*c.dup.fixed
	end := pageHeaderSize + c.dup.count*c.dup.fixed
	if end > len(val) || start > end {
		return nil, nil, NewError(ErrCorrupted)
	}
	c.dup.idx = c.dup.count - 1
	return key, val[start:end:end], nil
}

// nextMultiple returns the next packed run of duplicates. All runs of
// a key live on one sub-page, so this reports the run exhausted.
func (c *Cursor) nextMultiple() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if !c.tree().isDupFixed() {
		return nil, nil, NewError(ErrIncompatible)
	}
	if c.dup.active && c.dup.idx+1 < c.dup.count {
		c.dup.idx++
		return c.getMultiple()
	}
	return nil, nil, NewError(ErrNotFound)
}

// prevMultiple returns the packed run preceding the dup position.
func (c *Cursor) prevMultiple() ([]byte, []byte, error) {
	if c.state != cursorPointing {
		return nil, nil, NewError(ErrNotFound)
	}
	if !c.tree().isDupFixed() {
		return nil, nil, NewError(ErrIncompatible)
	}
	if !c.dup.active || c.dup.idx == 0 {
		return nil, nil, NewError(ErrNotFound)
	}

	p, err := c.page(c.top)
	if err != nil {
		return nil, nil, err
	}
	idx := c.stack[c.top].idx
	key := nodeKeyFast(p, idx)
	val := nodeValFast(p, idx)
	end := pageHeaderSize + c.dup.idx*c.dup.fixed
	if end > len(val) {
		return nil, nil, NewError(ErrCorrupted)
	}
	c.dup.idx = 0
	return key, val[pageHeaderSize:end:end], nil
}
