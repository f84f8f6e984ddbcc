package loam

import (
	"encoding/binary"
	"sync"
)

// pgno is a page number (32-bit)
type pgno uint32

// txnid is a transaction ID (64-bit)
type txnid uint64

const (
	// pageHeaderSize is the fixed page header size.
	pageHeaderSize = 24

	// invalidPgno represents an invalid/empty page number
	invalidPgno pgno = 0xFFFFFFFF

	// maxPgno is the maximum valid page number
	maxPgno pgno = 0x7FFFFFFF
)

// pageFlags define page types
type pageFlags uint16

const (
	// pageBranch indicates a branch (internal) page
	pageBranch pageFlags = 0x01

	// pageLeaf indicates a leaf page
	pageLeaf pageFlags = 0x02

	// pageOverflow indicates an overflow page run holding one large value
	pageOverflow pageFlags = 0x04

	// pageMeta indicates a meta page
	pageMeta pageFlags = 0x08

	// pageDupFixed indicates a fixed-size duplicate page
	pageDupFixed pageFlags = 0x10

	// pageSub indicates an embedded duplicate sub-page
	pageSub pageFlags = 0x20

	// pageTypeMask masks off the type bits
	pageTypeMask = pageBranch | pageLeaf | pageOverflow | pageMeta | pageDupFixed | pageSub
)

// Page header byte offsets. All fields are little-endian.
//
//	Offset  Size  Field
//	0       8     txnid
//	8       4     pgno
//	12      2     flags
//	14      2     dupFixedSize (value width for DupFixed pages)
//	16      2     lower (entry table end, relative to header end)
//	18      2     upper (node data start, relative to header end)
//	20      4     overflowCount (page count for overflow runs)
//	24      ...   entry offsets (2 bytes each), then node data from the top
const (
	pageOffTxnid    = 0
	pageOffPgno     = 8
	pageOffFlags    = 12
	pageOffDupFixed = 14
	pageOffLower    = 16
	pageOffUpper    = 18
	pageOffOverflow = 20
)

// page wraps a page-sized byte slice. All header access goes through the
// codec below so the buffer can live in the mmap or in a heap copy alike.
type page struct {
	Data []byte
}

func (p *page) txnID() txnid {
	return txnid(binary.LittleEndian.Uint64(p.Data[pageOffTxnid:]))
}

func (p *page) setTxnID(id txnid) {
	binary.LittleEndian.PutUint64(p.Data[pageOffTxnid:], uint64(id))
}

func (p *page) pageNo() pgno {
	return pgno(binary.LittleEndian.Uint32(p.Data[pageOffPgno:]))
}

func (p *page) setPageNo(pno pgno) {
	binary.LittleEndian.PutUint32(p.Data[pageOffPgno:], uint32(pno))
}

func (p *page) flags() pageFlags {
	return pageFlags(binary.LittleEndian.Uint16(p.Data[pageOffFlags:]))
}

func (p *page) setFlags(f pageFlags) {
	binary.LittleEndian.PutUint16(p.Data[pageOffFlags:], uint16(f))
}

func (p *page) dupFixedSize() uint16 {
	return binary.LittleEndian.Uint16(p.Data[pageOffDupFixed:])
}

func (p *page) setDupFixedSize(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[pageOffDupFixed:], n)
}

func (p *page) lower() uint16 {
	return binary.LittleEndian.Uint16(p.Data[pageOffLower:])
}

func (p *page) setLower(v uint16) {
	binary.LittleEndian.PutUint16(p.Data[pageOffLower:], v)
}

func (p *page) upper() uint16 {
	return binary.LittleEndian.Uint16(p.Data[pageOffUpper:])
}

func (p *page) setUpper(v uint16) {
	binary.LittleEndian.PutUint16(p.Data[pageOffUpper:], v)
}

func (p *page) pageType() pageFlags {
	return p.flags() & pageTypeMask
}

func (p *page) isBranch() bool {
	return p.flags()&pageBranch != 0
}

func (p *page) isLeaf() bool {
	return p.flags()&pageLeaf != 0
}

func (p *page) isOverflow() bool {
	return p.flags()&pageOverflow != 0
}

func (p *page) isMeta() bool {
	return p.flags()&pageMeta != 0
}

func (p *page) isDupFixed() bool {
	return p.flags()&pageDupFixed != 0
}

func (p *page) isSubPage() bool {
	return p.flags()&pageSub != 0
}

// numEntries returns the number of entries on this page. The entry table
// is 2 bytes per entry, so lower>>1 is the count.
func (p *page) numEntries() int {
	return int(p.lower()) >> 1
}

// entryOffset returns the offset into Data of the entry at idx. Stored
// offsets are relative to the header end.
func (p *page) entryOffset(idx int) uint16 {
	if idx < 0 || idx >= p.numEntries() {
		return 0
	}
	return p.entryOffsetFast(idx)
}

// entryOffsetFast is entryOffset without the bounds check. Caller must
// ensure 0 <= idx < numEntries.
func (p *page) entryOffsetFast(idx int) uint16 {
	stored := binary.LittleEndian.Uint16(p.Data[pageHeaderSize+idx*2:])
	return stored + pageHeaderSize
}

// freeSpace returns the gap between the entry table and the node data.
func (p *page) freeSpace() int {
	return int(p.upper()) - int(p.lower())
}

// overflowCount returns the number of pages in an overflow run.
func (p *page) overflowCount() uint32 {
	if !p.isOverflow() {
		return 1
	}
	return binary.LittleEndian.Uint32(p.Data[pageOffOverflow:])
}

func (p *page) setOverflowCount(n uint32) {
	binary.LittleEndian.PutUint32(p.Data[pageOffOverflow:], n)
}

// init initializes the header for an empty page of the given size.
func (p *page) init(pno pgno, flags pageFlags, pageSize uint16) {
	d := p.Data
	_ = d[pageHeaderSize-1]
	binary.LittleEndian.PutUint64(d[pageOffTxnid:], 0)
	binary.LittleEndian.PutUint32(d[pageOffPgno:], uint32(pno))
	binary.LittleEndian.PutUint16(d[pageOffFlags:], uint16(flags))
	binary.LittleEndian.PutUint16(d[pageOffDupFixed:], 0)
	binary.LittleEndian.PutUint16(d[pageOffLower:], 0)
	binary.LittleEndian.PutUint16(d[pageOffUpper:], pageSize-pageHeaderSize)
	binary.LittleEndian.PutUint32(d[pageOffOverflow:], 0)
}

// validate checks basic header sanity.
func (p *page) validate(pageSize uint) error {
	if len(p.Data) < pageHeaderSize {
		return errPageTooSmall
	}
	if p.flags()&^pageTypeMask != 0 {
		return errPageInvalidFlags
	}
	if !p.isOverflow() {
		if int(p.upper())+pageHeaderSize > int(pageSize) {
			return errPageInvalidUpper
		}
		if p.lower() > p.upper() {
			return errPageInvalidBounds
		}
	}
	return nil
}

var (
	errPageTooSmall      = &pageError{"page too small"}
	errPageInvalidFlags  = &pageError{"invalid page flags"}
	errPageInvalidUpper  = &pageError{"invalid upper bound"}
	errPageInvalidBounds = &pageError{"lower > upper"}
)

type pageError struct {
	msg string
}

func (e *pageError) Error() string {
	return "page: " + e.msg
}

// ============== Allocation-free direct access functions ==============
// These work on raw page bytes without wrapping them in a page struct.

func pageFlagsDirect(data []byte) pageFlags {
	if len(data) < pageHeaderSize {
		return 0
	}
	return pageFlags(binary.LittleEndian.Uint16(data[pageOffFlags:]))
}

func pageIsLeafDirect(data []byte) bool {
	return pageFlagsDirect(data)&pageLeaf != 0
}

func pageIsBranchDirect(data []byte) bool {
	return pageFlagsDirect(data)&pageBranch != 0
}

func pageNumEntriesDirect(data []byte) int {
	if len(data) < pageHeaderSize {
		return 0
	}
	return int(binary.LittleEndian.Uint16(data[pageOffLower:])) >> 1
}

func pageTxnIDDirect(data []byte) txnid {
	return txnid(binary.LittleEndian.Uint64(data[pageOffTxnid:]))
}

// pageEntryOffsetDirect returns the entry offset at idx from raw page bytes.
func pageEntryOffsetDirect(data []byte, idx int) uint16 {
	if idx < 0 || idx >= pageNumEntriesDirect(data) {
		return 0
	}
	stored := binary.LittleEndian.Uint16(data[pageHeaderSize+idx*2:])
	return stored + pageHeaderSize
}

// ============== Page modification methods ==============

// insertEntry inserts a full node (header + key + value) at idx.
// Returns false if the page cannot hold it even after compaction.
func (p *page) insertEntry(idx int, nodeData []byte) bool {
	return p.insertEntryWithBuf(idx, nodeData, nil)
}

// insertEntryWithBuf is insertEntry with an optional scratch buffer for
// compaction.
func (p *page) insertEntryWithBuf(idx int, nodeData []byte, scratchBuf []byte) bool {
	numEntries := p.numEntries()
	if idx < 0 || idx > numEntries {
		return false
	}

	nodeSize := len(nodeData)
	requiredSpace := 2 + nodeSize
	if p.freeSpace() < requiredSpace {
		reclaimed := p.compactWithBuf(scratchBuf)
		if reclaimed == 0 || p.freeSpace() < requiredSpace {
			return false
		}
	}

	// Node data grows down from upper.
	newUpper := p.upper() - uint16(nodeSize)
	p.setUpper(newUpper)
	copy(p.Data[newUpper+pageHeaderSize:], nodeData)

	// Shift the entry table to make room for the new offset.
	if idx < numEntries {
		src := pageHeaderSize + idx*2
		dst := src + 2
		copy(p.Data[dst:], p.Data[src:src+(numEntries-idx)*2])
	}
	binary.LittleEndian.PutUint16(p.Data[pageHeaderSize+idx*2:], newUpper)
	p.setLower(p.lower() + 2)
	return true
}

// removeEntry removes the entry at idx. The node data becomes a hole
// reclaimed by the next compaction.
func (p *page) removeEntry(idx int) bool {
	numEntries := p.numEntries()
	if idx < 0 || idx >= numEntries {
		return false
	}
	if idx < numEntries-1 {
		src := pageHeaderSize + (idx+1)*2
		dst := pageHeaderSize + idx*2
		copy(p.Data[dst:], p.Data[src:src+(numEntries-1-idx)*2])
	}
	p.setLower(p.lower() - 2)
	return true
}

// removeEntriesFrom drops all entries from startIdx to the end. Used
// during splits. Does not compact.
func (p *page) removeEntriesFrom(startIdx int) {
	numEntries := p.numEntries()
	if startIdx < 0 || startIdx >= numEntries {
		return
	}
	p.setLower(p.lower() - uint16((numEntries-startIdx)*2))
}

// compact repacks node data, eliminating holes left by removals.
// Returns the number of bytes reclaimed.
func (p *page) compact() int {
	return p.compactWithBuf(nil)
}

func (p *page) compactWithBuf(scratchBuf []byte) int {
	numEntries := p.numEntries()
	pageSize := uint16(len(p.Data))

	if numEntries == 0 {
		oldUpper := p.upper()
		p.setUpper(pageSize - pageHeaderSize)
		return int(pageSize-pageHeaderSize) - int(oldUpper)
	}

	var sizesBuf [256]uint16
	var sizes []uint16
	if numEntries <= len(sizesBuf) {
		sizes = sizesBuf[:numEntries]
	} else {
		sizes = make([]uint16, numEntries)
	}

	totalSize := uint16(0)
	for i := 0; i < numEntries; i++ {
		sizes[i] = uint16(p.nodeSizeAtFast(i))
		totalSize += sizes[i]
	}

	expectedUpper := pageSize - pageHeaderSize - totalSize
	if p.upper() == expectedUpper {
		return 0
	}

	// Prefer the gap between the entry table and the node data as scratch
	// space, then the caller's buffer, then the pool.
	entryTableEnd := uint16(pageHeaderSize + numEntries*2)
	dataStart := p.upper() + pageHeaderSize
	var tempBuf []byte
	var fromPool bool
	if int(dataStart)-int(entryTableEnd) >= int(totalSize) {
		tempBuf = p.Data[entryTableEnd:dataStart]
	} else if len(scratchBuf) >= int(totalSize) {
		tempBuf = scratchBuf[:totalSize]
	} else {
		tempBuf = getCompactBuffer(int(totalSize))
		fromPool = true
	}

	tempPos := uint16(0)
	for i := 0; i < numEntries; i++ {
		src := p.entryOffsetFast(i)
		copy(tempBuf[tempPos:tempPos+sizes[i]], p.Data[src:src+sizes[i]])
		tempPos += sizes[i]
	}

	writePos := pageSize
	tempPos = 0
	for i := 0; i < numEntries; i++ {
		writePos -= sizes[i]
		copy(p.Data[writePos:writePos+sizes[i]], tempBuf[tempPos:tempPos+sizes[i]])
		tempPos += sizes[i]
		binary.LittleEndian.PutUint16(p.Data[pageHeaderSize+i*2:], writePos-pageHeaderSize)
	}

	if fromPool {
		returnCompactBuffer(tempBuf)
	}

	oldUpper := p.upper()
	p.setUpper(writePos - pageHeaderSize)
	return int(writePos-pageHeaderSize) - int(oldUpper)
}

var compactBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, DefaultPageSize)
	},
}

func getCompactBuffer(size int) []byte {
	buf := compactBufferPool.Get().([]byte)
	if len(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func returnCompactBuffer(buf []byte) {
	if cap(buf) >= DefaultPageSize {
		compactBufferPool.Put(buf[:cap(buf)])
	}
}

// updateEntry replaces the node at idx. Writes in place when the new node
// fits the old slot, otherwise reallocates at upper and leaves a hole.
func (p *page) updateEntry(idx int, nodeData []byte) bool {
	numEntries := p.numEntries()
	if idx < 0 || idx >= numEntries {
		return false
	}

	oldSize := p.nodeSizeAt(idx)
	newSize := len(nodeData)
	if newSize <= oldSize {
		offset := p.entryOffsetFast(idx)
		copy(p.Data[offset:], nodeData)
		return true
	}

	if p.freeSpace() < newSize-oldSize {
		return false
	}
	newUpperInt := int(p.upper()) - newSize
	if newUpperInt < int(p.lower()) {
		return false
	}
	newUpper := uint16(newUpperInt)
	p.setUpper(newUpper)
	copy(p.Data[newUpper+pageHeaderSize:], nodeData)
	binary.LittleEndian.PutUint16(p.Data[pageHeaderSize+idx*2:], newUpper)
	return true
}

// nodeSizeAt returns the full serialized size of the node at idx.
func (p *page) nodeSizeAt(idx int) int {
	if idx < 0 || idx >= p.numEntries() {
		return 0
	}
	return p.nodeSizeAtFast(idx)
}

func (p *page) nodeSizeAtFast(idx int) int {
	offset := p.entryOffsetFast(idx)
	return nodeSizeOnPage(p.Data[offset:], p.isBranch())
}

// splitPoint finds the split index: entries [0, idx) stay left, [idx, n)
// move right. The new node of newNodeSize inserted at insertIdx must fit
// on its side. Single pass, no heap allocation.
func (p *page) splitPoint(newNodeSize int, insertIdx int) int {
	numEntries := p.numEntries()
	if numEntries == 0 {
		return 0
	}

	maxSpace := len(p.Data) - pageHeaderSize

	totalExisting := 0
	for i := 0; i < numEntries; i++ {
		totalExisting += p.nodeSizeAtFast(i)
	}

	// Append-optimized split: when inserting at the end, keep everything
	// left and send only the new node right.
	if insertIdx >= numEntries {
		leftNeeded := numEntries*2 + totalExisting
		rightNeeded := 2 + newNodeSize
		if leftNeeded <= maxSpace && rightNeeded <= maxSpace {
			return numEntries
		}
	}

	isValidSplit := func(splitIdx int) bool {
		if splitIdx < 0 || splitIdx > numEntries {
			return false
		}
		leftDataSize := 0
		for i := 0; i < splitIdx; i++ {
			leftDataSize += p.nodeSizeAtFast(i)
		}
		rightDataSize := totalExisting - leftDataSize
		leftEntries := splitIdx
		rightEntries := numEntries - splitIdx
		if insertIdx < splitIdx {
			leftEntries++
			leftDataSize += newNodeSize
		} else {
			rightEntries++
			rightDataSize += newNodeSize
		}
		if leftEntries == 0 || rightEntries == 0 {
			return false
		}
		return leftEntries*2+leftDataSize <= maxSpace &&
			rightEntries*2+rightDataSize <= maxSpace
	}

	mid := numEntries / 2
	if mid == 0 {
		mid = 1
	}
	if isValidSplit(mid) {
		return mid
	}

	for delta := 1; delta <= numEntries; delta++ {
		if insertIdx < mid {
			if mid-delta >= 0 && isValidSplit(mid-delta) {
				return mid - delta
			}
			if mid+delta <= numEntries && isValidSplit(mid+delta) {
				return mid + delta
			}
		} else {
			if mid+delta <= numEntries && isValidSplit(mid+delta) {
				return mid + delta
			}
			if mid-delta >= 0 && isValidSplit(mid-delta) {
				return mid - delta
			}
		}
	}
	return mid
}

// compactTo copies this page into dst with node data packed contiguously.
func (p *page) compactTo(dst *page, pageSize uint16) {
	dst.init(p.pageNo(), p.flags(), pageSize)
	dst.setTxnID(p.txnID())
	dst.setDupFixedSize(p.dupFixedSize())
	numEntries := p.numEntries()
	for i := 0; i < numEntries; i++ {
		offset := p.entryOffset(i)
		nodeSize := p.nodeSizeAt(i)
		if nodeSize > 0 && int(offset)+nodeSize <= len(p.Data) {
			dst.insertEntry(i, p.Data[offset:int(offset)+nodeSize])
		}
	}
}
