package loam

import (
	"encoding/binary"
)

// nodeHeaderSize is the fixed node header size.
const nodeHeaderSize = 8

// nodeFlags define node types
type nodeFlags uint8

const (
	// nodeBig indicates the value lives on an overflow page run
	nodeBig nodeFlags = 0x01

	// nodeSubTree indicates the value is a table descriptor (named table
	// or duplicate sub-tree root)
	nodeSubTree nodeFlags = 0x02

	// nodeSubPage indicates the value is an embedded duplicate sub-page
	nodeSubPage nodeFlags = 0x04
)

// Node layout (little-endian), followed by the key then the value:
//
//	Offset  Size  Field
//	0       2     keySize
//	2       1     flags
//	3       1     reserved
//	4       4     valSize (leaf) or child pgno (branch)
//	8       ...   key bytes, then value bytes
//
// Branch nodes carry no value. Big leaf nodes store a 4-byte overflow
// page number in place of the value.
const (
	nodeOffKeySize = 0
	nodeOffFlags   = 2
	nodeOffUnion   = 4
)

func nodeKeySizeAt(data []byte) uint16 {
	return binary.LittleEndian.Uint16(data[nodeOffKeySize:])
}

func nodeFlagsAt(data []byte) nodeFlags {
	return nodeFlags(data[nodeOffFlags])
}

func nodeUnionAt(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[nodeOffUnion:])
}

// putNodeHeader writes a node header into buf.
func putNodeHeader(buf []byte, keySize uint16, flags nodeFlags, union uint32) {
	binary.LittleEndian.PutUint16(buf[nodeOffKeySize:], keySize)
	buf[nodeOffFlags] = byte(flags)
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[nodeOffUnion:], union)
}

// nodeSizeOnPage returns the serialized size of the node starting at data.
func nodeSizeOnPage(data []byte, branch bool) int {
	keySize := int(nodeKeySizeAt(data))
	size := nodeHeaderSize + keySize
	if branch {
		return size
	}
	if nodeFlagsAt(data)&nodeBig != 0 {
		return size + 4
	}
	return size + int(nodeUnionAt(data))
}

// nodeCalcSize returns the space a node with the given key and value sizes
// occupies on a page.
func nodeCalcSize(keySize int, valSize int, isBig bool) int {
	size := nodeHeaderSize + keySize
	if isBig {
		return size + 4
	}
	return size + valSize
}

// nodeMaxKeySize returns the largest key a page of the given size can
// store while still fitting two branch entries.
func nodeMaxKeySize(pageSize int) int {
	return pageSize/2 - nodeHeaderSize - 2
}

// nodeMaxValInline returns the largest value stored inline on a leaf.
// Bigger values move to overflow pages.
func nodeMaxValInline(pageSize int) int {
	return (pageSize-pageHeaderSize-4)/2 - nodeHeaderSize - 1
}

// ============== Entry accessors ==============
// All return slices aliasing the page buffer; three-index slicing caps
// capacity so append cannot scribble on page data.

// nodeKey returns the key of the entry at idx.
func nodeKey(p *page, idx int) []byte {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeHeaderSize > len(p.Data) {
		return nil
	}
	keySize := nodeKeySizeAt(p.Data[offset:])
	end := int(offset) + nodeHeaderSize + int(keySize)
	if end > len(p.Data) {
		return nil
	}
	return p.Data[int(offset)+nodeHeaderSize : end : end]
}

// nodeKeyFast is nodeKey without bounds checks, for verified indices in
// search loops.
func nodeKeyFast(p *page, idx int) []byte {
	offset := int(p.entryOffsetFast(idx))
	keySize := int(nodeKeySizeAt(p.Data[offset:]))
	end := offset + nodeHeaderSize + keySize
	return p.Data[offset+nodeHeaderSize : end : end]
}

// nodeVal returns the inline value of the leaf entry at idx. Returns nil
// for big nodes, whose value lives on overflow pages.
func nodeVal(p *page, idx int) []byte {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeHeaderSize > len(p.Data) {
		return nil
	}
	d := p.Data[offset:]
	if nodeFlagsAt(d)&nodeBig != 0 {
		return nil
	}
	valSize := int(nodeUnionAt(d))
	start := int(offset) + nodeHeaderSize + int(nodeKeySizeAt(d))
	end := start + valSize
	if end > len(p.Data) {
		return nil
	}
	return p.Data[start:end:end]
}

// nodeValFast is nodeVal without bounds checks. Caller must have verified
// idx and ruled out big nodes.
func nodeValFast(p *page, idx int) []byte {
	offset := int(p.entryOffsetFast(idx))
	d := p.Data[offset:]
	start := offset + nodeHeaderSize + int(nodeKeySizeAt(d))
	end := start + int(nodeUnionAt(d))
	return p.Data[start:end:end]
}

// nodeChildPgno returns the child page number of the branch entry at idx.
func nodeChildPgno(p *page, idx int) pgno {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeHeaderSize > len(p.Data) {
		return invalidPgno
	}
	return pgno(nodeUnionAt(p.Data[offset:]))
}

// nodeChildPgnoFast is nodeChildPgno without bounds checks.
func nodeChildPgnoFast(p *page, idx int) pgno {
	return pgno(nodeUnionAt(p.Data[p.entryOffsetFast(idx):]))
}

// nodeEntryFlags returns the node flags of the entry at idx.
func nodeEntryFlags(p *page, idx int) nodeFlags {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeHeaderSize > len(p.Data) {
		return 0
	}
	return nodeFlagsAt(p.Data[offset:])
}

// nodeEntryFlagsFast is nodeEntryFlags without bounds checks.
func nodeEntryFlagsFast(p *page, idx int) nodeFlags {
	return nodeFlagsAt(p.Data[p.entryOffsetFast(idx):])
}

// nodeOverflowPgno returns the overflow run start for a big leaf entry.
func nodeOverflowPgno(p *page, idx int) pgno {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeHeaderSize > len(p.Data) {
		return invalidPgno
	}
	d := p.Data[offset:]
	if nodeFlagsAt(d)&nodeBig == 0 {
		return invalidPgno
	}
	start := int(offset) + nodeHeaderSize + int(nodeKeySizeAt(d))
	if start+4 > len(p.Data) {
		return invalidPgno
	}
	return pgno(binary.LittleEndian.Uint32(p.Data[start:]))
}

// nodeValSize returns the stored value size of the leaf entry at idx.
// For big nodes this is the full value length on the overflow run.
func nodeValSize(p *page, idx int) uint32 {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeHeaderSize > len(p.Data) {
		return 0
	}
	return nodeUnionAt(p.Data[offset:])
}

// nodeEntryFast returns key, flags, and inline value in one pass without
// bounds checks. Value is nil for big nodes.
func nodeEntryFast(p *page, idx int) (key []byte, flags nodeFlags, val []byte) {
	offset := int(p.entryOffsetFast(idx))
	d := p.Data
	keySize := int(nodeKeySizeAt(d[offset:]))
	flags = nodeFlagsAt(d[offset:])
	union := nodeUnionAt(d[offset:])

	keyStart := offset + nodeHeaderSize
	keyEnd := keyStart + keySize
	key = d[keyStart:keyEnd:keyEnd]

	if flags&nodeBig != 0 {
		return key, flags, nil
	}
	valEnd := keyEnd + int(union)
	val = d[keyEnd:valEnd:valEnd]
	return key, flags, val
}

// ============== First/last shortcuts for tree descent ==============
// Callers must ensure the page is well-formed and non-empty.

// nodeFirstChildPgno returns the child pgno of entry 0 on a branch page.
func nodeFirstChildPgno(data []byte) pgno {
	stored := binary.LittleEndian.Uint16(data[pageHeaderSize:])
	offset := int(stored) + pageHeaderSize
	return pgno(nodeUnionAt(data[offset:]))
}

// nodeLastChildPgno returns the child pgno of the last entry on a branch
// page.
func nodeLastChildPgno(data []byte) pgno {
	numEntries := pageNumEntriesDirect(data)
	stored := binary.LittleEndian.Uint16(data[pageHeaderSize+(numEntries-1)*2:])
	offset := int(stored) + pageHeaderSize
	return pgno(nodeUnionAt(data[offset:]))
}

// nodeFirstKey returns the key of entry 0 on a leaf page.
func nodeFirstKey(data []byte) []byte {
	stored := binary.LittleEndian.Uint16(data[pageHeaderSize:])
	offset := int(stored) + pageHeaderSize
	keySize := int(nodeKeySizeAt(data[offset:]))
	return data[offset+nodeHeaderSize : offset+nodeHeaderSize+keySize]
}

// nodeLastKey returns the key of the last entry on a leaf page.
func nodeLastKey(data []byte) []byte {
	numEntries := pageNumEntriesDirect(data)
	stored := binary.LittleEndian.Uint16(data[pageHeaderSize+(numEntries-1)*2:])
	offset := int(stored) + pageHeaderSize
	keySize := int(nodeKeySizeAt(data[offset:]))
	return data[offset+nodeHeaderSize : offset+nodeHeaderSize+keySize]
}

// ============== Node serialization ==============

// appendLeafNode appends a serialized leaf node to buf and returns the
// extended slice.
func appendLeafNode(buf []byte, key, val []byte, flags nodeFlags) []byte {
	var hdr [nodeHeaderSize]byte
	putNodeHeader(hdr[:], uint16(len(key)), flags, uint32(len(val)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, key...)
	return append(buf, val...)
}

// appendBigLeafNode appends a leaf node whose value is an overflow run.
// valSize is the full value length, overflow the first page of the run.
func appendBigLeafNode(buf []byte, key []byte, valSize uint32, overflow pgno) []byte {
	var hdr [nodeHeaderSize]byte
	putNodeHeader(hdr[:], uint16(len(key)), nodeBig, valSize)
	buf = append(buf, hdr[:]...)
	buf = append(buf, key...)
	var pn [4]byte
	binary.LittleEndian.PutUint32(pn[:], uint32(overflow))
	return append(buf, pn[:]...)
}

// appendBranchNode appends a serialized branch node to buf.
func appendBranchNode(buf []byte, key []byte, child pgno) []byte {
	var hdr [nodeHeaderSize]byte
	putNodeHeader(hdr[:], uint16(len(key)), 0, uint32(child))
	buf = append(buf, hdr[:]...)
	return append(buf, key...)
}
