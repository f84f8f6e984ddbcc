package loam

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Meta page content layout. Offsets are relative to the end of the page
// header. All fields little-endian.
//
//	Offset  Size  Field
//	0       8     magic and version
//	8       8     txnA (first half of the two-phase commit stamp)
//	16      24    geometry
//	40      48    free table descriptor
//	88      48    main table descriptor
//	136     8     pagesRetired (lifetime total)
//	144     16    bootID
//	160     16    dbID
//	176     8     sign (steady hash or weak marker)
//	184     8     txnB (second half of the two-phase commit stamp)
const (
	metaOffMagic     = 0
	metaOffTxnA      = 8
	metaOffGeo       = 16
	metaOffFreeTable = 40
	metaOffMainTable = 88
	metaOffRetired   = 136
	metaOffBootID    = 144
	metaOffDBID      = 160
	metaOffSign      = 176
	metaOffTxnB      = 184

	metaContentSize = 192
)

// Sign values. Anything else must match the xxhash of the content up to
// the sign field, making the meta steady.
const (
	signNone uint64 = 0
	signWeak uint64 = 1
)

// geometry holds the data file sizing parameters, in pages unless noted.
type geometry struct {
	PageSize     uint32 // bytes
	Lower        pgno   // minimum file size
	Upper        pgno   // maximum file size
	Now          pgno   // current file size
	Next         pgno   // first unallocated page
	GrowthStep   uint16 // file growth quantum
	ShrinkThresh uint16 // slack pages before the file shrinks
}

const geometrySize = 24

func (g *geometry) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], g.PageSize)
	binary.LittleEndian.PutUint32(buf[4:], uint32(g.Lower))
	binary.LittleEndian.PutUint32(buf[8:], uint32(g.Upper))
	binary.LittleEndian.PutUint32(buf[12:], uint32(g.Now))
	binary.LittleEndian.PutUint32(buf[16:], uint32(g.Next))
	binary.LittleEndian.PutUint16(buf[20:], g.GrowthStep)
	binary.LittleEndian.PutUint16(buf[22:], g.ShrinkThresh)
}

func (g *geometry) decode(buf []byte) {
	g.PageSize = binary.LittleEndian.Uint32(buf[0:])
	g.Lower = pgno(binary.LittleEndian.Uint32(buf[4:]))
	g.Upper = pgno(binary.LittleEndian.Uint32(buf[8:]))
	g.Now = pgno(binary.LittleEndian.Uint32(buf[12:]))
	g.Next = pgno(binary.LittleEndian.Uint32(buf[16:]))
	g.GrowthStep = binary.LittleEndian.Uint16(buf[20:])
	g.ShrinkThresh = binary.LittleEndian.Uint16(buf[22:])
}

func (g *geometry) sizeBytes() uint64 {
	return uint64(g.Now) * uint64(g.PageSize)
}

// tree is the decoded descriptor of one B+tree. The same 48-byte encoding
// appears in meta pages and in named-table entries of the main table.
type tree struct {
	Flags         TableFlags
	Depth         uint16
	DupFixedSize  uint32 // value width for DupFixed tables
	Root          pgno
	BranchPages   uint32
	LeafPages     uint32
	OverflowPages uint32
	Entries       uint64
	Sequence      uint64
	ModTxnID      txnid
}

const treeDescSize = 48

func (t *tree) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:], uint16(t.Flags))
	binary.LittleEndian.PutUint16(buf[2:], t.Depth)
	binary.LittleEndian.PutUint32(buf[4:], t.DupFixedSize)
	binary.LittleEndian.PutUint32(buf[8:], uint32(t.Root))
	binary.LittleEndian.PutUint32(buf[12:], t.BranchPages)
	binary.LittleEndian.PutUint32(buf[16:], t.LeafPages)
	binary.LittleEndian.PutUint32(buf[20:], t.OverflowPages)
	binary.LittleEndian.PutUint64(buf[24:], t.Entries)
	binary.LittleEndian.PutUint64(buf[32:], t.Sequence)
	binary.LittleEndian.PutUint64(buf[40:], uint64(t.ModTxnID))
}

func (t *tree) decode(buf []byte) {
	t.Flags = TableFlags(binary.LittleEndian.Uint16(buf[0:]))
	t.Depth = binary.LittleEndian.Uint16(buf[2:])
	t.DupFixedSize = binary.LittleEndian.Uint32(buf[4:])
	t.Root = pgno(binary.LittleEndian.Uint32(buf[8:]))
	t.BranchPages = binary.LittleEndian.Uint32(buf[12:])
	t.LeafPages = binary.LittleEndian.Uint32(buf[16:])
	t.OverflowPages = binary.LittleEndian.Uint32(buf[20:])
	t.Entries = binary.LittleEndian.Uint64(buf[24:])
	t.Sequence = binary.LittleEndian.Uint64(buf[32:])
	t.ModTxnID = txnid(binary.LittleEndian.Uint64(buf[40:]))
}

func (t *tree) isEmpty() bool {
	return t.Root == invalidPgno || t.Entries == 0
}

func (t *tree) isDupSort() bool {
	return t.Flags&DupSort != 0
}

func (t *tree) isDupFixed() bool {
	return t.Flags&DupFixed != 0
}

func (t *tree) totalPages() uint64 {
	return uint64(t.BranchPages) + uint64(t.LeafPages) + uint64(t.OverflowPages)
}

// reset empties the tree, keeping flags, value width, and sequence.
func (t *tree) reset() {
	t.Root = invalidPgno
	t.Depth = 0
	t.BranchPages = 0
	t.LeafPages = 0
	t.OverflowPages = 0
	t.Entries = 0
}

// meta is a fully decoded meta page. Readers decode a private copy from
// the mapping rather than aliasing shared bytes, so a concurrent meta
// write can never tear a value they already hold.
type meta struct {
	TxnA         txnid
	TxnB         txnid
	Geo          geometry
	FreeTable    tree
	MainTable    tree
	PagesRetired uint64
	BootID       uuid.UUID
	DBID         uuid.UUID
	Sign         uint64
}

// decodeMeta decodes meta content (past the page header) from data.
func decodeMeta(data []byte) (*meta, error) {
	if len(data) < metaContentSize {
		return nil, errMetaTooSmall
	}
	magic := binary.LittleEndian.Uint64(data[metaOffMagic:])
	if magic>>8 != Magic {
		return nil, errMetaInvalidMagic
	}
	if uint8(magic) != DataVersion {
		return nil, errMetaInvalidVersion
	}

	m := &meta{
		TxnA:         txnid(binary.LittleEndian.Uint64(data[metaOffTxnA:])),
		TxnB:         txnid(binary.LittleEndian.Uint64(data[metaOffTxnB:])),
		PagesRetired: binary.LittleEndian.Uint64(data[metaOffRetired:]),
		Sign:         binary.LittleEndian.Uint64(data[metaOffSign:]),
	}
	m.Geo.decode(data[metaOffGeo:])
	m.FreeTable.decode(data[metaOffFreeTable:])
	m.MainTable.decode(data[metaOffMainTable:])
	copy(m.BootID[:], data[metaOffBootID:])
	copy(m.DBID[:], data[metaOffDBID:])

	if m.Sign != signNone && m.Sign != signWeak {
		if m.Sign != xxhash.Sum64(data[:metaOffSign]) {
			return nil, errMetaBadSign
		}
	}
	return m, nil
}

// encode writes the meta content into buf (past the page header). When
// steady, the sign is the xxhash of everything before the sign field.
func (m *meta) encode(buf []byte, steady bool) {
	binary.LittleEndian.PutUint64(buf[metaOffMagic:], (Magic<<8)+DataVersion)
	binary.LittleEndian.PutUint64(buf[metaOffTxnA:], uint64(m.TxnA))
	m.Geo.encode(buf[metaOffGeo:])
	m.FreeTable.encode(buf[metaOffFreeTable:])
	m.MainTable.encode(buf[metaOffMainTable:])
	binary.LittleEndian.PutUint64(buf[metaOffRetired:], m.PagesRetired)
	copy(buf[metaOffBootID:], m.BootID[:])
	copy(buf[metaOffDBID:], m.DBID[:])

	if steady {
		m.Sign = xxhash.Sum64(buf[:metaOffSign])
	} else {
		m.Sign = signWeak
	}
	binary.LittleEndian.PutUint64(buf[metaOffSign:], m.Sign)
	binary.LittleEndian.PutUint64(buf[metaOffTxnB:], uint64(m.TxnB))
}

// txnID returns the commit stamp. Valid only when consistent.
func (m *meta) txnID() txnid {
	return m.TxnA
}

// isConsistent reports whether both halves of the commit stamp match,
// i.e. the meta write completed.
func (m *meta) isConsistent() bool {
	return m.TxnA == m.TxnB
}

func (m *meta) isSteady() bool {
	return m.Sign != signNone && m.Sign != signWeak
}

func (m *meta) clone() *meta {
	c := *m
	return &c
}

var (
	errMetaTooSmall       = &pageError{"meta page too small"}
	errMetaInvalidMagic   = &pageError{"invalid magic number"}
	errMetaInvalidVersion = &pageError{"invalid format version"}
	errMetaBadSign        = &pageError{"steady sign mismatch"}
	errMetaNoValid        = &pageError{"no valid meta page found"}
)

// metaTriple holds the decoded state of the three meta slots.
type metaTriple struct {
	metas  [NumMetas]*meta
	txnids [NumMetas]txnid
	recent int // slot with the highest consistent txnid
	steady int // slot with the highest steady txnid
}

// loadMetaTriple decodes all three slots and selects recent and steady.
// Slots that fail decoding or are mid-write are skipped.
func loadMetaTriple(pages [NumMetas][]byte) (*metaTriple, error) {
	mt := &metaTriple{}
	if err := mt.reload(pages); err != nil {
		return nil, err
	}
	return mt, nil
}

// reload re-decodes the triple in place.
func (mt *metaTriple) reload(pages [NumMetas][]byte) error {
	mt.recent = -1
	mt.steady = -1

	var maxTxnid, maxSteady txnid
	for i := 0; i < NumMetas; i++ {
		mt.metas[i] = nil
		mt.txnids[i] = 0

		if len(pages[i]) < pageHeaderSize+metaContentSize {
			continue
		}
		m, err := decodeMeta(pages[i][pageHeaderSize:])
		if err != nil {
			continue
		}
		if !m.isConsistent() {
			continue
		}

		mt.metas[i] = m
		mt.txnids[i] = m.txnID()

		if mt.txnids[i] > maxTxnid {
			maxTxnid = mt.txnids[i]
			mt.recent = i
		}
		if m.isSteady() && mt.txnids[i] > maxSteady {
			maxSteady = mt.txnids[i]
			mt.steady = i
		}
	}

	if mt.recent < 0 {
		return errMetaNoValid
	}
	if mt.steady < 0 {
		mt.steady = mt.recent
	}
	return nil
}

func (mt *metaTriple) recentMeta() *meta {
	if mt.recent < 0 {
		return nil
	}
	return mt.metas[mt.recent]
}

func (mt *metaTriple) steadyMeta() *meta {
	if mt.steady < 0 {
		return nil
	}
	return mt.metas[mt.steady]
}

// nextMetaIndex returns the slot to overwrite for the next commit: the
// one holding the oldest txnid, so recent and steady always survive.
func (mt *metaTriple) nextMetaIndex() int {
	minIdx := 0
	minTxnid := mt.txnids[0]
	for i := 1; i < NumMetas; i++ {
		if mt.txnids[i] < minTxnid {
			minTxnid = mt.txnids[i]
			minIdx = i
		}
	}
	return minIdx
}

// defaultGeometry returns the geometry stamped into a fresh file.
func defaultGeometry(pageSize uint32) geometry {
	return geometry{
		PageSize:     pageSize,
		Lower:        MinPageNo,
		Upper:        0x400000, // 16 GiB at 4 KiB pages
		Now:          MinPageNo,
		Next:         MinPageNo,
		GrowthStep:   0x2000, // 32 MiB at 4 KiB pages
		ShrinkThresh: 0x4000,
	}
}

// initMeta fills m for a freshly created file. The initial metas are
// written synced, so they start steady.
func initMeta(m *meta, pageSize uint32, tid txnid) {
	m.TxnA = tid
	m.TxnB = tid
	m.Geo = defaultGeometry(pageSize)

	m.FreeTable = tree{Flags: IntegerKey, Root: invalidPgno}
	m.MainTable = tree{Root: invalidPgno}

	m.PagesRetired = 0
	m.BootID = currentBootID()
	m.DBID = uuid.New()
}

// bootID identifies the current OS boot. Metas written during a previous
// boot cannot vouch for unsynced data, so recovery treats a boot mismatch
// like a weak sign.
var bootID = uuid.New()

func currentBootID() uuid.UUID {
	return bootID
}
