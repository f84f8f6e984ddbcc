//go:build unix

package loam

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	mmappkg "github.com/loamdb/loam/mmap"
)

// sysPageSize is the OS memory page size, cached at init time. File sizes
// are aligned to it so the whole file is always mappable.
var sysPageSize = int64(os.Getpagesize())

func alignToSysPageSize(size int64) int64 {
	if size%sysPageSize == 0 {
		return size
	}
	return ((size / sysPageSize) + 1) * sysPageSize
}

// envSignature marks live environment handles.
const envSignature uint32 = 0x4C4F454E // "LOEN"

// Geometry configures data file sizing. All values are bytes and rounded
// up to whole pages. Zero fields keep their defaults.
type Geometry struct {
	SizeLower       int64
	SizeNow         int64
	SizeUpper       int64
	GrowthStep      int64
	ShrinkThreshold int64
}

// Config carries environment settings. The zero value is usable; see
// DefaultConfig for the defaults applied to zero fields.
type Config struct {
	// PageSize is the page size for newly created files. Must be a power
	// of two in [MinPageSize, MaxPageSize]. Existing files keep theirs.
	PageSize uint32

	// MaxReaders bounds the reader slot table of a newly created lock
	// file.
	MaxReaders int

	// MaxTables bounds the named tables that can be opened.
	MaxTables int

	// Durability selects the commit sync policy.
	Durability DurabilityMode

	// SyncThreshold makes Checkpoint durability produce a steady commit
	// automatically once this many commits have accumulated unsynced.
	// Zero leaves checkpointing to explicit Sync calls.
	SyncThreshold int

	// DirtyPageLimit is the number of dirty pages a write transaction
	// holds in memory before spilling the coldest to disk.
	DirtyPageLimit int

	// Geometry overrides file sizing for newly created files.
	Geometry *Geometry

	// Logger receives structural events. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns the settings used for zero Config fields.
func DefaultConfig() *Config {
	return &Config{
		PageSize:       DefaultPageSize,
		MaxReaders:     defaultMaxReaders,
		MaxTables:      64,
		Durability:     Durable,
		DirtyPageLimit: 1 << 16,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *d
	if c != nil {
		if c.PageSize != 0 {
			out.PageSize = c.PageSize
		}
		if c.MaxReaders > 0 {
			out.MaxReaders = c.MaxReaders
		}
		if c.MaxTables > 0 {
			out.MaxTables = c.MaxTables
		}
		out.Durability = c.Durability
		if c.SyncThreshold > 0 {
			out.SyncThreshold = c.SyncThreshold
		}
		if c.DirtyPageLimit > 0 {
			out.DirtyPageLimit = c.DirtyPageLimit
		}
		out.Geometry = c.Geometry
		out.Logger = c.Logger
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &out
}

// Env is a database environment: one data file, one lock file, and the
// state shared by all transactions against them.
type Env struct {
	signature uint32
	flags     EnvFlags
	path      string
	cfg       *Config
	log       *slog.Logger
	mu        sync.RWMutex

	dataFile *os.File
	dataMap  *mmappkg.Map
	lockFile *lockFile

	// Old mappings are kept alive until close; a reader may still hold
	// slices into them after a grow remapped the file.
	oldMmaps   []*mmappkg.Map
	oldMmapsMu sync.Mutex

	// Close waits for in-flight transactions before unmapping.
	txnWg sync.WaitGroup

	pageSize uint32

	// Decoded meta state, swapped atomically at commit.
	meta atomic.Pointer[metaTriple]

	// Single writer. txnCond serializes in-process writers; the flock in
	// lockFile serializes across processes.
	writeTxn *Txn
	txnMu    sync.Mutex
	txnCond  *sync.Cond

	// Named table registry.
	tables      []*tableInfo
	tableByName map[string]Table
	tablesMu    sync.RWMutex

	// Bumped on every remap so cursors drop cached buffers.
	mmapVersion uint64

	// Pending data-sync debt for Checkpoint and Async modes.
	unsyncedCommits atomic.Uint64
}

// NewEnv creates an environment handle. Open must be called before use.
func NewEnv(cfg *Config) (*Env, error) {
	c := cfg.withDefaults()
	if c.PageSize < MinPageSize || c.PageSize > MaxPageSize || c.PageSize&(c.PageSize-1) != 0 {
		return nil, NewError(ErrInvalid)
	}
	if c.MaxTables > MaxTables {
		c.MaxTables = MaxTables
	}

	e := &Env{
		signature:   envSignature,
		cfg:         c,
		log:         c.Logger,
		pageSize:    c.PageSize,
		tableByName: make(map[string]Table),
	}
	e.txnCond = sync.NewCond(&e.txnMu)
	return e, nil
}

func (e *Env) valid() bool {
	return e != nil && e.signature == envSignature
}

// Open opens or creates the environment at path. Without NoSubdir, path
// is a directory holding the data and lock files.
func (e *Env) Open(path string, flags EnvFlags, mode os.FileMode) error {
	if !e.valid() {
		return NewError(ErrInvalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dataFile != nil {
		return NewError(ErrInvalid) // already open
	}

	e.flags = flags
	e.path = path

	var dataPath, lockPath string
	if flags&NoSubdir != 0 {
		dataPath = path
		lockPath = path + LockSuffix
	} else {
		if err := os.MkdirAll(path, mode|0700); err != nil {
			return WrapError(ErrInvalid, err)
		}
		dataPath = filepath.Join(path, DataFileName)
		lockPath = filepath.Join(path, LockFileName)
	}

	fileFlags := os.O_RDWR
	if flags&ReadOnly != 0 {
		fileFlags = os.O_RDONLY
	} else {
		fileFlags |= os.O_CREATE
	}

	dataFile, err := os.OpenFile(dataPath, fileFlags, mode)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.dataFile = dataFile

	// First-opener handshake: whoever gets the exclusive flock on the
	// data file initializes shared state, then downgrades. Exclusive
	// environments keep the exclusive lock for their lifetime.
	firstOpener := false
	if flags&Exclusive != 0 {
		if err := unix.Flock(int(dataFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			e.closeFiles()
			return WrapError(ErrBusy, err)
		}
		firstOpener = true
	} else {
		if err := unix.Flock(int(dataFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err == nil {
			firstOpener = true
		} else if err := unix.Flock(int(dataFile.Fd()), unix.LOCK_SH); err != nil {
			e.closeFiles()
			return WrapError(ErrBusy, err)
		}
	}

	create := flags&ReadOnly == 0
	if firstOpener && create {
		// Stale lock files from crashed runs carry no live readers.
		os.Remove(lockPath)
	}

	lf, err := openLockFile(lockPath, e.cfg.MaxReaders, create)
	if err != nil {
		e.closeFiles()
		return WrapError(ErrInvalid, err)
	}
	e.lockFile = lf

	fi, err := dataFile.Stat()
	if err != nil {
		e.closeFiles()
		return WrapError(ErrInvalid, err)
	}
	fileSize := fi.Size()

	if fileSize == 0 {
		if flags&ReadOnly != 0 {
			e.closeFiles()
			return NewError(ErrInvalid)
		}
		if err := e.initNewDB(); err != nil {
			e.closeFiles()
			return err
		}
		fi, _ = dataFile.Stat()
		fileSize = fi.Size()
		e.log.Info("created data file", "path", dataPath, "pageSize", e.pageSize)
	}

	dm, err := mmappkg.New(int(dataFile.Fd()), 0, int(fileSize), false)
	if err != nil {
		e.closeFiles()
		return WrapError(ErrInvalid, err)
	}
	e.dataMap = dm

	if flags&NoReadAhead != 0 {
		dm.AdviseRandom()
	}

	if err := e.reloadMeta(); err != nil {
		e.closeFiles()
		return err
	}

	m := e.meta.Load().recentMeta()
	if m == nil {
		e.closeFiles()
		return NewError(ErrCorrupted)
	}
	if m.Geo.PageSize != 0 {
		e.pageSize = m.Geo.PageSize
	}

	// Core table handles.
	e.tables = make([]*tableInfo, CoreTables, CoreTables+8)
	e.tables[FreeTable] = &tableInfo{flags: IntegerKey}
	e.tables[MainTable] = &tableInfo{}

	if firstOpener && flags&Exclusive == 0 {
		// Downgrade to shared once shared state is in place.
		if err := unix.Flock(int(dataFile.Fd()), unix.LOCK_SH); err != nil {
			e.closeFiles()
			return WrapError(ErrBusy, err)
		}
	}

	e.log.Debug("environment opened",
		"path", path, "pageSize", e.pageSize, "txnid", uint64(m.txnID()),
		"steady", m.isSteady())
	return nil
}

// initNewDB stamps a fresh data file with its three meta pages.
func (e *Env) initNewDB() error {
	g := defaultGeometry(e.pageSize)
	if cfg := e.cfg.Geometry; cfg != nil {
		ps := int64(e.pageSize)
		if cfg.SizeLower > 0 {
			g.Lower = pgno((cfg.SizeLower + ps - 1) / ps)
		}
		if cfg.SizeUpper > 0 {
			g.Upper = pgno((cfg.SizeUpper + ps - 1) / ps)
		}
		if cfg.SizeNow > 0 {
			g.Now = pgno((cfg.SizeNow + ps - 1) / ps)
		}
		if cfg.GrowthStep > 0 {
			g.GrowthStep = uint16((cfg.GrowthStep + ps - 1) / ps)
		}
		if cfg.ShrinkThreshold > 0 {
			g.ShrinkThresh = uint16((cfg.ShrinkThreshold + ps - 1) / ps)
		}
	}
	if g.Lower < MinPageNo {
		g.Lower = MinPageNo
	}
	if g.Now < g.Lower {
		g.Now = g.Lower
	}
	if g.Next < MinPageNo {
		g.Next = MinPageNo
	}

	initialSize := alignToSysPageSize(int64(g.Now) * int64(e.pageSize))
	if err := e.dataFile.Truncate(initialSize); err != nil {
		return WrapError(ErrInvalid, err)
	}
	g.Now = pgno(initialSize / int64(e.pageSize))

	for i := 0; i < NumMetas; i++ {
		buf := make([]byte, e.pageSize)
		p := page{Data: buf}
		// upper saturates at page size 64 KiB; meta pages carry no entries
		p.init(pgno(i), pageMeta, uint16(min(int(e.pageSize), 0xFFFF)))

		var m meta
		initMeta(&m, e.pageSize, txnid(InitialTxnID-uint64(NumMetas-1-i)))
		m.Geo = g
		m.encode(buf[pageHeaderSize:], true)

		if _, err := e.dataFile.WriteAt(buf, int64(i)*int64(e.pageSize)); err != nil {
			return WrapError(ErrInvalid, err)
		}
	}
	return e.dataFile.Sync()
}

// reloadMeta re-decodes the three meta slots from the mapping and swaps
// in a fresh triple.
func (e *Env) reloadMeta() error {
	data := e.dataMap.Data()
	if len(data) < int(e.pageSize)*NumMetas {
		return NewError(ErrCorrupted)
	}

	var pages [NumMetas][]byte
	for i := 0; i < NumMetas; i++ {
		pages[i] = data[i*int(e.pageSize) : (i+1)*int(e.pageSize)]
	}

	mt, err := loadMetaTriple(pages)
	if err != nil {
		return WrapError(ErrCorrupted, err)
	}
	e.meta.Store(mt)
	return nil
}

func (e *Env) closeFiles() {
	if e.dataMap != nil {
		e.dataMap.Close()
		e.dataMap = nil
	}
	e.oldMmapsMu.Lock()
	for _, m := range e.oldMmaps {
		if m != nil {
			m.Close()
		}
	}
	e.oldMmaps = nil
	e.oldMmapsMu.Unlock()

	if e.dataFile != nil {
		e.dataFile.Close()
		e.dataFile = nil
	}
	if e.lockFile != nil {
		e.lockFile.close()
		e.lockFile = nil
	}
}

// Close shuts the environment down, waiting for in-flight transactions.
func (e *Env) Close() {
	if !e.valid() {
		return
	}

	e.mu.Lock()
	e.signature = 0
	e.mu.Unlock()

	e.txnWg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeFiles()
}

// Sync forces pending data to disk and promotes the recent meta to
// steady. A no-op when nothing is unsynced.
func (e *Env) Sync() error {
	if e == nil || e.signature != envSignature {
		return NewError(ErrEnvClosed)
	}
	if e.flags&ReadOnly != 0 {
		return NewError(ErrReadOnly)
	}
	if e.unsyncedCommits.Load() == 0 {
		return nil
	}

	// Run an empty write transaction in Durable mode: it syncs the data
	// file and writes a steady meta.
	txn, err := e.beginWriteTxn(nil, TxnReadWrite)
	if err != nil {
		return err
	}
	txn.forceSteady = true
	return txn.Commit()
}

// Path returns the environment path.
func (e *Env) Path() string {
	return e.path
}

// Flags returns the environment open flags.
func (e *Env) Flags() EnvFlags {
	return e.flags
}

// PageSize returns the page size of the open environment.
func (e *Env) PageSize() uint32 {
	return e.pageSize
}

// MaxKeySize returns the largest storable key for this environment.
func (e *Env) MaxKeySize() int {
	ps := int(e.pageSize)
	if ps == 0 {
		ps = DefaultPageSize
	}
	return nodeMaxKeySize(ps)
}

// MaxValSize returns the largest inline value; larger values move to
// overflow pages transparently.
func (e *Env) MaxValSize() int {
	ps := int(e.pageSize)
	if ps == 0 {
		ps = DefaultPageSize
	}
	return nodeMaxValInline(ps)
}

// subPageLimit is the largest embedded duplicate sub-page. Beyond it the
// duplicates convert to a sub-tree.
func (e *Env) subPageLimit() int {
	ps := int(e.pageSize)
	if ps == 0 {
		ps = DefaultPageSize
	}
	return (ps-pageHeaderSize)/2 - nodeHeaderSize
}

// BeginTxn starts a transaction. Write transactions block until the
// writer lock is free unless TxnTry is set.
func (e *Env) BeginTxn(parent *Txn, flags TxnFlags) (*Txn, error) {
	if !e.valid() {
		return nil, NewError(ErrEnvClosed)
	}
	if flags&TxnReadOnly != 0 {
		if parent != nil {
			return nil, NewError(ErrNested)
		}
		return e.beginReadTxn()
	}
	if parent != nil {
		return parent.beginChild(flags)
	}
	return e.beginWriteTxn(nil, flags)
}

// View runs fn inside a read transaction.
func (e *Env) View(fn func(txn *Txn) error) error {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

// Update runs fn inside a write transaction, committing on success and
// aborting on error.
func (e *Env) Update(fn func(txn *Txn) error) error {
	txn, err := e.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// beginReadTxn pins a snapshot: claim a reader slot, publish the recent
// txnid into it, and verify the meta did not advance past us meanwhile.
func (e *Env) beginReadTxn() (*Txn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.dataMap == nil {
		return nil, NewError(ErrEnvClosed)
	}

	slotIdx, err := e.lockFile.acquireReaderSlot(cachedPID, 0)
	if err != nil {
		return nil, WrapError(ErrReadersFull, err)
	}

	var m *meta
	for {
		m = e.meta.Load().recentMeta()
		if m == nil {
			e.lockFile.releaseReaderSlot(slotIdx)
			return nil, NewError(ErrCorrupted)
		}
		e.lockFile.setReaderSnapshot(slotIdx, m.txnID(),
			uint32(m.Geo.Next), m.PagesRetired)
		// A commit may have landed between the load and the publish; if
		// so the slot pin is too recent and must be retaken.
		if e.meta.Load().recentMeta().txnID() == m.txnID() {
			break
		}
	}

	txn := getReadTxnFromCache()
	txn.signature = txnSignature
	txn.flags = TxnReadOnly
	txn.env = e
	txn.id = m.txnID()
	txn.parent = nil
	txn.readerSlot = slotIdx
	txn.mmapData = e.dataMap.Data()
	txn.pageSize = e.pageSize
	txn.geo = m.Geo
	txn.pagesRetired = m.PagesRetired
	txn.initTrees(m)

	e.txnWg.Add(1)
	return txn, nil
}

// beginWriteTxn serializes in-process writers on txnCond and
// cross-process writers on the lock file flock, then loads the recent
// meta as its working state.
func (e *Env) beginWriteTxn(parent *Txn, flags TxnFlags) (*Txn, error) {
	if e.flags&ReadOnly != 0 {
		return nil, NewError(ErrReadOnly)
	}

	e.txnMu.Lock()
	if flags&TxnTry != 0 && e.writeTxn != nil {
		e.txnMu.Unlock()
		return nil, NewError(ErrBusy)
	}
	for e.writeTxn != nil {
		e.txnCond.Wait()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.dataMap == nil {
		e.txnMu.Unlock()
		return nil, NewError(ErrEnvClosed)
	}

	if flags&TxnTry != 0 {
		ok, err := e.lockFile.tryLockWriter()
		if err != nil {
			e.txnMu.Unlock()
			return nil, WrapError(ErrBusy, err)
		}
		if !ok {
			e.txnMu.Unlock()
			return nil, NewError(ErrBusy)
		}
	} else if err := e.lockFile.lockWriter(); err != nil {
		e.txnMu.Unlock()
		return nil, WrapError(ErrBusy, err)
	}

	// Another process may have committed since our last look.
	if err := e.reloadMeta(); err != nil {
		e.lockFile.unlockWriter()
		e.txnMu.Unlock()
		return nil, err
	}

	m := e.meta.Load().recentMeta()
	if m == nil {
		e.lockFile.unlockWriter()
		e.txnMu.Unlock()
		return nil, NewError(ErrCorrupted)
	}

	txn := getWriteTxnFromCache()
	txn.signature = txnSignature
	txn.flags = flags
	txn.env = e
	txn.id = m.txnID() + 1
	txn.parent = parent
	txn.readerSlot = -1
	txn.mmapData = e.dataMap.Data()
	txn.pageSize = e.pageSize
	txn.geo = m.Geo
	txn.pagesRetired = m.PagesRetired
	txn.dirtyLimit = e.cfg.DirtyPageLimit
	txn.resetWriteState()
	txn.initTrees(m)

	e.txnWg.Add(1)
	e.writeTxn = txn
	e.txnMu.Unlock()
	return txn, nil
}

// getPageData returns the raw bytes of a page from the mapping.
func (e *Env) getPageData(pg pgno) ([]byte, error) {
	if e.dataMap == nil {
		return nil, NewError(ErrEnvClosed)
	}
	data := e.dataMap.Data()
	offset := uint64(pg) * uint64(e.pageSize)
	end := offset + uint64(e.pageSize)
	if end > uint64(len(data)) {
		return nil, NewError(ErrPageNotFound)
	}
	return data[offset:end], nil
}

// extendMmap grows the file and mapping so needPgno fits, honoring the
// growth step and the geometry upper bound.
func (e *Env) extendMmap(needPgno pgno, g *geometry) bool {
	if e.dataMap == nil {
		return false
	}

	neededSize := int64(needPgno+1) * int64(e.pageSize)
	currentSize := int64(len(e.dataMap.Data()))
	if neededSize <= currentSize {
		return true
	}

	growStep := int64(g.GrowthStep) * int64(e.pageSize)
	if growStep <= 0 {
		growStep = 64 << 20
	}
	newSize := ((neededSize + growStep - 1) / growStep) * growStep
	newSize = alignToSysPageSize(newSize)

	upper := int64(g.Upper) * int64(e.pageSize)
	if upper > 0 && newSize > upper {
		newSize = upper
		if neededSize > newSize {
			return false
		}
	}

	if err := e.dataFile.Truncate(newSize); err != nil {
		return false
	}

	// Readers may hold slices into the current mapping, so grow into a
	// fresh mapping and retain the old one until close.
	oldMap := e.dataMap
	newMap, err := mmappkg.New(int(e.dataFile.Fd()), 0, int(newSize), false)
	if err != nil {
		return false
	}
	e.oldMmapsMu.Lock()
	e.oldMmaps = append(e.oldMmaps, oldMap)
	e.oldMmapsMu.Unlock()
	e.dataMap = newMap
	e.mmapVersion++

	g.Now = pgno(newSize / int64(e.pageSize))
	e.log.Debug("grew data file", "pages", g.Now)
	return true
}

// Stat describes one tree.
type Stat struct {
	PageSize      uint32
	Depth         uint32
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
	Entries       uint64
	ModTxnID      uint64
}

// Stat returns statistics for the main table.
func (e *Env) Stat() (*Stat, error) {
	mt := e.meta.Load()
	if mt == nil {
		return nil, NewError(ErrEnvClosed)
	}
	m := mt.recentMeta()
	if m == nil {
		return nil, NewError(ErrCorrupted)
	}
	return &Stat{
		PageSize:      e.pageSize,
		Depth:         uint32(m.MainTable.Depth),
		BranchPages:   uint64(m.MainTable.BranchPages),
		LeafPages:     uint64(m.MainTable.LeafPages),
		OverflowPages: uint64(m.MainTable.OverflowPages),
		Entries:       m.MainTable.Entries,
		ModTxnID:      uint64(m.MainTable.ModTxnID),
	}, nil
}

// Info holds environment level information.
type Info struct {
	MapSize       int64
	LastPgNo      int64
	RecentTxnID   uint64
	OldestTxnID   uint64
	MaxReaders    int
	NumReaders    int
	PageSize      uint32
	SizeLower     uint64
	SizeUpper     uint64
	SizeCurrent   uint64
	// UnsyncedCommits counts weak commits since the last steady meta.
	UnsyncedCommits uint64
}

// Info returns information about the environment.
func (e *Env) Info() (*Info, error) {
	mt := e.meta.Load()
	if mt == nil {
		return nil, NewError(ErrEnvClosed)
	}
	m := mt.recentMeta()
	if m == nil {
		return nil, NewError(ErrCorrupted)
	}
	g := m.Geo

	oldest := uint64(0)
	numReaders := 0
	if e.lockFile != nil {
		if o := e.lockFile.oldestReader(); o != txnid(^uint64(0)) {
			oldest = uint64(o)
		}
		numReaders = e.lockFile.numActiveReaders()
	}

	return &Info{
		MapSize:         int64(g.Now) * int64(e.pageSize),
		LastPgNo:        int64(g.Next),
		RecentTxnID:     uint64(m.txnID()),
		OldestTxnID:     oldest,
		MaxReaders:      e.cfg.MaxReaders,
		NumReaders:      numReaders,
		PageSize:        e.pageSize,
		SizeLower:       uint64(g.Lower) * uint64(e.pageSize),
		SizeUpper:       uint64(g.Upper) * uint64(e.pageSize),
		SizeCurrent:     uint64(g.Now) * uint64(e.pageSize),
		UnsyncedCommits: e.unsyncedCommits.Load(),
	}, nil
}

// ReaderInfo describes one occupied reader slot.
type ReaderInfo struct {
	Slot         int
	TxnID        uint64
	Lag          uint64 // commits behind the recent meta
	PID          int
	TID          uint64
	PagesUsed    uint64
	PagesRetired uint64
}

// ReaderList calls fn for every active reader. fn returning an error
// stops the walk.
func (e *Env) ReaderList(fn func(info ReaderInfo) error) error {
	if e.lockFile == nil {
		return NewError(ErrEnvClosed)
	}
	recent := uint64(0)
	if mt := e.meta.Load(); mt != nil {
		if m := mt.recentMeta(); m != nil {
			recent = uint64(m.txnID())
		}
	}
	for _, r := range e.lockFile.activeReaders() {
		lag := uint64(0)
		if recent > uint64(r.id) {
			lag = recent - uint64(r.id)
		}
		info := ReaderInfo{
			Slot:         r.slot,
			TxnID:        uint64(r.id),
			Lag:          lag,
			PID:          int(r.pid),
			TID:          r.tid,
			PagesUsed:    uint64(r.pagesUsed),
			PagesRetired: r.pagesRetired,
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// ReaderCheck frees reader slots held by dead processes and returns how
// many were cleared.
func (e *Env) ReaderCheck() (int, error) {
	if e.lockFile == nil {
		return 0, NewError(ErrEnvClosed)
	}
	n := e.lockFile.cleanupStaleReaders()
	if n > 0 {
		e.log.Info("cleared stale readers", "count", n)
	}
	return n, nil
}

// Copy writes a point-in-time snapshot of the environment to path.
func (e *Env) Copy(path string) error {
	if !e.valid() {
		return NewError(ErrEnvClosed)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.CopyFD(f)
}

// CopyFD writes a snapshot to an open file. The copy is taken under a
// read transaction, so it is a consistent snapshot regardless of
// concurrent writers.
//
// The live meta slots are not copied: a commit landing after the read
// transaction pinned its snapshot may already describe a file larger
// than this copy. Instead the pinned snapshot's meta is synthesized
// into every slot of the copy, steady, so the copy reopens on exactly
// the pinned state.
func (e *Env) CopyFD(dst *os.File) error {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return err
	}
	defer txn.Abort()

	data := txn.mmapData
	pageSize := int64(e.pageSize)
	copyPages := txn.geo.Now
	if mapped := pgno(int64(len(data)) / pageSize); mapped < copyPages {
		copyPages = mapped
	}
	if copyPages < txn.geo.Next {
		return NewError(ErrCorrupted)
	}

	m := meta{
		TxnA:         txn.id,
		TxnB:         txn.id,
		Geo:          txn.geo,
		FreeTable:    txn.trees[FreeTable],
		MainTable:    txn.trees[MainTable],
		PagesRetired: txn.pagesRetired,
		BootID:       currentBootID(),
		DBID:         e.meta.Load().recentMeta().DBID,
	}
	m.Geo.Now = copyPages

	buf := e.getPageBuffer()
	defer e.returnPageBuffers([][]byte{buf})
	for i := 0; i < NumMetas; i++ {
		clear(buf)
		p := page{Data: buf}
		p.init(pgno(i), pageMeta, uint16(min(int(e.pageSize), 0xFFFF)))
		m.encode(buf[pageHeaderSize:], true)
		if _, err := dst.WriteAt(buf, int64(i)*pageSize); err != nil {
			return err
		}
	}

	size := int64(copyPages) * pageSize
	for written := int64(NumMetas) * pageSize; written < size; {
		n, err := dst.WriteAt(data[written:size], written)
		if err != nil {
			return err
		}
		written += int64(n)
	}
	return dst.Sync()
}

// ============== Page buffer caches ==============
// Shared across environments, keyed by page size, so transaction churn
// reuses buffers instead of stressing the allocator.

var (
	globalPageCache     = make(map[uint32]*pageDataCache)
	globalPageCacheMu   sync.Mutex
	defaultPageCacheCap = 8192
)

type pageDataCache struct {
	pages [][]byte
	size  uint32
}

func getGlobalPageCache(pageSize uint32) *pageDataCache {
	globalPageCacheMu.Lock()
	defer globalPageCacheMu.Unlock()

	cache := globalPageCache[pageSize]
	if cache == nil {
		cache = &pageDataCache{
			pages: make([][]byte, 0, defaultPageCacheCap),
			size:  pageSize,
		}
		globalPageCache[pageSize] = cache
	}
	return cache
}

func (e *Env) getPageBuffer() []byte {
	cache := getGlobalPageCache(e.pageSize)

	globalPageCacheMu.Lock()
	n := len(cache.pages)
	if n == 0 {
		globalPageCacheMu.Unlock()
		return make([]byte, e.pageSize)
	}
	data := cache.pages[n-1]
	cache.pages = cache.pages[:n-1]
	globalPageCacheMu.Unlock()
	return data
}

func (e *Env) returnPageBuffers(pages [][]byte) {
	if len(pages) == 0 {
		return
	}
	cache := getGlobalPageCache(e.pageSize)

	globalPageCacheMu.Lock()
	available := defaultPageCacheCap - len(cache.pages)
	if available <= 0 {
		globalPageCacheMu.Unlock()
		return
	}
	toAdd := len(pages)
	if toAdd > available {
		toAdd = available
	}
	cache.pages = append(cache.pages, pages[:toAdd]...)
	globalPageCacheMu.Unlock()
}
