//go:build unix

package loam

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// cachedPID avoids a getpid syscall per transaction.
var cachedPID = uint32(os.Getpid())

// The lock file is shared between processes, so its layout is frozen by a
// signature over the layout description. A process whose compiled-in
// signature differs refuses to attach rather than misread another
// process's slots.
//
// Header (128 bytes):
//
//	Offset  Size  Field
//	0       8     magic and lock version
//	8       8     layout signature
//	16      4     maxReaders
//	24      8     cachedOldest (advisory, refreshed on each scan)
//	32..128       reserved
//
// Reader slots follow, one per 64-byte cache line:
//
//	Offset  Size  Field
//	0       8     txnid (0 free, ^0 claim in progress)
//	8       8     tid
//	16      4     pid
//	20      4     snapshotPagesUsed
//	24      8     snapshotPagesRetired
//	32..64        padding
const (
	lockHeaderSize = 128
	readerSlotSize = 64

	lockOffMagic        = 0
	lockOffLayoutSig    = 8
	lockOffMaxReaders   = 16
	lockOffCachedOldest = 24

	slotOffTxnid   = 0
	slotOffTid     = 8
	slotOffPid     = 16
	slotOffUsed    = 20
	slotOffRetired = 24

	// defaultMaxReaders is the default number of reader slots.
	defaultMaxReaders = 126
)

const lockLayoutDesc = "loam-lck-v1 hdr128 slot64 txnid@0 tid@8 pid@16 used@20 retired@24"

var lockLayoutSig = xxhash.Sum64String(lockLayoutDesc)

// slotClaiming marks a slot mid-acquisition. Such slots never constrain
// the oldest-reader floor.
const slotClaiming = ^uint64(0)

// atomicU64 and atomicU32 are the only two places where shared lock-file
// memory is aliased. Everything else addresses fields by offset through
// them.
func atomicU64(data []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&data[off]))
}

func atomicU32(data []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&data[off]))
}

// lockFile manages the shared reader table and cross-process writer lock.
type lockFile struct {
	file       *os.File
	data       []byte // mapped lock file, or private memory in lockless mode
	maxReaders int
	writerLock bool
	lockless   bool // read-only open without a usable lock file

	// LIFO freelist of slot indices for O(1) reacquisition.
	freeSlots []int32
	freeMu    sync.Mutex
}

func (lf *lockFile) slotOff(idx int) int {
	return lockHeaderSize + idx*readerSlotSize
}

// openLockFile opens or creates the lock file at path.
func openLockFile(path string, maxReaders int, create bool) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}

	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if !create {
			return openLockFileLockless(maxReaders)
		}
		return nil, err
	}

	lf := &lockFile{
		file:       f,
		maxReaders: maxReaders,
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	expectedSize := int64(lockHeaderSize + maxReaders*readerSlotSize)

	if size == 0 && create {
		if err := lf.initialize(expectedSize); err != nil {
			f.Close()
			return nil, err
		}
	} else if size < expectedSize {
		f.Close()
		return openLockFileLockless(maxReaders)
	}

	if err := lf.mmap(); err != nil {
		f.Close()
		return nil, err
	}

	if atomic.LoadUint64(atomicU64(lf.data, lockOffMagic)) != LockMagic {
		lf.close()
		return nil, errLockInvalidFile
	}
	if atomic.LoadUint64(atomicU64(lf.data, lockOffLayoutSig)) != lockLayoutSig {
		lf.close()
		return nil, errLockLayoutMismatch
	}

	return lf, nil
}

// openLockFileLockless tracks readers in private memory. Used for
// read-only access when no usable lock file exists; such readers are
// invisible to writers in other processes.
func openLockFileLockless(maxReaders int) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}

	lf := &lockFile{
		maxReaders: maxReaders,
		lockless:   true,
		data:       make([]byte, lockHeaderSize+maxReaders*readerSlotSize),
	}
	atomic.StoreUint64(atomicU64(lf.data, lockOffMagic), LockMagic)
	atomic.StoreUint64(atomicU64(lf.data, lockOffLayoutSig), lockLayoutSig)
	atomic.StoreUint32(atomicU32(lf.data, lockOffMaxReaders), uint32(maxReaders))
	return lf, nil
}

// initialize truncates and stamps a new lock file.
func (lf *lockFile) initialize(size int64) error {
	if err := lf.file.Truncate(size); err != nil {
		return err
	}

	header := make([]byte, lockHeaderSize)
	atomic.StoreUint64(atomicU64(header, lockOffMagic), LockMagic)
	atomic.StoreUint64(atomicU64(header, lockOffLayoutSig), lockLayoutSig)
	atomic.StoreUint32(atomicU32(header, lockOffMaxReaders), uint32(lf.maxReaders))

	if _, err := lf.file.WriteAt(header, 0); err != nil {
		return err
	}
	return lf.file.Sync()
}

func (lf *lockFile) mmap() error {
	fi, err := lf.file.Stat()
	if err != nil {
		return err
	}

	data, err := unix.Mmap(int(lf.file.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	lf.data = data

	mappedSlots := (len(data) - lockHeaderSize) / readerSlotSize
	if mappedSlots < lf.maxReaders {
		lf.maxReaders = mappedSlots
	}
	return nil
}

func (lf *lockFile) close() error {
	if lf.writerLock {
		lf.unlockWriter()
	}
	if !lf.lockless && lf.data != nil {
		if err := unix.Munmap(lf.data); err != nil {
			return err
		}
	}
	lf.data = nil
	if lf.file != nil {
		return lf.file.Close()
	}
	return nil
}

// lockWriter acquires the cross-process writer lock, blocking.
func (lf *lockFile) lockWriter() error {
	if lf.lockless {
		lf.writerLock = true
		return nil
	}
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_EX); err != nil {
		return &lockError{"acquire writer lock", err}
	}
	lf.writerLock = true
	return nil
}

// tryLockWriter attempts the writer lock without blocking.
func (lf *lockFile) tryLockWriter() (bool, error) {
	if lf.lockless {
		lf.writerLock = true
		return true, nil
	}
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, &lockError{"try writer lock", err}
	}
	lf.writerLock = true
	return true, nil
}

func (lf *lockFile) unlockWriter() error {
	if !lf.writerLock {
		return nil
	}
	lf.writerLock = false
	if lf.lockless {
		return nil
	}
	if err := unix.Flock(int(lf.file.Fd()), unix.LOCK_UN); err != nil {
		return &lockError{"release writer lock", err}
	}
	return nil
}

// acquireReaderSlot claims a free slot for the given process and thread.
// The slot is left in the claiming state; the caller publishes the
// snapshot with setReaderSnapshot.
func (lf *lockFile) acquireReaderSlot(pid uint32, tid uint64) (int, error) {
	lf.freeMu.Lock()
	if n := len(lf.freeSlots); n > 0 {
		idx := lf.freeSlots[n-1]
		lf.freeSlots = lf.freeSlots[:n-1]
		lf.freeMu.Unlock()

		off := lf.slotOff(int(idx))
		if atomic.CompareAndSwapUint64(atomicU64(lf.data, off+slotOffTxnid), 0, slotClaiming) {
			atomic.StoreUint32(atomicU32(lf.data, off+slotOffPid), pid)
			atomic.StoreUint64(atomicU64(lf.data, off+slotOffTid), tid)
			return int(idx), nil
		}
		// Another process raced us onto the slot, fall through.
	} else {
		lf.freeMu.Unlock()
	}

	for i := 0; i < lf.maxReaders; i++ {
		off := lf.slotOff(i)
		if atomic.LoadUint64(atomicU64(lf.data, off+slotOffTxnid)) != 0 {
			continue
		}
		if atomic.CompareAndSwapUint64(atomicU64(lf.data, off+slotOffTxnid), 0, slotClaiming) {
			atomic.StoreUint32(atomicU32(lf.data, off+slotOffPid), pid)
			atomic.StoreUint64(atomicU64(lf.data, off+slotOffTid), tid)
			return i, nil
		}
	}
	return -1, errLockReadersFull
}

// setReaderSnapshot publishes the snapshot a reader is pinned to.
func (lf *lockFile) setReaderSnapshot(idx int, id txnid, pagesUsed uint32, pagesRetired uint64) {
	off := lf.slotOff(idx)
	atomic.StoreUint32(atomicU32(lf.data, off+slotOffUsed), pagesUsed)
	atomic.StoreUint64(atomicU64(lf.data, off+slotOffRetired), pagesRetired)
	atomic.StoreUint64(atomicU64(lf.data, off+slotOffTxnid), uint64(id))
}

// readerTxnid returns the txnid a slot is pinned to.
func (lf *lockFile) readerTxnid(idx int) txnid {
	return txnid(atomic.LoadUint64(atomicU64(lf.data, lf.slotOff(idx)+slotOffTxnid)))
}

// releaseReaderSlot frees a slot and pushes it on the freelist.
func (lf *lockFile) releaseReaderSlot(idx int) {
	off := lf.slotOff(idx)
	atomic.StoreUint64(atomicU64(lf.data, off+slotOffTid), 0)
	atomic.StoreUint32(atomicU32(lf.data, off+slotOffPid), 0)
	atomic.StoreUint64(atomicU64(lf.data, off+slotOffTxnid), 0)

	lf.freeMu.Lock()
	lf.freeSlots = append(lf.freeSlots, int32(idx))
	lf.freeMu.Unlock()
}

// oldestReader scans the slot table and returns the lowest pinned txnid,
// or ^0 when no readers are active. Slots being claimed count as
// infinitely recent. The scan is lock-free: a slot that flips mid-scan
// can only make the result more conservative, never less.
func (lf *lockFile) oldestReader() txnid {
	oldest := ^uint64(0)
	for i := 0; i < lf.maxReaders; i++ {
		id := atomic.LoadUint64(atomicU64(lf.data, lf.slotOff(i)+slotOffTxnid))
		if id > 0 && id < oldest {
			oldest = id
		}
	}
	atomic.StoreUint64(atomicU64(lf.data, lockOffCachedOldest), oldest)
	return txnid(oldest)
}

// cachedOldestReader returns the last scanned oldest value.
func (lf *lockFile) cachedOldestReader() txnid {
	return txnid(atomic.LoadUint64(atomicU64(lf.data, lockOffCachedOldest)))
}

// hasActiveReaders reports whether any slot is occupied.
func (lf *lockFile) hasActiveReaders() bool {
	for i := 0; i < lf.maxReaders; i++ {
		if atomic.LoadUint64(atomicU64(lf.data, lf.slotOff(i)+slotOffTxnid)) != 0 {
			return true
		}
	}
	return false
}

// numActiveReaders counts the occupied slots.
func (lf *lockFile) numActiveReaders() int {
	count := 0
	for i := 0; i < lf.maxReaders; i++ {
		id := atomic.LoadUint64(atomicU64(lf.data, lf.slotOff(i)+slotOffTxnid))
		if id > 0 && id != slotClaiming {
			count++
		}
	}
	return count
}

// readerSnapshot describes one occupied reader slot.
type readerSnapshot struct {
	slot         int
	pid          uint32
	tid          uint64
	id           txnid
	pagesUsed    uint32
	pagesRetired uint64
}

// activeReaders returns a snapshot of all occupied slots.
func (lf *lockFile) activeReaders() []readerSnapshot {
	var out []readerSnapshot
	for i := 0; i < lf.maxReaders; i++ {
		off := lf.slotOff(i)
		id := atomic.LoadUint64(atomicU64(lf.data, off+slotOffTxnid))
		if id == 0 || id == slotClaiming {
			continue
		}
		out = append(out, readerSnapshot{
			slot:         i,
			pid:          atomic.LoadUint32(atomicU32(lf.data, off+slotOffPid)),
			tid:          atomic.LoadUint64(atomicU64(lf.data, off+slotOffTid)),
			id:           txnid(id),
			pagesUsed:    atomic.LoadUint32(atomicU32(lf.data, off+slotOffUsed)),
			pagesRetired: atomic.LoadUint64(atomicU64(lf.data, off+slotOffRetired)),
		})
	}
	return out
}

// cleanupStaleReaders frees slots held by processes that no longer exist.
// Returns the number of slots freed.
func (lf *lockFile) cleanupStaleReaders() int {
	cleaned := 0
	for i := 0; i < lf.maxReaders; i++ {
		off := lf.slotOff(i)
		id := atomic.LoadUint64(atomicU64(lf.data, off+slotOffTxnid))
		if id == 0 || id == slotClaiming {
			continue
		}
		pid := atomic.LoadUint32(atomicU32(lf.data, off+slotOffPid))
		if pid == 0 || pid == cachedPID {
			continue
		}
		if !processExists(int(pid)) {
			atomic.StoreUint64(atomicU64(lf.data, off+slotOffTxnid), 0)
			cleaned++
		}
	}
	return cleaned
}

func processExists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

var (
	errLockInvalidFile    = &lockError{"invalid lock file", nil}
	errLockLayoutMismatch = &lockError{"lock file layout signature mismatch", nil}
	errLockReadersFull    = &lockError{"reader slots full", nil}
)

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "lock: " + e.op + ": " + e.err.Error()
	}
	return "lock: " + e.op
}

func (e *lockError) Unwrap() error {
	return e.err
}
