package loam

// File format constants.
const (
	// Magic is a 56-bit stamp identifying loam files.
	Magic uint64 = 0x4C4F414D1A0D0A

	// DataVersion is the data file format version.
	DataVersion = 1

	// LockVersion is the lock file format version.
	LockVersion = 1

	// DataMagic combines magic and data version for validation.
	DataMagic = (Magic << 8) + DataVersion

	// LockMagic combines magic and lock version for validation.
	LockMagic = (Magic << 8) + LockVersion
)

// Page size constraints.
const (
	// MinPageSize is the minimum allowed page size.
	MinPageSize = 512

	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 65536

	// DefaultPageSize is the default page size.
	DefaultPageSize = 4096
)

// Engine limits.
const (
	// MaxTables is the hard limit on named tables.
	MaxTables = 32765

	// MaxValueSize is the maximum size of a value.
	MaxValueSize = 0x7fff0000

	// NumMetas is the number of rotating meta page slots.
	NumMetas = 3

	// MinPageNo is the first page number usable for tree data.
	MinPageNo = NumMetas

	// CoreTables is the number of built-in tables (free table and main table).
	CoreTables = 2

	// FreeTable is the handle of the free-page table.
	FreeTable Table = 0

	// MainTable is the handle of the default (unnamed) table.
	MainTable Table = 1
)

// Transaction id constants.
const (
	// MinTxnID is the smallest valid transaction id.
	MinTxnID uint64 = 1

	// InitialTxnID is the id stamped into a freshly created file.
	InitialTxnID uint64 = MinTxnID + NumMetas - 1

	// InvalidTxnID marks an unset transaction id.
	InvalidTxnID uint64 = 0xFFFFFFFFFFFFFFFF
)

// DurabilityMode selects how commits are flushed to disk.
type DurabilityMode uint8

const (
	// Durable syncs data pages and the meta page on every commit.
	Durable DurabilityMode = iota

	// Checkpoint batches data syncs; metas are written weak until an
	// explicit Sync, a durable commit, or the Config.SyncThreshold commit
	// count produces a steady snapshot.
	Checkpoint

	// Async never syncs on commit. Crash recovery falls back to the last
	// steady meta, losing unsynced commits.
	Async
)

// EnvFlags configure how an environment is opened.
type EnvFlags uint32

const (
	// EnvDefaults opens a read-write environment with durable commits.
	EnvDefaults EnvFlags = 0

	// ReadOnly opens the environment without write access.
	ReadOnly EnvFlags = 1 << 0

	// Exclusive refuses to share the file with other processes.
	Exclusive EnvFlags = 1 << 1

	// NoSubdir treats the path as the data file itself rather than a
	// directory containing it.
	NoSubdir EnvFlags = 1 << 2

	// NoReadAhead disables OS readahead on the data mapping.
	NoReadAhead EnvFlags = 1 << 3
)

// TxnFlags configure a transaction.
type TxnFlags uint32

const (
	// TxnReadWrite begins a write transaction (default).
	TxnReadWrite TxnFlags = 0

	// TxnReadOnly begins a read transaction pinned to the current snapshot.
	TxnReadOnly TxnFlags = 1 << 0

	// TxnTry fails with ErrBusy instead of blocking on the writer lock.
	TxnTry TxnFlags = 1 << 1

	// TxnNoSync overrides the environment durability mode for this
	// transaction, skipping the data sync.
	TxnNoSync TxnFlags = 1 << 2
)

// TableFlags configure key and value handling of a table.
type TableFlags uint16

const (
	// TableDefaults uses lexicographic byte-order keys, single values.
	TableDefaults TableFlags = 0

	// ReverseKey compares keys back to front.
	ReverseKey TableFlags = 1 << 0

	// DupSort allows multiple sorted values per key.
	DupSort TableFlags = 1 << 1

	// IntegerKey treats keys as fixed-width big-endian unsigned integers.
	IntegerKey TableFlags = 1 << 2

	// DupFixed stores fixed-size duplicate values in a compact layout.
	// Only valid together with DupSort.
	DupFixed TableFlags = 1 << 3

	// Create creates the table if it does not exist. Not persisted.
	Create TableFlags = 1 << 14
)

// persistedTableFlags are the TableFlags stored in the table descriptor.
const persistedTableFlags = ReverseKey | DupSort | IntegerKey | DupFixed

// PutFlags modify the behavior of put operations.
type PutFlags uint32

const (
	// Upsert inserts or replaces (default).
	Upsert PutFlags = 0

	// NoOverwrite fails with ErrKeyExist if the key is already present.
	NoOverwrite PutFlags = 1 << 0

	// NoDupData fails with ErrKeyExist if the exact key/value pair is
	// already present in a DupSort table.
	NoDupData PutFlags = 1 << 1

	// Append asserts the key sorts after every existing key, enabling the
	// fast append path. Violations fail with ErrKeyMismatch.
	Append PutFlags = 1 << 2

	// AppendDup is Append for duplicate values of the current key.
	AppendDup PutFlags = 1 << 3

	// Current replaces the value at the cursor's current position.
	Current PutFlags = 1 << 4

	// Reserve allocates space for the value and returns the buffer for the
	// caller to fill before the transaction commits.
	Reserve PutFlags = 1 << 5
)

// File names inside an environment directory.
const (
	// DataFileName is the data file name.
	DataFileName = "loam.dat"

	// LockFileName is the lock file name.
	LockFileName = "loam.lck"

	// LockSuffix is appended to the path when NoSubdir is used.
	LockSuffix = "-lock"
)

// maxTreeDepth bounds the cursor stack. A tree of this depth with the
// minimum branch fanout of 2 already addresses more pages than a 32-bit
// page number can name.
const maxTreeDepth = 32
