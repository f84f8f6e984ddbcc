package loam

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// newTestEnv opens a fresh environment backed by a temp file and tears
// it down with the test.
func newTestEnv(t testing.TB, cfg *Config) *Env {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	env, err := NewEnv(cfg)
	if err != nil {
		t.Fatalf("NewEnv failed: %v", err)
	}
	if err := env.Open(dbPath, NoSubdir, 0o644); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(env.Close)
	return env
}

func TestNewEnv(t *testing.T) {
	env, err := NewEnv(nil)
	if err != nil {
		t.Fatalf("NewEnv failed: %v", err)
	}
	if env == nil {
		t.Fatal("NewEnv returned nil")
	}
	if !env.valid() {
		t.Fatal("environment is not valid")
	}
}

func TestNewEnvRejectsBadPageSize(t *testing.T) {
	for _, ps := range []uint32{100, 1000, MaxPageSize * 2} {
		if _, err := NewEnv(&Config{PageSize: ps}); err == nil {
			t.Errorf("NewEnv accepted page size %d", ps)
		}
	}
}

func TestOpenClose(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "loam-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "test.db")

	env, err := NewEnv(nil)
	if err != nil {
		t.Fatalf("NewEnv failed: %v", err)
	}
	if err := env.Open(dbPath, NoSubdir, 0o644); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if env.Path() != dbPath {
		t.Errorf("Path mismatch: got %q, want %q", env.Path(), dbPath)
	}
	env.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("data file missing after close: %v", err)
	}
	if _, err := os.Stat(dbPath + LockSuffix); err != nil {
		t.Fatalf("lock file missing after close: %v", err)
	}
}

func TestOpenSubdir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	env, err := NewEnv(nil)
	if err != nil {
		t.Fatalf("NewEnv failed: %v", err)
	}
	if err := env.Open(dir, EnvDefaults, 0o644); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer env.Close()

	if _, err := os.Stat(filepath.Join(dir, DataFileName)); err != nil {
		t.Fatalf("data file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
}

func TestBeginAbortTxn(t *testing.T) {
	env := newTestEnv(t, nil)

	txn, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatalf("BeginTxn failed: %v", err)
	}
	if !txn.IsReadOnly() {
		t.Error("transaction should be read-only")
	}
	txn.Abort()

	txn, err = env.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		t.Fatalf("BeginTxn write failed: %v", err)
	}
	if txn.IsReadOnly() {
		t.Error("transaction should be writable")
	}
	txn.Abort()

	// Operations on a finished transaction fail cleanly.
	if _, err := txn.Get(MainTable, []byte("k")); Code(err) != ErrBadTxn {
		t.Errorf("Get on aborted txn: got %v, want ErrBadTxn", err)
	}
}

func TestViewUpdate(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("hello"), []byte("world"), Upsert)
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	err = env.View(func(txn *Txn) error {
		v, err := txn.Get(MainTable, []byte("hello"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, []byte("world")) {
			t.Errorf("got %q, want %q", v, "world")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestUpdateErrorAborts(t *testing.T) {
	env := newTestEnv(t, nil)

	wantErr := fmt.Errorf("boom")
	err := env.Update(func(txn *Txn) error {
		if err := txn.Put(MainTable, []byte("k"), []byte("v"), Upsert); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Update returned %v, want %v", err, wantErr)
	}

	err = env.View(func(txn *Txn) error {
		_, err := txn.Get(MainTable, []byte("k"))
		if !IsNotFound(err) {
			t.Errorf("aborted write is visible: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWriteOnReadOnlyTxn(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.View(func(txn *Txn) error {
		if err := txn.Put(MainTable, []byte("k"), []byte("v"), Upsert); Code(err) != ErrReadOnly {
			t.Errorf("Put in read txn: got %v, want ErrReadOnly", err)
		}
		if err := txn.Del(MainTable, []byte("k"), nil); Code(err) != ErrReadOnly {
			t.Errorf("Del in read txn: got %v, want ErrReadOnly", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReopenPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	env, err := NewEnv(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Open(dbPath, NoSubdir, 0o644); err != nil {
		t.Fatal(err)
	}

	err = env.Update(func(txn *Txn) error {
		for i := 0; i < 100; i++ {
			k := []byte(fmt.Sprintf("key-%03d", i))
			v := []byte(fmt.Sprintf("val-%03d", i))
			if err := txn.Put(MainTable, k, v, Upsert); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	env.Close()

	env, err = NewEnv(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Open(dbPath, NoSubdir, 0o644); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer env.Close()

	err = env.View(func(txn *Txn) error {
		for i := 0; i < 100; i++ {
			k := []byte(fmt.Sprintf("key-%03d", i))
			v, err := txn.Get(MainTable, k)
			if err != nil {
				return fmt.Errorf("get %q: %w", k, err)
			}
			want := fmt.Sprintf("val-%03d", i)
			if string(v) != want {
				t.Errorf("key %q: got %q, want %q", k, v, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("k"), []byte("old"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Abort()

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("k"), []byte("new"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}

	// The reader still sees the snapshot it started on.
	v, err := reader.Get(MainTable, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "old" {
		t.Errorf("reader sees %q, want %q", v, "old")
	}

	// A fresh reader sees the committed value.
	if err := env.View(func(txn *Txn) error {
		v, err := txn.Get(MainTable, []byte("k"))
		if err != nil {
			return err
		}
		if string(v) != "new" {
			t.Errorf("fresh reader sees %q, want %q", v, "new")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestResetRenew(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("k"), []byte("v1"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Abort()

	reader.Reset()

	// A reset reader no longer pins a snapshot.
	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("k"), []byte("v2"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}

	if err := reader.Renew(); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	v, err := reader.Get(MainTable, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v2" {
		t.Errorf("renewed reader sees %q, want %q", v, "v2")
	}
}

func TestNestedTxnCommit(t *testing.T) {
	env := newTestEnv(t, nil)

	parent, err := env.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := parent.Put(MainTable, []byte("parent"), []byte("1"), Upsert); err != nil {
		t.Fatal(err)
	}

	child, err := env.BeginTxn(parent, TxnReadWrite)
	if err != nil {
		t.Fatalf("nested BeginTxn failed: %v", err)
	}
	if err := child.Put(MainTable, []byte("child"), []byte("2"), Upsert); err != nil {
		t.Fatal(err)
	}
	if err := child.Commit(); err != nil {
		t.Fatalf("child Commit failed: %v", err)
	}

	// The child's write lands in the parent.
	if v, err := parent.Get(MainTable, []byte("child")); err != nil || string(v) != "2" {
		t.Fatalf("parent lost child write: %q, %v", v, err)
	}
	if err := parent.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := env.View(func(txn *Txn) error {
		for _, k := range []string{"parent", "child"} {
			if _, err := txn.Get(MainTable, []byte(k)); err != nil {
				t.Errorf("key %q missing after commit: %v", k, err)
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestNestedTxnAbort(t *testing.T) {
	env := newTestEnv(t, nil)

	parent, err := env.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := parent.Put(MainTable, []byte("keep"), []byte("1"), Upsert); err != nil {
		t.Fatal(err)
	}

	child, err := env.BeginTxn(parent, TxnReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := child.Put(MainTable, []byte("drop"), []byte("2"), Upsert); err != nil {
		t.Fatal(err)
	}
	child.Abort()

	if _, err := parent.Get(MainTable, []byte("drop")); !IsNotFound(err) {
		t.Errorf("aborted child write visible in parent: %v", err)
	}
	if _, err := parent.Get(MainTable, []byte("keep")); err != nil {
		t.Errorf("parent write lost: %v", err)
	}
	if err := parent.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestStatInfo(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < 500; i++ {
			k := []byte(fmt.Sprintf("key-%04d", i))
			if err := txn.Put(MainTable, k, bytes.Repeat([]byte("x"), 64), Upsert); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	st, err := env.Stat()
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if st.Entries != 500 {
		t.Errorf("Entries = %d, want 500", st.Entries)
	}
	if st.Depth < 2 {
		t.Errorf("Depth = %d, want >= 2 after 500 inserts", st.Depth)
	}
	if st.LeafPages == 0 || st.BranchPages == 0 {
		t.Errorf("page counts not maintained: %+v", st)
	}

	info, err := env.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.PageSize != DefaultPageSize {
		t.Errorf("PageSize = %d, want %d", info.PageSize, DefaultPageSize)
	}
	if info.RecentTxnID == 0 {
		t.Error("RecentTxnID should advance after a commit")
	}
	if info.MapSize <= 0 {
		t.Errorf("MapSize = %d", info.MapSize)
	}
}

func TestReaderListAndCheck(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("k"), []byte("v"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Abort()

	var seen int
	err = env.ReaderList(func(info ReaderInfo) error {
		seen++
		if info.PID != os.Getpid() {
			t.Errorf("reader PID = %d, want %d", info.PID, os.Getpid())
		}
		if info.TxnID == 0 {
			t.Error("reader TxnID should be set")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReaderList failed: %v", err)
	}
	if seen == 0 {
		t.Error("active reader not listed")
	}

	cleared, err := env.ReaderCheck()
	if err != nil {
		t.Fatalf("ReaderCheck failed: %v", err)
	}
	if cleared != 0 {
		t.Errorf("ReaderCheck cleared %d live readers", cleared)
	}
}

func TestCopy(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < 200; i++ {
			k := []byte(fmt.Sprintf("key-%03d", i))
			if err := txn.Put(MainTable, k, []byte("payload"), Upsert); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	copyPath := filepath.Join(t.TempDir(), "copy.db")
	if err := env.Copy(copyPath); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	clone, err := NewEnv(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := clone.Open(copyPath, NoSubdir, 0o644); err != nil {
		t.Fatalf("opening copy failed: %v", err)
	}
	defer clone.Close()

	if err := clone.View(func(txn *Txn) error {
		for i := 0; i < 200; i++ {
			k := []byte(fmt.Sprintf("key-%03d", i))
			if _, err := txn.Get(MainTable, k); err != nil {
				return fmt.Errorf("get %q: %w", k, err)
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestCopyMetaSlots(t *testing.T) {
	env := newTestEnv(t, nil)

	// Several commits so the live slots hold rotating, differing txnids.
	for c := 0; c < 5; c++ {
		if err := env.Update(func(txn *Txn) error {
			k := []byte(fmt.Sprintf("round-%d", c))
			return txn.Put(MainTable, k, []byte("v"), Upsert)
		}); err != nil {
			t.Fatal(err)
		}
	}
	info, err := env.Info()
	if err != nil {
		t.Fatal(err)
	}

	copyPath := filepath.Join(t.TempDir(), "copy.db")
	if err := env.Copy(copyPath); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	raw, err := os.ReadFile(copyPath)
	if err != nil {
		t.Fatal(err)
	}
	ps := int(env.pageSize)
	if len(raw)%ps != 0 {
		t.Fatalf("copy size %d is not page aligned", len(raw))
	}

	// Every slot must describe the pinned snapshot, steady, with a
	// geometry that fits inside the copied file.
	for i := 0; i < NumMetas; i++ {
		m, err := decodeMeta(raw[i*ps+pageHeaderSize : (i+1)*ps])
		if err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
		if !m.isConsistent() || !m.isSteady() {
			t.Errorf("slot %d is not a steady consistent meta", i)
		}
		if uint64(m.txnID()) != info.RecentTxnID {
			t.Errorf("slot %d txnid = %d, want %d", i, m.txnID(), info.RecentTxnID)
		}
		if int(m.Geo.Now)*ps != len(raw) {
			t.Errorf("slot %d Now = %d pages, file has %d bytes", i, m.Geo.Now, len(raw))
		}
		if m.Geo.Next > m.Geo.Now {
			t.Errorf("slot %d Next %d past Now %d", i, m.Geo.Next, m.Geo.Now)
		}
	}
}

func TestCopyDuringWrites(t *testing.T) {
	env := newTestEnv(t, &Config{Durability: Async})

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("seed"), []byte("v"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var writeErr error
	go func() {
		defer close(done)
		payload := bytes.Repeat([]byte("x"), 512)
		for i := 0; i < 400; i++ {
			err := env.Update(func(txn *Txn) error {
				k := []byte(fmt.Sprintf("grow-%05d", i))
				return txn.Put(MainTable, k, payload, Upsert)
			})
			if err != nil {
				writeErr = err
				return
			}
		}
	}()

	dir := t.TempDir()
	for c := 0; c < 4; c++ {
		copyPath := filepath.Join(dir, fmt.Sprintf("copy-%d.db", c))
		if err := env.Copy(copyPath); err != nil {
			t.Fatalf("copy %d failed: %v", c, err)
		}

		clone, err := NewEnv(nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := clone.Open(copyPath, NoSubdir|ReadOnly, 0o644); err != nil {
			t.Fatalf("opening copy %d failed: %v", c, err)
		}
		err = clone.View(func(txn *Txn) error {
			if err := txn.Audit(); err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			if _, err := txn.Get(MainTable, []byte("seed")); err != nil {
				return fmt.Errorf("seed key: %w", err)
			}
			st, err := txn.Stat(MainTable)
			if err != nil {
				return err
			}
			cur, err := txn.OpenCursor(MainTable)
			if err != nil {
				return err
			}
			defer cur.Close()
			walked := uint64(0)
			for _, _, err := cur.Get(nil, nil, First); err == nil; _, _, err = cur.Get(nil, nil, Next) {
				walked++
			}
			if walked != st.Entries {
				return fmt.Errorf("walked %d entries, stat says %d", walked, st.Entries)
			}
			return nil
		})
		clone.Close()
		if err != nil {
			t.Fatalf("copy %d: %v", c, err)
		}
	}

	<-done
	if writeErr != nil {
		t.Fatal(writeErr)
	}
}

func TestCheckpointSyncThreshold(t *testing.T) {
	env := newTestEnv(t, &Config{Durability: Checkpoint, SyncThreshold: 3})

	put := func(i int) {
		t.Helper()
		if err := env.Update(func(txn *Txn) error {
			k := []byte(fmt.Sprintf("key-%d", i))
			return txn.Put(MainTable, k, []byte("v"), Upsert)
		}); err != nil {
			t.Fatal(err)
		}
	}

	put(0)
	put(1)
	info, err := env.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.UnsyncedCommits != 2 {
		t.Fatalf("UnsyncedCommits = %d, want 2", info.UnsyncedCommits)
	}
	if env.meta.Load().recentMeta().isSteady() {
		t.Fatal("meta steady before the threshold")
	}

	// The third commit reaches the threshold and checkpoints.
	put(2)
	info, err = env.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.UnsyncedCommits != 0 {
		t.Fatalf("UnsyncedCommits = %d, want 0 after checkpoint", info.UnsyncedCommits)
	}
	if !env.meta.Load().recentMeta().isSteady() {
		t.Fatal("meta not steady after the threshold commit")
	}
}

func TestReopenSkipsTornMetaWrite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	env, err := NewEnv(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Open(dbPath, NoSubdir, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("stable"), []byte("v1"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("latest"), []byte("v2"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}
	info, err := env.Info()
	if err != nil {
		t.Fatal(err)
	}
	recent := info.RecentTxnID
	env.Close()

	// Zero the phase-two stamp of the newest slot, as if the crash hit
	// between the two meta writes.
	raw, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	ps := int(DefaultPageSize)
	newest := -1
	for i := 0; i < NumMetas; i++ {
		m, err := decodeMeta(raw[i*ps+pageHeaderSize : (i+1)*ps])
		if err != nil {
			continue
		}
		if uint64(m.txnID()) == recent {
			newest = i
		}
	}
	if newest < 0 {
		t.Fatalf("no slot holds txnid %d", recent)
	}
	f, err := os.OpenFile(dbPath, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	var zero [8]byte
	if _, err := f.WriteAt(zero[:], int64(newest*ps+pageHeaderSize+metaOffTxnB)); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	re, err := NewEnv(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := re.Open(dbPath, NoSubdir, 0o644); err != nil {
		t.Fatalf("reopen after torn meta failed: %v", err)
	}
	defer re.Close()

	info, err = re.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.RecentTxnID != recent-1 {
		t.Fatalf("RecentTxnID = %d, want %d", info.RecentTxnID, recent-1)
	}
	if err := re.View(func(txn *Txn) error {
		if _, err := txn.Get(MainTable, []byte("stable")); err != nil {
			return fmt.Errorf("stable key: %w", err)
		}
		if _, err := txn.Get(MainTable, []byte("latest")); !IsNotFound(err) {
			return fmt.Errorf("latest key should be gone, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSyncDurabilityModes(t *testing.T) {
	for _, mode := range []DurabilityMode{Durable, Checkpoint, Async} {
		env := newTestEnv(t, &Config{Durability: mode})
		if err := env.Update(func(txn *Txn) error {
			return txn.Put(MainTable, []byte("k"), []byte("v"), Upsert)
		}); err != nil {
			t.Fatalf("mode %v: Update failed: %v", mode, err)
		}
		if err := env.Sync(); err != nil {
			t.Fatalf("mode %v: Sync failed: %v", mode, err)
		}
	}
}

func TestReadOnlyEnv(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	env, err := NewEnv(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Open(dbPath, NoSubdir, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("k"), []byte("v"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}
	env.Close()

	ro, err := NewEnv(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ro.Open(dbPath, NoSubdir|ReadOnly, 0o644); err != nil {
		t.Fatalf("read-only open failed: %v", err)
	}
	defer ro.Close()

	if err := ro.View(func(txn *Txn) error {
		v, err := txn.Get(MainTable, []byte("k"))
		if err != nil {
			return err
		}
		if string(v) != "v" {
			t.Errorf("got %q", v)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := ro.BeginTxn(nil, TxnReadWrite); err == nil {
		t.Error("write txn allowed on read-only environment")
	}
}
