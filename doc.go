// Package loam is an embedded transactional key-value store built on a
// memory-mapped copy-on-write B+ tree.
//
// A single write transaction and any number of read transactions run
// concurrently; readers pin a snapshot through a shared reader table
// and never block the writer. Committed pages are never rewritten in
// place, so a crash at any point leaves the last durable snapshot
// intact. Freed pages are recycled once no live reader can still see
// them.
//
// Key features:
//   - Copy-on-write B+ tree with MVCC snapshot reads
//   - Single writer, multiple readers, in-process and cross-process
//   - Memory-mapped I/O with automatic file growth and shrink
//   - Named tables, duplicate-value tables, custom comparators
//   - Nested write transactions
//
// Basic usage:
//
//	env, err := loam.NewEnv(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	if err := env.Open("/path/to/db", loam.NoSubdir, 0o644); err != nil {
//	    log.Fatal(err)
//	}
//
//	err = env.Update(func(txn *loam.Txn) error {
//	    t, err := txn.OpenTable("users", loam.Create, nil, nil)
//	    if err != nil {
//	        return err
//	    }
//	    return txn.Put(t, []byte("key"), []byte("value"), loam.Upsert)
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
package loam
