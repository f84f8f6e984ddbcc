package loam

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenTableCreate(t *testing.T) {
	env := newTestEnv(t, nil)

	var table Table
	err := env.Update(func(txn *Txn) error {
		var err error
		table, err = txn.OpenTable("users", Create, nil, nil)
		if err != nil {
			return err
		}
		return txn.Put(table, []byte("alice"), []byte("1"), Upsert)
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, int(table), CoreTables)

	// The handle survives into later transactions.
	err = env.View(func(txn *Txn) error {
		v, err := txn.Get(table, []byte("alice"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v)

		flags, err := txn.TableFlagsOf(table)
		require.NoError(t, err)
		require.Equal(t, TableDefaults, flags)
		return nil
	})
	require.NoError(t, err)
}

func TestOpenTableMissing(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.View(func(txn *Txn) error {
		_, err := txn.OpenTable("nope", TableDefaults, nil, nil)
		require.True(t, IsNotFound(err), "got %v", err)

		// Create in a read transaction is refused.
		_, err = txn.OpenTable("nope", Create, nil, nil)
		require.Equal(t, ErrReadOnly, Code(err))
		return nil
	})
	require.NoError(t, err)
}

func TestOpenTableFlagsMismatch(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.Update(func(txn *Txn) error {
		_, err := txn.OpenTable("t", Create|DupSort, nil, nil)
		return err
	})
	require.NoError(t, err)

	err = env.View(func(txn *Txn) error {
		_, err := txn.OpenTable("t", TableDefaults, nil, nil)
		require.Equal(t, ErrIncompatible, Code(err))

		_, err = txn.OpenTable("t", DupSort, nil, nil)
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	// DupFixed without DupSort is invalid.
	err = env.Update(func(txn *Txn) error {
		_, err := txn.OpenTable("bad", Create|DupFixed, nil, nil)
		require.Equal(t, ErrInvalid, Code(err))
		return nil
	})
	require.NoError(t, err)
}

func TestOpenTablePersistence(t *testing.T) {
	dbPath := t.TempDir() + "/test.db"

	env, err := NewEnv(nil)
	require.NoError(t, err)
	require.NoError(t, env.Open(dbPath, NoSubdir, 0o644))

	err = env.Update(func(txn *Txn) error {
		table, err := txn.OpenTable("persisted", Create|DupSort, nil, nil)
		if err != nil {
			return err
		}
		return txn.Put(table, []byte("k"), []byte("v"), Upsert)
	})
	require.NoError(t, err)
	env.Close()

	env, err = NewEnv(nil)
	require.NoError(t, err)
	require.NoError(t, env.Open(dbPath, NoSubdir, 0o644))
	defer env.Close()

	err = env.View(func(txn *Txn) error {
		table, err := txn.OpenTable("persisted", DupSort, nil, nil)
		if err != nil {
			return err
		}
		v, err := txn.Get(table, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), v)
		return nil
	})
	require.NoError(t, err)
}

func TestListTables(t *testing.T) {
	env := newTestEnv(t, nil)

	names := []string{"alpha", "beta", "gamma"}
	err := env.Update(func(txn *Txn) error {
		for _, name := range names {
			if _, err := txn.OpenTable(name, Create, nil, nil); err != nil {
				return err
			}
		}
		// A plain key in the main table must not list as a table.
		return txn.Put(MainTable, []byte("not-a-table"), []byte("v"), Upsert)
	})
	require.NoError(t, err)

	err = env.View(func(txn *Txn) error {
		got, err := txn.ListTables()
		require.NoError(t, err)
		require.Equal(t, names, got)
		return nil
	})
	require.NoError(t, err)
}

func TestSequence(t *testing.T) {
	env := newTestEnv(t, nil)

	var table Table
	err := env.Update(func(txn *Txn) error {
		var err error
		table, err = txn.OpenTable("seq", Create, nil, nil)
		return err
	})
	require.NoError(t, err)

	err = env.Update(func(txn *Txn) error {
		v, err := txn.Sequence(table, 0)
		require.NoError(t, err)
		require.Equal(t, uint64(0), v)

		v, err = txn.Sequence(table, 5)
		require.NoError(t, err)
		require.Equal(t, uint64(5), v)

		v, err = txn.Sequence(table, 3)
		require.NoError(t, err)
		require.Equal(t, uint64(8), v)
		return nil
	})
	require.NoError(t, err)

	// The counter persists across commits.
	err = env.View(func(txn *Txn) error {
		v, err := txn.Sequence(table, 0)
		require.NoError(t, err)
		require.Equal(t, uint64(8), v)

		// Incrementing in a read transaction is refused.
		_, err = txn.Sequence(table, 1)
		require.Equal(t, ErrReadOnly, Code(err))
		return nil
	})
	require.NoError(t, err)
}

func TestDropEmpty(t *testing.T) {
	env := newTestEnv(t, nil)

	var table Table
	err := env.Update(func(txn *Txn) error {
		var err error
		table, err = txn.OpenTable("victim", Create, nil, nil)
		if err != nil {
			return err
		}
		for i := 0; i < 500; i++ {
			k := []byte(fmt.Sprintf("key-%04d", i))
			if err := txn.Put(table, k, bytes.Repeat([]byte("x"), 50), Upsert); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	// Drop without delete empties the table but keeps the handle.
	err = env.Update(func(txn *Txn) error {
		return txn.Drop(table, false)
	})
	require.NoError(t, err)

	err = env.View(func(txn *Txn) error {
		st, err := txn.Stat(table)
		require.NoError(t, err)
		require.Zero(t, st.Entries)
		require.Zero(t, st.Depth)

		names, err := txn.ListTables()
		require.NoError(t, err)
		require.Contains(t, names, "victim")
		return nil
	})
	require.NoError(t, err)

	// The emptied table accepts new writes.
	err = env.Update(func(txn *Txn) error {
		return txn.Put(table, []byte("fresh"), []byte("v"), Upsert)
	})
	require.NoError(t, err)
}

func TestDropDelete(t *testing.T) {
	env := newTestEnv(t, nil)

	var table Table
	err := env.Update(func(txn *Txn) error {
		var err error
		table, err = txn.OpenTable("victim", Create, nil, nil)
		if err != nil {
			return err
		}
		return txn.Put(table, []byte("k"), []byte("v"), Upsert)
	})
	require.NoError(t, err)

	err = env.Update(func(txn *Txn) error {
		return txn.Drop(table, true)
	})
	require.NoError(t, err)

	err = env.View(func(txn *Txn) error {
		names, err := txn.ListTables()
		require.NoError(t, err)
		require.NotContains(t, names, "victim")

		_, err = txn.OpenTable("victim", TableDefaults, nil, nil)
		require.True(t, IsNotFound(err), "got %v", err)
		return nil
	})
	require.NoError(t, err)

	// Core tables cannot be dropped.
	err = env.Update(func(txn *Txn) error {
		require.Equal(t, ErrInvalid, Code(txn.Drop(MainTable, true)))
		return nil
	})
	require.NoError(t, err)
}

func TestDropDupTable(t *testing.T) {
	// Dropping a table with duplicate sub-trees releases every page.
	env := newTestEnv(t, nil)

	var table Table
	err := env.Update(func(txn *Txn) error {
		var err error
		table, err = txn.OpenTable("dups", Create|DupSort, nil, nil)
		if err != nil {
			return err
		}
		for i := 0; i < 300; i++ {
			v := []byte(fmt.Sprintf("value-%06d-padding-padding", i))
			if err := txn.Put(table, []byte("k"), v, Upsert); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = env.Update(func(txn *Txn) error {
		return txn.Drop(table, true)
	})
	require.NoError(t, err)
}

func TestReverseKeyTable(t *testing.T) {
	env := newTestEnv(t, nil)

	var table Table
	err := env.Update(func(txn *Txn) error {
		var err error
		table, err = txn.OpenTable("rev", Create|ReverseKey, nil, nil)
		if err != nil {
			return err
		}
		for _, k := range []string{"abc", "abd", "xbc"} {
			if err := txn.Put(table, []byte(k), []byte("v"), Upsert); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	// Reverse comparison orders by the key suffix.
	err = env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(table)
		require.NoError(t, err)
		defer c.Close()

		var got []string
		for k, _, err := c.Get(nil, nil, First); err == nil; k, _, err = c.Get(nil, nil, Next) {
			got = append(got, string(k))
		}
		require.Equal(t, []string{"abc", "xbc", "abd"}, got)
		return nil
	})
	require.NoError(t, err)
}

func TestCustomComparator(t *testing.T) {
	env := newTestEnv(t, nil)

	// Descending byte order.
	desc := func(a, b []byte) int { return bytes.Compare(b, a) }

	var table Table
	err := env.Update(func(txn *Txn) error {
		var err error
		table, err = txn.OpenTable("desc", Create, desc, nil)
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "b", "c"} {
			if err := txn.Put(table, []byte(k), []byte("v"), Upsert); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(table)
		require.NoError(t, err)
		defer c.Close()

		var got []string
		for k, _, err := c.Get(nil, nil, First); err == nil; k, _, err = c.Get(nil, nil, Next) {
			got = append(got, string(k))
		}
		require.Equal(t, []string{"c", "b", "a"}, got)
		return nil
	})
	require.NoError(t, err)
}

func TestMaxTables(t *testing.T) {
	env := newTestEnv(t, &Config{MaxTables: 2})

	err := env.Update(func(txn *Txn) error {
		for i := 0; i < 2; i++ {
			if _, err := txn.OpenTable(fmt.Sprintf("t%d", i), Create, nil, nil); err != nil {
				return err
			}
		}
		_, err := txn.OpenTable("overflow", Create, nil, nil)
		require.Equal(t, ErrTablesFull, Code(err))
		return nil
	})
	require.NoError(t, err)
}

func TestMainTableAlias(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.Update(func(txn *Txn) error {
		table, err := txn.OpenTable("", TableDefaults, nil, nil)
		require.NoError(t, err)
		require.Equal(t, MainTable, table)

		// Persisted flags on the main table are refused.
		_, err = txn.OpenTable("", DupSort, nil, nil)
		require.Equal(t, ErrIncompatible, Code(err))
		return nil
	})
	require.NoError(t, err)
}
