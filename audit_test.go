package loam

import (
	"bytes"
	"fmt"
	"testing"
)

func TestAuditFreshEnv(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.View(func(txn *Txn) error {
		return txn.Audit()
	}); err != nil {
		t.Fatalf("audit of fresh environment: %v", err)
	}
}

func TestAuditAfterChurn(t *testing.T) {
	env := newTestEnv(t, nil)

	// Mixed load: plain keys, a named dup table, overflow values, and
	// enough deletes to populate the free table.
	err := env.Update(func(txn *Txn) error {
		dups, err := txn.OpenTable("events", Create|DupSort, nil, nil)
		if err != nil {
			return err
		}
		for i := 0; i < 800; i++ {
			k := []byte(fmt.Sprintf("key-%06d", i))
			if err := txn.Put(MainTable, k, bytes.Repeat([]byte("x"), 80), Upsert); err != nil {
				return err
			}
		}
		for i := 0; i < 300; i++ {
			v := []byte(fmt.Sprintf("value-%06d-padding-padding", i))
			if err := txn.Put(dups, []byte("hot"), v, Upsert); err != nil {
				return err
			}
		}
		if err := txn.Put(MainTable, []byte("blob"), bytes.Repeat([]byte("b"), 3*DefaultPageSize), Upsert); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = env.Update(func(txn *Txn) error {
		for i := 0; i < 800; i += 2 {
			k := []byte(fmt.Sprintf("key-%06d", i))
			if err := txn.Del(MainTable, k, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The committed state accounts for every page.
	if err := env.View(func(txn *Txn) error {
		return txn.Audit()
	}); err != nil {
		t.Fatalf("audit after churn: %v", err)
	}
}

func TestAuditInsideWriteTxn(t *testing.T) {
	env := newTestEnv(t, nil)
	fillSequential(t, env, MainTable, 500)

	// Mid-transaction the audit must account for pages moved into the
	// loose, retired, and reclaimed pools by copy-on-write.
	err := env.Update(func(txn *Txn) error {
		for i := 0; i < 500; i += 3 {
			k := []byte(fmt.Sprintf("key-%06d", i))
			if err := txn.Del(MainTable, k, nil); err != nil {
				return err
			}
		}
		for i := 500; i < 700; i++ {
			k := []byte(fmt.Sprintf("key-%06d", i))
			if err := txn.Put(MainTable, k, []byte("v"), Upsert); err != nil {
				return err
			}
		}
		return txn.Audit()
	})
	if err != nil {
		t.Fatal(err)
	}
}
