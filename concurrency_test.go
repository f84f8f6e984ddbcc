package loam

import (
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestConcurrentReaders(t *testing.T) {
	env := newTestEnv(t, nil)
	const n = 1000
	fillSequential(t, env, MainTable, n)

	var g errgroup.Group
	for r := 0; r < 8; r++ {
		g.Go(func() error {
			return env.View(func(txn *Txn) error {
				for i := 0; i < n; i++ {
					k := []byte(fmt.Sprintf("key-%06d", i))
					want := fmt.Sprintf("val-%06d", i)
					v, err := txn.Get(MainTable, k)
					if err != nil {
						return fmt.Errorf("get %q: %w", k, err)
					}
					if string(v) != want {
						return fmt.Errorf("key %q: got %q", k, v)
					}
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestReadersDuringWrites(t *testing.T) {
	env := newTestEnv(t, &Config{Durability: Async})

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainTable, []byte("gen"), []byte("0000"), Upsert)
	}); err != nil {
		t.Fatal(err)
	}

	var stop atomic.Bool
	var g errgroup.Group

	// One writer bumps a generation counter and a batch of keys.
	g.Go(func() error {
		defer stop.Store(true)
		for gen := 1; gen <= 50; gen++ {
			err := env.Update(func(txn *Txn) error {
				tag := []byte(fmt.Sprintf("%04d", gen))
				if err := txn.Put(MainTable, []byte("gen"), tag, Upsert); err != nil {
					return err
				}
				for i := 0; i < 20; i++ {
					k := []byte(fmt.Sprintf("slot-%02d", i))
					if err := txn.Put(MainTable, k, tag, Upsert); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	// Readers verify each snapshot is internally consistent: every slot
	// carries the generation of the snapshot it was committed in.
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for !stop.Load() {
				err := env.View(func(txn *Txn) error {
					gen, err := txn.Get(MainTable, []byte("gen"))
					if err != nil {
						return err
					}
					if string(gen) == "0000" {
						return nil
					}
					for i := 0; i < 20; i++ {
						k := []byte(fmt.Sprintf("slot-%02d", i))
						v, err := txn.Get(MainTable, k)
						if err != nil {
							return fmt.Errorf("get %q at gen %s: %w", k, gen, err)
						}
						if string(v) != string(gen) {
							return fmt.Errorf("torn snapshot: slot %q has %q at gen %s", k, v, gen)
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentWriteSerialization(t *testing.T) {
	env := newTestEnv(t, &Config{Durability: Async})

	// Writers serialize on the writer lock, so every increment lands.
	var g errgroup.Group
	const writers, perWriter = 4, 25
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				err := env.Update(func(txn *Txn) error {
					_, err := txn.Sequence(MainTable, 1)
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if err := env.View(func(txn *Txn) error {
		v, err := txn.Sequence(MainTable, 0)
		if err != nil {
			return err
		}
		if v != writers*perWriter {
			t.Errorf("sequence = %d, want %d", v, writers*perWriter)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestTxnTry(t *testing.T) {
	env := newTestEnv(t, nil)

	holder, err := env.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		t.Fatal(err)
	}

	// TxnTry fails fast instead of waiting for the writer lock.
	if _, err := env.BeginTxn(nil, TxnTry); !IsBusy(err) {
		t.Errorf("TxnTry with a writer active: %v", err)
	}

	holder.Abort()

	txn, err := env.BeginTxn(nil, TxnTry)
	if err != nil {
		t.Fatalf("TxnTry with no writer: %v", err)
	}
	txn.Abort()
}
