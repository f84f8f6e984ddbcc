package pagemap

import (
	"math/rand"
	"testing"
)

func TestSetGetDelete(t *testing.T) {
	var m Map[int]

	if _, ok := m.Get(7); ok {
		t.Fatal("empty map reported a hit")
	}

	m.Set(0, 100) // key 0 is a valid page number
	m.Set(7, 700)
	m.Set(7, 701) // replace

	if v, ok := m.Get(0); !ok || v != 100 {
		t.Errorf("Get(0) = %d, %v", v, ok)
	}
	if v, ok := m.Get(7); !ok || v != 701 {
		t.Errorf("Get(7) = %d, %v", v, ok)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}

	m.Delete(7)
	if _, ok := m.Get(7); ok {
		t.Error("deleted key still present")
	}
	if v, ok := m.Get(0); !ok || v != 100 {
		t.Errorf("Get(0) after unrelated delete = %d, %v", v, ok)
	}
	m.Delete(7) // idempotent
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestSequentialKeys(t *testing.T) {
	// Page numbers arrive sequentially in practice; the map must stay
	// correct through growth with densely packed keys.
	var m Map[uint32]
	const n = 10000
	for i := uint32(0); i < n; i++ {
		m.Set(i, i*2)
	}
	if m.Len() != n {
		t.Fatalf("Len = %d, want %d", m.Len(), n)
	}
	for i := uint32(0); i < n; i++ {
		if v, ok := m.Get(i); !ok || v != i*2 {
			t.Fatalf("Get(%d) = %d, %v", i, v, ok)
		}
	}
}

func TestDeleteBackshift(t *testing.T) {
	// Deleting from a collision chain must not orphan later entries.
	var m Map[int]
	rng := rand.New(rand.NewSource(1))
	keys := make(map[uint32]int)
	for i := 0; i < 5000; i++ {
		k := rng.Uint32() % 2048
		keys[k] = i
		m.Set(k, i)
	}
	removed := 0
	for k := range keys {
		if removed%3 == 0 {
			m.Delete(k)
			delete(keys, k)
		}
		removed++
	}
	for k, want := range keys {
		if v, ok := m.Get(k); !ok || v != want {
			t.Fatalf("Get(%d) = %d, %v; want %d", k, v, ok, want)
		}
	}
	if m.Len() != len(keys) {
		t.Errorf("Len = %d, want %d", m.Len(), len(keys))
	}
}

func TestForEachAndClear(t *testing.T) {
	var m Map[int]
	for i := uint32(0); i < 100; i++ {
		m.Set(i, int(i))
	}
	sum := 0
	m.ForEach(func(k uint32, v int) {
		sum += v
	})
	if sum != 99*100/2 {
		t.Errorf("ForEach sum = %d", sum)
	}

	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len after Clear = %d", m.Len())
	}
	if _, ok := m.Get(1); ok {
		t.Error("cleared map reported a hit")
	}
	// The map is reusable after Clear.
	m.Set(5, 50)
	if v, ok := m.Get(5); !ok || v != 50 {
		t.Errorf("Get(5) after Clear = %d, %v", v, ok)
	}
}
