// Package pagemap provides a fast hash map keyed by page numbers.
// Sequential page numbers hash poorly with identity hashing, so keys are
// spread with fibonacci hashing over an open-addressed table.
package pagemap

// Map is a hash map from a 32-bit page number to V. The zero value is
// ready for use.
type Map[V any] struct {
	buckets []bucket[V]
	count   int
	mask    uint32
}

type bucket[V any] struct {
	key   uint32
	value V
	used  bool // key 0 is a valid page number
}

// fibHash32 is 2^32 divided by the golden ratio.
const fibHash32 = 2654435769

func hash(key uint32) uint32 {
	return key * fibHash32
}

// Get returns the value for key and whether it is present.
func (m *Map[V]) Get(key uint32) (V, bool) {
	var zero V
	if len(m.buckets) == 0 {
		return zero, false
	}
	idx := hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return zero, false
		}
		if b.key == key {
			return b.value, true
		}
		idx = (idx + 1) & m.mask
	}
}

// Set stores a key-value pair, replacing any existing value.
func (m *Map[V]) Set(key uint32, value V) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket[V], 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.value = value
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

// Delete removes key if present. Uses backward-shift deletion so probe
// chains stay intact without tombstones.
func (m *Map[V]) Delete(key uint32) {
	if len(m.buckets) == 0 {
		return
	}
	idx := hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return
		}
		if b.key == key {
			break
		}
		idx = (idx + 1) & m.mask
	}

	var zero V
	hole := idx
	j := idx
	for {
		j = (j + 1) & m.mask
		b := &m.buckets[j]
		if !b.used {
			break
		}
		// An entry backfills the hole only when its home slot does not
		// lie cyclically between the hole and its current slot.
		home := hash(b.key) & m.mask
		if (j > hole && (home <= hole || home > j)) ||
			(j < hole && home <= hole && home > j) {
			m.buckets[hole] = *b
			hole = j
		}
	}
	m.buckets[hole].used = false
	m.buckets[hole].value = zero
	m.count--
}

func (m *Map[V]) grow() {
	oldBuckets := m.buckets
	newSize := len(oldBuckets) * 2
	m.buckets = make([]bucket[V], newSize)
	m.mask = uint32(newSize - 1)
	m.count = 0

	for i := range oldBuckets {
		if oldBuckets[i].used {
			m.Set(oldBuckets[i].key, oldBuckets[i].value)
		}
	}
}

// ForEach calls fn for every key-value pair. Order is unspecified.
// fn must not modify the map.
func (m *Map[V]) ForEach(fn func(uint32, V)) {
	for i := range m.buckets {
		if m.buckets[i].used {
			fn(m.buckets[i].key, m.buckets[i].value)
		}
	}
}

// Clear removes all entries but keeps the backing array.
func (m *Map[V]) Clear() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return m.count
}
