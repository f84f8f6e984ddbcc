package loam

import (
	"bytes"
	"fmt"
	"testing"
)

func newTestPage(flags pageFlags) *page {
	p := &page{Data: make([]byte, DefaultPageSize)}
	p.init(1, flags, DefaultPageSize)
	return p
}

func TestPageHeaderRoundTrip(t *testing.T) {
	p := newTestPage(pageLeaf)

	p.setTxnID(42)
	p.setPageNo(7)
	p.setDupFixedSize(16)
	p.setOverflowCount(3)

	if p.txnID() != 42 {
		t.Errorf("txnID = %d", p.txnID())
	}
	if p.pageNo() != 7 {
		t.Errorf("pageNo = %d", p.pageNo())
	}
	if p.dupFixedSize() != 16 {
		t.Errorf("dupFixedSize = %d", p.dupFixedSize())
	}
	if p.overflowCount() != 3 {
		t.Errorf("overflowCount = %d", p.overflowCount())
	}
	if !p.isLeaf() || p.isBranch() {
		t.Error("flag accessors disagree with pageLeaf")
	}
	if p.numEntries() != 0 {
		t.Errorf("fresh page has %d entries", p.numEntries())
	}
	if err := p.validate(DefaultPageSize); err != nil {
		t.Errorf("fresh page invalid: %v", err)
	}
}

func TestPageValidate(t *testing.T) {
	p := newTestPage(pageLeaf)
	p.setLower(100)
	p.setUpper(50)
	if err := p.validate(DefaultPageSize); err == nil {
		t.Error("lower > upper passed validation")
	}

	p = newTestPage(pageLeaf)
	p.setUpper(DefaultPageSize) // past the page end
	if err := p.validate(DefaultPageSize); err == nil {
		t.Error("upper past page end passed validation")
	}
}

func TestInsertRemoveEntries(t *testing.T) {
	p := newTestPage(pageLeaf)

	// Insert in sorted position, reading back through the node layer.
	keys := []string{"bb", "dd", "aa", "cc"}
	for _, k := range keys {
		node := appendLeafNode(nil, []byte(k), []byte("val-"+k), 0)
		idx, exact := searchInPage(p, []byte(k), bytes.Compare)
		if exact {
			t.Fatalf("key %q already present", k)
		}
		if !p.insertEntry(idx, node) {
			t.Fatalf("insertEntry(%q) failed", k)
		}
	}
	if p.numEntries() != 4 {
		t.Fatalf("numEntries = %d", p.numEntries())
	}
	for i, want := range []string{"aa", "bb", "cc", "dd"} {
		if got := string(nodeKeyFast(p, i)); got != want {
			t.Errorf("key[%d] = %q, want %q", i, got, want)
		}
		if got := string(nodeValFast(p, i)); got != "val-"+want {
			t.Errorf("val[%d] = %q", i, got)
		}
	}

	idx, exact := searchInPage(p, []byte("cc"), bytes.Compare)
	if !exact || idx != 2 {
		t.Fatalf("searchInPage(cc) = %d, %v", idx, exact)
	}
	if !p.removeEntry(idx) {
		t.Fatal("removeEntry failed")
	}
	if p.numEntries() != 3 {
		t.Fatalf("numEntries after remove = %d", p.numEntries())
	}
	if _, exact := searchInPage(p, []byte("cc"), bytes.Compare); exact {
		t.Error("removed key still found")
	}
	if got := string(nodeKeyFast(p, 2)); got != "dd" {
		t.Errorf("entry table not shifted: key[2] = %q", got)
	}
}

func TestCompactReclaimsSpace(t *testing.T) {
	p := newTestPage(pageLeaf)

	val := bytes.Repeat([]byte("v"), 64)
	n := 0
	for {
		node := appendLeafNode(nil, []byte(fmt.Sprintf("key-%04d", n)), val, 0)
		if !p.insertEntry(p.numEntries(), node) {
			break
		}
		n++
	}
	if n < 10 {
		t.Fatalf("only %d inserts fit", n)
	}

	// Removing entries leaves gaps that free space accounting cannot
	// see until the page compacts.
	for i := 0; i < n/2; i++ {
		p.removeEntry(p.numEntries() - 1)
	}
	before := p.freeSpace()
	reclaimed := p.compact()
	if reclaimed <= 0 {
		t.Fatalf("compact reclaimed %d", reclaimed)
	}
	if p.freeSpace() <= before {
		t.Errorf("freeSpace did not grow: %d -> %d", before, p.freeSpace())
	}

	// Survivors are intact after the rewrite.
	for i := 0; i < p.numEntries(); i++ {
		want := fmt.Sprintf("key-%04d", i)
		if got := string(nodeKeyFast(p, i)); got != want {
			t.Fatalf("key[%d] = %q after compact, want %q", i, got, want)
		}
		if !bytes.Equal(nodeValFast(p, i), val) {
			t.Fatalf("val[%d] corrupted after compact", i)
		}
	}

	// insertEntry auto-compacts when the contiguous gap is too small.
	node := appendLeafNode(nil, []byte("zzz"), val, 0)
	if !p.insertEntry(p.numEntries(), node) {
		t.Error("insert after compact failed")
	}
}

func TestUpdateEntry(t *testing.T) {
	p := newTestPage(pageLeaf)

	for _, k := range []string{"a", "b", "c"} {
		node := appendLeafNode(nil, []byte(k), []byte("value-original"), 0)
		p.insertEntry(p.numEntries(), node)
	}

	// Same or smaller size rewrites in place.
	node := appendLeafNode(nil, []byte("b"), []byte("short"), 0)
	if !p.updateEntry(1, node) {
		t.Fatal("in-place update failed")
	}
	if got := string(nodeValFast(p, 1)); got != "short" {
		t.Errorf("updated val = %q", got)
	}
	if got := string(nodeValFast(p, 2)); got != "value-original" {
		t.Errorf("neighbor disturbed: %q", got)
	}
}

func TestRemoveEntriesFrom(t *testing.T) {
	p := newTestPage(pageLeaf)
	for i := 0; i < 10; i++ {
		node := appendLeafNode(nil, []byte(fmt.Sprintf("k%02d", i)), []byte("v"), 0)
		p.insertEntry(i, node)
	}
	p.removeEntriesFrom(4)
	if p.numEntries() != 4 {
		t.Fatalf("numEntries = %d, want 4", p.numEntries())
	}
	if got := string(nodeKeyFast(p, 3)); got != "k03" {
		t.Errorf("last key = %q", got)
	}
}

func TestSplitPoint(t *testing.T) {
	p := newTestPage(pageLeaf)
	val := bytes.Repeat([]byte("v"), 32)
	n := 0
	for {
		node := appendLeafNode(nil, []byte(fmt.Sprintf("key-%04d", n)), val, 0)
		if !p.insertEntry(p.numEntries(), node) {
			break
		}
		n++
	}
	nodeSize := nodeCalcSize(8, len(val), false)

	// Appending at the end keeps every existing entry left.
	if got := p.splitPoint(nodeSize, n); got != n {
		t.Errorf("append split = %d, want %d", got, n)
	}

	// A middle insert splits near the middle, with both halves fitting.
	got := p.splitPoint(nodeSize, n/3)
	if got <= 0 || got >= n {
		t.Fatalf("middle split = %d of %d", got, n)
	}
	if got < n/4 || got > 3*n/4 {
		t.Errorf("middle split %d far from center of %d", got, n)
	}
}

func TestBranchSearchSkipsFence(t *testing.T) {
	p := newTestPage(pageBranch)

	// Entry 0 is the low fence; its key is never compared.
	p.insertEntry(0, appendBranchNode(nil, nil, 10))
	p.insertEntry(1, appendBranchNode(nil, []byte("m"), 20))
	p.insertEntry(2, appendBranchNode(nil, []byte("t"), 30))

	for _, tc := range []struct {
		key   string
		child pgno
	}{
		{"a", 10}, // below the first separator
		{"m", 20},
		{"p", 20},
		{"t", 30},
		{"z", 30},
	} {
		idx, _ := searchInPage(p, []byte(tc.key), bytes.Compare)
		if got := nodeChildPgnoFast(p, idx); got != tc.child {
			t.Errorf("key %q routed to page %d, want %d", tc.key, got, tc.child)
		}
	}
}

func TestNodeBuilders(t *testing.T) {
	key := []byte("the-key")
	val := []byte("the-value")

	node := appendLeafNode(nil, key, val, 0)
	if got := nodeKeySizeAt(node); int(got) != len(key) {
		t.Errorf("keySize = %d", got)
	}
	if nodeFlagsAt(node) != 0 {
		t.Errorf("flags = %x", nodeFlagsAt(node))
	}
	if int(nodeUnionAt(node)) != len(val) {
		t.Errorf("union = %d", nodeUnionAt(node))
	}
	if len(node) != nodeCalcSize(len(key), len(val), false) {
		t.Errorf("len = %d, calc = %d", len(node), nodeCalcSize(len(key), len(val), false))
	}

	big := appendBigLeafNode(nil, key, 100000, 77)
	if nodeFlagsAt(big)&nodeBig == 0 {
		t.Error("big node missing nodeBig")
	}
	if len(big) != nodeCalcSize(len(key), 0, true) {
		t.Errorf("big len = %d", len(big))
	}

	branch := appendBranchNode(nil, key, 99)
	if nodeUnionAt(branch) != 99 {
		t.Errorf("branch child = %d", nodeUnionAt(branch))
	}
	bp := newTestPage(pageBranch)
	if !bp.insertEntry(0, branch) {
		t.Fatal("insertEntry(branch) failed")
	}
	if got := nodeFirstKey(bp.Data); !bytes.Equal(got, key) {
		t.Errorf("branch key = %q", got)
	}

	// Fence nodes carry no key.
	fence := appendBranchNode(nil, nil, 5)
	if nodeKeySizeAt(fence) != 0 {
		t.Errorf("fence keySize = %d", nodeKeySizeAt(fence))
	}
}

func TestCompactTo(t *testing.T) {
	src := newTestPage(pageLeaf)
	for i := 0; i < 20; i++ {
		node := appendLeafNode(nil, []byte(fmt.Sprintf("k%02d", i)), []byte("v"), 0)
		src.insertEntry(i, node)
	}
	// Punch holes so the source is fragmented.
	src.removeEntry(15)
	src.removeEntry(5)

	dst := &page{Data: make([]byte, DefaultPageSize)}
	src.compactTo(dst, DefaultPageSize)

	if dst.numEntries() != src.numEntries() {
		t.Fatalf("entries = %d, want %d", dst.numEntries(), src.numEntries())
	}
	for i := 0; i < dst.numEntries(); i++ {
		if !bytes.Equal(nodeKeyFast(dst, i), nodeKeyFast(src, i)) {
			t.Fatalf("key[%d] differs after compactTo", i)
		}
	}
	if dst.freeSpace() < src.freeSpace() {
		t.Errorf("compacted copy has less free space: %d < %d", dst.freeSpace(), src.freeSpace())
	}
}
