package memtable

import (
	"testing"

	"github.com/blentle/lsmtree/internal/dbformat"
)

func TestInsertAndLookupLatestWins(t *testing.T) {
	m := New()
	m.Insert(1, dbformat.TypeValue, []byte("foo"), []byte("v1"))
	m.Insert(3, dbformat.TypeValue, []byte("foo"), []byte("v3"))
	m.Insert(2, dbformat.TypeValue, []byte("foo"), []byte("v2"))

	v, res := m.Lookup([]byte("foo"), dbformat.MaxSequenceNumber)
	if res != Found || string(v) != "v3" {
		t.Fatalf("expected v3 found, got %v %q", res, v)
	}

	v, res = m.Lookup([]byte("foo"), 2)
	if res != Found || string(v) != "v2" {
		t.Fatalf("expected v2 visible at seq 2, got %v %q", res, v)
	}

	_, res = m.Lookup([]byte("missing"), dbformat.MaxSequenceNumber)
	if res != NotFound {
		t.Fatalf("expected NotFound, got %v", res)
	}
}

func TestLookupSeesTombstone(t *testing.T) {
	m := New()
	m.Insert(1, dbformat.TypeValue, []byte("k"), []byte("v"))
	m.Insert(2, dbformat.TypeDeletion, []byte("k"), nil)

	_, res := m.Lookup([]byte("k"), dbformat.MaxSequenceNumber)
	if res != Deleted {
		t.Fatalf("expected Deleted, got %v", res)
	}

	v, res := m.Lookup([]byte("k"), 1)
	if res != Found || string(v) != "v" {
		t.Fatalf("expected v visible before the delete, got %v %q", res, v)
	}
}

func TestIteratorOrderAndPinning(t *testing.T) {
	m := New()
	m.Insert(1, dbformat.TypeValue, []byte("b"), []byte("2"))
	m.Insert(1, dbformat.TypeValue, []byte("a"), []byte("1"))
	m.Insert(1, dbformat.TypeValue, []byte("c"), []byte("3"))

	it := m.NewIterator()
	m.Insert(2, dbformat.TypeValue, []byte("d"), []byte("4")) // after the iterator was taken

	it.SeekToFirst()
	var seen []string
	for it.Valid() {
		uk, _, _, _ := dbformat.ParseInternalKey(it.Key())
		seen = append(seen, string(uk))
		it.Next()
	}
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
		t.Fatalf("expected pinned [a b c], got %v", seen)
	}
}

func TestApproximateSizeGrows(t *testing.T) {
	m := New()
	if m.ApproximateSize() != 0 {
		t.Fatalf("expected empty memtable to report 0 bytes")
	}
	m.Insert(1, dbformat.TypeValue, []byte("k"), []byte("value"))
	if m.ApproximateSize() == 0 {
		t.Fatalf("expected size to grow after insert")
	}
}
