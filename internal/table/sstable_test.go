package table

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/blentle/lsmtree/internal/dbformat"
)

type memReaderAt struct{ b []byte }

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.b[off:])
	return n, nil
}

func buildTable(t *testing.T, ct CompressionType, entries [][2]string) (*Reader, []byte) {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{Compression: ct, FileNumber: 42, BlockSize: 64, ExpectedNumKeys: len(entries)})

	for i, e := range entries {
		ik := dbformat.MakeInternalKey([]byte(e[0]), dbformat.SequenceNumber(i+1), dbformat.TypeValue)
		if err := w.Add(ik, []byte(e[1])); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	smallest, largest, size, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(smallest) == 0 || len(largest) == 0 {
		t.Fatalf("expected non-empty smallest/largest keys")
	}

	data := buf.Bytes()
	if int64(len(data)) != size {
		t.Fatalf("size mismatch: wrote %d bytes, Finish reported %d", len(data), size)
	}

	r, err := Open(memReaderAt{data}, size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.FileNumber() != 42 {
		t.Fatalf("expected file number 42, got %d", r.FileNumber())
	}
	return r, data
}

func sortedEntries() [][2]string {
	return [][2]string{
		{"alpha", "1"},
		{"bravo", "2"},
		{"charlie", "3"},
		{"delta", "4"},
		{"echo", "5"},
	}
}

func TestSSTableGetFindsEveryKey(t *testing.T) {
	entries := sortedEntries()
	r, _ := buildTable(t, CompressionNone, entries)

	for i, e := range entries {
		ik := dbformat.MakeInternalKey([]byte(e[0]), dbformat.SequenceNumber(i+1), dbformat.TypeValue)
		v, ok, err := r.Get(ik)
		if err != nil {
			t.Fatalf("Get(%s): %v", e[0], err)
		}
		if !ok || string(v) != e[1] {
			t.Fatalf("Get(%s) = (%q, %v), want (%q, true)", e[0], v, ok, e[1])
		}
	}
}

func TestSSTableGetMissingKey(t *testing.T) {
	r, _ := buildTable(t, CompressionNone, sortedEntries())
	ik := dbformat.MakeInternalKey([]byte("zzz-missing"), dbformat.MaxSequenceNumber, dbformat.TypeValue)
	_, ok, err := r.Get(ik)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected a miss for an absent key")
	}
}

func TestSSTableIteratorOrder(t *testing.T) {
	entries := sortedEntries()
	r, _ := buildTable(t, CompressionNone, entries)

	it := r.NewIterator()
	it.SeekToFirst()
	var got []string
	for it.Valid() {
		uk, _, _, _ := dbformat.ParseInternalKey(it.Key())
		got = append(got, string(uk))
		it.Next()
	}
	if it.Err() != nil {
		t.Fatalf("iterator error: %v", it.Err())
	}
	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSSTableIteratorSeek(t *testing.T) {
	entries := sortedEntries()
	r, _ := buildTable(t, CompressionNone, entries)

	it := r.NewIterator()
	target := dbformat.MakeInternalKey([]byte("charlie"), dbformat.MaxSequenceNumber, dbformat.TypeValue)
	it.Seek(target)
	if !it.Valid() {
		t.Fatalf("expected a valid position after Seek")
	}
	uk, _, _, _ := dbformat.ParseInternalKey(it.Key())
	if string(uk) != "charlie" {
		t.Fatalf("expected to land on charlie, got %s", uk)
	}
}

func TestSSTableCompressionRoundTrip(t *testing.T) {
	for _, ct := range []CompressionType{CompressionNone, CompressionSnappy, CompressionZstd} {
		entries := sortedEntries()
		r, _ := buildTable(t, ct, entries)
		ik := dbformat.MakeInternalKey([]byte("delta"), 4, dbformat.TypeValue)
		v, ok, err := r.Get(ik)
		if err != nil || !ok || string(v) != "4" {
			t.Fatalf("compression %d: Get(delta) = (%q, %v, %v)", ct, v, ok, err)
		}
	}
}

func TestSSTableLongKeysSurviveFooter(t *testing.T) {
	longKey := bytes.Repeat([]byte("k"), 300)
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{FileNumber: 1, ExpectedNumKeys: 1})
	ik := dbformat.MakeInternalKey(longKey, 1, dbformat.TypeValue)
	if err := w.Add(ik, []byte("v")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	smallest, largest, size, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(smallest) != len(ik) || len(largest) != len(ik) {
		t.Fatalf("expected the long key to round-trip without truncation, got smallest len %d largest len %d want %d", len(smallest), len(largest), len(ik))
	}

	r, err := Open(memReaderAt{buf.Bytes()}, size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(r.Smallest) != len(ik) {
		t.Fatalf("reader reports truncated smallest key: got %d want %d", len(r.Smallest), len(ik))
	}
}

func TestSSTableMultiBlockSpansIndex(t *testing.T) {
	var entries [][2]string
	for i := 0; i < 200; i++ {
		entries = append(entries, [2]string{fmt.Sprintf("key-%04d", i), "v"})
	}
	r, _ := buildTable(t, CompressionNone, entries)
	it := r.NewIterator()
	it.SeekToFirst()
	count := 0
	for it.Valid() {
		count++
		it.Next()
	}
	if count != len(entries) {
		t.Fatalf("expected %d entries across multiple blocks, iterated %d", len(entries), count)
	}
}
