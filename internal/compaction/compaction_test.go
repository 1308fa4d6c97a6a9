package compaction

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/blentle/lsmtree/internal/dbformat"
	"github.com/blentle/lsmtree/internal/table"
	"github.com/blentle/lsmtree/internal/version"
)

type memReaderAt struct{ b []byte }

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.b[off:])
	return n, nil
}

func buildTableOrdered(t *testing.T, pairs [][2]string, seqStart int) (*table.Reader, int64) {
	t.Helper()
	var buf bytes.Buffer
	w := table.NewWriter(&buf, table.WriterOptions{FileNumber: 1})
	for i, p := range pairs {
		ik := dbformat.MakeInternalKey([]byte(p[0]), dbformat.SequenceNumber(seqStart+i), dbformat.TypeValue)
		if err := w.Add(ik, []byte(p[1])); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	_, _, size, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	r, err := table.Open(memReaderAt{buf.Bytes()}, size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, size
}

func TestMergingIteratorOrdersByKeyNewestVersionFirst(t *testing.T) {
	newer, _ := buildTableOrdered(t, [][2]string{{"a", "new-a"}, {"b", "new-b"}}, 10)
	older, _ := buildTableOrdered(t, [][2]string{{"a", "old-a"}, {"c", "old-c"}}, 1)

	itNew := newer.NewIterator()
	itOld := older.NewIterator()
	m := newMergingIterator([]sourceIterator{itNew, itOld})
	m.SeekToFirst()

	var gotKeys []string
	var gotVals []string
	for m.Valid() {
		uk, _, _, _ := dbformat.ParseInternalKey(m.Key())
		gotKeys = append(gotKeys, string(uk))
		gotVals = append(gotVals, string(m.Value()))
		m.Next()
	}

	// a appears twice (new then old), b once, c once, in key order.
	wantKeys := []string{"a", "a", "b", "c"}
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("got keys %v, want %v", gotKeys, wantKeys)
	}
	for i := range wantKeys {
		if gotKeys[i] != wantKeys[i] {
			t.Fatalf("got keys %v, want %v", gotKeys, wantKeys)
		}
	}
	if gotVals[0] != "new-a" {
		t.Fatalf("expected the newer table's version of a to sort first, got %q", gotVals[0])
	}
}

func TestRunCompactionDropsSupersededVersionsAndTombstones(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	w := table.NewWriter(&buf, table.WriterOptions{FileNumber: 1})
	mustAdd := func(key string, seq int, del bool, val string) {
		vt := dbformat.TypeValue
		if del {
			vt = dbformat.TypeDeletion
		}
		ik := dbformat.MakeInternalKey([]byte(key), dbformat.SequenceNumber(seq), vt)
		if err := w.Add(ik, []byte(val)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	mustAdd("a", 2, false, "v2")
	mustAdd("a", 1, false, "v1")
	mustAdd("b", 3, true, "")
	_, _, size, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	reader, err := table.Open(memReaderAt{buf.Bytes()}, size)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var nextFile uint64 = 100
	result, err := Run(Options{
		DBDir:          dir,
		TargetLevel:    1,
		NextFileNumber: func() uint64 { nextFile++; return nextFile },
		OldestSnapshot: func() (dbformat.SequenceNumber, bool) { return 0, false },
	}, []Input{{Meta: version.NewFileMetaData(1, size, reader.Smallest, reader.Largest), Reader: reader}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.OutputFiles) != 1 {
		t.Fatalf("expected 1 output file, got %d", len(result.OutputFiles))
	}

	out := result.OutputFiles[0]
	f, err := os.Open(outputPath(dir, out.FileNumber))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	info, _ := f.Stat()
	outReader, err := table.Open(f, info.Size())
	if err != nil {
		t.Fatalf("table.Open output: %v", err)
	}

	it := outReader.NewIterator()
	it.SeekToFirst()
	var keys []string
	for it.Valid() {
		uk, _, vt, _ := dbformat.ParseInternalKey(it.Key())
		if vt == dbformat.TypeDeletion {
			t.Fatalf("tombstone for b should have been dropped (no live snapshot, no overlap above)")
		}
		keys = append(keys, string(uk))
		it.Next()
	}
	if len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("expected only the newest version of a to survive, got %v", keys)
	}
}

func outputPath(dir string, fileNumber uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", fileNumber))
}
