package wal

import (
	"bytes"
	"io"
	"testing"
)

func TestWriterReaderRoundTripSmallRecords(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	records := [][]byte{
		[]byte("hello"),
		[]byte(""),
		[]byte("a second record"),
	}
	for _, r := range records {
		if err := w.AddRecord(r); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range records {
		got, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("record %d: ReadRecord: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("record %d: got %q want %q", i, got, want)
		}
	}
	if _, err := r.ReadRecord(); err != io.EOF {
		t.Fatalf("expected io.EOF at end, got %v", err)
	}
}

func TestWriterSplitsRecordAcrossBlocks(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	big := bytes.Repeat([]byte("x"), BlockSize*2+100)
	if err := w.AddRecord(big); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	small := []byte("tail record")
	if err := w.AddRecord(small); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	r := NewReader(&buf)
	got, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord big: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("big record mismatch: got len %d want len %d", len(got), len(big))
	}
	got, err = r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord small: %v", err)
	}
	if !bytes.Equal(got, small) {
		t.Fatalf("small record mismatch: got %q want %q", got, small)
	}
}

func TestReaderToleratesTruncatedTail(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.AddRecord([]byte("complete record")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	full := buf.Bytes()
	truncated := full[:len(full)-3]

	var corruptions int
	r := NewReader(bytes.NewReader(truncated))
	r.Corruption = func(int, string) { corruptions++ }

	if _, err := r.ReadRecord(); err != io.EOF {
		t.Fatalf("expected io.EOF on truncated tail, got %v", err)
	}
	if corruptions == 0 {
		t.Fatalf("expected the truncated tail to be reported as corruption")
	}
}

func TestReaderDetectsChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.AddRecord([]byte("abcdef")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := w.AddRecord([]byte("ghijkl")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	corrupted := buf.Bytes()
	corrupted[0] ^= 0xff // flip a byte in the first record's checksum

	var reasons []string
	r := NewReader(bytes.NewReader(corrupted))
	r.Corruption = func(_ int, reason string) { reasons = append(reasons, reason) }

	got, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("expected to recover and read the second record, got err %v", err)
	}
	if string(got) != "ghijkl" {
		t.Fatalf("expected second record to survive corruption of the first, got %q", got)
	}
	if len(reasons) == 0 {
		t.Fatalf("expected a corruption callback for the checksum mismatch")
	}
}
