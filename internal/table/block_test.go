package table

import (
	"bytes"
	"testing"
)

func TestBlockBuilderReaderRoundTrip(t *testing.T) {
	b := newBlockBuilder()
	entries := [][2]string{
		{"apple", "1"},
		{"applesauce", "2"},
		{"banana", "3"},
		{"cherry", "4"},
	}
	for _, e := range entries {
		b.add([]byte(e[0]), []byte(e[1]))
	}
	data := b.finish()

	br, err := newBlockReader(data)
	if err != nil {
		t.Fatalf("newBlockReader: %v", err)
	}
	it := br.newIterator()
	it.SeekToFirst()
	for _, want := range entries {
		if !it.Valid() {
			t.Fatalf("expected valid iterator for %s", want[0])
		}
		if string(it.Key()) != want[0] || string(it.Value()) != want[1] {
			t.Fatalf("got (%s, %s), want (%s, %s)", it.Key(), it.Value(), want[0], want[1])
		}
		it.Next()
	}
	if it.Valid() {
		t.Fatalf("expected exhausted iterator after the last entry")
	}
}

func TestBlockBuilderRestartPointsBoundPrefixSharing(t *testing.T) {
	b := newBlockBuilder()
	for i := 0; i < restartInterval*3; i++ {
		b.add(bytes.Repeat([]byte("k"), i+1), []byte("v"))
	}
	data := b.finish()
	br, err := newBlockReader(data)
	if err != nil {
		t.Fatalf("newBlockReader: %v", err)
	}
	if len(br.restarts) < 3 {
		t.Fatalf("expected at least 3 restart points for %d entries, got %d", restartInterval*3, len(br.restarts))
	}
}

func TestBlockIterSeek(t *testing.T) {
	b := newBlockBuilder()
	for _, k := range []string{"a", "c", "e", "g", "i"} {
		b.add([]byte(k), []byte(k+k))
	}
	data := b.finish()
	br, err := newBlockReader(data)
	if err != nil {
		t.Fatalf("newBlockReader: %v", err)
	}
	it := br.newIterator()
	it.Seek([]byte("d"), bytes.Compare)
	if !it.Valid() || string(it.Key()) != "e" {
		t.Fatalf("expected seek(d) to land on e, got valid=%v key=%q", it.Valid(), it.Key())
	}

	it.Seek([]byte("z"), bytes.Compare)
	if it.Valid() {
		t.Fatalf("expected seek past the end to be invalid")
	}
}

func TestBlockCorruptionDetected(t *testing.T) {
	b := newBlockBuilder()
	b.add([]byte("k"), []byte("v"))
	data := b.finish()
	data[0] ^= 0xff

	if _, err := newBlockReader(data); err == nil {
		t.Fatalf("expected a checksum error for a corrupted block")
	}
}
