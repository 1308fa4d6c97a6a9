package wal

import (
	"bytes"
	"testing"

	"github.com/blentle/lsmtree/internal/dbformat"
)

func TestBatchEncodeDecodeRoundTrip(t *testing.T) {
	var b Batch
	b.Put([]byte("foo"), []byte("bar"))
	b.Delete([]byte("baz"))
	b.Put([]byte(""), []byte("empty-key-ok"))

	encoded := Encode(7, b.Ops())
	seq, ops, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if seq != 7 {
		t.Fatalf("seq mismatch: got %d want 7", seq)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(ops))
	}
	if ops[0].Type != dbformat.TypeValue || string(ops[0].Key) != "foo" || string(ops[0].Value) != "bar" {
		t.Fatalf("op 0 mismatch: %+v", ops[0])
	}
	if ops[1].Type != dbformat.TypeDeletion || string(ops[1].Key) != "baz" {
		t.Fatalf("op 1 mismatch: %+v", ops[1])
	}
	if ops[2].Type != dbformat.TypeValue || string(ops[2].Key) != "" || string(ops[2].Value) != "empty-key-ok" {
		t.Fatalf("op 2 mismatch: %+v", ops[2])
	}
}

func TestBatchDecodeRejectsTruncatedPayload(t *testing.T) {
	var b Batch
	b.Put([]byte("k"), []byte("v"))
	encoded := Encode(1, b.Ops())

	if _, _, err := Decode(encoded[:len(encoded)-2]); err == nil {
		t.Fatalf("expected an error decoding a truncated batch")
	}
}

func TestBatchEmptyRoundTrip(t *testing.T) {
	encoded := Encode(3, nil)
	seq, ops, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if seq != 3 || len(ops) != 0 {
		t.Fatalf("expected empty batch at seq 3, got seq=%d ops=%d", seq, len(ops))
	}
}

func TestBatchLargeValueRoundTrip(t *testing.T) {
	var b Batch
	big := bytes.Repeat([]byte("v"), 1<<20)
	b.Put([]byte("k"), big)

	encoded := Encode(1, b.Ops())
	_, ops, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(ops[0].Value, big) {
		t.Fatalf("large value mismatch")
	}
}
