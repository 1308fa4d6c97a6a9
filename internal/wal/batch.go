package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/blentle/lsmtree/internal/dbformat"
)

// batchHeaderSize is seq(8) + count(4), the fixed prefix before the
// sequence of operations.
const batchHeaderSize = 12

// BatchOp is one put or delete inside a write batch.
type BatchOp struct {
	Type  dbformat.ValueType
	Key   []byte
	Value []byte // empty for deletions
}

// Batch accumulates puts and deletes that must be applied atomically and
// assigned consecutive sequence numbers.
type Batch struct {
	ops []BatchOp
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, BatchOp{Type: dbformat.TypeValue, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, BatchOp{Type: dbformat.TypeDeletion, Key: append([]byte(nil), key...)})
}

func (b *Batch) Count() int { return len(b.ops) }

func (b *Batch) Ops() []BatchOp { return b.ops }

func (b *Batch) Reset() { b.ops = b.ops[:0] }

// Encode serializes the batch as seq(8) || count(4) || count x
// {type(1), keyLen varint, key, [valueLen varint, value]}. The deletion
// variant omits the value entirely rather than encoding a zero length, to
// match the wire format documented for write batches.
func Encode(seq dbformat.SequenceNumber, ops []BatchOp) []byte {
	size := batchHeaderSize
	for _, op := range ops {
		size += 1 + varintLen(len(op.Key)) + len(op.Key)
		if op.Type == dbformat.TypeValue {
			size += varintLen(len(op.Value)) + len(op.Value)
		}
	}
	buf := make([]byte, batchHeaderSize, size)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(seq))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(ops)))

	for _, op := range ops {
		buf = append(buf, byte(op.Type))
		buf = appendVarint(buf, len(op.Key))
		buf = append(buf, op.Key...)
		if op.Type == dbformat.TypeValue {
			buf = appendVarint(buf, len(op.Value))
			buf = append(buf, op.Value...)
		}
	}
	return buf
}

// Decode parses the wire format produced by Encode.
func Decode(payload []byte) (seq dbformat.SequenceNumber, ops []BatchOp, err error) {
	if len(payload) < batchHeaderSize {
		return 0, nil, fmt.Errorf("wal: batch payload too short: %d bytes", len(payload))
	}
	seq = dbformat.SequenceNumber(binary.LittleEndian.Uint64(payload[0:8]))
	count := binary.LittleEndian.Uint32(payload[8:12])
	rest := payload[batchHeaderSize:]

	ops = make([]BatchOp, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 1 {
			return 0, nil, fmt.Errorf("wal: truncated batch at op %d of %d", i, count)
		}
		typ := dbformat.ValueType(rest[0])
		rest = rest[1:]

		keyLen, n := readVarint(rest)
		if n == 0 {
			return 0, nil, fmt.Errorf("wal: bad key length varint at op %d", i)
		}
		rest = rest[n:]
		if len(rest) < keyLen {
			return 0, nil, fmt.Errorf("wal: truncated key at op %d", i)
		}
		key := append([]byte(nil), rest[:keyLen]...)
		rest = rest[keyLen:]

		var value []byte
		if typ == dbformat.TypeValue {
			valLen, n := readVarint(rest)
			if n == 0 {
				return 0, nil, fmt.Errorf("wal: bad value length varint at op %d", i)
			}
			rest = rest[n:]
			if len(rest) < valLen {
				return 0, nil, fmt.Errorf("wal: truncated value at op %d", i)
			}
			value = append([]byte(nil), rest[:valLen]...)
			rest = rest[valLen:]
		}

		ops = append(ops, BatchOp{Type: typ, Key: key, Value: value})
	}
	return seq, ops, nil
}

func varintLen(n int) int {
	l := 1
	for n >= 0x80 {
		n >>= 7
		l++
	}
	return l
}

func appendVarint(dst []byte, n int) []byte {
	u := uint64(n)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

func readVarint(b []byte) (int, int) {
	var x uint64
	var s uint
	for i, c := range b {
		if c < 0x80 {
			return int(x | uint64(c)<<s), i + 1
		}
		x |= uint64(c&0x7f) << s
		s += 7
		if s >= 64 {
			return 0, 0
		}
	}
	return 0, 0
}
