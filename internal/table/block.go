// Package table implements the on-disk sorted table (SST) format: blocks
// of prefix-compressed key/value entries with periodic restart points for
// binary search, a bloom filter block, and a variable-length footer (fixed
// fields, the table's smallest and largest keys, and a checksum).
//
// The block format is grounded in the teacher's block_reader.go, corrected
// to actually prepend the shared prefix when reconstructing a key — the
// teacher's reader drops it and returns only the suffix.
package table

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// restartInterval is how many entries separate consecutive restart
// points, where a full (uncompressed) key is written.
const restartInterval = 16

// blockBuilder accumulates prefix-compressed entries for one block.
type blockBuilder struct {
	buf           bytes.Buffer
	restarts      []uint32
	lastKey       []byte
	entriesInSpan int
}

func newBlockBuilder() *blockBuilder {
	b := &blockBuilder{}
	b.restarts = append(b.restarts, 0)
	return b
}

func (b *blockBuilder) add(key, value []byte) {
	shared := 0
	if b.entriesInSpan < restartInterval {
		shared = sharedPrefixLen(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
		b.entriesInSpan = 0
	}
	nonShared := len(key) - shared

	var hdr [binary.MaxVarintLen64 * 3]byte
	n := binary.PutUvarint(hdr[0:], uint64(shared))
	n += binary.PutUvarint(hdr[n:], uint64(nonShared))
	n += binary.PutUvarint(hdr[n:], uint64(len(value)))
	b.buf.Write(hdr[:n])
	b.buf.Write(key[shared:])
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.entriesInSpan++
}

func (b *blockBuilder) empty() bool { return b.buf.Len() == 0 }

// finish appends the restart-point trailer and returns the full block
// contents: entries || restarts (4 bytes each) || count(4) || crc32(4).
func (b *blockBuilder) finish() []byte {
	for _, r := range b.restarts {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], r)
		b.buf.Write(buf[:])
	}
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(b.restarts)))
	b.buf.Write(countBuf[:])

	crc := crc32.ChecksumIEEE(b.buf.Bytes())
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	b.buf.Write(crcBuf[:])

	return b.buf.Bytes()
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// blockReader iterates the entries of one decoded block.
type blockReader struct {
	data     []byte
	restarts []uint32

	entryEnds []int // cumulative end offsets of entry 0..i, lazily grown
}

func newBlockReader(data []byte) (*blockReader, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("table: block too short: %d bytes", len(data))
	}
	body := data[:len(data)-8]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(data[:len(data)-4]) != wantCRC {
		return nil, fmt.Errorf("table: block checksum mismatch")
	}
	count := binary.LittleEndian.Uint32(data[len(data)-8 : len(data)-4])
	restartsStart := len(body) - int(count)*4
	if restartsStart < 0 {
		return nil, fmt.Errorf("table: invalid restart count %d", count)
	}
	restarts := make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		restarts[i] = binary.LittleEndian.Uint32(body[restartsStart+int(i)*4:])
	}
	return &blockReader{data: body[:restartsStart], restarts: restarts}, nil
}

type blockEntry struct {
	key   []byte
	value []byte
}

// decodeEntryAt parses a single entry at byte offset pos given the
// preceding full key (for prefix expansion), returning the entry and the
// offset of the next one.
func decodeEntryAt(data []byte, pos int, prevKey []byte) (blockEntry, int, error) {
	shared, n1 := binary.Uvarint(data[pos:])
	if n1 <= 0 {
		return blockEntry{}, 0, fmt.Errorf("table: bad shared varint at %d", pos)
	}
	pos += n1
	nonShared, n2 := binary.Uvarint(data[pos:])
	if n2 <= 0 {
		return blockEntry{}, 0, fmt.Errorf("table: bad nonshared varint at %d", pos)
	}
	pos += n2
	valLen, n3 := binary.Uvarint(data[pos:])
	if n3 <= 0 {
		return blockEntry{}, 0, fmt.Errorf("table: bad valuelen varint at %d", pos)
	}
	pos += n3

	end := pos + int(nonShared) + int(valLen)
	if end > len(data) {
		return blockEntry{}, 0, fmt.Errorf("table: entry exceeds block bounds")
	}

	key := make([]byte, 0, int(shared)+int(nonShared))
	if int(shared) > len(prevKey) {
		return blockEntry{}, 0, fmt.Errorf("table: shared prefix longer than previous key")
	}
	key = append(key, prevKey[:shared]...)
	key = append(key, data[pos:pos+int(nonShared)]...)
	value := data[pos+int(nonShared) : end]

	return blockEntry{key: key, value: value}, end, nil
}

// blockIter walks a block's entries in order, supporting Seek via the
// restart points (binary search for the containing span, then a linear
// scan within it — exactly the two-phase lookup restart points exist
// for).
type blockIter struct {
	br      *blockReader
	pos     int // byte offset of current entry, or -1 before start
	cur     blockEntry
	lastKey []byte
	valid   bool
}

func (br *blockReader) newIterator() *blockIter {
	return &blockIter{br: br, pos: -1}
}

func (it *blockIter) SeekToFirst() {
	it.lastKey = nil
	it.pos = 0
	it.advanceFrom(0, nil)
}

func (it *blockIter) advanceFrom(pos int, prevKey []byte) {
	if pos >= len(it.br.data) {
		it.valid = false
		return
	}
	entry, next, err := decodeEntryAt(it.br.data, pos, prevKey)
	if err != nil {
		it.valid = false
		return
	}
	it.cur = entry
	it.lastKey = append(it.lastKey[:0], entry.key...)
	it.pos = next
	it.valid = true
}

func (it *blockIter) Next() {
	if !it.valid {
		return
	}
	it.advanceFrom(it.pos, it.lastKey)
}

// Seek positions at the first entry whose key is >= target, using
// restart points to skip straight to the right span.
func (it *blockIter) Seek(target []byte, cmp func(a, b []byte) int) {
	restarts := it.br.restarts
	lo, hi := 0, len(restarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		entry, _, err := decodeEntryAt(it.br.data, int(restarts[mid]), nil)
		if err != nil {
			break
		}
		if cmp(entry.key, target) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	it.lastKey = nil
	it.advanceFrom(int(restarts[lo]), nil)
	for it.valid && cmp(it.cur.key, target) < 0 {
		it.Next()
	}
}

func (it *blockIter) Valid() bool   { return it.valid }
func (it *blockIter) Key() []byte   { return it.cur.key }
func (it *blockIter) Value() []byte { return it.cur.value }
