package table

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/blentle/lsmtree/internal/dbformat"
)

type footer struct {
	indexOffset, indexSize   int64
	fileNumber               uint64
	filterOffset, filterSize int64
	smallest, largest        []byte
}

// parseFooter parses the footer at the end of tail, the trailing bytes of
// a table file. The footer is variable-length (the fixed part plus two
// embedded keys plus a trailing crc32), so callers read a generous tail
// and parseFooter locates the fixed part inside it: the offset whose
// declared key lengths end exactly at the end of tail and whose checksum
// matches.
func parseFooter(tail []byte) (footer, error) {
	if len(tail) < fixedFooterSize+4 {
		return footer{}, fmt.Errorf("table: footer too short")
	}
	for start := len(tail) - fixedFooterSize - 4; start >= 0; start-- {
		sl := int(binary.LittleEndian.Uint32(tail[start+40 : start+44]))
		ll := int(binary.LittleEndian.Uint32(tail[start+44 : start+48]))
		if start+fixedFooterSize+sl+ll+4 != len(tail) {
			continue
		}
		if crc32.ChecksumIEEE(tail[start:len(tail)-4]) == binary.LittleEndian.Uint32(tail[len(tail)-4:]) {
			tail = tail[start:]
			break
		}
	}
	smallestLen := int(binary.LittleEndian.Uint32(tail[40:44]))
	largestLen := int(binary.LittleEndian.Uint32(tail[44:48]))
	total := fixedFooterSize + smallestLen + largestLen + 4
	if len(tail) < total {
		return footer{}, fmt.Errorf("table: footer shorter than declared key lengths")
	}
	body := tail[:total]
	wantCRC := binary.LittleEndian.Uint32(body[total-4:])
	if crc32.ChecksumIEEE(body[:total-4]) != wantCRC {
		return footer{}, fmt.Errorf("table: footer checksum mismatch")
	}

	f := footer{
		indexOffset:  int64(binary.LittleEndian.Uint64(tail[0:8])),
		indexSize:    int64(binary.LittleEndian.Uint64(tail[8:16])),
		fileNumber:   binary.LittleEndian.Uint64(tail[16:24]),
		filterOffset: int64(binary.LittleEndian.Uint64(tail[24:32])),
		filterSize:   int64(binary.LittleEndian.Uint64(tail[32:40])),
	}
	f.smallest = append([]byte(nil), tail[fixedFooterSize:fixedFooterSize+smallestLen]...)
	f.largest = append([]byte(nil), tail[fixedFooterSize+smallestLen:fixedFooterSize+smallestLen+largestLen]...)
	return f, nil
}

// maxFooterTail is a generous upper bound on footer size used when we
// only have a ReaderAt and must guess how many trailing bytes to fetch
// before we know the embedded key lengths.
const maxFooterTail = fixedFooterSize + 4 + 2*1024

// Reader provides point lookups and iteration over one table file.
type Reader struct {
	ra       io.ReaderAt
	size     int64
	ft       footer
	index    *blockReader
	filter   *bloomFilter
	Smallest []byte
	Largest  []byte
}

// Open parses the footer, filter, and index blocks of a table file. ra
// must support reads over the whole size-byte extent.
func Open(ra io.ReaderAt, size int64) (*Reader, error) {
	tailLen := int64(maxFooterTail)
	if tailLen > size {
		tailLen = size
	}
	tail := make([]byte, tailLen)
	if _, err := ra.ReadAt(tail, size-tailLen); err != nil && err != io.EOF {
		return nil, fmt.Errorf("table: reading footer: %w", err)
	}

	ft, err := parseFooter(tail)
	if err != nil {
		return nil, err
	}

	filterRaw := make([]byte, ft.filterSize)
	if _, err := ra.ReadAt(filterRaw, ft.filterOffset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("table: reading filter block: %w", err)
	}
	filter, err := decodeBloomFilter(filterRaw)
	if err != nil {
		return nil, err
	}

	indexRaw := make([]byte, ft.indexSize)
	if _, err := ra.ReadAt(indexRaw, ft.indexOffset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("table: reading index block: %w", err)
	}
	indexDecompressed, err := decompressBlock(indexRaw)
	if err != nil {
		return nil, fmt.Errorf("table: decompressing index block: %w", err)
	}
	index, err := newBlockReader(indexDecompressed)
	if err != nil {
		return nil, fmt.Errorf("table: parsing index block: %w", err)
	}

	return &Reader{
		ra:       ra,
		size:     size,
		ft:       ft,
		index:    index,
		filter:   filter,
		Smallest: ft.smallest,
		Largest:  ft.largest,
	}, nil
}

func (r *Reader) FileNumber() uint64 { return r.ft.fileNumber }

// MayContain reports whether userKey could be present in this table,
// consulting only the bloom filter; a false result means the key is
// definitely absent and callers can skip the block search entirely, while
// true still requires an actual lookup to confirm (the filter can false
// positive).
func (r *Reader) MayContain(userKey []byte) bool { return r.filter.mayContain(userKey) }

func (r *Reader) readDataBlock(handleValue []byte) (*blockReader, error) {
	off, n := readVarint(handleValue)
	if n == 0 {
		return nil, fmt.Errorf("table: bad block handle offset")
	}
	length, n2 := readVarint(handleValue[n:])
	if n2 == 0 {
		return nil, fmt.Errorf("table: bad block handle length")
	}
	raw := make([]byte, length)
	if _, err := r.ra.ReadAt(raw, int64(off)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("table: reading data block: %w", err)
	}
	decompressed, err := decompressBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("table: decompressing data block: %w", err)
	}
	return newBlockReader(decompressed)
}

// Get looks up internalKey exactly, returning ok=false if no entry with
// that exact internal key exists. Callers needing "newest visible
// version" semantics should use NewIterator/Seek and inspect the parsed
// sequence number instead, since tables can hold multiple versions of a
// user key.
func (r *Reader) Get(internalKey []byte) (value []byte, ok bool, err error) {
	userKey := dbformat.ExtractUserKey(internalKey)
	if !r.filter.mayContain(userKey) {
		return nil, false, nil
	}

	idxIter := r.index.newIterator()
	idxIter.Seek(internalKey, dbformat.Compare)
	if !idxIter.Valid() {
		return nil, false, nil
	}

	dataBlock, err := r.readDataBlock(idxIter.Value())
	if err != nil {
		return nil, false, err
	}
	it := dataBlock.newIterator()
	it.Seek(internalKey, dbformat.Compare)
	if it.Valid() && dbformat.Compare(it.Key(), internalKey) == 0 {
		return append([]byte(nil), it.Value()...), true, nil
	}
	return nil, false, nil
}

// Iterator walks every entry of a table file in ascending internal-key
// order.
type Iterator struct {
	r       *Reader
	idxIter *blockIter
	dataIt  *blockIter
	err     error
}

func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, idxIter: r.index.newIterator()}
}

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) loadDataBlock() bool {
	if !it.idxIter.Valid() {
		it.dataIt = nil
		return false
	}
	br, err := it.r.readDataBlock(it.idxIter.Value())
	if err != nil {
		it.err = err
		it.dataIt = nil
		return false
	}
	it.dataIt = br.newIterator()
	return true
}

func (it *Iterator) SeekToFirst() {
	it.idxIter.SeekToFirst()
	if it.loadDataBlock() {
		it.dataIt.SeekToFirst()
		if !it.dataIt.Valid() {
			it.advanceBlock()
		}
	}
}

func (it *Iterator) advanceBlock() {
	for {
		it.idxIter.Next()
		if !it.idxIter.Valid() {
			it.dataIt = nil
			return
		}
		if it.loadDataBlock() {
			it.dataIt.SeekToFirst()
			if it.dataIt.Valid() {
				return
			}
		}
	}
}

func (it *Iterator) Next() {
	if it.dataIt == nil {
		return
	}
	it.dataIt.Next()
	if !it.dataIt.Valid() {
		it.advanceBlock()
	}
}

// Seek positions the iterator at the first entry whose internal key is
// >= target.
func (it *Iterator) Seek(target []byte) {
	it.idxIter.Seek(target, dbformat.Compare)
	if !it.loadDataBlock() {
		return
	}
	it.dataIt.Seek(target, dbformat.Compare)
	if !it.dataIt.Valid() {
		it.advanceBlock()
	}
}

func (it *Iterator) Valid() bool   { return it.dataIt != nil && it.dataIt.Valid() }
func (it *Iterator) Key() []byte   { return it.dataIt.Key() }
func (it *Iterator) Value() []byte { return it.dataIt.Value() }

// ApproximateOffsetOf estimates the byte offset of userKey within the
// file, used by the engine's size-estimation API.
func (r *Reader) ApproximateOffsetOf(userKey []byte) int64 {
	target := dbformat.MakeInternalKey(userKey, dbformat.MaxSequenceNumber, dbformat.TypeValue)
	idxIter := r.index.newIterator()
	idxIter.Seek(target, dbformat.Compare)
	if !idxIter.Valid() {
		return r.ft.indexOffset
	}
	off, _ := readVarint(idxIter.Value())
	return int64(off)
}
