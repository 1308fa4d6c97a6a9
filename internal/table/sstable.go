package table

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/golang/snappy"

	"github.com/blentle/lsmtree/internal/dbformat"
)

// CompressionType selects the per-block compressor. Block compression is
// optional and chosen per table: the writer compresses every data block
// of a table with the same codec, and each block also starts with a type
// byte naming its codec, which the reader uses to decompress it.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
)

// fixedFooterSize is the fixed-length portion: indexOffset, indexSize,
// fileNumber, filterOffset, filterSize (8 bytes each), smallestLen,
// largestLen (4 bytes each) — the variable-length keys and the trailing
// crc32 come after.
const fixedFooterSize = 5*8 + 2*4

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

func compressBlock(data []byte, ct CompressionType) []byte {
	var body []byte
	switch ct {
	case CompressionSnappy:
		body = snappy.Encode(nil, data)
	case CompressionZstd:
		body = zstdEncoder.EncodeAll(data, nil)
	default:
		body = data
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(ct)
	copy(out[1:], body)
	return out
}

func decompressBlock(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("table: empty compressed block")
	}
	ct := CompressionType(raw[0])
	body := raw[1:]
	switch ct {
	case CompressionNone:
		return body, nil
	case CompressionSnappy:
		return snappy.Decode(nil, body)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("table: unknown compression type %d", ct)
	}
}

// Writer builds one sorted table file. Keys must be added in ascending
// internal-key order.
type Writer struct {
	w       io.Writer
	offset  int64
	ct      CompressionType
	fileNum uint64

	dataBlock  *blockBuilder
	indexBlock *blockBuilder
	filter     *bloomFilter

	pendingIndexKey   []byte
	pendingIndexEntry []byte
	havePending       bool

	smallest []byte
	largest  []byte

	blockSizeTarget int
}

type WriterOptions struct {
	Compression     CompressionType
	FileNumber      uint64
	BlockSize       int
	BloomFPRate     float64
	ExpectedNumKeys int
}

func NewWriter(w io.Writer, opts WriterOptions) *Writer {
	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = 4096
	}
	fpRate := opts.BloomFPRate
	if fpRate <= 0 {
		fpRate = 0.01
	}
	return &Writer{
		w:               w,
		ct:              opts.Compression,
		fileNum:         opts.FileNumber,
		dataBlock:       newBlockBuilder(),
		indexBlock:      newBlockBuilder(),
		filter:          newBloomFilter(maxInt(opts.ExpectedNumKeys, 64), fpRate),
		blockSizeTarget: blockSize,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// appendVarint appends n as an unsigned varint, used to encode block
// handles (offset, length) in the index block's values.
func appendVarint(dst []byte, n int) []byte {
	var buf [binary.MaxVarintLen64]byte
	w := binary.PutUvarint(buf[:], uint64(n))
	return append(dst, buf[:w]...)
}

func readVarint(b []byte) (int, int) {
	v, n := binary.Uvarint(b)
	return int(v), n
}

// Add appends one entry. internalKey must be >= every previously added
// key.
func (w *Writer) Add(internalKey, value []byte) error {
	if w.smallest == nil {
		w.smallest = append([]byte(nil), internalKey...)
	}
	w.largest = append(w.largest[:0], internalKey...)

	if w.havePending {
		if err := w.flushPendingIndexEntry(internalKey); err != nil {
			return err
		}
	}

	userKey := dbformat.ExtractUserKey(internalKey)
	w.filter.add(userKey)
	w.dataBlock.add(internalKey, value)

	if w.dataBlock.buf.Len() >= w.blockSizeTarget {
		if err := w.flushDataBlock(internalKey); err != nil {
			return err
		}
	}
	return nil
}

// flushDataBlock writes the current data block to the underlying writer
// and stages an index entry pointing at it. The index entry is staged
// rather than written immediately because LevelDB-style tables use a
// short separator (not the full next key) between the last key of this
// block and the first key of the next, which we only know once we see it;
// we approximate that by using lastKey itself, which is simpler than
// computing a true short separator and still correct.
func (w *Writer) flushDataBlock(lastKey []byte) error {
	block := w.dataBlock.finish()
	compressed := compressBlock(block, w.ct)

	handle := appendVarint(appendVarint(nil, int(w.offset)), len(compressed))
	if _, err := w.w.Write(compressed); err != nil {
		return err
	}
	w.offset += int64(len(compressed))

	w.pendingIndexKey = append([]byte(nil), lastKey...)
	w.pendingIndexEntry = handle
	w.havePending = true

	w.dataBlock = newBlockBuilder()
	return nil
}

func (w *Writer) flushPendingIndexEntry(_ []byte) error {
	w.indexBlock.add(w.pendingIndexKey, w.pendingIndexEntry)
	w.havePending = false
	return nil
}

// Finish flushes any buffered data, writes the filter and index blocks
// and the footer, and returns the file's key range and total size.
func (w *Writer) Finish() (smallest, largest []byte, size int64, err error) {
	if !w.dataBlock.empty() {
		if err = w.flushDataBlock(w.largest); err != nil {
			return nil, nil, 0, err
		}
	}
	if w.havePending {
		if err = w.flushPendingIndexEntry(nil); err != nil {
			return nil, nil, 0, err
		}
	}

	filterOffset := w.offset
	filterBytes := w.filter.encode()
	if _, err = w.w.Write(filterBytes); err != nil {
		return nil, nil, 0, err
	}
	w.offset += int64(len(filterBytes))
	filterSize := int64(len(filterBytes))

	indexOffset := w.offset
	indexBytes := w.indexBlock.finish()
	compressedIndex := compressBlock(indexBytes, CompressionNone)
	if _, err = w.w.Write(compressedIndex); err != nil {
		return nil, nil, 0, err
	}
	w.offset += int64(len(compressedIndex))
	indexSize := int64(len(compressedIndex))

	footer := buildFooter(indexOffset, indexSize, w.fileNum, filterOffset, filterSize, w.smallest, w.largest)

	if _, err = w.w.Write(footer); err != nil {
		return nil, nil, 0, err
	}
	w.offset += int64(len(footer))

	return w.smallest, w.largest, w.offset, nil
}

func buildFooter(indexOffset, indexSize int64, fileNum uint64, filterOffset, filterSize int64, smallest, largest []byte) []byte {
	buf := make([]byte, fixedFooterSize, fixedFooterSize+len(smallest)+len(largest)+4)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(indexSize))
	binary.LittleEndian.PutUint64(buf[16:24], fileNum)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(filterOffset))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(filterSize))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(smallest)))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(len(largest)))
	buf = append(buf, smallest...)
	buf = append(buf, largest...)
	crc := crc32.ChecksumIEEE(buf)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	return append(buf, crcBuf[:]...)
}
