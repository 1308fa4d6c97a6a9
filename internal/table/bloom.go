package table

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"

	"github.com/spaolacci/murmur3"
)

// bloomFilter is a fixed-size filter serialized alongside a table's index
// block. The double-hashing scheme (two independent 64-bit hashes
// combined to synthesize k probe positions) and the wire layout are
// grounded in the teacher's bloom_filter.go; unlike the teacher, probing
// is stateless so reading back a filter never needs its construction
// parameters beyond what's stored on disk.
type bloomFilter struct {
	bits     []byte
	numBits  uint32
	numHash  int
	keyCount uint32
}

func newBloomFilter(numEntries int, falsePositiveRate float64) *bloomFilter {
	numBits := optimalBitSize(numEntries, falsePositiveRate)
	numHash := optimalNumHashes(numEntries, numBits)
	return &bloomFilter{
		bits:    make([]byte, (numBits+7)/8),
		numBits: numBits,
		numHash: numHash,
	}
}

func optimalBitSize(n int, p float64) uint32 {
	if n <= 0 || p <= 0 || p >= 1 {
		return 1024
	}
	bits := float64(-n) * math.Log(p) / (math.Log(2) * math.Log(2))
	return uint32(math.Ceil(bits))
}

func optimalNumHashes(n int, m uint32) int {
	if n <= 0 || m == 0 {
		return 4
	}
	k := float64(m) / float64(n) * math.Log(2)
	if k < 1 {
		return 1
	}
	return int(math.Ceil(k))
}

func hashPair(key []byte) (uint64, uint64) {
	h1 := murmur3.New64()
	h1.Write(key)
	var h2 hash.Hash64 = fnv.New64()
	h2.Write(key)
	return h1.Sum64(), h2.Sum64()
}

func (bf *bloomFilter) add(key []byte) {
	h1, h2 := hashPair(key)
	for i := 0; i < bf.numHash; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(bf.numBits)
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
	bf.keyCount++
}

func (bf *bloomFilter) mayContain(key []byte) bool {
	if bf.numBits == 0 {
		return true
	}
	h1, h2 := hashPair(key)
	for i := 0; i < bf.numHash; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(bf.numBits)
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// encode serializes the filter as numBits(4) || numHash(4) || keyCount(4)
// || bitsLen(4) || bits.
func (bf *bloomFilter) encode() []byte {
	buf := make([]byte, 16+len(bf.bits))
	binary.LittleEndian.PutUint32(buf[0:4], bf.numBits)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bf.numHash))
	binary.LittleEndian.PutUint32(buf[8:12], bf.keyCount)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(bf.bits)))
	copy(buf[16:], bf.bits)
	return buf
}

func decodeBloomFilter(data []byte) (*bloomFilter, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("table: bloom filter block too short")
	}
	numBits := binary.LittleEndian.Uint32(data[0:4])
	numHash := int(binary.LittleEndian.Uint32(data[4:8]))
	keyCount := binary.LittleEndian.Uint32(data[8:12])
	bitsLen := binary.LittleEndian.Uint32(data[12:16])
	if len(data) < 16+int(bitsLen) {
		return nil, fmt.Errorf("table: bloom filter data length mismatch")
	}
	bits := make([]byte, bitsLen)
	copy(bits, data[16:16+bitsLen])
	return &bloomFilter{bits: bits, numBits: numBits, numHash: numHash, keyCount: keyCount}, nil
}
