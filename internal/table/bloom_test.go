package table

import "testing"

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := newBloomFilter(1000, 0.01)
	keys := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		k := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		keys = append(keys, k)
		bf.add(k)
	}
	for _, k := range keys {
		if !bf.mayContain(k) {
			t.Fatalf("false negative for key %v", k)
		}
	}
}

func TestBloomFilterEncodeDecodeRoundTrip(t *testing.T) {
	bf := newBloomFilter(100, 0.01)
	bf.add([]byte("hello"))
	bf.add([]byte("world"))

	encoded := bf.encode()
	decoded, err := decodeBloomFilter(encoded)
	if err != nil {
		t.Fatalf("decodeBloomFilter: %v", err)
	}
	if !decoded.mayContain([]byte("hello")) || !decoded.mayContain([]byte("world")) {
		t.Fatalf("decoded filter lost membership of added keys")
	}
}

func TestBloomFilterRejectsMostAbsentKeys(t *testing.T) {
	bf := newBloomFilter(100, 0.01)
	for i := 0; i < 100; i++ {
		bf.add([]byte{byte(i)})
	}
	falsePositives := 0
	for i := 200; i < 500; i++ {
		if bf.mayContain([]byte{byte(i), byte(i >> 8)}) {
			falsePositives++
		}
	}
	if falsePositives > 30 {
		t.Fatalf("expected a low false-positive rate, got %d/300", falsePositives)
	}
}
