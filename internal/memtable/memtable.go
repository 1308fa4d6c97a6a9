// Package memtable implements the in-memory ordered table of recent
// writes, backed by the corpus's zhangyunhao116/skipmap concurrent
// skip-list map rather than a hand-rolled one, ordered by internal key
// (dbformat.Compare) rather than by user key alone.
package memtable

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/blentle/lsmtree/internal/dbformat"
)

// Entry is one live record in the memtable: the decoded key plus its
// value bytes (empty for tombstones).
type Entry struct {
	InternalKey []byte
	Value       []byte
}

// Memtable is an ordered mapping internalKey -> value. It is safe for
// concurrent inserts and lookups; it becomes logically immutable once the
// engine seals it, but nothing here enforces that — callers stop calling
// Insert after sealing.
type Memtable struct {
	index *skipmap.FuncMap[[]byte, []byte]
	size  atomic.Uint64
}

// New creates an empty memtable.
func New() *Memtable {
	return &Memtable{
		index: skipmap.NewFunc[[]byte, []byte](dbformat.Less),
	}
}

// Insert records a write. Tombstones carry a nil/empty value.
func (m *Memtable) Insert(seq dbformat.SequenceNumber, vt dbformat.ValueType, userKey, value []byte) {
	ik := dbformat.MakeInternalKey(userKey, seq, vt)
	v := append([]byte(nil), value...)
	m.index.Store(ik, v)
	m.size.Add(uint64(len(ik) + len(v)))
}

// LookupResult is the outcome of Lookup.
type LookupResult int

const (
	NotFound LookupResult = iota
	Found
	Deleted
)

// Lookup seeks to the first internal key with the given user key and the
// largest sequence number <= readSeq, and reports whether it denotes a
// live value, a tombstone, or no entry at all.
func (m *Memtable) Lookup(userKey []byte, readSeq dbformat.SequenceNumber) (value []byte, result LookupResult) {
	// The first internal key >= (userKey, readSeq, TypeValue) in
	// ascending internal-key order is the newest entry for userKey whose
	// sequence is <= readSeq, since tag order is descending.
	seekKey := dbformat.MakeInternalKey(userKey, readSeq, dbformat.TypeValue)

	found := false
	var foundValue []byte
	var foundType dbformat.ValueType

	m.index.Range(func(key []byte, val []byte) bool {
		if dbformat.Compare(key, seekKey) < 0 {
			return true // keep scanning forward until we reach seekKey's position
		}
		uk, _, vt, ok := dbformat.ParseInternalKey(key)
		if !ok || string(uk) != string(userKey) {
			found = false
			return false
		}
		found = true
		foundValue = val
		foundType = vt
		return false
	})

	if !found {
		return nil, NotFound
	}
	if foundType == dbformat.TypeDeletion {
		return nil, Deleted
	}
	return foundValue, Found
}

// ApproximateSize returns the approximate number of bytes held, used to
// decide when to seal the memtable.
func (m *Memtable) ApproximateSize() uint64 {
	return m.size.Load()
}

// Len reports the number of distinct internal-key entries (not distinct
// user keys — multiple versions of the same key each count once).
func (m *Memtable) Len() int {
	return m.index.Len()
}

// NewIterator returns a frozen, ordered snapshot of the memtable's
// current contents. Because it materializes the entries at call time,
// writes that happen after NewIterator returns are never observed by the
// iterator, which is exactly the pinning behavior the engine's snapshot
// iterators rely on.
func (m *Memtable) NewIterator() *Iterator {
	entries := make([]Entry, 0, m.index.Len())
	m.index.Range(func(key []byte, val []byte) bool {
		entries = append(entries, Entry{InternalKey: key, Value: val})
		return true
	})
	return &Iterator{entries: entries, pos: -1}
}

// Iterator walks a frozen snapshot of memtable entries in internal-key
// order.
type Iterator struct {
	entries []Entry
	pos     int
}

func (it *Iterator) SeekToFirst() { it.pos = 0 }

func (it *Iterator) SeekToLast() { it.pos = len(it.entries) - 1 }

// Seek positions at the first entry whose internal key is >= target.
func (it *Iterator) Seek(target []byte) {
	lo, hi := 0, len(it.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if dbformat.Compare(it.entries[mid].InternalKey, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
}

func (it *Iterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }

func (it *Iterator) Next() { it.pos++ }

func (it *Iterator) Key() []byte { return it.entries[it.pos].InternalKey }

func (it *Iterator) Value() []byte { return it.entries[it.pos].Value }
