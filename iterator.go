package lsmtree

import (
	"github.com/blentle/lsmtree/internal/dberrors"
	"github.com/blentle/lsmtree/internal/dbformat"
	"github.com/blentle/lsmtree/internal/version"
)

// sourceIter is the common shape of every internal-key iterator the
// engine-level Iterator merges over: the memtable's, and each table
// file's.
type sourceIter interface {
	SeekToFirst()
	Seek(target []byte)
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
}

// memIterAdapter adapts memtable.Iterator (whose Seek takes an already
// internal-key-shaped target) to sourceIter.
type memIterAdapter struct{ it interface {
	SeekToFirst()
	SeekToLast()
	Seek(target []byte)
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
} }

func (a memIterAdapter) SeekToFirst()      { a.it.SeekToFirst() }
func (a memIterAdapter) Seek(t []byte)     { a.it.Seek(t) }
func (a memIterAdapter) Valid() bool       { return a.it.Valid() }
func (a memIterAdapter) Next()             { a.it.Next() }
func (a memIterAdapter) Key() []byte       { return a.it.Key() }
func (a memIterAdapter) Value() []byte     { return a.it.Value() }

// tableIterAdapter adapts table.Iterator to sourceIter.
type tableIterAdapter struct{ it interface {
	SeekToFirst()
	Seek(target []byte)
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
} }

func (a tableIterAdapter) SeekToFirst()  { a.it.SeekToFirst() }
func (a tableIterAdapter) Seek(t []byte) { a.it.Seek(t) }
func (a tableIterAdapter) Valid() bool   { return a.it.Valid() }
func (a tableIterAdapter) Next()         { a.it.Next() }
func (a tableIterAdapter) Key() []byte   { return a.it.Key() }
func (a tableIterAdapter) Value() []byte { return a.it.Value() }

// Iterator walks distinct user keys in ascending order as of the
// snapshot it was created with: one entry per user key (the newest
// internal key with sequence <= the pinned read sequence), skipping
// tombstoned keys entirely. It reflects exactly the state at
// construction time; writes and compactions afterward are invisible to
// it, since it holds its own references to the memtable(s) and Version
// it was built from.
type Iterator struct {
	db      *DB
	rs      readSnapshot
	readSeq dbformat.SequenceNumber
	sources []sourceIter
	valid   []bool
	current int
	closers []func()

	curUserKey []byte
	curValue   []byte

	positioned bool
}

// NewIterator builds an iterator pinned to the database's current state,
// or to snap if non-nil.
func (db *DB) NewIterator(ro ReadOptions, snap *Snapshot) (*Iterator, error) {
	rs := db.pinReadSnapshot(ro, snap)

	it := &Iterator{db: db, rs: rs, readSeq: rs.seq}
	it.sources = append(it.sources, memIterAdapter{it: rs.mem.NewIterator()})
	if rs.imm != nil {
		it.sources = append(it.sources, memIterAdapter{it: rs.imm.NewIterator()})
	}

	for level := 0; level < version.NumLevels; level++ {
		for _, meta := range rs.v.Files[level] {
			reader, closeFn, err := db.openTable(meta.FileNumber)
			if err != nil {
				it.Close()
				return nil, err
			}
			it.closers = append(it.closers, closeFn)
			it.sources = append(it.sources, tableIterAdapter{it: reader.NewIterator()})
		}
	}

	it.valid = make([]bool, len(it.sources))
	it.current = -1
	return it, nil
}

// Close releases the Version and table file handles the iterator pinned.
// Callers must call Close when done iterating.
func (it *Iterator) Close() error {
	for _, c := range it.closers {
		c()
	}
	it.db.releaseReadSnapshot(it.rs)
	return nil
}

func (it *Iterator) advanceAllTo(positionFn func(s sourceIter)) {
	for i, s := range it.sources {
		positionFn(s)
		it.valid[i] = s.Valid()
	}
	it.settleOnNextUserKey()
}

// SeekToFirst positions the iterator at the smallest live user key.
func (it *Iterator) SeekToFirst() {
	it.positioned = true
	it.advanceAllTo(func(s sourceIter) { s.SeekToFirst() })
}

// Seek positions the iterator at the first live user key >= userKey.
func (it *Iterator) Seek(userKey []byte) {
	it.positioned = true
	target := dbformat.MakeInternalKey(userKey, it.readSeq, dbformat.TypeValue)
	it.advanceAllTo(func(s sourceIter) { s.Seek(target) })
}

// settleOnNextUserKey finds the smallest user key among valid sources
// with sequence <= readSeq, consumes every internal key for that user
// key across all sources (so the next call starts past it), and leaves
// the iterator either exhausted or positioned with Key()/Value()
// readable, skipping tombstoned keys.
func (it *Iterator) settleOnNextUserKey() {
	for {
		smallest := -1
		for i, ok := range it.valid {
			if !ok {
				continue
			}
			it.skipNewerThanReadSeq(i)
			if !it.valid[i] {
				continue
			}
			// Compare full internal keys, not just the user key: for two
			// sources positioned on the same user key, this also orders by
			// sequence descending, so the newest version is what gets
			// selected and consumed first rather than whichever source
			// happens to have the lower index.
			if smallest == -1 || dbformat.Compare(it.sources[i].Key(), it.sources[smallest].Key()) < 0 {
				smallest = i
			}
		}
		if smallest == -1 {
			it.current = -1
			return
		}

		userKey := append([]byte(nil), dbformat.ExtractUserKey(it.sources[smallest].Key())...)
		_, _, vt, _ := dbformat.ParseInternalKey(it.sources[smallest].Key())
		value := append([]byte(nil), it.sources[smallest].Value()...)

		// Consume every remaining source entry for this user key so the
		// next call starts past it, regardless of which source held the
		// newest version.
		for i, ok := range it.valid {
			if !ok {
				continue
			}
			for it.valid[i] {
				it.skipNewerThanReadSeq(i)
				if !it.valid[i] {
					break
				}
				if !equalBytes(dbformat.ExtractUserKey(it.sources[i].Key()), userKey) {
					break
				}
				it.sources[i].Next()
				it.valid[i] = it.sources[i].Valid()
			}
		}

		if vt == dbformat.TypeDeletion {
			continue // tombstoned: move on to the next user key
		}

		it.curUserKey = userKey
		it.curValue = value
		it.current = smallest
		return
	}
}

// skipNewerThanReadSeq advances source i past any entries whose sequence
// exceeds readSeq (writes invisible to this snapshot).
func (it *Iterator) skipNewerThanReadSeq(i int) {
	for it.valid[i] {
		_, seq, _, ok := dbformat.ParseInternalKey(it.sources[i].Key())
		if !ok || seq <= it.readSeq {
			return
		}
		it.sources[i].Next()
		it.valid[i] = it.sources[i].Valid()
	}
}

func (it *Iterator) Next() {
	if !it.positioned {
		panic("lsmtree: Next called before SeekToFirst/Seek")
	}
	it.settleOnNextUserKey()
}

func (it *Iterator) Valid() bool { return it.current != -1 }

func (it *Iterator) Key() ([]byte, error) {
	if !it.Valid() {
		return nil, dberrors.ErrIteratorOutOfRange
	}
	return it.curUserKey, nil
}

func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, dberrors.ErrIteratorOutOfRange
	}
	return it.curValue, nil
}
