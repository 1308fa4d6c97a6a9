// Package snapshot tracks the set of outstanding read snapshots: sequence
// numbers pinned against deletion by compaction until released.
package snapshot

import (
	"container/list"
	"sync"

	"github.com/blentle/lsmtree/internal/dbformat"
)

// Snapshot is an opaque handle a reader holds; it must be released via
// Set.Release when the reader is done.
type Snapshot struct {
	seq dbformat.SequenceNumber
	elt *list.Element
}

func (s *Snapshot) Sequence() dbformat.SequenceNumber { return s.seq }

// Set is an ordered, reference-counted registry of live snapshots, kept
// sorted by sequence number so Oldest is O(1).
type Set struct {
	mu   sync.Mutex
	seqs *list.List // of dbformat.SequenceNumber, ascending
}

func NewSet() *Set {
	return &Set{seqs: list.New()}
}

// New records a new snapshot at the given sequence number.
func (s *Set) New(seq dbformat.SequenceNumber) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var at *list.Element
	for e := s.seqs.Back(); e != nil; e = e.Prev() {
		if e.Value.(dbformat.SequenceNumber) <= seq {
			at = e
			break
		}
	}
	var elt *list.Element
	if at == nil {
		elt = s.seqs.PushFront(seq)
	} else {
		elt = s.seqs.InsertAfter(seq, at)
	}
	return &Snapshot{seq: seq, elt: elt}
}

// Release drops the snapshot's registration, allowing compaction to
// reclaim sequence numbers no longer pinned by anything older.
func (s *Set) Release(snap *Snapshot) {
	if snap == nil || snap.elt == nil {
		return
	}
	s.mu.Lock()
	s.seqs.Remove(snap.elt)
	s.mu.Unlock()
	snap.elt = nil
}

// Oldest returns the smallest live snapshot sequence, or ok=false if none
// are outstanding (in which case a compaction may drop every tombstone
// and every superseded version).
func (s *Set) Oldest() (seq dbformat.SequenceNumber, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := s.seqs.Front()
	if front == nil {
		return 0, false
	}
	return front.Value.(dbformat.SequenceNumber), true
}

func (s *Set) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs.Len() == 0
}
