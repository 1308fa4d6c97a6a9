package compaction

import "github.com/blentle/lsmtree/internal/dbformat"

// mergingIterator merges several ascending internal-key iterators into
// one ascending stream using a simple tournament over a small slice —
// compaction inputs number in the tens at most, so a heap isn't needed.
type mergingIterator struct {
	children []sourceIterator
	valid    []bool
	current  int
}

func newMergingIterator(children []sourceIterator) *mergingIterator {
	return &mergingIterator{
		children: children,
		valid:    make([]bool, len(children)),
		current:  -1,
	}
}

func (m *mergingIterator) SeekToFirst() {
	for i, c := range m.children {
		c.SeekToFirst()
		m.valid[i] = c.Valid()
	}
	m.findSmallest()
}

func (m *mergingIterator) findSmallest() {
	m.current = -1
	for i, ok := range m.valid {
		if !ok {
			continue
		}
		if m.current == -1 || dbformat.Compare(m.children[i].Key(), m.children[m.current].Key()) < 0 {
			m.current = i
		}
	}
}

func (m *mergingIterator) Valid() bool { return m.current >= 0 }

func (m *mergingIterator) Key() []byte   { return m.children[m.current].Key() }
func (m *mergingIterator) Value() []byte { return m.children[m.current].Value() }

func (m *mergingIterator) Next() {
	if m.current < 0 {
		return
	}
	m.children[m.current].Next()
	m.valid[m.current] = m.children[m.current].Valid()
	m.findSmallest()
}
