package snapshot

import "testing"

func TestOldestTracksSmallestLiveSequence(t *testing.T) {
	s := NewSet()
	if _, ok := s.Oldest(); ok {
		t.Fatalf("expected no oldest snapshot on an empty set")
	}

	a := s.New(10)
	b := s.New(5)
	_ = s.New(20)

	seq, ok := s.Oldest()
	if !ok || seq != 5 {
		t.Fatalf("expected oldest=5, got %d ok=%v", seq, ok)
	}

	s.Release(b)
	seq, ok = s.Oldest()
	if !ok || seq != 10 {
		t.Fatalf("expected oldest=10 after releasing 5, got %d ok=%v", seq, ok)
	}

	s.Release(a)
	if s.Empty() {
		t.Fatalf("expected one snapshot (seq 20) to remain")
	}
}

func TestReleaseIsIdempotentAndNilSafe(t *testing.T) {
	s := NewSet()
	a := s.New(1)
	s.Release(a)
	s.Release(a) // must not panic on double release
	s.Release(nil)
	if !s.Empty() {
		t.Fatalf("expected an empty set after releasing the only snapshot")
	}
}
