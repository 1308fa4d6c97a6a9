// Package dbformat defines the internal key encoding shared by the
// memtable, the write-ahead log, the table files, and every iterator in
// the engine. It is the one place the byte layout of "user key + sequence
// + value type" is decided; everything else imports it rather than
// re-deriving the encoding.
package dbformat

import (
	"bytes"
	"encoding/binary"
)

// ValueType distinguishes a live value from a tombstone. It occupies the
// low 8 bits of the tag word appended to every internal key.
type ValueType uint8

const (
	TypeDeletion ValueType = 0
	TypeValue    ValueType = 1
)

// SequenceNumber is the monotonically increasing write counter. Only the
// low 56 bits are ever assigned; the top byte is reserved so a
// (sequence, type) pair packs into a single uint64 tag.
type SequenceNumber uint64

// MaxSequenceNumber is the largest sequence a read can request without
// restricting visibility, i.e. "give me the latest value of everything".
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

const tagSize = 8 // bytes appended after the user key

// PackTag combines a sequence number and value type into the 64-bit tag
// stored after the user key in every internal key.
func PackTag(seq SequenceNumber, vt ValueType) uint64 {
	return (uint64(seq) << 8) | uint64(vt)
}

// UnpackTag splits a tag back into its sequence and type.
func UnpackTag(tag uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(tag >> 8), ValueType(tag & 0xff)
}

// AppendInternalKey appends the internal-key encoding of (userKey, seq,
// vt) to dst and returns the extended slice: userKey || tag(8, little
// endian).
func AppendInternalKey(dst []byte, userKey []byte, seq SequenceNumber, vt ValueType) []byte {
	dst = append(dst, userKey...)
	var tagBuf [tagSize]byte
	binary.LittleEndian.PutUint64(tagBuf[:], PackTag(seq, vt))
	return append(dst, tagBuf[:]...)
}

// MakeInternalKey is a convenience wrapper around AppendInternalKey that
// allocates a fresh slice.
func MakeInternalKey(userKey []byte, seq SequenceNumber, vt ValueType) []byte {
	return AppendInternalKey(make([]byte, 0, len(userKey)+tagSize), userKey, seq, vt)
}

// ParseInternalKey splits an internal key back into its parts. ok is
// false if ik is too short to contain a tag.
func ParseInternalKey(ik []byte) (userKey []byte, seq SequenceNumber, vt ValueType, ok bool) {
	if len(ik) < tagSize {
		return nil, 0, 0, false
	}
	n := len(ik)
	tag := binary.LittleEndian.Uint64(ik[n-tagSize:])
	seq, vt = UnpackTag(tag)
	return ik[:n-tagSize], seq, vt, true
}

// ExtractUserKey returns the user-key portion of an internal key, or the
// key unchanged if it is shorter than a tag (used defensively on
// untrusted input).
func ExtractUserKey(ik []byte) []byte {
	if len(ik) < tagSize {
		return ik
	}
	return ik[:len(ik)-tagSize]
}

// Compare orders internal keys: user key ascending (unsigned
// lexicographic), then sequence descending, then value type descending.
// Descending sequence means that among entries sharing a user key, the
// newest write sorts first — the property the whole read path relies on.
func Compare(a, b []byte) int {
	ua, sa, ta, okA := ParseInternalKey(a)
	ub, sb, tb, okB := ParseInternalKey(b)
	if !okA || !okB {
		return bytes.Compare(a, b)
	}
	if c := bytes.Compare(ua, ub); c != 0 {
		return c
	}
	tagA := PackTag(sa, ta)
	tagB := PackTag(sb, tb)
	switch {
	case tagA > tagB:
		return -1
	case tagA < tagB:
		return 1
	default:
		return 0
	}
}

// Less is Compare expressed as the strict order skipmap.NewFunc wants.
func Less(a, b []byte) bool {
	return Compare(a, b) < 0
}

// UserKeyCompare orders raw user keys by unsigned lexicographic byte
// comparison — the ordering exposed to callers at the public API surface,
// where sequence and type are invisible.
func UserKeyCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}
