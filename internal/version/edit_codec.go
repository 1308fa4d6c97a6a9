package version

import (
	"encoding/binary"
	"fmt"

	"github.com/blentle/lsmtree/internal/dbformat"
)

// tags identify fields within an encoded edit record, LevelDB-manifest
// style: a tagged sequence of fields rather than a fixed struct layout,
// so the format can grow without breaking old manifests.
const (
	tagLogNumber    = 2
	tagNextFile     = 3
	tagLastSequence = 4
	tagAddedFile    = 5
	tagDeletedFile  = 6
)

func putVarint(dst []byte, n uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	w := binary.PutUvarint(buf[:], n)
	return append(dst, buf[:w]...)
}

func putLenPrefixed(dst []byte, b []byte) []byte {
	dst = putVarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func getVarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, fmt.Errorf("version: bad varint")
	}
	return v, b[n:], nil
}

func getLenPrefixed(b []byte) ([]byte, []byte, error) {
	n, rest, err := getVarint(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, fmt.Errorf("version: truncated length-prefixed field")
	}
	return rest[:n], rest[n:], nil
}

// Encode serializes the edit as a sequence of tagged fields.
func (e *VersionEdit) Encode() []byte {
	var buf []byte

	if e.HasLogNumber {
		buf = putVarint(buf, tagLogNumber)
		buf = putVarint(buf, e.LogNumber)
	}
	if e.HasNextFile {
		buf = putVarint(buf, tagNextFile)
		buf = putVarint(buf, e.NextFileNumber)
	}
	if e.HasLastSeq {
		buf = putVarint(buf, tagLastSequence)
		buf = putVarint(buf, uint64(e.LastSequence))
	}
	for _, d := range e.DeletedFiles {
		buf = putVarint(buf, tagDeletedFile)
		buf = putVarint(buf, uint64(d.Level))
		buf = putVarint(buf, d.FileNumber)
	}
	for _, a := range e.AddedFiles {
		buf = putVarint(buf, tagAddedFile)
		buf = putVarint(buf, uint64(a.Level))
		buf = putVarint(buf, a.Meta.FileNumber)
		buf = putVarint(buf, uint64(a.Meta.FileSize))
		buf = putVarint(buf, uint64(a.Meta.AllowedSeeks))
		buf = putLenPrefixed(buf, a.Meta.Smallest)
		buf = putLenPrefixed(buf, a.Meta.Largest)
	}
	return buf
}

// DecodeEdit parses the wire format produced by Encode.
func DecodeEdit(data []byte) (*VersionEdit, error) {
	e := &VersionEdit{}
	rest := data
	for len(rest) > 0 {
		tag, r, err := getVarint(rest)
		if err != nil {
			return nil, err
		}
		rest = r

		switch tag {
		case tagLogNumber:
			v, r, err := getVarint(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			e.SetLogNumber(v)
		case tagNextFile:
			v, r, err := getVarint(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			e.SetNextFileNumber(v)
		case tagLastSequence:
			v, r, err := getVarint(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			e.SetLastSequence(dbformat.SequenceNumber(v))
		case tagDeletedFile:
			level, r, err := getVarint(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			num, r, err := getVarint(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			e.DeleteFile(int(level), num)
		case tagAddedFile:
			level, r, err := getVarint(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			num, r, err := getVarint(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			size, r, err := getVarint(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			seeks, r, err := getVarint(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			smallest, r, err := getLenPrefixed(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			largest, r, err := getLenPrefixed(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			meta := FileMetaData{
				FileNumber:   num,
				FileSize:     int64(size),
				AllowedSeeks: int64(seeks),
				Smallest:     append([]byte(nil), smallest...),
				Largest:      append([]byte(nil), largest...),
			}
			e.AddFile(int(level), &meta)
		default:
			return nil, fmt.Errorf("version: unknown edit tag %d", tag)
		}
	}
	return e, nil
}
