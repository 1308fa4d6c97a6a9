// Package version tracks the level-organized set of live table files: the
// FileMetaData each file carries, the immutable Version snapshots reads
// and compactions pin, and the VersionSet that owns the current Version
// and persists every transition to a manifest log.
package version

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blentle/lsmtree/internal/dbformat"
)

const NumLevels = 7

// FileMetaData describes one on-disk table file.
type FileMetaData struct {
	FileNumber   uint64
	FileSize     int64
	Smallest     []byte // internal key
	Largest      []byte // internal key
	AllowedSeeks int64
}

// NewFileMetaData derives the allowed-seeks budget from file size, per
// the seek-compaction heuristic: max(100, size/16KiB).
func NewFileMetaData(number uint64, size int64, smallest, largest []byte) *FileMetaData {
	seeks := size / (16 * 1024)
	if seeks < 100 {
		seeks = 100
	}
	return &FileMetaData{
		FileNumber:   number,
		FileSize:     size,
		Smallest:     smallest,
		Largest:      largest,
		AllowedSeeks: seeks,
	}
}

func (f *FileMetaData) Overlaps(userKey []byte) bool {
	smallestUK := dbformat.ExtractUserKey(f.Smallest)
	largestUK := dbformat.ExtractUserKey(f.Largest)
	return dbformat.UserKeyCompare(userKey, smallestUK) >= 0 && dbformat.UserKeyCompare(userKey, largestUK) <= 0
}

func (f *FileMetaData) OverlapsRange(begin, end []byte) bool {
	smallestUK := dbformat.ExtractUserKey(f.Smallest)
	largestUK := dbformat.ExtractUserKey(f.Largest)
	if end != nil && dbformat.UserKeyCompare(smallestUK, end) > 0 {
		return false
	}
	if begin != nil && dbformat.UserKeyCompare(largestUK, begin) < 0 {
		return false
	}
	return true
}

// Version is an immutable, reference-counted snapshot of the per-level
// file lists. An open iterator or in-flight read pins a Version by
// holding a reference; the VersionSet never mutates one in place.
type Version struct {
	mu     sync.Mutex
	refs   int
	Files  [NumLevels][]*FileMetaData
	onZero func(*Version) // set once by VersionSet before the Version is published
}

func newVersion() *Version {
	return &Version{refs: 1}
}

func (v *Version) Ref() {
	v.mu.Lock()
	v.refs++
	v.mu.Unlock()
}

// Unref drops a reference; once the last one is gone, onZero (armed by the
// owning VersionSet) runs so files this Version alone was keeping alive can
// be swept from disk.
func (v *Version) Unref() {
	v.mu.Lock()
	v.refs--
	n := v.refs
	v.mu.Unlock()
	if n < 0 {
		panic("version: negative refcount")
	}
	if n == 0 && v.onZero != nil {
		v.onZero(v)
	}
}

// clone produces a new Version with the same file lists (shared
// FileMetaData pointers — they're immutable once created) so edits can
// add/remove without mutating the version readers are using.
func (v *Version) clone() *Version {
	nv := newVersion()
	for l := 0; l < NumLevels; l++ {
		nv.Files[l] = append([]*FileMetaData(nil), v.Files[l]...)
	}
	return nv
}

// PickOverlapping returns, for level 0, every file whose range overlaps
// userKey (there can be several, since L0 files may overlap); for level
// k>=1, the single candidate file found by binary search on Largest, or
// nil if none covers userKey.
func (v *Version) PickOverlapping(level int, userKey []byte) []*FileMetaData {
	files := v.Files[level]
	if level == 0 {
		var out []*FileMetaData
		for i := len(files) - 1; i >= 0; i-- { // newest file_number first
			if files[i].Overlaps(userKey) {
				out = append(out, files[i])
			}
		}
		return out
	}
	idx := sort.Search(len(files), func(i int) bool {
		largestUK := dbformat.ExtractUserKey(files[i].Largest)
		return dbformat.UserKeyCompare(largestUK, userKey) >= 0
	})
	if idx >= len(files) || !files[idx].Overlaps(userKey) {
		return nil
	}
	return []*FileMetaData{files[idx]}
}

func (v *Version) FilesOverlappingRange(level int, begin, end []byte) []*FileMetaData {
	var out []*FileMetaData
	for _, f := range v.Files[level] {
		if f.OverlapsRange(begin, end) {
			out = append(out, f)
		}
	}
	return out
}

func (v *Version) TotalBytes(level int) int64 {
	var sum int64
	for _, f := range v.Files[level] {
		sum += f.FileSize
	}
	return sum
}

func (v *Version) NumFiles(level int) int { return len(v.Files[level]) }

// VersionEdit is a delta to be applied to the current Version and
// appended to the manifest log.
type VersionEdit struct {
	AddedFiles     []editFile
	DeletedFiles   []editDelete
	HasLastSeq     bool
	LastSequence   dbformat.SequenceNumber
	HasNextFile    bool
	NextFileNumber uint64
	HasLogNumber   bool
	LogNumber      uint64
}

type editFile struct {
	Level int
	Meta  FileMetaData
}

type editDelete struct {
	Level      int
	FileNumber uint64
}

func (e *VersionEdit) AddFile(level int, meta *FileMetaData) {
	e.AddedFiles = append(e.AddedFiles, editFile{Level: level, Meta: *meta})
}

func (e *VersionEdit) DeleteFile(level int, fileNumber uint64) {
	e.DeletedFiles = append(e.DeletedFiles, editDelete{Level: level, FileNumber: fileNumber})
}

func (e *VersionEdit) SetLastSequence(seq dbformat.SequenceNumber) {
	e.HasLastSeq = true
	e.LastSequence = seq
}

func (e *VersionEdit) SetNextFileNumber(n uint64) {
	e.HasNextFile = true
	e.NextFileNumber = n
}

func (e *VersionEdit) SetLogNumber(n uint64) {
	e.HasLogNumber = true
	e.LogNumber = n
}

func sortFiles(files []*FileMetaData) {
	sort.Slice(files, func(i, j int) bool {
		return dbformat.Compare(files[i].Smallest, files[j].Smallest) < 0
	})
}

// apply returns a new Version equal to base with edit's changes folded
// in. Level-0 files stay ordered by insertion (file number ascending);
// Lk>=1 files are kept sorted by Smallest, since they're disjoint.
func apply(base *Version, edit *VersionEdit) (*Version, error) {
	nv := base.clone()

	for _, d := range edit.DeletedFiles {
		files := nv.Files[d.Level]
		out := files[:0]
		for _, f := range files {
			if f.FileNumber != d.FileNumber {
				out = append(out, f)
			}
		}
		nv.Files[d.Level] = out
	}

	for _, a := range edit.AddedFiles {
		if a.Level < 0 || a.Level >= NumLevels {
			return nil, fmt.Errorf("version: invalid level %d in edit", a.Level)
		}
		meta := a.Meta
		nv.Files[a.Level] = append(nv.Files[a.Level], &meta)
	}

	for l := 1; l < NumLevels; l++ {
		sortFiles(nv.Files[l])
	}

	return nv, nil
}
