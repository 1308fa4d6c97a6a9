// Package compaction executes the merge work the version package's
// picker schedules: building a merged iterator over the input files of a
// level (and, for L0, the overlapping set of L0 files plus any picked
// L1 files), writing output tables, and deciding which tombstones and
// superseded versions are safe to drop.
//
// The teacher's aggressiveCompaction/standardCompaction/lazyCompaction
// trio each just called back into the same dispatcher, an infinite
// mutual recursion that never did real work; this package replaces that
// with one real compaction path instead of reproducing the bug.
package compaction

import (
	"fmt"
	"os"

	"github.com/blentle/lsmtree/internal/dbformat"
	"github.com/blentle/lsmtree/internal/table"
	"github.com/blentle/lsmtree/internal/version"
)

const MaxGrandparentOverlapBytes = int64(version.MaxGrandparentOverlapFactor) * maxFileSizeDefault

const maxFileSizeDefault = 2 << 20 // 2 MiB, the output table size used when Options.MaxFileSize is unset

// sourceIterator is satisfied by table.Iterator and by any in-memory
// iterator the engine feeds in for the memtable/immutable memtable path.
type sourceIterator interface {
	SeekToFirst()
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
}

// Input describes one file participating in a compaction; Reader is
// already open so the runner can build an iterator without re-resolving
// file paths.
type Input struct {
	Meta   *version.FileMetaData
	Reader *table.Reader
}

// Options configures one compaction run.
type Options struct {
	DBDir                  string
	TargetLevel            int // output level, i.e. the level the inputs merge into
	NextFileNumber         func() uint64
	OldestSnapshot         func() (dbformat.SequenceNumber, bool)
	HasOverlapInLevelAbove func(level int, userKey []byte) bool // level > TargetLevel
	MaxFileSize            int64
	GrandparentFiles       []*version.FileMetaData // L+1 relative to TargetLevel, for the sparse-merge bound
	Compression            table.CompressionType
}

// Result is the set of new output files a compaction produced, to be
// folded into a VersionEdit by the caller along with the deleted inputs.
type Result struct {
	OutputFiles []*version.FileMetaData
}

// Run merges `inputs` (already-opened table readers, given in the order
// their keys should be merged — ties broken by giving earlier entries in
// the slice priority, so callers should order newest-to-oldest when two
// inputs could contain the same internal key) into one or more output
// tables at TargetLevel, eliminating tombstones and superseded versions
// that no live snapshot can observe.
func Run(opts Options, inputs []Input) (*Result, error) {
	iters := make([]sourceIterator, len(inputs))
	for i, in := range inputs {
		it := in.Reader.NewIterator()
		it.SeekToFirst()
		iters[i] = it
	}
	merged := newMergingIterator(iters)

	maxFileSize := opts.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = maxFileSizeDefault
	}

	oldestSnapshot := dbformat.MaxSequenceNumber
	if opts.OldestSnapshot != nil {
		if seq, ok := opts.OldestSnapshot(); ok {
			oldestSnapshot = seq
		}
	}

	var result Result
	var curWriter *table.Writer
	var curFile *os.File
	var curFileNumber uint64

	closeCurrent := func() error {
		if curWriter == nil {
			return nil
		}
		smallest, largest, size, err := curWriter.Finish()
		if err != nil {
			curFile.Close()
			return err
		}
		if err := curFile.Sync(); err != nil {
			curFile.Close()
			return err
		}
		if err := curFile.Close(); err != nil {
			return err
		}
		result.OutputFiles = append(result.OutputFiles, version.NewFileMetaData(curFileNumber, size, smallest, largest))
		curWriter = nil
		return nil
	}

	startNewFile := func() error {
		curFileNumber = opts.NextFileNumber()
		path := version.TableFileName(opts.DBDir, curFileNumber)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		curFile = f
		curWriter = table.NewWriter(f, table.WriterOptions{
			Compression: opts.Compression,
			FileNumber:  curFileNumber,
		})
		return nil
	}

	var lastUserKey []byte
	haveLastUserKey := false
	lastSeqForKey := dbformat.MaxSequenceNumber
	var grandparentBytesInOutput int64

	merged.SeekToFirst()
	for merged.Valid() {
		key := merged.Key()
		value := merged.Value()

		userKey, seq, vt, ok := dbformat.ParseInternalKey(key)
		if !ok {
			return nil, fmt.Errorf("compaction: malformed internal key")
		}

		newKey := false
		if !haveLastUserKey || dbformat.UserKeyCompare(lastUserKey, userKey) != 0 {
			lastUserKey = append(lastUserKey[:0], userKey...)
			haveLastUserKey = true
			lastSeqForKey = dbformat.MaxSequenceNumber
			newKey = true
		}

		dropEntry := false
		if !newKey && lastSeqForKey <= oldestSnapshot {
			// The entry already emitted for this user key has a sequence
			// no live snapshot precedes, so no read can ever fall through
			// to this older version.
			dropEntry = true
		} else if vt == dbformat.TypeDeletion && seq <= oldestSnapshot {
			if opts.HasOverlapInLevelAbove == nil || !opts.HasOverlapInLevelAbove(opts.TargetLevel, userKey) {
				dropEntry = true
			}
		}
		lastSeqForKey = seq

		if !dropEntry {
			if curWriter == nil {
				if err := startNewFile(); err != nil {
					return nil, err
				}
			}
			if err := curWriter.Add(key, value); err != nil {
				return nil, err
			}

			if grandOverlap := overlapBytes(opts.GrandparentFiles, userKey); grandOverlap > 0 {
				grandparentBytesInOutput += grandOverlap
			}

			shouldRoll := curFileSize(curFile) >= maxFileSize || grandparentBytesInOutput > MaxGrandparentOverlapBytes
			if shouldRoll {
				if err := closeCurrent(); err != nil {
					return nil, err
				}
				grandparentBytesInOutput = 0
			}
		}

		merged.Next()
	}

	if err := closeCurrent(); err != nil {
		return nil, err
	}
	return &result, nil
}

func curFileSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// overlapBytes approximates the bytes of `files` (conceptually the
// grandparent level) that a single user key touches, used only to decide
// whether accumulated overlap has crossed the sparse-merge bound; a
// per-key approximation (one hundredth of the size of the first file
// that covers the key, else 0) is
// sufficient since the bound only needs to trigger roughly at the right
// point, not compute an exact byte count.
func overlapBytes(files []*version.FileMetaData, userKey []byte) int64 {
	for _, f := range files {
		if f.Overlaps(userKey) {
			return f.FileSize / 100 // amortize: charge a fraction per key rather than the whole file
		}
	}
	return 0
}
