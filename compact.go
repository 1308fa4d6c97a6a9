package lsmtree

import (
	"github.com/blentle/lsmtree/internal/compaction"
	"github.com/blentle/lsmtree/internal/dbformat"
	"github.com/blentle/lsmtree/internal/version"
)

// runOneCompactionIfScheduled asks the picker for work and, if there is
// any, runs it. Called by the background worker after any pending flush.
func (db *DB) runOneCompactionIfScheduled() error {
	plan := db.vs.PickCompaction()
	if plan == nil {
		return nil
	}
	return db.runCompaction(plan.Level, plan)
}

// runCompaction merges plan's input files (from `level`) together with
// whatever files in level+1 they overlap into new level+1 files, then
// installs the result with a single VersionEdit that deletes every input
// (from both levels) and adds the outputs.
func (db *DB) runCompaction(level int, plan *version.CompactionPlan) error {
	db.compactionCount.Add(1)
	targetLevel := level + 1
	if targetLevel >= version.NumLevels {
		targetLevel = version.NumLevels - 1
	}

	v := db.vs.Current()
	defer v.Unref()

	smallest, largest := inputRange(plan.InputFiles)
	var overlapping []*version.FileMetaData
	if targetLevel != level {
		overlapping = v.FilesOverlappingRange(targetLevel, smallest, largest)
	}

	var grandparents []*version.FileMetaData
	if targetLevel+1 < version.NumLevels {
		gSmallest, gLargest := smallest, largest
		for _, f := range overlapping {
			fSmallUK := dbformat.ExtractUserKey(f.Smallest)
			fLargeUK := dbformat.ExtractUserKey(f.Largest)
			if dbformat.UserKeyCompare(fSmallUK, gSmallest) < 0 {
				gSmallest = fSmallUK
			}
			if dbformat.UserKeyCompare(fLargeUK, gLargest) > 0 {
				gLargest = fLargeUK
			}
		}
		grandparents = v.FilesOverlappingRange(targetLevel+1, gSmallest, gLargest)
	}

	var inputs []compaction.Input
	// The merging iterator orders entries by full internal key, so input
	// order only decides ties between identical internal keys;
	// plan.InputFiles for level 0 is in file-number (oldest-first) order.
	for _, meta := range plan.InputFiles {
		reader, closeFn, err := db.openTable(meta.FileNumber)
		if err != nil {
			return err
		}
		defer closeFn()
		inputs = append(inputs, compaction.Input{Meta: meta, Reader: reader})
	}
	for _, meta := range overlapping {
		reader, closeFn, err := db.openTable(meta.FileNumber)
		if err != nil {
			return err
		}
		defer closeFn()
		inputs = append(inputs, compaction.Input{Meta: meta, Reader: reader})
	}

	result, err := compaction.Run(compaction.Options{
		DBDir:          db.dir,
		TargetLevel:    targetLevel,
		NextFileNumber: db.vs.NewFileNumber,
		OldestSnapshot: db.snapshots.Oldest,
		HasOverlapInLevelAbove: func(lvl int, userKey []byte) bool {
			for l := lvl + 1; l < version.NumLevels; l++ {
				if len(v.PickOverlapping(l, userKey)) > 0 {
					return true
				}
			}
			return false
		},
		GrandparentFiles: grandparents,
		Compression:      db.opts.CompressionType,
	}, inputs)
	if err != nil {
		return err
	}

	edit := &version.VersionEdit{}
	for _, meta := range plan.InputFiles {
		edit.DeleteFile(level, meta.FileNumber)
	}
	for _, meta := range overlapping {
		edit.DeleteFile(targetLevel, meta.FileNumber)
	}
	for _, out := range result.OutputFiles {
		edit.AddFile(targetLevel, out)
	}

	db.log.Info("compaction complete", "from_level", level, "to_level", targetLevel,
		"inputs", len(plan.InputFiles)+len(overlapping), "outputs", len(result.OutputFiles))

	return db.vs.LogAndApply(edit)
}

func inputRange(files []*version.FileMetaData) (smallestUK, largestUK []byte) {
	for i, f := range files {
		s := dbformat.ExtractUserKey(f.Smallest)
		l := dbformat.ExtractUserKey(f.Largest)
		if i == 0 || dbformat.UserKeyCompare(s, smallestUK) < 0 {
			smallestUK = s
		}
		if i == 0 || dbformat.UserKeyCompare(l, largestUK) > 0 {
			largestUK = l
		}
	}
	return smallestUK, largestUK
}
