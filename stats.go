package lsmtree

import "github.com/blentle/lsmtree/internal/version"

// LevelStats reports the file count and total on-disk size of one level.
type LevelStats struct {
	Level     int
	NumFiles  int
	TotalSize int64
	Score     float64
}

// Stats is a point-in-time snapshot of a database's size and shape,
// intended for operational visibility rather than precise accounting.
type Stats struct {
	MemtableBytes          uint64
	ImmutableMemtableBytes uint64
	Levels                 []LevelStats
	MaxNextLevelOverlap    int64

	// Cumulative counters since Open, never reset by a Stats call.
	ReadCount       uint64
	WriteCount      uint64
	CompactionCount uint64
	BloomHits       uint64
	BloomMisses     uint64
}

// Stats reports current memtable and per-level sizes, plus the cumulative
// operation counters accumulated since Open.
func (db *DB) Stats() Stats {
	db.mu.Lock()
	memBytes := db.mem.ApproximateSize()
	var immBytes uint64
	if db.imm != nil {
		immBytes = db.imm.ApproximateSize()
	}
	db.mu.Unlock()

	v := db.vs.Current()
	defer v.Unref()

	levels := db.vs.Levels()
	out := Stats{
		MemtableBytes:          memBytes,
		ImmutableMemtableBytes: immBytes,
		MaxNextLevelOverlap:    db.vs.MaxNextLevelOverlappingBytes(),
		ReadCount:              db.readCount.Load(),
		WriteCount:             db.writeCount.Load(),
		CompactionCount:        db.compactionCount.Load(),
		BloomHits:              db.bloomHits.Load(),
		BloomMisses:            db.bloomMisses.Load(),
	}
	for level := 0; level < version.NumLevels; level++ {
		out.Levels = append(out.Levels, LevelStats{
			Level:     level,
			NumFiles:  v.NumFiles(level),
			TotalSize: v.TotalBytes(level),
			Score:     levels.Score(level),
		})
	}
	return out
}
