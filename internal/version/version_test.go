package version

import (
	"testing"

	"github.com/blentle/lsmtree/internal/dbformat"
)

func ik(key string, seq int) []byte {
	return dbformat.MakeInternalKey([]byte(key), dbformat.SequenceNumber(seq), dbformat.TypeValue)
}

func TestVersionEditEncodeDecodeRoundTrip(t *testing.T) {
	edit := &VersionEdit{}
	edit.SetLogNumber(3)
	edit.SetNextFileNumber(10)
	edit.SetLastSequence(99)
	meta := NewFileMetaData(5, 4096, ik("a", 1), ik("z", 1))
	edit.AddFile(1, meta)
	edit.DeleteFile(0, 2)

	decoded, err := DecodeEdit(edit.Encode())
	if err != nil {
		t.Fatalf("DecodeEdit: %v", err)
	}
	if decoded.LogNumber != 3 || decoded.NextFileNumber != 10 || decoded.LastSequence != 99 {
		t.Fatalf("scalar fields mismatch: %+v", decoded)
	}
	if len(decoded.AddedFiles) != 1 || decoded.AddedFiles[0].Meta.FileNumber != 5 {
		t.Fatalf("added file mismatch: %+v", decoded.AddedFiles)
	}
	if len(decoded.DeletedFiles) != 1 || decoded.DeletedFiles[0].FileNumber != 2 {
		t.Fatalf("deleted file mismatch: %+v", decoded.DeletedFiles)
	}
}

func TestVersionSetLogAndApplyAddsFiles(t *testing.T) {
	dir := t.TempDir()
	vs := NewVersionSet(dir)

	edit := &VersionEdit{}
	meta := NewFileMetaData(vs.NewFileNumber(), 1024, ik("a", 1), ik("m", 1))
	edit.AddFile(0, meta)
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}

	if vs.NumberOfFilesInLevel(0) != 1 {
		t.Fatalf("expected 1 file in level 0, got %d", vs.NumberOfFilesInLevel(0))
	}
}

func TestVersionSetRecoverRestoresFiles(t *testing.T) {
	dir := t.TempDir()
	vs := NewVersionSet(dir)

	edit := &VersionEdit{}
	meta := NewFileMetaData(vs.NewFileNumber(), 2048, ik("a", 1), ik("m", 1))
	edit.AddFile(1, meta)
	edit.SetLogNumber(7)
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	vs2 := NewVersionSet(dir)
	if err := vs2.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if vs2.NumberOfFilesInLevel(1) != 1 {
		t.Fatalf("expected recovered level 1 to have 1 file, got %d", vs2.NumberOfFilesInLevel(1))
	}
	if vs2.LogNumber() != 7 {
		t.Fatalf("expected recovered log number 7, got %d", vs2.LogNumber())
	}
}

func TestPickCompactionTriggersOnL0FileCount(t *testing.T) {
	dir := t.TempDir()
	vs := NewVersionSet(dir)

	for i := 0; i < L0CompactionTrigger; i++ {
		edit := &VersionEdit{}
		meta := NewFileMetaData(vs.NewFileNumber(), 1024, ik("a", i+1), ik("m", i+1))
		edit.AddFile(0, meta)
		if err := vs.LogAndApply(edit); err != nil {
			t.Fatalf("LogAndApply: %v", err)
		}
	}

	plan := vs.PickCompaction()
	if plan == nil {
		t.Fatalf("expected a compaction plan once L0 reaches the trigger count")
	}
	if plan.Level != 0 {
		t.Fatalf("expected level 0 to be picked, got %d", plan.Level)
	}
}

func TestPickCompactionNilWhenUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	vs := NewVersionSet(dir)
	edit := &VersionEdit{}
	meta := NewFileMetaData(vs.NewFileNumber(), 1024, ik("a", 1), ik("m", 1))
	edit.AddFile(0, meta)
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}
	if plan := vs.PickCompaction(); plan != nil {
		t.Fatalf("expected no compaction plan with only 1 L0 file, got %+v", plan)
	}
}

func TestCompactRangePlanFindsOverlappingFiles(t *testing.T) {
	dir := t.TempDir()
	vs := NewVersionSet(dir)
	edit := &VersionEdit{}
	edit.AddFile(1, NewFileMetaData(vs.NewFileNumber(), 1024, ik("a", 1), ik("m", 1)))
	edit.AddFile(1, NewFileMetaData(vs.NewFileNumber(), 1024, ik("n", 1), ik("z", 1)))
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}

	plan := vs.CompactRangePlan(1, []byte("b"), []byte("k"))
	if plan == nil || len(plan.InputFiles) != 1 {
		t.Fatalf("expected exactly 1 overlapping file, got %+v", plan)
	}
}

func TestFileMetaDataAllowedSeeksFloor(t *testing.T) {
	meta := NewFileMetaData(1, 1024, ik("a", 1), ik("z", 1))
	if meta.AllowedSeeks != 100 {
		t.Fatalf("expected the 100-seek floor for a small file, got %d", meta.AllowedSeeks)
	}
	big := NewFileMetaData(2, 16*1024*1000, ik("a", 1), ik("z", 1))
	if big.AllowedSeeks != 1000 {
		t.Fatalf("expected allowed seeks scaled by size, got %d", big.AllowedSeeks)
	}
}

