// Package lsmtree implements an embedded, single-process, ordered
// key/value store as a log-structured merge tree: a write-ahead log for
// durability, an in-memory memtable for recent writes, and a
// level-organized set of immutable sorted table files reconciled by
// background compaction.
package lsmtree

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blentle/lsmtree/internal/config"
	"github.com/blentle/lsmtree/internal/dberrors"
	"github.com/blentle/lsmtree/internal/dbformat"
	"github.com/blentle/lsmtree/internal/memtable"
	"github.com/blentle/lsmtree/internal/snapshot"
	"github.com/blentle/lsmtree/internal/table"
	"github.com/blentle/lsmtree/internal/version"
	"github.com/blentle/lsmtree/internal/wal"
)

type Options = config.Options
type WriteOptions = config.WriteOptions
type ReadOptions = config.ReadOptions

var DefaultOptions = config.DefaultOptions
var LoadOptionsYAML = config.LoadOptionsYAML

var (
	ErrClosed             = dberrors.ErrClosed
	ErrCorruption         = dberrors.ErrCorruption
	ErrInvalidArgument    = dberrors.ErrInvalidArgument
	ErrDatabaseBusy       = dberrors.ErrDatabaseBusy
	ErrExists             = dberrors.ErrExists
	ErrIteratorOutOfRange = dberrors.ErrIteratorOutOfRange
)

// DB is an open database. All exported methods are safe for concurrent
// use by multiple goroutines.
type DB struct {
	dir    string
	opts   Options
	log    *slog.Logger
	lockFD *os.File

	mu   sync.Mutex
	cond *sync.Cond

	mem       *memtable.Memtable
	imm       *memtable.Memtable
	logFile   *os.File
	logWriter *wal.Writer
	logNumber uint64

	vs        *version.VersionSet
	snapshots *snapshot.Set

	closed         bool
	bgError        error
	compacting     bool
	compactPending bool

	bgWG sync.WaitGroup

	// Cumulative operation counters, reported by Stats; every field is
	// written with Add so Stats can read them without taking db.mu.
	readCount       atomic.Uint64
	writeCount      atomic.Uint64
	compactionCount atomic.Uint64
	bloomHits       atomic.Uint64
	bloomMisses     atomic.Uint64
}

// Open opens (and optionally creates) the database at dir.
func Open(dir string, opts Options) (*DB, error) {
	logger := opts.EffectiveLogger()

	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = 4 << 20
	}
	if opts.BloomFilterFPRate <= 0 {
		opts.BloomFilterFPRate = 0.01
	}

	currentPath := filepath.Join(dir, "CURRENT")
	_, statErr := os.Stat(currentPath)
	exists := statErr == nil

	if !exists {
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("lsmtree: open %s: %w", dir, os.ErrNotExist)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	} else if opts.ErrorIfExists {
		return nil, ErrExists
	}

	lockFD, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	db := &DB{
		dir:       dir,
		opts:      opts,
		log:       logger,
		lockFD:    lockFD,
		mem:       memtable.New(),
		vs:        version.NewVersionSet(dir),
		snapshots: snapshot.NewSet(),
	}
	db.cond = sync.NewCond(&db.mu)

	if exists {
		if err := db.recover(); err != nil {
			lockFD.Close()
			return nil, err
		}
	} else {
		db.logNumber = db.vs.NewFileNumber()
		if err := db.openNewLog(db.logNumber); err != nil {
			lockFD.Close()
			return nil, err
		}
		edit := &version.VersionEdit{}
		edit.SetLogNumber(db.logNumber)
		edit.SetNextFileNumber(db.logNumber + 1)
		if err := db.vs.LogAndApply(edit); err != nil {
			lockFD.Close()
			return nil, err
		}
	}

	logger.Info("database opened", "dir", dir)
	return db, nil
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrDatabaseBusy
		}
		return nil, err
	}
	return f, nil
}

func (db *DB) openNewLog(number uint64) error {
	path := filepath.Join(db.dir, fmt.Sprintf("%06d.log", number))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	db.logFile = f
	db.logWriter = wal.NewWriter(f)
	db.logNumber = number
	return nil
}

// recover replays the manifest and any log files numbered at or past the
// manifest's log_number into a fresh memtable, flushing it as an L0 file
// if non-empty, then opens a new log.
func (db *DB) recover() error {
	if err := db.vs.Recover(); err != nil {
		return fmt.Errorf("lsmtree: recovering manifest: %w", err)
	}

	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return err
	}

	var logNumbers []uint64
	for _, e := range entries {
		var n uint64
		if _, err := fmt.Sscanf(e.Name(), "%d.log", &n); err == nil && n >= db.vs.LogNumber() {
			logNumbers = append(logNumbers, n)
		}
	}

	mem := memtable.New()
	var maxSeq dbformat.SequenceNumber
	for _, n := range logNumbers {
		seq, err := db.replayLog(n, mem)
		if err != nil {
			return err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	if maxSeq > db.vs.LastSequence() {
		db.vs.SetLastSequence(maxSeq)
	}

	if mem.Len() > 0 {
		if err := db.flushMemtableToL0(mem); err != nil {
			return err
		}
	}

	db.mem = memtable.New()
	newLogNumber := db.vs.NewFileNumber()
	if err := db.openNewLog(newLogNumber); err != nil {
		return err
	}
	edit := &version.VersionEdit{}
	edit.SetLogNumber(newLogNumber)
	return db.vs.LogAndApply(edit)
}

func (db *DB) replayLog(number uint64, mem *memtable.Memtable) (dbformat.SequenceNumber, error) {
	path := filepath.Join(db.dir, fmt.Sprintf("%06d.log", number))
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := wal.NewReader(f)
	corrupted := false
	r.Corruption = func(n int, reason string) {
		corrupted = true
		db.log.Warn("log corruption during recovery, truncating", "file", path, "bytes", n, "reason", reason)
	}

	var maxSeq dbformat.SequenceNumber
	for {
		rec, err := r.ReadRecord()
		if err != nil || corrupted {
			break // EOF, a truncated tail, or corruption: replay stops at the last good record
		}
		seq, ops, err := wal.Decode(rec)
		if err != nil {
			db.log.Warn("dropping malformed batch during recovery", "file", path, "error", err)
			continue
		}
		for i, op := range ops {
			mem.Insert(seq+dbformat.SequenceNumber(i), op.Type, op.Key, op.Value)
		}
		if n := dbformat.SequenceNumber(len(ops)); n > 0 && seq+n-1 > maxSeq {
			maxSeq = seq + n - 1
		}
	}
	return maxSeq, nil
}

// Close flushes pending background work and releases the directory lock.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.cond.Broadcast()
	db.mu.Unlock()

	db.bgWG.Wait()

	db.mu.Lock()
	if db.logFile != nil {
		db.logFile.Close()
	}
	db.mu.Unlock()

	if err := db.vs.Close(); err != nil {
		return err
	}
	if db.lockFD != nil {
		db.lockFD.Close()
		os.Remove(filepath.Join(db.dir, "LOCK"))
	}
	db.log.Info("database closed", "dir", db.dir)
	return nil
}

// Batch accumulates puts and deletes that Write applies atomically,
// assigning every operation in the batch a consecutive sequence number.
// The zero value is ready to use.
type Batch struct {
	b wal.Batch
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch { return &Batch{} }

func (b *Batch) Put(key, value []byte) { b.b.Put(key, value) }

func (b *Batch) Delete(key []byte) { b.b.Delete(key) }

// Count returns the number of operations staged in the batch.
func (b *Batch) Count() int { return b.b.Count() }

// Reset empties the batch so it can be reused for a new group of writes.
func (b *Batch) Reset() { b.b.Reset() }

// Put writes key/value as a single-operation batch.
func (db *DB) Put(key, value []byte, wo WriteOptions) error {
	b := NewBatch()
	b.Put(key, value)
	return db.Write(b, wo)
}

// Delete removes key (recorded as a tombstone) as a single-operation
// batch.
func (db *DB) Delete(key []byte, wo WriteOptions) error {
	b := NewBatch()
	b.Delete(key)
	return db.Write(b, wo)
}

// Write applies batch atomically: every operation is assigned a
// consecutive sequence number, appended to the log as one record, and
// inserted into the memtable before Write returns.
func (db *DB) Write(batch *Batch, wo WriteOptions) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if db.bgError != nil {
		return db.bgError
	}
	if batch.Count() == 0 {
		return nil
	}

	db.applyWriteStalls()
	if db.closed {
		return ErrClosed
	}
	if db.bgError != nil {
		return db.bgError
	}

	if uint64(db.mem.ApproximateSize()) >= uint64(db.opts.WriteBufferSize) && db.imm == nil {
		if err := db.rotateMemtableLocked(); err != nil {
			return err
		}
	}

	baseSeq := db.vs.LastSequence() + 1
	ops := batch.b.Ops()
	encoded := wal.Encode(baseSeq, ops)
	if err := db.logWriter.AddRecord(encoded); err != nil {
		db.bgError = err
		return err
	}
	if wo.Sync {
		if err := db.logFile.Sync(); err != nil {
			db.bgError = err
			return err
		}
	}

	for i, op := range ops {
		db.mem.Insert(baseSeq+dbformat.SequenceNumber(i), op.Type, op.Key, op.Value)
	}
	db.vs.SetLastSequence(baseSeq + dbformat.SequenceNumber(batch.Count()) - 1)
	db.writeCount.Add(uint64(batch.Count()))
	return nil
}

// applyWriteStalls implements the §4.7 backpressure policy. Must be
// called with db.mu held.
func (db *DB) applyWriteStalls() {
	slept := false
	for {
		if db.closed {
			return
		}
		l0 := db.vs.NumberOfFilesInLevel(0)
		switch {
		case l0 >= version.L0StopWritesTrigger:
			db.maybeScheduleCompactionLocked()
			db.cond.Wait()
			continue
		case db.mem.ApproximateSize() >= uint64(db.opts.WriteBufferSize) && db.imm != nil:
			db.cond.Wait()
			continue
		case l0 >= version.L0SlowdownWritesTrigger && !slept:
			db.mu.Unlock()
			time.Sleep(time.Millisecond)
			db.mu.Lock()
			slept = true
			continue
		}
		return
	}
}

// rotateMemtableLocked seals the current memtable as immutable, opens a
// fresh log and memtable, and schedules a background flush. Must be
// called with db.mu held.
func (db *DB) rotateMemtableLocked() error {
	db.imm = db.mem
	db.mem = memtable.New()

	oldLogFile := db.logFile
	newLogNumber := db.vs.NewFileNumber()
	if err := db.openNewLog(newLogNumber); err != nil {
		return err
	}
	oldLogFile.Close()

	db.maybeScheduleCompactionLocked()
	return nil
}

// maybeScheduleCompactionLocked starts the background worker if nothing
// is currently running. Must be called with db.mu held.
func (db *DB) maybeScheduleCompactionLocked() {
	if db.compacting {
		db.compactPending = true
		return
	}
	db.compacting = true
	db.bgWG.Add(1)
	go db.backgroundWork()
}

// backgroundWork flushes an immutable memtable if present, then runs at
// most one compaction if the picker has work. It repeats that pass only
// when another schedule request arrived meanwhile (compactPending) and no
// background error is recorded.
func (db *DB) backgroundWork() {
	defer db.bgWG.Done()
	for {
		db.mu.Lock()
		imm := db.imm
		db.mu.Unlock()

		if imm != nil {
			if err := db.flushMemtableToL0(imm); err != nil {
				db.mu.Lock()
				db.bgError = err
				db.mu.Unlock()
				db.log.Error("memtable flush failed", "error", err)
			} else {
				db.mu.Lock()
				db.imm = nil
				db.cond.Broadcast()
				db.mu.Unlock()
			}
		}

		if err := db.runOneCompactionIfScheduled(); err != nil {
			db.mu.Lock()
			db.bgError = err
			db.mu.Unlock()
			db.log.Error("compaction failed", "error", err)
		}

		db.mu.Lock()
		if db.compactPending && db.bgError == nil {
			db.compactPending = false
			db.mu.Unlock()
			continue
		}
		db.compacting = false
		db.cond.Broadcast()
		db.mu.Unlock()
		return
	}
}

// flushMemtableToL0 writes mem's contents as a new table file and
// installs it via a VersionEdit. It is called by the background worker
// (which is how FlushMemtable's rotated memtable is written) and directly
// by recovery.
func (db *DB) flushMemtableToL0(mem *memtable.Memtable) error {
	if mem.Len() == 0 {
		return nil
	}
	fileNumber := db.vs.NewFileNumber()
	path := version.TableFileName(db.dir, fileNumber)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	w := table.NewWriter(f, table.WriterOptions{
		Compression:     db.opts.CompressionType,
		FileNumber:      fileNumber,
		BlockSize:       db.opts.BlockSize,
		BloomFPRate:     db.opts.BloomFilterFPRate,
		ExpectedNumKeys: mem.Len(),
	})

	it := mem.NewIterator()
	it.SeekToFirst()
	for it.Valid() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			f.Close()
			return err
		}
		it.Next()
	}
	smallest, largest, size, err := w.Finish()
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	edit := &version.VersionEdit{}
	edit.AddFile(0, version.NewFileMetaData(fileNumber, size, smallest, largest))
	return db.vs.LogAndApply(edit)
}

// FlushMemtable forces the current memtable to become immutable and
// blocks until it has been written out as an L0 file.
func (db *DB) FlushMemtable() error {
	db.mu.Lock()
	if db.mem.Len() == 0 && db.imm == nil {
		db.mu.Unlock()
		return nil
	}
	if db.imm == nil {
		if err := db.rotateMemtableLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
	} else {
		db.maybeScheduleCompactionLocked()
	}
	for db.imm != nil && db.bgError == nil {
		db.cond.Wait()
	}
	err := db.bgError
	db.mu.Unlock()
	return err
}

func (db *DB) NumberOfFilesInLevel(level int) int {
	return db.vs.NumberOfFilesInLevel(level)
}

func (db *DB) MaxNextLevelOverlappingBytes() int64 {
	return db.vs.MaxNextLevelOverlappingBytes()
}
