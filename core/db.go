// Package core implements the bitcaskplus storage engine: an append-only
// log of checksummed records, an in-memory key directory, and a compactor
// that rewrites live records into fresh generations.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

const (
	// compactionThresholdDefault gates compaction on the volume of bytes
	// no longer referenced by the index.
	compactionThresholdDefault = 1 * 1024 * 1024

	// rolloverThresholdDefault seals the active segment once it reaches
	// this many bytes.
	rolloverThresholdDefault = 1 * 1024 * 1024
)

type DB struct {
	dir                 string                     // data directory
	segments            []*segment                 // all segments. last one is the active segment
	fsync               bool                       // whether to fsync on each Set call
	compactSem          chan struct{}              // compaction semaphore
	rw                  sync.RWMutex               // guards segments & index & reclaimable
	wmu                 sync.Mutex                 // writer lock: appends, rollover, compaction publish
	compactErr          chan error                 // async compaction error reporting
	idCtr               int64                      // segment generation counter
	index               map[string]*recordLocation // maps each key to its last-seen location
	reclaimable         int64                      // bytes owned by records the index no longer references
	log                 *zap.SugaredLogger
	compactionEnabled   bool  // whether the reclaimable-bytes gate may start a compaction
	hintEnabled         bool  // whether compaction persists hint sidecars
	rolloverThreshold   int64 // seal the active segment when it reaches this
	compactionThreshold int64 // compact when reclaimable bytes exceed this
	onCompactStart      func() // test hook
}

type Option func(*DB)

func WithRolloverThreshold(n int64) Option {
	return func(db *DB) { db.rolloverThreshold = n }
}

func WithCompactionThreshold(n int64) Option {
	return func(db *DB) { db.compactionThreshold = n }
}

func WithFsync(b bool) Option {
	return func(db *DB) { db.fsync = b }
}

func WithCompactionEnabled(b bool) Option {
	return func(db *DB) { db.compactionEnabled = b }
}

func WithHintEnabled(b bool) Option {
	return func(db *DB) { db.hintEnabled = b }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(db *DB) { db.log = log }
}

func WithOnCompactStart(f func()) Option {
	return func(db *DB) { db.onCompactStart = f }
}

func Open(dir string, opts ...Option) (*DB, error) {
	db := &DB{
		dir:            dir,
		compactSem:     make(chan struct{}, 1),
		index:          make(map[string]*recordLocation),
		compactErr:     make(chan error, 1),
		onCompactStart: func() {},
		log:            zap.NewNop().Sugar(),
		// default values
		fsync:               false,
		rolloverThreshold:   rolloverThresholdDefault,
		compactionThreshold: compactionThresholdDefault,
		compactionEnabled:   true,
		hintEnabled:         true,
	}

	// apply options
	for _, opt := range opts {
		opt(db)
	}

	// DO NOT SHADOW err so defer does not miss it
	var err error

	// if we're erroring out, run abort process
	defer func() {
		if err != nil {
			db.abortOnOpen()
		}
	}()

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	if err = ensureManifest(db.dir); err != nil {
		return nil, fmt.Errorf("ensure manifest: %w", err)
	}

	// we will load the segments ordered by the manifest file
	var segIds []int
	segIds, err = readManifest(db.dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	// load all segments according to parsed manifest
	for i, id := range segIds {
		active := i == len(segIds)-1
		if err = db.loadSegment(id, active); err != nil {
			return nil, fmt.Errorf("load segment %d: %w", id, err)
		}
	}

	// set the generation counter past everything we have seen
	maxId := 0
	if len(segIds) > 0 {
		maxId = slices.Max(segIds)
	}
	db.idCtr = int64(maxId + 1)

	if err = db.removeOrphanedFiles(segIds); err != nil {
		return nil, fmt.Errorf("clean up orphaned files: %w", err)
	}

	// in case this is a new folder, we create the empty segment
	if len(db.segments) == 0 {
		if _, err = db.addSegment(); err != nil {
			return nil, fmt.Errorf("create segment: %w", err)
		}
	}

	return db, nil
}

// loadSegment brings one generation into the store, preferring the hint
// sidecar over a full replay for sealed generations.
func (db *DB) loadSegment(id int, active bool) error {
	if db.hintEnabled && !active {
		entries, err := loadHint(db.dir, id)
		switch {
		case err == nil:
			seg, err := openSegment(db.dir, id)
			if err != nil {
				return err
			}
			if applied := db.applyHint(seg, entries); applied {
				db.segments = append(db.segments, seg)
				return nil
			}
			// hint references extents the file doesn't have; rescan
			db.log.Warnf("segment %d: hint out of bounds, falling back to scan", id)
			_ = seg.file.Close()
		case os.IsNotExist(err):
			// no hint, scan below
		default:
			db.log.Warnf("segment %d: unusable hint, falling back to scan: %v", id, err)
		}
	}

	seg, recs, err := parseSegment(db.dir, id, active, db.log)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		db.applyReplayed(seg, rec)
	}

	db.segments = append(db.segments, seg)
	return nil
}

// applyReplayed folds one replayed record into the index, accounting the
// bytes that stop being referenced along the way.
func (db *DB) applyReplayed(seg *segment, rec *scannedRecord) {
	switch rec.cmd.Op {
	case opSet:
		old := db.index[rec.cmd.Key]
		db.index[rec.cmd.Key] = &recordLocation{seg: seg, offset: rec.off, length: rec.length}
		if old != nil {
			db.reclaimable += old.length
		}
	case opRemove:
		if old, ok := db.index[rec.cmd.Key]; ok {
			delete(db.index, rec.cmd.Key)
			db.reclaimable += old.length
		}
		// the tombstone itself is dead weight too
		db.reclaimable += rec.length
	}
}

// applyHint populates the index from a hint sidecar. Returns false without
// touching the index when any entry points outside the segment.
func (db *DB) applyHint(seg *segment, entries []hintEntry) bool {
	for _, e := range entries {
		if e.Offset < 0 || e.Length < hdrLen || e.Offset+e.Length > seg.size {
			return false
		}
	}

	for _, e := range entries {
		old := db.index[e.Key]
		db.index[e.Key] = &recordLocation{seg: seg, offset: e.Offset, length: e.Length}
		if old != nil {
			db.reclaimable += old.length
		}
	}
	return true
}

func manifestPath(dir string) string {
	return filepath.Join(dir, "MANIFEST")
}

func ensureManifest(dir string) error {
	_, err := os.Stat(manifestPath(dir))
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat manifest: %w", err)
	}

	// No manifest, let's create it
	f, err := createFileDurable(dir, "MANIFEST")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	return f.Close()
}

func readManifest(dir string) ([]int, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		return nil, err
	}

	var segIds []int
	for _, idStr := range strings.Fields(string(data)) {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("bad manifest entry %q: %w", idStr, err)
		}
		segIds = append(segIds, id)
	}
	return segIds, nil
}

// overwriteManifest publishes the current segment order. Callers hold the
// locks that protect db.segments.
func (db *DB) overwriteManifest() error {
	var sb strings.Builder
	for _, seg := range db.segments {
		fmt.Fprintf(&sb, "%d\n", seg.id)
	}

	if err := replaceFileAtomic(manifestPath(db.dir), []byte(sb.String())); err != nil {
		return fmt.Errorf("atomic write manifest: %w", err)
	}
	return nil
}

func segmentPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.db", id))
}

// segmentId reports whether name is a generation file and which one.
func segmentId(name string) (int, bool) {
	gen, ok := strings.CutSuffix(name, ".db")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(gen)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func (db *DB) claimNextSegmentId() int {
	// We atomically increment and return the previous value so callers always
	// get a unique id even under concurrency without needing external locks.
	return int(atomic.AddInt64(&db.idCtr, 1) - 1)
}

// addSegment creates an empty generation and makes it the active segment.
// Callers must hold the writer lock (or be inside Open).
func (db *DB) addSegment() (*segment, error) {
	seg, err := newSegment(db.dir, db.claimNextSegmentId())
	if err != nil {
		return nil, fmt.Errorf("create new segment: %w", err)
	}

	db.rw.Lock()
	db.segments = append(db.segments, seg)
	err = db.overwriteManifest()
	db.rw.Unlock()

	if err != nil {
		return nil, fmt.Errorf("overwrite manifest: %w", err)
	}

	return seg, nil
}

func (db *DB) Close() error {
	db.wmu.Lock()
	defer db.wmu.Unlock()
	db.rw.Lock()
	defer db.rw.Unlock()

	// close all segments
	for _, s := range db.segments {
		// block until the OS has flushed those pages to stable storage
		if err := s.file.Sync(); err != nil {
			return err
		}

		// close the file
		if err := s.file.Close(); err != nil {
			return err
		}
	}

	return nil
}

// abortOnOpen cleans up whatever Open managed to set up before failing.
// Kept separate from Close, which ensures graceful shutdown.
func (db *DB) abortOnOpen() {
	for _, s := range db.segments {
		_ = s.file.Close()
	}
}

// recordLocation keeps the address of a record in the multi-segment data layout
type recordLocation struct {
	seg    *segment
	offset int64
	length int64 // full record length including header
}

// Get returns the value stored under key, with found reporting whether the
// key exists at all. An absent key is not an error.
func (db *DB) Get(key string) (val string, found bool, err error) {
	db.rw.RLock()
	defer db.rw.RUnlock()

	loc, ok := db.index[key]
	if !ok {
		return "", false, nil
	}

	// the shared lock is held across the positional read so a concurrent
	// compaction publish cannot close this segment's file underneath us
	cmd, _, err := loc.seg.readRecord(loc.offset, loc.length)
	if err != nil {
		// index entries always point at records that existed and verified
		// when inserted, so any failure here implies file damage
		return "", false, fmt.Errorf("read %q at segment %d offset %d: %w",
			key, loc.seg.id, loc.offset, err)
	}

	if cmd.Op != opSet || cmd.Key != key {
		// the extent decoded cleanly but holds the wrong command; the
		// index and the log disagree
		db.log.Warnf("index entry for %q resolved to op=%s key=%q at segment %d offset %d",
			key, cmd.Op, cmd.Key, loc.seg.id, loc.offset)
		return "", false, nil
	}

	return cmd.Value, true, nil
}

func (db *DB) Set(key, val string) error {
	db.wmu.Lock()
	defer db.wmu.Unlock()

	seg := db.activeSegment()

	off, n, err := seg.write(setCommand(key, val), db.fsync)
	if err != nil {
		return err
	}

	// the append is flushed to the OS by the single write syscall above;
	// only now may the index point at it
	db.rw.Lock()
	old := db.index[key]
	db.index[key] = &recordLocation{seg: seg, offset: off, length: n}
	if old != nil {
		db.reclaimable += old.length
	}
	db.rw.Unlock()

	return db.maybeRolloverAndCompact(seg)
}

// Remove deletes key, appending a tombstone so the deletion survives
// recovery. Removing an absent key fails without touching the log.
func (db *DB) Remove(key string) error {
	db.wmu.Lock()
	defer db.wmu.Unlock()

	db.rw.RLock()
	old, ok := db.index[key]
	db.rw.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	seg := db.activeSegment()

	_, n, err := seg.write(removeCommand(key), db.fsync)
	if err != nil {
		return err
	}

	db.rw.Lock()
	delete(db.index, key)
	// the displaced record and the tombstone itself both become garbage
	db.reclaimable += old.length + n
	db.rw.Unlock()

	return db.maybeRolloverAndCompact(seg)
}

// activeSegment returns the segment accepting appends. Callers hold the
// writer lock, which is what keeps the slice tail stable.
func (db *DB) activeSegment() *segment {
	db.rw.RLock()
	defer db.rw.RUnlock()
	return db.segments[len(db.segments)-1]
}

// maybeRolloverAndCompact runs the post-append housekeeping: seal the
// active segment when it is full, then start a compaction if enough dead
// bytes piled up. Called with the writer lock held.
func (db *DB) maybeRolloverAndCompact(active *segment) error {
	if active.size >= db.rolloverThreshold {
		if _, err := db.addSegment(); err != nil {
			return err
		}
	}

	if db.compactionEnabled && db.reclaimableBytes() > db.compactionThreshold {
		db.tryCompact()
	}

	return nil
}

// ReclaimableBytes reports the running estimate of bytes belonging to
// records the index no longer references.
func (db *DB) ReclaimableBytes() int64 {
	return db.reclaimableBytes()
}

func (db *DB) reclaimableBytes() int64 {
	db.rw.RLock()
	defer db.rw.RUnlock()
	return db.reclaimable
}

// DiskSize returns the sum of all on-disk segment file sizes.
func (db *DB) DiskSize() (int64, error) {
	db.rw.RLock()
	defer db.rw.RUnlock()

	var total int64
	for _, seg := range db.segments {
		info, err := seg.file.Stat()
		if err != nil {
			return 0, fmt.Errorf("stat segment file: %w", err)
		}
		total += info.Size()
	}
	return total, nil
}

// removeOrphanedFiles sweeps generation and hint files that the manifest
// does not know about. They are left behind when a crash interrupts a
// compaction between file creation and publish.
func (db *DB) removeOrphanedFiles(segIds []int) error {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}

	// files the manifest accounts for
	expected := mapset.NewSet[string]()
	for _, id := range segIds {
		expected.Add(fmt.Sprintf("%d.db", id))
		expected.Add(fmt.Sprintf("%d.db.hint", id))
	}

	// actual generation-shaped files
	actual := mapset.NewSet[string]()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		base, _ := strings.CutSuffix(name, ".hint")
		if _, ok := segmentId(base); ok {
			actual.Add(name)
		}
	}

	for _, name := range actual.Difference(expected).ToSlice() {
		db.log.Warnf("removing orphaned file %q", name)
		if err := os.Remove(filepath.Join(db.dir, name)); err != nil {
			return fmt.Errorf("remove orphan %q: %w", name, err)
		}
	}

	return nil
}
