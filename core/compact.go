package core

import (
	"fmt"
	"os"
)

// compactOutput collects what a running compaction has produced so the
// abort path can tear it down again.
type compactOutput struct {
	seg   *segment
	index map[string]*recordLocation // key → location inside seg
}

// tryCompact starts a background compaction unless one is already running.
// use a non-blocking send to acquire the semaphore.
func (db *DB) tryCompact() {
	select {
	case db.compactSem <- struct{}{}:
		// run compaction in a new goroutine
		go func() {
			if err := db.compact(); err != nil {
				select {
				case db.compactErr <- err:
				default:
					db.log.Errorf("compaction failed and error channel is full: %v", err)
				}
			}
			// release semaphore
			<-db.compactSem
		}()
	default:
		// compaction already running
	}
}

// CompactionErrors exposes failures of background compactions.
func (db *DB) CompactionErrors() <-chan error { return db.compactErr }

// Compact rewrites all live records into a fresh generation and drops the
// superseded ones. It blocks until done, waiting out a background
// compaction first if one is in flight.
func (db *DB) Compact() error {
	db.compactSem <- struct{}{}
	defer func() { <-db.compactSem }()
	return db.compact()
}

func (db *DB) compact() (rerr error) {
	// Seal the log: everything below the compaction generation becomes
	// read-only, and appends that race with the copy land in a generation
	// newer than it. The writer lock is held only for this redirect.
	db.wmu.Lock()
	gen := db.claimNextSegmentId()
	if _, err := db.addSegment(); err != nil {
		db.wmu.Unlock()
		return fmt.Errorf("roll over active segment: %w", err)
	}

	// snapshot the live locations; no writer can interleave here
	db.rw.RLock()
	snapshot := make(map[string]*recordLocation, len(db.index))
	for key, loc := range db.index {
		if loc.seg.id < gen {
			snapshot[key] = loc
		}
	}
	db.rw.RUnlock()
	db.wmu.Unlock()

	// input is decided, run the callback for testing
	db.onCompactStart()

	out := &compactOutput{index: make(map[string]*recordLocation, len(snapshot))}

	defer func() {
		// in case of an unhandled error, we're rolling back
		// by removing the segment created for the compaction
		if rerr != nil {
			if err := db.abortCompact(out); err != nil {
				db.log.Warnf("abort compaction: %v", err)
			}
		}
	}()

	seg, err := newSegment(db.dir, gen)
	if err != nil {
		return fmt.Errorf("create compaction segment: %w", err)
	}
	out.seg = seg

	for key, loc := range snapshot {
		// verify each record on the way through; a record that no longer
		// checks out must not be carried forward silently
		_, raw, err := loc.seg.readRecord(loc.offset, loc.length)
		if err != nil {
			return fmt.Errorf("copy %q from segment %d: %w", key, loc.seg.id, err)
		}

		off := seg.size
		if _, err := seg.file.Write(raw); err != nil {
			return fmt.Errorf("write %q on segment %d: %w", key, seg.id, err)
		}
		seg.size += int64(len(raw))

		out.index[key] = &recordLocation{seg: seg, offset: off, length: int64(len(raw))}
	}

	// the new generation must be fully on disk before anything old goes away
	if err := seg.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %d: %w", seg.id, err)
	}

	if err := db.publishCompacted(gen, out); err != nil {
		return err
	}

	// the hint is a pure accelerator; failing to write it costs a slower
	// open, nothing else
	if db.hintEnabled {
		if err := writeHint(db.dir, gen, out.index); err != nil {
			db.log.Warnf("write hint for segment %d: %v", gen, err)
		}
	}

	return nil
}

// publishCompacted swaps the compacted generation in. Everything in here
// happens under both locks: no reader can be mid-flight on a segment we
// close, and no writer can interleave with the index rewrite.
//
// An error in here is fatal to the store: the segment list, the manifest
// and the directory contents can no longer be assumed to agree.
func (db *DB) publishCompacted(gen int, out *compactOutput) error {
	db.wmu.Lock()
	defer db.wmu.Unlock()
	db.rw.Lock()
	defer db.rw.Unlock()

	var keep, drop []*segment
	for _, s := range db.segments {
		if s.id < gen {
			drop = append(drop, s)
		} else {
			keep = append(keep, s)
		}
	}

	// the compacted generation replays before everything written since
	db.segments = append([]*segment{out.seg}, keep...)

	// fold the new locations back in, but carefully: a key overwritten or
	// deleted while we were copying has its truth in a newer generation,
	// and that must win
	for key, nloc := range out.index {
		cur, ok := db.index[key]
		if !ok {
			// deleted while compacting, skip
			continue
		}
		if cur.seg.id < gen {
			db.index[key] = nloc
		}
	}

	// racing appends may have parked a little fresh garbage in newer
	// generations; the counter only gates the next compaction, so starting
	// over from zero is fine
	db.reclaimable = 0

	if err := db.overwriteManifest(); err != nil {
		return fmt.Errorf("overwrite manifest: %w", err)
	}

	// remove superseded segment files; ignore errors and log them
	for _, seg := range drop {
		if err := seg.file.Close(); err != nil {
			db.log.Warnf("close old segment %d: %v", seg.id, err)
		}

		if err := os.Remove(segmentPath(db.dir, seg.id)); err != nil {
			db.log.Warnf("remove old segment %d: %v", seg.id, err)
		}

		if err := os.Remove(hintPath(db.dir, seg.id)); err != nil && !os.IsNotExist(err) {
			db.log.Warnf("remove old hint %d: %v", seg.id, err)
		}
	}

	return nil
}

func (db *DB) abortCompact(out *compactOutput) error {
	db.log.Warnf("compaction failed, releasing resources")

	if out.seg == nil {
		return nil
	}

	if err := out.seg.file.Close(); err != nil {
		return fmt.Errorf("close segment %d: %w", out.seg.id, err)
	}

	if err := os.Remove(segmentPath(db.dir, out.seg.id)); err != nil {
		return fmt.Errorf("remove segment %d: %w", out.seg.id, err)
	}

	return nil
}
