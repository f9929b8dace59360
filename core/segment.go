package core

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// segment owns one append-only generation file. The last segment in the
// store's list is the active one; all others are sealed and read-only.
type segment struct {
	id   int
	file *os.File // open file handle for reading and writing records
	size int64    // size of the segment file in bytes
}

func newSegment(dir string, id int) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create segment file %q: %w", path, err)
	}

	return &segment{id: id, file: f, size: 0}, nil
}

// openSegment opens an existing generation without replaying it. Used on
// the hint fast path, where the index contents are already known.
func openSegment(dir string, id int) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment file %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment file %q: %w", path, err)
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek segment %d: %w", id, err)
	}

	return &segment{id: id, file: f, size: info.Size()}, nil
}

// parseSegment opens a generation and replays its records in offset order.
//
// A torn tail or a corrupt record stops the replay with a warning; records
// before the stop point are still returned. Only when active is set do we
// truncate the file back to the last good offset, so the next append lands
// where the replay ended. Sealed generations keep their bytes untouched.
func parseSegment(dir string, id int, active bool, log *zap.SugaredLogger) (rseg *segment, recs []*scannedRecord, rerr error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open segment file %q: %w", path, err)
	}

	seg := &segment{id: id, file: f}

	defer func() {
		if rerr != nil {
			if err := seg.file.Close(); err != nil {
				log.Warnf("close segment %d: %v", seg.id, err)
			}
		}
	}()

	// collect the records from the current segment
	rs := newRecordScanner(seg.file)
	for rs.scan() {
		recs = append(recs, rs.record)
	}

	if err := rs.err; err != nil {
		// a bad record mid-segment ends this generation's replay but must
		// not fail the open; whatever was acknowledged before it survives
		if errors.Is(err, ErrCorruption) || errors.Is(err, ErrCodec) {
			log.Warnf("segment %d: replay stopped at offset %d: %v", seg.id, rs.end, err)
		} else {
			return nil, nil, fmt.Errorf("scan segment %d: %w", seg.id, err)
		}
	} else if info, err := seg.file.Stat(); err == nil && info.Size() > rs.end {
		// the scanner ends quietly on a partial trailing record
		log.Warnf("segment %d: ignoring torn tail of %d bytes at offset %d",
			seg.id, info.Size()-rs.end, rs.end)
	}

	// replay ends at the last complete record
	seg.size = rs.end

	if active {
		// drop the torn tail so appends continue from the recovered offset
		if err := seg.file.Truncate(seg.size); err != nil {
			return nil, nil, fmt.Errorf("truncate segment %d: %w", seg.id, err)
		}

		// Go to the "new" end of the file in case it's truncated
		if _, err := seg.file.Seek(0, io.SeekEnd); err != nil {
			return nil, nil, fmt.Errorf("seek on truncated segment %d: %w", seg.id, err)
		}
	}

	return seg, recs, nil
}

// write appends one record to the segment and returns its start offset and
// total length. Only the active segment's owner may call this.
func (s *segment) write(cmd command, fsync bool) (off int64, n int64, err error) {
	off = s.size

	n, err = writeRecord(s.file, cmd)
	if err != nil {
		return 0, 0, fmt.Errorf("write record on segment %d: %w", s.id, err)
	}

	// increase file size by the written byte count
	s.size += n

	if fsync {
		// fsync-per-write durability is opt-in; it costs milliseconds and
		// only makes sense when the caller accepts that per commit.
		if err := s.file.Sync(); err != nil {
			return 0, 0, fmt.Errorf("sync segment %d: %w", s.id, err)
		}
	}

	return off, n, nil
}

// readRecord is a concurrent-safe positional read; it never moves the
// file cursor.
func (s *segment) readRecord(off, length int64) (command, []byte, error) {
	return readRecordAt(s.file, off, length)
}
