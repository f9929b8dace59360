package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zeebo/xxh3"
)

// A hint sidecar caches the index entries of a freshly compacted
// generation so a later open can skip replaying it. The file holds
// length-prefixed JSON entries followed by an 8-byte xxh3 digest of all
// preceding bytes; a torn or bit-rotted hint fails the digest check and
// the open falls back to a plain scan. Hints never carry data the log
// itself doesn't have.

type hintEntry struct {
	Key    string `json:"key"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

const hintDigestLen = 8

func hintPath(dir string, id int) string {
	return segmentPath(dir, id) + ".hint"
}

func writeHint(dir string, id int, locs map[string]*recordLocation) error {
	var buf bytes.Buffer

	var lenPrefix [4]byte
	for key, loc := range locs {
		payload, err := json.Marshal(hintEntry{Key: key, Offset: loc.offset, Length: loc.length})
		if err != nil {
			return fmt.Errorf("marshal hint entry: %w", err)
		}

		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
		buf.Write(lenPrefix[:])
		buf.Write(payload)
	}

	var digest [hintDigestLen]byte
	binary.LittleEndian.PutUint64(digest[:], xxh3.Hash(buf.Bytes()))
	buf.Write(digest[:])

	return replaceFileAtomic(hintPath(dir, id), buf.Bytes())
}

// loadHint reads a generation's sidecar back. Missing files surface the
// os.IsNotExist error untouched; a hint that doesn't verify is reported as
// ErrCorruption, an entry that doesn't parse as ErrCodec, and in either case
// the caller rescans the data file instead.
func loadHint(dir string, id int) ([]hintEntry, error) {
	data, err := os.ReadFile(hintPath(dir, id))
	if err != nil {
		return nil, err
	}

	if len(data) < hintDigestLen {
		return nil, fmt.Errorf("%w: hint shorter than its digest", ErrCorruption)
	}

	body := data[:len(data)-hintDigestLen]
	want := binary.LittleEndian.Uint64(data[len(data)-hintDigestLen:])
	if got := xxh3.Hash(body); got != want {
		return nil, fmt.Errorf("%w: hint digest expected %x, got %x", ErrCorruption, want, got)
	}

	var entries []hintEntry
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: dangling hint length prefix", ErrCorruption)
		}
		n := int(binary.LittleEndian.Uint32(body[:4]))
		body = body[4:]
		if n > len(body) {
			return nil, fmt.Errorf("%w: hint entry overruns file", ErrCorruption)
		}

		var e hintEntry
		if err := json.Unmarshal(body[:n], &e); err != nil {
			return nil, fmt.Errorf("%w: hint entry: %v", ErrCodec, err)
		}
		entries = append(entries, e)
		body = body[n:]
	}

	return entries, nil
}
