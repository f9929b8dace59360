package core

import (
	"bytes"
	"os"
	"testing"
)

func SetupTempDB(tb testing.TB, dbOpts ...Option) (string, *DB) {
	tb.Helper()

	// make a temp dir
	path, err := os.MkdirTemp("", "bitcaskplus_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}

	// open the db
	db, err := Open(path, dbOpts...)
	if err != nil {
		// if Open fails, clean up the dir immediately
		_ = os.RemoveAll(path)
		tb.Fatalf("Open(%q) failed: %v", path, err)
	}

	// On cleanup, close DB then delete the dir
	tb.Cleanup(func() {
		_ = db.Close()
		_ = os.RemoveAll(path)
	})

	return path, db
}

// rawRecord renders one record the way the write path would.
func rawRecord(tb testing.TB, cmd command) []byte {
	tb.Helper()

	var buf bytes.Buffer
	if _, err := writeRecord(&buf, cmd); err != nil {
		tb.Fatalf("writeRecord: %v", err)
	}
	return buf.Bytes()
}
