//go:build goexperiment.synctest

package core

import (
	"fmt"
	"testing"
	"testing/synctest"
)

// TestNoCompactionBelowGate ensures we do NOT compact prematurely.
func TestNoCompactionBelowGate(t *testing.T) {
	synctest.Run(func() {
		var started int
		_, db := SetupTempDB(t,
			WithRolloverThreshold(256),
			WithCompactionThreshold(1<<20),
			WithOnCompactStart(func() { started++ }),
		)

		// a few overwrites, nowhere near a megabyte of garbage
		for i := 0; i < 20; i++ {
			_ = db.Set("k", fmt.Sprintf("v%d", i))
		}

		synctest.Wait()
		if started != 0 {
			t.Fatalf("compaction ran below the gate (%d times)", started)
		}
	})
}

// TestAutoCompactionTriggered crosses the reclaimable-bytes gate and
// checks the store shrinks while keeping the live value.
func TestAutoCompactionTriggered(t *testing.T) {
	synctest.Run(func() {
		var started int
		_, db := SetupTempDB(t,
			WithRolloverThreshold(512),
			WithCompactionThreshold(2048),
			WithOnCompactStart(func() { started++ }),
		)

		var written int64
		for i := 0; i < 200; i++ {
			val := fmt.Sprintf("v%03d", i)
			_ = db.Set("k", val)
			written += int64(len(rawRecord(t, setCommand("k", val))))
		}

		synctest.Wait() // wait until compaction goroutines exit

		select {
		case err := <-db.CompactionErrors():
			t.Fatalf("unexpected compaction error: %v", err)
		default:
		}

		if started == 0 {
			t.Fatalf("expected at least one compaction")
		}

		size, err := db.DiskSize()
		if err != nil {
			t.Fatalf("DiskSize: %v", err)
		}
		if size > written/2 {
			t.Fatalf("store did not shrink: %d bytes on disk, %d ever written", size, written)
		}

		if got, found, err := db.Get("k"); err != nil || !found || got != "v199" {
			t.Fatalf("want k=v199, got %q found=%v err=%v", got, found, err)
		}
	})
}

// TestCompactionPersistence verifies state is consistent after closing and
// reopening following a background compaction.
func TestCompactionPersistence(t *testing.T) {
	synctest.Run(func() {
		dir, db := SetupTempDB(t,
			WithRolloverThreshold(512),
			WithCompactionThreshold(2048),
		)

		for i := 0; i < 100; i++ {
			for k := 0; k < 4; k++ {
				_ = db.Set(fmt.Sprintf("k%d", k), fmt.Sprintf("v%d", i))
			}
		}

		synctest.Wait()
		_ = db.Close()

		reopened, err := Open(dir,
			WithRolloverThreshold(512),
			WithCompactionThreshold(2048),
		)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer reopened.Close() // nolint:errcheck

		for k := 0; k < 4; k++ {
			key := fmt.Sprintf("k%d", k)
			if got, found, err := reopened.Get(key); err != nil || !found || got != "v99" {
				t.Fatalf("want %s=v99, got %q found=%v err=%v", key, got, found, err)
			}
		}
	})
}

// TestCompactionByVolume keeps rewriting a keyspace until the directory
// shrinks, then checks every key reads back the newest round, including
// after a restart.
func TestCompactionByVolume(t *testing.T) {
	synctest.Run(func() {
		dir, db := SetupTempDB(t,
			WithRolloverThreshold(4096),
			WithCompactionThreshold(8192),
		)

		current, err := db.DiskSize()
		if err != nil {
			t.Fatalf("DiskSize: %v", err)
		}

		for iter := 0; iter < 100; iter++ {
			for j := 0; j < 100; j++ {
				if err := db.Set(fmt.Sprintf("key%d", j), fmt.Sprintf("%d", iter)); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}

			synctest.Wait()

			newSize, err := db.DiskSize()
			if err != nil {
				t.Fatalf("DiskSize: %v", err)
			}
			if newSize > current {
				current = newSize
				continue
			}

			// compaction ran; every key must hold this round's value
			want := fmt.Sprintf("%d", iter)
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key%d", j)
				if got, found, err := db.Get(key); err != nil || !found || got != want {
					t.Fatalf("want %s=%s, got %q found=%v err=%v", key, want, got, found, err)
				}
			}

			// and again after a restart
			_ = db.Close()
			reopened, err := Open(dir)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer reopened.Close() // nolint:errcheck

			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key%d", j)
				if got, found, err := reopened.Get(key); err != nil || !found || got != want {
					t.Fatalf("after reopen want %s=%s, got %q found=%v err=%v", key, want, got, found, err)
				}
			}
			return
		}

		t.Fatal("no compaction detected")
	})
}

// TestCompactionUnderConcurrentWrites keeps writing while compactions run
// and re-trigger; nothing written during a compaction may be lost.
func TestCompactionUnderConcurrentWrites(t *testing.T) {
	synctest.Run(func() {
		var db *DB
		var started int
		_, db = SetupTempDB(t,
			WithRolloverThreshold(256),
			WithCompactionThreshold(1024),
			WithOnCompactStart(func() {
				started++
				// more garbage while the compaction runs; the gate stays
				// crossed but the semaphore must swallow the re-triggers
				for i := 0; i < 30; i++ {
					_ = db.Set("noise", fmt.Sprintf("n%d", i))
				}
			}),
		)

		for i := 0; i < 40; i++ {
			_ = db.Set("k", fmt.Sprintf("v%d", i))
		}

		synctest.Wait()

		if started == 0 {
			t.Fatalf("expected a compaction to run")
		}

		if got, found, _ := db.Get("noise"); !found || got != "n29" {
			t.Fatalf("want noise=n29, got %q found=%v", got, found)
		}
		if got, found, _ := db.Get("k"); !found || got != "v39" {
			t.Fatalf("want k=v39, got %q found=%v", got, found)
		}
	})
}
