package core

import (
	"os"
	"path/filepath"
)

// replaceFileAtomic atomically replaces the file at path with data.
// It does so by writing to a temp file in the same directory, fsyncing it,
// renaming it over the old path, then fsyncing the directory.
func replaceFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	// on error, remove tmp file
	var err error
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	// Create a temp file in the same directory
	// assuming {path}.tmp does not exist, else we will error out
	tmpf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	// on error, remove tmp file handle
	defer func() {
		if err != nil {
			_ = tmpf.Close()
		}
	}()

	// Write all bytes at once
	if _, err = tmpf.Write(data); err != nil {
		return err
	}

	// Sync the temp file to ensure data is on disk
	if err = tmpf.Sync(); err != nil {
		return err
	}

	if err = tmpf.Close(); err != nil {
		return err
	}

	// Atomically rename temp file to its intended name
	if err = os.Rename(tmpPath, path); err != nil {
		return err
	}

	// Finally, fsync the directory so the rename itself is durable
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}

	defer dir.Close() // nolint:errcheck

	return dir.Sync()
}

func createFileDurable(dir, name string) (*os.File, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	// fsync the file
	if err := f.Sync(); err != nil {
		return nil, err
	}

	// Fsync the directory so that the directory entry
	// is also committed to disk
	dfd, err := os.Open(dir)
	if err != nil {
		return nil, err
	}

	defer dfd.Close() // nolint:errcheck

	if err := dfd.Sync(); err != nil {
		return nil, err
	}

	// Now file definitely exists on disk and survives a crash.
	return f, nil
}
