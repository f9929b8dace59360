package core

import "errors"

var (
	// ErrKeyNotFound is returned by Remove when the key is absent.
	// Get reports absence through its found flag instead.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCorruption covers checksum mismatches and impossible headers.
	ErrCorruption = errors.New("corrupted record")

	// ErrCodec means a record payload did not deserialize.
	ErrCodec = errors.New("cannot decode payload")
)
