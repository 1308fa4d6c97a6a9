// Package dberrors defines the sentinel errors shared across the engine.
//
// A get-miss is not one of these: Get returns (nil, nil) on a missing key,
// matching the comma-ok convention the rest of Go uses for "absent is
// normal" lookups.
package dberrors

import "errors"

var (
	// ErrClosed is returned by Get, Put, Delete and Write once Close has
	// been called; the other methods do not check for it.
	ErrClosed = errors.New("lsmtree: database closed")

	// ErrCorruption marks a checksum, manifest, or on-disk format
	// violation. Corruption during log replay is recovered from (replay
	// stops at the last good record); corruption in the manifest
	// or in a referenced table file is fatal at open.
	ErrCorruption = errors.New("lsmtree: corruption")

	// ErrInvalidArgument marks malformed options or arguments.
	ErrInvalidArgument = errors.New("lsmtree: invalid argument")

	// ErrDatabaseBusy is returned by Open when another process holds the
	// directory lock.
	ErrDatabaseBusy = errors.New("lsmtree: database locked by another process")

	// ErrIteratorOutOfRange is returned by Key/Value on an exhausted or
	// not-yet-positioned iterator. Next returns no error: it leaves an
	// exhausted iterator exhausted and panics before SeekToFirst/Seek.
	ErrIteratorOutOfRange = errors.New("lsmtree: iterator out of range")

	// ErrExists is returned by Open when ErrorIfExists is set and the
	// database already exists.
	ErrExists = errors.New("lsmtree: database already exists")
)
