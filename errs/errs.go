// Package errs holds the sentinel error values shared across every
// layer of the stack (spec.md §7). Only ErrWouldBlock and the
// data-device flavor of ErrNoSpace are retryable; everything else is
// fatal to the in-progress transaction. A failed metadata commit
// leaves metadata.Handle with a sticky ErrConsistencyFail; cache.Core
// keeps no sticky error of its own.
package errs

import "errors"

var (
	// ErrWouldBlock is returned by a non-blocking transaction
	// manager clone (or a try-lock) instead of waiting.
	ErrWouldBlock = errors.New("dmcache: operation would block")

	// ErrNoSpace is returned by the space map when no block is
	// free (metadata variant), or by metadata.Insert when the
	// data device is exhausted (data variant). Callers
	// distinguish the two by which call produced it, per spec.md §7.
	ErrNoSpace = errors.New("dmcache: no space left")

	// ErrChecksumFail is returned by a block validator when a
	// read block's stored location or CRC does not match.
	ErrChecksumFail = errors.New("dmcache: checksum validation failed")

	// ErrIOError wraps a failure from the underlying block backend.
	ErrIOError = errors.New("dmcache: I/O error")

	// ErrConsistencyFail marks a handle as permanently broken
	// after a failed commit; every subsequent mutating call
	// returns it until the metadata device is remounted.
	ErrConsistencyFail = errors.New("dmcache: consistency failure, remount required")

	// ErrOutOfMemory is returned when a fixed-size arena (cache
	// policy entries, in-flight cache-block objects) is exhausted.
	ErrOutOfMemory = errors.New("dmcache: arena exhausted")

	// ErrInvalidArg is returned synchronously by constructors and
	// resize operations for malformed arguments.
	ErrInvalidArg = errors.New("dmcache: invalid argument")

	// ErrNotFound is returned by lookups that find nothing; it is
	// not one of the sticky/error-event kinds in spec.md §7, just
	// a negative result.
	ErrNotFound = errors.New("dmcache: not found")
)
