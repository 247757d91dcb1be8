/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan  3 14:54:09 2018 mstenber
 * Last modified: Thu Jan  4 01:08:03 2018 mstenber
 * Edit time:     4 min
 *
 */

package blockio

// BackendConfiguration is handed to a Backend's Init by factory.New;
// kept as a struct (rather than growing Init's argument list) the
// same way the teacher's storage.BackendConfiguration does, so new
// backend-specific knobs don't change every factory's signature.
type BackendConfiguration struct {
	Directory string
	NrBlocks  uint64
}

// Backend is the shadow behind the throne: it actually persists
// fixed BlockSize blocks, addressed purely by Location. Unlike the
// teacher's content-addressed storage.BlockBackend, there is no
// reference counting or naming here - that is spacemap's and
// metadata's job, layered on top.
type Backend interface {
	// Init prepares the backend for use (opening files/databases).
	Init(config BackendConfiguration) error

	// Close releases any resources.
	Close() error

	// ReadBlock returns the BlockSize bytes at loc. Reading a
	// location that was never written returns a zeroed block.
	ReadBlock(loc Location) ([]byte, error)

	// WriteBlock persists exactly BlockSize bytes at loc.
	WriteBlock(loc Location, data []byte) error

	// Sync forces durability of everything written so far; the
	// transaction manager calls this as the final step of
	// Commit, after the superblock write, to establish the
	// atomicity point (spec.md §4.1).
	Sync() error

	// NrBlocks returns the capacity of the backend in blocks.
	NrBlocks() uint64
}
