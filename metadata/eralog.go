/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan 17 12:37:08 2018 mstenber
 * Last modified: Thu Feb  1 17:46:44 2018 mstenber
 * Edit time:     54 min
 *
 */

package metadata

import "github.com/fingon/go-dmcache/util"

// eraEntry is one closed era's write tally: how many distinct blocks
// were touched while that era was current.
type eraEntry struct {
	era          uint64
	writtenCount uint64
}

// EraLog is the supplemented era-target peripheral surface
// (SPEC_FULL.md §3, grounded on dm-hsm.c's era tracking): a small
// ring of per-era write tallies plus the set of metadata snapshots
// taken for each. It is intentionally thin - spec.md §1 treats the
// era target as out of primary scope, so this exists only far enough
// to exercise the checkpoint/take_metadata_snap/drop_metadata_snap
// CLI surface named in spec.md §6.
type EraLog struct {
	current uint64
	written map[uint64]bool // blocks touched in the current era
	entries []eraEntry

	snapshots map[uint64]bool // era -> has a metadata snapshot

	lock util.MutexLocked
}

func (self EraLog) Init() *EraLog {
	self.written = make(map[uint64]bool)
	self.snapshots = make(map[uint64]bool)
	return &self
}

// RecordWrite marks b as touched in the current era.
func (self *EraLog) RecordWrite(b uint64) {
	defer self.lock.Locked()()
	self.written[b] = true
}

// Checkpoint closes the current era, tallies its write count, and
// opens a new one.
func (self *EraLog) Checkpoint() uint64 {
	defer self.lock.Locked()()
	self.entries = append(self.entries, eraEntry{era: self.current, writtenCount: uint64(len(self.written))})
	closed := self.current
	self.current++
	self.written = make(map[uint64]bool)
	return closed
}

// TakeMetadataSnap records that a metadata snapshot now exists for
// the current era, returning its era number.
func (self *EraLog) TakeMetadataSnap() uint64 {
	defer self.lock.Locked()()
	self.snapshots[self.current] = true
	return self.current
}

// DropMetadataSnap removes the snapshot marker for a given era, if
// any.
func (self *EraLog) DropMetadataSnap(era uint64) {
	defer self.lock.Locked()()
	delete(self.snapshots, era)
}

// CurrentEra reports the era presently accumulating writes.
func (self *EraLog) CurrentEra() uint64 {
	defer self.lock.Locked()()
	return self.current
}

// WriteCount reports how many closed eras have recorded tallies, and
// the total number of distinct blocks touched across them.
func (self *EraLog) WriteCount() (eras int, totalBlocks uint64) {
	defer self.lock.Locked()()
	for _, e := range self.entries {
		totalBlocks += e.writtenCount
	}
	return len(self.entries), totalBlocks
}
