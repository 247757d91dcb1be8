/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Thu Dec 14 19:10:02 2017 mstenber
 * Last modified: Wed Jan  3 23:24:15 2018 mstenber
 * Edit time:     322 min
 *
 */

// spacemap implements the dual bitmap/ref-count-tree block allocator
// described in spec.md §4.2. It sits directly on top of blockio.Cache
// rather than the transaction manager, because the transaction
// manager itself is built on the space map (new_block/shadow both
// allocate); routing space-map node writes through blockio.Cache
// directly, with the map's own bootstrap bump allocator for its
// ref-count tree's nodes, is what breaks that circular dependency -
// the same resolution the teacher's storage layer uses for its own
// lowest level (direct backend access, no caching indirection above
// it).
package spacemap

import (
	"encoding/binary"
	"fmt"

	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/btree"
	"github.com/fingon/go-dmcache/errs"
	"github.com/fingon/go-dmcache/mlog"
	"github.com/fingon/go-dmcache/util"
)

// bitsPerEntry is spec.md §6's "two-bit per entry" bitmap encoding:
// 0, 1, 2, or 3="many" (look up the ref-count tree for the real count).
const bitsPerEntry = 2
const entriesPerWord = 64 / bitsPerEntry
const manyMarker = uint64(3)

// maxUncommitted bounds the recursion-hazard queue (spec.md §4.2:
// "bounded length, e.g. 32").
const maxUncommitted = 32

type pendingOp struct {
	block blockio.Location
	delta int
}

// SpaceMap manages block 0..nrBlocks-1 of one metadata device.
type SpaceMap struct {
	cache     *blockio.Cache
	nrBlocks  uint64
	bitmapLoc []blockio.Location // one location per bitmap block
	indexLoc  blockio.Location   // block holding the serialised bitmapLoc array

	refTree *btree.Tree // overflow ref-count tree, keyed by block number

	refRoot blockio.Location

	lock util.MutexLocked

	recursionCount int
	uncommitted    []pendingOp

	// oldBitmap is a pre-transaction snapshot of every bitmap block's
	// raw words, taken at Create/Open/Commit time. Alloc searches this
	// frozen copy rather than the live, dirty-overlaid bitmap, so a
	// block Dec'd to zero earlier in the same open transaction cannot
	// be handed back out before commit (spec.md §4.2; mirrors
	// dm-space-map-disk.c's sm_disk.old_ll, a full separate ll_disk
	// snapshot that ll_find_free_block searches while sm_disk.ll holds
	// the live, mutated state).
	oldBitmap [][]byte
	// allocCursor is the next offset Alloc resumes its search from
	// (dm-space-map-disk.c's sm_disk.begin): since oldBitmap never
	// changes within a transaction, without this a second Alloc call
	// would just find the same already-claimed block again.
	allocCursor uint64
	// allocatedThisTx is reset on Commit.
	allocatedThisTx int

	bootstrap   bool
	bumpCursor  uint64
	bootstrapLo uint64
	bootstrapHi uint64
}

// RefTreeNodeStore gives the overflow ref-count tree its nodes without
// going through the TM - this is the concrete mechanism behind spec.md
// §4.2's recursion hazard resolution. NewBlock uses the bootstrap bump
// allocator, so it only succeeds while Create is running; afterwards
// the tree cannot allocate new nodes and an insert that needs a split
// fails.
type refTreeNodeStore struct {
	sm *SpaceMap
}

func (self refTreeNodeStore) NewBlock() (blockio.Location, error) {
	return self.sm.allocateRaw()
}
func (self refTreeNodeStore) Shadow(orig blockio.Location) (blockio.Location, bool, error) {
	// the ref-count tree's own nodes are not copy-on-write across
	// transactions: they are updated in place, so shadow is a no-op
	// here.
	return orig, false, nil
}
func (self refTreeNodeStore) ReadLocked(loc blockio.Location) ([]byte, func(), error) {
	return self.sm.cache.ReadLocked(loc)
}
func (self refTreeNodeStore) WriteLocked(loc blockio.Location) ([]byte, func(), error) {
	return self.sm.cache.WriteLocked(loc)
}
func (self refTreeNodeStore) MarkDirty(loc blockio.Location, data []byte) {
	self.sm.cache.MarkDirty(loc, data)
}
func (self refTreeNodeStore) Inc(loc blockio.Location) error { return nil }
func (self refTreeNodeStore) Dec(loc blockio.Location) error { return nil }

type refCountValueType struct{}

func (refCountValueType) Size() int                 { return 4 }
func (refCountValueType) Copy(old, new []byte) error { return nil }
func (refCountValueType) Del(v []byte) error         { return nil }
func (refCountValueType) Equal(a, b []byte) bool {
	return binary.LittleEndian.Uint32(a) == binary.LittleEndian.Uint32(b)
}

// Create bootstraps a brand-new space map over [0, nrBlocks) using a
// bump allocator (spec.md §4.2's "bootstrap mode"); it reserves the
// bitmap blocks themselves and the ref-count tree's initial empty
// root, bumping their own refcounts to 1 once the real structures
// exist - the "fix-up loop" the spec calls for. The bump allocator
// starts at block 1: block 0 is left for the metadata superblock and
// is marked allocated by the same fix-up loop.
func Create(cache *blockio.Cache, nrBlocks uint64) (*SpaceMap, error) {
	mlog.Printf2("spacemap/spacemap", "Create %v blocks", nrBlocks)
	nrBitmapBlocks := (nrBlocks + entriesPerWord*512 - 1) / (entriesPerWord * 512)
	if nrBitmapBlocks == 0 {
		nrBitmapBlocks = 1
	}
	sm := &SpaceMap{
		cache:       cache,
		nrBlocks:    nrBlocks,
		bootstrap:   true,
		bootstrapLo: 0,
		bootstrapHi: nrBlocks,
		bumpCursor:  1,
	}
	sm.refTree = (&btree.Tree{Store: refTreeNodeStore{sm}, ValueType: refCountValueType{}}).Init()

	sm.bitmapLoc = make([]blockio.Location, nrBitmapBlocks)
	for i := range sm.bitmapLoc {
		loc, err := sm.allocateRaw()
		if err != nil {
			return nil, err
		}
		sm.bitmapLoc[i] = loc
		data, unlock, err := cache.WriteLocked(loc)
		if err != nil {
			return nil, err
		}
		cache.MarkDirty(loc, data)
		unlock()
	}
	root, err := sm.refTree.Empty()
	if err != nil {
		return nil, err
	}
	sm.refRoot = root

	indexLoc, err := sm.allocateRaw()
	if err != nil {
		return nil, err
	}
	sm.indexLoc = indexLoc

	// fix-up: block 0 and every block handed out by allocateRaw during
	// bootstrap (the bitmap blocks, the ref-tree's empty root, and the
	// index block) must now be reflected as allocated in the real bitmap.
	sm.bootstrap = false
	for b := uint64(0); b < sm.bumpCursor; b++ {
		if err := sm.setBit(blockio.Location(b), 1); err != nil {
			return nil, err
		}
	}
	if err := sm.writeIndex(); err != nil {
		return nil, err
	}
	if err := sm.snapshotBitmap(); err != nil {
		return nil, err
	}
	return sm, nil
}

func (self *SpaceMap) writeIndex() error {
	data, unlock, err := self.cache.WriteLocked(self.indexLoc)
	if err != nil {
		return err
	}
	defer unlock()
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(self.bitmapLoc)))
	for i, loc := range self.bitmapLoc {
		binary.LittleEndian.PutUint64(data[4+i*8:], uint64(loc))
	}
	self.cache.MarkDirty(self.indexLoc, data)
	return nil
}

func readIndex(cache *blockio.Cache, indexLoc blockio.Location) ([]blockio.Location, error) {
	data, unlock, err := cache.ReadLocked(indexLoc)
	if err != nil {
		return nil, err
	}
	defer unlock()
	n := binary.LittleEndian.Uint32(data[0:4])
	locs := make([]blockio.Location, n)
	for i := range locs {
		locs[i] = blockio.Location(binary.LittleEndian.Uint64(data[4+i*8:]))
	}
	return locs, nil
}

// rootBlobSize is what EncodeRoot/DecodeRoot occupy in the
// superblock's ≤32-byte space-map root field (spec.md §6).
const rootBlobSize = 20

// EncodeRoot serialises this space map's persistent root (index block
// location, ref-count tree root, and bitmap-block count) for the
// metadata layer to copy into the superblock tail.
func (self *SpaceMap) EncodeRoot() []byte {
	buf := make([]byte, rootBlobSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(self.indexLoc))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(self.refRoot))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(self.bitmapLoc)))
	return buf
}

// Open reopens a space map whose root blob (from EncodeRoot) is
// already on disk, read from the superblock by the metadata layer.
func Open(cache *blockio.Cache, nrBlocks uint64, rootBlob []byte) (*SpaceMap, error) {
	indexLoc := blockio.Location(binary.LittleEndian.Uint64(rootBlob[0:8]))
	refRoot := blockio.Location(binary.LittleEndian.Uint64(rootBlob[8:16]))
	bitmapLoc, err := readIndex(cache, indexLoc)
	if err != nil {
		return nil, err
	}
	sm := &SpaceMap{cache: cache, nrBlocks: nrBlocks, bitmapLoc: bitmapLoc, refRoot: refRoot, indexLoc: indexLoc}
	sm.refTree = (&btree.Tree{Store: refTreeNodeStore{sm}, ValueType: refCountValueType{}}).Init()
	if err := sm.snapshotBitmap(); err != nil {
		return nil, err
	}
	return sm, nil
}

// BitmapLocations and RefRoot are exposed for tests and diagnostics.
func (self *SpaceMap) BitmapLocations() []blockio.Location { return self.bitmapLoc }
func (self *SpaceMap) RefRoot() blockio.Location           { return self.refRoot }

func bitIndexWord(b uint64) (blockIdx uint64, wordOff int, shift uint) {
	blockIdx = b / (entriesPerWord * 512)
	withinBlock := b % (entriesPerWord * 512)
	wordOff = int(withinBlock / entriesPerWord)
	shift = uint(withinBlock%entriesPerWord) * bitsPerEntry
	return blockIdx, wordOff, shift
}

func (self *SpaceMap) bitWord(b uint64) (blockLoc blockio.Location, wordOff int, shift uint) {
	blockIdx, wordOff, shift := bitIndexWord(b)
	return self.bitmapLoc[blockIdx], wordOff, shift
}

func (self *SpaceMap) getBit(b uint64) (uint64, error) {
	loc, wordOff, shift := self.bitWord(b)
	data, unlock, err := self.cache.ReadLocked(loc)
	if err != nil {
		return 0, err
	}
	defer unlock()
	word := binary.LittleEndian.Uint64(data[wordOff*8:])
	return (word >> shift) & 0x3, nil
}

// snapshotBitmap copies every bitmap block's current (post-commit)
// contents into oldBitmap and rewinds allocCursor, establishing the
// frozen view Alloc searches for the next transaction.
func (self *SpaceMap) snapshotBitmap() error {
	snap := make([][]byte, len(self.bitmapLoc))
	for i, loc := range self.bitmapLoc {
		data, unlock, err := self.cache.ReadLocked(loc)
		if err != nil {
			return err
		}
		snap[i] = append([]byte(nil), data...)
		unlock()
	}
	self.oldBitmap = snap
	self.allocCursor = 0
	return nil
}

// getBitSnapshot reads b's two-bit state from the frozen oldBitmap
// rather than the live, possibly dirty-overlaid bitmap.
func (self *SpaceMap) getBitSnapshot(b uint64) uint64 {
	blockIdx, wordOff, shift := bitIndexWord(b)
	word := binary.LittleEndian.Uint64(self.oldBitmap[blockIdx][wordOff*8:])
	return (word >> shift) & 0x3
}

func (self *SpaceMap) setBit(loc blockio.Location, val uint64) error {
	bloc, wordOff, shift := self.bitWord(uint64(loc))
	data, unlock, err := self.cache.WriteLocked(bloc)
	if err != nil {
		return err
	}
	defer unlock()
	word := binary.LittleEndian.Uint64(data[wordOff*8:])
	word &^= 0x3 << shift
	word |= (val & 0x3) << shift
	binary.LittleEndian.PutUint64(data[wordOff*8:], word)
	self.cache.MarkDirty(bloc, data)
	return nil
}

func (self *SpaceMap) allocateRaw() (blockio.Location, error) {
	if !self.bootstrap {
		return 0, fmt.Errorf("spacemap: allocateRaw called outside bootstrap")
	}
	if self.bumpCursor >= self.bootstrapHi {
		return 0, errs.ErrNoSpace
	}
	loc := blockio.Location(self.bumpCursor)
	self.bumpCursor++
	return loc, nil
}

// GetCount returns the current refcount of block b.
func (self *SpaceMap) GetCount(b blockio.Location) (uint32, error) {
	bits, err := self.getBit(uint64(b))
	if err != nil {
		return 0, err
	}
	if bits != manyMarker {
		return uint32(bits), nil
	}
	v, err := self.refTree.LookupEqual(self.refRoot, uint64(b))
	if err == errs.ErrNotFound {
		return 0, fmt.Errorf("%w: many-marked block %v missing from ref tree", errs.ErrConsistencyFail, b)
	}
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v), nil
}

// Insert sets block b's refcount to count, handling the bitmap<->tree
// transition (spec.md §4.2: "transitions between the two are handled
// inside insert(b, count)").
func (self *SpaceMap) Insert(b blockio.Location, count uint32) error {
	defer self.lock.Locked()()
	return self.insertLocked(b, count)
}

func (self *SpaceMap) insertLocked(b blockio.Location, count uint32) error {
	if count <= 2 {
		if err := self.setBit(b, uint64(count)); err != nil {
			return err
		}
		// if it used to be "many", drop the now-stale tree entry
		newRoot, err := self.refTree.Remove(self.refRoot, uint64(b))
		if err == errs.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		self.refRoot = newRoot
		return nil
	}
	if err := self.setBit(b, manyMarker); err != nil {
		return err
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, count)
	newRoot, err := self.refTree.Insert(self.refRoot, uint64(b), buf)
	if err != nil {
		return err
	}
	self.refRoot = newRoot
	return nil
}

// adjust applies delta to b's refcount, either directly or - if called
// reentrantly from within another space-map operation (the recursion
// hazard of spec.md §4.2) - by queueing it for application once the
// outermost frame returns.
func (self *SpaceMap) adjust(b blockio.Location, delta int) error {
	self.recursionCount++
	defer func() { self.recursionCount-- }()
	if self.recursionCount > 1 {
		if len(self.uncommitted) >= maxUncommitted {
			return fmt.Errorf("%w: space map uncommitted queue full", errs.ErrNoSpace)
		}
		self.uncommitted = append(self.uncommitted, pendingOp{block: b, delta: delta})
		return nil
	}
	if err := self.applyDelta(b, delta); err != nil {
		return err
	}
	for len(self.uncommitted) > 0 {
		op := self.uncommitted[0]
		self.uncommitted = self.uncommitted[1:]
		if err := self.applyDelta(op.block, op.delta); err != nil {
			return err
		}
	}
	return nil
}

func (self *SpaceMap) applyDelta(b blockio.Location, delta int) error {
	count, err := self.GetCount(b)
	if err != nil {
		return err
	}
	newCount := int(count) + delta
	if newCount < 0 {
		return fmt.Errorf("%w: refcount underflow on block %v", errs.ErrConsistencyFail, b)
	}
	return self.insertLocked(b, uint32(newCount))
}

// Inc bumps b's refcount by one.
func (self *SpaceMap) Inc(b blockio.Location) error {
	defer self.lock.Locked()()
	return self.adjust(b, 1)
}

// Dec drops b's refcount by one.
func (self *SpaceMap) Dec(b blockio.Location) error {
	defer self.lock.Locked()()
	return self.adjust(b, -1)
}

// Alloc finds the lowest free block (refcount 0) at or past
// allocCursor in the pre-transaction oldBitmap snapshot, bumps its
// live refcount to 1, and advances allocCursor past it so a later
// Alloc call in the same transaction does not just find the same
// still-frozen-free slot again (spec.md §4.2).
func (self *SpaceMap) Alloc() (blockio.Location, error) {
	defer self.lock.Locked()()
	for b := self.allocCursor; b < self.nrBlocks; b++ {
		if self.getBitSnapshot(b) == 0 {
			if err := self.adjust(blockio.Location(b), 1); err != nil {
				return 0, err
			}
			self.allocatedThisTx++
			self.allocCursor = b + 1
			return blockio.Location(b), nil
		}
	}
	return 0, errs.ErrNoSpace
}

// Commit re-snapshots the bitmap for the next transaction's allocation
// searches and resets the per-transaction counter (spec.md §4.2).
func (self *SpaceMap) Commit() error {
	defer self.lock.Locked()()
	self.allocatedThisTx = 0
	return self.snapshotBitmap()
}
