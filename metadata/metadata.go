/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan  3 22:49:15 2018 mstenber
 * Last modified: Wed Jan 10 11:32:34 2018 mstenber
 * Edit time:     29 min
 *
 */

// metadata is the HSM (hybrid storage / dm-cache) metadata layer of
// spec.md §4.4: the public surface the cache target uses, built on
// top of transaction.Transaction and two btree.NestedTree instances
// (forward: (dev,ob)->(pb,flags), reverse: (dev,pb)->ob). The
// process-wide refcounted open-handle table mirrors the teacher's
// util.MutexLockedMap idiom (one mutex guarding a map of named
// resources, ref-counted open/close).
package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/btree"
	"github.com/fingon/go-dmcache/errs"
	"github.com/fingon/go-dmcache/mlog"
	"github.com/fingon/go-dmcache/spacemap"
	"github.com/fingon/go-dmcache/transaction"
	"github.com/fingon/go-dmcache/util"
)

// Forward-map flag bits, the top nibble of the 64-bit forward value
// (spec.md §6).
const (
	FlagDirty    uint64 = 1 << 60
	FlagUpToDate uint64 = 1 << 61
	flagShift           = 60
	pbMask       uint64 = (1 << 60) - 1
)

func packForward(pb blockio.Location, flags uint64) []byte {
	v := (uint64(pb) & pbMask) | ((flags & 0xF) << flagShift)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func unpackForward(v []byte) (pb blockio.Location, flags uint64) {
	u := binary.LittleEndian.Uint64(v)
	return blockio.Location(u & pbMask), (u >> flagShift) & 0xF
}

func packOb(ob uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, ob)
	return b
}

// handle is one open metadata device; open() returns a *Handle
// wrapping a refcounted *handle from the process-wide table.
type handle struct {
	refCount int

	cache *blockio.Cache
	tm    *transaction.Transaction
	space *spacemap.SpaceMap

	forward *btree.NestedTree
	reverse *btree.NestedTree

	// forwardNonBlocking mirrors forward but reads through tm's
	// NonBlockingClone, so Lookup(mayBlock=false) fails with
	// errs.ErrWouldBlock on lock contention instead of waiting
	// (spec.md §4.1/§4.4/§5's non-blocking TM clone).
	forwardNonBlocking *btree.NestedTree

	sb           superblock
	haveInserted bool
	consistency  error // sticky CONSISTENCY-FAIL once commit fails (spec.md §4.4)

	lock util.MutexLocked
}

var handles = map[string]*handle{}
var handlesLock util.MutexLocked

// Handle is the public lease on an open metadata device; Close
// releases this lease's share of the process-wide refcount.
type Handle struct {
	key string
	h   *handle
}

// Open implements spec.md §4.4's open(bdev, ...): first opener
// creates (or re-opens) the on-disk structures, later openers on the
// same backing device just bump the refcount.
func Open(bdev string, cache *blockio.Cache, dataBlockSize, dataNrBlocks uint64) (*Handle, error) {
	defer handlesLock.Locked()()
	if h, ok := handles[bdev]; ok {
		h.refCount++
		mlog.Printf2("metadata/metadata", "Open %v (refcount now %d)", bdev, h.refCount)
		return &Handle{key: bdev, h: h}, nil
	}
	h, err := openOrCreate(cache, dataBlockSize, dataNrBlocks)
	if err != nil {
		return nil, err
	}
	h.refCount = 1
	handles[bdev] = h
	mlog.Printf2("metadata/metadata", "Open %v (new)", bdev)
	return &Handle{key: bdev, h: h}, nil
}

func openOrCreate(cache *blockio.Cache, dataBlockSize, dataNrBlocks uint64) (*handle, error) {
	sbData, unlock, err := cache.ReadLocked(SuperblockLocation)
	if err != nil {
		return nil, err
	}
	fresh := isAllZero(sbData)
	unlock()

	if fresh {
		return create(cache, dataBlockSize, dataNrBlocks)
	}
	return reopen(cache)
}

func create(cache *blockio.Cache, dataBlockSize, dataNrBlocks uint64) (*handle, error) {
	mlog.Printf2("metadata/metadata", "create: initialising fresh metadata device")
	nrBlocks := cache.Backend.NrBlocks()
	sm, err := spacemap.Create(cache, nrBlocks)
	if err != nil {
		return nil, err
	}
	if err := sm.Insert(SuperblockLocation, 1); err != nil {
		return nil, err
	}
	tm := transaction.Transaction{Cache: cache, Space: sm}.Init()

	obTree := (&btree.Tree{Store: tm, ValueType: btree.PlainValueType{ValueSize: 8}}).Init()
	devOuterFwd := (&btree.Tree{Store: tm, ValueType: btree.LocationValueType{Inner: obTree}}).Init()
	forward := &btree.NestedTree{Outer: devOuterFwd, Inner: obTree}

	pbTree := (&btree.Tree{Store: tm, ValueType: btree.PlainValueType{ValueSize: 8}}).Init()
	devOuterRev := (&btree.Tree{Store: tm, ValueType: btree.LocationValueType{Inner: pbTree}}).Init()
	reverse := &btree.NestedTree{Outer: devOuterRev, Inner: pbTree}

	forwardNonBlocking := newForwardNonBlocking(tm)

	forwardRoot, err := devOuterFwd.Empty()
	if err != nil {
		return nil, err
	}
	reverseRoot, err := devOuterRev.Empty()
	if err != nil {
		return nil, err
	}

	sb := superblock{
		Magic:             SuperblockMagic,
		Version:           SuperblockVersion,
		MetadataBlockSize: blockio.BlockSize / blockio.SectorSize,
		MetadataNrBlocks:  nrBlocks,
		DataBlockSize:     dataBlockSize,
		DataNrBlocks:      dataNrBlocks,
		FirstFreeBlock:    0,
		ForwardRoot:       forwardRoot,
		ReverseRoot:       reverseRoot,
	}
	h := &handle{cache: cache, tm: tm, space: sm, forward: forward, reverse: reverse, forwardNonBlocking: forwardNonBlocking, sb: sb, haveInserted: true}
	if err := h.commitLocked(); err != nil {
		return nil, err
	}
	return h, nil
}

func reopen(cache *blockio.Cache) (*handle, error) {
	mlog.Printf2("metadata/metadata", "reopen: verifying existing metadata device")
	sbData, unlock, err := cache.ReadLocked(SuperblockLocation)
	if err != nil {
		return nil, err
	}
	sb := decodeSuperblock(sbData)
	unlock()
	if sb.Magic != SuperblockMagic {
		return nil, fmt.Errorf("%w: bad superblock magic %d", errs.ErrConsistencyFail, sb.Magic)
	}

	sm, err := spacemap.Open(cache, sb.MetadataNrBlocks, sb.SpaceMapRoot)
	if err != nil {
		return nil, err
	}
	tm := transaction.Transaction{Cache: cache, Space: sm}.Init()

	obTree := (&btree.Tree{Store: tm, ValueType: btree.PlainValueType{ValueSize: 8}}).Init()
	devOuterFwd := (&btree.Tree{Store: tm, ValueType: btree.LocationValueType{Inner: obTree}}).Init()
	forward := &btree.NestedTree{Outer: devOuterFwd, Inner: obTree}

	pbTree := (&btree.Tree{Store: tm, ValueType: btree.PlainValueType{ValueSize: 8}}).Init()
	devOuterRev := (&btree.Tree{Store: tm, ValueType: btree.LocationValueType{Inner: pbTree}}).Init()
	reverse := &btree.NestedTree{Outer: devOuterRev, Inner: pbTree}

	forwardNonBlocking := newForwardNonBlocking(tm)

	return &handle{cache: cache, tm: tm, space: sm, forward: forward, reverse: reverse, forwardNonBlocking: forwardNonBlocking, sb: *sb}, nil
}

// newForwardNonBlocking builds a forward-map NestedTree identical in
// shape to the blocking one but backed by tm's NonBlockingClone, so
// traversal fails fast with errs.ErrWouldBlock instead of waiting on a
// contended block lock.
func newForwardNonBlocking(tm *transaction.Transaction) *btree.NestedTree {
	nb := tm.NonBlockingClone()
	obTree := (&btree.Tree{Store: nb, ValueType: btree.PlainValueType{ValueSize: 8}}).Init()
	devOuterFwd := (&btree.Tree{Store: nb, ValueType: btree.LocationValueType{Inner: obTree}}).Init()
	return &btree.NestedTree{Outer: devOuterFwd, Inner: obTree}
}

// Close decrements the handle's refcount; on zero it commits any
// pending writes, and the handle is dropped from the process-wide
// table (spec.md §4.4).
func (self *Handle) Close() error {
	defer handlesLock.Locked()()
	h := self.h
	h.refCount--
	mlog.Printf2("metadata/metadata", "Close %v (refcount now %d)", self.key, h.refCount)
	if h.refCount > 0 {
		return nil
	}
	delete(handles, self.key)
	if h.haveInserted {
		return h.commitLocked()
	}
	return nil
}

// Commit implements spec.md §4.4's commit(handle): serialise the
// current roots into the superblock, pre-commit (which flushes
// everything except the superblock), commit (the atomicity point),
// then open the next transaction.
func (self *Handle) Commit() error {
	defer self.h.lock.Locked()()
	return self.h.commitLocked()
}

func (self *handle) commitLocked() error {
	if self.consistency != nil {
		return self.consistency
	}
	if !self.haveInserted {
		return nil
	}
	self.sb.SpaceMapRoot = self.space.EncodeRoot()

	data, unlock, err := self.cache.WriteLocked(SuperblockLocation)
	if err != nil {
		self.consistency = fmt.Errorf("%w: %v", errs.ErrConsistencyFail, err)
		return self.consistency
	}
	self.sb.encode(data)
	self.cache.MarkDirty(SuperblockLocation, data)
	unlock()

	if err := self.tm.PreCommit(SuperblockLocation); err != nil {
		self.consistency = fmt.Errorf("%w: %v", errs.ErrConsistencyFail, err)
		return self.consistency
	}
	if err := self.tm.Commit(); err != nil {
		self.consistency = fmt.Errorf("%w: %v", errs.ErrConsistencyFail, err)
		return self.consistency
	}
	self.haveInserted = false
	return nil
}

// Insert implements spec.md §4.4's insert(dev, ob) -> (pb, flags):
// allocate the next free data block, insert into both maps.
func (self *Handle) Insert(dev, ob uint64) (blockio.Location, uint64, error) {
	h := self.h
	defer h.lock.Locked()()
	if h.consistency != nil {
		return 0, 0, h.consistency
	}
	if h.sb.FirstFreeBlock >= h.sb.DataNrBlocks {
		return 0, 0, errs.ErrNoSpace
	}
	pb := blockio.Location(h.sb.FirstFreeBlock)
	flags := uint64(0)
	fwdRoot, err := h.forward.Insert(h.sb.ForwardRoot, dev, ob, packForward(pb, flags))
	if err != nil {
		return 0, 0, err
	}
	revRoot, err := h.reverse.Insert(h.sb.ReverseRoot, dev, uint64(pb), packOb(ob))
	if err != nil {
		return 0, 0, err
	}
	h.sb.ForwardRoot = fwdRoot
	h.sb.ReverseRoot = revRoot
	h.sb.FirstFreeBlock++
	h.haveInserted = true
	mlog.Printf2("metadata/metadata", "h.Insert dev=%d ob=%d -> pb=%v", dev, ob, pb)
	return pb, flags, nil
}

// InsertAt inserts (dev, ob) at a caller-chosen pb rather than
// bump-allocating the next free one: the cache core's policy already
// picked pb (a cache block it owns, free or about to be freed by a
// REPLACE eviction), so metadata just has to record the mapping. Bumps
// FirstFreeBlock past pb if needed to preserve the "pb < first_free_block"
// invariant (spec.md §3) for a pb the bump allocator hasn't reached yet.
func (self *Handle) InsertAt(dev, ob uint64, pb blockio.Location, flags uint64) error {
	h := self.h
	defer h.lock.Locked()()
	if h.consistency != nil {
		return h.consistency
	}
	if uint64(pb) >= h.sb.DataNrBlocks {
		return errs.ErrNoSpace
	}
	fwdRoot, err := h.forward.Insert(h.sb.ForwardRoot, dev, ob, packForward(pb, flags))
	if err != nil {
		return err
	}
	revRoot, err := h.reverse.Insert(h.sb.ReverseRoot, dev, uint64(pb), packOb(ob))
	if err != nil {
		return err
	}
	h.sb.ForwardRoot = fwdRoot
	h.sb.ReverseRoot = revRoot
	if uint64(pb) >= h.sb.FirstFreeBlock {
		h.sb.FirstFreeBlock = uint64(pb) + 1
	}
	h.haveInserted = true
	mlog.Printf2("metadata/metadata", "h.InsertAt dev=%d ob=%d pb=%v", dev, ob, pb)
	return nil
}

// Remove implements spec.md §4.4's remove(dev, ob).
func (self *Handle) Remove(dev, ob uint64) error {
	h := self.h
	defer h.lock.Locked()()
	if h.consistency != nil {
		return h.consistency
	}
	v, err := h.forward.LookupEqual(h.sb.ForwardRoot, dev, ob)
	if err != nil {
		return err
	}
	pb, _ := unpackForward(v)
	fwdRoot, err := h.forward.Remove(h.sb.ForwardRoot, dev, ob)
	if err != nil {
		return err
	}
	revRoot, err := h.reverse.Remove(h.sb.ReverseRoot, dev, uint64(pb))
	if err != nil {
		return err
	}
	h.sb.ForwardRoot = fwdRoot
	h.sb.ReverseRoot = revRoot
	h.haveInserted = true
	return nil
}

// Lookup implements spec.md §4.4's lookup(dev, ob, may_block):
// mayBlock=false walks the forward map through the non-blocking TM
// clone, returning errs.ErrWouldBlock the moment it hits a contended
// block lock rather than waiting (spec.md §4.1/§5 - the map path must
// never stall behind a pending commit).
func (self *Handle) Lookup(dev, ob uint64, mayBlock bool) (blockio.Location, uint64, error) {
	h := self.h
	defer h.lock.Locked()()
	if h.consistency != nil {
		return 0, 0, h.consistency
	}
	forward := h.forward
	if !mayBlock {
		forward = h.forwardNonBlocking
	}
	v, err := forward.LookupEqual(h.sb.ForwardRoot, dev, ob)
	if err != nil {
		return 0, 0, err
	}
	pb, flags := unpackForward(v)
	return pb, flags, nil
}

// Update implements spec.md §4.4's update(dev, ob, flags): re-insert
// with new flag bits in the top nibble.
func (self *Handle) Update(dev, ob, flags uint64) error {
	h := self.h
	defer h.lock.Locked()()
	if h.consistency != nil {
		return h.consistency
	}
	v, err := h.forward.LookupEqual(h.sb.ForwardRoot, dev, ob)
	if err != nil {
		return err
	}
	pb, _ := unpackForward(v)
	fwdRoot, err := h.forward.Insert(h.sb.ForwardRoot, dev, ob, packForward(pb, flags))
	if err != nil {
		return err
	}
	h.sb.ForwardRoot = fwdRoot
	h.haveInserted = true
	return nil
}

// LookupReverse implements spec.md §4.4's lookup_reverse(dev, pb) -> ob.
func (self *Handle) LookupReverse(dev uint64, pb blockio.Location) (uint64, error) {
	h := self.h
	defer h.lock.Locked()()
	if h.consistency != nil {
		return 0, h.consistency
	}
	v, err := h.reverse.LookupEqual(h.sb.ReverseRoot, dev, uint64(pb))
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(v), nil
}

// Delete implements spec.md §4.4's delete(dev): sweep both maps for
// every entry belonging to dev.
func (self *Handle) Delete(dev uint64) error {
	h := self.h
	defer h.lock.Locked()()
	if h.consistency != nil {
		return h.consistency
	}
	var obs []uint64
	innerRoot, err := h.forward.Outer.LookupEqual(h.sb.ForwardRoot, dev)
	if err == errs.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.forward.Inner.Walk(innerRootLoc(innerRoot), func(ob uint64, v []byte) error {
		obs = append(obs, ob)
		return nil
	}); err != nil {
		return err
	}
	for _, ob := range obs {
		v, err := h.forward.LookupEqual(h.sb.ForwardRoot, dev, ob)
		if err != nil {
			return err
		}
		pb, _ := unpackForward(v)
		if h.sb.ReverseRoot != 0 {
			if root, err := h.reverse.Remove(h.sb.ReverseRoot, dev, uint64(pb)); err == nil {
				h.sb.ReverseRoot = root
			}
		}
	}
	fwdRoot, err := h.forward.Outer.Remove(h.sb.ForwardRoot, dev)
	if err != nil && err != errs.ErrNotFound {
		return err
	}
	h.sb.ForwardRoot = fwdRoot
	h.haveInserted = true
	return nil
}

func innerRootLoc(v []byte) blockio.Location {
	return blockio.Location(binary.LittleEndian.Uint64(v))
}

func (self *Handle) GetDataBlockSize() uint64     { return self.h.sb.DataBlockSize }
func (self *Handle) GetDataDevSize() uint64       { return self.h.sb.DataNrBlocks }
func (self *Handle) GetProvisionedBlocks() uint64 { return self.h.sb.FirstFreeBlock }

// ResizeDataDev implements spec.md §4.4's resize_data_dev: rejects
// shrinks that would truncate allocated blocks.
func (self *Handle) ResizeDataDev(newSize uint64) error {
	h := self.h
	defer h.lock.Locked()()
	if newSize < h.sb.FirstFreeBlock {
		return errs.ErrNoSpace
	}
	h.sb.DataNrBlocks = newSize
	h.haveInserted = true
	return nil
}
