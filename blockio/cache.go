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

package blockio

import (
	"fmt"

	"github.com/bluele/gcache"
	"github.com/fingon/go-dmcache/codec"
	"github.com/fingon/go-dmcache/errs"
	"github.com/fingon/go-dmcache/mlog"
	"github.com/fingon/go-dmcache/util"
)

// DefaultWarmCapacity is the metadata-cache warm capacity named in
// spec.md §6.
const DefaultWarmCapacity = 128

// Cache is essentially the teacher's storage.Storage - dirty
// tracking of blocks, delayed flush to a Backend, and caching of
// data - generalized from content-addressed blocks to
// location-addressed ones, and with reader/writer locking per block
// instead of whole-structure locking (spec.md requires lookups and
// inserts/removes to only serialize against the *same* block).
type Cache struct {
	Backend   Backend
	Codec     codec.Codec // nil means no at-rest transform
	Validator Validator   // nil means no validation

	// WarmCapacity bounds the ARC-backed hot-block cache; 0 uses
	// DefaultWarmCapacity.
	WarmCapacity int

	locks util.RWMutexLockedMap
	warm  gcache.Cache

	dirtyLock util.MutexLocked
	dirty     map[Location][]byte

	// reads/writes are bumped from load() (no lock held, concurrent
	// readers of distinct locations are expected) and Flush (under
	// dirtyLock), so both need atomic rather than plain ++.
	reads, writes util.AtomicInt
}

// Init wires up the warm cache; must be called once before use.
func (self *Cache) Init() *Cache {
	cap := self.WarmCapacity
	if cap <= 0 {
		cap = DefaultWarmCapacity
	}
	self.warm = gcache.New(cap).ARC().Build()
	self.dirty = make(map[Location][]byte)
	if self.Codec == nil {
		self.Codec = &codec.CodecChain{}
	}
	if self.Validator == nil {
		self.Validator = NopValidator{}
	}
	return self
}

func (self *Cache) load(loc Location) ([]byte, error) {
	if v, err := self.warm.Get(loc); err == nil {
		return v.([]byte), nil
	}
	if d, ok := self.dirtyGet(loc); ok {
		return d, nil
	}
	raw, err := self.Backend.ReadBlock(loc)
	if err != nil {
		mlog.Printf2("blockio/cache", "c.load %v failed: %v", loc, err)
		return nil, fmt.Errorf("%w: %v", errs.ErrIOError, err)
	}
	self.reads.AddInt(1)
	data, err := self.Codec.DecodeBytes(raw, locationAAD(loc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrChecksumFail, err)
	}
	if err := self.Validator.Check(loc, data); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrChecksumFail, err)
	}
	self.warm.Set(loc, data)
	return data, nil
}

func (self *Cache) dirtyGet(loc Location) ([]byte, bool) {
	defer self.dirtyLock.Locked()()
	d, ok := self.dirty[loc]
	return d, ok
}

func locationAAD(loc Location) []byte {
	return util.Uint64Bytes(uint64(loc))
}

// ReadLocked takes a read lock on loc, loads+validates it (served
// from the warm cache when possible), and returns the bytes together
// with the unlock function. The returned slice must not be mutated.
func (self *Cache) ReadLocked(loc Location) (data []byte, unlock func(), err error) {
	unlock = self.locks.RLocked(loc)
	data, err = self.load(loc)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return data, unlock, nil
}

// TryReadLocked is the non-blocking variant used by the
// transaction manager's non-blocking clone.
func (self *Cache) TryReadLocked(loc Location) (data []byte, unlock func(), err error) {
	unlock, ok := self.locks.TryRLocked(loc)
	if !ok {
		return nil, nil, errs.ErrWouldBlock
	}
	data, err = self.load(loc)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return data, unlock, nil
}

// WriteLocked takes a write lock on loc and returns a mutable copy of
// its current contents (zeroed if never written). Callers must call
// MarkDirty with the final bytes before unlock, or their write is
// lost; unlock never implicitly flushes to the backend (that is
// Flush's job, called by transaction commit/pre-commit).
func (self *Cache) WriteLocked(loc Location) (data []byte, unlock func(), err error) {
	unlock = self.locks.Locked(loc)
	data, err = self.load(loc)
	if err != nil {
		// never written before: present a zeroed block rather
		// than failing, matching tm.new_block's "zeroed block
		// under a write lock" contract.
		data = make([]byte, BlockSize)
	} else {
		cp := make([]byte, len(data))
		copy(cp, data)
		data = cp
	}
	return data, unlock, nil
}

// TryWriteLocked is the non-blocking write-lock variant.
func (self *Cache) TryWriteLocked(loc Location) (data []byte, unlock func(), err error) {
	unlock, ok := self.locks.TryLocked(loc)
	if !ok {
		return nil, nil, errs.ErrWouldBlock
	}
	data, err = self.load(loc)
	if err != nil {
		data = make([]byte, BlockSize)
	} else {
		cp := make([]byte, len(data))
		copy(cp, data)
		data = cp
	}
	return data, unlock, nil
}

// MarkDirty records data as loc's new content; it must be called
// while still holding loc's write lock. The write only reaches the
// backend on the next Flush.
func (self *Cache) MarkDirty(loc Location, data []byte) {
	if len(data) != BlockSize {
		panic(fmt.Sprintf("blockio: MarkDirty(%v): bad block size %d", loc, len(data)))
	}
	defer self.dirtyLock.Locked()()
	self.dirty[loc] = data
	self.warm.Set(loc, data)
}

// Flush runs each dirty block's validator, writes it through the
// backend, and syncs. Transaction.PreCommit calls this for everything
// except the reserved superblock location; Transaction.Commit calls
// it once more for the superblock alone, which is the durability
// boundary (spec.md §4.1).
func (self *Cache) Flush() error {
	defer self.dirtyLock.Locked()()
	for loc, data := range self.dirty {
		self.Validator.PrepareForWrite(loc, data)
		enc, err := self.Codec.EncodeBytes(data, locationAAD(loc))
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIOError, err)
		}
		padded := enc
		if len(padded) != BlockSize {
			// codec output must fit in one block; callers
			// (btree, spacemap) size their payloads so a
			// plain/uncompressed encode always fits, and
			// PrepareForWrite has already stamped the
			// trailer, so pad/truncate defensively rather
			// than silently corrupting neighbours.
			padded = make([]byte, BlockSize)
			copy(padded, enc)
		}
		if err := self.Backend.WriteBlock(loc, padded); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIOError, err)
		}
		self.writes.AddInt(1)
		delete(self.dirty, loc)
	}
	if err := self.Backend.Sync(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIOError, err)
	}
	return nil
}

// FlushExcept is identical to Flush but defers a single location
// (the superblock) so the caller can write it last and separately,
// as the atomicity point.
func (self *Cache) FlushExcept(except Location) error {
	defer self.dirtyLock.Locked()()
	for loc, data := range self.dirty {
		if loc == except {
			continue
		}
		self.Validator.PrepareForWrite(loc, data)
		enc, err := self.Codec.EncodeBytes(data, locationAAD(loc))
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIOError, err)
		}
		padded := enc
		if len(padded) != BlockSize {
			padded = make([]byte, BlockSize)
			copy(padded, enc)
		}
		if err := self.Backend.WriteBlock(loc, padded); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIOError, err)
		}
		self.writes.AddInt(1)
		delete(self.dirty, loc)
	}
	return nil
}

// Stats returns cumulative read/write counts since creation, surfaced
// by the cache-target status() call.
func (self *Cache) Stats() (reads, writes int) {
	return self.reads.GetInt(), self.writes.GetInt()
}
