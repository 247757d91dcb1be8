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

// transaction implements the transaction manager of spec.md §4.1: the
// copy-on-write allocation/locking layer that the B-tree (and
// everything built on it) treats as its btree.NodeStore. It wraps a
// blockio.Cache and a spacemap.SpaceMap the way the teacher's
// Storage wraps a Backend and a Codec - adding dirty/shadow
// bookkeeping on top of a simpler layer beneath it.
package transaction

import (
	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/mlog"
	"github.com/fingon/go-dmcache/spacemap"
	"github.com/fingon/go-dmcache/util"
)

// Transaction is a single open metadata transaction: one per metadata
// device at a time (spec.md §5's single-worker model), plus any
// number of NonBlockingClone handles sharing its identity for the
// mapping hot path.
type Transaction struct {
	Cache *blockio.Cache
	Space *spacemap.SpaceMap

	lock util.MutexLocked
	// shadows tracks blocks this transaction has already shadowed, so
	// repeat shadow(orig) calls are idempotent (spec.md §4.1:
	// "shadow-of-shadow coalescing").
	shadows map[blockio.Location]blockio.Location

	nonBlocking bool
}

func (self Transaction) Init() *Transaction {
	self.shadows = make(map[blockio.Location]blockio.Location)
	return &self
}

// NonBlockingClone returns a secondary handle sharing this
// transaction's cache/space map/shadow-set identity, but whose
// lock/read operations fail with WOULD-BLOCK instead of waiting - the
// handle the policy's map() hot path uses (spec.md §4.1, §5).
func (self *Transaction) NonBlockingClone() *Transaction {
	return &Transaction{Cache: self.Cache, Space: self.Space, shadows: self.shadows, nonBlocking: true}
}

// NewBlock allocates a fresh, zeroed block under a write lock; the
// caller must fill it before unlocking (no-read-before-write, spec.md
// §4.1).
func (self *Transaction) NewBlock() (blockio.Location, error) {
	loc, err := self.Space.Alloc()
	if err != nil {
		return 0, err
	}
	mlog.Printf2("transaction/transaction", "t.NewBlock -> %v", loc)
	return loc, nil
}

// NewBlockLocked is NewBlock plus taking the write lock the caller
// needs to fill it, as a convenience for callers that are not
// themselves a btree.NodeStore implementation.
func (self *Transaction) NewBlockLocked() (blockio.Location, []byte, func(), error) {
	loc, err := self.NewBlock()
	if err != nil {
		return 0, nil, nil, err
	}
	data, unlock, err := self.Cache.WriteLocked(loc)
	if err != nil {
		return 0, nil, nil, err
	}
	return loc, data, unlock, nil
}

// Shadow allocates a new block, copies orig's contents into it, and
// drops a reference on orig; incChildren reports whether orig's
// refcount was >1 before that decrement (copy-on-write clone
// semantics, spec.md §4.1). Repeat shadows of the same orig within
// this transaction return the existing shadow, with incChildren=false
// since the first call already paid that cost.
func (self *Transaction) Shadow(orig blockio.Location) (blockio.Location, bool, error) {
	defer self.lock.Locked()()
	if existing, ok := self.shadows[orig]; ok {
		mlog.Printf2("transaction/transaction", "t.Shadow %v (cached) -> %v", orig, existing)
		return existing, false, nil
	}
	count, err := self.Space.GetCount(orig)
	if err != nil {
		return 0, false, err
	}
	neu, err := self.Space.Alloc()
	if err != nil {
		return 0, false, err
	}
	data, unlock, err := self.Cache.ReadLocked(orig)
	if err != nil {
		return 0, false, err
	}
	cp := append([]byte{}, data...)
	unlock()
	wdata, wunlock, err := self.Cache.WriteLocked(neu)
	if err != nil {
		return 0, false, err
	}
	copy(wdata, cp)
	self.Cache.MarkDirty(neu, wdata)
	wunlock()
	if err := self.Space.Dec(orig); err != nil {
		return 0, false, err
	}
	self.shadows[orig] = neu
	incChildren := count > 1
	mlog.Printf2("transaction/transaction", "t.Shadow %v -> %v (inc_children=%v)", orig, neu, incChildren)
	return neu, incChildren, nil
}

// ReadLocked/unlock pass through to the cache; validators are run on
// read (spec.md §4.1). The non-blocking clone uses the try-variant.
func (self *Transaction) ReadLocked(loc blockio.Location) ([]byte, func(), error) {
	if self.nonBlocking {
		return self.Cache.TryReadLocked(loc)
	}
	return self.Cache.ReadLocked(loc)
}

func (self *Transaction) WriteLocked(loc blockio.Location) ([]byte, func(), error) {
	if self.nonBlocking {
		return self.Cache.TryWriteLocked(loc)
	}
	return self.Cache.WriteLocked(loc)
}

func (self *Transaction) MarkDirty(loc blockio.Location, data []byte) {
	self.Cache.MarkDirty(loc, data)
}

func (self *Transaction) Inc(b blockio.Location) error { return self.Space.Inc(b) }
func (self *Transaction) Dec(b blockio.Location) error { return self.Space.Dec(b) }
func (self *Transaction) Ref(b blockio.Location) (uint32, error) {
	return self.Space.GetCount(b)
}

// ReserveBlock protects the superblock's location from the space
// map's normal allocation/free cycle (spec.md §4.1).
func (self *Transaction) ReserveBlock(b blockio.Location) error {
	return self.Space.Insert(b, 1)
}

// PreCommit flushes dirty data blocks (everything except the
// superblock, which the caller writes separately as the final,
// atomic step) and returns nothing further: the space-map root is
// already serialised into the superblock bytes by the metadata layer
// before this is called, since PreCommit itself must not allocate.
func (self *Transaction) PreCommit(superblockLoc blockio.Location) error {
	mlog.Printf2("transaction/transaction", "t.PreCommit")
	if err := self.Cache.FlushExcept(superblockLoc); err != nil {
		return err
	}
	return nil
}

// Commit writes the superblock last - the atomicity point - and
// clears the shadow set and space-map generation for the next
// transaction.
func (self *Transaction) Commit() error {
	mlog.Printf2("transaction/transaction", "t.Commit")
	if err := self.Cache.Flush(); err != nil {
		return err
	}
	if err := self.Space.Commit(); err != nil {
		return err
	}
	defer self.lock.Locked()()
	self.shadows = make(map[blockio.Location]blockio.Location)
	return nil
}
