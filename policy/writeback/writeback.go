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

// writeback implements spec.md §4.5's L5a policy: a doubly linked LRU
// plus an open-addressed hash table from ob to entry, with entries
// arena-allocated at creation so Map/SetDirty/ClearDirty never
// allocate on the hot path.
package writeback

import (
	"fmt"

	"github.com/fingon/go-dmcache/errs"
	"github.com/fingon/go-dmcache/mlog"
	"github.com/fingon/go-dmcache/policy"
	"github.com/fingon/go-dmcache/policy/stack"
	"github.com/fingon/go-dmcache/util"
)

func init() {
	stack.Register("writeback", func(capacity int) policy.Policy { return Policy{}.Init(capacity) })
}

const nilIdx = -1

type entry struct {
	ob         uint64
	cb         uint64
	inUse      bool
	dirty      bool
	prev, next int // LRU list, intrusive
}

// Policy is a fixed-capacity writeback cache-replacement policy: Map
// only ever answers Hit/Miss (it admits nothing, per spec.md §4.5 -
// admission is the job of an outer policy stacked above it, e.g. mq
// or arc).
type Policy struct {
	entries  []entry
	byOB     map[uint64]int
	byCB     map[uint64]int
	head     int // LRU head = most recently used
	tail     int // LRU tail = least recently used
	freeHead int
	nrDirty  int

	lock util.MutexLocked
}

// Init preallocates capacity entries; capacity should equal the
// number of cache blocks this policy instance covers.
func (self Policy) Init(capacity int) *Policy {
	self.entries = make([]entry, capacity)
	self.byOB = make(map[uint64]int, capacity)
	self.byCB = make(map[uint64]int, capacity)
	self.head, self.tail = nilIdx, nilIdx
	for i := range self.entries {
		self.entries[i].prev = i - 1
		self.entries[i].next = i + 1
	}
	if capacity > 0 {
		self.entries[capacity-1].next = nilIdx
	}
	self.freeHead = 0
	if capacity == 0 {
		self.freeHead = nilIdx
	}
	return &self
}

var _ policy.Policy = &Policy{}

func (self *Policy) unlinkLRU(i int) {
	e := &self.entries[i]
	if e.prev != nilIdx {
		self.entries[e.prev].next = e.next
	} else {
		self.head = e.next
	}
	if e.next != nilIdx {
		self.entries[e.next].prev = e.prev
	} else {
		self.tail = e.prev
	}
	e.prev, e.next = nilIdx, nilIdx
}

// insertAtHead links a freshly allocated (not yet in the list) entry
// at the LRU head.
func (self *Policy) insertAtHead(i int) {
	self.entries[i].prev = nilIdx
	self.entries[i].next = self.head
	if self.head != nilIdx {
		self.entries[self.head].prev = i
	}
	self.head = i
	if self.tail == nilIdx {
		self.tail = i
	}
}

// moveToHead moves an already-linked i to the LRU head (most recently
// used).
func (self *Policy) moveToHead(i int) {
	if self.head == i {
		return
	}
	self.unlinkLRU(i)
	self.insertAtHead(i)
}

// moveToTail is used by WritebackWork to rotate a just-scanned dirty
// entry out of the way so repeated calls make forward progress.
func (self *Policy) moveToTail(i int) {
	if self.tail == i {
		return
	}
	self.unlinkLRU(i)
	self.entries[i].prev = self.tail
	self.entries[i].next = nilIdx
	if self.tail != nilIdx {
		self.entries[self.tail].next = i
	}
	self.tail = i
	if self.head == nilIdx {
		self.head = i
	}
}

func (self *Policy) allocEntry() (int, bool) {
	if self.freeHead == nilIdx {
		return 0, false
	}
	i := self.freeHead
	self.freeHead = self.entries[i].next
	self.entries[i] = entry{prev: nilIdx, next: nilIdx}
	return i, true
}

func (self *Policy) freeEntry(i int) {
	e := &self.entries[i]
	delete(self.byOB, e.ob)
	delete(self.byCB, e.cb)
	if e.dirty {
		self.nrDirty--
	}
	*e = entry{prev: nilIdx, next: self.freeHead}
	self.freeHead = i
}

// Map answers Hit if ob is resident, Miss otherwise; on a hit the
// entry moves to the LRU head.
func (self *Policy) Map(ob uint64, canMigrate, discarded bool, info policy.RequestInfo) (policy.Result, error) {
	defer self.lock.Locked()()
	if i, ok := self.byOB[ob]; ok {
		self.moveToHead(i)
		return policy.Result{Kind: policy.Hit, CB: self.entries[i].cb}, nil
	}
	return policy.Result{Kind: policy.Miss}, nil
}

// LoadMapping replays a persisted (ob,cb) pair at startup.
func (self *Policy) LoadMapping(ob, cb uint64, hint []byte, hintValid bool) error {
	defer self.lock.Locked()()
	i, ok := self.allocEntry()
	if !ok {
		return fmt.Errorf("%w: writeback policy arena exhausted", errs.ErrOutOfMemory)
	}
	self.entries[i].ob = ob
	self.entries[i].cb = cb
	self.byOB[ob] = i
	self.byCB[cb] = i
	self.insertAtHead(i)
	mlog.Printf2("policy/writeback/writeback", "p.LoadMapping ob=%d cb=%d", ob, cb)
	return nil
}

func (self *Policy) WalkMappings(fn policy.WalkFn) error {
	defer self.lock.Locked()()
	for i := self.head; i != nilIdx; i = self.entries[i].next {
		e := self.entries[i]
		if err := fn(e.ob, e.cb, nil); err != nil {
			return err
		}
	}
	return nil
}

func (self *Policy) RemoveMapping(ob uint64) error {
	defer self.lock.Locked()()
	i, ok := self.byOB[ob]
	if !ok {
		return nil
	}
	self.unlinkLRU(i)
	self.freeEntry(i)
	return nil
}

func (self *Policy) ForceMapping(curOB, newOB uint64) error {
	defer self.lock.Locked()()
	i, ok := self.byOB[curOB]
	if !ok {
		return fmt.Errorf("%w: force_mapping unknown ob %d", errs.ErrInvalidArg, curOB)
	}
	delete(self.byOB, curOB)
	self.entries[i].ob = newOB
	self.byOB[newOB] = i
	self.moveToHead(i)
	return nil
}

func (self *Policy) SetDirty(cb uint64) {
	defer self.lock.Locked()()
	if i, ok := self.byCB[cb]; ok && !self.entries[i].dirty {
		self.entries[i].dirty = true
		self.nrDirty++
	}
}

func (self *Policy) ClearDirty(cb uint64) {
	defer self.lock.Locked()()
	if i, ok := self.byCB[cb]; ok && self.entries[i].dirty {
		self.entries[i].dirty = false
		self.nrDirty--
	}
}

// WritebackWork scans from the LRU tail forward for the next dirty
// entry, rotating it to the tail so the next call makes progress
// (spec.md §4.5).
func (self *Policy) WritebackWork() (ob, cb uint64, ok bool) {
	defer self.lock.Locked()()
	i := self.tail
	seen := 0
	for i != nilIdx && seen < len(self.entries) {
		if self.entries[i].dirty {
			ob, cb = self.entries[i].ob, self.entries[i].cb
			self.moveToTail(i)
			return ob, cb, true
		}
		i = self.entries[i].prev
		seen++
	}
	return 0, 0, false
}

func (self *Policy) Residency() uint64 {
	defer self.lock.Locked()()
	return uint64(len(self.byOB))
}

func (self *Policy) Tick() {}

func (self *Policy) Status() string {
	defer self.lock.Locked()()
	return fmt.Sprintf("%d resident %d dirty", len(self.byOB), self.nrDirty)
}

func (self *Policy) Message(args []string) (string, error) {
	return "", fmt.Errorf("%w: writeback policy accepts no messages", errs.ErrInvalidArg)
}

func (self *Policy) HintSize() int   { return 0 }
func (self *Policy) Version() [3]int { return [3]int{1, 0, 0} }
func (self *Policy) Name() string    { return "writeback" }
