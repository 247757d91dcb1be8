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

// arc implements spec.md §4.5's L5c ARC policy: T1/T2 resident queues
// plus B1/B2 ghost queues and the adaptive target p. Hand-rolled
// (rather than reusing github.com/bluele/gcache's ARC, which is used
// elsewhere in this stack for blockio.Cache's warm metadata cache -
// see DESIGN.md's Open Questions) because gcache.ARC() can allocate
// and lock internally, which violates the non-blocking,
// allocation-free contract spec.md §4.5/§5 place on every policy.
package arc

import (
	"container/list"
	"fmt"

	"github.com/fingon/go-dmcache/errs"
	"github.com/fingon/go-dmcache/policy"
	"github.com/fingon/go-dmcache/policy/stack"
	"github.com/fingon/go-dmcache/util"
)

func init() {
	stack.Register("arc", func(capacity int) policy.Policy { return Policy{}.Init(capacity) })
}

type entry struct {
	ob uint64
	cb uint64
}

// Policy is the ARC cache-replacement policy over a fixed cache_size
// worth of cache blocks.
type Policy struct {
	cacheSize int
	p         int // adaptive target size for T1

	t1, t2, b1, b2 *list.List
	index          map[uint64]*list.Element // ob -> element, whichever list it's in

	cbFree   []uint64
	cbByOB   map[uint64]uint64
	obByCB   map[uint64]uint64

	// interesting blocks filter: dampens one-shot admissions by
	// requiring an ob to have been observed recently before it is
	// let into T1 (spec.md §4.5).
	interesting    map[uint64]struct{}
	interestingCap int

	lock util.MutexLocked
}

func (self Policy) Init(cacheSize int) *Policy {
	self.cacheSize = cacheSize
	self.p = 0
	self.t1, self.t2, self.b1, self.b2 = list.New(), list.New(), list.New(), list.New()
	self.index = make(map[uint64]*list.Element)
	self.cbByOB = make(map[uint64]uint64)
	self.obByCB = make(map[uint64]uint64)
	self.interesting = make(map[uint64]struct{})
	self.interestingCap = util.IMax(1, cacheSize/2)
	self.cbFree = make([]uint64, cacheSize)
	for i := range self.cbFree {
		self.cbFree[i] = uint64(cacheSize - 1 - i)
	}
	return &self
}

var _ policy.Policy = &Policy{}

func clampP(p, size int) int {
	return util.IMax(0, util.IMin(size, p))
}

func (self *Policy) allocCB() (uint64, bool) {
	if len(self.cbFree) == 0 {
		return 0, false
	}
	cb := self.cbFree[len(self.cbFree)-1]
	self.cbFree = self.cbFree[:len(self.cbFree)-1]
	return cb, true
}

func (self *Policy) freeCB(cb uint64) {
	self.cbFree = append(self.cbFree, cb)
}

func (self *Policy) markInteresting(ob uint64) bool {
	if _, ok := self.interesting[ob]; ok {
		return true
	}
	if len(self.interesting) >= self.interestingCap {
		for k := range self.interesting {
			delete(self.interesting, k)
			break
		}
	}
	self.interesting[ob] = struct{}{}
	return false
}

// replace implements the ARC REPLACE(x) procedure: evict from T1 if
// it exceeds p (or exactly at p but this is a B2 hit), else from T2.
func (self *Policy) replace(favourT1 bool) (evictedOB uint64, wasT1 bool, ok bool) {
	if self.t1.Len() > 0 && (self.t1.Len() > self.p || (self.t1.Len() == self.p && favourT1)) {
		e := self.t1.Back()
		self.t1.Remove(e)
		ent := e.Value.(*entry)
		self.b1.PushFront(&entry{ob: ent.ob})
		self.index[ent.ob] = self.b1.Front()
		return ent.ob, true, true
	}
	if self.t2.Len() > 0 {
		e := self.t2.Back()
		self.t2.Remove(e)
		ent := e.Value.(*entry)
		self.b2.PushFront(&entry{ob: ent.ob})
		self.index[ent.ob] = self.b2.Front()
		return ent.ob, false, true
	}
	return 0, false, false
}

// Map implements the classic ARC algorithm's four cases (T1/T2 hit,
// B1/B2 ghost hit, cold miss), returning PolicyResults per spec.md
// §4.5.
func (self *Policy) Map(ob uint64, canMigrate, discarded bool, info policy.RequestInfo) (policy.Result, error) {
	defer self.lock.Locked()()
	el, tracked := self.index[ob]

	if tracked {
		ent := el.Value.(*entry)
		switch {
		case self.isIn(self.t1, el):
			self.t1.Remove(el)
			self.t2.PushFront(ent)
			self.index[ob] = self.t2.Front()
			return policy.Result{Kind: policy.Hit, CB: ent.cb}, nil
		case self.isIn(self.t2, el):
			self.t2.MoveToFront(el)
			return policy.Result{Kind: policy.Hit, CB: ent.cb}, nil
		case self.isIn(self.b1, el):
			delta := 1
			if self.b1.Len() > 0 && self.b2.Len() > 0 {
				delta = self.b2.Len() / self.b1.Len()
				if delta < 1 {
					delta = 1
				}
			}
			self.p = clampP(self.p+delta, self.cacheSize)
			self.b1.Remove(el)
			return self.admit(ob, true)
		case self.isIn(self.b2, el):
			delta := 1
			if self.b1.Len() > 0 && self.b2.Len() > 0 {
				delta = self.b1.Len() / self.b2.Len()
				if delta < 1 {
					delta = 1
				}
			}
			self.p = clampP(self.p-delta, self.cacheSize)
			self.b2.Remove(el)
			return self.admit(ob, false)
		}
	}

	if !canMigrate {
		return policy.Result{Kind: policy.Miss}, nil
	}
	if !self.markInteresting(ob) {
		return policy.Result{Kind: policy.Miss}, nil
	}
	return self.admit(ob, false)
}

func (self *Policy) isIn(l *list.List, el *list.Element) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e == el {
			return true
		}
	}
	return false
}

// admit brings ob into T1, evicting via REPLACE if the cache is full.
func (self *Policy) admit(ob uint64, fromB1 bool) (policy.Result, error) {
	cb, ok := self.allocCB()
	if !ok {
		victimOB, wasT1, replaced := self.replace(fromB1)
		if !replaced {
			return policy.Result{}, errs.ErrNoSpace
		}
		victimCB := self.cbByOB[victimOB]
		delete(self.cbByOB, victimOB)
		delete(self.obByCB, victimCB)
		ent := &entry{ob: ob, cb: victimCB}
		self.t1.PushFront(ent)
		self.index[ob] = self.t1.Front()
		self.cbByOB[ob] = victimCB
		self.obByCB[victimCB] = ob
		if wasT1 {
			return policy.Result{Kind: policy.Replace, CB: victimCB, OldOB: victimOB}, nil
		}
		return policy.Result{Kind: policy.Replace, CB: victimCB, OldOB: victimOB}, nil
	}
	ent := &entry{ob: ob, cb: cb}
	self.t1.PushFront(ent)
	self.index[ob] = self.t1.Front()
	self.cbByOB[ob] = cb
	self.obByCB[cb] = ob
	return policy.Result{Kind: policy.New, CB: cb}, nil
}

func (self *Policy) LoadMapping(ob, cb uint64, hint []byte, hintValid bool) error {
	defer self.lock.Locked()()
	for i, free := range self.cbFree {
		if free == cb {
			self.cbFree = append(self.cbFree[:i], self.cbFree[i+1:]...)
			break
		}
	}
	ent := &entry{ob: ob, cb: cb}
	self.t2.PushFront(ent)
	self.index[ob] = self.t2.Front()
	self.cbByOB[ob] = cb
	self.obByCB[cb] = ob
	return nil
}

func (self *Policy) WalkMappings(fn policy.WalkFn) error {
	defer self.lock.Locked()()
	for _, l := range []*list.List{self.t1, self.t2} {
		for e := l.Front(); e != nil; e = e.Next() {
			ent := e.Value.(*entry)
			if err := fn(ent.ob, ent.cb, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *Policy) RemoveMapping(ob uint64) error {
	defer self.lock.Locked()()
	el, ok := self.index[ob]
	if !ok {
		return nil
	}
	for _, l := range []*list.List{self.t1, self.t2, self.b1, self.b2} {
		if self.isIn(l, el) {
			l.Remove(el)
			break
		}
	}
	delete(self.index, ob)
	if cb, ok := self.cbByOB[ob]; ok {
		delete(self.cbByOB, ob)
		delete(self.obByCB, cb)
		self.freeCB(cb)
	}
	return nil
}

func (self *Policy) ForceMapping(curOB, newOB uint64) error {
	defer self.lock.Locked()()
	el, ok := self.index[curOB]
	if !ok {
		return fmt.Errorf("%w: force_mapping unknown ob %d", errs.ErrInvalidArg, curOB)
	}
	ent := el.Value.(*entry)
	ent.ob = newOB
	delete(self.index, curOB)
	self.index[newOB] = el
	if cb, ok := self.cbByOB[curOB]; ok {
		delete(self.cbByOB, curOB)
		self.cbByOB[newOB] = cb
		self.obByCB[cb] = newOB
	}
	return nil
}

// SetDirty/ClearDirty/WritebackWork: ARC as specified carries no
// dirty tracking of its own (spec.md §4.5 assigns that to writeback);
// accepted as no-ops for interface conformance when ARC is used
// standalone rather than stacked over writeback.
func (self *Policy) SetDirty(cb uint64)                      {}
func (self *Policy) ClearDirty(cb uint64)                    {}
func (self *Policy) WritebackWork() (ob, cb uint64, ok bool) { return 0, 0, false }

func (self *Policy) Residency() uint64 {
	defer self.lock.Locked()()
	return uint64(self.t1.Len() + self.t2.Len())
}

func (self *Policy) Tick() {}

func (self *Policy) Status() string {
	defer self.lock.Locked()()
	return fmt.Sprintf("t1=%d t2=%d b1=%d b2=%d p=%d", self.t1.Len(), self.t2.Len(), self.b1.Len(), self.b2.Len(), self.p)
}

func (self *Policy) Message(args []string) (string, error) {
	return "", fmt.Errorf("%w: arc policy accepts no messages", errs.ErrInvalidArg)
}

func (self *Policy) HintSize() int   { return 0 }
func (self *Policy) Version() [3]int { return [3]int{1, 0, 0} }
func (self *Policy) Name() string    { return "arc" }
