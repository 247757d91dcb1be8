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

// mq implements spec.md §4.5's L5b multiqueue policy: two 16-level
// queues (pre_cache, cache), hit-count-driven level placement,
// periodic demotion, and sequential-stream bypass. Entries live in a
// map keyed by ob (not an arena, since mq's levels naturally bound
// residency via PROMOTE_THRESHOLD-driven eviction rather than a fixed
// preallocated capacity).
package mq

import (
	"fmt"
	"math/bits"

	"github.com/fingon/go-dmcache/errs"
	"github.com/fingon/go-dmcache/policy"
	"github.com/fingon/go-dmcache/policy/stack"
	"github.com/fingon/go-dmcache/util"
)

func init() {
	stack.Register("mq", func(capacity int) policy.Policy { return Policy{}.Init(capacity) })
}

const nrLevels = 16
const promoteThreshold = 128
const demotePeriod = 1 << 14
const seqThreshold = 4 // adjacent-sector hits before flagging sequential

type qentry struct {
	ob       uint64
	cb       uint64
	level    int
	hitCount int
	inCache  bool
}

// Policy is the mq cache-replacement policy; capacity bounds how many
// entries may sit in the `cache` queue (i.e. how many cache blocks
// are actually occupied) - pre_cache entries are metadata-only and do
// not consume a cache block.
type Policy struct {
	capacity int

	entries map[uint64]*qentry
	cbToOB  map[uint64]uint64

	preCache [nrLevels][]*qentry
	cache    [nrLevels][]*qentry

	hitsSinceDemote int

	lastSector   uint64
	nrSeqSamples int
	sequential   bool

	lock util.MutexLocked
}

func (self Policy) Init(capacity int) *Policy {
	self.capacity = capacity
	self.entries = make(map[uint64]*qentry)
	self.cbToOB = make(map[uint64]uint64)
	return &self
}

var _ policy.Policy = &Policy{}

func levelFor(hitCount int) int {
	if hitCount <= 0 {
		return 0
	}
	l := bits.Len(uint(hitCount)) - 1
	return util.IMin(nrLevels-1, l)
}

func removeFromQueue(q *[nrLevels][]*qentry, level int, e *qentry) {
	list := q[level]
	for i, x := range list {
		if x == e {
			q[level] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (self *Policy) observeSequential(info policy.RequestInfo) {
	sector := info.Sector
	if self.lastSector != 0 && sector == self.lastSector {
		self.nrSeqSamples++
	} else {
		self.nrSeqSamples = 0
	}
	self.lastSector = sector + info.Size
	if self.nrSeqSamples >= seqThreshold {
		self.sequential = true
	} else if self.nrSeqSamples == 0 {
		self.sequential = false
	}
}

func (self *Policy) demoteIfDue() {
	self.hitsSinceDemote++
	if self.hitsSinceDemote < demotePeriod {
		return
	}
	self.hitsSinceDemote = 0
	for lvl := 1; lvl < nrLevels; lvl++ {
		for _, e := range self.preCache[lvl] {
			e.level = lvl - 1
			self.preCache[lvl-1] = append(self.preCache[lvl-1], e)
		}
		self.preCache[lvl] = nil
		for _, e := range self.cache[lvl] {
			e.level = lvl - 1
			self.cache[lvl-1] = append(self.cache[lvl-1], e)
		}
		self.cache[lvl] = nil
	}
}

// Map classifies ob, per spec.md §4.5: sequential streams bypass the
// cache entirely (always Miss); otherwise a pre_cache entry promotes
// to `cache` once its hit count crosses promoteThreshold.
func (self *Policy) Map(ob uint64, canMigrate, discarded bool, info policy.RequestInfo) (policy.Result, error) {
	defer self.lock.Locked()()
	self.observeSequential(info)
	if self.sequential {
		return policy.Result{Kind: policy.Miss}, nil
	}

	e, ok := self.entries[ob]
	if !ok {
		e = &qentry{ob: ob, level: 0}
		self.entries[ob] = e
		self.preCache[0] = append(self.preCache[0], e)
		self.demoteIfDue()
		return policy.Result{Kind: policy.Miss}, nil
	}

	if e.inCache {
		removeFromQueue(&self.cache, e.level, e)
		e.hitCount++
		e.level = levelFor(e.hitCount)
		self.cache[e.level] = append(self.cache[e.level], e)
		self.demoteIfDue()
		return policy.Result{Kind: policy.Hit, CB: e.cb}, nil
	}

	removeFromQueue(&self.preCache, e.level, e)
	e.hitCount++
	e.level = levelFor(e.hitCount)

	if !canMigrate || e.hitCount < promoteThreshold {
		self.preCache[e.level] = append(self.preCache[e.level], e)
		self.demoteIfDue()
		return policy.Result{Kind: policy.Miss}, nil
	}

	// promote: admit into `cache`, evicting the oldest lowest-level
	// resident if at capacity.
	if len(self.entries)-self.residencyInPreCache() >= self.capacity {
		if victim, ok := self.evictOldest(); ok {
			e.cb = victim.cb
			delete(self.cbToOB, victim.cb)
			e.inCache = true
			self.cache[e.level] = append(self.cache[e.level], e)
			self.cbToOB[e.cb] = ob
			self.demoteIfDue()
			return policy.Result{Kind: policy.Replace, CB: e.cb, OldOB: victim.ob}, nil
		}
	}
	e.inCache = true
	e.cb = self.nextFreeCB()
	self.cbToOB[e.cb] = ob
	self.cache[e.level] = append(self.cache[e.level], e)
	self.demoteIfDue()
	return policy.Result{Kind: policy.New, CB: e.cb}, nil
}

func (self *Policy) residencyInPreCache() int {
	n := 0
	for _, lst := range self.preCache {
		n += len(lst)
	}
	return n
}

func (self *Policy) nextFreeCB() uint64 {
	for cb := uint64(0); ; cb++ {
		if _, used := self.cbToOB[cb]; !used {
			return cb
		}
	}
}

func (self *Policy) evictOldest() (*qentry, bool) {
	for lvl := 0; lvl < nrLevels; lvl++ {
		if len(self.cache[lvl]) > 0 {
			victim := self.cache[lvl][0]
			self.cache[lvl] = self.cache[lvl][1:]
			victim.inCache = false
			self.preCache[0] = append(self.preCache[0], victim)
			victim.level = 0
			return victim, true
		}
	}
	return nil, false
}

func (self *Policy) LoadMapping(ob, cb uint64, hint []byte, hintValid bool) error {
	defer self.lock.Locked()()
	e := &qentry{ob: ob, cb: cb, inCache: true}
	self.entries[ob] = e
	self.cbToOB[cb] = ob
	self.cache[0] = append(self.cache[0], e)
	return nil
}

func (self *Policy) WalkMappings(fn policy.WalkFn) error {
	defer self.lock.Locked()()
	for _, lst := range self.cache {
		for _, e := range lst {
			if err := fn(e.ob, e.cb, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *Policy) RemoveMapping(ob uint64) error {
	defer self.lock.Locked()()
	e, ok := self.entries[ob]
	if !ok {
		return nil
	}
	if e.inCache {
		removeFromQueue(&self.cache, e.level, e)
		delete(self.cbToOB, e.cb)
	} else {
		removeFromQueue(&self.preCache, e.level, e)
	}
	delete(self.entries, ob)
	return nil
}

func (self *Policy) ForceMapping(curOB, newOB uint64) error {
	defer self.lock.Locked()()
	e, ok := self.entries[curOB]
	if !ok {
		return fmt.Errorf("%w: force_mapping unknown ob %d", errs.ErrInvalidArg, curOB)
	}
	delete(self.entries, curOB)
	e.ob = newOB
	self.entries[newOB] = e
	if e.inCache {
		self.cbToOB[e.cb] = newOB
	}
	return nil
}

// SetDirty/ClearDirty: mq itself carries no dirty state (it sits
// below a writeback-capable policy in the stack, spec.md §4.5); these
// are accepted as no-ops for interface conformance.
func (self *Policy) SetDirty(cb uint64)   {}
func (self *Policy) ClearDirty(cb uint64) {}

func (self *Policy) WritebackWork() (ob, cb uint64, ok bool) { return 0, 0, false }

func (self *Policy) Residency() uint64 {
	defer self.lock.Locked()()
	return uint64(len(self.cbToOB))
}

func (self *Policy) Tick() {}

func (self *Policy) Status() string {
	defer self.lock.Locked()()
	return fmt.Sprintf("%d resident %d tracked sequential=%v", len(self.cbToOB), len(self.entries), self.sequential)
}

func (self *Policy) Message(args []string) (string, error) {
	return "", fmt.Errorf("%w: mq policy accepts no messages", errs.ErrInvalidArg)
}

func (self *Policy) HintSize() int   { return 0 }
func (self *Policy) Version() [3]int { return [3]int{1, 0, 0} }
func (self *Policy) Name() string    { return "mq" }
