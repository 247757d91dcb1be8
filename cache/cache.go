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

// cache is the L6 cache core of spec.md §4.6: a single serialised
// worker task draining incoming requests, copy-completion (endio)
// events, and writeback deadlines, backed by a metadata.Handle for
// persistent (dev,ob)->(pb,flags) mappings and a policy.Policy for
// cache-block admission/eviction decisions. Modeled on the teacher's
// single-goroutine-plus-condvar event loop idiom
// (ibtree/hugger/hugger.go's Flush/transactionClosed condvar) rather
// than a raw unsynchronised goroutine pool, since spec.md §5 requires
// per-metadata-device ordering with no cross-block locking on the
// ingress path.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/errs"
	"github.com/fingon/go-dmcache/metadata"
	"github.com/fingon/go-dmcache/mlog"
	"github.com/fingon/go-dmcache/policy"
)

// WritebackDelay is the default dirty-block deferral deadline named
// in spec.md §4.6 ("schedule a writeback timer (default ~3s)").
const WritebackDelay = 3 * time.Second

// blockFlag is one cache block's position in spec.md §4.6's state
// machine.
type blockFlag int

const (
	Unmapped blockFlag = iota
	MappedClean
	MappedDirty
)

// CopyEngine is the external, asynchronous copy engine spec.md §5
// describes ("the external copy engine runs asynchronously and
// re-injects completion events"). toCache=true copies origin->cache
// (a fill); toCache=false copies cache->origin (a writeback). done is
// invoked from an arbitrary goroutine once the copy completes (or
// fails) - the core treats that invocation as an endio event.
type CopyEngine interface {
	CopyAsync(ob, cb uint64, toCache bool, done func(error))
}

// Request is one origin-device bio, already split by the caller so
// it never straddles a cache-block boundary (spec.md §4.6 step 1).
type Request struct {
	Dev     uint64
	Sector  uint64
	Size    uint64
	IsWrite bool
	Discard bool
	FUA     bool
	Flush   bool

	// Done is closed with the final error (nil on success) once the
	// request is fully serviced; EIO-class errors are delivered
	// here, never panicked (spec.md §7).
	Done chan error
}

type blockState struct {
	ob         uint64
	cb         uint64
	state      blockFlag
	active     bool // ACTIVE: a copy is in flight
	forceDirty bool
	refCount   int // 1 = exists but quiescent; +1 per outstanding request
	pending    []*Request
	deadline   time.Time
}

func (self *blockState) quiescent() bool {
	return self.refCount <= 1 && !self.active
}

// Core is the L6 cache-core worker for one metadata device.
type Core struct {
	Meta       *metadata.Handle
	Policy     policy.Policy
	Copy       CopyEngine
	Dev        uint64
	BlockShift uint // data_block_size expressed as a shift, per spec.md §6

	lock      sync.Mutex
	pendingIO sync.Cond // spec.md §5's pending_block_io condvar

	incoming []*Request
	endio    []endioEvent
	noSpace  []*Request

	blocksByCB map[uint64]*blockState
	congested  bool
	bounceMode bool

	wake    chan struct{}
	closing bool
}

type endioEvent struct {
	cb         uint64
	err        error
	forceDirty bool
}

func (self Core) Init() *Core {
	self.blocksByCB = make(map[uint64]*blockState)
	self.wake = make(chan struct{}, 1)
	c := &self
	c.pendingIO.L = &c.lock
	return c
}

func (self *Core) signal() {
	select {
	case self.wake <- struct{}{}:
	default:
	}
}

// Submit is the ingress path (spec.md §5): bounds-check, enqueue
// under the lock, wake the worker. It never blocks on disk I/O.
func (self *Core) Submit(req *Request) {
	self.lock.Lock()
	if self.bounceMode {
		self.lock.Unlock()
		req.Done <- fmt.Errorf("%w: device suspended (REQUEUE)", errs.ErrWouldBlock)
		return
	}
	self.incoming = append(self.incoming, req)
	self.lock.Unlock()
	self.signal()
}

// Presuspend sets BOUNCE_MODE (spec.md §5's cancellation path); new
// requests are rejected until Resume.
func (self *Core) Presuspend() {
	self.lock.Lock()
	self.bounceMode = true
	for self.anyInFlightLocked() {
		self.pendingIO.Wait()
	}
	self.lock.Unlock()
}

func (self *Core) Resume() {
	self.lock.Lock()
	self.bounceMode = false
	self.lock.Unlock()
}

func (self *Core) anyInFlightLocked() bool {
	for _, b := range self.blocksByCB {
		if !b.quiescent() {
			return true
		}
	}
	return false
}

// oblockOf computes the block-aligned origin block index from a
// request's sector, per spec.md §4.6 step 1.
func (self *Core) oblockOf(req *Request) uint64 {
	return req.Sector >> self.BlockShift
}

// pollInterval bounds how the writeback daemon paces its calls to
// processFlushDue: normally idleInterval, tightened to busyInterval
// once the dirty fraction crosses dirtyHighWatermark (supplemented
// "background writeback daemon" feature, grounded on
// dm-writeboost-daemon.h - see SPEC_FULL.md §3).
const (
	idleInterval       = 500 * time.Millisecond
	busyInterval       = 50 * time.Millisecond
	dirtyHighWatermark = 0.5
)

// Run is the single serialised worker task; it must be started in
// exactly one goroutine per Core.
func (self *Core) Run() {
	timer := time.NewTimer(idleInterval)
	defer timer.Stop()
	for {
		select {
		case <-self.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
		if self.drainOnce() {
			return
		}
		timer.Reset(self.writebackDaemonInterval())
	}
}

// writebackDaemonInterval implements the supplemented writeback
// daemon: dirtier caches get polled for flush work more often.
func (self *Core) writebackDaemonInterval() time.Duration {
	self.lock.Lock()
	defer self.lock.Unlock()
	if len(self.blocksByCB) == 0 {
		return idleInterval
	}
	dirty := 0
	for _, bs := range self.blocksByCB {
		if bs.state == MappedDirty {
			dirty++
		}
	}
	if float64(dirty)/float64(len(self.blocksByCB)) >= dirtyHighWatermark {
		return busyInterval
	}
	return idleInterval
}

// Close stops Run after the next drain pass.
func (self *Core) Close() {
	self.lock.Lock()
	self.closing = true
	self.lock.Unlock()
	self.signal()
}

func (self *Core) drainOnce() bool {
	self.lock.Lock()
	incoming := self.incoming
	self.incoming = nil
	endio := self.endio
	self.endio = nil
	closing := self.closing
	self.lock.Unlock()

	for _, req := range incoming {
		self.processIncoming(req)
	}
	if len(endio) > 0 {
		self.processEndio(endio)
	}
	self.processFlushDue()
	self.processNoSpace()

	return closing && len(incoming) == 0 && len(endio) == 0
}

// processIncoming implements spec.md §4.6 steps 1-6, driven by the
// policy's map() instruction (spec.md §2, §4.5) rather than a bare
// forward-map lookup: L6 asks L5 what to do with ob before it ever
// touches L4.
func (self *Core) processIncoming(req *Request) {
	ob := self.oblockOf(req)

	info := policy.RequestInfo{Sector: req.Sector, Size: req.Size, IsWrite: req.IsWrite, Discarded: req.Discard}
	result, err := self.Policy.Map(ob, true, req.Discard, info)
	if err == errs.ErrNoSpace {
		self.park(req)
		mlog.Printf2("cache/cache", "c.processIncoming NO_SPACE from policy, parking ob=%d", ob)
		return
	}
	if err != nil {
		req.Done <- fmt.Errorf("%w: %v", errs.ErrIOError, err)
		return
	}

	if result.Kind == policy.Miss {
		// block lives on the origin only; nothing for the cache-mapping
		// core to remap or persist (spec.md §4.5 - "carry on").
		req.Done <- nil
		return
	}

	pb := blockio.Location(result.CB)
	flags := uint64(0)

	switch result.Kind {
	case policy.Replace:
		if err := self.evictForReplace(pb, result.OldOB); err != nil {
			if rerr := self.Policy.RemoveMapping(ob); rerr != nil {
				mlog.Printf2("cache/cache", "c.processIncoming replace rollback failed: %v", rerr)
			}
			if err == errNotQuiescent {
				self.park(req)
				return
			}
			req.Done <- fmt.Errorf("%w: %v", errs.ErrIOError, err)
			return
		}
		fallthrough
	case policy.New:
		if err := self.Meta.InsertAt(self.Dev, ob, pb, flags); err != nil {
			if rerr := self.Policy.RemoveMapping(ob); rerr != nil {
				mlog.Printf2("cache/cache", "c.processIncoming admission rollback failed: %v", rerr)
			}
			if err == errs.ErrNoSpace {
				self.park(req)
				return
			}
			req.Done <- fmt.Errorf("%w: %v", errs.ErrIOError, err)
			return
		}
	case policy.Hit:
		_, f, err := self.Meta.Lookup(self.Dev, ob, true)
		if err != nil {
			req.Done <- fmt.Errorf("%w: %v", errs.ErrIOError, err)
			return
		}
		flags = f
	}

	self.lock.Lock()
	bs, ok := self.blocksByCB[uint64(pb)]
	if !ok {
		bs = &blockState{ob: ob, cb: uint64(pb), refCount: 1}
		if flags&metadata.FlagUpToDate != 0 {
			bs.state = MappedClean
		}
		if flags&metadata.FlagDirty != 0 {
			bs.state = MappedDirty
		}
		self.blocksByCB[uint64(pb)] = bs
	}
	bs.refCount++
	bs.pending = append(bs.pending, req)

	fullBlockWrite := req.IsWrite && req.Size >= uint64(1)<<self.BlockShift && !req.Discard
	needsCopy := bs.state == Unmapped && !fullBlockWrite && flags&metadata.FlagUpToDate == 0

	if fullBlockWrite {
		bs.state = MappedDirty
		bs.deadline = time.Now().Add(WritebackDelay)
		self.lock.Unlock()
		if err := self.Meta.Update(self.Dev, ob, metadata.FlagUpToDate|metadata.FlagDirty); err != nil {
			req.Done <- fmt.Errorf("%w: %v", errs.ErrIOError, err)
			return
		}
		self.Policy.SetDirty(uint64(pb))
		self.completeIfFUA(req)
		self.releaseRequest(uint64(pb), req, nil)
		return
	}

	if needsCopy && !bs.active {
		bs.active = true
		if req.IsWrite {
			// a write riding in on the same fill copy still needs
			// DIRTY once the copy lands, same as a write arriving
			// during an in-flight writeback (spec.md §4.6's
			// FORCE_DIRTY).
			bs.forceDirty = true
			bs.deadline = time.Now().Add(WritebackDelay)
		}
		self.lock.Unlock()
		self.Copy.CopyAsync(ob, uint64(pb), true, func(err error) {
			self.lock.Lock()
			self.endio = append(self.endio, endioEvent{cb: uint64(pb), err: err, forceDirty: bs.forceDirty})
			self.lock.Unlock()
			self.signal()
		})
		return
	}

	if req.IsWrite {
		bs.state = MappedDirty
		bs.deadline = time.Now().Add(WritebackDelay)
		if bs.active {
			bs.forceDirty = true
		}
	}
	self.lock.Unlock()

	if req.IsWrite {
		if err := self.Meta.Update(self.Dev, ob, metadata.FlagUpToDate|metadata.FlagDirty); err != nil {
			req.Done <- fmt.Errorf("%w: %v", errs.ErrIOError, err)
			return
		}
		self.Policy.SetDirty(uint64(pb))
	}
	self.completeIfFUA(req)
	if !needsCopy {
		self.releaseRequest(uint64(pb), req, nil)
	}
}

func (self *Core) completeIfFUA(req *Request) {
	if req.FUA || req.Flush {
		if err := self.Meta.Commit(); err != nil {
			mlog.Printf2("cache/cache", "c.completeIfFUA commit failed: %v", err)
		}
	}
}

// park defers a request for a later drain pass: either the data device
// is out of space (metadata/policy NO_SPACE) or a REPLACE victim's cache
// block is still busy. Both resolve the same way - something elsewhere
// frees the resource and the next processNoSpace pass retries.
func (self *Core) park(req *Request) {
	self.lock.Lock()
	self.noSpace = append(self.noSpace, req)
	self.congested = true
	self.lock.Unlock()
}

// errNotQuiescent signals evictForReplace found the REPLACE victim's
// cache block still busy (an in-flight copy or unreleased request), so
// the eviction cannot proceed on this drain pass.
var errNotQuiescent = fmt.Errorf("%w: replace victim not quiescent", errs.ErrWouldBlock)

// evictForReplace implements the writeback-then-evict half of spec.md
// §4.5's REPLACE: pb currently holds a (possibly dirty) mapping for
// oldOB that must be quiesced, writebacked if dirty, then dropped from
// both metadata maps before the caller reuses pb for the new ob.
func (self *Core) evictForReplace(pb blockio.Location, oldOB uint64) error {
	self.lock.Lock()
	bs, ok := self.blocksByCB[uint64(pb)]
	if ok && !bs.quiescent() {
		self.lock.Unlock()
		return errNotQuiescent
	}
	dirty := ok && bs.state == MappedDirty
	self.lock.Unlock()

	if dirty {
		done := make(chan error, 1)
		self.Copy.CopyAsync(oldOB, uint64(pb), false, func(err error) { done <- err })
		if err := <-done; err != nil {
			return err
		}
	}

	if err := self.Meta.Remove(self.Dev, oldOB); err != nil {
		return err
	}

	self.lock.Lock()
	delete(self.blocksByCB, uint64(pb))
	self.lock.Unlock()
	mlog.Printf2("cache/cache", "c.evictForReplace evicted pb=%v old_ob=%d", pb, oldOB)
	return nil
}

func (self *Core) releaseRequest(cb uint64, req *Request, err error) {
	req.Done <- err
	self.lock.Lock()
	if bs, ok := self.blocksByCB[cb]; ok {
		bs.refCount--
		for i, p := range bs.pending {
			if p == req {
				bs.pending = append(bs.pending[:i], bs.pending[i+1:]...)
				break
			}
		}
		if bs.quiescent() {
			self.pendingIO.Broadcast()
		}
	}
	self.lock.Unlock()
}

// processEndio handles copy-completion events one at a time: for each
// event it updates that block's metadata flags, commits, and only then
// releases that block's waiters. Every event gets its own commit; the
// events of one batch are not folded into a single transaction.
func (self *Core) processEndio(events []endioEvent) {
	for _, ev := range events {
		self.lock.Lock()
		bs, ok := self.blocksByCB[ev.cb]
		if !ok {
			self.lock.Unlock()
			continue
		}
		bs.active = false
		fd := bs.forceDirty
		bs.forceDirty = false
		ob := bs.ob
		pending := bs.pending
		bs.pending = nil
		self.lock.Unlock()

		if ev.err != nil {
			for _, req := range pending {
				req.Done <- fmt.Errorf("%w: %v", errs.ErrIOError, ev.err)
			}
			continue
		}

		flags := metadata.FlagUpToDate
		if fd {
			flags |= metadata.FlagDirty
			self.Policy.SetDirty(ev.cb)
		}
		if err := self.Meta.Update(self.Dev, ob, flags); err != nil {
			for _, req := range pending {
				req.Done <- fmt.Errorf("%w: %v", errs.ErrIOError, err)
			}
			continue
		}
		if err := self.Meta.Commit(); err != nil {
			for _, req := range pending {
				req.Done <- fmt.Errorf("%w: %v", errs.ErrConsistencyFail, err)
			}
			continue
		}

		self.lock.Lock()
		if fd {
			bs.state = MappedDirty
		} else {
			bs.state = MappedClean
		}
		self.lock.Unlock()

		for _, req := range pending {
			self.releaseRequest(ev.cb, req, nil)
		}
	}
}

// processFlushDue walks resident dirty blocks whose writeback deadline
// has passed and starts a cache->origin copy for each one that has no
// copy in flight (spec.md §4.6's flush_due list). It does not consult
// the policy's WritebackWork.
func (self *Core) processFlushDue() {
	now := time.Now()
	self.lock.Lock()
	var due []*blockState
	for _, bs := range self.blocksByCB {
		if bs.state == MappedDirty && !bs.active && !bs.deadline.IsZero() && now.After(bs.deadline) {
			due = append(due, bs)
		}
	}
	self.lock.Unlock()

	for _, bs := range due {
		self.lock.Lock()
		if bs.active {
			self.lock.Unlock()
			continue
		}
		bs.active = true
		cb := bs.cb
		ob := bs.ob
		self.lock.Unlock()

		self.Copy.CopyAsync(ob, cb, false, func(err error) {
			self.lock.Lock()
			self.endio = append(self.endio, endioEvent{cb: cb, err: err})
			self.lock.Unlock()
			self.signal()
		})
	}
}

// processNoSpace retries every request parked by processIncoming -
// whether parked for data-device NO_SPACE or because a REPLACE victim's
// cache block was still busy. Real eviction now happens through the
// policy's own REPLACE instruction on the next Policy.Map call, so
// there is nothing left for this pass to do beyond re-submitting: it
// costs nothing since map() is required to be non-blocking (spec.md
// §4.5). Submit wakes the worker, so a request that parks again is
// retried on the very next drain pass, not after a timer interval.
func (self *Core) processNoSpace() {
	self.lock.Lock()
	parked := self.noSpace
	self.noSpace = nil
	self.congested = false
	self.lock.Unlock()

	if len(parked) == 0 {
		return
	}
	mlog.Printf2("cache/cache", "c.processNoSpace retrying %d parked", len(parked))
	for _, req := range parked {
		self.Submit(req)
	}
}

// Congested reports whether the data device is currently reporting
// backpressure to upstream callers (spec.md §4.6).
func (self *Core) Congested() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.congested
}

// Status reports spec.md §6's "<free_blocks> <used_blocks>
// <dirty_blocks>" CLI status line.
func (self *Core) Status() (free, used, dirty uint64) {
	used = self.Meta.GetProvisionedBlocks()
	free = self.Meta.GetDataDevSize() - used
	self.lock.Lock()
	for _, bs := range self.blocksByCB {
		if bs.state == MappedDirty {
			dirty++
		}
	}
	self.lock.Unlock()
	return free, used, dirty
}
