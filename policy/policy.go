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

// policy defines the uniform, non-blocking cache-replacement contract
// of spec.md §4.5: every operation must either complete without
// blocking or return errs.ErrWouldBlock. writeback (L5a), mq (L5b) and
// arc (L5c) each implement Policy; Stack (L5d) composes a chain of
// them the way the teacher's hugger composes storage+codec layers.
package policy

import "github.com/fingon/go-dmcache/errs"

// ResultKind is the outcome of Policy.Map (spec.md §4.5).
type ResultKind int

const (
	Hit ResultKind = iota
	Miss
	New
	Replace
)

// RequestInfo carries the bits Map needs to classify an IO for
// sequential-stream detection and dirty tracking, without the policy
// ever touching the actual bio.
type RequestInfo struct {
	Sector    uint64
	Size      uint64
	IsWrite   bool
	Discarded bool
}

// Result is the PolicyResult ADT of spec.md §4.5.
type Result struct {
	Kind  ResultKind
	CB    uint64 // cache block, valid for Hit/New/Replace
	OldOB uint64 // origin block being evicted, valid for Replace
}

// WalkFn receives one persisted mapping during WalkMappings.
type WalkFn func(ob, cb uint64, hint []byte) error

// Policy is the uniform contract of spec.md §4.5. Implementations must
// never block; any operation unable to proceed immediately returns
// errs.ErrWouldBlock.
type Policy interface {
	Map(ob uint64, canMigrate, discarded bool, info RequestInfo) (Result, error)
	LoadMapping(ob, cb uint64, hint []byte, hintValid bool) error
	WalkMappings(fn WalkFn) error
	RemoveMapping(ob uint64) error
	ForceMapping(curOB, newOB uint64) error
	SetDirty(cb uint64)
	ClearDirty(cb uint64)
	WritebackWork() (ob, cb uint64, ok bool)
	Residency() uint64
	Tick()
	Status() string
	Message(args []string) (string, error)

	HintSize() int
	Version() [3]int
	Name() string
}

// ErrWouldBlock re-exported for convenience of policy implementations
// and their callers.
var ErrWouldBlock = errs.ErrWouldBlock
