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

// stack implements spec.md §4.5/§6's L5d policy composition: a chain
// of shim policies terminated by one real policy, addressed by a
// name string of the form "seg1+seg2+...+segN" (a trailing "+" means
// a single segment - ParseStackName mirrors spec.md §6's grammar).
// Only the terminal segment's Map/LoadMapping/etc. actually do
// anything in this initial cut; the shim slots exist so a future
// segment (e.g. a hint-carrying pass-through) can be inserted without
// reshaping the composition.
package stack

import (
	"fmt"
	"strings"

	"github.com/fingon/go-dmcache/errs"
	"github.com/fingon/go-dmcache/policy"
)

// Factory builds a named policy segment given its capacity.
type Factory func(capacity int) policy.Policy

var registry = map[string]Factory{}

// Register adds a named policy segment to the registry consulted by
// New/ParseStackName. Called from each policy subpackage's init, the
// same factory-by-name pattern the teacher uses for its backend
// registries (blockio/factory, codec).
func Register(name string, f Factory) {
	registry[name] = f
}

// Stack composes a chain of policy segments; all but the last are
// pass-through shims (reserved for future hint-processing segments),
// the last is the terminal policy that actually owns the mappings.
type Stack struct {
	segments []policy.Policy
	names    []string
}

// New builds a Stack from a "+"-joined segment name list.
// ParseStackName is the inverse, recovering the canonical name.
func New(name string, capacity int) (*Stack, error) {
	segs := ParseStackName(name)
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty policy stack name", errs.ErrInvalidArg)
	}
	s := &Stack{}
	for _, seg := range segs {
		f, ok := registry[seg]
		if !ok {
			return nil, fmt.Errorf("%w: unknown policy segment %q", errs.ErrInvalidArg, seg)
		}
		s.segments = append(s.segments, f(capacity))
		s.names = append(s.names, seg)
	}
	return s, nil
}

// ParseStackName splits a policy stack name into its ordered segment
// names, per spec.md §6: segments separated by "+"; a trailing "+"
// still denotes a single policy (the teacher's target-table line
// parser treats a dangling separator as a single empty-tailed field,
// dropped here rather than producing a spurious empty segment).
func ParseStackName(name string) []string {
	name = strings.TrimSuffix(name, "+")
	if name == "" {
		return nil
	}
	return strings.Split(name, "+")
}

func (self *Stack) terminal() policy.Policy {
	return self.segments[len(self.segments)-1]
}

// Name concatenates the kept segment names, skipping any inner shim
// segment whose HintSize is 0 and which is not the terminal policy -
// a hintless pass-through shim contributes nothing observable to the
// stack's on-disk hint format, so it is elided from the canonical
// name (spec.md §8's S6: stack "trace+cleaner+mq" with hintless
// "trace" canonicalizes to "cleanermq", i.e. the kept names joined
// directly with no separator - the persisted composite name is a
// single opaque identifier, not a re-parseable "+"-list).
func (self *Stack) Name() string {
	var kept []string
	for i, p := range self.segments {
		if i < len(self.segments)-1 && p.HintSize() == 0 {
			continue
		}
		kept = append(kept, self.names[i])
	}
	return strings.Join(kept, "")
}

// Version sums the kept segments' versions componentwise (see Name):
// a hintless inner shim contributes no on-disk hint format of its own,
// so its version must not perturb the composite either.
func (self *Stack) Version() [3]int {
	var v [3]int
	for i, p := range self.segments {
		if i < len(self.segments)-1 && p.HintSize() == 0 {
			continue
		}
		pv := p.Version()
		v[0] += pv[0]
		v[1] += pv[1]
		v[2] += pv[2]
	}
	return v
}

// HintSize sums the non-skipped segments' hint sizes (see Name).
func (self *Stack) HintSize() int {
	n := 0
	for i, p := range self.segments {
		if i < len(self.segments)-1 && p.HintSize() == 0 {
			continue
		}
		n += p.HintSize()
	}
	return n
}

func (self *Stack) Map(ob uint64, canMigrate, discarded bool, info policy.RequestInfo) (policy.Result, error) {
	return self.terminal().Map(ob, canMigrate, discarded, info)
}

func (self *Stack) LoadMapping(ob, cb uint64, hint []byte, hintValid bool) error {
	return self.terminal().LoadMapping(ob, cb, hint, hintValid)
}

func (self *Stack) WalkMappings(fn policy.WalkFn) error {
	return self.terminal().WalkMappings(fn)
}

func (self *Stack) RemoveMapping(ob uint64) error {
	return self.terminal().RemoveMapping(ob)
}

func (self *Stack) ForceMapping(curOB, newOB uint64) error {
	return self.terminal().ForceMapping(curOB, newOB)
}

func (self *Stack) SetDirty(cb uint64)   { self.terminal().SetDirty(cb) }
func (self *Stack) ClearDirty(cb uint64) { self.terminal().ClearDirty(cb) }

func (self *Stack) WritebackWork() (ob, cb uint64, ok bool) {
	return self.terminal().WritebackWork()
}

func (self *Stack) Residency() uint64 {
	return self.terminal().Residency()
}

func (self *Stack) Tick() {
	for _, p := range self.segments {
		p.Tick()
	}
}

func (self *Stack) Status() string {
	var parts []string
	for i, p := range self.segments {
		parts = append(parts, fmt.Sprintf("%s[%s]", self.names[i], p.Status()))
	}
	return strings.Join(parts, " ")
}

func (self *Stack) Message(args []string) (string, error) {
	return self.terminal().Message(args)
}

var _ policy.Policy = &Stack{}
