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

package writeback

import (
	"testing"

	"github.com/fingon/go-dmcache/policy"
	"github.com/stvp/assert"
)

func TestMapMissThenLoad(t *testing.T) {
	p := Policy{}.Init(4)
	r, err := p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Miss)

	assert.Nil(t, p.LoadMapping(1, 0, nil, false))
	r, err = p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Hit)
	assert.Equal(t, r.CB, uint64(0))
}

func TestDirtyTrackingAndWritebackWork(t *testing.T) {
	p := Policy{}.Init(2)
	assert.Nil(t, p.LoadMapping(10, 0, nil, false))
	assert.Nil(t, p.LoadMapping(20, 1, nil, false))

	_, _, ok := p.WritebackWork()
	assert.Equal(t, ok, false)

	p.SetDirty(0)
	p.SetDirty(1)
	ob, cb, ok := p.WritebackWork()
	assert.Equal(t, ok, true)
	assert.Equal(t, ob == 10 || ob == 20, true)
	_ = cb

	p.ClearDirty(0)
	p.ClearDirty(1)
	_, _, ok = p.WritebackWork()
	assert.Equal(t, ok, false)
}

func TestRemoveMappingFreesEntry(t *testing.T) {
	p := Policy{}.Init(1)
	assert.Nil(t, p.LoadMapping(1, 0, nil, false))
	assert.Nil(t, p.RemoveMapping(1))

	r, err := p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Miss)

	// entry 0 must be reusable now that it was freed.
	assert.Nil(t, p.LoadMapping(2, 0, nil, false))
	r, err = p.Map(2, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Hit)
}

func TestForceMapping(t *testing.T) {
	p := Policy{}.Init(2)
	assert.Nil(t, p.LoadMapping(1, 0, nil, false))
	assert.Nil(t, p.ForceMapping(1, 2))

	r, err := p.Map(2, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Hit)

	r, err = p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Miss)
}

func TestWalkMappingsOrder(t *testing.T) {
	p := Policy{}.Init(3)
	assert.Nil(t, p.LoadMapping(1, 0, nil, false))
	assert.Nil(t, p.LoadMapping(2, 1, nil, false))
	assert.Nil(t, p.LoadMapping(3, 2, nil, false))

	var seen []uint64
	err := p.WalkMappings(func(ob, cb uint64, hint []byte) error {
		seen = append(seen, ob)
		return nil
	})
	assert.Nil(t, err)
	assert.Equal(t, len(seen), 3)
}
