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

package arc

import (
	"testing"

	"github.com/fingon/go-dmcache/policy"
	"github.com/stvp/assert"
)

func TestColdMissThenAdmit(t *testing.T) {
	p := Policy{}.Init(4)
	r, err := p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Miss)

	// second observation of the same ob clears the "interesting"
	// filter and admits into T1.
	r, err = p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.New)
	assert.Equal(t, p.Residency(), uint64(1))
}

func TestT1HitPromotesToT2(t *testing.T) {
	p := Policy{}.Init(4)
	p.Map(1, true, false, policy.RequestInfo{})
	r, _ := p.Map(1, true, false, policy.RequestInfo{})
	assert.Equal(t, r.Kind, policy.New)

	r, err := p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Hit)
}

func TestEvictionOnFullCache(t *testing.T) {
	p := Policy{}.Init(2)
	for _, ob := range []uint64{1, 2} {
		p.Map(ob, true, false, policy.RequestInfo{})
		r, err := p.Map(ob, true, false, policy.RequestInfo{})
		assert.Nil(t, err)
		assert.Equal(t, r.Kind, policy.New)
	}
	assert.Equal(t, p.Residency(), uint64(2))

	// third distinct block forces a REPLACE eviction.
	p.Map(3, true, false, policy.RequestInfo{})
	r, err := p.Map(3, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Replace)
	assert.Equal(t, p.Residency(), uint64(2))
}

func TestGhostHitAdjustsTarget(t *testing.T) {
	p := Policy{}.Init(1)
	p.Map(1, true, false, policy.RequestInfo{})
	p.Map(1, true, false, policy.RequestInfo{}) // admitted into T1

	// evict 1 into B1 by admitting a second block.
	p.Map(2, true, false, policy.RequestInfo{})
	r, err := p.Map(2, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Replace)
	assert.Equal(t, r.OldOB, uint64(1))

	pBefore := p.p
	// re-requesting the evicted block hits the B1 ghost list.
	r, err = p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind == policy.New || r.Kind == policy.Replace, true)
	assert.Equal(t, p.p >= pBefore, true)
}

func TestRemoveMapping(t *testing.T) {
	p := Policy{}.Init(4)
	p.Map(1, true, false, policy.RequestInfo{})
	p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, p.RemoveMapping(1))
	assert.Equal(t, p.Residency(), uint64(0))
}

func TestForceMapping(t *testing.T) {
	p := Policy{}.Init(4)
	p.Map(1, true, false, policy.RequestInfo{})
	p.Map(1, true, false, policy.RequestInfo{})
	assert.Nil(t, p.ForceMapping(1, 5))

	r, err := p.Map(5, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Hit)
}

func TestLoadMapping(t *testing.T) {
	p := Policy{}.Init(4)
	assert.Nil(t, p.LoadMapping(9, 0, nil, false))
	r, err := p.Map(9, true, false, policy.RequestInfo{})
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Hit)
}
