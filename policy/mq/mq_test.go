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

package mq

import (
	"testing"

	"github.com/fingon/go-dmcache/policy"
	"github.com/stvp/assert"
)

// nonSeqInfo returns a RequestInfo whose sector never lines up with
// the previous one's end, so observeSequential never flags it.
func nonSeqInfo(ob uint64) policy.RequestInfo {
	return policy.RequestInfo{Sector: ob * 997, Size: 1}
}

func TestColdMissStaysInPreCache(t *testing.T) {
	p := Policy{}.Init(4)
	r, err := p.Map(1, true, false, nonSeqInfo(1))
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Miss)
	assert.Equal(t, p.Residency(), uint64(0))
}

func TestPromoteAfterThreshold(t *testing.T) {
	p := Policy{}.Init(4)
	var r policy.Result
	var err error
	for i := 0; i < promoteThreshold+1; i++ {
		r, err = p.Map(42, true, false, nonSeqInfo(42))
		assert.Nil(t, err)
	}
	assert.Equal(t, r.Kind == policy.New || r.Kind == policy.Replace, true)
	assert.Equal(t, p.Residency(), uint64(1))

	r, err = p.Map(42, true, false, nonSeqInfo(42))
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Hit)
}

func TestSequentialBypass(t *testing.T) {
	p := Policy{}.Init(4)
	sector := uint64(0)
	var r policy.Result
	var err error
	for i := 0; i < seqThreshold+2; i++ {
		r, err = p.Map(uint64(i), true, false, policy.RequestInfo{Sector: sector, Size: 8})
		assert.Nil(t, err)
		sector += 8
	}
	assert.Equal(t, r.Kind, policy.Miss)
	assert.Equal(t, p.Residency(), uint64(0))
}

func TestCapacityEvictsOldest(t *testing.T) {
	p := Policy{}.Init(1)
	for ob := uint64(1); ob <= 2; ob++ {
		for i := 0; i < promoteThreshold+1; i++ {
			_, err := p.Map(ob, true, false, nonSeqInfo(ob))
			assert.Nil(t, err)
		}
	}
	assert.Equal(t, p.Residency(), uint64(1))
}

func TestForceMapping(t *testing.T) {
	p := Policy{}.Init(4)
	assert.Nil(t, p.LoadMapping(1, 0, nil, false))
	assert.Nil(t, p.ForceMapping(1, 2))

	r, err := p.Map(2, true, false, nonSeqInfo(2))
	assert.Nil(t, err)
	assert.Equal(t, r.Kind, policy.Hit)
}

func TestRemoveMapping(t *testing.T) {
	p := Policy{}.Init(4)
	assert.Nil(t, p.LoadMapping(1, 0, nil, false))
	assert.Nil(t, p.RemoveMapping(1))
	assert.Equal(t, p.Residency(), uint64(0))
}
