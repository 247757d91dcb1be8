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

package transaction_test

import (
	"testing"

	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/blockio/inmemory"
	"github.com/fingon/go-dmcache/spacemap"
	"github.com/fingon/go-dmcache/transaction"
	"github.com/stvp/assert"
)

func newTestTx(t *testing.T) *transaction.Transaction {
	be := inmemory.NewInMemoryBackend()
	be.Init(blockio.BackendConfiguration{NrBlocks: 256})
	cache := (&blockio.Cache{Backend: be}).Init()
	sm, err := spacemap.Create(cache, 256)
	assert.Nil(t, err)
	return transaction.Transaction{Cache: cache, Space: sm}.Init()
}

func TestNewBlockLockedWritesAndCommits(t *testing.T) {
	tx := newTestTx(t)
	loc, data, unlock, err := tx.NewBlockLocked()
	assert.Nil(t, err)
	data[0] = 0x7
	tx.MarkDirty(loc, data)
	unlock()

	assert.Nil(t, tx.PreCommit(0))
	assert.Nil(t, tx.Commit())

	rb, runlock, err := tx.ReadLocked(loc)
	assert.Nil(t, err)
	defer runlock()
	assert.Equal(t, rb[0], byte(0x7))
}

func TestShadowIsIdempotentWithinTransaction(t *testing.T) {
	tx := newTestTx(t)
	loc, data, unlock, err := tx.NewBlockLocked()
	assert.Nil(t, err)
	data[0] = 1
	tx.MarkDirty(loc, data)
	unlock()
	assert.Nil(t, tx.PreCommit(0))
	assert.Nil(t, tx.Commit())

	s1, inc1, err := tx.Shadow(loc)
	assert.Nil(t, err)
	s2, inc2, err := tx.Shadow(loc)
	assert.Nil(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, inc2, false)
	_ = inc1
}

func TestNonBlockingCloneFailsOnContendedLock(t *testing.T) {
	tx := newTestTx(t)
	loc, _, unlock, err := tx.NewBlockLocked()
	assert.Nil(t, err)
	defer unlock()

	clone := tx.NonBlockingClone()
	_, _, err = clone.WriteLocked(loc)
	assert.NotNil(t, err)
}

func TestIncDecAndRef(t *testing.T) {
	tx := newTestTx(t)
	loc, err := tx.NewBlock()
	assert.Nil(t, err)

	assert.Nil(t, tx.Inc(loc))
	count, err := tx.Ref(loc)
	assert.Nil(t, err)
	assert.Equal(t, count, uint32(2))

	assert.Nil(t, tx.Dec(loc))
	count, err = tx.Ref(loc)
	assert.Nil(t, err)
	assert.Equal(t, count, uint32(1))
}
