/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan  3 22:49:15 2018 mstenber
 * Last modified: Wed Jan 10 11:32:34 2018 mstenber
 * Edit time:     29 min
 *
 */

package metadata

import (
	"testing"

	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/blockio/inmemory"
	"github.com/fingon/go-dmcache/errs"
	"github.com/stvp/assert"
)

func newTestHandle(t *testing.T) *Handle {
	be := inmemory.NewInMemoryBackend()
	be.Init(blockio.BackendConfiguration{NrBlocks: 4096})
	cache := (&blockio.Cache{Backend: be}).Init()
	h, err := Open(t.Name(), cache, 8, 64)
	assert.Nil(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestInsertThenLookup(t *testing.T) {
	h := newTestHandle(t)
	pb, flags, err := h.Insert(0, 5)
	assert.Nil(t, err)
	assert.Equal(t, flags, uint64(0))

	gotPB, gotFlags, err := h.Lookup(0, 5, true)
	assert.Nil(t, err)
	assert.Equal(t, gotPB, pb)
	assert.Equal(t, gotFlags, uint64(0))
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	h := newTestHandle(t)
	_, _, err := h.Lookup(0, 99, true)
	assert.Equal(t, err, errs.ErrNotFound)
}

func TestUpdateFlagsRoundtrip(t *testing.T) {
	h := newTestHandle(t)
	pb, _, err := h.Insert(0, 1)
	assert.Nil(t, err)

	assert.Nil(t, h.Update(0, 1, FlagUpToDate|FlagDirty))
	gotPB, flags, err := h.Lookup(0, 1, true)
	assert.Nil(t, err)
	assert.Equal(t, gotPB, pb)
	assert.Equal(t, flags, FlagUpToDate|FlagDirty)
}

func TestLookupReverse(t *testing.T) {
	h := newTestHandle(t)
	pb, _, err := h.Insert(0, 42)
	assert.Nil(t, err)

	ob, err := h.LookupReverse(0, pb)
	assert.Nil(t, err)
	assert.Equal(t, ob, uint64(42))
}

func TestRemoveDropsBothMaps(t *testing.T) {
	h := newTestHandle(t)
	pb, _, err := h.Insert(0, 7)
	assert.Nil(t, err)

	assert.Nil(t, h.Remove(0, 7))
	_, _, err = h.Lookup(0, 7, true)
	assert.Equal(t, err, errs.ErrNotFound)

	_, err = h.LookupReverse(0, pb)
	assert.Equal(t, err, errs.ErrNotFound)
}

func TestInsertExhaustsDataDevice(t *testing.T) {
	be := inmemory.NewInMemoryBackend()
	be.Init(blockio.BackendConfiguration{NrBlocks: 4096})
	cache := (&blockio.Cache{Backend: be}).Init()
	h, err := Open(t.Name(), cache, 8, 2)
	assert.Nil(t, err)
	defer h.Close()

	_, _, err = h.Insert(0, 1)
	assert.Nil(t, err)
	_, _, err = h.Insert(0, 2)
	assert.Nil(t, err)
	_, _, err = h.Insert(0, 3)
	assert.Equal(t, err, errs.ErrNoSpace)
}

func TestResizeRejectsShrinkBelowProvisioned(t *testing.T) {
	h := newTestHandle(t)
	_, _, err := h.Insert(0, 1)
	assert.Nil(t, err)

	assert.Equal(t, h.ResizeDataDev(0), errs.ErrNoSpace)
	assert.Nil(t, h.ResizeDataDev(128))
	assert.Equal(t, h.GetDataDevSize(), uint64(128))
}

func TestDeleteSweepsDevEntries(t *testing.T) {
	h := newTestHandle(t)
	_, _, err := h.Insert(3, 1)
	assert.Nil(t, err)
	_, _, err = h.Insert(3, 2)
	assert.Nil(t, err)

	assert.Nil(t, h.Delete(3))
	_, _, err = h.Lookup(3, 1, true)
	assert.Equal(t, err, errs.ErrNotFound)
	_, _, err = h.Lookup(3, 2, true)
	assert.Equal(t, err, errs.ErrNotFound)
}

func TestLookupNonBlockingWouldBlockOnContendedForwardRoot(t *testing.T) {
	h := newTestHandle(t)
	_, _, err := h.Insert(0, 1)
	assert.Nil(t, err)

	_, unlock, err := h.h.cache.WriteLocked(h.h.sb.ForwardRoot)
	assert.Nil(t, err)
	defer unlock()

	_, _, err = h.Lookup(0, 1, false)
	assert.Equal(t, err, errs.ErrWouldBlock)
}

func TestCommitThenReopenPersists(t *testing.T) {
	be := inmemory.NewInMemoryBackend()
	be.Init(blockio.BackendConfiguration{NrBlocks: 4096})
	cache := (&blockio.Cache{Backend: be}).Init()
	key := t.Name()
	h, err := Open(key, cache, 8, 64)
	assert.Nil(t, err)

	pb, _, err := h.Insert(0, 9)
	assert.Nil(t, err)
	assert.Nil(t, h.Commit())
	assert.Nil(t, h.Close())

	// the process-wide handle table is keyed by bdev string: since
	// this key was fully closed above (refcount hit zero), reopening
	// it re-reads the persisted superblock from the backend.
	h2, err := Open(key, cache, 8, 64)
	assert.Nil(t, err)
	defer h2.Close()

	gotPB, _, err := h2.Lookup(0, 9, true)
	assert.Nil(t, err)
	assert.Equal(t, gotPB, pb)
}
