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

package cache

import (
	"testing"
	"time"

	"github.com/stvp/assert"
)

func TestMemDataDeviceReadZeroFillsOnMiss(t *testing.T) {
	d := MemDataDevice{BlockSize: 8}.Init()
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = 0xff
	}
	assert.Nil(t, d.ReadAt(3, buf))
	for _, b := range buf {
		assert.Equal(t, b, byte(0))
	}
}

func TestMemDataDeviceWriteThenRead(t *testing.T) {
	d := MemDataDevice{BlockSize: 4}.Init()
	assert.Nil(t, d.WriteAt(1, []byte{1, 2, 3, 4}))
	buf := make([]byte, 4)
	assert.Nil(t, d.ReadAt(1, buf))
	assert.Equal(t, buf[0], byte(1))
	assert.Equal(t, buf[3], byte(4))
}

func TestBlockCopyEngineToCache(t *testing.T) {
	origin := MemDataDevice{BlockSize: 4}.Init()
	cacheDev := MemDataDevice{BlockSize: 4}.Init()
	assert.Nil(t, origin.WriteAt(5, []byte{9, 9, 9, 9}))

	eng := &BlockCopyEngine{Origin: origin, Cache: cacheDev, BlockSize: 4}
	done := make(chan error, 1)
	eng.CopyAsync(5, 2, true, func(err error) { done <- err })

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("copy did not complete")
	}

	buf := make([]byte, 4)
	assert.Nil(t, cacheDev.ReadAt(2, buf))
	assert.Equal(t, buf[0], byte(9))
}

func TestBlockCopyEngineFromCache(t *testing.T) {
	origin := MemDataDevice{BlockSize: 4}.Init()
	cacheDev := MemDataDevice{BlockSize: 4}.Init()
	assert.Nil(t, cacheDev.WriteAt(2, []byte{7, 7, 7, 7}))

	eng := &BlockCopyEngine{Origin: origin, Cache: cacheDev, BlockSize: 4}
	done := make(chan error, 1)
	eng.CopyAsync(5, 2, false, func(err error) { done <- err })

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("copy did not complete")
	}

	buf := make([]byte, 4)
	assert.Nil(t, origin.ReadAt(5, buf))
	assert.Equal(t, buf[0], byte(7))
}
