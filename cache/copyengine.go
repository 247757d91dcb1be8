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
	"fmt"

	"github.com/fingon/go-dmcache/util"
)

// DataDevice is a raw block device addressed in data-block units
// (spec.md §6's data_block_size_sectors, not blockio.BlockSize - the
// origin and cache devices are sized independently of the metadata
// device). A production build backs this with a raw file/blockio
// Backend at the data device's own block size; tests back it with a
// plain in-memory slice.
type DataDevice interface {
	ReadAt(block uint64, buf []byte) error
	WriteAt(block uint64, buf []byte) error
}

// BlockCopyEngine is the default CopyEngine: a synchronous read+write
// pair run on its own goroutine per call, standing in for the
// asynchronous DMA/bio-chain copy engine spec.md §5 leaves external to
// this module.
type BlockCopyEngine struct {
	Origin, Cache DataDevice
	BlockSize     int // bytes per data block

	// Limiter bounds how many copies run at once, so a burst of
	// fills/writebacks doesn't open one goroutine (and one
	// concurrent origin-device seek) per dirty block. Zero value
	// works: ParallelLimiter lazily defaults to
	// runtime.NumCPU()*DefaultPerCPU on first use.
	Limiter  util.ParallelLimiter
	inFlight util.SimpleWaitGroup
}

func (self *BlockCopyEngine) CopyAsync(ob, cb uint64, toCache bool, done func(error)) {
	self.inFlight.Go(func() {
		unlock := self.Limiter.Limited()
		defer unlock()
		buf := make([]byte, self.BlockSize)
		var err error
		if toCache {
			if err = self.Origin.ReadAt(ob, buf); err == nil {
				err = self.Cache.WriteAt(cb, buf)
			}
		} else {
			if err = self.Cache.ReadAt(cb, buf); err == nil {
				err = self.Origin.WriteAt(ob, buf)
			}
		}
		if err != nil {
			err = fmt.Errorf("copy ob=%d cb=%d toCache=%v: %w", ob, cb, toCache, err)
		}
		done(err)
	})
}

// Drain blocks until every CopyAsync call that has started returns,
// used by cmd/dmcache-target's shutdown path after Core.Presuspend
// to be sure no copy goroutine is still touching the data devices.
func (self *BlockCopyEngine) Drain() {
	self.inFlight.Wait()
}

// MemDataDevice is an in-memory DataDevice, used by tests and as the
// origin and cache devices of cmd/dmcache-target.
type MemDataDevice struct {
	BlockSize int
	blocks    map[uint64][]byte
}

func (self MemDataDevice) Init() *MemDataDevice {
	self.blocks = make(map[uint64][]byte)
	return &self
}

func (self *MemDataDevice) ReadAt(block uint64, buf []byte) error {
	if d, ok := self.blocks[block]; ok {
		copy(buf, d)
		return nil
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (self *MemDataDevice) WriteAt(block uint64, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	self.blocks[block] = cp
	return nil
}
