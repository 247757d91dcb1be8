/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sat Dec 23 15:10:01 2017 mstenber
 * Last modified: Fri Jan  5 14:51:56 2018 mstenber
 * Edit time:     142 min
 *
 */

// inmemory provides a Backend that never touches disk; used by unit
// tests and dummy devices.
package inmemory

import (
	"sync"

	"github.com/fingon/go-dmcache/blockio"
)

type inMemoryBackend struct {
	lock   sync.RWMutex
	blocks map[blockio.Location][]byte
	nr     uint64
}

var _ blockio.Backend = &inMemoryBackend{}

func NewInMemoryBackend() blockio.Backend {
	return &inMemoryBackend{}
}

func (self *inMemoryBackend) Init(config blockio.BackendConfiguration) error {
	self.blocks = make(map[blockio.Location][]byte)
	self.nr = config.NrBlocks
	return nil
}

func (self *inMemoryBackend) Close() error { return nil }

func (self *inMemoryBackend) Sync() error { return nil }

func (self *inMemoryBackend) NrBlocks() uint64 { return self.nr }

func (self *inMemoryBackend) ReadBlock(loc blockio.Location) ([]byte, error) {
	self.lock.RLock()
	defer self.lock.RUnlock()
	b, ok := self.blocks[loc]
	if !ok {
		return make([]byte, blockio.BlockSize), nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (self *inMemoryBackend) WriteBlock(loc blockio.Location, data []byte) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	self.blocks[loc] = cp
	return nil
}
