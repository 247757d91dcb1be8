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

package badger

import (
	"encoding/binary"

	"github.com/dgraph-io/badger"

	"github.com/fingon/go-dmcache/blockio"
)

// badgerBackend provides on-disk storage.
//
// - key = big-endian block Location, value = BlockSize raw bytes
type badgerBackend struct {
	db *badger.DB
	nr uint64
}

var _ blockio.Backend = &badgerBackend{}

func NewBadgerBackend() blockio.Backend {
	return &badgerBackend{}
}

func (self *badgerBackend) Init(config blockio.BackendConfiguration) error {
	opts := badger.DefaultOptions
	opts.Dir = config.Directory
	opts.ValueDir = config.Directory
	db, err := badger.Open(opts)
	if err != nil {
		return err
	}
	self.db = db
	self.nr = config.NrBlocks
	return nil
}

func (self *badgerBackend) Close() error {
	return self.db.Close()
}

func (self *badgerBackend) Sync() error {
	// badger's default SyncWrites is true, so every Update above
	// already fsyncs its value-log write; nothing further to do.
	return nil
}

func (self *badgerBackend) NrBlocks() uint64 { return self.nr }

func key(loc blockio.Location) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(loc))
	return b
}

func (self *badgerBackend) ReadBlock(loc blockio.Location) ([]byte, error) {
	var out []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(loc))
		if err == badger.ErrKeyNotFound {
			out = make([]byte, blockio.BlockSize)
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

func (self *badgerBackend) WriteBlock(loc blockio.Location, data []byte) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(loc), data)
	})
}
