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

package bolt

import (
	"encoding/binary"
	"fmt"

	bbolt "github.com/coreos/bbolt"

	"github.com/fingon/go-dmcache/blockio"
)

var blocksBucket = []byte("blocks")

// boltBackend provides on-disk storage.
//
// - key = big-endian block Location, value = BlockSize raw bytes
type boltBackend struct {
	db *bbolt.DB
	nr uint64
}

var _ blockio.Backend = &boltBackend{}

func NewBoltBackend() blockio.Backend {
	return &boltBackend{}
}

func (self *boltBackend) Init(config blockio.BackendConfiguration) error {
	db, err := bbolt.Open(fmt.Sprintf("%s/bbolt.db", config.Directory), 0600, nil)
	if err != nil {
		return err
	}
	self.db = db
	self.nr = config.NrBlocks
	return db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
}

func (self *boltBackend) Close() error {
	return self.db.Close()
}

func (self *boltBackend) Sync() error {
	// bbolt fsyncs on every Update commit by default; nothing
	// further to do here.
	return nil
}

func (self *boltBackend) NrBlocks() uint64 { return self.nr }

func key(loc blockio.Location) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(loc))
	return b
}

func (self *boltBackend) ReadBlock(loc blockio.Location) ([]byte, error) {
	var out []byte
	err := self.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(key(loc))
		if v == nil {
			out = make([]byte, blockio.BlockSize)
			return nil
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

func (self *boltBackend) WriteBlock(loc blockio.Location, data []byte) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(key(loc), data)
	})
}
