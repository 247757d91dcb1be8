/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan  3 15:44:41 2018 mstenber
 * Last modified: Fri Jan  5 12:02:35 2018 mstenber
 * Edit time:     72 min
 *
 */

// file stores every block in a single flat, sparse file: block N
// lives at byte offset N*BlockSize. This replaces the teacher's
// hashed-directory-of-content-addressed-blobs layout (storage/file)
// with the much simpler scheme a location-addressed device wants -
// closer to how a real block device file actually behaves.
package file

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fingon/go-dmcache/blockio"
)

type fileBackend struct {
	dir string
	f   *os.File
	nr  uint64
}

var _ blockio.Backend = &fileBackend{}

func NewFileBackend() blockio.Backend {
	return &fileBackend{}
}

func (self *fileBackend) Init(config blockio.BackendConfiguration) error {
	self.dir = config.Directory
	if err := os.MkdirAll(self.dir, 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(fmt.Sprintf("%s/blocks.img", self.dir), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	self.f = f
	self.nr = config.NrBlocks
	if self.nr > 0 {
		if err := f.Truncate(int64(self.nr) * blockio.BlockSize); err != nil {
			return err
		}
	}
	return nil
}

func (self *fileBackend) Close() error {
	return self.f.Close()
}

func (self *fileBackend) Sync() error {
	return self.f.Sync()
}

func (self *fileBackend) NrBlocks() uint64 { return self.nr }

func (self *fileBackend) ReadBlock(loc blockio.Location) ([]byte, error) {
	buf := make([]byte, blockio.BlockSize)
	n, err := self.f.ReadAt(buf, int64(loc)*blockio.BlockSize)
	if err != nil && n == 0 {
		// reading past EOF on a not-yet-extended sparse file
		// is equivalent to reading an all-zero block.
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		return nil, err
	}
	return buf, nil
}

func (self *fileBackend) WriteBlock(loc blockio.Location, data []byte) error {
	_, err := self.f.WriteAt(data, int64(loc)*blockio.BlockSize)
	return err
}
