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
	"encoding/binary"

	"github.com/fingon/go-dmcache/blockio"
)

// SuperblockMagic and version are spec.md §6's on-disk constants.
const SuperblockMagic = uint64(21081990)
const SuperblockVersion = uint64(1)

// SuperblockLocation is always the first metadata block. The space
// map's bootstrap allocator starts after it and create marks it
// allocated, so the space map never hands it out.
const SuperblockLocation = blockio.Location(0)

const spaceMapRootMaxSize = 32

// superblockLayout mirrors spec.md §6's byte table exactly.
const (
	offMagic             = 0
	offVersion           = 8
	offMetadataBlockSize = 16
	offMetadataNrBlocks  = 24
	offDataBlockSize     = 32
	offDataNrBlocks      = 40
	offFirstFreeBlock    = 48
	offForwardRoot       = 56
	offReverseRoot       = 64
	offSpaceMapRoot      = 72
)

// superblock is the in-memory mirror of the on-disk layout; flags are
// not persisted per-field, they are recomputed from the two roots and
// first_free_block on every open.
type superblock struct {
	Magic             uint64
	Version           uint64
	MetadataBlockSize uint64 // sectors
	MetadataNrBlocks  uint64
	DataBlockSize     uint64 // sectors
	DataNrBlocks      uint64
	FirstFreeBlock    uint64
	ForwardRoot       blockio.Location
	ReverseRoot       blockio.Location
	SpaceMapRoot      []byte
}

func decodeSuperblock(data []byte) *superblock {
	sb := &superblock{
		Magic:             binary.LittleEndian.Uint64(data[offMagic:]),
		Version:           binary.LittleEndian.Uint64(data[offVersion:]),
		MetadataBlockSize: binary.LittleEndian.Uint64(data[offMetadataBlockSize:]),
		MetadataNrBlocks:  binary.LittleEndian.Uint64(data[offMetadataNrBlocks:]),
		DataBlockSize:     binary.LittleEndian.Uint64(data[offDataBlockSize:]),
		DataNrBlocks:      binary.LittleEndian.Uint64(data[offDataNrBlocks:]),
		FirstFreeBlock:    binary.LittleEndian.Uint64(data[offFirstFreeBlock:]),
		ForwardRoot:       blockio.Location(binary.LittleEndian.Uint64(data[offForwardRoot:])),
		ReverseRoot:       blockio.Location(binary.LittleEndian.Uint64(data[offReverseRoot:])),
	}
	sb.SpaceMapRoot = append([]byte{}, data[offSpaceMapRoot:offSpaceMapRoot+spaceMapRootMaxSize]...)
	return sb
}

func (self *superblock) encode(data []byte) {
	binary.LittleEndian.PutUint64(data[offMagic:], self.Magic)
	binary.LittleEndian.PutUint64(data[offVersion:], self.Version)
	binary.LittleEndian.PutUint64(data[offMetadataBlockSize:], self.MetadataBlockSize)
	binary.LittleEndian.PutUint64(data[offMetadataNrBlocks:], self.MetadataNrBlocks)
	binary.LittleEndian.PutUint64(data[offDataBlockSize:], self.DataBlockSize)
	binary.LittleEndian.PutUint64(data[offDataNrBlocks:], self.DataNrBlocks)
	binary.LittleEndian.PutUint64(data[offFirstFreeBlock:], self.FirstFreeBlock)
	binary.LittleEndian.PutUint64(data[offForwardRoot:], uint64(self.ForwardRoot))
	binary.LittleEndian.PutUint64(data[offReverseRoot:], uint64(self.ReverseRoot))
	copy(data[offSpaceMapRoot:offSpaceMapRoot+spaceMapRootMaxSize], self.SpaceMapRoot)
}

func isAllZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
