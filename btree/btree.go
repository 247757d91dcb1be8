/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Mon Dec 25 01:08:16 2017 mstenber
 * Last modified: Wed Jan  3 10:46:24 2018 mstenber
 * Edit time:     694 min
 *
 */

// btree package provides the shadowed, ordered, fixed-width-key
// B-tree described in the metadata stack: unlike the teacher's
// ibtree (a Merkle-hashed functional tree addressed by content hash),
// nodes here are addressed by on-disk Location and persisted through
// a NodeStore (the transaction manager, or the space map's own
// bootstrap allocator) rather than a content-addressed backend. Node
// layout, shadow-spine bounding and rebalance-on-descent are kept
// from the teacher's ibStack algorithm; the hashing/Merkle aspect is
// dropped since locations, not hashes, identify nodes here.
//
// Tree itself only knows one key dimension (64-bit keys -> fixed-size
// values); NestedTree composes two Trees to get the (dev,ob)->V style
// two-dimensional lookup the HSM forward/reverse maps need, per
// spec.md §4.3's "multi-level tree is n nested B-trees".
package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"

	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/errs"
	"github.com/fingon/go-dmcache/mlog"
)

const nodeMagic = uint32(160774)
const headerSize = 16 // flags, nr_entries, max_entries, magic : 4x u32
const crcSize = 4
const keySize = 8
const locationSize = 8 // internal-node child pointer width

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ValueType lets a tree's leaf values carry embedded references to
// other blocks (e.g. a forward-map entry encoding a data-block
// Location) whose refcounts must move in step with the entry itself.
// PlainValueType suits trees whose values are opaque.
type ValueType interface {
	Size() int
	// Copy runs when an entry is duplicated because the node holding
	// it was shadowed while still shared (refcount>1 before the
	// shadow's decrement).
	Copy(old, new []byte) error
	// Del runs when an entry is dropped by Remove.
	Del(v []byte) error
	Equal(a, b []byte) bool
}

type PlainValueType struct{ ValueSize int }

func (self PlainValueType) Size() int                 { return self.ValueSize }
func (self PlainValueType) Copy(old, new []byte) error { return nil }
func (self PlainValueType) Del(v []byte) error         { return nil }
func (self PlainValueType) Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LocationValueType is the outer-dimension value type for NestedTree:
// its values are always inner-tree root Locations. Del drops one
// reference on the inner tree's root block only; the inner tree's
// other nodes are not visited.
type LocationValueType struct {
	Inner *Tree
}

func (self LocationValueType) Size() int { return locationSize }
func (self LocationValueType) Copy(old, new []byte) error {
	return self.Inner.Store.Inc(locOf(old))
}
func (self LocationValueType) Del(v []byte) error {
	return self.Inner.Store.Dec(locOf(v))
}
func (self LocationValueType) Equal(a, b []byte) bool {
	return locOf(a) == locOf(b)
}

// NodeStore is the allocation/locking surface the B-tree needs from
// whatever owns its blocks: the transaction manager for ordinary
// trees, or the space map's own bootstrap allocator for its
// ref-count overflow tree (spec.md §4.2's recursion hazard is exactly
// why this is an interface and not a hard dependency on Transaction).
type NodeStore interface {
	NewBlock() (blockio.Location, error)
	// Shadow returns a writable copy of orig (or orig itself, if this
	// NodeStore has no shadowing concept) plus whether the callee must
	// bump child refcounts (orig was shared before the shadow).
	Shadow(orig blockio.Location) (neu blockio.Location, incChildren bool, err error)
	ReadLocked(loc blockio.Location) (data []byte, unlock func(), err error)
	WriteLocked(loc blockio.Location) (data []byte, unlock func(), err error)
	MarkDirty(loc blockio.Location, data []byte)
	Inc(loc blockio.Location) error
	Dec(loc blockio.Location) error
}

// Tree is static, shareable configuration for one B-tree: its
// NodeStore, fixed key width (always 64-bit per spec.md §4.3) and its
// value type (which fixes the value width too).
type Tree struct {
	Store      NodeStore
	ValueType  ValueType
	maxEntries int
}

func (self Tree) Init() *Tree {
	self.maxEntries = maxEntries(self.ValueType.Size())
	if self.maxEntries < 3 {
		log.Panicf("btree: value size %d leaves no room for entries in a %d-byte block", self.ValueType.Size(), blockio.BlockSize)
	}
	return &self
}

func maxEntries(valueSize int) int {
	return (blockio.BlockSize - headerSize - crcSize) / (keySize + valueSize)
}

// Empty allocates a fresh empty leaf and returns its Location.
func (self *Tree) Empty() (blockio.Location, error) {
	loc, err := self.Store.NewBlock()
	if err != nil {
		return 0, err
	}
	self.write(loc, &node{leafy: true, maxEntries: self.maxEntries})
	return loc, nil
}

type node struct {
	leafy      bool
	maxEntries int
	nrEntries  int
	keys       []uint64
	values     [][]byte // len==nrEntries, each len==valueSize (leaf) or locationSize (internal)
}

func (self *Tree) childValueSize(leafy bool) int {
	if leafy {
		return self.ValueType.Size()
	}
	return locationSize
}

func (self *Tree) decode(raw []byte) (*node, error) {
	if len(raw) < headerSize+crcSize {
		return nil, fmt.Errorf("%w: node too small", errs.ErrConsistencyFail)
	}
	got := binary.LittleEndian.Uint32(raw[len(raw)-crcSize:])
	want := crc32.Checksum(raw[:len(raw)-crcSize], crcTable)
	if got != want {
		return nil, fmt.Errorf("%w: node crc mismatch", errs.ErrChecksumFail)
	}
	flags := binary.LittleEndian.Uint32(raw[0:4])
	nrEntries := binary.LittleEndian.Uint32(raw[4:8])
	maxEnt := binary.LittleEndian.Uint32(raw[8:12])
	magic := binary.LittleEndian.Uint32(raw[12:16])
	if magic != nodeMagic {
		return nil, fmt.Errorf("%w: bad node magic %d", errs.ErrConsistencyFail, magic)
	}
	n := &node{leafy: flags&1 != 0, maxEntries: int(maxEnt), nrEntries: int(nrEntries)}
	vs := self.childValueSize(n.leafy)
	off := headerSize
	n.keys = make([]uint64, n.nrEntries)
	for i := 0; i < n.nrEntries; i++ {
		n.keys[i] = binary.LittleEndian.Uint64(raw[off : off+8])
		off += 8
	}
	off = headerSize + int(maxEnt)*8
	n.values = make([][]byte, n.nrEntries)
	for i := 0; i < n.nrEntries; i++ {
		n.values[i] = append([]byte{}, raw[off:off+vs]...)
		off += vs
	}
	return n, nil
}

func (self *Tree) encode(n *node, out []byte) {
	var flags uint32
	if n.leafy {
		flags = 1
	}
	binary.LittleEndian.PutUint32(out[0:4], flags)
	binary.LittleEndian.PutUint32(out[4:8], uint32(n.nrEntries))
	binary.LittleEndian.PutUint32(out[8:12], uint32(n.maxEntries))
	binary.LittleEndian.PutUint32(out[12:16], nodeMagic)
	vs := self.childValueSize(n.leafy)
	off := headerSize
	for i := 0; i < n.nrEntries; i++ {
		binary.LittleEndian.PutUint64(out[off:off+8], n.keys[i])
		off += 8
	}
	off = headerSize + n.maxEntries*8
	for i := 0; i < n.nrEntries; i++ {
		copy(out[off:off+vs], n.values[i])
		off += vs
	}
	crc := crc32.Checksum(out[:len(out)-crcSize], crcTable)
	binary.LittleEndian.PutUint32(out[len(out)-crcSize:], crc)
}

func (self *Tree) read(loc blockio.Location) (*node, error) {
	data, unlock, err := self.Store.ReadLocked(loc)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return self.decode(data)
}

func (self *Tree) write(loc blockio.Location, n *node) {
	data, unlock, err := self.Store.WriteLocked(loc)
	if err != nil {
		log.Panicf("btree: write of %v failed: %v", loc, err)
	}
	defer unlock()
	self.encode(n, data)
	self.Store.MarkDirty(loc, data)
}

// searchIndex returns the index of the first key >= k (lower bound).
func (n *node) searchIndex(k uint64) int {
	lo, hi := 0, n.nrEntries
	for lo < hi {
		mid := (lo + hi) / 2
		if n.keys[mid] < k {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func locOf(v []byte) blockio.Location {
	return blockio.Location(binary.LittleEndian.Uint64(v))
}

func locBytes(l blockio.Location) []byte {
	b := make([]byte, locationSize)
	binary.LittleEndian.PutUint64(b, uint64(l))
	return b
}

// LookupEqual returns errs.ErrNotFound if the key is absent.
func (self *Tree) LookupEqual(root blockio.Location, key uint64) ([]byte, error) {
	loc := root
	for {
		n, err := self.read(loc)
		if err != nil {
			return nil, err
		}
		i := n.searchIndex(key)
		if n.leafy {
			if i >= n.nrEntries || n.keys[i] != key {
				return nil, errs.ErrNotFound
			}
			return n.values[i], nil
		}
		if i >= n.nrEntries {
			return nil, errs.ErrNotFound
		}
		loc = locOf(n.values[i])
	}
}

// splitResult is what a recursive insert/remove step hands its caller
// when the node it touched needed to split: the caller must add a new
// routing entry (key, locBytes(rightLoc)) immediately after its own
// entry for this child.
type splitResult struct {
	key   uint64
	value []byte
}

// Insert descends the shadow spine; the only thing ever "in flight"
// at once is the current node (already shadowed) and, on the way back
// up, a pending splitResult for its parent to absorb - the teacher's
// bounded shadow-spine idea, expressed here as bounded recursion state
// rather than an explicit ibStack.
func (self *Tree) Insert(root blockio.Location, key uint64, value []byte) (blockio.Location, error) {
	mlog.Printf2("btree/btree", "t.Insert %v", key)
	newRoot, split, err := self.insert(root, key, value)
	if err != nil {
		return 0, err
	}
	if split == nil {
		return newRoot, nil
	}
	rootNode := &node{leafy: false, maxEntries: self.maxEntries, nrEntries: 2,
		keys:   []uint64{self.firstKey(newRoot), split.key},
		values: [][]byte{locBytes(newRoot), split.value}}
	loc, err := self.Store.NewBlock()
	if err != nil {
		return 0, err
	}
	self.write(loc, rootNode)
	return loc, nil
}

func (self *Tree) firstKey(loc blockio.Location) uint64 {
	n, err := self.read(loc)
	if err != nil || n.nrEntries == 0 {
		return 0
	}
	return n.keys[0]
}

func (self *Tree) insert(loc blockio.Location, key uint64, value []byte) (blockio.Location, *splitResult, error) {
	newLoc, incChildren, err := self.Store.Shadow(loc)
	if err != nil {
		return 0, nil, err
	}
	n, err := self.read(newLoc)
	if err != nil {
		return 0, nil, err
	}
	i := n.searchIndex(key)

	if incChildren {
		for idx, v := range n.values {
			if n.leafy {
				if err := self.ValueType.Copy(v, v); err != nil {
					return 0, nil, err
				}
			} else if idx != i {
				if err := self.Store.Inc(locOf(v)); err != nil {
					return 0, nil, err
				}
			}
		}
	}

	if n.leafy {
		if i < n.nrEntries && n.keys[i] == key {
			n.values[i] = append([]byte{}, value...)
		} else {
			n.insertAt(i, key, value)
		}
		return self.finishSplit(newLoc, n)
	}

	if i >= n.nrEntries {
		i = n.nrEntries - 1
	}
	childLoc := locOf(n.values[i])
	newChild, split, err := self.insert(childLoc, key, value)
	if err != nil {
		return 0, nil, err
	}
	n.values[i] = locBytes(newChild)
	n.keys[i] = self.firstKey(newChild)
	if split != nil {
		n.insertAt(i+1, split.key, split.value)
	}
	return self.finishSplit(newLoc, n)
}

func (self *Tree) finishSplit(loc blockio.Location, n *node) (blockio.Location, *splitResult, error) {
	if n.nrEntries <= n.maxEntries {
		self.write(loc, n)
		return loc, nil, nil
	}
	mid := n.nrEntries / 2
	left := &node{leafy: n.leafy, maxEntries: n.maxEntries, nrEntries: mid,
		keys: append([]uint64{}, n.keys[:mid]...), values: append([][]byte{}, n.values[:mid]...)}
	right := &node{leafy: n.leafy, maxEntries: n.maxEntries, nrEntries: n.nrEntries - mid,
		keys: append([]uint64{}, n.keys[mid:]...), values: append([][]byte{}, n.values[mid:]...)}
	rightLoc, err := self.Store.NewBlock()
	if err != nil {
		return 0, nil, err
	}
	self.write(loc, left)
	self.write(rightLoc, right)
	return loc, &splitResult{key: right.keys[0], value: locBytes(rightLoc)}, nil
}

func (n *node) insertAt(i int, k uint64, v []byte) {
	n.keys = append(n.keys, 0)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = k
	n.values = append(n.values, nil)
	copy(n.values[i+1:], n.values[i:])
	n.values[i] = append([]byte{}, v...)
	n.nrEntries++
}

func (n *node) removeAt(i int) []byte {
	v := n.values[i]
	copy(n.keys[i:], n.keys[i+1:])
	n.keys = n.keys[:len(n.keys)-1]
	copy(n.values[i:], n.values[i+1:])
	n.values = n.values[:len(n.values)-1]
	n.nrEntries--
	return v
}

// Remove descends the shadow spine, rebalancing the child it is about
// to descend into *before* recursing (merge if the child would fall
// at/under ceil(max/3), else redistribute from the larger sibling) per
// spec.md §4.3, then removes the leaf entry.
func (self *Tree) Remove(root blockio.Location, key uint64) (blockio.Location, error) {
	mlog.Printf2("btree/btree", "t.Remove %v", key)
	newRoot, _, err := self.remove(root, key)
	return newRoot, err
}

func (self *Tree) remove(loc blockio.Location, key uint64) (blockio.Location, []byte, error) {
	newLoc, incChildren, err := self.Store.Shadow(loc)
	if err != nil {
		return 0, nil, err
	}
	n, err := self.read(newLoc)
	if err != nil {
		return 0, nil, err
	}
	i := n.searchIndex(key)

	if incChildren && !n.leafy {
		for idx, v := range n.values {
			if idx != i {
				if err := self.Store.Inc(locOf(v)); err != nil {
					return 0, nil, err
				}
			}
		}
	}

	if n.leafy {
		if i >= n.nrEntries || n.keys[i] != key {
			return 0, nil, errs.ErrNotFound
		}
		removed := n.removeAt(i)
		if err := self.ValueType.Del(removed); err != nil {
			return 0, nil, err
		}
		self.write(newLoc, n)
		return newLoc, removed, nil
	}

	if i >= n.nrEntries {
		i = n.nrEntries - 1
	}
	threshold := (n.maxEntries + 2) / 3 // ceil(max/3)
	child, err := self.read(locOf(n.values[i]))
	if err != nil {
		return 0, nil, err
	}
	if child.nrEntries <= threshold && n.nrEntries > 1 {
		if err := self.rebalanceChild(n, i, threshold); err != nil {
			return 0, nil, err
		}
	}
	childLoc := locOf(n.values[i])
	newChild, removed, err := self.remove(childLoc, key)
	if err != nil {
		return 0, nil, err
	}
	n.values[i] = locBytes(newChild)
	n.keys[i] = self.firstKey(newChild)
	self.write(newLoc, n)
	return newLoc, removed, nil
}

func (self *Tree) rebalanceChild(n *node, i, threshold int) error {
	var sibIdx int
	if i+1 < n.nrEntries {
		sibIdx = i + 1
	} else {
		sibIdx = i - 1
	}
	leftIdx, rightIdx := i, sibIdx
	if leftIdx > rightIdx {
		leftIdx, rightIdx = rightIdx, leftIdx
	}
	leftLoc, rightLoc := locOf(n.values[leftIdx]), locOf(n.values[rightIdx])
	left, err := self.read(leftLoc)
	if err != nil {
		return err
	}
	right, err := self.read(rightLoc)
	if err != nil {
		return err
	}

	if left.nrEntries+right.nrEntries <= n.maxEntries {
		merged := &node{leafy: left.leafy, maxEntries: n.maxEntries, nrEntries: left.nrEntries + right.nrEntries,
			keys:   append(append([]uint64{}, left.keys...), right.keys...),
			values: append(append([][]byte{}, left.values...), right.values...)}
		mergedLoc, _, err := self.Store.Shadow(leftLoc)
		if err != nil {
			return err
		}
		self.write(mergedLoc, merged)
		if err := self.Store.Dec(rightLoc); err != nil {
			return err
		}
		n.values[leftIdx] = locBytes(mergedLoc)
		n.keys[leftIdx] = merged.keys[0]
		n.removeAt(rightIdx)
		return nil
	}

	// redistribute, tie-break moving from the larger sibling (spec.md §4.3)
	donorIsLeft := left.nrEntries > right.nrEntries
	moveCount := (func() int {
		if donorIsLeft {
			return (left.nrEntries - right.nrEntries) / 2
		}
		return (right.nrEntries - left.nrEntries) / 2
	})()
	if moveCount < 1 {
		moveCount = 1
	}
	if donorIsLeft {
		moved := left.nrEntries - moveCount
		right.keys = append(append([]uint64{}, left.keys[moved:]...), right.keys...)
		right.values = append(append([][]byte{}, left.values[moved:]...), right.values...)
		right.nrEntries += moveCount
		left.keys = left.keys[:moved]
		left.values = left.values[:moved]
		left.nrEntries -= moveCount
	} else {
		left.keys = append(left.keys, right.keys[:moveCount]...)
		left.values = append(left.values, right.values[:moveCount]...)
		left.nrEntries += moveCount
		right.keys = right.keys[moveCount:]
		right.values = right.values[moveCount:]
		right.nrEntries -= moveCount
	}
	newLeftLoc, _, err := self.Store.Shadow(leftLoc)
	if err != nil {
		return err
	}
	newRightLoc, _, err := self.Store.Shadow(rightLoc)
	if err != nil {
		return err
	}
	self.write(newLeftLoc, left)
	self.write(newRightLoc, right)
	n.values[leftIdx] = locBytes(newLeftLoc)
	n.keys[leftIdx] = left.keys[0]
	n.values[rightIdx] = locBytes(newRightLoc)
	n.keys[rightIdx] = right.keys[0]
	return nil
}

// WalkFn receives each leaf entry during an in-order Walk.
type WalkFn func(key uint64, value []byte) error

// Walk performs an in-order traversal, invoking fn for every leaf
// entry; it only ever holds read locks (spec.md §4.3: "must be safe
// against concurrent writers because walkers take read locks").
func (self *Tree) Walk(root blockio.Location, fn WalkFn) error {
	n, err := self.read(root)
	if err != nil {
		return err
	}
	for i := 0; i < n.nrEntries; i++ {
		if n.leafy {
			if err := fn(n.keys[i], n.values[i]); err != nil {
				return err
			}
		} else if err := self.Walk(locOf(n.values[i]), fn); err != nil {
			return err
		}
	}
	return nil
}

// NestedTree composes an Outer tree (key dimension 1, e.g. dev) whose
// leaf values are Inner-tree roots with an Inner tree (key dimension
// 2, e.g. ob), giving the (k1,k2)->V lookup spec.md §4.3 describes as
// "n nested B-trees". Only n=2 is needed by this stack (HSM's
// forward/reverse maps); deeper nesting would chain another NestedTree
// off Inner.
type NestedTree struct {
	Outer *Tree // ValueType must be LocationValueType{Inner: Inner}
	Inner *Tree
}

func (self *NestedTree) LookupEqual(root blockio.Location, k1, k2 uint64) ([]byte, error) {
	innerRoot, err := self.Outer.LookupEqual(root, k1)
	if err != nil {
		return nil, err
	}
	return self.Inner.LookupEqual(locOf(innerRoot), k2)
}

func (self *NestedTree) Insert(root blockio.Location, k1, k2 uint64, value []byte) (blockio.Location, error) {
	innerRoot, err := self.Outer.LookupEqual(root, k1)
	if err != nil {
		if err != errs.ErrNotFound {
			return 0, err
		}
		innerRoot = nil
	}
	var innerLoc blockio.Location
	if innerRoot == nil {
		innerLoc, err = self.Inner.Empty()
		if err != nil {
			return 0, err
		}
	} else {
		innerLoc = locOf(innerRoot)
	}
	newInnerLoc, err := self.Inner.Insert(innerLoc, k2, value)
	if err != nil {
		return 0, err
	}
	return self.Outer.Insert(root, k1, locBytes(newInnerLoc))
}

func (self *NestedTree) Remove(root blockio.Location, k1, k2 uint64) (blockio.Location, error) {
	innerRoot, err := self.Outer.LookupEqual(root, k1)
	if err != nil {
		return 0, err
	}
	newInnerLoc, err := self.Inner.Remove(locOf(innerRoot), k2)
	if err != nil {
		return 0, err
	}
	return self.Outer.Insert(root, k1, locBytes(newInnerLoc))
}

// Walk enumerates every (k1, k2, value) leaf across both dimensions.
func (self *NestedTree) Walk(root blockio.Location, fn func(k1, k2 uint64, value []byte) error) error {
	return self.Outer.Walk(root, func(k1 uint64, innerLocBytes []byte) error {
		return self.Inner.Walk(locOf(innerLocBytes), func(k2 uint64, value []byte) error {
			return fn(k1, k2, value)
		})
	})
}
