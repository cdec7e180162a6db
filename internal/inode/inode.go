// Copyright 2026 The TiKVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package inode defines the per-file metadata record and its compact
// self-describing encoding, grounded on the field set the teacher's
// fs/inode.InodeAttributes carries (size, permissions, ownership,
// timestamps, link count) but serialized to bytes for storage under
// keyspace.InodeKey rather than held only in memory.
package inode

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Kind distinguishes the three inode kinds the engine supports.
type Kind uint8

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "regular"
	}
}

// LockType is the coarse-grained advisory lock state carried on the inode,
// mirrored here so a single KV round trip both reads attributes and lock
// state; internal/lock owns the transition logic.
type LockType uint8

const (
	LockNone LockType = iota
	LockShared
	LockExclusive
)

// LockState is the inode's advisory whole-file lock, per spec.md §4.H.
type LockState struct {
	Type   LockType
	Owners map[uint64]struct{} // shared: every holder; exclusive: exactly one
}

func NewLockState() LockState {
	return LockState{Type: LockNone, Owners: make(map[uint64]struct{})}
}

// Inode is the per-file metadata record, addressed by keyspace.InodeKey.
type Inode struct {
	Ino    uint64
	Size   uint64
	Blocks uint64
	Kind   Kind
	Perm   uint32 // permission bits only, no type bits
	UID    uint32
	GID    uint32

	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time

	Flags uint32
	Nlink uint32

	Lock LockState

	// InlineData holds the file's bytes directly when Size <=
	// keyspace.InlineDataThreshold, per spec.md §4.D. Symlink targets also
	// live here when short enough to avoid a block round trip.
	InlineData []byte
}

// New builds a fresh inode for make_inode/mkdir, with all four timestamps
// set to now. Nlink starts at 1 for every kind; directory `.`/`..` entries
// are synthesized at readdir time rather than counted here.
func New(ino uint64, kind Kind, perm uint32, uid, gid uint32, now time.Time) *Inode {
	return &Inode{
		Ino:    ino,
		Kind:   kind,
		Perm:   perm,
		UID:    uid,
		GID:    gid,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
		Nlink:  1,
		Lock:   NewLockState(),
	}
}

// SetSize updates the inode's logical size. Blocks is deliberately not
// derived from it: Blocks tracks the number of block keys actually
// persisted in internal/block's store, which can be smaller than
// ceil(size/blockSize) across a fallocate'd hole or a sparse write past the
// previous end of file. Callers that materialize or remove block data are
// responsible for updating Blocks themselves (internal/block.Store's Write
// and CountBlocks report the true count).
func (n *Inode) SetSize(size uint64) {
	n.Size = size
}

// IsInline reports whether n's data should be read from InlineData rather
// than the block store, per spec.md §4.D's inline-data optimization.
func (n *Inode) IsInline(threshold uint64) bool {
	return n.Kind != KindDirectory && n.Size <= threshold
}

// wireVersion tags the encoding so future fields can be appended without
// breaking records written by an older build.
const wireVersion = 1

// Marshal encodes n into the compact on-disk representation stored at
// keyspace.InodeKey(n.Ino).
func (n *Inode) Marshal() []byte {
	owners := make([]uint64, 0, len(n.Lock.Owners))
	for o := range n.Lock.Owners {
		owners = append(owners, o)
	}

	size := 1 + // version
		8 + 8 + 8 + // ino, size, blocks
		1 + // kind
		4 + 4 + 4 + // perm, uid, gid
		8*4 + // atime, mtime, ctime, crtime (unix nanos)
		4 + 4 + // flags, nlink
		1 + 4 + 8*len(owners) + // lock type, owner count, owners
		4 + len(n.InlineData) // inline data length + bytes

	buf := make([]byte, size)
	off := 0

	buf[off] = wireVersion
	off++

	binary.BigEndian.PutUint64(buf[off:], n.Ino)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], n.Size)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], n.Blocks)
	off += 8

	buf[off] = byte(n.Kind)
	off++

	binary.BigEndian.PutUint32(buf[off:], n.Perm)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], n.UID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], n.GID)
	off += 4

	for _, t := range []time.Time{n.Atime, n.Mtime, n.Ctime, n.Crtime} {
		binary.BigEndian.PutUint64(buf[off:], uint64(t.UnixNano()))
		off += 8
	}

	binary.BigEndian.PutUint32(buf[off:], n.Flags)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], n.Nlink)
	off += 4

	buf[off] = byte(n.Lock.Type)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(owners)))
	off += 4
	for _, o := range owners {
		binary.BigEndian.PutUint64(buf[off:], o)
		off += 8
	}

	binary.BigEndian.PutUint32(buf[off:], uint32(len(n.InlineData)))
	off += 4
	copy(buf[off:], n.InlineData)
	off += len(n.InlineData)

	return buf
}

// Unmarshal decodes a record written by Marshal.
func Unmarshal(data []byte) (*Inode, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("inode: empty record")
	}
	if data[0] != wireVersion {
		return nil, fmt.Errorf("inode: unsupported wire version %d", data[0])
	}

	const minHeader = 1 + 8 + 8 + 8 + 1 + 4 + 4 + 4 + 8*4 + 4 + 4 + 1 + 4 + 4
	if len(data) < minHeader {
		return nil, fmt.Errorf("inode: truncated record (%d bytes)", len(data))
	}

	n := &Inode{}
	off := 1

	n.Ino = binary.BigEndian.Uint64(data[off:])
	off += 8
	n.Size = binary.BigEndian.Uint64(data[off:])
	off += 8
	n.Blocks = binary.BigEndian.Uint64(data[off:])
	off += 8

	n.Kind = Kind(data[off])
	off++

	n.Perm = binary.BigEndian.Uint32(data[off:])
	off += 4
	n.UID = binary.BigEndian.Uint32(data[off:])
	off += 4
	n.GID = binary.BigEndian.Uint32(data[off:])
	off += 4

	times := make([]time.Time, 4)
	for i := range times {
		nanos := binary.BigEndian.Uint64(data[off:])
		off += 8
		times[i] = time.Unix(0, int64(nanos)).UTC()
	}
	n.Atime, n.Mtime, n.Ctime, n.Crtime = times[0], times[1], times[2], times[3]

	n.Flags = binary.BigEndian.Uint32(data[off:])
	off += 4
	n.Nlink = binary.BigEndian.Uint32(data[off:])
	off += 4

	n.Lock.Type = LockType(data[off])
	off++
	ownerCount := binary.BigEndian.Uint32(data[off:])
	off += 4

	n.Lock.Owners = make(map[uint64]struct{}, ownerCount)
	for i := uint32(0); i < ownerCount; i++ {
		if off+8 > len(data) {
			return nil, fmt.Errorf("inode: truncated owner list")
		}
		o := binary.BigEndian.Uint64(data[off:])
		off += 8
		n.Lock.Owners[o] = struct{}{}
	}

	if off+4 > len(data) {
		return nil, fmt.Errorf("inode: truncated inline-data length")
	}
	inlineLen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if off+int(inlineLen) > len(data) {
		return nil, fmt.Errorf("inode: truncated inline data")
	}
	if inlineLen > 0 {
		n.InlineData = append([]byte(nil), data[off:off+int(inlineLen)]...)
	}

	return n, nil
}
