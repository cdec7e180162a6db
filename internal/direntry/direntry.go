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

// Package direntry implements the directory listing record stored under
// keyspace.DirKey, grounded on the ordered-entries-plus-index pairing the
// teacher's fs/inode/dir_handle.go assumes of GCS object listings, adapted
// here to an explicit on-disk record instead of a live bucket listing.
package direntry

import (
	"encoding/binary"
	"fmt"

	"github.com/tikv-fs/tikvfs/internal/inode"
)

// Entry is one name -> child mapping inside a directory listing.
type Entry struct {
	Name string
	Ino  uint64
	Kind inode.Kind
}

// Dir is the ordered sequence of entries stored at keyspace.DirKey(ino).
// Order is insertion order, per spec.md §4.C.
type Dir struct {
	Entries []Entry
}

func New() *Dir {
	return &Dir{}
}

// IndexOf returns the slice index of the entry named name, or -1.
func (d *Dir) IndexOf(name string) int {
	for i, e := range d.Entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether name is already present.
func (d *Dir) Has(name string) bool {
	return d.IndexOf(name) >= 0
}

// Append adds a new entry. Callers must have already verified name is
// absent; Append does not dedupe, matching the Transaction Layer's
// responsibility to check before mutating (spec.md §4.E).
func (d *Dir) Append(name string, ino uint64, kind inode.Kind) {
	d.Entries = append(d.Entries, Entry{Name: name, Ino: ino, Kind: kind})
}

// Remove deletes the entry named name, preserving the order of the rest.
// Reports whether an entry was removed.
func (d *Dir) Remove(name string) bool {
	i := d.IndexOf(name)
	if i < 0 {
		return false
	}
	d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
	return true
}

func (d *Dir) Empty() bool {
	return len(d.Entries) == 0
}

const wireVersion = 1

// Marshal encodes d into the compact on-disk representation.
func (d *Dir) Marshal() []byte {
	size := 1 + 4
	for _, e := range d.Entries {
		size += 2 + len(e.Name) + 8 + 1
	}

	buf := make([]byte, size)
	off := 0

	buf[off] = wireVersion
	off++

	binary.BigEndian.PutUint32(buf[off:], uint32(len(d.Entries)))
	off += 4

	for _, e := range d.Entries {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(e.Name)))
		off += 2
		copy(buf[off:], e.Name)
		off += len(e.Name)
		binary.BigEndian.PutUint64(buf[off:], e.Ino)
		off += 8
		buf[off] = byte(e.Kind)
		off++
	}

	return buf
}

// Unmarshal decodes a record written by Marshal.
func Unmarshal(data []byte) (*Dir, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("direntry: truncated record (%d bytes)", len(data))
	}
	if data[0] != wireVersion {
		return nil, fmt.Errorf("direntry: unsupported wire version %d", data[0])
	}

	off := 1
	count := binary.BigEndian.Uint32(data[off:])
	off += 4

	d := &Dir{Entries: make([]Entry, 0, count)}
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("direntry: truncated name length")
		}
		nameLen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+nameLen+8+1 > len(data) {
			return nil, fmt.Errorf("direntry: truncated entry")
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		ino := binary.BigEndian.Uint64(data[off:])
		off += 8
		kind := inode.Kind(data[off])
		off++
		d.Entries = append(d.Entries, Entry{Name: name, Ino: ino, Kind: kind})
	}

	return d, nil
}
