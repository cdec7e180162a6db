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

// Package handle is the process-wide, memory-resident Open File Table,
// grounded on the teacher's fs.go handleMap (a sync.Mutex-guarded map from
// fuseops.HandleID to a per-open-file struct), adapted from GCS read/write
// handle objects to the cursor-plus-owner shape spec.md §4.G specifies.
package handle

import (
	"sync"

	"github.com/tikv-fs/tikvfs/internal/fserrors"
)

// Handle is one open file's in-memory state. Ino and Fh together key the
// Table; Cursor and Flags are mutated by the dispatcher under the Table's
// lock.
type Handle struct {
	Ino    uint64
	Fh     uint64
	Cursor uint64
	Flags  uint32
	Owner  uint64 // lock owner identifier, stable for the life of the handle
}

// Table is the Open File Table: Make/Get/Close as named in spec.md §4.G.
type Table struct {
	mu      sync.Mutex
	handles map[key]*Handle
	nextFh  uint64
}

type key struct {
	ino uint64
	fh  uint64
}

func NewTable() *Table {
	return &Table{handles: make(map[key]*Handle), nextFh: 1}
}

// Make allocates a fresh fh for ino and inserts a handle, returning it.
func (t *Table) Make(ino uint64, flags uint32, owner uint64) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	fh := t.nextFh
	t.nextFh++

	h := &Handle{Ino: ino, Fh: fh, Flags: flags, Owner: owner}
	t.handles[key{ino, fh}] = h
	return h
}

// Get returns the handle for (ino, fh), or FhNotFound.
func (t *Table) Get(ino, fh uint64) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[key{ino, fh}]
	if !ok {
		return nil, fserrors.New("Get", fserrors.FhNotFound)
	}
	return h, nil
}

// Close removes (ino, fh) from the table. A missing handle is not an
// error: release may be called after a handle was already reaped.
func (t *Table) Close(ino, fh uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, key{ino, fh})
}

// InoOf resolves fh to its owning inode, for callers (the FUSE adapter's
// release upcalls) that are only handed a bare handle ID by the kernel.
func (t *Table) InoOf(fh uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, h := range t.handles {
		if k.fh == fh {
			return h.Ino, true
		}
	}
	return 0, false
}

// CountOpen reports how many handles currently reference ino. No engine
// path calls it: Unlink reclaims an inode's data without consulting the
// table (see spec.md §9's open-unlinked-file design choice).
func (t *Table) CountOpen(ino uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k := range t.handles {
		if k.ino == ino {
			n++
		}
	}
	return n
}

// SetCursor updates h's cursor under the table's lock, so concurrent reads
// and writes through the same handle don't race on Cursor.
func (t *Table) SetCursor(h *Handle, cursor uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h.Cursor = cursor
}
