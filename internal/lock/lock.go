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

// Package lock implements the per-inode advisory whole-file lock state
// machine of spec.md §4.H: setlk/unlk/getlk transitions over
// inode.LockState, grounded on the teacher's syncutil.InvariantMutex
// pattern of expressing state transitions as explicit, checkable
// functions rather than ad hoc field mutation.
package lock

import (
	"github.com/tikv-fs/tikvfs/internal/fserrors"
	"github.com/tikv-fs/tikvfs/internal/inode"
)

// Request is one setlk call's parameters.
type Request struct {
	Type     inode.LockType // Shared or Exclusive; never None for setlk
	Owner    uint64
	Blocking bool
}

// TrySetlk attempts the transition in st for req, mutating st in place on
// success. granted reports whether the transition happened; when granted
// is false and req.Blocking is true, the caller (internal/spin's
// RunLockLoop) re-invokes TrySetlk in a fresh transaction until it
// succeeds. When granted is false and req.Blocking is false, the caller
// must surface InvalidLock.
func TrySetlk(st *inode.LockState, req Request) (granted bool, err error) {
	switch st.Type {
	case inode.LockNone:
		st.Type = req.Type
		st.Owners = map[uint64]struct{}{req.Owner: {}}
		return true, nil

	case inode.LockShared:
		switch req.Type {
		case inode.LockShared:
			st.Owners[req.Owner] = struct{}{}
			return true, nil
		case inode.LockExclusive:
			if len(st.Owners) == 1 {
				if _, solely := st.Owners[req.Owner]; solely {
					st.Type = inode.LockExclusive
					return true, nil
				}
			}
			return false, nil
		}

	case inode.LockExclusive:
		var holder uint64
		for o := range st.Owners {
			holder = o
		}
		if req.Type == inode.LockExclusive && holder == req.Owner {
			return true, nil // re-entrant, no-op
		}
		if req.Type == inode.LockShared && holder == req.Owner {
			return false, nil // downgrade not modeled as implicit grant
		}
		return false, nil
	}

	return false, fserrors.New("TrySetlk", fserrors.InvalidLock)
}

// Unlk releases owner's hold on st, if any. Unlocking an owner that does
// not hold the lock is a no-op, per the transition table.
func Unlk(st *inode.LockState, owner uint64) {
	switch st.Type {
	case inode.LockShared:
		delete(st.Owners, owner)
		if len(st.Owners) == 0 {
			st.Type = inode.LockNone
		}
	case inode.LockExclusive:
		if _, ok := st.Owners[owner]; ok {
			st.Type = inode.LockNone
			st.Owners = map[uint64]struct{}{}
		}
	}
}

// Getlk returns the current lock type, read-only.
func Getlk(st *inode.LockState) inode.LockType {
	return st.Type
}
