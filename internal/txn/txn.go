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

// Package txn is the Transaction Layer: a typed API over a single kv.Txn
// that composes internal/inode, internal/direntry, and internal/block into
// the filesystem's atomic operations, grounded on the way the teacher's
// fs.go composes inode.DirInode/inode.FileInode methods inside one GCS
// request per dispatcher call, adapted here to one KV transaction per call.
//
// Every method reads and writes through the kv.Txn it was built around; it
// never calls Commit or Rollback itself, so callers (internal/spin) own the
// retry loop and the transaction's lifetime.
package txn

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/tikv-fs/tikvfs/internal/block"
	"github.com/tikv-fs/tikvfs/internal/clock"
	"github.com/tikv-fs/tikvfs/internal/direntry"
	"github.com/tikv-fs/tikvfs/internal/fserrors"
	"github.com/tikv-fs/tikvfs/internal/inode"
	"github.com/tikv-fs/tikvfs/internal/keyspace"
	"github.com/tikv-fs/tikvfs/internal/kv"
	"github.com/tikv-fs/tikvfs/internal/lock"
)

// Txn composes the primitive record accessors and the composite
// operations spec.md §4.E names, scoped to one underlying kv.Txn.
type Txn struct {
	kv    kv.Txn
	clock clock.Clock
	block *block.Store

	inlineThreshold uint64
	maxNameLen      int
}

// New builds a Txn around an open kv.Txn.
func New(kvTxn kv.Txn, clk clock.Clock) *Txn {
	return &Txn{
		kv:              kvTxn,
		clock:           clk,
		block:           block.NewStore(kvTxn, keyspace.BlockSize),
		inlineThreshold: keyspace.InlineDataThreshold,
		maxNameLen:      keyspace.MaxNameLen,
	}
}

func (t *Txn) now() time.Time { return t.clock.Now() }

// ---- Primitive accessors (spec.md §4.E) ----

// ReadMeta returns the next inode number to allocate.
func (t *Txn) ReadMeta(ctx context.Context) (uint64, error) {
	v, err := t.kv.Get(ctx, keyspace.MetaKey())
	if kv.IsNotFound(err) {
		return keyspace.RootInode + 1, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fserrors.Wrap("ReadMeta", fserrors.Serialization, errBadMeta)
	}
	return beUint64(v), nil
}

func (t *Txn) SaveMeta(ctx context.Context, nextIno uint64) error {
	return t.kv.Set(ctx, keyspace.MetaKey(), beBytes(nextIno))
}

func (t *Txn) ReadInode(ctx context.Context, ino uint64) (*inode.Inode, error) {
	v, err := t.kv.Get(ctx, keyspace.InodeKey(ino))
	if kv.IsNotFound(err) {
		return nil, fserrors.New("ReadInode", fserrors.InodeNotFound)
	}
	if err != nil {
		return nil, err
	}
	n, err := inode.Unmarshal(v)
	if err != nil {
		return nil, fserrors.Wrap("ReadInode", fserrors.Serialization, err)
	}
	return n, nil
}

func (t *Txn) SaveInode(ctx context.Context, n *inode.Inode) error {
	return t.kv.Set(ctx, keyspace.InodeKey(n.Ino), n.Marshal())
}

func (t *Txn) RemoveInode(ctx context.Context, ino uint64) error {
	return t.kv.Delete(ctx, keyspace.InodeKey(ino))
}

func (t *Txn) ReadDir(ctx context.Context, ino uint64) (*direntry.Dir, error) {
	v, err := t.kv.Get(ctx, keyspace.DirKey(ino))
	if kv.IsNotFound(err) {
		return direntry.New(), nil
	}
	if err != nil {
		return nil, err
	}
	d, err := direntry.Unmarshal(v)
	if err != nil {
		return nil, fserrors.Wrap("ReadDir", fserrors.Serialization, err)
	}
	return d, nil
}

func (t *Txn) SaveDir(ctx context.Context, ino uint64, d *direntry.Dir) error {
	return t.kv.Set(ctx, keyspace.DirKey(ino), d.Marshal())
}

// GetIndex resolves parent/name to a child inode number; ok is false if
// absent.
func (t *Txn) GetIndex(ctx context.Context, parent uint64, name string) (ino uint64, ok bool, err error) {
	v, err := t.kv.Get(ctx, keyspace.IndexKey(parent, name))
	if kv.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fserrors.Wrap("GetIndex", fserrors.Serialization, errBadMeta)
	}
	return beUint64(v), true, nil
}

func (t *Txn) SetIndex(ctx context.Context, parent uint64, name string, ino uint64) error {
	return t.kv.Set(ctx, keyspace.IndexKey(parent, name), beBytes(ino))
}

func (t *Txn) RemoveIndex(ctx context.Context, parent uint64, name string) error {
	return t.kv.Delete(ctx, keyspace.IndexKey(parent, name))
}

// Scan returns up to limit raw rows in [lower, upper), for callers (statfs)
// that need direct range access beyond the typed accessors above.
func (t *Txn) Scan(ctx context.Context, lower, upper []byte, limit int) (kv.Iterator, error) {
	return t.kv.Iter(ctx, lower, upper, limit)
}

// ---- Composite operations (spec.md §4.E) ----

// MakeInode allocates a fresh inode under parent/name. Returns FileExists
// if name is already present.
func (t *Txn) MakeInode(ctx context.Context, parent uint64, name string, kind inode.Kind, perm uint32, uid, gid uint32) (*inode.Inode, error) {
	if len(name) > t.maxNameLen {
		return nil, fserrors.New("MakeInode", fserrors.NameTooLong)
	}
	if _, ok, err := t.GetIndex(ctx, parent, name); err != nil {
		return nil, err
	} else if ok {
		return nil, fserrors.New("MakeInode", fserrors.FileExists)
	}

	nextIno, err := t.ReadMeta(ctx)
	if err != nil {
		return nil, err
	}

	n := inode.New(nextIno, kind, perm, uid, gid, t.now())
	if err := t.SaveInode(ctx, n); err != nil {
		return nil, err
	}
	if err := t.SaveMeta(ctx, nextIno+1); err != nil {
		return nil, err
	}
	if err := t.SetIndex(ctx, parent, name, n.Ino); err != nil {
		return nil, err
	}

	pdir, err := t.ReadDir(ctx, parent)
	if err != nil {
		return nil, err
	}
	pdir.Append(name, n.Ino, kind)
	if err := t.SaveDir(ctx, parent, pdir); err != nil {
		return nil, err
	}

	if parentNode, err := t.ReadInode(ctx, parent); err == nil {
		parentNode.Mtime = t.now()
		parentNode.Ctime = parentNode.Mtime
		if err := t.SaveInode(ctx, parentNode); err != nil {
			return nil, err
		}
	} else if fserrors.KindOf(err) != fserrors.InodeNotFound {
		return nil, err
	}

	return n, nil
}

// Mkdir is MakeInode(kind=directory) plus an empty Directory record.
func (t *Txn) Mkdir(ctx context.Context, parent uint64, name string, perm uint32, uid, gid uint32) (*inode.Inode, error) {
	n, err := t.MakeInode(ctx, parent, name, inode.KindDirectory, perm, uid, gid)
	if err != nil {
		return nil, err
	}
	if err := t.SaveDir(ctx, n.Ino, direntry.New()); err != nil {
		return nil, err
	}
	return n, nil
}

// Lookup resolves parent/name to the child's inode record.
func (t *Txn) Lookup(ctx context.Context, parent uint64, name string) (*inode.Inode, error) {
	ino, ok, err := t.GetIndex(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fserrors.New("Lookup", fserrors.FileNotFound)
	}
	return t.ReadInode(ctx, ino)
}

// Link adds a new name for an existing inode, incrementing Nlink.
func (t *Txn) Link(ctx context.Context, ino uint64, newParent uint64, newName string) (*inode.Inode, error) {
	if len(newName) > t.maxNameLen {
		return nil, fserrors.New("Link", fserrors.NameTooLong)
	}
	if _, ok, err := t.GetIndex(ctx, newParent, newName); err != nil {
		return nil, err
	} else if ok {
		return nil, fserrors.New("Link", fserrors.FileExists)
	}

	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	n.Nlink++
	n.Ctime = t.now()
	if err := t.SaveInode(ctx, n); err != nil {
		return nil, err
	}

	if err := t.SetIndex(ctx, newParent, newName, ino); err != nil {
		return nil, err
	}
	pdir, err := t.ReadDir(ctx, newParent)
	if err != nil {
		return nil, err
	}
	pdir.Append(newName, ino, n.Kind)
	if err := t.SaveDir(ctx, newParent, pdir); err != nil {
		return nil, err
	}

	return n, nil
}

// Unlink removes parent/name. If the target's Nlink drops to zero and it
// is not a directory, its data and inode record are removed synchronously
// in the same transaction (see spec.md §9's open-unlinked-file note).
func (t *Txn) Unlink(ctx context.Context, parent uint64, name string) error {
	ino, ok, err := t.GetIndex(ctx, parent, name)
	if err != nil {
		return err
	}
	if !ok {
		return fserrors.New("Unlink", fserrors.FileNotFound)
	}

	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return err
	}

	if err := t.RemoveIndex(ctx, parent, name); err != nil {
		return err
	}
	pdir, err := t.ReadDir(ctx, parent)
	if err != nil {
		return err
	}
	pdir.Remove(name)
	if err := t.SaveDir(ctx, parent, pdir); err != nil {
		return err
	}

	if n.Nlink > 0 {
		n.Nlink--
	}
	n.Ctime = t.now()

	if n.Nlink == 0 && n.Kind != inode.KindDirectory {
		if err := t.ClearData(ctx, n); err != nil {
			return err
		}
		return t.RemoveInode(ctx, ino)
	}
	return t.SaveInode(ctx, n)
}

// Rmdir rejects if target's listing is non-empty, otherwise behaves as
// Unlink.
func (t *Txn) Rmdir(ctx context.Context, parent uint64, name string) error {
	ino, ok, err := t.GetIndex(ctx, parent, name)
	if err != nil {
		return err
	}
	if !ok {
		return fserrors.New("Rmdir", fserrors.FileNotFound)
	}

	d, err := t.ReadDir(ctx, ino)
	if err != nil {
		return err
	}
	if !d.Empty() {
		return fserrors.New("Rmdir", fserrors.DirNotEmpty)
	}

	if err := t.RemoveIndex(ctx, parent, name); err != nil {
		return err
	}
	pdir, err := t.ReadDir(ctx, parent)
	if err != nil {
		return err
	}
	pdir.Remove(name)
	if err := t.SaveDir(ctx, parent, pdir); err != nil {
		return err
	}

	if err := t.kv.Delete(ctx, keyspace.DirKey(ino)); err != nil {
		return err
	}
	return t.RemoveInode(ctx, ino)
}

// Rename atomically links (parent,name)'s target under (newParent,
// newName) then unlinks (parent, name). Works across directories because
// both halves run in the same underlying kv.Txn.
func (t *Txn) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error {
	ino, ok, err := t.GetIndex(ctx, parent, name)
	if err != nil {
		return err
	}
	if !ok {
		return fserrors.New("Rename", fserrors.FileNotFound)
	}

	if existingIno, ok, err := t.GetIndex(ctx, newParent, newName); err != nil {
		return err
	} else if ok {
		// Overwrite-rename: drop the old destination target first so Link
		// below doesn't see it as FileExists.
		if existingIno == ino {
			return nil // renaming onto itself: no-op
		}
		if err := t.unlinkByIno(ctx, newParent, newName, existingIno); err != nil {
			return err
		}
	}

	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return err
	}
	n.Ctime = t.now()
	if err := t.SaveInode(ctx, n); err != nil {
		return err
	}

	if err := t.SetIndex(ctx, newParent, newName, ino); err != nil {
		return err
	}
	newDir, err := t.ReadDir(ctx, newParent)
	if err != nil {
		return err
	}
	newDir.Append(newName, ino, n.Kind)
	if err := t.SaveDir(ctx, newParent, newDir); err != nil {
		return err
	}

	if err := t.RemoveIndex(ctx, parent, name); err != nil {
		return err
	}
	oldDir, err := t.ReadDir(ctx, parent)
	if err != nil {
		return err
	}
	oldDir.Remove(name)
	return t.SaveDir(ctx, parent, oldDir)
}

// unlinkByIno removes an already-resolved destination entry during a
// rename-with-overwrite, mirroring Unlink without a second index lookup.
func (t *Txn) unlinkByIno(ctx context.Context, parent uint64, name string, ino uint64) error {
	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return err
	}
	if err := t.RemoveIndex(ctx, parent, name); err != nil {
		return err
	}
	d, err := t.ReadDir(ctx, parent)
	if err != nil {
		return err
	}
	d.Remove(name)
	if err := t.SaveDir(ctx, parent, d); err != nil {
		return err
	}
	if n.Nlink > 0 {
		n.Nlink--
	}
	if n.Nlink == 0 && n.Kind != inode.KindDirectory {
		if err := t.ClearData(ctx, n); err != nil {
			return err
		}
		return t.RemoveInode(ctx, ino)
	}
	return t.SaveInode(ctx, n)
}

// ---- Data operations (spec.md §4.D) ----

// ReadData reads the inode's data, honoring the inline-data optimization.
func (t *Txn) ReadData(ctx context.Context, ino uint64, start, length uint64) ([]byte, error) {
	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	if n.IsInline(t.inlineThreshold) {
		if start >= n.Size {
			return nil, nil
		}
		end := start + length
		if end > n.Size {
			end = n.Size
		}
		out := make([]byte, end-start)
		if start < uint64(len(n.InlineData)) {
			copy(out, n.InlineData[start:])
		}
		return out, nil
	}
	return t.block.Read(ctx, ino, start, length, n.Size)
}

// WriteData writes data at start, converting between inline and
// block-backed storage as the threshold is crossed, per spec.md §4.D.
func (t *Txn) WriteData(ctx context.Context, ino uint64, start uint64, data []byte) (uint64, error) {
	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return 0, err
	}

	newSize := n.Size
	if end := start + uint64(len(data)); end > newSize {
		newSize = end
	}

	if n.IsInline(t.inlineThreshold) && newSize <= t.inlineThreshold {
		buf := make([]byte, newSize)
		copy(buf, n.InlineData)
		copy(buf[start:], data)
		n.InlineData = buf
		n.SetSize(newSize)
		n.Blocks = 0
		n.Mtime = t.now()
		n.Ctime = n.Mtime
		return newSize, t.SaveInode(ctx, n)
	}

	if n.IsInline(t.inlineThreshold) && newSize > t.inlineThreshold {
		// Crossing the threshold: migrate existing inline bytes into block
		// form before applying the new write, within the same transaction.
		if len(n.InlineData) > 0 {
			if _, _, err := t.block.Write(ctx, ino, 0, n.InlineData, 0); err != nil {
				return 0, err
			}
		}
		n.InlineData = nil
	}

	size, blocks, err := t.block.Write(ctx, ino, start, data, n.Size)
	if err != nil {
		return 0, err
	}
	n.SetSize(size)
	n.Blocks = blocks
	n.Mtime = t.now()
	n.Ctime = n.Mtime
	if err := t.SaveInode(ctx, n); err != nil {
		return 0, err
	}
	return size, nil
}

// ClearData deletes all of n's data and zeros Size/Blocks, used by Unlink
// and by explicit truncate-to-zero paths.
func (t *Txn) ClearData(ctx context.Context, n *inode.Inode) error {
	if err := t.block.Clear(ctx, n.Ino); err != nil {
		return err
	}
	n.InlineData = nil
	n.SetSize(0)
	n.Blocks = 0
	return nil
}

// Fallocate grows size to at least offset+length without materializing
// zero blocks. Blocks changes only when the new size crosses the inline
// threshold and existing inline bytes move into block form.
func (t *Txn) Fallocate(ctx context.Context, ino uint64, offset, length uint64) error {
	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return err
	}
	want := offset + length
	if want > n.Size {
		if n.IsInline(t.inlineThreshold) && want > t.inlineThreshold && len(n.InlineData) > 0 {
			_, blocks, err := t.block.Write(ctx, ino, 0, n.InlineData, 0)
			if err != nil {
				return err
			}
			n.Blocks = blocks
			n.InlineData = nil
		}
		n.SetSize(want)
		n.Mtime = t.now()
		n.Ctime = n.Mtime
		return t.SaveInode(ctx, n)
	}
	return nil
}

// ReadLink returns a symlink's target.
func (t *Txn) ReadLink(ctx context.Context, ino uint64) (string, error) {
	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return "", err
	}
	if n.Kind != inode.KindSymlink {
		return "", fserrors.New("ReadLink", fserrors.Other)
	}
	if n.InlineData != nil {
		return string(n.InlineData), nil
	}
	data, err := t.block.Read(ctx, ino, 0, n.Size, n.Size)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteLink stores target as ino's symlink content, inline when it fits.
func (t *Txn) WriteLink(ctx context.Context, ino uint64, target string) error {
	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return err
	}
	data := []byte(target)
	if uint64(len(data)) <= t.inlineThreshold {
		n.InlineData = data
		n.SetSize(uint64(len(data)))
		n.Blocks = 0
	} else {
		size, blocks, err := t.block.Write(ctx, ino, 0, data, 0)
		if err != nil {
			return err
		}
		n.SetSize(size)
		n.Blocks = blocks
	}
	n.Mtime = t.now()
	n.Ctime = n.Mtime
	return t.SaveInode(ctx, n)
}

// ---- Lock operations (spec.md §4.H) ----

// Setlk attempts req's transition against ino's persisted lock state,
// returning whether it was granted. Directories may not be locked.
func (t *Txn) Setlk(ctx context.Context, ino uint64, req lock.Request) (bool, error) {
	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return false, err
	}
	if n.Kind == inode.KindDirectory {
		return false, fserrors.New("Setlk", fserrors.InvalidLock)
	}

	granted, err := lock.TrySetlk(&n.Lock, req)
	if err != nil {
		return false, err
	}
	if !granted {
		if !req.Blocking {
			return false, fserrors.New("Setlk", fserrors.InvalidLock)
		}
		return false, nil
	}

	n.Ctime = t.now()
	if err := t.SaveInode(ctx, n); err != nil {
		return false, err
	}
	return true, nil
}

// Unlk releases owner's hold on ino's lock.
func (t *Txn) Unlk(ctx context.Context, ino uint64, owner uint64) error {
	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return err
	}
	lock.Unlk(&n.Lock, owner)
	n.Ctime = t.now()
	return t.SaveInode(ctx, n)
}

// Getlk returns ino's current lock type, read-only.
func (t *Txn) Getlk(ctx context.Context, ino uint64) (inode.LockType, error) {
	n, err := t.ReadInode(ctx, ino)
	if err != nil {
		return inode.LockNone, err
	}
	return lock.Getlk(&n.Lock), nil
}

var errBadMeta = fserrors.New("decode", fserrors.Serialization)

func beUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func beBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
