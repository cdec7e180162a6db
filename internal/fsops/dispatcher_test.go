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

package fsops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tikv-fs/tikvfs/internal/clock"
	"github.com/tikv-fs/tikvfs/internal/fserrors"
	"github.com/tikv-fs/tikvfs/internal/inode"
	"github.com/tikv-fs/tikvfs/internal/keyspace"
	"github.com/tikv-fs/tikvfs/internal/kv/memkv"
	"golang.org/x/sys/unix"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(Config{
		Store: memkv.New(),
		Clock: clock.NewFakeClock(time.Unix(1700000000, 0).UTC()),
	})
	require.NoError(t, d.Init(context.Background()))
	return d
}

func TestInit_IsIdempotent(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx))

	attr, err := d.Getattr(ctx, keyspace.RootInode)
	require.NoError(t, err)
	assert.Equal(t, inode.KindDirectory, attr.Kind)
}

func TestCreateLookupReadWrite(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, fh, _, err := d.Create(ctx, keyspace.RootInode, "foo.txt", 0o644, 1, 1, 0, 9)
	require.NoError(t, err)
	assert.Equal(t, inode.KindRegular, attr.Kind)

	written, err := d.Write(ctx, attr.Ino, fh, 0, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), written)

	got, err := d.Read(ctx, attr.Ino, fh, 0, 11)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)

	looked, err := d.Lookup(ctx, keyspace.RootInode, "foo.txt")
	require.NoError(t, err)
	assert.Equal(t, attr.Ino, looked.Ino)
}

func TestRead_AdvancesCursorAcrossCalls(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, fh, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)
	_, err = d.Write(ctx, attr.Ino, fh, 0, []byte("abcdef"))
	require.NoError(t, err)

	first, err := d.Read(ctx, attr.Ino, fh, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), first)

	second, err := d.Read(ctx, attr.Ino, fh, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("def"), second)
}

func TestMkdirRmdir(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	dirAttr, err := d.Mkdir(ctx, keyspace.RootInode, "sub", 0o755, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, inode.KindDirectory, dirAttr.Kind)

	require.NoError(t, d.Rmdir(ctx, keyspace.RootInode, "sub"))
	_, err = d.Lookup(ctx, keyspace.RootInode, "sub")
	assert.Equal(t, fserrors.FileNotFound, fserrors.KindOf(err))
}

func TestRmdir_NonEmptyRejected(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	dirAttr, err := d.Mkdir(ctx, keyspace.RootInode, "sub", 0o755, 0, 0)
	require.NoError(t, err)
	_, _, _, err = d.Create(ctx, dirAttr.Ino, "child", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)

	err = d.Rmdir(ctx, keyspace.RootInode, "sub")
	assert.Equal(t, fserrors.DirNotEmpty, fserrors.KindOf(err))
}

func TestReaddir_IncludesDotAndDotDot(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	_, _, _, err := d.Create(ctx, keyspace.RootInode, "a", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)

	entries, err := d.Readdir(ctx, keyspace.RootInode, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 3)
	assert.Equal(t, "..", entries[0].Name)
	assert.Equal(t, ".", entries[1].Name)
	assert.Equal(t, "a", entries[2].Name)
}

func TestUnlink_RemovesEntry(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, _, _, err := d.Create(ctx, keyspace.RootInode, "a", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)

	require.NoError(t, d.Unlink(ctx, keyspace.RootInode, "a"))
	_, err = d.Lookup(ctx, keyspace.RootInode, "a")
	assert.Equal(t, fserrors.FileNotFound, fserrors.KindOf(err))

	_, err = d.Getattr(ctx, attr.Ino)
	assert.Equal(t, fserrors.InodeNotFound, fserrors.KindOf(err))
}

func TestRename(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	_, _, _, err := d.Create(ctx, keyspace.RootInode, "a", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)

	require.NoError(t, d.Rename(ctx, keyspace.RootInode, "a", keyspace.RootInode, "b"))
	_, err = d.Lookup(ctx, keyspace.RootInode, "a")
	assert.Equal(t, fserrors.FileNotFound, fserrors.KindOf(err))
	_, err = d.Lookup(ctx, keyspace.RootInode, "b")
	assert.NoError(t, err)
}

func TestSetattr_TruncateShrinksAndClearsTail(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, fh, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)
	_, err = d.Write(ctx, attr.Ino, fh, 0, []byte("0123456789"))
	require.NoError(t, err)

	newSize := uint64(4)
	got, err := d.Setattr(ctx, attr.Ino, SetattrRequest{Size: &newSize})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Size)
}

func TestSetattr_ModeAndOwner(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, _, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)

	mode := uint32(0o600)
	uid := uint32(42)
	got, err := d.Setattr(ctx, attr.Ino, SetattrRequest{Mode: &mode, UID: &uid})
	require.NoError(t, err)
	assert.Equal(t, mode, got.Perm)
	assert.Equal(t, uid, got.UID)
}

func TestSetattr_ModeOnlyStillBumpsAtimeMtime(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, _, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)

	fc := d.clock.(*clock.FakeClock)
	fc.AdvanceTime(time.Hour)

	mode := uint32(0o600)
	got, err := d.Setattr(ctx, attr.Ino, SetattrRequest{Mode: &mode})
	require.NoError(t, err)
	assert.True(t, got.Atime.Equal(fc.Now()), "a mode-only setattr must still bump atime")
	assert.True(t, got.Mtime.Equal(fc.Now()), "a mode-only setattr must still bump mtime")
	assert.True(t, got.Ctime.Equal(fc.Now()))
}

func TestSymlinkReadlink(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, err := d.Symlink(ctx, keyspace.RootInode, "link", "/target", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, inode.KindSymlink, attr.Kind)

	target, err := d.Readlink(ctx, attr.Ino)
	require.NoError(t, err)
	assert.Equal(t, "/target", target)
}

func TestLinkIncrementsNlink(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, _, _, err := d.Create(ctx, keyspace.RootInode, "a", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)

	linked, err := d.Link(ctx, attr.Ino, keyspace.RootInode, "b")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), linked.Nlink)
}

func TestMknod_RegularFileSucceeds(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, err := d.Mknod(ctx, keyspace.RootInode, "f", unix.S_IFREG|0o644, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, inode.KindRegular, attr.Kind)
	assert.Equal(t, uint32(0o644), attr.Perm)

	got, err := d.Lookup(ctx, keyspace.RootInode, "f")
	require.NoError(t, err)
	assert.Equal(t, attr.Ino, got.Ino)
}

func TestMknod_DeviceKindNotSupported(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Mknod(context.Background(), keyspace.RootInode, "dev", unix.S_IFCHR|0o600, 0, 0)
	assert.Equal(t, fserrors.NotSupported, fserrors.KindOf(err))
}

func TestAccess_ChecksPermissionBits(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, _, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o640, 7, 7, 0, 0)
	require.NoError(t, err)

	require.NoError(t, d.Access(ctx, attr.Ino, 4, 7, 7)) // owner read: allowed
	err = d.Access(ctx, attr.Ino, 2, 99, 99)              // other write: denied
	assert.Error(t, err)
}

func TestLseek(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, fh, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)
	_, err = d.Write(ctx, attr.Ino, fh, 0, []byte("0123456789"))
	require.NoError(t, err)

	pos, err := d.Lseek(ctx, attr.Ino, fh, 3, SeekSet)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pos)

	pos, err = d.Lseek(ctx, attr.Ino, fh, 2, SeekCur)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), pos)

	pos, err = d.Lseek(ctx, attr.Ino, fh, 0, SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), pos)

	_, err = d.Lseek(ctx, attr.Ino, fh, 0, 99)
	assert.Equal(t, fserrors.UnknownWhence, fserrors.KindOf(err))
}

func TestRelease_ClosesHandle(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, fh, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx, attr.Ino, fh))

	_, err = d.Read(ctx, attr.Ino, fh, 0, 1)
	assert.Equal(t, fserrors.FhNotFound, fserrors.KindOf(err))
}

func TestFallocate(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, _, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, d.Fallocate(ctx, attr.Ino, 0, 4096))

	got, err := d.Getattr(ctx, attr.Ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), got.Size)
	assert.Equal(t, uint64(0), got.Blocks)
}

func TestStatfs_CountsFilesAndBlocks(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, fh, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)
	_, err = d.Write(ctx, attr.Ino, fh, 0, make([]byte, keyspace.BlockSize*2+1))
	require.NoError(t, err)

	res, err := d.Statfs(ctx)
	require.NoError(t, err)
	assert.Less(t, res.FilesFree, ^uint64(0))
	assert.Less(t, res.BlocksFree, ^uint64(0))
}

func TestSetlkGetlkUnlk_NonBlocking(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	attr, _, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)

	require.NoError(t, d.Setlk(ctx, attr.Ino, inode.LockExclusive, 1, false))

	typ, err := d.Getlk(ctx, attr.Ino)
	require.NoError(t, err)
	assert.Equal(t, inode.LockExclusive, typ)

	err = d.Setlk(ctx, attr.Ino, inode.LockShared, 2, false)
	assert.Error(t, err)

	require.NoError(t, d.Unlk(ctx, attr.Ino, 1))
	typ, err = d.Getlk(ctx, attr.Ino)
	require.NoError(t, err)
	assert.Equal(t, inode.LockNone, typ)
}

func TestSetlk_BlockingWaitsForRelease(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	d.pollDelay = time.Millisecond

	attr, _, _, err := d.Create(ctx, keyspace.RootInode, "f", 0o644, 0, 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, d.Setlk(ctx, attr.Ino, inode.LockExclusive, 1, false))

	done := make(chan error, 1)
	go func() {
		done <- d.Setlk(ctx, attr.Ino, inode.LockExclusive, 2, true)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Unlk(ctx, attr.Ino, 1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Setlk never granted")
	}
}
