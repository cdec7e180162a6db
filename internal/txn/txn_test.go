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

package txn

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
	"github.com/tikv-fs/tikvfs/internal/kv"
	"github.com/tikv-fs/tikvfs/internal/kv/memkv"
	"github.com/tikv-fs/tikvfs/internal/lock"
)

const root = keyspace.RootInode

func newTxn(t *testing.T) (*Txn, kv.Txn) {
	t.Helper()
	store := memkv.New()
	kvTxn, err := store.Begin(context.Background())
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Unix(1700000000, 0).UTC())
	return New(kvTxn, clk), kvTxn
}

func TestMakeInode_AllocatesAndIndexes(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "foo", inode.KindRegular, 0o644, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, root+1, n.Ino)

	got, err := tx.Lookup(ctx, root, "foo")
	require.NoError(t, err)
	assert.Equal(t, n.Ino, got.Ino)
}

func TestMakeInode_DuplicateNameIsFileExists(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	_, err := tx.MakeInode(ctx, root, "foo", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	_, err = tx.MakeInode(ctx, root, "foo", inode.KindRegular, 0o644, 0, 0)
	require.Error(t, err)
	assert.Equal(t, fserrors.FileExists, fserrors.KindOf(err))
}

func TestMakeInode_NameTooLong(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	long := make([]byte, keyspace.MaxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := tx.MakeInode(ctx, root, string(long), inode.KindRegular, 0o644, 0, 0)
	require.Error(t, err)
	assert.Equal(t, fserrors.NameTooLong, fserrors.KindOf(err))
}

func TestMkdir_CreatesEmptyDirectory(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	d, err := tx.Mkdir(ctx, root, "sub", 0o755, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, inode.KindDirectory, d.Kind)

	dir, err := tx.ReadDir(ctx, d.Ino)
	require.NoError(t, err)
	assert.True(t, dir.Empty())
}

func TestLookup_MissingIsFileNotFound(t *testing.T) {
	tx, _ := newTxn(t)
	_, err := tx.Lookup(context.Background(), root, "nope")
	require.Error(t, err)
	assert.Equal(t, fserrors.FileNotFound, fserrors.KindOf(err))
}

func TestLink_IncrementsNlinkAndAddsName(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "foo", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n.Nlink)

	linked, err := tx.Link(ctx, n.Ino, root, "bar")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), linked.Nlink)

	got, err := tx.Lookup(ctx, root, "bar")
	require.NoError(t, err)
	assert.Equal(t, n.Ino, got.Ino)
}

func TestLink_DuplicateDestinationIsFileExists(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	a, err := tx.MakeInode(ctx, root, "a", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)
	_, err = tx.MakeInode(ctx, root, "b", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	_, err = tx.Link(ctx, a.Ino, root, "b")
	require.Error(t, err)
	assert.Equal(t, fserrors.FileExists, fserrors.KindOf(err))
}

func TestUnlink_DropsNameKeepsInodeWhileLinksRemain(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "foo", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)
	_, err = tx.Link(ctx, n.Ino, root, "bar")
	require.NoError(t, err)

	require.NoError(t, tx.Unlink(ctx, root, "foo"))

	_, err = tx.Lookup(ctx, root, "foo")
	assert.Equal(t, fserrors.FileNotFound, fserrors.KindOf(err))

	still, err := tx.ReadInode(ctx, n.Ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), still.Nlink)
}

func TestUnlink_DeletesInodeWhenNlinkReachesZero(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "foo", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Unlink(ctx, root, "foo"))

	_, err = tx.ReadInode(ctx, n.Ino)
	require.Error(t, err)
	assert.Equal(t, fserrors.InodeNotFound, fserrors.KindOf(err))
}

func TestUnlink_MissingIsFileNotFound(t *testing.T) {
	tx, _ := newTxn(t)
	err := tx.Unlink(context.Background(), root, "nope")
	require.Error(t, err)
	assert.Equal(t, fserrors.FileNotFound, fserrors.KindOf(err))
}

func TestRmdir_RejectsNonEmpty(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	d, err := tx.Mkdir(ctx, root, "sub", 0o755, 0, 0)
	require.NoError(t, err)
	_, err = tx.MakeInode(ctx, d.Ino, "child", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	err = tx.Rmdir(ctx, root, "sub")
	require.Error(t, err)
	assert.Equal(t, fserrors.DirNotEmpty, fserrors.KindOf(err))
}

func TestRmdir_RemovesEmptyDirectory(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	d, err := tx.Mkdir(ctx, root, "sub", 0o755, 0, 0)
	require.NoError(t, err)

	require.NoError(t, tx.Rmdir(ctx, root, "sub"))
	_, err = tx.ReadInode(ctx, d.Ino)
	assert.Equal(t, fserrors.InodeNotFound, fserrors.KindOf(err))
}

func TestRename_MovesEntryBetweenNames(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "a", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, tx.Rename(ctx, root, "a", root, "b"))

	_, err = tx.Lookup(ctx, root, "a")
	assert.Equal(t, fserrors.FileNotFound, fserrors.KindOf(err))

	got, err := tx.Lookup(ctx, root, "b")
	require.NoError(t, err)
	assert.Equal(t, n.Ino, got.Ino)
}

func TestRename_BumpsCtimeOnRenamedInode(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	kvTxn, err := store.Begin(ctx)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Unix(1700000000, 0).UTC())
	tx := New(kvTxn, clk)

	n, err := tx.MakeInode(ctx, root, "a", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)
	origCtime := n.Ctime

	clk.AdvanceTime(time.Hour)
	require.NoError(t, tx.Rename(ctx, root, "a", root, "b"))

	got, err := tx.Lookup(ctx, root, "b")
	require.NoError(t, err)
	assert.True(t, got.Ctime.After(origCtime))
	assert.True(t, got.Ctime.Equal(clk.Now()))
}

func TestRename_OverwritesExistingDestination(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	src, err := tx.MakeInode(ctx, root, "a", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)
	dst, err := tx.MakeInode(ctx, root, "b", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, tx.Rename(ctx, root, "a", root, "b"))

	got, err := tx.Lookup(ctx, root, "b")
	require.NoError(t, err)
	assert.Equal(t, src.Ino, got.Ino)

	_, err = tx.ReadInode(ctx, dst.Ino)
	assert.Equal(t, fserrors.InodeNotFound, fserrors.KindOf(err))
}

func TestRename_OntoSelfIsNoop(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "a", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, tx.Rename(ctx, root, "a", root, "a"))

	got, err := tx.Lookup(ctx, root, "a")
	require.NoError(t, err)
	assert.Equal(t, n.Ino, got.Ino)
}

func TestRename_MissingSourceIsFileNotFound(t *testing.T) {
	tx, _ := newTxn(t)
	err := tx.Rename(context.Background(), root, "nope", root, "b")
	require.Error(t, err)
	assert.Equal(t, fserrors.FileNotFound, fserrors.KindOf(err))
}

func TestReadWriteData_InlineRoundTrips(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "f", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	size, err := tx.WriteData(ctx, n.Ino, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)

	got, err := tx.ReadData(ctx, n.Ino, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	stored, err := tx.ReadInode(ctx, n.Ino)
	require.NoError(t, err)
	assert.True(t, stored.IsInline(keyspace.InlineDataThreshold))
}

func TestWriteData_CrossingInlineThresholdMigratesToBlocks(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "f", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	_, err = tx.WriteData(ctx, n.Ino, 0, []byte("hello"))
	require.NoError(t, err)

	big := make([]byte, keyspace.InlineDataThreshold+1)
	for i := range big {
		big[i] = 'z'
	}
	size, err := tx.WriteData(ctx, n.Ino, 0, big)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(big)), size)

	stored, err := tx.ReadInode(ctx, n.Ino)
	require.NoError(t, err)
	assert.False(t, stored.IsInline(keyspace.InlineDataThreshold))

	got, err := tx.ReadData(ctx, n.Ino, 0, size)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestClearData_ZeroesSizeAndRemovesBlocks(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "f", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)
	_, err = tx.WriteData(ctx, n.Ino, 0, []byte("hello"))
	require.NoError(t, err)

	fresh, err := tx.ReadInode(ctx, n.Ino)
	require.NoError(t, err)
	require.NoError(t, tx.ClearData(ctx, fresh))
	assert.Equal(t, uint64(0), fresh.Size)
	assert.Equal(t, uint64(0), fresh.Blocks)
}

func TestFallocate_GrowsSizeWithoutData(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "f", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, tx.Fallocate(ctx, n.Ino, 100, 50))

	got, err := tx.ReadInode(ctx, n.Ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), got.Size)
	assert.Equal(t, uint64(0), got.Blocks, "fallocate must not materialize blocks for the hole")
}

func TestFallocate_NoShrinkBelowCurrentSize(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "f", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)
	_, err = tx.WriteData(ctx, n.Ino, 0, make([]byte, 500))
	require.NoError(t, err)

	require.NoError(t, tx.Fallocate(ctx, n.Ino, 0, 10))

	got, err := tx.ReadInode(ctx, n.Ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.Size)
}

func TestReadWriteLink_Inline(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "l", inode.KindSymlink, 0o777, 0, 0)
	require.NoError(t, err)

	require.NoError(t, tx.WriteLink(ctx, n.Ino, "/target/path"))

	got, err := tx.ReadLink(ctx, n.Ino)
	require.NoError(t, err)
	assert.Equal(t, "/target/path", got)
}

func TestReadLink_RejectsNonSymlink(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "f", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	_, err = tx.ReadLink(ctx, n.Ino)
	require.Error(t, err)
}

func TestSetlkUnlkGetlk(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "f", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	typ, err := tx.Getlk(ctx, n.Ino)
	require.NoError(t, err)
	assert.Equal(t, inode.LockNone, typ)

	granted, err := tx.Setlk(ctx, n.Ino, lock.Request{Type: inode.LockExclusive, Owner: 1})
	require.NoError(t, err)
	assert.True(t, granted)

	typ, err = tx.Getlk(ctx, n.Ino)
	require.NoError(t, err)
	assert.Equal(t, inode.LockExclusive, typ)

	granted, err = tx.Setlk(ctx, n.Ino, lock.Request{Type: inode.LockShared, Owner: 2, Blocking: true})
	require.NoError(t, err)
	assert.False(t, granted)

	require.NoError(t, tx.Unlk(ctx, n.Ino, 1))
	typ, err = tx.Getlk(ctx, n.Ino)
	require.NoError(t, err)
	assert.Equal(t, inode.LockNone, typ)
}

func TestSetlk_RejectsDirectories(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	d, err := tx.Mkdir(ctx, root, "d", 0o755, 0, 0)
	require.NoError(t, err)

	_, err = tx.Setlk(ctx, d.Ino, lock.Request{Type: inode.LockShared, Owner: 1})
	require.Error(t, err)
	assert.Equal(t, fserrors.InvalidLock, fserrors.KindOf(err))
}

func TestSetlk_NonBlockingConflictIsInvalidLock(t *testing.T) {
	tx, _ := newTxn(t)
	ctx := context.Background()

	n, err := tx.MakeInode(ctx, root, "f", inode.KindRegular, 0o644, 0, 0)
	require.NoError(t, err)

	_, err = tx.Setlk(ctx, n.Ino, lock.Request{Type: inode.LockExclusive, Owner: 1})
	require.NoError(t, err)

	_, err = tx.Setlk(ctx, n.Ino, lock.Request{Type: inode.LockExclusive, Owner: 2, Blocking: false})
	require.Error(t, err)
	assert.Equal(t, fserrors.InvalidLock, fserrors.KindOf(err))
}
