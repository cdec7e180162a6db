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

// Package fuseserver is the thin kernel-upcall adapter spec.md §1 treats as
// an external collaborator: it translates github.com/jacobsa/fuse's
// fuseops structs into internal/fsops.Dispatcher calls and back, grounded
// on the method-by-method shape of the teacher's fs.fileSystem type
// (fs/fs.go), which implements the same fuseutil.FileSystem interface
// against its own GCS-backed inode tree.
//
// Operations spec.md's Non-goals or explicit out-of-scope language don't
// require (extended attributes, byte-range locks, xattrs) fall through to
// fuseutil.NotImplementedFileSystem.
package fuseserver

import (
	"context"
	"os"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/tikv-fs/tikvfs/internal/fserrors"
	"github.com/tikv-fs/tikvfs/internal/fsops"
	"github.com/tikv-fs/tikvfs/internal/inode"
)

// Server adapts a *fsops.Dispatcher to fuseutil.FileSystem.
type Server struct {
	fuseutil.NotImplementedFileSystem

	d *fsops.Dispatcher
}

// New wraps d and returns a fuseutil.FileSystem ready for
// fuseutil.NewFileSystemServer.
func New(d *fsops.Dispatcher) fuseutil.FileSystem {
	return &Server{d: d}
}

func toAttr(a fsops.Attr) fuseops.InodeAttributes {
	mode := os.FileMode(a.Perm)
	switch a.Kind {
	case inode.KindDirectory:
		mode |= os.ModeDir
	case inode.KindSymlink:
		mode |= os.ModeSymlink
	}
	return fuseops.InodeAttributes{
		Size:   a.Size,
		Nlink:  a.Nlink,
		Mode:   mode,
		Atime:  a.Atime,
		Mtime:  a.Mtime,
		Ctime:  a.Ctime,
		Crtime: a.Crtime,
		Uid:    a.UID,
		Gid:    a.GID,
	}
}

func direntType(k inode.Kind) fuseops.DirentType {
	switch k {
	case inode.KindDirectory:
		return fuseops.DT_Directory
	case inode.KindSymlink:
		return fuseops.DT_Link
	default:
		return fuseops.DT_File
	}
}

const entryExpiration = time.Second

func (s *Server) Init(ctx context.Context, op *fuseops.InitOp) error {
	return fserrors.ToErrno(s.d.Init(ctx))
}

func (s *Server) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	attr, err := s.d.Lookup(ctx, uint64(op.Parent), op.Name)
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(attr.Ino),
		Attributes:           toAttr(attr),
		AttributesExpiration: time.Now().Add(entryExpiration),
		EntryExpiration:      time.Now().Add(entryExpiration),
	}
	return nil
}

func (s *Server) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	attr, err := s.d.Getattr(ctx, uint64(op.Inode))
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Attributes = toAttr(attr)
	op.AttributesExpiration = time.Now().Add(entryExpiration)
	return nil
}

func (s *Server) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	req := fsops.SetattrRequest{Atime: op.Atime, Mtime: op.Mtime}
	if op.Size != nil {
		req.Size = op.Size
	}
	if op.Mode != nil {
		perm := uint32(op.Mode.Perm())
		req.Mode = &perm
	}
	attr, err := s.d.Setattr(ctx, uint64(op.Inode), req)
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Attributes = toAttr(attr)
	op.AttributesExpiration = time.Now().Add(entryExpiration)
	return nil
}

func (s *Server) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	attr, err := s.d.Mkdir(ctx, uint64(op.Parent), op.Name, uint32(op.Mode.Perm()), uint32(op.Header.Uid), uint32(op.Header.Gid))
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(attr.Ino),
		Attributes:           toAttr(attr),
		AttributesExpiration: time.Now().Add(entryExpiration),
		EntryExpiration:      time.Now().Add(entryExpiration),
	}
	return nil
}

func (s *Server) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fserrors.ToErrno(s.d.Rmdir(ctx, uint64(op.Parent), op.Name))
}

func (s *Server) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	owner := uint64(op.Header.Uid)
	attr, fh, _, err := s.d.Create(ctx, uint64(op.Parent), op.Name, uint32(op.Mode.Perm()), uint32(op.Header.Uid), uint32(op.Header.Gid), 0, owner)
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(attr.Ino),
		Attributes:           toAttr(attr),
		AttributesExpiration: time.Now().Add(entryExpiration),
		EntryExpiration:      time.Now().Add(entryExpiration),
	}
	op.Handle = fuseops.HandleID(fh)
	return nil
}

func (s *Server) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fserrors.ToErrno(s.d.Unlink(ctx, uint64(op.Parent), op.Name))
}

func (s *Server) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fh, _, err := s.d.Open(ctx, uint64(op.Inode), uint32(op.Flags), uint64(op.Header.Uid))
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Handle = fuseops.HandleID(fh)
	return nil
}

func (s *Server) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	entries, err := s.d.Readdir(ctx, uint64(op.Inode), uint64(op.Offset))
	if err != nil {
		return fserrors.ToErrno(err)
	}

	buf := make([]byte, op.Size)
	n := 0
	for _, e := range entries {
		wrote := fuseutil.WriteDirent(buf[n:], fuseops.Dirent{
			Offset: fuseops.DirOffset(e.Offset + 1),
			Inode:  fuseops.InodeID(e.Ino),
			Name:   e.Name,
			Type:   direntType(e.Kind),
		})
		if wrote == 0 {
			break
		}
		n += wrote
	}
	op.Data = buf[:n]
	return nil
}

func (s *Server) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	ino, err := s.d.InoForHandle(uint64(op.Handle))
	if err != nil {
		return nil
	}
	return fserrors.ToErrno(s.d.Release(ctx, ino, uint64(op.Handle)))
}

func (s *Server) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fh, _, err := s.d.Open(ctx, uint64(op.Inode), uint32(op.Flags), uint64(op.Header.Uid))
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Handle = fuseops.HandleID(fh)
	return nil
}

func (s *Server) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	data, err := s.d.Read(ctx, uint64(op.Inode), uint64(op.Handle), op.Offset, uint64(op.Size))
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Data = data
	return nil
}

func (s *Server) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	_, err := s.d.Write(ctx, uint64(op.Inode), uint64(op.Handle), op.Offset, op.Data)
	return fserrors.ToErrno(err)
}

func (s *Server) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	ino, err := s.d.InoForHandle(uint64(op.Handle))
	if err != nil {
		return nil
	}
	return fserrors.ToErrno(s.d.Release(ctx, ino, uint64(op.Handle)))
}

func (s *Server) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

func (s *Server) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	attr, err := s.d.Symlink(ctx, uint64(op.Parent), op.Name, op.Target, 0, 0)
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(attr.Ino),
		Attributes:           toAttr(attr),
		AttributesExpiration: time.Now().Add(entryExpiration),
		EntryExpiration:      time.Now().Add(entryExpiration),
	}
	return nil
}

func (s *Server) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	target, err := s.d.Readlink(ctx, uint64(op.Inode))
	if err != nil {
		return fserrors.ToErrno(err)
	}
	op.Target = target
	return nil
}
