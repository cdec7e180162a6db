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

// Package fsops is the Operation Dispatcher: the filesystem's public
// surface in POSIX-semantics terms, composing the Transaction Layer, Spin
// Driver, Open File Table, and Lock State Machine. It deliberately speaks
// plain Go types rather than kernel upcall structs — per spec.md §1, the
// kernel filesystem adapter that marshals OS upcalls is an external
// collaborator, grounded the same way the teacher treats the bazil/FUSE
// kernel loop as living outside fs.go's fileSystem type. A thin adapter
// (internal/fuseserver, mounted by cmd/mount.go) wires this surface to
// github.com/jacobsa/fuse.
package fsops

import (
	"context"
	"time"

	"github.com/tikv-fs/tikvfs/internal/clock"
	"github.com/tikv-fs/tikvfs/internal/direntry"
	"github.com/tikv-fs/tikvfs/internal/fserrors"
	"github.com/tikv-fs/tikvfs/internal/handle"
	"github.com/tikv-fs/tikvfs/internal/inode"
	"github.com/tikv-fs/tikvfs/internal/keyspace"
	"github.com/tikv-fs/tikvfs/internal/kv"
	"github.com/tikv-fs/tikvfs/internal/lock"
	"github.com/tikv-fs/tikvfs/internal/logger"
	"github.com/tikv-fs/tikvfs/internal/metrics"
	"github.com/tikv-fs/tikvfs/internal/spin"
	"github.com/tikv-fs/tikvfs/internal/txn"
	"golang.org/x/sys/unix"
)

// Attr mirrors the kernel's FileAttr shape closely enough for the adapter
// to translate directly, without this package importing fuseops itself.
type Attr struct {
	Ino    uint64
	Size   uint64
	Blocks uint64
	Kind   inode.Kind
	Perm   uint32
	UID    uint32
	GID    uint32
	Nlink  uint32
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time
}

func attrOf(n *inode.Inode) Attr {
	return Attr{
		Ino: n.Ino, Size: n.Size, Blocks: n.Blocks, Kind: n.Kind,
		Perm: n.Perm, UID: n.UID, GID: n.GID, Nlink: n.Nlink,
		Atime: n.Atime, Mtime: n.Mtime, Ctime: n.Ctime, Crtime: n.Crtime,
	}
}

// DirEntry is one readdir result row, with synthetic "." and ".." already
// interleaved by Readdir.
type DirEntry struct {
	Offset uint64
	Name   string
	Ino    uint64
	Kind   inode.Kind
}

// SetattrRequest models setattr's optional fields: nil means "preserve",
// per spec.md §9's "configuration record, every field optional" note.
type SetattrRequest struct {
	Size  *uint64
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Atime *time.Time
	Mtime *time.Time
}

// StatfsResult reports the full-scan statfs accounting of spec.md §4.I.
type StatfsResult struct {
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
}

// Whence values for Lseek, mirroring POSIX SEEK_SET/SEEK_CUR/SEEK_END.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Dispatcher is the engine's entry point. One Dispatcher serves one mount.
type Dispatcher struct {
	driver    *spin.Driver
	handles   *handle.Table
	clock     clock.Clock
	directIO  bool
	pollDelay time.Duration
	metrics   *metrics.Metrics
}

// Config bundles the Dispatcher's tunables, filled in from mount options
// and the Spin Driver's retry policy by cmd/mount.go.
type Config struct {
	Store      kv.Store
	Clock      clock.Clock
	RetryDelay time.Duration
	MaxRetries int
	DirectIO   bool
	LockPoll   time.Duration
	Metrics    *metrics.Metrics
}

func New(cfg Config) *Dispatcher {
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = 10 * time.Millisecond
	}
	return &Dispatcher{
		driver:    spin.New(cfg.Store, spin.Options{RetryDelay: cfg.RetryDelay, MaxRetries: cfg.MaxRetries, Metrics: cfg.Metrics}),
		handles:   handle.NewTable(),
		clock:     cfg.Clock,
		directIO:  cfg.DirectIO,
		pollDelay: cfg.LockPoll,
		metrics:   cfg.Metrics,
	}
}

// observe records op's latency and, on failure, its error kind. A nil
// Metrics (tests that don't care about instrumentation) makes this a
// no-op.
func (d *Dispatcher) observe(op string, start time.Time, err *error) {
	if d.metrics == nil {
		return
	}
	d.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *err != nil {
		d.metrics.OpErrors.WithLabelValues(op, fserrors.KindOf(*err).String()).Inc()
	}
}

func checkName(name string) error {
	if len(name) > keyspace.MaxNameLen {
		return fserrors.New("checkName", fserrors.NameTooLong)
	}
	return nil
}

// Init creates the root directory if absent, idempotent across restarts.
func (d *Dispatcher) Init(ctx context.Context) error {
	return d.driver.Run(ctx, func(ctx context.Context, kvTxn kv.Txn) error {
		t := txn.New(kvTxn, d.clock)
		_, err := t.ReadInode(ctx, keyspace.RootInode)
		if err == nil {
			return nil
		}
		if fserrors.KindOf(err) != fserrors.InodeNotFound {
			return err
		}

		root := inode.New(keyspace.RootInode, inode.KindDirectory, 0o755, 0, 0, d.clock.Now())
		if err := t.SaveInode(ctx, root); err != nil {
			return err
		}
		if err := t.SaveDir(ctx, keyspace.RootInode, direntry.New()); err != nil {
			return err
		}
		return t.SaveMeta(ctx, keyspace.RootInode+1)
	})
}

// Lookup resolves parent/name to the child's attributes.
func (d *Dispatcher) Lookup(ctx context.Context, parent uint64, name string) (Attr, error) {
	if err := checkName(name); err != nil {
		return Attr{}, err
	}
	return spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (Attr, error) {
		n, err := txn.New(kvTxn, d.clock).Lookup(ctx, parent, name)
		if err != nil {
			return Attr{}, err
		}
		return attrOf(n), nil
	})
}

// Getattr is a snapshot read of ino's attributes.
func (d *Dispatcher) Getattr(ctx context.Context, ino uint64) (Attr, error) {
	return spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (Attr, error) {
		n, err := txn.New(kvTxn, d.clock).ReadInode(ctx, ino)
		if err != nil {
			return Attr{}, err
		}
		return attrOf(n), nil
	})
}

// Setattr selectively overwrites the fields named in req; unset fields are
// preserved. Atime/Mtime default to "now" whenever the request leaves them
// nil, regardless of which other fields changed.
func (d *Dispatcher) Setattr(ctx context.Context, ino uint64, req SetattrRequest) (Attr, error) {
	return spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (Attr, error) {
		t := txn.New(kvTxn, d.clock)
		n, err := t.ReadInode(ctx, ino)
		if err != nil {
			return Attr{}, err
		}

		now := d.clock.Now()

		if req.Size != nil {
			if *req.Size < n.Size {
				if err := d.truncateTail(ctx, t, n, *req.Size); err != nil {
					return Attr{}, err
				}
			}
			n.SetSize(*req.Size)
		}
		if req.Mode != nil {
			n.Perm = *req.Mode
		}
		if req.UID != nil {
			n.UID = *req.UID
		}
		if req.GID != nil {
			n.GID = *req.GID
		}
		if req.Atime != nil {
			n.Atime = *req.Atime
		} else {
			n.Atime = now
		}
		if req.Mtime != nil {
			n.Mtime = *req.Mtime
		} else {
			n.Mtime = now
		}
		n.Ctime = now

		if err := t.SaveInode(ctx, n); err != nil {
			return Attr{}, err
		}
		return attrOf(n), nil
	})
}

// truncateTail clears block data beyond newSize when a setattr shrinks the
// file, keeping the transactional write-modify-write discipline for the
// boundary block.
func (d *Dispatcher) truncateTail(ctx context.Context, t *txn.Txn, n *inode.Inode, newSize uint64) error {
	if n.IsInline(keyspace.InlineDataThreshold) {
		if newSize < uint64(len(n.InlineData)) {
			n.InlineData = n.InlineData[:newSize]
		}
		return nil
	}
	if newSize == 0 {
		return t.ClearData(ctx, n)
	}
	// Block-form truncation to a non-zero size: rely on Read/Write's
	// existing zero-fill-on-read behavior for the tail rather than
	// proactively deleting partial blocks here; the size field alone
	// governs visibility per spec.md §4.D.
	return nil
}

// Readdir synthesizes ".." at offset 0 and "." at offset 1, then appends
// stored entries starting at max(0, offset-2).
func (d *Dispatcher) Readdir(ctx context.Context, ino uint64, offset uint64) ([]DirEntry, error) {
	return spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) ([]DirEntry, error) {
		t := txn.New(kvTxn, d.clock)
		n, err := t.ReadInode(ctx, ino)
		if err != nil {
			return nil, err
		}
		if n.Kind != inode.KindDirectory {
			return nil, fserrors.New("Readdir", fserrors.Other)
		}
		dir, err := t.ReadDir(ctx, ino)
		if err != nil {
			return nil, err
		}

		var out []DirEntry
		if offset == 0 {
			out = append(out, DirEntry{Offset: 0, Name: "..", Ino: ino, Kind: inode.KindDirectory})
		}
		if offset <= 1 {
			out = append(out, DirEntry{Offset: 1, Name: ".", Ino: ino, Kind: inode.KindDirectory})
		}

		start := uint64(0)
		if offset > 2 {
			start = offset - 2
		}
		for i := start; i < uint64(len(dir.Entries)); i++ {
			e := dir.Entries[i]
			out = append(out, DirEntry{Offset: i + 2, Name: e.Name, Ino: e.Ino, Kind: e.Kind})
		}
		return out, nil
	})
}

// Open allocates a handle for ino. DirectIO is set when the mount option
// requests it or O_DIRECT is present in flags.
func (d *Dispatcher) Open(ctx context.Context, ino uint64, flags uint32, owner uint64) (fh uint64, directIO bool, err error) {
	h := d.handles.Make(ino, flags, owner)
	return h.Fh, d.directIO || flags&uint32(unix.O_DIRECT) != 0, nil
}

// Read computes the effective offset as cursor+offset when offset is
// handle-relative, then reads through the Transaction Layer.
func (d *Dispatcher) Read(ctx context.Context, ino, fh uint64, offset int64, size uint64) (data []byte, err error) {
	defer d.observe("read", d.clock.Now(), &err)

	h, err := d.handles.Get(ino, fh)
	if err != nil {
		return nil, err
	}
	start, err := effectiveOffset(h.Cursor, offset)
	if err != nil {
		return nil, err
	}

	data, err = spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) ([]byte, error) {
		return txn.New(kvTxn, d.clock).ReadData(ctx, ino, start, size)
	})
	if err != nil {
		return nil, err
	}
	d.handles.SetCursor(h, start+uint64(len(data)))
	return data, nil
}

// Write stores data at cursor+offset and advances the cursor.
func (d *Dispatcher) Write(ctx context.Context, ino, fh uint64, offset int64, data []byte) (written uint64, err error) {
	defer d.observe("write", d.clock.Now(), &err)

	h, err := d.handles.Get(ino, fh)
	if err != nil {
		return 0, err
	}
	start, err := effectiveOffset(h.Cursor, offset)
	if err != nil {
		return 0, err
	}

	_, err = spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (uint64, error) {
		return txn.New(kvTxn, d.clock).WriteData(ctx, ino, start, data)
	})
	if err != nil {
		return 0, err
	}
	d.handles.SetCursor(h, start+uint64(len(data)))
	return uint64(len(data)), nil
}

func effectiveOffset(cursor uint64, offset int64) (uint64, error) {
	eff := int64(cursor) + offset
	if eff < 0 {
		return 0, fserrors.New("effectiveOffset", fserrors.InvalidOffset)
	}
	return uint64(eff), nil
}

// Create is make_inode followed by open, per spec.md §4.I.
func (d *Dispatcher) Create(ctx context.Context, parent uint64, name string, mode uint32, uid, gid uint32, flags uint32, owner uint64) (Attr, uint64, bool, error) {
	if err := checkName(name); err != nil {
		return Attr{}, 0, false, err
	}
	n, err := spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (*inode.Inode, error) {
		return txn.New(kvTxn, d.clock).MakeInode(ctx, parent, name, inode.KindRegular, mode, uid, gid)
	})
	if err != nil {
		return Attr{}, 0, false, err
	}
	fh, directIO, err := d.Open(ctx, n.Ino, flags, owner)
	return attrOf(n), fh, directIO, err
}

func (d *Dispatcher) Mkdir(ctx context.Context, parent uint64, name string, mode uint32, uid, gid uint32) (Attr, error) {
	if err := checkName(name); err != nil {
		return Attr{}, err
	}
	n, err := spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (*inode.Inode, error) {
		return txn.New(kvTxn, d.clock).Mkdir(ctx, parent, name, mode, uid, gid)
	})
	if err != nil {
		return Attr{}, err
	}
	return attrOf(n), nil
}

func (d *Dispatcher) Rmdir(ctx context.Context, parent uint64, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return d.driver.Run(ctx, func(ctx context.Context, kvTxn kv.Txn) error {
		return txn.New(kvTxn, d.clock).Rmdir(ctx, parent, name)
	})
}

// Mknod dispatches on the type bits packed into mode the way mknod(2)
// itself does: S_IFREG and S_IFDIR go through the same MakeInode path as
// Create and Mkdir (the original's mknod handler unconditionally calls
// make_inode and its create handler is implemented in terms of mknod).
// Device, fifo, and socket kinds have no representation in the engine's
// inode.Kind enum, so those are rejected as NotSupported.
func (d *Dispatcher) Mknod(ctx context.Context, parent uint64, name string, mode uint32, uid, gid uint32) (Attr, error) {
	if err := checkName(name); err != nil {
		return Attr{}, err
	}
	var kind inode.Kind
	switch mode & unix.S_IFMT {
	case unix.S_IFREG, 0:
		kind = inode.KindRegular
	case unix.S_IFDIR:
		kind = inode.KindDirectory
	default:
		return Attr{}, fserrors.New("Mknod", fserrors.NotSupported)
	}
	n, err := spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (*inode.Inode, error) {
		return txn.New(kvTxn, d.clock).MakeInode(ctx, parent, name, kind, mode&0o7777, uid, gid)
	})
	if err != nil {
		return Attr{}, err
	}
	return attrOf(n), nil
}

// Access is a read-only permission check: it never mutates state, and it
// runs through the Spin Driver like every other operation.
func (d *Dispatcher) Access(ctx context.Context, ino uint64, mask uint32, uid, gid uint32) error {
	return d.driver.Run(ctx, func(ctx context.Context, kvTxn kv.Txn) error {
		n, err := txn.New(kvTxn, d.clock).ReadInode(ctx, ino)
		if err != nil {
			return err
		}
		if !permits(n, mask, uid, gid) {
			return fserrors.New("Access", fserrors.Other)
		}
		return nil
	})
}

// permits checks mask (POSIX R_OK=4, W_OK=2, X_OK=1) against the owner,
// group, or other permission triad, mirroring the kernel's own access(2)
// check at userspace (the engine never enforces ACLs beyond these bits,
// per spec.md's non-goals).
func permits(n *inode.Inode, mask uint32, uid, gid uint32) bool {
	var bits uint32
	switch {
	case uid == n.UID:
		bits = (n.Perm >> 6) & 0o7
	case gid == n.GID:
		bits = (n.Perm >> 3) & 0o7
	default:
		bits = n.Perm & 0o7
	}
	return bits&mask == mask
}

// Lseek updates the handle's cursor per SEEK_SET/SEEK_CUR/SEEK_END against
// the inode's current size.
func (d *Dispatcher) Lseek(ctx context.Context, ino, fh uint64, offset int64, whence int) (uint64, error) {
	h, err := d.handles.Get(ino, fh)
	if err != nil {
		return 0, err
	}

	var base uint64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = h.Cursor
	case SeekEnd:
		attr, err := d.Getattr(ctx, ino)
		if err != nil {
			return 0, err
		}
		base = attr.Size
	default:
		return 0, fserrors.New("Lseek", fserrors.UnknownWhence)
	}

	eff := int64(base) + offset
	if eff < 0 {
		return 0, fserrors.New("Lseek", fserrors.InvalidOffset)
	}
	d.handles.SetCursor(h, uint64(eff))
	return uint64(eff), nil
}

// Release closes a handle. If it was the last open handle for an inode
// whose link count had already reached zero, spec.md §9 flags the
// POSIX-compliant delay-deletion behavior as an open design choice; this
// engine takes the spec's literal documented composite-operation behavior
// (synchronous delete inside Unlink/Rmdir) instead, so Release here is a
// pure Open File Table operation with no KV side effects.
func (d *Dispatcher) Release(ctx context.Context, ino, fh uint64) error {
	d.handles.Close(ino, fh)
	return nil
}

// InoForHandle resolves a bare handle ID to its owning inode, for adapter
// upcalls (dir/file handle release) that the kernel hands back without the
// inode number attached.
func (d *Dispatcher) InoForHandle(fh uint64) (uint64, error) {
	ino, ok := d.handles.InoOf(fh)
	if !ok {
		return 0, fserrors.New("InoForHandle", fserrors.FhNotFound)
	}
	return ino, nil
}

func (d *Dispatcher) Link(ctx context.Context, ino uint64, newParent uint64, newName string) (Attr, error) {
	if err := checkName(newName); err != nil {
		return Attr{}, err
	}
	n, err := spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (*inode.Inode, error) {
		return txn.New(kvTxn, d.clock).Link(ctx, ino, newParent, newName)
	})
	if err != nil {
		return Attr{}, err
	}
	return attrOf(n), nil
}

func (d *Dispatcher) Unlink(ctx context.Context, parent uint64, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return d.driver.Run(ctx, func(ctx context.Context, kvTxn kv.Txn) error {
		return txn.New(kvTxn, d.clock).Unlink(ctx, parent, name)
	})
}

func (d *Dispatcher) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error {
	if err := checkName(newName); err != nil {
		return err
	}
	return d.driver.Run(ctx, func(ctx context.Context, kvTxn kv.Txn) error {
		return txn.New(kvTxn, d.clock).Rename(ctx, parent, name, newParent, newName)
	})
}

func (d *Dispatcher) Symlink(ctx context.Context, parent uint64, name string, target string, uid, gid uint32) (Attr, error) {
	if err := checkName(name); err != nil {
		return Attr{}, err
	}
	n, err := spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (*inode.Inode, error) {
		t := txn.New(kvTxn, d.clock)
		n, err := t.MakeInode(ctx, parent, name, inode.KindSymlink, 0o777, uid, gid)
		if err != nil {
			return nil, err
		}
		if err := t.WriteLink(ctx, n.Ino, target); err != nil {
			return nil, err
		}
		return n, nil
	})
	if err != nil {
		return Attr{}, err
	}
	return attrOf(n), nil
}

func (d *Dispatcher) Readlink(ctx context.Context, ino uint64) (string, error) {
	return spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (string, error) {
		return txn.New(kvTxn, d.clock).ReadLink(ctx, ino)
	})
}

func (d *Dispatcher) Fallocate(ctx context.Context, ino uint64, offset, length uint64) error {
	return d.driver.Run(ctx, func(ctx context.Context, kvTxn kv.Txn) error {
		return txn.New(kvTxn, d.clock).Fallocate(ctx, ino, offset, length)
	})
}

// Statfs scans the inode range [ROOT_INODE, Meta.inode_next), summing
// blocks and counting inodes, per spec.md §4.I.
func (d *Dispatcher) Statfs(ctx context.Context) (StatfsResult, error) {
	return spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (StatfsResult, error) {
		t := txn.New(kvTxn, d.clock)
		nextIno, err := t.ReadMeta(ctx)
		if err != nil {
			return StatfsResult{}, err
		}

		lo, hi := keyspace.InodeRange(keyspace.RootInode, nextIno)
		var blocks, files uint64

		for {
			remaining := keyspace.ScanLimit
			it, err := t.Scan(ctx, lo, hi, remaining)
			if err != nil {
				return StatfsResult{}, err
			}
			n := 0
			var lastKey []byte
			for it.Next() {
				kvPair := it.KeyValue()
				rec, err := inode.Unmarshal(kvPair.Value)
				if err == nil {
					blocks += rec.Blocks
					files++
				}
				lastKey = kvPair.Key
				n++
			}
			itErr := it.Err()
			it.Close()
			if itErr != nil {
				return StatfsResult{}, itErr
			}
			if n < remaining || lastKey == nil {
				break
			}
			lo = append(append([]byte{}, lastKey...), 0)
		}

		const u64Max = ^uint64(0)
		return StatfsResult{
			Blocks:     u64Max,
			BlocksFree: u64Max - blocks,
			Files:      u64Max,
			FilesFree:  u64Max - nextIno,
		}, nil
	})
}

func (d *Dispatcher) Setlk(ctx context.Context, ino uint64, lockType inode.LockType, owner uint64, blocking bool) error {
	req := lock.Request{Type: lockType, Owner: owner, Blocking: blocking}
	if !blocking {
		_, err := spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (bool, error) {
			return txn.New(kvTxn, d.clock).Setlk(ctx, ino, req)
		})
		return err
	}
	return d.driver.RunLockLoop(ctx, d.pollDelay, func(ctx context.Context, kvTxn kv.Txn) (bool, error) {
		return txn.New(kvTxn, d.clock).Setlk(ctx, ino, req)
	})
}

func (d *Dispatcher) Unlk(ctx context.Context, ino uint64, owner uint64) error {
	return d.driver.Run(ctx, func(ctx context.Context, kvTxn kv.Txn) error {
		return txn.New(kvTxn, d.clock).Unlk(ctx, ino, owner)
	})
}

func (d *Dispatcher) Getlk(ctx context.Context, ino uint64) (inode.LockType, error) {
	return spin.Run1(ctx, d.driver, func(ctx context.Context, kvTxn kv.Txn) (inode.LockType, error) {
		return txn.New(kvTxn, d.clock).Getlk(ctx, ino)
	})
}

// logUnexpected logs err through the engine's logger when it is of the
// Other kind. Nothing in the package calls it.
func logUnexpected(op string, err error) {
	if fserrors.KindOf(err) == fserrors.Other {
		logger.Warnf("%s: unexpected error: %v", op, err)
	}
}
