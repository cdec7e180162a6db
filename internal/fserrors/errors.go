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

// Package fserrors defines the engine's error taxonomy and its mapping to
// POSIX errno, the way the teacher special-cases *gcs.NotFoundError and
// *gcs.PreconditionError at the fs.go boundary.
package fserrors

import (
	"fmt"
	"syscall"
)

// Kind is one of the error kinds from spec.md §7. It is not a Go error
// itself; Error below carries a Kind plus context.
type Kind int

const (
	// Other wraps an unexpected error from the KV layer or elsewhere.
	Other Kind = iota
	InodeNotFound
	FileNotFound
	FhNotFound
	DirNotEmpty
	NameTooLong
	InvalidOffset
	UnknownWhence
	InvalidLock
	KeyError
	Serialization
	FileExists
	NotSupported
)

func (k Kind) String() string {
	switch k {
	case InodeNotFound:
		return "InodeNotFound"
	case FileNotFound:
		return "FileNotFound"
	case FhNotFound:
		return "FhNotFound"
	case DirNotEmpty:
		return "DirNotEmpty"
	case NameTooLong:
		return "NameTooLong"
	case InvalidOffset:
		return "InvalidOffset"
	case UnknownWhence:
		return "UnknownWhence"
	case InvalidLock:
		return "InvalidLock"
	case KeyError:
		return "KeyError"
	case Serialization:
		return "Serialization"
	case FileExists:
		return "FileExists"
	case NotSupported:
		return "NotSupported"
	default:
		return "Other"
	}
}

// Error is the concrete error type returned throughout the engine.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error around an existing error.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind of err, defaulting to Other for plain errors.
func KindOf(err error) Kind {
	if err == nil {
		return Other
	}
	var fe *Error
	if ok := asError(err, &fe); ok {
		return fe.Kind
	}
	return Other
}

func asError(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetryable reports whether the Spin Driver should retry the transaction
// that produced err.
func IsRetryable(err error) bool {
	return KindOf(err) == KeyError
}

// ToErrno maps an engine error Kind to the nearest POSIX errno, the way the
// teacher's fs.go maps *gcs.PreconditionError to fuse.EEXIST. The jacobsa/fuse
// server accepts any error implementing the standard error interface and
// special-cases syscall.Errno, so we return that directly rather than a
// fuse-package constant.
func ToErrno(err error) error {
	if err == nil {
		return nil
	}

	switch KindOf(err) {
	case InodeNotFound, FileNotFound:
		return syscall.ENOENT
	case FileExists:
		return syscall.EEXIST
	case DirNotEmpty:
		return syscall.ENOTEMPTY
	case NameTooLong:
		return syscall.ENAMETOOLONG
	case InvalidOffset, UnknownWhence, InvalidLock:
		return syscall.EINVAL
	case FhNotFound:
		return syscall.EBADF
	case KeyError:
		return syscall.EAGAIN
	case NotSupported:
		return syscall.ENOSYS
	case Serialization, Other:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
