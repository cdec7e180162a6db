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

// Package kv defines the transactional key-value interface the engine is
// built against, and a TiKV-backed implementation of it. spec.md treats the
// underlying distributed store as an external collaborator assumed to
// provide snapshot-isolated transactions with optimistic commit; this
// package is the thin seam between that assumption and a concrete client,
// the way the teacher's gcs.Bucket interface seams GCS behind fake and real
// implementations.
package kv

import (
	"context"
	"errors"

	"github.com/tikv-fs/tikvfs/internal/fserrors"
)

// ErrNotFound is returned by Txn.Get when the key is absent. Callers that
// want "missing block reads as zero" semantics handle this themselves;
// ErrNotFound signals "no row", not "zero-filled row".
var ErrNotFound = errors.New("kv: key not found")

// ErrConflict is a backend-agnostic write-conflict signal. Backends that
// detect a conflict themselves (memkv's first-committer-wins check) wrap
// this error so ClassifyCommitErr recognizes it without needing to know
// about every backend's concrete error types.
var ErrConflict = errors.New("kv: write conflict")

// KeyValue is one row returned by an Iter scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Iterator walks a key range in ascending order, bounded to at most
// keyspace.ScanLimit rows per spec.md §6.
type Iterator interface {
	Next() bool
	KeyValue() KeyValue
	Err() error
	Close() error
}

// Txn is one optimistic transaction scoped to a single dispatcher
// operation. All reads observe a consistent snapshot; all writes are
// buffered locally and become visible to other transactions only on
// Commit.
type Txn interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error

	// Iter returns rows in [lower, upper) in key order, capped at limit rows
	// (limit <= 0 means keyspace.ScanLimit).
	Iter(ctx context.Context, lower, upper []byte, limit int) (Iterator, error)

	Commit(ctx context.Context) error
	Rollback() error
}

// Store opens transactions against the backing KV cluster.
type Store interface {
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// IsNotFound reports whether err is kv.ErrNotFound, possibly wrapped.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ClassifyCommitErr turns a backend commit/get/set error into the engine's
// error taxonomy: a write conflict (or any transient backend fault) becomes
// fserrors.KeyError so the Spin Driver retries; anything else is Other and
// aborts the operation, per spec.md §7's propagation policy.
func ClassifyCommitErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || isConflict(err) {
		return fserrors.Wrap(op, fserrors.KeyError, err)
	}
	return fserrors.Wrap(op, fserrors.Other, err)
}
