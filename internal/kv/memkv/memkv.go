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

// Package memkv is an in-memory implementation of kv.Store/kv.Txn, used in
// tests exactly as the teacher uses fsouza/fake-gcs-server in place of real
// GCS: every inode, directory, block, and index operation is exercised
// against this backend without a real TiKV cluster.
//
// Rows are versioned by commit sequence number. A transaction reads the
// latest version committed before it began, buffers writes locally, and at
// Commit time aborts with a conflict if any key it read through Get or wrote
// has been committed by someone else since — first-committer-wins, the same
// optimistic-concurrency contract spec.md assumes of the real store. Rows
// returned by Iter are not recorded as reads.
package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/tikv-fs/tikvfs/internal/fserrors"
	"github.com/tikv-fs/tikvfs/internal/keyspace"
	"github.com/tikv-fs/tikvfs/internal/kv"
)

type version struct {
	seq     uint64
	value   []byte
	deleted bool // a tombstone; value is unused
}

type row struct {
	versions []version // ascending by seq
}

func (r *row) valueAt(seq uint64) ([]byte, bool) {
	for i := len(r.versions) - 1; i >= 0; i-- {
		if r.versions[i].seq <= seq {
			if r.versions[i].deleted {
				return nil, false
			}
			return r.versions[i].value, true
		}
	}
	return nil, false
}

func (r *row) latestSeq() uint64 {
	if len(r.versions) == 0 {
		return 0
	}
	return r.versions[len(r.versions)-1].seq
}

// Store is a single in-memory keyspace shared by all transactions opened
// against it.
type Store struct {
	mu      sync.Mutex
	rows    map[string]*row
	nextSeq uint64
	closed  bool
}

func New() *Store {
	return &Store{rows: make(map[string]*row), nextSeq: 1}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) Begin(ctx context.Context) (kv.Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fserrors.Wrap("Begin", fserrors.Other, errClosed)
	}
	return &Txn{
		store:    s,
		startSeq: s.nextSeq - 1,
		writes:   make(map[string][]byte),
		deletes:  make(map[string]bool),
		reads:    make(map[string]uint64),
	}, nil
}

var errClosed = storeClosedErr{}

type storeClosedErr struct{}

func (storeClosedErr) Error() string { return "memkv: store closed" }

// Txn is one optimistic transaction against a Store.
type Txn struct {
	store    *Store
	startSeq uint64

	mu      sync.Mutex
	writes  map[string][]byte // pending Set
	deletes map[string]bool   // pending Delete
	reads   map[string]uint64 // key -> seq observed at read time
	done    bool
}

func (t *Txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	k := string(key)

	t.mu.Lock()
	if t.deletes[k] {
		t.mu.Unlock()
		return nil, kv.ErrNotFound
	}
	if v, ok := t.writes[k]; ok {
		t.mu.Unlock()
		return append([]byte(nil), v...), nil
	}
	t.mu.Unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	r, ok := t.store.rows[k]
	if !ok {
		t.noteRead(k, 0)
		return nil, kv.ErrNotFound
	}
	v, present := r.valueAt(t.startSeq)
	t.noteRead(k, r.latestSeqAtOrBefore(t.startSeq))
	if !present {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (r *row) latestSeqAtOrBefore(seq uint64) uint64 {
	var latest uint64
	for _, v := range r.versions {
		if v.seq <= seq {
			latest = v.seq
		}
	}
	return latest
}

func (t *Txn) noteRead(k string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.reads[k]; !ok {
		t.reads[k] = seq
	}
}

func (t *Txn) Set(ctx context.Context, key, value []byte) error {
	k := string(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deletes, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *Txn) Delete(ctx context.Context, key []byte) error {
	k := string(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.writes, k)
	t.deletes[k] = true
	return nil
}

func (t *Txn) Iter(ctx context.Context, lower, upper []byte, limit int) (kv.Iterator, error) {
	if limit <= 0 || limit > keyspace.ScanLimit {
		limit = keyspace.ScanLimit
	}

	seen := make(map[string]bool)
	var kvs []kv.KeyValue

	t.mu.Lock()
	for k, v := range t.writes {
		if inRange(k, lower, upper) {
			kvs = append(kvs, kv.KeyValue{Key: []byte(k), Value: append([]byte(nil), v...)})
			seen[k] = true
		}
	}
	for k := range t.deletes {
		seen[k] = true
	}
	t.mu.Unlock()

	t.store.mu.Lock()
	for k, r := range t.store.rows {
		if seen[k] || !inRange(k, lower, upper) {
			continue
		}
		if v, ok := r.valueAt(t.startSeq); ok {
			kvs = append(kvs, kv.KeyValue{Key: []byte(k), Value: append([]byte(nil), v...)})
		}
	}
	t.store.mu.Unlock()

	sort.Slice(kvs, func(i, j int) bool { return bytes.Compare(kvs[i].Key, kvs[j].Key) < 0 })
	if len(kvs) > limit {
		kvs = kvs[:limit]
	}

	return &iterator{rows: kvs, idx: -1}, nil
}

func inRange(k string, lower, upper []byte) bool {
	kb := []byte(k)
	if lower != nil && bytes.Compare(kb, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(kb, upper) >= 0 {
		return false
	}
	return true
}

// Commit applies buffered writes if no key this transaction read through Get
// or wrote has been committed by another transaction since it began.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return fserrors.Wrap("Commit", fserrors.Other, errAlreadyDone)
	}
	t.done = true
	reads := t.reads
	writes := t.writes
	deletes := t.deletes
	t.mu.Unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	// Anything this transaction read must still be at the version it saw.
	for k, sawSeq := range reads {
		if r, ok := t.store.rows[k]; ok && r.latestSeq() != sawSeq {
			return kv.ClassifyCommitErr("Commit", errWriteConflict)
		}
	}
	// A blind write/delete (no prior Get) still conflicts if the row has
	// been committed to since this transaction began.
	conflicts := func(k string) bool {
		r, ok := t.store.rows[k]
		if !ok {
			return false
		}
		if _, read := reads[k]; read {
			return false // already checked above
		}
		return r.latestSeq() > t.startSeq
	}
	for k := range writes {
		if conflicts(k) {
			return kv.ClassifyCommitErr("Commit", errWriteConflict)
		}
	}
	for k := range deletes {
		if conflicts(k) {
			return kv.ClassifyCommitErr("Commit", errWriteConflict)
		}
	}

	seq := t.store.nextSeq
	t.store.nextSeq++

	for k, v := range writes {
		r, ok := t.store.rows[k]
		if !ok {
			r = &row{}
			t.store.rows[k] = r
		}
		r.versions = append(r.versions, version{seq: seq, value: v})
	}
	for k := range deletes {
		r, ok := t.store.rows[k]
		if !ok {
			r = &row{}
			t.store.rows[k] = r
		}
		r.versions = append(r.versions, version{seq: seq, deleted: true})
	}

	return nil
}

func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	return nil
}

var errAlreadyDone = txnDoneErr{}

type txnDoneErr struct{}

func (txnDoneErr) Error() string { return "memkv: transaction already committed or rolled back" }

// errWriteConflict is kv.ErrConflict itself so ClassifyCommitErr's
// errors.Is check recognizes it without memkv needing its own Kind mapping.
var errWriteConflict = kv.ErrConflict

type iterator struct {
	rows []kv.KeyValue
	idx  int
}

func (it *iterator) Next() bool {
	it.idx++
	return it.idx < len(it.rows)
}

func (it *iterator) KeyValue() kv.KeyValue {
	return it.rows[it.idx]
}

func (it *iterator) Err() error {
	return nil
}

func (it *iterator) Close() error {
	return nil
}
