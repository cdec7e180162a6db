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

// Package block implements the sparse block-store reads/writes that back
// regular-file data, grounded on the range-scan-then-stitch pattern the
// teacher's fs/inode/file.go uses to assemble a read from a GCS object's
// byte range, adapted to keyspace.BlockKey rows instead of HTTP ranges.
package block

import (
	"bytes"
	"context"

	"github.com/tikv-fs/tikvfs/internal/keyspace"
	"github.com/tikv-fs/tikvfs/internal/kv"
)

// Store reads and writes inodes' block ranges within one transaction; the
// inode number is an argument of each call. It never commits; the caller's Spin Driver iteration owns
// the transaction lifecycle.
type Store struct {
	txn       kv.Txn
	blockSize uint64
}

func NewStore(txn kv.Txn, blockSize uint64) *Store {
	return &Store{txn: txn, blockSize: blockSize}
}

// Read fetches [start, start+length) of ino's data, truncated to size (the
// inode's current Size field). Missing blocks contribute zero bytes, per
// spec.md §4.D.
func (s *Store) Read(ctx context.Context, ino uint64, start, length, size uint64) ([]byte, error) {
	if start >= size || length == 0 {
		return nil, nil
	}
	if start+length > size {
		length = size - start
	}

	firstBlock := start / s.blockSize
	lastBlock := (start + length - 1) / s.blockSize

	lo, hi := keyspace.BlockRange(ino, firstBlock, lastBlock+1)
	blocks := make(map[uint64][]byte)

	for {
		it, err := s.txn.Iter(ctx, lo, hi, keyspace.ScanLimit)
		if err != nil {
			return nil, err
		}
		var n int
		var last []byte
		for it.Next() {
			kvPair := it.KeyValue()
			n++
			last = kvPair.Key
			if idx, ok := keyspace.ParseBlockIndex(ino, kvPair.Key); ok {
				blocks[idx] = kvPair.Value
			}
		}
		itErr := it.Err()
		it.Close()
		if itErr != nil {
			return nil, itErr
		}
		if n < keyspace.ScanLimit {
			break
		}
		lo = append(bytes.Clone(last), 0)
	}

	out := make([]byte, 0, length)
	remaining := length
	offsetInBlock := start % s.blockSize

	for idx := firstBlock; idx <= lastBlock; idx++ {
		b := blocks[idx] // nil if absent: zero-filled

		blockStart := offsetInBlock
		blockEnd := s.blockSize
		if uint64(blockEnd)-blockStart > remaining {
			blockEnd = blockStart + remaining
		}

		chunk := make([]byte, blockEnd-blockStart)
		if b != nil {
			end := blockEnd
			if end > uint64(len(b)) {
				end = uint64(len(b))
			}
			if blockStart < end {
				copy(chunk, b[blockStart:end])
			}
		}

		out = append(out, chunk...)
		remaining -= uint64(len(chunk))
		offsetInBlock = 0
	}

	return out, nil
}

// Write stores data at [start, start+len(data)) of ino, read-modify-writing
// any block that isn't fully overwritten. Returns the new size (the caller
// is responsible for persisting it on the inode record along with the new
// block count).
func (s *Store) Write(ctx context.Context, ino uint64, start uint64, data []byte, curSize uint64) (newSize uint64, newBlocks uint64, err error) {
	if len(data) == 0 {
		newBlocks, err = s.CountBlocks(ctx, ino)
		return curSize, newBlocks, err
	}

	firstBlock := start / s.blockSize
	lastBlock := (start + uint64(len(data)) - 1) / s.blockSize

	remaining := data
	offsetInBlock := start % s.blockSize

	for idx := firstBlock; idx <= lastBlock; idx++ {
		blockStart := offsetInBlock
		writeLen := s.blockSize - blockStart
		if uint64(len(remaining)) < writeLen {
			writeLen = uint64(len(remaining))
		}

		fullWidth := blockStart == 0 && writeLen == s.blockSize

		var block []byte
		if fullWidth {
			block = make([]byte, s.blockSize)
		} else {
			existing, getErr := s.txn.Get(ctx, keyspace.BlockKey(ino, idx))
			if getErr != nil && !kv.IsNotFound(getErr) {
				return 0, 0, getErr
			}
			block = make([]byte, s.blockSize)
			copy(block, existing)
		}

		copy(block[blockStart:blockStart+writeLen], remaining[:writeLen])

		if err := s.txn.Set(ctx, keyspace.BlockKey(ino, idx), block); err != nil {
			return 0, 0, err
		}

		remaining = remaining[writeLen:]
		offsetInBlock = 0
	}

	newSize = curSize
	if end := start + uint64(len(data)); end > newSize {
		newSize = end
	}
	newBlocks, err = s.CountBlocks(ctx, ino)
	if err != nil {
		return 0, 0, err
	}
	return newSize, newBlocks, nil
}

// CountBlocks returns the number of block keys actually persisted for ino,
// independent of its logical size. A fallocate'd hole or a sparse write far
// past the previous end of file only materializes the blocks it touches, so
// this is not generally ceil(size/blockSize).
func (s *Store) CountBlocks(ctx context.Context, ino uint64) (uint64, error) {
	lo, hi := keyspace.BlockRangeAll(ino)
	var count uint64
	for {
		it, err := s.txn.Iter(ctx, lo, hi, keyspace.ScanLimit)
		if err != nil {
			return 0, err
		}
		var n int
		var last []byte
		for it.Next() {
			n++
			last = it.KeyValue().Key
		}
		itErr := it.Err()
		it.Close()
		if itErr != nil {
			return 0, itErr
		}
		count += uint64(n)
		if n < keyspace.ScanLimit {
			return count, nil
		}
		lo = append(bytes.Clone(last), 0)
	}
}

// Clear deletes every block of ino.
func (s *Store) Clear(ctx context.Context, ino uint64) error {
	lo, hi := keyspace.BlockRangeAll(ino)
	for {
		it, err := s.txn.Iter(ctx, lo, hi, keyspace.ScanLimit)
		if err != nil {
			return err
		}
		var keys [][]byte
		for it.Next() {
			keys = append(keys, it.KeyValue().Key)
		}
		itErr := it.Err()
		it.Close()
		if itErr != nil {
			return itErr
		}
		if len(keys) == 0 {
			return nil
		}
		for _, k := range keys {
			if err := s.txn.Delete(ctx, k); err != nil {
				return err
			}
		}
		if len(keys) < keyspace.ScanLimit {
			return nil
		}
		lo = append(bytes.Clone(keys[len(keys)-1]), 0)
	}
}
