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

// Package spin implements the Spin/Retry Driver: it runs a closure against
// a fresh optimistic transaction, retrying on KeyError (the KV store's
// conflict signal) and aborting immediately on anything else, grounded on
// the bounded-retry-with-backoff shape of the teacher's
// gcsx.RetryConnection helpers adapted from "retry the RPC" to "retry the
// transaction".
package spin

import (
	"context"
	"time"

	"github.com/tikv-fs/tikvfs/internal/fserrors"
	"github.com/tikv-fs/tikvfs/internal/kv"
	"github.com/tikv-fs/tikvfs/internal/metrics"
)

// Options tunes the retry loop. A zero Options uses no delay and no cap
// (spec.md §4.F describes the delay as optional).
type Options struct {
	RetryDelay time.Duration
	MaxRetries int // retries after the first attempt; 0 means unbounded

	// Metrics is optional; when set, every conflict-driven retry increments
	// its SpinRetries counter.
	Metrics *metrics.Metrics
}

// Driver runs transactional closures against a kv.Store under Options.
type Driver struct {
	store kv.Store
	opts  Options
}

func New(store kv.Store, opts Options) *Driver {
	return &Driver{store: store, opts: opts}
}

func (d *Driver) countRetry() {
	if d.opts.Metrics != nil {
		d.opts.Metrics.SpinRetries.Inc()
	}
}

// Fn is one transactional unit of work. It must be idempotent with respect
// to anything outside the transaction it's given, since it may run more
// than once per Run call (spec.md §9).
type Fn func(ctx context.Context, txn kv.Txn) error

// Run begins a transaction, invokes fn, and commits. On a KeyError it
// begins again; any other error rolls back and is returned as-is.
func (d *Driver) Run(ctx context.Context, fn Fn) error {
	attempt := 0
	for {
		attempt++

		txn, err := d.store.Begin(ctx)
		if err != nil {
			return err
		}

		if err := fn(ctx, txn); err != nil {
			_ = txn.Rollback()
			if fserrors.IsRetryable(err) {
				if d.opts.MaxRetries > 0 && attempt > d.opts.MaxRetries {
					return err
				}
				d.countRetry()
				if err := d.wait(ctx); err != nil {
					return err
				}
				continue
			}
			return err
		}

		if err := txn.Commit(ctx); err != nil {
			if fserrors.IsRetryable(err) {
				if d.opts.MaxRetries > 0 && attempt > d.opts.MaxRetries {
					return err
				}
				d.countRetry()
				if err := d.wait(ctx); err != nil {
					return err
				}
				continue
			}
			return err
		}

		return nil
	}
}

func (d *Driver) wait(ctx context.Context) error {
	if d.opts.RetryDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(d.opts.RetryDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FnResult is the typed variant of Fn for callers (Run1) that need a value
// out of a successful closure, e.g. MakeInode's new inode record.
type FnResult[T any] func(ctx context.Context, txn kv.Txn) (T, error)

// Run1 is Run, but for closures that return a value alongside the error.
func Run1[T any](ctx context.Context, d *Driver, fn FnResult[T]) (T, error) {
	var result T
	err := d.Run(ctx, func(ctx context.Context, txn kv.Txn) error {
		v, err := fn(ctx, txn)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// RunLockLoop implements setlkw: it re-invokes fn (which returns granted,
// err) inside an unbounded loop, spinning on granted==false rather than on
// KV conflict, per spec.md §4.F. Each iteration still runs inside its own
// Spin Driver transaction via Run1, so a KV conflict during the lock
// transition itself is retried transparently.
func (d *Driver) RunLockLoop(ctx context.Context, pollDelay time.Duration, fn FnResult[bool]) error {
	waited := false
	for {
		granted, err := Run1(ctx, d, fn)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		if !waited && d.opts.Metrics != nil {
			d.opts.Metrics.LockWaits.Inc()
		}
		waited = true
		select {
		case <-time.After(pollDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
