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

package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tikv-fs/tikvfs/internal/clock"
	"github.com/tikv-fs/tikvfs/internal/config"
	"github.com/tikv-fs/tikvfs/internal/fsops"
	"github.com/tikv-fs/tikvfs/internal/fuseserver"
	"github.com/tikv-fs/tikvfs/internal/kv"
	"github.com/tikv-fs/tikvfs/internal/kv/memkv"
	"github.com/tikv-fs/tikvfs/internal/logger"
	"github.com/tikv-fs/tikvfs/internal/metrics"
)

const fsName = "tikvfs"

func runMount(ctx context.Context, mountPoint string, cfg config.Config) error {
	logger.SetLevel(logLevelFromString(cfg.LogLevel))

	// mountID identifies this mount instance in its startup log line,
	// alongside the mount point; later log lines do not carry it.
	mountID := uuid.New().String()
	logger.Infof("starting mount %s (id=%s)", mountPoint, mountID)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening KV store: %w", err)
	}
	defer store.Close()

	var m *metrics.Metrics
	reg := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		m = metrics.New(reg)
	}

	dispatcher := fsops.New(fsops.Config{
		Store:      store,
		Clock:      clock.RealClock{},
		RetryDelay: cfg.RetryDelay,
		MaxRetries: cfg.MaxRetries,
		DirectIO:   cfg.DirectIO,
		LockPoll:   cfg.LockPoll,
		Metrics:    m,
	})

	if err := dispatcher.Init(ctx); err != nil {
		return fmt.Errorf("initializing root directory: %w", err)
	}

	server := fuseutil.NewFileSystemServer(fuseserver.New(dispatcher))

	mountCfg := &fuse.MountConfig{
		FSName:               fsName,
		Subtype:              fsName,
		VolumeName:           fsName,
		ErrorLogger:          logger.NewLegacyLogger(logger.LevelError, "fuse: "),
		DebugLogger:          logger.NewLegacyLogger(logger.LevelDebug, "fuse_debug: "),
		EnableParallelDirOps: true,
	}

	logger.Infof("mounting %s at %q", fsName, mountPoint)
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("fuse.Mount: %w", err)
	}

	// The FUSE serve loop and the metrics endpoint are independent
	// goroutines of this mount's lifetime; errgroup ties their exits
	// together so a metrics server crash doesn't leave the mount running
	// unobserved, and a failed mount cancels the metrics server in turn.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mfs.Join(gctx)
	})
	if cfg.MetricsEnabled {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, reg)
		})
	}
	return g.Wait()
}

// openStore dials the real TiKV cluster, or falls back to the in-memory
// reference backend for local development and tests, per spec.md §6's
// use-mem-store escape hatch.
func openStore(cfg config.Config) (kv.Store, error) {
	if cfg.UseMemStore {
		logger.Warnf("using in-memory KV backend; no data is durable")
		return memkv.New(), nil
	}
	return kv.Dial(cfg.PDEndpoints)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func logLevelFromString(s string) logger.Level {
	switch s {
	case "trace":
		return logger.LevelTrace
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	case "off":
		return logger.LevelOff
	default:
		return logger.LevelInfo
	}
}
