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

// Package config defines the engine's configuration record, bound from
// flags and an optional config file the way the teacher's cfg.Config is
// bound via cobra PersistentFlags plus viper.Unmarshal in cmd/root.go.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
)

// Config is the full set of mount-time parameters: PD endpoints and KV
// store connection settings are construction parameters per spec.md §6,
// alongside the one recognized mount option (direct_io) and the Spin
// Driver's retry tuning.
type Config struct {
	// KV store.
	PDEndpoints []string `mapstructure:"pd-endpoints"`

	// Mount options (spec.md §6).
	DirectIO bool `mapstructure:"direct-io"`

	// Spin/Retry Driver tuning (spec.md §4.F).
	RetryDelay time.Duration `mapstructure:"retry-delay"`
	MaxRetries int           `mapstructure:"max-retries"`
	LockPoll   time.Duration `mapstructure:"lock-poll-interval"`

	// Logging.
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	// Metrics.
	MetricsEnabled bool   `mapstructure:"metrics-enabled"`
	MetricsAddr    string `mapstructure:"metrics-addr"`

	// In-memory backend for tests and local development, bypassing a real
	// TiKV cluster entirely.
	UseMemStore bool `mapstructure:"use-mem-store"`
}

// Default returns the configuration baseline applied before flags and any
// config file are layered on top.
func Default() Config {
	return Config{
		RetryDelay:  2 * time.Millisecond,
		MaxRetries:  0,
		LockPoll:    10 * time.Millisecond,
		LogLevel:    "info",
		LogFormat:   "text",
		MetricsAddr: ":9100",
	}
}

// BindFlags registers every Config field as a persistent flag, the way the
// teacher's cfg.BindFlags does for its own Config, so Decode can later
// populate a Config value from viper's merged flags, env, and config file.
func BindFlags(fs *pflag.FlagSet) error {
	d := Default()
	fs.StringSlice("pd-endpoints", nil, "PD endpoints of the backing TiKV cluster")
	fs.Bool("direct-io", d.DirectIO, "report DIRECT_IO on every open")
	fs.Duration("retry-delay", d.RetryDelay, "delay between Spin Driver retries on KV conflict")
	fs.Int("max-retries", d.MaxRetries, "max Spin Driver retries (0 = unbounded)")
	fs.Duration("lock-poll-interval", d.LockPoll, "poll interval for blocking setlk")
	fs.String("log-level", d.LogLevel, "trace|debug|info|warn|error|off")
	fs.String("log-format", d.LogFormat, "text|json (not applied: logs are always text)")
	fs.Bool("metrics-enabled", false, "serve Prometheus metrics")
	fs.String("metrics-addr", d.MetricsAddr, "listen address for the metrics endpoint")
	fs.Bool("use-mem-store", false, "use the in-memory reference KV backend instead of TiKV")
	return nil
}

// Decode converts an untyped map (as produced by viper.AllSettings) into a
// Config using mapstructure, the way the teacher layers mapstructure atop
// viper for nested config-file unmarshaling.
func Decode(raw map[string]interface{}) (Config, error) {
	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Config{}, fmt.Errorf("config: building decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("config: decoding: %w", err)
	}
	return cfg, nil
}

// Validate rejects obviously-unusable configurations before mount.
func (c Config) Validate() error {
	if !c.UseMemStore && len(c.PDEndpoints) == 0 {
		return fmt.Errorf("config: pd-endpoints is required unless use-mem-store is set")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max-retries must be >= 0")
	}
	return nil
}
