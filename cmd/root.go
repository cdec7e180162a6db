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

// Package cmd is the CLI entry point, structured the way the teacher's
// cmd/root.go binds a cfg.Config to cobra persistent flags and layers viper
// on top for an optional config file.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tikv-fs/tikvfs/internal/config"
)

var (
	cfgFile     string
	bindErr     error
	initErr     error
	MountConfig config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tikvfs [flags] mount_point",
	Short: "Mount a POSIX filesystem backed by a TiKV cluster",
	Long: `tikvfs is a userspace FUSE filesystem whose durable state lives
entirely in a distributed, transactional key-value store. Every
operation is a single optimistic transaction against that store,
retried on write conflict.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if initErr != nil {
			return initErr
		}
		if err := MountConfig.Validate(); err != nil {
			return err
		}
		mountPoint, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving mount point: %w", err)
		}
		return runMount(cmd.Context(), mountPoint, MountConfig)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to a YAML config file")
	bindErr = config.BindFlags(rootCmd.PersistentFlags())
	if bindErr == nil {
		bindErr = viper.BindPFlags(rootCmd.PersistentFlags())
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}

	cfg, err := config.Decode(viper.AllSettings())
	if err != nil {
		initErr = err
		return
	}
	MountConfig = cfg
}
