// Copyright 2024 The Blockfs Authors.
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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/blockfs-io/blockfs/internal/block"
	"github.com/blockfs-io/blockfs/internal/blocklog"
	"github.com/blockfs-io/blockfs/internal/blockfs"
	"github.com/blockfs-io/blockfs/internal/metrics"
)

var mountCmd = &cobra.Command{
	Use:   "mount [path]",
	Short: "Mount a blockfs disk image and serve until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runMount,
}

func runMount(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := blocklog.New(blocklog.Config{
		Level:    string(conf.Log.Level),
		Format:   conf.Log.Format,
		FilePath: conf.Log.FilePath,
	})

	sectors := conf.Device.Sectors
	if sectors == 0 {
		info, err := os.Stat(args[0])
		if err != nil {
			return fmt.Errorf("stat %s: %w (pass device.sectors for a new image)", args[0], err)
		}
		sectors = uint32(info.Size() / block.SectorSize)
	}

	dev, err := block.OpenFileDevice(args[0], sectors)
	if err != nil {
		return fmt.Errorf("open device %s: %w", args[0], err)
	}
	defer dev.Close()

	mountCfg := blockfs.MountConfig{
		CacheFrames:       conf.Cache.Frames,
		WriteBackInterval: conf.Cache.WriteBackInterval,
		Logger:            logger,
	}

	var stopMetrics func(context.Context) error
	if conf.Metrics.Enabled {
		provider, err := metrics.Provider()
		if err != nil {
			return fmt.Errorf("start metrics provider: %w", err)
		}
		cacheMetrics, err := metrics.NewCache()
		if err != nil {
			return fmt.Errorf("build cache metrics: %w", err)
		}
		mountCfg.Metrics = cacheMetrics

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: conf.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		stopMetrics = func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			return provider.Shutdown(ctx)
		}
	}

	ctx := context.Background()
	fs, err := blockfs.Mount(ctx, dev, mountCfg)
	if err != nil {
		return fmt.Errorf("mount %s: %w", args[0], err)
	}

	if conf.Metrics.Enabled {
		if err := metrics.RegisterInodeGauge(fs.InodeLayer()); err != nil {
			logger.Error("register inode gauge failed", "error", err)
		}
	}

	logger.Info("file system mounted", "device", args[0], "root_sector", fs.RootSector())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if stopMetrics != nil {
		if err := stopMetrics(ctx); err != nil {
			logger.Error("metrics shutdown failed", "error", err)
		}
	}
	return fs.Close(ctx)
}
