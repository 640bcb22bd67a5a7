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

// Package blockfs wires the buffer cache, free-map, inode layer and
// directory layer together behind a small mount/format surface:
// formatting a fresh device, mounting an existing one, and the
// create/open/remove/readdir operations a mounted file system exposes.
package blockfs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blockfs-io/blockfs/internal/block"
	"github.com/blockfs-io/blockfs/internal/bufcache"
	"github.com/blockfs-io/blockfs/internal/directory"
	"github.com/blockfs-io/blockfs/internal/file"
	"github.com/blockfs-io/blockfs/internal/freemap"
	"github.com/blockfs-io/blockfs/internal/inode"
)

// FreemapStartSector is the first sector of the on-disk bitmap image.
// Sector 0 is reserved ahead of it.
const FreemapStartSector uint32 = 1

// DefaultRootCapacity is the number of directory-entry slots the root
// directory is formatted with when the caller doesn't specify one.
const DefaultRootCapacity = 16

// RootDirSector returns the sector the root directory inode occupies on
// a device of totalSectors, immediately following the free-map bitmap.
func RootDirSector(totalSectors uint32) uint32 {
	return FreemapStartSector + freemap.SectorsForBits(totalSectors)
}

// MountConfig configures Mount. Zero values fall back to the buffer
// cache's own defaults.
type MountConfig struct {
	CacheFrames       int
	WriteBackInterval time.Duration
	Metrics           bufcache.Metrics
	Logger            *slog.Logger
}

// FS is one mounted file system: a block device plus the cache,
// free-map, and inode layer built over it.
type FS struct {
	dev        block.Device
	cache      *bufcache.Cache
	fm         *freemap.Map
	layer      *inode.Layer
	rootSector uint32
	log        *slog.Logger
}

// Format lays out a fresh file system on dev: a free-map bitmap sized to
// the device, followed immediately by an empty root directory with room
// for rootCapacity entries (DefaultRootCapacity if rootCapacity <= 0).
func Format(ctx context.Context, dev block.Device, rootCapacity int) error {
	total := dev.SectorCount()
	root := RootDirSector(total)

	fm, err := freemap.Create(ctx, dev, FreemapStartSector, total, []uint32{root})
	if err != nil {
		return fmt.Errorf("blockfs: format: %w", err)
	}

	cache := bufcache.New(ctx, dev, bufcache.DefaultFrameCount, bufcache.DefaultWriteBackInterval)
	layer := inode.NewLayer(cache, fm)

	if rootCapacity <= 0 {
		rootCapacity = DefaultRootCapacity
	}
	if err := directory.Create(ctx, layer, root, root, rootCapacity); err != nil {
		_ = cache.Close(ctx)
		return fmt.Errorf("blockfs: format: create root directory: %w", err)
	}

	if err := cache.Close(ctx); err != nil {
		return fmt.Errorf("blockfs: format: %w", err)
	}
	return fm.Flush(ctx)
}

// Mount opens an existing file system on dev.
func Mount(ctx context.Context, dev block.Device, cfg MountConfig) (*FS, error) {
	total := dev.SectorCount()
	root := RootDirSector(total)

	fm, err := freemap.Open(ctx, dev, FreemapStartSector, total)
	if err != nil {
		return nil, fmt.Errorf("blockfs: mount: %w", err)
	}

	var opts []bufcache.Option
	if cfg.Metrics != nil {
		opts = append(opts, bufcache.WithMetrics(cfg.Metrics))
	}
	cache := bufcache.New(ctx, dev, cfg.CacheFrames, cfg.WriteBackInterval, opts...)
	layer := inode.NewLayer(cache, fm)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FS{dev: dev, cache: cache, fm: fm, layer: layer, rootSector: root, log: logger}, nil
}

// RootSector returns the sector of the mounted root directory.
func (fs *FS) RootSector() uint32 { return fs.rootSector }

// InodeLayer exposes the mounted inode layer for diagnostics and metrics
// registration (e.g. metrics.RegisterInodeGauge); ordinary callers should
// prefer FS's own Create/Open/Remove/Readdir surface.
func (fs *FS) InodeLayer() *inode.Layer { return fs.layer }

// Close stops the cache's background workers, then flushes every dirty
// frame and the free-map bitmap. It does not close the underlying
// device.
func (fs *FS) Close(ctx context.Context) error {
	if err := fs.cache.Close(ctx); err != nil {
		return fmt.Errorf("blockfs: close: %w", err)
	}
	if err := fs.fm.Flush(ctx); err != nil {
		return fmt.Errorf("blockfs: close: %w", err)
	}
	fs.log.Debug("file system unmounted")
	return nil
}

// Mkdir creates a new, empty directory at path.
func (fs *FS) Mkdir(ctx context.Context, path string, capacity int) error {
	return fs.create(ctx, path, true, capacity)
}

// Create creates a new, empty regular file at path.
func (fs *FS) Create(ctx context.Context, path string) error {
	return fs.create(ctx, path, false, 0)
}

func (fs *FS) create(ctx context.Context, path string, isDir bool, capacity int) error {
	parent, name, err := directory.Resolve(ctx, fs.layer, fs.rootSector, fs.rootSector, path, directory.ModeParent)
	if err != nil {
		return fmt.Errorf("blockfs: create %s: %w", path, err)
	}
	defer fs.layer.Close(ctx, parent)

	if _, found, err := directory.Lookup(ctx, fs.layer, parent, name); err != nil {
		return fmt.Errorf("blockfs: create %s: %w", path, err)
	} else if found {
		return fmt.Errorf("blockfs: create %s: %w", path, directory.ErrExists)
	}

	sector, ok := fs.fm.Allocate(ctx, 1)
	if !ok {
		return fmt.Errorf("blockfs: create %s: %w", path, inode.ErrNoSpace)
	}

	if isDir {
		if capacity <= 0 {
			capacity = DefaultRootCapacity
		}
		if err := directory.Create(ctx, fs.layer, sector, parent.Sector(), capacity); err != nil {
			fs.fm.Release(ctx, sector, 1)
			return fmt.Errorf("blockfs: create %s: %w", path, err)
		}
	} else if err := fs.layer.Create(ctx, sector, 0, false); err != nil {
		fs.fm.Release(ctx, sector, 1)
		return fmt.Errorf("blockfs: create %s: %w", path, err)
	}

	if err := directory.Add(ctx, fs.layer, parent, name, sector); err != nil {
		fs.fm.Release(ctx, sector, 1)
		return fmt.Errorf("blockfs: create %s: %w", path, err)
	}
	return nil
}

// Open resolves path and returns a positional File handle over it.
func (fs *FS) Open(ctx context.Context, path string, denyWrite bool) (*file.File, error) {
	h, _, err := directory.Resolve(ctx, fs.layer, fs.rootSector, fs.rootSector, path, directory.ModeFinal)
	if err != nil {
		return nil, fmt.Errorf("blockfs: open %s: %w", path, err)
	}
	return file.Open(fs.layer, h, denyWrite), nil
}

// Remove unlinks path. Removing a non-empty directory fails with
// directory.ErrNotEmpty.
func (fs *FS) Remove(ctx context.Context, path string) error {
	parent, name, err := directory.Resolve(ctx, fs.layer, fs.rootSector, fs.rootSector, path, directory.ModeParent)
	if err != nil {
		return fmt.Errorf("blockfs: remove %s: %w", path, err)
	}
	defer fs.layer.Close(ctx, parent)

	if err := directory.Remove(ctx, fs.layer, parent, name); err != nil {
		return fmt.Errorf("blockfs: remove %s: %w", path, err)
	}
	return nil
}

// Readdir lists the entries of the directory at path.
func (fs *FS) Readdir(ctx context.Context, path string) ([]string, error) {
	h, _, err := directory.Resolve(ctx, fs.layer, fs.rootSector, fs.rootSector, path, directory.ModeFinal)
	if err != nil {
		return nil, fmt.Errorf("blockfs: readdir %s: %w", path, err)
	}
	defer fs.layer.Close(ctx, h)

	isDir, err := fs.layer.IsDirectory(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("blockfs: readdir %s: %w", path, err)
	}
	if !isDir {
		return nil, fmt.Errorf("blockfs: readdir %s: %w", path, directory.ErrNotDirectory)
	}

	d := directory.WrapHandle(h)
	var names []string
	for {
		name, ok, err := directory.Readdir(ctx, fs.layer, d)
		if err != nil {
			return nil, fmt.Errorf("blockfs: readdir %s: %w", path, err)
		}
		if !ok {
			break
		}
		names = append(names, name)
	}
	return names, nil
}
