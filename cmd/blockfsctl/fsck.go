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
	"os"

	"github.com/spf13/cobra"

	"github.com/blockfs-io/blockfs/internal/block"
	"github.com/blockfs-io/blockfs/internal/blockfs"
	"github.com/blockfs-io/blockfs/internal/bufcache"
	"github.com/blockfs-io/blockfs/internal/directory"
	"github.com/blockfs-io/blockfs/internal/freemap"
	"github.com/blockfs-io/blockfs/internal/inode"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck [path]",
	Short: "Walk a blockfs disk image and report unreachable or double-claimed sectors",
	Args:  cobra.ExactArgs(1),
	RunE:  runFsck,
}

// fsckWalker accumulates the set of sectors reachable from the root
// directory by following every live directory entry and every block
// an inode claims.
type fsckWalker struct {
	ctx        context.Context
	layer      *inode.Layer
	reachable  map[uint32]bool
	crossClaim []uint32
}

func (w *fsckWalker) mark(sector uint32) error {
	if w.reachable[sector] {
		w.crossClaim = append(w.crossClaim, sector)
		return nil
	}
	w.reachable[sector] = true
	return nil
}

func (w *fsckWalker) walk(sector uint32) error {
	if err := w.mark(sector); err != nil {
		return err
	}

	h := w.layer.Open(sector)
	defer w.layer.Close(w.ctx, h)

	if err := w.layer.WalkBlocks(w.ctx, h, w.mark); err != nil {
		return fmt.Errorf("walk blocks of sector %d: %w", sector, err)
	}

	isDir, err := w.layer.IsDirectory(w.ctx, h)
	if err != nil {
		return fmt.Errorf("check directory bit of sector %d: %w", sector, err)
	}
	if !isDir {
		return nil
	}

	entries, err := directory.List(w.ctx, w.layer, h)
	if err != nil {
		return fmt.Errorf("list directory at sector %d: %w", sector, err)
	}
	for _, e := range entries {
		if err := w.walk(e.Sector); err != nil {
			return err
		}
	}
	return nil
}

func runFsck(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sectors := conf.Device.Sectors
	if sectors == 0 {
		info, err := os.Stat(args[0])
		if err != nil {
			return fmt.Errorf("stat %s: %w", args[0], err)
		}
		sectors = uint32(info.Size() / block.SectorSize)
	}

	dev, err := block.OpenFileDevice(args[0], sectors)
	if err != nil {
		return fmt.Errorf("open device %s: %w", args[0], err)
	}
	defer dev.Close()

	ctx := context.Background()

	fm, err := freemap.Open(ctx, dev, blockfs.FreemapStartSector, dev.SectorCount())
	if err != nil {
		return fmt.Errorf("open free-map: %w", err)
	}

	cache := bufcache.New(ctx, dev, bufcache.DefaultFrameCount, bufcache.DefaultWriteBackInterval)
	defer cache.Close(ctx)
	layer := inode.NewLayer(cache, fm)

	w := &fsckWalker{ctx: ctx, layer: layer, reachable: make(map[uint32]bool)}
	root := blockfs.RootDirSector(dev.SectorCount())
	if err := w.walk(root); err != nil {
		return fmt.Errorf("fsck %s: %w", args[0], err)
	}

	mapSectors := freemap.SectorsForBits(dev.SectorCount())
	reserved := func(s uint32) bool {
		return s == 0 || s == root || (s >= blockfs.FreemapStartSector && s < blockfs.FreemapStartSector+mapSectors)
	}

	var orphaned []uint32
	for s := uint32(0); s < fm.Total(); s++ {
		if fm.IsAllocated(s) && !w.reachable[s] && !reserved(s) {
			orphaned = append(orphaned, s)
		}
	}

	fmt.Printf("fsck %s: %d sectors reachable from root (sector %d)\n", args[0], len(w.reachable), root)
	if len(w.crossClaim) > 0 {
		fmt.Printf("cross-claimed sectors (reachable more than once): %v\n", w.crossClaim)
	}
	if len(orphaned) > 0 {
		fmt.Printf("allocated but unreachable sectors: %v\n", orphaned)
	}
	if len(w.crossClaim) == 0 && len(orphaned) == 0 {
		fmt.Println("no inconsistencies found")
	}
	return nil
}
