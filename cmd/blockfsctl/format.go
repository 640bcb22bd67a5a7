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

	"github.com/spf13/cobra"

	"github.com/blockfs-io/blockfs/internal/block"
	"github.com/blockfs-io/blockfs/internal/blockfs"
)

// defaultSectorCount is used when device.sectors isn't set. An existing
// image is resized to this many sectors; its current size is not read.
const defaultSectorCount = 65536

var formatCmd = &cobra.Command{
	Use:   "format [path]",
	Short: "Create a fresh blockfs disk image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sectors := conf.Device.Sectors
		if sectors == 0 {
			sectors = defaultSectorCount
		}

		dev, err := block.OpenFileDevice(args[0], sectors)
		if err != nil {
			return fmt.Errorf("open device %s: %w", args[0], err)
		}
		defer dev.Close()

		ctx := context.Background()
		if err := blockfs.Format(ctx, dev, conf.RootDir.Capacity); err != nil {
			return fmt.Errorf("format %s: %w", args[0], err)
		}

		fmt.Printf("formatted %s: %d sectors, root capacity %d\n", args[0], dev.SectorCount(), conf.RootDir.Capacity)
		return nil
	},
}
