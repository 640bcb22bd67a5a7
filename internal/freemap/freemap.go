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

// Package freemap allocates and releases device sector numbers. The
// inode layer consumes Allocate/Release only, never the bitmap
// representation directly.
package freemap

import (
	"context"
	"fmt"
	"sync"

	"github.com/willf/bitset"

	"github.com/blockfs-io/blockfs/internal/block"
)

// Map is a bitmap allocator over device sector numbers, persisted to a
// fixed run of sectors on the device it governs.
type Map struct {
	mu   sync.Mutex
	bits *bitset.BitSet

	dev         block.Device
	startSector uint32
	mapSectors  uint32
	total       uint32
}

// SectorsForBits returns how many whole sectors are needed to store n
// bits, one bit per sector-number, packed 8 to a byte. Callers laying
// out a fresh device use this to find the first sector free after the
// bitmap itself.
func SectorsForBits(n uint32) uint32 {
	bytesNeeded := (n + 7) / 8
	return (bytesNeeded + block.SectorSize - 1) / block.SectorSize
}

func sectorsForBits(n uint32) uint32 { return SectorsForBits(n) }

// Create initializes a fresh free-map for a device with total sectors,
// reserving sector 0 (always reserved), the free-map's own sectors
// starting at startSector, and every sector in reserved (typically the
// root directory inode). It writes the initial bitmap image to disk.
func Create(ctx context.Context, dev block.Device, startSector, total uint32, reserved []uint32) (*Map, error) {
	m := &Map{
		bits:        bitset.New(uint(total)),
		dev:         dev,
		startSector: startSector,
		mapSectors:  sectorsForBits(total),
		total:       total,
	}

	m.bits.Set(0) // sector 0 is always reserved.
	for i := uint32(0); i < m.mapSectors; i++ {
		m.bits.Set(uint(startSector + i))
	}
	for _, s := range reserved {
		m.bits.Set(uint(s))
	}

	if err := m.flushLocked(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Open reads an existing free-map image back from disk.
func Open(ctx context.Context, dev block.Device, startSector, total uint32) (*Map, error) {
	m := &Map{
		bits:        bitset.New(uint(total)),
		dev:         dev,
		startSector: startSector,
		mapSectors:  sectorsForBits(total),
		total:       total,
	}

	buf := make([]byte, block.SectorSize)
	for i := uint32(0); i < m.mapSectors; i++ {
		if err := dev.ReadSector(ctx, startSector+i, buf); err != nil {
			return nil, fmt.Errorf("freemap: read bitmap sector %d: %w", startSector+i, err)
		}
		base := i * block.SectorSize * 8
		for byteIdx, b := range buf {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) != 0 {
					idx := base + uint32(byteIdx)*8 + uint32(bit)
					if idx < total {
						m.bits.Set(uint(idx))
					}
				}
			}
		}
	}
	return m, nil
}

// Allocate finds n contiguous clear sector numbers, marks them used, and
// returns the first one. It returns ok=false (never an error) if no run
// of n free sectors exists, matching the source's allocate_failure
// returning a sentinel rather than propagating an exception.
func (m *Map) Allocate(ctx context.Context, n int) (start uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 {
		return 0, false
	}

	run := 0
	runStart := uint32(0)
	for i := uint32(1); i < m.total; i++ {
		if !m.bits.Test(uint(i)) {
			if run == 0 {
				runStart = i
			}
			run++
			if run == n {
				for j := uint32(0); j < uint32(n); j++ {
					m.bits.Set(uint(runStart + j))
				}
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Release clears n sector numbers starting at start, making them
// available for future Allocate calls.
func (m *Map) Release(ctx context.Context, start uint32, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for j := uint32(0); j < uint32(n); j++ {
		m.bits.Clear(uint(start + j))
	}
}

// Total returns the sector count the free-map was created or opened
// over.
func (m *Map) Total() uint32 { return m.total }

// IsAllocated reports whether sector is currently marked used. Intended
// for read-only diagnostics (e.g. "blockfsctl fsck"); the core itself
// never needs to query allocation state outside Allocate/Release.
func (m *Map) IsAllocated(sector uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bits.Test(uint(sector))
}

// Flush persists the current bitmap image to disk.
func (m *Map) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx)
}

func (m *Map) flushLocked(ctx context.Context) error {
	buf := make([]byte, block.SectorSize)
	for i := uint32(0); i < m.mapSectors; i++ {
		for b := range buf {
			buf[b] = 0
		}
		base := i * block.SectorSize * 8
		for byteIdx := 0; byteIdx < block.SectorSize; byteIdx++ {
			var v byte
			for bit := 0; bit < 8; bit++ {
				idx := base + uint32(byteIdx)*8 + uint32(bit)
				if idx < m.total && m.bits.Test(uint(idx)) {
					v |= 1 << uint(bit)
				}
			}
			buf[byteIdx] = v
		}
		if err := m.dev.WriteSector(ctx, m.startSector+i, buf); err != nil {
			return fmt.Errorf("freemap: write bitmap sector %d: %w", m.startSector+i, err)
		}
	}
	return nil
}

// Close flushes the bitmap one last time. It does not close the
// underlying device, which the free-map does not own.
func (m *Map) Close(ctx context.Context) error {
	return m.Flush(ctx)
}
