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

// Package block describes the bounded sequence of fixed-size sectors the
// rest of the core is layered over, plus two concrete backings: a real
// file (or block special file) and an in-memory device for tests.
package block

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// SectorSize is the native sector size the core is built around. The
// on-disk inode and directory-entry layouts are sized to fit exactly one
// sector at this size.
const SectorSize = 512

// NoSector is the sentinel "no sector" value denoting an unallocated
// logical block. Sector 0 is reserved, which is what makes the zero
// value safe to use as "unallocated" in on-disk pointers.
const NoSector uint32 = 0

// Device is the external collaborator the buffer cache is the sole
// client of: a bounded sequence of fixed-size sectors with synchronous
// read/write.
type Device interface {
	// SectorCount returns the number of addressable sectors.
	SectorCount() uint32

	// ReadSector reads exactly SectorSize bytes from sector into buf.
	ReadSector(ctx context.Context, sector uint32, buf []byte) error

	// WriteSector writes exactly SectorSize bytes from buf to sector.
	WriteSector(ctx context.Context, sector uint32, buf []byte) error

	// Close releases any resources held by the device.
	Close() error
}

// FileDevice backs a Device with a regular file or a block special file,
// using positioned reads/writes so concurrent callers never need to share
// a seek offset.
type FileDevice struct {
	f       *os.File
	sectors uint32
	mu      sync.Mutex
}

// OpenFileDevice opens path, truncating or extending it to hold exactly
// sectorCount sectors of SectorSize bytes each. path is created if it
// does not already exist.
func OpenFileDevice(path string, sectorCount uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}
	size := int64(sectorCount) * SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("block: truncate %s to %d bytes: %w", path, size, err)
	}
	return &FileDevice{f: f, sectors: sectorCount}, nil
}

// SectorCount implements Device.
func (d *FileDevice) SectorCount() uint32 { return d.sectors }

// ReadSector implements Device.
func (d *FileDevice) ReadSector(ctx context.Context, sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("block: read buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	if sector >= d.sectors {
		return fmt.Errorf("block: sector %d out of range (count=%d)", sector, d.sectors)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.ReadAt(buf, int64(sector)*SectorSize)
	return err
}

// WriteSector implements Device.
func (d *FileDevice) WriteSector(ctx context.Context, sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("block: write buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	if sector >= d.sectors {
		return fmt.Errorf("block: sector %d out of range (count=%d)", sector, d.sectors)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(buf, int64(sector)*SectorSize)
	return err
}

// Close implements Device.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// MemDevice is an in-memory Device, used by tests.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewMemDevice allocates an in-memory device of sectorCount sectors, all
// zeroed.
func NewMemDevice(sectorCount uint32) *MemDevice {
	return &MemDevice{data: make([]byte, int64(sectorCount)*SectorSize)}
}

// SectorCount implements Device.
func (d *MemDevice) SectorCount() uint32 { return uint32(len(d.data) / SectorSize) }

// ReadSector implements Device.
func (d *MemDevice) ReadSector(ctx context.Context, sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("block: read buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(sector) * SectorSize
	if off+SectorSize > int64(len(d.data)) {
		return fmt.Errorf("block: sector %d out of range", sector)
	}
	copy(buf, d.data[off:off+SectorSize])
	return nil
}

// WriteSector implements Device.
func (d *MemDevice) WriteSector(ctx context.Context, sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("block: write buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(sector) * SectorSize
	if off+SectorSize > int64(len(d.data)) {
		return fmt.Errorf("block: sector %d out of range", sector)
	}
	copy(d.data[off:off+SectorSize], buf)
	return nil
}

// Close implements Device.
func (d *MemDevice) Close() error { return nil }
