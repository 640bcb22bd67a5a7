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

// Package inode implements the UNIX-style indexed inode: an on-disk
// record with direct, singly-indirect and doubly-indirect block
// pointers, and the in-memory, refcounted handle layer on top of it.
package inode

import (
	"context"
	"encoding/binary"

	"github.com/blockfs-io/blockfs/internal/block"
	"github.com/blockfs-io/blockfs/internal/bufcache"
	"github.com/blockfs-io/blockfs/internal/freemap"
)

// Layer ties the buffer cache and free-map together behind the open
// inode registry. There is exactly one Layer per mounted file system.
type Layer struct {
	cache *bufcache.Cache
	fm    *freemap.Map
	reg   *registry
}

// NewLayer builds an inode layer over cache and fm.
func NewLayer(cache *bufcache.Cache, fm *freemap.Map) *Layer {
	return &Layer{cache: cache, fm: fm, reg: newRegistry()}
}

// OpenInodeCount returns the number of distinct inodes currently open,
// for the "blockfs/inode" open-count gauge.
func (l *Layer) OpenInodeCount() int {
	return l.reg.count()
}

// Create initializes an on-disk inode at sector with the given length
// and directory flag, and all sector pointers cleared. Data blocks are
// not eagerly allocated; the first write at an offset grows the
// mapping.
func (l *Layer) Create(ctx context.Context, sector uint32, length int64, isDir bool) error {
	d := &onDisk{Length: int32(length), IsDir: isDir}
	lease, err := l.cache.Acquire(ctx, sector)
	if err != nil {
		return err
	}
	d.marshal(lease.Data())
	l.cache.Release(lease, true)
	return nil
}

// Open returns the handle for sector, incrementing its open count if one
// is already registered.
func (l *Layer) Open(sector uint32) *Handle {
	return l.reg.openHandle(sector)
}

// Reopen increments h's open count and returns h, for symmetry with the
// source's inode_reopen.
func (l *Layer) Reopen(h *Handle) *Handle {
	h.bookMu.Lock()
	h.openCount++
	h.bookMu.Unlock()
	return h
}

// Close decrements h's open count. If this was the last reference and
// the inode was marked removed, its direct, indirect and
// doubly-indirect data sectors are released to the free-map before the
// handle is discarded.
func (l *Layer) Close(ctx context.Context, h *Handle) error {
	lastClose, removed := l.reg.closeHandle(h)
	if lastClose && removed {
		return l.freeAllBlocks(ctx, h)
	}
	return nil
}

// Remove marks h for teardown on last close.
func (l *Layer) Remove(h *Handle) {
	h.MarkRemoved()
}

// Length reads the on-disk inode through the cache and returns its
// length. Re-read on every call: concurrent writers may have extended
// the file since the last read.
func (l *Layer) Length(ctx context.Context, h *Handle) (int64, error) {
	lease, err := l.cache.Acquire(ctx, h.sector)
	if err != nil {
		return 0, err
	}
	length := int64(int32(binary.LittleEndian.Uint32(lease.Data()[0:4])))
	l.cache.Release(lease, false)
	return length, nil
}

// IsDirectory reads the on-disk inode through the cache and returns its
// is_dir flag.
func (l *Layer) IsDirectory(ctx context.Context, h *Handle) (bool, error) {
	lease, err := l.cache.Acquire(ctx, h.sector)
	if err != nil {
		return false, err
	}
	isDir := lease.Data()[4] != 0
	l.cache.Release(lease, false)
	return isDir, nil
}

// ReadAt transfers up to len(buf) bytes from h starting at offset,
// returning the number of bytes actually transferred. Reads at or past
// the current length return 0; reads that cross EOF return a short
// count. Holes (zero pointers) read back as zeros without touching the
// device.
func (l *Layer) ReadAt(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error) {
	length, err := l.Length(ctx, h)
	if err != nil {
		return 0, err
	}
	if offset >= length {
		return 0, nil
	}

	var n int
	for n < len(buf) {
		cur := offset + int64(n)
		remaining := length - cur
		if remaining <= 0 {
			break
		}

		logical := uint32(cur / block.SectorSize)
		sectorOfs := int(cur % block.SectorSize)

		physical, _, err := l.mapBlock(ctx, h, logical, false)
		if err != nil {
			return n, err
		}

		chunk := block.SectorSize - sectorOfs
		if int64(chunk) > remaining {
			chunk = int(remaining)
		}
		if want := len(buf) - n; chunk > want {
			chunk = want
		}
		if chunk <= 0 {
			break
		}

		if physical == block.NoSector {
			for i := 0; i < chunk; i++ {
				buf[n+i] = 0
			}
		} else {
			lease, err := l.cache.Acquire(ctx, physical)
			if err != nil {
				return n, err
			}
			copy(buf[n:n+chunk], lease.Data()[sectorOfs:sectorOfs+chunk])
			l.cache.Release(lease, false)
		}
		n += chunk
	}

	l.startReadAhead(ctx, h, offset+int64(n), length)
	return n, nil
}

// WriteAt transfers up to len(buf) bytes into h starting at offset,
// returning the number of bytes actually written. Writes are denied
// outright while deny_write_count is positive. Writes beyond the
// current length extend it, capped at MaxFileSize.
func (l *Layer) WriteAt(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error) {
	if !h.CanWrite() {
		return 0, nil
	}

	h.Lock()
	defer h.Unlock()
	return l.writeAtLocked(ctx, h, buf, offset)
}

// WriteAtLocked behaves exactly like WriteAt, except the caller must
// already hold h's structural lock. It exists for higher layers (the
// directory layer's add/remove) that need a read-modify-write sequence
// over several entries to be atomic as a whole, not just atomic per
// individual write.
func (l *Layer) WriteAtLocked(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error) {
	if !h.CanWrite() {
		return 0, nil
	}
	return l.writeAtLocked(ctx, h, buf, offset)
}

func (l *Layer) writeAtLocked(ctx context.Context, h *Handle, buf []byte, offset int64) (int, error) {
	var n int
	for n < len(buf) {
		cur := offset + int64(n)
		if cur >= MaxFileSize {
			break
		}

		logical := uint32(cur / block.SectorSize)
		sectorOfs := int(cur % block.SectorSize)

		physical, _, err := l.mapBlock(ctx, h, logical, true)
		if err != nil {
			return n, err
		}
		if physical == block.NoSector {
			// Allocation failure: stop at current progress.
			break
		}

		chunk := block.SectorSize - sectorOfs
		if remaining := MaxFileSize - cur; int64(chunk) > remaining {
			chunk = int(remaining)
		}
		if want := len(buf) - n; chunk > want {
			chunk = want
		}
		if chunk <= 0 {
			break
		}

		lease, err := l.cache.Acquire(ctx, physical)
		if err != nil {
			return n, err
		}
		copy(lease.Data()[sectorOfs:sectorOfs+chunk], buf[n:n+chunk])
		l.cache.Release(lease, true)
		n += chunk
	}

	if n > 0 {
		if err := l.extendLength(ctx, h.sector, offset+int64(n)); err != nil {
			return n, err
		}
	}
	return n, nil
}

// extendLength sets the on-disk length to max(current, newLen).
func (l *Layer) extendLength(ctx context.Context, sector uint32, newLen int64) error {
	lease, err := l.cache.Acquire(ctx, sector)
	if err != nil {
		return err
	}
	cur := int64(int32(binary.LittleEndian.Uint32(lease.Data()[0:4])))
	if newLen > cur {
		binary.LittleEndian.PutUint32(lease.Data()[0:4], uint32(newLen))
		l.cache.Release(lease, true)
	} else {
		l.cache.Release(lease, false)
	}
	return nil
}

// startReadAhead requests a prefetch of the sector following the last
// one touched by a read, but only if it lies within the file.
func (l *Layer) startReadAhead(ctx context.Context, h *Handle, lastOffset, length int64) {
	nextSectorStart := ((lastOffset + block.SectorSize - 1) / block.SectorSize) * block.SectorSize
	if lastOffset%block.SectorSize == 0 && lastOffset > 0 {
		nextSectorStart = lastOffset
	}
	if nextSectorStart >= length {
		return
	}
	logical := uint32(nextSectorStart / block.SectorSize)
	physical, _, err := l.mapBlock(ctx, h, logical, false)
	if err != nil || physical == block.NoSector {
		return
	}
	l.cache.Prefetch(physical)
}

// mapBlock maps logical sector index idx within h to a physical device
// sector. If alloc is set, it allocates any missing intermediate index
// blocks and the data block itself. It returns block.NoSector (with isNew=false,
// err=nil) if the block is an unallocated hole and alloc is false, or if
// allocation was requested but the free-map is exhausted.
func (l *Layer) mapBlock(ctx context.Context, h *Handle, idx uint32, alloc bool) (physical uint32, isNew bool, err error) {
	switch {
	case idx < DirectBlocks:
		return l.getOrAllocPointer(ctx, h.sector, sectorsByteOffset+int(idx)*4, alloc)

	case idx < DirectBlocks+BlocksPerSector:
		indirect, _, err := l.getOrAllocPointer(ctx, h.sector, sectorsByteOffset+indirectSlot*4, alloc)
		if err != nil || indirect == block.NoSector {
			return block.NoSector, false, err
		}
		slot := idx - DirectBlocks
		return l.getOrAllocPointer(ctx, indirect, int(slot)*4, alloc)

	default:
		doubleIdx := idx - DirectBlocks - BlocksPerSector
		outer := doubleIdx / BlocksPerSector
		inner := doubleIdx % BlocksPerSector

		dbl, _, err := l.getOrAllocPointer(ctx, h.sector, sectorsByteOffset+doublyIndirectSlot*4, alloc)
		if err != nil || dbl == block.NoSector {
			return block.NoSector, false, err
		}
		innerBlock, _, err := l.getOrAllocPointer(ctx, dbl, int(outer)*4, alloc)
		if err != nil || innerBlock == block.NoSector {
			return block.NoSector, false, err
		}
		return l.getOrAllocPointer(ctx, innerBlock, int(inner)*4, alloc)
	}
}

// getOrAllocPointer reads the uint32 pointer at byteOffset within
// containerSector. If it is zero and alloc is set, a fresh sector is
// allocated from the free-map, zero-filled, and its number written back
// to byteOffset. This is the single, clearly-typed primitive every
// level of the direct/indirect/doubly-indirect index resolves through.
func (l *Layer) getOrAllocPointer(ctx context.Context, containerSector uint32, byteOffset int, alloc bool) (physical uint32, isNew bool, err error) {
	lease, err := l.cache.Acquire(ctx, containerSector)
	if err != nil {
		return 0, false, err
	}
	existing := binary.LittleEndian.Uint32(lease.Data()[byteOffset : byteOffset+4])
	if existing != block.NoSector {
		l.cache.Release(lease, false)
		return existing, false, nil
	}
	if !alloc {
		l.cache.Release(lease, false)
		return block.NoSector, false, nil
	}

	s, ok := l.fm.Allocate(ctx, 1)
	if !ok {
		l.cache.Release(lease, false)
		return block.NoSector, false, nil
	}
	binary.LittleEndian.PutUint32(lease.Data()[byteOffset:byteOffset+4], s)
	l.cache.Release(lease, true)

	if err := l.zeroSector(ctx, s); err != nil {
		return 0, false, err
	}
	return s, true, nil
}

func (l *Layer) zeroSector(ctx context.Context, sector uint32) error {
	lease, err := l.cache.Acquire(ctx, sector)
	if err != nil {
		return err
	}
	data := lease.Data()
	for i := range data {
		data[i] = 0
	}
	l.cache.Release(lease, true)
	return nil
}

// freeAllBlocks walks every direct entry and the full indirect tree,
// releasing every non-zero pointer to the free-map, then frees the
// inode's own sector.
func (l *Layer) freeAllBlocks(ctx context.Context, h *Handle) error {
	lease, err := l.cache.Acquire(ctx, h.sector)
	if err != nil {
		return err
	}
	d := unmarshalOnDisk(lease.Data())
	l.cache.Release(lease, false)

	for i := 0; i < DirectBlocks; i++ {
		if d.Sectors[i] != block.NoSector {
			l.fm.Release(ctx, d.Sectors[i], 1)
		}
	}

	if indirect := d.Sectors[indirectSlot]; indirect != block.NoSector {
		if err := l.freeIndexBlock(ctx, indirect); err != nil {
			return err
		}
	}

	if dbl := d.Sectors[doublyIndirectSlot]; dbl != block.NoSector {
		entries, err := l.readPointerBlock(ctx, dbl)
		if err != nil {
			return err
		}
		for _, inner := range entries {
			if inner != block.NoSector {
				if err := l.freeIndexBlock(ctx, inner); err != nil {
					return err
				}
			}
		}
		l.fm.Release(ctx, dbl, 1)
	}

	l.fm.Release(ctx, h.sector, 1)
	return nil
}

// WalkBlocks calls visit once for every data, indirect, and
// doubly-indirect index sector currently allocated to h, in no
// particular order. It does not visit h's own inode sector. Intended
// for read-only diagnostics ("blockfsctl fsck"); it never allocates.
func (l *Layer) WalkBlocks(ctx context.Context, h *Handle, visit func(sector uint32) error) error {
	lease, err := l.cache.Acquire(ctx, h.sector)
	if err != nil {
		return err
	}
	d := unmarshalOnDisk(lease.Data())
	l.cache.Release(lease, false)

	for i := 0; i < DirectBlocks; i++ {
		if d.Sectors[i] != block.NoSector {
			if err := visit(d.Sectors[i]); err != nil {
				return err
			}
		}
	}

	if indirect := d.Sectors[indirectSlot]; indirect != block.NoSector {
		if err := visit(indirect); err != nil {
			return err
		}
		entries, err := l.readPointerBlock(ctx, indirect)
		if err != nil {
			return err
		}
		for _, s := range entries {
			if s != block.NoSector {
				if err := visit(s); err != nil {
					return err
				}
			}
		}
	}

	if dbl := d.Sectors[doublyIndirectSlot]; dbl != block.NoSector {
		if err := visit(dbl); err != nil {
			return err
		}
		outer, err := l.readPointerBlock(ctx, dbl)
		if err != nil {
			return err
		}
		for _, inner := range outer {
			if inner == block.NoSector {
				continue
			}
			if err := visit(inner); err != nil {
				return err
			}
			entries, err := l.readPointerBlock(ctx, inner)
			if err != nil {
				return err
			}
			for _, s := range entries {
				if s != block.NoSector {
					if err := visit(s); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

// freeIndexBlock releases every non-zero data pointer in the index block
// at sector, then the index block itself.
func (l *Layer) freeIndexBlock(ctx context.Context, sector uint32) error {
	entries, err := l.readPointerBlock(ctx, sector)
	if err != nil {
		return err
	}
	for _, s := range entries {
		if s != block.NoSector {
			l.fm.Release(ctx, s, 1)
		}
	}
	l.fm.Release(ctx, sector, 1)
	return nil
}

func (l *Layer) readPointerBlock(ctx context.Context, sector uint32) ([BlocksPerSector]uint32, error) {
	var out [BlocksPerSector]uint32
	lease, err := l.cache.Acquire(ctx, sector)
	if err != nil {
		return out, err
	}
	data := lease.Data()
	for i := 0; i < BlocksPerSector; i++ {
		out[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	l.cache.Release(lease, false)
	return out, nil
}
