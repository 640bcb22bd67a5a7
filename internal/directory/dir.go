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

package directory

import (
	"context"

	"github.com/blockfs-io/blockfs/internal/inode"
)

// Entry is one live (name, sector) mapping in a directory, as returned
// by List. Unlike the internal entry type it carries no in_use bit:
// List only ever returns in-use records.
type Entry struct {
	Name   string
	Sector uint32
}

// List returns every live entry in h beyond the reserved "." and ".."
// slots, in slot order. Intended for callers that need the full set at
// once (e.g. "blockfsctl fsck" walking the tree), as opposed to
// Readdir's one-at-a-time cursor.
func List(ctx context.Context, layer *inode.Layer, h *inode.Handle) ([]Entry, error) {
	count, err := slotCount(ctx, layer, h)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i := firstSlot; i < count; i++ {
		e, err := readEntry(ctx, layer, h, i)
		if err != nil {
			return nil, err
		}
		if e.InUse {
			out = append(out, Entry{Name: e.Name, Sector: e.Sector})
		}
	}
	return out, nil
}

// Dir wraps an open directory inode handle plus a readdir cursor.
type Dir struct {
	h        *inode.Handle
	nextSlot int
}

// Create formats sector as a directory inode with room for capacity
// entries (at least two, for "." and ".."), and populates the two
// reserved slots immediately.
func Create(ctx context.Context, layer *inode.Layer, sector, parent uint32, capacity int) error {
	if capacity < firstSlot {
		capacity = firstSlot
	}
	if err := layer.Create(ctx, sector, int64(capacity)*entrySize, true); err != nil {
		return err
	}

	h := layer.Open(sector)
	defer layer.Close(ctx, h)

	if err := writeEntry(ctx, layer, h, dotSlot, entry{InUse: true, Name: ".", Sector: sector}); err != nil {
		return err
	}
	return writeEntry(ctx, layer, h, dotDotSlot, entry{InUse: true, Name: "..", Sector: parent})
}

// Open opens the directory inode at sector and returns a cursor over
// it.
func Open(layer *inode.Layer, sector uint32) *Dir {
	return &Dir{h: layer.Open(sector), nextSlot: firstSlot}
}

// WrapHandle builds a Dir cursor over an inode handle the caller already
// holds open, without taking an additional reference.
func WrapHandle(h *inode.Handle) *Dir {
	return &Dir{h: h, nextSlot: firstSlot}
}

// Handle returns the underlying open-inode handle.
func (d *Dir) Handle() *inode.Handle { return d.h }

// Close closes the underlying inode handle.
func (d *Dir) Close(ctx context.Context, layer *inode.Layer) error {
	return layer.Close(ctx, d.h)
}

// Lookup scans h's entries (skipping the reserved "." / ".." slots) and
// returns the first in-use entry named name.
func Lookup(ctx context.Context, layer *inode.Layer, h *inode.Handle, name string) (entry, bool, error) {
	count, err := slotCount(ctx, layer, h)
	if err != nil {
		return entry{}, false, err
	}
	for i := firstSlot; i < count; i++ {
		e, err := readEntry(ctx, layer, h, i)
		if err != nil {
			return entry{}, false, err
		}
		if e.InUse && e.Name == name {
			return e, true, nil
		}
	}
	return entry{}, false, nil
}

// Add inserts a new entry mapping name to childSector into the first
// free slot of h (or a fresh slot appended at end-of-file). It rejects
// empty or over-long names and names already present.
func Add(ctx context.Context, layer *inode.Layer, h *inode.Handle, name string, childSector uint32) error {
	if name == "" || len(name) > NameMax {
		return ErrInvalidName
	}

	h.Lock()
	defer h.Unlock()

	count, err := slotCount(ctx, layer, h)
	if err != nil {
		return err
	}

	freeSlot := -1
	for i := firstSlot; i < count; i++ {
		e, err := readEntry(ctx, layer, h, i)
		if err != nil {
			return err
		}
		if e.InUse {
			if e.Name == name {
				return ErrExists
			}
			continue
		}
		if freeSlot == -1 {
			freeSlot = i
		}
	}
	if freeSlot == -1 {
		freeSlot = count
	}

	return writeEntry(ctx, layer, h, freeSlot, entry{InUse: true, Name: name, Sector: childSector})
}

// Remove looks up name in h. If the target is a directory it must be
// empty (no live entries beyond "." and ".."); otherwise Remove returns
// ErrNotEmpty and h is left unmodified. On success the slot is cleared
// and the target inode is marked removed, so its blocks are released
// when its last opener closes it.
func Remove(ctx context.Context, layer *inode.Layer, h *inode.Handle, name string) error {
	h.Lock()
	defer h.Unlock()

	count, err := slotCount(ctx, layer, h)
	if err != nil {
		return err
	}

	slot := -1
	var target entry
	for i := firstSlot; i < count; i++ {
		e, err := readEntry(ctx, layer, h, i)
		if err != nil {
			return err
		}
		if e.InUse && e.Name == name {
			slot, target = i, e
			break
		}
	}
	if slot == -1 {
		return ErrNotFound
	}

	child := layer.Open(target.Sector)

	isDir, err := layer.IsDirectory(ctx, child)
	if err != nil {
		layer.Close(ctx, child)
		return err
	}
	if isDir {
		empty, err := isEmptyDir(ctx, layer, child)
		if err != nil {
			layer.Close(ctx, child)
			return err
		}
		if !empty {
			layer.Close(ctx, child)
			return ErrNotEmpty
		}
	}

	if err := writeEntry(ctx, layer, h, slot, entry{}); err != nil {
		layer.Close(ctx, child)
		return err
	}

	layer.Remove(child)
	return layer.Close(ctx, child)
}

// Readdir returns the next in-use entry name past the reserved slots,
// advancing d's cursor. ok is false at end-of-file.
func Readdir(ctx context.Context, layer *inode.Layer, d *Dir) (name string, ok bool, err error) {
	for {
		count, err := slotCount(ctx, layer, d.h)
		if err != nil {
			return "", false, err
		}
		if d.nextSlot >= count {
			return "", false, nil
		}
		e, err := readEntry(ctx, layer, d.h, d.nextSlot)
		if err != nil {
			return "", false, err
		}
		d.nextSlot++
		if e.InUse {
			return e.Name, true, nil
		}
	}
}

func isEmptyDir(ctx context.Context, layer *inode.Layer, h *inode.Handle) (bool, error) {
	count, err := slotCount(ctx, layer, h)
	if err != nil {
		return false, err
	}
	for i := firstSlot; i < count; i++ {
		e, err := readEntry(ctx, layer, h, i)
		if err != nil {
			return false, err
		}
		if e.InUse {
			return false, nil
		}
	}
	return true, nil
}

func slotCount(ctx context.Context, layer *inode.Layer, h *inode.Handle) (int, error) {
	length, err := layer.Length(ctx, h)
	if err != nil {
		return 0, err
	}
	return int(length / entrySize), nil
}

func readEntry(ctx context.Context, layer *inode.Layer, h *inode.Handle, slot int) (entry, error) {
	buf := make([]byte, entrySize)
	if _, err := layer.ReadAt(ctx, h, buf, int64(slot)*entrySize); err != nil {
		return entry{}, err
	}
	return unmarshalEntry(buf), nil
}

// writeEntry assumes the caller already holds h's structural lock: it is
// only ever called from Create (before the handle is shared) or from
// Add/Remove, which lock h for the whole scan-then-write sequence.
func writeEntry(ctx context.Context, layer *inode.Layer, h *inode.Handle, slot int, e entry) error {
	buf := make([]byte, entrySize)
	marshalEntry(e, buf)
	_, err := layer.WriteAtLocked(ctx, h, buf, int64(slot)*entrySize)
	return err
}
