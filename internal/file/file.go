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

// Package file implements the thin, positional file handle layered over
// an open inode: a current offset and an optional deny-write bit, with
// every transfer delegated to the inode layer.
package file

import (
	"context"

	"github.com/blockfs-io/blockfs/internal/inode"
)

// File is one opener's view of an inode: its own position, independent
// of any other opener of the same file.
type File struct {
	layer     *inode.Layer
	h         *inode.Handle
	pos       int64
	denyWrite bool
}

// Open wraps h in a File. If denyWrite is set, writes to h are denied
// for as long as this File (or any other opener that also requested
// deny-write) remains open; the original opener can still be denied by
// a later one.
func Open(layer *inode.Layer, h *inode.Handle, denyWrite bool) *File {
	if denyWrite {
		h.DenyWrite()
	}
	return &File{layer: layer, h: h, denyWrite: denyWrite}
}

// Handle returns the underlying open-inode handle.
func (f *File) Handle() *inode.Handle { return f.h }

// Read transfers into buf starting at the current position, advancing
// it by the number of bytes actually read.
func (f *File) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := f.layer.ReadAt(ctx, f.h, buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// Write transfers from buf at the current position, advancing it by the
// number of bytes actually written and extending the file's length if
// needed.
func (f *File) Write(ctx context.Context, buf []byte) (int, error) {
	n, err := f.layer.WriteAt(ctx, f.h, buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek sets the current position unconditionally; a later write past
// the file's current length will grow it.
func (f *File) Seek(pos int64) { f.pos = pos }

// Tell returns the current position.
func (f *File) Tell() int64 { return f.pos }

// Length returns the file's current length.
func (f *File) Length(ctx context.Context) (int64, error) {
	return f.layer.Length(ctx, f.h)
}

// Close clears this opener's deny-write bit, if set, then closes the
// underlying inode handle.
func (f *File) Close(ctx context.Context) error {
	if f.denyWrite {
		f.h.AllowWrite()
		f.denyWrite = false
	}
	return f.layer.Close(ctx, f.h)
}
