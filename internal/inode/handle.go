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

package inode

import (
	"sync"

	"github.com/blockfs-io/blockfs/internal/fail"
)

// Handle is the in-memory, refcounted representation of an open on-disk
// inode. Exactly one Handle exists per distinct open sector; Layer.Open
// and Layer.Close maintain that through the process-wide registry.
type Handle struct {
	sector uint32

	// structMu guards structural mutations: block allocation, length
	// extension, and (for directory inodes) entry add/remove. Read_at
	// does not take it.
	structMu sync.Mutex

	// bookMu guards the small bookkeeping fields below, independent of
	// structMu so DenyWrite/AllowWrite/open-count bookkeeping never
	// contends with a long-running structural mutation.
	bookMu         sync.Mutex
	openCount      int
	denyWriteCount int
	removed        bool
}

// Sector returns the home sector of the on-disk inode this handle
// refers to.
func (h *Handle) Sector() uint32 { return h.sector }

// Lock acquires the structural mutex. Callers performing structural
// mutations (allocating blocks, extending length, adding or removing
// directory entries) must hold it for the duration.
func (h *Handle) Lock() { h.structMu.Lock() }

// Unlock releases the structural mutex.
func (h *Handle) Unlock() { h.structMu.Unlock() }

// CanWrite reports whether deny_write_count is currently zero.
func (h *Handle) CanWrite() bool {
	h.bookMu.Lock()
	defer h.bookMu.Unlock()
	return h.denyWriteCount == 0
}

// DenyWrite increments deny_write_count. May be called at most once per
// opener before the matching AllowWrite.
func (h *Handle) DenyWrite() {
	h.bookMu.Lock()
	defer h.bookMu.Unlock()
	h.denyWriteCount++
	fail.Assert(h.denyWriteCount <= h.openCount, "deny_write_count > open_count")
}

// AllowWrite decrements deny_write_count. Must be called once by each
// opener that called DenyWrite, before closing the handle.
func (h *Handle) AllowWrite() {
	h.bookMu.Lock()
	defer h.bookMu.Unlock()
	fail.Assert(h.denyWriteCount > 0, "allow_write with deny_write_count == 0")
	h.denyWriteCount--
}

// MarkRemoved flags the inode for teardown once its last opener closes
// it.
func (h *Handle) MarkRemoved() {
	h.bookMu.Lock()
	defer h.bookMu.Unlock()
	h.removed = true
}

// Removed reports whether MarkRemoved has been called.
func (h *Handle) Removed() bool {
	h.bookMu.Lock()
	defer h.bookMu.Unlock()
	return h.removed
}

// OpenCount returns the current number of live references, chiefly for
// tests and diagnostics (e.g. "blockfsctl fsck").
func (h *Handle) OpenCount() int {
	h.bookMu.Lock()
	defer h.bookMu.Unlock()
	return h.openCount
}
