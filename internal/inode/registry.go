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

import "sync"

// registry is the process-wide table of open inode handles keyed by
// sector, explicitly thread-safe rather than relying on callers to
// serialize opens and closes at a higher layer.
type registry struct {
	mu   sync.Mutex
	open map[uint32]*Handle
}

func newRegistry() *registry {
	return &registry{open: make(map[uint32]*Handle)}
}

// count returns the number of distinct inodes currently open.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// openHandle returns the handle for sector, incrementing its open count
// if one already exists, or registering a fresh one with count 1.
func (r *registry) openHandle(sector uint32) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.open[sector]; ok {
		h.bookMu.Lock()
		h.openCount++
		h.bookMu.Unlock()
		return h
	}

	h := &Handle{sector: sector, openCount: 1}
	r.open[sector] = h
	return h
}

// closeHandle decrements h's open count. It reports whether this was the
// last reference (the caller must then tear down on-disk state if the
// handle was marked removed) and deregisters the handle in that case.
func (r *registry) closeHandle(h *Handle) (lastClose, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h.bookMu.Lock()
	h.openCount--
	lastClose = h.openCount == 0
	removed = h.removed
	h.bookMu.Unlock()

	if lastClose {
		delete(r.open, h.sector)
	}
	return lastClose, removed
}
