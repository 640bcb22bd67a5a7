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

package bufcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockfs-io/blockfs/internal/block"
)

const testCacheTotalSectors = 256

func newTestCache(t *testing.T, frames int, opts ...Option) (*Cache, *block.MemDevice, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dev := block.NewMemDevice(testCacheTotalSectors)
	// A long write-back interval keeps the background flush loop from
	// racing the explicit FlushAllDirty/metrics assertions below.
	c := New(ctx, dev, frames, time.Hour, opts...)
	cleanup := func() {
		_ = c.Close(context.Background())
		cancel()
		_ = dev.Close()
	}
	return c, dev, cleanup
}

// fakeMetrics records every call a Cache makes through the Metrics
// interface, for tests that need to observe eviction and flush counts
// rather than just behavior.
type fakeMetrics struct {
	mu        sync.Mutex
	hits      int
	misses    int
	evictions int
	flushes   []int
}

func (f *fakeMetrics) Hit() { f.mu.Lock(); f.hits++; f.mu.Unlock() }

func (f *fakeMetrics) Miss() { f.mu.Lock(); f.misses++; f.mu.Unlock() }

func (f *fakeMetrics) Eviction() { f.mu.Lock(); f.evictions++; f.mu.Unlock() }

func (f *fakeMetrics) FlushCycle(dirtyFrames int, _ time.Duration) {
	f.mu.Lock()
	f.flushes = append(f.flushes, dirtyFrames)
	f.mu.Unlock()
}

func (f *fakeMetrics) snapshot() (evictions int, flushes []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evictions, append([]int(nil), f.flushes...)
}

func writeMarker(t *testing.T, ctx context.Context, c *Cache, sector uint32, marker byte) {
	t.Helper()
	l, err := c.Acquire(ctx, sector)
	require.NoError(t, err)
	l.Data()[0] = marker
	c.Release(l, true)
}

func readMarker(t *testing.T, ctx context.Context, c *Cache, sector uint32) byte {
	t.Helper()
	l, err := c.Acquire(ctx, sector)
	require.NoError(t, err)
	b := l.Data()[0]
	c.Release(l, false)
	return b
}

// TestAcquireBindsExactlyOneFrameToEachSector exercises invariant 1: a
// cache with N frames can have at most N sectors bound at once, and no
// two of those frames ever bind to the same sector.
func TestAcquireBindsExactlyOneFrameToEachSector(t *testing.T) {
	c, _, cleanup := newTestCache(t, 4)
	defer cleanup()
	ctx := context.Background()

	sectors := []uint32{10, 11, 12, 13}
	leases := make([]*Lease, len(sectors))
	for i, s := range sectors {
		l, err := c.Acquire(ctx, s)
		require.NoError(t, err)
		leases[i] = l
	}

	c.mu.Lock()
	require.Len(t, c.bySector, len(sectors), "exactly one bound frame per acquired sector")
	seen := make(map[*frame]bool, len(sectors))
	for _, s := range sectors {
		el, ok := c.bySector[s]
		require.True(t, ok)
		f := el.Value.(*frame)
		require.Equal(t, s, f.sector)
		require.False(t, seen[f], "two sectors must never share a frame")
		seen[f] = true
	}
	c.mu.Unlock()

	for _, l := range leases {
		c.Release(l, false)
	}
}

// TestAcquireSameSectorConcurrentlyWaitsForRelease shows that a second
// Acquire for a sector already bound and leased out blocks until the
// first lease is released, rather than racing in to bind a second frame
// to the same sector.
func TestAcquireSameSectorConcurrentlyWaitsForRelease(t *testing.T) {
	c, _, cleanup := newTestCache(t, 4)
	defer cleanup()
	ctx := context.Background()

	l1, err := c.Acquire(ctx, 5)
	require.NoError(t, err)

	done := make(chan *Lease, 1)
	go func() {
		l2, err := c.Acquire(ctx, 5)
		require.NoError(t, err)
		done <- l2
	}()

	select {
	case <-done:
		t.Fatal("second Acquire for a busy sector must block until Release")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(l1, false)

	select {
	case l2 := <-done:
		require.Same(t, l1.elem, l2.elem, "the waiter must be handed the same frame, not a second one")
		c.Release(l2, false)
	case <-time.After(time.Second):
		t.Fatal("second Acquire never unblocked after Release")
	}
}

// TestEvictionAtSmallCacheSizeKeepsDataCorrect exercises scenario 3: with
// a four-frame cache, writing to twice that many distinct sectors forces
// repeated eviction, and every marker must still read back correctly
// once the working set no longer fits in the pool.
func TestEvictionAtSmallCacheSizeKeepsDataCorrect(t *testing.T) {
	metrics := &fakeMetrics{}
	c, _, cleanup := newTestCache(t, 4, WithMetrics(metrics))
	defer cleanup()
	ctx := context.Background()

	const numSectors = 8
	for s := uint32(0); s < numSectors; s++ {
		writeMarker(t, ctx, c, 20+s, byte(s+1))
	}

	evictions, _ := metrics.snapshot()
	require.GreaterOrEqual(t, evictions, numSectors-4, "more distinct sectors than frames must evict")

	for s := uint32(0); s < numSectors; s++ {
		got := readMarker(t, ctx, c, 20+s)
		require.Equalf(t, byte(s+1), got, "sector %d must read back its own marker after eviction pressure", 20+s)
	}
}

// TestEvictionAtCacheSizeEightKeepsDataCorrect repeats the scenario-3
// check with an eight-frame cache and sixteen distinct sectors.
func TestEvictionAtCacheSizeEightKeepsDataCorrect(t *testing.T) {
	c, _, cleanup := newTestCache(t, 8)
	defer cleanup()
	ctx := context.Background()

	const numSectors = 16
	for s := uint32(0); s < numSectors; s++ {
		writeMarker(t, ctx, c, 40+s, byte(s*3+1))
	}
	for s := uint32(0); s < numSectors; s++ {
		got := readMarker(t, ctx, c, 40+s)
		require.Equalf(t, byte(s*3+1), got, "sector %d must read back its own marker after eviction pressure", 40+s)
	}
}

// TestFlushAllDirtyClearsEveryDirtyBit exercises invariant 2: a
// FlushAllDirty call writes back every dirty frame and clears its dirty
// bit, so a second call immediately after has nothing left to do.
func TestFlushAllDirtyClearsEveryDirtyBit(t *testing.T) {
	metrics := &fakeMetrics{}
	c, dev, cleanup := newTestCache(t, 4, WithMetrics(metrics))
	defer cleanup()
	ctx := context.Background()

	writeMarker(t, ctx, c, 60, 0xAA)
	writeMarker(t, ctx, c, 61, 0xBB)
	writeMarker(t, ctx, c, 62, 0xCC)

	require.NoError(t, c.FlushAllDirty(ctx))

	_, flushes := metrics.snapshot()
	require.Equal(t, []int{3}, flushes, "one flush cycle covering all three dirty frames")

	buf := make([]byte, block.SectorSize)
	require.NoError(t, dev.ReadSector(ctx, 60, buf))
	require.Equal(t, byte(0xAA), buf[0])
	require.NoError(t, dev.ReadSector(ctx, 61, buf))
	require.Equal(t, byte(0xBB), buf[0])
	require.NoError(t, dev.ReadSector(ctx, 62, buf))
	require.Equal(t, byte(0xCC), buf[0])

	require.NoError(t, c.FlushAllDirty(ctx))
	_, flushes = metrics.snapshot()
	require.Equal(t, []int{3}, flushes, "a second flush with nothing dirty must not record a new cycle")
}

// TestPrefetchWarmsFrameWithoutCorruption exercises scenario 4: Prefetch
// hands a sector to the read-ahead worker, which must bind it with
// exactly the bytes already on disk.
func TestPrefetchWarmsFrameWithoutCorruption(t *testing.T) {
	ctx := context.Background()
	dev := block.NewMemDevice(testCacheTotalSectors)

	seed := make([]byte, block.SectorSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	require.NoError(t, dev.WriteSector(ctx, 70, seed))

	runCtx, cancel := context.WithCancel(context.Background())
	c := New(runCtx, dev, 4, 20*time.Millisecond)
	defer func() {
		_ = c.Close(context.Background())
		cancel()
		_ = dev.Close()
	}()

	c.Prefetch(70)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		el, ok := c.bySector[70]
		c.mu.Unlock()
		return ok && !el.Value.(*frame).busy
	}, time.Second, 5*time.Millisecond, "read-ahead worker must bind the prefetched sector")

	l, err := c.Acquire(ctx, 70)
	require.NoError(t, err)
	require.Equal(t, seed, l.Data(), "prefetched frame must hold exactly what was on disk, unaltered")
	c.Release(l, false)
}
