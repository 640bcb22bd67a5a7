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
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockfs-io/blockfs/internal/block"
	"github.com/blockfs-io/blockfs/internal/bufcache"
	"github.com/blockfs-io/blockfs/internal/freemap"
)

const testTotalSectors = 4096

func newTestLayer(t *testing.T) (*Layer, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dev := block.NewMemDevice(testTotalSectors)
	cache := bufcache.New(ctx, dev, 32, 0)

	fm, err := freemap.Create(ctx, dev, 1, testTotalSectors, []uint32{10})
	require.NoError(t, err)

	layer := NewLayer(cache, fm)
	cleanup := func() {
		_ = cache.Close(context.Background())
		cancel()
		_ = dev.Close()
	}
	return layer, cleanup
}

func TestOpenSameSectorReturnsSameHandle(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, 10, 0, false))

	h1 := l.Open(10)
	h2 := l.Open(10)
	require.Same(t, h1, h2)
	require.Equal(t, 2, h1.OpenCount())

	require.NoError(t, l.Close(ctx, h1))
	require.NoError(t, l.Close(ctx, h2))
}

func TestDenyWriteInvariant(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, 10, 0, false))
	h := l.Open(10)
	defer l.Close(ctx, h)

	require.True(t, h.CanWrite())
	h.DenyWrite()
	require.False(t, h.CanWrite())
	require.LessOrEqual(t, 1, h.OpenCount())

	// A second opener may also deny writes; deny_write_count stays within
	// open_count.
	l.Reopen(h)
	defer l.Close(ctx, h)
	h.DenyWrite()
	h.AllowWrite()
	require.False(t, h.CanWrite())
	h.AllowWrite()
	require.True(t, h.CanWrite())
}

func TestLengthNeverDecreases(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, 10, 0, false))
	h := l.Open(10)
	defer l.Close(ctx, h)

	buf := make([]byte, 100)
	n, err := l.WriteAt(ctx, h, buf, 1000)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	length, err := l.Length(ctx, h)
	require.NoError(t, err)
	require.EqualValues(t, 1100, length)

	n, err = l.WriteAt(ctx, h, buf[:10], 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	length, err = l.Length(ctx, h)
	require.NoError(t, err)
	require.EqualValues(t, 1100, length, "writing within the file must not shrink length")
}

func TestWriteReadRoundTrip(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, 10, 0, false))
	h := l.Open(10)
	defer l.Close(ctx, h)

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 7)
	}

	n, err := l.WriteAt(ctx, h, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	out := make([]byte, len(data))
	n, err = l.ReadAt(ctx, h, out, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, out)
}

// TestSparseWriteZeroFillsHole exercises scenario 1: writing past the
// current end of file leaves the gap reading back as zero.
func TestSparseWriteZeroFillsHole(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, 10, 0, false))
	h := l.Open(10)
	defer l.Close(ctx, h)

	tail := []byte{0xAA}
	n, err := l.WriteAt(ctx, h, tail, 2000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	gap := make([]byte, 2000)
	n, err = l.ReadAt(ctx, h, gap, 0)
	require.NoError(t, err)
	require.Equal(t, 2000, n)
	for i, b := range gap {
		require.Equalf(t, byte(0), b, "byte %d of hole must read back as zero", i)
	}
}

// TestCrossSectorWriteLeavesEarlierBytesZero exercises scenario 2: a
// 1024-byte write at offset 500 spans three sectors, reads back intact,
// and must not disturb bytes 0-499 of the first sector.
func TestCrossSectorWriteLeavesEarlierBytesZero(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, 10, 0, false))
	h := l.Open(10)
	defer l.Close(ctx, h)

	data := make([]byte, 1024)
	for i := range data {
		data[i] = 0xAA
	}
	n, err := l.WriteAt(ctx, h, data, 500)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = l.ReadAt(ctx, h, got, 500)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, got)

	first := make([]byte, block.SectorSize)
	n, err = l.ReadAt(ctx, h, first, 0)
	require.NoError(t, err)
	require.Equal(t, block.SectorSize, n)
	for i := 0; i < 500; i++ {
		require.Equalf(t, byte(0), first[i], "byte %d must be zero", i)
	}
	require.Equal(t, byte(0xAA), first[500])
}

// TestIndirectAndDoublyIndirectMapping exercises block indices that
// require the singly- and doubly-indirect pointer chains.
func TestIndirectAndDoublyIndirectMapping(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, 10, 0, false))
	h := l.Open(10)
	defer l.Close(ctx, h)

	offsets := []int64{
		int64(DirectBlocks) * block.SectorSize,                                  // first singly-indirect sector
		int64(DirectBlocks+BlocksPerSector-1) * block.SectorSize,                // last singly-indirect sector
		int64(DirectBlocks+BlocksPerSector) * block.SectorSize,                  // first doubly-indirect sector
		int64(DirectBlocks+BlocksPerSector+BlocksPerSector*2+3) * block.SectorSize, // deep into doubly-indirect
	}

	for _, off := range offsets {
		marker := []byte{byte(off % 251)}
		n, err := l.WriteAt(ctx, h, marker, off)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got := make([]byte, 1)
		n, err = l.ReadAt(ctx, h, got, off)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, marker[0], got[0])
	}
}

func TestRemoveFreesBlocksOnLastClose(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, 10, 0, false))
	h1 := l.Open(10)
	h2 := l.Open(10)

	data := make([]byte, int64(DirectBlocks+5)*block.SectorSize)
	n, err := l.WriteAt(ctx, h1, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	firstDataSector, _, err := l.mapBlock(ctx, h1, 0, false)
	require.NoError(t, err)
	require.NotEqual(t, block.NoSector, firstDataSector)

	l.Remove(h1)
	require.NoError(t, l.Close(ctx, h1))

	// Still open via h2: blocks must not be released while a reference
	// remains, so the freed-up low sector must not yet be allocatable.
	busy, ok := l.fm.Allocate(ctx, 1)
	require.True(t, ok)
	require.NotEqual(t, firstDataSector, busy)
	l.fm.Release(ctx, busy, 1)

	require.NoError(t, l.Close(ctx, h2))

	after, ok := l.fm.Allocate(ctx, 1)
	require.True(t, ok)
	require.Equalf(t, firstDataSector, after, "closing the last reference to a removed inode must release its data blocks")
}
