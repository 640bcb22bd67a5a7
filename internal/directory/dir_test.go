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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockfs-io/blockfs/internal/block"
	"github.com/blockfs-io/blockfs/internal/bufcache"
	"github.com/blockfs-io/blockfs/internal/freemap"
	"github.com/blockfs-io/blockfs/internal/inode"
)

const testTotalSectors = 4096

func newTestLayer(t *testing.T) (*inode.Layer, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dev := block.NewMemDevice(testTotalSectors)
	cache := bufcache.New(ctx, dev, 32, 0)

	fm, err := freemap.Create(ctx, dev, 1, testTotalSectors, []uint32{10})
	require.NoError(t, err)

	layer := inode.NewLayer(cache, fm)
	cleanup := func() {
		_ = cache.Close(context.Background())
		cancel()
		_ = dev.Close()
	}
	return layer, cleanup
}

func readdirAll(t *testing.T, ctx context.Context, layer *inode.Layer, h *inode.Handle) []string {
	t.Helper()
	d := WrapHandle(h)
	var names []string
	for {
		name, ok, err := Readdir(ctx, layer, d)
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, name)
	}
	return names
}

func TestAddRemoveAdd(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, Create(ctx, l, 10, 10, 8))
	h := l.Open(10)
	defer l.Close(ctx, h)

	require.NoError(t, Add(ctx, l, h, "a", 20))
	require.NoError(t, Add(ctx, l, h, "b", 30))
	require.NoError(t, Remove(ctx, l, h, "a"))
	require.NoError(t, Add(ctx, l, h, "a", 40))

	e, ok, err := Lookup(ctx, l, h, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 40, e.Sector)

	e, ok, err = Lookup(ctx, l, h, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 30, e.Sector)

	names := readdirAll(t, ctx, l, h)
	require.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestAddExistingNameRejected(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, Create(ctx, l, 10, 10, 8))
	h := l.Open(10)
	defer l.Close(ctx, h)

	require.NoError(t, Add(ctx, l, h, "a", 20))
	err := Add(ctx, l, h, "a", 999)
	require.ErrorIs(t, err, ErrExists)

	e, ok, err := Lookup(ctx, l, h, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 20, e.Sector, "the directory must be unmodified after a rejected add")
}

func TestNonEmptyRmdirRefused(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, Create(ctx, l, 10, 10, 8))
	parent := l.Open(10)
	defer l.Close(ctx, parent)

	require.NoError(t, Create(ctx, l, 20, 10, 8))
	require.NoError(t, Add(ctx, l, parent, "d", 20))

	child := l.Open(20)
	require.NoError(t, Add(ctx, l, child, "f", 30))
	require.NoError(t, l.Create(ctx, 30, 0, false))
	require.NoError(t, l.Close(ctx, child))

	err := Remove(ctx, l, parent, "d")
	require.ErrorIs(t, err, ErrNotEmpty)

	_, ok, err := Lookup(ctx, l, parent, "d")
	require.NoError(t, err)
	require.True(t, ok, "directory must remain intact after a refused rmdir")

	child = l.Open(20)
	require.NoError(t, Remove(ctx, l, child, "f"))
	require.NoError(t, l.Close(ctx, child))

	require.NoError(t, Remove(ctx, l, parent, "d"))
	_, ok, err = Lookup(ctx, l, parent, "d")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReaddirSkipsReservedSlots(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, Create(ctx, l, 10, 10, 8))
	h := l.Open(10)
	defer l.Close(ctx, h)

	require.NoError(t, Add(ctx, l, h, "only", 20))

	names := readdirAll(t, ctx, l, h)
	require.Equal(t, []string{"only"}, names)
}

func TestResolveParentAndFinalMode(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, Create(ctx, l, 10, 10, 8))
	require.NoError(t, l.Create(ctx, 20, 0, false))

	root := l.Open(10)
	require.NoError(t, Add(ctx, l, root, "file", 20))
	require.NoError(t, l.Close(ctx, root))

	h, name, err := Resolve(ctx, l, 10, 10, "/file", ModeParent)
	require.NoError(t, err)
	require.Equal(t, "file", name)
	require.EqualValues(t, 10, h.Sector())
	require.NoError(t, l.Close(ctx, h))

	h, _, err = Resolve(ctx, l, 10, 10, "/file", ModeFinal)
	require.NoError(t, err)
	require.EqualValues(t, 20, h.Sector())
	require.NoError(t, l.Close(ctx, h))

	_, _, err = Resolve(ctx, l, 10, 10, "/missing", ModeFinal)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveTrailingSlashRequiresDirectory(t *testing.T) {
	l, cleanup := newTestLayer(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, Create(ctx, l, 10, 10, 8))
	require.NoError(t, l.Create(ctx, 20, 0, false))

	root := l.Open(10)
	require.NoError(t, Add(ctx, l, root, "file", 20))
	require.NoError(t, l.Close(ctx, root))

	_, _, err := Resolve(ctx, l, 10, 10, "/file/", ModeFinal)
	require.ErrorIs(t, err, ErrNotDirectory)
}
