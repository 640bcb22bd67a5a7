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
	"strings"

	"github.com/blockfs-io/blockfs/internal/inode"
)

// Mode selects how Resolve stops.
type Mode int

const (
	// ModeFinal resolves every component and returns the last
	// component's own handle.
	ModeFinal Mode = iota

	// ModeParent stops one component early and returns the directory
	// that would contain the last component, plus that component's
	// name, unresolved.
	ModeParent
)

// Resolve walks path component by component starting from rootSector
// (if path is absolute) or cwdSector (otherwise), opening and closing
// intermediate directory handles as it goes. In ModeFinal, a trailing "/"
// constrains the final component to be a directory; ModeParent leaves
// the final component unresolved and does not check it. On any failure it releases
// every handle it opened and returns an error; the caller holds no
// handle in that case.
func Resolve(ctx context.Context, layer *inode.Layer, rootSector, cwdSector uint32, path string, mode Mode) (*inode.Handle, string, error) {
	comps, trailingSlash := splitPath(path)

	start := cwdSector
	if strings.HasPrefix(path, "/") {
		start = rootSector
	}
	cur := layer.Open(start)

	if len(comps) == 0 {
		if mode == ModeParent {
			layer.Close(ctx, cur)
			return nil, "", ErrNotFound
		}
		return cur, "", nil
	}

	for i, name := range comps {
		if len(name) > NameMax {
			layer.Close(ctx, cur)
			return nil, "", ErrInvalidName
		}

		last := i == len(comps)-1

		isDir, err := layer.IsDirectory(ctx, cur)
		if err != nil {
			layer.Close(ctx, cur)
			return nil, "", err
		}
		if !isDir {
			layer.Close(ctx, cur)
			return nil, "", ErrNotDirectory
		}

		if mode == ModeParent && last {
			return cur, name, nil
		}

		e, found, err := Lookup(ctx, layer, cur, name)
		if err != nil {
			layer.Close(ctx, cur)
			return nil, "", err
		}
		if !found {
			layer.Close(ctx, cur)
			return nil, "", ErrNotFound
		}

		child := layer.Open(e.Sector)
		layer.Close(ctx, cur)
		cur = child

		if last && trailingSlash {
			isDir, err := layer.IsDirectory(ctx, cur)
			if err != nil {
				layer.Close(ctx, cur)
				return nil, "", err
			}
			if !isDir {
				layer.Close(ctx, cur)
				return nil, "", ErrNotDirectory
			}
		}
	}

	return cur, "", nil
}

// splitPath breaks path into its non-empty components, collapsing
// consecutive "/" separators, and reports whether path ends in "/"
// (beyond the root path "/" itself).
func splitPath(path string) (comps []string, trailingSlash bool) {
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			comps = append(comps, p)
		}
	}
	trailingSlash = len(comps) > 0 && strings.HasSuffix(path, "/")
	return comps, trailingSlash
}
