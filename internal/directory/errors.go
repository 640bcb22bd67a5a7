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

import "errors"

var (
	// ErrNotFound is returned by Remove and the path resolver when a
	// named entry or path component does not exist. Lookup reports a
	// missing name with found=false instead.
	ErrNotFound = errors.New("directory: entry not found")

	// ErrExists is returned by Add when the name is already present.
	ErrExists = errors.New("directory: entry already exists")

	// ErrNotEmpty is returned by Remove when the target is a directory
	// with at least one live entry beyond the reserved "." and ".." slots.
	ErrNotEmpty = errors.New("directory: directory not empty")

	// ErrInvalidName is returned for empty names or names longer than
	// NameMax.
	ErrInvalidName = errors.New("directory: invalid name")

	// ErrNotDirectory is returned by the path resolver when a path
	// component that must be a directory (an interior component, or a
	// component with a trailing slash) resolves to a non-directory
	// inode.
	ErrNotDirectory = errors.New("directory: not a directory")
)
