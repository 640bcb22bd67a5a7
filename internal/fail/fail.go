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

// Package fail holds the core's two non-recoverable failure paths: a
// faulty block device and a violated programming invariant. Both are
// treated as fatal per the design (no retry loops in the core).
package fail

import (
	"fmt"
	"log/slog"
)

// Device panics after reporting a device I/O failure. The core assumes a
// non-faulty block device; a read or write error below the cache has no
// recovery strategy.
func Device(op string, sector uint32, err error) {
	slog.Default().Error("fatal device error", "op", op, "sector", sector, "err", err)
	panic(fmt.Sprintf("blockfs: fatal device error during %s(sector=%d): %v", op, sector, err))
}

// Assert panics if cond is false, reporting msg. Used for invariants the
// core must never observe violated, such as 0 <= deny_write_count <=
// open_count.
func Assert(cond bool, msg string) {
	if !cond {
		slog.Default().Error("assertion failed", "msg", msg)
		panic("blockfs: assertion failed: " + msg)
	}
}
