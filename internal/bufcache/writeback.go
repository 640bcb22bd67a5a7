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
	"time"
)

// writeBackLoop sleeps for interval, flushes every dirty frame, and
// repeats until ctx is canceled. The write-back contract is only that
// dirty data becomes persistent within a bounded time in steady state,
// not that any single cycle is a barrier.
func (c *Cache) writeBackLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			_ = c.FlushAllDirty(ctx)
		}
	}
}
