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

import "context"

// readAheadLoop drains the one-slot prefetch mailbox, warming the cache
// for whatever sector was last requested. present is checked under the
// cache lock so a Prefetch call arriving while the worker is between
// Wait and the mailbox check is never lost.
func (c *Cache) readAheadLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		for !c.raPresent && !c.stopped {
			c.cond.Wait()
		}
		if c.stopped {
			c.mu.Unlock()
			return
		}
		sector := c.raSector
		c.raPresent = false
		c.mu.Unlock()

		l, err := c.Acquire(ctx, sector)
		if err != nil {
			continue
		}
		c.Release(l, false)
	}
}
