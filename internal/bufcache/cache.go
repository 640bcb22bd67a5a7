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

// Package bufcache implements the fixed-capacity, write-back buffer
// cache that sits between the inode layer and the block device. It is
// the only code path in the module that touches the device directly.
package bufcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blockfs-io/blockfs/internal/block"
	"github.com/blockfs-io/blockfs/internal/fail"
)

// DefaultFrameCount is the default pool size.
const DefaultFrameCount = 64

// DefaultWriteBackInterval is how often the write-back worker flushes
// dirty frames in steady state.
const DefaultWriteBackInterval = 100 * time.Millisecond

// Metrics receives cache events. All methods are no-ops on a nil
// Metrics; Cache never calls through a nil receiver.
type Metrics interface {
	Hit()
	Miss()
	Eviction()
	FlushCycle(dirtyFrames int, d time.Duration)
}

// frame is one element of the cache pool.
type frame struct {
	sector   uint32
	bound    bool
	data     []byte
	dirty    bool
	accessed bool
	busy     bool
}

// Lease is exclusive, short-lived access to a frame's payload, obtained
// from Cache.Acquire and returned via Cache.Release.
type Lease struct {
	elem *list.Element
}

// Sector returns the device sector this lease's frame is bound to.
func (l *Lease) Sector() uint32 { return l.elem.Value.(*frame).sector }

// Data returns the frame's sector-sized payload. The slice is valid only
// until the lease is released.
func (l *Lease) Data() []byte { return l.elem.Value.(*frame).data }

// Cache is a fixed pool of sector-sized frames providing exclusive
// short-lived leases, a clock replacement policy, and write-back of
// dirty frames.
type Cache struct {
	dev     block.Device
	metrics Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	order    *list.List // list of *frame, ordered oldest-released-first
	bySector map[uint32]*list.Element

	raSector  uint32
	raPresent bool
	stopped   bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures New.
type Option func(*Cache)

// WithMetrics attaches a Metrics sink to the cache.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New builds a Cache of numFrames frames over dev and starts its
// read-ahead and write-back workers, supervised by an errgroup bound to
// ctx. Call Close to stop the workers and perform a final synchronous
// flush.
func New(ctx context.Context, dev block.Device, numFrames int, writeBackInterval time.Duration, opts ...Option) *Cache {
	if numFrames <= 0 {
		numFrames = DefaultFrameCount
	}
	if writeBackInterval <= 0 {
		writeBackInterval = DefaultWriteBackInterval
	}

	c := &Cache{
		dev:      dev,
		order:    list.New(),
		bySector: make(map[uint32]*list.Element, numFrames),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}

	for i := 0; i < numFrames; i++ {
		c.order.PushBack(&frame{data: make([]byte, block.SectorSize)})
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	c.group = group
	group.Go(func() error { c.readAheadLoop(gctx); return nil })
	group.Go(func() error { c.writeBackLoop(gctx, writeBackInterval); return nil })

	return c
}

// Acquire returns a frame bound to sector, reading it from disk first if
// necessary. On return the caller holds exclusive access to the frame's
// payload until it calls Release.
func (c *Cache) Acquire(ctx context.Context, sector uint32) (*Lease, error) {
	c.mu.Lock()
	for {
		if el, ok := c.bySector[sector]; ok {
			f := el.Value.(*frame)
			if f.busy {
				c.cond.Wait()
				continue
			}
			f.busy = true
			f.accessed = true
			c.mu.Unlock()
			c.hit()
			return &Lease{elem: el}, nil
		}

		el := c.scanVictimLocked()
		if el == nil {
			// Every frame is busy; wait for one to be released.
			c.cond.Wait()
			continue
		}

		f := el.Value.(*frame)
		oldBound := f.bound
		oldSector := f.sector
		oldDirty := f.dirty
		// The victim keeps its old binding and stays busy across the
		// unlocked flush/read below, so a concurrent Acquire(oldSector)
		// still finds this frame in bySector and waits on it instead of
		// missing the map, picking a second victim, and reading back
		// oldSector before the dirty flush below lands. The new sector is
		// mapped to the frame now as well, so a concurrent Acquire(sector)
		// waits on this frame instead of binding a second one to sector.
		f.busy = true
		c.bySector[sector] = el
		c.mu.Unlock()

		c.miss()
		if oldBound {
			c.eviction()
		}
		if oldBound && oldDirty {
			if err := c.dev.WriteSector(ctx, oldSector, f.data); err != nil {
				fail.Device("write", oldSector, err)
			}
		}
		if err := c.dev.ReadSector(ctx, sector, f.data); err != nil {
			fail.Device("read", sector, err)
		}

		c.mu.Lock()
		if oldBound {
			delete(c.bySector, oldSector)
		}
		f.sector = sector
		f.bound = true
		f.dirty = false
		f.accessed = true
		c.bySector[sector] = el
		c.mu.Unlock()
		return &Lease{elem: el}, nil
	}
}

// scanVictimLocked implements the clock (second-chance) replacement
// policy. Caller must hold c.mu. Returns nil only if every frame is
// currently busy.
func (c *Cache) scanVictimLocked() *list.Element {
	for pass := 0; pass < 2; pass++ {
		for e := c.order.Front(); e != nil; e = e.Next() {
			f := e.Value.(*frame)
			if f.busy {
				continue
			}
			if f.accessed {
				f.accessed = false
				continue
			}
			return e
		}
	}
	return nil
}

// Release clears the lease's busy bit, ORs markDirty into the frame's
// dirty bit, moves the frame to the tail of the replacement list, and
// wakes waiters.
func (c *Cache) Release(l *Lease, markDirty bool) {
	c.mu.Lock()
	f := l.elem.Value.(*frame)
	f.busy = false
	f.dirty = f.dirty || markDirty
	c.order.MoveToBack(l.elem)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// FlushAllDirty writes every dirty frame to disk and clears its dirty
// bit. It restarts its scan whenever it had to block waiting for a busy
// dirty frame, since the pool's order can change meanwhile; the
// contract is best-effort within one call, not a barrier against
// concurrent writers.
func (c *Cache) FlushAllDirty(ctx context.Context) error {
	flushed := 0
	start := time.Now()
	defer func() {
		if c.metrics != nil && flushed > 0 {
			c.metrics.FlushCycle(flushed, time.Since(start))
		}
	}()

outer:
	for {
		c.mu.Lock()
		var target *list.Element
		for e := c.order.Front(); e != nil; e = e.Next() {
			f := e.Value.(*frame)
			if !f.bound || !f.dirty {
				continue
			}
			if f.busy {
				c.cond.Wait()
				c.mu.Unlock()
				continue outer
			}
			target = e
			break
		}
		if target == nil {
			c.mu.Unlock()
			return nil
		}
		f := target.Value.(*frame)
		f.busy = true
		sector := f.sector
		c.mu.Unlock()

		if err := c.dev.WriteSector(ctx, sector, f.data); err != nil {
			fail.Device("write", sector, err)
		}
		flushed++

		c.mu.Lock()
		f.dirty = false
		f.busy = false
		c.order.MoveToBack(target)
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// Prefetch hands sector to the read-ahead worker, coalescing with any
// not-yet-consumed pending prefetch. Non-blocking.
func (c *Cache) Prefetch(sector uint32) {
	c.mu.Lock()
	c.raSector = sector
	c.raPresent = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Close stops the read-ahead and write-back workers and performs one
// final synchronous flush of dirty frames.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	_ = c.group.Wait()

	return c.FlushAllDirty(ctx)
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.Hit()
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.Miss()
	}
}

func (c *Cache) eviction() {
	if c.metrics != nil {
		c.metrics.Eviction()
	}
}
