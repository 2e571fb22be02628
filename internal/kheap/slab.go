// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kheap

import (
	"context"
	"sync"

	"github.com/kestrel-os/kestrel/internal/percpu"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// magazineSize is the number of objects a single magazine holds, the
// granularity at which the depot hands objects to (and takes them back
// from) a CPU's local cache.
const magazineSize = 16

type magazine struct {
	objs []uintptr // addresses of free objects, used as a stack
}

func newEmptyMagazine() *magazine {
	return &magazine{objs: make([]uintptr, 0, magazineSize)}
}

func (m *magazine) pop() (uintptr, bool) {
	if len(m.objs) == 0 {
		return 0, false
	}
	n := len(m.objs) - 1
	addr := m.objs[n]
	m.objs = m.objs[:n]
	return addr, true
}

func (m *magazine) push(addr uintptr) bool {
	if len(m.objs) == magazineSize {
		return false
	}
	m.objs = append(m.objs, addr)
	return true
}

// cpuState is one CPU's two-magazine local cache for a given Cache.
type cpuState struct {
	loaded   *magazine
	previous *magazine
}

// Ctor initializes a freshly carved object. It runs exactly once per
// object lifetime in the cache, when the slab containing it is carved.
type Ctor func(addr uintptr, data any) error

// Dtor tears down an object. It runs exactly once per object, only when
// the slab containing it is torn down (on Destroy), never on an
// individual Free.
type Dtor func(addr uintptr, data any)

// slabRange records one carved slab's backing memory, so Destroy can
// walk every object ever constructed and hand the memory back to arena.
type slabRange struct {
	base  uintptr
	count int
}

func isPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

func roundUpTo(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// Cache is a slab allocator for fixed-size objects, nested on top of a
// VAArena. Its per-CPU magazine pair plus mutex-guarded depot follows the
// Bonwick magazine-layer design (spec §4.C): a CPU only contends on the
// depot when both of its local magazines are simultaneously empty (on
// alloc) or simultaneously full (on free).
type Cache struct {
	name    string
	objSize uintptr
	align   uintptr
	ctor    Ctor
	dtor    Dtor
	data    any
	arena   *VAArena

	depotMu sync.Mutex
	full    []*magazine
	empty   []*magazine

	mu          sync.Mutex
	outstanding map[uintptr]bool
	slabs       []slabRange

	scratchKey string
}

// NewCache creates a cache of fixed-size objects, aligned to align bytes
// (a power of two; 0 means unaligned), backed by arena. ctor runs once
// per object when its slab is carved; dtor runs once per object when its
// slab is torn down by Destroy. Either may be nil.
func NewCache(name string, objSize, align uintptr, ctor Ctor, dtor Dtor, data any, arena *VAArena) (*Cache, error) {
	if objSize == 0 {
		return nil, status.Newf(status.InvalidArg, "kheap: cache %q object size must be nonzero", name)
	}
	if align == 0 {
		align = 1
	}
	if !isPowerOfTwo(align) {
		return nil, status.Newf(status.InvalidArg, "kheap: cache %q alignment %d is not a power of two", name, align)
	}
	return &Cache{
		name:        name,
		objSize:     roundUpTo(objSize, align),
		align:       align,
		ctor:        ctor,
		dtor:        dtor,
		data:        data,
		arena:       arena,
		outstanding: make(map[uintptr]bool),
		scratchKey:  "kheap.cache." + name,
	}, nil
}

func (c *Cache) state(cell *percpu.Cell) *cpuState {
	if s, ok := cell.Scratch(c.scratchKey).(*cpuState); ok {
		return s
	}
	s := &cpuState{loaded: newEmptyMagazine(), previous: newEmptyMagazine()}
	cell.PutScratch(c.scratchKey, s)
	return s
}

func (c *Cache) markOutstanding(addr uintptr) {
	c.mu.Lock()
	c.outstanding[addr] = true
	c.mu.Unlock()
}

// owns reports whether addr falls within a slab this cache carved, at an
// object boundary.
func (c *Cache) owns(addr uintptr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sl := range c.slabs {
		end := sl.base + uintptr(sl.count)*c.objSize
		if addr >= sl.base && addr < end && (addr-sl.base)%c.objSize == 0 {
			return true
		}
	}
	return false
}

// Alloc returns one object's address from cell's local magazines,
// refilling from the depot (or growing a new slab) as needed.
func (c *Cache) Alloc(ctx context.Context, cell *percpu.Cell) (uintptr, error) {
	s := c.state(cell)

	if addr, ok := s.loaded.pop(); ok {
		c.markOutstanding(addr)
		return addr, nil
	}
	if addr, ok := s.previous.pop(); ok {
		s.loaded, s.previous = s.previous, s.loaded
		c.markOutstanding(addr)
		return addr, nil
	}

	full, err := c.depotGetFull(ctx)
	if err != nil {
		return 0, err
	}
	c.depotPutEmpty(s.loaded)
	s.loaded = full
	addr, _ := s.loaded.pop()
	c.markOutstanding(addr)
	return addr, nil
}

// Free returns an object to cell's local magazines, pushing a full
// magazine out to the depot when both are at capacity. It fails if addr
// did not originate from this cache or is not currently handed out.
func (c *Cache) Free(cell *percpu.Cell, addr uintptr) error {
	if !c.owns(addr) {
		return status.Newf(status.InvalidArg, "kheap: object %#x does not belong to cache %q", addr, c.name)
	}

	c.mu.Lock()
	if !c.outstanding[addr] {
		c.mu.Unlock()
		return status.Newf(status.InvalidArg, "kheap: object %#x is not in handed-out state in cache %q", addr, c.name)
	}
	delete(c.outstanding, addr)
	c.mu.Unlock()

	s := c.state(cell)
	if s.loaded.push(addr) {
		return nil
	}
	if s.previous.push(addr) {
		s.loaded, s.previous = s.previous, s.loaded
		return nil
	}

	c.depotPutFull(s.loaded)
	s.loaded = c.depotGetEmptyOrNew()
	s.loaded.push(addr)
	return nil
}

// Destroy tears down every slab the cache carved, running dtor once per
// object, and returns the backing memory to arena. It fails with InUse
// if any object is still outstanding.
func (c *Cache) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if n := len(c.outstanding); n > 0 {
		c.mu.Unlock()
		return status.Newf(status.InUse, "kheap: cache %q destroyed with %d object(s) outstanding", c.name, n)
	}
	slabs := c.slabs
	c.slabs = nil
	c.mu.Unlock()

	for _, sl := range slabs {
		if c.dtor != nil {
			for i := 0; i < sl.count; i++ {
				c.dtor(sl.base+uintptr(i)*c.objSize, c.data)
			}
		}
		if err := c.arena.Free(ctx, sl.base, uintptr(sl.count)*c.objSize); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) depotGetFull(ctx context.Context) (*magazine, error) {
	c.depotMu.Lock()
	if n := len(c.full); n > 0 {
		m := c.full[n-1]
		c.full = c.full[:n-1]
		c.depotMu.Unlock()
		return m, nil
	}
	c.depotMu.Unlock()
	return c.growSlab(ctx)
}

func (c *Cache) depotPutFull(m *magazine) {
	c.depotMu.Lock()
	c.full = append(c.full, m)
	c.depotMu.Unlock()
}

func (c *Cache) depotPutEmpty(m *magazine) {
	c.depotMu.Lock()
	c.empty = append(c.empty, m)
	c.depotMu.Unlock()
}

func (c *Cache) depotGetEmptyOrNew() *magazine {
	c.depotMu.Lock()
	if n := len(c.empty); n > 0 {
		m := c.empty[n-1]
		c.empty = c.empty[:n-1]
		c.depotMu.Unlock()
		return m
	}
	c.depotMu.Unlock()
	return newEmptyMagazine()
}

// growSlab carves one new slab of backing memory into magazineSize
// objects, running ctor once per object. Slabs are never returned to the
// arena except by Destroy: Kestrel trades an incremental shrink-back
// path for simplicity, matching spec §4.C's note that slab shrink-back
// is a quality-of-implementation choice rather than a required
// invariant.
func (c *Cache) growSlab(ctx context.Context) (*magazine, error) {
	slabSize := c.objSize * magazineSize
	base, err := c.arena.Alloc(ctx, slabSize)
	if err != nil {
		return nil, status.Wrap(status.NoMemory, err)
	}

	m := newEmptyMagazine()
	for i := uintptr(0); i < magazineSize; i++ {
		addr := base + i*c.objSize
		if c.ctor != nil {
			if err := c.ctor(addr, c.data); err != nil {
				for j := uintptr(0); j < i; j++ {
					if c.dtor != nil {
						c.dtor(base+j*c.objSize, c.data)
					}
				}
				_ = c.arena.Free(ctx, base, slabSize)
				return nil, status.Wrap(status.InvalidArg, err)
			}
		}
		m.objs = append(m.objs, addr)
	}

	c.mu.Lock()
	c.slabs = append(c.slabs, slabRange{base: base, count: magazineSize})
	c.mu.Unlock()
	return m, nil
}
