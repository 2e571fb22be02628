// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmm

import (
	"github.com/kestrel-os/kestrel/pkg/status"
)

const (
	below16MiB = 16 << 20
	below4GiB  = 4 << 30
)

// AllocFlags constrains and modifies a physical allocation.
type AllocFlags uint32

const (
	// FlagDMA16 restricts the allocation to frames addressable by legacy
	// 24-bit DMA (below 16 MiB).
	FlagDMA16 AllocFlags = 1 << iota
	// FlagDMA32 restricts the allocation to frames below 4 GiB.
	FlagDMA32
	// FlagCanFail permits Alloc/AllocRange to return a NoMemory error
	// instead of escalating to a fatal invariant violation. Allocators
	// that omit it are asserting the allocation must not fail; Memory
	// panics with a *status.FatalError on exhaustion for those callers,
	// matching the boot/fatal-path allocators described in spec §4.B.
	FlagCanFail
)

// Memory is the kernel's physical page allocator: the three buddy pools
// plus the flat page-descriptor table that backs O(1) address lookup.
type Memory struct {
	pages []Page // indexed by frame number, covers [0, totalBytes)

	pool16  *Pool // below16MiB
	pool32  *Pool // [below16MiB, below4GiB)
	poolAny *Pool // [below4GiB, totalBytes)
}

// NewMemory describes a single contiguous physical arena of totalBytes,
// partitioned into the three DMA-constrained pools. totalBytes must be a
// multiple of PageSize and at least below16MiB.
func NewMemory(totalBytes uint64) (*Memory, error) {
	if totalBytes%PageSize != 0 {
		return nil, status.Newf(status.InvalidArg, "totalBytes %d is not page aligned", totalBytes)
	}
	if totalBytes < below16MiB {
		return nil, status.Newf(status.InvalidArg, "totalBytes %d smaller than the DMA16 region", totalBytes)
	}

	m := &Memory{pages: make([]Page, totalBytes/PageSize)}
	for i := range m.pages {
		m.pages[i].PhysAddr = uintptr(i) * PageSize
	}

	dma32End := below4GiB
	if uint64(dma32End) > totalBytes {
		dma32End = int(totalBytes)
	}

	m.pool16 = newPool("dma16", 0, below16MiB/PageSize)
	m.pool16.linkPages(m.pages)

	if uint64(dma32End) > below16MiB {
		m.pool32 = newPool("dma32", below16MiB/PageSize, uint64(dma32End-below16MiB)/PageSize)
		m.pool32.linkPages(m.pages)
	} else {
		m.pool32 = newPool("dma32", below16MiB/PageSize, 0)
	}

	if totalBytes > uint64(dma32End) {
		m.poolAny = newPool("general", uint64(dma32End)/PageSize, (totalBytes-uint64(dma32End))/PageSize)
		m.poolAny.linkPages(m.pages)
	} else {
		m.poolAny = newPool("general", totalBytes/PageSize, 0)
	}

	return m, nil
}

// linkPages stamps each Page this pool owns with a back-pointer to the
// pool, so Free can route without the caller tracking which pool an
// address came from.
func (p *Pool) linkPages(pages []Page) {
	for f := p.baseFrame; f < p.baseFrame+p.frames; f++ {
		pages[f].pool = p
	}
}

// poolsInPreferenceOrder returns the candidate pools for flags, ordered
// highest-address first so that plain allocations conserve scarce
// DMA-constrained memory for callers that actually need it.
func (m *Memory) poolsInPreferenceOrder(flags AllocFlags) []*Pool {
	switch {
	case flags&FlagDMA16 != 0:
		return []*Pool{m.pool16}
	case flags&FlagDMA32 != 0:
		return []*Pool{m.pool32, m.pool16}
	default:
		return []*Pool{m.poolAny, m.pool32, m.pool16}
	}
}

// Alloc reserves count contiguous pages and returns pointers to their
// descriptors, newly marked StateAllocated with a reference count of 1.
func (m *Memory) Alloc(count int, flags AllocFlags) ([]*Page, error) {
	if count <= 0 {
		return nil, status.Newf(status.InvalidArg, "alloc count must be positive, got %d", count)
	}

	var lastErr error
	for _, pool := range m.poolsInPreferenceOrder(flags) {
		if pool.frames == 0 {
			continue
		}
		frame, err := pool.alloc(uint64(count))
		if err != nil {
			lastErr = err
			continue
		}
		order := orderFor(uint64(count))
		extra := (uint64(1) << order) - uint64(count)
		if extra > 0 {
			// Hand back the tail of the rounded-up block immediately:
			// callers ask for exactly count pages, not the buddy order.
			// Freeing it frame by frame lets the buddy free path coalesce
			// it into aligned blocks.
			for f := frame + uint64(count); f < frame+(uint64(1)<<order); f++ {
				if err := pool.free(f, 1); err != nil {
					panic(status.NewFatal("pmm: failed returning buddy remainder: %v", err))
				}
			}
		}
		pages := make([]*Page, count)
		for i := 0; i < count; i++ {
			pg := &m.pages[frame+uint64(i)]
			pg.setState(StateAllocated)
			pg.flags.Store(0)
			pg.refs.Store(1)
			pg.Owner = nil
			pages[i] = pg
		}
		return pages, nil
	}

	if flags&FlagCanFail == 0 {
		panic(status.NewFatal("pmm: non-failable allocation of %d pages exhausted all pools: %v", count, lastErr))
	}
	if lastErr == nil {
		lastErr = status.Newf(status.NoMemory, "no pool can serve %d pages for flags %v", count, flags)
	}
	return nil, lastErr
}

// AllocRange reserves count contiguous pages subject to placement
// constraints, used by DMA setup: the result starts at an address
// satisfying ((base + phase) % align == 0), does not straddle a
// noCross-byte boundary, and lies entirely within [min, max). align,
// phase, noCross, min and max are byte quantities; zero disables the
// corresponding constraint. The underlying pools are buddy allocators:
// candidate blocks are taken at the smallest order that can satisfy both
// count and align and checked against every constraint. Blocks that miss
// are held until one fits or the pool runs out, then released, and the
// next pool is tried.
func (m *Memory) AllocRange(count int, align, phase, noCross, min, max uint64, flags AllocFlags) ([]*Page, error) {
	if count <= 0 {
		return nil, status.Newf(status.InvalidArg, "alloc count must be positive, got %d", count)
	}
	if align != 0 && align%PageSize != 0 {
		return nil, status.Newf(status.InvalidArg, "align %d is not page-aligned", align)
	}
	if noCross != 0 && noCross%PageSize != 0 {
		return nil, status.Newf(status.InvalidArg, "no_cross %d is not page-aligned", noCross)
	}

	alignFrames := uint64(1)
	if align > 0 {
		alignFrames = align / PageSize
	}
	order := orderFor(uint64(count))
	if ao := orderFor(alignFrames); ao > order {
		order = ao
	}
	blockFrames := uint64(1) << order

	var lastErr error
	for _, pool := range m.poolsInPreferenceOrder(flags) {
		if pool.frames == 0 {
			continue
		}
		poolBase := pool.baseFrame * PageSize
		poolEnd := (pool.baseFrame + pool.frames) * PageSize
		if max > 0 && poolBase >= max {
			continue
		}
		if min > 0 && poolEnd <= min {
			continue
		}

		var rejected []uint64
	retry:
		frame, err := pool.alloc(blockFrames)
		if err != nil {
			for _, f := range rejected {
				_ = pool.free(f, blockFrames)
			}
			if len(rejected) == 0 {
				lastErr = err
			}
			continue
		}

		base := frame * PageSize
		end := base + uint64(count)*PageSize
		satisfied := true
		if min > 0 && base < min {
			satisfied = false
		}
		if max > 0 && end > max {
			satisfied = false
		}
		if align > 0 && (base+phase)%align != 0 {
			satisfied = false
		}
		if noCross > 0 && base/noCross != (end-1)/noCross {
			satisfied = false
		}
		if !satisfied {
			rejected = append(rejected, frame)
			lastErr = status.Newf(status.NoMemory, "pool %s cannot satisfy placement constraints for %d pages", pool.name, count)
			goto retry
		}
		for _, f := range rejected {
			_ = pool.free(f, blockFrames)
		}

		for f := frame + uint64(count); f < frame+blockFrames; f++ {
			if err := pool.free(f, 1); err != nil {
				panic(status.NewFatal("pmm: failed returning buddy remainder: %v", err))
			}
		}

		pages := make([]*Page, count)
		for i := 0; i < count; i++ {
			pg := &m.pages[frame+uint64(i)]
			pg.setState(StateAllocated)
			pg.flags.Store(0)
			pg.refs.Store(1)
			pg.Owner = nil
			pages[i] = pg
		}
		return pages, nil
	}

	if flags&FlagCanFail == 0 {
		panic(status.NewFatal("pmm: non-failable constrained allocation of %d pages exhausted all pools: %v", count, lastErr))
	}
	if lastErr == nil {
		lastErr = status.Newf(status.NoMemory, "no pool can satisfy constrained allocation of %d pages", count)
	}
	return nil, lastErr
}

// Free returns pages to their owning pools. Every page must be
// StateAllocated or Cached* with a zero reference count, and must not be
// Busy.
func (m *Memory) Free(pages []*Page) error {
	for _, pg := range pages {
		if pg.Busy() {
			return status.Newf(status.InUse, "page %#x is busy", pg.PhysAddr)
		}
		if pg.RefCount() != 0 {
			return status.Newf(status.InUse, "page %#x freed with refcount %d", pg.PhysAddr, pg.RefCount())
		}
	}
	// Frames need not be contiguous (batched Free of unrelated pages is
	// allowed); free each individually at order 0 via its own pool.
	for _, pg := range pages {
		frame := uint64(pg.PhysAddr) / PageSize
		if err := pg.pool.free(frame, 1); err != nil {
			return err
		}
		pg.setState(StateFree)
		pg.flags.Store(0)
		pg.Owner = nil
	}
	return nil
}

// Lookup returns the descriptor for the page containing phys, in O(1).
func (m *Memory) Lookup(phys uintptr) (*Page, bool) {
	frame := uint64(phys) / PageSize
	if frame >= uint64(len(m.pages)) {
		return nil, false
	}
	return &m.pages[frame], true
}

// SetState transitions page to newState, publishing the change so that
// concurrent readers of State() observe it immediately. It does not alter
// free-list membership: callers must Free() a page to return it to
// StateFree.
func (m *Memory) SetState(page *Page, newState State) error {
	if newState == StateFree {
		return status.Newf(status.InvalidArg, "use Free to release a page, not SetState")
	}
	page.setState(newState)
	return nil
}

// Stats reports per-pool utilization.
type Stats struct {
	DMA16   PoolStats
	DMA32   PoolStats
	General PoolStats
}

func (m *Memory) Stats() Stats {
	return Stats{
		DMA16:   m.pool16.stats(),
		DMA32:   m.pool32.stats(),
		General: m.poolAny.stats(),
	}
}

// TotalBytes returns the total amount of physical memory described.
func (s Stats) TotalBytes() uint64 {
	return s.DMA16.TotalBytes + s.DMA32.TotalBytes + s.General.TotalBytes
}

// FreeBytes returns the total amount of physical memory currently free
// across all three pools.
func (s Stats) FreeBytes() uint64 {
	return s.DMA16.FreeBytes + s.DMA32.FreeBytes + s.General.FreeBytes
}
