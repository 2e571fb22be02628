// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmm

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/pkg/status"
)

// maxOrder bounds the largest single allocation a Pool will split for:
// 2^maxOrder pages, i.e. 4 GiB worth of order-0 frames at most.
const maxOrder = 20

// Pool is a buddy-style free list over a contiguous range of page frames,
// seeded with the largest aligned power-of-two blocks that fit it. Kestrel keeps three: below-16MiB, below-4GiB and
// above-4GiB (spec §4.B), so that DMA-constrained allocations never have to
// search through memory they cannot use.
type Pool struct {
	name string

	mu        sync.Mutex
	baseFrame uint64 // first frame index this pool owns, in Memory.pages
	frames    uint64 // total frames owned
	freeLists [][]uint64 // freeLists[order] = free block start offsets, unsorted (relative to baseFrame)

	freeFrames uint64
}

func newPool(name string, baseFrame, frames uint64) *Pool {
	p := &Pool{
		name:      name,
		baseFrame: baseFrame,
		frames:    frames,
		freeLists: make([][]uint64, maxOrder+1),
	}
	// Seed the free lists by greedily covering [0, frames) with the
	// largest aligned power-of-two blocks that fit, exactly as a buddy
	// allocator's boot-time carve-up works.
	var off uint64
	for off < frames {
		order := maxOrder
		for order > 0 {
			sz := uint64(1) << order
			if off%sz == 0 && off+sz <= frames {
				break
			}
			order--
		}
		p.freeLists[order] = append(p.freeLists[order], off)
		off += uint64(1) << order
	}
	p.freeFrames = frames
	return p
}

// allocOrder removes and returns a block of 2^order frames, splitting a
// larger block if no exact match is free. Caller holds p.mu.
func (p *Pool) allocOrder(order int) (uint64, bool) {
	if order > maxOrder {
		return 0, false
	}
	if len(p.freeLists[order]) > 0 {
		n := len(p.freeLists[order]) - 1
		off := p.freeLists[order][n]
		p.freeLists[order] = p.freeLists[order][:n]
		return off, true
	}
	parent, ok := p.allocOrder(order + 1)
	if !ok {
		return 0, false
	}
	buddy := parent + (uint64(1) << order)
	p.freeLists[order] = append(p.freeLists[order], buddy)
	return parent, true
}

// freeOrder returns a block of 2^order frames at offset off, coalescing
// with its buddy when possible. Caller holds p.mu.
func (p *Pool) freeOrder(off uint64, order int) {
	for order < maxOrder {
		buddy := off ^ (uint64(1) << order)
		lst := p.freeLists[order]
		idx := -1
		for i, f := range lst {
			if f == buddy {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		p.freeLists[order] = append(lst[:idx], lst[idx+1:]...)
		if buddy < off {
			off = buddy
		}
		order++
	}
	p.freeLists[order] = append(p.freeLists[order], off)
}

// orderFor returns the smallest order whose block size is >= count frames.
func orderFor(count uint64) int {
	order := 0
	for (uint64(1) << order) < count {
		order++
	}
	return order
}

// alloc reserves count contiguous frames (rounded up to a power of two)
// and returns the absolute frame index of the first one.
func (p *Pool) alloc(count uint64) (uint64, error) {
	order := orderFor(count)
	p.mu.Lock()
	defer p.mu.Unlock()
	off, ok := p.allocOrder(order)
	if !ok {
		return 0, status.Newf(status.NoMemory, "pool %s exhausted at order %d", p.name, order)
	}
	p.freeFrames -= uint64(1) << order
	return p.baseFrame + off, nil
}

// free releases a block previously returned by alloc with the same count.
func (p *Pool) free(frame, count uint64) error {
	order := orderFor(count)
	off := frame - p.baseFrame
	if off%(uint64(1)<<order) != 0 {
		return status.Newf(status.InvalidArg, "pool %s: misaligned free at frame %d order %d", p.name, frame, order)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeOrder(off, order)
	p.freeFrames += uint64(1) << order
	return nil
}

func (p *Pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Name:       p.name,
		TotalBytes: p.frames * PageSize,
		FreeBytes:  p.freeFrames * PageSize,
	}
}

// PoolStats summarizes one Pool's utilization for diagnostics and the
// Low-Resource Manager's band computation.
type PoolStats struct {
	Name       string
	TotalBytes uint64
	FreeBytes  uint64
}

func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d bytes free", s.Name, s.FreeBytes, s.TotalBytes)
}
