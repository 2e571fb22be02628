// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kheap is kernel virtual memory management (spec §4.C): a
// boundary-tag virtual-address arena, a physically-backed arena nested on
// top of it, and a per-CPU-magazine slab allocator nested on top of that.
// The three-layer nesting (raw -> va -> anon) follows the vmem resource
// allocator's own layering, expressed over Go slices instead of C
// pointer-tagged segments.
package kheap

import (
	"sort"

	"github.com/kestrel-os/kestrel/internal/ksync"
	"github.com/kestrel-os/kestrel/pkg/status"
)

type segment struct {
	base uintptr
	size uintptr
}

// RawArena manages a flat range of virtual addresses with no physical
// backing, coalescing adjacent free segments on every Free.
type RawArena struct {
	mu   ksync.Spinlock
	size uintptr
	free []segment // sorted by base, non-adjacent
}

// NewRawArena describes the virtual range [base, base+size).
func NewRawArena(base, size uintptr) *RawArena {
	return &RawArena{size: size, free: []segment{{base: base, size: size}}}
}

// Capacity reports the total size of the arena, allocated or not.
func (a *RawArena) Capacity() uintptr {
	return a.size
}

// Alloc reserves size bytes somewhere in the arena (first-fit) and
// returns the base address.
func (a *RawArena) Alloc(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, status.Newf(status.InvalidArg, "cannot allocate zero bytes")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, seg := range a.free {
		if seg.size >= size {
			base := seg.base
			if seg.size == size {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i] = segment{base: seg.base + size, size: seg.size - size}
			}
			return base, nil
		}
	}
	return 0, status.Newf(status.NoMemory, "arena exhausted for size %d", size)
}

// Free returns [base, base+size) to the arena, merging with neighboring
// free segments.
func (a *RawArena) Free(base, size uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].base >= base })
	// Overlap check against neighbors would indicate a double-free or
	// corrupted caller; kept minimal here since callers are internal.
	merged := segment{base: base, size: size}

	if i > 0 && a.free[i-1].base+a.free[i-1].size == merged.base {
		merged.base = a.free[i-1].base
		merged.size += a.free[i-1].size
		i--
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	if i < len(a.free) && merged.base+merged.size == a.free[i].base {
		merged.size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	a.free = append(a.free, segment{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = merged
	return nil
}

// FreeBytes reports the total unallocated space in the arena.
func (a *RawArena) FreeBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uintptr
	for _, s := range a.free {
		total += s.size
	}
	return total
}
