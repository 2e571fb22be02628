// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vmspace is a user address space (spec §4.D): a sorted list of
// non-overlapping regions, each backed by an anonymous or file source,
// with copy-on-write sharing tracked per page in a region's amap. Fault
// resolution is grounded on the page-fault handler shape in
// gopher-os's virtual memory manager, reworked from direct
// unsafe.Pointer page-table writes onto the hosted internal/mmu and
// internal/pmm layers.
package vmspace

import (
	"context"
	"sort"
	"sync"

	"github.com/kestrel-os/kestrel/internal/mmu"
	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// Source identifies what backs a region's pages.
type Source uint8

const (
	SourceAnonymous Source = iota
	SourceFile
)

// FileObject is the minimal file-backing interface a mapped region needs.
// Kestrel ships no filesystem; callers needing file-backed regions supply
// their own implementation (spec §4.D leaves persistent VFS nodes out of
// scope).
type FileObject interface {
	ReadPage(ctx context.Context, offset int64) ([]byte, error)
}

// Region is one mapped range of a user address space.
type Region struct {
	Base   uintptr
	Size   uintptr
	Prot   mmu.Protection
	Shared bool
	Source Source

	file       FileObject
	fileOffset int64

	mu   sync.Mutex
	amap map[uintptr]*pmm.Page // page index (relative to Base) -> backing page
}

func (r *Region) contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

func (r *Region) pageIndex(addr uintptr) uintptr {
	return (addr - r.Base) / pmm.PageSize
}

// AddressSpace is one process's user virtual memory.
type AddressSpace struct {
	mu      sync.Mutex
	regions []*Region
	root    *mmu.Context
	mem     *pmm.Memory
}

// New creates an empty address space backed by root's page tables and
// mem's physical pages.
func New(root *mmu.Context, mem *pmm.Memory) *AddressSpace {
	return &AddressSpace{root: root, mem: mem}
}

func (as *AddressSpace) indexFor(base uintptr) int {
	return sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Base >= base })
}

func regionsOverlap(base, size uintptr, r *Region) bool {
	return base < r.Base+r.Size && r.Base < base+size
}

// Map creates a new region [base, base+size) with the given protection
// and backing source. It fails with AlreadyExists if the range overlaps
// an existing region.
func (as *AddressSpace) Map(base, size uintptr, prot mmu.Protection, source Source, file FileObject, fileOffset int64, shared bool) (*Region, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	i := as.indexFor(base)
	if i > 0 && regionsOverlap(base, size, as.regions[i-1]) {
		return nil, status.Newf(status.AlreadyExists, "region [%#x,%#x) overlaps an existing mapping", base, base+size)
	}
	if i < len(as.regions) && regionsOverlap(base, size, as.regions[i]) {
		return nil, status.Newf(status.AlreadyExists, "region [%#x,%#x) overlaps an existing mapping", base, base+size)
	}

	r := &Region{
		Base:       base,
		Size:       size,
		Prot:       prot,
		Shared:     shared,
		Source:     source,
		file:       file,
		fileOffset: fileOffset,
		amap:       make(map[uintptr]*pmm.Page),
	}
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r
	return r, nil
}

// find returns the region covering addr, if any.
func (as *AddressSpace) find(addr uintptr) *Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// Unmap removes the region exactly matching [base, base+size), releasing
// every page in its amap and tearing down its mappings.
func (as *AddressSpace) Unmap(ctx context.Context, base, size uintptr) error {
	as.mu.Lock()
	var target *Region
	idx := -1
	for i, r := range as.regions {
		if r.Base == base && r.Size == size {
			target = r
			idx = i
			break
		}
	}
	if target == nil {
		as.mu.Unlock()
		return status.Newf(status.NotFound, "no region exactly matches [%#x,%#x)", base, base+size)
	}
	as.regions = append(as.regions[:idx], as.regions[idx+1:]...)
	as.mu.Unlock()

	if _, _, err := as.root.Unmap(ctx, base, size, target.Shared); err != nil {
		return err
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	pages := make([]*pmm.Page, 0, len(target.amap))
	for _, pg := range target.amap {
		if pg.Unref() == 0 {
			pages = append(pages, pg)
		}
	}
	target.amap = nil
	if len(pages) > 0 {
		return as.mem.Free(pages)
	}
	return nil
}

// Protect changes the protection recorded for the region exactly matching
// [base, base+size), and re-protects its existing mappings, if any.
func (as *AddressSpace) Protect(ctx context.Context, base, size uintptr, prot mmu.Protection) error {
	as.mu.Lock()
	var target *Region
	for _, r := range as.regions {
		if r.Base == base && r.Size == size {
			target = r
			break
		}
	}
	as.mu.Unlock()
	if target == nil {
		return status.Newf(status.NotFound, "no region exactly matches [%#x,%#x)", base, base+size)
	}
	target.Prot = prot
	// A region with no page faulted in yet has no mapping to re-protect.
	if err := as.root.Protect(ctx, base, size, prot); err != nil && status.CodeOf(err) != status.NotFound {
		return err
	}
	return nil
}
