// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kheap

import (
	"context"

	"github.com/kestrel-os/kestrel/internal/mmu"
	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// VAArena hands out physically-backed kernel virtual memory: every
// allocation is rounded up to a whole number of pages, backed with fresh
// physical frames from Memory, and mapped into Root before the address is
// returned. It nests directly on a RawArena for address-space layout.
type VAArena struct {
	raw  *RawArena
	mem  *pmm.Memory
	root *mmu.Context
	prot mmu.Protection
}

// NewVAArena creates a physically-backed arena over [base, base+size) of
// kernel virtual address space.
func NewVAArena(base, size uintptr, mem *pmm.Memory, root *mmu.Context) *VAArena {
	return &VAArena{
		raw:  NewRawArena(base, size),
		mem:  mem,
		root: root,
		prot: mmu.ProtRead | mmu.ProtWrite | mmu.ProtExec,
	}
}

// Capacity reports the arena's total backed address range.
func (v *VAArena) Capacity() uintptr {
	return v.raw.Capacity()
}

// Used reports the portion of the arena currently handed out.
func (v *VAArena) Used() uintptr {
	return v.raw.Capacity() - v.raw.FreeBytes()
}

func pageRound(n uintptr) uintptr {
	const mask = pmm.PageSize - 1
	return (n + mask) &^ mask
}

// Alloc reserves size bytes of virtual address space and backs it with
// freshly allocated, zeroed physical pages.
func (v *VAArena) Alloc(ctx context.Context, size uintptr) (uintptr, error) {
	size = pageRound(size)
	base, err := v.raw.Alloc(size)
	if err != nil {
		return 0, err
	}

	count := int(size / pmm.PageSize)
	pages, err := v.mem.Alloc(count, pmm.FlagCanFail)
	if err != nil {
		_ = v.raw.Free(base, size)
		return 0, err
	}

	if err := v.root.Lock(ctx); err != nil {
		v.releasePages(pages)
		_ = v.raw.Free(base, size)
		return 0, err
	}
	for i, pg := range pages {
		virt := base + uintptr(i)*pmm.PageSize
		if err := v.mapLocked(virt, pg.PhysAddr); err != nil {
			v.unmapFrom(base, i)
			v.root.Unlock()
			v.releasePages(pages)
			_ = v.raw.Free(base, size)
			return 0, err
		}
	}
	v.root.Unlock()

	return base, nil
}

func (v *VAArena) mapLocked(virt uintptr, phys uintptr) error {
	// root is already locked by the caller; mmu.Context.Map acquires its
	// own (recursive) lock internally, so this call is safe nested.
	return v.root.Map(context.Background(), virt, phys, pmm.PageSize, v.prot)
}

func (v *VAArena) unmapFrom(base uintptr, mapped int) {
	for i := 0; i < mapped; i++ {
		_, _, _ = v.root.Unmap(context.Background(), base+uintptr(i)*pmm.PageSize, pmm.PageSize, false)
	}
}

func (v *VAArena) releasePages(pages []*pmm.Page) {
	for _, pg := range pages {
		pg.Unref()
	}
	_ = v.mem.Free(pages)
}

// Free unmaps and releases size bytes previously returned by Alloc.
func (v *VAArena) Free(ctx context.Context, base, size uintptr) error {
	size = pageRound(size)
	count := int(size / pmm.PageSize)

	pages := make([]*pmm.Page, 0, count)
	if err := v.root.Lock(ctx); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		virt := base + uintptr(i)*pmm.PageSize
		phys, _, found, err := v.root.Query(context.Background(), virt)
		if err != nil || !found {
			v.root.Unlock()
			return status.Newf(status.InvalidArg, "kheap: free of unmapped address %#x", virt)
		}
		pg, ok := v.mem.Lookup(phys)
		if !ok {
			v.root.Unlock()
			return status.Newf(status.InvalidAddr, "kheap: no page descriptor for %#x", phys)
		}
		pages = append(pages, pg)
		if _, _, err := v.root.Unmap(context.Background(), virt, pmm.PageSize, false); err != nil {
			v.root.Unlock()
			return err
		}
	}
	v.root.Unlock()

	for _, pg := range pages {
		pg.Unref()
	}
	if err := v.mem.Free(pages); err != nil {
		return err
	}
	return v.raw.Free(base, size)
}
