// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmspace

import (
	"context"

	"github.com/kestrel-os/kestrel/internal/mmu"
	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// AccessType is the kind of access that faulted, used to pick the
// protection bit to check and whether a private mapping's page needs to
// be copied before the access can proceed.
type AccessType uint8

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExec
)

func (a AccessType) requiredProt() mmu.Protection {
	switch a {
	case AccessWrite:
		return mmu.ProtWrite
	case AccessExec:
		return mmu.ProtExec
	default:
		return mmu.ProtRead
	}
}

// Fault resolves one page fault at addr against as, the five-step
// algorithm of spec §4.D:
//
//  1. Locate the region covering addr; InvalidAddr if none does.
//  2. Check access against the region's protection; PermDenied if the
//     fault is not one the region permits at all.
//  3. Look up the faulting page in the region's amap.
//  4. If present and the access is a write to a page shared by more than
//     one mapping, break copy-on-write: allocate a fresh page, drop this
//     mapping's reference to the shared one, and remap.
//  5. If absent, populate it: zero-fill for an anonymous region, or read
//     through the backing FileObject for a file region, then map it.
func (as *AddressSpace) Fault(ctx context.Context, addr uintptr, access AccessType) error {
	r := as.find(addr)
	if r == nil {
		return status.Newf(status.InvalidAddr, "no region covers fault address %#x", addr)
	}
	if r.Prot&access.requiredProt() == 0 {
		return status.Newf(status.PermDenied, "access %d not permitted by region [%#x,%#x) prot %d", access, r.Base, r.Base+r.Size, r.Prot)
	}

	idx := r.pageIndex(addr)

	r.mu.Lock()
	page, ok := r.amap[idx]
	r.mu.Unlock()

	if ok {
		if access == AccessWrite && !r.Shared && page.RefCount() > 1 {
			return as.breakCOW(ctx, r, idx, page)
		}
		// Already resolved (e.g. a stale fault reported twice); nothing to do.
		return nil
	}

	return as.populate(ctx, r, idx, addr)
}

// breakCOW replaces a page this region shares with another mapping by a
// private copy, so the write that faulted can proceed without disturbing
// the other mapping's view.
func (as *AddressSpace) breakCOW(ctx context.Context, r *Region, idx uintptr, shared *pmm.Page) error {
	fresh, err := as.mem.Alloc(1, 0)
	if err != nil {
		return err
	}
	newPage := fresh[0]

	r.mu.Lock()
	r.amap[idx] = newPage
	r.mu.Unlock()

	virt := r.Base + idx*pmm.PageSize
	if _, _, err := as.root.Unmap(ctx, virt, pmm.PageSize, false); err != nil {
		return err
	}
	if err := as.root.Map(ctx, virt, newPage.PhysAddr, pmm.PageSize, r.Prot); err != nil {
		return err
	}

	if shared.Unref() == 0 {
		return as.mem.Free([]*pmm.Page{shared})
	}
	return nil
}

// populate services a first-touch fault: it allocates a page, fills it
// from the region's source, records it in the amap, and maps it.
func (as *AddressSpace) populate(ctx context.Context, r *Region, idx uintptr, addr uintptr) error {
	pages, err := as.mem.Alloc(1, 0)
	if err != nil {
		return err
	}
	page := pages[0]

	if r.Source == SourceFile {
		if r.file == nil {
			return status.Newf(status.InvalidArg, "region [%#x,%#x) is file-backed but has no FileObject", r.Base, r.Base+r.Size)
		}
		offset := r.fileOffset + int64(idx*pmm.PageSize)
		if _, err := r.file.ReadPage(ctx, offset); err != nil {
			_ = as.mem.Free([]*pmm.Page{page})
			return status.Wrap(status.DeviceError, err)
		}
	}

	r.mu.Lock()
	r.amap[idx] = page
	r.mu.Unlock()

	virt := r.Base + idx*pmm.PageSize
	if err := as.root.Map(ctx, virt, page.PhysAddr, pmm.PageSize, r.Prot); err != nil {
		return err
	}
	return nil
}
