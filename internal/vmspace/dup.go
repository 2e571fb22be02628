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

// Duplicate copies the region exactly matching [base, base+size) from as
// into dst at the same base, sharing its already-populated pages
// copy-on-write rather than populating dst's copy eagerly. Both address
// spaces' mappings are dropped to read-only so a later write on either
// side takes a fault and breaks the sharing in Fault.
//
// This is the address-space half of process fork; dst is expected to be
// freshly created and own no conflicting region yet.
func (as *AddressSpace) Duplicate(ctx context.Context, base, size uintptr, dst *AddressSpace) error {
	as.mu.Lock()
	var src *Region
	for _, r := range as.regions {
		if r.Base == base && r.Size == size {
			src = r
			break
		}
	}
	as.mu.Unlock()
	if src == nil {
		return status.Newf(status.NotFound, "no region exactly matches [%#x,%#x)", base, base+size)
	}

	dstRegion, err := dst.Map(src.Base, src.Size, src.Prot, src.Source, src.file, src.fileOffset, src.Shared)
	if err != nil {
		return err
	}

	src.mu.Lock()
	defer src.mu.Unlock()

	for idx, page := range src.amap {
		page.Ref()
		dstRegion.amap[idx] = page

		virt := src.Base + idx*pmm.PageSize
		roProt := src.Prot &^ mmu.ProtWrite

		if !src.Shared {
			if err := as.root.Protect(ctx, virt, pmm.PageSize, roProt); err != nil {
				return err
			}
		}
		mapProt := src.Prot
		if !src.Shared {
			mapProt = roProt
		}
		if err := dst.root.Map(ctx, virt, page.PhysAddr, pmm.PageSize, mapProt); err != nil {
			return err
		}
	}
	return nil
}
