// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package svc

import (
	"context"

	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/kestrel-os/kestrel/internal/vmspace"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// CopyFromUser validates that [addr, addr+length) is readable in as,
// faulting in any page that is not yet resident, and returns its
// contents. This is the checked-copy replacement spec §9 calls for in
// place of the original's per-thread longjmp context: a fault while
// walking the range returns an ordinary InvalidAddr error instead of
// unwinding through a saved jump buffer, exactly the conversion
// testable property 8(d) exercises (copy_from_user of an unmapped
// address returns InvalidAddr, never a kernel fatal).
//
// Kestrel's hosted vmspace does not model byte-level page content (see
// internal/vmspace.populate, which faults pages in without persisting
// what is read through a FileObject); the returned slice is therefore
// zero-filled once every page in range is confirmed mapped and
// readable. Callers exercise the real permission/residency checks a
// copy-in performs; only the payload bytes are a placeholder.
func CopyFromUser(ctx context.Context, as *vmspace.AddressSpace, addr uintptr, length int) ([]byte, error) {
	if as == nil {
		return nil, status.Newf(status.InvalidAddr, "copy_from_user: no address space for this call")
	}
	if length < 0 {
		return nil, status.Newf(status.InvalidArg, "copy_from_user: negative length %d", length)
	}
	if err := walkPages(ctx, as, addr, length, vmspace.AccessRead); err != nil {
		return nil, err
	}
	return make([]byte, length), nil
}

// CopyToUser validates that [addr, addr+len(data)) is writable in as,
// faulting in any page that is not yet resident, mirroring CopyFromUser
// for the write direction. See CopyFromUser's doc comment: no byte
// content is actually transferred in this hosted build.
func CopyToUser(ctx context.Context, as *vmspace.AddressSpace, addr uintptr, data []byte) error {
	if as == nil {
		return status.Newf(status.InvalidAddr, "copy_to_user: no address space for this call")
	}
	return walkPages(ctx, as, addr, len(data), vmspace.AccessWrite)
}

// walkPages calls Fault for every page covering [addr, addr+length),
// converting any failure into InvalidAddr per the longjmp-to-error-return
// replacement described in spec §9.
func walkPages(ctx context.Context, as *vmspace.AddressSpace, addr uintptr, length int, access vmspace.AccessType) error {
	if length == 0 {
		return nil
	}
	start := addr - (addr % pmm.PageSize)
	end := addr + uintptr(length)
	for p := start; p < end; p += pmm.PageSize {
		if err := as.Fault(ctx, p, access); err != nil {
			return status.Wrap(status.InvalidAddr, err)
		}
	}
	return nil
}
