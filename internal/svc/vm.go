// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package svc

import (
	"context"

	"github.com/kestrel-os/kestrel/internal/mmu"
	"github.com/kestrel-os/kestrel/internal/vmspace"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// VMFlag is the caller-visible mapping flag set named in spec §6's
// user-visible primitive surface ("{Read, Write, Exec, Private, Stack,
// Fixed}"). Stack and Fixed are accepted and validated but do not
// currently change placement, since Kestrel's address space always
// requires an explicit base (there is no "pick any free range" search
// yet); a caller-chosen base is always effectively Fixed.
type VMFlag uint32

const (
	VMRead VMFlag = 1 << iota
	VMWrite
	VMExec
	VMPrivate
	VMStack
	VMFixed
)

func (f VMFlag) protection() mmu.Protection {
	var p mmu.Protection
	if f&VMRead != 0 {
		p |= mmu.ProtRead
	}
	if f&VMWrite != 0 {
		p |= mmu.ProtWrite
	}
	if f&VMExec != 0 {
		p |= mmu.ProtExec
	}
	return p
}

const (
	CallVMMap uint32 = iota
	CallVMUnmap
	CallVMProtect
)

func init() {
	Register(Index{ServiceVM, CallVMMap}, "vm_map", vmMap)
	Register(Index{ServiceVM, CallVMUnmap}, "vm_unmap", vmUnmap)
	Register(Index{ServiceVM, CallVMProtect}, "vm_protect", vmProtect)
}

// vmMap implements the VM map primitive: Args = [base, size, flags, _, _,
// _]. Kestrel ships no file objects reachable from the syscall surface
// (the VFS is an explicit Non-goal, spec §1), so every user mapping is
// anonymous; file-backed regions remain reachable only from in-kernel
// callers that construct an AddressSpace directly and supply their own
// vmspace.FileObject.
func vmMap(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	if call.AS == nil {
		return 0, status.Newf(status.InvalidHandle, "vm_map: caller has no address space")
	}
	base := uintptr(call.Args[0])
	size := uintptr(call.Args[1])
	flags := VMFlag(call.Args[2])

	if size == 0 {
		return 0, status.Newf(status.InvalidArg, "vm_map: size must be nonzero")
	}

	r, err := call.AS.Map(base, size, flags.protection(), vmspace.SourceAnonymous, nil, 0, flags&VMPrivate == 0)
	if err != nil {
		return 0, err
	}
	return uint64(r.Base), nil
}

// vmUnmap implements the VM unmap primitive: Args = [base, size, _, _,
// _, _].
func vmUnmap(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	if call.AS == nil {
		return 0, status.Newf(status.InvalidHandle, "vm_unmap: caller has no address space")
	}
	base := uintptr(call.Args[0])
	size := uintptr(call.Args[1])
	return 0, call.AS.Unmap(ctx, base, size)
}

// vmProtect implements the VM protect primitive: Args = [base, size,
// flags, _, _, _].
func vmProtect(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	if call.AS == nil {
		return 0, status.Newf(status.InvalidHandle, "vm_protect: caller has no address space")
	}
	base := uintptr(call.Args[0])
	size := uintptr(call.Args[1])
	flags := VMFlag(call.Args[2])
	return 0, call.AS.Protect(ctx, base, size, flags.protection())
}
