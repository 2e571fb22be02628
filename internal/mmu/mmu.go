// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mmu is the MMU context and TLB-shootdown layer (spec §4.A): a
// per-address-space page table abstraction with a recursive lock and
// IPI-simulated invalidation when a mapping changes under a context
// loaded on more than one CPU.
package mmu

import (
	"context"
	"sort"

	"github.com/kestrel-os/kestrel/internal/ksync"
	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// Protection is a bitmask of the access rights a mapping grants.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
	ProtUser
)

// Disposition distinguishes a kernel address space from a user one, so
// Map/Unmap/Protect can enforce spec §4.A's half-space invariant: user
// operations reject addresses in the kernel half, kernel operations
// reject addresses in the user half.
type Disposition int

const (
	UserSpace Disposition = iota
	KernelSpace
)

// kernelHalfBase is the canonical higher-half boundary: addresses with
// the top bit set belong to the kernel half.
const kernelHalfBase = uintptr(1) << 63

func inKernelHalf(virt uintptr) bool {
	return virt >= kernelHalfBase
}

// checkRange validates that [virt, virt+size) is page-aligned and lies
// entirely within the half the context's disposition permits.
func (c *Context) checkRange(virt, size uintptr) error {
	if virt%pmm.PageSize != 0 || size%pmm.PageSize != 0 {
		return status.Newf(status.InvalidAddr, "range [%#x,+%#x) is not page-aligned", virt, size)
	}
	end := virt + size
	switch c.disposition {
	case UserSpace:
		if inKernelHalf(virt) || (size > 0 && inKernelHalf(end-1)) {
			return status.Newf(status.InvalidAddr, "user operation on kernel-half address %#x", virt)
		}
	case KernelSpace:
		if !inKernelHalf(virt) || (size > 0 && !inKernelHalf(end-1)) {
			return status.Newf(status.InvalidAddr, "kernel operation on user-half address %#x", virt)
		}
	}
	return nil
}

// Shootdowner delivers a TLB-invalidation IPI to a set of CPUs. The
// interrupt dispatcher (component F) supplies the concrete
// implementation; mmu only depends on this narrow interface to avoid an
// import cycle with internal/irq.
type Shootdowner interface {
	Shootdown(cpuIDs []int, virt uintptr, size uintptr)
}

type mapping struct {
	virt  uintptr
	size  uintptr
	phys  uintptr
	prot  Protection
}

// Context is one address space's page tables.
type Context struct {
	lock        ksync.Mutex
	tok         any // fixed token identifying "this context's own critical section"
	disposition Disposition

	mappings []mapping // sorted by virt, non-overlapping

	loadedOn map[int]bool // CPU IDs this context is currently active on
	shoot    Shootdowner
}

// New creates an empty address space with the given disposition. shoot
// may be nil, in which case Unmap/Protect skip the shootdown step
// (acceptable for a context never loaded on more than one CPU, e.g. the
// kernel's own address space before APs are up). The context's own lock
// is recursive: Fault handling may call Map while already holding the
// lock from Query.
func New(shoot Shootdowner, disposition Disposition) *Context {
	return &Context{
		lock:        ksync.Mutex{Recursive: true},
		tok:         new(int),
		disposition: disposition,
		loadedOn:    make(map[int]bool),
		shoot:       shoot,
	}
}

// Lock acquires the context's lock for the duration of a multi-step
// mapping operation. It is recursive: a goroutine already holding the
// lock may call Lock again (e.g. Fault handling calling Map while already
// holding the lock from Query).
func (c *Context) Lock(ctx context.Context) error {
	return c.lock.Lock(ctx, c.tok)
}

// Unlock releases one level of Context's lock.
func (c *Context) Unlock() {
	c.lock.Unlock(c.tok)
}

func (c *Context) withLock(ctx context.Context, fn func() error) error {
	if err := c.Lock(ctx); err != nil {
		return err
	}
	defer c.Unlock()
	return fn()
}

// index returns the position of the first mapping whose virt is >= v.
func (c *Context) index(v uintptr) int {
	return sort.Search(len(c.mappings), func(i int) bool {
		return c.mappings[i].virt >= v
	})
}

func overlaps(a, b mapping) bool {
	return a.virt < b.virt+b.size && b.virt < a.virt+a.size
}

// Map installs a new mapping [virt, virt+size) -> [phys, phys+size) with
// the given protection. It fails with AlreadyExists if any part of the
// range is already mapped.
func (c *Context) Map(ctx context.Context, virt, phys, size uintptr, prot Protection) error {
	if err := c.checkRange(virt, size); err != nil {
		return err
	}
	return c.withLock(ctx, func() error {
		nm := mapping{virt: virt, phys: phys, size: size, prot: prot}
		i := c.index(virt)
		if i > 0 && overlaps(c.mappings[i-1], nm) {
			return status.Newf(status.AlreadyExists, "range [%#x,%#x) overlaps an existing mapping", virt, virt+size)
		}
		if i < len(c.mappings) && overlaps(c.mappings[i], nm) {
			return status.Newf(status.AlreadyExists, "range [%#x,%#x) overlaps an existing mapping", virt, virt+size)
		}
		c.mappings = append(c.mappings, mapping{})
		copy(c.mappings[i+1:], c.mappings[i:])
		c.mappings[i] = nm
		return nil
	})
}

// Query returns the physical address and protection backing virt, if
// mapped.
func (c *Context) Query(ctx context.Context, virt uintptr) (phys uintptr, prot Protection, found bool, err error) {
	err = c.withLock(ctx, func() error {
		for _, m := range c.mappings {
			if virt >= m.virt && virt < m.virt+m.size {
				phys = m.phys + (virt - m.virt)
				prot = m.prot
				found = true
				return nil
			}
		}
		return nil
	})
	return
}

// Protect changes the protection on an existing mapping covering
// [virt, virt+size). The range must exactly match one existing mapping's
// bounds or a sub-range within it; sub-ranges are split out as their own
// mapping entry.
func (c *Context) Protect(ctx context.Context, virt, size uintptr, prot Protection) error {
	if err := c.checkRange(virt, size); err != nil {
		return err
	}
	return c.withLock(ctx, func() error {
		if err := c.splitAt(virt); err != nil {
			return err
		}
		if err := c.splitAt(virt + size); err != nil {
			return err
		}
		changed := false
		for i := range c.mappings {
			m := &c.mappings[i]
			if m.virt >= virt && m.virt+m.size <= virt+size {
				m.prot = prot
				changed = true
			}
		}
		if !changed {
			return status.Newf(status.NotFound, "no mapping covers [%#x,%#x)", virt, virt+size)
		}
		c.shootdownLocked(virt, size)
		return nil
	})
}

// Unmap removes mappings covering [virt, virt+size), splitting any
// mapping that only partially overlaps the range. shared indicates
// whether the backing pages are shared with another address space (the
// caller's concern; a Context tracks no cross-address-space page
// refcount of its own, so shared only affects what the caller does with
// the returned phys address). It returns the physical address that
// backed virt and whether anything was mapped there.
func (c *Context) Unmap(ctx context.Context, virt, size uintptr, shared bool) (phys uintptr, mapped bool, err error) {
	if err := c.checkRange(virt, size); err != nil {
		return 0, false, err
	}
	err = c.withLock(ctx, func() error {
		if err := c.splitAt(virt); err != nil {
			return err
		}
		if err := c.splitAt(virt + size); err != nil {
			return err
		}
		kept := c.mappings[:0]
		for _, m := range c.mappings {
			if m.virt >= virt && m.virt+m.size <= virt+size {
				if !mapped {
					phys = m.phys
					mapped = true
				}
				continue
			}
			kept = append(kept, m)
		}
		c.mappings = kept
		if !mapped {
			return status.Newf(status.NotFound, "no mapping covers [%#x,%#x)", virt, virt+size)
		}
		c.shootdownLocked(virt, size)
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return phys, mapped, nil
}

// splitAt ensures no mapping straddles boundary v, splitting it into two
// if one does. Caller holds the lock.
func (c *Context) splitAt(v uintptr) error {
	for i, m := range c.mappings {
		if v > m.virt && v < m.virt+m.size {
			left := mapping{virt: m.virt, size: v - m.virt, phys: m.phys, prot: m.prot}
			right := mapping{virt: v, size: m.virt + m.size - v, phys: m.phys + (v - m.virt), prot: m.prot}
			c.mappings = append(c.mappings, mapping{})
			copy(c.mappings[i+2:], c.mappings[i+1:])
			c.mappings[i] = left
			c.mappings[i+1] = right
			return nil
		}
	}
	return nil
}

// Load marks this context active on cpuID, the hosted equivalent of
// loading its root into CR3.
func (c *Context) Load(cpuID int) {
	c.lock.Lock(context.Background(), c.tok) //nolint:errcheck // background context never cancels
	c.loadedOn[cpuID] = true
	c.lock.Unlock(c.tok)
}

// Unload marks this context no longer active on cpuID.
func (c *Context) Unload(cpuID int) {
	c.lock.Lock(context.Background(), c.tok) //nolint:errcheck
	delete(c.loadedOn, cpuID)
	c.lock.Unlock(c.tok)
}

// Destroy releases every mapping the context holds. It must not be
// called while the context is still loaded on any CPU.
func (c *Context) Destroy(ctx context.Context) error {
	return c.withLock(ctx, func() error {
		if len(c.loadedOn) > 0 {
			return status.Newf(status.InUse, "context destroyed while loaded on %d CPU(s)", len(c.loadedOn))
		}
		c.mappings = nil
		return nil
	})
}

// shootdownLocked notifies every CPU this context is loaded on that the
// range [virt, virt+size) changed. Caller holds the lock.
func (c *Context) shootdownLocked(virt, size uintptr) {
	if c.shoot == nil || len(c.loadedOn) == 0 {
		return
	}
	ids := make([]int, 0, len(c.loadedOn))
	for id := range c.loadedOn {
		ids = append(ids, id)
	}
	c.shoot.Shootdown(ids, virt, size)
}
