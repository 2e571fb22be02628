// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package irq is the interrupt dispatch layer (spec §4.F): a 256-entry
// vector table covering CPU exceptions (0-31), device IRQs (32-47), and
// inter-processor interrupts (48+), plus kernel-entry/exit bookkeeping
// (interrupt nesting depth). In the hosted build there is no real
// IDT; "delivering" an interrupt means calling Dispatch directly, either
// from test/simulation code standing in for a device, or from another
// CPU's goroutine standing in for an APIC broadcast.
package irq

import (
	"context"
	"sync"

	"github.com/kestrel-os/kestrel/internal/percpu"
	"github.com/kestrel-os/kestrel/pkg/status"
)

const (
	VectorCount = 256

	// ExceptionBase..ExceptionMax are the fixed CPU exception vectors
	// (divide error, page fault, etc.); Kestrel does not fix their
	// individual meanings beyond reserving the range.
	ExceptionBase = 0
	ExceptionMax  = 31

	IRQBase = 32
	IRQMax  = 47

	IPIBase = 48
	IPIMax  = VectorCount - 1
)

// PageFaultVector is the one exception vector Kestrel gives fixed
// meaning to at this layer, since component D's fault resolver must be
// reachable from dispatch.
const PageFaultVector = 14

// Frame is the simulated interrupt frame handed to a Handler.
type Frame struct {
	CPU       *percpu.Cell
	Vector    int
	ErrorCode uint64
	FaultAddr uintptr
}

// Handler processes one interrupt. For device IRQ vectors (IRQBase to
// IRQMax) Dispatch sends the IRQController EOI itself once the handler
// returns.
type Handler func(ctx context.Context, frame *Frame)

// IRQController abstracts the device-level edge/level, mask/unmask, and
// end-of-interrupt operations a real IRQ handler would drive; Kestrel
// ships a no-op controller since it targets no specific device model.
type IRQController interface {
	Mask(irq int)
	Unmask(irq int)
	EOI(irq int)
}

type noopController struct{}

func (noopController) Mask(int)   {}
func (noopController) Unmask(int) {}
func (noopController) EOI(int)    {}

// Table is the kernel's interrupt vector table.
type Table struct {
	mu       sync.RWMutex
	handlers [VectorCount]Handler
	ctl      IRQController
}

// NewTable creates an empty vector table. ctl may be nil, in which case a
// no-op controller is used.
func NewTable(ctl IRQController) *Table {
	if ctl == nil {
		ctl = noopController{}
	}
	return &Table{ctl: ctl}
}

// Register installs h at vector. Registering over an existing handler is
// permitted (device drivers sharing a level-triggered IRQ line is normal;
// exceptions and IPIs are expected to register exactly once by
// convention, not enforced here since the hosted kernel has no notion of
// "boot is over").
func (t *Table) Register(vector int, h Handler) error {
	if vector < 0 || vector >= VectorCount {
		return status.Newf(status.InvalidArg, "vector %d out of range", vector)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[vector] = h
	return nil
}

// Dispatch delivers one interrupt on behalf of frame.CPU, running
// kernel-entry bookkeeping (nesting depth) before the handler and the
// matching exit bookkeeping after it. It does not read or clear
// PendingPreempt; a pending reschedule takes effect at the running
// thread's next sched.Thread.CheckPreempt call.
func (t *Table) Dispatch(ctx context.Context, frame *Frame) error {
	if frame.Vector < 0 || frame.Vector >= VectorCount {
		return status.Newf(status.InvalidArg, "vector %d out of range", frame.Vector)
	}

	t.mu.RLock()
	h := t.handlers[frame.Vector]
	t.mu.RUnlock()
	if h == nil {
		return status.Newf(status.NotImplemented, "no handler registered for vector %d", frame.Vector)
	}

	if frame.CPU != nil {
		enterKernel(frame.CPU)
		defer exitKernel(frame.CPU)
		ctx = percpu.WithCell(ctx, frame.CPU)
	}

	h(ctx, frame)

	if frame.Vector >= IRQBase && frame.Vector <= IRQMax {
		t.ctl.EOI(frame.Vector - IRQBase)
	}
	return nil
}

const nestingScratchKey = "irq.nesting"

// enterKernel increments frame.CPU's interrupt-nesting depth.
func enterKernel(cell *percpu.Cell) {
	n, _ := cell.Scratch(nestingScratchKey).(int)
	cell.PutScratch(nestingScratchKey, n+1)
}

// exitKernel decrements the nesting depth. It neither checks nor clears
// PendingPreempt: Kestrel leaves the reschedule to the scheduler's own
// CheckPreempt checkpoint (called from thread context, where a goroutine
// stack exists to swap out).
func exitKernel(cell *percpu.Cell) {
	n, _ := cell.Scratch(nestingScratchKey).(int)
	n--
	cell.PutScratch(nestingScratchKey, n)
}

// NestingDepth reports how many interrupts are currently nested on cell,
// for diagnostics.
func NestingDepth(cell *percpu.Cell) int {
	n, _ := cell.Scratch(nestingScratchKey).(int)
	return n
}
