// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irq

import (
	"context"
	"sync"

	"github.com/kestrel-os/kestrel/internal/percpu"
)

// ShootdownVector is the IPI vector dispatched to invalidate a range of
// translations on every CPU a changed mmu.Context is loaded on.
const ShootdownVector = IPIBase

// HaltVector is the IPI vector used to bring every other CPU to a stop,
// used for the kernel-invariant-violation fatal path and for pausing the
// system during low-resource diagnostics.
const HaltVector = IPIBase + 1

// Broadcaster delivers an IPI vector to a set of CPUs and waits for every
// target's handler to return, modeling the synchronous "send and wait for
// ack" semantics real TLB shootdown depends on: the mapping change must
// not be considered complete until every CPU has invalidated its stale
// translation.
type Broadcaster struct {
	sys   *percpu.System
	table *Table
}

// NewBroadcaster creates a Broadcaster delivering through table to CPUs
// tracked by sys.
func NewBroadcaster(sys *percpu.System, table *Table) *Broadcaster {
	return &Broadcaster{sys: sys, table: table}
}

// Shootdown implements internal/mmu.Shootdowner.
func (b *Broadcaster) Shootdown(cpuIDs []int, virt uintptr, size uintptr) {
	b.broadcast(cpuIDs, ShootdownVector, virt)
}

// PauseAll halts every online CPU via HaltVector and waits for all of
// them to acknowledge.
func (b *Broadcaster) PauseAll() {
	ids := make([]int, 0)
	for _, c := range b.sys.Cells() {
		ids = append(ids, c.ID)
	}
	b.broadcast(ids, HaltVector, 0)
}

func (b *Broadcaster) broadcast(cpuIDs []int, vector int, faultAddr uintptr) {
	var wg sync.WaitGroup
	for _, id := range cpuIDs {
		cell := b.sys.Cell(id)
		if cell == nil {
			continue
		}
		wg.Add(1)
		go func(cell *percpu.Cell) {
			defer wg.Done()
			frame := &Frame{CPU: cell, Vector: vector, FaultAddr: faultAddr}
			_ = b.table.Dispatch(context.Background(), frame)
		}(cell)
	}
	wg.Wait()
}
