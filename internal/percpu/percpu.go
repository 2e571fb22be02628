// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package percpu models one CPU's kernel-visible state (spec §4.E) and the
// bring-up sequencing that brings every CPU online before the scheduler
// starts distributing threads. Each Cell is a goroutine playing the role
// of a CPU: it never migrates, so values stashed in its Scratch map are
// exactly as CPU-local as a real %gs-relative per-CPU variable.
package percpu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// Cell is the per-CPU control block. Higher-level packages (the scheduler,
// the timer subsystem) keep their own CPU-local state in Scratch rather
// than Cell importing them directly, which would create an import cycle
// between percpu and its own dependents.
type Cell struct {
	ID int

	// TickLen is this CPU's local timer tick period, set during boot.
	TickLen time.Duration

	// CyclesPerSecond is this CPU's calibrated TSC-equivalent rate
	// (the fixed time.Second rate in the hosted build; see Calibrate), used by
	// internal/timer to convert deadlines to durations consistently
	// across CPUs.
	CyclesPerSecond uint64

	// PendingPreempt is set by internal/timer when an ActionReschedule
	// timer fires on this CPU, and consumed by the running thread's next
	// sched.Thread.CheckPreempt call.
	PendingPreempt atomic.Bool

	scratchMu sync.RWMutex
	scratch   map[string]any
}

func newCell(id int) *Cell {
	return &Cell{ID: id, scratch: make(map[string]any)}
}

// Scratch returns the value subsystem key previously stored with
// PutScratch on this cell, or nil if none.
func (c *Cell) Scratch(key string) any {
	c.scratchMu.RLock()
	defer c.scratchMu.RUnlock()
	return c.scratch[key]
}

// PutScratch stashes a per-CPU value under key, e.g. a run queue or timer
// list owned by another package.
func (c *Cell) PutScratch(key string, v any) {
	c.scratchMu.Lock()
	defer c.scratchMu.Unlock()
	c.scratch[key] = v
}

// cpuKey is the context.Context key used to carry "the cell the calling
// goroutine is acting as," since Go has no notion of "current CPU."
type cpuKey struct{}

// WithCell returns ctx annotated with cell as the current CPU.
func WithCell(ctx context.Context, cell *Cell) context.Context {
	return context.WithValue(ctx, cpuKey{}, cell)
}

// Current returns the Cell the calling goroutine is executing as, or nil
// if ctx was never annotated with WithCell (e.g. a goroutine not modeling
// any particular CPU).
func Current(ctx context.Context) *Cell {
	c, _ := ctx.Value(cpuKey{}).(*Cell)
	return c
}

// System is the set of all online CPUs.
type System struct {
	mu    sync.RWMutex
	cells []*Cell
}

// NewSystem allocates a System with no cells online; call BootBSP to bring
// up the bootstrap processor and BootAP for each additional CPU.
func NewSystem() *System {
	return &System{}
}

// Cells returns every currently online cell.
func (s *System) Cells() []*Cell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Cell, len(s.cells))
	copy(out, s.cells)
	return out
}

// Cell returns the cell with the given ID, or nil if it is not online.
func (s *System) Cell(id int) *Cell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cells {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// BootBSP brings the bootstrap processor (CPU 0) online directly, with no
// handshake required since nothing else is running yet.
func (s *System) BootBSP(tickLen time.Duration) *Cell {
	bsp := newCell(0)
	bsp.TickLen = tickLen
	bsp.CyclesPerSecond = uint64(time.Second)
	s.mu.Lock()
	s.cells = append(s.cells, bsp)
	s.mu.Unlock()
	return bsp
}

// barrier is a simple N-party rendezvous: every participant calls arrive
// and blocks until all N have done so.
type barrier struct {
	n    int
	mu   sync.Mutex
	seen int
	done chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, done: make(chan struct{})}
}

func (b *barrier) arrive(ctx context.Context) error {
	b.mu.Lock()
	b.seen++
	last := b.seen == b.n
	b.mu.Unlock()
	if last {
		close(b.done)
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BootAP brings one application processor online via a two-barrier
// handshake (spec §4.E): the AP arrives at b1, calibrates its rate with
// Calibrate, arrives at b2, and only then adds its Cell to the System.
// Only the APs arrive at the barriers; the BSP takes no timing reference
// and does not take part, so the barriers line the APs up with one
// another and each AP calibrates on its own.
func (s *System) BootAP(ctx context.Context, id int, tickLen time.Duration, b1, b2 *barrier) (*Cell, error) {
	if err := b1.arrive(ctx); err != nil {
		return nil, status.Wrap(status.TimedOut, err)
	}

	rate, err := Calibrate(ctx)
	if err != nil {
		return nil, err
	}

	if err := b2.arrive(ctx); err != nil {
		return nil, status.Wrap(status.TimedOut, err)
	}

	cell := newCell(id)
	cell.TickLen = tickLen
	cell.CyclesPerSecond = rate
	s.mu.Lock()
	s.cells = append(s.cells, cell)
	s.mu.Unlock()
	return cell, nil
}

// NewHandshake creates the pair of barriers a BootAP rendezvous needs for
// n participants. Only BootAP arrives at them, so n is the number of APs
// brought up together; the BSP is not counted.
func NewHandshake(n int) (b1, b2 *barrier) {
	return newBarrier(n), newBarrier(n)
}

// Calibrate stands in for measuring a CPU's TSC rate: there is no real
// cycle counter to read across cores, so it takes a short wall-clock
// sample (retried with bounded backoff while the sample is not positive)
// and reports the fixed rate uint64(time.Second); the sample's length
// does not change the result. Grounded on internal/intake/worker.go's use of
// backoff.Retry for bounded convergence loops.
func Calibrate(ctx context.Context) (uint64, error) {
	op := func() (uint64, error) {
		start := time.Now()
		time.Sleep(time.Millisecond)
		elapsed := time.Since(start)
		if elapsed <= 0 {
			return 0, status.Newf(status.DeviceError, "non-positive calibration sample")
		}
		return uint64(time.Second), nil
	}
	return backoff.Retry(ctx, op, backoff.WithMaxTries(5))
}
