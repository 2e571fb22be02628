// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched is the preemptive thread scheduler (spec §4.G): per-CPU
// priority run queues, thread lifecycle, and Interruptible sleep.
//
// A CPU is a percpu.Cell driven by a dedicated RunLoop goroutine. Each
// Thread owns one persistent goroutine for its whole lifetime; that
// goroutine only executes past the point of its last Yield/Sleep call
// while holding a single-use gate token handed to it by the RunLoop, so
// at most one thread's goroutine is ever unblocked-and-progressing per
// CPU at a time — the same mutual-exclusion property a real context
// switch provides, built out of channel handoff instead of register
// save/restore.
package sched

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kestrel-os/kestrel/internal/percpu"
	"github.com/kestrel-os/kestrel/internal/waitq"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// State is a thread's position in its lifecycle (spec §4.G).
type State uint8

const (
	Created State = iota
	Ready
	Running
	Sleeping
	Dead
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

type yieldReason uint8

const (
	yieldCooperative yieldReason = iota
	yieldSleep
	yieldExit
)

// Entry is a thread's body. It receives ctx (context.Background(), which
// is never canceled) and the Thread itself, so it can call Yield,
// Sleep, and CheckPreempt as it runs.
type Entry func(ctx context.Context, t *Thread)

// Thread is one schedulable unit of execution.
type Thread struct {
	ID       uint64
	Priority int // 0 is highest

	state atomic.Uint32
	cpu   atomic.Pointer[percpu.Cell]

	entry  Entry
	gate   chan struct{}
	yield  chan yieldReason
	exitCh chan struct{}

	interruptible atomic.Bool
	cancelSleep   atomic.Pointer[context.CancelFunc]

	sched *Scheduler
}

func newThread(id uint64, priority int, entry Entry, s *Scheduler) *Thread {
	t := &Thread{
		ID:       id,
		Priority: priority,
		entry:    entry,
		gate:     make(chan struct{}),
		yield:    make(chan yieldReason, 1),
		exitCh:   make(chan struct{}),
		sched:    s,
	}
	t.state.Store(uint32(Created))
	go t.run()
	return t
}

func (t *Thread) run() {
	<-t.gate
	t.entry(context.Background(), t)
	t.yield <- yieldExit
}

// State returns the thread's current lifecycle state.
func (t *Thread) State() State { return State(t.state.Load()) }

func (t *Thread) setState(s State) { t.state.Store(uint32(s)) }

// CPU returns the Cell this thread is currently running on, or nil.
func (t *Thread) CPU() *percpu.Cell { return t.cpu.Load() }

// Done returns a channel closed once the thread reaches the Dead state.
func (t *Thread) Done() <-chan struct{} { return t.exitCh }

// SetInterruptible marks whether a subsequent Sleep call may be woken
// early by Interrupt, per spec §4.G's cancellable-sleep semantics.
func (t *Thread) SetInterruptible(v bool) { t.interruptible.Store(v) }

// Yield cooperatively gives up the CPU, re-entering the Ready run queue
// behind other threads at the same priority, then blocks until the
// scheduler picks it again.
func (t *Thread) Yield() {
	t.CheckPreempt()
	t.yield <- yieldCooperative
	<-t.gate
}

// CheckPreempt is the preemption-on-exit checkpoint (spec §4.F/§4.G):
// thread bodies call it at well-defined points (loop iterations, syscall
// return) so a pending preemption request, set when an ActionReschedule
// timer fires on the thread's CPU, actually takes effect. If no preemption is pending it returns
// immediately.
func (t *Thread) CheckPreempt() {
	cell := t.cpu.Load()
	if cell == nil {
		return
	}
	if cell.PendingPreempt.CompareAndSwap(true, false) {
		t.yield <- yieldCooperative
		<-t.gate
	}
}

// Sleep parks the thread on q until woken, canceled (if Interruptible),
// or timed out. It must be called from within the thread's own Entry.
func (t *Thread) Sleep(ctx context.Context, q *waitq.Queue, locker waitq.Locker, timeout time.Duration) error {
	t.setState(Sleeping)
	t.yield <- yieldSleep

	sleepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if t.interruptible.Load() {
		sleepCtx, cancel = context.WithCancel(ctx)
	}
	t.cancelSleep.Store(&cancel)

	err := q.Sleep(sleepCtx, locker, timeout)

	t.cancelSleep.Store(nil)
	cancel()

	t.setState(Ready)
	t.sched.requeue(t)
	<-t.gate
	return status.Wrap(status.CodeOf(err), err)
}

// Interrupt cancels a thread's current Interruptible sleep, per spec
// §4.G. It has no effect if the thread is not currently sleeping
// interruptibly, or is not currently asleep at all.
func (t *Thread) Interrupt() {
	if p := t.cancelSleep.Load(); p != nil {
		(*p)()
	}
}
