// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package timer is the per-CPU timer and clock source layer (spec §4.K):
// each online CPU owns a sorted timer list driven by a dedicated
// goroutine, reworked here onto client-go's generic delaying workqueue so
// the sort-by-deadline and wake-when-due bookkeeping does not have to be
// hand-rolled.
package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/kestrel-os/kestrel/internal/percpu"
	"github.com/kestrel-os/kestrel/internal/waitq"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// ClockSource abstracts where Now() comes from, so the manager can be
// exercised against something other than the wall clock in tests.
type ClockSource interface {
	Now() time.Time
}

// SystemClock is the monotonic wall clock, derived from time.Now() as
// Go provides no lower-level cycle counter access in a hosted build.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Action selects what a Timer does when it fires.
type Action uint8

const (
	// ActionFunction invokes Callback once.
	ActionFunction Action = iota
	// ActionReschedule invokes Callback, sets the firing CPU's
	// PendingPreempt flag, then re-arms itself after Period unless it has
	// been canceled, modeling a periodic tick source.
	ActionReschedule
	// ActionWake wakes one waiter on WakeQueue, used to implement a
	// sleeping thread's timeout without the scheduler importing this
	// package.
	ActionWake
)

// Timer is one scheduled deadline.
type Timer struct {
	ID     uint64
	CPU    *percpu.Cell
	Action Action
	Period time.Duration

	Callback  func(ctx context.Context, t *Timer)
	WakeQueue *waitq.Queue

	FiredAt  time.Time
	canceled atomic.Bool
}

// Canceled reports whether Cancel has been called on t.
func (t *Timer) Canceled() bool { return t.canceled.Load() }

// Manager runs one delaying work queue per online CPU.
type Manager struct {
	clock ClockSource

	mu     sync.Mutex
	queues map[int]workqueue.TypedDelayingInterface[*Timer]
	nextID atomic.Uint64
}

// NewManager creates a Manager with no CPUs started yet.
func NewManager(clock ClockSource) *Manager {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Manager{clock: clock, queues: make(map[int]workqueue.TypedDelayingInterface[*Timer])}
}

// StartCPU brings cell's timer list online and starts its driver
// goroutine. It returns a stop function the caller must call to shut the
// queue down (e.g. on CPU offline or kernel shutdown).
func (m *Manager) StartCPU(ctx context.Context, cell *percpu.Cell) func() {
	q := workqueue.NewTypedDelayingQueue[*Timer]()

	m.mu.Lock()
	m.queues[cell.ID] = q
	m.mu.Unlock()

	go m.run(ctx, cell, q)

	return func() {
		m.mu.Lock()
		delete(m.queues, cell.ID)
		m.mu.Unlock()
		q.ShutDown()
	}
}

func (m *Manager) run(ctx context.Context, cell *percpu.Cell, q workqueue.TypedDelayingInterface[*Timer]) {
	cellCtx := percpu.WithCell(ctx, cell)
	for {
		t, shutdown := q.Get()
		if shutdown {
			return
		}
		m.fire(cellCtx, q, t)
	}
}

func (m *Manager) fire(ctx context.Context, q workqueue.TypedDelayingInterface[*Timer], t *Timer) {
	defer q.Done(t)

	if t.canceled.Load() {
		return
	}
	t.FiredAt = m.clock.Now()

	switch t.Action {
	case ActionFunction:
		if t.Callback != nil {
			t.Callback(ctx, t)
		}
	case ActionWake:
		if t.WakeQueue != nil {
			t.WakeQueue.Wake(false)
		}
	case ActionReschedule:
		if t.Callback != nil {
			t.Callback(ctx, t)
		}
		if cell := percpu.Current(ctx); cell != nil {
			cell.PendingPreempt.Store(true)
		}
		if !t.canceled.Load() {
			q.AddAfter(t, t.Period)
		}
	}
}

// Schedule arms a new Timer on cpuID's list, due after delay.
func (m *Manager) Schedule(cpuID int, delay time.Duration, t *Timer) error {
	m.mu.Lock()
	q, ok := m.queues[cpuID]
	m.mu.Unlock()
	if !ok {
		return status.Newf(status.NotFound, "no timer queue running on cpu %d", cpuID)
	}
	t.ID = m.nextID.Add(1)
	q.AddAfter(t, delay)
	return nil
}

// Cancel marks t so that it is a no-op the next time its queue delivers
// it. A Timer already in flight inside fire() when Cancel is called may
// still run its callback once; canceling only guarantees no action after
// that point, matching workqueue's lack of an in-place remove.
func (m *Manager) Cancel(t *Timer) {
	t.canceled.Store(true)
}

// Now reports the manager's clock source reading.
func (m *Manager) Now() time.Time { return m.clock.Now() }
