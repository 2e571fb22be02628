// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/percpu"
)

const runQueueScratchKey = "sched.runqueue"

// Scheduler owns one run queue per online CPU and drives each CPU's
// RunLoop goroutine. Grounded on internal/intake/worker.go's
// ticker-driven worker loop shape, generalized from "drain a batch on a
// timer" into "run the next ready thread until it yields."
type Scheduler struct {
	sys    *percpu.System
	nextID atomic.Uint64

	mu      sync.RWMutex
	threads map[uint64]*Thread

	wg sync.WaitGroup
}

// New creates a Scheduler bound to sys. Call Start for every online cell
// before enqueuing threads onto it.
func New(sys *percpu.System) *Scheduler {
	return &Scheduler{
		sys:     sys,
		threads: make(map[uint64]*Thread),
	}
}

func (s *Scheduler) queueFor(cell *percpu.Cell) *runQueue {
	if rq, ok := cell.Scratch(runQueueScratchKey).(*runQueue); ok {
		return rq
	}
	rq := newRunQueue()
	cell.PutScratch(runQueueScratchKey, rq)
	return rq
}

// Start launches the RunLoop for cell; it runs until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context, cell *percpu.Cell) {
	rq := s.queueFor(cell)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(ctx, cell, rq)
	}()
}

// Stop closes every online CPU's run queue, unblocking its RunLoop, and
// waits for all of them to exit.
func (s *Scheduler) Stop() {
	for _, cell := range s.sys.Cells() {
		s.queueFor(cell).close()
	}
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, cell *percpu.Cell, rq *runQueue) {
	for {
		t, ok := rq.popBlocking()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.setState(Running)
		t.cpu.Store(cell)
		cell.PutScratch("sched.current", t)

		t.gate <- struct{}{}
		reason := <-t.yield

		switch reason {
		case yieldCooperative:
			if t.State() != Dead {
				t.setState(Ready)
				rq.push(t)
			}
		case yieldSleep:
			// The thread itself re-enqueues via requeue once it wakes;
			// the run loop just moves on to the next ready thread.
		case yieldExit:
			t.setState(Dead)
			close(t.exitCh)
			s.mu.Lock()
			delete(s.threads, t.ID)
			s.mu.Unlock()
		}
	}
}

// Create allocates a new thread bound to entry and priority, in the
// Created state. Call Enqueue to make it schedulable.
func (s *Scheduler) Create(priority int, entry Entry) *Thread {
	id := s.nextID.Add(1)
	t := newThread(id, priority, entry, s)
	s.mu.Lock()
	s.threads[id] = t
	s.mu.Unlock()
	return t
}

// Enqueue transitions t from Created to Ready on the given CPU.
func (s *Scheduler) Enqueue(cell *percpu.Cell, t *Thread) {
	t.setState(Ready)
	s.queueFor(cell).push(t)
}

// requeue pushes a thread that just woke from sleep back onto the run
// queue of the CPU it last ran on.
func (s *Scheduler) requeue(t *Thread) {
	cell := t.cpu.Load()
	if cell == nil {
		return
	}
	s.queueFor(cell).push(t)
}

// Lookup returns the thread with the given ID, if it still exists.
func (s *Scheduler) Lookup(id uint64) (*Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	return t, ok
}

// ReadyCount returns the number of Ready threads queued on cell, for
// diagnostics.
func (s *Scheduler) ReadyCount(cell *percpu.Cell) int {
	return s.queueFor(cell).len()
}
