// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package waitq implements FIFO wait queues (spec §4.H): threads sleep on
// a Queue and are woken in arrival order, with cancellation and timeout
// handled explicitly. A Wake that finds no waiter is not remembered: it
// returns 0, and a later Sleep parks until the next Wake. Grounded on the same nsync
// condition-variable shape as internal/ksync, generalized so that callers
// outside ksync (the scheduler, futex) can park and wake threads without
// a paired Locker.
package waitq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-os/kestrel/pkg/status"
)

// Locker is satisfied by any lock a caller wants released for the
// duration of the sleep (e.g. a spinlock guarding the condition being
// waited on) and reacquired before Sleep returns. Pass nil to sleep
// without an associated lock.
type Locker interface {
	Lock()
	Unlock()
}

// Waiter is one thread's position in a Queue. It is safe to hold a
// *Waiter after Sleep returns only to pass it to Interrupt from another
// goroutine racing the sleeper's own wakeup.
type Waiter struct {
	ch          chan struct{}
	mu          sync.Mutex // guards queue against concurrent Requeue
	queue       *Queue
	interrupted atomic.Bool
}

// Queue is a FIFO list of parked waiters.
type Queue struct {
	mu      sync.Mutex
	waiters []*Waiter
}

// New creates an empty wait queue.
func New() *Queue {
	return &Queue{}
}

// Empty reports whether any thread is currently parked on q.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters) == 0
}

// Len returns the number of threads currently parked on q.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func (q *Queue) enqueue() *Waiter {
	w := &Waiter{ch: make(chan struct{}), queue: q}
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	return w
}

// remove drops w from its queue if still present. Returns true if it was
// removed here (i.e. had not already been woken/requeued).
func (q *Queue) remove(w *Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// detach removes w from whichever queue currently holds it, tolerating a
// concurrent Requeue that moved w after it was parked. w.mu serializes
// against Requeue's own update of w.queue.
func (w *Waiter) detach() bool {
	w.mu.Lock()
	q := w.queue
	w.mu.Unlock()
	if q == nil {
		return false
	}
	return q.remove(w)
}

// Sleep parks the calling goroutine on q until Wake, Interrupt,
// ctx cancellation, or timeout (timeout <= 0 means no timeout). If
// locker is non-nil it is unlocked before parking and relocked before
// Sleep returns, including on the error paths, so callers can check their
// condition again under the same lock discipline regardless of outcome.
func (q *Queue) Sleep(ctx context.Context, locker Locker, timeout time.Duration) error {
	w := q.enqueue()

	if locker != nil {
		locker.Unlock()
		defer locker.Lock()
	}

	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case <-w.ch:
		if w.interrupted.Load() {
			return status.Newf(status.Interrupted, "wait queue sleep was interrupted")
		}
		return nil
	case <-ctx.Done():
		if w.detach() {
			return status.Wrap(status.Interrupted, ctx.Err())
		}
		return nil // raced with a wake/requeue; the wakeup wins
	case <-timerCh:
		if w.detach() {
			return status.Newf(status.TimedOut, "wait queue sleep timed out after %s", timeout)
		}
		return nil
	}
}

// Wake releases waiters in FIFO order. If all is false, at most one
// waiter is released. It returns the number actually woken.
func (q *Queue) Wake(all bool) int {
	q.mu.Lock()
	var woken []*Waiter
	if all {
		woken = q.waiters
		q.waiters = nil
	} else if len(q.waiters) > 0 {
		woken = q.waiters[:1]
		q.waiters = q.waiters[1:]
	}
	q.mu.Unlock()

	for _, w := range woken {
		close(w.ch)
	}
	return len(woken)
}

// Interrupt forcibly wakes a specific parked waiter so that its Sleep
// returns Interrupted. It is a no-op if w has already been woken.
func Interrupt(w *Waiter) {
	if w.detach() {
		w.interrupted.Store(true)
		close(w.ch)
	}
}

// Requeue moves up to max waiters from src to dst without waking them,
// preserving FIFO order. Used by the futex REQUEUE operation to avoid a
// wake-all storm when many threads are blocked on a key that is
// rebinding to another (spec §4.J). Queues are always locked in a fixed
// global order by the caller to avoid deadlock when requeuing between
// two queues derived from user addresses (spec §4.H: "cross-queue
// requeue in address order").
func Requeue(src, dst *Queue, max int) int {
	src.mu.Lock()
	n := max
	if n > len(src.waiters) || n < 0 {
		n = len(src.waiters)
	}
	moved := src.waiters[:n]
	src.waiters = src.waiters[n:]
	src.mu.Unlock()

	for _, w := range moved {
		w.mu.Lock()
		w.queue = dst
		w.mu.Unlock()
	}

	dst.mu.Lock()
	dst.waiters = append(dst.waiters, moved...)
	dst.mu.Unlock()
	return len(moved)
}
