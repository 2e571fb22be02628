// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ksync implements the kernel's synchronization primitives (spec
// §4.I): a busy-wait Spinlock, an owner-handoff Mutex with optional
// recursion, a Condvar always paired with a caller-supplied lock, and a
// counting Semaphore. The
// locking and handoff shapes are grounded on the nsync condition-variable
// reference implementation's spinlock-protected waiter list.
package ksync

import (
	"runtime"
	"sync/atomic"

	"github.com/kestrel-os/kestrel/pkg/status"
)

// Spinlock is a busy-wait lock for short critical sections that must not
// sleep, such as code running with interrupts masked. Unlike Mutex it
// never parks a goroutine: a blocked acquirer spins, yielding the
// scheduler between attempts.
type Spinlock struct {
	locked atomic.Bool
}

// Lock spins until the lock is acquired. Callers are expected to mask
// interrupts (or their hosted equivalent) first, per spec §4.I: a
// spinlock held with interrupts enabled on the same CPU deadlocks against
// its own interrupt handler.
func (s *Spinlock) Lock() {
	for !s.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (s *Spinlock) TryLock() bool {
	return s.locked.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an unlocked Spinlock is a
// programming error and panics, matching a kernel invariant violation.
func (s *Spinlock) Unlock() {
	if !s.locked.CompareAndSwap(true, false) {
		panic(status.NewFatal("ksync: unlock of unlocked spinlock"))
	}
}
