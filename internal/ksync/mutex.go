// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"context"

	"github.com/kestrel-os/kestrel/pkg/status"
)

// waiter is a single blocked Lock call; Unlock hands ownership to it
// directly instead of clearing the owner and letting every waiter race,
// which is how Mutex avoids the thundering-herd wakeup that would
// otherwise reintroduce priority inversion under contention (spec §4.I).
type waiter struct {
	token any
	grant chan struct{}
}

// Mutex is an owner-tracked lock. Ownership is identified by an opaque,
// comparable token supplied by the caller (typically a *thread identity)
// rather than a goroutine ID, since Go does not expose one; this mirrors
// the kernel's notion of "the calling thread" without creating a
// dependency from ksync onto the scheduler package.
//
// Recursive acquisition by the same token is only permitted when
// Recursive is set (spec §3's "flags (Recursive?)"); a Mutex's zero value
// is non-recursive, matching plain sync.Mutex semantics by default.
type Mutex struct {
	Recursive bool

	spin    Spinlock
	owner   any
	count   int
	waiters []*waiter
}

// Lock acquires the mutex for token, blocking until it is available or
// ctx is canceled. If Recursive is set, calling Lock again for the same
// token that already holds it increments the recursion count instead of
// deadlocking; otherwise it is a fatal kernel-invariant violation (spec
// §7).
func (m *Mutex) Lock(ctx context.Context, token any) error {
	for {
		m.spin.Lock()
		if m.owner == nil {
			m.owner = token
			m.count = 1
			m.spin.Unlock()
			return nil
		}
		if m.owner == token {
			if !m.Recursive {
				m.spin.Unlock()
				panic(status.NewFatal("ksync: recursive lock of non-recursive mutex by %v", token))
			}
			m.count++
			m.spin.Unlock()
			return nil
		}
		w := &waiter{token: token, grant: make(chan struct{})}
		m.waiters = append(m.waiters, w)
		m.spin.Unlock()

		select {
		case <-w.grant:
			// Unlock already set m.owner = token and m.count = 1 under
			// m.spin before closing grant; we are now the holder.
			return nil
		case <-ctx.Done():
			m.cancelWaiter(w)
			return status.Wrap(status.Interrupted, ctx.Err())
		}
	}
}

func (m *Mutex) cancelWaiter(target *waiter) {
	m.spin.Lock()
	defer m.spin.Unlock()
	for i, w := range m.waiters {
		if w == target {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
	// Already granted by Unlock in the race between ctx.Done and grant;
	// release the mutex we were just handed since the caller no longer
	// wants it.
	select {
	case <-target.grant:
		m.count = 0
		m.owner = nil
		m.wakeNextLocked()
	default:
	}
}

// Unlock releases one level of recursion. Once the count reaches zero,
// ownership either transfers directly to the longest-waiting blocked
// caller (handoff) or the mutex goes idle.
func (m *Mutex) Unlock(token any) {
	m.spin.Lock()
	if m.owner != token {
		m.spin.Unlock()
		panic(status.NewFatal("ksync: unlock of mutex not held by token %v", token))
	}
	m.count--
	if m.count > 0 {
		m.spin.Unlock()
		return
	}
	m.owner = nil
	m.wakeNextLocked()
	m.spin.Unlock()
}

// wakeNextLocked hands ownership to the next waiter, if any. Caller holds
// m.spin.
func (m *Mutex) wakeNextLocked() {
	if len(m.waiters) == 0 {
		return
	}
	w := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = w.token
	m.count = 1
	close(w.grant)
}

// Holder returns the current owner token, or nil if unlocked. Intended
// for diagnostics only.
func (m *Mutex) Holder() any {
	m.spin.Lock()
	defer m.spin.Unlock()
	return m.owner
}
