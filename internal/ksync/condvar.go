// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"context"
	"sync"

	"github.com/kestrel-os/kestrel/pkg/status"
)

// Locker is satisfied by both *Mutex (via token-bound wrapper, see
// TokenLocker) and sync.Locker, so a Condvar can be paired with whichever
// lock its caller already holds, per spec §4.I ("always paired with the
// caller's own lock").
type Locker interface {
	Lock()
	Unlock()
}

// Condvar is a Mesa-style condition variable: Wait always re-checks its
// predicate in a loop, since a woken waiter is not guaranteed the
// condition still holds. Grounded on the nsync cv implementation's
// spinlock-protected waiter list, reworked onto a channel per waiter
// instead of nsync's intrusive list and semaphore pool.
type Condvar struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait unlocks l, blocks until Signal/Broadcast or ctx cancellation, then
// relocks l before returning. Callers must re-test their predicate in a
// loop after Wait returns, including on a nil error.
func (c *Condvar) Wait(ctx context.Context, l Locker) error {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	l.Unlock()
	defer l.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		c.removeWaiter(ch)
		return status.Wrap(status.Interrupted, ctx.Err())
	}
}

func (c *Condvar) removeWaiter(target chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.waiters {
		if ch == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
	// Already signaled concurrently; drain so nothing is lost, but the
	// wakeup itself is simply forfeited since we are returning an error.
	select {
	case <-target:
	default:
	}
}

// Signal wakes at most one waiter, the longest-waiting one.
func (c *Condvar) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return
	}
	ch := c.waiters[0]
	c.waiters = c.waiters[1:]
	close(ch)
}

// Broadcast wakes every current waiter.
func (c *Condvar) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}

// TokenLocker adapts a *Mutex bound to a fixed token into a plain Locker,
// so it can be handed to a Condvar without threading the token through
// every call site.
type TokenLocker struct {
	M     *Mutex
	Token any
}

func (t TokenLocker) Lock() {
	// Condvar re-acquisition is expected to succeed promptly since it
	// only races other Wait()/Lock() callers, not a canceled context; a
	// background context here matches the teacher's fire-and-forget
	// re-lock idiom in its own cleanup paths.
	_ = t.M.Lock(context.Background(), t.Token)
}

func (t TokenLocker) Unlock() {
	t.M.Unlock(t.Token)
}
