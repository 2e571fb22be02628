// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"context"

	"github.com/kestrel-os/kestrel/pkg/status"
	xsemaphore "golang.org/x/sync/semaphore"
)

// Semaphore is a counting semaphore, used where the kernel needs to bound
// concurrent access to N identical resources (e.g. a fixed pool of DMA
// buffers) rather than mutual exclusion to one. It wraps
// golang.org/x/sync/semaphore.Weighted directly instead of hand-rolling a
// counter over a channel, since the pack already carries that dependency
// for exactly this purpose.
type Semaphore struct {
	w *xsemaphore.Weighted
}

// NewSemaphore creates a semaphore with capacity initial permits.
func NewSemaphore(capacity int64) *Semaphore {
	return &Semaphore{w: xsemaphore.NewWeighted(capacity)}
}

// Acquire blocks until n permits are available or ctx is canceled.
func (s *Semaphore) Acquire(ctx context.Context, n int64) error {
	if err := s.w.Acquire(ctx, n); err != nil {
		return status.Wrap(status.Interrupted, err)
	}
	return nil
}

// TryAcquire acquires n permits without blocking, reporting whether it
// succeeded.
func (s *Semaphore) TryAcquire(n int64) bool {
	return s.w.TryAcquire(n)
}

// Release returns n permits to the semaphore.
func (s *Semaphore) Release(n int64) {
	s.w.Release(n)
}
