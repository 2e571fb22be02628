// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package futex implements the fast userspace mutex primitive (spec
// §4.J): WAIT/WAKE/REQUEUE on a table of queues keyed by the physical
// address backing a watched user int32, so that two processes mapping
// the same shared page contend on the same key. Grounded on
// pkg/resource/store's badger-backed key/value store for the touched-key
// bookkeeping a real futex table needs for per-process cleanup on exit;
// the queues themselves are in-process internal/waitq queues, since a
// goroutine parked on a channel cannot be serialized into a KV store.
package futex

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/cenkalti/backoff/v5"

	"github.com/kestrel-os/kestrel/internal/waitq"
	"github.com/kestrel-os/kestrel/pkg/status"
)

var touchedPrefix = []byte("touched")

// Table is the kernel's futex key space.
type Table struct {
	mu     sync.Mutex
	queues map[uintptr]*waitq.Queue

	db *badger.DB
}

// NewTable opens an in-memory touched-key store and returns an empty
// futex table.
func NewTable() (*Table, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true))
	if err != nil {
		return nil, status.Wrap(status.DeviceError, err)
	}
	return &Table{queues: make(map[uintptr]*waitq.Queue), db: db}, nil
}

// Close releases the touched-key store.
func (t *Table) Close() error {
	return t.db.Close()
}

// queueFor returns addr's queue, creating it if necessary. Caller holds t.mu.
func (t *Table) queueFor(addr uintptr) *waitq.Queue {
	q, ok := t.queues[addr]
	if !ok {
		q = waitq.New()
		t.queues[addr] = q
	}
	return q
}

func touchKey(owner uint64, addr uintptr) []byte {
	b := make([]byte, len(touchedPrefix)+8+8)
	n := copy(b, touchedPrefix)
	binary.BigEndian.PutUint64(b[n:], owner)
	binary.BigEndian.PutUint64(b[n+8:], uint64(addr))
	return b
}

func ownerPrefix(owner uint64) []byte {
	b := make([]byte, len(touchedPrefix)+8)
	n := copy(b, touchedPrefix)
	binary.BigEndian.PutUint64(b[n:], owner)
	return b
}

func addrFromTouchKey(k []byte) uintptr {
	return uintptr(binary.BigEndian.Uint64(k[len(touchedPrefix)+8:]))
}

// recordTouch notes that owner has a thread waiting on addr, so
// ReleaseOwner can find it later. Badger optimistic transactions can
// collide under write contention; retried with a bounded backoff rather
// than failing the caller's WAIT outright.
func (t *Table) recordTouch(owner uint64, addr uintptr) error {
	key := touchKey(owner, addr)
	op := func() (struct{}, error) {
		err := t.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(key); err == nil {
				return nil
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			return txn.Set(key, nil)
		})
		if err == badger.ErrConflict {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(context.Background(), op, backoff.WithMaxTries(5))
	if err != nil {
		return status.Wrap(status.DeviceError, err)
	}
	return nil
}

// Wait blocks the calling thread on addr. load is called once, under the
// table lock, to confirm the watched value still equals expected;
// callers are expected to read the user word and pass its value as
// expected having already decided to block, matching the atomic
// check-then-sleep contract real FUTEX_WAIT requires. If load's result
// has already diverged, Wait returns immediately with a TryAgain status
// instead of parking.
func (t *Table) Wait(ctx context.Context, owner uint64, addr uintptr, expected int32, load func() int32, timeout time.Duration) error {
	if err := t.recordTouch(owner, addr); err != nil {
		return err
	}

	// The value check, queue lookup and Sleep's internal enqueue must
	// happen under one unbroken hold of t.mu: releasing it between the
	// check and the enqueue would let a concurrent Wake find an empty
	// queue and wake nothing, stranding this waiter until timeout.
	t.mu.Lock()
	if load() != expected {
		t.mu.Unlock()
		return status.Newf(status.TryAgain, "futex value at %#x changed before wait", addr)
	}
	q := t.queueFor(addr)
	err := q.Sleep(ctx, &t.mu, timeout)
	t.mu.Unlock()
	return err
}

// Wake releases up to n waiters parked on addr in FIFO order (n < 0 wakes
// all of them), returning the number actually woken.
func (t *Table) Wake(addr uintptr, n int) int {
	t.mu.Lock()
	q, ok := t.queues[addr]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	if n < 0 {
		return q.Wake(true)
	}
	woken := 0
	for woken < n {
		got := q.Wake(false)
		if got == 0 {
			break
		}
		woken += got
	}
	return woken
}

// Requeue wakes up to maxWake waiters on srcAddr, then moves up to
// maxRequeue of the remaining waiters to dstAddr's queue without waking
// them. Unlike FUTEX_CMP_REQUEUE it takes no expected value and compares
// no futex word before acting.
func (t *Table) Requeue(srcAddr, dstAddr uintptr, maxWake, maxRequeue int) (woken, requeued int) {
	t.mu.Lock()
	src := t.queueFor(srcAddr)
	dst := t.queueFor(dstAddr)
	t.mu.Unlock()

	for woken < maxWake {
		got := src.Wake(false)
		if got == 0 {
			break
		}
		woken += got
	}
	requeued = waitq.Requeue(src, dst, maxRequeue)
	return woken, requeued
}

// ReleaseOwner garbage-collects every futex key owner has touched: queues
// that are now empty are dropped from the table, and the touched-key
// records are deleted. Called when a process exits so its futex
// footprint does not linger forever.
func (t *Table) ReleaseOwner(owner uint64) error {
	prefix := ownerPrefix(owner)

	var addrs []uintptr
	if err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			addrs = append(addrs, addrFromTouchKey(it.Item().KeyCopy(nil)))
		}
		return nil
	}); err != nil {
		return status.Wrap(status.DeviceError, err)
	}

	t.mu.Lock()
	for _, addr := range addrs {
		if q, ok := t.queues[addr]; ok && q.Empty() {
			delete(t.queues, addr)
		}
	}
	t.mu.Unlock()

	return t.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if bytes.HasPrefix(k, prefix) {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
