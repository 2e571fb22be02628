// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package svc

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/kestrel-os/kestrel/pkg/status"
)

// Futex call indices, matching §6's futex wait/wake/requeue surface.
const (
	CallFutexWait uint32 = iota
	CallFutexWake
	CallFutexRequeue
)

func init() {
	Register(Index{ServiceFutex, CallFutexWait}, "futex_wait", futexWait)
	Register(Index{ServiceFutex, CallFutexWake}, "futex_wake", futexWake)
	Register(Index{ServiceFutex, CallFutexRequeue}, "futex_requeue", futexRequeue)
}

// futexWait implements FUTEX_WAIT (spec §4.J): Args = [addr, expected,
// timeoutNs, _, _, _]. It copies the watched word in under the call's
// address space before handing the check to futex.Table.Wait, which
// re-reads it under the futex lock to close the check-then-sleep race.
func futexWait(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	addr := uintptr(call.Args[0])
	expected := int32(call.Args[1])
	timeout := time.Duration(call.Args[2])

	if _, err := CopyFromUser(ctx, call.AS, addr, 4); err != nil {
		return 0, err
	}

	load := func() int32 {
		buf, err := CopyFromUser(ctx, call.AS, addr, 4)
		if err != nil {
			return expected + 1 // force a mismatch; the caller already validated addr above
		}
		return int32(binary.LittleEndian.Uint32(buf))
	}

	err := k.Futex.Wait(ctx, call.Owner, addr, expected, load, timeout)
	return 0, err
}

// futexWake implements FUTEX_WAKE: Args = [addr, n, _, _, _, _]. n < 0
// wakes every waiter.
func futexWake(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	addr := uintptr(call.Args[0])
	n := int(int64(call.Args[1]))
	woken := k.Futex.Wake(addr, n)
	return uint64(woken), nil
}

// futexRequeue implements futex requeue: Args = [src, dst, maxWake,
// maxRequeue, _, _]. No expected value is taken or compared, unlike
// FUTEX_CMP_REQUEUE. The result packs woken in the low 32 bits and
// requeued in the high 32 bits.
func futexRequeue(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	src := uintptr(call.Args[0])
	dst := uintptr(call.Args[1])
	maxWake := int(call.Args[2])
	maxRequeue := int(call.Args[3])

	if src == dst {
		return 0, status.Newf(status.InvalidArg, "futex_requeue: src and dst must differ")
	}

	woken, requeued := k.Futex.Requeue(src, dst, maxWake, maxRequeue)
	return uint64(uint32(woken)) | uint64(uint32(requeued))<<32, nil
}
