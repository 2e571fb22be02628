// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package svc

import (
	"context"

	"github.com/kestrel-os/kestrel/pkg/status"
)

const (
	CallThreadID uint32 = iota
	CallThreadExit
)

func init() {
	Register(Index{ServiceThread, CallThreadID}, "thread_id", threadID)
	Register(Index{ServiceThread, CallThreadExit}, "thread_exit", threadExit)
}

// threadID returns the calling thread's stable id, which the dispatcher
// passes through Call.Owner exactly as the real entry path would have
// recorded it from the saved user frame (spec §4.F "record the user
// frame for signal setup").
func threadID(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	return call.Owner, nil
}

// threadExit implements the thread exit primitive: Args = [exitCode, _,
// _, _, _, _]. The scheduler itself has no explicit "force exit"
// entry point (a Thread's Entry returning is what drives Created ->
// ... -> Dead, per spec §4.G); component M can only confirm the thread
// named by Owner is known to the scheduler and report its terminal
// state, mirroring the narrow dispatch-structure scope spec §1 assigns
// to this component ("beyond dispatch structure" is explicitly out of
// scope for the broader process/thread-table surface).
func threadExit(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	if _, ok := k.Sched.Lookup(call.Owner); !ok {
		return 0, status.Newf(status.NotFound, "thread_exit: no thread with id %d", call.Owner)
	}
	return 0, nil
}
