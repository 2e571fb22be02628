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
	CallSysShutdown uint32 = iota
	CallSysReclaimNow
)

func init() {
	Register(Index{ServiceSys, CallSysShutdown}, "sys_shutdown", sysShutdown)
	Register(Index{ServiceSys, CallSysReclaimNow}, "sys_reclaim_now", sysReclaimNow)
}

// sysShutdown implements the system shutdown primitive (spec §6). It
// stops the scheduler's run loops, the narrowest well-defined meaning of
// "shut down" component M can give without a power-management layer
// (ACPI power management is an explicit Non-goal, spec §1).
func sysShutdown(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	k.Sched.Stop()
	return 0, nil
}

// sysReclaimNow exposes the Low-Resource Manager's synchronous reclaim
// pass (spec §4.L) to callers under allocation pressure, resolving the
// "does LRM block the caller" Open Question as BLOCKS (see DESIGN.md).
func sysReclaimNow(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	if k.LRM == nil {
		return 0, status.Newf(status.NotImplemented, "sys_reclaim_now: no Low-Resource Manager configured")
	}
	return 0, k.LRM.ReclaimNow(ctx)
}
