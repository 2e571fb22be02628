// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package svc

import (
	"context"
	"time"

	"github.com/kestrel-os/kestrel/internal/timer"
	"github.com/kestrel-os/kestrel/internal/waitq"
	"github.com/kestrel-os/kestrel/pkg/status"
)

const (
	CallTimerCreate uint32 = iota
	CallTimerStop
)

const (
	CallClockMonotonicGet uint32 = iota
	CallClockRealtimeGet
)

func init() {
	Register(Index{ServiceTimer, CallTimerCreate}, "timer_create", timerCreate)
	Register(Index{ServiceTimer, CallTimerStop}, "timer_stop", timerStop)
	Register(Index{ServiceClock, CallClockMonotonicGet}, "clock_get_monotonic", clockGetMonotonic)
	Register(Index{ServiceClock, CallClockRealtimeGet}, "clock_get_realtime", clockGetRealtime)
}

// timerCreate implements timer create+start (spec §6): Args = [cpuID,
// delayNs, periodNs, action, _, _]. action 0 = ActionFunction (fires
// once, no-op callback — user timers have nothing in-kernel to call),
// 1 = ActionReschedule, 2 = ActionWake (wakes one waiter on a new wait
// queue created for this timer). The result is an opaque handle for a later timer_stop.
func timerCreate(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	cpuID := int(call.Args[0])
	delay := time.Duration(call.Args[1])
	period := time.Duration(call.Args[2])
	action := timer.Action(call.Args[3])

	t := &timer.Timer{
		Action: action,
		Period: period,
	}
	switch action {
	case timer.ActionFunction, timer.ActionReschedule:
		t.Callback = func(context.Context, *timer.Timer) {}
	case timer.ActionWake:
		t.WakeQueue = waitq.New()
	default:
		return 0, status.Newf(status.InvalidArg, "timer_create: unknown action %d", call.Args[3])
	}

	if err := k.Timers.Schedule(cpuID, delay, t); err != nil {
		return 0, err
	}

	k.mu.Lock()
	k.nextTimer++
	handle := k.nextTimer
	k.timers[handle] = t
	k.mu.Unlock()

	return handle, nil
}

// timerStop implements timer stop: Args = [handle, _, _, _, _, _].
func timerStop(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	handle := call.Args[0]

	k.mu.Lock()
	t, ok := k.timers[handle]
	if ok {
		delete(k.timers, handle)
	}
	k.mu.Unlock()

	if !ok {
		return 0, status.Newf(status.InvalidHandle, "timer_stop: no timer with handle %d", handle)
	}
	k.Timers.Cancel(t)
	return 0, nil
}

// clockGetMonotonic returns the monotonic clock reading in nanoseconds
// since an arbitrary epoch (spec §6).
func clockGetMonotonic(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	return uint64(k.Timers.Now().UnixNano()), nil
}

// clockGetRealtime returns the wall-clock reading in nanoseconds since
// the Unix epoch.
func clockGetRealtime(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	return uint64(time.Now().UnixNano()), nil
}
