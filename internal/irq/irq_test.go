// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package irq_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-os/kestrel/internal/irq"
	"github.com/kestrel-os/kestrel/internal/percpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_DispatchCallsRegisteredHandler(t *testing.T) {
	sys := percpu.NewSystem()
	cell := sys.BootBSP(time.Millisecond)
	table := irq.NewTable(nil)

	var called int32
	require.NoError(t, table.Register(irq.PageFaultVector, func(ctx context.Context, f *irq.Frame) {
		atomic.StoreInt32(&called, 1)
		assert.Equal(t, cell, percpu.Current(ctx))
	}))

	err := table.Dispatch(context.Background(), &irq.Frame{CPU: cell, Vector: irq.PageFaultVector})
	require.NoError(t, err)
	assert.EqualValues(t, 1, called)
}

func TestTable_DispatchUnregisteredVectorFails(t *testing.T) {
	table := irq.NewTable(nil)
	err := table.Dispatch(context.Background(), &irq.Frame{Vector: 200})
	assert.Error(t, err)
}

func TestTable_NestingDepthTracksEntryExit(t *testing.T) {
	sys := percpu.NewSystem()
	cell := sys.BootBSP(time.Millisecond)
	table := irq.NewTable(nil)

	var depthInsideHandler int
	require.NoError(t, table.Register(32, func(ctx context.Context, f *irq.Frame) {
		depthInsideHandler = irq.NestingDepth(f.CPU)
	}))

	assert.Equal(t, 0, irq.NestingDepth(cell))
	require.NoError(t, table.Dispatch(context.Background(), &irq.Frame{CPU: cell, Vector: 32}))
	assert.Equal(t, 1, depthInsideHandler)
	assert.Equal(t, 0, irq.NestingDepth(cell))
}

func TestBroadcaster_ShootdownReachesAllTargetCPUs(t *testing.T) {
	sys := percpu.NewSystem()
	c0 := sys.BootBSP(time.Millisecond)
	b1, b2 := percpu.NewHandshake(1)
	c1, err := sys.BootAP(context.Background(), 1, time.Millisecond, b1, b2)
	require.NoError(t, err)

	table := irq.NewTable(nil)
	var hits int32
	require.NoError(t, table.Register(irq.ShootdownVector, func(ctx context.Context, f *irq.Frame) {
		atomic.AddInt32(&hits, 1)
	}))

	bcast := irq.NewBroadcaster(sys, table)
	bcast.Shootdown([]int{c0.ID, c1.ID}, 0x1000, 0x1000)

	assert.EqualValues(t, 2, hits)
}

func TestBroadcaster_PauseAllHitsEveryOnlineCPU(t *testing.T) {
	sys := percpu.NewSystem()
	sys.BootBSP(time.Millisecond)
	b1, b2 := percpu.NewHandshake(2)
	go func() { _, _ = sys.BootAP(context.Background(), 1, time.Millisecond, b1, b2) }()
	_, err := sys.BootAP(context.Background(), 2, time.Millisecond, b1, b2)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	table := irq.NewTable(nil)
	var hits int32
	require.NoError(t, table.Register(irq.HaltVector, func(ctx context.Context, f *irq.Frame) {
		atomic.AddInt32(&hits, 1)
	}))

	irq.NewBroadcaster(sys, table).PauseAll()
	assert.EqualValues(t, 3, hits)
}
