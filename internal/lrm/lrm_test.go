// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package lrm_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-os/kestrel/internal/lrm"
	"github.com/kestrel-os/kestrel/internal/pmm"
)

const testArenaBytes = 16 << 20

func newManager(t *testing.T, interval time.Duration) (*lrm.Manager, *pmm.Memory) {
	t.Helper()
	mem, err := pmm.NewMemory(testArenaBytes)
	require.NoError(t, err)
	mgr, err := lrm.NewManager(lrm.Options{Logger: logr.Discard(), Mem: mem, Interval: interval})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Stop() })
	return mgr, mem
}

func TestManager_RegisterRejectsDuplicateName(t *testing.T) {
	mgr, _ := newManager(t, time.Hour)
	r := lrm.Reclaimer{Name: "x", Reclaim: func(ctx context.Context, b lrm.Band) (uint64, error) { return 0, nil }}
	require.NoError(t, mgr.Register(r))
	assert.Error(t, mgr.Register(r))
}

func TestManager_RegisterRejectsNilReclaimFunc(t *testing.T) {
	mgr, _ := newManager(t, time.Hour)
	assert.Error(t, mgr.Register(lrm.Reclaimer{Name: "y"}))
}

func TestManager_DetectsCriticalPressureAndReclaims(t *testing.T) {
	mgr, mem := newManager(t, 5*time.Millisecond)

	total := int(testArenaBytes / pmm.PageSize)
	held, err := mem.Alloc(total-total/100, pmm.AllocFlags(0))
	require.NoError(t, err)

	var ran atomic.Bool
	require.NoError(t, mgr.Register(lrm.Reclaimer{
		Name:     "drop-held",
		Priority: 0,
		Reclaim: func(ctx context.Context, band lrm.Band) (uint64, error) {
			ran.Store(true)
			n := len(held) / 2
			for i := 0; i < n; i++ {
				held[i].Unref()
			}
			freed := held[:n]
			held = held[n:]
			if err := mem.Free(freed); err != nil {
				return 0, err
			}
			return uint64(n) * pmm.PageSize, nil
		},
	}))

	mgr.Start(context.Background())

	require.Eventually(t, ran.Load, time.Second, time.Millisecond, "reclaimer never ran under pressure")
	require.Eventually(t, func() bool { return mgr.CurrentBand() < lrm.BandCritical }, time.Second, time.Millisecond)
}

func TestManager_ReclaimNowCollapsesConcurrentCallers(t *testing.T) {
	mgr, _ := newManager(t, time.Hour)

	var calls atomic.Int32
	block := make(chan struct{})
	require.NoError(t, mgr.Register(lrm.Reclaimer{
		Name: "slow",
		Reclaim: func(ctx context.Context, band lrm.Band) (uint64, error) {
			calls.Add(1)
			<-block
			return 0, nil
		},
	}))

	done := make(chan error, 2)
	go func() { done <- mgr.ReclaimNow(context.Background()) }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	go func() { done <- mgr.ReclaimNow(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(block)

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_HistoryRecordsBandTransitions(t *testing.T) {
	mgr, mem := newManager(t, 5*time.Millisecond)
	total := int(testArenaBytes / pmm.PageSize)
	_, err := mem.Alloc(total-total/100, pmm.AllocFlags(0))
	require.NoError(t, err)

	mgr.Start(context.Background())
	require.Eventually(t, func() bool {
		hist, err := mgr.History()
		return err == nil && len(hist) > 0
	}, time.Second, time.Millisecond)
}
