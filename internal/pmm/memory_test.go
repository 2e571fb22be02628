// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmm_test

import (
	"sync"
	"testing"

	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) *pmm.Memory {
	t.Helper()
	// 64 MiB: large enough to exercise all three pools (16 MiB DMA16
	// region, a DMA32 region up to 4 GiB clamped to the arena size, and
	// general memory above that).
	m, err := pmm.NewMemory(64 << 20)
	require.NoError(t, err)
	return m
}

func TestMemory_AllocFreeConservesPages(t *testing.T) {
	m := newTestMemory(t)
	before := m.Stats().FreeBytes()

	pages, err := m.Alloc(16, pmm.FlagCanFail)
	require.NoError(t, err)
	require.Len(t, pages, 16)
	for _, pg := range pages {
		assert.Equal(t, pmm.StateAllocated, pg.State())
		assert.EqualValues(t, 1, pg.RefCount())
	}

	mid := m.Stats().FreeBytes()
	assert.Equal(t, before-16*pmm.PageSize, mid)

	for _, pg := range pages {
		pg.Unref()
	}
	require.NoError(t, m.Free(pages))

	after := m.Stats().FreeBytes()
	assert.Equal(t, before, after, "all pages must return to their pools")
}

func TestMemory_DMA16ConstraintHonored(t *testing.T) {
	m := newTestMemory(t)
	pages, err := m.Alloc(4, pmm.FlagDMA16|pmm.FlagCanFail)
	require.NoError(t, err)
	for _, pg := range pages {
		assert.Less(t, uint64(pg.PhysAddr), uint64(16<<20))
	}
	for _, pg := range pages {
		pg.Unref()
	}
	require.NoError(t, m.Free(pages))
}

func TestMemory_FreeRejectsBusyOrReferenced(t *testing.T) {
	m := newTestMemory(t)
	pages, err := m.Alloc(1, pmm.FlagCanFail)
	require.NoError(t, err)

	err = m.Free(pages)
	assert.Error(t, err, "refcount is still 1, Free must reject it")

	pages[0].Unref()
	pages[0].SetFlag(pmm.FlagBusy)
	err = m.Free(pages)
	assert.Error(t, err, "busy pages must not be freed")

	pages[0].ClearFlag(pmm.FlagBusy)
	require.NoError(t, m.Free(pages))
}

func TestMemory_ExhaustionFailsWhenCanFail(t *testing.T) {
	m := newTestMemory(t)
	_, err := m.Alloc(1<<20, pmm.FlagCanFail)
	assert.Error(t, err)
}

func TestMemory_ExhaustionPanicsWithoutCanFail(t *testing.T) {
	m := newTestMemory(t)
	assert.Panics(t, func() {
		_, _ = m.Alloc(1<<20, 0)
	})
}

func TestMemory_LookupFindsAllocatedPage(t *testing.T) {
	m := newTestMemory(t)
	pages, err := m.Alloc(1, pmm.FlagCanFail)
	require.NoError(t, err)

	found, ok := m.Lookup(pages[0].PhysAddr)
	require.True(t, ok)
	assert.Same(t, pages[0], found)

	pages[0].Unref()
	require.NoError(t, m.Free(pages))
}

func TestMemory_ConcurrentAllocFree(t *testing.T) {
	m := newTestMemory(t)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pages, err := m.Alloc(2, pmm.FlagCanFail)
			if err != nil {
				return
			}
			for _, pg := range pages {
				pg.Unref()
			}
			_ = m.Free(pages)
		}()
	}
	wg.Wait()

	// No leaks: total free bytes must return to the full arena size.
	stats := m.Stats()
	assert.Equal(t, stats.TotalBytes(), stats.FreeBytes())
}

func TestMemory_AllocRangeHonorsAlignment(t *testing.T) {
	m := newTestMemory(t)
	const align = 4 * pmm.PageSize
	pages, err := m.AllocRange(2, align, 0, 0, 0, 0, pmm.FlagCanFail)
	require.NoError(t, err)
	assert.Zero(t, uint64(pages[0].PhysAddr)%align)
	for _, pg := range pages {
		pg.Unref()
	}
	require.NoError(t, m.Free(pages))
}

func TestMemory_AllocRangeHonorsMinMax(t *testing.T) {
	m := newTestMemory(t)
	const min = 16 << 20
	const max = 32 << 20
	pages, err := m.AllocRange(4, 0, 0, 0, min, max, pmm.FlagCanFail)
	require.NoError(t, err)
	for _, pg := range pages {
		assert.GreaterOrEqual(t, uint64(pg.PhysAddr), uint64(min))
		assert.Less(t, uint64(pg.PhysAddr), uint64(max))
	}
	for _, pg := range pages {
		pg.Unref()
	}
	require.NoError(t, m.Free(pages))
}

func TestMemory_AllocRangeFailsWhenUnsatisfiable(t *testing.T) {
	m := newTestMemory(t)
	_, err := m.AllocRange(1, 0, 0, 0, 1<<30, 2<<30, pmm.FlagCanFail)
	assert.Error(t, err)
}

func TestMemory_SetStateTransitionsWithoutTouchingFreeList(t *testing.T) {
	m := newTestMemory(t)
	pages, err := m.Alloc(1, pmm.FlagCanFail)
	require.NoError(t, err)

	require.NoError(t, m.SetState(pages[0], pmm.StateCachedDirty))
	assert.Equal(t, pmm.StateCachedDirty, pages[0].State())

	err = m.SetState(pages[0], pmm.StateFree)
	assert.Error(t, err, "SetState must not be used to release a page")

	pages[0].Unref()
	require.NoError(t, m.Free(pages))
}
