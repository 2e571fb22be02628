// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kheap_test

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-os/kestrel/internal/kheap"
	"github.com/kestrel-os/kestrel/internal/percpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_AllocFreeReusesObjects(t *testing.T) {
	va, _ := newTestVAArena(t)
	cell := percpu.NewSystem().BootBSP(time.Millisecond)
	cache, err := kheap.NewCache("test-64", 64, 0, nil, nil, nil, va)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := cache.Alloc(ctx, cell)
	require.NoError(t, err)
	require.NoError(t, cache.Free(cell, a))

	b, err := cache.Alloc(ctx, cell)
	require.NoError(t, err)
	assert.Equal(t, a, b, "a freed object should be handed back out before growing")
}

func TestCache_AllocReturnsDistinctAddresses(t *testing.T) {
	va, _ := newTestVAArena(t)
	cell := percpu.NewSystem().BootBSP(time.Millisecond)
	cache, err := kheap.NewCache("test-32", 32, 0, nil, nil, nil, va)
	require.NoError(t, err)
	ctx := context.Background()

	seen := make(map[uintptr]bool)
	for i := 0; i < 40; i++ {
		addr, err := cache.Alloc(ctx, cell)
		require.NoError(t, err)
		assert.False(t, seen[addr], "address %#x handed out twice while live", addr)
		seen[addr] = true
	}
}

func TestCache_PerCPUMagazinesAreIndependent(t *testing.T) {
	va, _ := newTestVAArena(t)
	sys := percpu.NewSystem()
	c0 := sys.BootBSP(time.Millisecond)
	b1, b2 := percpu.NewHandshake(1)
	c1, err := sys.BootAP(context.Background(), 1, time.Millisecond, b1, b2)
	require.NoError(t, err)

	cache, err := kheap.NewCache("test-16", 16, 0, nil, nil, nil, va)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := cache.Alloc(ctx, c0)
	require.NoError(t, err)
	b, err := cache.Alloc(ctx, c1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "two CPUs pulling from fresh magazines must not hand out the same object")
}

func TestCache_FreeOfUnownedAddressFails(t *testing.T) {
	va, _ := newTestVAArena(t)
	cell := percpu.NewSystem().BootBSP(time.Millisecond)
	cache, err := kheap.NewCache("test-unowned", 64, 0, nil, nil, nil, va)
	require.NoError(t, err)

	err = cache.Free(cell, 0xDEADBEEF)
	assert.Error(t, err)
}

func TestCache_FreeOfSameObjectTwiceFails(t *testing.T) {
	va, _ := newTestVAArena(t)
	cell := percpu.NewSystem().BootBSP(time.Millisecond)
	cache, err := kheap.NewCache("test-double-free", 64, 0, nil, nil, nil, va)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := cache.Alloc(ctx, cell)
	require.NoError(t, err)
	require.NoError(t, cache.Free(cell, a))
	assert.Error(t, cache.Free(cell, a))
}

func TestCache_CtorRunsOncePerObjectAndDtorOnlyOnDestroy(t *testing.T) {
	va, _ := newTestVAArena(t)
	cell := percpu.NewSystem().BootBSP(time.Millisecond)

	var ctorCalls, dtorCalls int
	ctor := func(addr uintptr, data any) error {
		ctorCalls++
		return nil
	}
	dtor := func(addr uintptr, data any) {
		dtorCalls++
	}
	cache, err := kheap.NewCache("test-ctor-dtor", 64, 0, ctor, dtor, nil, va)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := cache.Alloc(ctx, cell)
	require.NoError(t, err)
	require.NoError(t, cache.Free(cell, a))

	// A second alloc reuses the already-constructed object from the
	// magazine, so the constructor must not run again. The first Alloc
	// carved one slab of 16 objects, each constructed once.
	b, err := cache.Alloc(ctx, cell)
	require.NoError(t, err)
	assert.Equal(t, 16, ctorCalls, "ctor must run exactly once per object, at slab-carve time")
	assert.Equal(t, 0, dtorCalls, "dtor must not run until the slab is torn down")

	require.NoError(t, cache.Free(cell, b))
	require.NoError(t, cache.Destroy(ctx))
	assert.Equal(t, dtorCalls, ctorCalls, "dtor must run exactly once per constructed object on Destroy")
}

func TestCache_DestroyFailsWithOutstandingObjects(t *testing.T) {
	va, _ := newTestVAArena(t)
	cell := percpu.NewSystem().BootBSP(time.Millisecond)
	cache, err := kheap.NewCache("test-destroy-busy", 64, 0, nil, nil, nil, va)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cache.Alloc(ctx, cell)
	require.NoError(t, err)

	assert.Error(t, cache.Destroy(ctx))
}

func TestNewCache_RejectsNonPowerOfTwoAlignment(t *testing.T) {
	va, _ := newTestVAArena(t)
	_, err := kheap.NewCache("test-bad-align", 64, 3, nil, nil, nil, va)
	assert.Error(t, err)
}
