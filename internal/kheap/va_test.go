// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kheap_test

import (
	"context"
	"testing"

	"github.com/kestrel-os/kestrel/internal/kheap"
	"github.com/kestrel-os/kestrel/internal/mmu"
	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVAArena(t *testing.T) (*kheap.VAArena, *mmu.Context) {
	t.Helper()
	mem, err := pmm.NewMemory(16 << 20)
	require.NoError(t, err)
	root := mmu.New(nil, mmu.KernelSpace)
	va := kheap.NewVAArena(0xFFFF_8000_0000_0000, 1<<20, mem, root)
	return va, root
}

func TestVAArena_AllocMapsAndFreeUnmaps(t *testing.T) {
	va, root := newTestVAArena(t)
	ctx := context.Background()

	base, err := va.Alloc(ctx, pmm.PageSize)
	require.NoError(t, err)

	phys, prot, found, err := root.Query(ctx, base)
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotZero(t, phys)
	assert.Equal(t, mmu.ProtRead|mmu.ProtWrite|mmu.ProtExec, prot)

	require.NoError(t, va.Free(ctx, base, pmm.PageSize))

	_, _, found, err = root.Query(ctx, base)
	require.NoError(t, err)
	assert.False(t, found, "Free must unmap the range")
}

func TestVAArena_AllocRoundsUpToPageSize(t *testing.T) {
	va, root := newTestVAArena(t)
	ctx := context.Background()

	base, err := va.Alloc(ctx, 17)
	require.NoError(t, err)

	_, _, found, err := root.Query(ctx, base+pmm.PageSize-1)
	require.NoError(t, err)
	assert.True(t, found, "a 17-byte request must still reserve a whole page")

	require.NoError(t, va.Free(ctx, base, pmm.PageSize))
}
