// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmspace_test

import (
	"context"
	"testing"

	"github.com/kestrel-os/kestrel/internal/mmu"
	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/kestrel-os/kestrel/internal/vmspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testArenaBytes = 16 << 20 // 16 MiB, the smallest pmm.NewMemory accepts

func newSpace(t *testing.T) (*vmspace.AddressSpace, *pmm.Memory) {
	t.Helper()
	mem, err := pmm.NewMemory(testArenaBytes)
	require.NoError(t, err)
	root := mmu.New(nil, mmu.UserSpace)
	return vmspace.New(root, mem), mem
}

type memFile struct {
	reads []int64
}

func (f *memFile) ReadPage(ctx context.Context, offset int64) ([]byte, error) {
	f.reads = append(f.reads, offset)
	return make([]byte, pmm.PageSize), nil
}

type failFile struct{}

func (failFile) ReadPage(ctx context.Context, offset int64) ([]byte, error) {
	return nil, assert.AnError
}

func TestAddressSpace_MapOverlapFails(t *testing.T) {
	as, _ := newSpace(t)
	_, err := as.Map(0x1000, 0x2000, mmu.ProtRead|mmu.ProtWrite, vmspace.SourceAnonymous, nil, 0, false)
	require.NoError(t, err)

	_, err = as.Map(0x2000, 0x1000, mmu.ProtRead, vmspace.SourceAnonymous, nil, 0, false)
	assert.Error(t, err)
}

func TestFault_NoRegionReturnsInvalidAddr(t *testing.T) {
	as, _ := newSpace(t)
	err := as.Fault(context.Background(), 0x5000, vmspace.AccessRead)
	assert.ErrorContains(t, err, "no region")
}

func TestFault_PermissionDeniedOnDisallowedAccess(t *testing.T) {
	as, _ := newSpace(t)
	_, err := as.Map(0x1000, pmm.PageSize, mmu.ProtRead, vmspace.SourceAnonymous, nil, 0, false)
	require.NoError(t, err)

	err = as.Fault(context.Background(), 0x1000, vmspace.AccessWrite)
	assert.Error(t, err)
}

func TestFault_AnonymousFirstTouchPopulatesAndMaps(t *testing.T) {
	as, _ := newSpace(t)
	_, err := as.Map(0x1000, pmm.PageSize, mmu.ProtRead|mmu.ProtWrite, vmspace.SourceAnonymous, nil, 0, false)
	require.NoError(t, err)

	require.NoError(t, as.Fault(context.Background(), 0x1000, vmspace.AccessWrite))

	// Resolving a second time at the same address must be a no-op, not a
	// double allocation.
	require.NoError(t, as.Fault(context.Background(), 0x1000, vmspace.AccessWrite))
}

func TestFault_FileBackedReadsThroughFileObject(t *testing.T) {
	as, _ := newSpace(t)
	f := &memFile{}
	_, err := as.Map(0x4000, pmm.PageSize, mmu.ProtRead, vmspace.SourceFile, f, 0x1000, false)
	require.NoError(t, err)

	require.NoError(t, as.Fault(context.Background(), 0x4000, vmspace.AccessRead))
	require.Len(t, f.reads, 1)
	assert.EqualValues(t, 0x1000, f.reads[0])
}

func TestFault_FileBackedPropagatesReadError(t *testing.T) {
	as, _ := newSpace(t)
	_, err := as.Map(0x4000, pmm.PageSize, mmu.ProtRead, vmspace.SourceFile, failFile{}, 0, false)
	require.NoError(t, err)

	err = as.Fault(context.Background(), 0x4000, vmspace.AccessRead)
	assert.Error(t, err)
}

func TestAddressSpace_DuplicateSharesPagesThenBreaksCOWOnWrite(t *testing.T) {
	src, _ := newSpace(t)
	dstMem, err := pmm.NewMemory(testArenaBytes)
	require.NoError(t, err)
	dst := vmspace.New(mmu.New(nil, mmu.UserSpace), dstMem)

	_, err = src.Map(0x10000, pmm.PageSize, mmu.ProtRead|mmu.ProtWrite, vmspace.SourceAnonymous, nil, 0, false)
	require.NoError(t, err)
	require.NoError(t, src.Fault(context.Background(), 0x10000, vmspace.AccessWrite))

	require.NoError(t, src.Duplicate(context.Background(), 0x10000, pmm.PageSize, dst))

	// Writing through the child must break COW without touching the
	// parent's mapping, and must not error even though the page is
	// currently shared read-only on both sides.
	require.NoError(t, dst.Fault(context.Background(), 0x10000, vmspace.AccessWrite))
}

func TestAddressSpace_UnmapFreesPages(t *testing.T) {
	as, mem := newSpace(t)
	_, err := as.Map(0x20000, pmm.PageSize, mmu.ProtRead|mmu.ProtWrite, vmspace.SourceAnonymous, nil, 0, false)
	require.NoError(t, err)
	require.NoError(t, as.Fault(context.Background(), 0x20000, vmspace.AccessWrite))

	before := mem.Stats().FreeBytes()
	require.NoError(t, as.Unmap(context.Background(), 0x20000, pmm.PageSize))
	after := mem.Stats().FreeBytes()

	assert.Equal(t, before+pmm.PageSize, after)
}

func TestAddressSpace_ProtectUpdatesRegion(t *testing.T) {
	as, _ := newSpace(t)
	_, err := as.Map(0x30000, pmm.PageSize, mmu.ProtRead, vmspace.SourceAnonymous, nil, 0, false)
	require.NoError(t, err)

	require.NoError(t, as.Protect(context.Background(), 0x30000, pmm.PageSize, mmu.ProtRead|mmu.ProtWrite))
	require.NoError(t, as.Fault(context.Background(), 0x30000, vmspace.AccessWrite))
}
