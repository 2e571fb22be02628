// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kheap_test

import (
	"testing"

	"github.com/kestrel-os/kestrel/internal/kheap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawArena_AllocFreeCoalesces(t *testing.T) {
	a := kheap.NewRawArena(0x1000, 0x4000)
	assert.EqualValues(t, 0x4000, a.FreeBytes())

	b1, err := a.Alloc(0x1000)
	require.NoError(t, err)
	b2, err := a.Alloc(0x1000)
	require.NoError(t, err)
	assert.EqualValues(t, 0x2000, a.FreeBytes())

	require.NoError(t, a.Free(b1, 0x1000))
	require.NoError(t, a.Free(b2, 0x1000))
	assert.EqualValues(t, 0x4000, a.FreeBytes(), "adjacent frees must coalesce back to the full extent")
}

func TestRawArena_ExhaustionFails(t *testing.T) {
	a := kheap.NewRawArena(0, 0x1000)
	_, err := a.Alloc(0x2000)
	assert.Error(t, err)
}

func TestRawArena_FirstFitReusesFreedHole(t *testing.T) {
	a := kheap.NewRawArena(0, 0x3000)
	b1, err := a.Alloc(0x1000)
	require.NoError(t, err)
	_, err = a.Alloc(0x1000)
	require.NoError(t, err)
	require.NoError(t, a.Free(b1, 0x1000))

	b3, err := a.Alloc(0x1000)
	require.NoError(t, err)
	assert.Equal(t, b1, b3, "freed hole should be reused before extending")
}
