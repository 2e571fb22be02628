// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package percpu_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-os/kestrel/internal/percpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_BootBSPIsImmediate(t *testing.T) {
	sys := percpu.NewSystem()
	bsp := sys.BootBSP(10 * time.Millisecond)
	require.NotNil(t, bsp)
	assert.Equal(t, 0, bsp.ID)
	assert.Len(t, sys.Cells(), 1)
}

func TestSystem_BootAPHandshakeBringsAllOnline(t *testing.T) {
	sys := percpu.NewSystem()
	sys.BootBSP(10 * time.Millisecond)

	const apCount = 3
	b1, b2 := percpu.NewHandshake(apCount)

	var wg sync.WaitGroup
	errs := make([]error, apCount)
	for i := 0; i < apCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := sys.BootAP(context.Background(), i+1, 10*time.Millisecond, b1, b2)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, sys.Cells(), apCount+1)
}

func TestCell_ScratchRoundTrips(t *testing.T) {
	c := percpu.NewSystem().BootBSP(time.Millisecond)
	assert.Nil(t, c.Scratch("runqueue"))
	c.PutScratch("runqueue", 42)
	assert.Equal(t, 42, c.Scratch("runqueue"))
}

func TestCurrent_RoundTripsThroughContext(t *testing.T) {
	c := percpu.NewSystem().BootBSP(time.Millisecond)
	assert.Nil(t, percpu.Current(context.Background()))
	ctx := percpu.WithCell(context.Background(), c)
	assert.Same(t, c, percpu.Current(ctx))
}
