// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3} {
		pool := New(parallelism)
		var running, maxRunning atomic.Int32
		err := pool.Run(20, func(i int) error {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			runtime.Gosched()
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		limit := int32(max(parallelism, 1))
		assert.LessOrEqual(t, maxRunning.Load(), limit, "parallelism=%d", parallelism)
	}
}

func TestMap_Order(t *testing.T) {
	pool := New(4)
	got, err := Map(pool, 10, func(i int) (int, error) {
		runtime.Gosched()
		return i * i, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4, 9, 16, 25, 36, 49, 64, 81}, got)
}

func TestPool_Errors(t *testing.T) {
	pool := New(2)
	errA := errors.New("a")
	err := pool.Run(5, func(i int) error {
		if i == 3 {
			return errA
		}
		if i == 4 {
			panic("boom")
		}
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errA))

	err = New(0).Run(2, func(i int) error {
		if i == 1 {
			panic("boom")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
