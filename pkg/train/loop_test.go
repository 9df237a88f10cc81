// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/data"
)

func TestLoopHooks(t *testing.T) {
	c := newFake(t, 6)
	loop := NewLoop(c)
	var order []string
	loop.OnStart("second", 10, func(loop *Loop, _ *data.Loader) error {
		order = append(order, "start:second")
		return nil
	})
	loop.OnStart("first", -10, func(loop *Loop, _ *data.Loader) error {
		order = append(order, "start:first")
		return nil
	})
	var steps []int
	loop.OnStep("steps", 0, func(loop *Loop, metrics composer.Metrics) error {
		steps = append(steps, loop.LoopStep)
		return nil
	})
	var everyTwo []int
	EveryNSteps(loop, 2, "every two", 0, func(loop *Loop, metrics composer.Metrics) error {
		everyTwo = append(everyTwo, loop.LoopStep)
		return nil
	})
	var epochs []int
	EveryNEpochs(loop, 2, "every two epochs", 0, func(loop *Loop, epoch int) error {
		epochs = append(epochs, epoch)
		return nil
	})
	var endMetrics composer.Metrics
	loop.OnEnd("end", 0, func(loop *Loop, metrics composer.Metrics) error {
		endMetrics = metrics
		return nil
	})

	metrics, err := loop.RunEpochs(fakeLoader(t, c, 2), 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"start:first", "start:second"}, order)
	assert.Len(t, steps, 12)
	assert.Equal(t, []int{1, 3, 5, 7, 9, 11}, everyTwo)
	assert.Equal(t, []int{1, 3}, epochs)
	assert.Equal(t, metrics, endMetrics)
	assert.Equal(t, 12, loop.LoopStep)
	assert.Equal(t, 12, loop.EndStep)
	assert.Len(t, loop.TrainStepDurations, 12)
}

func TestLoopStopAndErrors(t *testing.T) {
	c := newFake(t, 6)
	loop := NewLoop(c)
	loop.OnStep("stop", 0, func(loop *Loop, metrics composer.Metrics) error {
		if loop.LoopStep == 2 {
			loop.Stop()
		}
		return nil
	})
	var ended bool
	loop.OnEnd("end", 0, func(loop *Loop, metrics composer.Metrics) error {
		ended = true
		return nil
	})
	_, err := loop.RunEpochs(fakeLoader(t, c, 1), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, loop.LoopStep)
	assert.True(t, ended)

	failing := NewLoop(c)
	failing.OnStep("fail", 0, func(loop *Loop, metrics composer.Metrics) error {
		return errors.New("hook failed")
	})
	var abortErr error
	failing.OnAbort("abort", 0, func(loop *Loop, err error) { abortErr = err })
	ended = false
	failing.OnEnd("end", 0, func(loop *Loop, metrics composer.Metrics) error {
		ended = true
		return nil
	})
	_, err = failing.RunEpochs(fakeLoader(t, c, 1), 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook failed")
	assert.Contains(t, err.Error(), `OnStep(hook "fail")`)
	assert.Equal(t, err, abortErr)
	assert.False(t, ended, "OnEnd hooks are not called when the loop fails")

	// Failing TrainStep: the composer is in evaluation mode.
	c.SetTraining(false)
	abortErr = nil
	_, err = failing.RunEpochs(fakeLoader(t, c, 1), 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed TrainStep")
	assert.Equal(t, err, abortErr)
}

func TestNTimesDuringLoop(t *testing.T) {
	c := newFake(t, 10)
	loop := NewLoop(c)
	var calls []int
	NTimesDuringLoop(loop, 5, "n times", 0, func(loop *Loop, metrics composer.Metrics) error {
		calls = append(calls, loop.LoopStep)
		return nil
	})
	_, err := loop.RunEpochs(fakeLoader(t, c, 1), 100, 20)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(calls), 6)
	require.NotEmpty(t, calls)
	assert.Equal(t, 19, calls[len(calls)-1], "last step is always included")
}
