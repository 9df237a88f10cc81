// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/data"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// LossMetric is the metric checked after every step: training is interrupted if it is NaN or infinite.
const LossMetric = "loss"

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, loader *data.Loader) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, metrics composer.Metrics) error

// OnEpochEndFn is the type of OnEpochEnd hooks, called with the epoch that just finished.
type OnEpochEndFn func(loop *Loop, epoch int) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics composer.Metrics) error

// OnAbortFn is the type of OnAbort hooks, called with the error that interrupted the loop.
type OnAbortFn func(loop *Loop, err error)

// Loop runs a training loop, invoking Composer.TrainStep every step,
// and calling the appropriate hooks.
//
// In itself it doesn't do much, but one can attach functionality to it, like
// validation, checkpointing, progress bars, metrics logging, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Composer being trained.
	Composer composer.Composer

	// LoopStep currently being executed. Defaults to 0.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known yet: when
	// running for multiple epochs it is extrapolated after the first epoch, based on how many steps
	// it took.
	EndStep int

	// Epoch currently running, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// stopped is set by Stop.
	stopped bool

	// Registered hooks.
	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
	onAbort    *priorityHooks[*hookWithName[OnAbortFn]]
}

// NewLoop creates a new training loop for the composer.
func NewLoop(c composer.Composer) *Loop {
	return &Loop{
		Composer:   c,
		EndStep:    -1,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd: newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
		onAbort:    newPriorityHooks[*hookWithName[OnAbortFn]](),
	}
}

// Stop makes the loop return after the current step: hooks can call it to end training early.
// The OnEnd hooks are still called.
func (loop *Loop) Stop() {
	loop.stopped = true
}

// start of loop. It calls the appropriate hooks.
func (loop *Loop) start(loader *data.Loader) (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, loader)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// step of loop. It calls the appropriate hooks.
func (loop *Loop) step(batch data.Batch) (metrics composer.Metrics, err error) {
	startTime := time.Now()
	metrics, err = loop.Composer.TrainStep(batch)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return nil, err
	}
	if batchLoss, found := metrics[LossMetric]; found {
		if math.IsNaN(batchLoss) {
			return nil, errors.Errorf("batch loss is NaN, training interrupted")
		}
		if math.IsInf(batchLoss, 0) {
			return nil, errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
		}
	}
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, metrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	if err != nil {
		return nil, err
	}
	return
}

// epochEnd calls the OnEpochEnd hooks.
func (loop *Loop) epochEnd() (err error) {
	loop.onEpochEnd.Enumerate(func(hook *hookWithName[OnEpochEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, loop.Epoch)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	})
	return
}

// end of loop. It calls the appropriate hooks.
func (loop *Loop) end(metrics composer.Metrics) (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, metrics)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// abort calls the OnAbort hooks.
func (loop *Loop) abort(err error) {
	loop.onAbort.Enumerate(func(hook *hookWithName[OnAbortFn]) {
		hook.fn(loop, err)
	})
}

// RunEpochs runs the loader for the given number of epochs, or until maxSteps steps are run, if
// maxSteps > 0. StartStep is adjusted to the current LoopStep, so it can be called multiple times,
// and it will simply pick up where it left of last time.
//
// Loader.Reset is called after each epoch (including the last), and then the OnEpochEnd hooks.
// It returns the metrics of the last step. If it returns an error, the OnAbort hooks are called
// before returning.
func (loop *Loop) RunEpochs(loader *data.Loader, epochs, maxSteps int) (metrics composer.Metrics, err error) {
	defer func() {
		if err != nil {
			loop.abort(err)
		}
	}()
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	if maxSteps > 0 {
		loop.EndStep = loop.StartStep + maxSteps
	}
	loop.Epoch = 0
	loop.stopped = false
	loop.TrainStepDurations = nil
	if err = loop.start(loader); err != nil {
		return nil, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs && !loop.stopped; loop.Epoch++ {
		yieldsPerEpoch := 0
		for !loop.stopped {
			if maxSteps > 0 && loop.LoopStep-loop.StartStep >= maxSteps {
				loop.stopped = true
				break
			}
			batch, err := loader.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed reading from loader (LoopStep=%d)", epochs, loop.LoopStep)
			}
			yieldsPerEpoch++
			metrics, err = loop.step(batch)
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep (LoopStep=%d)", epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		if maxSteps <= 0 {
			// End of epoch: estimate new EndStep.
			loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
		}
		loader.Reset()
		if yieldsPerEpoch > 0 {
			if err = loop.epochEnd(); err != nil {
				return nil, err
			}
		}
	}
	if err = loop.end(metrics); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return metrics, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Composer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) to the end of each epoch.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Composer.TrainStep`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// OnAbort adds a hook with given priority and name to be called when a run of the loop returns an
// error, be it from a hook, the loader or `Composer.TrainStep`. OnEnd hooks are not called in that case.
func (loop *Loop) OnAbort(name string, priority Priority, fn OnAbortFn) {
	loop.onAbort.Add(priority, &hookWithName[OnAbortFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
