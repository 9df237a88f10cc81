// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"

	"github.com/gomlx/harness/pkg/composer"
)

type nTimes struct {
	n, nUsed int
	fn       OnStepFn
}

func (nT *nTimes) onStep(loop *Loop, metrics composer.Metrics) error {
	stepsDone := (loop.LoopStep - loop.StartStep) + 1 // Current LoopStep just finished.
	if loop.EndStep < 0 {
		// End not known, run steps in powers of 2, starting at 128.
		if stepsDone < (128 << nT.nUsed) {
			return nil
		}
	} else if loop.LoopStep < loop.EndStep-1 { // Last step (LoopStep == EndStep-1) is always included.
		totalSteps := loop.EndStep - loop.StartStep
		stepsPerCall := float64(totalSteps) / float64(nT.n)
		if stepsPerCall > 1 && float64(nT.nUsed) > float64(stepsDone)/stepsPerCall {
			return nil
		}
	}
	nT.nUsed++
	return nT.fn(loop, metrics)
}

// NTimesDuringLoop registers a OnStep hook on the loop that is called at most N times, split evenly
// across all steps.
//
// While the number of steps is not known (during the first epoch when there is no max_steps),
// it calls fn at steps 128, 256, 512, ...
//
// It always calls `fn` at the very last step.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	nT := &nTimes{n: n, fn: fn}
	loop.OnStep(fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority, nT.onStep)
}

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, metrics composer.Metrics) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, metrics)
}

// EveryNSteps registers a OnStep hook on the loop that is called every N times.
// If n <= 0 the hook is never called.
//
// Notice that it does not call `fn` at the last step (except by coincidence).
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		return
	}
	eN := &everyNSteps{n: n, fn: fn}
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, eN.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, metrics composer.Metrics) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, metrics)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an `OnStep` hook on the loop that is called every period of time.
// The period counts after the execution of `OnStep`: this discounts the time to run `OnStep` (in case it is expensive)
// and it discounts cases where the execution is paused. By other hand, OnStep is not executed exactly at every `period`
// time.
//
// If callOnEnd is set, it will also call at the end of the loop.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, metrics composer.Metrics) error { return p.fn(loop, metrics) })
	}
}

// EveryNEpochs registers an OnEpochEnd hook called at the end of every n-th epoch (epochs n-1, 2n-1, ...).
// If n <= 0 the hook is never called.
func EveryNEpochs(loop *Loop, n int, name string, priority Priority, fn OnEpochEndFn) {
	if n <= 0 {
		return
	}
	loop.OnEpochEnd(fmt.Sprintf("EveryNEpochs(%d): %s", n, name), priority, func(loop *Loop, epoch int) error {
		if (epoch+1)%n != 0 {
			return nil
		}
		return fn(loop, epoch)
	})
}
