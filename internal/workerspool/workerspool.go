// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs indexed tasks on a bounded number of goroutines.
//
// It is used by the data loaders to read the examples of a batch in parallel.
package workerspool

import (
	"sync"

	"github.com/pkg/errors"
)

// Pool limits the number of tasks running in parallel.
//
// A Pool with parallelism 0 runs every task inline, in the caller's goroutine.
type Pool struct {
	parallelism int
	mu          sync.Mutex
	cond        sync.Cond // Signaled whenever numRunning is decreased.
	numRunning  int
}

// New returns a Pool that runs at most parallelism tasks at a time.
// If parallelism is <= 0, tasks run inline.
func New(parallelism int) *Pool {
	if parallelism < 0 {
		parallelism = 0
	}
	w := &Pool{parallelism: parallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// Parallelism returns the maximum number of tasks running at the same time; 0 means inline.
func (w *Pool) Parallelism() int {
	return w.parallelism
}

// IsInline returns whether tasks run in the caller's goroutine.
func (w *Pool) IsInline() bool {
	return w.parallelism == 0
}

// lockedIsFull returns whether all workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	return w.numRunning >= w.parallelism
}

// WaitToStart waits until there is a worker available and then runs task in a new goroutine.
// If the pool is inline, it runs the task and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsInline() {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Run calls fn(i) for i in [0, n), in parallel up to the pool's parallelism, and waits for all of them.
// It returns the error of the lowest index that failed, if any.
//
// A panic in fn is converted to an error.
func (w *Pool) Run(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if err, ok := r.(error); ok {
						errs[i] = errors.WithMessagef(err, "panic in task #%d", i)
					} else {
						errs[i] = errors.Errorf("panic in task #%d: %v", i, r)
					}
				}
			}()
			errs[i] = fn(i)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Map calls fn(i) for i in [0, n) using Run and returns the results in index order.
func Map[T any](w *Pool, n int, fn func(i int) (T, error)) ([]T, error) {
	results := make([]T, n)
	err := w.Run(n, func(i int) error {
		var err error
		results[i], err = fn(i)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
