// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"iter"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/gomlx/harness/internal/workerspool"
)

// Loader yields a Dataset in batches, optionally shuffled, reading the examples of each batch
// with a pool of workers.
//
// Configure it with the fluent setters before the first call to Yield:
//
//	loader := data.NewLoader(ds, 32).Shuffle(seed).NumWorkers(4)
//	for {
//		batch, err := loader.Yield()
//		if err == io.EOF {
//			break
//		}
//		...
//	}
//	loader.Reset() // Next epoch, reshuffled.
type Loader struct {
	ds         Dataset
	batchSize  int
	shuffle    bool
	dropLast   bool
	numWorkers int
	rng        *rand.Rand
	pool       *workerspool.Pool

	order    []int
	next     int
	batchIdx int
	prepared bool
}

// NewLoader creates a Loader that yields batches of batchSize examples (the last one may be smaller).
// A batchSize < 1 is taken as 1.
func NewLoader(ds Dataset, batchSize int) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Loader{ds: ds, batchSize: batchSize, pool: workerspool.New(0)}
}

// Shuffle the order of the examples at every epoch, using an RNG initialized with seed.
func (l *Loader) Shuffle(seed uint64) *Loader {
	l.shuffle = true
	l.rng = rand.New(rand.NewPCG(seed, 2))
	return l
}

// DropLast drops the last batch if it has fewer than batchSize examples.
func (l *Loader) DropLast() *Loader {
	l.dropLast = true
	return l
}

// NumWorkers sets the number of goroutines reading examples of a batch. 0 reads them inline.
func (l *Loader) NumWorkers(n int) *Loader {
	if n < 0 {
		n = 0
	}
	l.numWorkers = n
	l.pool = workerspool.New(n)
	return l
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() Dataset { return l.ds }

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.batchSize }

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	n := l.ds.Len()
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

func (l *Loader) prepare() {
	if l.prepared {
		return
	}
	l.prepared = true
	n := l.ds.Len()
	if len(l.order) != n {
		l.order = make([]int, n)
	}
	for ii := range l.order {
		l.order[ii] = ii
	}
	if l.shuffle {
		l.rng.Shuffle(n, func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	}
	l.next = 0
	l.batchIdx = 0
}

// Reset starts a new epoch. If shuffling, the examples are reshuffled.
func (l *Loader) Reset() {
	l.prepared = false
}

// Yield returns the next batch of the epoch, or io.EOF when the epoch is over.
func (l *Loader) Yield() (Batch, error) {
	l.prepare()
	remaining := len(l.order) - l.next
	if remaining <= 0 || (l.dropLast && remaining < l.batchSize) {
		return Batch{}, io.EOF
	}
	size := min(l.batchSize, remaining)
	indices := l.order[l.next : l.next+size]
	examples, err := workerspool.Map(l.pool, size, func(i int) (Example, error) {
		return l.ds.Example(indices[i])
	})
	if err != nil {
		return Batch{}, errors.WithMessagef(err, "loading batch #%d of dataset %q", l.batchIdx, l.ds.Name())
	}
	batch := Batch{
		Index:  l.batchIdx,
		IDs:    make([]string, size),
		Inputs: make([][]float64, size),
		Labels: make([][]float64, size),
	}
	for ii, ex := range examples {
		batch.IDs[ii] = ex.ID
		batch.Inputs[ii] = ex.Inputs
		batch.Labels[ii] = ex.Labels
	}
	l.next += size
	l.batchIdx++
	return batch, nil
}

// Iter yields the remaining batches of the current epoch in order, and resets the loader at the end.
// On error it yields the error once and stops.
func (l *Loader) Iter() iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		defer l.Reset()
		for {
			batch, err := l.Yield()
			if err == io.EOF {
				return
			}
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}
