// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data defines the datasets produced by composers and the Loader that batches them.
//
// A Dataset is a fixed-length, randomly accessible collection of Example values. Datasets are
// created by name through a registry of kinds (see Register and New), with the positional and
// keyword arguments taken from the configuration:
//
//	train_dataset: synthetic
//	train_dataset__kwargs:
//	  num_examples: 1000
//	  num_features: 4
package data

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Example is one input/label pair. ID identifies the example in prediction outputs.
type Example struct {
	ID     string
	Inputs []float64
	Labels []float64
}

// Dataset is a collection of examples with random access.
type Dataset interface {
	// Name of the dataset, used for logging.
	Name() string

	// Len returns the number of examples.
	Len() int

	// Example returns the example at index i, 0 <= i < Len().
	Example(i int) (Example, error)
}

// Batch is a group of consecutive examples yielded by a Loader.
type Batch struct {
	// Index of the batch in the epoch, starting from 0.
	Index int

	IDs    []string
	Inputs [][]float64
	Labels [][]float64
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	return len(b.Inputs)
}

// ErrIndex is returned when an example index is out of range.
var ErrIndex = errors.New("example index out of range")

// checkIndex returns an ErrIndex if i is not a valid index of a dataset with n examples.
func checkIndex(ds Dataset, i int) error {
	if i < 0 || i >= ds.Len() {
		return errors.WithMessagef(ErrIndex, "dataset %q: index %d, length %d", ds.Name(), i, ds.Len())
	}
	return nil
}

// exampleID returns the default id of the i-th example of a dataset.
func exampleID(i int) string {
	return fmt.Sprintf("%06d", i)
}

// Factory creates a dataset from positional and keyword arguments.
type Factory func(args []any, kwargs map[string]any) (Dataset, error)

var (
	muFactories sync.RWMutex
	factories   = make(map[string]Factory)
)

// ErrUnknownKind is returned by New for a dataset kind that was not registered.
var ErrUnknownKind = errors.New("unknown dataset kind")

// Register a dataset kind. It panics if kind is already registered.
func Register(kind string, factory Factory) {
	muFactories.Lock()
	defer muFactories.Unlock()
	if _, found := factories[kind]; found {
		panic(errors.Errorf("dataset kind %q registered twice", kind))
	}
	factories[kind] = factory
}

// Kinds returns the registered dataset kinds, sorted.
func Kinds() []string {
	muFactories.RLock()
	defer muFactories.RUnlock()
	keys := maps.Keys(factories)
	slices.Sort(keys)
	return keys
}

// New creates a dataset of the registered kind.
func New(kind string, args []any, kwargs map[string]any) (Dataset, error) {
	muFactories.RLock()
	factory, found := factories[kind]
	muFactories.RUnlock()
	if !found {
		return nil, errors.WithMessagef(ErrUnknownKind, "%q (known kinds: %v)", kind, Kinds())
	}
	ds, err := factory(args, kwargs)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", kind)
	}
	return ds, nil
}

func init() {
	Register(KindSynthetic, newSyntheticFromArgs)
	Register(KindCSV, newCSVFromArgs)
}
