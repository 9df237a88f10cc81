// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import "github.com/pkg/errors"

// InMemory is a Dataset over a slice of examples.
type InMemory struct {
	name     string
	examples []Example
}

var _ Dataset = (*InMemory)(nil)

// NewInMemory creates a dataset over examples. Examples without an ID get their index as ID.
// All examples must have the same number of inputs and of labels.
func NewInMemory(name string, examples []Example) (*InMemory, error) {
	ds := &InMemory{name: name, examples: make([]Example, len(examples))}
	for ii, ex := range examples {
		if ii > 0 {
			first := examples[0]
			if len(ex.Inputs) != len(first.Inputs) || len(ex.Labels) != len(first.Labels) {
				return nil, errors.Errorf("dataset %q: example #%d has %d inputs and %d labels, but example #0 has %d and %d",
					name, ii, len(ex.Inputs), len(ex.Labels), len(first.Inputs), len(first.Labels))
			}
		}
		if ex.ID == "" {
			ex.ID = exampleID(ii)
		}
		ds.examples[ii] = ex
	}
	return ds, nil
}

// Name implements Dataset.
func (ds *InMemory) Name() string { return ds.name }

// Len implements Dataset.
func (ds *InMemory) Len() int { return len(ds.examples) }

// Example implements Dataset.
func (ds *InMemory) Example(i int) (Example, error) {
	if err := checkIndex(ds, i); err != nil {
		return Example{}, err
	}
	ex := ds.examples[i]
	ex.Inputs = append([]float64(nil), ex.Inputs...)
	ex.Labels = append([]float64(nil), ex.Labels...)
	return ex, nil
}

// NumInputs returns the number of inputs per example, 0 if the dataset is empty.
func (ds *InMemory) NumInputs() int {
	if len(ds.examples) == 0 {
		return 0
	}
	return len(ds.examples[0].Inputs)
}

// NumLabels returns the number of labels per example, 0 if the dataset is empty.
func (ds *InMemory) NumLabels() int {
	if len(ds.examples) == 0 {
		return 0
	}
	return len(ds.examples[0].Labels)
}
