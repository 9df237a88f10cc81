// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Tensor is a named, dense, row-major array of float64 values.
type Tensor struct {
	Name   string
	Shape  []int
	Values []float64
}

// NewTensor creates a zero-valued tensor with the given shape.
func NewTensor(name string, shape ...int) Tensor {
	return Tensor{Name: name, Shape: slices.Clone(shape), Values: make([]float64, ShapeSize(shape))}
}

// ShapeSize returns the number of elements of a tensor with the given shape. A scalar (empty shape) has 1.
func ShapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// Clone returns a deep copy of the tensor.
func (t Tensor) Clone() Tensor {
	return Tensor{Name: t.Name, Shape: slices.Clone(t.Shape), Values: slices.Clone(t.Values)}
}

// String implements fmt.Stringer.
func (t Tensor) String() string {
	return fmt.Sprintf("%s%v", t.Name, t.Shape)
}

// Params is an ordered list of named tensors: the unit of state saved in checkpoints.
type Params []Tensor

// Get returns the tensor with the given name.
func (p Params) Get(name string) (Tensor, bool) {
	for _, t := range p {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// Names returns the names of the tensors, in order.
func (p Params) Names() []string {
	names := make([]string, len(p))
	for ii, t := range p {
		names[ii] = t.Name
	}
	return names
}

// NumValues returns the total number of values of all tensors.
func (p Params) NumValues() int {
	var n int
	for _, t := range p {
		n += len(t.Values)
	}
	return n
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	c := make(Params, len(p))
	for ii, t := range p {
		c[ii] = t.Clone()
	}
	return c
}

// Validate checks that names are unique and non-empty, dimensions positive, and that the number of
// values matches the shapes.
func (p Params) Validate() error {
	seen := make(map[string]bool, len(p))
	for ii, t := range p {
		if t.Name == "" {
			return errors.Errorf("parameter #%d has no name", ii)
		}
		if seen[t.Name] {
			return errors.Errorf("parameter %q appears more than once", t.Name)
		}
		seen[t.Name] = true
		for _, dim := range t.Shape {
			if dim <= 0 {
				return errors.Errorf("parameter %q has invalid shape %v", t.Name, t.Shape)
			}
		}
		if size := ShapeSize(t.Shape); size != len(t.Values) {
			return errors.Errorf("parameter %q has shape %v (%d elements) but %d values", t.Name, t.Shape, size, len(t.Values))
		}
	}
	return nil
}

// CopyMatching copies into dst the values of the tensors of src with the same name. Tensors of src
// not in dst are ignored; it returns the names copied.
//
// If a tensor with the same name has a different shape it fails with ErrShapeMismatch, and dst
// is left unchanged.
func CopyMatching(dst, src Params) (copied []string, err error) {
	type pair struct{ dstIdx, srcIdx int }
	var pairs []pair
	for srcIdx, s := range src {
		for dstIdx, d := range dst {
			if d.Name != s.Name {
				continue
			}
			if !slices.Equal(d.Shape, s.Shape) {
				return nil, errors.WithMessagef(ErrShapeMismatch, "parameter %q: expected shape %v, got %v", d.Name, d.Shape, s.Shape)
			}
			pairs = append(pairs, pair{dstIdx, srcIdx})
			break
		}
	}
	for _, p := range pairs {
		copy(dst[p.dstIdx].Values, src[p.srcIdx].Values)
		copied = append(copied, dst[p.dstIdx].Name)
	}
	return copied, nil
}
