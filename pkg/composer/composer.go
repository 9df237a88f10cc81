// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package composer defines the Composer, a model bundled with its training and inference procedure,
// and the registry that resolves composers by name from the configuration.
//
// Composer kinds register themselves during initialization, with a typed configuration struct:
//
//	func init() {
//		composer.Register("LinearRegressor", func(cfg Config) (composer.Composer, error) {
//			return NewLinearRegressor(cfg)
//		})
//	}
//
// The harness then resolves the primary composer with ResolvePrimary, either freshly constructed from
// the configuration or restored from a checkpoint, and applies the optional baseline and pretrained
// weights with Layer.
package composer

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/data"
	"github.com/gomlx/harness/pkg/device"
)

var (
	// ErrUnknownKind is returned when a composer kind is not registered.
	ErrUnknownKind = errors.New("unknown composer kind")

	// ErrMissingCapability is returned when a composer doesn't implement an optional capability
	// required by the configuration, e.g. attaching a baseline.
	ErrMissingCapability = errors.New("composer doesn't support the requested capability")
)

// Metrics are the named scalar values returned by a training or evaluation step.
type Metrics map[string]float64

// Keys returns the metric names, sorted.
func (m Metrics) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithPrefix returns a copy of the metrics with names prefixed by prefix.
func (m Metrics) WithPrefix(prefix string) Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		if !strings.HasPrefix(k, prefix) {
			k = prefix + k
		}
		out[k] = v
	}
	return out
}

// Composer is a trainable model together with its training and inference procedure.
type Composer interface {
	// Kind is the name the composer was registered with.
	Kind() string

	// ConfigSnapshot returns the configuration used to build the composer, saved with its checkpoints
	// so it can be rebuilt.
	ConfigSnapshot() map[string]any

	// Dataset creates one of the composer's datasets, given its name and arguments from the configuration.
	Dataset(name string, args []any, kwargs map[string]any) (data.Dataset, error)

	// TrainStep runs one optimization step on the batch and returns its metrics (at least "loss").
	TrainStep(batch data.Batch) (Metrics, error)

	// EvalStep evaluates the batch without changing the parameters.
	EvalStep(batch data.Batch) (Metrics, error)

	// PredictStep runs inference on the batch, with index batchIdx, and writes the results to outputDir.
	PredictStep(batch data.Batch, batchIdx int, outputDir string, dev device.Device) error

	// SetTraining switches between training mode (true) and evaluation mode (false), which disables
	// training-only behavior such as stochastic regularization.
	SetTraining(training bool)

	// To moves the composer parameters to the device.
	To(dev device.Device) error

	// Params returns a copy of the learned parameters.
	Params() checkpoints.Params

	// LoadParams replaces the learned parameters. It fails with checkpoints.ErrShapeMismatch if they
	// don't match the composer's parameter structure.
	LoadParams(params checkpoints.Params) error
}

// BaselineAttacher is implemented by composers that can use a second, already trained, composer
// as a baseline.
type BaselineAttacher interface {
	AttachBaseline(baseline Composer) error
}

// PretrainedLoader is implemented by composers that can initialize their parameters from a
// weights-only file. The composer decides how to map the weights into its own parameters, and
// reports incompatible shapes with checkpoints.ErrShapeMismatch.
type PretrainedLoader interface {
	LoadPretrained(path string) error
}

// CPUOnly is implemented by composers that ignore accelerators: the trainer warns when GPUs are
// requested for them.
type CPUOnly interface {
	CPUOnly() bool
}
