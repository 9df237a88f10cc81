// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package composertest holds a fake composer that records the calls it receives, for tests of
// packages that resolve and drive composers.
//
// Importing the package registers the composer kind "Fake" (see Kind).
package composertest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/data"
	"github.com/gomlx/harness/pkg/device"
)

// Kind is the registered name of the fake composer.
const Kind = "Fake"

// DatasetName is the dataset name handled by the fake composer itself. Other names are created with data.New.
const DatasetName = "fake"

// Config of the fake composer.
type Config struct {
	// Size of its only parameter, "w".
	Size int `yaml:"size"`

	// NumExamples of the "fake" dataset.
	NumExamples int `yaml:"num_examples"`

	// FailBuild makes the construction fail.
	FailBuild bool `yaml:"fail_build"`
}

// SetDefaults implements composer.Defaulter.
func (c *Config) SetDefaults() {
	c.Size = 2
	c.NumExamples = 4
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.Size <= 0 {
		return errors.Errorf("size must be > 0, got %d", c.Size)
	}
	return nil
}

var (
	mu          sync.Mutex
	constructed []*Fake
)

// Reset forgets the composers constructed so far.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	constructed = nil
}

// Constructed returns the fake composers constructed since the last Reset, in order.
func Constructed() []*Fake {
	mu.Lock()
	defer mu.Unlock()
	return slices.Clone(constructed)
}

func init() {
	composer.Register(Kind, func(cfg Config) (composer.Composer, error) {
		if cfg.FailBuild {
			return nil, errors.New("fake composer asked to fail")
		}
		f := &Fake{Config: cfg, Training: true, Device: device.Select(nil)}
		f.params = checkpoints.Params{checkpoints.NewTensor("w", cfg.Size)}
		f.Record("new")
		mu.Lock()
		constructed = append(constructed, f)
		mu.Unlock()
		return f, nil
	})
}

// Fake is a composer.Composer that records its calls in Events.
type Fake struct {
	Config   Config
	Events   []string
	Training bool
	Device   device.Device

	Baseline       composer.Composer
	PretrainedPath string
	Predicted      []int

	params checkpoints.Params
	steps  int
}

var (
	_ composer.Composer         = (*Fake)(nil)
	_ composer.BaselineAttacher = (*Fake)(nil)
	_ composer.PretrainedLoader = (*Fake)(nil)
)

// Record an event. It is also used by fake drivers to interleave their calls with the composer's.
func (f *Fake) Record(format string, args ...any) {
	f.Events = append(f.Events, fmt.Sprintf(format, args...))
}

// Has returns whether an event was recorded.
func (f *Fake) Has(event string) bool {
	return slices.Contains(f.Events, event)
}

// Index returns the position of the first occurrence of event, or -1.
func (f *Fake) Index(event string) int {
	return slices.Index(f.Events, event)
}

// Kind implements composer.Composer.
func (f *Fake) Kind() string { return Kind }

// ConfigSnapshot implements composer.Composer.
func (f *Fake) ConfigSnapshot() map[string]any {
	return map[string]any{"composer": Kind, "size": f.Config.Size, "num_examples": f.Config.NumExamples}
}

// Dataset implements composer.Composer.
func (f *Fake) Dataset(name string, args []any, kwargs map[string]any) (data.Dataset, error) {
	f.Record("dataset:%s", name)
	if name != DatasetName {
		return data.New(name, args, kwargs)
	}
	examples := make([]data.Example, f.Config.NumExamples)
	for ii := range examples {
		examples[ii] = data.Example{Inputs: []float64{float64(ii)}, Labels: []float64{float64(ii)}}
	}
	return data.NewInMemory(name, examples)
}

// TrainStep implements composer.Composer. The loss decreases with every step.
func (f *Fake) TrainStep(batch data.Batch) (composer.Metrics, error) {
	if !f.Training {
		return nil, errors.New("TrainStep called in evaluation mode")
	}
	f.steps++
	f.params[0].Values[0] += 1
	return composer.Metrics{"loss": 1 / float64(f.steps)}, nil
}

// EvalStep implements composer.Composer.
func (f *Fake) EvalStep(batch data.Batch) (composer.Metrics, error) {
	return composer.Metrics{"loss": 1 / float64(f.steps+1), "batch_size": float64(batch.Size())}, nil
}

// PredictStep implements composer.Composer. It writes one file per batch in outputDir.
func (f *Fake) PredictStep(batch data.Batch, batchIdx int, outputDir string, dev device.Device) error {
	f.Record("predict:%d", batchIdx)
	f.Predicted = append(f.Predicted, batchIdx)
	contents := fmt.Sprintf("%s %v\n", dev, batch.IDs)
	return os.WriteFile(filepath.Join(outputDir, fmt.Sprintf("batch_%d.txt", batchIdx)), []byte(contents), 0644)
}

// SetTraining implements composer.Composer.
func (f *Fake) SetTraining(training bool) {
	f.Record("training:%v", training)
	f.Training = training
}

// To implements composer.Composer.
func (f *Fake) To(dev device.Device) error {
	f.Record("to:%s", dev)
	f.Device = dev
	return nil
}

// Params implements composer.Composer.
func (f *Fake) Params() checkpoints.Params {
	return f.params.Clone()
}

// LoadParams implements composer.Composer.
func (f *Fake) LoadParams(params checkpoints.Params) error {
	f.Record("load_params")
	if len(params) != 1 {
		return errors.WithMessagef(checkpoints.ErrShapeMismatch, "expected 1 parameter, got %d", len(params))
	}
	if _, err := checkpoints.CopyMatching(f.params, params); err != nil {
		return err
	}
	return nil
}

// AttachBaseline implements composer.BaselineAttacher.
func (f *Fake) AttachBaseline(baseline composer.Composer) error {
	f.Record("attach_baseline:%s", baseline.Kind())
	f.Baseline = baseline
	return nil
}

// LoadPretrained implements composer.PretrainedLoader.
func (f *Fake) LoadPretrained(path string) error {
	f.Record("load_pretrained")
	params, err := checkpoints.LoadWeights(path)
	if err != nil {
		return err
	}
	if _, err = checkpoints.CopyMatching(f.params, params); err != nil {
		return err
	}
	f.PretrainedPath = path
	return nil
}

// SaveCheckpoint saves a checkpoint of a fake composer with the given size, with "w" filled with value.
func SaveCheckpoint(path string, size int, value float64) error {
	w := checkpoints.NewTensor("w", size)
	for ii := range w.Values {
		w.Values[ii] = value
	}
	return checkpoints.Save(path, &checkpoints.Checkpoint{
		Kind:   Kind,
		Config: map[string]any{"composer": Kind, "size": size},
		Params: checkpoints.Params{w},
	})
}
