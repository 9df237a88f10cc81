// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the driver that trains and evaluates composers: a Loop with hooks, and a
// Trainer that fits a composer on a training loader, validating and checkpointing at the end of
// epochs, and tests it on a test loader.
package train

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/config"
	"github.com/gomlx/harness/pkg/data"
	"github.com/gomlx/harness/pkg/device"
)

// Prefixes of the averaged validation and test metrics, e.g. "avg_val_loss".
const (
	ValPrefix  = "avg_val_"
	TestPrefix = "avg_test_"
)

// Options of the Trainer, read from the "trainer__kwargs" configuration mapping.
type Options struct {
	// MaxEpochs to train. Default 1.
	MaxEpochs int `yaml:"max_epochs"`

	// MaxSteps stops training after this many steps, if > 0. Default -1.
	MaxSteps int `yaml:"max_steps"`

	// LogEveryNSteps training metrics are sent to the logger. Default 50.
	LogEveryNSteps int `yaml:"log_every_n_steps"`

	// CheckValEveryNEpoch runs validation (and checkpointing) every this many epochs. Default 1.
	CheckValEveryNEpoch int `yaml:"check_val_every_n_epoch"`

	// LimitValBatches limits the number of validation batches, if > 0. Default 0, meaning all.
	LimitValBatches int `yaml:"limit_val_batches"`

	// EnableProgressBar displays progress bars. Default true.
	EnableProgressBar bool `yaml:"enable_progress_bar"`

	// Seed for the shuffling of the training data. If 0 the training loader is used as given.
	Seed uint64 `yaml:"seed"`
}

// DefaultOptions returns the options used for keys not set.
func DefaultOptions() Options {
	return Options{
		MaxEpochs:           1,
		MaxSteps:            -1,
		LogEveryNSteps:      50,
		CheckValEveryNEpoch: 1,
		EnableProgressBar:   true,
	}
}

// Validate implements config.Validator.
func (o *Options) Validate() error {
	if o.MaxEpochs < 0 {
		return errors.Errorf("max_epochs must be >= 0, got %d", o.MaxEpochs)
	}
	if o.CheckValEveryNEpoch < 1 {
		return errors.Errorf("check_val_every_n_epoch must be >= 1, got %d", o.CheckValEveryNEpoch)
	}
	if o.LimitValBatches < 0 {
		return errors.Errorf("limit_val_batches must be >= 0, got %d", o.LimitValBatches)
	}
	return nil
}

// ParseOptions decodes the "trainer__kwargs" mapping over DefaultOptions. Unknown keys are a config.ErrKey.
func ParseOptions(kwargs map[string]any) (Options, error) {
	opts := DefaultOptions()
	if err := config.DecodeMapStrict(kwargs, &opts); err != nil {
		return opts, errors.WithMessagef(err, "parsing %s", config.KeyTrainerKwargs)
	}
	return opts, nil
}

// Logger receives hyperparameters and metrics during training.
type Logger interface {
	// Dir where the logger writes its files.
	Dir() string

	// LogHyperparams records the configuration of the composer being trained.
	LogHyperparams(hparams map[string]any) error

	// LogMetrics records metrics at the given step and epoch.
	LogMetrics(step, epoch int, metrics composer.Metrics) error
}

// Trainer fits and tests composers.
type Trainer struct {
	Options Options
	Device  device.Device

	// LoopSetup functions are called with every training loop created, before it starts. They are used to
	// attach progress bars, when Options.EnableProgressBar is set.
	LoopSetup []func(loop *Loop)

	// OnResults, if set, is called with the final metrics of Test.
	OnResults func(title string, metrics composer.Metrics)

	// Best checkpoint saved by the last Fit, if any.
	BestCheckpoint string
}

// NewTrainer creates a Trainer with the given options, that runs composers on dev.
func NewTrainer(opts Options, dev device.Device) *Trainer {
	return &Trainer{Options: opts, Device: dev}
}

// Fit trains c on trainLoader for the configured number of epochs. Every CheckValEveryNEpoch epochs,
// if valLoader is not nil, it evaluates c, averaging the metrics with the "avg_val_" prefix,
// logs them and offers a checkpoint to the policy (which can be nil).
// The logger can also be nil. If Options.Seed is set, trainLoader is shuffled with it.
func (t *Trainer) Fit(c composer.Composer, trainLoader, valLoader *data.Loader, policy *checkpoints.Policy, logger Logger) error {
	if err := t.Options.Validate(); err != nil {
		return errors.WithMessagef(config.ErrKey, "%v", err)
	}
	if err := t.place(c); err != nil {
		return err
	}
	if logger != nil {
		if err := logger.LogHyperparams(c.ConfigSnapshot()); err != nil {
			return err
		}
	}
	if t.Options.Seed != 0 {
		trainLoader.Shuffle(t.Options.Seed)
	}
	klog.V(1).Infof("fitting %s on %s: %d epochs, %d batches per epoch", c.Kind(), t.Device, t.Options.MaxEpochs, trainLoader.Len())

	loop := NewLoop(c)
	if t.Options.EnableProgressBar {
		for _, setup := range t.LoopSetup {
			setup(loop)
		}
	}
	loop.OnStart("training mode", -100, func(loop *Loop, _ *data.Loader) error {
		loop.Composer.SetTraining(true)
		return nil
	})
	if logger != nil {
		EveryNSteps(loop, t.Options.LogEveryNSteps, "log metrics", 100, func(loop *Loop, metrics composer.Metrics) error {
			return logger.LogMetrics(loop.LoopStep, loop.Epoch, metrics.WithPrefix("train_"))
		})
	}
	if valLoader != nil {
		EveryNEpochs(loop, t.Options.CheckValEveryNEpoch, "validation", 0, func(loop *Loop, epoch int) error {
			return t.validate(loop, valLoader, policy, logger)
		})
	}

	start := time.Now()
	if _, err := loop.RunEpochs(trainLoader, t.Options.MaxEpochs, t.Options.MaxSteps); err != nil {
		return errors.WithMessagef(err, "training %s", c.Kind())
	}
	if policy != nil {
		t.BestCheckpoint = policy.Best()
	}
	klog.Infof("training finished: %d steps in %s (median step %s)", loop.LoopStep, time.Since(start).Round(time.Millisecond), loop.MedianTrainStepDuration())
	if t.BestCheckpoint != "" {
		klog.Infof("best checkpoint: %s", t.BestCheckpoint)
	}
	return nil
}

// place moves c to the trainer device. Placement belongs to the composer: CPU-only composers
// get a warning when GPUs were requested.
func (t *Trainer) place(c composer.Composer) error {
	if cpuOnly, ok := c.(composer.CPUOnly); ok && cpuOnly.CPUOnly() && t.Device.IsGPU() {
		klog.Warningf("%d GPU(s) requested (%s), but composer %s runs on CPU only", t.Device.Count(), t.Device, c.Kind())
	}
	return c.To(t.Device)
}

// validate runs at the end of a training epoch: it evaluates, logs and offers the checkpoint.
func (t *Trainer) validate(loop *Loop, valLoader *data.Loader, policy *checkpoints.Policy, logger Logger) error {
	c := loop.Composer
	c.SetTraining(false)
	metrics, err := Evaluate(c, valLoader, t.Options.LimitValBatches, ValPrefix)
	c.SetTraining(true)
	if err != nil {
		return errors.WithMessagef(err, "validation at epoch %d", loop.Epoch)
	}
	loop.SharedData["val_metrics"] = metrics
	if logger != nil {
		if err = logger.LogMetrics(loop.LoopStep, loop.Epoch, metrics); err != nil {
			return err
		}
	}
	if policy == nil {
		return nil
	}
	path, err := policy.Offer(&checkpoints.Checkpoint{
		Kind:    c.Kind(),
		Config:  c.ConfigSnapshot(),
		Epoch:   loop.Epoch,
		Step:    loop.LoopStep,
		Metrics: metrics,
		Params:  c.Params(),
	})
	if err != nil {
		return err
	}
	if path != "" {
		klog.V(1).Infof("saved checkpoint %s", path)
	}
	return nil
}

// Test evaluates c on loader once, and returns the metrics averaged over the batches, with the
// "avg_test_" prefix.
func (t *Trainer) Test(c composer.Composer, loader *data.Loader) (composer.Metrics, error) {
	if err := t.place(c); err != nil {
		return nil, err
	}
	c.SetTraining(false)
	metrics, err := Evaluate(c, loader, 0, TestPrefix)
	if err != nil {
		return nil, errors.WithMessagef(err, "testing %s", c.Kind())
	}
	if t.OnResults != nil {
		t.OnResults("Test results", metrics)
	}
	return metrics, nil
}

// Evaluate runs c.EvalStep over the loader (at most limit batches, if limit > 0), and returns the
// mean of each metric over the batches, with names prefixed by prefix. The loader is reset at the end.
func Evaluate(c composer.Composer, loader *data.Loader, limit int, prefix string) (composer.Metrics, error) {
	defer loader.Reset()
	sums := make(map[string]float64)
	counts := make(map[string]int)
	numBatches := 0
	for limit <= 0 || numBatches < limit {
		batch, err := loader.Yield()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		metrics, err := c.EvalStep(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "EvalStep(batch #%d)", batch.Index)
		}
		for name, value := range metrics {
			sums[name] += value
			counts[name]++
		}
		numBatches++
	}
	avg := make(composer.Metrics, len(sums))
	for name, sum := range sums {
		avg[prefix+name] = sum / float64(counts[name])
	}
	return avg, nil
}
