// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runner dispatches a harness run: it resolves the primary composer from the configuration,
// layers the optional baseline and pretrained checkpoints on it, and then runs exactly one mode.
//
//   - train: fits the composer on the "train" dataset, validating on the "val" dataset, with a
//     logger and a checkpoint policy under the log save dir.
//   - test: evaluates the composer once on the "test" dataset.
//   - predict: runs the composer's PredictStep on every example of the "test" dataset, writing to
//     the output directory.
package runner

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/config"
	"github.com/gomlx/harness/pkg/data"
	"github.com/gomlx/harness/pkg/device"
	"github.com/gomlx/harness/pkg/support/fsutil"
	"github.com/gomlx/harness/pkg/train"
	"github.com/gomlx/harness/pkg/train/logger"
	"github.com/gomlx/harness/ui/commandline"
)

// Dataset prefixes used in the configuration keys, e.g.: "train_dataset".
const (
	TrainDataset = "train"
	ValDataset   = "val"
	TestDataset  = "test"
)

// Output is where progress lines are printed.
var Output io.Writer = os.Stdout

// Driver fits and tests composers. It is implemented by train.Trainer.
type Driver interface {
	Fit(c composer.Composer, trainLoader, valLoader *data.Loader, policy *checkpoints.Policy, logger train.Logger) error
	Test(c composer.Composer, loader *data.Loader) (composer.Metrics, error)
}

var _ Driver = (*train.Trainer)(nil)

// DriverFactory creates the driver for a run, given the "trainer__kwargs" configuration mapping and the device.
type DriverFactory func(kwargs map[string]any, dev device.Device) (Driver, error)

// NewTrainerDriver is the default DriverFactory: a train.Trainer reporting progress on the command line.
func NewTrainerDriver(kwargs map[string]any, dev device.Device) (Driver, error) {
	opts, err := train.ParseOptions(kwargs)
	if err != nil {
		return nil, err
	}
	trainer := train.NewTrainer(opts, dev)
	trainer.LoopSetup = append(trainer.LoopSetup, func(loop *train.Loop) { commandline.AttachProgressBar(loop) })
	trainer.OnResults = commandline.ReportMetrics
	return trainer, nil
}

// Runner runs one invocation of the harness.
type Runner struct {
	cfg       *config.Config
	dev       device.Device
	newDriver DriverFactory

	primary composer.Composer
}

// New creates a Runner for the frozen configuration, running composers on dev.
func New(cfg *config.Config, dev device.Device) *Runner {
	return &Runner{cfg: cfg, dev: dev, newDriver: NewTrainerDriver}
}

// WithDriverFactory replaces the factory of the train and test driver.
func (r *Runner) WithDriverFactory(factory DriverFactory) *Runner {
	r.newDriver = factory
	return r
}

// Composer returns the primary composer resolved by Run, or nil if Run didn't get that far.
func (r *Runner) Composer() composer.Composer { return r.primary }

// Mode returns the mode selected from the configured modes.
func (r *Runner) Mode() (Mode, error) {
	modes, err := r.cfg.Modes()
	if err != nil {
		return ModeUnsupported, err
	}
	mode := SelectMode(modes)
	if mode == ModeUnsupported {
		return mode, errors.WithMessagef(ErrUnsupportedMode, "modes %q, expected one of %q, %q or %q",
			modes, TrainName, TestName, PredictName)
	}
	return mode, nil
}

// Run selects the mode, resolves and layers the primary composer, and runs the mode.
//
// An unsupported mode fails before any composer is constructed.
func (r *Runner) Run() error {
	if err := r.dev.Validate(); err != nil {
		return err
	}
	mode, err := r.Mode()
	if err != nil {
		return err
	}
	klog.V(1).Infof("running %s on %s with configuration:\n%s", mode, r.dev, commandline.SprintConfig(r.cfg))

	r.primary, err = composer.ResolvePrimary(r.cfg)
	if err != nil {
		return err
	}
	if err = composer.Layer(r.primary, r.cfg); err != nil {
		return err
	}

	switch mode {
	case ModeTrain:
		return r.train()
	case ModeTest:
		return r.test()
	default:
		return r.predict()
	}
}

func (r *Runner) driver() (Driver, error) {
	kwargs, err := config.Get(r.cfg, config.KeyTrainerKwargs, map[string]any{})
	if err != nil {
		return nil, err
	}
	return r.newDriver(kwargs, r.dev)
}

// loader asks the primary composer for the dataset with the given prefix, and wraps it in a loader.
func (r *Runner) loader(prefix string, batchSize int) (*data.Loader, error) {
	dsConfig, err := r.cfg.Dataset(prefix)
	if err != nil {
		return nil, err
	}
	ds, err := r.primary.Dataset(dsConfig.Name, dsConfig.Args, dsConfig.Kwargs)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %s dataset %q", prefix, dsConfig.Name)
	}
	klog.V(1).Infof("%s dataset %q: %d examples, batch size %d, %d workers", prefix, ds.Name(), ds.Len(), batchSize, dsConfig.NumWorkers)
	return data.NewLoader(ds, batchSize).NumWorkers(dsConfig.NumWorkers), nil
}

func (r *Runner) batchSize() (int, error) {
	batchSize, err := config.Get(r.cfg, config.KeyBatchSize, config.DefaultBatchSize)
	if err != nil {
		return 0, err
	}
	if batchSize < 1 {
		return 0, errors.WithMessagef(config.ErrKey, "%s must be >= 1, got %d", config.KeyBatchSize, batchSize)
	}
	return batchSize, nil
}

// policy reads the checkpoint policy configuration.
func (r *Runner) policy(dir string) (*checkpoints.Policy, error) {
	monitor, err := config.Get(r.cfg, config.KeyCheckpointMonitor, []string{config.DefaultCheckpointMonitor})
	if err != nil {
		return nil, err
	}
	saveTopK, err := config.Get(r.cfg, config.KeyCheckpointSaveTopK, config.DefaultCheckpointSaveTopK)
	if err != nil {
		return nil, err
	}
	mode, err := config.Get(r.cfg, config.KeyCheckpointMode, config.DefaultCheckpointMode)
	if err != nil {
		return nil, err
	}
	policy := checkpoints.NewPolicy(dir).Monitor(monitor...).SaveTopK(saveTopK).Mode(checkpoints.Mode(mode))
	if err = policy.Validate(); err != nil {
		return nil, errors.WithMessagef(config.ErrKey, "%v", err)
	}
	return policy, nil
}

func (r *Runner) train() (err error) {
	driver, err := r.driver()
	if err != nil {
		return err
	}
	batchSize, err := r.batchSize()
	if err != nil {
		return err
	}
	seed, err := config.Get(r.cfg, config.KeySeed, 0)
	if err != nil {
		return err
	}
	trainLoader, err := r.loader(TrainDataset, batchSize)
	if err != nil {
		return err
	}
	trainLoader.Shuffle(uint64(seed))
	var valLoader *data.Loader
	if r.cfg.Has(ValDataset + "_dataset") {
		valLoader, err = r.loader(ValDataset, 1)
		if err != nil {
			return err
		}
	} else {
		klog.Warningf("no %s_dataset configured: training without validation or checkpoints", ValDataset)
	}

	logSaveDir, err := r.cfg.LogSaveDir()
	if err != nil {
		return err
	}
	runLogger, err := logger.New(logSaveDir)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := runLogger.Close()
		if err == nil {
			err = closeErr
		}
	}()
	policy, err := r.policy(runLogger.CheckpointsDir())
	if err != nil {
		return err
	}
	klog.V(1).Infof("logging to %s, %s", runLogger.Dir(), policy)

	if err = driver.Fit(r.primary, trainLoader, valLoader, policy, runLogger); err != nil {
		return err
	}
	if best := policy.Best(); best != "" {
		_, _ = fmt.Fprintf(Output, "Best checkpoint: %s\n", best)
	}
	return nil
}

func (r *Runner) test() error {
	r.primary.SetTraining(false)
	driver, err := r.driver()
	if err != nil {
		return err
	}
	batchSize, err := r.batchSize()
	if err != nil {
		return err
	}
	loader, err := r.loader(TestDataset, batchSize)
	if err != nil {
		return err
	}
	_, err = driver.Test(r.primary, loader)
	return err
}

func (r *Runner) predict() error {
	r.primary.SetTraining(false)
	outputDir, err := r.cfg.OutputDirPath()
	if err != nil {
		return err
	}
	outputDir, err = fsutil.ReplaceTildeInDir(outputDir)
	if err != nil {
		return err
	}
	if err = fsutil.EnsureDir(outputDir); err != nil {
		return err
	}
	if err = r.primary.To(r.dev); err != nil {
		return err
	}
	loader, err := r.loader(TestDataset, 1)
	if err != nil {
		return err
	}
	bar := commandline.NewBatchProgressBar(loader.Len(), "predict")
	for batch, err := range loader.Iter() {
		if err != nil {
			return err
		}
		if err = r.primary.PredictStep(batch, batch.Index, outputDir, r.dev); err != nil {
			return errors.WithMessagef(err, "predicting batch #%d", batch.Index)
		}
		bar.Add(1)
	}
	bar.Finish()
	_, _ = fmt.Fprintf(Output, "Predictions written to %s\n", outputDir)
	return nil
}
