// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/composer/composertest"
	"github.com/gomlx/harness/pkg/config"
	"github.com/gomlx/harness/pkg/data"
	"github.com/gomlx/harness/pkg/device"
)

func newFake(t *testing.T, numExamples int) *composertest.Fake {
	t.Helper()
	c, err := composer.New(composertest.Kind, config.FromMap(map[string]any{"num_examples": numExamples}))
	require.NoError(t, err)
	return c.(*composertest.Fake)
}

func fakeLoader(t *testing.T, c *composertest.Fake, batchSize int) *data.Loader {
	t.Helper()
	ds, err := c.Dataset(composertest.DatasetName, nil, nil)
	require.NoError(t, err)
	return data.NewLoader(ds, batchSize)
}

type recordingLogger struct {
	dir     string
	hparams map[string]any
	logged  []composer.Metrics
	steps   []int
}

func (l *recordingLogger) Dir() string { return l.dir }

func (l *recordingLogger) LogHyperparams(hparams map[string]any) error {
	l.hparams = hparams
	return nil
}

func (l *recordingLogger) LogMetrics(step, epoch int, metrics composer.Metrics) error {
	l.logged = append(l.logged, metrics)
	l.steps = append(l.steps, step)
	return nil
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)

	opts, err = ParseOptions(map[string]any{"max_epochs": 3, "enable_progress_bar": false, "seed": 5})
	require.NoError(t, err)
	assert.Equal(t, 3, opts.MaxEpochs)
	assert.False(t, opts.EnableProgressBar)
	assert.Equal(t, uint64(5), opts.Seed)
	assert.Equal(t, 50, opts.LogEveryNSteps)

	_, err = ParseOptions(map[string]any{"max_epoch": 3})
	assert.True(t, errors.Is(err, config.ErrKey), "unknown key: %v", err)
	_, err = ParseOptions(map[string]any{"check_val_every_n_epoch": 0})
	assert.True(t, errors.Is(err, config.ErrKey))
}

// orderRecorder records the inputs of the training examples, in the order they are seen.
type orderRecorder struct {
	*composertest.Fake
	order []float64
}

func (r *orderRecorder) TrainStep(batch data.Batch) (composer.Metrics, error) {
	for _, inputs := range batch.Inputs {
		r.order = append(r.order, inputs[0])
	}
	return r.Fake.TrainStep(batch)
}

func TestFitSeed(t *testing.T) {
	fitOrder := func(seed uint64) []float64 {
		fake := newFake(t, 20)
		c := &orderRecorder{Fake: fake}
		opts := DefaultOptions()
		opts.EnableProgressBar = false
		opts.Seed = seed
		require.NoError(t, NewTrainer(opts, device.Select(nil)).Fit(c, fakeLoader(t, fake, 4), nil, nil, nil))
		require.Len(t, c.order, 20)
		return c.order
	}
	unshuffled := fitOrder(0)
	for ii, input := range unshuffled {
		require.Equal(t, float64(ii), input)
	}
	first, second := fitOrder(1), fitOrder(2)
	assert.NotEqual(t, unshuffled, first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, fitOrder(1), "same seed, same order")
	assert.ElementsMatch(t, unshuffled, first)
}

func TestFit(t *testing.T) {
	c := newFake(t, 4)
	opts := DefaultOptions()
	opts.MaxEpochs = 3
	opts.LogEveryNSteps = 1
	trainer := NewTrainer(opts, device.Select(nil))
	var setupCalls int
	trainer.LoopSetup = append(trainer.LoopSetup, func(loop *Loop) { setupCalls++ })
	logger := &recordingLogger{dir: t.TempDir()}
	policy := checkpoints.NewPolicy(filepath.Join(logger.dir, checkpoints.DirName))

	err := trainer.Fit(c, fakeLoader(t, c, 2), fakeLoader(t, c, 1), policy, logger)
	require.NoError(t, err)
	assert.Equal(t, 1, setupCalls)
	assert.Equal(t, composertest.Kind, logger.hparams["composer"])

	// 2 steps per epoch, 3 epochs: 6 training logs and 3 validations.
	var trainLogs, valLogs int
	for _, m := range logger.logged {
		if _, ok := m["train_loss"]; ok {
			trainLogs++
		}
		if _, ok := m["avg_val_loss"]; ok {
			valLogs++
			assert.Equal(t, 1.0, m["avg_val_batch_size"])
		}
	}
	assert.Equal(t, 6, trainLogs)
	assert.Equal(t, 3, valLogs)

	// The validation loss decreases, so the best checkpoint is the last.
	require.Len(t, policy.Saved(), 1)
	assert.Equal(t, policy.Best(), trainer.BestCheckpoint)
	ckpt, err := checkpoints.Load(trainer.BestCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Epoch)
	assert.Equal(t, 6, ckpt.Step)
	assert.Equal(t, composertest.Kind, ckpt.Kind)
	assert.Equal(t, 6.0, ckpt.Params[0].Values[0], "one increment per training step")
	assert.True(t, c.Training)
}

func TestFitMaxStepsAndNoProgressBar(t *testing.T) {
	c := newFake(t, 10)
	opts := DefaultOptions()
	opts.MaxEpochs = 100
	opts.MaxSteps = 7
	opts.EnableProgressBar = false
	trainer := NewTrainer(opts, device.Select(nil))
	trainer.LoopSetup = append(trainer.LoopSetup, func(loop *Loop) { t.Fatal("progress bar disabled") })
	require.NoError(t, trainer.Fit(c, fakeLoader(t, c, 3), nil, nil, nil))
	assert.Equal(t, 7.0, c.Params()[0].Values[0])
}

type nanComposer struct {
	*composertest.Fake
}

func (n nanComposer) TrainStep(batch data.Batch) (composer.Metrics, error) {
	return composer.Metrics{"loss": math.NaN()}, nil
}

func TestFitNaN(t *testing.T) {
	c := newFake(t, 4)
	trainer := NewTrainer(DefaultOptions(), device.Select(nil))
	err := trainer.Fit(nanComposer{c}, fakeLoader(t, c, 2), nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
}

func TestTestAndEvaluate(t *testing.T) {
	c := newFake(t, 5)
	trainer := NewTrainer(DefaultOptions(), device.Select([]int{1}))
	var title string
	trainer.OnResults = func(got string, _ composer.Metrics) { title = got }
	metrics, err := trainer.Test(c, fakeLoader(t, c, 2))
	require.NoError(t, err)
	assert.Equal(t, "Test results", title)
	assert.False(t, c.Training)
	assert.True(t, c.Has("to:gpu:1"))
	// Batches of 2, 2 and 1.
	assert.InDelta(t, 5.0/3.0, metrics["avg_test_batch_size"], 1e-9)
	assert.Equal(t, 1.0, metrics["avg_test_loss"])

	metrics, err = Evaluate(c, fakeLoader(t, c, 2), 2, ValPrefix)
	require.NoError(t, err)
	assert.Equal(t, 2.0, metrics["avg_val_batch_size"])
}
