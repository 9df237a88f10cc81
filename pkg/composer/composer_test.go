// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package composer_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/composer/composertest"
	"github.com/gomlx/harness/pkg/config"
)

// captureOutput redirects the "Loaded: ..." lines during the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	prev := composer.Output
	composer.Output = &buf
	t.Cleanup(func() { composer.Output = prev })
	return &buf
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, composer.Kinds(), composertest.Kind)
	require.Panics(t, func() {
		composer.Register(composertest.Kind, func(cfg composertest.Config) (composer.Composer, error) { return nil, nil })
	})

	_, err := composer.New("NoSuchComposer", config.FromMap(nil))
	assert.True(t, errors.Is(err, composer.ErrUnknownKind))
}

func TestNew(t *testing.T) {
	composertest.Reset()
	c, err := composer.New(composertest.Kind, config.FromMap(map[string]any{"size": 3, "unrelated_key": "ignored"}))
	require.NoError(t, err)
	fake := c.(*composertest.Fake)
	assert.Equal(t, 3, fake.Config.Size)
	assert.Equal(t, 4, fake.Config.NumExamples, "default value")
	assert.Len(t, c.Params()[0].Values, 3)

	_, err = composer.New(composertest.Kind, config.FromMap(map[string]any{"size": "big"}))
	assert.True(t, errors.Is(err, config.ErrKey), "mistyped key: %v", err)
	_, err = composer.New(composertest.Kind, config.FromMap(map[string]any{"size": 0}))
	assert.True(t, errors.Is(err, config.ErrKey), "invalid value: %v", err)
	_, err = composer.New(composertest.Kind, config.FromMap(map[string]any{"fail_build": true}))
	require.Error(t, err)
}

func TestResolvePrimaryFresh(t *testing.T) {
	out := captureOutput(t)
	composertest.Reset()
	cfg := config.FromMap(map[string]any{"composer": composertest.Kind, "train_dataset": "D", "modes": "train"})
	c, err := composer.ResolvePrimary(cfg)
	require.NoError(t, err)
	fake := c.(*composertest.Fake)
	assert.Equal(t, []string{"new"}, fake.Events, "fresh construction only")
	assert.Len(t, composertest.Constructed(), 1)
	assert.Empty(t, out.String())

	_, err = composer.ResolvePrimary(config.FromMap(nil))
	assert.True(t, errors.Is(err, config.ErrKey))
}

func TestResolvePrimaryFromCheckpoint(t *testing.T) {
	out := captureOutput(t)
	path := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, composertest.SaveCheckpoint(path, 3, 7))

	composertest.Reset()
	cfg := config.FromMap(map[string]any{
		"composer":         composertest.Kind,
		"model_checkpoint": path + ".json",
		"num_examples":     10,
	})
	c, err := composer.ResolvePrimary(cfg)
	require.NoError(t, err)
	require.Len(t, composertest.Constructed(), 1, "exactly one construction")
	fake := c.(*composertest.Fake)
	assert.Equal(t, []string{"new", "load_params"}, fake.Events)
	assert.Equal(t, 3, fake.Config.Size, "restored from the checkpoint snapshot")
	assert.Equal(t, 10, fake.Config.NumExamples, "overlaid by the current configuration")
	assert.Equal(t, []float64{7, 7, 7}, c.Params()[0].Values)
	assert.Equal(t, "Loaded: "+path+".json\n", out.String())

	// Missing checkpoint.
	_, err = composer.ResolvePrimary(config.FromMap(map[string]any{
		"composer": composertest.Kind, "model_checkpoint": filepath.Join(t.TempDir(), "missing.json")}))
	assert.True(t, errors.Is(err, checkpoints.ErrLoad))

	// Checkpoint incompatible with the composer parameters: the configuration overlay asks for size 5.
	_, err = composer.ResolvePrimary(config.FromMap(map[string]any{
		"composer": composertest.Kind, "model_checkpoint": path, "size": 5}))
	assert.True(t, errors.Is(err, checkpoints.ErrLoad))

	// Checkpoint saved by another kind.
	other := filepath.Join(t.TempDir(), "other")
	require.NoError(t, checkpoints.Save(other, &checkpoints.Checkpoint{Kind: "Other", Params: checkpoints.Params{checkpoints.NewTensor("w", 2)}}))
	_, err = composer.FromCheckpoint(composertest.Kind, other, nil)
	assert.True(t, errors.Is(err, checkpoints.ErrLoad))
}

func TestLayer(t *testing.T) {
	out := captureOutput(t)
	dir := t.TempDir()
	baselinePath := filepath.Join(dir, "baseline")
	require.NoError(t, composertest.SaveCheckpoint(baselinePath, 2, 1))
	weightsPath := filepath.Join(dir, "pretrained.weights")
	require.NoError(t, checkpoints.SaveWeights(weightsPath, checkpoints.Params{
		{Name: "w", Shape: []int{2}, Values: []float64{0.5, 1.5}},
		{Name: "unused", Shape: []int{1}, Values: []float64{3}},
	}, checkpoints.Float32))

	// No-op without the keys.
	primary, err := composer.New(composertest.Kind, config.FromMap(nil))
	require.NoError(t, err)
	require.NoError(t, composer.Layer(primary, config.FromMap(nil)))
	assert.Equal(t, []string{"new"}, primary.(*composertest.Fake).Events)

	// Both, in order.
	composertest.Reset()
	primary, err = composer.New(composertest.Kind, config.FromMap(nil))
	require.NoError(t, err)
	cfg := config.FromMap(map[string]any{
		"baseline_composer":   composertest.Kind,
		"baseline_checkpoint": baselinePath,
		"model_pt_checkpoint": weightsPath,
		"size":                9, // Not used by the baseline: no configuration merge.
	})
	require.NoError(t, composer.Layer(primary, cfg))
	fake := primary.(*composertest.Fake)
	assert.Equal(t, []string{"new", "attach_baseline:Fake", "load_pretrained"}, fake.Events)
	require.NotNil(t, fake.Baseline)
	assert.Equal(t, 2, fake.Baseline.(*composertest.Fake).Config.Size)
	assert.Equal(t, []float64{0.5, 1.5}, primary.Params()[0].Values)
	assert.Equal(t, "Loaded: "+baselinePath+"\nLoaded: "+weightsPath+"\n", out.String())

	// Baseline without baseline_composer.
	err = composer.Layer(primary, config.FromMap(map[string]any{"baseline_checkpoint": baselinePath}))
	assert.True(t, errors.Is(err, config.ErrKey))

	// Pretrained weights with incompatible shapes.
	badWeights := filepath.Join(dir, "bad.weights")
	require.NoError(t, checkpoints.SaveWeights(badWeights, checkpoints.Params{
		{Name: "w", Shape: []int{3}, Values: []float64{1, 2, 3}}}, checkpoints.Float16))
	err = composer.Layer(primary, config.FromMap(map[string]any{"model_pt_checkpoint": badWeights}))
	assert.True(t, errors.Is(err, checkpoints.ErrShapeMismatch))
}

// plain implements only composer.Composer, without the optional capabilities.
type plain struct{ composer.Composer }

func (plain) Kind() string { return "Plain" }

func TestLayerMissingCapability(t *testing.T) {
	err := composer.Layer(plain{}, config.FromMap(map[string]any{"baseline_checkpoint": "x", "baseline_composer": "Fake"}))
	assert.True(t, errors.Is(err, composer.ErrMissingCapability))
	err = composer.Layer(plain{}, config.FromMap(map[string]any{"model_pt_checkpoint": "x"}))
	assert.True(t, errors.Is(err, composer.ErrMissingCapability))
}

func TestMetrics(t *testing.T) {
	m := composer.Metrics{"loss": 1, "avg_val_accuracy": 0.5}
	assert.Equal(t, []string{"avg_val_accuracy", "loss"}, m.Keys())
	assert.Equal(t, composer.Metrics{"avg_val_loss": 1, "avg_val_accuracy": 0.5}, m.WithPrefix("avg_val_"))
}
