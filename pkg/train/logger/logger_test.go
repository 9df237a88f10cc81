// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package logger

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/harness/pkg/composer"
)

func TestVersions(t *testing.T) {
	base := filepath.Join(t.TempDir(), "logs")
	first, err := New(base)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Version())
	assert.Equal(t, filepath.Join(base, "version_0"), first.Dir())
	require.NoError(t, first.Close())

	require.NoError(t, os.Mkdir(filepath.Join(base, "version_7"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(base, "version_x"), 0755))
	second, err := New(base)
	require.NoError(t, err)
	assert.Equal(t, 8, second.Version())
	assert.NotEqual(t, first.RunID(), second.RunID())
	assert.Equal(t, filepath.Join(second.Dir(), "checkpoints"), second.CheckpointsDir())
	require.NoError(t, second.Close())
}

func TestLogger(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.LogHyperparams(map[string]any{"composer": "LinearRegressor", "learning_rate": 0.1}))
	contents, err := os.ReadFile(filepath.Join(l.Dir(), HparamsFileName))
	require.NoError(t, err)
	var hparams map[string]any
	require.NoError(t, yaml.Unmarshal(contents, &hparams))
	assert.Equal(t, "LinearRegressor", hparams["composer"])
	assert.Equal(t, 0.1, hparams["learning_rate"])
	assert.Equal(t, l.RunID(), hparams[RunIDKey])

	require.NoError(t, l.LogMetrics(1, 0, composer.Metrics{"train_loss": 2, "train_accuracy": 0.5}))
	require.NoError(t, l.LogMetrics(2, 0, composer.Metrics{"train_loss": 1, "bad": math.NaN()}))
	require.NoError(t, l.LogMetrics(2, 0, composer.Metrics{"avg_val_loss": 1.5}))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Error(t, l.LogMetrics(3, 1, composer.Metrics{"train_loss": 0.5}))

	points, err := LoadPoints(filepath.Join(l.Dir(), MetricsFileName))
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, Point{Metric: "train_accuracy", Type: "accuracy", Step: 1, Epoch: 0, Value: 0.5}, points[0])
	assert.Equal(t, Point{Metric: "train_loss", Type: "loss", Step: 2, Epoch: 0, Value: 1}, points[2])
	assert.FileExists(t, filepath.Join(l.Dir(), LossPlotName))

	byStep := NewPoints(points)
	assert.Equal(t, []string{"train_accuracy", "avg_val_loss", "train_loss"}, byStep.MetricsNames())
	series := byStep.Series("loss")
	assert.Equal(t, [][2]float64{{1, 2}, {2, 1}}, series["train_loss"])
	assert.Equal(t, [][2]float64{{2, 1.5}}, series["avg_val_loss"])
	table := byStep.TableForMetrics("train_loss")
	assert.Contains(t, table, "train_loss")
	assert.Contains(t, table, "2.000000")
	assert.NotContains(t, table, "avg_val_loss")
}

func TestPlotLossesWithoutLoss(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), LossPlotName)
	require.NoError(t, PlotLosses(NewPoints([]Point{{Metric: "acc", Type: "accuracy", Step: 1, Value: 1}}), filePath))
	assert.NoFileExists(t, filePath)
}

func TestMetricType(t *testing.T) {
	assert.Equal(t, "loss", MetricType("avg_val_loss"))
	assert.Equal(t, "accuracy", MetricType("train_Accuracy"))
	assert.Equal(t, "other", MetricType("batch_size"))
}
