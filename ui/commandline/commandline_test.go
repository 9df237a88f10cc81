// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/composer/composertest"
	"github.com/gomlx/harness/pkg/config"
	"github.com/gomlx/harness/pkg/data"
	"github.com/gomlx/harness/pkg/train"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	buf := &bytes.Buffer{}
	previous := Output
	Output = buf
	t.Cleanup(func() { Output = previous })
	return buf
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50ms", FormatDuration(1500*time.Microsecond))
	assert.Equal(t, "2.00s", FormatDuration(2*time.Second))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second+100*time.Microsecond))
}

func TestReportMetrics(t *testing.T) {
	buf := captureOutput(t)
	ReportMetrics("Test results", composer.Metrics{"avg_test_loss": 0.25, "avg_test_accuracy": 0.75})
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Test results:\n"))
	assert.Contains(t, out, "0.25")
	assert.Contains(t, out, "0.75")
	assert.Less(t, strings.Index(out, "avg_test_accuracy"), strings.Index(out, "avg_test_loss"))
}

func TestSprintConfig(t *testing.T) {
	cfg := config.FromMap(map[string]any{"composer": "LinearRegressor", "batch_size": 8})
	assert.Equal(t, "\t\"batch_size\": (int) 8\n\t\"composer\": (string) LinearRegressor", SprintConfig(cfg))
}

func TestProgressBar(t *testing.T) {
	buf := captureOutput(t)
	c, err := composer.New(composertest.Kind, config.FromMap(map[string]any{"num_examples": 6}))
	require.NoError(t, err)
	ds, err := c.Dataset(composertest.DatasetName, nil, nil)
	require.NoError(t, err)

	loop := train.NewLoop(c)
	var extraCalls int
	AttachProgressBar(loop, func() (string, string) {
		extraCalls++
		return "Extra", "value"
	})
	_, err = loop.RunEpochs(data.NewLoader(ds, 2), 2, 0)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "Global Step")
	assert.Contains(t, out, "Median train step duration")
	assert.Contains(t, out, "loss")
	assert.Contains(t, out, "Extra")
	assert.Greater(t, extraCalls, 0)
}

func TestProgressBarFailedLoop(t *testing.T) {
	buf := captureOutput(t)
	c, err := composer.New(composertest.Kind, config.FromMap(map[string]any{"num_examples": 6}))
	require.NoError(t, err)
	ds, err := c.Dataset(composertest.DatasetName, nil, nil)
	require.NoError(t, err)
	c.SetTraining(false) // TrainStep fails in evaluation mode.

	loop := train.NewLoop(c)
	AttachProgressBar(loop)
	_, err = loop.RunEpochs(data.NewLoader(ds, 2), 2, 0)
	require.Error(t, err)
	assert.True(t, strings.HasSuffix(buf.String(), "\x1b[?25h\n"), "cursor must be shown again, got %q", buf.String())
}

func TestBatchProgressBar(t *testing.T) {
	buf := captureOutput(t)
	bar := NewBatchProgressBar(3, "predict")
	for range 3 {
		bar.Add(1)
	}
	bar.Finish()
	assert.Contains(t, buf.String(), "predict")
}
