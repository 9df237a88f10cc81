// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package logger records a training run in a versioned directory under the log save dir:
//
//	<log_save_dir>/version_<N>/
//	  hparams.yaml   configuration of the composer trained, plus the run id.
//	  metrics.jsonl  one Point per line, written asynchronously.
//	  loss.png       loss curves, drawn when the logger is closed.
//	  checkpoints/   checkpoints saved by the checkpoints.Policy.
package logger

import (
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/support/fsutil"
	"github.com/gomlx/harness/pkg/train"
)

// File names within the run directory.
const (
	HparamsFileName = "hparams.yaml"
	MetricsFileName = "metrics.jsonl"
	LossPlotName    = "loss.png"
	VersionPrefix   = "version_"
	RunIDKey        = "run_id"
)

var reVersion = regexp.MustCompile(`^` + VersionPrefix + `(\d+)$`)

// Logger implements train.Logger.
type Logger struct {
	dir     string
	version int
	runID   string

	muPoints  sync.Mutex
	points    []Point
	writer    chan<- Point
	errReport <-chan error
	closeOnce sync.Once
	closeErr  error
	closed    bool
}

var _ train.Logger = (*Logger)(nil)

// New creates the next "version_<N>" directory under logSaveDir (created if needed) and starts the metrics writer.
func New(logSaveDir string) (*Logger, error) {
	logSaveDir, err := fsutil.ReplaceTildeInDir(logSaveDir)
	if err != nil {
		return nil, err
	}
	if err = fsutil.EnsureDir(logSaveDir); err != nil {
		return nil, err
	}
	version, err := NextVersion(logSaveDir)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(logSaveDir, VersionPrefix+strconv.Itoa(version))
	if err = os.Mkdir(dir, fsutil.DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %q", dir)
	}
	l := &Logger{dir: dir, version: version, runID: uuid.NewString()}
	l.writer, l.errReport = createPointsWriter(filepath.Join(dir, MetricsFileName))
	klog.V(1).Infof("logging run %s to %s", l.runID, dir)
	return l, nil
}

// NextVersion returns one more than the largest "version_<N>" in logSaveDir, or 0 if there is none.
func NextVersion(logSaveDir string) (int, error) {
	entries, err := os.ReadDir(logSaveDir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list log directory %q", logSaveDir)
	}
	next := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := reVersion.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= next {
			next = n + 1
		}
	}
	return next, nil
}

// Dir implements train.Logger.
func (l *Logger) Dir() string { return l.dir }

// Version of the run directory.
func (l *Logger) Version() int { return l.version }

// RunID is a random unique identifier of the run.
func (l *Logger) RunID() string { return l.runID }

// CheckpointsDir is where the checkpoint policy should save the checkpoints of this run.
func (l *Logger) CheckpointsDir() string { return filepath.Join(l.dir, checkpoints.DirName) }

// LogHyperparams implements train.Logger. It writes hparams.yaml, with the run id added.
func (l *Logger) LogHyperparams(hparams map[string]any) error {
	values := maps.Clone(hparams)
	if values == nil {
		values = make(map[string]any)
	}
	if _, found := values[RunIDKey]; !found {
		values[RunIDKey] = l.runID
	}
	contents, err := yaml.Marshal(values)
	if err != nil {
		return errors.Wrapf(err, "failed to encode hyperparameters")
	}
	filePath := filepath.Join(l.dir, HparamsFileName)
	if err = os.WriteFile(filePath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return nil
}

// LogMetrics implements train.Logger. NaN and infinite values are not logged.
func (l *Logger) LogMetrics(step, epoch int, metrics composer.Metrics) error {
	l.muPoints.Lock()
	defer l.muPoints.Unlock()
	if l.closed {
		return errors.Errorf("logger for %q already closed", l.dir)
	}
	for _, name := range metrics.Keys() {
		value := metrics[name]
		if math.IsNaN(value) || math.IsInf(value, 0) {
			klog.V(1).Infof("metric %s=%f at step %d not logged", name, value, step)
			continue
		}
		point := Point{Metric: name, Type: MetricType(name), Step: step, Epoch: epoch, Value: value}
		l.points = append(l.points, point)
		l.writer <- point
	}
	return nil
}

// Points logged so far.
func (l *Logger) Points() Points {
	l.muPoints.Lock()
	defer l.muPoints.Unlock()
	return NewPoints(l.points)
}

// Close flushes the metrics file and draws the loss curves. It can be called more than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		l.muPoints.Lock()
		l.closed = true
		close(l.writer)
		l.muPoints.Unlock()
		l.closeErr = <-l.errReport
		if l.closeErr != nil {
			return
		}
		l.closeErr = PlotLosses(l.Points(), filepath.Join(l.dir, LossPlotName))
	})
	return l.closeErr
}

// PlotLosses draws one line per "loss" metric of points into a PNG file.
// Nothing is written if there are no loss points.
func PlotLosses(points Points, filePath string) error {
	series := points.Series("loss")
	if len(series) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	var lines []any
	sortedNames := maps.Keys(series)
	slices.Sort(sortedNames)
	for _, name := range sortedNames {
		xys := make(plotter.XYs, len(series[name]))
		for ii, pt := range series[name] {
			xys[ii].X, xys[ii].Y = pt[0], pt[1]
		}
		lines = append(lines, name, xys)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrapf(err, "failed to plot losses")
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save loss plot to %q", filePath)
	}
	return nil
}
