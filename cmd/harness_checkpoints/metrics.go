// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/train/logger"
)

// Run is a training run directory and the metrics its logger saved.
type Run struct {
	Name, Dir string
	Points    logger.Points
}

// LoadRuns loads the metrics of the runs that saved the given checkpoints. Each run is loaded once,
// and runs without a metrics file are skipped with a warning.
func LoadRuns(checkpointPaths []string) ([]Run, error) {
	var dirs []string
	for _, path := range checkpointPaths {
		if dir := RunDir(path); !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	names := MinimalUniquePaths(dirs...)
	var runs []Run
	for ii, dir := range dirs {
		raw, err := logger.LoadPoints(filepath.Join(dir, logger.MetricsFileName))
		if err != nil {
			klog.Warningf("no metrics for run %q: %v", dir, err)
			continue
		}
		runs = append(runs, Run{Name: names[ii], Dir: dir, Points: logger.NewPoints(raw)})
	}
	if len(runs) == 0 {
		return nil, errors.Errorf("no %q file found in the runs %v", logger.MetricsFileName, dirs)
	}
	return runs, nil
}

// MetricsFilter selects metrics by name or by type. The zero value selects all metrics.
type MetricsFilter struct {
	names *regexp.Regexp
	types map[string]bool
}

// NewMetricsFilter creates a filter from a regular expression matching metric names and a comma-separated
// list of metric types. A metric is selected if it matches either one. Empty values are ignored.
func NewMetricsFilter(namesRegexp, types string) (MetricsFilter, error) {
	var f MetricsFilter
	if namesRegexp != "" {
		var err error
		f.names, err = regexp.Compile(namesRegexp)
		if err != nil {
			return f, errors.Wrapf(err, "invalid --metrics_names=%q", namesRegexp)
		}
	}
	if types != "" {
		f.types = make(map[string]bool)
		for _, metricType := range strings.Split(types, ",") {
			f.types[strings.TrimSpace(metricType)] = true
		}
	}
	return f, nil
}

// Match returns whether the point's metric is selected.
func (f MetricsFilter) Match(p *logger.Point) bool {
	if f.names == nil && f.types == nil {
		return true
	}
	return (f.names != nil && f.names.MatchString(p.Metric)) || f.types[p.Type]
}

// runMetric identifies a column of the metrics table.
type runMetric struct{ run, metric string }

// MetricsTable returns a table with one row per step, and one column per selected metric of each run.
func MetricsTable(runs []Run, filter MetricsFilter) string {
	columns := make(map[runMetric]bool)
	steps := make(map[int]bool)
	for _, run := range runs {
		run.Points.Map(func(p *logger.Point) {
			if filter.Match(p) {
				columns[runMetric{run.Name, p.Metric}] = true
				steps[p.Step] = true
			}
		})
	}
	ordered := maps.Keys(columns)
	slices.SortFunc(ordered, func(a, b runMetric) int {
		if c := strings.Compare(a.metric, b.metric); c != 0 {
			return c
		}
		return strings.Compare(a.run, b.run)
	})
	columnIdx := make(map[runMetric]int, len(ordered))
	headers := []string{"Step"}
	for ii, col := range ordered {
		columnIdx[col] = ii + 1
		if len(runs) == 1 {
			headers = append(headers, col.metric)
		} else {
			headers = append(headers, fmt.Sprintf("%s: %s", col.run, col.metric))
		}
	}

	table := newTable(lipgloss.Right)
	table.Headers(headers...)
	sortedSteps := maps.Keys(steps)
	slices.Sort(sortedSteps)
	for _, step := range sortedSteps {
		row := make([]string, len(headers))
		row[0] = humanize.Comma(int64(step))
		for _, run := range runs {
			for _, p := range run.Points[step] {
				idx, found := columnIdx[runMetric{run.Name, p.Metric}]
				if !found {
					continue
				}
				if p.Type == "accuracy" {
					row[idx] = fmt.Sprintf("%.2f%%", 100*p.Value)
				} else {
					row[idx] = fmt.Sprintf("%.3g", p.Value)
				}
			}
		}
		table.AddRow(false, row...)
	}
	return table.Render()
}

// PlotRuns plots the losses of all runs in one PNG file. With more than one run the curves are
// named "<run>: <metric>".
func PlotRuns(runs []Run, filePath string) error {
	var all []logger.Point
	for _, run := range runs {
		run.Points.Map(func(p *logger.Point) {
			point := *p
			if len(runs) > 1 {
				point.Metric = run.Name + ": " + point.Metric
			}
			all = append(all, point)
		})
	}
	if err := logger.PlotLosses(logger.NewPoints(all), filePath); err != nil {
		return err
	}
	return nil
}
