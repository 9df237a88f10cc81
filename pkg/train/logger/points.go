// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Point is one metric value logged during training. Points are saved one JSON object per line.
type Point struct {
	// Metric name, e.g.: "train_loss" or "avg_val_loss".
	Metric string `json:"metric"`

	// Type of the metric, "loss", "accuracy" or "other". It's used in plotting to aggregate
	// similar metric types in the same plot.
	Type string `json:"type"`

	// Step is the global step at which the metric was measured.
	Step int `json:"step"`

	// Epoch during which the metric was measured.
	Epoch int `json:"epoch"`

	// Value of the metric.
	Value float64 `json:"value"`
}

// MetricType returns the type of a metric based on its name.
func MetricType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "loss"):
		return "loss"
	case strings.Contains(lower, "acc"):
		return "accuracy"
	}
	return "other"
}

// LoadPoints parses all points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read metrics file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding metrics file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// createPointsWriter creates a channel to write Point to the given file.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func createPointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	pointWriter = pointChan
	errChan := make(chan error, 1)
	errReport = errChan
	go func() {
		// Create/append file with upcoming metrics.
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open metrics file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			if err == nil {
				err = enc.Encode(point)
				if err != nil {
					err = errors.Wrapf(err, "failed to encode point %v", point)
					klog.Errorf("Error: %v", err)
				}
			}
		}
		if f != nil {
			if err == nil {
				err = f.Close()
			} else {
				_ = f.Close()
			}
		}
		errChan <- err
	}()
	return
}

// Points is a collection of Point objects organized by their Step value.
type Points map[int][]Point

// NewPoints creates a Points object from a collection of individual points.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in Step order.
func (points Points) Map(fn func(p *Point)) {
	sortedSteps := maps.Keys(points)
	slices.Sort(sortedSteps)
	for _, step := range sortedSteps {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Series returns, for each metric whose type is metricType (or all metrics if metricType is ""), the
// list of (step, value) pairs in step order.
func (points Points) Series(metricType string) map[string][][2]float64 {
	series := make(map[string][][2]float64)
	points.Map(func(p *Point) {
		if metricType != "" && p.Type != metricType {
			return
		}
		series[p.Metric] = append(series[p.Metric], [2]float64{float64(p.Step), p.Value})
	})
	return series
}

// MetricsNames returns the list of metrics names in the whole collection, sorted by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		nameToType[p.Metric] = p.Type
	})
	names := maps.Keys(nameToType)
	slices.Sort(names)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// TableForMetrics returns a table with the first column being the step followed
// by the columns given by the metrics names.
// If metrics is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headers := []string{"Step"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	sortedSteps := maps.Keys(points)
	slices.Sort(sortedSteps)
	for _, step := range sortedSteps {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%d", step)
		for _, pt := range points[step] {
			idx := slices.Index(metrics, pt.Metric)
			if idx != -1 {
				row[idx+1] = fmt.Sprintf("%f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
