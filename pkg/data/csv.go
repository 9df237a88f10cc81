// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"

	"github.com/gomlx/harness/pkg/config"
	"github.com/gomlx/harness/pkg/support/fsutil"
)

// KindCSV is the registered name of the CSV dataset.
const KindCSV = "csv"

// CSVConfig configures a dataset read from a CSV file with a header line.
type CSVConfig struct {
	Path string `yaml:"path"`

	// LabelColumns are the names of the label columns. It can be empty for datasets used only to predict.
	LabelColumns []string `yaml:"label_columns"`

	// FeatureColumns are the names of the input columns. If empty, all columns that are not labels
	// nor the id column are used, in file order.
	FeatureColumns []string `yaml:"feature_columns"`

	// IDColumn, if set, names the column used as example id. Otherwise, the row number is used.
	IDColumn string `yaml:"id_column"`
}

// NewCSV reads the whole file into memory. Feature and label columns must be numeric.
func NewCSV(cfg CSVConfig) (*InMemory, error) {
	if cfg.Path == "" {
		return nil, errors.WithMessagef(config.ErrKey, "csv dataset requires \"path\"")
	}
	path, err := fsutil.ReplaceTildeInDir(cfg.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open csv dataset")
	}
	defer func() { _ = f.Close() }()

	types := make(map[string]series.Type)
	if cfg.IDColumn != "" {
		types[cfg.IDColumn] = series.String
	}
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.WithTypes(types))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse csv dataset %q", path)
	}
	names := df.Names()
	for _, col := range append(slices.Clone(cfg.LabelColumns), cfg.FeatureColumns...) {
		if !slices.Contains(names, col) {
			return nil, errors.WithMessagef(config.ErrKey, "csv dataset %q has no column %q (columns: %v)", path, col, names)
		}
	}
	if cfg.IDColumn != "" && !slices.Contains(names, cfg.IDColumn) {
		return nil, errors.WithMessagef(config.ErrKey, "csv dataset %q has no id column %q", path, cfg.IDColumn)
	}
	features := cfg.FeatureColumns
	if len(features) == 0 {
		for _, name := range names {
			if name != cfg.IDColumn && !slices.Contains(cfg.LabelColumns, name) {
				features = append(features, name)
			}
		}
	}

	numRows := df.Nrow()
	examples := make([]Example, numRows)
	for row := range numRows {
		examples[row].Inputs = make([]float64, len(features))
		examples[row].Labels = make([]float64, len(cfg.LabelColumns))
	}
	fill := func(columns []string, get func(ex *Example) []float64) error {
		for colIdx, name := range columns {
			col := df.Col(name)
			if col.Type() != series.Float && col.Type() != series.Int {
				return errors.Errorf("csv dataset %q: column %q is not numeric (%s)", path, name, col.Type())
			}
			for row, value := range col.Float() {
				get(&examples[row])[colIdx] = value
			}
		}
		return nil
	}
	if err = fill(features, func(ex *Example) []float64 { return ex.Inputs }); err != nil {
		return nil, err
	}
	if err = fill(cfg.LabelColumns, func(ex *Example) []float64 { return ex.Labels }); err != nil {
		return nil, err
	}
	if cfg.IDColumn != "" {
		for row, id := range df.Col(cfg.IDColumn).Records() {
			examples[row].ID = id
		}
	}
	return NewInMemory(filepath.Base(path), examples)
}

// newCSVFromArgs accepts the path as an optional positional argument, and CSVConfig fields as
// keyword arguments.
func newCSVFromArgs(args []any, kwargs map[string]any) (Dataset, error) {
	var cfg CSVConfig
	if err := config.DecodeMapStrict(kwargs, &cfg); err != nil {
		return nil, err
	}
	if len(args) > 1 {
		return nil, errors.WithMessagef(config.ErrKey, "csv dataset takes at most 1 positional argument (path), got %v", args)
	}
	if len(args) == 1 {
		path, ok := args[0].(string)
		if !ok {
			return nil, errors.WithMessagef(config.ErrKey, "csv dataset path must be a string, got %T", args[0])
		}
		cfg.Path = path
	}
	return NewCSV(cfg)
}
