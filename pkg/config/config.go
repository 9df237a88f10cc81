// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads and merges experiment configuration for the harness.
//
// A configuration is a mapping from string keys to arbitrary values (strings, numbers, booleans,
// lists and nested mappings). It is built once with a Builder:
//
//	cfg, err := config.NewBuilder().
//		Sources("base.yaml", "experiment.toml").
//		Settings(*flagSet).
//		Apply(overrides).
//		Freeze()
//
// After Freeze the Config is immutable: getters return copies of nested values.
package config

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

var (
	// ErrNotFound is returned when a configuration source doesn't exist.
	ErrNotFound = errors.New("configuration source not found")

	// ErrParse is returned when a configuration source can't be parsed into a mapping.
	ErrParse = errors.New("failed to parse configuration source")

	// ErrKey is returned when a configuration key is missing or holds a value of the wrong type.
	ErrKey = errors.New("invalid configuration")
)

// Keys read by the harness itself. Everything else is passed along to composers and datasets.
const (
	KeyComposer             = "composer"
	KeyBaselineComposer     = "baseline_composer"
	KeyModes                = "modes"
	KeyOutputDirPath        = "output_dirpath"
	KeyOutputDir            = "output_dir"
	KeyLogSaveDir           = "log_save_dir"
	KeyModelCheckpoint      = "model_checkpoint"
	KeyBaselineCheckpoint   = "baseline_checkpoint"
	KeyPretrainedCheckpoint = "model_pt_checkpoint"
	KeyTrainerKwargs        = "trainer__kwargs"
	KeyBatchSize            = "batch_size"
	KeySeed                 = "seed"
	KeyCheckpointMonitor    = "model_checkpoint_callback__monitor"
	KeyCheckpointSaveTopK   = "model_checkpoint_callback__save_top_k"
	KeyCheckpointMode       = "model_checkpoint_callback__mode"
)

// Default values for keys not set.
const (
	DefaultOutputDirPath      = "./output"
	DefaultLogSaveDir         = "./logs"
	DefaultCheckpointMonitor  = "avg_val_loss"
	DefaultCheckpointMode     = "min"
	DefaultCheckpointSaveTopK = 1
	DefaultBatchSize          = 1

	// ModesSeparator splits a modes string like "train+test".
	ModesSeparator = "+"
)

const (
	datasetArgsSuffix           = "__args"
	datasetKwargsSuffix         = "__kwargs"
	datasetNumWorkersKeyPattern = "%s_num_workers"
)

// DefaultModes is used when no modes are configured.
var DefaultModes = []string{"train"}

// Config is a frozen configuration. Create it with a Builder.
type Config struct {
	values map[string]any
}

// Len returns the number of top-level keys.
func (c *Config) Len() int {
	return len(c.values)
}

// Keys returns the top-level keys, sorted.
func (c *Config) Keys() []string {
	keys := maps.Keys(c.values)
	slices.Sort(keys)
	return keys
}

// Has returns whether key is set to a non-nil value.
func (c *Config) Has(key string) bool {
	v, found := c.values[key]
	return found && v != nil
}

// Raw returns a copy of the raw value of key.
func (c *Config) Raw(key string) (value any, found bool) {
	value, found = c.values[key]
	return deepCopy(value), found
}

// Map returns a copy of the whole configuration mapping. Used to hand the configuration to composers.
func (c *Config) Map() map[string]any {
	return deepCopy(c.values).(map[string]any)
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	parts := make([]string, 0, len(c.values))
	for _, key := range c.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%v", key, c.values[key]))
	}
	return "config{" + strings.Join(parts, ", ") + "}"
}

// Get returns the value of key converted to T, or defaultValue if key is not set (or is nil).
//
// Numbers are converted between int and float64 when that is lossless, a single string is accepted
// where a []string is expected. It returns an error wrapping ErrKey if the value can't be converted.
func Get[T any](c *Config, key string, defaultValue T) (T, error) {
	raw, found := c.values[key]
	if !found || raw == nil {
		return defaultValue, nil
	}
	value, err := convert[T](raw)
	if err != nil {
		return defaultValue, errors.WithMessagef(ErrKey, "key %q: %v", key, err)
	}
	return value, nil
}

// Require is like Get, but it fails with ErrKey if key is not set.
func Require[T any](c *Config, key string) (T, error) {
	var zero T
	if !c.Has(key) {
		return zero, errors.WithMessagef(ErrKey, "required key %q is missing", key)
	}
	return Get(c, key, zero)
}

// OptionalString returns the string value of key, or "" if it is not set.
func (c *Config) OptionalString(key string) (string, error) {
	return Get(c, key, "")
}

// Modes returns the requested run modes.
//
// A string value is split on "+" (e.g. "train+test"), a list of strings is used as is.
// Empty entries are dropped. If modes is not set, it returns DefaultModes.
func (c *Config) Modes() ([]string, error) {
	raw, found := c.values[KeyModes]
	if !found || raw == nil {
		return append([]string(nil), DefaultModes...), nil
	}
	if s, ok := raw.(string); ok {
		return SplitModes(s), nil
	}
	list, err := convert[[]string](raw)
	if err != nil {
		return nil, errors.WithMessagef(ErrKey, "key %q: %v", KeyModes, err)
	}
	modes := make([]string, 0, len(list))
	for _, m := range list {
		modes = append(modes, SplitModes(m)...)
	}
	return modes, nil
}

// SplitModes splits a modes string like "train+test" into its parts.
func SplitModes(modes string) []string {
	parts := strings.Split(modes, ModesSeparator)
	split := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			split = append(split, part)
		}
	}
	return split
}

// OutputDirPath returns the directory where predictions are written.
// It reads "output_dirpath", falling back to "output_dir" and finally to DefaultOutputDirPath.
func (c *Config) OutputDirPath() (string, error) {
	if c.Has(KeyOutputDirPath) {
		return Require[string](c, KeyOutputDirPath)
	}
	return Get(c, KeyOutputDir, DefaultOutputDirPath)
}

// LogSaveDir returns the directory where training logs and checkpoints are written.
func (c *Config) LogSaveDir() (string, error) {
	return Get(c, KeyLogSaveDir, DefaultLogSaveDir)
}

// DatasetSpec describes how to ask a composer for one of its datasets.
type DatasetSpec struct {
	// Name of the dataset, passed to the composer's dataset factory.
	Name string
	// Args and Kwargs are the positional and keyword arguments for the factory.
	Args   []any
	Kwargs map[string]any
	// NumWorkers used by the data loader.
	NumWorkers int
}

// Dataset reads the description of the dataset with the given prefix ("train", "val" or "test"): keys "<prefix>_dataset",
// "<prefix>_dataset__args", "<prefix>_dataset__kwargs" and "<prefix>_num_workers".
func (c *Config) Dataset(prefix string) (ds DatasetSpec, err error) {
	key := prefix + "_dataset"
	ds.Name, err = Require[string](c, key)
	if err != nil {
		return
	}
	ds.Args, err = Get(c, key+datasetArgsSuffix, []any{})
	if err != nil {
		return
	}
	ds.Kwargs, err = Get(c, key+datasetKwargsSuffix, map[string]any{})
	if err != nil {
		return
	}
	ds.NumWorkers, err = Get(c, fmt.Sprintf(datasetNumWorkersKeyPattern, prefix), 0)
	if err == nil && ds.NumWorkers < 0 {
		err = errors.WithMessagef(ErrKey, "%s_num_workers must be >= 0, got %d", prefix, ds.NumWorkers)
	}
	return
}

func convert[T any](raw any) (T, error) {
	var zero T
	var result any
	var err error
	switch any(zero).(type) {
	case string:
		s, ok := raw.(string)
		if !ok {
			return zero, errors.Errorf("expected a string, got %T (%v)", raw, raw)
		}
		result = s
	case bool:
		b, ok := raw.(bool)
		if !ok {
			return zero, errors.Errorf("expected a bool, got %T (%v)", raw, raw)
		}
		result = b
	case int:
		result, err = toInt(raw)
	case float64:
		result, err = toFloat(raw)
	case []string:
		result, err = toStrings(raw)
	case []int:
		var list []any
		list, err = toList(raw)
		if err == nil {
			ints := make([]int, len(list))
			for ii, v := range list {
				if ints[ii], err = toInt(v); err != nil {
					break
				}
			}
			result = ints
		}
	case []any:
		var list []any
		list, err = toList(raw)
		result = deepCopy(list)
	case map[string]any:
		m, ok := raw.(map[string]any)
		if !ok {
			return zero, errors.Errorf("expected a mapping, got %T (%v)", raw, raw)
		}
		result = deepCopy(m)
	default:
		typed, ok := raw.(T)
		if !ok {
			return zero, errors.Errorf("expected %T, got %T (%v)", zero, raw, raw)
		}
		return typed, nil
	}
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, errors.Errorf("expected an integer, got %v", v)
		}
		return int(v), nil
	}
	return 0, errors.Errorf("expected an integer, got %T (%v)", raw, raw)
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, errors.Errorf("expected a number, got %T (%v)", raw, raw)
}

func toList(raw any) ([]any, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.Errorf("expected a list, got %T (%v)", raw, raw)
	}
	return list, nil
}

func toStrings(raw any) ([]string, error) {
	if s, ok := raw.(string); ok {
		return []string{s}, nil
	}
	list, err := toList(raw)
	if err != nil {
		return nil, err
	}
	strs := make([]string, len(list))
	for ii, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("element #%d: expected a string, got %T (%v)", ii, v, v)
		}
		strs[ii] = s
	}
	return strs, nil
}

// deepCopy copies nested maps and lists, other values are returned as is.
func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for key, elem := range v {
			m[key] = deepCopy(elem)
		}
		return m
	case []any:
		list := make([]any, len(v))
		for ii, elem := range v {
			list[ii] = deepCopy(elem)
		}
		return list
	default:
		return value
	}
}
