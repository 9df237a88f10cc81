// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Overrides are the command-line values that replace the merged configuration.
// A nil field means the flag was not given, and the configured value is kept.
type Overrides struct {
	Modes              *string
	OutputDirPath      *string
	LogSaveDir         *string
	ModelCheckpoint    *string
	BaselineCheckpoint *string
}

// Builder accumulates configuration values and produces a frozen Config.
//
// The first error is kept and returned by Freeze, later calls become no-ops.
type Builder struct {
	values map[string]any
	err    error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{values: make(map[string]any)}
}

// Merge merges values into the configuration: top-level keys overwrite the existing ones.
func (b *Builder) Merge(values map[string]any) *Builder {
	if b.err != nil {
		return b
	}
	for key, value := range values {
		b.values[key] = deepCopy(value)
	}
	return b
}

// Sources loads the configuration files (or directories) in order and merges them. See LoadSources.
func (b *Builder) Sources(sources ...string) *Builder {
	if b.err != nil {
		return b
	}
	values, err := LoadSources(sources...)
	if err != nil {
		b.err = err
		return b
	}
	return b.Merge(values)
}

// Set the value of a top-level key.
func (b *Builder) Set(key string, value any) *Builder {
	if b.err != nil {
		return b
	}
	b.values[key] = deepCopy(value)
	return b
}

// Settings parses and applies "k=v;k2=v2" settings. See ParseSettings.
func (b *Builder) Settings(settings string) *Builder {
	if b.err != nil || settings == "" {
		return b
	}
	parsed, err := ParseSettings(settings)
	if err != nil {
		b.err = err
		return b
	}
	if err = applySettings(b.values, parsed); err != nil {
		b.err = err
		return b
	}
	for _, setting := range parsed {
		klog.V(1).Infof("setting %s=%v", setting.Key(), setting.Value)
	}
	return b
}

// Apply the command-line overrides: every given field replaces the value of its key.
func (b *Builder) Apply(overrides Overrides) *Builder {
	if b.err != nil {
		return b
	}
	for _, o := range []struct {
		key   string
		value *string
	}{
		{KeyModes, overrides.Modes},
		{KeyOutputDirPath, overrides.OutputDirPath},
		{KeyLogSaveDir, overrides.LogSaveDir},
		{KeyModelCheckpoint, overrides.ModelCheckpoint},
		{KeyBaselineCheckpoint, overrides.BaselineCheckpoint},
	} {
		if o.value != nil {
			b.values[o.key] = *o.value
		}
	}
	return b
}

// Freeze returns the immutable Config, or the first error found while building it.
func (b *Builder) Freeze() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}
	cfg := &Config{values: deepCopy(b.values).(map[string]any)}
	if _, err := cfg.Modes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromMap returns a frozen Config with a copy of values. Mostly used for tests and for
// configuration snapshots restored from checkpoints.
func FromMap(values map[string]any) *Config {
	if values == nil {
		values = make(map[string]any)
	}
	return &Config{values: deepCopy(values).(map[string]any)}
}

// Overlay returns a new Config with the keys of overlay replacing those of c.
func (c *Config) Overlay(overlay *Config) *Config {
	merged := c.Map()
	if overlay != nil {
		for key, value := range overlay.values {
			merged[key] = deepCopy(value)
		}
	}
	return &Config{values: merged}
}

// MustFreeze is like Freeze but panics on error.
func (b *Builder) MustFreeze() *Config {
	cfg, err := b.Freeze()
	if err != nil {
		panic(errors.WithMessage(err, "config.Builder.MustFreeze()"))
	}
	return cfg
}
