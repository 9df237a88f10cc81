// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/gomlx/harness/pkg/config"
)

// KindSynthetic is the registered name of the synthetic dataset.
const KindSynthetic = "synthetic"

// SyntheticConfig configures a synthetic linear dataset: labels = inputs x weights + bias + noise.
//
// Datasets created with the same WeightsSeed share the same underlying weights, so a train and a
// validation dataset only need different values of Seed.
type SyntheticConfig struct {
	NumExamples int     `yaml:"num_examples"`
	NumFeatures int     `yaml:"num_features"`
	NumOutputs  int     `yaml:"num_outputs"`
	Noise       float64 `yaml:"noise"`
	Seed        uint64  `yaml:"seed"`
	WeightsSeed uint64  `yaml:"weights_seed"`

	// Task is either "regression" (default) or "classification", in which case labels are 1 when
	// the linear value is positive and 0 otherwise.
	Task string `yaml:"task"`
}

// DefaultSyntheticConfig returns the values used for keys not given.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumExamples: 100,
		NumFeatures: 4,
		NumOutputs:  1,
		WeightsSeed: 42,
		Task:        "regression",
	}
}

// Validate implements config.Validator.
func (c *SyntheticConfig) Validate() error {
	if c.NumExamples < 0 {
		return errors.Errorf("num_examples must be >= 0, got %d", c.NumExamples)
	}
	if c.NumFeatures <= 0 || c.NumOutputs <= 0 {
		return errors.Errorf("num_features and num_outputs must be > 0, got %d and %d", c.NumFeatures, c.NumOutputs)
	}
	if c.Noise < 0 {
		return errors.Errorf("noise must be >= 0, got %g", c.Noise)
	}
	if c.Task != "regression" && c.Task != "classification" {
		return errors.Errorf("task must be \"regression\" or \"classification\", got %q", c.Task)
	}
	return nil
}

// NewSynthetic generates the synthetic dataset described by cfg.
func NewSynthetic(name string, cfg SyntheticConfig) (*InMemory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wRng := rand.New(rand.NewPCG(cfg.WeightsSeed, 0))
	weights := make([]float64, cfg.NumFeatures*cfg.NumOutputs)
	for ii := range weights {
		weights[ii] = wRng.NormFloat64()
	}
	bias := make([]float64, cfg.NumOutputs)
	for ii := range bias {
		bias[ii] = wRng.NormFloat64() * 0.1
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 1))
	examples := make([]Example, cfg.NumExamples)
	for exIdx := range examples {
		inputs := make([]float64, cfg.NumFeatures)
		for ii := range inputs {
			inputs[ii] = rng.Float64()*2 - 1
		}
		labels := make([]float64, cfg.NumOutputs)
		for out := range labels {
			v := bias[out]
			for f, x := range inputs {
				v += x * weights[f*cfg.NumOutputs+out]
			}
			if cfg.Noise > 0 {
				v += rng.NormFloat64() * cfg.Noise
			}
			if cfg.Task == "classification" {
				if v > 0 {
					v = 1
				} else {
					v = 0
				}
			}
			labels[out] = v
		}
		examples[exIdx] = Example{ID: fmt.Sprintf("%s-%06d", name, exIdx), Inputs: inputs, Labels: labels}
	}
	return NewInMemory(name, examples)
}

// newSyntheticFromArgs accepts an optional positional argument, the number of examples, and the
// SyntheticConfig fields as keyword arguments.
func newSyntheticFromArgs(args []any, kwargs map[string]any) (Dataset, error) {
	cfg := DefaultSyntheticConfig()
	if err := config.DecodeMapStrict(kwargs, &cfg); err != nil {
		return nil, err
	}
	if len(args) > 1 {
		return nil, errors.WithMessagef(config.ErrKey, "synthetic dataset takes at most 1 positional argument (num_examples), got %v", args)
	}
	if len(args) == 1 {
		n, ok := args[0].(int)
		if !ok {
			return nil, errors.WithMessagef(config.ErrKey, "synthetic dataset num_examples must be an int, got %T", args[0])
		}
		cfg.NumExamples = n
	}
	name := KindSynthetic
	if cfg.Seed != 0 {
		name = fmt.Sprintf("%s_%d", KindSynthetic, cfg.Seed)
	}
	return NewSynthetic(name, cfg)
}
