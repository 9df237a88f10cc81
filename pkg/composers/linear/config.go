// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linear

import (
	"github.com/pkg/errors"
)

// Config of the linear composers, decoded from the configuration keys of the same name.
type Config struct {
	// NumFeatures is the number of inputs of each example. Required.
	NumFeatures int `yaml:"num_features"`

	// NumOutputs is the number of labels of each example. Default 1.
	NumOutputs int `yaml:"num_outputs"`

	// LearningRate of the stochastic gradient descent. Default 0.01.
	LearningRate float64 `yaml:"learning_rate"`

	// L2 regularization of the weights (not the bias). Default 0.
	L2 float64 `yaml:"l2"`

	// Seed for the initialization of the weights.
	Seed uint64 `yaml:"seed"`

	// InitScale is the standard deviation of the initial weights. Default 0.01.
	InitScale float64 `yaml:"init_scale"`
}

// SetDefaults implements composer.Defaulter.
func (c *Config) SetDefaults() {
	c.NumOutputs = 1
	c.LearningRate = 0.01
	c.InitScale = 0.01
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.NumFeatures <= 0 {
		return errors.Errorf("num_features must be > 0, got %d", c.NumFeatures)
	}
	if c.NumOutputs <= 0 {
		return errors.Errorf("num_outputs must be > 0, got %d", c.NumOutputs)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0, got %g", c.LearningRate)
	}
	if c.L2 < 0 || c.InitScale < 0 {
		return errors.Errorf("l2 and init_scale must be >= 0, got %g and %g", c.L2, c.InitScale)
	}
	return nil
}

// snapshot returns the configuration as saved in checkpoints.
func (c *Config) snapshot(kind string) map[string]any {
	return map[string]any{
		"composer":      kind,
		"num_features":  c.NumFeatures,
		"num_outputs":   c.NumOutputs,
		"learning_rate": c.LearningRate,
		"l2":            c.L2,
		"seed":          int(c.Seed),
		"init_scale":    c.InitScale,
	}
}
