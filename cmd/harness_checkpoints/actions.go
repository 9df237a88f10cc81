// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"

	"github.com/gomlx/harness/pkg/checkpoints"
)

// PerturbParams multiplies every parameter value of the checkpoint by 1+RandomUniform(-x, x), and
// saves it back in place.
func PerturbParams(checkpointPath string, x float64, seed uint64) error {
	ckpt, err := checkpoints.Load(checkpointPath)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	for _, param := range ckpt.Params {
		for ii := range param.Values {
			perturbation := rng.Float64()*2 - 1 // [-1, 1)
			param.Values[ii] *= 1 + perturbation*x
		}
	}
	return checkpoints.Save(checkpointPath, ckpt)
}

// ExportWeights writes the parameters of the checkpoint to a weights-only file, with the given
// precision. See checkpoints.LoadWeights.
func ExportWeights(checkpointPath, weightsPath string, dtype checkpoints.DType) error {
	ckpt, err := checkpoints.Load(checkpointPath)
	if err != nil {
		return err
	}
	return checkpoints.SaveWeights(weightsPath, ckpt.Params, dtype)
}
