// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runner

import (
	"slices"

	"github.com/pkg/errors"
)

// ErrUnsupportedMode is returned when none of the requested modes is known. No driver is invoked.
var ErrUnsupportedMode = errors.New("unsupported mode")

// Mode of a run. Exactly one is active per invocation.
type Mode int

const (
	ModeUnsupported Mode = iota
	ModeTrain
	ModeTest
	ModePredict
)

// Names of the modes, as used in the "modes" configuration key.
const (
	TrainName   = "train"
	TestName    = "test"
	PredictName = "predict"
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return TrainName
	case ModeTest:
		return TestName
	case ModePredict:
		return PredictName
	}
	return "unsupported"
}

// SelectMode picks the mode to run from the requested ones, by strict priority: train, then test,
// then predict. Anything else, or an empty list, is ModeUnsupported.
func SelectMode(modes []string) Mode {
	switch {
	case slices.Contains(modes, TrainName):
		return ModeTrain
	case slices.Contains(modes, TestName):
		return ModeTest
	case slices.Contains(modes, PredictName):
		return ModePredict
	}
	return ModeUnsupported
}
