// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/harness/pkg/checkpoints"
)

// ParamsTable lists the parameters of a checkpoint with their shape, size and MAV (mean absolute
// value), RMS (root-mean-square) and MaxAV (max absolute value). For scalars the value itself is shown
// in the MAV column.
func ParamsTable(ckpt *checkpoints.Checkpoint) string {
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, param := range ckpt.Params {
		size := len(param.Values)
		row := []string{param.Name, fmt.Sprintf("%v", param.Shape), humanize.Comma(int64(size)),
			humanize.Bytes(uint64(8 * size)), "", "", ""}
		switch {
		case size == 1:
			row[4] = fmt.Sprintf("%8v", param.Values[0])
		case size > 1:
			mav, rms, maxAV := valueStats(param.Values)
			row[4] = fmt.Sprintf("%.3g", mav)
			row[5] = fmt.Sprintf("%.3g", rms)
			row[6] = fmt.Sprintf("%.3g", maxAV)
		}
		table.AddRow(false, row...)
	}
	return table.Render()
}

func valueStats(values []float64) (mav, rms, maxAV float64) {
	for _, v := range values {
		abs := math.Abs(v)
		mav += abs
		rms += v * v
		maxAV = max(maxAV, abs)
	}
	n := float64(len(values))
	return mav / n, math.Sqrt(rms / n), maxAV
}
