// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/exp/maps"

	"github.com/gomlx/harness/pkg/checkpoints"
)

// Summary returns a table with one column per checkpoint: composer, epoch, step, creation time,
// sizes and the metrics saved with it.
func Summary(ckpts []*checkpoints.Checkpoint, names []string) string {
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"checkpoint"}, names...)...)
	addRow := func(label string, cell func(ckpt *checkpoints.Checkpoint) string) {
		row := []string{label}
		for _, ckpt := range ckpts {
			row = append(row, cell(ckpt))
		}
		table.AddRow(false, row...)
	}

	addRow("composer", func(ckpt *checkpoints.Checkpoint) string { return ckpt.Kind })
	addRow("epoch", func(ckpt *checkpoints.Checkpoint) string { return humanize.Comma(int64(ckpt.Epoch)) })
	addRow("step", func(ckpt *checkpoints.Checkpoint) string { return humanize.Comma(int64(ckpt.Step)) })
	addRow("created", func(ckpt *checkpoints.Checkpoint) string {
		if ckpt.CreatedAt.IsZero() {
			return ""
		}
		return ckpt.CreatedAt.Local().Format(time.DateTime)
	})
	addRow("# tensors", func(ckpt *checkpoints.Checkpoint) string { return humanize.Comma(int64(len(ckpt.Params))) })
	addRow("# parameters", func(ckpt *checkpoints.Checkpoint) string {
		return humanize.Comma(int64(ckpt.Params.NumValues()))
	})
	addRow("# bytes", func(ckpt *checkpoints.Checkpoint) string {
		return humanize.Bytes(uint64(8 * ckpt.Params.NumValues()))
	})

	metricNames := make(map[string]bool)
	for _, ckpt := range ckpts {
		for name := range ckpt.Metrics {
			metricNames[name] = true
		}
	}
	sortedNames := maps.Keys(metricNames)
	slices.Sort(sortedNames)
	for _, name := range sortedNames {
		addRow(name, func(ckpt *checkpoints.Checkpoint) string {
			value, found := ckpt.Metrics[name]
			if !found {
				return ""
			}
			return fmt.Sprintf("%.4g", value)
		})
	}
	return table.Render()
}
