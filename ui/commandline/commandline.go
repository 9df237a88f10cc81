// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: training progress bars,
// batch progress bars and tables of metrics and settings.
package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/config"
)

// Output where the command-line UI writes to.
var Output io.Writer = os.Stdout

// PrettyPrint formats a metric value with 6 significant digits.
func PrettyPrint(value float64) string {
	return humanize.FtoaWithDigits(value, 6)
}

// MetricsTable renders the metrics, sorted by name, as a table.
func MetricsTable(metrics composer.Metrics) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		}).
		Headers("Metric", "Value")
	for _, name := range metrics.Keys() {
		table.Row(name, PrettyPrint(metrics[name]))
	}
	return table.String()
}

// ReportMetrics prints the title followed by the table of metrics.
// It can be used as train.Trainer.OnResults.
func ReportMetrics(title string, metrics composer.Metrics) {
	_, _ = fmt.Fprintf(Output, "%s:\n%s\n", title, MetricsTable(metrics))
}

// SprintConfig lists the configuration values, one per line, sorted by key.
func SprintConfig(cfg *config.Config) string {
	parts := make([]string, 0, cfg.Len())
	for _, key := range cfg.Keys() {
		value, _ := cfg.Raw(key)
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
