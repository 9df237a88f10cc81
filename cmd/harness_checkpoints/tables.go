// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// highlightTable is a table where some rows can be highlighted in red, e.g. values that differ
// across checkpoints.
type highlightTable struct {
	*lgtable.Table
	count int
	reds  map[int]bool
}

// AddRow appends a row, highlighted if red is true.
func (t *highlightTable) AddRow(red bool, row ...string) {
	if red {
		t.reds[t.count] = true
	}
	t.Table.Row(row...)
	t.count++
}

// newTable creates a table: the alignments are given per column, and the last one is used for
// the remaining columns.
func newTable(alignments ...lipgloss.Position) *highlightTable {
	t := &highlightTable{reds: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case t.reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

func allEqual[E comparable](s []E) bool {
	for _, v := range s[min(1, len(s)):] {
		if v != s[0] {
			return false
		}
	}
	return true
}
