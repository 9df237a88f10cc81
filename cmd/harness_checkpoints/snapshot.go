// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/gomlx/harness/pkg/checkpoints"
)

// ConfigTable returns the configuration snapshots of the checkpoints side by side, one row per key.
// Rows where the checkpoints disagree are highlighted.
func ConfigTable(ckpts []*checkpoints.Checkpoint, names []string) string {
	table := newTable()
	headers := []string{"Key", "Type"}
	if len(ckpts) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Headers(headers...)

	keys := make(map[string]bool)
	for _, ckpt := range ckpts {
		for key := range ckpt.Config {
			keys[key] = true
		}
	}
	sortedKeys := maps.Keys(keys)
	slices.Sort(sortedKeys)
	for _, key := range sortedKeys {
		row := make([]string, 2+len(ckpts))
		row[0] = key
		for ii, ckpt := range ckpts {
			value, found := ckpt.Config[key]
			if !found {
				continue
			}
			if row[1] == "" {
				row[1] = fmt.Sprintf("%T", value)
			}
			row[2+ii] = fmt.Sprintf("%v", value)
		}
		table.AddRow(!allEqual(row[2:]), row...)
	}
	return table.Render()
}
