// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns a short name for each path, made of the path components that
// distinguish it from the other paths.
//
// A single differing component is used as is, e.g. "runs/a/ckpt" and "runs/b/ckpt" become "a" and "b".
// With more than one differing component, the first and the last are joined with "...".
// Paths that don't differ from any other are named by their last component.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) == 0 {
		return nil
	}
	parts := make([][]string, len(paths))
	for ii, path := range paths {
		parts[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}

	names := make([]string, len(paths))
	for ii, components := range parts {
		var differing []int
		for jj, other := range parts {
			if ii == jj {
				continue
			}
			for k := range min(len(components), len(other)) {
				if components[k] != other[k] && !slices.Contains(differing, k) {
					differing = append(differing, k)
				}
			}
		}
		slices.Sort(differing)
		switch len(differing) {
		case 0:
			names[ii] = components[len(components)-1]
		case 1:
			names[ii] = components[differing[0]]
		default:
			names[ii] = components[differing[0]] + "..." + components[differing[len(differing)-1]]
		}
	}
	return names
}
