// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir), "second call must be a no-op")
	isDir, err := IsDir(dir)
	require.NoError(t, err)
	assert.True(t, isDir)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	require.Error(t, EnsureDir(file))
}

func TestFindFilesByExtension(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.TOML", "c.txt", "d.hcl"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0755))
	files, err := FindFilesByExtension(dir, ".yaml", ".toml", ".hcl")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.TOML"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "d.hcl"),
	}, files)
}

func TestReplaceTildeInDir(t *testing.T) {
	got, err := ReplaceTildeInDir("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)

	got, err = ReplaceTildeInDir("~/x")
	require.NoError(t, err)
	assert.NotContains(t, got, "~")
	assert.Equal(t, "x", filepath.Base(got))
}

func TestReplaceTildeForUnknownUser(t *testing.T) {
	_, err := ReplaceTildeInDir("~no_such_user_for_harness_tests/x")
	require.Error(t, err)
}
