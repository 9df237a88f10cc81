// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	filePath := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(filePath, []byte(contents), 0644))
	return filePath
}

func TestLoadSourcesMerge(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", "x: 1\ny: 2\n")
	b := writeFile(t, dir, "b.yaml", "y: 3\nz: 4\n")
	values, err := LoadSources(a, b)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1, "y": 3, "z": 4}, values)

	// Reverse order: a's keys win.
	values, err = LoadSources(b, a)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1, "y": 2, "z": 4}, values)
}

func TestLoadSourcesNoDeepMerge(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", "trainer__kwargs:\n  max_epochs: 3\n  seed: 7\n")
	b := writeFile(t, dir, "b.yaml", "trainer__kwargs:\n  max_epochs: 5\n")
	values, err := LoadSources(a, b)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"max_epochs": 5}, values["trainer__kwargs"])
}

func TestLoadSourcesErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadSources(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	bad := writeFile(t, dir, "bad.yaml", "x: [1, 2\n")
	_, err = LoadSources(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse), "got %v", err)

	trailing := writeFile(t, dir, "trailing.json", `{"a": 1} xyz`)
	_, err = LoadSources(trailing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse), "got %v", err)

	notMapping := writeFile(t, dir, "list.yaml", "- a\n- b\n")
	_, err = LoadSources(notMapping)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse), "got %v", err)

	unknownExt := writeFile(t, dir, "cfg.ini", "x=1\n")
	_, err = LoadSources(unknownExt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse), "got %v", err)
}

func TestLoadSourcesFormats(t *testing.T) {
	dir := t.TempDir()
	want := map[string]any{
		"composer":        "LinearRegressor",
		"batch_size":      4,
		"learning_rate":   0.5,
		"enabled":         true,
		"modes":           []any{"train", "test"},
		"trainer__kwargs": map[string]any{"max_epochs": 3},
	}
	files := []string{
		writeFile(t, dir, "cfg.yaml", `
composer: LinearRegressor
batch_size: 4
learning_rate: 0.5
enabled: true
modes: [train, test]
trainer__kwargs:
  max_epochs: 3
`),
		writeFile(t, dir, "cfg.json", `{
  "composer": "LinearRegressor",
  "batch_size": 4,
  "learning_rate": 0.5,
  "enabled": true,
  "modes": ["train", "test"],
  "trainer__kwargs": {"max_epochs": 3}
}`),
		writeFile(t, dir, "cfg.toml", `
composer = "LinearRegressor"
batch_size = 4
learning_rate = 0.5
enabled = true
modes = ["train", "test"]

[trainer__kwargs]
max_epochs = 3
`),
		writeFile(t, dir, "cfg.hcl", `
composer = "LinearRegressor"
batch_size = 4
learning_rate = 0.5
enabled = true
modes = ["train", "test"]
trainer__kwargs = {
  max_epochs = 3
}
`),
	}
	for _, file := range files {
		t.Run(filepath.Ext(file), func(t *testing.T) {
			values, err := LoadFile(file)
			require.NoError(t, err)
			assert.Equal(t, want, values)
		})
	}
}

func TestLoadSourcesDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "10-base.yaml", "x: 1\ny: 1\n")
	writeFile(t, dir, "20-override.toml", "y = 2\n")
	writeFile(t, dir, "README.md", "ignored")
	values, err := LoadSources(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, values)
}

func TestBuilderOverrides(t *testing.T) {
	dir := t.TempDir()
	source := writeFile(t, dir, "cfg.yaml", `
composer: LinearRegressor
modes: test
output_dirpath: /from/file
log_save_dir: /logs/from/file
model_checkpoint: /ckpt/from/file
`)
	modes, outDir := "train+test", "/from/cli"
	cfg, err := NewBuilder().Sources(source).Apply(Overrides{
		Modes:         &modes,
		OutputDirPath: &outDir,
	}).Freeze()
	require.NoError(t, err)

	// Supplied overrides win, the others keep the file values.
	gotModes, err := cfg.Modes()
	require.NoError(t, err)
	assert.Equal(t, []string{"train", "test"}, gotModes)
	gotOut, err := cfg.OutputDirPath()
	require.NoError(t, err)
	assert.Equal(t, "/from/cli", gotOut)
	gotLogs, err := cfg.LogSaveDir()
	require.NoError(t, err)
	assert.Equal(t, "/logs/from/file", gotLogs)
	ckpt, err := cfg.OptionalString(KeyModelCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, "/ckpt/from/file", ckpt)
	assert.False(t, cfg.Has(KeyBaselineCheckpoint))

	// Empty string override still replaces.
	empty := ""
	cfg, err = NewBuilder().Sources(source).Apply(Overrides{ModelCheckpoint: &empty}).Freeze()
	require.NoError(t, err)
	ckpt, err = cfg.OptionalString(KeyModelCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, "", ckpt)
}

func TestModes(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value any
		want  []string
	}{
		{"default", nil, []string{"train"}},
		{"single", "predict", []string{"predict"}},
		{"joined", "train+test", []string{"train", "test"}},
		{"spaces and empty parts", " train + +test ", []string{"train", "test"}},
		{"list", []any{"test", "predict"}, []string{"test", "predict"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			values := map[string]any{}
			if tc.value != nil {
				values[KeyModes] = tc.value
			}
			got, err := FromMap(values).Modes()
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := NewBuilder().Set(KeyModes, 3).Freeze()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKey))
}

func TestOutputDirPathAliases(t *testing.T) {
	got, err := FromMap(nil).OutputDirPath()
	require.NoError(t, err)
	assert.Equal(t, DefaultOutputDirPath, got)

	got, err = FromMap(map[string]any{KeyOutputDir: "/a"}).OutputDirPath()
	require.NoError(t, err)
	assert.Equal(t, "/a", got)

	got, err = FromMap(map[string]any{KeyOutputDir: "/a", KeyOutputDirPath: "/b"}).OutputDirPath()
	require.NoError(t, err)
	assert.Equal(t, "/b", got)
}

func TestKeysSorted(t *testing.T) {
	cfg := FromMap(map[string]any{"seed": 1, "accelerator": "cpu", "max_epochs": 2, "batch_size": 8})
	assert.Equal(t, []string{"accelerator", "batch_size", "max_epochs", "seed"}, cfg.Keys())
	assert.Empty(t, FromMap(nil).Keys())
}

func TestGet(t *testing.T) {
	cfg := FromMap(map[string]any{
		"int":    3,
		"float":  2.0,
		"frac":   2.5,
		"str":    "a",
		"list":   []any{1, 2},
		"nested": map[string]any{"k": []any{"v"}},
	})
	i, err := Get(cfg, "float", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, i)
	f, err := Get(cfg, "int", 0.0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, f)
	_, err = Get(cfg, "frac", 0)
	assert.True(t, errors.Is(err, ErrKey))
	_, err = Get(cfg, "str", 0)
	assert.True(t, errors.Is(err, ErrKey))
	ints, err := Get[[]int](cfg, "list", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ints)
	strs, err := Get[[]string](cfg, "str", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, strs)
	def, err := Get(cfg, "missing", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", def)
	_, err = Require[string](cfg, "missing")
	assert.True(t, errors.Is(err, ErrKey))

	// Nested values are copies: mutating them doesn't change the Config.
	nested, err := Get[map[string]any](cfg, "nested", nil)
	require.NoError(t, err)
	nested["k"].([]any)[0] = "changed"
	nested["new"] = 1
	again, _ := cfg.Raw("nested")
	assert.Equal(t, map[string]any{"k": []any{"v"}}, again)
}

func TestDataset(t *testing.T) {
	cfg := FromMap(map[string]any{
		"train_dataset":         "synthetic",
		"train_dataset__args":   []any{10},
		"train_dataset__kwargs": map[string]any{"noise": 0.1},
		"train_num_workers":     2,
		"val_dataset":           "synthetic",
		"test_num_workers":      -1,
		"test_dataset":          "csv",
	})
	dsConfig, err := cfg.Dataset("train")
	require.NoError(t, err)
	assert.Equal(t, DatasetSpec{
		Name:       "synthetic",
		Args:       []any{10},
		Kwargs:     map[string]any{"noise": 0.1},
		NumWorkers: 2,
	}, dsConfig)

	dsConfig, err = cfg.Dataset("val")
	require.NoError(t, err)
	assert.Equal(t, "synthetic", dsConfig.Name)
	assert.Empty(t, dsConfig.Args)
	assert.Empty(t, dsConfig.Kwargs)
	assert.Equal(t, 0, dsConfig.NumWorkers)

	_, err = cfg.Dataset("test")
	assert.True(t, errors.Is(err, ErrKey))
	_, err = cfg.Dataset("other")
	assert.True(t, errors.Is(err, ErrKey))
}

func TestSettings(t *testing.T) {
	dir := t.TempDir()
	settingsFile := writeFile(t, dir, "settings.txt", "# comment\nlearning_rate=0.01\n\nname=run_1;steps=1_000\n")
	cfg, err := NewBuilder().
		Set("trainer__kwargs", map[string]any{"max_epochs": 1, "seed": 3}).
		Settings("batch_size=8;flag=true;trainer__kwargs/max_epochs=4;tags=[a, b];file:" + settingsFile).
		Freeze()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"batch_size":      8,
		"flag":            true,
		"trainer__kwargs": map[string]any{"max_epochs": 4, "seed": 3},
		"tags":            []any{"a", "b"},
		"learning_rate":   0.01,
		"name":            "run_1",
		"steps":           1000,
	}, cfg.Map())

	_, err = NewBuilder().Settings("no_equal_sign").Freeze()
	assert.True(t, errors.Is(err, ErrParse))
	_, err = NewBuilder().Set("x", 1).Settings("x/y=2").Freeze()
	assert.True(t, errors.Is(err, ErrKey))
	_, err = NewBuilder().Settings("file:" + filepath.Join(dir, "missing.txt")).Freeze()
	assert.True(t, errors.Is(err, ErrNotFound))
}

type decodeTarget struct {
	NumFeatures  int     `yaml:"num_features"`
	LearningRate float64 `yaml:"learning_rate"`
	Name         string  `yaml:"name"`
}

func (d *decodeTarget) Validate() error {
	if d.NumFeatures <= 0 {
		return errors.Errorf("num_features must be > 0, got %d", d.NumFeatures)
	}
	return nil
}

func TestDecode(t *testing.T) {
	var target decodeTarget
	err := Decode(FromMap(map[string]any{"num_features": 3, "learning_rate": 0.1, "other": "ignored"}), &target)
	require.NoError(t, err)
	assert.Equal(t, decodeTarget{NumFeatures: 3, LearningRate: 0.1}, target)

	err = Decode(FromMap(map[string]any{"num_features": "three"}), &decodeTarget{})
	assert.True(t, errors.Is(err, ErrKey))

	err = Decode(FromMap(map[string]any{"num_features": 0}), &decodeTarget{})
	assert.True(t, errors.Is(err, ErrKey))

	err = DecodeMapStrict(map[string]any{"num_features": 1, "unknown": 1}, &decodeTarget{})
	assert.True(t, errors.Is(err, ErrKey))
}

func TestFreezeIsolation(t *testing.T) {
	nested := map[string]any{"a": 1}
	b := NewBuilder().Set("nested", nested)
	cfg := b.MustFreeze()
	nested["a"] = 2
	b.Set("later", true)
	raw, _ := cfg.Raw("nested")
	assert.Equal(t, map[string]any{"a": 1}, raw)
	assert.False(t, cfg.Has("later"))

	overlaid := cfg.Overlay(FromMap(map[string]any{"nested": "replaced", "extra": 1}))
	raw, _ = overlaid.Raw("nested")
	assert.Equal(t, "replaced", raw)
	assert.Equal(t, 2, overlaid.Len())
	raw, _ = cfg.Raw("nested")
	assert.Equal(t, map[string]any{"a": 1}, raw)
}
