// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/support/fsutil"
)

// SourceParser parses the contents of a configuration source into a mapping.
type SourceParser func(fileName string, contents []byte) (map[string]any, error)

// parsers maps a file extension (lower case, with the leading ".") to its parser.
var parsers = map[string]SourceParser{
	".yaml": parseYAML,
	".yml":  parseYAML,
	".json": parseJSON,
	".toml": parseTOML,
	".hcl":  parseHCL,
}

// SupportedExtensions lists the file extensions LoadSources knows how to parse.
func SupportedExtensions() []string {
	return []string{".yaml", ".yml", ".json", ".toml", ".hcl"}
}

// LoadSources parses each source in order and merges them into one mapping: keys of later
// sources overwrite the same top-level keys of earlier ones. Nested mappings are not merged.
//
// A source is a file path; the format is chosen by extension (see SupportedExtensions).
// If a source is a directory, all files in it with a supported extension are loaded in
// lexical order.
//
// It fails with ErrNotFound if a source doesn't exist and with ErrParse if it can't be parsed.
func LoadSources(sources ...string) (map[string]any, error) {
	merged := make(map[string]any)
	for _, source := range sources {
		files, err := expandSource(source)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			values, err := LoadFile(file)
			if err != nil {
				return nil, err
			}
			for key, value := range values {
				merged[key] = value
			}
		}
	}
	return merged, nil
}

func expandSource(source string) ([]string, error) {
	path, err := fsutil.ReplaceTildeInDir(source)
	if err != nil {
		return nil, errors.WithMessagef(ErrNotFound, "%q: %v", source, err)
	}
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.WithMessagef(ErrNotFound, "%q", source)
	}
	isDir, err := fsutil.IsDir(path)
	if err != nil {
		return nil, err
	}
	if !isDir {
		return []string{path}, nil
	}
	files, err := fsutil.FindFilesByExtension(path, SupportedExtensions()...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		klog.Warningf("configuration directory %q has no configuration files", path)
	}
	return files, nil
}

// LoadFile parses one configuration file.
func LoadFile(filePath string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	parser, found := parsers[ext]
	if !found {
		return nil, errors.WithMessagef(ErrParse, "%q: unsupported configuration file extension %q", filePath, ext)
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.WithMessagef(ErrNotFound, "%q", filePath)
		}
		return nil, errors.Wrapf(err, "failed to read configuration file %q", filePath)
	}
	values, err := parser(filePath, contents)
	if err != nil {
		return nil, errors.WithMessagef(ErrParse, "%q: %v", filePath, err)
	}
	if klog.V(1).Enabled() {
		klog.Infof("configuration %q: %d keys", filePath, len(values))
	}
	return values, nil
}

func parseYAML(_ string, contents []byte) (map[string]any, error) {
	var values map[string]any
	if err := yaml.Unmarshal(contents, &values); err != nil {
		return nil, err
	}
	return normalizeMap(values), nil
}

func parseJSON(_ string, contents []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(contents))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("unexpected data after the top-level JSON object")
	}
	return normalizeMap(values), nil
}

func parseTOML(_ string, contents []byte) (map[string]any, error) {
	values := make(map[string]any)
	if _, err := toml.Decode(string(contents), &values); err != nil {
		return nil, err
	}
	return normalizeMap(values), nil
}

// NormalizeMap converts the values produced by the different decoders to a common set of types:
// int, float64, bool, string, []any and map[string]any. A json.Number becomes an int if it is integral.
func NormalizeMap(values map[string]any) map[string]any {
	return normalizeMap(values)
}

func normalizeMap(values map[string]any) map[string]any {
	if values == nil {
		return make(map[string]any)
	}
	return normalize(values).(map[string]any)
}

func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for key, elem := range v {
			m[key] = normalize(elem)
		}
		return m
	case []any:
		list := make([]any, len(v))
		for ii, elem := range v {
			list[ii] = normalize(elem)
		}
		return list
	case []map[string]any:
		// TOML arrays of tables.
		list := make([]any, len(v))
		for ii, elem := range v {
			list[ii] = normalize(elem)
		}
		return list
	case int64:
		return int(v)
	case int32:
		return int(v)
	case uint64:
		return int(v)
	case float32:
		return float64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
		f, _ := v.Float64()
		return f
	default:
		return value
	}
}
