// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/harness/pkg/support/fsutil"
)

// SettingsPathSeparator separates the keys of nested mappings in a setting, e.g.:
// "trainer__kwargs/max_epochs=3".
const SettingsPathSeparator = "/"

// Setting is one parsed "key=value" entry.
type Setting struct {
	// Path to the value: the first element is the top-level key, the following ones index nested mappings.
	Path []string
	// Value parsed as a YAML value.
	Value any
}

// Key returns the setting path joined with SettingsPathSeparator.
func (s Setting) Key() string {
	return strings.Join(s.Path, SettingsPathSeparator)
}

// ParseSettings parses settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// Values are parsed as YAML, so "3" is an int, "0.1" a float, "true" a bool and "[a, b]" a list.
// Anything that fails to parse is kept as a plain string.
// For integers "_" can be used as a separator, like in Go: e.g.: 1_000_000.
//
// An entry like "file:settings.txt" reads the settings from the file, with new-lines working as ";"
// and lines starting with "#" considered comments.
func ParseSettings(settings string) ([]Setting, error) {
	var parsed []Setting
	for _, entry := range strings.Split(settings, ";") {
		var err error
		parsed, err = parseSetting(entry, parsed)
		if err != nil {
			return nil, err
		}
	}
	return parsed, nil
}

func parseSetting(entry string, parsed []Setting) ([]Setting, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return parsed, nil
	}
	if strings.HasPrefix(entry, "file:") {
		filePath, err := fsutil.ReplaceTildeInDir(strings.TrimPrefix(entry, "file:"))
		if err != nil {
			return nil, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, errors.WithMessagef(ErrNotFound, "settings file %q", filePath)
			}
			return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				parsed, err = parseSetting(setting, parsed)
				if err != nil {
					return nil, err
				}
			}
		}
		return parsed, nil
	}

	key, valueStr, found := strings.Cut(entry, "=")
	if !found {
		return nil, errors.WithMessagef(ErrParse,
			"can't parse setting %q: each setting requires the format \"<key>=<value>\"", entry)
	}
	key = strings.TrimSpace(key)
	path := strings.Split(key, SettingsPathSeparator)
	for _, part := range path {
		if part == "" {
			return nil, errors.WithMessagef(ErrParse, "setting %q has an empty key", entry)
		}
	}
	return append(parsed, Setting{Path: path, Value: parseSettingValue(strings.TrimSpace(valueStr))}), nil
}

func parseSettingValue(valueStr string) any {
	if valueStr == "" {
		return ""
	}
	candidate := valueStr
	if isUnderscoredNumber(valueStr) {
		candidate = strings.ReplaceAll(valueStr, "_", "")
	}
	var value any
	if err := yaml.Unmarshal([]byte(candidate), &value); err != nil {
		return valueStr
	}
	if _, isMap := value.(map[string]any); isMap && !strings.HasPrefix(candidate, "{") {
		// Something like "a: b" that was meant as a string.
		return valueStr
	}
	return normalize(value)
}

func isUnderscoredNumber(s string) bool {
	if !strings.Contains(s, "_") {
		return false
	}
	for ii, r := range s {
		if r == '_' || (r >= '0' && r <= '9') || (ii == 0 && (r == '-' || r == '+')) {
			continue
		}
		return false
	}
	return true
}

// applySettings sets each setting into values, creating nested mappings as needed.
func applySettings(values map[string]any, settings []Setting) error {
	for _, setting := range settings {
		current := values
		for ii, part := range setting.Path[:len(setting.Path)-1] {
			next, found := current[part]
			if !found || next == nil {
				m := make(map[string]any)
				current[part] = m
				current = m
				continue
			}
			m, ok := next.(map[string]any)
			if !ok {
				return errors.WithMessagef(ErrKey, "setting %q: %q is a %T, not a mapping",
					setting.Key(), strings.Join(setting.Path[:ii+1], SettingsPathSeparator), next)
			}
			current = m
		}
		current[setting.Path[len(setting.Path)-1]] = setting.Value
	}
	return nil
}
