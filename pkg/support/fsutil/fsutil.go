// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// IsDir returns whether path exists and is a directory.
func IsDir(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to os.Stat(%q)", path)
	}
	return fi.IsDir(), nil
}

// ReplaceTildeInDir replaces a leading "~" or "~user" by the home directory of the current user or
// of the named user. Other paths are returned unchanged.
func ReplaceTildeInDir(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	userName, rest, _ := strings.Cut(dir[1:], "/")
	var (
		usr *user.User
		err error
	)
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to find the home directory for %q", dir)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// EnsureDir creates dir (and its parents) if it doesn't exist yet. It is a no-op if it already exists,
// and fails if dir exists but is a regular file.
func EnsureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return errors.Errorf("%q exists but it's a normal file, not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to os.Stat(%q)", dir)
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "trying to create dir %q", dir)
	}
	return nil
}

// FindFilesByExtension lists the regular files directly under dir whose extension is one of exts
// (compared case-insensitively, with the leading "."), sorted by name.
func FindFilesByExtension(dir string, exts ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list directory %q", dir)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, want := range exts {
			if ext == want {
				files = append(files, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}
