// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package composer

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/config"
)

// Defaulter is implemented by configuration structs that set their default values before decoding.
type Defaulter interface {
	SetDefaults()
}

// factory decodes the configuration into the composer's typed configuration and builds it.
type factory func(cfg *config.Config) (Composer, error)

var (
	muRegistry sync.RWMutex
	registry   = make(map[string]factory)
)

// Register a composer kind. C is the composer's configuration struct: the configuration is decoded into
// it (see config.Decode), including its defaults (if *C implements Defaulter) and validation (if *C
// implements config.Validator), before calling build.
//
// It panics if kind is registered twice. Call it during the initialization of a package.
func Register[C any](kind string, build func(cfg C) (Composer, error)) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registry[kind]; found {
		panic(errors.Errorf("composer kind %q registered twice", kind))
	}
	registry[kind] = func(cfg *config.Config) (Composer, error) {
		var typed C
		if d, ok := any(&typed).(Defaulter); ok {
			d.SetDefaults()
		}
		if err := config.Decode(cfg, &typed); err != nil {
			return nil, errors.WithMessagef(err, "configuring composer %q", kind)
		}
		c, err := build(typed)
		if err != nil {
			return nil, errors.WithMessagef(err, "building composer %q", kind)
		}
		return c, nil
	}
}

// Kinds returns the registered composer kinds, sorted.
func Kinds() []string {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	keys := maps.Keys(registry)
	slices.Sort(keys)
	return keys
}

func lookup(kind string) (factory, error) {
	muRegistry.RLock()
	f, found := registry[kind]
	muRegistry.RUnlock()
	if !found {
		return nil, errors.WithMessagef(ErrUnknownKind, "%q (registered kinds: %v)", kind, Kinds())
	}
	return f, nil
}

// New constructs a fresh composer of the given kind from the whole configuration.
// Missing or mistyped keys are reported as config.ErrKey.
func New(kind string, cfg *config.Config) (Composer, error) {
	f, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	return f(cfg)
}

// FromCheckpoint restores a composer of the given kind from a checkpoint, in two steps: it loads the
// checkpoint (configuration snapshot and parameters), builds the composer through the same factory used
// by New, with the snapshot overlaid by overlay (it can be nil), and then loads the parameters.
//
// Failures to read the checkpoint, or parameters incompatible with the composer, are reported
// as checkpoints.ErrLoad.
func FromCheckpoint(kind, path string, overlay *config.Config) (Composer, error) {
	f, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}
	if ckpt.Kind != "" && ckpt.Kind != kind {
		return nil, errors.WithMessagef(checkpoints.ErrLoad, "checkpoint %q was saved by composer %q, not %q", path, ckpt.Kind, kind)
	}
	cfg := config.FromMap(ckpt.Config).Overlay(overlay)
	c, err := f(cfg)
	if err != nil {
		return nil, err
	}
	if err = c.LoadParams(ckpt.Params); err != nil {
		return nil, errors.WithMessagef(checkpoints.ErrLoad, "checkpoint %q: %v", path, err)
	}
	return c, nil
}
