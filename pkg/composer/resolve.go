// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package composer

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/config"
)

// Output is where progress lines like "Loaded: <path>" are printed.
var Output io.Writer = os.Stdout

func reportLoaded(path string) {
	_, _ = fmt.Fprintf(Output, "Loaded: %s\n", path)
}

// ResolvePrimary builds the primary composer named by the "composer" key. If "model_checkpoint" is set
// (and not empty) it is restored from the checkpoint, with the configuration overlaid on the checkpoint's
// snapshot; otherwise it is constructed fresh. Exactly one of the two happens.
func ResolvePrimary(cfg *config.Config) (Composer, error) {
	kind, err := config.Require[string](cfg, config.KeyComposer)
	if err != nil {
		return nil, err
	}
	path, err := cfg.OptionalString(config.KeyModelCheckpoint)
	if err != nil {
		return nil, err
	}
	if path == "" {
		klog.V(1).Infof("constructing composer %q", kind)
		return New(kind, cfg)
	}
	c, err := FromCheckpoint(kind, path, cfg)
	if err != nil {
		return nil, err
	}
	reportLoaded(path)
	return c, nil
}

// Layer applies the optional checkpoints to the primary composer, in order:
//
//  1. If "baseline_checkpoint" is set, the composer named by "baseline_composer" is restored from it
//     (without merging the current configuration) and attached to primary, which must implement
//     BaselineAttacher.
//  2. If "model_pt_checkpoint" is set, it is passed to primary's LoadPretrained, which must implement
//     PretrainedLoader.
//
// Each step is a no-op if its key is not set.
func Layer(primary Composer, cfg *config.Config) error {
	baselinePath, err := cfg.OptionalString(config.KeyBaselineCheckpoint)
	if err != nil {
		return err
	}
	if baselinePath != "" {
		if err = attachBaseline(primary, cfg, baselinePath); err != nil {
			return err
		}
		reportLoaded(baselinePath)
	}

	pretrainedPath, err := cfg.OptionalString(config.KeyPretrainedCheckpoint)
	if err != nil {
		return err
	}
	if pretrainedPath != "" {
		loader, ok := primary.(PretrainedLoader)
		if !ok {
			return errors.WithMessagef(ErrMissingCapability, "composer %q can't load pretrained weights (%s=%q)",
				primary.Kind(), config.KeyPretrainedCheckpoint, pretrainedPath)
		}
		if err = loader.LoadPretrained(pretrainedPath); err != nil {
			return errors.WithMessagef(err, "loading pretrained weights %q into composer %q", pretrainedPath, primary.Kind())
		}
		reportLoaded(pretrainedPath)
	}
	return nil
}

func attachBaseline(primary Composer, cfg *config.Config, path string) error {
	attacher, ok := primary.(BaselineAttacher)
	if !ok {
		return errors.WithMessagef(ErrMissingCapability, "composer %q can't attach a baseline (%s=%q)",
			primary.Kind(), config.KeyBaselineCheckpoint, path)
	}
	kind, err := config.Require[string](cfg, config.KeyBaselineComposer)
	if err != nil {
		return errors.WithMessagef(err, "%s is set", config.KeyBaselineCheckpoint)
	}
	baseline, err := FromCheckpoint(kind, path, nil)
	if err != nil {
		return err
	}
	if err = attacher.AttachBaseline(baseline); err != nil {
		return errors.WithMessagef(err, "attaching baseline %q to composer %q", kind, primary.Kind())
	}
	return nil
}
