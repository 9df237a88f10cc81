// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// harness trains, tests or runs predictions with a composer selected by configuration.
//
// Example:
//
//	harness --config cmd/harness/example.yaml --modes train -L ~/tmp/harness_logs
//	harness --config cmd/harness/example.yaml --modes predict -m ~/tmp/harness_logs/version_0/checkpoints/<best>
//
// Configuration files are merged in the order given, then the "--set" settings and the other
// flags are applied over them.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/alexflint/go-arg"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/composer"
	_ "github.com/gomlx/harness/pkg/composers/linear"
	"github.com/gomlx/harness/pkg/config"
	"github.com/gomlx/harness/pkg/data"
	"github.com/gomlx/harness/pkg/device"
	"github.com/gomlx/harness/pkg/runner"
)

// Args are the command-line arguments.
type Args struct {
	Config []string `arg:"--config" placeholder:"PATH" help:"configuration files or directories, merged in order"`
	GPUs   []int    `arg:"-g,--gpus" placeholder:"ID" help:"GPU ids to use; the CPU is used if none is given"`

	BaselineCheckpoint *string `arg:"-b,--baseline-checkpoint" help:"checkpoint of the baseline composer"`
	ModelCheckpoint    *string `arg:"-m,--model-checkpoint" help:"checkpoint to restore the composer from"`
	Modes              *string `arg:"--modes" help:"modes to run, separated by \"+\", e.g. train+test: only one runs, train first, then test, then predict"`
	OutputDirPath      *string `arg:"-O,--output-dirpath" help:"directory where predictions are written"`
	LogSaveDir         *string `arg:"-L,--log-save-dir" help:"directory where training logs and checkpoints are written"`

	Set           string `arg:"--set" help:"settings applied over the configuration files, e.g. \"batch_size=32;trainer__kwargs/max_epochs=3\""`
	ListComposers bool   `arg:"--list-composers" help:"list the registered composers and dataset kinds, and exit"`
	Verbosity     int    `arg:"-v,--verbosity" help:"klog verbosity level"`
	LogToStderr   bool   `arg:"--logtostderr" default:"true" help:"klog logs to standard error instead of files"`
	LogDir        string `arg:"--log-dir" help:"if set, klog also writes log files to this directory"`
}

// Version implements arg.Versioned.
func (Args) Version() string {
	return "harness 0.1.0"
}

// Description implements arg.Described.
func (Args) Description() string {
	return "Train, test or predict with a composer (model and training procedure) selected by configuration."
}

// Overrides returns the configuration overrides given in the command line.
func (a *Args) Overrides() config.Overrides {
	return config.Overrides{
		Modes:              a.Modes,
		OutputDirPath:      a.OutputDirPath,
		LogSaveDir:         a.LogSaveDir,
		ModelCheckpoint:    a.ModelCheckpoint,
		BaselineCheckpoint: a.BaselineCheckpoint,
	}
}

// setKlogFlags forwards the logging arguments to klog's flags.
func (a *Args) setKlogFlags() error {
	for name, value := range map[string]string{
		"v":           strconv.Itoa(a.Verbosity),
		"logtostderr": strconv.FormatBool(a.LogToStderr && a.LogDir == ""),
		"log_dir":     a.LogDir,
	} {
		if err := flag.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// BuildConfig merges the configuration sources, the settings and the overrides.
func (a *Args) BuildConfig() (*config.Config, error) {
	return config.NewBuilder().
		Sources(a.Config...).
		Settings(a.Set).
		Apply(a.Overrides()).
		Freeze()
}

func main() {
	klog.InitFlags(nil)
	var args Args
	p := arg.MustParse(&args)
	if err := args.setKlogFlags(); err != nil {
		p.Fail(err.Error())
	}
	defer klog.Flush()

	if args.ListComposers {
		listKinds(os.Stdout)
		return
	}
	if len(args.Config) == 0 {
		p.Fail("--config is required")
	}

	var err error
	if exception := exceptions.TryCatch[error](func() { err = run(&args) }); exception != nil {
		err = exception
	}
	if err != nil {
		klog.Flush()
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

// run builds the configuration and the device, and runs the harness once.
func run(args *Args) error {
	cfg, err := args.BuildConfig()
	if err != nil {
		return err
	}
	dev := device.Select(args.GPUs)
	klog.V(1).Infof("device: %s", dev.Description())
	return runner.New(cfg, dev).Run()
}

func listKinds(w io.Writer) {
	fmt.Fprintln(w, "Composers:")
	for _, kind := range composer.Kinds() {
		fmt.Fprintf(w, "\t%s\n", kind)
	}
	fmt.Fprintln(w, "Dataset kinds:")
	for _, kind := range data.Kinds() {
		fmt.Fprintf(w, "\t%s\n", kind)
	}
}
