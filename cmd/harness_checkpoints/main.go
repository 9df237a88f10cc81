// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// harness_checkpoints reports on checkpoints saved by the harness: a summary, the configuration
// snapshots (highlighting values that differ across checkpoints), the parameters and the training
// metrics of their runs. It can also perturb the parameters of a checkpoint, or export them to a
// weights-only file, to be used as pretrained weights.
//
// Example:
//
//	harness_checkpoints --summary --config ~/tmp/harness_logs/version_0 ~/tmp/harness_logs/version_1
//	harness_checkpoints --metrics --metrics_types=loss --plot=/tmp/losses.png ~/tmp/harness_logs/version_*
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alexflint/go-arg"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/support/fsutil"
)

// Output is where the reports are written.
var Output io.Writer = os.Stdout

// Args are the command-line arguments.
type Args struct {
	Paths []string `arg:"positional,required" placeholder:"PATH" help:"checkpoints (base path or .json file), directories of checkpoints or run directories"`

	Summary bool `arg:"--summary" help:"summary of each checkpoint: composer, epoch, step, sizes and metrics (default if no other report is selected)"`
	Config  bool `arg:"--config" help:"configuration snapshot of the checkpoints, values that differ are highlighted"`
	Params  bool `arg:"--params" help:"parameters of each checkpoint, with shape, size and value statistics"`
	Metrics bool `arg:"--metrics" help:"training metrics of the runs of the checkpoints"`

	MetricsNames string `arg:"--metrics_names" help:"regular expression: only metrics whose name matches are reported"`
	MetricsTypes string `arg:"--metrics_types" help:"comma-separated metric types (loss, accuracy, other) to report"`
	Plot         string `arg:"--plot" placeholder:"PNG" help:"plots the losses of the runs to the given PNG file"`

	Perturb       float64 `arg:"--perturb" help:"multiplies every parameter value by 1+RandomUniform(-x, x), and saves the checkpoint back"`
	Seed          uint64  `arg:"--seed" help:"random seed used by --perturb"`
	ExportWeights string  `arg:"--export_weights" placeholder:"FILE" help:"exports the parameters of the checkpoint to a weights-only file"`
	DType         string  `arg:"--dtype" default:"float32" help:"precision of --export_weights: float16, float32 or float64"`
}

// Description implements arg.Described.
func (Args) Description() string {
	return "Reports on checkpoints saved by the harness."
}

func main() {
	klog.InitFlags(nil)
	var args Args
	arg.MustParse(&args)
	err := exceptions.TryCatch[error](func() { report(&args) })
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

// report runs the selected reports and actions. It panics on errors.
func report(args *Args) {
	paths := must.M1(ResolveCheckpoints(args.Paths...))
	if args.Perturb != 0 {
		for _, path := range paths {
			must.M(PerturbParams(path, args.Perturb, args.Seed))
			fmt.Fprintf(Output, "Perturbed %s\n", path)
		}
	}
	if args.ExportWeights != "" {
		if len(paths) != 1 {
			panic(errors.Errorf("--export_weights requires exactly one checkpoint, got %d", len(paths)))
		}
		dtype := must.M1(checkpoints.ParseDType(args.DType))
		must.M(ExportWeights(paths[0], args.ExportWeights, dtype))
		fmt.Fprintf(Output, "Weights of %s exported to %s\n", paths[0], args.ExportWeights)
	}
	if !(args.Config || args.Params || args.Metrics || args.Plot != "" || args.Perturb != 0 || args.ExportWeights != "") {
		args.Summary = true
	}

	names := MinimalUniquePaths(paths...)
	if args.Summary || args.Config || args.Params {
		ckpts := make([]*checkpoints.Checkpoint, len(paths))
		for ii, path := range paths {
			ckpts[ii] = must.M1(checkpoints.Load(path))
		}
		if args.Summary {
			printTitled("Summary", Summary(ckpts, names))
		}
		if args.Config {
			printTitled("Configuration", ConfigTable(ckpts, names))
		}
		if args.Params {
			for ii, ckpt := range ckpts {
				printTitled(fmt.Sprintf("Parameters of %s", names[ii]), ParamsTable(ckpt))
			}
		}
	}

	if args.Metrics || args.Plot != "" {
		runs := must.M1(LoadRuns(paths))
		if args.Metrics {
			filter := must.M1(NewMetricsFilter(args.MetricsNames, args.MetricsTypes))
			printTitled("Metrics", MetricsTable(runs, filter))
		}
		if args.Plot != "" {
			must.M(PlotRuns(runs, args.Plot))
			fmt.Fprintf(Output, "Losses plotted to %s\n", args.Plot)
		}
	}
}

func printTitled(title, table string) {
	fmt.Fprintln(Output, titleStyle.Render(title))
	fmt.Fprintln(Output, table)
}

// ResolveCheckpoints returns the base paths of the checkpoints referred to by paths. A path can be
// a checkpoint (with or without the ".json" suffix), a directory of checkpoints, or a run
// directory with a "checkpoints" subdirectory.
func ResolveCheckpoints(paths ...string) ([]string, error) {
	var bases []string
	for _, path := range paths {
		path, err := fsutil.ReplaceTildeInDir(path)
		if err != nil {
			return nil, err
		}
		isDir, err := fsutil.IsDir(path)
		if err != nil {
			return nil, err
		}
		if !isDir {
			bases = append(bases, checkpoints.BasePath(path))
			continue
		}
		found, err := checkpoints.List(path)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			subDir := filepath.Join(path, checkpoints.DirName)
			if isSubDir, _ := fsutil.IsDir(subDir); isSubDir {
				if found, err = checkpoints.List(subDir); err != nil {
					return nil, err
				}
			}
		}
		if len(found) == 0 {
			return nil, errors.Errorf("no checkpoints found in %q", path)
		}
		bases = append(bases, found...)
	}
	return bases, nil
}

// RunDir returns the directory of the training run that saved the checkpoint: the parent of the
// "checkpoints" directory, or the checkpoint's own directory otherwise.
func RunDir(checkpointPath string) string {
	dir := filepath.Dir(checkpointPath)
	if filepath.Base(dir) == checkpoints.DirName {
		return filepath.Dir(dir)
	}
	return dir
}
