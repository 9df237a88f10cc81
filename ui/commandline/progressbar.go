// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/data"
	"github.com/gomlx/harness/pkg/train"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	totalAmount      int

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	linesPrinted     int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	finishOnce       sync.Once

	extraMetricFns []ExtraMetricFn
}

const ProgressBarName = "harness.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount     int
	step       string
	medianStep time.Duration
	names      []string
	values     []string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

func (pBar *progressBar) onStart(loop *train.Loop, _ *data.Loader) error {
	pBar.lastStepReported = loop.LoopStep
	if loop.EndStep < 0 {
		pBar.numSteps = -1 // Unknown until the end of the first epoch.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(Output),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics composer.Metrics) error {
	// Check whether it is finished.
	if pBar.bar.IsFinished() {
		return nil
	}

	// Check whether there is something to update.
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	if loop.EndStep > 0 && pBar.numSteps != loop.EndStep-loop.StartStep {
		// The number of steps became known (or changed) at the end of an epoch.
		pBar.numSteps = loop.EndStep - loop.StartStep
		pBar.bar.ChangeMax(pBar.numSteps)
	}

	// Create and enqueue an update to be asynchronously printed.
	update := progressBarUpdate{
		amount:     amount,
		step:       fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep)), humanizeEndStep(loop.EndStep)),
		medianStep: loop.MedianTrainStepDuration(),
		names:      metrics.Keys(),
	}
	for _, name := range update.names {
		update.values = append(update.values, PrettyPrint(metrics[name]))
	}
	pBar.updates <- update

	// Add the number of steps run since last time.
	pBar.totalAmount += amount
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ composer.Metrics) error {
	pBar.finish()
	return nil
}

func (pBar *progressBar) onAbort(_ *train.Loop, _ error) {
	pBar.finish()
}

// finish stops the drawing goroutine and restores the cursor. Only the first call has any effect.
func (pBar *progressBar) finish() {
	pBar.finishOnce.Do(func() {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.termenv.ShowCursor()
		_, _ = fmt.Fprintln(Output)
	})
}

// drawUpdates asynchronously draws updates: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Global Step", update.step)
		pBar.statsTable.Row("Median train step duration", FormatDuration(update.medianStep))
		for ii, name := range update.names {
			pBar.statsTable.Row(name, update.values[ii])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if pBar.linesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.linesPrinted)
		}
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(Output, rendered)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(Output)
		pBar.linesPrinted = lipgloss.Height(rendered) + 1
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and metrics.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(Output),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so things are not blocked.
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()

	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at most 1000 times during the loop, or at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
	loop.OnAbort(ProgressBarName, 0, pBar.onAbort)
}

func humanizeEndStep(endStep int) string {
	if endStep < 0 {
		return "?"
	}
	return humanize.Comma(int64(endStep))
}

// BatchProgressBar displays the progress over the batches of a loader, e.g. during prediction.
type BatchProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewBatchProgressBar creates a progress bar for total batches. If total < 0 the number of batches is unknown.
func NewBatchProgressBar(total int, description string) *BatchProgressBar {
	return &BatchProgressBar{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(Output),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetTheme(ProgressbarStyle),
			progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(Output) }),
		),
	}
}

// Add n batches done.
func (b *BatchProgressBar) Add(n int) {
	_ = b.bar.Add(n)
}

// Finish fills the bar to completion.
func (b *BatchProgressBar) Finish() {
	_ = b.bar.Finish()
}
