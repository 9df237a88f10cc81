// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linear implements two reference composers, trained with stochastic gradient descent on
// float64 values in the CPU:
//
//   - LinearRegressor: linear model with mean squared error loss.
//   - LogisticRegressor: linear model with a sigmoid, binary cross-entropy loss and accuracy.
//
// Both accept a baseline composer (a Scorer, e.g. another linear composer): its scores are added to
// their own, so they learn the residual. And both load pretrained weights by name from a weights file.
package linear

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/checkpoints"
	"github.com/gomlx/harness/pkg/composer"
	"github.com/gomlx/harness/pkg/data"
	"github.com/gomlx/harness/pkg/device"
)

// Registered composer kinds.
const (
	RegressorKind = "LinearRegressor"
	LogisticKind  = "LogisticRegressor"
)

// Names of the parameters.
const (
	WeightsParam = "weights"
	BiasParam    = "bias"
)

func init() {
	composer.Register(RegressorKind, func(cfg Config) (composer.Composer, error) {
		return NewRegressor(cfg), nil
	})
	composer.Register(LogisticKind, func(cfg Config) (composer.Composer, error) {
		return NewLogistic(cfg), nil
	})
}

// Scorer is implemented by composers that can be used as the baseline of a linear composer: it
// returns the raw scores (before any link function) for each example of inputs.
type Scorer interface {
	Scores(inputs [][]float64) ([][]float64, error)
}

// Model is a linear model: scores = inputs x weights + bias (+ baseline scores), with
// predictions = link(scores).
type Model struct {
	kind     string
	cfg      Config
	logistic bool

	weights  checkpoints.Tensor // Shape [num_features, num_outputs].
	bias     checkpoints.Tensor // Shape [num_outputs].
	baseline Scorer
	training bool
	dev      device.Device
	steps    int
}

var (
	_ composer.Composer         = (*Model)(nil)
	_ composer.BaselineAttacher = (*Model)(nil)
	_ composer.PretrainedLoader = (*Model)(nil)
	_ composer.CPUOnly          = (*Model)(nil)
	_ Scorer                    = (*Model)(nil)
)

// NewRegressor creates a LinearRegressor.
func NewRegressor(cfg Config) *Model {
	return newModel(RegressorKind, cfg, false)
}

// NewLogistic creates a LogisticRegressor.
func NewLogistic(cfg Config) *Model {
	return newModel(LogisticKind, cfg, true)
}

func newModel(kind string, cfg Config, logistic bool) *Model {
	m := &Model{
		kind:     kind,
		cfg:      cfg,
		logistic: logistic,
		weights:  checkpoints.NewTensor(WeightsParam, cfg.NumFeatures, cfg.NumOutputs),
		bias:     checkpoints.NewTensor(BiasParam, cfg.NumOutputs),
		training: true,
		dev:      device.Select(nil),
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	for ii := range m.weights.Values {
		m.weights.Values[ii] = rng.NormFloat64() * cfg.InitScale
	}
	return m
}

// Kind implements composer.Composer.
func (m *Model) Kind() string { return m.kind }

// ConfigSnapshot implements composer.Composer.
func (m *Model) ConfigSnapshot() map[string]any { return m.cfg.snapshot(m.kind) }

// Dataset implements composer.Composer. Datasets are created with data.New, and the "synthetic" dataset
// defaults to the composer's number of features and outputs (and to the classification task for the
// LogisticRegressor). The examples must have num_features inputs and num_outputs labels.
func (m *Model) Dataset(name string, args []any, kwargs map[string]any) (data.Dataset, error) {
	if name == data.KindSynthetic {
		withDefaults := map[string]any{
			"num_features": m.cfg.NumFeatures,
			"num_outputs":  m.cfg.NumOutputs,
		}
		if m.logistic {
			withDefaults["task"] = "classification"
		}
		for key, value := range kwargs {
			withDefaults[key] = value
		}
		kwargs = withDefaults
	}
	ds, err := data.New(name, args, kwargs)
	if err != nil {
		return nil, err
	}
	if ds.Len() > 0 {
		ex, err := ds.Example(0)
		if err != nil {
			return nil, err
		}
		if len(ex.Inputs) != m.cfg.NumFeatures || len(ex.Labels) != m.cfg.NumOutputs {
			return nil, errors.Errorf("dataset %q has %d inputs and %d labels per example, composer %s expects %d and %d",
				ds.Name(), len(ex.Inputs), len(ex.Labels), m.kind, m.cfg.NumFeatures, m.cfg.NumOutputs)
		}
	}
	return ds, nil
}

// Scores implements Scorer: inputs x weights + bias, plus the baseline scores if one is attached.
func (m *Model) Scores(inputs [][]float64) ([][]float64, error) {
	numOutputs := m.cfg.NumOutputs
	scores := make([][]float64, len(inputs))
	for ii, x := range inputs {
		if len(x) != m.cfg.NumFeatures {
			return nil, errors.Errorf("%s: example #%d has %d inputs, expected %d", m.kind, ii, len(x), m.cfg.NumFeatures)
		}
		row := make([]float64, numOutputs)
		copy(row, m.bias.Values)
		for f, v := range x {
			w := m.weights.Values[f*numOutputs : (f+1)*numOutputs]
			for out := range row {
				row[out] += v * w[out]
			}
		}
		scores[ii] = row
	}
	if m.baseline != nil {
		baseScores, err := m.baseline.Scores(inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: baseline scores", m.kind)
		}
		for ii, row := range scores {
			if len(baseScores[ii]) != len(row) {
				return nil, errors.Errorf("%s: baseline returned %d scores, expected %d", m.kind, len(baseScores[ii]), len(row))
			}
			for out := range row {
				row[out] += baseScores[ii][out]
			}
		}
	}
	return scores, nil
}

// Predict returns the predictions for each example of inputs: the scores for the LinearRegressor,
// the probabilities for the LogisticRegressor.
func (m *Model) Predict(inputs [][]float64) ([][]float64, error) {
	scores, err := m.Scores(inputs)
	if err != nil {
		return nil, err
	}
	if m.logistic {
		for _, row := range scores {
			for out, z := range row {
				row[out] = sigmoid(z)
			}
		}
	}
	return scores, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// epsilon clips probabilities in the cross-entropy.
const epsilon = 1e-12

// evaluate returns the metrics of the batch, and the gradient of the loss with respect to the scores.
func (m *Model) evaluate(batch data.Batch) (composer.Metrics, [][]float64, error) {
	predictions, err := m.Predict(batch.Inputs)
	if err != nil {
		return nil, nil, err
	}
	numValues := float64(batch.Size() * m.cfg.NumOutputs)
	grads := make([][]float64, len(predictions))
	var loss, absErr, correct float64
	for ii, row := range predictions {
		labels := batch.Labels[ii]
		if len(labels) != len(row) {
			return nil, nil, errors.Errorf("%s: example %q has %d labels, expected %d", m.kind, batch.IDs[ii], len(labels), len(row))
		}
		grads[ii] = make([]float64, len(row))
		for out, p := range row {
			y := labels[out]
			if m.logistic {
				pc := min(max(p, epsilon), 1-epsilon)
				loss -= y*math.Log(pc) + (1-y)*math.Log(1-pc)
				// Gradient of the cross-entropy with respect to the score (before the sigmoid).
				grads[ii][out] = (p - y) / numValues
				if (p >= 0.5) == (y >= 0.5) {
					correct++
				}
			} else {
				diff := p - y
				loss += diff * diff
				absErr += math.Abs(diff)
				grads[ii][out] = 2 * diff / numValues
			}
		}
	}
	metrics := composer.Metrics{"loss": loss / numValues}
	if m.logistic {
		metrics["accuracy"] = correct / numValues
	} else {
		metrics["mae"] = absErr / numValues
	}
	if m.cfg.L2 > 0 {
		var sumSquares float64
		for _, w := range m.weights.Values {
			sumSquares += w * w
		}
		metrics["loss"] += m.cfg.L2 * sumSquares / 2
	}
	return metrics, grads, nil
}

// TrainStep implements composer.Composer: one step of gradient descent on the batch.
func (m *Model) TrainStep(batch data.Batch) (composer.Metrics, error) {
	if batch.Size() == 0 {
		return nil, errors.Errorf("%s: empty batch", m.kind)
	}
	metrics, grads, err := m.evaluate(batch)
	if err != nil {
		return nil, err
	}
	numOutputs := m.cfg.NumOutputs
	lr := m.cfg.LearningRate
	for f := range m.cfg.NumFeatures {
		w := m.weights.Values[f*numOutputs : (f+1)*numOutputs]
		for out := range w {
			grad := m.cfg.L2 * w[out]
			for ii, x := range batch.Inputs {
				grad += grads[ii][out] * x[f]
			}
			w[out] -= lr * grad
		}
	}
	for out := range m.bias.Values {
		var grad float64
		for ii := range batch.Inputs {
			grad += grads[ii][out]
		}
		m.bias.Values[out] -= lr * grad
	}
	m.steps++
	return metrics, nil
}

// EvalStep implements composer.Composer.
func (m *Model) EvalStep(batch data.Batch) (composer.Metrics, error) {
	metrics, _, err := m.evaluate(batch)
	return metrics, err
}

// Prediction is the contents of the file written for each example by PredictStep.
type Prediction struct {
	ID         string    `json:"id"`
	Inputs     []float64 `json:"inputs"`
	Prediction []float64 `json:"prediction"`
}

var reUnsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.=-]`)

// PredictStep implements composer.Composer: it writes one "<id>.json" file per example of the batch.
func (m *Model) PredictStep(batch data.Batch, batchIdx int, outputDir string, dev device.Device) error {
	predictions, err := m.Predict(batch.Inputs)
	if err != nil {
		return errors.WithMessagef(err, "batch #%d", batchIdx)
	}
	for ii, prediction := range predictions {
		id := batch.IDs[ii]
		if id == "" {
			id = fmt.Sprintf("%d_%d", batchIdx, ii)
		}
		contents, err := json.MarshalIndent(Prediction{ID: id, Inputs: batch.Inputs[ii], Prediction: prediction}, "", "  ")
		if err != nil {
			return errors.Wrapf(err, "encoding prediction for %q", id)
		}
		filePath := filepath.Join(outputDir, reUnsafeFileChars.ReplaceAllString(id, "_")+".json")
		if err = os.WriteFile(filePath, contents, 0644); err != nil {
			return errors.Wrapf(err, "writing prediction to %q", filePath)
		}
	}
	return nil
}

// SetTraining implements composer.Composer. Linear models have no training-only behavior, it is only recorded.
func (m *Model) SetTraining(training bool) { m.training = training }

// Training returns whether the composer is in training mode.
func (m *Model) Training() bool { return m.training }

// To implements composer.Composer. Computation always happens on the CPU.
func (m *Model) To(dev device.Device) error {
	if err := dev.Validate(); err != nil {
		return err
	}
	m.dev = dev
	return nil
}

// Device set by To.
func (m *Model) Device() device.Device { return m.dev }

// CPUOnly implements composer.CPUOnly.
func (m *Model) CPUOnly() bool { return true }

// Params implements composer.Composer.
func (m *Model) Params() checkpoints.Params {
	return checkpoints.Params{m.weights.Clone(), m.bias.Clone()}
}

// LoadParams implements composer.Composer. Both "weights" and "bias" must be present with the model's shapes.
func (m *Model) LoadParams(params checkpoints.Params) error {
	for _, t := range m.Params() {
		if _, found := params.Get(t.Name); !found {
			return errors.WithMessagef(checkpoints.ErrShapeMismatch, "%s: parameter %q missing, got %v", m.kind, t.Name, params.Names())
		}
	}
	own := checkpoints.Params{m.weights, m.bias}
	if _, err := checkpoints.CopyMatching(own, params); err != nil {
		return errors.WithMessagef(err, "%s", m.kind)
	}
	return nil
}

// AttachBaseline implements composer.BaselineAttacher. The baseline must be a Scorer with the same number
// of outputs. It is not trained.
func (m *Model) AttachBaseline(baseline composer.Composer) error {
	scorer, ok := baseline.(Scorer)
	if !ok {
		return errors.WithMessagef(composer.ErrMissingCapability, "baseline %q doesn't provide scores", baseline.Kind())
	}
	m.baseline = scorer
	klog.V(1).Infof("%s: attached baseline %s", m.kind, baseline.Kind())
	return nil
}

// LoadPretrained implements composer.PretrainedLoader: parameters of the weights file with matching names
// are copied, and at least one must match.
func (m *Model) LoadPretrained(path string) error {
	params, err := checkpoints.LoadWeights(path)
	if err != nil {
		return err
	}
	own := checkpoints.Params{m.weights, m.bias}
	copied, err := checkpoints.CopyMatching(own, params)
	if err != nil {
		return errors.WithMessagef(err, "%s: pretrained weights %q", m.kind, path)
	}
	if len(copied) == 0 {
		return errors.WithMessagef(checkpoints.ErrLoad, "%s: no parameter of %q matches %v, it has %v",
			m.kind, path, own.Names(), params.Names())
	}
	klog.V(1).Infof("%s: loaded pretrained %v from %s", m.kind, copied, path)
	return nil
}
