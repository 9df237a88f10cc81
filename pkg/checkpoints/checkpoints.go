// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and loads composer checkpoints, and implements the policy that
// decides which checkpoints to keep during training.
//
// A checkpoint is made of two files sharing a base name:
//
//   - "<base>.json": metadata, with the composer kind, its configuration snapshot, the epoch, step
//     and metrics when it was saved, and the index of the parameters.
//   - "<base>.bin": the parameter values, little-endian float64s, gzip compressed.
//
// A checkpoint can be referred to by its base name or by the path to the ".json" file.
//
// The package also reads and writes weights-only files (see SaveWeights and LoadWeights), used to
// initialize a composer from pretrained weights.
package checkpoints

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/harness/pkg/config"
	"github.com/gomlx/harness/pkg/support/fsutil"
)

var (
	// ErrLoad is returned when a checkpoint or weights file can't be read.
	ErrLoad = errors.New("failed to load checkpoint")

	// ErrShapeMismatch is returned when loaded parameters don't match the shapes expected by a composer.
	ErrShapeMismatch = errors.New("parameter shape mismatch")
)

const (
	jsonNameSuffix = ".json"
	dataSuffix     = ".bin"
)

// Checkpoint is the state of a composer saved at some point of training.
type Checkpoint struct {
	// Kind is the registered name of the composer.
	Kind string

	// Config is the composer configuration snapshot.
	Config map[string]any

	Epoch, Step int
	Metrics     map[string]float64
	CreatedAt   time.Time

	Params Params
}

// serializedData is how the metadata is read and written from storage.
type serializedData struct {
	Kind      string
	Config    map[string]any
	Epoch     int
	Step      int
	Metrics   map[string]float64 `json:",omitempty"`
	CreatedAt time.Time
	Params    []serializedParam
}

// serializedParam has the name, shape and position (in number of values) of a tensor in the data file.
type serializedParam struct {
	Name       string
	Shape      []int
	Pos, Count int
}

// BasePath returns the checkpoint base path, without the ".json" suffix.
func BasePath(path string) string {
	return strings.TrimSuffix(path, jsonNameSuffix)
}

// Save writes the checkpoint files "<base>.json" and "<base>.bin". The directory is created if needed.
func Save(base string, ckpt *Checkpoint) error {
	base = BasePath(base)
	if err := ckpt.Params.Validate(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", base)
	}
	if err := fsutil.EnsureDir(filepath.Dir(base)); err != nil {
		return err
	}
	serialized := serializedData{
		Kind:      ckpt.Kind,
		Config:    ckpt.Config,
		Epoch:     ckpt.Epoch,
		Step:      ckpt.Step,
		Metrics:   finiteMetrics(ckpt.Metrics),
		CreatedAt: ckpt.CreatedAt,
		Params:    make([]serializedParam, len(ckpt.Params)),
	}
	if serialized.CreatedAt.IsZero() {
		serialized.CreatedAt = time.Now()
	}

	dataFileName := base + dataSuffix
	dataFile, err := os.Create(dataFileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint data file %s", dataFileName)
	}
	gz := gzip.NewWriter(dataFile)
	w := bufio.NewWriter(gz)
	pos := 0
	var buf [8]byte
	for ii, t := range ckpt.Params {
		serialized.Params[ii] = serializedParam{Name: t.Name, Shape: t.Shape, Pos: pos, Count: len(t.Values)}
		for _, v := range t.Values {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			if _, err = w.Write(buf[:]); err != nil {
				_ = dataFile.Close()
				return errors.Wrapf(err, "failed to write parameter %q to %s", t.Name, dataFileName)
			}
		}
		pos += len(t.Values)
	}
	if err = w.Flush(); err == nil {
		err = gz.Close()
	}
	if err != nil {
		_ = dataFile.Close()
		return errors.Wrapf(err, "failed to write checkpoint data file %s", dataFileName)
	}
	if err = dataFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint data file %s", dataFileName)
	}

	// Metadata is written last: a checkpoint is only listed once it is complete.
	jsonFileName := base + jsonNameSuffix
	contents, err := json.MarshalIndent(&serialized, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint metadata for %s", jsonFileName)
	}
	if err = os.WriteFile(jsonFileName, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write checkpoint metadata file %s", jsonFileName)
	}
	return nil
}

// LoadMetadata reads only the metadata of a checkpoint: Params are returned with shapes but no values.
func LoadMetadata(path string) (*Checkpoint, error) {
	ckpt, _, err := loadMetadata(path)
	return ckpt, err
}

func loadMetadata(path string) (*Checkpoint, []serializedParam, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, nil, errors.WithMessagef(ErrLoad, "%v", err)
	}
	jsonFileName := BasePath(path) + jsonNameSuffix
	contents, err := os.ReadFile(jsonFileName)
	if err != nil {
		return nil, nil, errors.WithMessagef(ErrLoad, "reading %s: %v", jsonFileName, err)
	}
	var serialized serializedData
	dec := json.NewDecoder(strings.NewReader(string(contents)))
	dec.UseNumber()
	if err = dec.Decode(&serialized); err != nil {
		return nil, nil, errors.WithMessagef(ErrLoad, "decoding %s: %v", jsonFileName, err)
	}
	ckpt := &Checkpoint{
		Kind:      serialized.Kind,
		Config:    config.NormalizeMap(serialized.Config),
		Epoch:     serialized.Epoch,
		Step:      serialized.Step,
		Metrics:   serialized.Metrics,
		CreatedAt: serialized.CreatedAt,
		Params:    make(Params, len(serialized.Params)),
	}
	pos := 0
	for ii, p := range serialized.Params {
		if !p.valid(pos) {
			return nil, nil, errors.WithMessagef(ErrLoad, "%s: corrupted index for parameter %q", jsonFileName, p.Name)
		}
		ckpt.Params[ii] = Tensor{Name: p.Name, Shape: p.Shape}
		pos += p.Count
	}
	return ckpt, serialized.Params, nil
}

// finiteMetrics returns the metrics that can be encoded in JSON: NaN and Inf values are dropped.
func finiteMetrics(metrics map[string]float64) map[string]float64 {
	finite := make(map[string]float64, len(metrics))
	for name, value := range metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			klog.V(1).Infof("metric %q=%g not stored in checkpoint", name, value)
			continue
		}
		finite[name] = value
	}
	return finite
}

// valid reports whether the index entry starts at pos and its count matches its shape.
func (p serializedParam) valid(pos int) bool {
	if p.Pos != pos || p.Count < 0 {
		return false
	}
	size := 1
	for _, dim := range p.Shape {
		if dim < 0 || (dim > 0 && size > math.MaxInt/dim) {
			return false
		}
		size *= dim
	}
	return size == p.Count
}

// Load reads a checkpoint, given its base path or the path to its ".json" file.
// Errors are reported as ErrLoad.
func Load(path string) (*Checkpoint, error) {
	ckpt, index, err := loadMetadata(path)
	if err != nil {
		return nil, err
	}
	path, _ = fsutil.ReplaceTildeInDir(path)
	dataFileName := BasePath(path) + dataSuffix
	dataFile, err := os.Open(dataFileName)
	if err != nil {
		return nil, errors.WithMessagef(ErrLoad, "opening %s: %v", dataFileName, err)
	}
	defer func() { _ = dataFile.Close() }()
	gz, err := gzip.NewReader(bufio.NewReader(dataFile))
	if err != nil {
		return nil, errors.WithMessagef(ErrLoad, "reading %s: %v", dataFileName, err)
	}
	r := bufio.NewReader(gz)
	var buf [8]byte
	for ii, p := range index {
		// Grown while reading, so a bogus count fails on a short read.
		values := make([]float64, 0, min(p.Count, 1<<20))
		for range p.Count {
			if _, err = io.ReadFull(r, buf[:]); err != nil {
				return nil, errors.WithMessagef(ErrLoad, "%s: reading parameter %q: %v", dataFileName, p.Name, err)
			}
			values = append(values, math.Float64frombits(binary.LittleEndian.Uint64(buf[:])))
		}
		ckpt.Params[ii].Values = values
	}
	if err = ckpt.Params.Validate(); err != nil {
		return nil, errors.WithMessagef(ErrLoad, "%s: %v", dataFileName, err)
	}
	return ckpt, nil
}

// Remove deletes the files of a checkpoint. Missing files are not an error.
func Remove(path string) error {
	base := BasePath(path)
	for _, fileName := range []string{base + jsonNameSuffix, base + dataSuffix} {
		if err := os.Remove(fileName); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "failed to remove checkpoint file %q", fileName)
		}
	}
	return nil
}

// List returns the base paths of the checkpoints in dir, sorted by name.
func List(dir string) ([]string, error) {
	files, err := fsutil.FindFilesByExtension(dir, jsonNameSuffix)
	if err != nil {
		return nil, err
	}
	var bases []string
	for _, file := range files {
		base := BasePath(file)
		if exists, _ := fsutil.FileExists(base + dataSuffix); exists {
			bases = append(bases, base)
		}
	}
	sort.Strings(bases)
	return bases, nil
}
