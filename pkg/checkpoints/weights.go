// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/harness/pkg/support/fsutil"
)

// DType is the precision used to store values in a weights file.
type DType uint8

const (
	Float16 DType = 1
	Float32 DType = 2
	Float64 DType = 3
)

// String implements fmt.Stringer.
func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return "invalid"
}

// ParseDType converts "float16", "float32" or "float64" to a DType.
func ParseDType(s string) (DType, error) {
	for _, d := range []DType{Float16, Float32, Float64} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, errors.Errorf("unknown weights dtype %q, expected float16, float32 or float64", s)
}

// Size in bytes of one value.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// weightsMagic starts every weights file, followed by the format version.
const (
	weightsMagic   = "HWTS"
	weightsVersion = uint32(1)
)

// SaveWeights writes params to a single weights-only file, with values stored with the given precision.
//
// Layout, little-endian: magic "HWTS", version (uint32), number of tensors (uint32), and then
// for each tensor: name length (uint32), name, dtype (uint8), rank (uint32), dimensions (uint32 each)
// and the values.
func SaveWeights(path string, params Params, dtype DType) error {
	if dtype.Size() == 0 {
		return errors.Errorf("invalid weights dtype %d", dtype)
	}
	if err := params.Validate(); err != nil {
		return errors.WithMessagef(err, "saving weights %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create weights file")
	}
	w := bufio.NewWriter(f)
	le := binary.LittleEndian
	writeU32 := func(v uint32) {
		if err == nil {
			err = binary.Write(w, le, v)
		}
	}
	if _, err = w.WriteString(weightsMagic); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write weights file %q", path)
	}
	writeU32(weightsVersion)
	writeU32(uint32(len(params)))
	buf := make([]byte, 8)
	for _, t := range params {
		writeU32(uint32(len(t.Name)))
		if err == nil {
			_, err = w.WriteString(t.Name)
		}
		if err == nil {
			err = w.WriteByte(byte(dtype))
		}
		writeU32(uint32(len(t.Shape)))
		for _, dim := range t.Shape {
			writeU32(uint32(dim))
		}
		for _, v := range t.Values {
			if err != nil {
				break
			}
			switch dtype {
			case Float16:
				le.PutUint16(buf, float16.Fromfloat32(float32(v)).Bits())
			case Float32:
				le.PutUint32(buf, math.Float32bits(float32(v)))
			case Float64:
				le.PutUint64(buf, math.Float64bits(v))
			}
			_, err = w.Write(buf[:dtype.Size()])
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write weights file %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close weights file %q", path)
}

// LoadWeights reads a file written by SaveWeights. Values are converted to float64.
// Errors are reported as ErrLoad.
func LoadWeights(path string) (Params, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, errors.WithMessagef(ErrLoad, "%v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithMessagef(ErrLoad, "opening weights file: %v", err)
	}
	defer func() { _ = f.Close() }()
	params, err := readWeights(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(ErrLoad, "weights file %q: %v", path, err)
	}
	return params, nil
}

// Limits checked before allocating memory for values read from a weights file.
const (
	maxWeightsNameLen = 1 << 16
	maxWeightsRank    = 16
)

func readWeights(r io.Reader) (Params, error) {
	le := binary.LittleEndian
	magic := make([]byte, len(weightsMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	if string(magic) != weightsMagic {
		return nil, errors.Errorf("not a weights file (magic %q)", magic)
	}
	var version, count uint32
	if err := binary.Read(r, le, &version); err != nil {
		return nil, errors.Wrap(err, "reading version")
	}
	if version != weightsVersion {
		return nil, errors.Errorf("unsupported weights file version %d", version)
	}
	if err := binary.Read(r, le, &count); err != nil {
		return nil, errors.Wrap(err, "reading number of tensors")
	}
	params := make(Params, 0, min(int(count), 1024))
	for range count {
		var nameLen uint32
		if err := binary.Read(r, le, &nameLen); err != nil {
			return nil, errors.Wrap(err, "reading tensor name")
		}
		if nameLen > maxWeightsNameLen {
			return nil, errors.Errorf("invalid tensor name length %d", nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, errors.Wrap(err, "reading tensor name")
		}
		var header struct {
			DType DType
			Rank  uint32
		}
		if err := binary.Read(r, le, &header); err != nil {
			return nil, errors.Wrapf(err, "reading tensor %q", name)
		}
		if header.DType.Size() == 0 || header.Rank > maxWeightsRank {
			return nil, errors.Errorf("tensor %q: invalid dtype %d or rank %d", name, header.DType, header.Rank)
		}
		dims := make([]uint32, header.Rank)
		if err := binary.Read(r, le, dims); err != nil {
			return nil, errors.Wrapf(err, "reading tensor %q shape", name)
		}
		var shape []int
		for _, dim := range dims {
			shape = append(shape, int(dim))
		}
		t := Tensor{Name: string(name), Shape: shape, Values: make([]float64, 0, min(ShapeSize(shape), 1<<20))}
		buf := make([]byte, header.DType.Size())
		for range ShapeSize(shape) {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, errors.Wrapf(err, "reading tensor %q values", name)
			}
			var v float64
			switch header.DType {
			case Float16:
				v = float64(float16.Frombits(le.Uint16(buf)).Float32())
			case Float32:
				v = float64(math.Float32frombits(le.Uint32(buf)))
			case Float64:
				v = math.Float64frombits(le.Uint64(buf))
			}
			t.Values = append(t.Values, v)
		}
		params = append(params, t)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}
