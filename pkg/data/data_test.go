// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/harness/pkg/config"
)

func rangeDataset(t *testing.T, n int) *InMemory {
	t.Helper()
	examples := make([]Example, n)
	for ii := range examples {
		examples[ii] = Example{Inputs: []float64{float64(ii)}, Labels: []float64{float64(2 * ii)}}
	}
	ds, err := NewInMemory("range", examples)
	require.NoError(t, err)
	return ds
}

// readEpoch returns the first input of every example in the epoch, and the batch sizes.
func readEpoch(t *testing.T, loader *Loader) (values []int, sizes []int) {
	t.Helper()
	for {
		batch, err := loader.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Equal(t, len(sizes), batch.Index)
		sizes = append(sizes, batch.Size())
		for ii, inputs := range batch.Inputs {
			values = append(values, int(inputs[0]))
			assert.Equal(t, 2*inputs[0], batch.Labels[ii][0])
		}
	}
}

func TestLoaderBatching(t *testing.T) {
	ds := rangeDataset(t, 10)
	loader := NewLoader(ds, 4)
	assert.Equal(t, 3, loader.Len())
	values, sizes := readEpoch(t, loader)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, values)
	assert.Equal(t, []int{4, 4, 2}, sizes)

	// Without Reset the epoch is over.
	_, err := loader.Yield()
	assert.Equal(t, io.EOF, err)

	loader.Reset()
	values, _ = readEpoch(t, loader)
	assert.Len(t, values, 10)

	dropLast := NewLoader(ds, 4).DropLast()
	assert.Equal(t, 2, dropLast.Len())
	_, sizes = readEpoch(t, dropLast)
	assert.Equal(t, []int{4, 4}, sizes)

	assert.Equal(t, 1, NewLoader(ds, 0).BatchSize())
}

func TestLoaderShuffle(t *testing.T) {
	ds := rangeDataset(t, 50)
	loader := NewLoader(ds, 8).Shuffle(7)
	epoch1, _ := readEpoch(t, loader)
	loader.Reset()
	epoch2, _ := readEpoch(t, loader)
	assert.NotEqual(t, epoch1, epoch2, "each epoch should be reshuffled")
	assert.ElementsMatch(t, epoch1, epoch2)

	sorted := slices.Sorted(slices.Values(epoch1))
	for ii, v := range sorted {
		require.Equal(t, ii, v)
	}

	// Same seed, same order.
	again, _ := readEpoch(t, NewLoader(ds, 8).Shuffle(7))
	assert.Equal(t, epoch1, again)
}

func TestLoaderWorkersKeepOrder(t *testing.T) {
	ds := rangeDataset(t, 33)
	for _, workers := range []int{0, 1, 4} {
		values, _ := readEpoch(t, NewLoader(ds, 5).NumWorkers(workers))
		for ii, v := range values {
			require.Equal(t, ii, v, "workers=%d", workers)
		}
	}
}

type failingDataset struct{ *InMemory }

func (f failingDataset) Example(i int) (Example, error) {
	if i == 3 {
		return Example{}, errors.New("corrupted example")
	}
	return f.InMemory.Example(i)
}

func TestLoaderError(t *testing.T) {
	loader := NewLoader(failingDataset{rangeDataset(t, 6)}, 2).NumWorkers(2)
	_, err := loader.Yield()
	require.NoError(t, err)
	_, err = loader.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted example")
}

func TestInMemory(t *testing.T) {
	ds := rangeDataset(t, 3)
	ex, err := ds.Example(1)
	require.NoError(t, err)
	assert.Equal(t, "000001", ex.ID)
	ex.Inputs[0] = 100
	again, _ := ds.Example(1)
	assert.Equal(t, 1.0, again.Inputs[0])

	_, err = ds.Example(3)
	assert.True(t, errors.Is(err, ErrIndex))
	_, err = ds.Example(-1)
	assert.True(t, errors.Is(err, ErrIndex))

	_, err = NewInMemory("bad", []Example{{Inputs: []float64{1}}, {Inputs: []float64{1, 2}}})
	require.Error(t, err)
}

func TestSynthetic(t *testing.T) {
	ds, err := New(KindSynthetic, []any{20}, map[string]any{"num_features": 3, "seed": 1})
	require.NoError(t, err)
	assert.Equal(t, 20, ds.Len())
	ex, err := ds.Example(0)
	require.NoError(t, err)
	assert.Len(t, ex.Inputs, 3)
	assert.Len(t, ex.Labels, 1)

	// Deterministic for the same seed.
	ds2, err := New(KindSynthetic, []any{20}, map[string]any{"num_features": 3, "seed": 1})
	require.NoError(t, err)
	ex2, _ := ds2.Example(0)
	assert.Equal(t, ex, ex2)

	cls, err := New(KindSynthetic, nil, map[string]any{"task": "classification", "num_examples": 30})
	require.NoError(t, err)
	for ii := range cls.Len() {
		ex, err := cls.Example(ii)
		require.NoError(t, err)
		assert.Contains(t, []float64{0, 1}, ex.Labels[0])
	}

	_, err = New(KindSynthetic, nil, map[string]any{"unknown_option": 1})
	assert.True(t, errors.Is(err, config.ErrKey))
	_, err = New(KindSynthetic, nil, map[string]any{"task": "ranking"})
	assert.True(t, errors.Is(err, config.ErrKey))
	_, err = New("no_such_kind", nil, nil)
	assert.True(t, errors.Is(err, ErrUnknownKind))
	assert.Contains(t, Kinds(), KindCSV)
}

func TestCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "houses.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,rooms,area,price\nh1,3,100.5,200\nh2,2,80,150\n"), 0644))
	ds, err := New(KindCSV, []any{path}, map[string]any{"label_columns": []any{"price"}, "id_column": "id"})
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	ex, err := ds.Example(0)
	require.NoError(t, err)
	assert.Equal(t, Example{ID: "h1", Inputs: []float64{3, 100.5}, Labels: []float64{200}}, ex)

	ds, err = New(KindCSV, nil, map[string]any{"path": path, "feature_columns": []any{"area"}, "label_columns": []any{"price"}})
	require.NoError(t, err)
	ex, err = ds.Example(1)
	require.NoError(t, err)
	assert.Equal(t, Example{ID: "000001", Inputs: []float64{80}, Labels: []float64{150}}, ex)

	_, err = New(KindCSV, []any{path}, map[string]any{"label_columns": []any{"missing"}})
	assert.True(t, errors.Is(err, config.ErrKey))
	_, err = New(KindCSV, []any{path}, map[string]any{"label_columns": []any{"price"}})
	require.Error(t, err, "id column is not numeric and can't be a feature")
}

func TestLoaderIter(t *testing.T) {
	loader := NewLoader(rangeDataset(t, 5), 2)
	for range 2 {
		var indices, sizes []int
		for batch, err := range loader.Iter() {
			require.NoError(t, err)
			indices = append(indices, batch.Index)
			sizes = append(sizes, batch.Size())
		}
		assert.Equal(t, []int{0, 1, 2}, indices)
		assert.Equal(t, []int{2, 2, 1}, sizes)
	}

	// Breaking early also resets the loader.
	for range loader.Iter() {
		break
	}
	batch, err := loader.Yield()
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Index)
}
