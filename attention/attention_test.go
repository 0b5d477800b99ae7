// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package attention

import (
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel() *Model {
	m := New[float64](Config{FeaturesSize: 2, ControlSize: 2, HiddenSize: 2})
	m.WFeatures = nn.NewParam(mat.NewDense[float64](mat.WithShape(2, 2), mat.WithBacking([]float64{
		0.7, -0.3,
		0.1, 0.9,
	})))
	m.WControl = nn.NewParam(mat.NewDense[float64](mat.WithShape(2, 2), mat.WithBacking([]float64{
		-0.2, 0.4,
		0.5, 0.3,
	})))
	m.V = nn.NewParam(mat.NewDense[float64](mat.WithBacking([]float64{1.1, -0.6})))
	m.B = nn.NewParam(mat.NewDense[float64](mat.WithBacking([]float64{0.05})))
	return m
}

func regions(vals ...[]float64) []mat.Tensor {
	out := make([]mat.Tensor, len(vals))
	for i, v := range vals {
		out[i] = mat.NewDense[float64](mat.WithBacking(v))
	}
	return out
}

func TestWeightsSumToOne(t *testing.T) {
	m := newTestModel()

	// batch=4 in the caller's terms is four independent forward calls;
	// each must produce a distribution over its regions.
	controls := [][]float64{{0.1, 0.2}, {-1, 2}, {3, -0.5}, {0, 0}}
	for bi, c := range controls {
		feats := make([][]float64, 36)
		for i := range feats {
			feats[i] = []float64{float64(i%5) - 2, float64(i%7) * 0.25}
		}
		_, weights := m.Forward(regions(feats...), mat.NewDense[float64](mat.WithBacking(c)))

		data := weights.Value().Data().F64()
		require.Len(t, data, 36, "example %d", bi)
		sum := 0.0
		for _, w := range data {
			assert.GreaterOrEqual(t, w, 0.0)
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "example %d", bi)
	}
}

func TestContextIsWeightedSumOfFeatures(t *testing.T) {
	m := newTestModel()
	feats := regions([]float64{1, 0}, []float64{0, 1}, []float64{2, 2})
	control := mat.NewDense[float64](mat.WithBacking([]float64{0.3, -0.7}))

	context, weights := m.Forward(feats, control)

	w := weights.Value().Data().F64()
	ctx := context.Value().Data().F64()
	require.Len(t, ctx, 2)

	want0 := w[0]*1 + w[1]*0 + w[2]*2
	want1 := w[0]*0 + w[1]*1 + w[2]*2
	assert.InDelta(t, want0, ctx[0], 1e-10)
	assert.InDelta(t, want1, ctx[1], 1e-10)
}

func TestSingleRegionGetsFullWeight(t *testing.T) {
	m := newTestModel()
	feats := regions([]float64{0.5, -0.5})
	control := mat.NewDense[float64](mat.WithBacking([]float64{1, 1}))

	context, weights := m.Forward(feats, control)
	assert.InDelta(t, 1.0, weights.Value().Data().F64()[0], 1e-10)
	assert.InDelta(t, 0.5, context.Value().Data().F64()[0], 1e-10)
	assert.InDelta(t, -0.5, context.Value().Data().F64()[1], 1e-10)
}
