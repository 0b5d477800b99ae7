// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstm

import (
	"math"
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalarCell(t *testing.T) *Model {
	t.Helper()
	m := New[float64](Config{InputSize: 1, HiddenSize: 1})
	one := func() *nn.Param {
		return nn.NewParam(mat.NewDense[float64](mat.WithShape(1, 1), mat.WithBacking([]float64{1})))
	}
	m.WIn, m.WFor, m.WOut, m.WCand = one(), one(), one(), one()
	return m
}

func TestNextScalar(t *testing.T) {
	m := scalarCell(t)
	state := m.NewState()

	x := mat.NewDense[float64](mat.WithBacking([]float64{1}))
	next := m.Next(state, x)

	// All recurrent weights and biases are zero, so every gate is
	// sigmoid(1) and the candidate is tanh(1).
	gate := 1.0 / (1.0 + math.Exp(-1.0))
	wantCell := gate * math.Tanh(1.0)
	wantHidden := gate * math.Tanh(wantCell)

	assert.InDelta(t, wantCell, next.Cell.Value().Data().F64()[0], 1e-12)
	assert.InDelta(t, wantHidden, next.Hidden.Value().Data().F64()[0], 1e-12)

	// The previous state must not have been mutated.
	assert.Equal(t, 0.0, state.Hidden.Value().Data().F64()[0])
	assert.Equal(t, 0.0, state.Cell.Value().Data().F64()[0])
}

func TestForwardMatchesRepeatedNext(t *testing.T) {
	m := scalarCell(t)
	xs := []mat.Tensor{
		mat.NewDense[float64](mat.WithBacking([]float64{0.5})),
		mat.NewDense[float64](mat.WithBacking([]float64{-1})),
		mat.NewDense[float64](mat.WithBacking([]float64{2})),
	}

	ys, last := m.Forward(nil, xs...)
	require.Len(t, ys, 3)

	state := m.NewState()
	for i, x := range xs {
		state = m.Next(state, x)
		assert.InDelta(t, state.Hidden.Value().Data().F64()[0], ys[i].Value().Data().F64()[0], 1e-12, "step %d", i)
	}
	assert.InDelta(t, state.Cell.Value().Data().F64()[0], last.Cell.Value().Data().F64()[0], 1e-12)
}

func TestBranchingStatesAreIndependent(t *testing.T) {
	m := scalarCell(t)
	root := m.Next(m.NewState(), mat.NewDense[float64](mat.WithBacking([]float64{1})))

	a := m.Next(root, mat.NewDense[float64](mat.WithBacking([]float64{2})))
	b := m.Next(root, mat.NewDense[float64](mat.WithBacking([]float64{-2})))

	assert.NotEqual(t, a.Hidden.Value().Data().F64()[0], b.Hidden.Value().Data().F64()[0])
	// Branching from root twice must leave root intact.
	c := m.Next(root, mat.NewDense[float64](mat.WithBacking([]float64{2})))
	assert.Equal(t, a.Hidden.Value().Data().F64()[0], c.Hidden.Value().Data().F64()[0])
}
