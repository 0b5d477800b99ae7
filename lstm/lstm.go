// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lstm implements a single gated recurrent cell.
//
// A cell update takes an input vector and the previous (hidden, memory) pair
// and produces a new pair. Higher components compose several cells into the
// decoding pipeline and own the states for the duration of one sequence.
package lstm

import (
	"encoding/gob"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &Model{}

// Model is a gated recurrent cell.
type Model struct {
	nn.Module
	WIn      *nn.Param
	WInRec   *nn.Param
	BIn      *nn.Param
	WFor     *nn.Param
	WForRec  *nn.Param
	BFor     *nn.Param
	WOut     *nn.Param
	WOutRec  *nn.Param
	BOut     *nn.Param
	WCand    *nn.Param
	WCandRec *nn.Param
	BCand    *nn.Param
	Config   Config
}

// Config is the configuration of the cell.
type Config struct {
	InputSize  int
	HiddenSize int
}

// State is the (hidden, memory) pair of one cell.
type State struct {
	Hidden mat.Tensor
	Cell   mat.Tensor
}

func init() {
	gob.Register(&Model{})
}

// New returns a new cell with zeroed parameters.
func New[T float.DType](c Config) *Model {
	newGate := func() (w, wRec, b *nn.Param) {
		w = nn.NewParam(mat.NewDense[T](mat.WithShape(c.HiddenSize, c.InputSize)))
		wRec = nn.NewParam(mat.NewDense[T](mat.WithShape(c.HiddenSize, c.HiddenSize)))
		b = nn.NewParam(mat.NewDense[T](mat.WithShape(c.HiddenSize)))
		return
	}
	m := &Model{Config: c}
	m.WIn, m.WInRec, m.BIn = newGate()
	m.WFor, m.WForRec, m.BFor = newGate()
	m.WOut, m.WOutRec, m.BOut = newGate()
	m.WCand, m.WCandRec, m.BCand = newGate()
	return m
}

// NewState returns a zero (hidden, memory) pair for this cell.
func (m *Model) NewState() *State {
	return &State{
		Hidden: mat.NewDense[float32](mat.WithShape(m.Config.HiddenSize)),
		Cell:   mat.NewDense[float32](mat.WithShape(m.Config.HiddenSize)),
	}
}

// Next performs one cell update. The previous state is left untouched, so
// several successors may branch from the same state.
func (m *Model) Next(state *State, x mat.Tensor) *State {
	inG := ag.Sigmoid(ag.Add(ag.Add(ag.Mul(m.WIn, x), ag.Mul(m.WInRec, state.Hidden)), m.BIn))
	forG := ag.Sigmoid(ag.Add(ag.Add(ag.Mul(m.WFor, x), ag.Mul(m.WForRec, state.Hidden)), m.BFor))
	outG := ag.Sigmoid(ag.Add(ag.Add(ag.Mul(m.WOut, x), ag.Mul(m.WOutRec, state.Hidden)), m.BOut))
	cand := ag.Tanh(ag.Add(ag.Add(ag.Mul(m.WCand, x), ag.Mul(m.WCandRec, state.Hidden)), m.BCand))

	cell := ag.Add(ag.Prod(forG, state.Cell), ag.Prod(inG, cand))
	return &State{
		Hidden: ag.Prod(outG, ag.Tanh(cell)),
		Cell:   cell,
	}
}

// Forward runs the cell over a whole sequence starting from the given state
// and returns the hidden vector of every step together with the last state.
func (m *Model) Forward(state *State, xs ...mat.Tensor) ([]mat.Tensor, *State) {
	if state == nil {
		state = m.NewState()
	}
	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		state = m.Next(state, x)
		ys[i] = state.Hidden
	}
	return ys, state
}
