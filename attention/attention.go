// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package attention implements visual attention over image-region features.
package attention

import (
	"encoding/gob"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
)

var _ nn.Model = &Model{}

// Model scores each image region against a control vector and produces a
// single attention-weighted context vector.
type Model struct {
	nn.Module
	WFeatures *nn.Param // hidden x features
	WControl  *nn.Param // hidden x control
	V         *nn.Param // scoring vector, size hidden
	B         *nn.Param // scoring bias, scalar
	Config    Config
}

// Config is the configuration of the attention module.
type Config struct {
	FeaturesSize int
	ControlSize  int
	HiddenSize   int
}

func init() {
	gob.Register(&Model{})
}

// New returns a new attention module with zeroed parameters.
func New[T float.DType](c Config) *Model {
	return &Model{
		Config:    c,
		WFeatures: nn.NewParam(mat.NewDense[T](mat.WithShape(c.HiddenSize, c.FeaturesSize))),
		WControl:  nn.NewParam(mat.NewDense[T](mat.WithShape(c.HiddenSize, c.ControlSize))),
		V:         nn.NewParam(mat.NewDense[T](mat.WithShape(c.HiddenSize))),
		B:         nn.NewParam(mat.NewDense[T](mat.WithShape(1))),
	}
}

// Forward computes the context vector for the given region features and
// control vector. It returns the context together with the normalized
// per-region weight distribution, which sums to 1 over the regions.
func (m *Model) Forward(features []mat.Tensor, control mat.Tensor) (context, weights mat.Tensor) {
	ctrl := ag.Mul(m.WControl, control)

	scores := make([]mat.Tensor, len(features))
	for i, f := range features {
		activated := ag.Tanh(ag.Add(ag.Mul(m.WFeatures, f), ctrl))
		scores[i] = ag.Add(ag.Dot(m.V, activated), m.B)
	}

	weights = ag.Softmax(ag.Concat(scores...))
	context = ag.Mul(ag.T(ag.Stack(features...)), weights)
	return
}
