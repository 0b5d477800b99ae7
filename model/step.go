// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
)

// ForwardStep performs one timestep of the decoding pipeline.
//
// It takes the encoded image, the embedded previous word and the current
// state, and returns the vocabulary logits, the next state and, for
// architectures that expose them, the attention weights over the regions
// (nil otherwise). The given state is left untouched.
//
// When train is true the dropout mask is applied before the output
// projection.
func (m *Model) ForwardStep(img *EncodedImage, prevWordEmbedding mat.Tensor, state *State, train bool) (scores mat.Tensor, next *State, alphas mat.Tensor) {
	switch m.Config.Architecture {
	case TopDownRanking:
		return m.forwardStepRanking(img, prevWordEmbedding, state, train)
	default:
		return m.forwardStepTopDown(img, prevWordEmbedding, state, train)
	}
}

func (m *Model) forwardStepTopDown(img *EncodedImage, prevWordEmbedding mat.Tensor, state *State, train bool) (mat.Tensor, *State, mat.Tensor) {
	attIn := ag.Concat(state.Language.Hidden, img.VMean, prevWordEmbedding)
	att := m.AttentionLSTM.Next(state.Attention, attIn)

	vHat, alphas := m.Attention.Forward(img.Regions, att.Hidden)

	lang := m.LanguageLSTM.Next(state.Language, ag.Concat(att.Hidden, vHat))
	scores := m.outputScores(lang.Hidden, train)

	return scores, &State{Attention: att, Language: lang}, alphas
}

func (m *Model) forwardStepRanking(img *EncodedImage, prevWordEmbedding mat.Tensor, state *State, train bool) (mat.Tensor, *State, mat.Tensor) {
	langEnc := m.LanguageEncodingLSTM.Next(state.LangEncoding, prevWordEmbedding)

	attIn := ag.Concat(state.Language.Hidden, img.VMean, langEnc.Hidden)
	att := m.AttentionLSTM.Next(state.Attention, attIn)

	vHat, _ := m.Attention.Forward(img.Regions, att.Hidden)

	lang := m.LanguageLSTM.Next(state.Language, ag.Concat(att.Hidden, vHat))
	scores := m.outputScores(lang.Hidden, train)

	// This architecture does not expose attention weights.
	return scores, &State{LangEncoding: langEnc, Attention: att, Language: lang}, nil
}

func (m *Model) outputScores(hidden mat.Tensor, train bool) mat.Tensor {
	if train && m.Config.DropoutRatio > 0 {
		hidden = ag.Dropout(hidden, m.Config.DropoutRatio)
	}
	return m.Output.Forward(hidden)[0]
}
