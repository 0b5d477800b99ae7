// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"fmt"

	"github.com/nlpodyssey/spago/mat"
)

// EmbedCaptions runs the language-encoding cell alone over each ground-truth
// caption and returns one L2-normalized caption embedding per example: the
// cell's hidden state after the example's last content token (position
// decodeLengths[i]-1 of the caption, which starts with <start>).
//
// Every example's embedding must be populated exactly once; an example whose
// decode length is not in [1, len(caption)] makes that impossible and is
// reported as an error instead of yielding a silent zero vector.
func (m *Model) EmbedCaptions(captions [][]int, decodeLengths []int) ([]mat.Tensor, error) {
	if m.Config.Architecture != TopDownRanking {
		return nil, fmt.Errorf("caption embedding is not supported for the %s architecture", m.Config.Architecture)
	}
	if len(captions) != len(decodeLengths) {
		return nil, fmt.Errorf("got %d captions but %d decode lengths", len(captions), len(decodeLengths))
	}

	embedded := make([]mat.Tensor, len(captions))
	for i, caption := range captions {
		length := decodeLengths[i]
		if length < 1 || length > len(caption) {
			return nil, fmt.Errorf("example %d: decode length %d cannot select a caption embedding (caption has %d positions)", i, length, len(caption))
		}

		state := m.LanguageEncodingLSTM.NewState()
		for t := 0; t < length; t++ {
			wordEmbedding, err := m.EmbedWord(caption[t])
			if err != nil {
				return nil, err
			}
			state = m.LanguageEncodingLSTM.Next(state, wordEmbedding)
		}
		embedded[i] = l2Normalize(state.Hidden)
	}
	return embedded, nil
}
