// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"context"
	"math"
	"testing"

	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilinykh/compositional-image-captioning/model"
)

func refLogSoftmax(logits []float64) []float64 {
	max := math.Inf(-1)
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(v - max)
	}
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = v - max - math.Log(sum)
	}
	return out
}

func TestBeamSearch_ArgumentErrors(t *testing.T) {
	d := testDriver(t, model.TopDown)

	_, err := d.BeamSearch(context.Background(), testFeatures(3, 4), 0, BeamOptions{})
	assert.Error(t, err)

	_, err = d.BeamSearch(context.Background(), nil, 2, BeamOptions{})
	assert.Error(t, err)
}

func TestBeamSearch_StoreAlphasUnsupportedOnRanking(t *testing.T) {
	d := testDriver(t, model.TopDownRanking)

	_, err := d.BeamSearch(context.Background(), testFeatures(3, 4), 2, BeamOptions{StoreAlphas: true})
	assert.Error(t, err)
}

func TestBeamSearch_WidthOneMatchesGreedyDecoding(t *testing.T) {
	d := testDriver(t, model.TopDown)
	bias := []float64{0.1, 0.2, -5, 0.4, 0.5, 0.6, 0.7, 2}
	setOutputBias(d, bias)

	features := testFeatures(3, 4)
	res, err := d.BeamSearch(context.Background(), features, 1, BeamOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hypotheses, 1)

	greedy, err := d.ForwardFreeRunning([][]mat.Tensor{features})
	require.NoError(t, err)

	wantSequence := []int{d.wordMap.StartID()}
	for _, s := range greedy.Scores[0] {
		wantSequence = append(wantSequence, s.Value().(mat.Matrix).ArgMax())
	}
	assert.Equal(t, wantSequence, res.Hypotheses[0].Sequence)

	// With zeroed weights the logits equal the bias on every step.
	ls := refLogSoftmax(bias)
	assert.InDelta(t, float64(len(greedy.Scores[0]))*ls[7], res.Hypotheses[0].Score, 1e-9)
}

func TestBeamSearch_EarlyCompletionShrinksBeam(t *testing.T) {
	d := testDriver(t, model.TopDown)
	bias := []float64{0, 0, 5, 0, 0, 0, 0, 0}
	setOutputBias(d, bias)

	res, err := d.BeamSearch(context.Background(), testFeatures(3, 4), 2, BeamOptions{StoreBeam: true})
	require.NoError(t, err)
	require.Len(t, res.Hypotheses, 2)

	// The end token (id 2) dominates, so the best hypothesis completes on
	// the first step; the runner-up survives one more step with the lowest
	// remaining token id, then completes too.
	ls := refLogSoftmax(bias)
	assert.Equal(t, []int{1, 2}, res.Hypotheses[0].Sequence)
	assert.InDelta(t, ls[2], res.Hypotheses[0].Score, 1e-9)
	assert.Equal(t, []int{1, 0, 2}, res.Hypotheses[1].Sequence)
	assert.InDelta(t, ls[0]+ls[2], res.Hypotheses[1].Score, 1e-9)

	// The live beam shrinks as hypotheses complete, and never grows back.
	prev := math.MaxInt
	for _, beam := range res.Beam {
		assert.LessOrEqual(t, len(beam), prev)
		prev = len(beam)
	}
}

func TestBeamSearch_DeterministicTieBreak(t *testing.T) {
	d := testDriver(t, model.TopDown)
	// Uniform logits: candidates tie on score everywhere, so selection must
	// fall back to lowest token id, then earliest hypothesis.

	res, err := d.BeamSearch(context.Background(), testFeatures(3, 4), 2, BeamOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hypotheses, 2)

	// No end token ever wins a tie against id 0, so both hypotheses are
	// finalized at the length cap without one. The runner-up diverges on
	// the first step and then follows id 0 like the winner.
	assert.Equal(t, []int{1, 0, 0, 0, 0}, res.Hypotheses[0].Sequence)
	assert.Equal(t, []int{1, 1, 0, 0, 0}, res.Hypotheses[1].Sequence)

	uniform := refLogSoftmax(make([]float64, 8))
	assert.InDelta(t, 4*uniform[0], res.Hypotheses[0].Score, 1e-9)
}

func TestBeamSearch_StoresAlphas(t *testing.T) {
	d := testDriver(t, model.TopDown)
	setOutputBias(d, []float64{0, 0, -5, 0, 3, 0, 0, 0})

	res, err := d.BeamSearch(context.Background(), testFeatures(5, 4), 2, BeamOptions{StoreAlphas: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hypotheses)

	h := res.Hypotheses[0]
	require.Len(t, h.Alphas, len(h.Sequence)-1)
	for i, alpha := range h.Alphas {
		require.Equal(t, 5, alpha.Value().Size(), "step %d", i)
		sum := 0.0
		for _, w := range alpha.Value().Data().F64() {
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "step %d", i)
	}
}

func TestBeamSearch_MaxStepsOption(t *testing.T) {
	d := testDriver(t, model.TopDown)
	setOutputBias(d, []float64{0, 0, -5, 0, 3, 0, 0, 0})

	res, err := d.BeamSearch(context.Background(), testFeatures(3, 4), 1, BeamOptions{MaxSteps: 2})
	require.NoError(t, err)
	require.Len(t, res.Hypotheses, 1)
	assert.Len(t, res.Hypotheses[0].Sequence, 3) // <start> plus two steps
}

func TestBeamSearch_CanceledContext(t *testing.T) {
	d := testDriver(t, model.TopDown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.BeamSearch(ctx, testFeatures(3, 4), 2, BeamOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompletedSet_EvictsMinimumOnlyForBetter(t *testing.T) {
	cs := newCompletedSet(2)
	cs.add(Hypothesis{Sequence: []int{1}, Score: -1})
	cs.add(Hypothesis{Sequence: []int{2}, Score: -3})
	cs.add(Hypothesis{Sequence: []int{3}, Score: -2}) // evicts -3
	cs.add(Hypothesis{Sequence: []int{4}, Score: -5}) // rejected

	got := cs.sorted()
	require.Len(t, got, 2)
	assert.Equal(t, -1.0, got[0].Score)
	assert.Equal(t, -2.0, got[1].Score)
}
