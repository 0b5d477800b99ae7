// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/nlpodyssey/spago/mat"
	"github.com/rs/zerolog/log"

	"github.com/nilinykh/compositional-image-captioning/model"
)

// BeamOptions controls one beam search run.
type BeamOptions struct {
	// StoreAlphas records the per-step attention weights of every
	// returned hypothesis. It is rejected on architectures that do not
	// expose attention weights.
	StoreAlphas bool
	// StoreBeam records a snapshot of the live beam after every step.
	StoreBeam bool
	// PrintBeam logs the live beam after every step.
	PrintBeam bool
	// MaxSteps optionally caps the number of decoding steps below the
	// model's MaxCaptionLen. Zero means no extra cap.
	MaxSteps int
}

// Hypothesis is one completed candidate caption.
type Hypothesis struct {
	// Sequence is the token id sequence, including <start> and, when the
	// hypothesis completed on its own, the final <end>.
	Sequence []int
	// Score is the cumulative log-probability of the sequence.
	Score float64
	// Alphas holds one attention-weight distribution per generated token,
	// when requested.
	Alphas []mat.Tensor
}

// BeamResult is the outcome of one beam search run.
type BeamResult struct {
	// Hypotheses are the retained sequences, sorted by score descending.
	// The best hypothesis is Hypotheses[0].
	Hypotheses []Hypothesis
	// Beam holds the live beam after each step, when requested.
	Beam [][]Hypothesis
}

// beamHypothesis is a live hypothesis during the search. Sequence and alpha
// slices are copied on branch; states are never mutated after creation, so
// siblings may share the state produced by their common parent's step.
type beamHypothesis struct {
	sequence []int
	score    float64
	state    *model.State
	alphas   []mat.Tensor
}

// candidate is one proposed continuation of a live hypothesis.
type candidate struct {
	parent  int
	tokenID int
	score   float64
}

// BeamSearch generates the top-beamSize captions for a single image,
// supplied as its region feature vectors.
//
// Scores are summed log-probabilities. The search starts from a single
// hypothesis holding only the start token and expands it to the full beam
// width on the first step; afterwards the live width shrinks as hypotheses
// complete. Ties among candidates are broken deterministically by lowest
// token id, then by earliest hypothesis index.
func (d *Driver) BeamSearch(ctx context.Context, features []mat.Tensor, beamSize int, opts BeamOptions) (*BeamResult, error) {
	if beamSize < 1 {
		return nil, fmt.Errorf("beam size must be at least 1, got %d", beamSize)
	}
	if opts.StoreAlphas && !d.model.ProducesAlphas() {
		return nil, fmt.Errorf("storage of attention weights is not supported for the %s architecture", d.model.Config.Architecture)
	}

	img, err := d.model.EmbedImages(features)
	if err != nil {
		return nil, err
	}

	maxSteps := d.model.Config.MaxCaptionLen
	if opts.MaxSteps > 0 && opts.MaxSteps < maxSteps {
		maxSteps = opts.MaxSteps
	}

	active := []beamHypothesis{{
		sequence: []int{d.wordMap.StartID()},
		score:    0,
		state:    d.model.InitState(img),
	}}
	completed := newCompletedSet(beamSize)
	width := beamSize

	result := &BeamResult{}

	for step := 0; step < maxSteps && len(active) > 0; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		candidates, nextStates, nextAlphas, err := d.expand(img, active, width)
		if err != nil {
			return nil, err
		}

		nextActive := make([]beamHypothesis, 0, len(candidates))
		for _, c := range candidates {
			parent := active[c.parent]
			h := beamHypothesis{
				sequence: appendToken(parent.sequence, c.tokenID),
				score:    c.score,
				state:    nextStates[c.parent],
			}
			if opts.StoreAlphas {
				h.alphas = appendAlpha(parent.alphas, nextAlphas[c.parent])
			}
			if c.tokenID == d.wordMap.EndID() {
				completed.add(h.finalize())
				width--
				continue
			}
			nextActive = append(nextActive, h)
		}
		active = nextActive

		if opts.StoreBeam {
			result.Beam = append(result.Beam, finalizeAll(active))
		}
		if opts.PrintBeam {
			d.printBeam(step, active)
		}
	}

	// Hypotheses still alive at the step budget are finalized as-is,
	// without an end token.
	for _, h := range active {
		completed.add(h.finalize())
	}

	result.Hypotheses = completed.sorted()
	return result, nil
}

// expand runs one decoding step for every live hypothesis and returns the
// globally retained top candidates, along with each hypothesis's next state
// and attention weights.
func (d *Driver) expand(img *model.EncodedImage, active []beamHypothesis, width int) ([]candidate, []*model.State, []mat.Tensor, error) {
	nextStates := make([]*model.State, len(active))
	nextAlphas := make([]mat.Tensor, len(active))
	candidates := make([]candidate, 0, len(active)*width)

	for i, h := range active {
		prevWordEmbedding, err := d.model.EmbedWord(h.sequence[len(h.sequence)-1])
		if err != nil {
			return nil, nil, nil, err
		}
		scores, state, alpha := d.model.ForwardStep(img, prevWordEmbedding, h.state, false)
		nextStates[i] = state
		nextAlphas[i] = alpha

		logProbs := logSoftmax(scores.Value().Data().F64())
		for _, tokenID := range topTokens(logProbs, width) {
			candidates = append(candidates, candidate{
				parent:  i,
				tokenID: tokenID,
				score:   h.score + logProbs[tokenID],
			})
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.score != cb.score {
			return ca.score > cb.score
		}
		if ca.tokenID != cb.tokenID {
			return ca.tokenID < cb.tokenID
		}
		return ca.parent < cb.parent
	})
	if len(candidates) > width {
		candidates = candidates[:width]
	}
	return candidates, nextStates, nextAlphas, nil
}

func (d *Driver) printBeam(step int, active []beamHypothesis) {
	for i, h := range active {
		tokens, err := d.wordMap.DecodeCaption(h.sequence)
		if err != nil {
			log.Debug().Int("step", step).Int("rank", i).Ints("ids", h.sequence).Float64("score", h.score).Msg("beam")
			continue
		}
		log.Debug().
			Int("step", step).
			Int("rank", i).
			Str("caption", strings.Join(tokens, " ")).
			Float64("score", h.score).
			Msg("beam")
	}
}

func (h beamHypothesis) finalize() Hypothesis {
	return Hypothesis{
		Sequence: h.sequence,
		Score:    h.score,
		Alphas:   h.alphas,
	}
}

func finalizeAll(hs []beamHypothesis) []Hypothesis {
	out := make([]Hypothesis, len(hs))
	for i, h := range hs {
		out[i] = h.finalize()
	}
	return out
}

func appendToken(sequence []int, tokenID int) []int {
	out := make([]int, len(sequence)+1)
	copy(out, sequence)
	out[len(sequence)] = tokenID
	return out
}

func appendAlpha(alphas []mat.Tensor, alpha mat.Tensor) []mat.Tensor {
	out := make([]mat.Tensor, len(alphas)+1)
	copy(out, alphas)
	out[len(alphas)] = alpha
	return out
}

// topTokens returns the ids of the k highest log-probabilities, ordered by
// value descending with ties broken by lowest id.
func topTokens(logProbs []float64, k int) []int {
	if k > len(logProbs) {
		k = len(logProbs)
	}
	ids := make([]int, len(logProbs))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		if logProbs[ids[a]] != logProbs[ids[b]] {
			return logProbs[ids[a]] > logProbs[ids[b]]
		}
		return ids[a] < ids[b]
	})
	return ids[:k]
}

// logSoftmax computes a numerically stable log-softmax over raw logits.
func logSoftmax(logits []float64) []float64 {
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
	logSum := max + math.Log(sum)

	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = v - logSum
	}
	return out
}

// completedSet retains at most max completed hypotheses; once full, a new
// hypothesis replaces the current minimum only if it scores higher.
type completedSet struct {
	max   int
	items []Hypothesis
}

func newCompletedSet(max int) *completedSet {
	return &completedSet{max: max}
}

func (cs *completedSet) add(h Hypothesis) {
	if len(cs.items) < cs.max {
		cs.items = append(cs.items, h)
		return
	}
	min := 0
	for i := 1; i < len(cs.items); i++ {
		if cs.items[i].Score < cs.items[min].Score {
			min = i
		}
	}
	if h.Score > cs.items[min].Score {
		cs.items[min] = h
	}
}

func (cs *completedSet) sorted() []Hypothesis {
	out := append([]Hypothesis(nil), cs.items...)
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Score > out[b].Score
	})
	return out
}
