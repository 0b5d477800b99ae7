// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decoder drives the captioning model over time: teacher-forced and
// free-running unrolling for training, and beam search for inference.
package decoder

import (
	"fmt"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/rs/zerolog/log"

	"github.com/nilinykh/compositional-image-captioning/model"
	"github.com/nilinykh/compositional-image-captioning/wordmap"
)

// Driver unrolls the model's step function over a batch of images.
type Driver struct {
	model   *model.Model
	wordMap *wordmap.WordMap
}

// NewDriver returns a new sequence driver for the given model and word map.
func NewDriver(m *model.Model, wm *wordmap.WordMap) (*Driver, error) {
	if m.Config.VocabSize != wm.Size() {
		return nil, fmt.Errorf("model vocabulary size %d does not match word map size %d", m.Config.VocabSize, wm.Size())
	}
	return &Driver{model: m, wordMap: wm}, nil
}

// Model returns the driven model.
func (d *Driver) Model() *model.Model { return d.model }

// ForwardResult is the outcome of one batched forward pass.
type ForwardResult struct {
	// Scores holds the vocabulary logits per example and timestep.
	// Positions at or beyond an example's decode length are nil and must
	// be masked out of any loss computation.
	Scores [][]mat.Tensor
	// DecodeLengths is the effective decode length per example.
	DecodeLengths []int
	// Alphas holds the per-step attention weights per example, for
	// architectures that expose them (nil otherwise).
	Alphas [][]mat.Tensor
	// ImageEmbeddings and CaptionEmbeddings are the L2-normalized joint
	// embeddings, populated only by ForwardJoint.
	ImageEmbeddings   []mat.Tensor
	CaptionEmbeddings []mat.Tensor
}

// ForwardTeacherForced unrolls the model over target captions for training.
//
// At timestep t the previous word fed to the step function is the ground
// truth token at position t with probability TeacherForcingRatio, and the
// model's own previous top-1 prediction otherwise. The step function runs
// decodeLengths[b] times for example b; an example with decode length 0
// contributes no score rows.
func (d *Driver) ForwardTeacherForced(features [][]mat.Tensor, targetCaptions [][]int, decodeLengths []int) (*ForwardResult, error) {
	if err := checkBatch(features, targetCaptions, decodeLengths); err != nil {
		return nil, err
	}

	res := &ForwardResult{
		Scores:        make([][]mat.Tensor, len(features)),
		DecodeLengths: append([]int(nil), decodeLengths...),
		Alphas:        make([][]mat.Tensor, len(features)),
	}

	for b := range features {
		scores, alphas, err := d.unrollExample(features[b], targetCaptions[b], decodeLengths[b])
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", b, err)
		}
		res.Scores[b] = scores
		res.Alphas[b] = alphas
	}
	if !d.model.ProducesAlphas() {
		res.Alphas = nil
	}
	return res, nil
}

// ForwardJoint performs the teacher-forced pass and additionally produces
// the normalized image and caption embeddings for the ranking objective.
// It is only available on the ranking architecture.
func (d *Driver) ForwardJoint(features [][]mat.Tensor, targetCaptions [][]int, decodeLengths []int) (*ForwardResult, error) {
	res, err := d.ForwardTeacherForced(features, targetCaptions, decodeLengths)
	if err != nil {
		return nil, err
	}

	res.CaptionEmbeddings, err = d.model.EmbedCaptions(targetCaptions, decodeLengths)
	if err != nil {
		return nil, err
	}
	res.ImageEmbeddings = make([]mat.Tensor, len(features))
	for b := range features {
		img, err := d.model.EmbedImages(features[b])
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", b, err)
		}
		res.ImageEmbeddings[b] = img.VMean
	}
	return res, nil
}

func (d *Driver) unrollExample(features []mat.Tensor, targetCaption []int, decodeLength int) (scores, alphas []mat.Tensor, err error) {
	if decodeLength > 0 && decodeLength >= len(targetCaption) {
		return nil, nil, fmt.Errorf("decode length %d requires %d caption positions, got %d", decodeLength, decodeLength+1, len(targetCaption))
	}

	img, err := d.model.EmbedImages(features)
	if err != nil {
		return nil, nil, err
	}
	state := d.model.InitState(img)

	scores = make([]mat.Tensor, decodeLength)
	alphas = make([]mat.Tensor, decodeLength)
	prevWord := d.wordMap.StartID()

	for t := 0; t < decodeLength; t++ {
		prevWordEmbedding, err := d.model.EmbedWord(prevWord)
		if err != nil {
			return nil, nil, err
		}
		var alpha mat.Tensor
		scores[t], state, alpha = d.model.ForwardStep(img, prevWordEmbedding, state, true)
		alphas[t] = alpha

		if d.useGroundTruth() {
			prevWord = targetCaption[t+1]
		} else {
			prevWord = argmax(scores[t])
		}
	}
	return scores, alphas, nil
}

// useGroundTruth draws the per-step teacher forcing decision.
func (d *Driver) useGroundTruth() bool {
	ratio := d.model.Config.TeacherForcingRatio
	if ratio >= 1 {
		return true
	}
	if ratio <= 0 {
		return false
	}
	return rand.Float[float64]() < ratio
}

// ForwardFreeRunning unrolls the model feeding back its own top-1
// predictions, starting from the start token. Decoding stops per example as
// soon as the end token is emitted, or after MaxCaptionLen steps; the step
// that emits the end token is included in the effective decode length.
func (d *Driver) ForwardFreeRunning(features [][]mat.Tensor) (*ForwardResult, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	maxLen := d.model.Config.MaxCaptionLen
	res := &ForwardResult{
		Scores:        make([][]mat.Tensor, len(features)),
		DecodeLengths: make([]int, len(features)),
		Alphas:        make([][]mat.Tensor, len(features)),
	}

	for b := range features {
		img, err := d.model.EmbedImages(features[b])
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", b, err)
		}
		state := d.model.InitState(img)
		prevWord := d.wordMap.StartID()

		length := maxLen
		for t := 0; t < maxLen; t++ {
			prevWordEmbedding, err := d.model.EmbedWord(prevWord)
			if err != nil {
				return nil, err
			}
			scores, nextState, alpha := d.model.ForwardStep(img, prevWordEmbedding, state, false)
			state = nextState
			res.Scores[b] = append(res.Scores[b], scores)
			res.Alphas[b] = append(res.Alphas[b], alpha)

			prevWord = argmax(scores)
			if prevWord == d.wordMap.EndID() {
				length = t + 1
				break
			}
		}
		res.DecodeLengths[b] = length
		log.Trace().Int("example", b).Int("decodeLength", length).Msg("free-running decode finished")
	}
	if !d.model.ProducesAlphas() {
		res.Alphas = nil
	}
	return res, nil
}

func checkBatch(features [][]mat.Tensor, targetCaptions [][]int, decodeLengths []int) error {
	if len(features) == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(features) != len(targetCaptions) || len(features) != len(decodeLengths) {
		return fmt.Errorf("batch size mismatch: %d feature sets, %d captions, %d decode lengths",
			len(features), len(targetCaptions), len(decodeLengths))
	}
	for b, l := range decodeLengths {
		if l < 0 {
			return fmt.Errorf("example %d: negative decode length %d", b, l)
		}
	}
	return nil
}

func argmax(scores mat.Tensor) int {
	return scores.Value().(mat.Matrix).ArgMax()
}
