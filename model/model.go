// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package model implements the captioning decoder: the recurrent cells, the
// visual attention wiring and the per-timestep step function, for both the
// plain top-down architecture and the joint ranking/generation one.
package model

import (
	"encoding/gob"
	"fmt"
	"path/filepath"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/embedding"
	"github.com/nlpodyssey/spago/nn/linear"

	"github.com/nilinykh/compositional-image-captioning/attention"
	"github.com/nilinykh/compositional-image-captioning/lstm"
)

var _ nn.Model = &Model{}

// Model is the captioning decoder.
type Model struct {
	nn.Module
	Config Config

	// Embeddings is the word embedding table.
	Embeddings *embedding.Model
	// ImageEmbedding projects region features into the joint space
	// (top-down-ranking only, nil otherwise).
	ImageEmbedding *linear.Model
	// LanguageEncodingLSTM encodes the caption history
	// (top-down-ranking only, nil otherwise).
	LanguageEncodingLSTM *lstm.Model
	// AttentionLSTM drives the visual attention module.
	AttentionLSTM *lstm.Model
	// LanguageLSTM generates the next-word representation.
	LanguageLSTM *lstm.Model
	// Attention computes the per-step visual context vector.
	Attention *attention.Model
	// Output maps the language cell's hidden state to vocabulary logits.
	Output *linear.Model

	// Learned projections from the pooled image embedding to the initial
	// (hidden, memory) pairs of the attention and language cells.
	InitHAttention *linear.Model
	InitCAttention *linear.Model
	InitHLanguage  *linear.Model
	InitCLanguage  *linear.Model
}

// State is the decoder state: one (hidden, memory) pair per recurrent cell
// in the pipeline. LangEncoding is nil for the two-cell architecture.
// States are never mutated by a step; each step returns a fresh State, so
// several hypotheses may branch from a common one.
type State struct {
	LangEncoding *lstm.State
	Attention    *lstm.State
	Language     *lstm.State
}

// EncodedImage is one image as the decoder consumes it: the (possibly
// projected) region features and their pooled mean embedding.
type EncodedImage struct {
	Regions []mat.Tensor
	VMean   mat.Tensor
}

func init() {
	gob.Register(&Model{})
}

// New returns a new decoder with zeroed parameters, wired for the configured
// architecture. Dimension mismatches are impossible afterwards: every cell's
// input size is derived here.
func New[T float.DType](c Config) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	vis := c.visualSize()
	m := &Model{
		Config:     c,
		Embeddings: embedding.New[T](c.VocabSize, c.WordEmbeddingsSize),
		Attention: attention.New[T](attention.Config{
			FeaturesSize: vis,
			ControlSize:  c.AttentionLSTMSize,
			HiddenSize:   c.AttentionLayerSize,
		}),
		LanguageLSTM: lstm.New[T](lstm.Config{
			InputSize:  c.AttentionLSTMSize + vis,
			HiddenSize: c.LanguageLSTMSize,
		}),
		Output:         linear.New[T](c.LanguageLSTMSize, c.VocabSize),
		InitHAttention: linear.New[T](vis, c.AttentionLSTMSize),
		InitCAttention: linear.New[T](vis, c.AttentionLSTMSize),
		InitHLanguage:  linear.New[T](vis, c.LanguageLSTMSize),
		InitCLanguage:  linear.New[T](vis, c.LanguageLSTMSize),
	}

	switch c.Architecture {
	case TopDown:
		// The attention cell sees the previous word embedding directly.
		m.AttentionLSTM = lstm.New[T](lstm.Config{
			InputSize:  c.LanguageLSTMSize + vis + c.WordEmbeddingsSize,
			HiddenSize: c.AttentionLSTMSize,
		})
	case TopDownRanking:
		m.ImageEmbedding = linear.New[T](c.ImageFeaturesSize, vis)
		m.LanguageEncodingLSTM = lstm.New[T](lstm.Config{
			InputSize:  c.WordEmbeddingsSize,
			HiddenSize: c.JointEmbeddingsSize,
		})
		// The attention cell sees the caption history through the
		// language-encoding cell instead of the raw word embedding.
		m.AttentionLSTM = lstm.New[T](lstm.Config{
			InputSize:  c.LanguageLSTMSize + vis + c.JointEmbeddingsSize,
			HiddenSize: c.AttentionLSTMSize,
		})
	}
	return m, nil
}

// ProducesAlphas reports whether ForwardStep exposes per-step attention
// weights for this architecture.
func (m *Model) ProducesAlphas() bool {
	return m.Config.Architecture == TopDown
}

// EmbedImages prepares one image's region features for decoding: for the
// ranking architecture the regions are projected into the joint space and
// the pooled mean is L2-normalized; for plain top-down the raw features are
// used as-is.
func (m *Model) EmbedImages(features []mat.Tensor) (*EncodedImage, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("cannot embed an image without region features")
	}

	regions := features
	if m.Config.Architecture == TopDownRanking {
		regions = make([]mat.Tensor, len(features))
		for i, f := range features {
			regions[i] = m.ImageEmbedding.Forward(f)[0]
		}
	}

	vMean := regions[0]
	for _, r := range regions[1:] {
		vMean = ag.Add(vMean, r)
	}
	vMean = ag.ProdScalar(vMean, mat.Scalar(1/float64(len(regions))))
	if m.Config.Architecture == TopDownRanking {
		vMean = l2Normalize(vMean)
	}

	return &EncodedImage{Regions: regions, VMean: vMean}, nil
}

// InitState derives the initial decoder state from the pooled image
// embedding. The language-encoding cell always starts from zero.
func (m *Model) InitState(img *EncodedImage) *State {
	s := &State{
		Attention: &lstm.State{
			Hidden: m.InitHAttention.Forward(img.VMean)[0],
			Cell:   m.InitCAttention.Forward(img.VMean)[0],
		},
		Language: &lstm.State{
			Hidden: m.InitHLanguage.Forward(img.VMean)[0],
			Cell:   m.InitCLanguage.Forward(img.VMean)[0],
		},
	}
	if m.Config.Architecture == TopDownRanking {
		s.LangEncoding = m.LanguageEncodingLSTM.NewState()
	}
	return s
}

// EmbedWords returns the embedding vectors of the given token ids.
func (m *Model) EmbedWords(ids []int) ([]mat.Tensor, error) {
	embedded, err := m.Embeddings.Encode(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to embed tokens %v: %w", ids, err)
	}
	return embedded, nil
}

// EmbedWord returns the embedding vector of a single token id.
func (m *Model) EmbedWord(id int) (mat.Tensor, error) {
	embedded, err := m.EmbedWords([]int{id})
	if err != nil {
		return nil, err
	}
	return embedded[0], nil
}

// Load loads a decoder model from the given directory.
func Load(dir string) (*Model, error) {
	return loadFromFile(filepath.Join(dir, DefaultModelFilename))
}

func l2Normalize(x mat.Tensor) mat.Tensor {
	return ag.DivScalar(x, ag.Sqrt(ag.ReduceSum(ag.Square(x))))
}
