// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ranking implements the contrastive image-caption ranking loss
// used to train the joint embedding space.
package ranking

import (
	"fmt"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
)

// DefaultMargin is the hinge margin applied to cross-pair similarities.
const DefaultMargin = 0.2

// ContrastiveLoss is a bidirectional max-margin ranking loss over a batch of
// matched image and caption embeddings. Both embeddings are expected to be
// L2-normalized, so their dot product is the cosine similarity.
type ContrastiveLoss struct {
	// Margin is the hinge margin. Zero falls back to DefaultMargin.
	Margin float64
	// MaxViolation selects the hardest negative per row and column instead
	// of summing over all negatives.
	MaxViolation bool
}

// NewContrastiveLoss returns a loss with the default margin and
// hardest-negative mining enabled.
func NewContrastiveLoss() *ContrastiveLoss {
	return &ContrastiveLoss{
		Margin:       DefaultMargin,
		MaxViolation: true,
	}
}

// Forward computes the loss over a batch. imagesEmbedded[i] and
// captionsEmbedded[i] must be a matched pair; every other combination is
// treated as a negative. Diagonal entries never contribute to the loss.
func (l *ContrastiveLoss) Forward(imagesEmbedded, captionsEmbedded []mat.Tensor) (mat.Tensor, error) {
	n := len(imagesEmbedded)
	if n == 0 {
		return nil, fmt.Errorf("contrastive loss requires a non-empty batch")
	}
	if len(captionsEmbedded) != n {
		return nil, fmt.Errorf("mismatching batch sizes: %d images, %d captions", n, len(captionsEmbedded))
	}

	margin := l.Margin
	if margin == 0 {
		margin = DefaultMargin
	}
	marginNode := mat.Tensor(mat.Scalar(margin))

	sim := make([][]mat.Tensor, n)
	for i := range sim {
		sim[i] = make([]mat.Tensor, n)
		for j := range sim[i] {
			sim[i][j] = ag.Dot(imagesEmbedded[i], captionsEmbedded[j])
		}
	}

	var loss mat.Tensor = mat.Scalar(0.0)

	// Caption retrieval: for image i, every caption j != i must score at
	// least margin below the matched caption.
	for i := 0; i < n; i++ {
		costs := make([]mat.Tensor, 0, n-1)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			diff := ag.Sub(sim[i][j], sim[i][i])
			costs = append(costs, ag.ReLU(ag.Add(marginNode, diff)))
		}
		loss = ag.Add(loss, reduce(costs, l.MaxViolation))
	}

	// Image retrieval: for caption j, every image i != j must score at
	// least margin below the matched image.
	for j := 0; j < n; j++ {
		costs := make([]mat.Tensor, 0, n-1)
		for i := 0; i < n; i++ {
			if i == j {
				continue
			}
			diff := ag.Sub(sim[i][j], sim[j][j])
			costs = append(costs, ag.ReLU(ag.Add(marginNode, diff)))
		}
		loss = ag.Add(loss, reduce(costs, l.MaxViolation))
	}

	return loss, nil
}

func reduce(costs []mat.Tensor, maxViolation bool) mat.Tensor {
	if len(costs) == 0 {
		return mat.Scalar(0.0)
	}
	out := costs[0]
	for _, c := range costs[1:] {
		if maxViolation {
			out = ag.Max(out, c)
		} else {
			out = ag.Add(out, c)
		}
	}
	return out
}
