// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"fmt"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/losses"
	"github.com/nlpodyssey/spago/mat"
)

// CrossEntropyLoss computes the generation loss of a forward pass: the mean
// cross-entropy between each valid score row and the target token that
// follows it in the caption (targets start with <start>, so the gold label
// for timestep t is position t+1).
//
// Positions at or beyond an example's decode length are excluded. A batch
// with no valid positions at all yields a zero loss.
func CrossEntropyLoss(scores [][]mat.Tensor, targetCaptions [][]int, decodeLengths []int) (mat.Tensor, error) {
	if len(scores) != len(targetCaptions) || len(scores) != len(decodeLengths) {
		return nil, fmt.Errorf("batch size mismatch: %d score rows, %d captions, %d decode lengths",
			len(scores), len(targetCaptions), len(decodeLengths))
	}

	var sum mat.Tensor
	count := 0
	for b := range scores {
		if l := decodeLengths[b]; l > 0 && l >= len(targetCaptions[b]) {
			return nil, fmt.Errorf("example %d: decode length %d requires %d caption positions, got %d", b, l, l+1, len(targetCaptions[b]))
		}
		for t := 0; t < decodeLengths[b]; t++ {
			if t >= len(scores[b]) || scores[b][t] == nil {
				return nil, fmt.Errorf("example %d: missing score row for timestep %d within decode length %d", b, t, decodeLengths[b])
			}
			loss := losses.CrossEntropy(scores[b][t], targetCaptions[b][t+1])
			if sum == nil {
				sum = loss
			} else {
				sum = ag.Add(sum, loss)
			}
			count++
		}
	}
	if count == 0 {
		return mat.Scalar(0.0), nil
	}
	return ag.DivScalar(sum, mat.Scalar(float64(count))), nil
}

// TopKAccuracy computes the fraction (as a percentage) of valid timesteps
// where the target token is among the k highest-scoring ones.
func TopKAccuracy(scores [][]mat.Tensor, targetCaptions [][]int, decodeLengths []int, k int) (float64, error) {
	if k < 1 {
		return 0, fmt.Errorf("k must be at least 1, got %d", k)
	}
	if len(scores) != len(targetCaptions) || len(scores) != len(decodeLengths) {
		return 0, fmt.Errorf("batch size mismatch: %d score rows, %d captions, %d decode lengths",
			len(scores), len(targetCaptions), len(decodeLengths))
	}
	correct, count := 0, 0
	for b := range scores {
		if l := decodeLengths[b]; l > 0 && l >= len(targetCaptions[b]) {
			return 0, fmt.Errorf("example %d: decode length %d requires %d caption positions, got %d", b, l, l+1, len(targetCaptions[b]))
		}
		for t := 0; t < decodeLengths[b]; t++ {
			data := scores[b][t].Value().Data().F64()
			target := targetCaptions[b][t+1]
			higher := 0
			for id, v := range data {
				if v > data[target] || (v == data[target] && id < target) {
					higher++
				}
			}
			if higher < k {
				correct++
			}
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return 100 * float64(correct) / float64(count), nil
}
