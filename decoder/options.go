// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decoder

import (
	"context"

	"github.com/nlpodyssey/spago/mat"
)

// DecodingOptions contains the options for caption generation.
type DecodingOptions struct {
	// BeamSize is the number of hypotheses kept alive during the search.
	BeamSize int
	// MaxSteps caps the number of decoding steps below the model's
	// maximum caption length. Zero means no extra cap.
	MaxSteps int
	// StoreAlphas records the attention weights of every returned
	// hypothesis (only supported on architectures that expose them).
	StoreAlphas bool
	// StoreBeam records a snapshot of the live beam after every step.
	StoreBeam bool
	// PrintBeam logs the live beam after every step.
	PrintBeam bool
}

// DefaultDecodingOptions returns the options commonly used for evaluation.
func DefaultDecodingOptions() DecodingOptions {
	return DecodingOptions{
		BeamSize: 5,
	}
}

// beamOptions converts the public options to the beam search knobs.
func (o DecodingOptions) beamOptions() BeamOptions {
	return BeamOptions{
		StoreAlphas: o.StoreAlphas,
		StoreBeam:   o.StoreBeam,
		PrintBeam:   o.PrintBeam,
		MaxSteps:    o.MaxSteps,
	}
}

// Decode runs the beam search for one image with the given options.
func (d *Driver) Decode(ctx context.Context, features []mat.Tensor, opts DecodingOptions) (*BeamResult, error) {
	return d.BeamSearch(ctx, features, opts.BeamSize, opts.beamOptions())
}
