// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package captioning

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/spago/mat"
	"github.com/rs/zerolog/log"

	"github.com/nilinykh/compositional-image-captioning/decoder"
	"github.com/nilinykh/compositional-image-captioning/model"
	"github.com/nilinykh/compositional-image-captioning/wordmap"
)

// Captioner is the core struct of the library.
type Captioner struct {
	Model   *model.Model
	WordMap *wordmap.WordMap
	driver  *decoder.Driver
}

// Load loads a Captioner from the given directory, which must contain the
// model file and the word map file.
func Load(modelDir string) (*Captioner, error) {
	wm, err := wordmap.Load(filepath.Join(modelDir, wordmap.DefaultFilename))
	if err != nil {
		return nil, err
	}
	m, err := model.Load(modelDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("error: unable to find the model file in '%s'. Please ensure that the model has been converted before trying again", modelDir)
		}
		return nil, err
	}
	driver, err := decoder.NewDriver(m, wm)
	if err != nil {
		return nil, err
	}
	return &Captioner{
		Model:   m,
		WordMap: wm,
		driver:  driver,
	}, nil
}

// Driver exposes the underlying sequence driver, for callers that need the
// training-oriented forward passes.
func (c *Captioner) Driver() *decoder.Driver {
	return c.driver
}

// Caption is one generated caption, with the reserved tokens stripped.
type Caption struct {
	Tokens []string
	Score  float64
}

func (c Caption) String() string {
	return strings.Join(c.Tokens, " ")
}

// GenerateCaptions generates captions for one image from its region feature
// vectors, best first.
func (c *Captioner) GenerateCaptions(ctx context.Context, features []mat.Tensor, opts decoder.DecodingOptions) ([]Caption, error) {
	log.Debug().Int("regions", len(features)).Int("beamSize", opts.BeamSize).Msg("Generating captions")

	res, err := c.driver.Decode(ctx, features, opts)
	if err != nil {
		return nil, err
	}

	captions := make([]Caption, len(res.Hypotheses))
	for i, h := range res.Hypotheses {
		tokens, err := c.WordMap.DecodeCaption(c.WordMap.WithoutSpecialTokens(h.Sequence))
		if err != nil {
			return nil, fmt.Errorf("failed to reconstruct caption: %w", err)
		}
		captions[i] = Caption{Tokens: tokens, Score: h.Score}
	}
	return captions, nil
}

// LoadImageFeatures reads region feature vectors from a JSON file holding an
// array of equally sized float arrays, one per image region.
func LoadImageFeatures(filename string) ([]mat.Tensor, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading features file: %w", err)
	}
	var raw [][]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling features file: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("features file %q holds no regions", filename)
	}
	features := make([]mat.Tensor, len(raw))
	for i, region := range raw {
		if len(region) != len(raw[0]) {
			return nil, fmt.Errorf("region %d has %d values, expected %d", i, len(region), len(raw[0]))
		}
		features[i] = mat.NewDense[float64](mat.WithBacking(region))
	}
	return features, nil
}
