// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Architecture selects how the decoder's recurrent cells are wired together.
// It is resolved once at construction time.
type Architecture int

const (
	// TopDown is the two-cell decoder: an attention cell driven by the
	// pooled image embedding and the previous word, and a language cell
	// driven by the attention context. It exposes per-step attention
	// weights.
	TopDown Architecture = iota
	// TopDownRanking is the three-cell decoder trained jointly for
	// generation and cross-modal ranking. It adds a language-encoding cell
	// whose final hidden state becomes the caption embedding, and does not
	// expose per-step attention weights.
	TopDownRanking
)

const (
	architectureTopDownName        = "top-down"
	architectureTopDownRankingName = "top-down-ranking"
)

// ParseArchitecture resolves an architecture name.
func ParseArchitecture(name string) (Architecture, error) {
	switch name {
	case architectureTopDownName:
		return TopDown, nil
	case architectureTopDownRankingName:
		return TopDownRanking, nil
	default:
		return 0, fmt.Errorf("unknown architecture %q", name)
	}
}

func (a Architecture) String() string {
	switch a {
	case TopDown:
		return architectureTopDownName
	case TopDownRanking:
		return architectureTopDownRankingName
	default:
		return fmt.Sprintf("architecture(%d)", int(a))
	}
}

// MarshalJSON encodes the architecture by name.
func (a Architecture) MarshalJSON() ([]byte, error) {
	switch a {
	case TopDown, TopDownRanking:
		return json.Marshal(a.String())
	default:
		return nil, fmt.Errorf("cannot marshal %s", a)
	}
}

// UnmarshalJSON decodes the architecture from its name.
func (a *Architecture) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseArchitecture(name)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Config is the configuration of the captioning decoder.
type Config struct {
	Architecture Architecture `json:"architecture"`
	// VocabSize is the vocabulary size, reserved tokens included.
	VocabSize int `json:"vocab_size"`
	// ImageFeaturesSize is the dimension of each encoded region feature.
	ImageFeaturesSize int `json:"image_features_size"`
	// JointEmbeddingsSize is the dimension of the shared image/caption
	// space (top-down-ranking only).
	JointEmbeddingsSize int     `json:"joint_embeddings_size"`
	WordEmbeddingsSize  int     `json:"word_embeddings_size"`
	AttentionLSTMSize   int     `json:"attention_lstm_size"`
	AttentionLayerSize  int     `json:"attention_layer_size"`
	LanguageLSTMSize    int     `json:"language_lstm_size"`
	MaxCaptionLen       int     `json:"max_caption_len"`
	DropoutRatio        float64 `json:"dropout_ratio"`
	// TeacherForcingRatio is the per-step probability of feeding the
	// ground-truth token instead of the model's own prediction during
	// teacher-forced runs. 1 means fully teacher-forced.
	TeacherForcingRatio float64 `json:"teacher_forcing_ratio"`
}

// LoadConfig reads the decoder configuration from a JSON file.
func LoadConfig(filePath string) (Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	jsonDecoder := json.NewDecoder(file)
	if err := jsonDecoder.Decode(&config); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks the configuration for construction-time errors.
func (c Config) Validate() error {
	switch c.Architecture {
	case TopDown, TopDownRanking:
	default:
		return fmt.Errorf("invalid config: unknown architecture %d", int(c.Architecture))
	}
	for _, v := range []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"image_features_size", c.ImageFeaturesSize},
		{"word_embeddings_size", c.WordEmbeddingsSize},
		{"attention_lstm_size", c.AttentionLSTMSize},
		{"attention_layer_size", c.AttentionLayerSize},
		{"language_lstm_size", c.LanguageLSTMSize},
		{"max_caption_len", c.MaxCaptionLen},
	} {
		if v.value <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, actual %d", v.name, v.value)
		}
	}
	if c.Architecture == TopDownRanking && c.JointEmbeddingsSize <= 0 {
		return fmt.Errorf("invalid config: joint_embeddings_size must be positive for the %s architecture", c.Architecture)
	}
	if c.DropoutRatio < 0 || c.DropoutRatio >= 1 {
		return fmt.Errorf("invalid config: dropout_ratio must be in [0, 1), actual %f", c.DropoutRatio)
	}
	if c.TeacherForcingRatio < 0 || c.TeacherForcingRatio > 1 {
		return fmt.Errorf("invalid config: teacher_forcing_ratio must be in [0, 1], actual %f", c.TeacherForcingRatio)
	}
	return nil
}

// visualSize is the dimension the attention module and the language cell see
// for each region: raw features for top-down, jointly embedded features for
// top-down-ranking.
func (c Config) visualSize() int {
	if c.Architecture == TopDownRanking {
		return c.JointEmbeddingsSize
	}
	return c.ImageFeaturesSize
}
