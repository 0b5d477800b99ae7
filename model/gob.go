// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/nlpodyssey/spago/nn/embedding"
	"github.com/nlpodyssey/spago/nn/linear"

	"github.com/nilinykh/compositional-image-captioning/attention"
	"github.com/nilinykh/compositional-image-captioning/lstm"
)

// DefaultModelFilename is the name of the model file inside a model directory.
const DefaultModelFilename = "decoder_model.bin"

// Dump saves the Model to a file.
func Dump(obj *Model, filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open model dump file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close model dump file %q: %w", filename, e)
		}
	}()
	if err = gobEncode(obj, f); err != nil {
		return fmt.Errorf("failed to encode model dump: %w", err)
	}
	return nil
}

func gobEncode(obj *Model, w io.Writer) error {
	bw := bufio.NewWriter(w)
	encoder := gob.NewEncoder(bw)

	for _, chunk := range getChunksForGobEncoding(obj) {
		if err := encoder.Encode(chunk); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func getChunksForGobEncoding(obj *Model) []interface{} {
	chunks := []interface{}{
		obj.Config,
		obj.Embeddings,
	}
	if obj.Config.Architecture == TopDownRanking {
		chunks = append(chunks, obj.ImageEmbedding, obj.LanguageEncodingLSTM)
	}
	return append(chunks,
		obj.AttentionLSTM,
		obj.LanguageLSTM,
		obj.Attention,
		obj.Output,
		obj.InitHAttention,
		obj.InitCAttention,
		obj.InitHLanguage,
		obj.InitCLanguage,
	)
}

// loadFromFile uses gob to deserialize a model file to memory.
func loadFromFile(filename string) (_ *Model, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return gobDecoding(f)
}

func gobDecoding(r io.Reader) (*Model, error) {
	obj := &Model{
		Embeddings:     &embedding.Model{},
		AttentionLSTM:  &lstm.Model{},
		LanguageLSTM:   &lstm.Model{},
		Attention:      &attention.Model{},
		Output:         &linear.Model{},
		InitHAttention: &linear.Model{},
		InitCAttention: &linear.Model{},
		InitHLanguage:  &linear.Model{},
		InitCLanguage:  &linear.Model{},
	}

	br := bufio.NewReader(r)
	decoder := gob.NewDecoder(br)

	if err := decoder.Decode(&obj.Config); err != nil {
		return nil, err
	}
	if err := obj.Config.Validate(); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&obj.Embeddings); err != nil {
		return nil, err
	}
	if obj.Config.Architecture == TopDownRanking {
		obj.ImageEmbedding = &linear.Model{}
		obj.LanguageEncodingLSTM = &lstm.Model{}
		if err := decoder.Decode(&obj.ImageEmbedding); err != nil {
			return nil, err
		}
		if err := decoder.Decode(&obj.LanguageEncodingLSTM); err != nil {
			return nil, err
		}
	}
	for _, chunk := range []interface{}{
		&obj.AttentionLSTM,
		&obj.LanguageLSTM,
		&obj.Attention,
		&obj.Output,
		&obj.InitHAttention,
		&obj.InitCAttention,
		&obj.InitHLanguage,
		&obj.InitCLanguage,
	} {
		if err := decoder.Decode(chunk); err != nil {
			return nil, err
		}
	}

	return obj, nil
}
