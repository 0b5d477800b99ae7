// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wordmap provides the bidirectional mapping between caption tokens
// and vocabulary ids, including the four reserved tokens.
package wordmap

import (
	"encoding/json"
	"fmt"
	"os"
)

// Reserved tokens. Every word map must contain all four of them.
const (
	TokenUnknown = "<unk>"
	TokenStart   = "<start>"
	TokenEnd     = "<end>"
	TokenPadding = "<pad>"
)

// DefaultFilename is the name of the word map file inside a model directory.
const DefaultFilename = "word_map.json"

// WordMap maps tokens to contiguous vocabulary ids and back.
type WordMap struct {
	tokenToID map[string]int
	idToToken []string

	startID   int
	endID     int
	paddingID int
	unknownID int
}

// New builds a WordMap from a token→id mapping.
// Ids must be unique and contiguous from 0, and the mapping must contain the
// four reserved tokens; a violation is a configuration error.
func New(mapping map[string]int) (*WordMap, error) {
	if len(mapping) == 0 {
		return nil, fmt.Errorf("word map is empty")
	}

	tokenToID := make(map[string]int, len(mapping))
	idToToken := make([]string, len(mapping))
	seen := make([]bool, len(mapping))
	for token, id := range mapping {
		if id < 0 || id >= len(mapping) {
			return nil, fmt.Errorf("word map id %d for token %q out of range [0, %d)", id, token, len(mapping))
		}
		if seen[id] {
			return nil, fmt.Errorf("word map id %d assigned to both %q and %q", id, idToToken[id], token)
		}
		seen[id] = true
		idToToken[id] = token
		tokenToID[token] = id
	}

	wm := &WordMap{
		tokenToID: tokenToID,
		idToToken: idToToken,
	}
	for _, reserved := range []struct {
		token string
		id    *int
	}{
		{TokenStart, &wm.startID},
		{TokenEnd, &wm.endID},
		{TokenPadding, &wm.paddingID},
		{TokenUnknown, &wm.unknownID},
	} {
		id, ok := tokenToID[reserved.token]
		if !ok {
			return nil, fmt.Errorf("word map is missing the reserved token %q", reserved.token)
		}
		*reserved.id = id
	}
	return wm, nil
}

// Load reads a word map from a JSON file containing a token→id object.
func Load(filePath string) (*WordMap, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var mapping map[string]int
	jsonDecoder := json.NewDecoder(file)
	if err := jsonDecoder.Decode(&mapping); err != nil {
		return nil, fmt.Errorf("failed to decode word map %q: %w", filePath, err)
	}
	return New(mapping)
}

// Size returns the vocabulary size, reserved tokens included.
func (wm *WordMap) Size() int { return len(wm.idToToken) }

// ID returns the id of the given token, falling back to the unknown-token id.
func (wm *WordMap) ID(token string) int {
	if id, ok := wm.tokenToID[token]; ok {
		return id
	}
	return wm.unknownID
}

// Lookup returns the id of the given token and whether it is in the vocabulary.
func (wm *WordMap) Lookup(token string) (int, bool) {
	id, ok := wm.tokenToID[token]
	return id, ok
}

// Token returns the token for the given id.
func (wm *WordMap) Token(id int) (string, error) {
	if id < 0 || id >= len(wm.idToToken) {
		return "", fmt.Errorf("id %d does not resolve in the word map (vocabulary size %d)", id, len(wm.idToToken))
	}
	return wm.idToToken[id], nil
}

func (wm *WordMap) StartID() int   { return wm.startID }
func (wm *WordMap) EndID() int     { return wm.endID }
func (wm *WordMap) PaddingID() int { return wm.paddingID }
func (wm *WordMap) UnknownID() int { return wm.unknownID }

// EncodeCaption encodes tokens as <start> t1 … tn <end>, padded with
// <pad> up to maxLen. Out-of-vocabulary tokens map to <unk>.
func (wm *WordMap) EncodeCaption(tokens []string, maxLen int) ([]int, error) {
	if len(tokens)+2 > maxLen {
		return nil, fmt.Errorf("caption of %d tokens does not fit in %d positions", len(tokens), maxLen)
	}
	ids := make([]int, 0, maxLen)
	ids = append(ids, wm.startID)
	for _, token := range tokens {
		ids = append(ids, wm.ID(token))
	}
	ids = append(ids, wm.endID)
	for len(ids) < maxLen {
		ids = append(ids, wm.paddingID)
	}
	return ids, nil
}

// DecodeCaption maps ids back to tokens, reserved tokens included.
func (wm *WordMap) DecodeCaption(ids []int) ([]string, error) {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		token, err := wm.Token(id)
		if err != nil {
			return nil, err
		}
		tokens[i] = token
	}
	return tokens, nil
}

// WithoutSpecialTokens removes <start>, <end> and <pad> ids from a caption.
func (wm *WordMap) WithoutSpecialTokens(ids []int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == wm.startID || id == wm.endID || id == wm.paddingID {
			continue
		}
		out = append(out, id)
	}
	return out
}
