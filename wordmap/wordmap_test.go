// Copyright 2024 The compositional-image-captioning Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wordmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMapping() map[string]int {
	return map[string]int{
		TokenStart:   0,
		TokenEnd:     1,
		TokenPadding: 2,
		TokenUnknown: 3,
		"a":          4,
		"cat":        5,
		"brown":      6,
		"dog":        7,
	}
}

func TestNewValidatesReservedTokens(t *testing.T) {
	mapping := testMapping()
	delete(mapping, TokenEnd)
	mapping["sat"] = 1

	_, err := New(mapping)
	require.Error(t, err)
	assert.Contains(t, err.Error(), TokenEnd)
}

func TestNewValidatesContiguousIDs(t *testing.T) {
	mapping := testMapping()
	mapping["sat"] = 42
	_, err := New(mapping)
	require.Error(t, err)

	mapping = testMapping()
	mapping["sat"] = 5 // duplicate of "cat"
	_, err = New(mapping)
	require.Error(t, err)
}

func TestNewCopiesMapping(t *testing.T) {
	mapping := testMapping()
	wm, err := New(mapping)
	require.NoError(t, err)

	mapping["cat"] = 0
	mapping["zebra"] = 5
	delete(mapping, TokenEnd)

	assert.Equal(t, 5, wm.ID("cat"))
	assert.Equal(t, wm.UnknownID(), wm.ID("zebra"))
	assert.Equal(t, 1, wm.EndID())
	assert.Equal(t, 8, wm.Size())
}

func TestWithoutSpecialTokens(t *testing.T) {
	wm, err := New(testMapping())
	require.NoError(t, err)

	// <start> 5 7 <end> <pad> <pad>
	filtered := wm.WithoutSpecialTokens([]int{0, 5, 7, 1, 2, 2})
	assert.Equal(t, []int{5, 7}, filtered)

	// <unk> is not stripped
	filtered = wm.WithoutSpecialTokens([]int{0, 3, 1})
	assert.Equal(t, []int{3}, filtered)
}

func TestCaptionRoundTrip(t *testing.T) {
	wm, err := New(testMapping())
	require.NoError(t, err)

	tokens := []string{"a", "brown", "dog"}
	ids, err := wm.EncodeCaption(tokens, 8)
	require.NoError(t, err)
	assert.Len(t, ids, 8)
	assert.Equal(t, wm.StartID(), ids[0])
	assert.Equal(t, wm.EndID(), ids[4])
	assert.Equal(t, wm.PaddingID(), ids[7])

	decoded, err := wm.DecodeCaption(wm.WithoutSpecialTokens(ids))
	require.NoError(t, err)
	assert.Equal(t, tokens, decoded)
}

func TestEncodeCaptionTooLong(t *testing.T) {
	wm, err := New(testMapping())
	require.NoError(t, err)

	_, err = wm.EncodeCaption([]string{"a", "brown", "dog"}, 4)
	require.Error(t, err)
}

func TestUnknownFallback(t *testing.T) {
	wm, err := New(testMapping())
	require.NoError(t, err)

	assert.Equal(t, wm.UnknownID(), wm.ID("zebra"))
	_, ok := wm.Lookup("zebra")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFilename)
	content := `{"<start>": 0, "<end>": 1, "<pad>": 2, "<unk>": 3, "cat": 4}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	wm, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, wm.Size())
	id, ok := wm.Lookup("cat")
	require.True(t, ok)
	token, err := wm.Token(id)
	require.NoError(t, err)
	assert.Equal(t, "cat", token)
}
