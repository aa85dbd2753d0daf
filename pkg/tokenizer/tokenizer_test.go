// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testVocab = map[string]int{
	"a":         0,
	"b":         1,
	"c":         2,
	"a</w>":     3,
	"b</w>":     4,
	"c</w>":     5,
	"ab</w>":    6,
	"ca":        7,
	"cab</w>":   8,
	"!</w>":     9,
	StartOfText: 10,
	EndOfText:   11,
	"<pad>":     12,
	"1</w>":     13,
	"2</w>":     14,
	"cat</w>":   15,
	"t</w>":     16,
}

var testMerges = []string{"c a", "a b</w>", "ca b</w>", "ca t</w>"}

func newTestCLIP(t *testing.T) *CLIP {
	clip, err := NewCLIP(testVocab, testMerges)
	require.NoError(t, err)
	return clip
}

func TestCLIPEncode(t *testing.T) {
	clip := newTestCLIP(t)
	assert.Equal(t, []int{6}, clip.Encode("ab"))
	assert.Equal(t, []int{8, 6}, clip.Encode("CAB  ab"))
	assert.Equal(t, []int{15, 9}, clip.Encode(" cat!"))
	// Numbers are split digit by digit.
	assert.Equal(t, []int{13, 14}, clip.Encode("12"))
	// Special tokens are kept as is.
	assert.Equal(t, []int{10, 6, 11}, clip.Encode("<|startoftext|>ab<|endoftext|>"))
	assert.Equal(t, "cab ab", clip.Decode([]int{8, 6}))
}

func TestCLIPConcurrentEncode(t *testing.T) {
	clip := newTestCLIP(t)
	texts := []string{"ab", "CAB  ab", " cat!", "cab cat ab"}
	results := make([][]int, 32)
	var group errgroup.Group
	for ii := range results {
		group.Go(func() error {
			results[ii] = clip.Encode(texts[ii%len(texts)])
			return nil
		})
	}
	require.NoError(t, group.Wait())
	for ii, ids := range results {
		assert.Equal(t, newTestCLIP(t).Encode(texts[ii%len(texts)]), ids, "text %q", texts[ii%len(texts)])
	}
}

func TestNewCLIPErrors(t *testing.T) {
	_, err := NewCLIP(nil, nil)
	require.Error(t, err)
	_, err = NewCLIP(map[string]int{"a": 0, StartOfText: 1}, nil)
	require.Error(t, err)
}

func TestParseMerges(t *testing.T) {
	merges := ParseMerges("#version: 0.2\na b</w>\n\nc a\n")
	assert.Equal(t, []string{"a b</w>", "c a"}, merges)
}

func TestClean(t *testing.T) {
	assert.Equal(t, "a photo of sks dog & cat", Clean("  A  Photo of\tSKS dog &amp; cat\n"))
}

func TestTokenize(t *testing.T) {
	clip := newTestCLIP(t)
	tok, err := NewFromCLIP(clip, "", 6)
	require.NoError(t, err)
	assert.Equal(t, []int32{10, 6, 8, 11, 11, 11}, tok.Tokenize("ab cab"))

	tok, err = NewFromCLIP(clip, "<pad>", 6)
	require.NoError(t, err)
	assert.Equal(t, []int32{10, 6, 8, 11, 12, 12}, tok.Tokenize("ab cab"))
	assert.Equal(t, []int32{10, 11, 12, 12, 12, 12}, tok.Tokenize(""))

	// Truncation keeps the end of text token.
	assert.Equal(t, []int32{10, 6, 6, 6, 6, 11}, tok.Tokenize("ab ab ab ab ab ab ab"))

	batch := tok.TokenizeBatch([]string{"ab", "cab"})
	assert.Equal(t, []int{2, 6}, batch.Shape().Dimensions)
	assert.Equal(t, []int32{10, 6, 11, 12, 12, 12, 10, 8, 11, 12, 12, 12}, tensors.MustCopyFlatData[int32](batch))

	_, err = NewFromCLIP(clip, "<unknown>", 6)
	require.Error(t, err)
	_, err = New(clip, 10, 11, 11, 1)
	require.Error(t, err)
}

// fakeEncoder adds its own start/end tokens, like some HuggingFace tokenizers.
type fakeEncoder struct{}

func (fakeEncoder) Encode(text string) []int { return []int{100, len(text), 101} }

func TestStripEncoderSpecialTokens(t *testing.T) {
	tok, err := New(fakeEncoder{}, 100, 101, 0, 5)
	require.NoError(t, err)
	tok.stripEncoderSpecial = true
	assert.Equal(t, []int32{100, 3, 101, 0, 0}, tok.Tokenize("abc"))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	vocabJSON, err := json.Marshal(testVocab)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), vocabJSON, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MergesFile),
		[]byte("#version: 0.2\nc a\na b</w>\nca b</w>\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile),
		[]byte(`{"model_max_length": 8, "pad_token": {"content": "<pad>", "lstrip": false}}`), 0644))

	tok, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, tok.MaxLength)
	assert.Equal(t, 12, tok.Pad)
	assert.Equal(t, []int32{10, 8, 11, 12, 12, 12, 12, 12}, tok.Tokenize("cab"))

	// Without tokenizer_config.json, pad with the end of text and use the CLIP context length.
	require.NoError(t, os.Remove(filepath.Join(dir, ConfigFile)))
	tok, err = LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxLength, tok.MaxLength)
	assert.Equal(t, tok.EOS, tok.Pad)
}
