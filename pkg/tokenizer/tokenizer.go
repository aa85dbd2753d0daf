// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tokenizer converts prompts to the fixed length token ids consumed by the text encoder.
//
// The CLIP BPE tokenizer used by stable diffusion is implemented natively (CLIP), and any tokenizer from
// github.com/gomlx/go-huggingface/tokenizers can be used through FromHuggingFace.
package tokenizer

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultMaxLength is the CLIP text encoder context length.
const DefaultMaxLength = 77

// Encoder encodes text into token ids, without special tokens.
type Encoder interface {
	Encode(text string) []int
}

// Tokenizer adds the start/end of text tokens to the encoded prompts, truncates and pads them to MaxLength.
type Tokenizer struct {
	Encoder             Encoder
	BOS, EOS, Pad       int
	MaxLength           int
	stripEncoderSpecial bool
}

// New creates a Tokenizer from an encoder and its special token ids.
func New(encoder Encoder, bos, eos, pad, maxLength int) (*Tokenizer, error) {
	if maxLength < 2 {
		return nil, errors.Errorf("tokenizer max length must be at least 2 (for the start and end tokens), got %d",
			maxLength)
	}
	return &Tokenizer{Encoder: encoder, BOS: bos, EOS: eos, Pad: pad, MaxLength: maxLength}, nil
}

// NewFromCLIP creates the Tokenizer for a CLIP encoder, padding with padToken. If padToken is empty the
// end of text token is used.
func NewFromCLIP(clip *CLIP, padToken string, maxLength int) (*Tokenizer, error) {
	bos, err := clip.SpecialTokenID(StartOfText)
	if err != nil {
		return nil, err
	}
	eos, err := clip.SpecialTokenID(EndOfText)
	if err != nil {
		return nil, err
	}
	pad := eos
	if padToken != "" {
		pad, err = clip.SpecialTokenID(padToken)
		if err != nil {
			return nil, errors.WithMessage(err, "pad token")
		}
	}
	return New(clip, bos, eos, pad, maxLength)
}

// FromHuggingFace wraps a go-huggingface tokenizer. Start and end of sentence tokens added by the
// tokenizer itself are stripped, since Tokenizer adds them.
func FromHuggingFace(tok api.Tokenizer, maxLength int) (*Tokenizer, error) {
	bos, err := tok.SpecialTokenID(api.TokBeginningOfSentence)
	if err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no beginning of sentence token")
	}
	eos, err := tok.SpecialTokenID(api.TokEndOfSentence)
	if err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no end of sentence token")
	}
	pad, err := tok.SpecialTokenID(api.TokPad)
	if err != nil {
		pad = eos
	}
	t, err := New(tok, bos, eos, pad, maxLength)
	if err != nil {
		return nil, err
	}
	t.stripEncoderSpecial = true
	return t, nil
}

// tokenizerConfig holds the fields used from "tokenizer_config.json".
type tokenizerConfig struct {
	ModelMaxLength int             `json:"model_max_length"`
	PadToken       json.RawMessage `json:"pad_token"`
}

// padTokenContent returns the pad token, that can be given as a string or as an object with a "content" field.
func (cfg *tokenizerConfig) padTokenContent() string {
	if len(cfg.PadToken) == 0 {
		return ""
	}
	var token string
	if err := json.Unmarshal(cfg.PadToken, &token); err == nil {
		return token
	}
	var added struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(cfg.PadToken, &added); err == nil {
		return added.Content
	}
	return ""
}

// readTokenizerConfig reads the optional tokenizer_config.json. A missing file returns the zero configuration.
func readTokenizerConfig(filePath string) (*tokenizerConfig, error) {
	cfg := &tokenizerConfig{}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", filePath)
	}
	return cfg, nil
}

// FromRepo loads the tokenizer from the subdirectory subDir (usually "tokenizer") of a HuggingFace repository.
//
// It uses the CLIP files (vocab.json and merges.txt) if present, otherwise it falls back to a
// go-huggingface tokenizer (tokenizer.json) at the root of the repository.
func FromRepo(repo *hub.Repo, subDir string) (*Tokenizer, error) {
	vocabPath, vocabErr := repo.DownloadFile(path.Join(subDir, VocabFile))
	if vocabErr != nil {
		klog.V(1).Infof("no CLIP vocabulary in %q (%v), trying a tokenizer.json", subDir, vocabErr)
		tok, err := tokenizers.New(repo)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create tokenizer for repo, and no CLIP vocabulary: %v",
				vocabErr)
		}
		return FromHuggingFace(tok, DefaultMaxLength)
	}
	if _, err := repo.DownloadFile(path.Join(subDir, MergesFile)); err != nil {
		return nil, errors.WithMessagef(err, "failed to download CLIP merges")
	}
	localDir := filepath.Dir(vocabPath)
	cfg := &tokenizerConfig{}
	if configPath, err := repo.DownloadFile(path.Join(subDir, ConfigFile)); err == nil {
		cfg, err = readTokenizerConfig(configPath)
		if err != nil {
			return nil, err
		}
	}
	clip, err := LoadCLIP(localDir)
	if err != nil {
		return nil, err
	}
	maxLength := DefaultMaxLength
	if cfg.ModelMaxLength > 0 && cfg.ModelMaxLength < 1_000_000 {
		maxLength = cfg.ModelMaxLength
	}
	return NewFromCLIP(clip, cfg.padTokenContent(), maxLength)
}

// LoadDir loads a CLIP tokenizer from a local directory with vocab.json, merges.txt and optionally
// tokenizer_config.json.
func LoadDir(dir string) (*Tokenizer, error) {
	clip, err := LoadCLIP(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := readTokenizerConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	maxLength := DefaultMaxLength
	if cfg.ModelMaxLength > 0 && cfg.ModelMaxLength < 1_000_000 {
		maxLength = cfg.ModelMaxLength
	}
	return NewFromCLIP(clip, cfg.padTokenContent(), maxLength)
}

// Tokenize returns the MaxLength token ids for the text: the start token, the encoded text (truncated),
// the end token and then padding.
func (t *Tokenizer) Tokenize(text string) []int32 {
	encoded := t.Encoder.Encode(text)
	if t.stripEncoderSpecial {
		if len(encoded) > 0 && encoded[0] == t.BOS {
			encoded = encoded[1:]
		}
		if len(encoded) > 0 && encoded[len(encoded)-1] == t.EOS {
			encoded = encoded[:len(encoded)-1]
		}
	}
	if len(encoded) > t.MaxLength-2 {
		encoded = encoded[:t.MaxLength-2]
	}
	ids := make([]int32, t.MaxLength)
	ids[0] = int32(t.BOS)
	for ii, id := range encoded {
		ids[ii+1] = int32(id)
	}
	ids[len(encoded)+1] = int32(t.EOS)
	for ii := len(encoded) + 2; ii < t.MaxLength; ii++ {
		ids[ii] = int32(t.Pad)
	}
	return ids
}

// TokenizeBatch tokenizes all texts into a tensor shaped [len(texts), MaxLength] of int32.
func (t *Tokenizer) TokenizeBatch(texts []string) *tensors.Tensor {
	flat := make([]int32, 0, len(texts)*t.MaxLength)
	for _, text := range texts {
		flat = append(flat, t.Tokenize(text)...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(texts), t.MaxLength)
}
