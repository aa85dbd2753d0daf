// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"encoding/json"
	"html"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Special tokens of the CLIP vocabulary.
const (
	StartOfText = "<|startoftext|>"
	EndOfText   = "<|endoftext|>"
)

// Files of a CLIP tokenizer, in the "tokenizer" subdirectory of a stable diffusion repository.
const (
	VocabFile  = "vocab.json"
	MergesFile = "merges.txt"
	ConfigFile = "tokenizer_config.json"
)

// endOfWord is appended to the last symbol of each word before the BPE merges.
const endOfWord = "</w>"

var clipPattern = regexp.MustCompile(
	`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`)

var whitespace = regexp.MustCompile(`\s+`)

// CLIP is the byte-level BPE tokenizer used by the CLIP text encoder.
//
// It only encodes the text, the special tokens are added by Tokenizer. It is safe for concurrent use.
type CLIP struct {
	encoder     map[string]int
	decoder     map[int]string
	bpeRanks    map[string]int // "first second" -> rank
	byteEncoder map[byte]rune
	byteDecoder map[rune]byte

	muCache sync.Mutex
	cache   map[string][]string // word -> BPE symbols, protected by muCache.
}

// NewCLIP creates a CLIP BPE encoder from the vocabulary (token to id) and the list of merges ("first second"),
// from the highest priority to the lowest.
func NewCLIP(vocab map[string]int, merges []string) (*CLIP, error) {
	if len(vocab) == 0 {
		return nil, errors.New("CLIP tokenizer: empty vocabulary")
	}
	for _, special := range []string{StartOfText, EndOfText} {
		if _, found := vocab[special]; !found {
			return nil, errors.Errorf("CLIP tokenizer: vocabulary is missing the special token %q", special)
		}
	}
	c := &CLIP{
		encoder:  vocab,
		decoder:  make(map[int]string, len(vocab)),
		bpeRanks: make(map[string]int, len(merges)),
		cache:    make(map[string][]string),
	}
	for token, id := range vocab {
		c.decoder[id] = token
	}
	for rank, merge := range merges {
		c.bpeRanks[merge] = rank
	}
	c.byteEncoder, c.byteDecoder = bytesToUnicode()
	return c, nil
}

// LoadCLIP loads the CLIP tokenizer files (vocab.json and merges.txt) from dir.
func LoadCLIP(dir string) (*CLIP, error) {
	vocabData, err := os.ReadFile(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read CLIP vocabulary")
	}
	var vocab map[string]int
	if err := json.Unmarshal(vocabData, &vocab); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", VocabFile)
	}
	mergesData, err := os.ReadFile(filepath.Join(dir, MergesFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read CLIP merges")
	}
	return NewCLIP(vocab, ParseMerges(string(mergesData)))
}

// ParseMerges parses the contents of a merges.txt file, skipping the "#version" header and empty lines.
func ParseMerges(contents string) []string {
	lines := strings.Split(contents, "\n")
	merges := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		merges = append(merges, line)
	}
	return merges
}

// bytesToUnicode maps every byte to a printable unicode rune: printable bytes map to themselves,
// the others to 256+offset.
func bytesToUnicode() (map[byte]rune, map[rune]byte) {
	encoder := make(map[byte]rune, 256)
	decoder := make(map[rune]byte, 256)
	isPrintable := func(b byte) bool {
		return (b >= '!' && b <= '~') || (b >= 161 && b <= 172) || b >= 174
	}
	offset := 0
	for b := range 256 {
		var r rune
		if isPrintable(byte(b)) {
			r = rune(b)
		} else {
			r = rune(256 + offset)
			offset++
		}
		encoder[byte(b)] = r
		decoder[r] = byte(b)
	}
	return encoder, decoder
}

// Clean normalizes the text the way CLIP expects: html unescaped, whitespace collapsed and lower-cased.
func Clean(text string) string {
	text = html.UnescapeString(html.UnescapeString(text))
	text = whitespace.ReplaceAllString(text, " ")
	return strings.ToLower(strings.TrimSpace(text))
}

// bpe splits the (byte encoded) word into its BPE symbols. The last symbol carries the end of word marker.
func (c *CLIP) bpe(word string) []string {
	c.muCache.Lock()
	symbols, found := c.cache[word]
	c.muCache.Unlock()
	if found {
		return symbols
	}
	runes := []rune(word)
	symbols = make([]string, len(runes))
	for ii, r := range runes {
		symbols[ii] = string(r)
	}
	symbols[len(symbols)-1] += endOfWord

	for len(symbols) > 1 {
		bestIdx, bestRank := -1, math.MaxInt
		for ii := 0; ii < len(symbols)-1; ii++ {
			if rank, ok := c.bpeRanks[symbols[ii]+" "+symbols[ii+1]]; ok && rank < bestRank {
				bestIdx, bestRank = ii, rank
			}
		}
		if bestIdx == -1 {
			break
		}
		// Merge every occurrence of the best pair.
		first, second := symbols[bestIdx], symbols[bestIdx+1]
		merged := make([]string, 0, len(symbols)-1)
		for ii := 0; ii < len(symbols); ii++ {
			if ii < len(symbols)-1 && symbols[ii] == first && symbols[ii+1] == second {
				merged = append(merged, first+second)
				ii++
				continue
			}
			merged = append(merged, symbols[ii])
		}
		symbols = merged
	}
	c.muCache.Lock()
	c.cache[word] = symbols
	c.muCache.Unlock()
	return symbols
}

// Encode the text into token ids, without special tokens. Symbols missing from the vocabulary are dropped.
func (c *CLIP) Encode(text string) []int {
	var ids []int
	for _, match := range clipPattern.FindAllString(Clean(text), -1) {
		if id, found := c.encoder[match]; found && (match == StartOfText || match == EndOfText) {
			ids = append(ids, id)
			continue
		}
		var encoded strings.Builder
		for ii := 0; ii < len(match); ii++ {
			encoded.WriteRune(c.byteEncoder[match[ii]])
		}
		for _, symbol := range c.bpe(encoded.String()) {
			if id, found := c.encoder[symbol]; found {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Decode token ids back to text. Word ends become spaces.
func (c *CLIP) Decode(ids []int) string {
	var text strings.Builder
	for _, id := range ids {
		text.WriteString(c.decoder[id])
	}
	var decoded []byte
	for _, r := range text.String() {
		if b, ok := c.byteDecoder[r]; ok {
			decoded = append(decoded, b)
		}
	}
	return strings.TrimSpace(strings.ReplaceAll(string(decoded), endOfWord, " "))
}

// SpecialTokenID returns the id of a special token, like StartOfText or EndOfText.
func (c *CLIP) SpecialTokenID(token string) (int, error) {
	id, found := c.encoder[token]
	if !found {
		return 0, errors.Errorf("CLIP tokenizer: unknown token %q", token)
	}
	return id, nil
}

// VocabSize is the number of tokens in the vocabulary.
func (c *CLIP) VocabSize() int { return len(c.encoder) }
