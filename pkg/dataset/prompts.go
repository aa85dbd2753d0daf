// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"iter"

	"github.com/pkg/errors"
)

// Prompts iterates over a list of prompts in batches, along with their index in the list.
type Prompts struct {
	prompts   []string
	batchSize int
}

// NewPrompts creates a batched iterator over prompts. The last batch may be smaller than batchSize.
func NewPrompts(prompts []string, batchSize int) (*Prompts, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("prompts batch size must be positive, got %d", batchSize)
	}
	return &Prompts{prompts: prompts, batchSize: batchSize}, nil
}

// RepeatPrompt returns n copies of prompt.
func RepeatPrompt(prompt string, n int) []string {
	prompts := make([]string, max(n, 0))
	for ii := range prompts {
		prompts[ii] = prompt
	}
	return prompts
}

// Len returns the total number of prompts.
func (p *Prompts) Len() int { return len(p.prompts) }

// NumBatches returns the number of batches.
func (p *Prompts) NumBatches() int {
	return (len(p.prompts) + p.batchSize - 1) / p.batchSize
}

// Batches yields the prompts of each batch and their indices.
func (p *Prompts) Batches() iter.Seq2[[]string, []int] {
	return func(yield func([]string, []int) bool) {
		for start := 0; start < len(p.prompts); start += p.batchSize {
			end := min(start+p.batchSize, len(p.prompts))
			indices := make([]int, end-start)
			for ii := range indices {
				indices[ii] = start + ii
			}
			if !yield(p.prompts[start:end], indices) {
				return
			}
		}
	}
}
