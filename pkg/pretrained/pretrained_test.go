// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pretrained

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/dreambooth/pkg/networks"
	"github.com/gomlx/dreambooth/pkg/schedulers"
)

func TestLoadNative(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		networks.ParamUNetChannels:     []int{8, 16},
		networks.ParamUNetInChannels:   4,
		networks.ParamUNetSampleSize:   4,
		networks.ParamTextVocabSize:    50,
		networks.ParamTextHiddenSize:   8,
		networks.ParamTextNumHeads:     2,
		networks.ParamTextMaxPositions: 8,
	})
	components, err := Load(ctx, NativeModel, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, components.UNet.InChannels())
	assert.Equal(t, 4, components.UNet.SampleSize())
	assert.Equal(t, 8, components.TextEncoder.HiddenSize())
	assert.Equal(t, schedulers.PredictionEpsilon, components.NoiseSchedule.PredictionType())
	assert.Equal(t, 1000, components.NoiseSchedule.NumTrainTimesteps())

	tokens := components.Tokenizer.TokenizeBatch([]string{"a photo of sks dog", ""})
	assert.Equal(t, []int{2, 8}, tokens.Shape().Dimensions)

	// Invalid hyperparameters are reported as errors.
	ctx.SetParam(networks.ParamTextNumHeads, 3)
	_, err = Load(ctx, NativeModel, Options{})
	require.Error(t, err)
}

func TestHashTokenizer(t *testing.T) {
	tok, err := NewHashTokenizer(100, 6)
	require.NoError(t, err)
	ids := tok.Tokenize("A photo of  SKS dog")
	require.Len(t, ids, 6)
	assert.Equal(t, int32(hashBOS), ids[0])
	assert.Equal(t, tok.Tokenize("a photo of sks dog"), ids, "hashing must ignore case and repeated spaces")
	for _, id := range ids[1:5] {
		assert.GreaterOrEqual(t, id, int32(hashNumSpecial))
		assert.Less(t, id, int32(100))
	}
	// Truncated: no room for "dog", only for the end of text token.
	assert.Equal(t, int32(hashEOS), ids[5])

	short := tok.Tokenize("sks")
	assert.Equal(t, []int32{hashBOS, ids[4], hashEOS, hashPad, hashPad, hashPad}, short)

	_, err = NewHashTokenizer(hashNumSpecial, 6)
	require.Error(t, err)
}

func TestLoadLocalDirErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(context.New(), dir, Options{})
	require.Error(t, err, "missing scheduler configuration")

	schedulerDir := filepath.Join(dir, SchedulerDir)
	require.NoError(t, os.MkdirAll(schedulerDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(schedulerDir, schedulers.ConfigFile),
		[]byte(`{"beta_schedule": "unknown"}`), 0644))
	_, err = Load(context.New(), dir, Options{})
	require.Error(t, err, "invalid beta schedule")
}
