// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// tinyContext returns a context configured with very small versions of the networks.
func tinyContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNormGroups:           4,
		ParamUNetChannels:         []int{8, 16},
		ParamUNetResBlocks:        1,
		ParamUNetAttentionHeads:   2,
		ParamUNetInChannels:       4,
		ParamUNetSampleSize:       4,
		ParamVAEChannels:          []int{4, 8, 8, 8},
		ParamVAEResBlocks:         1,
		ParamVAELatentChannels:    4,
		ParamTextVocabSize:        20,
		ParamTextHiddenSize:       8,
		ParamTextNumLayers:        2,
		ParamTextNumHeads:         2,
		ParamTextMaxPositions:     6,
		ParamTextIntermediateSize: 16,
	})
	return ctx
}

func TestGroupNormalization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 3, 4))
		x = GroupNormalization(ctx, x, 2)
		// Mean and variance of each group, shaped [2 (batch), 2 (groups), 2 (mean, variance)].
		grouped := Reshape(x, 2, 9, 2, 2)
		mean := ReduceMean(grouped, 1, 3)
		variance := ReduceMean(Square(Sub(grouped, InsertAxes(mean, 1, -1))), 1, 3)
		return Stack([]*Node{mean, variance}, -1)
	})
	require.NoError(t, err)
	values := tensors.MustCopyFlatData[float32](output)
	for ii := 0; ii < len(values); ii += 2 {
		assert.InDelta(t, 0.0, values[ii], 1e-4, "mean of group %d", ii/2)
		assert.InDelta(t, 1.0, values[ii+1], 1e-3, "variance of group %d", ii/2)
	}
}

func TestTimestepEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	output, err := ExecOnce(backend, func(timesteps *Node) *Node {
		return TimestepEmbedding(timesteps, 6, dtypes.Float32)
	}, []int32{0, 500})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6}, output.Shape().Dimensions)
	values := output.Value().([][]float32)
	// At timestep 0: cos(0)=1 for the first half, sin(0)=0 for the second.
	assert.Equal(t, []float32{1, 1, 1, 0, 0, 0}, values[0])
}

func TestUNetShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyContext()
	unet := NewUNet(ctx)
	assert.Equal(t, 4, unet.InChannels())
	assert.Equal(t, 4, unet.SampleSize())
	output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		latents := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 4, 4, 4))
		timesteps := Const(g, []int32{10, 999})
		hidden := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 6, 8))
		return unet.Denoise(ctx, latents, timesteps, hidden)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4, 4}, output.Shape().Dimensions)

	// Odd latent sizes can't go through the down/up-sampling.
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, tinyContext(), func(ctx *context.Context, g *Graph) *Node {
			latents := Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 3, 3))
			hidden := Zeros(g, shapes.Make(dtypes.Float32, 1, 6, 8))
			return unet.Denoise(ctx, latents, Const(g, []int32{1}), hidden)
		})
	})
}

func TestVAEShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyContext()
	vae := NewVAE(ctx)
	outputs, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		images := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 2, 3, 16, 24))
		latents := vae.Encode(ctx, images)
		return []*Node{latents, vae.Decode(ctx, latents)}
	})
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, []int{2, 4, 2, 3}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 3, 16, 24}, outputs[1].Shape().Dimensions)

	// Only 4 levels are accepted.
	badCtx := tinyContext()
	badCtx.SetParam(ParamVAEChannels, []int{4, 8})
	require.Panics(t, func() { _ = NewVAE(badCtx) })
}

func TestCLIPTextEncoderShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := tinyContext()
	encoder := NewCLIPTextEncoder(ctx)
	assert.Equal(t, 8, encoder.HiddenSize())
	output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, tokens *Node) *Node {
		return encoder.Encode(ctx, tokens)
	}, [][]int32{{0, 5, 7, 1, 1, 1}, {0, 3, 1, 1, 1, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6, 8}, output.Shape().Dimensions)

	// Causal attention: changing a later token doesn't change the hidden states of earlier positions.
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, tokens *Node) *Node {
		return encoder.Encode(ctx, tokens)
	})
	first := exec.MustExec1([][]int32{{0, 5, 7, 1, 1, 1}}).Value().([][][]float32)
	second := exec.MustExec1([][]int32{{0, 5, 7, 9, 9, 9}}).Value().([][][]float32)
	for pos := range 3 {
		assert.InDeltaSlice(t, first[0][pos], second[0][pos], 1e-5, "position %d", pos)
	}
	assert.NotEqual(t, first[0][3], second[0][3])
}
