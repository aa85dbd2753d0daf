// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// Hyperparameters of the native U-Net.
const (
	// ParamUNetChannels is the number of channels at each resolution level of the U-Net.
	// Each level but the last halves the spatial dimensions.
	ParamUNetChannels = "unet_channels"

	// ParamUNetResBlocks is the number of residual blocks per level.
	ParamUNetResBlocks = "unet_res_blocks"

	// ParamUNetAttentionHeads is the number of heads of the spatial/cross-attention blocks.
	ParamUNetAttentionHeads = "unet_attention_heads"

	// ParamUNetInChannels is the number of latent channels.
	ParamUNetInChannels = "unet_in_channels"

	// ParamUNetSampleSize is the default latent spatial size.
	ParamUNetSampleSize = "unet_sample_size"
)

// UNet is a native GoMLX conditional U-Net: residual blocks with a timestep embedding, and transformer blocks
// with self-attention and cross-attention to the text encoder hidden states.
type UNet struct {
	channels   []int
	resBlocks  int
	numHeads   int
	inChannels int
	sampleSize int
}

var _ Denoiser = (*UNet)(nil)

// NewUNet creates a UNet configured from the context hyperparameters.
func NewUNet(ctx *context.Context) *UNet {
	u := &UNet{
		channels:   context.GetParamOr(ctx, ParamUNetChannels, []int{320, 640, 1280, 1280}),
		resBlocks:  context.GetParamOr(ctx, ParamUNetResBlocks, 2),
		numHeads:   context.GetParamOr(ctx, ParamUNetAttentionHeads, 8),
		inChannels: context.GetParamOr(ctx, ParamUNetInChannels, 4),
		sampleSize: context.GetParamOr(ctx, ParamUNetSampleSize, 64),
	}
	if len(u.channels) == 0 {
		exceptions.Panicf("U-Net %q must have at least one level", ParamUNetChannels)
	}
	return u
}

// InChannels implements Denoiser.
func (u *UNet) InChannels() int { return u.inChannels }

// SampleSize implements Denoiser.
func (u *UNet) SampleSize() int { return u.sampleSize }

// transformerBlock applies self-attention, cross-attention to encoderHiddenStates and a feed-forward layer
// to the channels-last x.
func (u *UNet) transformerBlock(ctx *context.Context, x, encoderHiddenStates *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	numHeads := min(u.numHeads, channels)
	headDim := max(channels/numHeads, 1)

	residual := x
	x = GroupNormalization(ctx.In("norm"), x, context.GetParamOr(ctx, ParamNormGroups, 32))
	x = layers.Dense(ctx.In("proj_in"), x, true, channels)
	x = Reshape(x, batchSize, height*width, channels)

	h := layers.LayerNormalization(ctx.In("norm1"), x, -1).Epsilon(1e-5).Done()
	h = attention.SelfAttention(ctx.In("self_attention"), h, numHeads, headDim).SetOutputDim(channels).Done()
	x = Add(x, h)

	h = layers.LayerNormalization(ctx.In("norm2"), x, -1).Epsilon(1e-5).Done()
	h = attention.MultiHeadAttention(ctx.In("cross_attention"), h, encoderHiddenStates, encoderHiddenStates,
		numHeads, headDim).SetOutputDim(channels).Done()
	x = Add(x, h)

	h = layers.LayerNormalization(ctx.In("norm3"), x, -1).Epsilon(1e-5).Done()
	h = layers.Dense(ctx.In("ff1"), h, true, 4*channels)
	h = activations.Gelu(h)
	h = layers.Dense(ctx.In("ff2"), h, true, channels)
	x = Add(x, h)

	x = Reshape(x, batchSize, height, width, channels)
	x = layers.Dense(ctx.In("proj_out").WithInitializer(initializers.Zero), x, true, channels)
	return Add(x, residual)
}

// Denoise implements Denoiser.
func (u *UNet) Denoise(ctx *context.Context, noisyLatents, timesteps, encoderHiddenStates *Node) *Node {
	ctx = ctx.In(UNetScope)
	dtype := noisyLatents.DType()
	noisyLatents.AssertRank(4)
	if noisyLatents.Shape().Dimensions[1] != u.inChannels {
		exceptions.Panicf("U-Net expects %d latent channels, got latents shaped %s", u.inChannels, noisyLatents.Shape())
	}
	numLevels := len(u.channels)
	factor := 1 << (numLevels - 1)
	for _, axis := range []int{2, 3} {
		if noisyLatents.Shape().Dimensions[axis]%factor != 0 {
			exceptions.Panicf("U-Net with %d levels requires latent spatial dimensions divisible by %d, got %s",
				numLevels, factor, noisyLatents.Shape())
		}
	}
	encoderHiddenStates = ConvertDType(encoderHiddenStates, dtype)

	// Time embedding.
	timeDim := 4 * u.channels[0]
	temb := TimestepEmbedding(timesteps, u.channels[0], dtype)
	temb = layers.Dense(ctx.In("time_embedding").In("linear_1"), temb, true, timeDim)
	temb = activations.Swish(temb)
	temb = layers.Dense(ctx.In("time_embedding").In("linear_2"), temb, true, timeDim)

	x := ToChannelsLast(noisyLatents)
	x = conv3x3(ctx.In("conv_in"), x, u.channels[0])

	// Down: keep the skip connections.
	skips := []*Node{x}
	for level, channels := range u.channels {
		levelCtx := ctx.Inf("down_%d", level)
		for block := range u.resBlocks {
			blockCtx := levelCtx.Inf("block_%d", block)
			x = ResnetBlock(blockCtx.In("resnet"), x, temb, channels)
			x = u.transformerBlock(blockCtx.In("transformer"), x, encoderHiddenStates)
			skips = append(skips, x)
		}
		if level < numLevels-1 {
			x = Downsample(levelCtx.In("downsample"), x)
			skips = append(skips, x)
		}
	}

	// Middle.
	lastChannels := u.channels[numLevels-1]
	x = ResnetBlock(ctx.In("mid").In("resnet_0"), x, temb, lastChannels)
	x = u.transformerBlock(ctx.In("mid").In("transformer"), x, encoderHiddenStates)
	x = ResnetBlock(ctx.In("mid").In("resnet_1"), x, temb, lastChannels)

	// Up: consume the skip connections in reverse order.
	for ii := range numLevels {
		level := numLevels - 1 - ii
		channels := u.channels[level]
		levelCtx := ctx.Inf("up_%d", ii)
		for block := range u.resBlocks + 1 {
			blockCtx := levelCtx.Inf("block_%d", block)
			skip := skips[len(skips)-1]
			skips = skips[:len(skips)-1]
			x = Concatenate([]*Node{x, skip}, -1)
			x = ResnetBlock(blockCtx.In("resnet"), x, temb, channels)
			x = u.transformerBlock(blockCtx.In("transformer"), x, encoderHiddenStates)
		}
		if level > 0 {
			x = Upsample(levelCtx.In("upsample"), x)
		}
	}
	if len(skips) != 0 {
		exceptions.Panicf("U-Net ended with %d skip connections not accounted for", len(skips))
	}

	x = normAct(ctx.In("norm_out"), x)
	x = conv3x3(ctx.In("conv_out").WithInitializer(initializers.Zero), x, u.inChannels)
	return ToChannelsFirst(x)
}

// String implements fmt.Stringer.
func (u *UNet) String() string {
	return fmt.Sprintf("UNet(channels=%v, res_blocks=%d, heads=%d, in_channels=%d)",
		u.channels, u.resBlocks, u.numHeads, u.inChannels)
}
