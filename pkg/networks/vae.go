// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Hyperparameters of the native autoencoder.
const (
	// ParamVAEChannels is the number of channels at each level of the autoencoder. There must be 4 levels,
	// so the latents are 8 times smaller than the images.
	ParamVAEChannels = "vae_channels"

	// ParamVAEResBlocks is the number of residual blocks per level.
	ParamVAEResBlocks = "vae_res_blocks"

	// ParamVAELatentChannels is the number of channels of the latents.
	ParamVAELatentChannels = "vae_latent_channels"
)

// VAE is a native GoMLX KL autoencoder: the encoder outputs the mean and log-variance of a diagonal Gaussian
// over the latents, and the decoder mirrors the encoder.
type VAE struct {
	channels       []int
	resBlocks      int
	latentChannels int
}

var _ Autoencoder = (*VAE)(nil)

// NewVAE creates a VAE configured from the context hyperparameters.
func NewVAE(ctx *context.Context) *VAE {
	v := &VAE{
		channels:       context.GetParamOr(ctx, ParamVAEChannels, []int{128, 256, 512, 512}),
		resBlocks:      context.GetParamOr(ctx, ParamVAEResBlocks, 2),
		latentChannels: context.GetParamOr(ctx, ParamVAELatentChannels, 4),
	}
	if 1<<(len(v.channels)-1) != DownsampleFactor {
		exceptions.Panicf("autoencoder %q must have 4 levels (for a downsample factor of %d), got %v",
			ParamVAEChannels, DownsampleFactor, v.channels)
	}
	return v
}

// LatentChannels returns the number of channels of the latents.
func (v *VAE) LatentChannels() int { return v.latentChannels }

// EncodeDistribution returns the mean and log-variance of the latent distribution for the images,
// both shaped `[batch, latentChannels, height/8, width/8]`.
func (v *VAE) EncodeDistribution(ctx *context.Context, images *Node) (mean, logVariance *Node) {
	ctx = ctx.In(VAEScope).In("encoder")
	images.AssertRank(4)
	for _, axis := range []int{2, 3} {
		if images.Shape().Dimensions[axis]%DownsampleFactor != 0 {
			exceptions.Panicf("autoencoder requires image dimensions divisible by %d, got images shaped %s",
				DownsampleFactor, images.Shape())
		}
	}
	x := ToChannelsLast(images)
	x = conv3x3(ctx.In("conv_in"), x, v.channels[0])
	for level, channels := range v.channels {
		levelCtx := ctx.Inf("down_%d", level)
		for block := range v.resBlocks {
			x = ResnetBlock(levelCtx.Inf("resnet_%d", block), x, nil, channels)
		}
		if level < len(v.channels)-1 {
			x = Downsample(levelCtx.In("downsample"), x)
		}
	}
	lastChannels := v.channels[len(v.channels)-1]
	x = ResnetBlock(ctx.In("mid").In("resnet_0"), x, nil, lastChannels)
	x = ResnetBlock(ctx.In("mid").In("resnet_1"), x, nil, lastChannels)
	x = normAct(ctx.In("norm_out"), x)
	x = conv3x3(ctx.In("conv_out"), x, 2*v.latentChannels)
	x = layers.Dense(ctx.In("quant_conv"), x, true, 2*v.latentChannels)
	parts := Split(x, -1, 2)
	mean = ToChannelsFirst(parts[0])
	logVariance = ToChannelsFirst(ClipScalar(parts[1], -30.0, 20.0))
	return
}

// Encode implements Autoencoder: it returns a sample of the latent distribution.
func (v *VAE) Encode(ctx *context.Context, images *Node) *Node {
	mean, logVariance := v.EncodeDistribution(ctx, images)
	g := mean.Graph()
	noise := ctx.RandomNormal(g, mean.Shape())
	stddev := Exp(MulScalar(logVariance, 0.5))
	return Add(mean, Mul(stddev, noise))
}

// Decode implements Autoencoder.
func (v *VAE) Decode(ctx *context.Context, latents *Node) *Node {
	ctx = ctx.In(VAEScope).In("decoder")
	latents.AssertRank(4)
	if latents.Shape().Dimensions[1] != v.latentChannels {
		exceptions.Panicf("autoencoder expects %d latent channels, got latents shaped %s",
			v.latentChannels, latents.Shape())
	}
	x := ToChannelsLast(latents)
	x = layers.Dense(ctx.In("post_quant_conv"), x, true, v.latentChannels)
	lastChannels := v.channels[len(v.channels)-1]
	x = conv3x3(ctx.In("conv_in"), x, lastChannels)
	x = ResnetBlock(ctx.In("mid").In("resnet_0"), x, nil, lastChannels)
	x = ResnetBlock(ctx.In("mid").In("resnet_1"), x, nil, lastChannels)
	for ii := range v.channels {
		level := len(v.channels) - 1 - ii
		levelCtx := ctx.Inf("up_%d", ii)
		for block := range v.resBlocks + 1 {
			x = ResnetBlock(levelCtx.Inf("resnet_%d", block), x, nil, v.channels[level])
		}
		if level > 0 {
			x = Upsample(levelCtx.In("upsample"), x)
		}
	}
	x = normAct(ctx.In("norm_out"), x)
	x = conv3x3(ctx.In("conv_out"), x, 3)
	return ToChannelsFirst(x)
}
