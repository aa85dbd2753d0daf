// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package networks defines the sub-networks of a latent diffusion model as capabilities: the Denoiser (U-Net),
// the Autoencoder (VAE) and the TextEncoder.
//
// It also includes native GoMLX implementations of each, configured with context hyperparameters. The
// ONNX backed versions of the pretrained networks are in the sub-package onnxnets.
//
// All images and latents go in and out channels-first: `[batch, channels, height, width]`.
package networks

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Scopes where each of the networks store their variables.
const (
	UNetScope        = "unet"
	VAEScope         = "vae"
	TextEncoderScope = "text_encoder"
)

// Denoiser predicts the noise (or velocity) of noisy latents at the given timesteps, conditioned on the
// text encoder hidden states.
type Denoiser interface {
	// Denoise takes noisyLatents shaped `[batch, InChannels, height, width]`, timesteps shaped `[batch]`
	// and encoderHiddenStates shaped `[batch, seqLen, hidden]`. It returns a prediction shaped like noisyLatents.
	Denoise(ctx *context.Context, noisyLatents, timesteps, encoderHiddenStates *Node) *Node

	// InChannels is the number of latent channels.
	InChannels() int

	// SampleSize is the default latent spatial size. Image sizes are 8 times larger.
	SampleSize() int
}

// Autoencoder maps images (in [-1, 1]) to latents and back.
type Autoencoder interface {
	// Encode images shaped `[batch, 3, height, width]` to a sample of the latent distribution shaped
	// `[batch, latentChannels, height/8, width/8]`.
	Encode(ctx *context.Context, images *Node) *Node

	// Decode latents back to images.
	Decode(ctx *context.Context, latents *Node) *Node
}

// TextEncoder maps token ids shaped `[batch, seqLen]` to hidden states shaped `[batch, seqLen, HiddenSize]`.
type TextEncoder interface {
	Encode(ctx *context.Context, tokenIDs *Node) *Node
	HiddenSize() int
}

// DownsampleFactor between images and latents.
const DownsampleFactor = 8

// Hyperparameters shared by the native networks.
const (
	// ParamNormGroups is the number of groups used by GroupNormalization. Default is 32.
	ParamNormGroups = "networks_norm_groups"

	// ParamNormEpsilon is the epsilon used by GroupNormalization. Default is 1e-5.
	ParamNormEpsilon = "networks_norm_epsilon"
)

// ToChannelsLast converts `[batch, channels, height, width]` to `[batch, height, width, channels]`.
func ToChannelsLast(x *Node) *Node {
	x.AssertRank(4)
	return TransposeAllAxes(x, 0, 2, 3, 1)
}

// ToChannelsFirst converts `[batch, height, width, channels]` to `[batch, channels, height, width]`.
func ToChannelsFirst(x *Node) *Node {
	x.AssertRank(4)
	return TransposeAllAxes(x, 0, 3, 1, 2)
}

// GroupNormalization normalizes x, channels-last, over the spatial axes and groups of channels.
// The number of groups is reduced until it divides the number of channels.
//
// Half precision inputs are normalized in float32.
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *Node {
	ctx = ctx.In("group_normalization")
	g := x.Graph()
	dtype := x.DType()
	rank := x.Rank()
	numChannels := x.Shape().Dimensions[rank-1]
	numGroups = min(numGroups, numChannels)
	for numChannels%numGroups != 0 {
		numGroups--
	}
	epsilon := context.GetParamOr(ctx, ParamNormEpsilon, 1e-5)

	normDType := dtype
	if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
		normDType = dtypes.Float32
	}
	groupedDims := make([]int, 0, rank+1)
	groupedDims = append(groupedDims, x.Shape().Dimensions[:rank-1]...)
	groupedDims = append(groupedDims, numGroups, numChannels/numGroups)
	grouped := Reshape(ConvertDType(x, normDType), groupedDims...)
	reduceAxes := make([]int, 0, rank)
	for axis := 1; axis < rank-1; axis++ {
		reduceAxes = append(reduceAxes, axis)
	}
	reduceAxes = append(reduceAxes, rank) // Channels within the group.
	mean := ReduceAndKeep(grouped, ReduceMean, reduceAxes...)
	centered := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, reduceAxes...)
	normalized := Div(centered, Sqrt(AddScalar(variance, epsilon)))
	normalized = ConvertDType(Reshape(normalized, x.Shape().Dimensions...), dtype)

	gain := ctx.WithInitializer(initializers.One).VariableWithShape("gain", shapes.Make(dtype, numChannels)).ValueGraph(g)
	offset := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", shapes.Make(dtype, numChannels)).ValueGraph(g)
	gain = ExpandLeftToRank(gain, rank)
	offset = ExpandLeftToRank(offset, rank)
	return Add(Mul(normalized, gain), offset)
}

// TimestepEmbedding returns sinusoidal embeddings of the timesteps (shaped `[batch]`), shaped `[batch, dim]`,
// with the cosines first.
func TimestepEmbedding(timesteps *Node, dim int, dtype dtypes.DType) *Node {
	g := timesteps.Graph()
	halfDim := dim / 2
	exponents := MulScalar(Iota(g, shapes.Make(dtypes.Float32, halfDim), 0), -math.Log(10000.0)/float64(halfDim))
	frequencies := Exp(exponents)
	t := ConvertDType(timesteps, dtypes.Float32)
	angles := Mul(InsertAxes(t, -1), InsertAxes(frequencies, 0))
	embedding := Concatenate([]*Node{Cos(angles), Sin(angles)}, -1)
	if dim%2 == 1 {
		embedding = Concatenate([]*Node{embedding, Zeros(g, shapes.Make(dtypes.Float32, embedding.Shape().Dimensions[0], 1))}, -1)
	}
	return ConvertDType(embedding, dtype)
}

// conv3x3 is a same-padded 3x3 convolution on a channels-last x.
func conv3x3(ctx *context.Context, x *Node, channels int) *Node {
	return layers.Convolution(ctx, x).Filters(channels).KernelSize(3).PadSame().Done()
}

// normAct applies GroupNormalization followed by a swish (SiLU) activation.
func normAct(ctx *context.Context, x *Node) *Node {
	numGroups := context.GetParamOr(ctx, ParamNormGroups, 32)
	return activations.Swish(GroupNormalization(ctx, x, numGroups))
}

// ResnetBlock is the residual block of the U-Net and of the autoencoder, on a channels-last x.
// If timeEmbedding is not nil, it is projected and added to the features after the first convolution.
func ResnetBlock(ctx *context.Context, x, timeEmbedding *Node, outputChannels int) *Node {
	inputChannels := x.Shape().Dimensions[x.Rank()-1]
	residual := x
	if inputChannels != outputChannels {
		residual = layers.Dense(ctx.In("shortcut"), x, true, outputChannels)
	}
	x = normAct(ctx.In("norm1"), x)
	x = conv3x3(ctx.In("conv1"), x, outputChannels)
	if timeEmbedding != nil {
		t := layers.Dense(ctx.In("time_projection"), activations.Swish(timeEmbedding), true, outputChannels)
		x = Add(x, InsertAxes(t, 1, 1))
	}
	x = normAct(ctx.In("norm2"), x)
	x = layers.DropoutFromContext(ctx, x)
	x = conv3x3(ctx.In("conv2").WithInitializer(initializers.Zero), x, outputChannels)
	return Add(x, residual)
}

// Downsample halves the spatial dimensions with a strided convolution.
func Downsample(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	return layers.Convolution(ctx, x).Filters(channels).KernelSize(3).PadSame().Strides(2).Done()
}

// Upsample doubles the spatial dimensions of the channels-last images (nearest neighbor), followed by
// a convolution.
func Upsample(ctx *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Concatenate([]*Node{x, x}, 3)
	x = Reshape(x, batchSize, height, 2*width, channels)
	x = Concatenate([]*Node{x, x}, 2)
	x = Reshape(x, batchSize, 2*height, 2*width, channels)
	return conv3x3(ctx, x, channels)
}
