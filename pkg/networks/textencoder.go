// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/janpfeifer/must"
)

// Hyperparameters of the native text encoder.
const (
	ParamTextVocabSize        = "text_encoder_vocab_size"
	ParamTextHiddenSize       = "text_encoder_hidden_size"
	ParamTextNumLayers        = "text_encoder_num_layers"
	ParamTextNumHeads         = "text_encoder_num_heads"
	ParamTextMaxPositions     = "text_encoder_max_positions"
	ParamTextIntermediateSize = "text_encoder_intermediate_size"
)

// CLIPTextEncoder is a native GoMLX CLIP-style transformer: token and position embeddings, pre-norm layers
// with causal self-attention and a final layer normalization.
type CLIPTextEncoder struct {
	vocabSize, hiddenSize, numLayers, numHeads, maxPositions, intermediateSize int
	dtype                                                                      dtypes.DType
}

var _ TextEncoder = (*CLIPTextEncoder)(nil)

// NewCLIPTextEncoder creates a CLIPTextEncoder configured from the context hyperparameters.
// The dtype of the hidden states is given by the "dtype" hyperparameter.
func NewCLIPTextEncoder(ctx *context.Context) *CLIPTextEncoder {
	e := &CLIPTextEncoder{
		vocabSize:    context.GetParamOr(ctx, ParamTextVocabSize, 49408),
		hiddenSize:   context.GetParamOr(ctx, ParamTextHiddenSize, 768),
		numLayers:    context.GetParamOr(ctx, ParamTextNumLayers, 12),
		numHeads:     context.GetParamOr(ctx, ParamTextNumHeads, 12),
		maxPositions: context.GetParamOr(ctx, ParamTextMaxPositions, 77),
		dtype:        dtypes.Float32,
	}
	e.intermediateSize = context.GetParamOr(ctx, ParamTextIntermediateSize, 4*e.hiddenSize)
	if dtypeName := context.GetParamOr(ctx, "dtype", ""); dtypeName != "" {
		e.dtype = must.M1(dtypes.DTypeString(dtypeName))
	}
	if e.hiddenSize%e.numHeads != 0 {
		exceptions.Panicf("text encoder hidden size %d must be divisible by the number of heads %d",
			e.hiddenSize, e.numHeads)
	}
	return e
}

// HiddenSize implements TextEncoder.
func (e *CLIPTextEncoder) HiddenSize() int { return e.hiddenSize }

// quickGelu is the activation used by CLIP: x * sigmoid(1.702 * x).
func quickGelu(x *Node) *Node {
	return Mul(x, Sigmoid(MulScalar(x, 1.702)))
}

// Encode implements TextEncoder.
func (e *CLIPTextEncoder) Encode(ctx *context.Context, tokenIDs *Node) *Node {
	ctx = ctx.In(TextEncoderScope)
	g := tokenIDs.Graph()
	tokenIDs.AssertRank(2)
	seqLen := tokenIDs.Shape().Dimensions[1]
	if seqLen > e.maxPositions {
		exceptions.Panicf("text encoder supports at most %d tokens, got token ids shaped %s",
			e.maxPositions, tokenIDs.Shape())
	}

	x := layers.Embedding(ctx.In("token_embedding"), tokenIDs, e.dtype, e.vocabSize, e.hiddenSize)
	positions := ctx.In("position_embedding").VariableWithShape("embeddings",
		shapes.Make(e.dtype, e.maxPositions, e.hiddenSize)).ValueGraph(g)
	positions = Slice(positions, AxisRange(0, seqLen), AxisRange())
	x = Add(x, InsertAxes(positions, 0))

	headDim := e.hiddenSize / e.numHeads
	for layer := range e.numLayers {
		layerCtx := ctx.Inf("layer_%02d", layer)
		h := layers.LayerNormalization(layerCtx.In("norm1"), x, -1).Epsilon(1e-5).Done()
		h = attention.SelfAttention(layerCtx.In("self_attention"), h, e.numHeads, headDim).
			UseCausalMask().
			Done()
		x = Add(x, h)

		h = layers.LayerNormalization(layerCtx.In("norm2"), x, -1).Epsilon(1e-5).Done()
		h = layers.Dense(layerCtx.In("fc1"), h, true, e.intermediateSize)
		h = quickGelu(h)
		h = layers.Dense(layerCtx.In("fc2"), h, true, e.hiddenSize)
		x = Add(x, h)
	}
	return layers.LayerNormalization(ctx.In("final_norm"), x, -1).Epsilon(1e-5).Done()
}
