// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxnets implements the networks capabilities with pretrained ONNX models, converted to GoMLX
// with github.com/gomlx/onnx-gomlx.
//
// The ONNX weights are loaded as variables of the context (in the same scopes used by the native networks),
// so they can be fine-tuned and checkpointed like any other GoMLX model.
package onnxnets

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/dreambooth/pkg/networks"
)

// Files of the ONNX export of a stable diffusion repository.
const (
	UNetFile        = "unet/model.onnx"
	VAEEncoderFile  = "vae_encoder/model.onnx"
	VAEDecoderFile  = "vae_decoder/model.onnx"
	TextEncoderFile = "text_encoder/model.onnx"
)

// Net is an ONNX model whose weights live in a scope of a context.
type Net struct {
	model       *onnx.Model
	scope       []string
	inputDTypes map[string]dtypes.DType
	inputDims   map[string][]int
	outputNames []string
	outputDims  map[string][]int
}

// Load reads the ONNX model in filePath and moves its weights to ctx, under the nested scope elements.
func Load(ctx *context.Context, filePath string, scope ...string) (*Net, error) {
	if len(scope) == 0 {
		return nil, errors.Errorf("ONNX model %q requires a scope for its variables", filePath)
	}
	model, err := onnx.ReadFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read ONNX model from %q", filePath)
	}
	n := &Net{
		model:       model,
		scope:       scope,
		inputDTypes: make(map[string]dtypes.DType),
		inputDims:   make(map[string][]int),
		outputDims:  make(map[string][]int),
	}
	inputNames, inputShapes := model.Inputs()
	for ii, name := range inputNames {
		n.inputDTypes[name] = inputShapes[ii].DType
		n.inputDims[name] = inputShapes[ii].Dimensions
	}
	outputNames, outputShapes := model.Outputs()
	n.outputNames = outputNames
	for ii, name := range outputNames {
		n.outputDims[name] = outputShapes[ii].Dimensions
	}
	klog.V(1).Infof("ONNX model %q: inputs %v, outputs %v", filePath, inputNames, outputNames)
	if err := model.VariablesToContext(n.in(ctx)); err != nil {
		model.Close()
		return nil, errors.WithMessagef(err, "failed to load the variables of ONNX model %q", filePath)
	}
	return n, nil
}

// in returns ctx in the scope of the model variables.
func (n *Net) in(ctx *context.Context) *context.Context {
	for _, element := range n.scope {
		ctx = ctx.In(element)
	}
	return ctx
}

// Close releases the ONNX model. The variables already moved to the context are not affected.
func (n *Net) Close() {
	n.model.Close()
}

// HasInput returns whether the model takes the named input.
func (n *Net) HasInput(name string) bool {
	_, found := n.inputDTypes[name]
	return found
}

// InputDim returns the static dimension of the named input at axis, or -1 if it is unknown or dynamic.
func (n *Net) InputDim(name string, axis int) int {
	dims := n.inputDims[name]
	if axis >= len(dims) || dims[axis] <= 0 {
		return -1
	}
	return dims[axis]
}

// OutputDim returns the static dimension of the named output at axis, or -1 if it is unknown or dynamic.
func (n *Net) OutputDim(name string, axis int) int {
	dims := n.outputDims[name]
	if axis < 0 {
		axis += len(dims)
	}
	if axis < 0 || axis >= len(dims) || dims[axis] <= 0 {
		return -1
	}
	return dims[axis]
}

// Call the model graph with the given inputs, converted to the dtypes the model expects, and returns
// the selected outputs (or all if none is given).
func (n *Net) Call(ctx *context.Context, inputs map[string]*Node, outputNames ...string) []*Node {
	var g *Graph
	converted := make(map[string]*Node, len(inputs))
	for name, node := range inputs {
		dtype, found := n.inputDTypes[name]
		if !found {
			exceptions.Panicf("ONNX model in scope %q has no input named %q", strings.Join(n.scope, "/"), name)
		}
		if dtype != dtypes.InvalidDType {
			node = ConvertDType(node, dtype)
		}
		converted[name] = node
		g = node.Graph()
	}
	return n.model.CallGraph(n.in(ctx), g, converted, outputNames...)
}

// UNet is a Denoiser backed by an ONNX U-Net, with inputs "sample", "timestep" and "encoder_hidden_states".
type UNet struct {
	net        *Net
	inChannels int
	sampleSize int
}

var _ networks.Denoiser = (*UNet)(nil)

// NewUNet wraps an ONNX U-Net. The number of channels is read from the model input if static, otherwise
// it defaults to 4. The sampleSize is the default latent size (64 for stable diffusion v1).
func NewUNet(net *Net, sampleSize int) *UNet {
	inChannels := net.InputDim("sample", 1)
	if inChannels <= 0 {
		inChannels = 4
	}
	return &UNet{net: net, inChannels: inChannels, sampleSize: sampleSize}
}

// InChannels implements networks.Denoiser.
func (u *UNet) InChannels() int { return u.inChannels }

// SampleSize implements networks.Denoiser.
func (u *UNet) SampleSize() int { return u.sampleSize }

// Denoise implements networks.Denoiser.
func (u *UNet) Denoise(ctx *context.Context, noisyLatents, timesteps, encoderHiddenStates *Node) *Node {
	dtype := noisyLatents.DType()
	outputs := u.net.Call(ctx, map[string]*Node{
		"sample":                noisyLatents,
		"timestep":              timesteps,
		"encoder_hidden_states": encoderHiddenStates,
	})
	return ConvertDType(outputs[0], dtype)
}

// VAE is an Autoencoder backed by the ONNX encoder ("sample" to "latent_sample") and decoder
// ("latent_sample" to "sample").
type VAE struct {
	encoder, decoder *Net
}

var _ networks.Autoencoder = (*VAE)(nil)

// NewVAE wraps the ONNX encoder and decoder of the autoencoder.
func NewVAE(encoder, decoder *Net) *VAE {
	return &VAE{encoder: encoder, decoder: decoder}
}

// Encode implements networks.Autoencoder.
func (v *VAE) Encode(ctx *context.Context, images *Node) *Node {
	outputs := v.encoder.Call(ctx, map[string]*Node{"sample": images})
	return ConvertDType(outputs[0], images.DType())
}

// Decode implements networks.Autoencoder.
func (v *VAE) Decode(ctx *context.Context, latents *Node) *Node {
	outputs := v.decoder.Call(ctx, map[string]*Node{"latent_sample": latents})
	return ConvertDType(outputs[0], latents.DType())
}

// TextEncoder is a TextEncoder backed by an ONNX CLIP text model, with input "input_ids" and
// output "last_hidden_state".
type TextEncoder struct {
	net        *Net
	hiddenSize int
	dtype      dtypes.DType
}

var _ networks.TextEncoder = (*TextEncoder)(nil)

// NewTextEncoder wraps an ONNX text encoder. hiddenSize is used if the model output has no static hidden
// dimension. The hidden states are converted to dtype.
func NewTextEncoder(net *Net, hiddenSize int, dtype dtypes.DType) *TextEncoder {
	if dim := net.OutputDim("last_hidden_state", -1); dim > 0 {
		hiddenSize = dim
	}
	return &TextEncoder{net: net, hiddenSize: hiddenSize, dtype: dtype}
}

// HiddenSize implements networks.TextEncoder.
func (e *TextEncoder) HiddenSize() int { return e.hiddenSize }

// Encode implements networks.TextEncoder.
func (e *TextEncoder) Encode(ctx *context.Context, tokenIDs *Node) *Node {
	outputs := e.net.Call(ctx, map[string]*Node{"input_ids": tokenIDs}, "last_hidden_state")
	return ConvertDType(outputs[0], e.dtype)
}
