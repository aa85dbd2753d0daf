// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stablediffusion wraps the pretrained components of a latent diffusion model (denoiser, autoencoder,
// text encoder, tokenizer and noise schedules) into a model that can be fine-tuned with train.Trainer and used
// to generate images with classifier-free guidance.
//
// Images are channels-first `[batch, 3, height, width]` in [-1, 1], and latents are
// `[batch, channels, height/8, width/8]`.
package stablediffusion

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/gomlx/dreambooth/pkg/networks"
	"github.com/gomlx/dreambooth/pkg/schedulers"
	"github.com/gomlx/dreambooth/pkg/tokenizer"
)

// LatentScale is the factor the autoencoder latents are multiplied by, so they have roughly unit variance.
const LatentScale = 0.18215

// ErrUnsupportedPredictionType is returned (or thrown while building the model graph) if the training schedule
// is configured with a prediction type other than "epsilon" or "v_prediction".
var ErrUnsupportedPredictionType = schedulers.ErrUnsupportedPredictionType

// TrainingSchedule corrupts the clean latents during training. It is implemented by schedulers.DDPM.
type TrainingSchedule interface {
	AddNoise(x0, noise, timesteps *Node) *Node
	GetVelocity(x0, noise, timesteps *Node) *Node
	PredictionType() string
	NumTrainTimesteps() int
}

// InferenceSchedule reverses the diffusion during generation. It is implemented by schedulers.LMS.
type InferenceSchedule interface {
	SetTimesteps(numInferenceSteps int) error
	Timesteps() []float64
	InitNoiseSigma() float64
	ModelInputScale(stepIndex int) float64
	ScaleModelInput(sample, scale *Node) *Node
	Step(backend backends.Backend, modelOutput *tensors.Tensor, stepIndex int, sample *tensors.Tensor) (
		*tensors.Tensor, error)
}

// Tokenizer converts a batch of prompts to token ids shaped `[len(texts), maxLength]`.
type Tokenizer interface {
	TokenizeBatch(texts []string) *tensors.Tensor
}

var (
	_ TrainingSchedule  = (*schedulers.DDPM)(nil)
	_ InferenceSchedule = (*schedulers.LMS)(nil)
	_ Tokenizer         = (*tokenizer.Tokenizer)(nil)
)

// Components are the pretrained parts of the model.
type Components struct {
	UNet              networks.Denoiser
	VAE               networks.Autoencoder
	TextEncoder       networks.TextEncoder
	Tokenizer         Tokenizer
	NoiseSchedule     TrainingSchedule
	InferenceSchedule InferenceSchedule
}

// Options of the fine-tuning.
type Options struct {
	// TrainUNet and TrainTextEncoder select which networks are fine-tuned. The autoencoder is always frozen.
	TrainUNet, TrainTextEncoder bool

	// NumImagesPerPrompt is the default number of images generated for each prompt.
	NumImagesPerPrompt int

	// PriorPreservation indicates the batches are made of instance examples followed by the same number of
	// class examples, and the loss is weighted with PriorLossWeight.
	PriorPreservation bool
	PriorLossWeight   float64

	// UseEMA makes generation use the exponential moving average of the weights, if one is available.
	UseEMA bool
}

// DefaultOptions fine-tune only the U-Net.
func DefaultOptions() Options {
	return Options{
		TrainUNet:          true,
		NumImagesPerPrompt: 1,
		PriorLossWeight:    1.0,
	}
}

// Model is a latent text-to-image diffusion model.
type Model struct {
	Components
	Options Options

	backend backends.Backend
}

// New creates a Model from its pretrained components.
func New(backend backends.Backend, components Components, options Options) (*Model, error) {
	switch {
	case components.UNet == nil:
		return nil, errors.New("stable diffusion model requires a denoiser (UNet)")
	case components.VAE == nil:
		return nil, errors.New("stable diffusion model requires an autoencoder (VAE)")
	case components.TextEncoder == nil:
		return nil, errors.New("stable diffusion model requires a text encoder")
	case components.Tokenizer == nil:
		return nil, errors.New("stable diffusion model requires a tokenizer")
	case components.NoiseSchedule == nil || components.InferenceSchedule == nil:
		return nil, errors.New("stable diffusion model requires both the training and the inference schedules")
	}
	if options.NumImagesPerPrompt <= 0 {
		options.NumImagesPerPrompt = 1
	}
	return &Model{Components: components, Options: options, backend: backend}, nil
}

// Backend used to generate images.
func (m *Model) Backend() backends.Backend { return m.backend }

// CheckPredictionType returns ErrUnsupportedPredictionType (wrapped) if the training schedule target is not
// "epsilon" or "v_prediction".
func (m *Model) CheckPredictionType() error {
	switch predictionType := m.NoiseSchedule.PredictionType(); predictionType {
	case schedulers.PredictionEpsilon, schedulers.PredictionVelocity:
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedPredictionType, "prediction type %q (valid values are %q and %q)",
			predictionType, schedulers.PredictionEpsilon, schedulers.PredictionVelocity)
	}
}

// freeze marks all variables under scope as not trainable.
func freeze(ctx *context.Context, scope string) {
	for v := range ctx.In(scope).IterVariablesInScope() {
		v.SetTrainable(false)
	}
}

// Freeze marks the variables of the networks that are not fine-tuned as not trainable. Variables created
// later are frozen when the training graph is built.
func (m *Model) Freeze(ctx *context.Context) {
	freeze(ctx, networks.VAEScope)
	if !m.Options.TrainTextEncoder {
		freeze(ctx, networks.TextEncoderScope)
	}
	if !m.Options.TrainUNet {
		freeze(ctx, networks.UNetScope)
	}
}

// EncodeLatents samples the latents of the images with the (frozen) autoencoder, scaled by LatentScale.
func (m *Model) EncodeLatents(ctx *context.Context, images *Node) *Node {
	latents := m.VAE.Encode(ctx, images)
	freeze(ctx, networks.VAEScope)
	return MulScalar(StopGradient(latents), LatentScale)
}

// DecodeLatents undoes the LatentScale and decodes the latents to images in [-1, 1] (not clipped).
func (m *Model) DecodeLatents(ctx *context.Context, latents *Node) *Node {
	return m.VAE.Decode(ctx, DivScalar(latents, LatentScale))
}

// EncodeText returns the conditioning embeddings for the token ids, shaped `[batch, seqLen, hiddenSize]`.
// The gradient only flows into the text encoder if it is being trained.
func (m *Model) EncodeText(ctx *context.Context, tokenIDs *Node) *Node {
	hidden := m.TextEncoder.Encode(ctx, tokenIDs)
	if !m.Options.TrainTextEncoder {
		freeze(ctx, networks.TextEncoderScope)
		hidden = StopGradient(hidden)
	}
	return hidden
}

// Forward encodes the images and captions, corrupts the latents at uniformly sampled timesteps with Gaussian
// noise and returns the denoiser prediction along with the target it should match.
//
// It panics with ErrUnsupportedPredictionType before calling any network if the prediction type of the
// training schedule is not supported.
func (m *Model) Forward(ctx *context.Context, images, tokenIDs *Node) (prediction, target *Node) {
	if err := m.CheckPredictionType(); err != nil {
		panic(err)
	}
	g := images.Graph()
	latents := m.EncodeLatents(ctx, images)
	batchSize := latents.Shape().Dimensions[0]
	timesteps := ctx.RandomIntN(g, int32(m.NoiseSchedule.NumTrainTimesteps()), shapes.Make(dtypes.Int32, batchSize))
	noise := ctx.RandomNormal(g, latents.Shape())
	return m.ForwardLatents(ctx, latents, tokenIDs, timesteps, noise)
}

// ForwardLatents is like Forward, but it takes the already scaled latents, the timesteps (shaped `[batch]`) and
// the noise to use.
func (m *Model) ForwardLatents(ctx *context.Context, latents, tokenIDs, timesteps, noise *Node) (
	prediction, target *Node) {
	if err := m.CheckPredictionType(); err != nil {
		panic(err)
	}
	if !noise.Shape().Equal(latents.Shape()) {
		exceptions.Panicf("noise shape %s must match the latents shape %s", noise.Shape(), latents.Shape())
	}
	conditioning := m.EncodeText(ctx, tokenIDs)
	noisyLatents := StopGradient(m.NoiseSchedule.AddNoise(latents, noise, timesteps))
	if m.NoiseSchedule.PredictionType() == schedulers.PredictionVelocity {
		target = m.NoiseSchedule.GetVelocity(latents, noise, timesteps)
	} else {
		target = noise
	}
	prediction = m.UNet.Denoise(ctx, noisyLatents, timesteps, conditioning)
	if !m.Options.TrainUNet {
		freeze(ctx, networks.UNetScope)
	}
	return prediction, target
}

// Loss between the prediction and the target, by default the mean squared error. The loss can be changed with
// the context hyperparameter losses.ParamLoss.
//
// With prior preservation the first half of the batch are instance examples and the second half class examples,
// and the loss is (instanceLoss + PriorLossWeight*classLoss) / 2.
func (m *Model) Loss(ctx *context.Context, prediction, target *Node) *Node {
	if context.GetParamOr(ctx, losses.ParamLoss, "") == "" {
		ctx.SetParam(losses.ParamLoss, "mse")
	}
	lossFn := must.M1(losses.LossFromContext(ctx))

	// Large reductions overflow in half precision.
	if dtype := prediction.DType(); dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
		prediction = ConvertDType(prediction, dtypes.Float32)
		target = ConvertDType(target, dtypes.Float32)
	}
	meanLoss := func(target, prediction *Node) *Node {
		loss := lossFn([]*Node{target}, []*Node{prediction})
		if !loss.IsScalar() {
			loss = ReduceAllMean(loss)
		}
		return loss
	}
	if !m.Options.PriorPreservation {
		return meanLoss(target, prediction)
	}

	batchSize := prediction.Shape().Dimensions[0]
	if batchSize%2 != 0 {
		exceptions.Panicf("prior preservation requires batches with the same number of instance and class "+
			"examples, got batch size %d", batchSize)
	}
	predictions := Split(prediction, 0, 2)
	targets := Split(target, 0, 2)
	instanceLoss := meanLoss(targets[0], predictions[0])
	priorLoss := meanLoss(targets[1], predictions[1])
	return DivScalar(Add(instanceLoss, MulScalar(priorLoss, m.Options.PriorLossWeight)), 2)
}

// ModelFn returns the train.ModelFn used by the trainer. The inputs are the images and the token ids, and it
// returns the prediction and the scalar loss. Use it along with LossFn.
//
// The images are converted to the dtype set in the "dtype" context hyperparameter, if one is set.
func (m *Model) ModelFn() train.ModelFn {
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		if len(inputs) < 2 {
			exceptions.Panicf("stable diffusion model expects inputs (images, token ids), got %d inputs", len(inputs))
		}
		images, tokenIDs := inputs[0], inputs[1]
		if dtypeName := context.GetParamOr(ctx, "dtype", ""); dtypeName != "" {
			images = ConvertDType(images, must.M1(dtypes.DTypeString(dtypeName)))
		}
		prediction, target := m.Forward(ctx, images, tokenIDs)
		loss := m.Loss(ctx, prediction, target)
		return []*Node{prediction, loss}
	}
}

// LossFn returns the loss already computed by ModelFn, as the second prediction.
func LossFn(_, predictions []*Node) *Node {
	return predictions[1]
}
