// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stablediffusion

import (
	"image"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/dreambooth/pkg/networks"
)

// GenerateSeed is the default seed of the initial latent noise: every call to Generate with the default
// options starts from the same noise.
const GenerateSeed = 32

// GenerateOptions for Model.Generate.
type GenerateOptions struct {
	// Height and Width of the generated images, they must be multiples of 8.
	// If 0, they default to the denoiser sample size times 8.
	Height, Width int

	// NumInferenceSteps of the reverse diffusion.
	NumInferenceSteps int

	// GuidanceScale of the classifier-free guidance: pred = uncond + GuidanceScale * (cond - uncond).
	GuidanceScale float64

	// NegativePrompts replace the empty unconditional prompt. Either one per prompt, or a single one used
	// for all prompts.
	NegativePrompts []string

	// NumImagesPerPrompt. If 0 it defaults to Options.NumImagesPerPrompt.
	NumImagesPerPrompt int

	// Eta is the DDIM noise parameter. The LMS schedule ignores it.
	Eta float64

	// Seed of the initial latent noise, GenerateSeed by default.
	Seed int64
}

// DefaultGenerateOptions returns 50 inference steps, guidance scale 7.5 and one image per prompt.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		NumInferenceSteps:  50,
		GuidanceScale:      7.5,
		NumImagesPerPrompt: 1,
		Eta:                1.0,
		Seed:               GenerateSeed,
	}
}

// Guidance combines the unconditional and conditional predictions with classifier-free guidance.
// It is computed as cond + (scale-1)*(cond-uncond), so a scale of 1 returns exactly cond.
func Guidance(uncond, cond, scale *Node) *Node {
	scale = ConvertDType(scale, cond.DType())
	return Add(cond, Mul(AddScalar(scale, -1), Sub(cond, uncond)))
}

// generation holds the executors of one call to Generate.
type generation struct {
	textExec, denoiseExec, decodeExec *context.Exec
}

func (gen *generation) finalize() {
	for _, e := range []*context.Exec{gen.textExec, gen.denoiseExec, gen.decodeExec} {
		if e != nil {
			e.Finalize()
		}
	}
}

// Generate images for the prompts with classifier-free guided reverse diffusion.
//
// The initial noise is drawn from opts.Seed, so calls with the same model weights and options
// return the same images. The variables of the networks are created in ctx if they don't exist yet.
//
// It returns len(prompts)*NumImagesPerPrompt images, the images of each prompt contiguous.
func (m *Model) Generate(ctx *context.Context, prompts []string, opts GenerateOptions) ([]image.Image, error) {
	if len(prompts) == 0 {
		return nil, nil
	}
	height, width := opts.Height, opts.Width
	if height == 0 {
		height = m.UNet.SampleSize() * networks.DownsampleFactor
	}
	if width == 0 {
		width = m.UNet.SampleSize() * networks.DownsampleFactor
	}
	if height%networks.DownsampleFactor != 0 || width%networks.DownsampleFactor != 0 {
		return nil, errors.Errorf("generated image size must be a multiple of %d, got %dx%d",
			networks.DownsampleFactor, height, width)
	}
	if opts.NumInferenceSteps <= 0 {
		return nil, errors.Errorf("number of inference steps must be positive, got %d", opts.NumInferenceSteps)
	}
	numPerPrompt := opts.NumImagesPerPrompt
	if numPerPrompt <= 0 {
		numPerPrompt = m.Options.NumImagesPerPrompt
	}
	if len(opts.NegativePrompts) > 1 && len(opts.NegativePrompts) != len(prompts) {
		return nil, errors.Errorf("got %d negative prompts for %d prompts, there must be one or one per prompt",
			len(opts.NegativePrompts), len(prompts))
	}

	// Unconditional prompts first, then the conditional ones.
	numImages := len(prompts) * numPerPrompt
	texts := make([]string, 2*numImages)
	for ii, prompt := range prompts {
		negative := ""
		if len(opts.NegativePrompts) == 1 {
			negative = opts.NegativePrompts[0]
		} else if len(opts.NegativePrompts) > 1 {
			negative = opts.NegativePrompts[ii]
		}
		for jj := range numPerPrompt {
			texts[ii*numPerPrompt+jj] = negative
			texts[numImages+ii*numPerPrompt+jj] = prompt
		}
	}

	if err := m.InferenceSchedule.SetTimesteps(opts.NumInferenceSteps); err != nil {
		return nil, err
	}
	genCtx := ctx.Checked(false)
	denoiserCtx, textCtx := genCtx, genCtx
	if m.Options.UseEMA && HasEMA(ctx, networks.UNetScope) {
		denoiserCtx = genCtx.InAbsPath(context.RootScope + EMAScope)
		if m.Options.TrainTextEncoder && HasEMA(ctx, networks.TextEncoderScope) {
			textCtx = denoiserCtx
		}
	}

	var gen generation
	defer gen.finalize()
	var err error
	gen.textExec, err = context.NewExec(m.backend, textCtx, func(ctx *context.Context, tokenIDs *Node) *Node {
		return m.TextEncoder.Encode(ctx, tokenIDs)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create text encoder executor")
	}
	tokenIDs := m.Tokenizer.TokenizeBatch(texts)
	defer func() { _ = tokenIDs.FinalizeAll() }()
	conditioning, err := gen.textExec.Exec1(tokenIDs)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode prompts")
	}
	defer func() { _ = conditioning.FinalizeAll() }()

	latents, err := m.initialLatents(opts.Seed, conditioning.DType(), numImages, height, width)
	if err != nil {
		return nil, err
	}

	gen.denoiseExec, err = context.NewExec(m.backend, denoiserCtx,
		func(ctx *context.Context, latents, conditioning, scale, timestep, guidanceScale *Node) *Node {
			modelInput := Concatenate([]*Node{latents, latents}, 0)
			modelInput = m.InferenceSchedule.ScaleModelInput(modelInput, scale)
			batchSize := modelInput.Shape().Dimensions[0]
			timesteps := BroadcastToDims(ConvertDType(timestep, dtypes.Float32), batchSize)
			prediction := m.UNet.Denoise(ctx, modelInput, timesteps, conditioning)
			parts := Split(prediction, 0, 2)
			return Guidance(parts[0], parts[1], guidanceScale)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create denoiser executor")
	}
	for stepIndex, timestep := range m.InferenceSchedule.Timesteps() {
		scale := float32(m.InferenceSchedule.ModelInputScale(stepIndex))
		prediction, err := gen.denoiseExec.Exec1(latents, conditioning, scale, float32(timestep),
			float32(opts.GuidanceScale))
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to denoise at step %d (timestep %g)", stepIndex, timestep)
		}
		next, err := m.InferenceSchedule.Step(m.backend, prediction, stepIndex, latents)
		_ = prediction.FinalizeAll()
		_ = latents.FinalizeAll()
		if err != nil {
			return nil, err
		}
		latents = next
		klog.V(2).Infof("generation step %d/%d (timestep %g)", stepIndex+1, opts.NumInferenceSteps, timestep)
	}

	gen.decodeExec, err = context.NewExec(m.backend, genCtx, func(ctx *context.Context, latents *Node) *Node {
		return ToUint8Images(m.DecodeLatents(ctx, latents))
	})
	if err != nil {
		_ = latents.FinalizeAll()
		return nil, errors.WithMessage(err, "failed to create decoder executor")
	}
	imagesT, err := gen.decodeExec.Exec1(latents)
	_ = latents.FinalizeAll()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to decode the generated latents")
	}
	defer func() { _ = imagesT.FinalizeAll() }()
	return timages.ToImage().Batch(imagesT), nil
}

// initialLatents draws the initial noise from seed, scaled by the initial sigma of the schedule.
func (m *Model) initialLatents(seed int64, dtype dtypes.DType, numImages, height, width int) (*tensors.Tensor, error) {
	rngState, err := RNGStateFromSeed(seed)
	if err != nil {
		return nil, err
	}
	shape := shapes.Make(dtype, numImages, m.UNet.InChannels(),
		height/networks.DownsampleFactor, width/networks.DownsampleFactor)
	initSigma := m.InferenceSchedule.InitNoiseSigma()
	latents, err := ExecOnce(m.backend, func(state *Node) *Node {
		_, noise := RandomNormal(state, shape)
		return MulScalar(noise, initSigma)
	}, rngState)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate the initial noise")
	}
	return latents, nil
}

// ToUint8Images converts decoded images in [-1, 1], shaped `[batch, 3, height, width]`, to uint8 images
// shaped `[batch, height, width, 3]`: x/2+0.5 clamped to [0, 1], times 255 and rounded.
func ToUint8Images(images *Node) *Node {
	images = ConvertDType(images, dtypes.Float32)
	images = ClipScalar(AddScalar(DivScalar(images, 2), 0.5), 0, 1)
	images = Round(MulScalar(images, 255))
	return ConvertDType(networks.ToChannelsLast(images), dtypes.Uint8)
}
