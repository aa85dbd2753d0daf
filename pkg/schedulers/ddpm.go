// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// DDPM is the denoising diffusion probabilistic model schedule, used to corrupt the training latents.
//
// It implements the training schedule: AddNoise, GetVelocity and the prediction type. It also implements a
// deterministic reverse Step (posterior mean), used to sanity-check the schedule.
type DDPM struct {
	Config Config

	// Betas and AlphasCumprod, one per train timestep.
	Betas, AlphasCumprod []float64

	sqrtAlphasCumprod, sqrtOneMinusAlphasCumprod []float64
	posteriorCoefSample, posteriorCoefNoisy      []float64
}

// NewDDPM creates a DDPM schedule from the configuration.
func NewDDPM(cfg Config) (*DDPM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &DDPM{Config: cfg}
	s.Betas = cfg.Betas()
	s.AlphasCumprod = AlphasCumprod(s.Betas)
	n := len(s.Betas)
	s.sqrtAlphasCumprod = make([]float64, n)
	s.sqrtOneMinusAlphasCumprod = make([]float64, n)
	s.posteriorCoefSample = make([]float64, n)
	s.posteriorCoefNoisy = make([]float64, n)
	for t, alphaProd := range s.AlphasCumprod {
		s.sqrtAlphasCumprod[t] = math.Sqrt(alphaProd)
		s.sqrtOneMinusAlphasCumprod[t] = math.Sqrt(1 - alphaProd)

		alphaProdPrev := 1.0
		if t > 0 {
			alphaProdPrev = s.AlphasCumprod[t-1]
		}
		betaProd := 1 - alphaProd
		currentAlpha := alphaProd / alphaProdPrev
		currentBeta := 1 - currentAlpha
		s.posteriorCoefSample[t] = math.Sqrt(alphaProdPrev) * currentBeta / betaProd
		s.posteriorCoefNoisy[t] = math.Sqrt(currentAlpha) * (1 - alphaProdPrev) / betaProd
	}
	return s, nil
}

// NumTrainTimesteps is the number of discrete timesteps of the schedule. Timesteps are sampled in [0, NumTrainTimesteps).
func (s *DDPM) NumTrainTimesteps() int { return s.Config.NumTrainTimesteps }

// PredictionType configured for the model trained with this schedule.
func (s *DDPM) PredictionType() string { return s.Config.PredictionType }

// perExample gathers table[timesteps] and reshapes it so it broadcasts over x: shaped [batch, 1, 1, ...].
//
// timesteps can be a scalar or shaped [batch], of any integer dtype.
func perExample(table []float64, timesteps, x *Node) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]
	values := ConvertDType(Const(g, table), x.DType())
	indices := ConvertDType(timesteps, dtypes.Int32)
	if indices.IsScalar() {
		indices = BroadcastToDims(indices, batchSize)
	}
	if indices.Rank() != 1 || indices.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("timesteps must be a scalar or shaped [%d], got %s", batchSize, timesteps.Shape())
	}
	coef := Gather(values, InsertAxes(indices, -1))
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[0] = batchSize
	return Reshape(coef, dims...)
}

// AddNoise corrupts the clean samples x0 with noise at the given timesteps:
//
//	noisy = sqrt(alphasCumprod[t]) * x0 + sqrt(1 - alphasCumprod[t]) * noise
//
// x0 and noise must have the same shape, with the batch as the first axis, and timesteps is shaped [batch].
func (s *DDPM) AddNoise(x0, noise, timesteps *Node) *Node {
	signal := perExample(s.sqrtAlphasCumprod, timesteps, x0)
	noiseRatio := perExample(s.sqrtOneMinusAlphasCumprod, timesteps, x0)
	return Add(Mul(signal, x0), Mul(noiseRatio, noise))
}

// GetVelocity returns the "v-prediction" target for the clean samples x0 and noise at the given timesteps:
//
//	velocity = sqrt(alphasCumprod[t]) * noise - sqrt(1 - alphasCumprod[t]) * x0
func (s *DDPM) GetVelocity(x0, noise, timesteps *Node) *Node {
	signal := perExample(s.sqrtAlphasCumprod, timesteps, x0)
	noiseRatio := perExample(s.sqrtOneMinusAlphasCumprod, timesteps, x0)
	return Sub(Mul(signal, noise), Mul(noiseRatio, x0))
}

// PredictOriginal converts the model output at timesteps to an estimate of the clean sample, according to the
// configured prediction type.
func (s *DDPM) PredictOriginal(modelOutput, timesteps, sample *Node) *Node {
	signal := perExample(s.sqrtAlphasCumprod, timesteps, sample)
	noiseRatio := perExample(s.sqrtOneMinusAlphasCumprod, timesteps, sample)
	var original *Node
	switch s.Config.PredictionType {
	case PredictionEpsilon:
		original = Div(Sub(sample, Mul(noiseRatio, modelOutput)), signal)
	case PredictionVelocity:
		original = Sub(Mul(signal, sample), Mul(noiseRatio, modelOutput))
	case PredictionSample:
		original = modelOutput
	default:
		exceptions.Panicf("DDPM schedule: prediction_type %q not supported, valid values are %q, %q or %q",
			s.Config.PredictionType, PredictionEpsilon, PredictionVelocity, PredictionSample)
	}
	if s.Config.ClipSample {
		clipRange := s.Config.ClipSampleRange
		original = ClipScalar(original, -clipRange, clipRange)
	}
	return original
}

// Step moves the noisy sample at timesteps t to t-1, using the mean of the posterior q(x_{t-1} | x_t, x_0),
// where x_0 is estimated from the model output.
//
// It doesn't add the posterior variance noise, so it is deterministic.
func (s *DDPM) Step(modelOutput, timesteps, sample *Node) *Node {
	original := s.PredictOriginal(modelOutput, timesteps, sample)
	coefOriginal := perExample(s.posteriorCoefSample, timesteps, sample)
	coefSample := perExample(s.posteriorCoefNoisy, timesteps, sample)
	return Add(Mul(coefOriginal, original), Mul(coefSample, sample))
}
