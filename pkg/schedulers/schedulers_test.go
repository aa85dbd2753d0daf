// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// stableDiffusionConfig is the "scheduler/scheduler_config.json" of the stable diffusion v1 models.
const stableDiffusionConfig = `{
  "_class_name": "PNDMScheduler",
  "_diffusers_version": "0.7.0.dev0",
  "beta_end": 0.012,
  "beta_schedule": "scaled_linear",
  "beta_start": 0.00085,
  "num_train_timesteps": 1000,
  "set_alpha_to_one": false,
  "skip_prk_steps": true,
  "steps_offset": 1,
  "trained_betas": null,
  "clip_sample": false
}`

func sdConfig(t *testing.T) Config {
	cfg, err := ParseConfig([]byte(stableDiffusionConfig))
	require.NoError(t, err)
	return cfg
}

func TestParseConfig(t *testing.T) {
	cfg := sdConfig(t)
	assert.Equal(t, 1000, cfg.NumTrainTimesteps)
	assert.Equal(t, BetaScaledLinear, cfg.BetaSchedule)
	assert.Equal(t, 1, cfg.StepsOffset)
	assert.False(t, cfg.ClipSample)
	// Missing fields take the defaults.
	assert.Equal(t, PredictionEpsilon, cfg.PredictionType)
	assert.Equal(t, SpacingLinspace, cfg.TimestepSpacing)

	_, err := ParseConfig([]byte(`{"beta_schedule": "exponential"}`))
	require.Error(t, err)
	_, err = ParseConfig([]byte(`{"num_train_timesteps": 0}`))
	require.Error(t, err)
	_, err = ParseConfig([]byte(`{"timestep_spacing": "random"}`))
	require.Error(t, err)
	_, err = ParseConfig([]byte(`not json`))
	require.Error(t, err)
}

func TestBetas(t *testing.T) {
	cfg := sdConfig(t)
	betas := cfg.Betas()
	require.Len(t, betas, 1000)
	assert.InDelta(t, 0.00085, betas[0], 1e-12)
	assert.InDelta(t, 0.012, betas[999], 1e-12)

	cfg.BetaSchedule = BetaLinear
	betas = cfg.Betas()
	assert.InDelta(t, cfg.BetaStart, betas[0], 1e-12)
	assert.InDelta(t, cfg.BetaEnd, betas[999], 1e-12)
	assert.InDelta(t, (cfg.BetaStart+cfg.BetaEnd)/2, (betas[499]+betas[500])/2, 1e-9)

	cfg.BetaSchedule = BetaSquaredCos
	betas = cfg.Betas()
	for ii, beta := range betas {
		require.LessOrEqual(t, beta, 0.999)
		if ii > 0 {
			require.GreaterOrEqual(t, beta, betas[ii-1], "betas should be non-decreasing, failed at %d", ii)
		}
	}

	alphasCumprod := AlphasCumprod(betas)
	for ii := 1; ii < len(alphasCumprod); ii++ {
		require.Less(t, alphasCumprod[ii], alphasCumprod[ii-1])
	}
}

func TestDDPMAddNoiseAndVelocity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ddpm, err := NewDDPM(sdConfig(t))
	require.NoError(t, err)

	x0 := tensors.FromValue([][]float32{{1, 2}, {-1, 0.5}})
	noise := tensors.FromValue([][]float32{{0.5, -0.5}, {2, 1}})
	timesteps := tensors.FromValue([]int32{0, 999})

	noisy, err := ExecOnce(backend, func(x0, noise, timesteps *Node) *Node {
		return ddpm.AddNoise(x0, noise, timesteps)
	}, x0, noise, timesteps)
	require.NoError(t, err)
	velocity, err := ExecOnce(backend, func(x0, noise, timesteps *Node) *Node {
		return ddpm.GetVelocity(x0, noise, timesteps)
	}, x0, noise, timesteps)
	require.NoError(t, err)

	x0Values := tensors.MustCopyFlatData[float32](x0)
	noiseValues := tensors.MustCopyFlatData[float32](noise)
	noisyValues := tensors.MustCopyFlatData[float32](noisy)
	velocityValues := tensors.MustCopyFlatData[float32](velocity)
	for ii := range x0Values {
		tIdx := []int{0, 999}[ii/2]
		signal := math.Sqrt(ddpm.AlphasCumprod[tIdx])
		noiseRatio := math.Sqrt(1 - ddpm.AlphasCumprod[tIdx])
		wantNoisy := signal*float64(x0Values[ii]) + noiseRatio*float64(noiseValues[ii])
		wantVelocity := signal*float64(noiseValues[ii]) - noiseRatio*float64(x0Values[ii])
		assert.InDelta(t, wantNoisy, float64(noisyValues[ii]), 1e-5, "noisy[%d]", ii)
		assert.InDelta(t, wantVelocity, float64(velocityValues[ii]), 1e-5, "velocity[%d]", ii)
	}
}

// TestDDPMStepTowardsClean checks that corrupting a latent and then taking one reverse step with the true noise
// moves it closer to the clean latent.
func TestDDPMStepTowardsClean(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ddpm, err := NewDDPM(sdConfig(t))
	require.NoError(t, err)

	for _, timestep := range []int32{10, 250, 500, 900} {
		distances, err := ExecOnce(backend, func(g *Graph) *Node {
			rng := Const(g, must.M1(RNGStateFromSeed(int64(timestep))))
			rng, x0 := RandomNormal(rng, shapes.Make(dtypes.Float32, 8, 4, 8, 8))
			_, noise := RandomNormal(rng, shapes.Make(dtypes.Float32, 8, 4, 8, 8))
			timesteps := BroadcastToDims(Const(g, timestep), 8)
			noisy := ddpm.AddNoise(x0, noise, timesteps)
			previous := ddpm.Step(noise, timesteps, noisy)
			before := ReduceAllSum(Square(Sub(noisy, x0)))
			after := ReduceAllSum(Square(Sub(previous, x0)))
			return Stack([]*Node{before, after}, 0)
		})
		require.NoError(t, err)
		values := tensors.MustCopyFlatData[float32](distances)
		assert.Less(t, values[1], values[0], "timestep %d: step moved away from the clean latent", timestep)
	}
}

func TestLMSTimesteps(t *testing.T) {
	lms, err := NewLMS(sdConfig(t))
	require.NoError(t, err)
	require.NoError(t, lms.SetTimesteps(50))

	timesteps := lms.Timesteps()
	require.Len(t, timesteps, 50)
	assert.InDelta(t, 999.0, timesteps[0], 1e-9)
	assert.InDelta(t, 0.0, timesteps[49], 1e-9)
	for ii := 1; ii < len(timesteps); ii++ {
		require.Less(t, timesteps[ii], timesteps[ii-1])
	}
	assert.Equal(t, 0.0, lms.Sigma(50))
	assert.InDelta(t, lms.Sigma(0), lms.InitNoiseSigma(), 1e-12)
	// Around 14.6 for the stable diffusion schedule.
	assert.InDelta(t, 14.6, lms.InitNoiseSigma(), 0.1)
	assert.InDelta(t, 1/math.Sqrt(lms.Sigma(3)*lms.Sigma(3)+1), lms.ModelInputScale(3), 1e-12)

	require.Error(t, lms.SetTimesteps(0))
	require.Error(t, lms.SetTimesteps(1001))

	cfg := sdConfig(t)
	cfg.TimestepSpacing = SpacingLeading
	lms, err = NewLMS(cfg)
	require.NoError(t, err)
	require.NoError(t, lms.SetTimesteps(10))
	assert.Equal(t, []float64{901, 801, 701, 601, 501, 401, 301, 201, 101, 1}, lms.Timesteps())
	assert.Greater(t, lms.InitNoiseSigma(), lms.Sigma(0))

	cfg.TimestepSpacing = SpacingTrailing
	lms, err = NewLMS(cfg)
	require.NoError(t, err)
	require.NoError(t, lms.SetTimesteps(4))
	assert.Equal(t, []float64{999, 749, 499, 249}, lms.Timesteps())
}

func TestLMSCoefficients(t *testing.T) {
	lms, err := NewLMS(sdConfig(t))
	require.NoError(t, err)
	require.NoError(t, lms.SetTimesteps(20))

	// First order: integral of 1 over [sigma_0, sigma_1].
	coefs := lms.Coefficients(0)
	require.Len(t, coefs, 1)
	assert.InDelta(t, lms.Sigma(1)-lms.Sigma(0), coefs[0], 1e-9)

	// Lagrange basis polynomials sum to 1, so the coefficients sum to the step size in sigma.
	for _, step := range []int{1, 2, 3, 10, 19} {
		coefs = lms.Coefficients(step)
		require.Len(t, coefs, min(step+1, LMSOrder))
		sum := 0.0
		for _, c := range coefs {
			sum += c
		}
		assert.InDelta(t, lms.Sigma(step+1)-lms.Sigma(step), sum, 1e-9, "step %d", step)
	}
}

func TestLMSStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lms, err := NewLMS(sdConfig(t))
	require.NoError(t, err)
	require.NoError(t, lms.SetTimesteps(10))

	sample := tensors.FromValue([]float32{1, -2, 3})
	noise := tensors.FromValue([]float32{0.5, 0.5, -1})
	next, err := lms.Step(backend, noise, 0, sample)
	require.NoError(t, err)
	delta := lms.Sigma(1) - lms.Sigma(0)
	got := tensors.MustCopyFlatData[float32](next)
	want := []float64{1 + 0.5*delta, -2 + 0.5*delta, 3 - delta}
	for ii := range want {
		assert.InDelta(t, want[ii], float64(got[ii]), 1e-4)
	}

	// Out of order steps are an error.
	_, err = lms.Step(backend, noise, 5, next)
	require.Error(t, err)

	// Running all steps with zero noise prediction keeps the sample unchanged.
	require.NoError(t, lms.SetTimesteps(10))
	zeros := tensors.FromValue([]float32{0, 0, 0})
	current := sample
	for step := range lms.Timesteps() {
		current, err = lms.Step(backend, zeros, step, current)
		require.NoError(t, err)
	}
	assert.Equal(t, []float32{1, -2, 3}, tensors.MustCopyFlatData[float32](current))
}

func TestLMSPredictionTypes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	derivative := func(lms *LMS) []float32 {
		output, err := ExecOnce(backend, func(modelOutput, sample, sigma *Node) *Node {
			return lms.Derivative(modelOutput, sample, sigma)
		}, []float32{1, 2}, []float32{3, 6}, float32(2))
		require.NoError(t, err)
		return tensors.MustCopyFlatData[float32](output)
	}

	cfg := sdConfig(t)
	lms := must.M1(NewLMS(cfg))
	assert.Equal(t, []float32{1, 2}, derivative(lms))

	// The model predicts the clean sample: dx/dsigma = (sample - original) / sigma.
	cfg.PredictionType = PredictionSample
	lms = must.M1(NewLMS(cfg))
	assert.Equal(t, []float32{1, 2}, derivative(lms))

	cfg.PredictionType = "velocity"
	_, err := NewLMS(cfg)
	require.ErrorIs(t, err, ErrUnsupportedPredictionType)
	lms.Config.PredictionType = "velocity"
	g := NewGraph(backend, "unsupported_prediction")
	defer g.Finalize()
	assert.Panics(t, func() {
		x := Const(g, []float32{1, 2})
		_ = lms.Derivative(x, x, Const(g, float32(2)))
	})
}
