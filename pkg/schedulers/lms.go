// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate/quad"
)

// LMSOrder is the default order of the linear multistep method.
const LMSOrder = 4

// LMS is the linear multistep (K-LMS) discrete schedule, used for inference.
//
// It works in "sigma" space: sigma = sqrt((1 - alphasCumprod) / alphasCumprod). The steps must be taken in
// order, after SetTimesteps, since the schedule keeps the history of the last derivatives.
//
// LMS is not safe for concurrent use.
type LMS struct {
	Config        Config
	AlphasCumprod []float64
	Order         int

	trainSigmas []float64
	sigmas      []float64 // numInferenceSteps+1 values, the last one is 0.
	timesteps   []float64

	derivatives    []*tensors.Tensor
	nextStep       int
	derivativeExec *Exec
	combineExec    *Exec
	execBackend    backends.Backend
}

// NewLMS creates an LMS schedule from the configuration.
func NewLMS(cfg Config) (*LMS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.PredictionType {
	case PredictionEpsilon, PredictionVelocity, PredictionSample:
	default:
		return nil, errors.Wrapf(ErrUnsupportedPredictionType, "LMS schedule: prediction_type %q not supported, "+
			"valid values are %q, %q or %q", cfg.PredictionType, PredictionEpsilon, PredictionVelocity, PredictionSample)
	}
	s := &LMS{
		Config:        cfg,
		AlphasCumprod: AlphasCumprod(cfg.Betas()),
		Order:         LMSOrder,
	}
	s.trainSigmas = make([]float64, len(s.AlphasCumprod))
	for ii, alphaProd := range s.AlphasCumprod {
		s.trainSigmas[ii] = math.Sqrt((1 - alphaProd) / alphaProd)
	}
	// Until SetTimesteps is called, use all training timesteps.
	if err := s.SetTimesteps(cfg.NumTrainTimesteps); err != nil {
		return nil, err
	}
	return s, nil
}

// SetTimesteps selects the numInferenceSteps timesteps (and their sigmas) used for sampling, and resets the
// derivatives history.
func (s *LMS) SetTimesteps(numInferenceSteps int) error {
	numTrain := s.Config.NumTrainTimesteps
	if numInferenceSteps <= 0 || numInferenceSteps > numTrain {
		return errors.Errorf("LMS schedule: number of inference steps must be in [1, %d], got %d",
			numTrain, numInferenceSteps)
	}
	timesteps := make([]float64, numInferenceSteps)
	switch s.Config.TimestepSpacing {
	case SpacingLinspace:
		// linspace(0, numTrain-1, n), reversed.
		if numInferenceSteps == 1 {
			timesteps[0] = 0
			break
		}
		for ii := range timesteps {
			timesteps[numInferenceSteps-1-ii] = float64(ii) * float64(numTrain-1) / float64(numInferenceSteps-1)
		}
	case SpacingLeading:
		stepRatio := numTrain / numInferenceSteps
		for ii := range timesteps {
			timesteps[numInferenceSteps-1-ii] = float64(ii*stepRatio + s.Config.StepsOffset)
		}
	case SpacingTrailing:
		stepRatio := float64(numTrain) / float64(numInferenceSteps)
		for ii := range timesteps {
			timesteps[ii] = math.Round(float64(numTrain)-float64(ii)*stepRatio) - 1
		}
	}

	sigmas := make([]float64, numInferenceSteps+1)
	for ii, t := range timesteps {
		sigmas[ii] = interpolate(s.trainSigmas, t)
	}
	sigmas[numInferenceSteps] = 0
	s.timesteps = timesteps
	s.sigmas = sigmas
	s.resetDerivatives()
	return nil
}

// interpolate table linearly at the fractional position t, clamping t to the table limits.
func interpolate(table []float64, t float64) float64 {
	if t <= 0 {
		return table[0]
	}
	last := len(table) - 1
	if t >= float64(last) {
		return table[last]
	}
	low := int(math.Floor(t))
	frac := t - float64(low)
	return table[low]*(1-frac) + table[low+1]*frac
}

func (s *LMS) resetDerivatives() {
	for _, d := range s.derivatives {
		_ = d.FinalizeAll()
	}
	s.derivatives = nil
	s.nextStep = 0
}

// Timesteps selected by the last call to SetTimesteps, from the noisiest to the cleanest.
func (s *LMS) Timesteps() []float64 { return s.timesteps }

// Sigma returns the noise level at the given step index.
func (s *LMS) Sigma(stepIndex int) float64 { return s.sigmas[stepIndex] }

// InitNoiseSigma is the standard deviation of the initial noise used to start sampling.
func (s *LMS) InitNoiseSigma() float64 {
	maxSigma := 0.0
	for _, sigma := range s.sigmas {
		maxSigma = math.Max(maxSigma, sigma)
	}
	if s.Config.TimestepSpacing == SpacingLinspace || s.Config.TimestepSpacing == SpacingTrailing {
		return maxSigma
	}
	return math.Sqrt(maxSigma*maxSigma + 1)
}

// ModelInputScale is the factor the sample at stepIndex is scaled by before being fed to the denoiser,
// 1/sqrt(sigma^2+1).
func (s *LMS) ModelInputScale(stepIndex int) float64 {
	sigma := s.sigmas[stepIndex]
	return 1.0 / math.Sqrt(sigma*sigma+1)
}

// ScaleModelInput scales the sample by the model input scale, given as a scalar node.
func (s *LMS) ScaleModelInput(sample, scale *Node) *Node {
	return Mul(sample, ConvertDType(scale, sample.DType()))
}

// Derivative of the sample with respect to sigma (dx/dsigma), given the model output, at noise level sigma.
//
// It panics if the prediction type is not one of PredictionEpsilon, PredictionVelocity or PredictionSample.
func (s *LMS) Derivative(modelOutput, sample, sigma *Node) *Node {
	sigma = ConvertDType(sigma, sample.DType())
	switch s.Config.PredictionType {
	case PredictionEpsilon:
		// original = sample - sigma*noise, so the derivative is the noise itself.
		return modelOutput
	case PredictionVelocity:
		// original = v * (-sigma / sqrt(sigma^2+1)) + sample / (sigma^2+1)
		sigmaSqPlusOne := OnePlus(Square(sigma))
		original := Add(
			Mul(modelOutput, Div(Neg(sigma), Sqrt(sigmaSqPlusOne))),
			Div(sample, sigmaSqPlusOne))
		return Div(Sub(sample, original), sigma)
	case PredictionSample:
		return Div(Sub(sample, modelOutput), sigma)
	default:
		exceptions.Panicf("LMS schedule: prediction_type %q not supported, valid values are %q, %q or %q",
			s.Config.PredictionType, PredictionEpsilon, PredictionVelocity, PredictionSample)
		return nil
	}
}

// Coefficients of the linear multistep update for the given step index. It returns min(stepIndex+1, Order)
// coefficients, for the derivatives from the most recent to the oldest.
func (s *LMS) Coefficients(stepIndex int) []float64 {
	order := min(stepIndex+1, s.Order)
	coefs := make([]float64, order)
	for currentOrder := range order {
		coefs[currentOrder] = s.lmsCoefficient(order, stepIndex, currentOrder)
	}
	return coefs
}

// lmsCoefficient integrates the Lagrange basis polynomial for currentOrder over [sigma[t+1], sigma[t]].
func (s *LMS) lmsCoefficient(order, t, currentOrder int) float64 {
	basis := func(tau float64) float64 {
		prod := 1.0
		for k := range order {
			if k == currentOrder {
				continue
			}
			prod *= (tau - s.sigmas[t-k]) / (s.sigmas[t-currentOrder] - s.sigmas[t-k])
		}
		return prod
	}
	// Sigmas are decreasing: integrate from the smaller to the larger and flip the sign.
	return -quad.Fixed(basis, s.sigmas[t+1], s.sigmas[t], 2*order, nil, 0)
}

// Combine returns sample + sum_k coefficients[k] * derivatives[k], where coefficients is shaped [len(derivatives)].
func (s *LMS) Combine(sample, coefficients *Node, derivatives []*Node) *Node {
	coefficients = ConvertDType(coefficients, sample.DType())
	result := sample
	for ii, derivative := range derivatives {
		coef := Slice(coefficients, AxisElem(ii))
		coef = Reshape(coef)
		result = Add(result, Mul(coef, derivative))
	}
	return result
}

// Step advances the sample from stepIndex to stepIndex+1 (one step less noisy), given the denoiser output.
//
// The steps must be called in sequence, starting from 0 after SetTimesteps. The sample and modelOutput tensors
// are not modified, and a new tensor is returned.
func (s *LMS) Step(backend backends.Backend, modelOutput *tensors.Tensor, stepIndex int, sample *tensors.Tensor) (
	*tensors.Tensor, error) {
	if stepIndex < 0 || stepIndex >= len(s.timesteps) {
		return nil, errors.Errorf("LMS schedule: step index %d out of range, there are %d timesteps",
			stepIndex, len(s.timesteps))
	}
	if stepIndex != s.nextStep {
		return nil, errors.Errorf("LMS schedule: steps must be taken in order, expected step %d, got %d",
			s.nextStep, stepIndex)
	}
	if err := s.buildExecs(backend); err != nil {
		return nil, err
	}

	derivative, err := s.derivativeExec.Exec1(modelOutput, sample, s.sigmas[stepIndex])
	if err != nil {
		return nil, errors.WithMessagef(err, "LMS schedule: computing derivative at step %d", stepIndex)
	}
	s.derivatives = append(s.derivatives, derivative)
	if len(s.derivatives) > s.Order {
		_ = s.derivatives[0].FinalizeAll()
		s.derivatives = s.derivatives[1:]
	}

	coefs := s.Coefficients(stepIndex)
	args := make([]any, 0, 2+len(coefs))
	args = append(args, sample, coefs)
	// Most recent derivative first.
	for ii := range coefs {
		args = append(args, s.derivatives[len(s.derivatives)-1-ii])
	}
	prevSample, err := s.combineExec.Exec1(args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "LMS schedule: combining derivatives at step %d", stepIndex)
	}
	s.nextStep++
	return prevSample, nil
}

func (s *LMS) buildExecs(backend backends.Backend) error {
	if s.execBackend == backend && s.derivativeExec != nil {
		return nil
	}
	var err error
	s.derivativeExec, err = NewExec(backend, func(modelOutput, sample, sigma *Node) *Node {
		return s.Derivative(modelOutput, sample, sigma)
	})
	if err != nil {
		return errors.WithMessage(err, "LMS schedule: creating derivative executor")
	}
	s.combineExec, err = NewExec(backend, func(inputs []*Node) *Node {
		return s.Combine(inputs[0], inputs[1], inputs[2:])
	})
	if err != nil {
		return errors.WithMessage(err, "LMS schedule: creating combine executor")
	}
	s.execBackend = backend
	return nil
}
