// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedulers implements the noise schedules used to train and to sample latent diffusion models:
// DDPM for training time corruption and the K-LMS discrete schedule for inference.
//
// Per-timestep tables (betas, cumulative alphas, sigmas) are computed on the host in float64, and the
// operations that touch tensors (AddNoise, GetVelocity, Step) are graph building functions.
package schedulers

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Prediction types supported by the schedules.
const (
	PredictionEpsilon  = "epsilon"
	PredictionVelocity = "v_prediction"
	PredictionSample   = "sample"
)

// ErrUnsupportedPredictionType is returned (possibly wrapped) for an unknown prediction type.
var ErrUnsupportedPredictionType = errors.New("unsupported prediction type")

// Beta schedules supported.
const (
	BetaLinear       = "linear"
	BetaScaledLinear = "scaled_linear"
	BetaSquaredCos   = "squaredcos_cap_v2"
)

// Timestep spacings used when selecting the inference timesteps.
const (
	SpacingLinspace = "linspace"
	SpacingLeading  = "leading"
	SpacingTrailing = "trailing"
)

// ConfigFile is the name of the file with the schedule configuration, in the "scheduler" subdirectory of
// a stable diffusion repository.
const ConfigFile = "scheduler_config.json"

// Config of a noise schedule. It follows the fields of the HuggingFace "scheduler_config.json" file, so it can be
// read directly from it.
type Config struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"`
	BetaStart         float64 `json:"beta_start"`
	BetaEnd           float64 `json:"beta_end"`
	BetaSchedule      string  `json:"beta_schedule"`
	PredictionType    string  `json:"prediction_type"`
	StepsOffset       int     `json:"steps_offset"`
	TimestepSpacing   string  `json:"timestep_spacing"`
	ClipSample        bool    `json:"clip_sample"`
	ClipSampleRange   float64 `json:"clip_sample_range"`
	VarianceType      string  `json:"variance_type"`
}

// DefaultConfig returns the configuration used when a field is missing from the configuration file.
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.0001,
		BetaEnd:           0.02,
		BetaSchedule:      BetaLinear,
		PredictionType:    PredictionEpsilon,
		TimestepSpacing:   SpacingLinspace,
		ClipSample:        true,
		ClipSampleRange:   1.0,
		VarianceType:      "fixed_small",
	}
}

// ParseConfig parses the JSON contents of a "scheduler_config.json" file on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse scheduler configuration")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfigFile reads and parses a "scheduler_config.json" file.
func LoadConfigFile(filePath string) (Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return DefaultConfig(), errors.Wrapf(err, "failed to read scheduler configuration from %q", filePath)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return cfg, errors.WithMessagef(err, "in file %q", filePath)
	}
	return cfg, nil
}

// Validate checks that the configuration can be used to build a schedule.
//
// The prediction type is not validated here: an unsupported prediction type is only an error for
// the training target, which is checked when the model builds its forward pass.
func (cfg Config) Validate() error {
	if cfg.NumTrainTimesteps <= 1 {
		return errors.Errorf("scheduler num_train_timesteps must be > 1, got %d", cfg.NumTrainTimesteps)
	}
	switch cfg.BetaSchedule {
	case BetaLinear, BetaScaledLinear, BetaSquaredCos:
	default:
		return errors.Errorf("scheduler beta_schedule %q not supported, valid values are %q, %q or %q",
			cfg.BetaSchedule, BetaLinear, BetaScaledLinear, BetaSquaredCos)
	}
	switch cfg.TimestepSpacing {
	case SpacingLinspace, SpacingLeading, SpacingTrailing:
	default:
		return errors.Errorf("scheduler timestep_spacing %q not supported, valid values are %q, %q or %q",
			cfg.TimestepSpacing, SpacingLinspace, SpacingLeading, SpacingTrailing)
	}
	return nil
}

// Betas returns the per-timestep noise variances for the configured beta schedule.
func (cfg Config) Betas() []float64 {
	n := cfg.NumTrainTimesteps
	betas := make([]float64, n)
	switch cfg.BetaSchedule {
	case BetaLinear:
		for ii := range betas {
			betas[ii] = cfg.BetaStart + float64(ii)/float64(n-1)*(cfg.BetaEnd-cfg.BetaStart)
		}
	case BetaScaledLinear:
		// Linearly spaced in sqrt(beta), then squared.
		sqrtStart, sqrtEnd := math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd)
		for ii := range betas {
			beta := sqrtStart + float64(ii)/float64(n-1)*(sqrtEnd-sqrtStart)
			betas[ii] = beta * beta
		}
	case BetaSquaredCos:
		alphaBar := func(t float64) float64 {
			v := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return v * v
		}
		for ii := range betas {
			t1 := float64(ii) / float64(n)
			t2 := float64(ii+1) / float64(n)
			betas[ii] = math.Min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	}
	return betas
}

// AlphasCumprod returns the cumulative product of (1 - beta) for each timestep.
func AlphasCumprod(betas []float64) []float64 {
	alphasCumprod := make([]float64, len(betas))
	prod := 1.0
	for ii, beta := range betas {
		prod *= 1.0 - beta
		alphasCumprod[ii] = prod
	}
	return alphasCumprod
}
