// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// ParamDType is the context hyperparameter with the dtype of the model.
const ParamDType = "dtype"

// DTypeName returns the name of the model dtype for the configured precision.
func (cfg *Config) DTypeName() string {
	switch cfg.Precision {
	case PrecisionAMPFP16:
		return "float16"
	case PrecisionAMPBF16:
		return "bfloat16"
	default:
		return "float32"
	}
}

// ApplyToContext sets the hyperparameters of the context from the configuration: the optimizer settings,
// the dtype and the free-form Hyperparameters, which take precedence.
func (cfg *Config) ApplyToContext(ctx *context.Context) error {
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    cfg.Optimizer.LR,
		optimizers.ParamAdamWeightDecay: cfg.Optimizer.WeightDecay,
		optimizers.ParamAdamDType:       "float32",
		losses.ParamLoss:                "mse",
		ParamDType:                      cfg.DTypeName(),
	})
	for key, value := range cfg.Hyperparameters {
		normalized, err := normalizeParam(value)
		if err != nil {
			return errors.WithMessagef(err, "hyperparameter %q", key)
		}
		ctx.SetParam(key, normalized)
	}
	return nil
}

// normalizeParam converts YAML decoded lists ([]any) to the typed slices used by the context parameters.
func normalizeParam(value any) (any, error) {
	list, ok := value.([]any)
	if !ok {
		switch v := value.(type) {
		case nil, bool, int, int64, float64, string:
			return v, nil
		}
		return nil, errors.Errorf("unsupported value type %T", value)
	}
	if len(list) == 0 {
		return []int{}, nil
	}
	switch list[0].(type) {
	case int:
		ints := make([]int, len(list))
		for ii, v := range list {
			i, ok := v.(int)
			if !ok {
				return normalizeFloats(list)
			}
			ints[ii] = i
		}
		return ints, nil
	case float64:
		return normalizeFloats(list)
	case string:
		strs := make([]string, len(list))
		for ii, v := range list {
			s, ok := v.(string)
			if !ok {
				return nil, errors.Errorf("mixed list types: %v", list)
			}
			strs[ii] = s
		}
		return strs, nil
	}
	return nil, errors.Errorf("unsupported list element type %T", list[0])
}

func normalizeFloats(list []any) (any, error) {
	floats := make([]float64, len(list))
	for ii, v := range list {
		switch f := v.(type) {
		case int:
			floats[ii] = float64(f)
		case float64:
			floats[ii] = f
		default:
			return nil, errors.Errorf("mixed list types: %v", list)
		}
	}
	return floats, nil
}
