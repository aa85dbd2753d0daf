// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrGradAccumAutoOnCPU is returned by Validate if grad_accum is "auto" and the device is the CPU.
var ErrGradAccumAutoOnCPU = errors.New(`grad_accum="auto" requires training with a GPU, please specify grad_accum as an integer`)

// KnownLoggers are the logger names accepted in Config.Loggers.
var KnownLoggers = []string{"progress_bar", "klog"}

// Suggest returns " (did you mean X?)" with the closest valid value to s, if it is close enough. Otherwise
// it returns "".
func Suggest(s string, valid []string) string {
	best, bestDistance := "", len(s)/2+2
	for _, candidate := range valid {
		if distance := levenshtein.ComputeDistance(strings.ToLower(s), candidate); distance < bestDistance {
			best, bestDistance = candidate, distance
		}
	}
	if best == "" {
		return ""
	}
	return " (did you mean " + best + "?)"
}

// GradAccumSteps returns the number of gradient accumulation steps on device: "auto" resolves to 1 on the GPU.
func (cfg *Config) GradAccumSteps(device string) (int, error) {
	if cfg.GradAccum.Auto {
		if device == DeviceCPU {
			return 0, ErrGradAccumAutoOnCPU
		}
		return 1, nil
	}
	if cfg.GradAccum.Steps <= 0 {
		return 0, errors.Errorf("grad_accum must be \"auto\" or a positive integer, got %d", cfg.GradAccum.Steps)
	}
	return cfg.GradAccum.Steps, nil
}

// DeviceTrainBatchSize is the number of instance examples of each training step: the global batch size
// divided by the gradient accumulation steps.
func (cfg *Config) DeviceTrainBatchSize(device string) (int, error) {
	steps, err := cfg.GradAccumSteps(device)
	if err != nil {
		return 0, err
	}
	if cfg.GlobalTrainBatchSize%steps != 0 {
		return 0, errors.Errorf("global_train_batch_size=%d must be divisible by grad_accum=%d",
			cfg.GlobalTrainBatchSize, steps)
	}
	return cfg.GlobalTrainBatchSize / steps, nil
}

// Validate the configuration for training on device ("cpu" or "gpu"). The grad_accum rule is checked right after
// the device, before any other field, and it returns ErrGradAccumAutoOnCPU (possibly wrapped) if it is violated.
func (cfg *Config) Validate(device string) error {
	if device != DeviceCPU && device != DeviceGPU {
		return errors.Errorf("unknown device %q, valid values are %q or %q%s", device, DeviceCPU, DeviceGPU,
			Suggest(device, []string{DeviceCPU, DeviceGPU}))
	}
	if _, err := cfg.GradAccumSteps(device); err != nil {
		return err
	}
	if cfg.GlobalTrainBatchSize <= 0 || cfg.GlobalEvalBatchSize <= 0 {
		return errors.Errorf("global_train_batch_size (%d) and global_eval_batch_size (%d) must be positive",
			cfg.GlobalTrainBatchSize, cfg.GlobalEvalBatchSize)
	}
	if _, err := cfg.DeviceTrainBatchSize(device); err != nil {
		return err
	}
	if !slices.Contains(Precisions, cfg.Precision) {
		return errors.Errorf("unknown precision %q, valid values are %q%s", cfg.Precision, Precisions,
			Suggest(cfg.Precision, Precisions))
	}
	if cfg.MaxDuration.IsZero() {
		return errors.New("max_duration must be set, e.g. \"800ba\"")
	}
	for name, d := range map[string]Duration{
		"max_duration": cfg.MaxDuration, "eval_interval": cfg.EvalInterval,
		"log_interval": cfg.LogInterval, "save_interval": cfg.SaveInterval,
	} {
		if d.Value < 0 {
			return errors.Errorf("%s must not be negative, got %d", name, d.Value)
		}
	}
	if cfg.Model.Name == "" {
		return errors.New("model.name must be set")
	}
	if !cfg.Model.TrainUNet && !cfg.Model.TrainTextEncoder {
		return errors.New("at least one of model.train_unet or model.train_text_encoder must be true")
	}
	if cfg.Model.NumImagesPerPrompt <= 0 || cfg.Model.NumInferenceSteps <= 0 {
		return errors.Errorf("model.num_images_per_prompt (%d) and model.num_inference_steps (%d) must be positive",
			cfg.Model.NumImagesPerPrompt, cfg.Model.NumInferenceSteps)
	}
	if cfg.Dataset.InstanceDataRoot == "" || cfg.Dataset.InstancePrompt == "" {
		return errors.New("dataset.instance_data_root and dataset.instance_prompt must be set")
	}
	if cfg.Dataset.Resolution <= 0 || cfg.Dataset.Resolution%8 != 0 {
		return errors.Errorf("dataset.resolution must be a positive multiple of 8, got %d", cfg.Dataset.Resolution)
	}
	if cfg.UsePriorPreservation {
		if cfg.Dataset.ClassDataRoot == "" || cfg.Dataset.ClassPrompt == "" {
			return errors.New("use_prior_preservation requires dataset.class_data_root and dataset.class_prompt")
		}
		if cfg.NumClassImages <= 0 {
			return errors.Errorf("use_prior_preservation requires a positive num_class_images, got %d",
				cfg.NumClassImages)
		}
	}
	if cfg.Optimizer.LR <= 0 || cfg.Optimizer.WeightDecay < 0 {
		return errors.Errorf("optimizer.lr (%g) must be positive and optimizer.weight_decay (%g) not negative",
			cfg.Optimizer.LR, cfg.Optimizer.WeightDecay)
	}
	if cfg.UseEMA && (cfg.EMA.HalfLife <= 0 || cfg.EMA.UpdateInterval <= 0) {
		return errors.Errorf("use_ema requires positive ema.half_life (%d) and ema.update_interval (%d)",
			cfg.EMA.HalfLife, cfg.EMA.UpdateInterval)
	}
	for name := range cfg.Loggers {
		if !slices.Contains(KnownLoggers, name) {
			klog.Warningf("unknown logger %q in configuration, it is ignored%s", name, Suggest(name, KnownLoggers))
		}
	}
	if !cfg.SaveInterval.IsZero() && cfg.SaveFolder == "" {
		return errors.New("save_interval requires save_folder")
	}
	return nil
}
