// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer runs the DreamBooth fine-tuning described by a config.Config: it loads the pretrained model,
// generates the missing class images, and trains with the GoMLX training loop, with checkpoints, EMA of the
// weights, monitors and periodic sample images.
package trainer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/dreambooth/pkg/config"
	"github.com/gomlx/dreambooth/pkg/dataset"
	"github.com/gomlx/dreambooth/pkg/networks"
	"github.com/gomlx/dreambooth/pkg/pretrained"
	"github.com/gomlx/dreambooth/pkg/priorpreservation"
	"github.com/gomlx/dreambooth/pkg/stablediffusion"
)

// Logger names accepted in config.Config.Loggers.
const (
	LoggerProgressBar = "progress_bar"
	LoggerKlog        = "klog"
)

// SamplesDir is the sub-directory of the save folder where the evaluation images are written.
const SamplesDir = "samples"

// speedWindowSize is the number of steps the throughput is averaged over.
const speedWindowSize = 50

// DetectDevice returns config.DeviceGPU if the backend runs on an accelerator, config.DeviceCPU otherwise.
func DetectDevice(backend backends.Backend) string {
	description := strings.ToLower(backend.Name() + " " + backend.Description())
	for _, accelerator := range []string{"cuda", "gpu", "rocm", "metal", "tpu"} {
		if strings.Contains(description, accelerator) {
			return config.DeviceGPU
		}
	}
	return config.DeviceCPU
}

// Result of a training run.
type Result struct {
	RunName     string
	Device      string
	GlobalStep  int64
	Checkpoints string
	Model       *stablediffusion.Model
}

// Run the fine-tuning configured by cfg on backend. The variables and hyperparameters live in ctx, usually a
// new context.
func Run(ctx *context.Context, backend backends.Backend, cfg *config.Config) (*Result, error) {
	device := cfg.Device
	if device == "" {
		device = DetectDevice(backend)
	}
	if err := cfg.Validate(device); err != nil {
		return nil, err
	}
	gradAccum, err := cfg.GradAccumSteps(device)
	if err != nil {
		return nil, err
	}
	batchSize, err := cfg.DeviceTrainBatchSize(device)
	if err != nil {
		return nil, err
	}
	runName := cfg.RunName
	if runName == "" {
		runName = "dreambooth-" + uuid.NewString()[:8]
	}
	fmt.Printf("Run %q on %s (%s):\n%s\n", runName, device, backend.Name(), cfg)
	klog.V(1).Infof("model inputs: %q (images) and %q (captions)", cfg.Model.ImageKey, cfg.Model.CaptionKey)

	ctx = ctx.Checked(false)
	ctx.RngStateFromSeed(int64(cfg.Seed))
	if err := cfg.ApplyToContext(ctx); err != nil {
		return nil, err
	}
	writeParams(os.Stdout, ctx)

	// The checkpoint handler must be attached before the pretrained weights are loaded, so a resumed run
	// uses the fine-tuned values.
	checkpoint, err := attachCheckpoints(ctx, cfg)
	if err != nil {
		return nil, err
	}

	progress := usesLogger(cfg, LoggerProgressBar)
	components, err := pretrained.Load(ctx, cfg.Model.Name, pretrained.Options{
		Revision:    cfg.Model.Revision,
		ProgressBar: progress,
		SampleSize:  cfg.Dataset.Resolution / networks.DownsampleFactor,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load pretrained model %q", cfg.Model.Name)
	}
	model, err := stablediffusion.New(backend, components, stablediffusion.Options{
		TrainUNet:          cfg.Model.TrainUNet,
		TrainTextEncoder:   cfg.Model.TrainTextEncoder,
		NumImagesPerPrompt: cfg.Model.NumImagesPerPrompt,
		PriorPreservation:  cfg.UsePriorPreservation,
		PriorLossWeight:    cfg.Model.PriorLossWeight,
		UseEMA:             cfg.UseEMA,
	})
	if err != nil {
		return nil, err
	}
	if err := model.CheckPredictionType(); err != nil {
		return nil, err
	}
	model.Freeze(ctx)

	genOpts := stablediffusion.DefaultGenerateOptions()
	genOpts.Height, genOpts.Width = cfg.Dataset.Resolution, cfg.Dataset.Resolution
	genOpts.NumInferenceSteps = cfg.Model.NumInferenceSteps
	genOpts.GuidanceScale = cfg.Model.GuidanceScale
	genOpts.NumImagesPerPrompt = cfg.Model.NumImagesPerPrompt

	if cfg.UsePriorPreservation {
		_, err := priorpreservation.EnsureClassImages(ctx, model, priorpreservation.Options{
			Dir:            cfg.Dataset.ClassDataRoot,
			ClassPrompt:    cfg.Dataset.ClassPrompt,
			NumClassImages: cfg.NumClassImages,
			BatchSize:      cfg.GlobalEvalBatchSize,
			Generate:       genOpts,
			Progress:       progress,
		})
		if err != nil {
			return nil, err
		}
	}

	tok, ok := components.Tokenizer.(dataset.Tokenizer)
	if !ok {
		return nil, errors.Errorf("tokenizer %T can't tokenize single prompts", components.Tokenizer)
	}
	dsOpts := dataset.Options{
		InstanceDir:    cfg.Dataset.InstanceDataRoot,
		InstancePrompt: cfg.Dataset.InstancePrompt,
		Resolution:     cfg.Dataset.Resolution,
		CenterCrop:     cfg.Dataset.CenterCrop,
		BatchSize:      batchSize,
		Infinite:       true,
		Shuffle:        true,
		Seed:           uint64(cfg.Seed),
	}
	if cfg.UsePriorPreservation {
		dsOpts.ClassDir, dsOpts.ClassPrompt = cfg.Dataset.ClassDataRoot, cfg.Dataset.ClassPrompt
	}
	ds, err := dataset.New(tok, dsOpts)
	if err != nil {
		return nil, err
	}

	// Durations are in global batches, the loop counts micro-batches.
	stepsPerEpoch := max(ds.Len()/cfg.GlobalTrainBatchSize, 1)
	loopSteps := func(name string, d config.Duration) (int, error) {
		steps, err := d.Steps(cfg.GlobalTrainBatchSize, stepsPerEpoch)
		if err != nil {
			return 0, errors.WithMessage(err, name)
		}
		return steps * gradAccum, nil
	}
	maxSteps, err := cfg.MaxDuration.Steps(cfg.GlobalTrainBatchSize, stepsPerEpoch)
	if err != nil {
		return nil, errors.WithMessage(err, "max_duration")
	}

	trainer := train.NewTrainer(backend, ctx, model.ModelFn(), stablediffusion.LossFn,
		optimizers.FromContext(ctx), nil, nil)
	if gradAccum > 1 {
		if err := trainer.AccumulateGradients(gradAccum); err != nil {
			return nil, err
		}
	}
	loop := train.NewLoop(trainer)

	speed := NewSpeedMonitor(speedWindowSize, cfg.GlobalTrainBatchSize/gradAccum)
	speed.Attach(loop)
	lrMonitor := LRMonitor{ctx: ctx}
	monitors := []metricFn{speed.Metric, lrMonitor.Metric, MemoryMonitor{ctx: ctx}.Metric}
	if progress {
		extra := make([]commandline.ExtraMetricFn, len(monitors))
		for ii, monitor := range monitors {
			extra[ii] = commandline.ExtraMetricFn(monitor)
		}
		commandline.AttachProgressBar(loop, extra...)
	}
	if usesLogger(cfg, LoggerKlog) {
		logSteps, err := loopSteps("log_interval", cfg.LogInterval)
		if err != nil {
			return nil, err
		}
		if logSteps > 0 {
			attachKlogLogger(loop, logSteps, monitors...)
		}
	}

	if cfg.UseEMA {
		var scopes []string
		if cfg.Model.TrainUNet {
			scopes = append(scopes, networks.UNetScope)
		}
		if cfg.Model.TrainTextEncoder {
			scopes = append(scopes, networks.TextEncoderScope)
		}
		// Half-life and interval in loop steps: the smoothing is the same.
		ema, err := stablediffusion.NewEMA(cfg.EMA.HalfLife*gradAccum, cfg.EMA.UpdateInterval*gradAccum, scopes...)
		if err != nil {
			return nil, err
		}
		ema.Attach(loop, backend, ctx)
	}

	if checkpoint != nil {
		saveSteps, err := loopSteps("save_interval", cfg.SaveInterval)
		if err != nil {
			return nil, err
		}
		if saveSteps > 0 {
			train.EveryNSteps(loop, saveSteps, "checkpoint", 100, checkpoint.OnStepFn)
		}
		loop.OnEnd("checkpoint", 100, checkpoint.OnStepFn)
	}

	if len(cfg.Dataset.EvalPrompts) > 0 && !cfg.EvalInterval.IsZero() {
		if cfg.SaveFolder == "" {
			klog.Warningf("eval_prompts given but no save_folder to save the images to, no evaluation images are generated")
		} else {
			evalSteps, err := loopSteps("eval_interval", cfg.EvalInterval)
			if err != nil {
				return nil, err
			}
			samples, err := NewDiffusionImagesLogger(ctx, model, filepath.Join(cfg.SaveFolder, SamplesDir),
				cfg.Dataset.EvalPrompts, cfg.GlobalEvalBatchSize, genOpts)
			if err != nil {
				return nil, err
			}
			samples.Attach(loop, evalSteps)
		}
	}

	WriteVariablesSummary(os.Stdout, ctx)
	globalStep := optimizers.GetGlobalStep(ctx)
	if globalStep > 0 {
		fmt.Printf("Resuming training from global step %d\n", globalStep)
	}
	result := &Result{RunName: runName, Device: device, Model: model}
	if checkpoint != nil {
		result.Checkpoints = checkpoint.Dir()
	}
	if globalStep >= int64(maxSteps) {
		klog.Infof("global step %d already reached max_duration=%s, nothing to train", globalStep, cfg.MaxDuration)
		result.GlobalStep = globalStep
		return result, nil
	}
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	// The global step only advances once every gradAccum loop steps.
	if _, err := loop.RunSteps(ds, (maxSteps-int(globalStep))*gradAccum); err != nil {
		return nil, errors.WithMessagef(err, "training %q failed", runName)
	}
	result.GlobalStep = optimizers.GetGlobalStep(ctx)
	fmt.Printf("Median train step duration: %s\n", commandline.FormatDuration(loop.MedianTrainStepDuration()))
	return result, nil
}

// usesLogger returns whether the logger is configured. Without loggers only the progress bar is used.
func usesLogger(cfg *config.Config, name string) bool {
	if len(cfg.Loggers) == 0 {
		return name == LoggerProgressBar
	}
	_, found := cfg.Loggers[name]
	return found
}

// attachCheckpoints creates the checkpoint handler in the save folder, if one is configured. If the save folder
// has no checkpoints and a load path is given, the weights are loaded from the load path instead.
func attachCheckpoints(ctx *context.Context, cfg *config.Config) (*checkpoints.Handler, error) {
	if cfg.SaveFolder == "" {
		if cfg.LoadPath == "" {
			return nil, nil
		}
		_, err := checkpoints.Load(ctx).Dir(cfg.LoadPath).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", cfg.LoadPath)
		}
		return nil, nil
	}
	keep := cfg.SaveNumCheckpointsToKeep
	if keep <= 0 {
		keep = -1
	}
	if cfg.LoadPath != "" {
		if hasCheckpoints(cfg.SaveFolder) {
			klog.Infof("resuming from the checkpoints in %q, load_path %q is ignored", cfg.SaveFolder, cfg.LoadPath)
		} else {
			// Load all the weights now: the handler of the save folder replaces the loader of ctx.
			_, err := checkpoints.Load(ctx).Dir(cfg.LoadPath).Immediate().Done()
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", cfg.LoadPath)
			}
			klog.Infof("weights loaded from %q", cfg.LoadPath)
		}
	}
	handler, err := checkpoints.Build(ctx).Dir(cfg.SaveFolder).Keep(keep).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoints in %q", cfg.SaveFolder)
	}
	return handler, nil
}

// hasCheckpoints returns whether dir holds any checkpoint.
func hasCheckpoints(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "checkpoint-") {
			return true
		}
	}
	return false
}
