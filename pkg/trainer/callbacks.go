// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/dreambooth/pkg/dataset"
	"github.com/gomlx/dreambooth/pkg/stablediffusion"
)

// Callback names in the training loop.
const (
	speedMonitorName = "SpeedMonitor"
	klogLoggerName   = "KlogLogger"
	samplesName      = "LogDiffusionImages"
)

// SpeedMonitor measures the training throughput over a sliding window of the last steps.
type SpeedMonitor struct {
	// WindowSize is the number of steps averaged.
	WindowSize int

	// SamplesPerStep is the number of examples of each training step.
	SamplesPerStep int

	mu    sync.Mutex
	times []time.Time
}

// NewSpeedMonitor creates a SpeedMonitor averaging over the last windowSize steps.
func NewSpeedMonitor(windowSize, samplesPerStep int) *SpeedMonitor {
	return &SpeedMonitor{WindowSize: max(windowSize, 1), SamplesPerStep: samplesPerStep}
}

// Observe the end of a training step at time t.
func (s *SpeedMonitor) Observe(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times = append(s.times, t)
	if len(s.times) > s.WindowSize+1 {
		s.times = s.times[len(s.times)-s.WindowSize-1:]
	}
}

// StepsPerSecond over the window, or 0 if less than 2 steps were observed.
func (s *SpeedMonitor) StepsPerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.times) < 2 {
		return 0
	}
	elapsed := s.times[len(s.times)-1].Sub(s.times[0]).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(len(s.times)-1) / elapsed
}

// SamplesPerSecond over the window.
func (s *SpeedMonitor) SamplesPerSecond() float64 {
	return s.StepsPerSecond() * float64(s.SamplesPerStep)
}

// Attach the monitor to the training loop.
func (s *SpeedMonitor) Attach(loop *train.Loop) {
	loop.OnStep(speedMonitorName, 0, func(_ *train.Loop, _ []*tensors.Tensor) error {
		s.Observe(time.Now())
		return nil
	})
}

// Metric returns the throughput formatted to be displayed in the progress bar.
func (s *SpeedMonitor) Metric() (name, value string) {
	return "Throughput", fmt.Sprintf("%.2f samples/s", s.SamplesPerSecond())
}

// LRMonitor reports the current learning rate of the optimizer.
type LRMonitor struct {
	ctx *context.Context
}

// LearningRate returns the value of the optimizer learning rate variable, or false if it wasn't created yet.
func (m LRMonitor) LearningRate() (float64, bool) {
	v := m.ctx.GetVariableByScopeAndName(context.RootScope+optimizers.Scope, optimizers.ParamLearningRate)
	if v == nil {
		return 0, false
	}
	value, err := v.Value()
	if err != nil || value == nil {
		return 0, false
	}
	switch lr := value.Value().(type) {
	case float32:
		return float64(lr), true
	case float64:
		return lr, true
	}
	return 0, false
}

// Metric returns the learning rate formatted to be displayed in the progress bar.
func (m LRMonitor) Metric() (name, value string) {
	lr, found := m.LearningRate()
	if !found {
		return "Learning rate", "-"
	}
	return "Learning rate", fmt.Sprintf("%.3g", lr)
}

// MemoryMonitor reports the memory of the model variables, the memory used by the process and the memory
// available in the host.
type MemoryMonitor struct {
	ctx *context.Context
}

// ModelMemory returns the total memory of the variables in the context, including optimizer and EMA state.
func (m MemoryMonitor) ModelMemory() uint64 {
	if m.ctx == nil {
		return 0
	}
	var total uint64
	for _, summary := range SummarizeVariables(m.ctx) {
		total += summary.Memory
	}
	return total
}

// Metric returns the memory usage formatted to be displayed in the progress bar.
func (m MemoryMonitor) Metric() (name, value string) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	total, free := memory.TotalMemory(), memory.FreeMemory()
	value = fmt.Sprintf("model %s, heap %s, system %s", humanize.Bytes(m.ModelMemory()),
		humanize.Bytes(stats.HeapAlloc), humanize.Bytes(stats.Sys))
	if total > 0 {
		value += fmt.Sprintf(", host %s free of %s", humanize.Bytes(free), humanize.Bytes(total))
	}
	return "Memory", value
}

// metricFn is the signature of the monitors Metric method.
type metricFn func() (name, value string)

// attachKlogLogger logs the training metrics and the monitors every n steps.
func attachKlogLogger(loop *train.Loop, n int, monitors ...metricFn) {
	train.EveryNSteps(loop, n, klogLoggerName, 0, func(loop *train.Loop, metrics []*tensors.Tensor) error {
		parts := []string{fmt.Sprintf("step=%d", loop.LoopStep)}
		for ii, metric := range loop.Trainer.TrainMetrics() {
			if ii < len(metrics) {
				parts = append(parts, fmt.Sprintf("%s=%s", metric.ShortName(), metric.PrettyPrint(metrics[ii])))
			}
		}
		for _, monitor := range monitors {
			name, value := monitor()
			parts = append(parts, fmt.Sprintf("%s=%s", name, value))
		}
		klog.Info(strings.Join(parts, ", "))
		return nil
	})
}

// ImagesGenerator generates images from prompts, it is implemented by stablediffusion.Model.
type ImagesGenerator interface {
	Generate(ctx *context.Context, prompts []string, opts stablediffusion.GenerateOptions) ([]image.Image, error)
}

// DiffusionImagesLogger generates images for the evaluation prompts and saves them as PNG files.
type DiffusionImagesLogger struct {
	Dir     string
	Prompts *dataset.Prompts
	Options stablediffusion.GenerateOptions

	ctx *context.Context
	gen ImagesGenerator
}

// NewDiffusionImagesLogger creates a logger saving images generated from prompts to dir, batchSize prompts
// at a time.
func NewDiffusionImagesLogger(ctx *context.Context, gen ImagesGenerator, dir string, prompts []string,
	batchSize int, opts stablediffusion.GenerateOptions) (*DiffusionImagesLogger, error) {
	batches, err := dataset.NewPrompts(prompts, batchSize)
	if err != nil {
		return nil, err
	}
	return &DiffusionImagesLogger{Dir: dir, Prompts: batches, Options: opts, ctx: ctx, gen: gen}, nil
}

// Log generates the images for all prompts and saves them as "step-<step>-prompt-<idx>-<n>.png".
// It returns the paths of the saved images.
func (l *DiffusionImagesLogger) Log(step int) ([]string, error) {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create samples directory %q", l.Dir)
	}
	var paths []string
	for prompts, indices := range l.Prompts.Batches() {
		images, err := l.gen.Generate(l.ctx, prompts, l.Options)
		if err != nil {
			return paths, errors.WithMessagef(err, "failed to generate evaluation images at step %d", step)
		}
		if len(images)%len(prompts) != 0 {
			return paths, errors.Errorf("generator returned %d images for %d prompts", len(images), len(prompts))
		}
		perPrompt := len(images) / len(prompts)
		for ii, img := range images {
			promptIdx := indices[ii/perPrompt]
			filePath := filepath.Join(l.Dir, fmt.Sprintf("step-%07d-prompt-%03d-%d.png", step, promptIdx, ii%perPrompt))
			if err := imaging.Save(img, filePath); err != nil {
				return paths, errors.Wrapf(err, "failed to save evaluation image %q", filePath)
			}
			paths = append(paths, filePath)
		}
	}
	klog.V(1).Infof("saved %d evaluation images at step %d in %q", len(paths), step, l.Dir)
	return paths, nil
}

// Attach the logger to the loop, generating images every n steps and at the end of the training.
func (l *DiffusionImagesLogger) Attach(loop *train.Loop, n int) {
	lastLogged := -1
	logStep := func(loop *train.Loop, _ []*tensors.Tensor) error {
		if loop.LoopStep == lastLogged {
			return nil
		}
		lastLogged = loop.LoopStep
		_, err := l.Log(loop.LoopStep)
		return err
	}
	train.EveryNSteps(loop, n, samplesName, 200, logStep)
	loop.OnEnd(samplesName, 200, logStep)
}
