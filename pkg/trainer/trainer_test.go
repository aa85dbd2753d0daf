// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/gomlx/dreambooth/pkg/config"
	"github.com/gomlx/dreambooth/pkg/networks"
	"github.com/gomlx/dreambooth/pkg/stablediffusion"
)

type namedBackend struct {
	backends.Backend
	name, description string
}

func (b namedBackend) Name() string        { return b.name }
func (b namedBackend) Description() string { return b.description }

func TestDetectDevice(t *testing.T) {
	assert.Equal(t, config.DeviceCPU, DetectDevice(namedBackend{name: "go", description: "Pure Go backend"}))
	assert.Equal(t, config.DeviceCPU, DetectDevice(namedBackend{name: "xla", description: "PJRT plugin cpu"}))
	assert.Equal(t, config.DeviceGPU, DetectDevice(namedBackend{name: "xla", description: "PJRT plugin CUDA"}))
}

func TestSpeedMonitor(t *testing.T) {
	speed := NewSpeedMonitor(2, 4)
	assert.Zero(t, speed.SamplesPerSecond())
	start := time.Now()
	speed.Observe(start)
	assert.Zero(t, speed.SamplesPerSecond())
	speed.Observe(start.Add(time.Second))
	assert.InDelta(t, 4.0, speed.SamplesPerSecond(), 1e-9)

	// Only the last 2 steps count: the slow first step is forgotten.
	speed.Observe(start.Add(1500 * time.Millisecond))
	speed.Observe(start.Add(2000 * time.Millisecond))
	assert.InDelta(t, 2.0, speed.StepsPerSecond(), 1e-9)
	assert.InDelta(t, 8.0, speed.SamplesPerSecond(), 1e-9)
	name, value := speed.Metric()
	assert.Equal(t, "Throughput", name)
	assert.Equal(t, "8.00 samples/s", value)
}

func TestMonitors(t *testing.T) {
	ctx := context.New()
	lr := LRMonitor{ctx: ctx}
	_, found := lr.LearningRate()
	assert.False(t, found)
	_, value := lr.Metric()
	assert.Equal(t, "-", value)

	name, value := MemoryMonitor{}.Metric()
	assert.Equal(t, "Memory", name)
	assert.Contains(t, value, "heap")

	_ = ctx.In(networks.UNetScope).VariableWithValue("weights", []float32{1, 2, 3, 4})
	_ = ctx.In(networks.VAEScope).VariableWithValue("weights", []float32{1, 2}).SetTrainable(false)
	memoryMonitor := MemoryMonitor{ctx: ctx}
	assert.Equal(t, uint64(24), memoryMonitor.ModelMemory())
	_, value = memoryMonitor.Metric()
	assert.Contains(t, value, "model 24 B")
}

func TestVariablesSummary(t *testing.T) {
	ctx := context.New()
	_ = ctx.In(networks.UNetScope).In("conv").VariableWithValue("weights", []float32{1, 2, 3})
	_ = ctx.In(networks.UNetScope).VariableWithValue("bias", []float32{0, 0})
	_ = ctx.In(networks.VAEScope).VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}}).SetTrainable(false)
	summaries := SummarizeVariables(ctx)
	require.Len(t, summaries, 2)
	assert.Equal(t, ScopeSummary{Scope: "unet", NumVariables: 2, NumParams: 5, NumTrainable: 5, Memory: 20},
		summaries[0])
	assert.Equal(t, ScopeSummary{Scope: "vae", NumVariables: 1, NumParams: 4, NumTrainable: 0, Memory: 16},
		summaries[1])

	var buf bytes.Buffer
	WriteVariablesSummary(&buf, ctx)
	assert.Contains(t, buf.String(), "unet")
	assert.Contains(t, buf.String(), "vae")
}

type fakeGenerator struct {
	calls int
	fail  bool
}

func (g *fakeGenerator) Generate(_ *context.Context, prompts []string, opts stablediffusion.GenerateOptions) (
	[]image.Image, error) {
	g.calls++
	if g.fail {
		return nil, errors.New("no images today")
	}
	images := make([]image.Image, 0, len(prompts)*opts.NumImagesPerPrompt)
	for range len(prompts) * opts.NumImagesPerPrompt {
		images = append(images, imaging.New(8, 8, color.NRGBA{G: 255, A: 255}))
	}
	return images, nil
}

func TestDiffusionImagesLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "samples")
	gen := &fakeGenerator{}
	opts := stablediffusion.DefaultGenerateOptions()
	opts.NumImagesPerPrompt = 2
	logger, err := NewDiffusionImagesLogger(context.New(), gen, dir, []string{"a", "b", "c"}, 2, opts)
	require.NoError(t, err)
	paths, err := logger.Log(7)
	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls)
	require.Len(t, paths, 6)
	assert.Equal(t, filepath.Join(dir, "step-0000007-prompt-000-0.png"), paths[0])
	assert.Equal(t, filepath.Join(dir, "step-0000007-prompt-000-1.png"), paths[1])
	assert.Equal(t, filepath.Join(dir, "step-0000007-prompt-002-1.png"), paths[5])
	for _, p := range paths {
		_, err := os.Stat(p)
		require.NoError(t, err)
	}

	gen.fail = true
	_, err = logger.Log(8)
	require.Error(t, err)

	_, err = NewDiffusionImagesLogger(context.New(), gen, dir, []string{"a"}, 0, opts)
	require.Error(t, err)
}

func TestInspectNoCheckpoints(t *testing.T) {
	_, err := Inspect(&bytes.Buffer{}, t.TempDir(), false)
	require.Error(t, err)
}

func TestUsesLogger(t *testing.T) {
	cfg := config.Default()
	assert.True(t, usesLogger(cfg, LoggerProgressBar))
	assert.False(t, usesLogger(cfg, LoggerKlog))
	cfg.Loggers = map[string]map[string]any{LoggerKlog: nil}
	assert.False(t, usesLogger(cfg, LoggerProgressBar))
	assert.True(t, usesLogger(cfg, LoggerKlog))
}

// writeImages writes n small images with different colors to dir.
func writeImages(t *testing.T, dir string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for ii := range n {
		img := imaging.New(40, 36, color.NRGBA{R: uint8(50 * ii), G: 80, B: 160, A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, filepath.Base(dir)+"-"+string(rune('a'+ii))+".png")))
	}
}

// tinyConfig fine-tunes a tiny native model for 2 steps.
func tinyConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Device = config.DeviceCPU
	cfg.Model.Name = "native"
	cfg.Model.NumInferenceSteps = 2
	cfg.Dataset.InstanceDataRoot = filepath.Join(dir, "instance")
	cfg.Dataset.InstancePrompt = "a photo of sks dog"
	cfg.Dataset.ClassDataRoot = filepath.Join(dir, "class")
	cfg.Dataset.ClassPrompt = "a photo of a dog"
	cfg.Dataset.Resolution = 32
	cfg.Dataset.EvalPrompts = []string{"a photo of sks dog on the beach"}
	cfg.UsePriorPreservation = true
	cfg.NumClassImages = 2
	cfg.UseEMA = true
	cfg.EMA = config.EMAConfig{HalfLife: 2, UpdateInterval: 1}
	cfg.Loggers = map[string]map[string]any{LoggerKlog: {}}
	cfg.MaxDuration = config.Duration{Value: 2, Unit: config.UnitBatch}
	cfg.EvalInterval = config.Duration{Value: 2, Unit: config.UnitBatch}
	cfg.LogInterval = config.Duration{Value: 1, Unit: config.UnitBatch}
	cfg.SaveInterval = config.Duration{Value: 1, Unit: config.UnitBatch}
	cfg.SaveNumCheckpointsToKeep = 2
	cfg.SaveFolder = filepath.Join(dir, "checkpoints")
	cfg.Hyperparameters = map[string]any{
		networks.ParamNormGroups:           4,
		networks.ParamUNetChannels:         []any{8, 16},
		networks.ParamUNetResBlocks:        1,
		networks.ParamUNetAttentionHeads:   2,
		networks.ParamUNetInChannels:       4,
		networks.ParamUNetSampleSize:       4,
		networks.ParamVAEChannels:          []any{4, 8, 8, 8},
		networks.ParamVAEResBlocks:         1,
		networks.ParamVAELatentChannels:    4,
		networks.ParamTextVocabSize:        50,
		networks.ParamTextHiddenSize:       8,
		networks.ParamTextNumLayers:        1,
		networks.ParamTextNumHeads:         2,
		networks.ParamTextMaxPositions:     6,
		networks.ParamTextIntermediateSize: 16,
	}
	writeImages(t, cfg.Dataset.InstanceDataRoot, 2)
	return cfg
}

func TestRunGradAccumAutoOnCPU(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.GradAccum = config.GradAccum{Auto: true}
	_, err := Run(context.New(), graphtest.BuildTestBackend(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrGradAccumAutoOnCPU))

	// Nothing was created.
	_, err = os.Stat(cfg.SaveFolder)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.Dataset.ClassDataRoot)
	assert.True(t, os.IsNotExist(err))
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping fine-tuning test in short mode")
	}
	cfg := tinyConfig(t)
	ctx := context.New()
	result, err := Run(ctx, graphtest.BuildTestBackend(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.GlobalStep)
	assert.Equal(t, config.DeviceCPU, result.Device)
	assert.NotEmpty(t, result.RunName)

	classImages, err := os.ReadDir(cfg.Dataset.ClassDataRoot)
	require.NoError(t, err)
	assert.Len(t, classImages, 2)

	samples, err := filepath.Glob(filepath.Join(cfg.SaveFolder, SamplesDir, "step-*.png"))
	require.NoError(t, err)
	assert.NotEmpty(t, samples)
	assert.True(t, hasCheckpoints(cfg.SaveFolder))
	assert.True(t, stablediffusion.HasEMA(ctx, networks.UNetScope))
	assert.False(t, stablediffusion.HasEMA(ctx, networks.VAEScope))

	var buf bytes.Buffer
	report, err := Inspect(&buf, cfg.SaveFolder, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.GlobalStep)
	assert.NotEmpty(t, report.Checkpoints)
	assert.Contains(t, report.EMAScopes, networks.UNetScope)
	assert.Contains(t, buf.String(), networks.UNetScope)
	assert.Contains(t, buf.String(), networks.ParamUNetChannels)

	// Running again resumes from the last checkpoint, which already reached max_duration.
	result, err = Run(context.New(), graphtest.BuildTestBackend(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.GlobalStep)
}
