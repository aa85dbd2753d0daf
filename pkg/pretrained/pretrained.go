// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pretrained loads the components of a stable diffusion model: either the ONNX export of a HuggingFace
// repository, or freshly initialized native GoMLX networks.
package pretrained

import (
	"hash/fnv"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/dreambooth/pkg/networks"
	"github.com/gomlx/dreambooth/pkg/networks/onnxnets"
	"github.com/gomlx/dreambooth/pkg/schedulers"
	"github.com/gomlx/dreambooth/pkg/stablediffusion"
	"github.com/gomlx/dreambooth/pkg/tokenizer"
)

// NativeModel is the model name that selects the native GoMLX networks, initialized from scratch and configured
// with the context hyperparameters.
const NativeModel = "native"

// Sub-directories of a stable diffusion repository.
const (
	SchedulerDir = "scheduler"
	TokenizerDir = "tokenizer"
)

// DefaultSampleSize is the latent size of stable diffusion v1 (512x512 images).
const DefaultSampleSize = 64

// Options to load the model.
type Options struct {
	// AuthToken for HuggingFace, defaults to the HF_TOKEN environment variable.
	AuthToken string

	// Revision of the HuggingFace repository, if empty the repository default branch ("main") is used.
	Revision string

	// ProgressBar shows the download progress.
	ProgressBar bool

	// SampleSize is the default latent size of the denoiser, if 0 it uses DefaultSampleSize.
	// Only used by the ONNX models, the native one takes it from the context.
	SampleSize int

	// TokenizerDir is a local directory with a CLIP tokenizer for the native model. If empty, the native model
	// uses a hashing tokenizer.
	TokenizerDir string
}

// Load the components of the model name into ctx: NativeModel, a local directory with the ONNX export, or a
// HuggingFace repository id.
//
// The variables of the networks are created under networks.UNetScope, networks.VAEScope and
// networks.TextEncoderScope.
func Load(ctx *context.Context, name string, opts Options) (stablediffusion.Components, error) {
	if name == NativeModel {
		return LoadNative(ctx, opts)
	}
	if info, err := os.Stat(name); err == nil && info.IsDir() {
		return loadONNX(ctx, localFiles(name), opts)
	}
	if opts.AuthToken == "" {
		opts.AuthToken = os.Getenv("HF_TOKEN")
	}
	repo := hub.New(name).WithAuth(opts.AuthToken).WithProgressBar(opts.ProgressBar)
	if opts.Revision != "" {
		repo = repo.WithRevision(opts.Revision)
	}
	klog.Infof("loading model from HuggingFace repository %q (revision %q)", name, opts.Revision)
	return loadONNX(ctx, repoFiles{repo}, opts)
}

// files abstracts where the files of a model come from.
type files interface {
	// Path returns the local path of the file, downloading it if needed.
	Path(fileName string) (string, error)
	// Tokenizer loads the tokenizer in the given sub-directory.
	Tokenizer(subDir string) (*tokenizer.Tokenizer, error)
}

type repoFiles struct {
	repo *hub.Repo
}

func (f repoFiles) Path(fileName string) (string, error) {
	return f.repo.DownloadFile(fileName)
}

func (f repoFiles) Tokenizer(subDir string) (*tokenizer.Tokenizer, error) {
	return tokenizer.FromRepo(f.repo, subDir)
}

type localFiles string

func (f localFiles) Path(fileName string) (string, error) {
	filePath := filepath.Join(string(f), filepath.FromSlash(fileName))
	if _, err := os.Stat(filePath); err != nil {
		return "", errors.Wrapf(err, "model file %q not found", fileName)
	}
	return filePath, nil
}

func (f localFiles) Tokenizer(subDir string) (*tokenizer.Tokenizer, error) {
	return tokenizer.LoadDir(filepath.Join(string(f), subDir))
}

// loadSchedules reads the scheduler configuration and creates the training and inference schedules.
func loadSchedules(f files) (*schedulers.DDPM, *schedulers.LMS, error) {
	configPath, err := f.Path(path.Join(SchedulerDir, schedulers.ConfigFile))
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to get the scheduler configuration")
	}
	cfg, err := schedulers.LoadConfigFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	return newSchedules(cfg)
}

func newSchedules(cfg schedulers.Config) (*schedulers.DDPM, *schedulers.LMS, error) {
	ddpm, err := schedulers.NewDDPM(cfg)
	if err != nil {
		return nil, nil, err
	}
	lms, err := schedulers.NewLMS(cfg)
	if err != nil {
		return nil, nil, err
	}
	return ddpm, lms, nil
}

// loadNet loads one ONNX network, along with its external weights file if there is one.
func loadNet(ctx *context.Context, f files, fileName string, scope ...string) (*onnxnets.Net, error) {
	filePath, err := f.Path(fileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get ONNX model %q", fileName)
	}
	weightsFile := path.Join(path.Dir(fileName), "weights.pb")
	if _, err := f.Path(weightsFile); err != nil {
		klog.V(1).Infof("no external weights %q for %q: %v", weightsFile, fileName, err)
	}
	return onnxnets.Load(ctx, filePath, scope...)
}

func loadONNX(ctx *context.Context, f files, opts Options) (components stablediffusion.Components, err error) {
	dtype := dtypes.Float32
	if dtypeName := context.GetParamOr(ctx, "dtype", ""); dtypeName != "" {
		dtype, err = dtypes.DTypeString(dtypeName)
		if err != nil {
			return components, errors.Wrapf(err, "invalid dtype %q", dtypeName)
		}
	}
	sampleSize := opts.SampleSize
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	ddpm, lms, err := loadSchedules(f)
	if err != nil {
		return components, err
	}
	tok, err := f.Tokenizer(TokenizerDir)
	if err != nil {
		return components, errors.WithMessage(err, "failed to load tokenizer")
	}

	var nets []*onnxnets.Net
	defer func() {
		// On success the ONNX models are kept, they build the graphs of the networks.
		if err != nil {
			for _, net := range nets {
				net.Close()
			}
		}
	}()
	load := func(fileName string, scope ...string) (*onnxnets.Net, error) {
		net, err := loadNet(ctx, f, fileName, scope...)
		if err == nil {
			nets = append(nets, net)
		}
		return net, err
	}
	unet, err := load(onnxnets.UNetFile, networks.UNetScope)
	if err != nil {
		return components, err
	}
	encoder, err := load(onnxnets.VAEEncoderFile, networks.VAEScope, "encoder")
	if err != nil {
		return components, err
	}
	decoder, err := load(onnxnets.VAEDecoderFile, networks.VAEScope, "decoder")
	if err != nil {
		return components, err
	}
	textEncoder, err := load(onnxnets.TextEncoderFile, networks.TextEncoderScope)
	if err != nil {
		return components, err
	}
	return stablediffusion.Components{
		UNet:              onnxnets.NewUNet(unet, sampleSize),
		VAE:               onnxnets.NewVAE(encoder, decoder),
		TextEncoder:       onnxnets.NewTextEncoder(textEncoder, 768, dtype),
		Tokenizer:         tok,
		NoiseSchedule:     ddpm,
		InferenceSchedule: lms,
	}, nil
}

// LoadNative creates the native GoMLX networks, configured by the hyperparameters in ctx, with the default
// noise schedule. Their variables are initialized when the graph is first built.
func LoadNative(ctx *context.Context, opts Options) (stablediffusion.Components, error) {
	ddpm, lms, err := newSchedules(schedulers.DefaultConfig())
	if err != nil {
		return stablediffusion.Components{}, err
	}
	var textEncoder *networks.CLIPTextEncoder
	if err := exceptions.TryCatch[error](func() { textEncoder = networks.NewCLIPTextEncoder(ctx) }); err != nil {
		return stablediffusion.Components{}, errors.WithMessage(err, "invalid native text encoder hyperparameters")
	}
	var tok *tokenizer.Tokenizer
	if opts.TokenizerDir != "" {
		tok, err = tokenizer.LoadDir(opts.TokenizerDir)
	} else {
		maxLength := context.GetParamOr(ctx, networks.ParamTextMaxPositions, tokenizer.DefaultMaxLength)
		vocabSize := context.GetParamOr(ctx, networks.ParamTextVocabSize, 49408)
		tok, err = NewHashTokenizer(vocabSize, maxLength)
	}
	if err != nil {
		return stablediffusion.Components{}, err
	}
	components := stablediffusion.Components{
		TextEncoder:       textEncoder,
		Tokenizer:         tok,
		NoiseSchedule:     ddpm,
		InferenceSchedule: lms,
	}
	err = exceptions.TryCatch[error](func() {
		components.UNet = networks.NewUNet(ctx)
		components.VAE = networks.NewVAE(ctx)
	})
	if err != nil {
		return stablediffusion.Components{}, errors.WithMessage(err, "invalid native network hyperparameters")
	}
	return components, nil
}

// Special token ids of the hashing tokenizer.
const (
	hashPad = iota
	hashBOS
	hashEOS
	hashNumSpecial
)

// hashEncoder maps each lower-cased word to a bucket of the vocabulary.
type hashEncoder struct {
	vocabSize int
}

func (e hashEncoder) Encode(text string) []int {
	words := strings.Fields(strings.ToLower(text))
	ids := make([]int, 0, len(words))
	for _, word := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		ids = append(ids, hashNumSpecial+int(h.Sum32()%uint32(e.vocabSize-hashNumSpecial)))
	}
	return ids
}

// NewHashTokenizer creates a tokenizer that hashes words into the vocabulary, for native models trained without
// a pretrained vocabulary.
func NewHashTokenizer(vocabSize, maxLength int) (*tokenizer.Tokenizer, error) {
	if vocabSize <= hashNumSpecial {
		return nil, errors.Errorf("hashing tokenizer requires a vocabulary larger than %d, got %d",
			hashNumSpecial, vocabSize)
	}
	return tokenizer.New(hashEncoder{vocabSize: vocabSize}, hashBOS, hashEOS, hashPad, maxLength)
}
