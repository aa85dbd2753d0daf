// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset implements the DreamBooth training dataset, pairing the instance images with the instance
// prompt (and optionally class images with the class prompt), and a batched prompts iterator.
package dataset

import (
	"image"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Tokenizer converts a prompt to its fixed length token ids.
type Tokenizer interface {
	Tokenize(text string) []int32
}

// Options of the DreamBooth dataset.
type Options struct {
	// InstanceDir holds the images of the subject, described by InstancePrompt.
	InstanceDir, InstancePrompt string

	// ClassDir holds the images of the class, described by ClassPrompt. Optional, if set each batch holds
	// the instance examples followed by the same number of class examples.
	ClassDir, ClassPrompt string

	// Resolution of the square images.
	Resolution int

	// CenterCrop crops the center of the resized images, otherwise the crop is random.
	CenterCrop bool

	// BatchSize is the number of instance examples per batch.
	BatchSize int

	// Infinite makes the dataset loop over the examples indefinitely, otherwise it returns io.EOF at the end
	// of each epoch. Incomplete batches are dropped.
	Infinite bool

	// Shuffle the examples at every epoch with the Seed.
	Shuffle bool
	Seed    uint64
}

// DreamBooth implements train.Dataset. Each batch yields the inputs `[images, tokenIDs]`: images shaped
// `[batch, 3, resolution, resolution]` (float32 in [-1, 1]) and token ids shaped `[batch, maxLength]` (int32).
//
// The length of an epoch is the largest of the number of instance and class images. Example i uses the
// instance image i % numInstance and the class image i % numClass.
type DreamBooth struct {
	opts                        Options
	instancePaths, classPaths   []string
	instanceTokens, classTokens []int32
	maxLength                   int

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
	epoch int
}

var _ train.Dataset = (*DreamBooth)(nil)

// ListImages returns the sorted paths of the image files (by extension) in dir.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := imaging.FormatFromFilename(entry.Name()); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

// New creates the DreamBooth dataset.
func New(tok Tokenizer, opts Options) (*DreamBooth, error) {
	if opts.Resolution <= 0 {
		return nil, errors.Errorf("dataset resolution must be positive, got %d", opts.Resolution)
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("dataset batch size must be positive, got %d", opts.BatchSize)
	}
	ds := &DreamBooth{opts: opts}
	var err error
	ds.instancePaths, err = ListImages(opts.InstanceDir)
	if err != nil {
		return nil, err
	}
	if len(ds.instancePaths) == 0 {
		return nil, errors.Errorf("no instance images found in %q", opts.InstanceDir)
	}
	ds.instanceTokens = tok.Tokenize(opts.InstancePrompt)
	ds.maxLength = len(ds.instanceTokens)
	if opts.ClassDir != "" {
		ds.classPaths, err = ListImages(opts.ClassDir)
		if err != nil {
			return nil, err
		}
		if len(ds.classPaths) == 0 {
			return nil, errors.Errorf("no class images found in %q", opts.ClassDir)
		}
		ds.classTokens = tok.Tokenize(opts.ClassPrompt)
		if len(ds.classTokens) != ds.maxLength {
			return nil, errors.Errorf("tokenizer returned %d ids for the class prompt, and %d for the instance prompt",
				len(ds.classTokens), ds.maxLength)
		}
	}
	if !opts.Infinite && ds.Len() < opts.BatchSize {
		return nil, errors.Errorf("dataset has %d examples, fewer than the batch size %d", ds.Len(), opts.BatchSize)
	}
	klog.V(1).Infof("DreamBooth dataset: %d instance images, %d class images", len(ds.instancePaths),
		len(ds.classPaths))
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *DreamBooth) Name() string { return "DreamBooth" }

// Len is the number of examples in one epoch.
func (ds *DreamBooth) Len() int {
	return max(len(ds.instancePaths), len(ds.classPaths))
}

// Epoch returns the number of epochs completed by an infinite dataset since the last Reset.
func (ds *DreamBooth) Epoch() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.epoch
}

// WithPriorPreservation returns whether the batches include class examples.
func (ds *DreamBooth) WithPriorPreservation() bool { return len(ds.classPaths) > 0 }

// Reset implements train.Dataset. The shuffling restarts from the seed.
func (ds *DreamBooth) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewPCG(ds.opts.Seed, ds.opts.Seed^0x9e3779b97f4a7c15))
	ds.epoch = 0
	ds.startEpoch()
}

// startEpoch must be called with the lock held.
func (ds *DreamBooth) startEpoch() {
	ds.next = 0
	ds.order = make([]int, ds.Len())
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	if ds.opts.Shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// nextIndices returns the example indices of the next batch and the random crop offsets of each image,
// or io.EOF at the end of a finite epoch.
func (ds *DreamBooth) nextIndices() (indices []int, crops [][2]float64, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	numImages := ds.opts.BatchSize
	if ds.WithPriorPreservation() {
		numImages *= 2
	}
	for len(indices) < ds.opts.BatchSize {
		if ds.next >= len(ds.order) {
			if !ds.opts.Infinite {
				return nil, nil, io.EOF
			}
			ds.epoch++
			ds.startEpoch()
		}
		indices = append(indices, ds.order[ds.next])
		ds.next++
	}
	crops = make([][2]float64, numImages)
	if !ds.opts.CenterCrop {
		for ii := range crops {
			crops[ii] = [2]float64{ds.rng.Float64(), ds.rng.Float64()}
		}
	} else {
		for ii := range crops {
			crops[ii] = [2]float64{0.5, 0.5}
		}
	}
	return indices, crops, nil
}

// Yield implements train.Dataset. The inputs are the images and the token ids, the instance examples first
// followed by the class examples. There are no labels.
func (ds *DreamBooth) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, crops, err := ds.nextIndices()
	if err != nil {
		return nil, nil, nil, err
	}
	paths := make([]string, 0, len(crops))
	tokens := make([]int32, 0, len(crops)*ds.maxLength)
	for _, index := range indices {
		paths = append(paths, ds.instancePaths[index%len(ds.instancePaths)])
		tokens = append(tokens, ds.instanceTokens...)
	}
	if ds.WithPriorPreservation() {
		for _, index := range indices {
			paths = append(paths, ds.classPaths[index%len(ds.classPaths)])
			tokens = append(tokens, ds.classTokens...)
		}
	}

	resolution := ds.opts.Resolution
	imageSize := 3 * resolution * resolution
	pixels := make([]float32, len(paths)*imageSize)
	var group errgroup.Group
	for ii, imagePath := range paths {
		group.Go(func() error {
			img, err := LoadImage(imagePath, resolution, crops[ii][0], crops[ii][1])
			if err != nil {
				return err
			}
			ToChannelsFirst(img, pixels[ii*imageSize:(ii+1)*imageSize])
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(pixels, len(paths), 3, resolution, resolution),
		tensors.FromFlatDataAndDimensions(tokens, len(paths), ds.maxLength),
	}
	return nil, inputs, nil, nil
}

// LoadImage reads the image in path, resizes its shorter side to resolution (Lanczos) and crops a
// resolution x resolution square. cropX and cropY in [0, 1] select the position of the crop, 0.5 being
// the center.
func LoadImage(path string, resolution int, cropX, cropY float64) (*image.NRGBA, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", path)
	}
	return ResizeAndCrop(img, resolution, cropX, cropY), nil
}

// ResizeAndCrop resizes the shorter side of img to resolution and crops a square from it. See LoadImage.
func ResizeAndCrop(img image.Image, resolution int, cropX, cropY float64) *image.NRGBA {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width < height {
		height = int(math.Round(float64(height) * float64(resolution) / float64(width)))
		width = resolution
	} else {
		width = int(math.Round(float64(width) * float64(resolution) / float64(height)))
		height = resolution
	}
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	left := int(math.Round(cropX * float64(width-resolution)))
	top := int(math.Round(cropY * float64(height-resolution)))
	return imaging.Crop(resized, image.Rect(left, top, left+resolution, top+resolution))
}

// ToChannelsFirst writes the RGB values of img in [-1, 1] to output, in the `[3, height, width]` layout.
// The alpha channel is ignored.
func ToChannelsFirst(img *image.NRGBA, output []float32) {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	planeSize := width * height
	for y := range height {
		row := img.Pix[y*img.Stride : y*img.Stride+4*width]
		for x := range width {
			for channel := range 3 {
				output[channel*planeSize+y*width+x] = float32(row[4*x+channel])/127.5 - 1
			}
		}
	}
}
