// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package priorpreservation generates the class images used by the prior-preservation loss, with the model
// being fine-tuned, before the training starts.
package priorpreservation

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/dreambooth/pkg/dataset"
	"github.com/gomlx/dreambooth/pkg/stablediffusion"
)

// ImageGenerator generates images from prompts. It is implemented by stablediffusion.Model.
type ImageGenerator interface {
	Generate(ctx *context.Context, prompts []string, opts stablediffusion.GenerateOptions) ([]image.Image, error)
}

var _ ImageGenerator = (*stablediffusion.Model)(nil)

// Options for EnsureClassImages.
type Options struct {
	// Dir where the class images are stored. It is created if it doesn't exist.
	Dir string

	// ClassPrompt used to generate the images.
	ClassPrompt string

	// NumClassImages is the number of images Dir should hold.
	NumClassImages int

	// BatchSize is the number of images generated at once.
	BatchSize int

	// Generate options. NumImagesPerPrompt is always 1, and the seed is offset by the index of the first
	// image of each batch, so batches don't repeat the same initial noise.
	Generate stablediffusion.GenerateOptions

	// Progress displays a progress bar.
	Progress bool
}

// EnsureClassImages generates the class images missing in opts.Dir, so it holds at least opts.NumClassImages
// entries. It returns the number of images generated.
//
// The images are saved as JPEG files named "<index>-<sha1 of the RGB pixels>.jpg", with index starting after
// the number of entries already in the directory.
func EnsureClassImages(ctx *context.Context, gen ImageGenerator, opts Options) (generated int, err error) {
	if opts.BatchSize <= 0 {
		return 0, errors.Errorf("class images batch size must be positive, got %d", opts.BatchSize)
	}
	if _, err := os.Stat(opts.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return 0, errors.Wrapf(err, "failed to create class images directory %q", opts.Dir)
		}
	}
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list class images directory %q", opts.Dir)
	}
	count := len(entries)
	if count >= opts.NumClassImages {
		klog.V(1).Infof("%d class images already in %q, none generated", count, opts.Dir)
		return 0, nil
	}
	numMissing := opts.NumClassImages - count
	klog.Infof("generating %d class images for prompt %q in %q", numMissing, opts.ClassPrompt, opts.Dir)

	prompts, err := dataset.NewPrompts(dataset.RepeatPrompt(opts.ClassPrompt, numMissing), opts.BatchSize)
	if err != nil {
		return 0, err
	}
	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.Default(int64(numMissing), "generating class images")
	} else {
		bar = progressbar.DefaultSilent(int64(numMissing))
	}
	defer func() { _ = bar.Finish() }()

	genOpts := opts.Generate
	genOpts.NumImagesPerPrompt = 1
	for texts, indices := range prompts.Batches() {
		genOpts.Seed = opts.Generate.Seed + int64(count+indices[0])
		images, err := gen.Generate(ctx, texts, genOpts)
		if err != nil {
			return generated, errors.WithMessagef(err, "failed to generate class images %d to %d",
				count+indices[0], count+indices[len(indices)-1])
		}
		if len(images) != len(texts) {
			return generated, errors.Errorf("generator returned %d images for %d prompts", len(images), len(texts))
		}
		var group errgroup.Group
		group.SetLimit(runtime.NumCPU())
		for ii, img := range images {
			group.Go(func() error {
				if _, err := SaveImage(opts.Dir, count+indices[ii], img); err != nil {
					return err
				}
				_ = bar.Add(1)
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return generated, err
		}
		generated += len(images)
	}
	return generated, nil
}

// SaveImage writes img as a JPEG in dir, named after index and the SHA-1 of its RGB pixels, and returns its path.
func SaveImage(dir string, index int, img image.Image) (string, error) {
	filePath := filepath.Join(dir, fmt.Sprintf("%d-%s.jpg", index, Hash(img)))
	if err := imaging.Save(img, filePath); err != nil {
		return "", errors.Wrapf(err, "failed to save class image %q", filePath)
	}
	return filePath, nil
}

// Hash returns the hex SHA-1 of the RGB pixel bytes of img, row by row.
func Hash(img image.Image) string {
	nrgba := imaging.Clone(img)
	width, height := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	h := sha1.New()
	row := make([]byte, 3*width)
	for y := range height {
		pix := nrgba.Pix[y*nrgba.Stride:]
		for x := range width {
			copy(row[3*x:3*x+3], pix[4*x:4*x+3])
		}
		_, _ = h.Write(row)
	}
	return hex.EncodeToString(h.Sum(nil))
}
