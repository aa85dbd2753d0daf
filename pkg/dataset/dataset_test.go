// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lengthTokenizer returns [len(text), 0, 0, 0].
type lengthTokenizer struct{}

func (lengthTokenizer) Tokenize(text string) []int32 {
	return []int32{int32(len(text)), 0, 0, 0}
}

// writeImages writes n solid color images sized width x height; the red channel of image i is 10*i.
func writeImages(t *testing.T, dir string, n, width, height int) {
	require.NoError(t, os.MkdirAll(dir, 0755))
	for ii := range n {
		img := imaging.New(width, height, color.NRGBA{R: uint8(10 * ii), G: 255, B: 0, A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, fmt.Sprintf("%02d.png", ii))))
	}
	// Not an image, it must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))
}

func TestResizeAndCrop(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	// Left half black, right half white.
	for y := range 20 {
		for x := 20; x < 40; x++ {
			img.Set(x, y, color.White)
		}
	}
	left := ResizeAndCrop(img, 10, 0, 0.5)
	assert.Equal(t, image.Rect(0, 0, 10, 10), left.Bounds())
	assert.Less(t, left.NRGBAAt(2, 5).R, uint8(16))
	right := ResizeAndCrop(img, 10, 1, 0.5)
	assert.Greater(t, right.NRGBAAt(7, 5).R, uint8(240))

	output := make([]float32, 3*10*10)
	ToChannelsFirst(right, output)
	assert.InDelta(t, 1.0, output[5*10+7], 0.06)
	for _, v := range output {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestDreamBooth(t *testing.T) {
	dir := t.TempDir()
	instanceDir, classDir := filepath.Join(dir, "instance"), filepath.Join(dir, "class")
	writeImages(t, instanceDir, 3, 12, 8)
	writeImages(t, classDir, 5, 8, 8)

	ds, err := New(lengthTokenizer{}, Options{
		InstanceDir:    instanceDir,
		InstancePrompt: "a photo of sks dog",
		ClassDir:       classDir,
		ClassPrompt:    "a dog",
		Resolution:     4,
		CenterCrop:     true,
		BatchSize:      2,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, ds.Len())
	assert.True(t, ds.WithPriorPreservation())

	for _, want := range [][]int{{0, 1}, {2, 3}} {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Empty(t, labels)
		require.Len(t, inputs, 2)
		assert.Equal(t, []int{4, 3, 4, 4}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{4, 4}, inputs[1].Shape().Dimensions)

		// Instance examples first, then the class examples.
		tokens := tensors.MustCopyFlatData[int32](inputs[1])
		assert.Equal(t, []int32{18, 18, 5, 5}, []int32{tokens[0], tokens[4], tokens[8], tokens[12]})

		// The red channel identifies the image: instance i%3, class i%5.
		pixels := tensors.MustCopyFlatData[float32](inputs[0])
		red := func(example int) float32 { return (pixels[example*48] + 1) * 127.5 }
		assert.InDelta(t, float32(10*(want[0]%3)), red(0), 1.5)
		assert.InDelta(t, float32(10*(want[1]%3)), red(1), 1.5)
		assert.InDelta(t, float32(10*want[0]), red(2), 1.5)
		assert.InDelta(t, float32(10*want[1]), red(3), 1.5)
		for _, input := range inputs {
			input.FinalizeAll()
		}
	}
	// 5 examples: the incomplete last batch is dropped.
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestDreamBoothShuffleInfinite(t *testing.T) {
	instanceDir := filepath.Join(t.TempDir(), "instance")
	writeImages(t, instanceDir, 3, 8, 8)
	opts := Options{
		InstanceDir:    instanceDir,
		InstancePrompt: "sks",
		Resolution:     4,
		BatchSize:      2,
		Infinite:       true,
		Shuffle:        true,
		Seed:           42,
	}
	redSequence := func() []float32 {
		ds, err := New(lengthTokenizer{}, opts)
		require.NoError(t, err)
		assert.False(t, ds.WithPriorPreservation())
		var reds []float32
		for range 6 {
			_, inputs, _, err := ds.Yield()
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3, 4, 4}, inputs[0].Shape().Dimensions)
			pixels := tensors.MustCopyFlatData[float32](inputs[0])
			reds = append(reds, pixels[0], pixels[48])
		}
		assert.Equal(t, 3, ds.Epoch())
		return reds
	}
	first := redSequence()
	assert.Equal(t, first, redSequence(), "same seed, same order")

	// Every epoch visits all instances once.
	counts := make(map[float32]int)
	for _, red := range first {
		counts[red]++
	}
	assert.Len(t, counts, 3)
	for _, count := range counts {
		assert.Equal(t, 4, count)
	}
}

func TestDreamBoothErrors(t *testing.T) {
	emptyDir := t.TempDir()
	_, err := New(lengthTokenizer{}, Options{InstanceDir: emptyDir, Resolution: 4, BatchSize: 1})
	require.Error(t, err)
	_, err = New(lengthTokenizer{}, Options{InstanceDir: filepath.Join(emptyDir, "missing"), Resolution: 4,
		BatchSize: 1})
	require.Error(t, err)

	instanceDir := filepath.Join(t.TempDir(), "instance")
	writeImages(t, instanceDir, 1, 8, 8)
	_, err = New(lengthTokenizer{}, Options{InstanceDir: instanceDir, Resolution: 4, BatchSize: 2})
	require.Error(t, err, "a finite dataset smaller than the batch size")
	_, err = New(lengthTokenizer{}, Options{InstanceDir: instanceDir, Resolution: 0, BatchSize: 1})
	require.Error(t, err)
}

func TestPrompts(t *testing.T) {
	prompts, err := NewPrompts([]string{"a", "b", "c", "d", "e"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, prompts.Len())
	assert.Equal(t, 3, prompts.NumBatches())
	var gotTexts [][]string
	var gotIndices [][]int
	for texts, indices := range prompts.Batches() {
		gotTexts = append(gotTexts, texts)
		gotIndices = append(gotIndices, indices)
	}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, gotTexts)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, gotIndices)

	assert.Equal(t, []string{"x", "x", "x"}, RepeatPrompt("x", 3))
	assert.Empty(t, RepeatPrompt("x", 0))
	_, err = NewPrompts(nil, 0)
	require.Error(t, err)
}
