// Package preprocess runs the fixed enhancement pipeline applied to every page before recognition.
package preprocess

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/markdave123-py/ocrflow/internal/core"
)

// Step names, recorded in execution order.
const (
	StepGrayscale         = "grayscale"
	StepDenoise           = "denoise"
	StepCLAHE             = "clahe"
	StepSharpen           = "sharpen"
	StepAdaptiveThreshold = "adaptive_threshold"
)

type step struct {
	name  string
	apply func(image.Image) *image.Gray
}

// Options tunes the filters. The step order is fixed.
type Options struct {
	CLAHEClipLimit  float64
	CLAHETiles      int
	ThresholdBlock  int
	ThresholdOffset int
}

func DefaultOptions() Options {
	return Options{CLAHEClipLimit: 2.0, CLAHETiles: 8, ThresholdBlock: 31, ThresholdOffset: 5}
}

// Enhancer applies grayscale, denoise, local contrast equalization, blur plus sharpen,
// and adaptive binarization to a page image.
type Enhancer struct {
	steps []step
}

func NewEnhancer(opts Options) *Enhancer {
	return &Enhancer{steps: []step{
		{StepGrayscale, toGray},
		{StepDenoise, func(i image.Image) *image.Gray { return median3(asGray(i)) }},
		{StepCLAHE, func(i image.Image) *image.Gray { return clahe(asGray(i), opts.CLAHETiles, opts.CLAHEClipLimit) }},
		{StepSharpen, func(i image.Image) *image.Gray { return sharpen(asGray(i)) }},
		{StepAdaptiveThreshold, func(i image.Image) *image.Gray {
			return adaptiveThreshold(asGray(i), opts.ThresholdBlock, opts.ThresholdOffset)
		}},
	}}
}

// ProcessedName is the output file name for a page.
func ProcessedName(pageNumber int) string {
	return fmt.Sprintf("page_%03d_processed.png", pageNumber)
}

// Enhance decodes imagePath, runs every step and writes a binarized PNG into outDir.
func (e *Enhancer) Enhance(ctx context.Context, imagePath, outDir string, pageNumber int) (core.Enhanced, error) {
	src, err := imaging.Open(imagePath)
	if err != nil {
		return core.Enhanced{}, &core.UnreadableImageError{Path: imagePath, Err: err}
	}
	if src.Bounds().Empty() {
		return core.Enhanced{}, &core.UnreadableImageError{Path: imagePath, Err: fmt.Errorf("image has no pixels")}
	}

	var img image.Image = src
	applied := make([]string, 0, len(e.steps))
	for _, s := range e.steps {
		if err := ctx.Err(); err != nil {
			return core.Enhanced{}, err
		}
		img = s.apply(img)
		applied = append(applied, s.name)
	}

	out := filepath.Join(outDir, ProcessedName(pageNumber))
	if err := imaging.Save(img, out); err != nil {
		return core.Enhanced{}, fmt.Errorf("write processed page: %w", err)
	}
	return core.Enhanced{ProcessedPath: out, Steps: applied}, nil
}

// toGray flattens transparency onto white and converts to 8-bit luma.
func toGray(src image.Image) *image.Gray {
	n := imaging.Grayscale(src)
	b := n.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := n.PixOffset(b.Min.X+x, b.Min.Y+y)
			v, a := int(n.Pix[i]), int(n.Pix[i+3])
			g.Pix[g.PixOffset(x, y)] = uint8((v*a + 255*(255-a)) / 255)
		}
	}
	return g
}

func asGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	return toGray(img)
}

// lumaOf copies the red channel of an imaging result back into a Gray image.
func lumaOf(n *image.NRGBA) *image.Gray {
	b := n.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Pix[g.PixOffset(x, y)] = n.Pix[n.PixOffset(b.Min.X+x, b.Min.Y+y)]
		}
	}
	return g
}

func median3(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(b)
	var win [9]uint8
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			k := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					win[k] = src.GrayAt(clamp(x+dx, 0, w-1), clamp(y+dy, 0, h-1)).Y
					k++
				}
			}
			for i := 1; i < len(win); i++ {
				for j := i; j > 0 && win[j-1] > win[j]; j-- {
					win[j-1], win[j] = win[j], win[j-1]
				}
			}
			dst.SetGray(x, y, color.Gray{Y: win[4]})
		}
	}
	return dst
}

func sharpen(src *image.Gray) *image.Gray {
	blurred := imaging.Blur(src, 0.8)
	kernel := [9]float64{
		0, -1, 0,
		-1, 5, -1,
		0, -1, 0,
	}
	return lumaOf(imaging.Convolve3x3(blurred, kernel, nil))
}

// adaptiveThreshold compares each pixel to a gaussian weighted local mean minus offset.
func adaptiveThreshold(src *image.Gray, block, offset int) *image.Gray {
	if block < 3 {
		block = 3
	}
	sigma := 0.3*(float64(block-1)*0.5-1) + 0.8
	mean := lumaOf(imaging.Blur(src, sigma))
	dst := image.NewGray(src.Bounds())
	for i, v := range src.Pix {
		if int(v) > int(mean.Pix[i])-offset {
			dst.Pix[i] = 255
		}
	}
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
