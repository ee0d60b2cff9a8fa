// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipelines

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ImageProcessor turns a speech-bubble image into the encoder's pixel_values
// tensor.
type ImageProcessor struct {
	Config *backends.ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
func NewImageProcessor(config *backends.ImageConfig) *ImageProcessor {
	if config == nil {
		config = backends.DefaultImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// DecodeImage decodes any registered image format.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// ProcessBytes preprocesses an encoded image.
// Returns pixel values in NCHW format [channels, height, width] as a flat slice.
func (p *ImageProcessor) ProcessBytes(data []byte) ([]float32, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return p.Process(img)
}

// ProcessReader preprocesses an image from a reader.
func (p *ImageProcessor) ProcessReader(r io.Reader) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return p.Process(img)
}

// Process preprocesses a decoded image: optional grayscale, resize, rescale
// and normalize, then lay out as NCHW.
func (p *ImageProcessor) Process(img image.Image) ([]float32, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("empty image")
	}
	if p.Config.Channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", p.Config.Channels)
	}
	if p.Config.Width <= 0 || p.Config.Height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", p.Config.Width, p.Config.Height)
	}

	if p.Config.Grayscale {
		img = toGray(img)
	}
	img = p.resize(img)
	return p.toTensor(img), nil
}

// ProcessRegion crops a page to region and preprocesses the result.
func (p *ImageProcessor) ProcessRegion(page image.Image, region image.Rectangle) ([]float32, error) {
	cropped, err := Crop(page, region)
	if err != nil {
		return nil, err
	}
	return p.Process(cropped)
}

// Crop returns the part of img inside region. The region is clipped to the
// image bounds; a region that does not overlap the image is an error.
func Crop(img image.Image, region image.Rectangle) (image.Image, error) {
	r := region.Canon().Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("region %v does not overlap image bounds %v", region, img.Bounds())
	}
	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(r), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// toGray converts to 8-bit luma, matching a convert("L") then back to RGB.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

func (p *ImageProcessor) interpolator() draw.Interpolator {
	switch p.Config.Resample {
	case backends.ResampleBilinear:
		return draw.BiLinear
	case backends.ResampleNearest:
		return draw.NearestNeighbor
	default:
		return draw.CatmullRom
	}
}

func (p *ImageProcessor) resize(img image.Image) image.Image {
	w, h := p.Config.Width, p.Config.Height
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	var dst draw.Image
	if _, ok := img.(*image.Gray); ok {
		dst = image.NewGray(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	p.interpolator().Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// toTensor converts an image to a normalized float tensor in NCHW format.
func (p *ImageProcessor) toTensor(img image.Image) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	pixels := make([]float32, 3*plane)

	cfg := p.Config
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*width + x
			pixels[i] = (float32(r>>8)*cfg.RescaleFactor - cfg.Mean[0]) / cfg.Std[0]
			pixels[plane+i] = (float32(g>>8)*cfg.RescaleFactor - cfg.Mean[1]) / cfg.Std[1]
			pixels[2*plane+i] = (float32(b>>8)*cfg.RescaleFactor - cfg.Mean[2]) / cfg.Std[2]
		}
	}
	return pixels
}
