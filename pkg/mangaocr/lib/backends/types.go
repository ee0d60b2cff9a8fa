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

// Package backends provides the inference runtime abstraction used by the
// OCR pipelines.
//
// A backend hands out Sessions: tensor-in, tensor-out handles over one model
// file. The vision encoder and the token decoder are each a Session; the
// pipelines package composes them into a Model.
//
// Available backends:
//   - ONNX Runtime: requires -tags="onnx,ORT" and the onnxruntime shared library
//
// Build example:
//
//	go build -tags="onnx,ORT" ./pkg/mangaocr/cmd
package backends

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend
	BackendONNX BackendType = "onnx"
)

// DeviceType identifies the hardware device for inference
type DeviceType string

const (
	DeviceAuto DeviceType = "auto"
	DeviceCUDA DeviceType = "cuda"
	DeviceCPU  DeviceType = "cpu"
)

// GPUMode controls how GPU acceleration is enabled.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto" // Use CUDA when the runtime reports it
	GPUModeCuda GPUMode = "cuda" // Force CUDA
	GPUModeOff  GPUMode = "off"  // CPU only
)

// ToGPUMode converts DeviceType to GPUMode.
func (d DeviceType) ToGPUMode() GPUMode {
	switch d {
	case DeviceCUDA:
		return GPUModeCuda
	case DeviceCPU:
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}

// BackendSpec combines a backend type with a device preference.
type BackendSpec struct {
	Backend BackendType
	Device  DeviceType
}

// String returns "onnx" or "onnx:cuda".
func (s BackendSpec) String() string {
	if s.Device == DeviceAuto || s.Device == "" {
		return string(s.Backend)
	}
	return string(s.Backend) + ":" + string(s.Device)
}

// ModelInputs contains the inputs for one forward pass.
// Encoders read the image fields, decoders read InputIDs and EncoderOutput.
type ModelInputs struct {
	// Image inputs, NCHW
	ImagePixels   []float32
	ImageBatch    int
	ImageChannels int
	ImageHeight   int
	ImageWidth    int

	// Decoder prefix token IDs [batch, seq]
	InputIDs [][]int32

	// Encoder output passed to the decoder
	EncoderOutput *EncoderOutput
}

// ModelOutput contains the outputs of a forward pass.
type ModelOutput struct {
	// EncoderOutput is set by encoder passes.
	EncoderOutput *EncoderOutput

	// Logits holds next-token scores for the last position of each batch
	// row: [batch, vocab_size].
	Logits [][]float32
}

// EncoderOutput holds the hidden states of the vision encoder. It is created
// once per image and shared read-only by every decoder call for that image.
type EncoderOutput struct {
	// HiddenStates is [batch, seq, hidden] in row-major order.
	HiddenStates []float32
	// Shape holds the tensor dimensions [batch, seq, hidden].
	Shape [3]int
}

// DecoderConfig holds the decoder's token and length settings.
type DecoderConfig struct {
	VocabSize           int
	MaxLength           int
	EOSTokenID          int32
	BOSTokenID          int32
	PadTokenID          int32
	DecoderStartTokenID int32
	// NumBeams is the beam width suggested by generation_config.json.
	NumBeams int
	// LengthPenalty is the exponent suggested by generation_config.json.
	LengthPenalty float64
}

// DefaultDecoderConfig returns the manga-ocr token layout.
func DefaultDecoderConfig() *DecoderConfig {
	return &DecoderConfig{
		VocabSize:           6144,
		MaxLength:           300,
		EOSTokenID:          3,
		BOSTokenID:          2,
		PadTokenID:          0,
		DecoderStartTokenID: 2,
		NumBeams:            4,
		LengthPenalty:       2.0,
	}
}

// Resample names the interpolation used to resize images.
type Resample string

const (
	ResampleCatmullRom Resample = "catmullrom"
	ResampleBilinear   Resample = "bilinear"
	ResampleNearest    Resample = "nearest"
)

// ImageConfig holds configuration for image preprocessing.
type ImageConfig struct {
	Width    int
	Height   int
	Channels int
	// Mean is the per-channel mean for normalization.
	Mean [3]float32
	// Std is the per-channel standard deviation for normalization.
	Std [3]float32
	// RescaleFactor scales pixel values (1/255 maps 0-255 to 0-1).
	RescaleFactor float32
	// Grayscale converts to luma first and replicates it to every channel.
	Grayscale bool
	// Resample selects the resize filter.
	Resample Resample
}

// DefaultImageConfig returns the manga-ocr preprocessing: 224x224,
// grayscale replicated to RGB, Catmull-Rom resize, (x/255 - 0.5) / 0.5.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Width:         224,
		Height:        224,
		Channels:      3,
		Mean:          [3]float32{0.5, 0.5, 0.5},
		Std:           [3]float32{0.5, 0.5, 0.5},
		RescaleFactor: 1.0 / 255.0,
		Grayscale:     true,
		Resample:      ResampleCatmullRom,
	}
}
