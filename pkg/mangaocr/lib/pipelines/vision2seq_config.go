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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	"github.com/goccy/go-json"
)

var (
	encoderCandidates = []string{"encoder_model.onnx", "encoder.onnx", "vision_encoder.onnx"}
	// The full-prefix decoder is preferred: decoding re-runs the whole
	// prefix every step and never feeds past key/values.
	decoderCandidates = []string{"decoder_model.onnx", "decoder.onnx", "decoder_model_merged.onnx"}
	vocabCandidates   = []string{"vocab.txt"}
)

// Vision2SeqModelConfig holds the resolved configuration of a manga-ocr
// style VisionEncoderDecoder model directory.
type Vision2SeqModelConfig struct {
	ModelPath   string
	EncoderPath string
	DecoderPath string
	VocabPath   string

	DecoderConfig *backends.DecoderConfig
	ImageConfig   *backends.ImageConfig
}

// LoadVision2SeqModelConfig reads config.json, generation_config.json and
// preprocessor_config.json from modelPath. Missing JSON files fall back to
// the manga-ocr defaults; missing ONNX files or vocab.txt are errors.
func LoadVision2SeqModelConfig(modelPath string) (*Vision2SeqModelConfig, error) {
	cfg := &Vision2SeqModelConfig{
		ModelPath:   modelPath,
		EncoderPath: FindONNXFile(modelPath, encoderCandidates),
		DecoderPath: FindONNXFile(modelPath, decoderCandidates),
		VocabPath:   FindONNXFile(modelPath, vocabCandidates),
	}
	if cfg.EncoderPath == "" {
		return nil, fmt.Errorf("no encoder ONNX file in %s", modelPath)
	}
	if cfg.DecoderPath == "" {
		return nil, fmt.Errorf("no decoder ONNX file in %s", modelPath)
	}
	if cfg.VocabPath == "" {
		return nil, fmt.Errorf("no vocab.txt in %s", modelPath)
	}

	var raw rawModelConfig
	if err := readJSON(filepath.Join(modelPath, "config.json"), &raw); err != nil {
		return nil, fmt.Errorf("loading model config: %w", err)
	}
	var gen rawGenerationConfig
	if err := readJSON(filepath.Join(modelPath, "generation_config.json"), &gen); err != nil {
		return nil, fmt.Errorf("loading generation config: %w", err)
	}
	var pre rawPreprocessorConfig
	if err := readJSON(filepath.Join(modelPath, "preprocessor_config.json"), &pre); err != nil {
		return nil, fmt.Errorf("loading preprocessor config: %w", err)
	}

	cfg.DecoderConfig = buildDecoderConfig(&raw, &gen)
	cfg.ImageConfig = buildImageConfig(&raw, &pre)
	return cfg, nil
}

// IsVision2SeqModel reports whether path holds an encoder, a decoder and a
// vocabulary.
func IsVision2SeqModel(path string) bool {
	return FindONNXFile(path, encoderCandidates) != "" &&
		FindONNXFile(path, decoderCandidates) != "" &&
		FindONNXFile(path, vocabCandidates) != ""
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// tokenID accepts both 3 and [3] for eos_token_id style fields.
type tokenID struct {
	value int32
	set   bool
}

func (t *tokenID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var n int32
	if err := json.Unmarshal(data, &n); err == nil {
		t.value, t.set = n, true
		return nil
	}
	var list []int32
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("token id must be an integer or a list: %w", err)
	}
	if len(list) > 0 {
		t.value, t.set = list[0], true
	}
	return nil
}

type rawDecoderSection struct {
	VocabSize           int     `json:"vocab_size"`
	DecoderStartTokenID tokenID `json:"decoder_start_token_id"`
	EOSTokenID          tokenID `json:"eos_token_id"`
	BOSTokenID          tokenID `json:"bos_token_id"`
	PadTokenID          tokenID `json:"pad_token_id"`
	MaxLength           int     `json:"max_length"`
}

type rawModelConfig struct {
	rawDecoderSection
	Decoder *rawDecoderSection `json:"decoder"`
	Encoder *struct {
		ImageSize int `json:"image_size"`
	} `json:"encoder"`
}

type rawGenerationConfig struct {
	rawDecoderSection
	NumBeams      int     `json:"num_beams"`
	LengthPenalty float64 `json:"length_penalty"`
}

type rawPreprocessorConfig struct {
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
	RescaleFactor float32   `json:"rescale_factor"`
	Size          any       `json:"size"`
	Resample      *int      `json:"resample"`
}

// pickToken returns the first set token id.
func pickToken(def int32, ids ...tokenID) int32 {
	for _, id := range ids {
		if id.set {
			return id.value
		}
	}
	return def
}

// buildDecoderConfig merges generation_config.json over config.json (top
// level first, then the nested decoder section) over the defaults.
func buildDecoderConfig(raw *rawModelConfig, gen *rawGenerationConfig) *backends.DecoderConfig {
	def := backends.DefaultDecoderConfig()
	dec := raw.Decoder
	if dec == nil {
		dec = &rawDecoderSection{}
	}

	return &backends.DecoderConfig{
		VocabSize:           FirstNonZero(gen.VocabSize, raw.VocabSize, dec.VocabSize, def.VocabSize),
		MaxLength:           FirstNonZero(gen.MaxLength, raw.MaxLength, dec.MaxLength, def.MaxLength),
		DecoderStartTokenID: pickToken(def.DecoderStartTokenID, gen.DecoderStartTokenID, raw.DecoderStartTokenID, dec.DecoderStartTokenID),
		EOSTokenID:          pickToken(def.EOSTokenID, gen.EOSTokenID, raw.EOSTokenID, dec.EOSTokenID),
		BOSTokenID:          pickToken(def.BOSTokenID, gen.BOSTokenID, raw.BOSTokenID, dec.BOSTokenID),
		PadTokenID:          pickToken(def.PadTokenID, gen.PadTokenID, raw.PadTokenID, dec.PadTokenID),
		NumBeams:            FirstNonZero(gen.NumBeams, def.NumBeams),
		LengthPenalty:       FirstNonZero(gen.LengthPenalty, def.LengthPenalty),
	}
}

// PIL resample codes used by preprocessor_config.json.
const (
	pilNearest  = 0
	pilBilinear = 2
	pilBicubic  = 3
)

func buildImageConfig(raw *rawModelConfig, pre *rawPreprocessorConfig) *backends.ImageConfig {
	cfg := backends.DefaultImageConfig()

	size := extractImageSize(pre.Size)
	if size == 0 && raw.Encoder != nil {
		size = raw.Encoder.ImageSize
	}
	if size > 0 {
		cfg.Width, cfg.Height = size, size
	}
	if len(pre.ImageMean) == 3 {
		copy(cfg.Mean[:], pre.ImageMean)
	}
	if len(pre.ImageStd) == 3 {
		copy(cfg.Std[:], pre.ImageStd)
	}
	if pre.RescaleFactor > 0 {
		cfg.RescaleFactor = pre.RescaleFactor
	}
	if pre.Resample != nil {
		switch *pre.Resample {
		case pilNearest:
			cfg.Resample = backends.ResampleNearest
		case pilBilinear:
			cfg.Resample = backends.ResampleBilinear
		case pilBicubic:
			cfg.Resample = backends.ResampleCatmullRom
		}
	}
	return cfg
}

// extractImageSize accepts 224, {"height": 224, "width": 224} or
// {"shortest_edge": 224}.
func extractImageSize(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case map[string]any:
		if h, ok := val["height"].(float64); ok {
			return int(h)
		}
		if se, ok := val["shortest_edge"].(float64); ok {
			return int(se)
		}
	}
	return 0
}
