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
	"os"
	"path/filepath"
	"testing"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestLoadVision2SeqModelConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"onnx/encoder_model.onnx":        "",
		"onnx/decoder_model_merged.onnx": "",
		"onnx/decoder_model.onnx":        "",
		"vocab.txt":                      "[PAD]\n",
	})

	cfg, err := LoadVision2SeqModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "onnx", "encoder_model.onnx"), cfg.EncoderPath)
	assert.Equal(t, filepath.Join(dir, "onnx", "decoder_model.onnx"), cfg.DecoderPath)
	assert.Equal(t, backends.DefaultDecoderConfig(), cfg.DecoderConfig)
	assert.Equal(t, backends.DefaultImageConfig(), cfg.ImageConfig)
	assert.True(t, IsVision2SeqModel(dir))
}

func TestLoadVision2SeqModelConfig_Merging(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"encoder_model.onnx": "",
		"decoder_model.onnx": "",
		"vocab.txt":          "[PAD]\n",
		"config.json": `{
			"decoder_start_token_id": 2,
			"eos_token_id": null,
			"pad_token_id": 0,
			"decoder": {"vocab_size": 6144, "eos_token_id": 3, "bos_token_id": 2, "max_length": 128},
			"encoder": {"image_size": 384}
		}`,
		"generation_config.json": `{
			"eos_token_id": [5, 3],
			"max_length": 64,
			"num_beams": 8,
			"length_penalty": 1.5
		}`,
		"preprocessor_config.json": `{
			"image_mean": [0.4, 0.4, 0.4],
			"image_std": [0.2, 0.2, 0.2],
			"rescale_factor": 0.5,
			"size": {"height": 192, "width": 192},
			"resample": 2
		}`,
	})

	cfg, err := LoadVision2SeqModelConfig(dir)
	require.NoError(t, err)

	dec := cfg.DecoderConfig
	assert.Equal(t, 6144, dec.VocabSize)
	assert.Equal(t, 64, dec.MaxLength)
	assert.Equal(t, int32(5), dec.EOSTokenID)
	assert.Equal(t, int32(2), dec.BOSTokenID)
	assert.Equal(t, int32(2), dec.DecoderStartTokenID)
	assert.Equal(t, 8, dec.NumBeams)
	assert.Equal(t, 1.5, dec.LengthPenalty)

	img := cfg.ImageConfig
	assert.Equal(t, 192, img.Width)
	assert.Equal(t, 192, img.Height)
	assert.Equal(t, [3]float32{0.4, 0.4, 0.4}, img.Mean)
	assert.Equal(t, [3]float32{0.2, 0.2, 0.2}, img.Std)
	assert.Equal(t, float32(0.5), img.RescaleFactor)
	assert.Equal(t, backends.ResampleBilinear, img.Resample)
}

func TestLoadVision2SeqModelConfig_EncoderImageSize(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"encoder.onnx": "",
		"decoder.onnx": "",
		"vocab.txt":    "[PAD]\n",
		"config.json":  `{"encoder": {"image_size": 384}}`,
	})

	cfg, err := LoadVision2SeqModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 384, cfg.ImageConfig.Width)
}

func TestLoadVision2SeqModelConfig_Errors(t *testing.T) {
	t.Run("missing encoder", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"decoder_model.onnx": "", "vocab.txt": "x\n"})
		_, err := LoadVision2SeqModelConfig(dir)
		assert.ErrorContains(t, err, "encoder")
		assert.False(t, IsVision2SeqModel(dir))
	})

	t.Run("missing vocab", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"encoder_model.onnx": "", "decoder_model.onnx": ""})
		_, err := LoadVision2SeqModelConfig(dir)
		assert.ErrorContains(t, err, "vocab.txt")
	})

	t.Run("malformed json", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{
			"encoder_model.onnx": "",
			"decoder_model.onnx": "",
			"vocab.txt":          "x\n",
			"config.json":        `{"eos_token_id": "three"}`,
		})
		_, err := LoadVision2SeqModelConfig(dir)
		assert.ErrorContains(t, err, "config.json")
	})
}

func TestExtractImageSize(t *testing.T) {
	assert.Equal(t, 224, extractImageSize(float64(224)))
	assert.Equal(t, 160, extractImageSize(map[string]any{"shortest_edge": float64(160)}))
	assert.Equal(t, 0, extractImageSize("224"))
	assert.Equal(t, 0, extractImageSize(nil))
}
