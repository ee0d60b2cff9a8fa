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

package reading

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/beamsearch"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/pipelines"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const vocabSize = 20

var tokens = func() []string {
	t := make([]string, vocabSize)
	for i := range t {
		t[i] = "?"
	}
	copy(t[15:], []string{"黒", "白", "赤", "青", "緑"})
	return t
}()

// stubModel encodes an image to its mean red value and decodes it to a
// single token chosen by that value: black reads 黒, anything else 白.
type stubModel struct {
	forwards atomic.Int64
	closed   atomic.Bool
	fail     bool
}

func (m *stubModel) Forward(_ context.Context, in *backends.ModelInputs) (*backends.ModelOutput, error) {
	m.forwards.Add(1)
	if m.fail {
		return nil, errors.New("model failed")
	}
	if in.EncoderOutput == nil {
		var sum float32
		plane := in.ImageHeight * in.ImageWidth
		for _, v := range in.ImagePixels[:plane] {
			sum += v
		}
		return &backends.ModelOutput{EncoderOutput: &backends.EncoderOutput{
			HiddenStates: []float32{sum / float32(plane)},
			Shape:        [3]int{1, 1, 1},
		}}, nil
	}

	prefix := in.InputIDs[0]
	favored := int32(3)
	if len(prefix) == 1 {
		favored = 16
		if in.EncoderOutput.HiddenStates[0] < 0 {
			favored = 15
		}
	}
	logits := make([]float32, vocabSize)
	logits[favored] = 10
	return &backends.ModelOutput{Logits: [][]float32{logits}}, nil
}

func (m *stubModel) DecoderConfig() *backends.DecoderConfig {
	cfg := backends.DefaultDecoderConfig()
	cfg.VocabSize = vocabSize
	return cfg
}

func (m *stubModel) Close() error                   { m.closed.Store(true); return nil }
func (m *stubModel) Name() string                   { return "stub" }
func (m *stubModel) Backend() backends.BackendType { return "stub" }

func newTestReader(t *testing.T, poolSize int, fail bool) (*PooledReader, []*stubModel) {
	t.Helper()
	imgCfg := backends.DefaultImageConfig()
	imgCfg.Width, imgCfg.Height = 4, 4

	var models []*stubModel
	var ps []*pipelines.Vision2SeqPipeline
	for range poolSize {
		m := &stubModel{fail: fail}
		p, err := pipelines.NewVision2SeqPipeline(m, pipelines.NewVocabulary(tokens), &pipelines.Vision2SeqConfig{
			ImageConfig: imgCfg,
			Beam:        pipelines.BeamSettings{Width: 2},
		})
		require.NoError(t, err)
		models = append(models, m)
		ps = append(ps, p)
	}
	r, err := NewPooledReaderFromPipelines(ps, "stub", zaptest.NewLogger(t))
	require.NoError(t, err)
	return r, models
}

func solid(c color.Color, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPooledReader_Read(t *testing.T) {
	r, models := newTestReader(t, 2, false)

	results, err := r.Read(context.Background(), []image.Image{
		solid(color.Black, 8, 8),
		solid(color.White, 8, 8),
		solid(color.Black, 3, 5),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "黒", results[0].Text)
	assert.Equal(t, "白", results[1].Text)
	assert.Equal(t, "黒", results[2].Text)
	assert.Equal(t, []int32{15, 3}, results[0].TokenIDs)
	assert.Equal(t, beamsearch.StateEarlyStopped, results[0].Termination)
	assert.Equal(t, 2, results[0].Steps)

	// Round-robin spreads the batch over both pipelines.
	assert.Positive(t, models[0].forwards.Load())
	assert.Positive(t, models[1].forwards.Load())

	assert.Equal(t, 2, r.PoolSize())
	assert.Equal(t, 2, r.BeamConfig().BeamWidth)
	assert.Equal(t, 4, r.ImageConfig().Width)

	require.NoError(t, r.Close())
	assert.True(t, models[0].closed.Load())
	assert.True(t, models[1].closed.Load())
}

func TestPooledReader_ReadRegions(t *testing.T) {
	r, _ := newTestReader(t, 1, false)

	page := solid(color.White, 20, 10)
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			page.Set(x, y, color.Black)
		}
	}

	results, err := r.ReadRegions(context.Background(), page, []image.Rectangle{
		image.Rect(0, 0, 10, 10),
		image.Rect(10, 0, 20, 10),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "黒", results[0].Text)
	assert.Equal(t, "白", results[1].Text)

	_, err = r.ReadRegions(context.Background(), page, []image.Rectangle{image.Rect(50, 50, 60, 60)})
	assert.ErrorContains(t, err, "image 0")

	_, err = r.ReadRegions(context.Background(), page, nil)
	assert.Error(t, err)
	_, err = r.ReadRegions(context.Background(), nil, []image.Rectangle{image.Rect(0, 0, 1, 1)})
	assert.Error(t, err)
}

func TestPooledReader_Errors(t *testing.T) {
	r, _ := newTestReader(t, 1, true)

	_, err := r.Read(context.Background(), nil)
	assert.Error(t, err)

	_, err = r.Read(context.Background(), []image.Image{solid(color.White, 4, 4)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model failed")

	_, err = NewPooledReaderFromPipelines(nil, "empty", nil)
	assert.Error(t, err)
}

func TestPooledReader_Cancelled(t *testing.T) {
	r, _ := newTestReader(t, 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Read(ctx, []image.Image{solid(color.White, 4, 4)})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewPooledReader_NilConfig(t *testing.T) {
	_, _, err := NewPooledReader(nil, backends.NewSessionManager(), nil)
	assert.Error(t, err)
}
