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

package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/beamsearch"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/reading"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// boundsReader answers with the size of each image or region.
type boundsReader struct{}

func (boundsReader) Read(_ context.Context, images []image.Image) ([]reading.Result, error) {
	out := make([]reading.Result, len(images))
	for i, img := range images {
		out[i] = boundsResult(img.Bounds())
	}
	return out, nil
}

func (boundsReader) ReadRegions(_ context.Context, page image.Image, regions []image.Rectangle) ([]reading.Result, error) {
	out := make([]reading.Result, len(regions))
	for i, r := range regions {
		out[i] = boundsResult(r.Intersect(page.Bounds()))
	}
	return out, nil
}

func (boundsReader) Close() error { return nil }

func boundsResult(r image.Rectangle) reading.Result {
	return reading.Result{
		Text:        fmt.Sprintf("%dx%d", r.Dx(), r.Dy()),
		TokenIDs:    []int32{20, 3},
		Score:       -0.25,
		LogProb:     -1,
		Steps:       2,
		Termination: beamsearch.StateEarlyStopped,
	}
}

type oneModel struct{}

func (oneModel) Get(name string) (reading.Reader, error) {
	if name != "manga-ocr" {
		return nil, fmt.Errorf("%w: %s", mangaocr.ErrModelNotFound, name)
	}
	return boundsReader{}, nil
}
func (oneModel) List() []string       { return []string{"manga-ocr"} }
func (oneModel) ListLoaded() []string { return nil }
func (oneModel) Close() error         { return nil }

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func newClient(t *testing.T) *MangaOCRClient {
	t.Helper()
	node := mangaocr.NewMangaOCRNode(zaptest.NewLogger(t), oneModel{}, nil)
	srv := httptest.NewServer(node.Handler())
	t.Cleanup(srv.Close)

	c, err := NewMangaOCRClient(srv.URL+"/", nil)
	require.NoError(t, err)
	return c
}

func TestClient_Read(t *testing.T) {
	c := newClient(t)

	resp, err := c.Read(context.Background(), "manga-ocr", encodePNG(t, 8, 4), encodePNG(t, 3, 5))
	require.NoError(t, err)
	assert.Equal(t, "manga-ocr", resp.Model)
	assert.NotEmpty(t, resp.ID)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "8x4", resp.Results[0].Text)
	assert.Equal(t, "3x5", resp.Results[1].Text)
	assert.Equal(t, "early_stopped", resp.Results[0].Termination)
	assert.Equal(t, []int32{20, 3}, resp.Results[0].TokenIDs)
}

func TestClient_ReadRegions(t *testing.T) {
	c := newClient(t)

	resp, err := c.ReadRegions(context.Background(), "manga-ocr", encodePNG(t, 100, 50), []image.Rectangle{
		image.Rect(0, 0, 10, 20),
		image.Rect(90, 40, 110, 60),
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "10x20", resp.Results[0].Text)
	assert.Equal(t, "10x10", resp.Results[1].Text)

	_, err = c.ReadRegions(context.Background(), "manga-ocr", encodePNG(t, 1, 1), nil)
	assert.Error(t, err)
}

func TestClient_Errors(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.Read(ctx, "missing", encodePNG(t, 2, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.Read(ctx, "manga-ocr", []byte("not an image"))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotErrorIs(t, err, ErrModelNotFound)

	_, err = c.Read(ctx, "manga-ocr")
	assert.Error(t, err)

	_, err = NewMangaOCRClient("", nil)
	assert.Error(t, err)
}

func TestClient_ModelsAndVersion(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	models, err := c.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"manga-ocr"}, models.Readers)

	version, err := c.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, mangaocr.Version, version.Version)
	assert.NotEmpty(t, version.GoVersion)
}

func TestClient_RequestShape(t *testing.T) {
	var got mangaocr.ReadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/read", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, sonic.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"id":"x","model":"m","results":[]}`))
	}))
	defer srv.Close()

	c, err := NewMangaOCRClient(srv.URL, srv.Client())
	require.NoError(t, err)
	_, err = c.ReadRegions(context.Background(), "m", []byte{1, 2, 3}, []image.Rectangle{image.Rect(5, 6, 15, 26)})
	require.NoError(t, err)

	assert.Equal(t, "m", got.Model)
	assert.Equal(t, []string{"AQID"}, got.Images)
	assert.Equal(t, [][4]int{{5, 6, 10, 20}}, got.Regions)
}
