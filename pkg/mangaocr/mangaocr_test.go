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

package mangaocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/beamsearch"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/reading"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// sizeReader "recognizes" an image as its size, e.g. "8x4".
type sizeReader struct {
	calls  atomic.Int64
	closed atomic.Bool
	err    error
}

func (s *sizeReader) Read(_ context.Context, images []image.Image) ([]reading.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]reading.Result, len(images))
	for i, img := range images {
		out[i] = sizeResult(img.Bounds())
	}
	return out, nil
}

func (s *sizeReader) ReadRegions(_ context.Context, page image.Image, regions []image.Rectangle) ([]reading.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]reading.Result, len(regions))
	for i, r := range regions {
		out[i] = sizeResult(r.Intersect(page.Bounds()))
	}
	return out, nil
}

func (s *sizeReader) Close() error {
	s.closed.Store(true)
	return nil
}

func sizeResult(r image.Rectangle) reading.Result {
	return reading.Result{
		Text:        fmt.Sprintf("%dx%d", r.Dx(), r.Dy()),
		TokenIDs:    []int32{20, 3},
		Score:       -0.25,
		LogProb:     -1,
		Steps:       2,
		Termination: beamsearch.StateEarlyStopped,
	}
}

// staticProvider serves fixed readers.
type staticProvider struct {
	readers map[string]reading.Reader
}

func (p *staticProvider) Get(name string) (reading.Reader, error) {
	r, ok := p.readers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return r, nil
}

func (p *staticProvider) List() []string {
	names := make([]string, 0, len(p.readers))
	for n := range p.readers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (p *staticProvider) ListLoaded() []string { return p.List() }
func (p *staticProvider) Close() error         { return nil }

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestServer(t *testing.T, readers map[string]reading.Reader, withCache bool) *httptest.Server {
	t.Helper()
	var cache *ReadingCache
	if withCache {
		cache = NewReadingCache(ReadingCacheTTL, BeamConfig{}.Settings(), zaptest.NewLogger(t))
		t.Cleanup(cache.Close)
	}
	node := NewMangaOCRNode(zaptest.NewLogger(t), &staticProvider{readers: readers}, cache)
	srv := httptest.NewServer(node.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postRead(t *testing.T, srv *httptest.Server, req ReadRequest) *http.Response {
	t.Helper()
	body, err := sonic.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/read", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_Read(t *testing.T) {
	reader := &sizeReader{}
	srv := newTestServer(t, map[string]reading.Reader{"manga-ocr": reader}, true)

	req := ReadRequest{
		Model:  "manga-ocr",
		Images: []string{pngBase64(t, 8, 4), "data:image/png;base64," + pngBase64(t, 3, 5)},
	}
	resp := postRead(t, srv, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	out := decodeBody[ReadResponse](t, resp)
	assert.Equal(t, "manga-ocr", out.Model)
	assert.Equal(t, resp.Header.Get("X-Request-Id"), out.ID)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "8x4", out.Results[0].Text)
	assert.Equal(t, "3x5", out.Results[1].Text)
	assert.Equal(t, "early_stopped", out.Results[0].Termination)
	assert.Equal(t, -0.25, out.Results[0].Score)
	assert.Equal(t, []int32{20, 3}, out.Results[0].TokenIDs)

	// Identical request is served from the cache.
	resp = postRead(t, srv, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), reader.calls.Load())
}

func TestAPI_ReadRegions(t *testing.T) {
	srv := newTestServer(t, map[string]reading.Reader{"manga-ocr": &sizeReader{}}, false)

	resp := postRead(t, srv, ReadRequest{
		Model:   "manga-ocr",
		Images:  []string{pngBase64(t, 100, 50)},
		Regions: [][4]int{{10, 10, 20, 30}, {90, 40, 50, 50}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeBody[ReadResponse](t, resp)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "20x30", out.Results[0].Text)
	assert.Equal(t, "10x10", out.Results[1].Text)
}

func TestAPI_ReadErrors(t *testing.T) {
	readers := map[string]reading.Reader{
		"manga-ocr": &sizeReader{},
		"broken":    &sizeReader{err: &beamsearch.OracleError{Step: 1, Err: errors.New("session failed")}},
		"slow":      &sizeReader{err: fmt.Errorf("decoding: %w", context.DeadlineExceeded)},
	}
	srv := newTestServer(t, readers, false)
	img := pngBase64(t, 4, 4)

	tests := []struct {
		name   string
		req    ReadRequest
		status int
	}{
		{"missing model", ReadRequest{Images: []string{img}}, http.StatusBadRequest},
		{"no images", ReadRequest{Model: "manga-ocr"}, http.StatusBadRequest},
		{"bad base64", ReadRequest{Model: "manga-ocr", Images: []string{"!!!"}}, http.StatusBadRequest},
		{"not an image", ReadRequest{Model: "manga-ocr", Images: []string{base64.StdEncoding.EncodeToString([]byte("hello"))}}, http.StatusBadRequest},
		{"regions with two images", ReadRequest{Model: "manga-ocr", Images: []string{img, img}, Regions: [][4]int{{0, 0, 1, 1}}}, http.StatusBadRequest},
		{"empty region", ReadRequest{Model: "manga-ocr", Images: []string{img}, Regions: [][4]int{{0, 0, 0, 1}}}, http.StatusBadRequest},
		{"off-page region", ReadRequest{Model: "manga-ocr", Images: []string{img}, Regions: [][4]int{{0, 0, 2, 2}, {1000, 1000, 5, 5}}}, http.StatusBadRequest},
		{"region touching page edge", ReadRequest{Model: "manga-ocr", Images: []string{img}, Regions: [][4]int{{4, 0, 2, 2}}}, http.StatusBadRequest},
		{"unknown model", ReadRequest{Model: "nope", Images: []string{img}}, http.StatusNotFound},
		{"oracle failure", ReadRequest{Model: "broken", Images: []string{img}}, http.StatusInternalServerError},
		{"deadline", ReadRequest{Model: "slow", Images: []string{img}}, http.StatusRequestTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRead(t, srv, tt.req)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	resp, err := http.Post(srv.URL+"/api/read", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_NoModels(t *testing.T) {
	srv := newTestServer(t, map[string]reading.Reader{}, false)

	resp := postRead(t, srv, ReadRequest{Model: "manga-ocr", Images: []string{pngBase64(t, 2, 2)}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)
	assert.Equal(t, "not_ready", decodeBody[ReadyResponse](t, ready).Status)
}

func TestAPI_ModelsVersionHealth(t *testing.T) {
	srv := newTestServer(t, map[string]reading.Reader{"b": &sizeReader{}, "a": &sizeReader{}}, false)

	resp, err := http.Get(srv.URL + "/api/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	models := decodeBody[ModelsResponse](t, resp)
	assert.Equal(t, []string{"a", "b"}, models.Readers)

	resp, err = http.Get(srv.URL + "/api/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	version := decodeBody[VersionResponse](t, resp)
	assert.Equal(t, Version, version.Version)
	assert.NotEmpty(t, version.GoVersion)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, resp).Status)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	ready := decodeBody[ReadyResponse](t, resp)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, 2, ready.Models.Readers)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/read", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCachedReader(t *testing.T) {
	cache := NewReadingCache(ReadingCacheTTL, BeamConfig{Width: 4}.Settings(), zaptest.NewLogger(t))
	defer cache.Close()

	reader := &sizeReader{}
	cr := cache.WrapReader(reader, "m")
	assert.Same(t, cr, cache.WrapReader(reader, "m"))

	ctx := context.Background()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	_, err := cr.Read(ctx, []image.Image{img})
	require.NoError(t, err)
	_, err = cr.Read(ctx, []image.Image{img})
	require.NoError(t, err)
	assert.Equal(t, int64(1), reader.calls.Load())

	// Different pixels miss.
	other := image.NewRGBA(image.Rect(0, 0, 4, 4))
	other.Set(1, 1, color.White)
	_, err = cr.Read(ctx, []image.Image{other})
	require.NoError(t, err)
	assert.Equal(t, int64(2), reader.calls.Load())

	// Regions are part of the key.
	_, err = cr.ReadRegions(ctx, img, []image.Rectangle{image.Rect(0, 0, 2, 2)})
	require.NoError(t, err)
	_, err = cr.ReadRegions(ctx, img, []image.Rectangle{image.Rect(0, 0, 2, 3)})
	require.NoError(t, err)
	assert.Equal(t, int64(4), reader.calls.Load())

	stats := cr.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(4), stats.Misses)

	// Errors are not cached.
	failing := &sizeReader{err: errors.New("boom")}
	fc := cache.WrapReader(failing, "f")
	_, err = fc.Read(ctx, []image.Image{img})
	require.Error(t, err)
	_, err = fc.Read(ctx, []image.Image{img})
	require.Error(t, err)
	assert.Equal(t, int64(2), failing.calls.Load())

	require.NoError(t, cr.Close())
	assert.True(t, reader.closed.Load())
}

func TestCachedReader_BeamSettingsInKey(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	a := NewCachedReader(&sizeReader{}, "m", BeamConfig{Width: 4}.Settings(), nil, nil)
	b := NewCachedReader(&sizeReader{}, "m", BeamConfig{Width: 2}.Settings(), nil, nil)
	assert.NotEqual(t, a.cacheKey(nil, []image.Image{img}), b.cacheKey(nil, []image.Image{img}))
	assert.Equal(t, a.cacheKey(nil, []image.Image{img}), a.cacheKey(nil, []image.Image{img}))
}

func TestHashImage(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 3, 3))
	rgba.Set(1, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	sub := rgba.SubImage(image.Rect(1, 1, 3, 3))
	copied := image.NewRGBA(image.Rect(1, 1, 3, 3))
	copied.Set(1, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	assert.Equal(t, hashImage(copied), hashImage(sub))
	assert.NotEqual(t, hashImage(rgba), hashImage(sub))

	gray := image.NewGray(image.Rect(0, 0, 2, 2))
	assert.NotEqual(t, hashImage(gray), hashImage(image.NewGray(image.Rect(0, 0, 2, 3))))

	paletted := image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.Black, color.White})
	h := hashImage(paletted)
	paletted.SetColorIndex(0, 0, 1)
	assert.NotEqual(t, h, hashImage(paletted))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{KeepAlive: "5m", CacheTTL: "0", BackendPriority: []string{"onnx:cpu"}}.Validate())

	bad := []Config{
		{KeepAlive: "soon"},
		{CacheTTL: "-1m"},
		{PoolSize: -1},
		{MaxLoadedModels: -1},
		{NumThreads: -2},
		{Beam: BeamConfig{Width: -1}},
		{Beam: BeamConfig{LengthPenalty: -0.5}},
		{BackendPriority: []string{"tpu"}},
	}
	for _, c := range bad {
		assert.Error(t, c.Validate(), "%+v", c)
	}

	d, err := Config{}.CacheTTLDuration()
	require.NoError(t, err)
	assert.Equal(t, ReadingCacheTTL, d)

	d, err = Config{KeepAlive: "0"}.KeepAliveDuration()
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForError(fmt.Errorf("x: %w", ErrModelNotFound)))
	assert.Equal(t, http.StatusRequestTimeout, statusForError(context.Canceled))
	assert.Equal(t, http.StatusRequestTimeout, statusForError(beamsearch.ErrCancelled))
	assert.Equal(t, http.StatusInternalServerError, statusForError(beamsearch.ErrDecodeExhausted))
	assert.Equal(t, http.StatusInternalServerError, statusForError(beamsearch.ErrInvalidConfig))
}

func TestDecodeBase64Image(t *testing.T) {
	data, err := decodeBase64Image("data:image/png;base64,aGk=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)

	_, err = decodeBase64Image("data:image/png;base64")
	assert.Error(t, err)
}
