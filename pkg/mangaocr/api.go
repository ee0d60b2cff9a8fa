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
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/beamsearch"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/pipelines"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/reading"
	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxRequestBytes bounds the size of a read request body.
const MaxRequestBytes = 64 << 20

// ReadRequest is the body of POST /api/read.
type ReadRequest struct {
	// Model is the reader model name as listed by /api/models.
	Model string `json:"model"`

	// Images are base64 encoded images, optionally as data URIs. Without
	// regions each image is one bubble.
	Images []string `json:"images"`

	// Regions are [x, y, width, height] boxes on a single page image.
	Regions [][4]int `json:"regions,omitempty"`
}

// ReadResult is the recognition of one image or region.
type ReadResult struct {
	Text        string  `json:"text"`
	TokenIDs    []int32 `json:"token_ids,omitempty"`
	Score       float64 `json:"score"`
	LogProb     float64 `json:"log_prob"`
	Steps       int     `json:"steps"`
	Termination string  `json:"termination"`
}

// ReadResponse is the response of POST /api/read.
type ReadResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Results []ReadResult `json:"results"`
}

// ModelsResponse lists reader models.
type ModelsResponse struct {
	Readers []string `json:"readers"`
	Loaded  []string `json:"loaded"`
}

// VersionResponse reports build information.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// NewMangaOCRAPI returns the /api/ handler of node.
func NewMangaOCRAPI(node *MangaOCRNode) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/read", node.handleApiRead)
	mux.HandleFunc("GET /api/models", node.handleApiModels)
	mux.HandleFunc("GET /api/version", node.handleApiVersion)
	return mux
}

// handleApiRead recognizes the text of uploaded bubbles or page regions.
func (ln *MangaOCRNode) handleApiRead(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	start := time.Now()
	id := uuid.NewString()
	w.Header().Set("X-Request-Id", id)
	logger := ln.logger.With(zap.String("request_id", id))

	if ln.readers == nil || len(ln.readers.List()) == 0 {
		http.Error(w, "reading not available: no models configured", http.StatusServiceUnavailable)
		return
	}

	var req ReadRequest
	if err := decoder.NewStreamDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	images, regions, err := parseReadInput(&req)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid input: %v", err), http.StatusBadRequest)
		return
	}

	reader, err := ln.readers.Get(req.Model)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusNotFound {
			http.Error(w, fmt.Sprintf("model not found: %s", req.Model), status)
		} else {
			logger.Error("loading reader model", zap.String("model", req.Model), zap.Error(err))
			http.Error(w, fmt.Sprintf("loading model: %v", err), status)
		}
		return
	}
	if ln.cache != nil {
		reader = ln.cache.WrapReader(reader, req.Model)
	}

	RecordReadRequest(req.Model)

	var results []reading.Result
	if regions != nil {
		results, err = reader.ReadRegions(r.Context(), images[0], regions)
	} else {
		results, err = reader.Read(r.Context(), images)
	}
	if err != nil {
		status := statusForError(err)
		RecordRequestDuration("read", req.Model, strconv.Itoa(status), time.Since(start).Seconds())
		logger.Error("failed to read images",
			zap.String("model", req.Model),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, fmt.Sprintf("reading images: %v", err), status)
		return
	}

	RecordReadResults(req.Model, results)
	RecordRequestDuration("read", req.Model, "200", time.Since(start).Seconds())

	resp := ReadResponse{
		ID:      id,
		Model:   req.Model,
		Results: make([]ReadResult, len(results)),
	}
	for i, res := range results {
		resp.Results[i] = ReadResult{
			Text:        res.Text,
			TokenIDs:    res.TokenIDs,
			Score:       res.Score,
			LogProb:     res.LogProb,
			Steps:       res.Steps,
			Termination: res.Termination.String(),
		}
	}

	logger.Debug("Read request completed",
		zap.String("model", req.Model),
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)))

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		logger.Error("encoding response", zap.Error(err))
	}
}

// parseReadInput decodes the request images. With regions, exactly one page
// image is allowed and regions are returned as rectangles.
func parseReadInput(req *ReadRequest) ([]image.Image, []image.Rectangle, error) {
	if len(req.Images) == 0 {
		return nil, nil, errors.New("images are required")
	}
	if len(req.Regions) > 0 && len(req.Images) != 1 {
		return nil, nil, fmt.Errorf("regions need exactly one page image, got %d images", len(req.Images))
	}

	images := make([]image.Image, len(req.Images))
	for i, enc := range req.Images {
		data, err := decodeBase64Image(enc)
		if err != nil {
			return nil, nil, fmt.Errorf("image %d: %w", i, err)
		}
		img, err := pipelines.DecodeImage(data)
		if err != nil {
			return nil, nil, fmt.Errorf("image %d: %w", i, err)
		}
		images[i] = img
	}

	if len(req.Regions) == 0 {
		return images, nil, nil
	}
	page := images[0].Bounds()
	regions := make([]image.Rectangle, len(req.Regions))
	for i, box := range req.Regions {
		x, y, bw, bh := box[0], box[1], box[2], box[3]
		if bw <= 0 || bh <= 0 {
			return nil, nil, fmt.Errorf("region %d: width and height must be positive, got %dx%d", i, bw, bh)
		}
		regions[i] = image.Rect(x, y, x+bw, y+bh)
		if regions[i].Intersect(page).Empty() {
			return nil, nil, fmt.Errorf("region %d: %v does not overlap page bounds %v", i, regions[i], page)
		}
	}
	return images, regions, nil
}

// decodeBase64Image accepts raw base64 or a data URI.
func decodeBase64Image(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, errors.New("malformed data URI")
		}
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	return data, nil
}

// statusForError maps reader and decoder errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, beamsearch.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (ln *MangaOCRNode) handleApiModels(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{
		Readers: []string{},
		Loaded:  []string{},
	}
	if ln.readers != nil {
		resp.Readers = ln.readers.List()
		resp.Loaded = ln.readers.ListLoaded()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		ln.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (ln *MangaOCRNode) handleApiVersion(w http.ResponseWriter, r *http.Request) {
	resp := VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		ln.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
