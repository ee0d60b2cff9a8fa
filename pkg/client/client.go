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

// Package client provides a Go SDK for the MangaOCR API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr"
	"github.com/bytedance/sonic"
)

// ErrModelNotFound is matched by errors for unknown models.
var ErrModelNotFound = errors.New("model not found")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return "bad request: " + e.Message
	case http.StatusNotFound:
		return "model not found: " + e.Message
	case http.StatusServiceUnavailable:
		return "service unavailable: " + e.Message
	case http.StatusInternalServerError:
		return "server error: " + e.Message
	default:
		return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Message)
	}
}

// Is lets errors.Is(err, ErrModelNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrModelNotFound && e.StatusCode == http.StatusNotFound
}

// MangaOCRClient is a client for interacting with the MangaOCR API.
type MangaOCRClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewMangaOCRClient creates a new client.
// The baseURL should be the server address (e.g., "http://localhost:11435").
// The /api prefix is automatically appended.
func NewMangaOCRClient(baseURL string, httpClient *http.Client) (*MangaOCRClient, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &MangaOCRClient{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/api",
	}, nil
}

// Read recognizes each encoded image (PNG, JPEG, ...) as one bubble.
func (c *MangaOCRClient) Read(ctx context.Context, model string, images ...[]byte) (*mangaocr.ReadResponse, error) {
	if len(images) == 0 {
		return nil, errors.New("at least one image is required")
	}
	req := mangaocr.ReadRequest{
		Model:  model,
		Images: make([]string, len(images)),
	}
	for i, data := range images {
		req.Images[i] = base64.StdEncoding.EncodeToString(data)
	}
	return c.read(ctx, &req)
}

// ReadRegions recognizes each region of an encoded page image.
func (c *MangaOCRClient) ReadRegions(ctx context.Context, model string, page []byte, regions []image.Rectangle) (*mangaocr.ReadResponse, error) {
	if len(regions) == 0 {
		return nil, errors.New("at least one region is required")
	}
	req := mangaocr.ReadRequest{
		Model:   model,
		Images:  []string{base64.StdEncoding.EncodeToString(page)},
		Regions: make([][4]int, len(regions)),
	}
	for i, r := range regions {
		req.Regions[i] = [4]int{r.Min.X, r.Min.Y, r.Dx(), r.Dy()}
	}
	return c.read(ctx, &req)
}

func (c *MangaOCRClient) read(ctx context.Context, req *mangaocr.ReadRequest) (*mangaocr.ReadResponse, error) {
	body, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	var resp mangaocr.ReadResponse
	if err := c.do(ctx, http.MethodPost, "/read", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListModels returns discovered and loaded reader models.
func (c *MangaOCRClient) ListModels(ctx context.Context) (*mangaocr.ModelsResponse, error) {
	var resp mangaocr.ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/models", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetVersion returns MangaOCR version information.
func (c *MangaOCRClient) GetVersion(ctx context.Context) (*mangaocr.VersionResponse, error) {
	var resp mangaocr.VersionResponse
	if err := c.do(ctx, http.MethodGet, "/version", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *MangaOCRClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
		}
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
