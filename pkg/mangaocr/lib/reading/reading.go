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

// Package reading recognizes the text of manga speech bubbles with a pool
// of encoder/decoder pipelines.
package reading

import (
	"context"
	"image"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/beamsearch"
)

// Result contains the output from reading one image or region.
type Result struct {
	// Text is the detokenized best hypothesis.
	Text string

	// TokenIDs is the best hypothesis without the start token.
	TokenIDs []int32

	// Score is the length-normalized log-probability used for ranking.
	Score float64

	LogProb float64
	Steps   int

	// Termination tells why decoding stopped.
	Termination beamsearch.State
}

// Reader recognizes text in images.
type Reader interface {
	// Read recognizes each image as one bubble. Returns one Result per image.
	Read(ctx context.Context, images []image.Image) ([]Result, error)

	// ReadRegions crops each region out of page and recognizes it. Returns
	// one Result per region.
	ReadRegions(ctx context.Context, page image.Image, regions []image.Rectangle) ([]Result, error)

	// Close releases model resources.
	Close() error
}
