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
	"fmt"
	"image"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/beamsearch"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/pipelines"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Ensure PooledReader implements the Reader interface
var _ Reader = (*PooledReader)(nil)

// PooledReader manages multiple Vision2Seq pipelines for concurrent reading.
// Each image acquires a pipeline slot via semaphore, so a batch spreads over
// the pool.
type PooledReader struct {
	pipelines    []*pipelines.Vision2SeqPipeline
	sem          *semaphore.Weighted
	nextPipeline atomic.Uint64
	logger       *zap.Logger
	poolSize     int
	modelPath    string
}

// PooledReaderConfig holds configuration for creating a PooledReader.
type PooledReaderConfig struct {
	// ModelPath is the path to the model directory.
	ModelPath string

	// PoolSize is the number of concurrent pipelines (0 = auto-detect from CPU count).
	PoolSize int

	// Beam overrides the model's beam search settings.
	Beam pipelines.BeamSettings

	// ImageConfig holds image preprocessing parameters. If nil, uses model's default.
	ImageConfig *backends.ImageConfig

	// NumThreads per session (0 = runtime default).
	NumThreads int

	// Logger for logging. If nil, uses a no-op logger.
	Logger *zap.Logger
}

// NewPooledReader loads PoolSize pipelines from cfg.ModelPath.
func NewPooledReader(
	cfg *PooledReaderConfig,
	sessionManager *backends.SessionManager,
	modelBackends []string,
) (*PooledReader, backends.BackendType, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("config is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = min(runtime.NumCPU(), 4)
	}

	opts := []pipelines.Vision2SeqPipelineOption{
		pipelines.WithVision2SeqBeamConfig(cfg.Beam),
		pipelines.WithVision2SeqLogger(logger),
	}
	if cfg.ImageConfig != nil {
		opts = append(opts, pipelines.WithVision2SeqImageConfig(cfg.ImageConfig))
	}
	if cfg.NumThreads > 0 {
		opts = append(opts, pipelines.WithVision2SeqSessionOptions(backends.WithSessionThreads(cfg.NumThreads)))
	}

	pipelineSlice := make([]*pipelines.Vision2SeqPipeline, 0, poolSize)
	var backendType backends.BackendType

	for i := 0; i < poolSize; i++ {
		pipeline, bt, err := pipelines.LoadVision2SeqPipeline(
			cfg.ModelPath,
			sessionManager,
			modelBackends,
			opts...,
		)
		if err != nil {
			for _, p := range pipelineSlice {
				_ = p.Close()
			}
			return nil, "", fmt.Errorf("loading Vision2Seq pipeline %d: %w", i, err)
		}
		pipelineSlice = append(pipelineSlice, pipeline)
		backendType = bt
	}

	reader := newPooledReader(pipelineSlice, cfg.ModelPath, logger)

	logger.Info("Created pooled reader",
		zap.String("model", cfg.ModelPath),
		zap.Int("pool_size", poolSize),
		zap.String("backend", string(backendType)))

	return reader, backendType, nil
}

// NewPooledReaderFromPipelines pools already constructed pipelines. The
// reader takes ownership and closes them on Close.
func NewPooledReaderFromPipelines(ps []*pipelines.Vision2SeqPipeline, name string, logger *zap.Logger) (*PooledReader, error) {
	if len(ps) == 0 {
		return nil, fmt.Errorf("at least one pipeline is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return newPooledReader(ps, name, logger), nil
}

func newPooledReader(ps []*pipelines.Vision2SeqPipeline, name string, logger *zap.Logger) *PooledReader {
	return &PooledReader{
		pipelines: ps,
		sem:       semaphore.NewWeighted(int64(len(ps))),
		logger:    logger,
		poolSize:  len(ps),
		modelPath: name,
	}
}

// Read recognizes each image as a single bubble.
func (r *PooledReader) Read(ctx context.Context, images []image.Image) ([]Result, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images provided")
	}
	results, err := r.each(ctx, len(images), func(ctx context.Context, p *pipelines.Vision2SeqPipeline, i int) (*pipelines.Vision2SeqResult, error) {
		return p.Run(ctx, images[i])
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Read completed",
		zap.String("model", r.modelPath),
		zap.Int("images", len(images)))
	return results, nil
}

// ReadRegions crops each region from page and recognizes it.
func (r *PooledReader) ReadRegions(ctx context.Context, page image.Image, regions []image.Rectangle) ([]Result, error) {
	if page == nil {
		return nil, fmt.Errorf("no page provided")
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("no regions provided")
	}
	results, err := r.each(ctx, len(regions), func(ctx context.Context, p *pipelines.Vision2SeqPipeline, i int) (*pipelines.Vision2SeqResult, error) {
		return p.RunRegion(ctx, page, regions[i])
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Read regions completed",
		zap.String("model", r.modelPath),
		zap.Int("regions", len(regions)))
	return results, nil
}

type runFunc func(ctx context.Context, p *pipelines.Vision2SeqPipeline, i int) (*pipelines.Vision2SeqResult, error)

// each runs n recognitions, one pipeline slot per item. The first failure
// stops items that have not acquired a slot yet.
func (r *PooledReader) each(ctx context.Context, n int, run runFunc) ([]Result, error) {
	results := make([]Result, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			if err := r.sem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("acquiring pipeline slot: %w", err)
			}
			defer r.sem.Release(1)

			idx := r.nextPipeline.Add(1) - 1
			pipeline := r.pipelines[idx%uint64(r.poolSize)]

			out, err := run(gctx, pipeline, i)
			if err != nil {
				return fmt.Errorf("reading image %d: %w", i, err)
			}
			results[i] = toResult(out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func toResult(out *pipelines.Vision2SeqResult) Result {
	return Result{
		Text:        strings.TrimSpace(out.Text),
		TokenIDs:    out.TokenIDs,
		Score:       out.Score,
		LogProb:     out.LogProb,
		Steps:       out.Steps,
		Termination: out.Termination,
	}
}

// BeamConfig returns the beam search configuration shared by the pool.
func (r *PooledReader) BeamConfig() beamsearch.Config {
	return r.pipelines[0].BeamConfig()
}

// ImageConfig returns the preprocessing configuration shared by the pool.
func (r *PooledReader) ImageConfig() *backends.ImageConfig {
	return r.pipelines[0].ImageProcessor.Config
}

// PoolSize returns the number of pipelines.
func (r *PooledReader) PoolSize() int {
	return r.poolSize
}

// Close releases all pipeline resources.
func (r *PooledReader) Close() error {
	r.logger.Info("Closing pooled reader",
		zap.String("model", r.modelPath),
		zap.Int("pool_size", r.poolSize))

	var errs []error
	for i, pipeline := range r.pipelines {
		if err := pipeline.Close(); err != nil {
			r.logger.Warn("Error closing pipeline",
				zap.Int("index", i),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing reader: %w", errors.Join(errs...))
	}
	return nil
}
