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
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/pipelines"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/reading"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrModelNotFound is returned by ReaderRegistry.Get for unknown names.
var ErrModelNotFound = errors.New("reader model not found")

// ErrRegistryClosed is returned by ReaderRegistry.Get after Close.
var ErrRegistryClosed = errors.New("reader registry closed")

// ReaderModelInfo holds metadata about a discovered reader model (not loaded yet)
type ReaderModelInfo struct {
	Name     string
	Path     string
	PoolSize int
}

// ReaderLoader builds a reader for a discovered model.
type ReaderLoader func(info *ReaderModelInfo) (reading.Reader, error)

// ReaderRegistry manages reader models with lazy loading and TTL-based unloading
type ReaderRegistry struct {
	modelsDir string
	logger    *zap.Logger
	loader    ReaderLoader

	// Model discovery (paths only, not loaded)
	discovered map[string]*ReaderModelInfo
	mu         sync.RWMutex

	// Loaded models with TTL cache
	cache   *ttlcache.Cache[string, *loadedReader]
	loading singleflight.Group
	closed  atomic.Bool

	keepAlive       time.Duration
	maxLoadedModels uint64
	poolSize        int
}

// ReaderConfig configures the reader registry
type ReaderConfig struct {
	ModelsDir       string
	KeepAlive       time.Duration // How long to keep models loaded (0 = forever)
	MaxLoadedModels uint64        // Max models in memory (0 = unlimited)
	PoolSize        int           // Number of concurrent pipelines per model (0 = default)
	NumThreads      int           // Threads per session (0 = runtime default)
	Beam            pipelines.BeamSettings
	ModelBackends   []string // Restrict loading to these backends (empty = any)
}

// NewReaderRegistry creates a lazy-loading registry that loads models with
// PooledReaders over sessionManager.
func NewReaderRegistry(
	config ReaderConfig,
	sessionManager *backends.SessionManager,
	logger *zap.Logger,
) (*ReaderRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loader := func(info *ReaderModelInfo) (reading.Reader, error) {
		reader, backendUsed, err := reading.NewPooledReader(&reading.PooledReaderConfig{
			ModelPath:  info.Path,
			PoolSize:   info.PoolSize,
			Beam:       config.Beam,
			NumThreads: config.NumThreads,
			Logger:     logger.Named(info.Name),
		}, sessionManager, config.ModelBackends)
		if err != nil {
			return nil, err
		}
		logger.Info("Reader model backend selected",
			zap.String("model", info.Name),
			zap.String("backend", string(backendUsed)))
		return reader, nil
	}
	return NewReaderRegistryWithLoader(config, loader, logger)
}

// NewReaderRegistryWithLoader creates a registry with a custom loader.
func NewReaderRegistryWithLoader(config ReaderConfig, loader ReaderLoader, logger *zap.Logger) (*ReaderRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL // Never expire
	}

	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = min(runtime.NumCPU(), 4)
	}

	registry := &ReaderRegistry{
		modelsDir:       config.ModelsDir,
		logger:          logger,
		loader:          loader,
		discovered:      make(map[string]*ReaderModelInfo),
		keepAlive:       keepAlive,
		maxLoadedModels: config.MaxLoadedModels,
		poolSize:        poolSize,
	}

	// Configure TTL cache with LRU eviction
	cacheOpts := []ttlcache.Option[string, *loadedReader]{
		ttlcache.WithTTL[string, *loadedReader](keepAlive),
	}
	if config.MaxLoadedModels > 0 {
		cacheOpts = append(cacheOpts,
			ttlcache.WithCapacity[string, *loadedReader](config.MaxLoadedModels))
	}
	registry.cache = ttlcache.New(cacheOpts...)

	// Manual deletion happens only in Close, which closes models itself.
	registry.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *loadedReader]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}

		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired (keep-alive timeout)"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity reached (LRU eviction)"
		}
		logger.Info("Evicting reader model from cache",
			zap.String("model", item.Key()),
			zap.String("reason", reasonStr))
		// In-flight reads keep the model open; the last one closes it.
		if err := item.Value().retire(); err != nil {
			logger.Warn("Error closing evicted reader model",
				zap.String("model", item.Key()),
				zap.Error(err))
		}
	})

	go registry.cache.Start()

	if err := registry.discoverModels(); err != nil {
		registry.cache.Stop()
		return nil, err
	}

	logger.Info("Lazy reader registry initialized",
		zap.Int("models_discovered", len(registry.discovered)),
		zap.Duration("keep_alive", keepAlive),
		zap.Uint64("max_loaded_models", config.MaxLoadedModels))

	return registry, nil
}

// discoverModels registers every directory under modelsDir that holds an
// encoder, a decoder and a vocabulary. Names are paths relative to
// modelsDir, so owner/model layouts work.
func (r *ReaderRegistry) discoverModels() error {
	if r.modelsDir == "" {
		r.logger.Info("No reader models directory configured")
		return nil
	}
	if _, err := os.Stat(r.modelsDir); os.IsNotExist(err) {
		r.logger.Warn("Reader models directory does not exist",
			zap.String("dir", r.modelsDir))
		return nil
	}

	err := filepath.WalkDir(r.modelsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == r.modelsDir {
			return nil
		}
		if !pipelines.IsVision2SeqModel(path) {
			return nil
		}

		rel, err := filepath.Rel(r.modelsDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		r.discovered[name] = &ReaderModelInfo{
			Name:     name,
			Path:     path,
			PoolSize: r.poolSize,
		}
		r.logger.Info("Discovered reader model (not loaded)",
			zap.String("name", name),
			zap.String("path", path))
		return filepath.SkipDir
	})
	if err != nil {
		return fmt.Errorf("discovering reader models: %w", err)
	}
	return nil
}

// Get returns a reader by name, loading it if necessary. Concurrent first
// requests for the same model share one load.
func (r *ReaderRegistry) Get(modelName string) (reading.Reader, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if item := r.cache.Get(modelName); item != nil {
		r.logger.Debug("Reader cache hit", zap.String("model", modelName))
		return item.Value(), nil
	}

	r.mu.RLock()
	info, ok := r.discovered[modelName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelName)
	}

	v, err, _ := r.loading.Do(modelName, func() (any, error) {
		if item := r.cache.Get(modelName); item != nil {
			return item.Value(), nil
		}
		return r.loadModel(info)
	})
	if err != nil {
		return nil, err
	}
	return v.(reading.Reader), nil
}

// loadModel loads a reader model from disk
func (r *ReaderRegistry) loadModel(info *ReaderModelInfo) (reading.Reader, error) {
	r.logger.Info("Loading reader model on demand",
		zap.String("model", info.Name),
		zap.String("path", info.Path))

	start := time.Now()
	model, err := r.loader(info)
	if err != nil {
		return nil, fmt.Errorf("loading reader model %s: %w", info.Name, err)
	}
	RecordModelLoadDuration(info.Name, time.Since(start).Seconds())

	r.logger.Info("Successfully loaded reader model",
		zap.String("name", info.Name),
		zap.Int("pool_size", info.PoolSize),
		zap.Duration("duration", time.Since(start)))

	loaded := &loadedReader{Reader: model, name: info.Name, registry: r}
	r.cache.Set(info.Name, loaded, ttlcache.DefaultTTL)
	return loaded, nil
}

// List returns all available reader model names (discovered, not necessarily loaded)
func (r *ReaderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.discovered))
	for name := range r.discovered {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ListLoaded returns only the currently loaded reader model names
func (r *ReaderRegistry) ListLoaded() []string {
	keys := r.cache.Keys()
	slices.Sort(keys)
	return keys
}

// IsLoaded returns whether a model is currently loaded in memory
func (r *ReaderRegistry) IsLoaded(modelName string) bool {
	return r.cache.Has(modelName)
}

// Preload loads specified models at startup to avoid first-request latency
func (r *ReaderRegistry) Preload(modelNames []string) error {
	if len(modelNames) == 0 {
		return nil
	}

	r.logger.Info("Preloading reader models", zap.Strings("models", modelNames))

	var loaded, failed int
	for _, name := range modelNames {
		if _, err := r.Get(name); err != nil {
			r.logger.Warn("Failed to preload reader model",
				zap.String("model", name),
				zap.Error(err))
			failed++
		} else {
			loaded++
		}
	}

	r.logger.Info("Reader preloading complete",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed))

	if failed > 0 && loaded == 0 {
		return fmt.Errorf("all %d reader models failed to preload", failed)
	}
	return nil
}

// Close stops the cache and unloads all models
func (r *ReaderRegistry) Close() error {
	r.logger.Info("Closing lazy reader registry")
	r.closed.Store(true)

	// Stop cache first to prevent new evictions
	r.cache.Stop()

	var errs []error
	for _, key := range r.cache.Keys() {
		if item := r.cache.Get(key); item != nil {
			if err := item.Value().retire(); err != nil {
				r.logger.Warn("Error closing reader model",
					zap.String("model", key),
					zap.Error(err))
				errs = append(errs, fmt.Errorf("closing %s: %w", key, err))
			}
		}
	}

	// Eviction callbacks skip EvictionReasonDeleted, so nothing closes twice.
	r.cache.DeleteAll()

	return errors.Join(errs...)
}

// loadedReader is the handle Get returns for a loaded model. It counts
// in-flight reads so that eviction never closes the model under a running
// request: a retired reader is closed by whichever of retire or the last
// read finishes later. Reads started after retirement go back through the
// registry, which reloads the model.
type loadedReader struct {
	reading.Reader
	name     string
	registry *ReaderRegistry

	mu       sync.Mutex
	inflight int
	retired  bool
	closed   bool
}

func (l *loadedReader) Read(ctx context.Context, images []image.Image) ([]reading.Result, error) {
	if !l.acquire() {
		next, err := l.registry.Get(l.name)
		if err != nil {
			return nil, err
		}
		return next.Read(ctx, images)
	}
	defer l.release()
	return l.Reader.Read(ctx, images)
}

func (l *loadedReader) ReadRegions(ctx context.Context, page image.Image, regions []image.Rectangle) ([]reading.Result, error) {
	if !l.acquire() {
		next, err := l.registry.Get(l.name)
		if err != nil {
			return nil, err
		}
		return next.ReadRegions(ctx, page, regions)
	}
	defer l.release()
	return l.Reader.ReadRegions(ctx, page, regions)
}

// Close retires the handle; the model closes once no read is running.
func (l *loadedReader) Close() error {
	return l.retire()
}

func (l *loadedReader) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	l.inflight++
	return true
}

func (l *loadedReader) release() {
	l.mu.Lock()
	l.inflight--
	closeNow := l.retired && l.inflight == 0 && !l.closed
	if closeNow {
		l.closed = true
	}
	l.mu.Unlock()

	if closeNow {
		if err := l.Reader.Close(); err != nil {
			l.registry.logger.Warn("Error closing retired reader model",
				zap.String("model", l.name),
				zap.Error(err))
		}
	}
}

// retire marks the handle unusable and closes the model if it is idle.
func (l *loadedReader) retire() error {
	l.mu.Lock()
	l.retired = true
	closeNow := l.inflight == 0 && !l.closed
	if closeNow {
		l.closed = true
	}
	inflight := l.inflight
	l.mu.Unlock()

	if !closeNow {
		if inflight > 0 {
			l.registry.logger.Debug("Deferring reader model close until reads finish",
				zap.String("model", l.name),
				zap.Int("in_flight", inflight))
		}
		return nil
	}
	return l.Reader.Close()
}
