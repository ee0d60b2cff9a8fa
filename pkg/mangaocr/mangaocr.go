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

// Package mangaocr serves manga speech-bubble recognition over HTTP.
package mangaocr

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/reading"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReaderProvider resolves reader models by name.
type ReaderProvider interface {
	Get(modelName string) (reading.Reader, error)
	List() []string
	ListLoaded() []string
	Close() error
}

// MangaOCRNode serves the HTTP API over a set of reader models.
type MangaOCRNode struct {
	logger  *zap.Logger
	readers ReaderProvider

	// cache is nil when result caching is disabled.
	cache *ReadingCache
}

// NewMangaOCRNode creates a node. cache may be nil.
func NewMangaOCRNode(logger *zap.Logger, readers ReaderProvider, cache *ReadingCache) *MangaOCRNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MangaOCRNode{
		logger:  logger,
		readers: readers,
		cache:   cache,
	}
}

// Handler returns the root handler: health, metrics and the /api/ routes.
func (ln *MangaOCRNode) Handler() http.Handler {
	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", ln.handleHealthz)
	rootMux.HandleFunc("GET /readyz", ln.handleReadyz)
	rootMux.Handle("GET /metrics", promhttp.Handler())

	rootMux.Handle("/api/", NewMangaOCRAPI(ln))

	return corsMiddleware(rootMux)
}

// corsMiddleware adds permissive CORS headers for the API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// RunAsMangaOCR runs the API server until ctx is cancelled.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsMangaOCR(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("mangaocr")
	zl.Info("Starting mangaocr node", zap.Any("config", config))

	if config.ApiUrl == "" {
		config.ApiUrl = DefaultApiUrl
	}
	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}
	if err := config.Validate(); err != nil {
		zl.Fatal("Invalid configuration", zap.Error(err))
	}

	keepAlive, _ := config.KeepAliveDuration()
	cacheTTL, _ := config.CacheTTLDuration()

	sessionManager := backends.NewSessionManager()
	defer func() { _ = sessionManager.Close() }()
	if len(config.BackendPriority) > 0 {
		priority, _ := backends.ParseBackendPriority(config.BackendPriority)
		sessionManager.SetPriority(priority)
	}

	available := backends.ListAvailable()
	names := make([]string, len(available))
	for i, b := range available {
		names[i] = b.Name()
	}
	zl.Info("Inference backends",
		zap.Strings("available", names),
		zap.Bool("cuda", backends.IsCUDAAvailable()))

	registry, err := NewReaderRegistry(ReaderConfig{
		ModelsDir:       config.ModelsDir,
		KeepAlive:       keepAlive,
		MaxLoadedModels: uint64(config.MaxLoadedModels),
		PoolSize:        config.PoolSize,
		NumThreads:      config.NumThreads,
		Beam:            config.Beam.Settings(),
	}, sessionManager, zl.Named("reader"))
	if err != nil {
		zl.Fatal("Failed to initialize reader registry", zap.Error(err))
	}
	defer func() { _ = registry.Close() }()

	if err := registry.Preload(config.Preload); err != nil {
		zl.Warn("Preloading reader models failed", zap.Error(err))
	}

	var cache *ReadingCache
	if cacheTTL > 0 {
		cache = NewReadingCache(cacheTTL, config.Beam.Settings(), zl.Named("reading-cache"))
		defer cache.Close()
	}

	node := NewMangaOCRNode(zl, registry, cache)

	srv := &http.Server{
		Addr:        u.Host,
		Handler:     node.Handler(),
		ReadTimeout: 120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zl.Info("MangaOCR api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	if readyC != nil {
		close(readyC)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
