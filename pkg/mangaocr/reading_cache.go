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
	"encoding/binary"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/pipelines"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/reading"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ReadingCacheTTL is the default TTL for cached reading results
const ReadingCacheTTL = 5 * time.Minute

var _ reading.Reader = (*CachedReader)(nil)

// CachedReader wraps a reader with caching support. Decoding is
// deterministic, so equal inputs under equal beam settings give equal results.
type CachedReader struct {
	reader  reading.Reader
	model   string
	beam    pipelines.BeamSettings
	cache   *ttlcache.Cache[string, []reading.Result]
	sfGroup *singleflight.Group
	logger  *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedReader wraps a reader with caching
func NewCachedReader(
	reader reading.Reader,
	model string,
	beam pipelines.BeamSettings,
	cache *ttlcache.Cache[string, []reading.Result],
	logger *zap.Logger,
) *CachedReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedReader{
		reader:  reader,
		model:   model,
		beam:    beam,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
	}
}

// Read recognizes images with caching support
func (c *CachedReader) Read(ctx context.Context, images []image.Image) ([]reading.Result, error) {
	key := c.cacheKey(nil, images)
	return c.cached(ctx, key, len(images), func(ctx context.Context) ([]reading.Result, error) {
		return c.reader.Read(ctx, images)
	})
}

// ReadRegions recognizes regions of a page with caching support
func (c *CachedReader) ReadRegions(ctx context.Context, page image.Image, regions []image.Rectangle) ([]reading.Result, error) {
	if page == nil {
		return c.reader.ReadRegions(ctx, page, regions)
	}
	key := c.cacheKey(regions, []image.Image{page})
	return c.cached(ctx, key, len(regions), func(ctx context.Context) ([]reading.Result, error) {
		return c.reader.ReadRegions(ctx, page, regions)
	})
}

func (c *CachedReader) cached(ctx context.Context, key string, n int, read func(context.Context) ([]reading.Result, error)) ([]reading.Result, error) {
	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("reading")
		c.logger.Debug("Reading cache hit",
			zap.String("model", c.model),
			zap.Int("num_images", n))
		return item.Value(), nil
	}

	// Use singleflight to deduplicate concurrent identical requests
	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("reading")

		start := time.Now()
		results, err := read(ctx)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, results, ttlcache.DefaultTTL)

		c.logger.Debug("Reading completed and cached",
			zap.String("model", c.model),
			zap.Int("num_images", n),
			zap.Duration("duration", time.Since(start)))

		return results, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for reading request",
			zap.String("model", c.model))
	}

	return result.([]reading.Result), nil
}

// cacheKey hashes model, beam settings, regions and image pixels.
func (c *CachedReader) cacheKey(regions []image.Rectangle, images []image.Image) string {
	h := xxhash.New()
	var buf [8]byte
	putInt := func(v int) {
		binary.BigEndian.PutUint64(buf[:], uint64(int64(v)))
		_, _ = h.Write(buf[:])
	}

	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|b:")
	putInt(c.beam.Width)
	putInt(c.beam.MaxSteps)
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(c.beam.LengthPenalty))
	_, _ = h.Write(buf[:])

	_, _ = h.WriteString("|r:")
	putInt(len(regions))
	for _, r := range regions {
		putInt(r.Min.X)
		putInt(r.Min.Y)
		putInt(r.Max.X)
		putInt(r.Max.Y)
	}

	for i, img := range images {
		_, _ = h.WriteString("|i:")
		putInt(i)
		b := img.Bounds()
		putInt(b.Min.X)
		putInt(b.Min.Y)
		putInt(b.Max.X)
		putInt(b.Max.Y)
		binary.BigEndian.PutUint64(buf[:], hashImage(img))
		_, _ = h.Write(buf[:])
	}

	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// hashImage hashes the pixel data of an image. Common in-memory formats
// hash their backing buffers directly.
func hashImage(img image.Image) uint64 {
	h := xxhash.New()
	b := img.Bounds()

	switch m := img.(type) {
	case *image.RGBA:
		hashRows(h, m.Pix, m.Stride, m.PixOffset(b.Min.X, b.Min.Y), b.Dx()*4, b.Dy())
	case *image.NRGBA:
		hashRows(h, m.Pix, m.Stride, m.PixOffset(b.Min.X, b.Min.Y), b.Dx()*4, b.Dy())
	case *image.Gray:
		hashRows(h, m.Pix, m.Stride, m.PixOffset(b.Min.X, b.Min.Y), b.Dx(), b.Dy())
	default:
		var px [8]byte
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, a := img.At(x, y).RGBA()
				binary.BigEndian.PutUint16(px[0:2], uint16(r))
				binary.BigEndian.PutUint16(px[2:4], uint16(g))
				binary.BigEndian.PutUint16(px[4:6], uint16(bl))
				binary.BigEndian.PutUint16(px[6:8], uint16(a))
				_, _ = h.Write(px[:])
			}
		}
	}
	return h.Sum64()
}

func hashRows(h *xxhash.Digest, pix []byte, stride, offset, rowLen, rows int) {
	for y := 0; y < rows; y++ {
		start := offset + y*stride
		_, _ = h.Write(pix[start : start+rowLen])
	}
}

// Close closes the underlying reader
func (c *CachedReader) Close() error {
	return c.reader.Close()
}

// Stats returns cache statistics for this reader
func (c *CachedReader) Stats() ReaderCacheStats {
	return ReaderCacheStats{
		Model:            c.model,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
	}
}

// ReaderCacheStats holds cache statistics for a reader
type ReaderCacheStats struct {
	Model            string `json:"model"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// ReadingCache manages caching for multiple readers
type ReadingCache struct {
	cache  *ttlcache.Cache[string, []reading.Result]
	beam   pipelines.BeamSettings
	logger *zap.Logger
	cancel context.CancelFunc

	// readers keeps one CachedReader per model so singleflight groups and
	// stats survive across requests.
	readers *ttlcache.Cache[string, *CachedReader]
}

// NewReadingCache creates a new reading cache. beam is the override every
// wrapped reader was loaded with.
func NewReadingCache(ttl time.Duration, beam pipelines.BeamSettings, logger *zap.Logger) *ReadingCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = ReadingCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []reading.Result](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	rc := &ReadingCache{
		cache:   cache,
		beam:    beam,
		logger:  logger,
		cancel:  cancel,
		readers: ttlcache.New[string, *CachedReader](),
	}

	go rc.logStats(ctx)

	return rc
}

// WrapReader wraps a reader with caching. Wrapping the same reader for the
// same model again returns the existing wrapper.
func (rc *ReadingCache) WrapReader(reader reading.Reader, model string) *CachedReader {
	if item := rc.readers.Get(model); item != nil && item.Value().reader == reader {
		return item.Value()
	}
	cr := NewCachedReader(reader, model, rc.beam, rc.cache, rc.logger.Named(model))
	rc.readers.Set(model, cr, ttlcache.NoTTL)
	return cr
}

// Close stops the cache
func (rc *ReadingCache) Close() {
	rc.cancel()
	rc.cache.Stop()
}

// logStats logs cache statistics periodically
func (rc *ReadingCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := rc.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				total := metrics.Hits + metrics.Misses
				hitRate := float64(metrics.Hits) / float64(total) * 100
				rc.logger.Info("Reading cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", rc.cache.Len()))
			}
		}
	}
}

// Stats returns global cache statistics
func (rc *ReadingCache) Stats() map[string]any {
	metrics := rc.cache.Metrics()
	return map[string]any{
		"hits":   metrics.Hits,
		"misses": metrics.Misses,
		"items":  rc.cache.Len(),
	}
}
