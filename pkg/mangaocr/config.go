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
	"fmt"
	"math"
	"time"

	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/backends"
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/pipelines"
)

// DefaultApiUrl is where the API listens when api_url is unset.
const DefaultApiUrl = "http://localhost:11435"

// Config is the resolved server configuration.
type Config struct {
	// ApiUrl is the address the API server listens on.
	ApiUrl string `json:"api_url,omitempty"`

	// ModelsDir holds one directory per reader model.
	ModelsDir string `json:"models_dir,omitempty"`

	// BackendPriority lists backend specs in preference order, e.g.
	// ["onnx:cuda", "onnx:cpu"].
	BackendPriority []string `json:"backend_priority,omitempty"`

	// KeepAlive is how long an unused model stays loaded ("0" or "" = forever).
	KeepAlive string `json:"keep_alive,omitempty"`

	// MaxLoadedModels caps models held in memory (0 = unlimited).
	MaxLoadedModels int `json:"max_loaded_models,omitempty"`

	// PoolSize is the number of pipelines per model (0 = min(NumCPU, 4)).
	PoolSize int `json:"pool_size,omitempty"`

	// NumThreads per inference session (0 = runtime default).
	NumThreads int `json:"num_threads,omitempty"`

	// CacheTTL is how long read results are cached ("0" disables caching).
	CacheTTL string `json:"cache_ttl,omitempty"`

	// Preload lists models to load at startup.
	Preload []string `json:"preload,omitempty"`

	Beam BeamConfig `json:"beam"`
}

// BeamConfig overrides the beam search settings of every model. Zero
// fields keep each model's own generation config.
type BeamConfig struct {
	Width         int     `json:"width,omitempty"`
	MaxSteps      int     `json:"max_steps,omitempty"`
	LengthPenalty float64 `json:"length_penalty,omitempty"`
	Parallelism   int     `json:"parallelism,omitempty"`
}

// Settings converts to the pipeline override form.
func (b BeamConfig) Settings() pipelines.BeamSettings {
	return pipelines.BeamSettings{
		Width:         b.Width,
		MaxSteps:      b.MaxSteps,
		LengthPenalty: b.LengthPenalty,
		Parallelism:   b.Parallelism,
	}
}

// Validate rejects values that cannot be served.
func (c Config) Validate() error {
	if c.MaxLoadedModels < 0 {
		return fmt.Errorf("max_loaded_models must not be negative, got %d", c.MaxLoadedModels)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must not be negative, got %d", c.PoolSize)
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("num_threads must not be negative, got %d", c.NumThreads)
	}
	if c.Beam.Width < 0 || c.Beam.MaxSteps < 0 || c.Beam.Parallelism < 0 {
		return fmt.Errorf("beam settings must not be negative: %+v", c.Beam)
	}
	if p := c.Beam.LengthPenalty; p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return fmt.Errorf("beam.length_penalty must be a finite non-negative number, got %v", p)
	}
	if _, err := c.KeepAliveDuration(); err != nil {
		return err
	}
	if _, err := c.CacheTTLDuration(); err != nil {
		return err
	}
	if _, err := backends.ParseBackendPriority(c.BackendPriority); err != nil {
		return err
	}
	return nil
}

// KeepAliveDuration parses KeepAlive. Zero means models are never unloaded.
func (c Config) KeepAliveDuration() (time.Duration, error) {
	return parseDuration("keep_alive", c.KeepAlive, 0)
}

// CacheTTLDuration parses CacheTTL, defaulting to ReadingCacheTTL. Zero
// disables the result cache.
func (c Config) CacheTTLDuration() (time.Duration, error) {
	return parseDuration("cache_ttl", c.CacheTTL, ReadingCacheTTL)
}

func parseDuration(key, s string, def time.Duration) (time.Duration, error) {
	switch s {
	case "":
		return def, nil
	case "0":
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", key, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", key, s)
	}
	return d, nil
}
