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
	"github.com/SunDoge/RawMangaReader/pkg/mangaocr/lib/reading"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	readRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mangaocr",
			Subsystem: "reader",
			Name:      "read_request_ops_total",
			Help:      "The total number of read requests.",
		},
		[]string{"model"},
	)
	regionReadOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mangaocr",
			Subsystem: "reader",
			Name:      "region_read_ops_total",
			Help:      "The total number of images and regions recognized.",
		},
		[]string{"model"},
	)

	decodeSteps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mangaocr",
			Subsystem: "reader",
			Name:      "decode_steps",
			Help:      "Beam search steps taken per recognized image.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160, 300},
		},
		[]string{"model"},
	)
	decodeTermination = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mangaocr",
			Subsystem: "reader",
			Name:      "decode_termination_total",
			Help:      "Why beam search stopped, per recognized image.",
		},
		[]string{"model", "state"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mangaocr",
			Subsystem: "reader",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mangaocr",
			Subsystem: "reader",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process a request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "model", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mangaocr",
			Subsystem: "reader",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mangaocr",
			Subsystem: "reader",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(readRequestOps)
	prometheus.MustRegister(regionReadOps)
	prometheus.MustRegister(decodeSteps)
	prometheus.MustRegister(decodeTermination)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordReadRequest increments the read request counter
func RecordReadRequest(model string) {
	readRequestOps.WithLabelValues(model).Inc()
}

// RecordReadResults records the number of images read and how each decode ended
func RecordReadResults(model string, results []reading.Result) {
	regionReadOps.WithLabelValues(model).Add(float64(len(results)))
	for _, r := range results {
		decodeSteps.WithLabelValues(model).Observe(float64(r.Steps))
		decodeTermination.WithLabelValues(model, r.Termination.String()).Inc()
	}
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model string, seconds float64) {
	modelLoadDuration.WithLabelValues(model).Observe(seconds)
}

// RecordRequestDuration records how long a request took
func RecordRequestDuration(endpoint, model, status string, seconds float64) {
	requestDuration.WithLabelValues(endpoint, model, status).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
