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

package beamsearch

import "math"

const (
	DefaultBeamWidth     = 4
	DefaultMaxSteps      = 300
	DefaultStartTokenID  = 2
	DefaultEndTokenID    = 3
	DefaultLengthPenalty = 2.0
)

// Config holds the decode parameters.
type Config struct {
	// BeamWidth is the frontier size and also the number of tokens expanded
	// per live beam each step.
	BeamWidth int
	// MaxSteps bounds the number of decode steps (oracle rounds).
	MaxSteps int

	StartTokenID int32
	EndTokenID   int32

	// VocabSize is the expected score vector length. Zero disables the
	// token id range checks and accepts any vector length from the oracle.
	VocabSize int

	// LengthPenalty is the exponent p in LogProb / len^p.
	LengthPenalty float64

	// Parallelism caps concurrent oracle calls within a step.
	// Zero means BeamWidth.
	Parallelism int
}

// DefaultConfig returns the manga-ocr decoding defaults.
func DefaultConfig() Config {
	return Config{
		BeamWidth:     DefaultBeamWidth,
		MaxSteps:      DefaultMaxSteps,
		StartTokenID:  DefaultStartTokenID,
		EndTokenID:    DefaultEndTokenID,
		LengthPenalty: DefaultLengthPenalty,
	}
}

// Validate checks the configuration. Every failure wraps ErrInvalidConfig.
func (c Config) Validate() error {
	if c.BeamWidth < 1 {
		return invalidConfig("beam width must be >= 1, got %d", c.BeamWidth)
	}
	if c.MaxSteps < 1 {
		return invalidConfig("max steps must be >= 1, got %d", c.MaxSteps)
	}
	if c.VocabSize < 0 {
		return invalidConfig("vocab size must be >= 0, got %d", c.VocabSize)
	}
	if c.StartTokenID < 0 || c.EndTokenID < 0 {
		return invalidConfig("token ids must be non-negative (start=%d, end=%d)", c.StartTokenID, c.EndTokenID)
	}
	if c.VocabSize > 0 {
		if int(c.StartTokenID) >= c.VocabSize {
			return invalidConfig("start token %d outside vocabulary of %d", c.StartTokenID, c.VocabSize)
		}
		if int(c.EndTokenID) >= c.VocabSize {
			return invalidConfig("end token %d outside vocabulary of %d", c.EndTokenID, c.VocabSize)
		}
	}
	if c.StartTokenID == c.EndTokenID {
		return invalidConfig("start and end token are both %d", c.StartTokenID)
	}
	if math.IsNaN(c.LengthPenalty) || math.IsInf(c.LengthPenalty, 0) || c.LengthPenalty < 0 {
		return invalidConfig("length penalty must be finite and >= 0, got %v", c.LengthPenalty)
	}
	if c.Parallelism < 0 {
		return invalidConfig("parallelism must be >= 0, got %d", c.Parallelism)
	}
	return nil
}

func (c Config) parallelism() int {
	if c.Parallelism > 0 {
		return c.Parallelism
	}
	return c.BeamWidth
}
