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

// Package beamsearch implements length-normalized beam search over an
// autoregressive token decoder.
//
// The decoder never runs a model itself. Each step it asks an Oracle for the
// raw next-token scores of every live hypothesis, normalizes them with a
// stable log-softmax, expands the best tokens per hypothesis and prunes the
// result back to the configured beam width.
package beamsearch

import "math"

// Beam is one decoding hypothesis: a token prefix that starts with the start
// token, plus the sum of the per-step log-probabilities that produced it.
type Beam struct {
	TokenIDs []int32
	LogProb  float64
}

// Len returns the number of tokens in the beam, including the start token.
func (b Beam) Len() int {
	return len(b.TokenIDs)
}

// Last returns the most recently appended token.
func (b Beam) Last() int32 {
	return b.TokenIDs[len(b.TokenIDs)-1]
}

// NormalizedScore returns LogProb / Len^penalty, the value used to rank
// hypotheses of different lengths.
func (b Beam) NormalizedScore(penalty float64) float64 {
	n := len(b.TokenIDs)
	if n == 0 {
		return math.Inf(-1)
	}
	if penalty == 0 {
		return b.LogProb
	}
	return b.LogProb / math.Pow(float64(n), penalty)
}

// Extend returns a child beam with token appended. The parent is not
// modified: the child always owns a fresh backing array, so siblings
// expanded from the same parent never alias each other.
func (b Beam) Extend(token int32, logProb float64) Beam {
	ids := make([]int32, len(b.TokenIDs), len(b.TokenIDs)+1)
	copy(ids, b.TokenIDs)
	return Beam{
		TokenIDs: append(ids, token),
		LogProb:  b.LogProb + logProb,
	}
}

// newStartBeam returns the single hypothesis every decode begins with.
func newStartBeam(start int32) Beam {
	return Beam{TokenIDs: []int32{start}}
}
