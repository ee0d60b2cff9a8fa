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

import (
	"fmt"
	"math"
)

// LogSoftmax returns log(softmax(scores)) computed in float64.
//
// The maximum is subtracted before exponentiating so large logits cannot
// overflow. The result is invariant under adding a constant to every score.
// Accumulation is sequential and in a fixed order so the output is
// reproducible bit-for-bit on every platform.
func LogSoftmax(scores []float32) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}

	maxVal := float64(scores[0])
	for _, s := range scores[1:] {
		if v := float64(s); v > maxVal {
			maxVal = v
		}
	}

	var sum float64
	for i, s := range scores {
		d := float64(s) - maxVal
		out[i] = d
		sum += math.Exp(d)
	}

	logZ := math.Log(sum)
	for i := range out {
		out[i] -= logZ
	}
	return out
}

// checkScores rejects vectors the log-softmax cannot normalize: NaN, +Inf,
// or no finite entry at all.
func checkScores(scores []float32) error {
	if len(scores) == 0 {
		return fmt.Errorf("empty score vector")
	}
	finite := false
	for i, s := range scores {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			return fmt.Errorf("score %d is NaN", i)
		case math.IsInf(v, 1):
			return fmt.Errorf("score %d is +Inf", i)
		case !math.IsInf(v, -1):
			finite = true
		}
	}
	if !finite {
		return fmt.Errorf("all %d scores are -Inf", len(scores))
	}
	return nil
}
