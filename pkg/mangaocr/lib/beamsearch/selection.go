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
	"cmp"
	"math"
	"slices"
)

// Candidate is a token chosen for expansion together with its log-probability.
type Candidate struct {
	TokenID int32
	LogProb float64
}

// before reports whether a ranks ahead of b: higher log-probability first,
// smaller token id on equal log-probability.
func (a Candidate) before(b Candidate) bool {
	if a.LogProb != b.LogProb {
		return a.LogProb > b.LogProb
	}
	return a.TokenID < b.TokenID
}

// TopK returns the k highest log-probabilities, best first. Equal values are
// ordered by ascending token id. Tokens with zero probability (-Inf) are never
// returned, so the result may be shorter than k.
func TopK(logProbs []float64, k int) []Candidate {
	if k <= 0 {
		return nil
	}
	top := make([]Candidate, 0, min(k, len(logProbs)))
	for i, lp := range logProbs {
		if math.IsInf(lp, -1) {
			continue
		}
		c := Candidate{TokenID: int32(i), LogProb: lp}
		if len(top) == k && !c.before(top[k-1]) {
			continue
		}
		// Insertion into a short sorted slice; k is the beam width.
		pos := len(top)
		for pos > 0 && c.before(top[pos-1]) {
			pos--
		}
		if len(top) < k {
			top = append(top, Candidate{})
		}
		copy(top[pos+1:], top[pos:len(top)-1])
		top[pos] = c
	}
	return top
}

// Prune stable-sorts beams by normalized score, best first, and keeps at most
// width of them. Beams with equal scores keep their relative order.
func Prune(beams []Beam, width int, penalty float64) []Beam {
	type ranked struct {
		beam  Beam
		score float64
	}
	rs := make([]ranked, len(beams))
	for i, b := range beams {
		rs[i] = ranked{beam: b, score: b.NormalizedScore(penalty)}
	}
	slices.SortStableFunc(rs, func(a, b ranked) int {
		return cmp.Compare(b.score, a.score)
	})
	if len(rs) > width {
		rs = rs[:width]
	}
	out := make([]Beam, len(rs))
	for i, r := range rs {
		out[i] = r.beam
	}
	return out
}

// Best returns the beam with the highest normalized score. The earliest beam
// wins a tie. ok is false when beams is empty.
func Best(beams []Beam, penalty float64) (best Beam, ok bool) {
	bestScore := math.Inf(-1)
	for i, b := range beams {
		s := b.NormalizedScore(penalty)
		if i == 0 || s > bestScore {
			best, bestScore = b, s
		}
	}
	return best, len(beams) > 0
}
