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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenIDs(cs []Candidate) []int32 {
	ids := make([]int32, len(cs))
	for i, c := range cs {
		ids[i] = c.TokenID
	}
	return ids
}

func TestTopK(t *testing.T) {
	ninf := math.Inf(-1)

	tests := []struct {
		name     string
		logProbs []float64
		k        int
		want     []int32
	}{
		{"descending order", []float64{-3, -1, -2, -0.5}, 2, []int32{3, 1}},
		{"ties prefer smaller id", []float64{-1, -2, -1, -1}, 2, []int32{0, 2}},
		{"all tied", []float64{-2, -2, -2, -2, -2}, 3, []int32{0, 1, 2}},
		{"k larger than vocab", []float64{-2, -1}, 4, []int32{1, 0}},
		{"skips -inf", []float64{ninf, -1, ninf, -3}, 4, []int32{1, 3}},
		{"k zero", []float64{-1}, 0, nil},
		{"late tie displaces nothing", []float64{-1, -0.5, -1}, 2, []int32{1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TopK(tt.logProbs, tt.k)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, tokenIDs(got))
			for _, c := range got {
				assert.Equal(t, tt.logProbs[c.TokenID], c.LogProb)
			}
		})
	}
}

func TestPrune_StableAndBounded(t *testing.T) {
	beams := []Beam{
		{TokenIDs: []int32{0, 5}, LogProb: -2},
		{TokenIDs: []int32{0, 6}, LogProb: -1},
		{TokenIDs: []int32{0, 7}, LogProb: -2},
		{TokenIDs: []int32{0, 8}, LogProb: -4},
		{TokenIDs: []int32{0, 9}, LogProb: -2},
	}

	got := Prune(beams, 3, 2.0)
	require.Len(t, got, 3)
	assert.Equal(t, int32(6), got[0].Last())
	// Equal scores keep insertion order.
	assert.Equal(t, int32(5), got[1].Last())
	assert.Equal(t, int32(7), got[2].Last())

	// Input is not reordered.
	assert.Equal(t, int32(5), beams[0].Last())
}

func TestPrune_UsesLengthPenalty(t *testing.T) {
	short := Beam{TokenIDs: []int32{0, 1}, LogProb: -1.0}      // -1/4 = -0.25
	long := Beam{TokenIDs: []int32{0, 1, 2, 3}, LogProb: -2.0} // -2/16 = -0.125

	got := Prune([]Beam{short, long}, 1, 2.0)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].Len())

	got = Prune([]Beam{short, long}, 1, 0)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Len())
}

func TestBest(t *testing.T) {
	_, ok := Best(nil, 2.0)
	assert.False(t, ok)

	beams := []Beam{
		{TokenIDs: []int32{0, 1}, LogProb: -0.8},
		{TokenIDs: []int32{0, 2}, LogProb: -0.4},
		{TokenIDs: []int32{0, 3}, LogProb: -0.4},
	}
	best, ok := Best(beams, 2.0)
	require.True(t, ok)
	assert.Equal(t, int32(2), best.Last())
}

func TestBeam_ExtendDoesNotAlias(t *testing.T) {
	parent := Beam{TokenIDs: make([]int32, 1, 8), LogProb: -0.5}
	a := parent.Extend(4, -0.25)
	b := parent.Extend(5, -1)

	assert.Equal(t, []int32{0, 4}, a.TokenIDs)
	assert.Equal(t, []int32{0, 5}, b.TokenIDs)
	assert.Equal(t, 1, parent.Len())
	assert.InDelta(t, -0.75, a.LogProb, 1e-12)
	assert.InDelta(t, -1.5, b.LogProb, 1e-12)
}

func TestBeam_NormalizedScore(t *testing.T) {
	b := Beam{TokenIDs: []int32{2, 10, 11}, LogProb: -1.8}
	assert.InDelta(t, -0.2, b.NormalizedScore(2.0), 1e-12)
	assert.InDelta(t, -0.6, b.NormalizedScore(1.0), 1e-12)
	assert.InDelta(t, -1.8, b.NormalizedScore(0), 1e-12)
}
