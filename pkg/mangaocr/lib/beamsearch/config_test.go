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
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"defaults with vocab", func(c *Config) { c.VocabSize = 6144 }, false},
		{"zero width", func(c *Config) { c.BeamWidth = 0 }, true},
		{"zero steps", func(c *Config) { c.MaxSteps = 0 }, true},
		{"start equals end", func(c *Config) { c.EndTokenID = c.StartTokenID }, true},
		{"start outside vocab", func(c *Config) { c.VocabSize = 3; c.StartTokenID = 5; c.EndTokenID = 1 }, true},
		{"end outside vocab", func(c *Config) { c.VocabSize = 3 }, true},
		{"negative token", func(c *Config) { c.StartTokenID = -1 }, true},
		{"negative vocab", func(c *Config) { c.VocabSize = -1 }, true},
		{"nan penalty", func(c *Config) { c.LengthPenalty = math.NaN() }, true},
		{"negative penalty", func(c *Config) { c.LengthPenalty = -1 }, true},
		{"zero penalty", func(c *Config) { c.LengthPenalty = 0 }, false},
		{"negative parallelism", func(c *Config) { c.Parallelism = -2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.BeamWidth)
	assert.Equal(t, 300, cfg.MaxSteps)
	assert.Equal(t, int32(2), cfg.StartTokenID)
	assert.Equal(t, int32(3), cfg.EndTokenID)
	assert.Equal(t, 2.0, cfg.LengthPenalty)
	assert.Equal(t, 4, cfg.parallelism())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "early_stopped", StateEarlyStopped.String())
	assert.Equal(t, "exhausted", StateExhausted.String())
	assert.Equal(t, "candidates_empty", StateCandidatesEmpty.String())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateExhausted.Terminal())
}
