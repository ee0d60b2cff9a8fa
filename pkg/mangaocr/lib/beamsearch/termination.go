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

// State is the termination state of a decode.
type State int

const (
	// StateRunning is the only non-terminal state.
	StateRunning State = iota
	// StateEarlyStopped means the finished pool reached the beam width.
	StateEarlyStopped
	// StateExhausted means the step budget ran out; the frontier is the
	// fallback result set.
	StateExhausted
	// StateCandidatesEmpty means a step produced no live candidates.
	StateCandidatesEmpty
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateEarlyStopped:
		return "early_stopped"
	case StateExhausted:
		return "exhausted"
	case StateCandidatesEmpty:
		return "candidates_empty"
	default:
		return "unknown"
	}
}

// Terminal reports whether decoding has stopped.
func (s State) Terminal() bool {
	return s != StateRunning
}

// nextState applies the transition rules after a step. Early stop is checked
// first: a step that fills the finished pool also ends the search even if it
// happened to be the last one allowed.
func nextState(step, maxSteps, finished, candidates, width int) State {
	switch {
	case finished >= width:
		return StateEarlyStopped
	case candidates == 0:
		return StateCandidatesEmpty
	case step >= maxSteps:
		return StateExhausted
	default:
		return StateRunning
	}
}
