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
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StepInfo describes the search after one step. Frontier is the set of live
// beams carried into the next step and must not be modified.
type StepInfo struct {
	Step       int
	Frontier   []Beam
	Finished   int
	Candidates int
	State      State
}

// StepObserver is called synchronously after every step.
type StepObserver func(StepInfo)

// Result is the outcome of a successful decode.
type Result struct {
	// Best is the highest scoring finished beam, or the highest scoring
	// frontier beam when nothing finished.
	Best  Beam
	State State
	// Steps is the number of oracle rounds that ran.
	Steps int
	// Finished is the finished pool in the order beams completed.
	Finished []Beam
	// OracleCalls counts every Score call issued.
	OracleCalls int
}

// StoppedAtEOS reports whether the best beam ends with the end token.
func (r *Result) StoppedAtEOS(endTokenID int32) bool {
	return r.Best.Len() > 0 && r.Best.Last() == endTokenID
}

// Decoder runs beam search. It holds no per-decode state and is safe for
// concurrent use.
type Decoder struct {
	config   Config
	logger   *zap.Logger
	observer StepObserver
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for per-step debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithStepObserver registers a callback invoked after every step.
func WithStepObserver(fn StepObserver) Option {
	return func(d *Decoder) {
		d.observer = fn
	}
}

// NewDecoder validates config and returns a Decoder.
func NewDecoder(config Config, opts ...Option) (*Decoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	d := &Decoder{
		config: config,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the decoder configuration.
func (d *Decoder) Config() Config {
	return d.config
}

// Decode searches for the best token sequence for one encoder state.
//
// Cancellation of ctx is observed only between steps. Oracle calls inside a
// step run to completion on a context that keeps ctx's values but not its
// cancellation; a cancelled decode returns an error matching ErrCancelled and
// no beam.
func (d *Decoder) Decode(ctx context.Context, state EncoderState, oracle Oracle) (*Result, error) {
	if oracle == nil {
		return nil, invalidConfig("oracle is nil")
	}
	cfg := d.config

	frontier := []Beam{newStartBeam(cfg.StartTokenID)}
	var finished []Beam
	result := &Result{State: StateRunning}

	for step := 1; !result.State.Terminal(); step++ {
		if err := ctx.Err(); err != nil {
			d.logger.Debug("Decode cancelled",
				zap.Int("step", step),
				zap.Error(err))
			return nil, &cancelledError{step: step, cause: err}
		}

		scores, err := d.scoreFrontier(ctx, step, frontier, state, oracle)
		result.OracleCalls += len(frontier)
		if err != nil {
			return nil, err
		}

		var candidates []Beam
		for i, parent := range frontier {
			for _, c := range TopK(LogSoftmax(scores[i]), cfg.BeamWidth) {
				child := parent.Extend(c.TokenID, c.LogProb)
				if c.TokenID == cfg.EndTokenID {
					finished = append(finished, child)
				} else {
					candidates = append(candidates, child)
				}
			}
		}

		result.Steps = step
		result.State = nextState(step, cfg.MaxSteps, len(finished), len(candidates), cfg.BeamWidth)
		if result.State != StateEarlyStopped {
			frontier = Prune(candidates, cfg.BeamWidth, cfg.LengthPenalty)
		}

		d.logger.Debug("Decode step",
			zap.Int("step", step),
			zap.Int("frontier", len(frontier)),
			zap.Int("finished", len(finished)),
			zap.Int("candidates", len(candidates)))

		if d.observer != nil {
			d.observer(StepInfo{
				Step:       step,
				Frontier:   frontier,
				Finished:   len(finished),
				Candidates: len(candidates),
				State:      result.State,
			})
		}
	}

	best, ok := Best(finished, cfg.LengthPenalty)
	if !ok {
		best, ok = Best(frontier, cfg.LengthPenalty)
	}
	if !ok {
		return nil, fmt.Errorf("%w after step %d", ErrDecodeExhausted, result.Steps)
	}
	result.Best = best
	result.Finished = finished

	d.logger.Debug("Decode finished",
		zap.Stringer("state", result.State),
		zap.Int("steps", result.Steps),
		zap.Int("oracle_calls", result.OracleCalls),
		zap.Int("best_len", best.Len()),
		zap.Float64("best_score", best.NormalizedScore(cfg.LengthPenalty)))

	return result, nil
}

// scoreFrontier calls the oracle once per frontier beam and waits for all of
// them. The first failure cancels the calls still in flight.
func (d *Decoder) scoreFrontier(ctx context.Context, step int, frontier []Beam, state EncoderState, oracle Oracle) ([][]float32, error) {
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(d.config.parallelism())

	scores := make([][]float32, len(frontier))
	for i, beam := range frontier {
		g.Go(func() error {
			s, err := oracle.Score(gctx, beam.TokenIDs, state)
			if err != nil {
				return &OracleError{Step: step, Beam: i, Err: err}
			}
			if n := d.config.VocabSize; n > 0 && len(s) != n {
				return &OracleError{Step: step, Beam: i, Err: fmt.Errorf("got %d scores, want %d", len(s), n)}
			}
			if err := checkScores(s); err != nil {
				return &OracleError{Step: step, Beam: i, Err: err}
			}
			scores[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}
