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
	"errors"
	"fmt"
)

var (
	// ErrOracle matches every *OracleError.
	ErrOracle = errors.New("beamsearch: oracle failed")
	// ErrDecodeExhausted is returned when a step leaves neither live nor
	// finished beams, usually a vocabulary or end-token mismatch.
	ErrDecodeExhausted = errors.New("beamsearch: no live or finished beams")
	// ErrInvalidConfig is returned before any oracle call when the
	// configuration cannot describe a decode.
	ErrInvalidConfig = errors.New("beamsearch: invalid config")
	// ErrCancelled is returned when cancellation is observed between steps.
	ErrCancelled = errors.New("beamsearch: decode cancelled")
)

// OracleError reports a failed or malformed oracle call. It is fatal for the
// decode that issued it.
type OracleError struct {
	Step int
	Beam int
	Err  error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("beamsearch: oracle failed at step %d beam %d: %v", e.Step, e.Beam, e.Err)
}

func (e *OracleError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrOracle) true for any *OracleError.
func (e *OracleError) Is(target error) bool {
	return target == ErrOracle
}

// cancelledError wraps the context error so callers can match either
// ErrCancelled or context.Canceled / context.DeadlineExceeded.
type cancelledError struct {
	step  int
	cause error
}

func (e *cancelledError) Error() string {
	return fmt.Sprintf("beamsearch: decode cancelled before step %d: %v", e.step, e.cause)
}

func (e *cancelledError) Unwrap() []error {
	return []error{ErrCancelled, e.cause}
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
