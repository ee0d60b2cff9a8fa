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

import "context"

// EncoderState is the opaque output of the image encoder. The decoder only
// passes it through to the oracle and never reads or mutates it.
type EncoderState any

// Oracle scores the next token for a prefix.
//
// Score returns one raw (unnormalized) score per vocabulary entry. prefix is
// never empty and must not be retained or modified. Score may be called
// concurrently for different prefixes sharing the same state.
type Oracle interface {
	Score(ctx context.Context, prefix []int32, state EncoderState) ([]float32, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, prefix []int32, state EncoderState) ([]float32, error)

func (f OracleFunc) Score(ctx context.Context, prefix []int32, state EncoderState) ([]float32, error) {
	return f(ctx, prefix, state)
}
