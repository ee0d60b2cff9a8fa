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

package pipelines

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// SpecialTokenMax is the highest reserved id. Ids at or below it are
// control tokens ([PAD], [CLS], [SEP], ...) and never appear in text.
const SpecialTokenMax = 14

// Vocabulary maps token ids to text fragments. It is immutable after loading
// and safe to share.
type Vocabulary struct {
	tokens []string
}

// LoadVocabulary reads a vocab.txt file: one token per line, line number = id.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vocabulary: %w", err)
	}
	defer f.Close()

	v, err := ParseVocabulary(f)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary %s: %w", path, err)
	}
	return v, nil
}

// ParseVocabulary reads one token per line. A trailing newline does not add
// an empty token.
func ParseVocabulary(r io.Reader) (*Vocabulary, error) {
	var tokens []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		tokens = append(tokens, strings.TrimSuffix(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	return &Vocabulary{tokens: tokens}, nil
}

// NewVocabulary builds a vocabulary from an in-memory token list.
func NewVocabulary(tokens []string) *Vocabulary {
	return &Vocabulary{tokens: append([]string(nil), tokens...)}
}

// Size returns the number of tokens.
func (v *Vocabulary) Size() int {
	return len(v.tokens)
}

// Token returns the fragment for id.
func (v *Vocabulary) Token(id int32) (string, bool) {
	if id < 0 || int(id) >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

// Decode concatenates the fragments of ids in order, skipping special and
// unknown ids.
func (v *Vocabulary) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id <= SpecialTokenMax {
			continue
		}
		if tok, ok := v.Token(id); ok {
			sb.WriteString(tok)
		}
	}
	return sb.String()
}
