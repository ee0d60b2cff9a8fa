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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVocabulary(t *testing.T) {
	v, err := ParseVocabulary(strings.NewReader("[PAD]\r\n[UNK]\n漫\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, v.Size())

	tok, ok := v.Token(2)
	require.True(t, ok)
	assert.Equal(t, "漫", tok)

	_, ok = v.Token(3)
	assert.False(t, ok)
	_, ok = v.Token(-1)
	assert.False(t, ok)

	_, err = ParseVocabulary(strings.NewReader(""))
	assert.Error(t, err)
}

func TestVocabulary_Decode(t *testing.T) {
	v := NewVocabulary(testTokens)

	assert.Equal(t, "漫画", v.Decode([]int32{2, 15, 16, 3}))
	assert.Equal(t, "読む", v.Decode([]int32{0, 14, 18, 99, 19, -4}))
	assert.Empty(t, v.Decode(nil))
}

func TestLoadVocabulary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(testTokens, "\n")), 0o644))

	v, err := LoadVocabulary(path)
	require.NoError(t, err)
	assert.Equal(t, testVocabSize, v.Size())

	_, err = LoadVocabulary(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestFirstNonZero(t *testing.T) {
	assert.Equal(t, 3, FirstNonZero(0, 3, 4))
	assert.Equal(t, 0.5, FirstNonZero(0, 0.5))
	assert.Equal(t, int32(0), FirstNonZero[int32]())
}
