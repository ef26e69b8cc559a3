// Copyright 2024 The rosmq Authors
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

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreCRUD(t *testing.T) {
	s := NewMemStore[string]()

	require.NoError(t, s.Set("key1", "value1"))
	value, err := s.Get("key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", value)

	_, err = s.Get("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete("key1"))
	_, err = s.Get("key1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is a no-op.
	assert.NoError(t, s.Delete("key1"))
}

func TestMemStoreOverwrite(t *testing.T) {
	s := NewMemStore[int]()
	require.NoError(t, s.Set("n", 1))
	require.NoError(t, s.Set("n", 2))
	value, err := s.Get("n")
	require.NoError(t, err)
	assert.Equal(t, 2, value)
	assert.Equal(t, 1, s.Len())
}

func TestMemStoreRange(t *testing.T) {
	s := NewMemStore[int]()
	for i, key := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(key, i))
	}

	seen := map[string]int{}
	s.Range(func(key string, value int) bool {
		seen[key] = value
		return true
	})
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 2}, seen)

	// Early exit stops the iteration.
	count := 0
	s.Range(func(string, int) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}
