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

// Package storage provides a generic key-value store interface and an
// in-memory implementation. The session manager keeps its client records in
// one; the interface leaves room for a persistent backend without touching
// the callers.
package storage

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a key is not present in the store.
var ErrNotFound = errors.New("not found")

// Store is a typed key-value store. Implementations must be safe for
// concurrent use.
type Store[T any] interface {
	// Get retrieves the value for key, or ErrNotFound.
	Get(key string) (T, error)
	// Set adds or updates the value for key.
	Set(key string, value T) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// Range calls fn for each entry until fn returns false. The iteration
	// order is unspecified and fn must not call back into the store.
	Range(fn func(key string, value T) bool)
	// Len reports the number of stored entries.
	Len() int
}

// MemStore is the in-memory Store backed by a mutex-guarded map.
type MemStore[T any] struct {
	mu   sync.RWMutex
	data map[string]T
}

// NewMemStore creates an empty MemStore.
func NewMemStore[T any]() *MemStore[T] {
	return &MemStore[T]{data: make(map[string]T)}
}

// Get retrieves the value for key, or ErrNotFound.
func (s *MemStore[T]) Get(key string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return value, nil
}

// Set adds or updates the value for key.
func (s *MemStore[T]) Set(key string, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes key.
func (s *MemStore[T]) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Range iterates over a snapshot of the entries so fn runs without holding
// the store lock.
func (s *MemStore[T]) Range(fn func(key string, value T) bool) {
	s.mu.RLock()
	snapshot := make(map[string]T, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.RUnlock()
	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Len reports the number of stored entries.
func (s *MemStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
