// Package memory provides the in-process storage tier.
package memory

import (
	"context"
	"sync"
)

// Store is an in-memory storage.Store. Contents vanish with the process.
type Store struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{m: make(map[string]string)}
}

// Get returns the value for key if present.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
