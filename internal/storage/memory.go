// Package storage provides in-memory storage implementation
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() (*MemoryStore, error) {
	return &MemoryStore{
		data: make(map[string][]byte),
	}, nil
}

// Put stores a copy of value under key
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// Copy so later mutation by the caller doesn't leak into the store
	buf := make([]byte, len(value))
	copy(buf, value)
	s.data[key] = buf
	return nil
}

// Get retrieves the value stored under key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	value, exists := s.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.data, key)
	return nil
}

// Keys lists keys with the given prefix
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = make(map[string][]byte)
	return nil
}
