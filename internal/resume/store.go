// Package resume persists stream resume tokens so a restarted client can pick
// up where the previous process stopped.
package resume

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when no token has been saved for a key.
var ErrNotFound = errors.New("resume token not found")

// Store loads and saves the last record id of a named stream.
type Store interface {
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, token string) error
}

// MemoryStore keeps tokens for the lifetime of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]string)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[key]
	if !ok {
		return "", ErrNotFound
	}
	return token, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[key] = token
	return nil
}
