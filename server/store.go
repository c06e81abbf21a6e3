package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Store is the key/value backing for session buckets. A zero ttl means the
// value does not expire on its own.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Take reads and removes key in one step.
	Take(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// InMemoryStore keeps session values in process memory.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the value for key if present and unexpired.
func (s *InMemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores or replaces key.
func (s *InMemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Take fetches and removes key.
func (s *InMemoryStore) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	delete(s.entries, key)
	if e.expired(s.now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Delete removes keys. Missing keys are ignored.
func (s *InMemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// NewID generates a random session identifier.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("authflow: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
