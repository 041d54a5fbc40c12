package tokenstore

import (
	"sync"
	"time"
)

// MemStore implements Store with an in-memory dataset. Expired entries are
// dropped lazily on read.
type MemStore struct {
	mu  sync.RWMutex
	m   map[string]memEntry
	now func() time.Time
}

var _ Store = (*MemStore)(nil)

type memEntry struct {
	value     []byte
	scope     Scope
	expiresAt time.Time // zero means no expiry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		m:   make(map[string]memEntry),
		now: time.Now,
	}
}

func (s *MemStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
		return nil, nil
	}

	// Copy so callers can't mutate the stored value.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *MemStore) Set(key string, value []byte, scope Scope, ttl time.Duration) error {
	e := memEntry{
		value: make([]byte, len(value)),
		scope: scope,
	}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.m[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Remove(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Clear() error {
	s.mu.Lock()
	s.m = make(map[string]memEntry)
	s.mu.Unlock()
	return nil
}

// DropEphemeral removes every Ephemeral entry, simulating a tab close.
func (s *MemStore) DropEphemeral() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.m {
		if e.scope == Ephemeral {
			delete(s.m, k)
		}
	}
}

// SetNow overrides the store's clock. Only useful in tests.
func (s *MemStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
