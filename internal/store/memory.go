package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements SessionStore with an in-process expiring map. It is
// the default for single-instance deployments and tests; multi-instance
// deployments need the Redis store so both calls can land on any instance.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	stop     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	rec       SessionRecord
	expiresAt time.Time
}

// Ensure MemoryStore implements SessionStore
var _ SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store and starts its janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]memoryEntry),
		stop:     make(chan struct{}),
	}

	go s.janitor()

	return s
}

// SaveSession implements SessionStore.SaveSession.
func (s *MemoryStore) SaveSession(ctx context.Context, id string, rec SessionRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = memoryEntry{
		rec:       rec,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// GetSession implements SessionStore.GetSession. Expired entries are treated
// as absent even before the janitor collects them.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}

	rec := entry.rec
	return &rec, nil
}

// DeleteSession implements SessionStore.DeleteSession.
func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// Close stops the janitor goroutine.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// janitor removes expired entries so abandoned sessions do not accumulate.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, entry := range s.sessions {
				if now.After(entry.expiresAt) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
