package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. It backs the memory storage mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Claim(_ context.Context, e Entry) (Entry, bool, error) {
	id := storageKey(e.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.entries[id]; ok && !held.expired(e.ClaimedAt) {
		return held, false, nil
	}
	s.entries[id] = e
	return e, true, nil
}

func (s *MemoryStore) Finish(_ context.Context, e Entry) error {
	s.mu.Lock()
	s.entries[storageKey(e.Key)] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, storageKey(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if limit > 0 && removed == limit {
			break
		}
		if e.expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
