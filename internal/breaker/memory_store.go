package breaker

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local StateStore. Suitable for tests and
// single-instance deployments; production uses RedisStore.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	state     BreakerState
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok || s.now().After(entry.expiresAt) {
		delete(s.data, key)
		return nil, nil
	}

	state := entry.state
	return &state, nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, key string, old, next *BreakerState, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if ok && s.now().After(entry.expiresAt) {
		delete(s.data, key)
		ok = false
	}

	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || entry.state != *old {
			return false, nil
		}
	}

	s.data[key] = memoryEntry{state: *next, expiresAt: s.now().Add(ttl)}
	return true, nil
}
