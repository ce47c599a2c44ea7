package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memoryEntry tracks the window for a single (user, action type)
type memoryEntry struct {
	mu       sync.Mutex
	count    int
	start    time.Time
	alerted  map[Tier]bool
	detached bool // removed from the map by Reset or Cleanup
}

// MemoryStore keeps windows in process memory. Each key has its own lock so
// unrelated users never contend; the map lock is held only to find or create entries.
// Suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; !ok {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	return e
}

// Increment implements Store
func (s *MemoryStore) Increment(ctx context.Context, userID, actionType string, now time.Time, window time.Duration) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}

	key := windowKey(userID, actionType)
	for {
		e := s.entry(key)
		e.mu.Lock()
		if e.detached {
			// Lost a race with Reset/Cleanup; the next lookup creates a fresh entry.
			e.mu.Unlock()
			continue
		}
		if e.start.IsZero() || !now.Before(e.start.Add(window)) {
			e.count = 0
			e.start = now
			e.alerted = nil
		}
		e.count++
		w := Window{Count: e.count, Start: e.start}
		e.mu.Unlock()
		return w, nil
	}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, userID, actionType string) (Window, bool, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, false, err
	}

	s.mu.RLock()
	e, ok := s.entries[windowKey(userID, actionType)]
	s.mu.RUnlock()
	if !ok {
		return Window{}, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.start.IsZero() {
		return Window{}, false, nil
	}
	return Window{Count: e.count, Start: e.start}, true, nil
}

// Reset implements Store
func (s *MemoryStore) Reset(ctx context.Context, userID, actionType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := windowKey(userID, actionType)
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.detached = true
		e.mu.Unlock()
	}
	return nil
}

// Cleanup implements Store
func (s *MemoryStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, e := range s.entries {
		e.mu.Lock()
		if e.start.Before(cutoff) {
			e.detached = true
			delete(s.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}

// MarkAlerted implements AlertMarker
func (s *MemoryStore) MarkAlerted(ctx context.Context, userID, actionType string, windowStart time.Time, tier Tier) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	e, ok := s.entries[windowKey(userID, actionType)]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detached || !e.start.Equal(windowStart) || e.alerted[tier] {
		return false, nil
	}
	if e.alerted == nil {
		e.alerted = make(map[Tier]bool, 2)
	}
	e.alerted[tier] = true
	return true, nil
}

// Len returns the number of tracked windows
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
