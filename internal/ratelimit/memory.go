package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. Each key has its own mutex.
type MemoryStore struct {
	entries sync.Map // string -> *memoryEntry
}

type memoryEntry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	dead    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Consume(_ context.Context, key string, max int, window time.Duration, now time.Time) (Window, bool, error) {
	for {
		v, _ := s.entries.LoadOrStore(key, &memoryEntry{})
		e := v.(*memoryEntry)
		e.mu.Lock()
		if e.dead {
			// Swept between load and lock; retry against the live entry.
			e.mu.Unlock()
			continue
		}
		if !now.Before(e.resetAt) {
			e.count = 0
			e.resetAt = now.Add(window)
		}
		if e.count >= max {
			w := Window{Count: e.count, ResetAt: e.resetAt}
			e.mu.Unlock()
			return w, false, nil
		}
		e.count++
		w := Window{Count: e.count, ResetAt: e.resetAt}
		e.mu.Unlock()
		return w, true, nil
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Window, bool, error) {
	v, ok := s.entries.Load(key)
	if !ok {
		return Window{}, false, nil
	}
	e := v.(*memoryEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return Window{}, false, nil
	}
	return Window{Count: e.count, ResetAt: e.resetAt}, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if v, ok := s.entries.LoadAndDelete(key); ok {
		e := v.(*memoryEntry)
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
	}
	return nil
}

// Clear drops every window.
func (s *MemoryStore) Clear() {
	s.entries.Range(func(key, _ any) bool {
		_ = s.Delete(context.Background(), key.(string))
		return true
	})
}

// Sweep removes windows that expired before now and returns how many.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	s.entries.Range(func(key, v any) bool {
		e := v.(*memoryEntry)
		e.mu.Lock()
		if !e.dead && !now.Before(e.resetAt) {
			e.dead = true
			s.entries.CompareAndDelete(key, v)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}
