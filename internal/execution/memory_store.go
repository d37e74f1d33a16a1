package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[string]Run{}}
}

func (s *MemoryStore) Create(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return fmt.Errorf("create run: %s already exists", run.RunID)
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, runNotFound(runID)
	}
	return run, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, runID string, from State, mutate func(*Run) error) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[runID]
	if !ok {
		return Run{}, runNotFound(runID)
	}
	if current.State != from {
		return current, stateMismatch(current, from)
	}
	next := current
	if err := mutate(&next); err != nil {
		return current, err
	}
	next.RunID = current.RunID
	s.runs[runID] = next
	return next, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	out := make([]Run, 0)
	for _, run := range s.runs {
		if filter.IdentityID != "" && run.IdentityID != filter.IdentityID {
			continue
		}
		if filter.State != "" && run.State != filter.State {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PruneTerminal(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for runID, run := range s.runs {
		if run.State.Terminal() && run.UpdatedAt.Before(cutoff) {
			delete(s.runs, runID)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
