package sched

import (
	"context"
	"sync"
	"time"

	"github.com/stratushq/stratus/pkg/model"
)

// MemStore is an in-memory scheduler entry store for tests.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]model.ScheduledEntry
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]model.ScheduledEntry)}
}

func (s *MemStore) Get(ctx context.Context, name string) (*model.ScheduledEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := entry
	return &cp, nil
}

func (s *MemStore) Put(ctx context.Context, entry *model.ScheduledEntry) error {
	if err := ValidateSchedule(entry.Schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Name] = *entry
	return nil
}

func (s *MemStore) UpdateLastExecution(ctx context.Context, name string, at time.Time) error {
	entry, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	entry.LastExecutionTime = &at
	next, err := NextScheduledRun(entry, at)
	if err != nil {
		return err
	}
	entry.NextScheduledRun = next
	return s.Put(ctx, entry)
}
