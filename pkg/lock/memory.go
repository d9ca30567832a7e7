package lock

import (
	"context"
	"sync"

	"github.com/stratushq/stratus/pkg/model"
)

// MemStore is an in-memory lock store for tests and single-process runs.
type MemStore struct {
	mu    sync.Mutex
	locks map[string]model.Lock
}

func NewMemStore() *MemStore {
	return &MemStore{locks: make(map[string]model.Lock)}
}

func (s *MemStore) Acquire(ctx context.Context, l model.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.locks[l.TenantName]; ok && current.JobID != l.JobID {
		return ErrHeld
	}
	s.locks[l.TenantName] = l
	return nil
}

func (s *MemStore) Release(ctx context.Context, tenantName, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.locks[tenantName]; ok && current.JobID == jobID {
		delete(s.locks, tenantName)
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, tenantName string) (*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.locks[tenantName]; ok {
		cp := current
		return &cp, nil
	}
	return nil, nil
}
