package jobstore

import (
	"context"
	"sync"

	"github.com/stratushq/stratus/pkg/model"
)

// MemStore is an in-memory job store for tests.
type MemStore struct {
	mu      sync.Mutex
	jobs    map[string]model.Job
	batches map[string]model.BatchResult
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:    make(map[string]model.Job),
		batches: make(map[string]model.BatchResult),
	}
}

func (s *MemStore) Create(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := job
	return &cp, nil
}

func (s *MemStore) Update(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.jobs[job.ID]; ok {
		if err := guardTransition(current.Status, job.Status); err != nil {
			return err
		}
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemStore) GetBatchResult(ctx context.Context, id string) (*model.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := br
	return &cp, nil
}

func (s *MemStore) PutBatchResult(ctx context.Context, br *model.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[br.ID] = *br
	return nil
}

// MemBatchResults adapts a MemStore to the BatchResults interface.
type MemBatchResults struct{ Store *MemStore }

func (v MemBatchResults) Get(ctx context.Context, id string) (*model.BatchResult, error) {
	return v.Store.GetBatchResult(ctx, id)
}
