// Package jobstore persists job records and batch-result records. Status
// updates are guarded: the state machine is monotone and terminal states
// are final.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stratushq/stratus/pkg/model"
)

// ErrNotFound is returned when no record exists for the id.
var ErrNotFound = errors.New("record not found")

// ErrBadTransition is returned by Update when the status change violates
// the state machine.
var ErrBadTransition = errors.New("illegal job status transition")

// Store is the durable job record store.
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, job *model.Job) error
}

// BatchResults resolves event-driven plan fragments by id.
type BatchResults interface {
	Get(ctx context.Context, id string) (*model.BatchResult, error)
}

// guardTransition enforces monotone status against the persisted record.
func guardTransition(current, next model.JobStatus) error {
	if current == next {
		return nil
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, current, next)
	}
	return nil
}

// RedisStore keeps jobs under job:<id> and batch results under
// batchresult:<id>.
type RedisStore struct {
	Client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{Client: client}
}

func jobKey(id string) string   { return "job:" + id }
func batchKey(id string) string { return "batchresult:" + id }

func (s *RedisStore) Create(ctx context.Context, job *model.Job) error {
	return s.put(ctx, job)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.Client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) Update(ctx context.Context, job *model.Job) error {
	current, err := s.Get(ctx, job.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if current != nil {
		if err := guardTransition(current.Status, job.Status); err != nil {
			return err
		}
	}
	return s.put(ctx, job)
}

func (s *RedisStore) put(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := s.Client.Set(ctx, jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write job %s: %w", job.ID, err)
	}
	return nil
}

// GetBatchResult implements BatchResults.
func (s *RedisStore) GetBatchResult(ctx context.Context, id string) (*model.BatchResult, error) {
	data, err := s.Client.Get(ctx, batchKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch result %s: %w", id, err)
	}

	var br model.BatchResult
	if err := json.Unmarshal(data, &br); err != nil {
		return nil, fmt.Errorf("failed to decode batch result %s: %w", id, err)
	}
	return &br, nil
}

// PutBatchResult stores a batch-result record (used by the event intake).
func (s *RedisStore) PutBatchResult(ctx context.Context, br *model.BatchResult) error {
	data, err := json.Marshal(br)
	if err != nil {
		return fmt.Errorf("failed to encode batch result %s: %w", br.ID, err)
	}
	if err := s.Client.Set(ctx, batchKey(br.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write batch result %s: %w", br.ID, err)
	}
	return nil
}

// BatchResultsView adapts a RedisStore to the BatchResults interface.
type BatchResultsView struct{ Store *RedisStore }

func (v BatchResultsView) Get(ctx context.Context, id string) (*model.BatchResult, error) {
	return v.Store.GetBatchResult(ctx, id)
}
