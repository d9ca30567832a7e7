// Package lock implements the per-tenant concurrency guard: at most one
// active job per tenant name.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stratushq/stratus/pkg/model"
)

// ErrHeld is returned when another job already holds the tenant's lock.
var ErrHeld = errors.New("tenant lock held by another job")

// Store acquires and releases tenant locks. Acquisition is strict: a
// foreign entry fails fast, no queueing. Release is owner-checked so a
// late finalizer cannot free a successor's lock.
type Store interface {
	Acquire(ctx context.Context, l model.Lock) error
	Release(ctx context.Context, tenantName, jobID string) error
	Get(ctx context.Context, tenantName string) (*model.Lock, error)
}

// RedisStore keeps locks as JSON values under lock:<tenant>.
type RedisStore struct {
	Client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{Client: client}
}

func lockKey(tenant string) string { return "lock:" + tenant }

func (s *RedisStore) Acquire(ctx context.Context, l model.Lock) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to encode lock: %w", err)
	}

	ok, err := s.Client.SetNX(ctx, lockKey(l.TenantName), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if ok {
		return nil
	}

	current, err := s.Get(ctx, l.TenantName)
	if err != nil {
		return err
	}
	if current != nil && current.JobID == l.JobID {
		// Re-acquisition by the owner is a no-op.
		return nil
	}
	return ErrHeld
}

func (s *RedisStore) Release(ctx context.Context, tenantName, jobID string) error {
	current, err := s.Get(ctx, tenantName)
	if err != nil {
		return err
	}
	if current == nil || current.JobID != jobID {
		return nil
	}
	if err := s.Client.Del(ctx, lockKey(tenantName)).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, tenantName string) (*model.Lock, error) {
	data, err := s.Client.Get(ctx, lockKey(tenantName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}

	var l model.Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to decode lock: %w", err)
	}
	return &l, nil
}
