// Package sched stores the scheduler entries that scheduled jobs are
// materialized from. Entries carry a standard five-field cron expression;
// the controller stamps last_execution_time and the next fire time after
// each run.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"

	"github.com/stratushq/stratus/pkg/model"
)

// ErrNotFound is returned when no entry exists for the name.
var ErrNotFound = errors.New("scheduled entry not found")

// Store is the scheduler entry store.
type Store interface {
	Get(ctx context.Context, name string) (*model.ScheduledEntry, error)
	Put(ctx context.Context, entry *model.ScheduledEntry) error
	UpdateLastExecution(ctx context.Context, name string, at time.Time) error
}

// ValidateSchedule rejects malformed cron expressions before an entry is
// stored.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// NextScheduledRun computes the next fire time after now, or nil when the
// entry has no schedule.
func NextScheduledRun(entry *model.ScheduledEntry, now time.Time) (*time.Time, error) {
	if entry.Schedule == "" {
		return nil, nil
	}
	schedule, err := cron.ParseStandard(entry.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", entry.Schedule, err)
	}
	next := schedule.Next(now)
	return &next, nil
}

// RedisStore keeps entries under sched:<name>.
type RedisStore struct {
	Client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{Client: client}
}

func schedKey(name string) string { return "sched:" + name }

func (s *RedisStore) Get(ctx context.Context, name string) (*model.ScheduledEntry, error) {
	data, err := s.Client.Get(ctx, schedKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduled entry %s: %w", name, err)
	}

	var entry model.ScheduledEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode scheduled entry %s: %w", name, err)
	}
	return &entry, nil
}

func (s *RedisStore) Put(ctx context.Context, entry *model.ScheduledEntry) error {
	if err := ValidateSchedule(entry.Schedule); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode scheduled entry %s: %w", entry.Name, err)
	}
	if err := s.Client.Set(ctx, schedKey(entry.Name), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write scheduled entry %s: %w", entry.Name, err)
	}
	return nil
}

// UpdateLastExecution stamps the execution time and recomputes the next fire
// time in one read-modify-write.
func (s *RedisStore) UpdateLastExecution(ctx context.Context, name string, at time.Time) error {
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
