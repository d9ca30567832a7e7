// Package registry is the read side of the control-plane catalog: tenants,
// customers, platforms, applications and rulesets. The pipeline only looks
// records up; the Put methods exist for tests and seeding.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stratushq/stratus/pkg/model"
)

// ErrNotFound is returned when no record exists for the key.
var ErrNotFound = errors.New("registry record not found")

// Registry resolves catalog records by name or id.
type Registry interface {
	Tenant(ctx context.Context, name string) (*model.Tenant, error)
	Customer(ctx context.Context, name string) (*model.Customer, error)
	Platform(ctx context.Context, id string) (*model.Platform, error)
	Application(ctx context.Context, id string) (*model.Application, error)
	// Ruleset resolves a ruleset reference, either "name" or "name:version".
	Ruleset(ctx context.Context, ref string) (*model.Ruleset, error)
}

// RulesetKey builds the storage key for a ruleset reference.
func RulesetKey(name, version string) string {
	if version == "" {
		return name
	}
	return name + ":" + version
}

// RedisRegistry keeps records under <kind>:<key>.
type RedisRegistry struct {
	Client redis.UniversalClient
}

func NewRedisRegistry(client redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{Client: client}
}

func (r *RedisRegistry) get(ctx context.Context, kind, key string, out any) error {
	data, err := r.Client.Get(ctx, kind+":"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, key)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s %s: %w", kind, key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", kind, key, err)
	}
	return nil
}

func (r *RedisRegistry) put(ctx context.Context, kind, key string, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", kind, key, err)
	}
	if err := r.Client.Set(ctx, kind+":"+key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s %s: %w", kind, key, err)
	}
	return nil
}

func (r *RedisRegistry) Tenant(ctx context.Context, name string) (*model.Tenant, error) {
	var t model.Tenant
	if err := r.get(ctx, "tenant", name, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *RedisRegistry) Customer(ctx context.Context, name string) (*model.Customer, error) {
	var c model.Customer
	if err := r.get(ctx, "customer", name, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *RedisRegistry) Platform(ctx context.Context, id string) (*model.Platform, error) {
	var p model.Platform
	if err := r.get(ctx, "platform", id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *RedisRegistry) Application(ctx context.Context, id string) (*model.Application, error) {
	var a model.Application
	if err := r.get(ctx, "application", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *RedisRegistry) Ruleset(ctx context.Context, ref string) (*model.Ruleset, error) {
	var rs model.Ruleset
	if err := r.get(ctx, "ruleset", ref, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (r *RedisRegistry) PutTenant(ctx context.Context, t *model.Tenant) error {
	return r.put(ctx, "tenant", t.Name, t)
}

func (r *RedisRegistry) PutCustomer(ctx context.Context, c *model.Customer) error {
	return r.put(ctx, "customer", c.Name, c)
}

func (r *RedisRegistry) PutPlatform(ctx context.Context, p *model.Platform) error {
	return r.put(ctx, "platform", p.ID, p)
}

func (r *RedisRegistry) PutApplication(ctx context.Context, a *model.Application) error {
	return r.put(ctx, "application", a.ID, a)
}

func (r *RedisRegistry) PutRuleset(ctx context.Context, rs *model.Ruleset) error {
	return r.put(ctx, "ruleset", RulesetKey(rs.Name, rs.Version), rs)
}
