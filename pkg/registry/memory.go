package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratushq/stratus/pkg/model"
)

// MemRegistry is an in-memory catalog for tests.
type MemRegistry struct {
	mu           sync.Mutex
	tenants      map[string]model.Tenant
	customers    map[string]model.Customer
	platforms    map[string]model.Platform
	applications map[string]model.Application
	rulesets     map[string]model.Ruleset
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		tenants:      make(map[string]model.Tenant),
		customers:    make(map[string]model.Customer),
		platforms:    make(map[string]model.Platform),
		applications: make(map[string]model.Application),
		rulesets:     make(map[string]model.Ruleset),
	}
}

func (r *MemRegistry) Tenant(ctx context.Context, name string) (*model.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[name]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, name)
	}
	cp := t
	return &cp, nil
}

func (r *MemRegistry) Customer(ctx context.Context, name string) (*model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[name]
	if !ok {
		return nil, fmt.Errorf("%w: customer %s", ErrNotFound, name)
	}
	cp := c
	return &cp, nil
}

func (r *MemRegistry) Platform(ctx context.Context, id string) (*model.Platform, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.platforms[id]
	if !ok {
		return nil, fmt.Errorf("%w: platform %s", ErrNotFound, id)
	}
	cp := p
	return &cp, nil
}

func (r *MemRegistry) Application(ctx context.Context, id string) (*model.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.applications[id]
	if !ok {
		return nil, fmt.Errorf("%w: application %s", ErrNotFound, id)
	}
	cp := a
	return &cp, nil
}

func (r *MemRegistry) Ruleset(ctx context.Context, ref string) (*model.Ruleset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rulesets[ref]
	if !ok {
		return nil, fmt.Errorf("%w: ruleset %s", ErrNotFound, ref)
	}
	cp := rs
	return &cp, nil
}

func (r *MemRegistry) PutTenant(ctx context.Context, t *model.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.Name] = *t
	return nil
}

func (r *MemRegistry) PutCustomer(ctx context.Context, c *model.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[c.Name] = *c
	return nil
}

func (r *MemRegistry) PutPlatform(ctx context.Context, p *model.Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.ID] = *p
	return nil
}

func (r *MemRegistry) PutApplication(ctx context.Context, a *model.Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applications[a.ID] = *a
	return nil
}

func (r *MemRegistry) PutRuleset(ctx context.Context, rs *model.Ruleset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rulesets[RulesetKey(rs.Name, rs.Version)] = *rs
	return nil
}
