package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stratushq/stratus/pkg/model"
)

type seedable interface {
	Registry
	PutTenant(ctx context.Context, t *model.Tenant) error
	PutRuleset(ctx context.Context, rs *model.Ruleset) error
	PutApplication(ctx context.Context, a *model.Application) error
}

func registries(t *testing.T) map[string]seedable {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]seedable{
		"redis":  NewRedisRegistry(client),
		"memory": NewMemRegistry(),
	}
}

func TestTenantLookup(t *testing.T) {
	for name, r := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenant := &model.Tenant{
				Name:      "acme-prod",
				Cloud:     model.CloudAWS,
				Customer:  "acme",
				ProjectID: "123456789012",
				Activated: true,
				Regions:   []string{"eu-west-1", "us-east-1"},
			}
			if err := r.PutTenant(ctx, tenant); err != nil {
				t.Fatalf("PutTenant failed: %v", err)
			}

			got, err := r.Tenant(ctx, "acme-prod")
			if err != nil {
				t.Fatalf("Tenant failed: %v", err)
			}
			if got.Cloud != model.CloudAWS || got.ProjectID != "123456789012" {
				t.Errorf("round trip mangled the tenant: %+v", got)
			}

			if _, err := r.Tenant(ctx, "absent"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Tenant(absent) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRulesetLookupByVersion(t *testing.T) {
	for name, r := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unversioned := &model.Ruleset{Name: "cis-aws", Cloud: model.CloudAWS, ContentRef: "s3://rules/cis-aws.json"}
			pinned := &model.Ruleset{Name: "cis-aws", Version: "1.4", Cloud: model.CloudAWS, ContentRef: "s3://rules/cis-aws-1.4.json"}
			if err := r.PutRuleset(ctx, unversioned); err != nil {
				t.Fatalf("PutRuleset failed: %v", err)
			}
			if err := r.PutRuleset(ctx, pinned); err != nil {
				t.Fatalf("PutRuleset failed: %v", err)
			}

			got, err := r.Ruleset(ctx, "cis-aws")
			if err != nil {
				t.Fatalf("Ruleset failed: %v", err)
			}
			if got.ContentRef != "s3://rules/cis-aws.json" {
				t.Errorf("unversioned lookup = %+v", got)
			}

			got, err = r.Ruleset(ctx, "cis-aws:1.4")
			if err != nil {
				t.Fatalf("Ruleset failed: %v", err)
			}
			if got.ContentRef != "s3://rules/cis-aws-1.4.json" {
				t.Errorf("pinned lookup = %+v", got)
			}
		})
	}
}

func TestApplicationLookup(t *testing.T) {
	for name, r := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			app := &model.Application{
				ID:        "app-1",
				Type:      model.AppTypeCustodianAccess,
				Customer:  "acme",
				SecretRef: "custodian/acme",
			}
			if err := r.PutApplication(ctx, app); err != nil {
				t.Fatalf("PutApplication failed: %v", err)
			}

			got, err := r.Application(ctx, "app-1")
			if err != nil {
				t.Fatalf("Application failed: %v", err)
			}
			if got.Type != model.AppTypeCustodianAccess || got.SecretRef != "custodian/acme" {
				t.Errorf("round trip mangled the application: %+v", got)
			}
		})
	}
}
