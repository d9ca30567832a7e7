// Package creds resolves the credentials one scan runs with. Sources are
// tried in a fixed chain and the first one that yields anything wins:
// job-scoped ephemeral secret, tenant-linked CUSTODIAN_ACCESS application,
// management credentials (feature-flagged), ambient host identity. The
// result is an environment bundle handed to the worker process; the parent
// environment is never mutated.
package creds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/multierr"

	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/registry"
	"github.com/stratushq/stratus/pkg/secrets"
)

// ErrNoCredentials is returned when the whole chain comes up empty.
var ErrNoCredentials = errors.New("no usable credentials for tenant")

// refreshMargin is subtracted from an assumed role's expiry when caching:
// a scan must never start on credentials about to lapse mid-region.
const refreshMargin = 15 * time.Minute

// ManagementKey is the secret-store key of a customer's management
// credentials.
func ManagementKey(customer string) string { return "management/" + customer }

// Bundle is a resolved credentials environment plus the temp files it
// materialized. Cleanup must run on job finalize, success and failure both.
type Bundle struct {
	Env   map[string]string
	files []string
}

func NewBundle() *Bundle {
	return &Bundle{Env: map[string]string{}}
}

func (b *Bundle) addFile(path string) { b.files = append(b.files, path) }

// merge folds other's env and files into b.
func (b *Bundle) merge(other *Bundle) {
	for k, v := range other.Env {
		b.Env[k] = v
	}
	b.files = append(b.files, other.files...)
}

// Cleanup removes every materialized file. Idempotent.
func (b *Bundle) Cleanup() error {
	var errs error
	for _, f := range b.files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("failed to remove %s: %w", f, err))
		}
	}
	b.files = nil
	return errs
}

// Resolver walks the credential chain for a tenant or platform.
type Resolver struct {
	Secrets secrets.Store
	Catalog registry.Registry
	AWS     AWSClientFactory
	Logger  *slog.Logger

	// CredentialsKey is the job-scoped ephemeral secret key, if staged.
	CredentialsKey  string
	AllowManagement bool
	DefaultRegion   string
	Now             func() time.Time

	roleCache *gocache.Cache
}

func NewResolver(store secrets.Store, catalog registry.Registry, factory AWSClientFactory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		Secrets:   store,
		Catalog:   catalog,
		AWS:       factory,
		Logger:    logger,
		Now:       time.Now,
		roleCache: gocache.New(gocache.NoExpiration, 5*time.Minute),
	}
}

// Resolve produces the credentials bundle for one scan. A non-nil platform
// switches to the Kubernetes path.
func (r *Resolver) Resolve(ctx context.Context, tenant *model.Tenant, platform *model.Platform) (*Bundle, error) {
	if platform != nil {
		return r.resolvePlatform(ctx, tenant, platform)
	}
	return r.resolveTenant(ctx, tenant)
}

func (r *Resolver) resolveTenant(ctx context.Context, tenant *model.Tenant) (*Bundle, error) {
	// 1. Job-scoped ephemeral: staged for exactly one run, read then deleted.
	if payload, err := r.ephemeral(ctx); err != nil {
		return nil, err
	} else if payload != nil {
		r.Logger.Info("using job-scoped credentials", "tenant", tenant.Name)
		return r.materialize(ctx, tenant, payload)
	}

	// 2. Tenant-linked CUSTODIAN_ACCESS application.
	if payload, err := r.custodian(ctx, tenant); err != nil {
		return nil, err
	} else if payload != nil {
		r.Logger.Info("using custodian access credentials", "tenant", tenant.Name,
			"application", tenant.ParentApplicationID)
		return r.materialize(ctx, tenant, payload)
	}

	// 3. Management credentials, only behind the flag.
	if r.AllowManagement {
		payload, err := r.secretPayload(ctx, ManagementKey(tenant.Customer))
		if err != nil {
			return nil, err
		}
		if payload != nil {
			r.Logger.Warn("using management credentials", "tenant", tenant.Name)
			return r.materialize(ctx, tenant, payload)
		}
	}

	// 4. Ambient host identity, only when the principal is the tenant itself.
	if bundle := r.ambient(ctx, tenant); bundle != nil {
		r.Logger.Info("using ambient credentials", "tenant", tenant.Name)
		return bundle, nil
	}

	return nil, ErrNoCredentials
}

func (r *Resolver) ephemeral(ctx context.Context) (*Payload, error) {
	if r.CredentialsKey == "" {
		return nil, nil
	}
	data, err := r.Secrets.Get(ctx, r.CredentialsKey)
	if errors.Is(err, secrets.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read staged credentials: %w", err)
	}
	if err := r.Secrets.Delete(ctx, r.CredentialsKey); err != nil {
		r.Logger.Warn("failed to delete single-use credentials", "key", r.CredentialsKey, "error", err)
	}
	return ParsePayload(data)
}

func (r *Resolver) custodian(ctx context.Context, tenant *model.Tenant) (*Payload, error) {
	if tenant.ParentApplicationID == "" {
		return nil, nil
	}
	app, err := r.Catalog.Application(ctx, tenant.ParentApplicationID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parent application: %w", err)
	}
	if app.Type != model.AppTypeCustodianAccess {
		return nil, nil
	}
	return r.secretPayload(ctx, app.SecretRef)
}

func (r *Resolver) secretPayload(ctx context.Context, key string) (*Payload, error) {
	data, err := r.Secrets.Get(ctx, key)
	if errors.Is(err, secrets.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", key, err)
	}
	return ParsePayload(data)
}

// ambient returns an empty bundle when the host's own principal is the
// tenant, letting the SDK default chain take over in the worker. Any
// failure to identify the host is a skip, not an error.
func (r *Resolver) ambient(ctx context.Context, tenant *model.Tenant) *Bundle {
	if tenant.Cloud != model.CloudAWS || r.AWS == nil {
		return nil
	}
	client, err := r.AWS(ctx, r.DefaultRegion, nil)
	if err != nil {
		return nil
	}
	account, err := client.CallerAccount(ctx)
	if err != nil || account != tenant.ProjectID {
		return nil
	}
	return NewBundle()
}

// materialize turns a payload into a bundle, issuing AssumeRole first when
// the payload carries a role ARN.
func (r *Resolver) materialize(ctx context.Context, tenant *model.Tenant, payload *Payload) (*Bundle, error) {
	if tenant.Cloud == model.CloudAWS && payload.RoleARN != "" {
		assumed, err := r.assumeRole(ctx, tenant, payload)
		if err != nil {
			return nil, err
		}
		payload = assumed
	}
	return payload.Materialize(tenant.Cloud, tenant.ProjectID, r.DefaultRegion)
}

func (r *Resolver) assumeRole(ctx context.Context, tenant *model.Tenant, payload *Payload) (*Payload, error) {
	if cached, ok := r.roleCache.Get(payload.RoleARN); ok {
		return cached.(*Payload), nil
	}

	client, err := r.AWS(ctx, r.DefaultRegion, payload.awsEnv(r.DefaultRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to build sts client: %w", err)
	}
	out, err := client.AssumeRole(ctx, payload.RoleARN, "stratus-"+tenant.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to assume role %s: %w", payload.RoleARN, err)
	}

	assumed := &Payload{
		AWSAccessKeyID:     out.AccessKeyID,
		AWSSecretAccessKey: out.SecretAccessKey,
		AWSSessionToken:    out.SessionToken,
	}
	if ttl := out.Expiration.Sub(r.Now()) - refreshMargin; ttl > 0 {
		r.roleCache.Set(payload.RoleARN, assumed, ttl)
	}
	return assumed, nil
}
