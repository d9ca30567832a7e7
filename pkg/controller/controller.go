// Package controller owns the job lifecycle: create or load the job record,
// hold the tenant lock, pre-authorize licensed rulesets, build the plan,
// drive the executor and finalize. One controller instance runs one job.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratushq/stratus/pkg/config"
	"github.com/stratushq/stratus/pkg/creds"
	"github.com/stratushq/stratus/pkg/executor"
	"github.com/stratushq/stratus/pkg/jobstore"
	"github.com/stratushq/stratus/pkg/lock"
	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/policy"
	"github.com/stratushq/stratus/pkg/quota"
	"github.com/stratushq/stratus/pkg/registry"
	"github.com/stratushq/stratus/pkg/sched"
	"github.com/stratushq/stratus/pkg/shards"
	"github.com/stratushq/stratus/pkg/stats"
	"github.com/stratushq/stratus/pkg/storage"
)

// Process exit codes. The license-denial code is distinguished so batch
// schedulers can tell a quota problem from a scan problem.
const (
	ExitSucceeded     = 0
	ExitFailed        = 1
	ExitLicenseDenied = 2
)

// Execer runs a plan. Satisfied by *executor.Executor.
type Execer interface {
	Execute(ctx context.Context, in executor.Input) (*executor.Result, error)
}

// CredentialsResolver produces the scan's credentials bundle. Satisfied by
// *creds.Resolver.
type CredentialsResolver interface {
	Resolve(ctx context.Context, tenant *model.Tenant, platform *model.Platform) (*creds.Bundle, error)
}

// Controller drives one job end to end.
type Controller struct {
	Cfg     *config.Config
	Jobs    jobstore.Store
	Batches jobstore.BatchResults
	Locks   lock.Store
	Catalog registry.Registry
	Entries sched.Store
	Blobs   storage.BlobStore
	Broker  quota.Broker
	Loader  *policy.Loader
	Creds   CredentialsResolver
	Exec    Execer
	Logger  *slog.Logger
	Now     func() time.Time

	tracer trace.Tracer
}

func New(cfg *config.Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		Cfg:    cfg,
		Logger: logger,
		Now:    time.Now,
		tracer: otel.Tracer("stratus/controller"),
	}
}

// run carries the mutable state of one job run.
type run struct {
	job      *model.Job
	tenant   *model.Tenant
	customer *model.Customer
	platform *model.Platform
	batches  []*model.BatchResult

	cloud    model.Cloud
	recorder *stats.Recorder
	deadline time.Time

	locked bool
	// failReason, when set, forces the terminal status to FAILED.
	failReason string
}

func (r *run) fail(reason string) {
	if r.failReason == "" {
		r.failReason = reason
	}
}

// Run executes the configured job and returns the process exit code.
func (c *Controller) Run(ctx context.Context) (code int, err error) {
	ctx, span := c.tracer.Start(ctx, "job.run")
	defer span.End()

	r := &run{deadline: c.Cfg.Deadline(c.Now())}

	defer func() {
		if p := recover(); p != nil {
			c.Logger.Error("Job panicked", "panic", p, "stack", string(debug.Stack()))
			span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", p))
			r.fail(model.ReasonInternal)
			c.terminate(context.WithoutCancel(ctx), r)
			code, err = ExitFailed, fmt.Errorf("job panicked: %v", p)
		}
	}()

	if err := c.prepare(ctx, r); err != nil {
		span.RecordError(err)
		if r.job != nil && r.tenant != nil {
			r.fail(model.ReasonInternal)
			c.terminate(ctx, r)
		}
		return ExitFailed, err
	}

	if err := c.Locks.Acquire(ctx, model.Lock{
		TenantName: r.tenant.Name,
		JobID:      r.job.ID,
		Regions:    r.job.Regions,
	}); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			c.Logger.Error("Tenant lock held by another job", "tenant", r.tenant.Name)
			r.fail(model.ReasonInternal)
			c.terminate(ctx, r)
			return ExitFailed, err
		}
		span.RecordError(err)
		return ExitFailed, fmt.Errorf("failed to acquire tenant lock: %w", err)
	}
	r.locked = true
	// The lock must not survive this job, whatever happens below.
	defer c.releaseLock(context.WithoutCancel(ctx), r)

	if err := c.preauthorize(ctx, r); err != nil {
		if errors.Is(err, quota.ErrDenied) {
			c.Logger.Error("License broker denied the job", "job", r.job.ID)
			r.fail(model.ReasonLicenseDenied)
			c.terminate(ctx, r)
			return ExitLicenseDenied, nil
		}
		r.fail(model.ReasonInternal)
		c.terminate(ctx, r)
		return ExitFailed, err
	}

	if err := c.transition(ctx, r, model.StatusRunning); err != nil {
		return ExitFailed, err
	}
	if r.job.Type == model.JobScheduled {
		if err := c.Entries.UpdateLastExecution(ctx, r.job.ScheduledRuleName, *r.job.StartedAt); err != nil {
			c.Logger.Warn("Failed to update scheduler entry", "entry", r.job.ScheduledRuleName, "error", err)
		}
	}

	result, execErr := c.execute(ctx, r)
	if execErr != nil {
		switch {
		case errors.Is(execErr, creds.ErrNoCredentials):
			r.fail(model.ReasonNoCredentials)
		case errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded):
			r.fail(model.ReasonTimeout)
		default:
			r.fail(execErr.Error())
		}
		c.Logger.Error("Job execution failed", "job", r.job.ID, "error", execErr)
	}
	if execErr == nil && deadlineLapsed(result) {
		c.Logger.Error("Deadline lapsed before any region ran", "job", r.job.ID)
		r.fail(model.ReasonTimeout)
	}

	c.finalize(context.WithoutCancel(ctx), r, result)
	c.terminate(context.WithoutCancel(ctx), r)

	if r.job.Status == model.StatusSucceeded {
		return ExitSucceeded, nil
	}
	return ExitFailed, execErr
}

// prepare loads or creates the job record and resolves its tenant context.
func (c *Controller) prepare(ctx context.Context, r *run) error {
	var err error
	switch c.Cfg.JobType {
	case model.JobStandard:
		r.job, err = c.Jobs.Get(ctx, c.Cfg.JobID)
		if err != nil {
			return fmt.Errorf("failed to load job %s: %w", c.Cfg.JobID, err)
		}
	case model.JobScheduled:
		r.job, err = c.createScheduledJob(ctx)
		if err != nil {
			return err
		}
	case model.JobEventDriven:
		r.job, err = c.createEventDrivenJob(ctx, r)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown job type %q", c.Cfg.JobType)
	}

	if len(c.Cfg.TargetRegions) > 0 {
		r.job.Regions = lo.Uniq(append(r.job.Regions, c.Cfg.TargetRegions...))
	}

	r.tenant, err = c.Catalog.Tenant(ctx, r.job.TenantName)
	if err != nil {
		return fmt.Errorf("failed to resolve tenant %s: %w", r.job.TenantName, err)
	}
	if !r.tenant.Activated {
		return fmt.Errorf("tenant %s is not activated", r.tenant.Name)
	}

	r.customer, err = c.Catalog.Customer(ctx, r.tenant.Customer)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("failed to resolve customer %s: %w", r.tenant.Customer, err)
	}

	r.cloud = r.tenant.Cloud
	platformID := c.Cfg.PlatformID
	if platformID == "" {
		platformID = r.job.PlatformID
	}
	if platformID != "" {
		r.platform, err = c.Catalog.Platform(ctx, platformID)
		if err != nil {
			return fmt.Errorf("failed to resolve platform %s: %w", platformID, err)
		}
		r.job.PlatformID = platformID
		// A platform scan is a Kubernetes scan no matter where it is hosted.
		r.cloud = model.CloudKubernetes
	}

	r.recorder = stats.NewRecorder(r.tenant.Name, r.tenant.Customer)
	return nil
}

func (c *Controller) createScheduledJob(ctx context.Context) (*model.Job, error) {
	entry, err := c.Entries.Get(ctx, c.Cfg.ScheduledJobName)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler entry %s: %w", c.Cfg.ScheduledJobName, err)
	}

	job := &model.Job{
		ID:                uuid.NewString(),
		Type:              model.JobScheduled,
		TenantName:        entry.TenantName,
		Customer:          entry.Customer,
		Status:            model.StatusStarting,
		SubmittedAt:       c.Now().UTC(),
		Rulesets:          entry.Rulesets,
		ScheduledRuleName: entry.Name,
	}
	if err := c.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create scheduled job: %w", err)
	}
	return job, nil
}

func (c *Controller) createEventDrivenJob(ctx context.Context, r *run) (*model.Job, error) {
	if len(c.Cfg.BatchResultIDs) == 0 {
		return nil, fmt.Errorf("event-driven job without BATCH_RESULTS_IDS")
	}

	var (
		regions []string
		rules   []string
	)
	for _, id := range c.Cfg.BatchResultIDs {
		br, err := c.Batches.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load batch result %s: %w", id, err)
		}
		r.batches = append(r.batches, br)
		for region, names := range br.Rules {
			regions = append(regions, region)
			rules = append(rules, names...)
		}
	}

	first := r.batches[0]
	job := &model.Job{
		ID:             uuid.NewString(),
		Type:           model.JobEventDriven,
		TenantName:     first.TenantName,
		Customer:       first.Customer,
		Status:         model.StatusStarting,
		SubmittedAt:    c.Now().UTC(),
		Regions:        sortedUniq(lo.Filter(regions, func(s string, _ int) bool { return s != model.GlobalLocation })),
		RulesToScan:    sortedUniq(rules),
		BatchResultIDs: c.Cfg.BatchResultIDs,
	}
	if err := c.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create event-driven job: %w", err)
	}
	return job, nil
}

// preauthorize clears licensed rulesets with the broker and rewrites the job
// to the exact versions it authorized.
func (c *Controller) preauthorize(ctx context.Context, r *run) error {
	rulesets, err := c.resolveRulesets(ctx, r.job.Rulesets)
	if err != nil {
		return err
	}

	byLicense := make(map[string][]string)
	for _, rs := range rulesets {
		if rs.Licensed() {
			byLicense[rs.LicenseKey] = append(byLicense[rs.LicenseKey], registry.RulesetKey(rs.Name, rs.Version))
		}
	}
	if len(byLicense) == 0 {
		return nil
	}

	for key := range byLicense {
		r.job.AffectedLicense = key
		break
	}

	auth, err := c.Broker.PostJob(ctx, r.job, byLicense)
	if err != nil {
		return err
	}

	// The authorized versions replace whatever the job asked for; unlicensed
	// rulesets ride along unchanged.
	authorized := lo.Keys(auth.RulesetContent)
	sort.Strings(authorized)
	unlicensed := lo.FilterMap(rulesets, func(rs model.Ruleset, _ int) (string, bool) {
		return registry.RulesetKey(rs.Name, rs.Version), !rs.Licensed()
	})
	r.job.Rulesets = append(authorized, unlicensed...)

	for id, uri := range auth.RulesetContent {
		name, version := splitRef(id)
		if err := c.recordAuthorizedRuleset(ctx, name, version, uri, rulesets); err != nil {
			return err
		}
	}
	if err := c.Jobs.Update(ctx, r.job); err != nil {
		return fmt.Errorf("failed to persist authorized rulesets: %w", err)
	}
	return nil
}

// recordAuthorizedRuleset makes the broker-returned version resolvable for
// the loader, inheriting the license key of the ruleset's base record.
func (c *Controller) recordAuthorizedRuleset(ctx context.Context, name, version, uri string, known []model.Ruleset) error {
	if _, err := c.Catalog.Ruleset(ctx, registry.RulesetKey(name, version)); err == nil {
		return nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	base, found := lo.Find(known, func(rs model.Ruleset) bool { return rs.Name == name })
	if !found {
		return fmt.Errorf("broker authorized unknown ruleset %s", name)
	}

	authorized := base
	authorized.Version = version
	authorized.ContentRef = uri
	type putter interface {
		PutRuleset(ctx context.Context, rs *model.Ruleset) error
	}
	if p, ok := c.Catalog.(putter); ok {
		return p.PutRuleset(ctx, &authorized)
	}
	return nil
}

func (c *Controller) resolveRulesets(ctx context.Context, refs []string) ([]model.Ruleset, error) {
	out := make([]model.Ruleset, 0, len(refs))
	for _, ref := range refs {
		rs, err := c.Catalog.Ruleset(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ruleset %s: %w", ref, err)
		}
		out = append(out, *rs)
	}
	return out, nil
}

// execute resolves credentials, loads policies, builds the plan and runs it.
func (c *Controller) execute(ctx context.Context, r *run) (*executor.Result, error) {
	bundle, err := c.Creds.Resolve(ctx, r.tenant, r.platform)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := bundle.Cleanup(); cerr != nil {
			c.Logger.Warn("Failed to clean up credentials files", "error", cerr)
		}
	}()

	rulesets, err := c.resolveRulesets(ctx, r.job.Rulesets)
	if err != nil {
		return nil, err
	}

	exclude := append([]string(nil), r.tenant.DisabledRules...)
	if r.customer != nil {
		exclude = append(exclude, r.customer.DisabledRules...)
	}
	loaded, err := c.Loader.Load(ctx, policy.LoadInput{
		Cloud:    r.cloud,
		Rulesets: rulesets,
		Exclude:  exclude,
		Keep:     r.job.RulesToScan,
	})
	if err != nil {
		return nil, err
	}
	r.job.Warnings = append(r.job.Warnings, loaded.Warnings...)

	now := c.Now()
	for _, failed := range loaded.Failed {
		r.recorder.Error(failed.Name, model.GlobalLocation, now, now, nil,
			model.ErrorInternal, failed.Reason, nil)
	}
	if len(loaded.Policies) == 0 {
		return nil, errors.New(model.ReasonNoPolicies)
	}

	plan := policy.BuildPlan(r.cloud, r.tenant.Regions, r.job.Regions, loaded.Policies)
	if r.job.Type == model.JobEventDriven {
		plan.PerRegion = c.mergeBatchRules(r)
		// Global rules named by any batch result run once at GLOBAL.
		for _, pol := range plan.Global {
			plan.PerRegion[model.GlobalLocation] = append(plan.PerRegion[model.GlobalLocation], pol.Name)
		}
	}

	in := executor.Input{
		Cloud:         r.cloud,
		ProjectID:     r.tenant.ProjectID,
		DefaultRegion: c.Cfg.DefaultRegion,
		Plan:          plan,
		Env:           bundle.Env,
		Deadline:      r.deadline,
	}

	ctx, span := c.tracer.Start(ctx, "job.execute")
	defer span.End()
	result, err := c.Exec.Execute(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for _, pol := range loaded.Policies {
		result.Collection.SetMeta(pol.Name, shards.PolicyMeta{
			Resource:    pol.Resource,
			Description: pol.Description,
			Global:      pol.IsGlobal(r.cloud),
		})
	}
	for _, item := range result.Items {
		r.recorder.Add(item)
	}
	c.Logger.Info("Execution complete", "job", r.job.ID,
		"successful", result.NSuccessful, "items", len(result.Items))
	return result, nil
}

func (c *Controller) mergeBatchRules(r *run) map[string][]string {
	merged := make(map[string][]string)
	for _, br := range r.batches {
		for region, names := range br.Rules {
			merged[region] = append(merged[region], names...)
		}
	}
	for region, names := range merged {
		merged[region] = sortedUniq(names)
	}
	return merged
}

func (c *Controller) transition(ctx context.Context, r *run, next model.JobStatus) error {
	now := c.Now().UTC()
	r.job.Status = next
	switch next {
	case model.StatusRunning:
		r.job.StartedAt = &now
	case model.StatusSucceeded, model.StatusFailed:
		r.job.StoppedAt = &now
	}
	if err := c.Jobs.Update(ctx, r.job); err != nil {
		return fmt.Errorf("failed to persist %s transition: %w", next, err)
	}
	return nil
}

// terminate drives the job to its terminal state, releases the lock and
// reports to the broker. Safe to call more than once.
func (c *Controller) terminate(ctx context.Context, r *run) {
	if r.job == nil {
		return
	}
	if !r.job.Status.Terminal() {
		status := model.StatusSucceeded
		if r.failReason != "" {
			status = model.StatusFailed
			r.job.Reason = r.failReason
		}
		if err := c.transition(ctx, r, status); err != nil {
			c.Logger.Error("Failed to persist terminal status", "job", r.job.ID, "error", err)
		}
		c.Logger.Info("Job finished", "job", r.job.ID, "status", r.job.Status, "reason", r.job.Reason)
	}

	c.releaseLock(ctx, r)

	if err := c.Broker.UpdateJob(ctx, r.job); err != nil {
		c.Logger.Warn("Failed to report job to license broker", "job", r.job.ID, "error", err)
	}
}

func (c *Controller) releaseLock(ctx context.Context, r *run) {
	if !r.locked {
		return
	}
	if err := c.Locks.Release(ctx, r.tenant.Name, r.job.ID); err != nil {
		c.Logger.Error("Failed to release tenant lock", "tenant", r.tenant.Name, "error", err)
		return
	}
	r.locked = false
}

// deadlineLapsed reports whether the job's time budget expired before a
// single region executed: every planned rule came back SKIPPED with the
// executor's deadline reason.
func deadlineLapsed(result *executor.Result) bool {
	if result == nil || len(result.Items) == 0 {
		return false
	}
	for _, item := range result.Items {
		if item.ErrorType != model.ErrorSkipped || item.Reason != model.ReasonTimeExceeded {
			return false
		}
	}
	return true
}

func splitRef(ref string) (name, version string) {
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

func sortedUniq(in []string) []string {
	out := lo.Uniq(in)
	sort.Strings(out)
	return out
}
