package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

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

type fakeBroker struct {
	deny    bool
	content map[string]string

	postCalls int
	updated   []model.JobStatus
	lastJob   *model.Job
}

func (f *fakeBroker) PostJob(ctx context.Context, job *model.Job, rulesetMap map[string][]string) (*quota.Authorization, error) {
	f.postCalls++
	if f.deny {
		return nil, quota.ErrDenied
	}
	content := f.content
	if content == nil {
		content = map[string]string{}
	}
	return &quota.Authorization{RulesetContent: content}, nil
}

func (f *fakeBroker) UpdateJob(ctx context.Context, job *model.Job) error {
	f.updated = append(f.updated, job.Status)
	cp := *job
	f.lastJob = &cp
	return nil
}

type fakeCreds struct {
	err     error
	cleaned bool
}

func (f *fakeCreds) Resolve(ctx context.Context, tenant *model.Tenant, platform *model.Platform) (*creds.Bundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return creds.NewBundle(), nil
}

type fakeExec struct {
	fn    func(ctx context.Context, in executor.Input) (*executor.Result, error)
	input *executor.Input
}

func (f *fakeExec) Execute(ctx context.Context, in executor.Input) (*executor.Result, error) {
	f.input = &in
	if f.fn != nil {
		return f.fn(ctx, in)
	}
	return happyResult(in), nil
}

// happyResult fabricates one resource part and one success item per planned
// (policy, location) pair.
func happyResult(in executor.Input) *executor.Result {
	res := &executor.Result{Collection: shards.NewCollection()}
	scanned, failed := 1, 0
	for _, loc := range in.Plan.Locations {
		for _, pol := range in.Plan.PoliciesFor(loc) {
			res.Collection.PutPart(shards.NewPart(pol.Name, loc,
				[]map[string]any{{"id": pol.Name + "/" + loc}}))
			res.Items = append(res.Items, stats.Item{
				Policy:           pol.Name,
				Region:           stats.ArtifactRegion(loc),
				ScannedResources: &scanned,
				FailedResources:  &failed,
			})
			res.NSuccessful++
		}
	}
	return res
}

type fetcherMap map[string][]byte

func (f fetcherMap) FetchContent(ctx context.Context, ref string) ([]byte, error) {
	data, ok := f[ref]
	if !ok {
		return nil, errors.New("no content for " + ref)
	}
	return data, nil
}

func rulesetDoc(t *testing.T, policies ...map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"policies": policies})
	if err != nil {
		t.Fatalf("marshal ruleset doc: %v", err)
	}
	return data
}

type harness struct {
	cfg     *config.Config
	jobs    *jobstore.MemStore
	locks   *lock.MemStore
	catalog *registry.MemRegistry
	entries *sched.MemStore
	blobs   *storage.MemStore
	broker  *fakeBroker
	exec    *fakeExec
	creds   *fakeCreds
	ctrl    *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cfg: &config.Config{
			JobID:            "job-1",
			JobType:          model.JobStandard,
			TenantName:       "acme-prod",
			DefaultRegion:    "us-east-1",
			BatchJobLifetime: time.Hour,
			HealS3Latest:     true,
		},
		jobs:    jobstore.NewMemStore(),
		locks:   lock.NewMemStore(),
		catalog: registry.NewMemRegistry(),
		entries: sched.NewMemStore(),
		blobs:   storage.NewMemStore(),
		broker:  &fakeBroker{},
		exec:    &fakeExec{},
		creds:   &fakeCreds{},
	}

	ctx := context.Background()
	h.catalog.PutTenant(ctx, &model.Tenant{
		Name: "acme-prod", Cloud: model.CloudAWS, Customer: "acme",
		ProjectID: "123456789012", Activated: true,
		Regions: []string{"eu-west-1"},
	})
	h.catalog.PutCustomer(ctx, &model.Customer{Name: "acme"})
	h.catalog.PutRuleset(ctx, &model.Ruleset{
		Name: "cis-aws", Cloud: model.CloudAWS, ContentRef: "rules/cis-aws.json",
	})

	fetcher := fetcherMap{
		"rules/cis-aws.json": rulesetDoc(t,
			map[string]any{"name": "R_ec2", "resource": "aws.ec2"},
			map[string]any{"name": "R_s3", "resource": "aws.s3"},
		),
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	h.ctrl = New(h.cfg, logger)
	h.ctrl.Jobs = h.jobs
	h.ctrl.Batches = jobstore.MemBatchResults{Store: h.jobs}
	h.ctrl.Locks = h.locks
	h.ctrl.Catalog = h.catalog
	h.ctrl.Entries = h.entries
	h.ctrl.Blobs = h.blobs
	h.ctrl.Broker = h.broker
	h.ctrl.Loader = policy.NewLoader(fetcher, logger)
	h.ctrl.Creds = h.creds
	h.ctrl.Exec = h.exec
	return h
}

func (h *harness) seedJob(t *testing.T) {
	t.Helper()
	err := h.jobs.Create(context.Background(), &model.Job{
		ID: "job-1", Type: model.JobStandard, TenantName: "acme-prod",
		Customer: "acme", Status: model.StatusStarting,
		SubmittedAt: time.Now().UTC(), Rulesets: []string{"cis-aws"},
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load job %s: %v", id, err)
	}
	return job
}

func (h *harness) statsItems(t *testing.T, jobID string) []stats.Item {
	t.Helper()
	data, err := h.blobs.Get(context.Background(), stats.ArtifactKey(jobID))
	if err != nil {
		t.Fatalf("stats artifact missing: %v", err)
	}
	items, err := stats.Read(data)
	if err != nil {
		t.Fatalf("stats artifact unreadable: %v", err)
	}
	return items
}

func TestStandardJobSucceeds(t *testing.T) {
	h := newHarness(t)
	h.seedJob(t)

	code, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != ExitSucceeded {
		t.Fatalf("exit code = %d, want 0", code)
	}

	job := h.job(t, "job-1")
	if job.Status != model.StatusSucceeded {
		t.Errorf("status = %s", job.Status)
	}
	if job.StartedAt == nil || job.StoppedAt == nil {
		t.Error("started_at/stopped_at not stamped")
	}

	// Lock holds no reference to the finalized job.
	if l, _ := h.locks.Get(context.Background(), "acme-prod"); l != nil {
		t.Errorf("lock still held after finalize: %+v", l)
	}

	// R_s3 is global, R_ec2 runs in the one tenant region.
	items := h.statsItems(t, "job-1")
	if len(items) != 2 {
		t.Fatalf("stats items = %d, want 2", len(items))
	}
	seen := map[string]string{}
	for _, item := range items {
		seen[item.Policy] = item.Region
		if item.TenantName != "acme-prod" || item.CustomerName != "acme" {
			t.Errorf("item not stamped: %+v", item)
		}
	}
	if seen["R_s3"] != "global" || seen["R_ec2"] != "eu-west-1" {
		t.Errorf("item regions = %v", seen)
	}

	// Job result and latest are both persisted.
	if keys, _ := h.blobs.List(context.Background(), shards.JobResultPrefix("acme-prod", "job-1")); len(keys) == 0 {
		t.Error("no job result shards written")
	}
	if keys, _ := h.blobs.List(context.Background(), shards.LatestPrefix("acme-prod")); len(keys) == 0 {
		t.Error("latest not updated")
	}

	// The broker heard about the terminal state.
	if len(h.broker.updated) == 0 || h.broker.updated[len(h.broker.updated)-1] != model.StatusSucceeded {
		t.Errorf("broker updates = %v", h.broker.updated)
	}
}

func TestLicenseDenial(t *testing.T) {
	h := newHarness(t)
	h.catalog.PutRuleset(context.Background(), &model.Ruleset{
		Name: "licensed-pack", Cloud: model.CloudAWS,
		LicenseKey: "lic-1", ContentRef: "rules/licensed.json",
	})
	err := h.jobs.Create(context.Background(), &model.Job{
		ID: "job-1", Type: model.JobStandard, TenantName: "acme-prod",
		Customer: "acme", Status: model.StatusStarting,
		SubmittedAt: time.Now().UTC(), Rulesets: []string{"licensed-pack"},
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	h.broker.deny = true

	code, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run errored: %v", err)
	}
	if code != ExitLicenseDenied {
		t.Fatalf("exit code = %d, want 2", code)
	}

	job := h.job(t, "job-1")
	if job.Status != model.StatusFailed || job.Reason != model.ReasonLicenseDenied {
		t.Errorf("job = %s/%s", job.Status, job.Reason)
	}

	// No shards were written.
	if keys, _ := h.blobs.List(context.Background(), "reports/"); len(keys) != 0 {
		t.Errorf("shards written on denial: %v", keys)
	}
	// Lock released.
	if l, _ := h.locks.Get(context.Background(), "acme-prod"); l != nil {
		t.Errorf("lock still held: %+v", l)
	}
}

func TestLockHeldFailsFast(t *testing.T) {
	h := newHarness(t)
	h.seedJob(t)
	ctx := context.Background()
	if err := h.locks.Acquire(ctx, model.Lock{TenantName: "acme-prod", JobID: "other-job"}); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	code, err := h.ctrl.Run(ctx)
	if code != ExitFailed || err == nil {
		t.Fatalf("Run = %d, %v", code, err)
	}

	job := h.job(t, "job-1")
	if job.Status != model.StatusFailed || job.Reason != model.ReasonInternal {
		t.Errorf("job = %s/%s", job.Status, job.Reason)
	}
	// The foreign lock is untouched.
	if l, _ := h.locks.Get(ctx, "acme-prod"); l == nil || l.JobID != "other-job" {
		t.Errorf("foreign lock = %+v", l)
	}
	if h.exec.input != nil {
		t.Error("executor ran despite held lock")
	}
}

func TestNoCredentials(t *testing.T) {
	h := newHarness(t)
	h.seedJob(t)
	h.creds.err = creds.ErrNoCredentials

	code, _ := h.ctrl.Run(context.Background())
	if code != ExitFailed {
		t.Fatalf("exit code = %d, want 1", code)
	}

	job := h.job(t, "job-1")
	if job.Status != model.StatusFailed || job.Reason != model.ReasonNoCredentials {
		t.Errorf("job = %s/%s", job.Status, job.Reason)
	}
	if l, _ := h.locks.Get(context.Background(), "acme-prod"); l != nil {
		t.Errorf("lock still held: %+v", l)
	}
	// Finalization still wrote the (empty) statistics artifact.
	if items := h.statsItems(t, "job-1"); len(items) != 0 {
		t.Errorf("items = %v", items)
	}
}

func TestDeadlineLapsedBeforeAnyRegion(t *testing.T) {
	h := newHarness(t)
	h.seedJob(t)
	h.exec.fn = func(ctx context.Context, in executor.Input) (*executor.Result, error) {
		res := &executor.Result{Collection: shards.NewCollection()}
		now := float64(time.Now().Unix())
		for _, loc := range in.Plan.Locations {
			for _, pol := range in.Plan.PoliciesFor(loc) {
				res.Collection.PutPart(shards.NewErrorPart(
					pol.Name, loc, model.ErrorSkipped, model.ReasonTimeExceeded))
				res.Items = append(res.Items, stats.Item{
					Policy:    pol.Name,
					Region:    stats.ArtifactRegion(loc),
					StartTime: now,
					EndTime:   now,
					ErrorType: model.ErrorSkipped,
					Reason:    model.ReasonTimeExceeded,
				})
			}
		}
		return res, nil
	}

	code, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run errored: %v", err)
	}
	if code != ExitFailed {
		t.Fatalf("exit code = %d, want 1", code)
	}

	job := h.job(t, "job-1")
	if job.Status != model.StatusFailed || job.Reason != model.ReasonTimeout {
		t.Errorf("job = %s/%s, want FAILED/TIMEOUT", job.Status, job.Reason)
	}
	if l, _ := h.locks.Get(context.Background(), "acme-prod"); l != nil {
		t.Errorf("lock still held: %+v", l)
	}

	// Finalization still recorded the skipped items.
	items := h.statsItems(t, "job-1")
	if len(items) != 2 {
		t.Fatalf("stats items = %d, want 2", len(items))
	}
	for _, item := range items {
		if item.ErrorType != model.ErrorSkipped || item.Reason != model.ReasonTimeExceeded {
			t.Errorf("item not skipped: %+v", item)
		}
	}
}

func TestLockReleasedOnPanic(t *testing.T) {
	h := newHarness(t)
	h.seedJob(t)
	h.exec.fn = func(ctx context.Context, in executor.Input) (*executor.Result, error) {
		panic("worker table corrupted")
	}

	code, err := h.ctrl.Run(context.Background())
	if code != ExitFailed || err == nil {
		t.Fatalf("Run = %d, %v", code, err)
	}

	job := h.job(t, "job-1")
	if job.Status != model.StatusFailed || job.Reason != model.ReasonInternal {
		t.Errorf("job = %s/%s", job.Status, job.Reason)
	}
	if l, _ := h.locks.Get(context.Background(), "acme-prod"); l != nil {
		t.Errorf("lock survived panic: %+v", l)
	}
}

// failingBlobs refuses writes under one prefix to exercise best-effort
// finalization.
type failingBlobs struct {
	*storage.MemStore
	failPrefix string
}

func (f *failingBlobs) Put(ctx context.Context, key string, data []byte) error {
	if strings.HasPrefix(key, f.failPrefix) {
		return errors.New("simulated write failure")
	}
	return f.MemStore.Put(ctx, key, data)
}

func TestFinalizationIsBestEffort(t *testing.T) {
	h := newHarness(t)
	h.seedJob(t)
	blobs := &failingBlobs{
		MemStore:   h.blobs,
		failPrefix: shards.JobResultPrefix("acme-prod", "job-1"),
	}
	h.ctrl.Blobs = blobs

	code, _ := h.ctrl.Run(context.Background())
	if code != ExitFailed {
		t.Fatalf("exit code = %d, want 1", code)
	}

	job := h.job(t, "job-1")
	if job.Status != model.StatusFailed || job.Reason != model.ReasonInternal {
		t.Errorf("job = %s/%s", job.Status, job.Reason)
	}

	// Later steps still ran: latest and the stats artifact exist.
	if keys, _ := h.blobs.List(context.Background(), shards.LatestPrefix("acme-prod")); len(keys) == 0 {
		t.Error("latest not written after earlier step failed")
	}
	if items := h.statsItems(t, "job-1"); len(items) != 2 {
		t.Errorf("stats items = %d, want 2", len(items))
	}
	if l, _ := h.locks.Get(context.Background(), "acme-prod"); l != nil {
		t.Errorf("lock still held: %+v", l)
	}
}

func TestScheduledJobCreation(t *testing.T) {
	h := newHarness(t)
	h.cfg.JobType = model.JobScheduled
	h.cfg.JobID = ""
	h.cfg.ScheduledJobName = "nightly"
	err := h.entries.Put(context.Background(), &model.ScheduledEntry{
		Name: "nightly", TenantName: "acme-prod", Customer: "acme",
		Rulesets: []string{"cis-aws"}, Schedule: "0 6 * * *",
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	code, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != ExitSucceeded {
		t.Fatalf("exit code = %d", code)
	}

	job := h.broker.lastJob
	if job == nil || job.Type != model.JobScheduled || job.ScheduledRuleName != "nightly" {
		t.Fatalf("job = %+v", job)
	}
	if job.Status != model.StatusSucceeded {
		t.Errorf("status = %s", job.Status)
	}

	entry, err := h.entries.Get(context.Background(), "nightly")
	if err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if entry.LastExecutionTime == nil {
		t.Error("last_execution_time not stamped")
	}
	if entry.NextScheduledRun == nil {
		t.Error("next_scheduled_run not recomputed")
	}
}

func TestEventDrivenDifferenceWrite(t *testing.T) {
	h := newHarness(t)
	h.cfg.JobType = model.JobEventDriven
	h.cfg.JobID = ""
	h.cfg.BatchResultIDs = []string{"br-1"}
	err := h.jobs.PutBatchResult(context.Background(), &model.BatchResult{
		ID: "br-1", TenantName: "acme-prod", Customer: "acme",
		Rules: map[string][]string{"eu-west-1": {"R_ec2"}},
	})
	if err != nil {
		t.Fatalf("seed batch result: %v", err)
	}

	code, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != ExitSucceeded {
		t.Fatalf("exit code = %d", code)
	}

	// Only the batch-named rule ran, in its region.
	if h.exec.input == nil {
		t.Fatal("executor never ran")
	}
	planned := h.exec.input.Plan.PoliciesFor("eu-west-1")
	if len(planned) != 1 || planned[0].Name != "R_ec2" {
		t.Errorf("planned for eu-west-1 = %+v", planned)
	}

	// The difference landed at its event-driven key.
	keys, _ := h.blobs.List(context.Background(), shards.DifferencePrefix("acme-prod", "br-1"))
	if len(keys) == 0 {
		t.Error("no difference shards written")
	}
}

func TestRulesetVersionRewrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog.PutRuleset(ctx, &model.Ruleset{
		Name: "licensed-pack", Cloud: model.CloudAWS,
		LicenseKey: "lic-1", ContentRef: "rules/licensed.json",
	})
	h.broker.content = map[string]string{"licensed-pack:2.1": "rules/licensed-2.1.json"}
	err := h.jobs.Create(ctx, &model.Job{
		ID: "job-1", Type: model.JobStandard, TenantName: "acme-prod",
		Customer: "acme", Status: model.StatusStarting,
		SubmittedAt: time.Now().UTC(), Rulesets: []string{"licensed-pack"},
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	h.ctrl.Loader = policy.NewLoader(fetcherMap{
		"rules/licensed-2.1.json": rulesetDoc(t,
			map[string]any{"name": "R_ec2", "resource": "aws.ec2"}),
	}, slog.Default())

	code, err := h.ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != ExitSucceeded {
		t.Fatalf("exit code = %d", code)
	}

	job := h.job(t, "job-1")
	if len(job.Rulesets) != 1 || job.Rulesets[0] != "licensed-pack:2.1" {
		t.Errorf("rulesets = %v, want the broker-authorized version", job.Rulesets)
	}
	if job.AffectedLicense != "lic-1" {
		t.Errorf("affected license = %q", job.AffectedLicense)
	}
}
