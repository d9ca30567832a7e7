package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/policy"
	"github.com/stratushq/stratus/pkg/shards"
	"github.com/stratushq/stratus/pkg/stats"
)

// Mode selects how regions are scheduled within one job.
type Mode string

const (
	// ModeConsistent runs regions one at a time. The default: one worker's
	// peak RSS at a time.
	ModeConsistent Mode = "consistent"
	// ModeConcurrent runs regions through a bounded worker-process pool.
	ModeConcurrent Mode = "concurrent"
)

// DefaultParallelism is the pool size in concurrent mode.
const DefaultParallelism = 4

// Input is one job's execution request.
type Input struct {
	Cloud         model.Cloud
	ProjectID     string
	DefaultRegion string
	Plan          *policy.Plan

	// Env is the complete worker environment (credentials included).
	Env map[string]string

	// Deadline is the job's absolute time budget. A region not yet spawned
	// when it passes is skipped; a running worker finishes its work.
	Deadline time.Time
}

// Result aggregates everything the workers produced. The collection is
// owned by the caller after Execute returns.
type Result struct {
	Collection  *shards.Collection
	Items       []stats.Item
	NSuccessful int
}

// Executor drives the plan region by region through worker processes.
type Executor struct {
	Launcher    ProcessLauncher
	WorkDir     string
	Mode        Mode
	Parallelism int
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(launcher ProcessLauncher, workDir string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Launcher:    launcher,
		WorkDir:     workDir,
		Mode:        ModeConsistent,
		Parallelism: DefaultParallelism,
		Logger:      logger,
		Now:         time.Now,
	}
}

// regionOutcome is one location's merged-ready output. Outcomes travel back
// to the Execute goroutine over a channel; the collection itself is only
// touched there.
type regionOutcome struct {
	location    string
	parts       []shards.Part
	items       []stats.Item
	nSuccessful int
}

// Execute runs the plan. GLOBAL always executes first and alone: regional
// rules may reference global resources. The remaining regions follow
// sequentially or through the bounded pool. Execute itself only fails on
// workspace errors; rule failures land in the result.
func (e *Executor) Execute(ctx context.Context, in Input) (*Result, error) {
	res := &Result{Collection: shards.NewCollection()}

	outcome, err := e.runLocation(ctx, in, model.GlobalLocation)
	if err != nil {
		return nil, err
	}
	e.merge(res, outcome)

	regions := in.Plan.Locations[1:]
	if e.Mode == ModeConcurrent && e.Parallelism > 1 {
		if err := e.runConcurrent(ctx, in, regions, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	for _, region := range regions {
		outcome, err := e.runLocation(ctx, in, region)
		if err != nil {
			return nil, err
		}
		e.merge(res, outcome)
	}
	return res, nil
}

func (e *Executor) runConcurrent(ctx context.Context, in Input, regions []string, res *Result) error {
	outcomes := make(chan regionOutcome, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Parallelism)
	for _, region := range regions {
		g.Go(func() error {
			outcome, err := e.runLocation(gctx, in, region)
			if err != nil {
				return err
			}
			outcomes <- outcome
			return nil
		})
	}
	err := g.Wait()
	close(outcomes)

	for outcome := range outcomes {
		e.merge(res, outcome)
	}
	return err
}

// merge folds one region's output into the job result. Single goroutine.
func (e *Executor) merge(res *Result, outcome regionOutcome) {
	res.Collection.PutParts(outcome.parts...)
	res.Items = append(res.Items, outcome.items...)
	res.NSuccessful += outcome.nSuccessful
}

func (e *Executor) runLocation(ctx context.Context, in Input, location string) (regionOutcome, error) {
	policies := in.Plan.PoliciesFor(location)
	if len(policies) == 0 {
		return regionOutcome{location: location}, nil
	}

	// The deadline is checked at spawn time only; a worker already running
	// is left to finish its finite work.
	if !in.Deadline.IsZero() && e.Now().After(in.Deadline) {
		e.Logger.Warn("Deadline exceeded, skipping region", "location", location)
		return e.skippedOutcome(in, location, policies, model.ReasonTimeExceeded), nil
	}

	workDir := filepath.Join(e.WorkDir, location)
	specPath, err := WriteSpec(WorkerSpec{
		Cloud:         in.Cloud,
		Location:      location,
		DefaultRegion: in.DefaultRegion,
		ProjectID:     in.ProjectID,
		WorkDir:       workDir,
		Policies:      policies,
	})
	if err != nil {
		return regionOutcome{}, err
	}

	e.Logger.Info("Spawning region worker", "location", location, "policies", len(policies))
	exitCode, err := e.Launcher.Launch(ctx, LaunchSpec{
		WorkDir:  workDir,
		SpecPath: specPath,
		Env:      in.Env,
	})
	if err != nil {
		return regionOutcome{}, fmt.Errorf("failed to launch worker for %s: %w", location, err)
	}

	// Non-zero exit means the worker itself could not start: every planned
	// rule of the region failed internally.
	if exitCode != 0 {
		e.Logger.Error("Worker exited abnormally", "location", location, "exit_code", exitCode)
		reason := fmt.Sprintf("worker exited with status %d", exitCode)
		return e.failedOutcome(in, location, policies, reason), nil
	}

	result, parts, items, err := ReadOutput(workDir)
	if err != nil {
		// Exit 0 without output files is still a broken handshake.
		e.Logger.Error("Worker output unreadable", "location", location, "error", err)
		return e.failedOutcome(in, location, policies, err.Error()), nil
	}

	return regionOutcome{
		location:    location,
		parts:       parts,
		items:       items,
		nSuccessful: result.NSuccessful,
	}, nil
}

func (e *Executor) skippedOutcome(in Input, location string, policies []policy.Policy, reason string) regionOutcome {
	outcome := regionOutcome{location: location}
	now := e.Now()
	for _, pol := range policies {
		outcome.parts = append(outcome.parts,
			shards.NewErrorPart(pol.Name, partLocationFor(in.Cloud, location), model.ErrorSkipped, reason))
		outcome.items = append(outcome.items, skippedItem(pol.Name, location, reason, now))
	}
	return outcome
}

func (e *Executor) failedOutcome(in Input, location string, policies []policy.Policy, reason string) regionOutcome {
	outcome := regionOutcome{location: location}
	now := e.Now()
	for _, pol := range policies {
		outcome.parts = append(outcome.parts,
			shards.NewErrorPart(pol.Name, partLocationFor(in.Cloud, location), model.ErrorInternal, reason))
		outcome.items = append(outcome.items, stats.Item{
			Policy:    pol.Name,
			Region:    stats.ArtifactRegion(location),
			StartTime: unixSeconds(now),
			EndTime:   unixSeconds(now),
			ErrorType: model.ErrorInternal,
			Reason:    reason,
		})
	}
	return outcome
}

func partLocationFor(cloud model.Cloud, location string) string {
	if cloud == model.CloudAzure {
		return model.AzurePseudoLocation
	}
	return location
}
