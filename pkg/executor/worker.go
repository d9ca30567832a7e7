package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/policy"
	"github.com/stratushq/stratus/pkg/shards"
	"github.com/stratushq/stratus/pkg/stats"
)

// RuleEngine is what the worker needs from the scan engine: evaluate one
// policy at one location and classify whatever went wrong.
type RuleEngine interface {
	Evaluate(ctx context.Context, pol policy.Policy, location string) ([]map[string]any, map[string]int, error)
	Classify(err error) model.ErrorType
}

// Worker executes one region's policies serially and writes the handshake
// files. It runs inside the spawned process (or in-process under the inproc
// launcher).
type Worker struct {
	Engine RuleEngine
	Logger *slog.Logger
	Now    func() time.Time
}

func NewWorker(engine RuleEngine, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{Engine: engine, Logger: logger, Now: time.Now}
}

// Run executes every policy in the spec. The first CREDENTIALS failure
// short-circuits the remaining rules of this region to SKIPPED: the provider
// SDK's credential cache is poisoned for the rest of the process lifetime.
// Run returning nil means the handshake files are in place, regardless of
// how many rules failed.
func (w *Worker) Run(ctx context.Context, spec WorkerSpec) error {
	result := WorkerResult{Failed: make(map[string]Failure)}
	var (
		parts []shards.Part
		items []stats.Item
	)

	skipReason := ""
	for _, pol := range spec.Policies {
		if skipReason != "" {
			now := w.Now()
			result.Failed[FailureKey(spec.Location, pol.Name)] = Failure{
				ErrorType: model.ErrorSkipped,
				Message:   skipReason,
			}
			parts = append(parts, shards.NewErrorPart(pol.Name, w.partLocation(spec), model.ErrorSkipped, skipReason))
			items = append(items, skippedItem(pol.Name, spec.Location, skipReason, now))
			continue
		}

		start := w.Now()
		resources, apiCalls, err := w.evaluate(ctx, pol, spec.Location)
		end := w.Now()

		if err != nil {
			errType := w.Engine.Classify(err)
			w.Logger.Warn("Rule failed", "policy", pol.Name, "location", spec.Location,
				"error_type", string(errType), "error", err)

			result.Failed[FailureKey(spec.Location, pol.Name)] = Failure{
				ErrorType: errType,
				Message:   err.Error(),
				Trace:     traceLines(err),
			}
			parts = append(parts, shards.NewErrorPart(pol.Name, w.partLocation(spec), errType, err.Error()))
			items = append(items, errorItem(pol.Name, spec.Location, errType, err, apiCalls, start, end))

			if errType == model.ErrorCredentials {
				skipReason = err.Error()
			}
			continue
		}

		result.NSuccessful++
		parts = append(parts, shards.NewPart(pol.Name, w.partLocation(spec), resources))
		scanned := len(resources)
		zero := 0
		items = append(items, stats.Item{
			Policy:           pol.Name,
			Region:           stats.ArtifactRegion(spec.Location),
			StartTime:        unixSeconds(start),
			EndTime:          unixSeconds(end),
			APICalls:         apiCalls,
			ScannedResources: &scanned,
			FailedResources:  &zero,
		})
	}

	if parts == nil {
		parts = []shards.Part{}
	}
	if items == nil {
		items = []stats.Item{}
	}
	if err := writeJSON(filepath.Join(spec.WorkDir, PartsFile), parts); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(spec.WorkDir, StatsFile), items); err != nil {
		return err
	}
	return writeJSON(filepath.Join(spec.WorkDir, ResultFile), result)
}

// evaluate guards one rule evaluation against panics in policy code; an
// escaped panic must fail the rule, not the region.
func (w *Worker) evaluate(ctx context.Context, pol policy.Policy, location string) (resources []map[string]any, apiCalls map[string]int, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.Logger.Error("Rule panicked", "policy", pol.Name, "panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("policy evaluation panicked: %v", r)
		}
	}()
	return w.Engine.Evaluate(ctx, pol, location)
}

// partLocation is where this region's parts are keyed. The Azure scanner
// emits everything under the pseudo-region; the merge resolves real
// locations later.
func (w *Worker) partLocation(spec WorkerSpec) string {
	if spec.Cloud == model.CloudAzure {
		return model.AzurePseudoLocation
	}
	return spec.Location
}

func errorItem(policyName, location string, errType model.ErrorType, err error, apiCalls map[string]int, start, end time.Time) stats.Item {
	return stats.Item{
		Policy:    policyName,
		Region:    stats.ArtifactRegion(location),
		StartTime: unixSeconds(start),
		EndTime:   unixSeconds(end),
		APICalls:  apiCalls,
		ErrorType: errType,
		Reason:    err.Error(),
		Traceback: traceLines(err),
	}
}

func skippedItem(policyName, location, reason string, at time.Time) stats.Item {
	return stats.Item{
		Policy:    policyName,
		Region:    stats.ArtifactRegion(location),
		StartTime: unixSeconds(at),
		EndTime:   unixSeconds(at),
		ErrorType: model.ErrorSkipped,
		Reason:    reason,
	}
}

func traceLines(err error) []string {
	return strings.Split(err.Error(), ": ")
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
