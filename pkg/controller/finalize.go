package controller

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/stratushq/stratus/pkg/executor"
	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/shards"
	"github.com/stratushq/stratus/pkg/stats"
)

// finalize persists everything the run produced. Every step is best-effort:
// a failure flips the job to FAILED but later steps still run, so downstream
// consumers tolerate partial writes. The job-result key is the ground truth
// for the run; latest is eventually consistent across retries.
func (c *Controller) finalize(ctx context.Context, r *run, result *executor.Result) {
	ctx, span := c.tracer.Start(ctx, "job.finalize")
	defer span.End()

	var errs error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			c.Logger.Error("Finalization step failed", "job", r.job.ID, "step", name, "error", err)
			span.RecordError(err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if result != nil {
		if r.cloud == model.CloudAzure {
			// Raw scanner output keys everything under the pseudo-region;
			// nothing at AzureCloud may reach a persisted collection.
			result.Collection.ResolveAzureLocations()
		}

		jobStore := shards.NewStore(c.Blobs, shards.JobResultPrefix(r.tenant.Name, r.job.ID))
		jobStore.Update(result.Collection)

		step("write job result", func() error {
			if err := jobStore.WriteAll(ctx); err != nil {
				return err
			}
			return jobStore.WriteMeta(ctx)
		})

		latest := shards.NewStore(c.Blobs, shards.LatestPrefix(r.tenant.Name))
		step("fetch latest", func() error {
			if err := latest.FetchByIndexes(ctx, result.Collection.Indexes()); err != nil {
				return err
			}
			return latest.FetchMeta(ctx)
		})

		if c.Cfg.HealS3Latest && r.cloud == model.CloudAWS {
			latest.HealS3Global(c.Cfg.DefaultRegion)
		}

		difference := result.Collection.Diff(latest.Collection)

		step("update latest", func() error {
			latest.Update(result.Collection)
			if err := latest.WriteAll(ctx); err != nil {
				return err
			}
			return latest.WriteMeta(ctx)
		})

		if r.job.Type == model.JobEventDriven {
			for _, id := range r.job.BatchResultIDs {
				step("write difference "+id, func() error {
					diffStore := shards.NewStore(c.Blobs, shards.DifferencePrefix(r.tenant.Name, id))
					diffStore.Update(difference)
					if err := diffStore.WriteAll(ctx); err != nil {
						return err
					}
					return diffStore.WriteMeta(ctx)
				})
			}
		}
	}

	step("write statistics", func() error {
		return r.recorder.Write(ctx, c.Blobs, stats.ArtifactKey(r.job.ID))
	})

	if errs != nil {
		r.fail(model.ReasonInternal)
	}
}
