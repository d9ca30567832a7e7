package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/stratushq/stratus/pkg/model"
)

// ContentFetcher resolves a ruleset's content-ref into its raw document.
// Refs are object-store keys or HTTP(S) URLs; the blob itself is opaque.
type ContentFetcher interface {
	FetchContent(ctx context.Context, ref string) ([]byte, error)
}

// FailedPolicy is a per-policy load failure. The job continues; the failure
// surfaces as an INTERNAL statistics item.
type FailedPolicy struct {
	Name   string
	Reason string
}

// LoadResult is the filtered, deduplicated policy list plus everything that
// did not make it in.
type LoadResult struct {
	Policies []Policy
	Failed   []FailedPolicy
	Warnings []string
}

// LoadInput names what to load and what to keep.
type LoadInput struct {
	Cloud    model.Cloud
	Rulesets []model.Ruleset

	// Exclude removes policies by name (tenant + customer disabled rules).
	Exclude []string
	// Keep, when non-empty, restricts the load to these names.
	Keep []string
}

// Loader fetches ruleset contents and assembles the job's policy list.
type Loader struct {
	Fetcher ContentFetcher
	Logger  *slog.Logger
}

func NewLoader(fetcher ContentFetcher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Fetcher: fetcher, Logger: logger}
}

// Load concatenates the contents of every ruleset, licensed first, then
// applies exclude, keep and first-occurrence-wins dedup. A ruleset whose
// content cannot be fetched fails the load; a policy that cannot be parsed
// only fails itself.
func (l *Loader) Load(ctx context.Context, in LoadInput) (*LoadResult, error) {
	ordered := append(
		lo.Filter(in.Rulesets, func(r model.Ruleset, _ int) bool { return r.Licensed() }),
		lo.Filter(in.Rulesets, func(r model.Ruleset, _ int) bool { return !r.Licensed() })...,
	)

	excluded := toSet(in.Exclude)
	kept := toSet(in.Keep)

	result := &LoadResult{}
	seen := make(map[string]bool)

	for _, rs := range ordered {
		data, err := l.Fetcher.FetchContent(ctx, rs.ContentRef)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch ruleset %s content: %w", rs.Name, err)
		}
		docs, err := ParseDocument(data)
		if err != nil {
			return nil, fmt.Errorf("ruleset %s: %w", rs.Name, err)
		}

		for _, raw := range docs {
			p, err := parsePolicy(raw)
			if err != nil {
				result.Failed = append(result.Failed, FailedPolicy{
					Name:   rawName(raw),
					Reason: err.Error(),
				})
				l.Logger.Warn("Policy failed to parse", "ruleset", rs.Name, "error", err)
				continue
			}

			if excluded[p.Name] {
				continue
			}
			if len(kept) > 0 && !kept[p.Name] {
				continue
			}
			if seen[p.Name] {
				warning := fmt.Sprintf("duplicate policy %q dropped (ruleset %s)", p.Name, rs.Name)
				result.Warnings = append(result.Warnings, warning)
				l.Logger.Warn("Duplicate policy dropped", "policy", p.Name, "ruleset", rs.Name)
				continue
			}
			if !KnownResource(in.Cloud, p.Resource) {
				warning := fmt.Sprintf("policy %q skipped: unknown resource type %q", p.Name, p.Resource)
				result.Warnings = append(result.Warnings, warning)
				l.Logger.Warn("Unknown resource type", "policy", p.Name, "resource", p.Resource)
				continue
			}

			seen[p.Name] = true
			result.Policies = append(result.Policies, p)
		}
	}

	return result, nil
}

func rawName(raw map[string]any) string {
	if name, ok := raw["name"].(string); ok {
		return name
	}
	return "<unnamed>"
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
