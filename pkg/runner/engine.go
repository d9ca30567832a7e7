package runner

import (
	"context"
	"fmt"

	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/policy"
)

// Engine evaluates one policy against one location: collect the resource
// documents through the cloud runner, then keep the ones matching the
// policy's filter expression.
type Engine struct {
	Runner CloudRunner
	Filter *FilterEngine
}

func NewEngine(r CloudRunner) (*Engine, error) {
	filter, err := NewFilterEngine()
	if err != nil {
		return nil, err
	}
	return &Engine{Runner: r, Filter: filter}, nil
}

// Evaluate runs one policy and returns the matched resources plus the API
// calls the run cost. A filter that fails to compile or evaluate is an
// internal policy error, not a provider error.
func (e *Engine) Evaluate(ctx context.Context, pol policy.Policy, location string) ([]map[string]any, map[string]int, error) {
	collected, err := e.Runner.Collect(ctx, pol.Resource, location)
	apiCalls := e.Runner.DrainAPICalls()
	if err != nil {
		return nil, apiCalls, err
	}

	var matched []map[string]any
	for _, resource := range collected {
		ok, err := e.Filter.Match(pol.Filter, resource)
		if err != nil {
			return nil, apiCalls, fmt.Errorf("policy %s: %w", pol.Name, err)
		}
		if ok {
			matched = append(matched, resource)
		}
	}
	return matched, apiCalls, nil
}

// Classify delegates to the cloud runner's taxonomy.
func (e *Engine) Classify(err error) model.ErrorType {
	return e.Runner.Classify(err)
}
